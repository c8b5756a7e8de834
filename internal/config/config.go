package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Load reads the .env file specified by QUIBBLE_ENV (or .env by default),
// then loads the corresponding .secret file if it exists.
// All config is flat env vars read via os.Getenv after loading.
func Load() error {
	envFile := os.Getenv("QUIBBLE_ENV")
	if envFile == "" {
		envFile = ".env"
	}

	// Load main env file (ignore error if file doesn't exist)
	_ = godotenv.Load(envFile)

	// Load secret sidecar if it exists
	_ = godotenv.Load(envFile + ".secret")

	return nil
}

func envFloat(key string, def float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return def
	}
	return v
}

func envInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

func ServerPort() int {
	return envInt("SERVER_PORT", 8080)
}

func ServerAddr() string {
	return fmt.Sprintf(":%d", ServerPort())
}

func DatabaseURL() string {
	return os.Getenv("DATABASE_URL")
}

func OpenAIAPIKey() string {
	return os.Getenv("OPENAI_API_KEY")
}

// EmbeddingProvider returns the configured embedding provider.
// Valid values: openai, mock
func EmbeddingProvider() string {
	p := os.Getenv("EMBEDDING_PROVIDER")
	if p == "" {
		return "openai"
	}
	return p
}

// LLMProvider returns the configured draft-generation provider.
// Valid values: openai, mock
func LLMProvider() string {
	p := os.Getenv("LLM_PROVIDER")
	if p == "" {
		return "openai"
	}
	return p
}

// EmbeddingTimeout bounds every embedding call. The engine falls back to a
// deterministic speech/clarify outcome when the bound is hit.
func EmbeddingTimeout() time.Duration {
	return time.Duration(envInt("EMBEDDING_TIMEOUT_MS", 5000)) * time.Millisecond
}

func LLMTimeout() time.Duration {
	return time.Duration(envInt("LLM_TIMEOUT_MS", 15000)) * time.Millisecond
}

// --- Retrieval ---

// DecayLambdaBelief is the recency half-time (hours) for belief-lane items.
func DecayLambdaBelief() float64 {
	return envFloat("DECAY_LAMBDA_BELIEF_HOURS", 720)
}

// DecayLambdaSpeech is the recency half-time (hours) for speech-lane items.
// Speech decays faster than belief.
func DecayLambdaSpeech() float64 {
	return envFloat("DECAY_LAMBDA_SPEECH_HOURS", 72)
}

// RetrievalAlpha blends trust against fixed confidence in the ranking
// weight. Defaults favour trust.
func RetrievalAlpha() float64 {
	return envFloat("RETRIEVAL_ALPHA", 0.7)
}

func RetrievalTopK() int {
	return envInt("RETRIEVAL_TOP_K", 10)
}

// --- Trust evolution / detection bands ---

func ThetaAlign() float64 {
	return envFloat("THETA_ALIGN", 0.15)
}

// ThetaContra defaults to 0.42; the band is deliberately configurable
// rather than a canonical constant.
func ThetaContra() float64 {
	return envFloat("THETA_CONTRA", 0.42)
}

func EtaPos() float64 {
	return envFloat("ETA_POS", 0.1)
}

func EtaNeg() float64 {
	return envFloat("ETA_NEG", 0.3)
}

// SimilarityFloor is the minimum similarity before a prior memory is even
// considered for contradiction detection. Unrelated memories are never
// compared.
func SimilarityFloor() float64 {
	return envFloat("SIMILARITY_FLOOR", 0.5)
}

// NumericRefinementThreshold: a relative numeric change below this is a
// refinement, never a contradiction.
func NumericRefinementThreshold() float64 {
	return envFloat("NUMERIC_REFINEMENT_THRESHOLD", 0.20)
}

// --- Gate thresholds ---

// GateThresholds returns (intent_min, memory_min, grounding_min) for a
// response type key: "factual", "explanatory" or "conversational".
func GateThresholds(responseType string) (intentMin, memoryMin, groundingMin float64) {
	switch responseType {
	case "factual":
		return envFloat("GATE_FACTUAL_INTENT_MIN", 0.35),
			envFloat("GATE_FACTUAL_MEMORY_MIN", 0.35),
			envFloat("GATE_FACTUAL_GROUNDING_MIN", 0.40)
	case "explanatory":
		return envFloat("GATE_EXPLANATORY_INTENT_MIN", 0.30),
			envFloat("GATE_EXPLANATORY_MEMORY_MIN", 0.25),
			envFloat("GATE_EXPLANATORY_GROUNDING_MIN", 0.25)
	default:
		return envFloat("GATE_CONVERSATIONAL_INTENT_MIN", 0.25),
			envFloat("GATE_CONVERSATIONAL_MEMORY_MIN", 0.0),
			envFloat("GATE_CONVERSATIONAL_GROUNDING_MIN", 0.0)
	}
}

// SpeechTrustCeiling caps the trust of answers stored after a FAILED gate.
func SpeechTrustCeiling() float64 {
	return envFloat("SPEECH_TRUST_CEILING", 0.3)
}

// GroundingBoost is the grounding score assigned when the supporting
// memory's core fact tokens are all present in the answer.
func GroundingBoost() float64 {
	return envFloat("GROUNDING_BOOST", 0.9)
}

// ShortAnswerWords is the word count at or under which substring grounding
// applies.
func ShortAnswerWords() int {
	return envInt("SHORT_ANSWER_WORDS", 6)
}

// --- Active learning ---

// RetrainMinCorrections is how many operator corrections must accumulate
// against the current model version before retraining runs.
func RetrainMinCorrections() int {
	return envInt("RETRAIN_MIN_CORRECTIONS", 25)
}

func RetrainInterval() time.Duration {
	return time.Duration(envInt("RETRAIN_INTERVAL_MINUTES", 30)) * time.Minute
}

// ModelDir is where versioned classifier artifacts live.
func ModelDir() string {
	d := os.Getenv("MODEL_DIR")
	if d == "" {
		return "models"
	}
	return d
}

// --- HTTP ---

func RateLimitRPS() float64 {
	rps := envFloat("RATE_LIMIT_RPS", 100)
	if rps <= 0 {
		return 100
	}
	return rps
}

func RateLimitBurst() int {
	burst := envInt("RATE_LIMIT_BURST", 20)
	if burst <= 0 {
		return 20
	}
	return burst
}

func LogLevel() string {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		return "info"
	}
	return level
}
