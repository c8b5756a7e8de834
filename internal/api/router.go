package api

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/quibble-ai/quibble/internal/api/handlers"
	mw "github.com/quibble-ai/quibble/internal/api/middleware"
	"github.com/quibble-ai/quibble/internal/config"
	"github.com/quibble-ai/quibble/internal/domain"
	"github.com/quibble-ai/quibble/internal/embedding"
	"github.com/quibble-ai/quibble/internal/llm"
	"github.com/quibble-ai/quibble/internal/service"
	"github.com/quibble-ai/quibble/internal/store"
	"go.uber.org/zap"
)

// App holds the router and background services for lifecycle management.
type App struct {
	Router   *chi.Mux
	Learning *service.ActiveLearningService
	Ledger   *service.LedgerService

	startTime    time.Time
	requestCount atomic.Int64
	errorCount   atomic.Int64
}

func NewApp(db *pgxpool.Pool, logger *zap.Logger) *App {
	// Stores
	memoryStore := store.NewMemoryStore(db)
	ledgerStore := store.NewLedgerStore(db)
	eventStore := store.NewGateEventStore(db)

	// External clients via provider factory
	embeddingClient, err := embedding.NewClient(config.EmbeddingProvider(), config.OpenAIAPIKey())
	if err != nil {
		logger.Warn("embedding client initialization failed",
			zap.String("provider", config.EmbeddingProvider()), zap.Error(err))
		embeddingClient = embedding.NewMockClient()
	} else {
		logger.Info("embedding client initialized", zap.String("provider", config.EmbeddingProvider()))
	}

	llmClient, err := llm.NewClient(config.LLMProvider(), config.OpenAIAPIKey())
	if err != nil {
		logger.Warn("llm client initialization failed",
			zap.String("provider", config.LLMProvider()), zap.Error(err))
		llmClient = llm.NewMockClient()
	} else {
		logger.Info("llm client initialized", zap.String("provider", config.LLMProvider()))
	}

	// Classifier models. The category model classifies contradiction
	// pairs; the response-type model classifies queries for the gate and
	// is the one active learning retrains. Both start from the latest
	// saved artifact when one exists.
	categoryModel := service.NewModelHandle()
	categoryRepo := service.NewModelRepo(config.ModelDir(), "category")
	if err := categoryRepo.LoadLatest(categoryModel); err != nil {
		logger.Warn("category model load failed, heuristics only", zap.Error(err))
	}

	responseTypeModel := service.NewModelHandle()
	responseTypeRepo := service.NewModelRepo(config.ModelDir(), "response_type")
	if err := responseTypeRepo.LoadLatest(responseTypeModel); err != nil {
		logger.Warn("response-type model load failed, heuristics only", zap.Error(err))
	}
	logger.Info("classifier models",
		zap.Int("category_version", categoryModel.CurrentVersion()),
		zap.Int("response_type_version", responseTypeModel.CurrentVersion()))

	// Services
	retrievalSvc := service.NewRetrievalService(memoryStore, ledgerStore, logger)
	retrievalSvc.Alpha = config.RetrievalAlpha()
	retrievalSvc.LambdaBeliefHours = config.DecayLambdaBelief()
	retrievalSvc.LambdaSpeechHours = config.DecayLambdaSpeech()
	retrievalSvc.TopK = config.RetrievalTopK()

	trustSvc := service.NewTrustService(memoryStore, logger)
	trustSvc.ThetaAlign = config.ThetaAlign()
	trustSvc.ThetaContra = config.ThetaContra()
	trustSvc.EtaPos = config.EtaPos()
	trustSvc.EtaNeg = config.EtaNeg()

	detectorSvc := service.NewDetectorService(memoryStore, categoryModel, logger)
	detectorSvc.SimilarityFloor = config.SimilarityFloor()
	detectorSvc.NumericRefinementThreshold = config.NumericRefinementThreshold()
	detectorSvc.ThetaAlign = config.ThetaAlign()
	detectorSvc.ThetaContra = config.ThetaContra()

	ledgerSvc := service.NewLedgerService(ledgerStore, memoryStore, logger)

	gateSvc := service.NewGateService(ledgerSvc, responseTypeModel, logger)
	gateSvc.ThresholdsByType = thresholdsFromConfig()
	gateSvc.SpeechTrustCeiling = config.SpeechTrustCeiling()
	gateSvc.GroundingBoost = config.GroundingBoost()
	gateSvc.ShortAnswerWords = config.ShortAnswerWords()

	learningSvc := service.NewActiveLearningService(eventStore, responseTypeModel, responseTypeRepo, logger)
	learningSvc.MinCorrections = config.RetrainMinCorrections()
	learningSvc.SetInterval(config.RetrainInterval())

	memorySvc := service.NewMemoryService(memoryStore, embeddingClient, detectorSvc, ledgerSvc, trustSvc, logger)
	memorySvc.EmbeddingTimeout = config.EmbeddingTimeout()

	answerSvc := service.NewAnswerService(memoryStore, embeddingClient, llmClient, retrievalSvc, gateSvc, learningSvc, logger)
	answerSvc.EmbeddingTimeout = config.EmbeddingTimeout()
	answerSvc.LLMTimeout = config.LLMTimeout()

	// Handlers
	memoryHandler := handlers.NewMemoryHandler(memorySvc)
	retrieveHandler := handlers.NewRetrieveHandler(retrievalSvc, embeddingClient, config.EmbeddingTimeout(), logger)
	contradictionHandler := handlers.NewContradictionHandler(detectorSvc, ledgerSvc, ledgerStore, embeddingClient, config.EmbeddingTimeout(), logger)
	gateHandler := handlers.NewGateHandler(gateSvc, retrievalSvc, learningSvc, answerSvc, embeddingClient, config.EmbeddingTimeout(), logger)
	learningHandler := handlers.NewLearningHandler(learningSvc, responseTypeModel, logger)

	r := chi.NewRouter()

	app := &App{
		Router:    r,
		Learning:  learningSvc,
		Ledger:    ledgerSvc,
		startTime: time.Now(),
	}

	// Metrics collector for middleware
	metricsCollector := mw.NewMetricsCollector(&app.requestCount, &app.errorCount)

	// Global middleware (order matters)
	r.Use(mw.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metricsCollector.Middleware)
	r.Use(mw.Logging(logger))
	r.Use(middleware.Recoverer)
	r.Use(mw.RateLimit(config.RateLimitRPS(), config.RateLimitBurst()))

	r.Get("/health", healthHandler(db))
	r.Get("/metrics", app.metricsHandler())

	r.Route("/v1", func(r chi.Router) {
		// Memories
		r.Route("/memories", func(r chi.Router) {
			r.Post("/", memoryHandler.Create)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", memoryHandler.GetByID)
				r.Post("/deprecate", memoryHandler.Deprecate)
			})
		})

		// Full ingestion pipeline (detection + ledger + trust evolution)
		r.Post("/ingest", memoryHandler.Ingest)

		// Trust-weighted retrieval
		r.Post("/retrieve", retrieveHandler.Retrieve)

		// Contradiction detection and ledger
		r.Post("/detect", contradictionHandler.Detect)
		r.Route("/contradictions", func(r chi.Router) {
			r.Get("/", contradictionHandler.ListUnresolved)
			r.Post("/", contradictionHandler.Record)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", contradictionHandler.GetByID)
				r.Post("/resolve", contradictionHandler.Resolve)
			})
		})

		// Reconstruction gate
		r.Route("/gate", func(r chi.Router) {
			r.Post("/evaluate", gateHandler.Evaluate)
			r.Route("/events/{id}", func(r chi.Router) {
				r.Get("/", gateHandler.GetEvent)
				r.Post("/correction", gateHandler.SubmitCorrection)
			})
		})

		// Question answering
		r.Post("/ask", gateHandler.Ask)

		// Active learning
		r.Route("/learning", func(r chi.Router) {
			r.Post("/retrain", learningHandler.Retrain)
			r.Get("/model", learningHandler.Model)
		})
	})

	return app
}

// NewRouter returns just the chi.Mux for callers that do not manage
// background services.
func NewRouter(db *pgxpool.Pool, logger *zap.Logger) *chi.Mux {
	return NewApp(db, logger).Router
}

func thresholdsFromConfig() map[domain.ResponseType]service.Thresholds {
	out := make(map[domain.ResponseType]service.Thresholds, 3)
	for _, t := range []domain.ResponseType{
		domain.ResponseFactual,
		domain.ResponseExplanatory,
		domain.ResponseConversational,
	} {
		intentMin, memoryMin, groundingMin := config.GateThresholds(string(t))
		out[t] = service.Thresholds{
			IntentMin:    intentMin,
			MemoryMin:    memoryMin,
			GroundingMin: groundingMin,
		}
	}
	return out
}

func healthHandler(db *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "error", "error": err.Error()})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

func (app *App) metricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)

		uptime := time.Since(app.startTime)

		response := map[string]any{
			"uptime_seconds": uptime.Seconds(),
			"uptime_human":   uptime.Round(time.Second).String(),
			"request_count":  app.requestCount.Load(),
			"error_count":    app.errorCount.Load(),
			"goroutines":     runtime.NumGoroutine(),
			"memory": map[string]any{
				"alloc_mb":       float64(memStats.Alloc) / 1024 / 1024,
				"total_alloc_mb": float64(memStats.TotalAlloc) / 1024 / 1024,
				"sys_mb":         float64(memStats.Sys) / 1024 / 1024,
				"num_gc":         memStats.NumGC,
			},
			"go_version": runtime.Version(),
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(response)
	}
}

// Ensure stores and clients satisfy interfaces at compile time.
var (
	_ domain.MemoryStore     = (*store.MemoryStore)(nil)
	_ domain.LedgerStore     = (*store.LedgerStore)(nil)
	_ domain.GateEventStore  = (*store.GateEventStore)(nil)
	_ domain.EmbeddingClient = (*embedding.OpenAIClient)(nil)
	_ domain.EmbeddingClient = (*embedding.MockClient)(nil)
	_ domain.LLMClient       = (*llm.OpenAIClient)(nil)
	_ domain.LLMClient       = (*llm.MockClient)(nil)
)
