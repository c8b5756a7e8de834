package service

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "i": {}, "my": {}, "me": {}, "you": {},
	"your": {}, "we": {}, "our": {}, "is": {}, "am": {}, "are": {}, "was": {},
	"were": {}, "be": {}, "been": {}, "do": {}, "does": {}, "did": {},
	"have": {}, "has": {}, "had": {}, "it": {}, "its": {}, "this": {},
	"that": {}, "these": {}, "those": {}, "to": {}, "of": {}, "in": {},
	"on": {}, "at": {}, "for": {}, "with": {}, "and": {}, "or": {},
	"but": {}, "so": {}, "as": {}, "by": {}, "from": {}, "about": {},
	"what": {}, "where": {}, "when": {}, "who": {}, "how": {}, "why": {},
	"which": {}, "there": {}, "here": {}, "not": {}, "no": {}, "now": {},
	"very": {}, "really": {}, "just": {}, "also": {}, "still": {},
}

var correctionMarkers = []string{
	"actually", "no,", "no wait", "i meant", "i mean", "correction",
	"that's wrong", "thats wrong", "not anymore", "no longer",
	"scratch that", "i was wrong", "to be precise", "let me correct",
}

var temporalMarkers = []string{
	"now", "these days", "currently", "as of", "used to", "previously",
	"before", "back then", "anymore", "recently", "nowadays", "since",
	"from now on", "at the moment", "today",
}

var negationMarkers = []string{
	"not", "never", "no longer", "don't", "dont", "doesn't", "doesnt",
	"didn't", "didnt", "isn't", "isnt", "wasn't", "wasnt", "won't",
	"wont", "can't", "cant", "nothing", "none", "neither",
}

var nonWord = regexp.MustCompile(`[^a-z0-9']+`)

func tokenize(text string) []string {
	parts := nonWord.Split(strings.ToLower(text), -1)
	tokens := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "'")
		if p != "" {
			tokens = append(tokens, p)
		}
	}
	return tokens
}

// informativeTokens drops stopwords and keeps the tokens that actually
// carry the claim.
func informativeTokens(text string) []string {
	var out []string
	for _, t := range tokenize(text) {
		if _, ok := stopwords[t]; ok {
			continue
		}
		out = append(out, t)
	}
	return out
}

// slotSkip holds single-word markers that must never anchor a slot:
// "Actually I live in Paris" is about living, not about "actually".
var slotSkip = func() map[string]struct{} {
	skip := map[string]struct{}{}
	for _, list := range [][]string{correctionMarkers, temporalMarkers, negationMarkers} {
		for _, m := range list {
			if !strings.ContainsAny(m, " ,") {
				skip[m] = struct{}{}
			}
		}
	}
	return skip
}()

// ExtractSlot produces a stable topic key for a statement. The anchor is
// the first informative non-numeric non-marker token: "I work at
// Microsoft" and "I work at Amazon" both land on "work", and the question
// "Where do I work?" lands there too, while the value tokens stay out of
// the key. A slot match alone never triggers detection; the similarity
// floor still applies, so incidental collisions are harmless.
func ExtractSlot(text string) string {
	for _, t := range informativeTokens(text) {
		if _, err := strconv.ParseFloat(t, 64); err == nil {
			continue
		}
		if _, ok := slotSkip[t]; ok {
			continue
		}
		return t
	}
	return ""
}

// containsAnyMarker matches multi-word markers by substring and single
// words by whole token, so "now" never matches inside "know".
func containsAnyMarker(text string, markers []string) bool {
	lower := strings.ToLower(text)
	var tokens map[string]struct{}
	for _, m := range markers {
		if strings.ContainsAny(m, " ,") {
			if strings.Contains(lower, m) {
				return true
			}
			continue
		}
		if tokens == nil {
			tokens = map[string]struct{}{}
			for _, t := range tokenize(text) {
				tokens[t] = struct{}{}
			}
		}
		if _, ok := tokens[m]; ok {
			return true
		}
	}
	return false
}

func hasCorrectionMarker(text string) bool { return containsAnyMarker(text, correctionMarkers) }
func hasTemporalMarker(text string) bool   { return containsAnyMarker(text, temporalMarkers) }
func hasNegationMarker(text string) bool   { return containsAnyMarker(text, negationMarkers) }

var numberPattern = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

// extractNumbers pulls every numeric literal out of a statement.
func extractNumbers(text string) []float64 {
	matches := numberPattern.FindAllString(text, -1)
	nums := make([]float64, 0, len(matches))
	for _, m := range matches {
		if v, err := strconv.ParseFloat(m, 64); err == nil {
			nums = append(nums, v)
		}
	}
	return nums
}

// relativeNumericChange returns the largest relative change between
// paired numbers in two statements, and whether both had numbers.
func relativeNumericChange(oldText, newText string) (float64, bool) {
	oldNums := extractNumbers(oldText)
	newNums := extractNumbers(newText)
	if len(oldNums) == 0 || len(newNums) == 0 {
		return 0, false
	}

	n := len(oldNums)
	if len(newNums) < n {
		n = len(newNums)
	}
	var maxChange float64
	for i := 0; i < n; i++ {
		denom := math.Abs(oldNums[i])
		if denom == 0 {
			denom = 1
		}
		change := math.Abs(newNums[i]-oldNums[i]) / denom
		if change > maxChange {
			maxChange = change
		}
	}
	return maxChange, true
}

// CosineSimilarity over two equal-length vectors; 0 when either is empty
// or degenerate.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// tokenOverlap is the fraction of a's informative tokens present in b.
func tokenOverlap(a, b string) float64 {
	aTokens := informativeTokens(a)
	if len(aTokens) == 0 {
		return 0
	}
	bSet := map[string]struct{}{}
	for _, t := range informativeTokens(b) {
		bSet[t] = struct{}{}
	}
	hits := 0
	for _, t := range aTokens {
		if _, ok := bSet[t]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(aTokens))
}
