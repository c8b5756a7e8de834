package domain

import "github.com/google/uuid"

// FeatureVector is the fixed feature schema shared by feature extraction
// and model training. Adding a feature means adding a field here and
// bumping FeatureCount; there are no dynamic keys to drift out of sync.
type FeatureVector struct {
	Similarity        float64 `json:"similarity"`
	Drift             float64 `json:"drift"`
	TemporalDeltaHrs  float64 `json:"temporal_delta_hrs"`
	Recency           float64 `json:"recency"`
	UpdateFrequency   float64 `json:"update_frequency"`
	WordCountDelta    float64 `json:"word_count_delta"`
	HasNegationMarker float64 `json:"has_negation_marker"`
	HasTemporalMarker float64 `json:"has_temporal_marker"`
	HasCorrection     float64 `json:"has_correction"`
	OldTrust          float64 `json:"old_trust"`
	NewTrust          float64 `json:"new_trust"`
	OldConfidence     float64 `json:"old_confidence"`
	NewConfidence     float64 `json:"new_confidence"`
}

// FeatureCount is the dimensionality of FeatureVector.Values.
const FeatureCount = 13

// Values flattens the struct in declaration order for model input.
func (f FeatureVector) Values() [FeatureCount]float64 {
	return [FeatureCount]float64{
		f.Similarity, f.Drift, f.TemporalDeltaHrs, f.Recency,
		f.UpdateFrequency, f.WordCountDelta, f.HasNegationMarker,
		f.HasTemporalMarker, f.HasCorrection, f.OldTrust, f.NewTrust,
		f.OldConfidence, f.NewConfidence,
	}
}

// DetectionResult is the classifier's verdict for one (prior, candidate)
// pair. LowConfidence marks heuristic-only results produced while the
// learned model was unavailable.
type DetectionResult struct {
	OldMemoryID     uuid.UUID     `json:"old_memory_id"`
	IsContradiction bool          `json:"is_contradiction"`
	Category        Category      `json:"category"`
	SuggestedPolicy Policy        `json:"suggested_policy"`
	Drift           float64       `json:"drift"`
	ConfidenceDelta float64       `json:"confidence_delta"`
	LowConfidence   bool          `json:"low_confidence"`
	Features        FeatureVector `json:"features"`
}
