package service

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// Model is an immutable linear multi-class classifier. A model is never
// mutated after load; replacement is a whole-pointer swap on ModelHandle.
type Model struct {
	Version    int         `json:"version"`
	Classes    []string    `json:"classes"`
	FeatureDim int         `json:"feature_dim"`
	// Weights is classes x (feature_dim + 1); the last column is the bias.
	Weights  [][]float64 `json:"weights"`
	Accuracy float64     `json:"accuracy"`
}

// Predict returns the argmax class and its raw score. Deterministic: ties
// resolve to the lowest class index.
func (m *Model) Predict(features []float64) (string, float64) {
	best := 0
	bestScore := m.score(0, features)
	for c := 1; c < len(m.Classes); c++ {
		if s := m.score(c, features); s > bestScore {
			best, bestScore = c, s
		}
	}
	return m.Classes[best], bestScore
}

func (m *Model) score(class int, features []float64) float64 {
	w := m.Weights[class]
	s := w[len(w)-1] // bias
	n := m.FeatureDim
	if len(features) < n {
		n = len(features)
	}
	for i := 0; i < n; i++ {
		s += w[i] * features[i]
	}
	return s
}

// ModelHandle is the injectable, hot-swappable reference to the current
// model. Readers see either the old or the new model in full, never a mix.
// Writes are serialized by a single-writer mutex.
type ModelHandle struct {
	ptr     atomic.Pointer[Model]
	writeMu sync.Mutex
}

func NewModelHandle() *ModelHandle {
	return &ModelHandle{}
}

// Current returns the active model, or nil when none has been installed.
func (h *ModelHandle) Current() *Model {
	return h.ptr.Load()
}

// CurrentVersion returns 0 when no model is installed.
func (h *ModelHandle) CurrentVersion() int {
	if m := h.ptr.Load(); m != nil {
		return m.Version
	}
	return 0
}

// Swap installs a new model atomically. In-flight evaluations holding the
// previous pointer keep using it until they finish.
func (h *ModelHandle) Swap(m *Model) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	h.ptr.Store(m)
}

// ModelRepo persists versioned classifier artifacts as JSON files under a
// directory, one file per version.
type ModelRepo struct {
	dir  string
	name string
}

func NewModelRepo(dir, name string) *ModelRepo {
	return &ModelRepo{dir: dir, name: name}
}

func (r *ModelRepo) path(version int) string {
	return filepath.Join(r.dir, fmt.Sprintf("%s_v%d.json", r.name, version))
}

func (r *ModelRepo) Save(m *Model) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal model: %w", err)
	}
	tmp := r.path(m.Version) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write model artifact: %w", err)
	}
	return os.Rename(tmp, r.path(m.Version))
}

func (r *ModelRepo) Load(version int) (*Model, error) {
	data, err := os.ReadFile(r.path(version))
	if err != nil {
		return nil, err
	}
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal model artifact: %w", err)
	}
	return &m, nil
}

// LatestVersion scans the directory for the highest persisted version,
// 0 when none exist.
func (r *ModelRepo) LatestVersion() (int, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	prefix := r.name + "_v"
	latest := 0
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".json"))
		if err != nil {
			continue
		}
		if v > latest {
			latest = v
		}
	}
	return latest, nil
}

// LoadLatest loads the newest artifact into the handle; a missing
// directory is not an error, the handle just stays empty.
func (r *ModelRepo) LoadLatest(h *ModelHandle) error {
	v, err := r.LatestVersion()
	if err != nil {
		return err
	}
	if v == 0 {
		return nil
	}
	m, err := r.Load(v)
	if err != nil {
		return err
	}
	h.Swap(m)
	return nil
}

// trainSample is one labeled example for perceptron training.
type trainSample struct {
	features []float64
	label    string
}

const trainEpochs = 20

// trainPerceptron fits a multi-class perceptron. Training is fully
// deterministic: fixed epoch count, samples in input order, classes
// sorted, no randomness anywhere.
func trainPerceptron(samples []trainSample, featureDim int) ([]string, [][]float64) {
	classSet := map[string]struct{}{}
	for _, s := range samples {
		classSet[s.label] = struct{}{}
	}
	classes := make([]string, 0, len(classSet))
	for c := range classSet {
		classes = append(classes, c)
	}
	sort.Strings(classes)

	classIdx := map[string]int{}
	for i, c := range classes {
		classIdx[c] = i
	}

	weights := make([][]float64, len(classes))
	for i := range weights {
		weights[i] = make([]float64, featureDim+1)
	}

	model := Model{Classes: classes, FeatureDim: featureDim, Weights: weights}
	for epoch := 0; epoch < trainEpochs; epoch++ {
		for _, s := range samples {
			predicted, _ := model.Predict(s.features)
			if predicted == s.label {
				continue
			}
			p, t := classIdx[predicted], classIdx[s.label]
			for i := 0; i < featureDim && i < len(s.features); i++ {
				weights[t][i] += s.features[i]
				weights[p][i] -= s.features[i]
			}
			weights[t][featureDim]++
			weights[p][featureDim]--
		}
	}
	return classes, weights
}

// evaluateModel returns accuracy on a holdout slice.
func evaluateModel(m *Model, holdout []trainSample) float64 {
	if len(holdout) == 0 {
		return 0
	}
	correct := 0
	for _, s := range holdout {
		if predicted, _ := m.Predict(s.features); predicted == s.label {
			correct++
		}
	}
	return float64(correct) / float64(len(holdout))
}
