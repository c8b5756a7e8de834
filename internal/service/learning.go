package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quibble-ai/quibble/internal/domain"
	"go.uber.org/zap"
)

const (
	DefaultRetrainMinCorrections = 25
	defaultRetrainInterval       = 30 * time.Minute

	// Every holdoutStride-th corrected event is held out for validation.
	holdoutStride = 5
)

// ActiveLearningService logs every gate decision, accumulates operator
// corrections, and retrains the response-type classifier once enough
// corrections exist. Retraining runs off the request path; promotion is a
// single atomic swap on the shared model handle.
type ActiveLearningService struct {
	events domain.GateEventStore
	model  *ModelHandle
	repo   *ModelRepo
	logger *zap.Logger

	MinCorrections int

	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewActiveLearningService(events domain.GateEventStore, model *ModelHandle, repo *ModelRepo, logger *zap.Logger) *ActiveLearningService {
	return &ActiveLearningService{
		events:         events,
		model:          model,
		repo:           repo,
		logger:         logger,
		MinCorrections: DefaultRetrainMinCorrections,
		interval:       defaultRetrainInterval,
		stopCh:         make(chan struct{}),
	}
}

func (s *ActiveLearningService) SetInterval(d time.Duration) {
	s.interval = d
}

// LogEvent records one gate evaluation for later training.
func (s *ActiveLearningService) LogEvent(ctx context.Context, query, answer string, d *domain.GateDecision) (*domain.GateEvent, error) {
	event := &domain.GateEvent{
		Query:            query,
		Answer:           answer,
		ResponseType:     d.ResponseType,
		IntentScore:      d.IntentScore,
		MemoryScore:      d.MemoryScore,
		GroundingScore:   d.GroundingScore,
		Passed:           d.State == domain.GatePassed,
		ContextMemoryIDs: d.ContextMemoryIDs,
		ModelVersion:     d.ModelVersion,
	}
	if err := s.events.Create(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}

func (s *ActiveLearningService) GetEvent(ctx context.Context, eventID uuid.UUID) (*domain.GateEvent, error) {
	return s.events.GetByID(ctx, eventID)
}

// SubmitCorrection attaches an operator-corrected response type to an
// event. The event is otherwise immutable.
func (s *ActiveLearningService) SubmitCorrection(ctx context.Context, eventID uuid.UUID, corrected domain.ResponseType) error {
	if err := s.events.SubmitCorrection(ctx, eventID, corrected); err != nil {
		return err
	}
	s.logger.Debug("gate correction submitted",
		zap.String("event_id", eventID.String()),
		zap.String("corrected_type", string(corrected)))
	return nil
}

// RetrainIfDue trains a new model version when enough corrections have
// accumulated since the current version. It returns the promoted version,
// or nil when nothing changed. The swap is atomic; in-flight gate
// evaluations keep the version they started with.
func (s *ActiveLearningService) RetrainIfDue(ctx context.Context) (*int, error) {
	currentVersion := s.model.CurrentVersion()

	count, err := s.events.CountCorrectionsSince(ctx, currentVersion)
	if err != nil {
		return nil, err
	}
	if count < s.MinCorrections {
		return nil, nil
	}

	corrected, err := s.events.ListCorrected(ctx, 0)
	if err != nil {
		return nil, err
	}

	var train, holdout []trainSample
	for i, e := range corrected {
		if e.CorrectedType == nil {
			continue
		}
		f := responseTypeFeatures(e.Query)
		sample := trainSample{features: f[:], label: string(*e.CorrectedType)}
		if (i+1)%holdoutStride == 0 {
			holdout = append(holdout, sample)
		} else {
			train = append(train, sample)
		}
	}
	if len(train) == 0 || len(holdout) == 0 {
		return nil, nil
	}

	classes, weights := trainPerceptron(train, responseTypeFeatureCount)
	candidate := &Model{
		Version:    currentVersion + 1,
		Classes:    classes,
		FeatureDim: responseTypeFeatureCount,
		Weights:    weights,
	}
	candidate.Accuracy = evaluateModel(candidate, holdout)

	// Promote only a strict improvement; ties keep the incumbent so
	// repeated retrains stay deterministic.
	incumbentAccuracy := 0.0
	if incumbent := s.model.Current(); incumbent != nil {
		incumbentAccuracy = evaluateModel(incumbent, holdout)
	}
	if candidate.Accuracy <= incumbentAccuracy {
		s.logger.Info("retrained model not promoted",
			zap.Int("candidate_version", candidate.Version),
			zap.Float64("candidate_accuracy", candidate.Accuracy),
			zap.Float64("incumbent_accuracy", incumbentAccuracy))
		return nil, nil
	}

	if err := s.repo.Save(candidate); err != nil {
		return nil, err
	}
	s.model.Swap(candidate)

	s.logger.Info("response-type classifier promoted",
		zap.Int("version", candidate.Version),
		zap.Float64("accuracy", candidate.Accuracy),
		zap.Int("training_samples", len(train)),
		zap.Int("holdout_samples", len(holdout)))

	v := candidate.Version
	return &v, nil
}

// Start runs the retraining check on a periodic schedule in a background
// goroutine, isolated from the request path.
func (s *ActiveLearningService) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.logger.Info("active learning loop started", zap.Duration("interval", s.interval))

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				if _, err := s.RetrainIfDue(ctx); err != nil {
					s.logger.Error("retraining failed", zap.Error(err))
				}
				cancel()
			case <-s.stopCh:
				s.logger.Info("active learning loop stopped")
				return
			}
		}
	}()
}

// Stop gracefully stops the background loop.
func (s *ActiveLearningService) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}
