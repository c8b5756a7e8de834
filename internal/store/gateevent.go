package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/quibble-ai/quibble/internal/domain"
)

type GateEventStore struct {
	db *pgxpool.Pool
}

func NewGateEventStore(db *pgxpool.Pool) *GateEventStore {
	return &GateEventStore{db: db}
}

const gateEventColumns = `event_id, created_at, query, answer, response_type, corrected_type, intent_score, memory_score, grounding_score, passed, context_memory_ids, model_version`

func scanGateEvent(row pgx.Row, e *domain.GateEvent) error {
	return row.Scan(&e.EventID, &e.CreatedAt, &e.Query, &e.Answer,
		&e.ResponseType, &e.CorrectedType, &e.IntentScore, &e.MemoryScore,
		&e.GroundingScore, &e.Passed, &e.ContextMemoryIDs, &e.ModelVersion)
}

func (s *GateEventStore) Create(ctx context.Context, e *domain.GateEvent) error {
	ids := e.ContextMemoryIDs
	if ids == nil {
		ids = []uuid.UUID{}
	}
	return s.db.QueryRow(ctx,
		`INSERT INTO gate_events
			(query, answer, response_type, intent_score, memory_score, grounding_score, passed, context_memory_ids, model_version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING event_id, created_at`,
		e.Query, e.Answer, e.ResponseType, e.IntentScore, e.MemoryScore,
		e.GroundingScore, e.Passed, ids, e.ModelVersion,
	).Scan(&e.EventID, &e.CreatedAt)
}

func (s *GateEventStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.GateEvent, error) {
	e := &domain.GateEvent{}
	err := scanGateEvent(s.db.QueryRow(ctx,
		`SELECT `+gateEventColumns+` FROM gate_events WHERE event_id = $1`, id), e)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

// SubmitCorrection writes corrected_type once; the rest of the event stays
// immutable.
func (s *GateEventStore) SubmitCorrection(ctx context.Context, id uuid.UUID, corrected domain.ResponseType) error {
	if !domain.ValidResponseType(string(corrected)) {
		return fmt.Errorf("%w: unknown response type %q", ErrValidation, corrected)
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE gate_events SET corrected_type = $2 WHERE event_id = $1`,
		id, corrected,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GateEventStore) ListCorrected(ctx context.Context, limit int) ([]domain.GateEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+gateEventColumns+` FROM gate_events
		 WHERE corrected_type IS NOT NULL
		 ORDER BY created_at ASC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.GateEvent
	for rows.Next() {
		var e domain.GateEvent
		if err := scanGateEvent(rows, &e); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountCorrectionsSince counts corrections logged against the given model
// version or later, the trigger for retraining.
func (s *GateEventStore) CountCorrectionsSince(ctx context.Context, modelVersion int) (int, error) {
	var count int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM gate_events
		 WHERE corrected_type IS NOT NULL AND model_version >= $1`,
		modelVersion,
	).Scan(&count)
	return count, err
}
