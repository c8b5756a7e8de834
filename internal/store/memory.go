package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/quibble-ai/quibble/internal/domain"
)

type MemoryStore struct {
	db *pgxpool.Pool
}

func NewMemoryStore(db *pgxpool.Pool) *MemoryStore {
	return &MemoryStore{db: db}
}

const memoryColumns = `id, text, slot, lane, source, confidence, trust, revision, deprecated, deprecation_reason, created_at`

func scanMemory(row pgx.Row, m *domain.MemoryItem) error {
	return row.Scan(&m.ID, &m.Text, &m.Slot, &m.Lane, &m.Source, &m.Confidence,
		&m.Trust, &m.Revision, &m.Deprecated, &m.DeprecationReason, &m.CreatedAt)
}

func (s *MemoryStore) Create(ctx context.Context, m *domain.MemoryItem) error {
	if m.Trust < 0 || m.Trust > 1 {
		return fmt.Errorf("%w: trust %.4f outside [0,1]", ErrValidation, m.Trust)
	}
	if m.Confidence < 0 || m.Confidence > 1 {
		return fmt.Errorf("%w: confidence %.4f outside [0,1]", ErrValidation, m.Confidence)
	}

	var embedding *pgvector.Vector
	if len(m.Embedding) > 0 {
		v := pgvector.NewVector(m.Embedding)
		embedding = &v
	}

	return s.db.QueryRow(ctx,
		`INSERT INTO memories (text, embedding, slot, lane, source, confidence, trust)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, revision, created_at`,
		m.Text, embedding, m.Slot, m.Lane, m.Source, m.Confidence, m.Trust,
	).Scan(&m.ID, &m.Revision, &m.CreatedAt)
}

// GetByID returns deprecated memories too; only ranking excludes them.
func (s *MemoryStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.MemoryItem, error) {
	m := &domain.MemoryItem{}
	err := scanMemory(s.db.QueryRow(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id = $1`, id), m)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

// Deprecate soft-flags a memory. The row is never deleted.
func (s *MemoryStore) Deprecate(ctx context.Context, id uuid.UUID, reason string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE memories
		 SET deprecated = TRUE, deprecation_reason = $2, revision = revision + 1
		 WHERE id = $1`,
		id, reason,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTrust is an optimistic write: the update applies only if the row's
// revision still matches the one the caller read. Out-of-range trust is a
// validation error, never a silent clamp.
func (s *MemoryStore) UpdateTrust(ctx context.Context, id uuid.UUID, trust float64, revision int) error {
	if trust < 0 || trust > 1 {
		return fmt.Errorf("%w: trust %.4f outside [0,1]", ErrValidation, trust)
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE memories
		 SET trust = $2, revision = revision + 1
		 WHERE id = $1 AND revision = $3`,
		id, trust, revision,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing row from a lost race.
		var exists bool
		if err := s.db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM memories WHERE id = $1)`, id,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrRevisionConflict
	}
	return nil
}

func (s *MemoryStore) Search(ctx context.Context, embedding []float32, opts domain.SearchOpts) ([]domain.MemoryWithSimilarity, error) {
	if opts.TopK <= 0 {
		opts.TopK = 10
	}

	vec := pgvector.NewVector(embedding)

	conditions := []string{"embedding IS NOT NULL"}
	args := []any{vec}

	if !opts.IncludeDeprecated {
		conditions = append(conditions, "deprecated = FALSE")
	}
	if opts.Slot != "" {
		conditions = append(conditions, fmt.Sprintf("slot = $%d", len(args)+1))
		args = append(args, opts.Slot)
	}
	if opts.MinSimilarity > 0 {
		conditions = append(conditions, fmt.Sprintf("1 - (embedding <=> $1) >= $%d", len(args)+1))
		args = append(args, opts.MinSimilarity)
	}

	args = append(args, opts.TopK)

	query := fmt.Sprintf(
		`SELECT `+memoryColumns+`, 1 - (embedding <=> $1) AS similarity
		 FROM memories
		 WHERE %s
		 ORDER BY similarity DESC
		 LIMIT $%d`,
		strings.Join(conditions, " AND "),
		len(args),
	)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search query: %w", err)
	}
	defer rows.Close()

	var results []domain.MemoryWithSimilarity
	for rows.Next() {
		var ms domain.MemoryWithSimilarity
		if err := rows.Scan(&ms.ID, &ms.Text, &ms.Slot, &ms.Lane, &ms.Source,
			&ms.Confidence, &ms.Trust, &ms.Revision, &ms.Deprecated,
			&ms.DeprecationReason, &ms.CreatedAt, &ms.Similarity); err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		results = append(results, ms)
	}
	return results, rows.Err()
}

func (s *MemoryStore) ListBySlot(ctx context.Context, slot string, includeDeprecated bool) ([]domain.MemoryItem, error) {
	query := `SELECT ` + memoryColumns + ` FROM memories WHERE slot = $1`
	if !includeDeprecated {
		query += ` AND deprecated = FALSE`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.Query(ctx, query, slot)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMemories(rows)
}

func (s *MemoryStore) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]domain.MemoryItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMemories(rows)
}

func (s *MemoryStore) CountBySlot(ctx context.Context, slot string) (int, error) {
	var count int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM memories WHERE slot = $1`, slot,
	).Scan(&count)
	return count, err
}

func scanMemories(rows pgx.Rows) ([]domain.MemoryItem, error) {
	var memories []domain.MemoryItem
	for rows.Next() {
		var m domain.MemoryItem
		if err := scanMemory(rows, &m); err != nil {
			return nil, err
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}
