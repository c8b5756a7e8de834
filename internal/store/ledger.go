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

type LedgerStore struct {
	db *pgxpool.Pool
}

func NewLedgerStore(db *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{db: db}
}

const ledgerColumns = `ledger_id, old_memory_id, new_memory_id, drift_mean, confidence_delta, category, suggested_policy, status, resolution_method, query_context, created_at`

func scanLedgerEntry(row pgx.Row, e *domain.ContradictionLedgerEntry) error {
	return row.Scan(&e.LedgerID, &e.OldMemoryID, &e.NewMemoryID, &e.DriftMean,
		&e.ConfidenceDelta, &e.Category, &e.SuggestedPolicy, &e.Status,
		&e.ResolutionMethod, &e.QueryContext, &e.CreatedAt)
}

// Create appends a ledger entry, deduplicated by (old, new). When a
// concurrent detection already recorded the pair, the existing entry is
// loaded into e and false is returned: the second writer is a no-op.
func (s *LedgerStore) Create(ctx context.Context, e *domain.ContradictionLedgerEntry) (bool, error) {
	err := s.db.QueryRow(ctx,
		`INSERT INTO contradiction_ledger
			(old_memory_id, new_memory_id, drift_mean, confidence_delta, category, suggested_policy, status, query_context)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (old_memory_id, new_memory_id) DO NOTHING
		 RETURNING ledger_id, created_at`,
		e.OldMemoryID, e.NewMemoryID, e.DriftMean, e.ConfidenceDelta,
		e.Category, e.SuggestedPolicy, e.Status, e.QueryContext,
	).Scan(&e.LedgerID, &e.CreatedAt)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("ledger insert: %w", err)
	}

	existing, err := s.GetByPair(ctx, e.OldMemoryID, e.NewMemoryID)
	if err != nil {
		return false, fmt.Errorf("load deduped ledger entry: %w", err)
	}
	*e = *existing
	return false, nil
}

func (s *LedgerStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.ContradictionLedgerEntry, error) {
	e := &domain.ContradictionLedgerEntry{}
	err := scanLedgerEntry(s.db.QueryRow(ctx,
		`SELECT `+ledgerColumns+` FROM contradiction_ledger WHERE ledger_id = $1`, id), e)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

func (s *LedgerStore) GetByPair(ctx context.Context, oldID, newID uuid.UUID) (*domain.ContradictionLedgerEntry, error) {
	e := &domain.ContradictionLedgerEntry{}
	err := scanLedgerEntry(s.db.QueryRow(ctx,
		`SELECT `+ledgerColumns+` FROM contradiction_ledger
		 WHERE old_memory_id = $1 AND new_memory_id = $2`, oldID, newID), e)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

// UpdateStatus is the only mutation the ledger allows. The pair and drift
// recorded at detection time are immutable.
func (s *LedgerStore) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.LedgerStatus, method *string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE contradiction_ledger
		 SET status = $2, resolution_method = $3
		 WHERE ledger_id = $1`,
		id, status, method,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *LedgerStore) ListUnresolved(ctx context.Context) ([]domain.ContradictionLedgerEntry, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+ledgerColumns+` FROM contradiction_ledger
		 WHERE status IN ('open', 'reflecting')
		 ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func (s *LedgerStore) ListUnresolvedByMemoryIDs(ctx context.Context, ids []uuid.UUID) ([]domain.ContradictionLedgerEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+ledgerColumns+` FROM contradiction_ledger
		 WHERE status IN ('open', 'reflecting')
		   AND (old_memory_id = ANY($1) OR new_memory_id = ANY($1))
		 ORDER BY created_at ASC`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func scanLedgerEntries(rows pgx.Rows) ([]domain.ContradictionLedgerEntry, error) {
	var entries []domain.ContradictionLedgerEntry
	for rows.Next() {
		var e domain.ContradictionLedgerEntry
		if err := scanLedgerEntry(rows, &e); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
