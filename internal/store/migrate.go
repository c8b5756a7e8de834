package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type migration struct {
	name     string
	stmt     string
	optional bool
}

// Migrations are additive only. Required statements abort startup on
// failure; optional ones are logged and retried next boot, and the engine
// degrades (e.g. override resolution unavailable without the deprecation
// columns) rather than crashing.
var migrations = []migration{
	{
		name: "create_vector_extension",
		stmt: `CREATE EXTENSION IF NOT EXISTS vector`,
	},
	{
		name: "create_memories",
		stmt: `CREATE TABLE IF NOT EXISTS memories (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			text TEXT NOT NULL,
			embedding vector(1536),
			slot TEXT NOT NULL DEFAULT '',
			lane TEXT NOT NULL,
			source TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			trust DOUBLE PRECISION NOT NULL,
			revision INTEGER NOT NULL DEFAULT 1,
			deprecated BOOLEAN NOT NULL DEFAULT FALSE,
			deprecation_reason TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	},
	{
		name: "create_contradiction_ledger",
		stmt: `CREATE TABLE IF NOT EXISTS contradiction_ledger (
			ledger_id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			old_memory_id UUID NOT NULL REFERENCES memories(id),
			new_memory_id UUID NOT NULL REFERENCES memories(id),
			drift_mean DOUBLE PRECISION NOT NULL,
			confidence_delta DOUBLE PRECISION NOT NULL,
			category TEXT NOT NULL,
			suggested_policy TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'open',
			resolution_method TEXT,
			query_context TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (old_memory_id, new_memory_id)
		)`,
	},
	{
		name: "create_gate_events",
		stmt: `CREATE TABLE IF NOT EXISTS gate_events (
			event_id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			query TEXT NOT NULL,
			answer TEXT NOT NULL DEFAULT '',
			response_type TEXT NOT NULL,
			corrected_type TEXT,
			intent_score DOUBLE PRECISION NOT NULL,
			memory_score DOUBLE PRECISION NOT NULL,
			grounding_score DOUBLE PRECISION NOT NULL,
			passed BOOLEAN NOT NULL,
			context_memory_ids UUID[] NOT NULL DEFAULT '{}',
			model_version INTEGER NOT NULL DEFAULT 0
		)`,
	},
	{
		// Installs predating the deprecation columns get them added here.
		// When this fails the ledger must refuse OVERRIDE resolutions.
		name: "memories_deprecation_columns",
		stmt: `ALTER TABLE memories
			ADD COLUMN IF NOT EXISTS deprecated BOOLEAN NOT NULL DEFAULT FALSE,
			ADD COLUMN IF NOT EXISTS deprecation_reason TEXT,
			ADD COLUMN IF NOT EXISTS revision INTEGER NOT NULL DEFAULT 1`,
		optional: true,
	},
	{
		name:     "index_memories_slot",
		stmt:     `CREATE INDEX IF NOT EXISTS idx_memories_slot ON memories (slot)`,
		optional: true,
	},
	{
		name:     "index_ledger_status",
		stmt:     `CREATE INDEX IF NOT EXISTS idx_ledger_status ON contradiction_ledger (status)`,
		optional: true,
	},
	{
		name:     "index_gate_events_corrected",
		stmt:     `CREATE INDEX IF NOT EXISTS idx_gate_events_corrected ON gate_events (model_version) WHERE corrected_type IS NOT NULL`,
		optional: true,
	},
}

// Migrate applies the schema at startup. It returns the names of optional
// migrations that failed so callers can log degraded capabilities.
func Migrate(ctx context.Context, db *pgxpool.Pool, logger *zap.Logger) ([]string, error) {
	var degraded []string
	for _, m := range migrations {
		if _, err := db.Exec(ctx, m.stmt); err != nil {
			if m.optional {
				logger.Warn("optional migration failed, continuing with prior schema",
					zap.String("migration", m.name),
					zap.Error(err))
				degraded = append(degraded, m.name)
				continue
			}
			return degraded, err
		}
	}
	return degraded, nil
}
