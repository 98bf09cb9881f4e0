package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/songzhibin97/approval-engine/types"
)

// PostgresDefinitionStore keeps workflow definitions in PostgreSQL. Steps are
// stored as a JSONB array.
type PostgresDefinitionStore struct {
	pool *pgxpool.Pool
}

// NewPostgresDefinitionStore connects to the database described by dsn.
func NewPostgresDefinitionStore(ctx context.Context, dsn string) (*PostgresDefinitionStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "failed to connect to postgres")
	}
	return &PostgresDefinitionStore{pool: pool}, nil
}

// Migrate creates the definitions table when missing.
func (s *PostgresDefinitionStore) Migrate(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS approval_workflow_definitions (
		    id                 BIGINT PRIMARY KEY,
		    name               TEXT    NOT NULL DEFAULT '',
		    object_type        TEXT    NOT NULL,
		    amount_min         BIGINT  NOT NULL,
		    amount_max         BIGINT  NOT NULL,
		    steps              JSONB   NOT NULL,
		    auto_approve_below BIGINT,
		    expiration_hours   INT     NOT NULL,
		    escalation_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		    active             BOOLEAN NOT NULL DEFAULT TRUE,
		    priority           INT     NOT NULL DEFAULT 0,
		    condition          TEXT    NOT NULL DEFAULT '',
		    registered_seq     BIGINT  NOT NULL DEFAULT 0
		)
	`
	_, err := s.pool.Exec(ctx, query)
	return errors.Wrap(err, "failed to migrate approval_workflow_definitions")
}

// SaveDefinition upserts a definition.
func (s *PostgresDefinitionStore) SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error {
	steps, err := json.Marshal(def.Steps)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal steps of definition %d", def.ID)
	}

	query := `
		INSERT INTO approval_workflow_definitions
		    (id, name, object_type, amount_min, amount_max, steps,
		     auto_approve_below, expiration_hours, escalation_enabled,
		     active, priority, condition, registered_seq)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8, $9,
		        $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
		    name               = EXCLUDED.name,
		    object_type        = EXCLUDED.object_type,
		    amount_min         = EXCLUDED.amount_min,
		    amount_max         = EXCLUDED.amount_max,
		    steps              = EXCLUDED.steps,
		    auto_approve_below = EXCLUDED.auto_approve_below,
		    expiration_hours   = EXCLUDED.expiration_hours,
		    escalation_enabled = EXCLUDED.escalation_enabled,
		    active             = EXCLUDED.active,
		    priority           = EXCLUDED.priority,
		    condition          = EXCLUDED.condition,
		    registered_seq     = EXCLUDED.registered_seq
	`

	_, err = s.pool.Exec(ctx, query,
		int64(def.ID),
		def.Name,
		def.ObjectType,
		def.AmountMin,
		def.AmountMax,
		steps,
		def.AutoApproveBelow,
		def.ExpirationHours,
		def.EscalationEnabled,
		def.Active,
		def.Priority,
		def.Condition,
		int64(def.RegisteredSeq),
	)
	return errors.Wrapf(err, "failed to save definition %d", def.ID)
}

// GetDefinition retrieves a definition by id.
func (s *PostgresDefinitionStore) GetDefinition(ctx context.Context, id uint64) (types.WorkflowDefinition, error) {
	query := `
		SELECT id, name, object_type, amount_min, amount_max, steps,
		       auto_approve_below, expiration_hours, escalation_enabled,
		       active, priority, condition, registered_seq
		FROM approval_workflow_definitions
		WHERE id = $1
	`

	def, err := scanDefinition(s.pool.QueryRow(ctx, query, int64(id)))
	if err == pgx.ErrNoRows {
		return types.WorkflowDefinition{}, fmt.Errorf("%w: id=%d", ErrDefinitionNotFound, id)
	}
	return def, err
}

// ListDefinitions returns all definitions ordered by id.
func (s *PostgresDefinitionStore) ListDefinitions(ctx context.Context) ([]types.WorkflowDefinition, error) {
	query := `
		SELECT id, name, object_type, amount_min, amount_max, steps,
		       auto_approve_below, expiration_hours, escalation_enabled,
		       active, priority, condition, registered_seq
		FROM approval_workflow_definitions
		ORDER BY id ASC
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list definitions")
	}
	defer rows.Close()

	var out []types.WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate definitions")
}

// Close releases the pool.
func (s *PostgresDefinitionStore) Close() {
	s.pool.Close()
}

// ── scan helper ───────────────────────────────────────────────────────────────

type definitionScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row definitionScanner) (types.WorkflowDefinition, error) {
	var (
		def      types.WorkflowDefinition
		id, seq  int64
		rawSteps []byte
	)
	err := row.Scan(
		&id,
		&def.Name,
		&def.ObjectType,
		&def.AmountMin,
		&def.AmountMax,
		&rawSteps,
		&def.AutoApproveBelow,
		&def.ExpirationHours,
		&def.EscalationEnabled,
		&def.Active,
		&def.Priority,
		&def.Condition,
		&seq,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return def, err
		}
		return def, errors.Wrap(err, "failed to scan definition")
	}
	def.ID = uint64(id)
	def.RegisteredSeq = uint64(seq)
	if err := json.Unmarshal(rawSteps, &def.Steps); err != nil {
		return def, errors.Wrapf(err, "failed to unmarshal steps of definition %d", def.ID)
	}
	return def, nil
}
