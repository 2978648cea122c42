package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/acme/expediente/model"
)

// Schema creates the ledger table. It is safe to run repeatedly.
const Schema = `
CREATE TABLE IF NOT EXISTS process_instances (
	process_instance_key   TEXT PRIMARY KEY,
	bpmn_process_id        TEXT NOT NULL,
	process_definition_key TEXT NOT NULL DEFAULT '',
	version                INTEGER NOT NULL DEFAULT 0,
	subject_id             TEXT NOT NULL,
	username               TEXT NOT NULL DEFAULT '',
	correlation_id         TEXT NOT NULL DEFAULT '',
	variables              JSONB,
	started_at             TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS process_instances_process_started
	ON process_instances (bpmn_process_id, started_at DESC);
CREATE INDEX IF NOT EXISTS process_instances_subject_started
	ON process_instances (subject_id, started_at DESC);
`

const selectColumns = `process_instance_key, bpmn_process_id, process_definition_key, version,
	subject_id, username, correlation_id, variables, started_at`

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PostgreSQL ledger over an existing pool.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate creates the ledger schema.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ledger: migrate: %w", err)
	}
	return nil
}

// Record implements Store.
func (s *PgStore) Record(ctx context.Context, rec model.ProcessInstanceRecord) error {
	varsJSON, err := json.Marshal(rec.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO process_instances (
			process_instance_key, bpmn_process_id, process_definition_key, version,
			subject_id, username, correlation_id, variables, started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (process_instance_key) DO NOTHING`,
		string(rec.ProcessInstanceKey), rec.BpmnProcessID, string(rec.ProcessDefinitionKey), rec.Version,
		rec.SubjectID, rec.Username, rec.CorrelationID, varsJSON, rec.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert process instance: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *PgStore) Get(ctx context.Context, key model.InstanceKey) (model.ProcessInstanceRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM process_instances WHERE process_instance_key = $1`,
		string(key),
	)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ProcessInstanceRecord{}, model.NewNotFoundError(
			fmt.Sprintf("process instance %q not found", key),
		)
	}
	if err != nil {
		return model.ProcessInstanceRecord{}, fmt.Errorf("query process instance: %w", err)
	}
	return rec, nil
}

// List implements Store.
func (s *PgStore) List(ctx context.Context, filters model.InstanceFilters) ([]model.ProcessInstanceRecord, int, error) {
	where := " WHERE 1=1"
	var args []any
	if filters.BpmnProcessID != "" {
		args = append(args, filters.BpmnProcessID)
		where += fmt.Sprintf(" AND bpmn_process_id = $%d", len(args))
	}
	if filters.SubjectID != "" {
		args = append(args, filters.SubjectID)
		where += fmt.Sprintf(" AND subject_id = $%d", len(args))
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM process_instances`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count process instances: %w", err)
	}

	limit, offset := normalizePage(filters)
	args = append(args, limit, offset)
	query := `SELECT ` + selectColumns + ` FROM process_instances` + where +
		fmt.Sprintf(" ORDER BY started_at DESC, process_instance_key DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query process instances: %w", err)
	}
	defer rows.Close()

	records := []model.ProcessInstanceRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan process instance: %w", err)
		}
		records = append(records, rec)
	}
	return records, total, rows.Err()
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanRecord(row pgx.Row) (model.ProcessInstanceRecord, error) {
	var (
		rec                model.ProcessInstanceRecord
		key, definitionKey string
		varsJSON           []byte
	)
	if err := row.Scan(
		&key, &rec.BpmnProcessID, &definitionKey, &rec.Version,
		&rec.SubjectID, &rec.Username, &rec.CorrelationID, &varsJSON, &rec.StartedAt,
	); err != nil {
		return model.ProcessInstanceRecord{}, err
	}
	rec.ProcessInstanceKey = model.InstanceKey(key)
	rec.ProcessDefinitionKey = model.InstanceKey(definitionKey)
	if len(varsJSON) > 0 {
		_ = json.Unmarshal(varsJSON, &rec.Variables)
	}
	return rec, nil
}
