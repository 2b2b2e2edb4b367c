// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

var _ domain.Repository = (*SQLRepository)(nil)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	db, err := open(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 && cfg.SQLitePath != MemoryPath {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// DB exposes the underlying handle for pool statistics.
func (r *SQLRepository) DB() *sql.DB {
	return r.db
}

// SaveTransactions stores a batch of transactions atomically.
func (r *SQLRepository) SaveTransactions(ctx context.Context, txs []domain.Transaction) error {
	if len(txs) == 0 {
		return nil
	}

	dbtx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbtx.Rollback()

	stmt, err := dbtx.PrepareContext(ctx, r.rebind(`
		INSERT INTO transactions (
			id, client_id, ts, amount, latitude, longitude, city, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, t := range txs {
		if _, err := stmt.ExecContext(ctx,
			uuid.New().String(), t.ClientID, t.Timestamp.UTC().Format(domain.TimeLayout),
			t.Amount, t.Latitude, t.Longitude, t.City, now,
		); err != nil {
			return err
		}
	}

	return dbtx.Commit()
}

// ListTransactions returns all transactions at or after since, oldest first.
// A zero since returns everything.
func (r *SQLRepository) ListTransactions(ctx context.Context, since time.Time) ([]domain.Transaction, error) {
	query := `
		SELECT client_id, ts, amount, latitude, longitude, city
		FROM transactions
		WHERE ts >= ?
		ORDER BY ts, client_id, id
	`
	from := ""
	if !since.IsZero() {
		from = since.UTC().Format(domain.TimeLayout)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), from)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// ListClientTransactions returns one client's transactions, oldest first.
func (r *SQLRepository) ListClientTransactions(ctx context.Context, clientID int) ([]domain.Transaction, error) {
	query := `
		SELECT client_id, ts, amount, latitude, longitude, city
		FROM transactions
		WHERE client_id = ?
		ORDER BY ts, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransactions(rows)
}

func scanTransactions(rows *sql.Rows) ([]domain.Transaction, error) {
	transactions := make([]domain.Transaction, 0)
	for rows.Next() {
		var t domain.Transaction
		var ts string

		if err := rows.Scan(&t.ClientID, &ts, &t.Amount, &t.Latitude, &t.Longitude, &t.City); err != nil {
			return nil, err
		}

		parsed, err := domain.ParseTimestamp(ts)
		if err != nil {
			return nil, err
		}
		t.Timestamp = parsed
		transactions = append(transactions, t)
	}

	return transactions, rows.Err()
}

// SaveRun stores a detection run together with its alerts.
func (r *SQLRepository) SaveRun(ctx context.Context, run *domain.DetectionRun) error {
	if run == nil || run.ID == "" {
		return fmt.Errorf("%w: run id is required", ErrInvalidInput)
	}

	dbtx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbtx.Rollback()

	_, err = dbtx.ExecContext(ctx, r.rebind(`
		INSERT INTO detection_runs (
			id, source, started_at, transaction_count, alert_count, threshold, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`),
		run.ID, run.Source, run.StartedAt.UTC().Format(time.RFC3339Nano),
		run.TransactionCount, run.AlertCount, run.Threshold, run.DurationMs,
	)
	if err != nil {
		return err
	}

	stmt, err := dbtx.PrepareContext(ctx, r.rebind(`
		INSERT INTO alerts (
			run_id, seq, client_id, ts, amount, city, reason, reconstruction_error, error_threshold
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, a := range run.Alerts {
		if _, err := stmt.ExecContext(ctx,
			run.ID, i, a.ClientID, a.Datetime.UTC().Format(domain.TimeLayout),
			a.Amount, a.City, a.Reason, a.ReconstructionError, a.ErrorThreshold,
		); err != nil {
			return err
		}
	}

	return dbtx.Commit()
}

// GetRun retrieves a run and its alerts in their original order.
func (r *SQLRepository) GetRun(ctx context.Context, runID string) (*domain.DetectionRun, error) {
	query := `
		SELECT id, source, started_at, transaction_count, alert_count, threshold, duration_ms
		FROM detection_runs
		WHERE id = ?
	`

	run, err := scanRun(r.db.QueryRowContext(ctx, r.rebind(query), runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT client_id, ts, amount, city, reason, reconstruction_error, error_threshold
		FROM alerts
		WHERE run_id = ?
		ORDER BY seq
	`), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	run.Alerts = make([]domain.Alert, 0, run.AlertCount)
	for rows.Next() {
		var a domain.Alert
		var ts string
		if err := rows.Scan(&a.ClientID, &ts, &a.Amount, &a.City, &a.Reason, &a.ReconstructionError, &a.ErrorThreshold); err != nil {
			return nil, err
		}
		if a.Datetime, err = domain.ParseTimestamp(ts); err != nil {
			return nil, err
		}
		run.Alerts = append(run.Alerts, a)
	}

	return run, rows.Err()
}

// ListRuns returns the most recent runs without their alerts.
func (r *SQLRepository) ListRuns(ctx context.Context, limit int) ([]*domain.DetectionRun, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, source, started_at, transaction_count, alert_count, threshold, duration_ms
		FROM detection_runs
		ORDER BY started_at DESC
		LIMIT ` + strconv.Itoa(limit)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]*domain.DetectionRun, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*domain.DetectionRun, error) {
	var run domain.DetectionRun
	var startedAt string

	if err := row.Scan(
		&run.ID, &run.Source, &startedAt,
		&run.TransactionCount, &run.AlertCount, &run.Threshold, &run.DurationMs,
	); err != nil {
		return nil, err
	}

	ts, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse run start time: %w", err)
	}
	run.StartedAt = ts
	return &run, nil
}

// SaveRuleConfig inserts or replaces a rule configuration.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, rule *domain.RuleConfig) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", ErrInvalidInput)
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)

	query := `
		INSERT INTO rule_configs (
			id, name, description, version, expression, reason, priority, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			version = excluded.version,
			expression = excluded.expression,
			reason = excluded.reason,
			priority = excluded.priority,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, rule.Description, rule.Version,
		rule.Expression, rule.Reason, rule.Priority, enabled,
		now, now,
	)
	return err
}

// GetRuleConfig retrieves a rule configuration by ID.
func (r *SQLRepository) GetRuleConfig(ctx context.Context, ruleID string) (*domain.RuleConfig, error) {
	query := `
		SELECT id, name, description, version, expression, reason, priority, enabled
		FROM rule_configs
		WHERE id = ?
	`

	cfg, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// ListRuleConfigs retrieves all rule configurations, enabled or not,
// in priority order.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context) ([]*domain.RuleConfig, error) {
	query := `
		SELECT id, name, description, version, expression, reason, priority, enabled
		FROM rule_configs
		ORDER BY priority, id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	configs := make([]*domain.RuleConfig, 0)
	for rows.Next() {
		cfg, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}

	return configs, rows.Err()
}

func scanRule(row rowScanner) (*domain.RuleConfig, error) {
	var cfg domain.RuleConfig
	var description sql.NullString
	var enabled int

	if err := row.Scan(
		&cfg.ID, &cfg.Name, &description, &cfg.Version,
		&cfg.Expression, &cfg.Reason, &cfg.Priority, &enabled,
	); err != nil {
		return nil, err
	}

	cfg.Description = description.String
	cfg.Enabled = enabled == 1
	return &cfg, nil
}

// DeleteRuleConfig soft-deletes a rule by setting enabled = 0.
func (r *SQLRepository) DeleteRuleConfig(ctx context.Context, ruleID string) error {
	query := `
		UPDATE rule_configs
		SET enabled = 0, updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC().Format(time.RFC3339Nano), ruleID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, strconv.Itoa(n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
