package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/claimlens/benchvault/internal/api"
)

// PostgresStore implements Store on a Postgres pool.
//
// Per-key serialization uses a transaction-scoped advisory lock on the
// hashed snapshot key, held only across the version-compute-and-flip
// sequence. Unrelated keys never contend. The append and the flip run
// in one SQL transaction, and the partial unique index on is_current
// backstops the single-current invariant at the schema level.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to Postgres and verifies the connection.
func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Pool exposes the underlying pool for migrations.
func (p *PostgresStore) Pool() *pgxpool.Pool {
	return p.pool
}

func (p *PostgresStore) Commit(ctx context.Context, tx *api.Transaction, decorate Decorator) (*api.Snapshot, error) {
	if err := tx.Validate(); err != nil {
		return nil, err
	}

	key := tx.Key()

	dbtx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, &api.PersistenceError{Op: "commit.begin", Err: err}
	}
	defer dbtx.Rollback(ctx)

	// Serialize writers for this key only. The advisory lock is
	// transaction-scoped, so it releases on commit or rollback.
	if _, err := dbtx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key.String()); err != nil {
		return nil, &api.PersistenceError{Op: "commit.lock", Err: err}
	}

	// Reject duplicates before writing anything.
	var existing int
	err = dbtx.QueryRow(ctx,
		`SELECT 1 FROM benchmark_transactions WHERE idempotency_key = $1`,
		tx.IdempotencyKey()).Scan(&existing)
	if err == nil {
		return nil, api.ErrDuplicateRun
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, &api.PersistenceError{Op: "commit.dedup", Err: err}
	}

	prev, err := p.currentForUpdate(ctx, dbtx, key)
	if err != nil {
		return nil, err
	}

	if decorate != nil {
		decorate(prev)
	}

	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}

	if err := insertTransaction(ctx, dbtx, tx); err != nil {
		return nil, err
	}

	nextVersion := 1
	if prev != nil {
		nextVersion = prev.SnapshotVersion + 1
		if _, err := dbtx.Exec(ctx,
			`UPDATE benchmark_snapshots SET is_current = FALSE
			 WHERE model_version = $1 AND dataset_version = $2 AND environment = $3 AND is_current`,
			key.ModelVersion, key.DatasetVersion, key.Environment); err != nil {
			return nil, &api.PersistenceError{Op: "commit.flip", Err: err}
		}
	}

	next := &api.Snapshot{
		Key:             key,
		SnapshotVersion: nextVersion,
		IsCurrent:       true,
		Metrics:         tx.Metrics,
		TransactionID:   tx.ID,
		UpdatedAt:       time.Now().UTC(),
	}
	if err := insertSnapshot(ctx, dbtx, next); err != nil {
		return nil, err
	}

	if err := dbtx.Commit(ctx); err != nil {
		return nil, &api.PersistenceError{Op: "commit", Err: err}
	}
	return next, nil
}

func (p *PostgresStore) Checkout(ctx context.Context, key api.SnapshotKey, targetVersion int) (*api.Snapshot, error) {
	dbtx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, &api.PersistenceError{Op: "checkout.begin", Err: err}
	}
	defer dbtx.Rollback(ctx)

	if _, err := dbtx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key.String()); err != nil {
		return nil, &api.PersistenceError{Op: "checkout.lock", Err: err}
	}

	target, err := p.snapshotRow(ctx, dbtx,
		`SELECT snapshot_version, is_current, metrics, transaction_id, updated_at
		 FROM benchmark_snapshots
		 WHERE model_version = $1 AND dataset_version = $2 AND environment = $3 AND snapshot_version = $4`,
		key, key.ModelVersion, key.DatasetVersion, key.Environment, targetVersion)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, api.ErrSnapshotNotFound
	}

	prev, err := p.currentForUpdate(ctx, dbtx, key)
	if err != nil {
		return nil, err
	}
	if prev == nil {
		// A target version exists, so a current row must too.
		return nil, &api.PersistenceError{Op: "checkout", Err: fmt.Errorf("no current snapshot for key %s", key)}
	}

	if _, err := dbtx.Exec(ctx,
		`UPDATE benchmark_snapshots SET is_current = FALSE
		 WHERE model_version = $1 AND dataset_version = $2 AND environment = $3 AND is_current`,
		key.ModelVersion, key.DatasetVersion, key.Environment); err != nil {
		return nil, &api.PersistenceError{Op: "checkout.flip", Err: err}
	}

	next := &api.Snapshot{
		Key:             key,
		SnapshotVersion: prev.SnapshotVersion + 1,
		IsCurrent:       true,
		Metrics:         target.Metrics,
		TransactionID:   target.TransactionID,
		UpdatedAt:       time.Now().UTC(),
	}
	if err := insertSnapshot(ctx, dbtx, next); err != nil {
		return nil, err
	}

	if err := dbtx.Commit(ctx); err != nil {
		return nil, &api.PersistenceError{Op: "checkout", Err: err}
	}
	return next, nil
}

// currentForUpdate reads and row-locks the current snapshot for a key.
func (p *PostgresStore) currentForUpdate(ctx context.Context, dbtx pgx.Tx, key api.SnapshotKey) (*api.Snapshot, error) {
	return p.snapshotRow(ctx, dbtx,
		`SELECT snapshot_version, is_current, metrics, transaction_id, updated_at
		 FROM benchmark_snapshots
		 WHERE model_version = $1 AND dataset_version = $2 AND environment = $3 AND is_current
		 FOR UPDATE`,
		key, key.ModelVersion, key.DatasetVersion, key.Environment)
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (p *PostgresStore) snapshotRow(ctx context.Context, q rowQuerier, sql string, key api.SnapshotKey, args ...any) (*api.Snapshot, error) {
	s := &api.Snapshot{Key: key}
	var metricsJSON []byte

	err := q.QueryRow(ctx, sql, args...).Scan(
		&s.SnapshotVersion, &s.IsCurrent, &metricsJSON, &s.TransactionID, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &api.PersistenceError{Op: "snapshot.read", Err: err}
	}

	if err := json.Unmarshal(metricsJSON, &s.Metrics); err != nil {
		return nil, &api.PersistenceError{Op: "snapshot.decode", Err: err}
	}
	return s, nil
}

func insertTransaction(ctx context.Context, dbtx pgx.Tx, tx *api.Transaction) error {
	metricsJSON, err := json.Marshal(tx.Metrics)
	if err != nil {
		return &api.PersistenceError{Op: "transaction.encode", Err: err}
	}
	var scenariosJSON, alertJSON []byte
	if len(tx.Scenarios) > 0 {
		if scenariosJSON, err = json.Marshal(tx.Scenarios); err != nil {
			return &api.PersistenceError{Op: "transaction.encode", Err: err}
		}
	}
	if tx.Alert != nil {
		if alertJSON, err = json.Marshal(tx.Alert); err != nil {
			return &api.PersistenceError{Op: "transaction.encode", Err: err}
		}
	}

	tags := tx.Tags
	if tags == nil {
		tags = []string{}
	}

	tag, err := dbtx.Exec(ctx,
		`INSERT INTO benchmark_transactions
			(id, idempotency_key, created_at, model_version, dataset_version, prompt_version,
			 environment, metrics, scenario_results, commit_sha, run_id, triggered_by,
			 tags, notes, policy_hash, regression_alert)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		tx.ID, tx.IdempotencyKey(), tx.CreatedAt, tx.ModelVersion, tx.DatasetVersion,
		tx.PromptVersion, tx.Environment, metricsJSON, scenariosJSON, tx.CommitSHA,
		tx.RunID, tx.TriggeredBy, tags, tx.Notes, tx.PolicyHash, alertJSON)
	if err != nil {
		return &api.PersistenceError{Op: "transaction.insert", Err: err}
	}
	if tag.RowsAffected() == 0 {
		// Lost a race despite the advisory lock (e.g. a writer using a
		// different key string for the same idempotency key).
		return api.ErrDuplicateRun
	}
	return nil
}

func insertSnapshot(ctx context.Context, dbtx pgx.Tx, s *api.Snapshot) error {
	metricsJSON, err := json.Marshal(s.Metrics)
	if err != nil {
		return &api.PersistenceError{Op: "snapshot.encode", Err: err}
	}

	if _, err := dbtx.Exec(ctx,
		`INSERT INTO benchmark_snapshots
			(model_version, dataset_version, environment, snapshot_version,
			 is_current, metrics, transaction_id, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.Key.ModelVersion, s.Key.DatasetVersion, s.Key.Environment, s.SnapshotVersion,
		s.IsCurrent, metricsJSON, s.TransactionID, s.UpdatedAt); err != nil {
		return &api.PersistenceError{Op: "snapshot.insert", Err: err}
	}
	return nil
}

func (p *PostgresStore) GetTransaction(ctx context.Context, id uuid.UUID) (*api.Transaction, error) {
	rows, err := p.pool.Query(ctx, transactionSelect+` WHERE id = $1`, id)
	if err != nil {
		return nil, &api.PersistenceError{Op: "transaction.read", Err: err}
	}
	txs, err := scanTransactions(rows)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, api.ErrTransactionNotFound
	}
	return txs[0], nil
}

func (p *PostgresStore) FindByIdempotencyKey(ctx context.Context, key string) (*api.Transaction, error) {
	rows, err := p.pool.Query(ctx, transactionSelect+` WHERE idempotency_key = $1`, key)
	if err != nil {
		return nil, &api.PersistenceError{Op: "transaction.read", Err: err}
	}
	txs, err := scanTransactions(rows)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, nil
	}
	return txs[0], nil
}

const transactionSelect = `SELECT id, created_at, model_version, dataset_version, prompt_version,
	environment, metrics, scenario_results, commit_sha, run_id, triggered_by,
	tags, notes, policy_hash, regression_alert
	FROM benchmark_transactions`

func (p *PostgresStore) ListTransactions(ctx context.Context, f TransactionFilter) ([]*api.Transaction, error) {
	query := transactionSelect + ` WHERE TRUE`
	args := []any{}
	add := func(cond string, val any) {
		args = append(args, val)
		query += fmt.Sprintf(" AND %s $%d", cond, len(args))
	}

	if f.ModelVersion != "" {
		add("model_version =", f.ModelVersion)
	}
	if f.DatasetVersion != "" {
		add("dataset_version =", f.DatasetVersion)
	}
	if f.Environment != "" {
		add("environment =", f.Environment)
	}
	if !f.Since.IsZero() {
		add("created_at >=", f.Since)
	}
	if !f.Until.IsZero() {
		add("created_at <=", f.Until)
	}
	query += ` ORDER BY created_at ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, &api.PersistenceError{Op: "transaction.list", Err: err}
	}
	return scanTransactions(rows)
}

func scanTransactions(rows pgx.Rows) ([]*api.Transaction, error) {
	defer rows.Close()

	var out []*api.Transaction
	for rows.Next() {
		tx := &api.Transaction{}
		var metricsJSON, scenariosJSON, alertJSON []byte

		if err := rows.Scan(&tx.ID, &tx.CreatedAt, &tx.ModelVersion, &tx.DatasetVersion,
			&tx.PromptVersion, &tx.Environment, &metricsJSON, &scenariosJSON,
			&tx.CommitSHA, &tx.RunID, &tx.TriggeredBy, &tx.Tags, &tx.Notes,
			&tx.PolicyHash, &alertJSON); err != nil {
			return nil, &api.PersistenceError{Op: "transaction.scan", Err: err}
		}

		if err := json.Unmarshal(metricsJSON, &tx.Metrics); err != nil {
			return nil, &api.PersistenceError{Op: "transaction.decode", Err: err}
		}
		if len(scenariosJSON) > 0 {
			if err := json.Unmarshal(scenariosJSON, &tx.Scenarios); err != nil {
				return nil, &api.PersistenceError{Op: "transaction.decode", Err: err}
			}
		}
		if len(alertJSON) > 0 {
			if err := json.Unmarshal(alertJSON, &tx.Alert); err != nil {
				return nil, &api.PersistenceError{Op: "transaction.decode", Err: err}
			}
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, &api.PersistenceError{Op: "transaction.list", Err: err}
	}
	return out, nil
}

func (p *PostgresStore) Current(ctx context.Context, key api.SnapshotKey) (*api.Snapshot, error) {
	return p.snapshotRow(ctx, p.pool,
		`SELECT snapshot_version, is_current, metrics, transaction_id, updated_at
		 FROM benchmark_snapshots
		 WHERE model_version = $1 AND dataset_version = $2 AND environment = $3 AND is_current`,
		key, key.ModelVersion, key.DatasetVersion, key.Environment)
}

func (p *PostgresStore) ListCurrent(ctx context.Context, f SnapshotFilter) ([]*api.Snapshot, error) {
	query := `SELECT model_version, dataset_version, environment, snapshot_version,
		is_current, metrics, transaction_id, updated_at
		FROM benchmark_snapshots WHERE is_current`
	args := []any{}
	add := func(cond string, val any) {
		args = append(args, val)
		query += fmt.Sprintf(" AND %s $%d", cond, len(args))
	}
	if f.ModelVersion != "" {
		add("model_version =", f.ModelVersion)
	}
	if f.DatasetVersion != "" {
		add("dataset_version =", f.DatasetVersion)
	}
	if f.Environment != "" {
		add("environment =", f.Environment)
	}
	query += ` ORDER BY model_version, dataset_version, environment`

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, &api.PersistenceError{Op: "snapshot.list", Err: err}
	}
	return scanSnapshots(rows)
}

func (p *PostgresStore) GetSnapshot(ctx context.Context, key api.SnapshotKey, version int) (*api.Snapshot, error) {
	s, err := p.snapshotRow(ctx, p.pool,
		`SELECT snapshot_version, is_current, metrics, transaction_id, updated_at
		 FROM benchmark_snapshots
		 WHERE model_version = $1 AND dataset_version = $2 AND environment = $3 AND snapshot_version = $4`,
		key, key.ModelVersion, key.DatasetVersion, key.Environment, version)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, api.ErrSnapshotNotFound
	}
	return s, nil
}

func (p *PostgresStore) History(ctx context.Context, key api.SnapshotKey) ([]*api.Snapshot, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT model_version, dataset_version, environment, snapshot_version,
			is_current, metrics, transaction_id, updated_at
		 FROM benchmark_snapshots
		 WHERE model_version = $1 AND dataset_version = $2 AND environment = $3
		 ORDER BY snapshot_version ASC`,
		key.ModelVersion, key.DatasetVersion, key.Environment)
	if err != nil {
		return nil, &api.PersistenceError{Op: "snapshot.history", Err: err}
	}
	return scanSnapshots(rows)
}

func scanSnapshots(rows pgx.Rows) ([]*api.Snapshot, error) {
	defer rows.Close()

	var out []*api.Snapshot
	for rows.Next() {
		s := &api.Snapshot{}
		var metricsJSON []byte

		if err := rows.Scan(&s.Key.ModelVersion, &s.Key.DatasetVersion, &s.Key.Environment,
			&s.SnapshotVersion, &s.IsCurrent, &metricsJSON, &s.TransactionID, &s.UpdatedAt); err != nil {
			return nil, &api.PersistenceError{Op: "snapshot.scan", Err: err}
		}
		if err := json.Unmarshal(metricsJSON, &s.Metrics); err != nil {
			return nil, &api.PersistenceError{Op: "snapshot.decode", Err: err}
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, &api.PersistenceError{Op: "snapshot.list", Err: err}
	}
	return out, nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
