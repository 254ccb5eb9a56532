// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite provides the embedded-file ledger backend for
// single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tracklane/engine/internal/ledger"
	pkgerrors "github.com/tracklane/engine/pkg/errors"
	_ "modernc.org/sqlite"
)

var _ ledger.Store = (*Backend)(nil)

// Backend is the sqlite-backed ledger store.
type Backend struct {
	db *sql.DB
}

// Config contains sqlite connection configuration.
type Config struct {
	// Path is the database file path (or ":memory:" for an ephemeral,
	// process-local database).
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New opens (and migrates) a sqlite ledger backend.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// sqlite serializes writes; one connection avoids SQLITE_BUSY churn
	// under the library's own retry loop.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	b := &Backend{db: db}
	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring pragmas: %w", err)
	}
	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return b, nil
}

func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("executing %s: %w", pragma, err)
		}
	}
	return nil
}

func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			name TEXT NOT NULL,
			params TEXT,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			retry_count INTEGER DEFAULT 0,
			error TEXT,
			idempotency_key TEXT,
			parent_run_id TEXT,
			external_ref TEXT,
			retry_policy TEXT,
			last_heartbeat_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_idempotency_key ON runs(idempotency_key)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_parent_run_id ON runs(parent_run_id)`,
		`CREATE TABLE IF NOT EXISTS run_events (
			event_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			data TEXT,
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_run_id ON run_events(run_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS dlq (
			dlq_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			spec TEXT,
			error TEXT,
			failed_at TEXT NOT NULL,
			resolved_at TEXT,
			resolved_by TEXT,
			retry_attempts INTEGER DEFAULT 0,
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dlq_run_id ON dlq(run_id)`,
		`CREATE TABLE IF NOT EXISTS locks (
			lock_key TEXT PRIMARY KEY,
			owner_run_id TEXT NOT NULL,
			acquired_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS manifest (
			domain TEXT NOT NULL,
			workflow_name TEXT NOT NULL,
			partition_key TEXT NOT NULL,
			stage TEXT NOT NULL,
			row_count INTEGER DEFAULT 0,
			metrics_json TEXT,
			updated_at TEXT NOT NULL,
			execution_id TEXT,
			batch_id TEXT,
			PRIMARY KEY (domain, workflow_name, partition_key, stage)
		)`,
		`CREATE TABLE IF NOT EXISTS anomalies (
			anomaly_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			step_name TEXT,
			severity TEXT NOT NULL,
			category TEXT NOT NULL,
			message TEXT,
			created_at TEXT NOT NULL
		)`,
	}

	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// CreateExecution implements ledger.RunStore.
func (b *Backend) CreateExecution(ctx context.Context, spec ledger.WorkSpec) (*ledger.Run, error) {
	if spec.IdempotencyKey != "" {
		if existing, err := b.GetByIdempotencyKey(ctx, spec.IdempotencyKey); err == nil && existing != nil {
			if existing.Status == ledger.StatusCompleted || !existing.Status.IsTerminal() {
				return existing, nil
			}
		}
	}

	run := &ledger.Run{
		RunID:          ledger.NewRunID(),
		Spec:           spec,
		Status:         ledger.StatusPending,
		CreatedAt:      time.Now().UTC(),
		IdempotencyKey: spec.IdempotencyKey,
	}

	paramsJSON, err := json.Marshal(spec.Params)
	if err != nil {
		return nil, fmt.Errorf("marshaling params: %w", err)
	}
	var policyJSON []byte
	if spec.RetryPolicy != nil {
		policyJSON, _ = json.Marshal(spec.RetryPolicy)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, kind, name, params, status, created_at, retry_count,
			idempotency_key, retry_policy)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		run.RunID, string(spec.Kind), spec.Name, string(paramsJSON), string(run.Status),
		run.CreatedAt.Format(time.RFC3339Nano), nullString(spec.IdempotencyKey), nullBytes(policyJSON),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting run: %w", err)
	}

	if err := insertEvent(ctx, tx, run.RunID, ledger.EventSubmitted, nil); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return run, nil
}

// UpdateStatus implements ledger.RunStore.
func (b *Backend) UpdateStatus(ctx context.Context, runID string, newStatus ledger.Status, errMsg string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var currentStatus string
	var retryCount int
	err = tx.QueryRowContext(ctx, `SELECT status, retry_count FROM runs WHERE run_id = ?`, runID).
		Scan(&currentStatus, &retryCount)
	if err == sql.ErrNoRows {
		return fmt.Errorf("run not found: %s", runID)
	}
	if err != nil {
		return fmt.Errorf("loading run: %w", err)
	}

	from := ledger.Status(currentStatus)
	if err := ledger.ValidateTransition(from, newStatus); err != nil {
		return &pkgerrors.InvalidTransitionError{RunID: runID, From: string(from), To: string(newStatus)}
	}

	now := time.Now().UTC()
	setClauses := "status = ?, error = ?"
	args := []any{string(newStatus), nullString(errMsg)}

	if newStatus == ledger.StatusRunning {
		setClauses += ", started_at = COALESCE(started_at, ?)"
		args = append(args, now.Format(time.RFC3339Nano))
	}
	if newStatus == ledger.StatusCompleted || newStatus == ledger.StatusFailed || newStatus == ledger.StatusCancelled || newStatus == ledger.StatusDeadLettered {
		setClauses += ", completed_at = COALESCE(completed_at, ?)"
		args = append(args, now.Format(time.RFC3339Nano))
	}
	if from == ledger.StatusFailed && newStatus == ledger.StatusPending {
		setClauses += ", retry_count = retry_count + 1, completed_at = NULL"
	}

	args = append(args, runID)
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE runs SET %s WHERE run_id = ?`, setClauses), args...); err != nil {
		return fmt.Errorf("updating run status: %w", err)
	}

	if evType, ok := ledger.EventTypeForStatus(newStatus); ok {
		data := map[string]any{}
		if errMsg != "" {
			data["error"] = errMsg
		}
		if err := insertEvent(ctx, tx, runID, evType, data); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetRun implements ledger.RunStore.
func (b *Backend) GetRun(ctx context.Context, runID string) (*ledger.Run, error) {
	return scanRun(b.db.QueryRowContext(ctx, runQuery+" WHERE run_id = ?", runID))
}

// GetByIdempotencyKey implements ledger.RunStore.
func (b *Backend) GetByIdempotencyKey(ctx context.Context, key string) (*ledger.Run, error) {
	run, err := scanRun(b.db.QueryRowContext(ctx, runQuery+" WHERE idempotency_key = ? ORDER BY created_at DESC LIMIT 1", key))
	if err != nil {
		return nil, nil
	}
	return run, nil
}

// ListRuns implements ledger.RunStore.
func (b *Backend) ListRuns(ctx context.Context, filter ledger.Filter) ([]*ledger.Run, error) {
	query := runQuery + " WHERE 1=1"
	var args []any
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, string(filter.Kind))
	}
	if filter.Name != "" {
		query += " AND name = ?"
		args = append(args, filter.Name)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []*ledger.Run
	for rows.Next() {
		run, err := scanRunRows(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// SetExternalRef implements ledger.RunStore.
func (b *Backend) SetExternalRef(ctx context.Context, runID, externalRef string) error {
	res, err := b.db.ExecContext(ctx,
		`UPDATE runs SET external_ref = ? WHERE run_id = ? AND external_ref IS NULL`,
		externalRef, runID)
	if err != nil {
		return fmt.Errorf("setting external ref: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("external ref already set or run not found: %s", runID)
	}
	return nil
}

// Heartbeat implements ledger.RunStore.
func (b *Backend) Heartbeat(ctx context.Context, runID string) error {
	res, err := b.db.ExecContext(ctx,
		`UPDATE runs SET last_heartbeat_at = ? WHERE run_id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), runID)
	if err != nil {
		return fmt.Errorf("recording heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run not found: %s", runID)
	}
	return nil
}

// RecordEvent implements ledger.EventStore.
func (b *Backend) RecordEvent(ctx context.Context, runID string, eventType ledger.EventType, data map[string]any) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := insertEvent(ctx, tx, runID, eventType, data); err != nil {
		return err
	}
	return tx.Commit()
}

func insertEvent(ctx context.Context, tx *sql.Tx, runID string, eventType ledger.EventType, data map[string]any) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling event data: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO run_events (event_id, run_id, event_type, timestamp, data)
		VALUES (?, ?, ?, ?, ?)`,
		ledger.NewEventID(), runID, string(eventType), time.Now().UTC().Format(time.RFC3339Nano), string(dataJSON))
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// ListEvents implements ledger.EventStore.
func (b *Backend) ListEvents(ctx context.Context, runID string) ([]*ledger.RunEvent, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT event_id, run_id, event_type, timestamp, data
		FROM run_events WHERE run_id = ? ORDER BY timestamp ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	var events []*ledger.RunEvent
	for rows.Next() {
		var ev ledger.RunEvent
		var ts string
		var dataJSON sql.NullString
		var eventType string
		if err := rows.Scan(&ev.EventID, &ev.RunID, &eventType, &ts, &dataJSON); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		ev.EventType = ledger.EventType(eventType)
		ev.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if dataJSON.Valid && dataJSON.String != "" {
			json.Unmarshal([]byte(dataJSON.String), &ev.Data)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// AddToDLQ implements ledger.DLQStore: inserts the DLQ row and transitions
// the run to DEAD_LETTERED in one transaction (§4.2).
func (b *Backend) AddToDLQ(ctx context.Context, runID, errMsg string, attempts int) error {
	run, err := b.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := ledger.ValidateTransition(run.Status, ledger.StatusDeadLettered); err != nil {
		return &pkgerrors.InvalidTransitionError{RunID: runID, From: string(run.Status), To: string(ledger.StatusDeadLettered)}
	}

	specJSON, _ := json.Marshal(ledger.RedactSpec(run.Spec))
	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO dlq (dlq_id, run_id, spec, error, failed_at, retry_attempts)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ledger.NewDLQID(), runID, string(specJSON), errMsg, now.Format(time.RFC3339Nano), attempts)
	if err != nil {
		return fmt.Errorf("inserting dlq row: %w", err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE runs SET status = ?, error = ?, completed_at = COALESCE(completed_at, ?) WHERE run_id = ?`,
		string(ledger.StatusDeadLettered), errMsg, now.Format(time.RFC3339Nano), runID)
	if err != nil {
		return fmt.Errorf("updating run status: %w", err)
	}

	if err := insertEvent(ctx, tx, runID, ledger.EventDeadLettered, map[string]any{"error": errMsg}); err != nil {
		return err
	}

	return tx.Commit()
}

// RetryFromDLQ implements ledger.DLQStore: transitions the run back to
// PENDING and stamps resolved_at on the DLQ row (§4.2).
func (b *Backend) RetryFromDLQ(ctx context.Context, dlqID string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var runID string
	var resolvedAt sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT run_id, resolved_at FROM dlq WHERE dlq_id = ?`, dlqID).Scan(&runID, &resolvedAt)
	if err == sql.ErrNoRows {
		return fmt.Errorf("dead letter not found: %s", dlqID)
	}
	if err != nil {
		return err
	}
	if resolvedAt.Valid {
		return &pkgerrors.AlreadyResolvedError{DLQID: dlqID}
	}

	if err := ledger.ValidateTransition(ledger.StatusDeadLettered, ledger.StatusPending); err != nil {
		return &pkgerrors.InvalidTransitionError{RunID: runID, From: string(ledger.StatusDeadLettered), To: string(ledger.StatusPending)}
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `UPDATE dlq SET resolved_at = ? WHERE dlq_id = ?`, now.Format(time.RFC3339Nano), dlqID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE runs SET status = ?, completed_at = NULL WHERE run_id = ?`, string(ledger.StatusPending), runID); err != nil {
		return err
	}
	if err := insertEvent(ctx, tx, runID, ledger.EventRetrying, nil); err != nil {
		return err
	}

	return tx.Commit()
}

// ListDeadLetters implements ledger.DLQStore.
func (b *Backend) ListDeadLetters(ctx context.Context) ([]*ledger.DeadLetter, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT dlq_id, run_id, spec, error, failed_at, resolved_at, resolved_by, retry_attempts
		FROM dlq ORDER BY failed_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ledger.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// GetDeadLetter implements ledger.DLQStore.
func (b *Backend) GetDeadLetter(ctx context.Context, dlqID string) (*ledger.DeadLetter, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT dlq_id, run_id, spec, error, failed_at, resolved_at, resolved_by, retry_attempts
		FROM dlq WHERE dlq_id = ?`, dlqID)
	return scanDeadLetter(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeadLetter(row rowScanner) (*ledger.DeadLetter, error) {
	var dl ledger.DeadLetter
	var specJSON sql.NullString
	var failedAt string
	var resolvedAt, resolvedBy sql.NullString

	err := row.Scan(&dl.DLQID, &dl.RunID, &specJSON, &dl.Error, &failedAt, &resolvedAt, &resolvedBy, &dl.RetryAttempts)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("dead letter not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scanning dead letter: %w", err)
	}
	dl.FailedAt, _ = time.Parse(time.RFC3339Nano, failedAt)
	if resolvedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, resolvedAt.String)
		dl.ResolvedAt = &t
	}
	if resolvedBy.Valid {
		dl.ResolvedBy = resolvedBy.String
	}
	if specJSON.Valid && specJSON.String != "" {
		json.Unmarshal([]byte(specJSON.String), &dl.Spec)
	}
	return &dl, nil
}

// AcquireLock implements ledger.LockStore: attempts an insert; on
// conflict, reaps the row if expired and retries once (§4.7).
func (b *Backend) AcquireLock(ctx context.Context, key, ownerRunID string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	acquire := func() (bool, error) {
		_, err := b.db.ExecContext(ctx, `
			INSERT INTO locks (lock_key, owner_run_id, acquired_at, expires_at)
			VALUES (?, ?, ?, ?)`,
			key, ownerRunID, now.Format(time.RFC3339Nano), expiresAt.Format(time.RFC3339Nano))
		if err == nil {
			return true, nil
		}
		return false, err
	}

	ok, err := acquire()
	if ok {
		return true, nil
	}
	// Conflict: check whether the held lock has expired, reap, retry once.
	var existingExpiry string
	scanErr := b.db.QueryRowContext(ctx, `SELECT expires_at FROM locks WHERE lock_key = ?`, key).Scan(&existingExpiry)
	if scanErr != nil {
		return false, fmt.Errorf("acquiring lock: %w", err)
	}
	expiry, _ := time.Parse(time.RFC3339Nano, existingExpiry)
	if expiry.After(now) {
		return false, nil
	}
	if _, err := b.db.ExecContext(ctx, `DELETE FROM locks WHERE lock_key = ? AND expires_at <= ?`, key, now.Format(time.RFC3339Nano)); err != nil {
		return false, fmt.Errorf("reaping expired lock: %w", err)
	}
	return acquire()
}

// ReleaseLock implements ledger.LockStore: only the owner may release.
func (b *Backend) ReleaseLock(ctx context.Context, key, ownerRunID string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM locks WHERE lock_key = ? AND owner_run_id = ?`, key, ownerRunID)
	return err
}

// IsLockHeld implements ledger.LockStore.
func (b *Backend) IsLockHeld(ctx context.Context, key string) (bool, error) {
	var expiresAt string
	err := b.db.QueryRowContext(ctx, `SELECT expires_at FROM locks WHERE lock_key = ?`, key).Scan(&expiresAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	expiry, _ := time.Parse(time.RFC3339Nano, expiresAt)
	return expiry.After(time.Now().UTC()), nil
}

// CleanupExpiredLocks implements ledger.LockStore.
func (b *Backend) CleanupExpiredLocks(ctx context.Context) (int, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM locks WHERE expires_at <= ?`, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ListActiveLocks implements ledger.LockStore.
func (b *Backend) ListActiveLocks(ctx context.Context) ([]*ledger.Lock, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT lock_key, owner_run_id, acquired_at, expires_at FROM locks WHERE expires_at > ?`, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ledger.Lock
	for rows.Next() {
		var l ledger.Lock
		var acquiredAt, expiresAt string
		if err := rows.Scan(&l.LockKey, &l.OwnerRunID, &acquiredAt, &expiresAt); err != nil {
			return nil, err
		}
		l.AcquiredAt, _ = time.Parse(time.RFC3339Nano, acquiredAt)
		l.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
		out = append(out, &l)
	}
	return out, rows.Err()
}

// AdvanceTo implements ledger.ManifestStore: UPSERT-by-(domain, workflow,
// partition, stage), matching the PRIMARY KEY declared in migrate (§4.11).
func (b *Backend) AdvanceTo(ctx context.Context, m ledger.Manifest) error {
	metricsJSON, err := json.Marshal(m.Metrics)
	if err != nil {
		return fmt.Errorf("marshaling manifest metrics: %w", err)
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO manifest (domain, workflow_name, partition_key, stage, row_count, metrics_json, updated_at, execution_id, batch_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (domain, workflow_name, partition_key, stage) DO UPDATE SET
			row_count = excluded.row_count,
			metrics_json = excluded.metrics_json,
			updated_at = excluded.updated_at,
			execution_id = excluded.execution_id,
			batch_id = excluded.batch_id`,
		m.Domain, m.WorkflowName, m.PartitionKey, m.Stage, m.RowCount, string(metricsJSON),
		time.Now().UTC().Format(time.RFC3339Nano), nullString(m.ExecutionID), nullString(m.BatchID),
	)
	if err != nil {
		return fmt.Errorf("upserting manifest stage: %w", err)
	}
	return nil
}

// StagesFor implements ledger.ManifestStore.
func (b *Backend) StagesFor(ctx context.Context, domain, workflowName, partitionKey string) (map[string]*ledger.Manifest, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT domain, workflow_name, partition_key, stage, row_count, metrics_json, updated_at, execution_id, batch_id
		FROM manifest WHERE domain = ? AND workflow_name = ? AND partition_key = ?`,
		domain, workflowName, partitionKey)
	if err != nil {
		return nil, fmt.Errorf("listing manifest stages: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*ledger.Manifest)
	for rows.Next() {
		var m ledger.Manifest
		var metricsJSON sql.NullString
		var updatedAt string
		var executionID, batchID sql.NullString
		if err := rows.Scan(&m.Domain, &m.WorkflowName, &m.PartitionKey, &m.Stage, &m.RowCount,
			&metricsJSON, &updatedAt, &executionID, &batchID); err != nil {
			return nil, fmt.Errorf("scanning manifest stage: %w", err)
		}
		m.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		if executionID.Valid {
			m.ExecutionID = executionID.String
		}
		if batchID.Valid {
			m.BatchID = batchID.String
		}
		if metricsJSON.Valid && metricsJSON.String != "" {
			json.Unmarshal([]byte(metricsJSON.String), &m.Metrics)
		}
		out[m.Stage] = &m
	}
	return out, rows.Err()
}

// RecordAnomaly implements ledger.AnomalyStore.
func (b *Backend) RecordAnomaly(ctx context.Context, a ledger.Anomaly) error {
	if a.AnomalyID == "" {
		a.AnomalyID = ledger.NewAnomalyID()
	}
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO anomalies (anomaly_id, run_id, step_name, severity, category, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.AnomalyID, a.RunID, nullString(a.StepName), string(a.Severity), a.Category,
		nullString(a.Message), createdAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting anomaly: %w", err)
	}
	return nil
}

// ListAnomalies implements ledger.AnomalyStore.
func (b *Backend) ListAnomalies(ctx context.Context, runID string) ([]*ledger.Anomaly, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT anomaly_id, run_id, step_name, severity, category, message, created_at
		FROM anomalies WHERE run_id = ? ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing anomalies: %w", err)
	}
	defer rows.Close()

	var out []*ledger.Anomaly
	for rows.Next() {
		var a ledger.Anomaly
		var stepName, message sql.NullString
		var severity, createdAt string
		if err := rows.Scan(&a.AnomalyID, &a.RunID, &stepName, &severity, &a.Category, &message, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning anomaly: %w", err)
		}
		a.Severity = ledger.AnomalySeverity(severity)
		if stepName.Valid {
			a.StepName = stepName.String
		}
		if message.Valid {
			a.Message = message.String
		}
		a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// Close closes the underlying database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

const runQuery = `
	SELECT run_id, kind, name, params, status, created_at, started_at, completed_at,
		retry_count, error, idempotency_key, parent_run_id, external_ref, retry_policy, last_heartbeat_at
	FROM runs`

func scanRun(row rowScanner) (*ledger.Run, error) {
	return doScanRun(row)
}

func scanRunRows(rows *sql.Rows) (*ledger.Run, error) {
	return doScanRun(rows)
}

func doScanRun(row rowScanner) (*ledger.Run, error) {
	var run ledger.Run
	var kind, createdAt string
	var paramsJSON, startedAt, completedAt, errStr, idemKey, parentRunID, externalRef, policyJSON, lastHeartbeatAt sql.NullString

	err := row.Scan(&run.RunID, &kind, &run.Spec.Name, &paramsJSON, (*string)(&run.Status),
		&createdAt, &startedAt, &completedAt, &run.RetryCount, &errStr, &idemKey, &parentRunID, &externalRef, &policyJSON, &lastHeartbeatAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scanning run: %w", err)
	}

	run.Spec.Kind = ledger.Kind(kind)
	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, startedAt.String)
		run.StartedAt = &t
	}
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
		run.CompletedAt = &t
	}
	if lastHeartbeatAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, lastHeartbeatAt.String)
		run.LastHeartbeatAt = &t
	}
	if errStr.Valid {
		run.Error = errStr.String
	}
	if idemKey.Valid {
		run.IdempotencyKey = idemKey.String
		run.Spec.IdempotencyKey = idemKey.String
	}
	if parentRunID.Valid {
		run.ParentRunID = parentRunID.String
	}
	if externalRef.Valid {
		run.ExternalRef = externalRef.String
	}
	if paramsJSON.Valid && paramsJSON.String != "" {
		json.Unmarshal([]byte(paramsJSON.String), &run.Spec.Params)
	}
	if policyJSON.Valid && policyJSON.String != "" {
		var policy ledger.RetryPolicy
		if json.Unmarshal([]byte(policyJSON.String), &policy) == nil {
			run.Spec.RetryPolicy = &policy
		}
	}

	return &run, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
