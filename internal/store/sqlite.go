// Copyright 2025 The Apifuse Authors
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

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/apifuse/apifuse/pkg/errors"
	"github.com/apifuse/apifuse/pkg/workflow"
	_ "modernc.org/sqlite"
)

// Compile-time interface assertion.
var _ Store = (*SQLite)(nil)

// timeLayout is fixed-width UTC so string order equals time order.
const timeLayout = "2006-01-02T15:04:05.000Z"

// SQLite is a file-backed Store for single-node deployments.
type SQLite struct {
	db *sql.DB
}

// SQLiteConfig contains SQLite connection configuration.
type SQLiteConfig struct {
	// Path is the database file path. ":memory:" opens an in-memory
	// database.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// OpenSQLite opens the database, configures pragmas, and runs migrations.
func OpenSQLite(cfg SQLiteConfig) (*SQLite, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so a single connection avoids lock churn.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *SQLite) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

// configTables all share one shape; the payload column holds the full
// definition as JSON.
var configTables = []string{"workflows", "apis", "extracts", "transforms"}

func (s *SQLite) migrate(ctx context.Context) error {
	var migrations []string
	for _, table := range configTables {
		migrations = append(migrations,
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id TEXT NOT NULL,
				tenant TEXT NOT NULL DEFAULT '',
				payload TEXT NOT NULL,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				PRIMARY KEY (id, tenant)
			)`, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_tenant ON %s(tenant)`, table, table),
		)
	}

	migrations = append(migrations,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT NOT NULL,
			tenant TEXT NOT NULL DEFAULT '',
			config_id TEXT NOT NULL DEFAULT '',
			success INTEGER NOT NULL DEFAULT 0,
			payload TEXT NOT NULL,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			PRIMARY KEY (id, tenant)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_tenant ON runs(tenant)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_config_id ON runs(config_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`,
		`CREATE TABLE IF NOT EXISTS tenant_info (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			email TEXT,
			email_entry_skipped INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT
		)`,
	)

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// tenantPredicate builds the scope clause used by every read, delete, and
// list: the nil (admin) scope matches all rows, a tenant matches only its
// own.
func tenantPredicate(tenant *string) (string, []any) {
	if tenant == nil {
		return "1 = 1", nil
	}
	return "tenant = ?", []any{*tenant}
}

// sqlGet reads the row for id within the caller scope. The admin scope
// can match rows under several tenants; the lowest tenant value wins so
// repeated reads are deterministic.
func sqlGet[T any](ctx context.Context, db *sql.DB, table, resource, id string, tenant *string, stamp stamper[T]) (*T, error) {
	pred, args := tenantPredicate(tenant)
	query := fmt.Sprintf(`
		SELECT payload, created_at, updated_at FROM %s
		WHERE id = ? AND %s
		ORDER BY tenant ASC LIMIT 1
	`, table, pred)

	var payload, createdAt, updatedAt string
	err := db.QueryRowContext(ctx, query, append([]any{id}, args...)...).Scan(&payload, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, notFound(resource, id)
	}
	if err != nil {
		return nil, &errors.StoreError{Op: "get", Entity: resource, Cause: err}
	}

	return decodeRow(resource, []byte(payload), id, parseTime(createdAt), parseTime(updatedAt), stamp)
}

func sqlUpsert[T any](ctx context.Context, db *sql.DB, table, resource, id string, tenant *string, v *T, stamp stamper[T]) (*T, error) {
	now := nowUTC()
	created := now

	var existing string
	err := db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT created_at FROM %s WHERE id = ? AND tenant = ?`, table),
		id, tenantValue(tenant)).Scan(&existing)
	switch {
	case err == nil:
		created = parseTime(existing)
	case err != sql.ErrNoRows:
		return nil, &errors.StoreError{Op: "upsert", Entity: resource, Cause: err}
	}

	stamp(v, id, created, now)
	payload, err := encodePayload(resource, v)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, tenant, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id, tenant) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, table)

	_, err = db.ExecContext(ctx, query,
		id, tenantValue(tenant), string(payload), formatStoreTime(created), formatStoreTime(now))
	if err != nil {
		return nil, &errors.StoreError{Op: "upsert", Entity: resource, Cause: err}
	}
	return v, nil
}

// sqlDelete removes the rows for id matching the caller scope. A tenant
// can only remove its own row; the admin scope removes every row with
// that id.
func sqlDelete(ctx context.Context, db *sql.DB, table, resource, id string, tenant *string) error {
	pred, args := tenantPredicate(tenant)
	result, err := db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = ? AND %s`, table, pred),
		append([]any{id}, args...)...)
	if err != nil {
		return &errors.StoreError{Op: "delete", Entity: resource, Cause: err}
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return notFound(resource, id)
	}
	return nil
}

// sqlList pages the rows matching the caller scope ordered by id. Admin
// listings can carry the same id under several tenants; the secondary
// tenant order keeps pages stable.
func sqlList[T any](ctx context.Context, db *sql.DB, table, resource string, tenant *string, limit, offset int, stamp stamper[T]) ([]*T, int, error) {
	limit, offset = clampPage(limit, offset)
	pred, args := tenantPredicate(tenant)

	var total int
	err := db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s`, table, pred),
		args...).Scan(&total)
	if err != nil {
		return nil, 0, &errors.StoreError{Op: "list", Entity: resource, Cause: err}
	}

	query := fmt.Sprintf(`
		SELECT id, tenant, payload, created_at, updated_at FROM %s
		WHERE %s
		ORDER BY id ASC, tenant ASC
		LIMIT ? OFFSET ?
	`, table, pred)

	rows, err := db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, &errors.StoreError{Op: "list", Entity: resource, Cause: err}
	}
	defer rows.Close()

	out := []*T{}
	for rows.Next() {
		var id, rowTenant, payload, createdAt, updatedAt string
		if err := rows.Scan(&id, &rowTenant, &payload, &createdAt, &updatedAt); err != nil {
			return nil, 0, &errors.StoreError{Op: "list", Entity: resource, Cause: err}
		}
		v, err := decodeRow(resource, []byte(payload), id, parseTime(createdAt), parseTime(updatedAt), stamp)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, &errors.StoreError{Op: "list", Entity: resource, Cause: err}
	}
	return out, total, nil
}

func (s *SQLite) GetWorkflow(ctx context.Context, id string, tenant *string) (*workflow.Workflow, error) {
	return sqlGet(ctx, s.db, "workflows", "workflow", id, tenant, stampWorkflow)
}

func (s *SQLite) UpsertWorkflow(ctx context.Context, id string, wf *workflow.Workflow, tenant *string) (*workflow.Workflow, error) {
	return sqlUpsert(ctx, s.db, "workflows", "workflow", id, tenant, wf, stampWorkflow)
}

func (s *SQLite) DeleteWorkflow(ctx context.Context, id string, tenant *string) error {
	return sqlDelete(ctx, s.db, "workflows", "workflow", id, tenant)
}

func (s *SQLite) ListWorkflows(ctx context.Context, tenant *string, limit, offset int) ([]*workflow.Workflow, int, error) {
	return sqlList(ctx, s.db, "workflows", "workflow", tenant, limit, offset, stampWorkflow)
}

func (s *SQLite) GetAPI(ctx context.Context, id string, tenant *string) (*workflow.ApiConfig, error) {
	return sqlGet(ctx, s.db, "apis", "api", id, tenant, stampAPI)
}

func (s *SQLite) UpsertAPI(ctx context.Context, id string, api *workflow.ApiConfig, tenant *string) (*workflow.ApiConfig, error) {
	return sqlUpsert(ctx, s.db, "apis", "api", id, tenant, api, stampAPI)
}

func (s *SQLite) DeleteAPI(ctx context.Context, id string, tenant *string) error {
	return sqlDelete(ctx, s.db, "apis", "api", id, tenant)
}

func (s *SQLite) ListAPIs(ctx context.Context, tenant *string, limit, offset int) ([]*workflow.ApiConfig, int, error) {
	return sqlList(ctx, s.db, "apis", "api", tenant, limit, offset, stampAPI)
}

func (s *SQLite) RenameAPI(ctx context.Context, oldID, newID string, tenant *string) (*workflow.ApiConfig, error) {
	pred, predArgs := tenantPredicate(tenant)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &errors.StoreError{Op: "rename", Entity: "api", Cause: err}
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM apis WHERE id = ? AND %s`, pred),
		append([]any{newID}, predArgs...)...).Scan(&exists)
	if err != nil {
		return nil, &errors.StoreError{Op: "rename", Entity: "api", Cause: err}
	}
	if exists > 0 {
		return nil, &errors.StoreError{
			Op:     "rename",
			Entity: "api",
			Cause:  fmt.Errorf("api %q already exists", newID),
		}
	}

	result, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE apis SET id = ?, updated_at = ? WHERE id = ? AND %s`, pred),
		append([]any{newID, formatStoreTime(nowUTC()), oldID}, predArgs...)...)
	if err != nil {
		return nil, &errors.StoreError{Op: "rename", Entity: "api", Cause: err}
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, notFound("api", oldID)
	}

	if err := tx.Commit(); err != nil {
		return nil, &errors.StoreError{Op: "rename", Entity: "api", Cause: err}
	}
	return s.GetAPI(ctx, newID, tenant)
}

func (s *SQLite) GetExtract(ctx context.Context, id string, tenant *string) (*workflow.ExtractConfig, error) {
	return sqlGet(ctx, s.db, "extracts", "extract", id, tenant, stampExtract)
}

func (s *SQLite) UpsertExtract(ctx context.Context, id string, ec *workflow.ExtractConfig, tenant *string) (*workflow.ExtractConfig, error) {
	return sqlUpsert(ctx, s.db, "extracts", "extract", id, tenant, ec, stampExtract)
}

func (s *SQLite) DeleteExtract(ctx context.Context, id string, tenant *string) error {
	return sqlDelete(ctx, s.db, "extracts", "extract", id, tenant)
}

func (s *SQLite) ListExtracts(ctx context.Context, tenant *string, limit, offset int) ([]*workflow.ExtractConfig, int, error) {
	return sqlList(ctx, s.db, "extracts", "extract", tenant, limit, offset, stampExtract)
}

func (s *SQLite) GetTransform(ctx context.Context, id string, tenant *string) (*workflow.TransformConfig, error) {
	return sqlGet(ctx, s.db, "transforms", "transform", id, tenant, stampTransform)
}

func (s *SQLite) UpsertTransform(ctx context.Context, id string, tc *workflow.TransformConfig, tenant *string) (*workflow.TransformConfig, error) {
	return sqlUpsert(ctx, s.db, "transforms", "transform", id, tenant, tc, stampTransform)
}

func (s *SQLite) DeleteTransform(ctx context.Context, id string, tenant *string) error {
	return sqlDelete(ctx, s.db, "transforms", "transform", id, tenant)
}

func (s *SQLite) ListTransforms(ctx context.Context, tenant *string, limit, offset int) ([]*workflow.TransformConfig, int, error) {
	return sqlList(ctx, s.db, "transforms", "transform", tenant, limit, offset, stampTransform)
}

func (s *SQLite) CreateRun(ctx context.Context, run *workflow.RunResult, tenant *string) error {
	payload, err := encodePayload("run", run)
	if err != nil {
		return err
	}

	success := 0
	if run.Success {
		success = 1
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, tenant, config_id, success, payload, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, run.ID, tenantValue(tenant), run.ConfigID(), success, string(payload),
		formatStoreTime(run.StartedAt), formatStoreTime(run.CompletedAt))
	if err != nil {
		return &errors.StoreError{Op: "create", Entity: "run", Cause: err}
	}
	return nil
}

func (s *SQLite) GetRun(ctx context.Context, id string, tenant *string) (*workflow.RunResult, error) {
	pred, args := tenantPredicate(tenant)
	var payload string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT payload FROM runs
		WHERE id = ? AND %s
		ORDER BY tenant ASC LIMIT 1
	`, pred), append([]any{id}, args...)...).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, notFound("run", id)
	}
	if err != nil {
		return nil, &errors.StoreError{Op: "get", Entity: "run", Cause: err}
	}
	return decodeRun([]byte(payload))
}

func (s *SQLite) ListRuns(ctx context.Context, tenant *string, configID string, limit, offset int) ([]*workflow.RunResult, int, error) {
	limit, offset = clampPage(limit, offset)
	pred, args := tenantPredicate(tenant)

	where := `WHERE ` + pred
	if configID != "" {
		where += ` AND config_id = ?`
		args = append(args, configID)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs `+where, args...).Scan(&total); err != nil {
		return nil, 0, &errors.StoreError{Op: "list", Entity: "run", Cause: err}
	}

	query := `SELECT payload FROM runs ` + where + ` ORDER BY started_at DESC, id ASC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, &errors.StoreError{Op: "list", Entity: "run", Cause: err}
	}
	defer rows.Close()

	out := []*workflow.RunResult{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, 0, &errors.StoreError{Op: "list", Entity: "run", Cause: err}
		}
		run, err := decodeRun([]byte(payload))
		if err != nil {
			return nil, 0, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, &errors.StoreError{Op: "list", Entity: "run", Cause: err}
	}
	return out, total, nil
}

func (s *SQLite) DeleteRun(ctx context.Context, id string, tenant *string) error {
	return sqlDelete(ctx, s.db, "runs", "run", id, tenant)
}

func (s *SQLite) DeleteAllRuns(ctx context.Context, tenant *string) error {
	pred, args := tenantPredicate(tenant)
	_, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE `+pred, args...)
	if err != nil {
		return &errors.StoreError{Op: "delete_all", Entity: "run", Cause: err}
	}
	return nil
}

func (s *SQLite) GetTenantInfo(ctx context.Context) (*workflow.TenantInfo, error) {
	var email sql.NullString
	var skipped int
	err := s.db.QueryRowContext(ctx,
		`SELECT email, email_entry_skipped FROM tenant_info WHERE id = 1`).Scan(&email, &skipped)
	if err == sql.ErrNoRows {
		return &workflow.TenantInfo{}, nil
	}
	if err != nil {
		return nil, &errors.StoreError{Op: "get", Entity: "tenant_info", Cause: err}
	}

	info := &workflow.TenantInfo{EmailEntrySkipped: skipped == 1}
	if email.Valid {
		info.Email = email.String
	}
	return info, nil
}

func (s *SQLite) SetTenantInfo(ctx context.Context, email *string, emailEntrySkipped *bool) error {
	current, err := s.GetTenantInfo(ctx)
	if err != nil {
		return err
	}
	if email != nil {
		current.Email = *email
	}
	if emailEntrySkipped != nil {
		current.EmailEntrySkipped = *emailEntrySkipped
	}

	skipped := 0
	if current.EmailEntrySkipped {
		skipped = 1
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tenant_info (id, email, email_entry_skipped, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			email = excluded.email,
			email_entry_skipped = excluded.email_entry_skipped,
			updated_at = excluded.updated_at
	`, current.Email, skipped, formatStoreTime(nowUTC()))
	if err != nil {
		return &errors.StoreError{Op: "set", Entity: "tenant_info", Cause: err}
	}
	return nil
}

func formatStoreTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Tolerate rows written with plain RFC3339.
		t, _ = time.Parse(time.RFC3339, s)
	}
	return t
}
