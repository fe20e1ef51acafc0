package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"pricebook-sync-service/internal/database"
	"pricebook-sync-service/internal/logger"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// SQLStore implements Store on MySQL, PostgreSQL or SQLite.
type SQLStore struct {
	db *database.Database
}

func NewSQLStore(db *database.Database) *SQLStore {
	return &SQLStore{db: db}
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	raw, err := schemaFS.ReadFile("schema/" + string(s.db.Dialect) + ".sql")
	if err != nil {
		return fmt.Errorf("no schema for dialect %s: %w", s.db.Dialect, err)
	}
	for _, stmt := range strings.Split(string(raw), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	logger.Log.Info("Schema migrated", zap.String("dialect", string(s.db.Dialect)))
	return nil
}

func (s *SQLStore) q(query string) string {
	return s.db.Rebind(query)
}

// dbTime normalises to the precision every supported column type keeps.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: dbTime(*t), Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// ---- master records ----

const masterColumns = `id, tenant_id, entity_type, external_id, parent_id, fields, overridden_fields,
	visible, source, push_pending, version, created_at, updated_at, deleted_at`

func scanMaster(row rowScanner) (*MasterRecord, error) {
	var (
		rec        MasterRecord
		externalID sql.NullString
		parentID   sql.NullString
		fields     string
		overridden string
		deletedAt  sql.NullTime
	)
	err := row.Scan(
		&rec.ID,
		&rec.TenantID,
		&rec.EntityType,
		&externalID,
		&parentID,
		&fields,
		&overridden,
		&rec.Visible,
		&rec.Source,
		&rec.PushPending,
		&rec.Version,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&deletedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.ExternalID = stringPtr(externalID)
	rec.ParentID = stringPtr(parentID)
	rec.DeletedAt = timePtr(deletedAt)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
		return nil, fmt.Errorf("decode fields of %s: %w", rec.ID, err)
	}
	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}
	if err := json.Unmarshal([]byte(overridden), &rec.OverriddenFields); err != nil {
		return nil, fmt.Errorf("decode overrides of %s: %w", rec.ID, err)
	}
	if rec.OverriddenFields == nil {
		rec.OverriddenFields = []string{}
	}
	return &rec, nil
}

func encodeMaster(rec *MasterRecord) (fields, overridden string, err error) {
	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}
	if rec.OverriddenFields == nil {
		rec.OverriddenFields = []string{}
	}
	f, err := json.Marshal(rec.Fields)
	if err != nil {
		return "", "", fmt.Errorf("encode fields: %w", err)
	}
	o, err := json.Marshal(rec.OverriddenFields)
	if err != nil {
		return "", "", fmt.Errorf("encode overrides: %w", err)
	}
	return string(f), string(o), nil
}

func (s *SQLStore) collectMasters(ctx context.Context, query string, args ...any) ([]*MasterRecord, error) {
	rows, err := s.db.DB.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*MasterRecord
	for rows.Next() {
		rec, err := scanMaster(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetMaster(ctx context.Context, tenantID, id string) (*MasterRecord, error) {
	query := `SELECT ` + masterColumns + ` FROM master_records WHERE tenant_id = ? AND id = ?`
	rec, err := scanMaster(s.db.DB.QueryRowContext(ctx, s.q(query), tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *SQLStore) GetMasterByExternalID(ctx context.Context, tenantID string, entityType EntityType, externalID string) (*MasterRecord, error) {
	query := `SELECT ` + masterColumns + ` FROM master_records
			  WHERE tenant_id = ? AND entity_type = ? AND external_id = ?`
	rec, err := scanMaster(s.db.DB.QueryRowContext(ctx, s.q(query), tenantID, entityType, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *SQLStore) ListMasters(ctx context.Context, tenantID string, filter MasterFilter) ([]*MasterRecord, error) {
	query := `SELECT ` + masterColumns + ` FROM master_records WHERE tenant_id = ?`
	args := []any{tenantID}
	if filter.EntityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, filter.EntityType)
	}
	if !filter.IncludeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	query += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}
	return s.collectMasters(ctx, query, args...)
}

func (s *SQLStore) ListChildren(ctx context.Context, tenantID, parentID string) ([]*MasterRecord, error) {
	query := `SELECT ` + masterColumns + ` FROM master_records
			  WHERE tenant_id = ? AND parent_id = ? AND deleted_at IS NULL
			  ORDER BY created_at, id`
	return s.collectMasters(ctx, query, tenantID, parentID)
}

func (s *SQLStore) CreateMaster(ctx context.Context, rec *MasterRecord) error {
	fields, overridden, err := encodeMaster(rec)
	if err != nil {
		return err
	}
	if rec.Version == 0 {
		rec.Version = 1
	}
	rec.CreatedAt = dbTime(rec.CreatedAt)
	rec.UpdatedAt = dbTime(rec.UpdatedAt)

	query := `INSERT INTO master_records (` + masterColumns + `)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.DB.ExecContext(ctx, s.q(query),
		rec.ID,
		rec.TenantID,
		rec.EntityType,
		nullString(rec.ExternalID),
		nullString(rec.ParentID),
		fields,
		overridden,
		rec.Visible,
		rec.Source,
		rec.PushPending,
		rec.Version,
		rec.CreatedAt,
		rec.UpdatedAt,
		nullTime(rec.DeletedAt),
	)
	if database.IsUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *SQLStore) UpdateMaster(ctx context.Context, rec *MasterRecord) error {
	return s.updateMaster(ctx, s.db.DB, rec)
}

func (s *SQLStore) updateMaster(ctx context.Context, q querier, rec *MasterRecord) error {
	fields, overridden, err := encodeMaster(rec)
	if err != nil {
		return err
	}
	rec.UpdatedAt = dbTime(rec.UpdatedAt)

	query := `UPDATE master_records SET
			  external_id = ?, parent_id = ?, fields = ?, overridden_fields = ?, visible = ?,
			  source = ?, push_pending = ?, version = version + 1, updated_at = ?, deleted_at = ?
			  WHERE tenant_id = ? AND id = ? AND version = ?`
	res, err := q.ExecContext(ctx, s.q(query),
		nullString(rec.ExternalID),
		nullString(rec.ParentID),
		fields,
		overridden,
		rec.Visible,
		rec.Source,
		rec.PushPending,
		rec.UpdatedAt,
		nullTime(rec.DeletedAt),
		rec.TenantID,
		rec.ID,
		rec.Version,
	)
	if database.IsUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		err := q.QueryRowContext(ctx, s.q(`SELECT 1 FROM master_records WHERE tenant_id = ? AND id = ?`),
			rec.TenantID, rec.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrVersionConflict
	}
	rec.Version++
	return nil
}

func (s *SQLStore) SetVisibility(ctx context.Context, tenantID string, ids []string, visible bool, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	query := `UPDATE master_records SET visible = ?, version = version + 1, updated_at = ?
			  WHERE tenant_id = ? AND visible <> ? AND id IN (` + placeholders(len(ids)) + `)`
	args := []any{visible, dbTime(at), tenantID, visible}
	for _, id := range ids {
		args = append(args, id)
	}
	return s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(query), args...)
		return err
	})
}

// ---- overrides ----

func (s *SQLStore) ApplyOverride(ctx context.Context, rec *MasterRecord, entry *OverrideEntry) error {
	value, err := json.Marshal(entry.Value)
	if err != nil {
		return fmt.Errorf("encode override value: %w", err)
	}
	entry.SetAt = dbTime(entry.SetAt)
	version := rec.Version

	err = s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		if err := s.updateMaster(ctx, tx, rec); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM master_overrides WHERE entity_id = ? AND field = ?`),
			entry.EntityID, entry.Field); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			s.q(`INSERT INTO master_overrides (entity_id, field, value, set_by, set_at) VALUES (?, ?, ?, ?, ?)`),
			entry.EntityID, entry.Field, string(value), entry.SetBy, entry.SetAt)
		return err
	})
	if err != nil {
		// the version bump did not commit
		rec.Version = version
	}
	return err
}

func (s *SQLStore) RemoveOverrides(ctx context.Context, rec *MasterRecord, fields []string) error {
	version := rec.Version
	err := s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		if err := s.updateMaster(ctx, tx, rec); err != nil {
			return err
		}
		if len(fields) == 0 {
			return nil
		}
		args := []any{rec.ID}
		for _, f := range fields {
			args = append(args, f)
		}
		_, err := tx.ExecContext(ctx,
			s.q(`DELETE FROM master_overrides WHERE entity_id = ? AND field IN (`+placeholders(len(fields))+`)`),
			args...)
		return err
	})
	if err != nil {
		rec.Version = version
	}
	return err
}

func (s *SQLStore) ListOverrides(ctx context.Context, entityID string) ([]*OverrideEntry, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		s.q(`SELECT entity_id, field, value, set_by, set_at FROM master_overrides WHERE entity_id = ? ORDER BY field`),
		entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*OverrideEntry
	for rows.Next() {
		var (
			e   OverrideEntry
			raw string
		)
		if err := rows.Scan(&e.EntityID, &e.Field, &raw, &e.SetBy, &e.SetAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &e.Value); err != nil {
			return nil, fmt.Errorf("decode override %s.%s: %w", e.EntityID, e.Field, err)
		}
		e.SetAt = e.SetAt.UTC()
		out = append(out, &e)
	}
	return out, rows.Err()
}

// ---- jobs ----

const jobColumns = `id, tenant_id, entity_type, scope, target_id, status, processed, failed, pages,
	partial, error_summary, created_at, started_at, finished_at, heartbeat_at`

func scanJob(row rowScanner) (*SyncJob, error) {
	var (
		job         SyncJob
		startedAt   sql.NullTime
		finishedAt  sql.NullTime
		heartbeatAt sql.NullTime
	)
	err := row.Scan(
		&job.ID,
		&job.TenantID,
		&job.EntityType,
		&job.Scope,
		&job.TargetID,
		&job.Status,
		&job.Processed,
		&job.Failed,
		&job.Pages,
		&job.Partial,
		&job.ErrorSummary,
		&job.CreatedAt,
		&startedAt,
		&finishedAt,
		&heartbeatAt,
	)
	if err != nil {
		return nil, err
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.StartedAt = timePtr(startedAt)
	job.FinishedAt = timePtr(finishedAt)
	job.HeartbeatAt = timePtr(heartbeatAt)
	return &job, nil
}

func runningKey(job *SyncJob) sql.NullString {
	if !job.Status.Active() {
		return sql.NullString{}
	}
	return sql.NullString{String: job.RunningKey(), Valid: true}
}

func (s *SQLStore) collectJobs(ctx context.Context, query string, args ...any) ([]*SyncJob, error) {
	rows, err := s.db.DB.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SyncJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// CreateJob inserts job. An active job whose class is already held by another
// active job yields ErrJobActive.
func (s *SQLStore) CreateJob(ctx context.Context, job *SyncJob) error {
	job.CreatedAt = dbTime(job.CreatedAt)
	query := `INSERT INTO sync_jobs (id, tenant_id, entity_type, scope, target_id, status, running_key,
			  processed, failed, pages, partial, error_summary, created_at, started_at, finished_at, heartbeat_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.DB.ExecContext(ctx, s.q(query),
		job.ID,
		job.TenantID,
		job.EntityType,
		job.Scope,
		job.TargetID,
		job.Status,
		runningKey(job),
		job.Processed,
		job.Failed,
		job.Pages,
		job.Partial,
		job.ErrorSummary,
		job.CreatedAt,
		nullTime(job.StartedAt),
		nullTime(job.FinishedAt),
		nullTime(job.HeartbeatAt),
	)
	if database.IsUniqueViolation(err) {
		return ErrJobActive
	}
	return err
}

func (s *SQLStore) UpdateJob(ctx context.Context, job *SyncJob) error {
	query := `UPDATE sync_jobs SET status = ?, running_key = ?, processed = ?, failed = ?, pages = ?,
			  partial = ?, error_summary = ?, started_at = ?, finished_at = ?, heartbeat_at = ?
			  WHERE tenant_id = ? AND id = ?`
	res, err := s.db.DB.ExecContext(ctx, s.q(query),
		job.Status,
		runningKey(job),
		job.Processed,
		job.Failed,
		job.Pages,
		job.Partial,
		job.ErrorSummary,
		nullTime(job.StartedAt),
		nullTime(job.FinishedAt),
		nullTime(job.HeartbeatAt),
		job.TenantID,
		job.ID,
	)
	if database.IsUniqueViolation(err) {
		return ErrJobActive
	}
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchJob stamps the heartbeat of an active job.
func (s *SQLStore) TouchJob(ctx context.Context, tenantID, id string, at time.Time) error {
	query := `UPDATE sync_jobs SET heartbeat_at = ? WHERE tenant_id = ? AND id = ? AND status IN (?, ?)`
	res, err := s.db.DB.ExecContext(ctx, s.q(query), dbTime(at), tenantID, id, JobQueued, JobRunning)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) GetJob(ctx context.Context, tenantID, id string) (*SyncJob, error) {
	query := `SELECT ` + jobColumns + ` FROM sync_jobs WHERE tenant_id = ? AND id = ?`
	job, err := scanJob(s.db.DB.QueryRowContext(ctx, s.q(query), tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

func (s *SQLStore) ListJobs(ctx context.Context, tenantID string, limit, offset int) ([]*SyncJob, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + jobColumns + ` FROM sync_jobs WHERE tenant_id = ?
			  ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	return s.collectJobs(ctx, query, tenantID, limit, offset)
}

func (s *SQLStore) ListActiveJobs(ctx context.Context, tenantID string) ([]*SyncJob, error) {
	query := `SELECT ` + jobColumns + ` FROM sync_jobs WHERE status IN (?, ?)`
	args := []any{JobQueued, JobRunning}
	if tenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY created_at`
	return s.collectJobs(ctx, query, args...)
}

// LastSucceededJob returns the most recently started successful bulk job that
// saw the whole listing. Partial runs are skipped.
func (s *SQLStore) LastSucceededJob(ctx context.Context, tenantID string, entityType EntityType) (*SyncJob, error) {
	query := `SELECT ` + jobColumns + ` FROM sync_jobs
			  WHERE tenant_id = ? AND entity_type = ? AND status = ? AND scope IN (?, ?) AND partial = ?
			  AND started_at IS NOT NULL
			  ORDER BY started_at DESC LIMIT 1`
	job, err := scanJob(s.db.DB.QueryRowContext(ctx, s.q(query),
		tenantID, entityType, JobSucceeded, ScopeFull, ScopeIncremental, false))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

// ---- pending-sync queue ----

const pendingColumns = `id, tenant_id, entity_type, entity_id, action, attempts, last_error,
	next_retry_at, status, created_at, updated_at, resolved_at`

func openKey(e *PendingSyncEntry) sql.NullString {
	if e.Status == PendingResolved {
		return sql.NullString{}
	}
	return sql.NullString{String: e.OpenKey(), Valid: true}
}

func scanPending(row rowScanner) (*PendingSyncEntry, error) {
	var (
		e          PendingSyncEntry
		resolvedAt sql.NullTime
	)
	err := row.Scan(
		&e.ID,
		&e.TenantID,
		&e.EntityType,
		&e.EntityID,
		&e.Action,
		&e.Attempts,
		&e.LastError,
		&e.NextRetryAt,
		&e.Status,
		&e.CreatedAt,
		&e.UpdatedAt,
		&resolvedAt,
	)
	if err != nil {
		return nil, err
	}
	e.NextRetryAt = e.NextRetryAt.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	e.ResolvedAt = timePtr(resolvedAt)
	return &e, nil
}

func (s *SQLStore) collectPending(ctx context.Context, query string, args ...any) ([]*PendingSyncEntry, error) {
	rows, err := s.db.DB.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PendingSyncEntry
	for rows.Next() {
		e, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CreatePending inserts e. A second unresolved entry for the same entity and
// action yields ErrDuplicate.
func (s *SQLStore) CreatePending(ctx context.Context, e *PendingSyncEntry) error {
	e.NextRetryAt = dbTime(e.NextRetryAt)
	e.CreatedAt = dbTime(e.CreatedAt)
	e.UpdatedAt = dbTime(e.UpdatedAt)
	query := `INSERT INTO pending_sync (` + pendingColumns + `, open_key)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.DB.ExecContext(ctx, s.q(query),
		e.ID,
		e.TenantID,
		e.EntityType,
		e.EntityID,
		e.Action,
		e.Attempts,
		e.LastError,
		e.NextRetryAt,
		e.Status,
		e.CreatedAt,
		e.UpdatedAt,
		nullTime(e.ResolvedAt),
		openKey(e),
	)
	if database.IsUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *SQLStore) UpdatePending(ctx context.Context, e *PendingSyncEntry) error {
	e.NextRetryAt = dbTime(e.NextRetryAt)
	e.UpdatedAt = dbTime(e.UpdatedAt)
	query := `UPDATE pending_sync SET attempts = ?, last_error = ?, next_retry_at = ?, status = ?,
			  open_key = ?, updated_at = ?, resolved_at = ?
			  WHERE tenant_id = ? AND id = ?`
	res, err := s.db.DB.ExecContext(ctx, s.q(query),
		e.Attempts,
		e.LastError,
		e.NextRetryAt,
		e.Status,
		openKey(e),
		e.UpdatedAt,
		nullTime(e.ResolvedAt),
		e.TenantID,
		e.ID,
	)
	if database.IsUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) GetPending(ctx context.Context, tenantID, id string) (*PendingSyncEntry, error) {
	query := `SELECT ` + pendingColumns + ` FROM pending_sync WHERE tenant_id = ? AND id = ?`
	e, err := scanPending(s.db.DB.QueryRowContext(ctx, s.q(query), tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// FindOpenPending returns the newest unresolved entry for the entity and action.
func (s *SQLStore) FindOpenPending(ctx context.Context, tenantID string, entityType EntityType, entityID string, action SyncAction) (*PendingSyncEntry, error) {
	query := `SELECT ` + pendingColumns + ` FROM pending_sync
			  WHERE tenant_id = ? AND entity_type = ? AND entity_id = ? AND action = ? AND status <> ?
			  ORDER BY created_at DESC LIMIT 1`
	e, err := scanPending(s.db.DB.QueryRowContext(ctx, s.q(query),
		tenantID, entityType, entityID, action, PendingResolved))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (s *SQLStore) ListPending(ctx context.Context, tenantID string, filter PendingFilter) ([]*PendingSyncEntry, error) {
	query := `SELECT ` + pendingColumns + ` FROM pending_sync WHERE tenant_id = ?`
	args := []any{tenantID}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.EntityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, filter.EntityType)
	}
	if filter.Action != "" {
		query += ` AND action = ?`
		args = append(args, filter.Action)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)
	return s.collectPending(ctx, query, args...)
}

// ListDuePending returns active entries whose retry time has come, oldest first.
func (s *SQLStore) ListDuePending(ctx context.Context, tenantID string, now time.Time, limit int) ([]*PendingSyncEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + pendingColumns + ` FROM pending_sync
			  WHERE tenant_id = ? AND status IN (?, ?) AND next_retry_at <= ?
			  ORDER BY next_retry_at, id LIMIT ?`
	return s.collectPending(ctx, query, tenantID, PendingOpen, PendingRetrying, dbTime(now), limit)
}

func (s *SQLStore) CountPending(ctx context.Context, tenantID string, resolvedSince time.Time) (PendingCounts, error) {
	var counts PendingCounts
	rows, err := s.db.DB.QueryContext(ctx,
		s.q(`SELECT status, COUNT(*) FROM pending_sync WHERE tenant_id = ? AND status <> ? GROUP BY status`),
		tenantID, PendingResolved)
	if err != nil {
		return counts, err
	}
	for rows.Next() {
		var (
			status PendingStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return counts, err
		}
		switch status {
		case PendingOpen:
			counts.Pending = n
		case PendingRetrying:
			counts.Retrying = n
		case PendingDeadLetter:
			counts.DeadLetter = n
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return counts, err
	}
	rows.Close()

	err = s.db.DB.QueryRowContext(ctx,
		s.q(`SELECT COUNT(*) FROM pending_sync WHERE tenant_id = ? AND status = ? AND resolved_at >= ?`),
		tenantID, PendingResolved, dbTime(resolvedSince)).Scan(&counts.ResolvedToday)
	return counts, err
}

var _ Store = (*SQLStore)(nil)
