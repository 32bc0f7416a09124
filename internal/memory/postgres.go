// internal/memory/postgres.go
package memory

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/okibara/wayfind/api/schemas"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// DBPool abstracts pgxpool.Pool so pgxmock can stand in for tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is the durable MemoryStore. All upserts key on natural
// identifiers, so concurrent sessions hitting the same key are linearized by
// row locks while unrelated keys proceed independently.
type PostgresStore struct {
	pool       DBPool
	staleAfter int
	log        *zap.Logger
}

var _ schemas.MemoryStore = (*PostgresStore)(nil)

// defaultPingBackoff gives a restarting database a short window to come
// back before the connection probe is reported as a failure.
func defaultPingBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 10 * time.Second
	return b
}

// NewPostgresStore verifies the connection, retrying briefly, and returns
// the store.
func NewPostgresStore(ctx context.Context, pool DBPool, logger *zap.Logger, opts Options) (*PostgresStore, error) {
	log := logger.Named("memory.postgres")

	policy := opts.pingBackoff
	if policy == nil {
		policy = defaultPingBackoff
	}
	probe := func() error {
		if err := pool.Ping(ctx); err != nil {
			log.Debug("Database ping failed, will retry.", zap.Error(err))
			return err
		}
		return nil
	}
	if err := backoff.Retry(probe, backoff.WithContext(policy(), ctx)); err != nil {
		return nil, persistErr("ping", err)
	}

	return &PostgresStore{
		pool:       pool,
		staleAfter: opts.staleAfter(),
		log:        log,
	}, nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sites (
        id UUID PRIMARY KEY,
        host TEXT NOT NULL UNIQUE,
        name TEXT NOT NULL DEFAULT '',
        created_at TIMESTAMPTZ NOT NULL,
        pages_seen INTEGER NOT NULL DEFAULT 0,
        tasks_succeeded INTEGER NOT NULL DEFAULT 0
    )`,
	`CREATE TABLE IF NOT EXISTS pages (
        fingerprint TEXT PRIMARY KEY,
        site_id UUID NOT NULL REFERENCES sites(id),
        url TEXT NOT NULL,
        normalized_path TEXT NOT NULL,
        title TEXT NOT NULL DEFAULT '',
        kind TEXT NOT NULL DEFAULT 'unknown',
        last_seen_at TIMESTAMPTZ NOT NULL,
        nav_targets JSONB NOT NULL DEFAULT '[]',
        elements JSONB NOT NULL DEFAULT '[]'
    )`,
	`CREATE INDEX IF NOT EXISTS idx_pages_site ON pages (site_id)`,
	`CREATE TABLE IF NOT EXISTS task_paths (
        id UUID PRIMARY KEY,
        site_id UUID NOT NULL REFERENCES sites(id),
        task TEXT NOT NULL,
        entry_fingerprint TEXT NOT NULL,
        steps JSONB NOT NULL DEFAULT '[]',
        successes INTEGER NOT NULL DEFAULT 0,
        failures INTEGER NOT NULL DEFAULT 0,
        fail_streak INTEGER NOT NULL DEFAULT 0,
        stale BOOLEAN NOT NULL DEFAULT FALSE,
        created_at TIMESTAMPTZ NOT NULL,
        last_used_at TIMESTAMPTZ NOT NULL
    )`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_task_paths_key
        ON task_paths (site_id, lower(btrim(task)), entry_fingerprint)`,
	`CREATE INDEX IF NOT EXISTS idx_task_paths_entry ON task_paths (site_id, entry_fingerprint)`,
	`CREATE TABLE IF NOT EXISTS runs (
        id UUID PRIMARY KEY,
        site_id UUID,
        task TEXT NOT NULL,
        start_url TEXT NOT NULL DEFAULT '',
        outcome TEXT NOT NULL DEFAULT '',
        steps INTEGER NOT NULL DEFAULT 0,
        started_at TIMESTAMPTZ NOT NULL,
        finished_at TIMESTAMPTZ
    )`,
	`CREATE TABLE IF NOT EXISTS run_steps (
        run_id UUID NOT NULL REFERENCES runs(id),
        idx INTEGER NOT NULL,
        action_text TEXT NOT NULL,
        source TEXT NOT NULL,
        status TEXT NOT NULL,
        fingerprint TEXT NOT NULL DEFAULT '',
        at TIMESTAMPTZ NOT NULL,
        PRIMARY KEY (run_id, idx)
    )`,
}

// EnsureSchema creates all tables and indexes if they do not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return persistErr("ensure_schema", err)
		}
	}
	s.log.Debug("Schema ensured", zap.Int("statements", len(schemaStatements)))
	return nil
}

const sqlFindSite = `
    SELECT id, host, name, created_at, pages_seen, tasks_succeeded
    FROM sites WHERE host = $1`

// FindSite looks a site up by its normalized host.
func (s *PostgresStore) FindSite(ctx context.Context, host string) (*schemas.Site, error) {
	var site schemas.Site
	err := s.pool.QueryRow(ctx, sqlFindSite, host).Scan(
		&site.ID, &site.Host, &site.Name, &site.CreatedAt, &site.PagesSeen, &site.TasksSucceeded,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, schemas.ErrNotFound
	}
	if err != nil {
		return nil, persistErr("find_site", err)
	}
	return &site, nil
}

const sqlUpsertSite = `
    INSERT INTO sites (id, host, name, created_at)
    VALUES ($1, $2, $3, $4)
    ON CONFLICT (host) DO UPDATE SET
        name = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE sites.name END
    RETURNING id, created_at, pages_seen, tasks_succeeded`

// UpsertSite creates the site or refreshes its display name, writing the
// stored identity back into the passed struct.
func (s *PostgresStore) UpsertSite(ctx context.Context, site *schemas.Site) error {
	if site == nil || site.Host == "" {
		return persistErr("upsert_site", errEmptyKey("site host"))
	}
	if site.ID == "" {
		site.ID = uuid.NewString()
	}
	if site.CreatedAt.IsZero() {
		site.CreatedAt = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx, sqlUpsertSite, site.ID, site.Host, site.Name, site.CreatedAt.UTC()).
		Scan(&site.ID, &site.CreatedAt, &site.PagesSeen, &site.TasksSucceeded)
	if err != nil {
		return persistErr("upsert_site", err)
	}
	return nil
}

const (
	sqlSelectPageElements = `SELECT elements FROM pages WHERE fingerprint = $1 FOR UPDATE`
	sqlUpsertPage         = `
    INSERT INTO pages (fingerprint, site_id, url, normalized_path, title, kind, last_seen_at, nav_targets, elements)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
    ON CONFLICT (fingerprint) DO UPDATE SET
        url = EXCLUDED.url,
        normalized_path = EXCLUDED.normalized_path,
        title = CASE WHEN EXCLUDED.title <> '' THEN EXCLUDED.title ELSE pages.title END,
        kind = CASE WHEN EXCLUDED.kind NOT IN ('', 'unknown') THEN EXCLUDED.kind ELSE pages.kind END,
        last_seen_at = EXCLUDED.last_seen_at,
        nav_targets = EXCLUDED.nav_targets,
        elements = EXCLUDED.elements`
	sqlBumpPagesSeen = `UPDATE sites SET pages_seen = pages_seen + 1 WHERE id = $1`
)

// UpsertPage records an observed page inside one transaction: element
// sightings are merged with the stored set, and the owning site's
// pages-seen counter is bumped when the fingerprint is new.
func (s *PostgresStore) UpsertPage(ctx context.Context, page *schemas.Page) error {
	if page == nil || page.Fingerprint == "" || page.SiteID == "" {
		return persistErr("upsert_page", errEmptyKey("page key"))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return persistErr("upsert_page", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	now := time.Now().UTC()
	var (
		existingRaw []byte
		isNew       bool
	)
	err = tx.QueryRow(ctx, sqlSelectPageElements, page.Fingerprint).Scan(&existingRaw)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		isNew = true
	case err != nil:
		return persistErr("upsert_page", err)
	}

	var stored []schemas.StoredElement
	if len(existingRaw) > 0 {
		if err := jsonAPI.Unmarshal(existingRaw, &stored); err != nil {
			s.log.Warn("Discarding undecodable stored elements", zap.String("fingerprint", page.Fingerprint), zap.Error(err))
			stored = nil
		}
	}
	merged := mergeElements(stored, page.Elements, now)

	elementsJSON, err := jsonAPI.Marshal(merged)
	if err != nil {
		return persistErr("upsert_page", err)
	}
	navJSON, err := jsonAPI.Marshal(stringsOrEmpty(page.NavTargets))
	if err != nil {
		return persistErr("upsert_page", err)
	}

	kind := page.Kind
	if kind == "" {
		kind = schemas.PageUnknown
	}
	if _, err := tx.Exec(ctx, sqlUpsertPage,
		page.Fingerprint, page.SiteID, page.URL, page.NormalizedPath,
		page.Title, string(kind), now, navJSON, elementsJSON,
	); err != nil {
		return persistErr("upsert_page", err)
	}

	if isNew {
		if _, err := tx.Exec(ctx, sqlBumpPagesSeen, page.SiteID); err != nil {
			return persistErr("upsert_page", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return persistErr("upsert_page", err)
	}
	page.Elements = merged
	page.LastSeenAt = now
	return nil
}

func stringsOrEmpty(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

const sqlGetPage = `
    SELECT fingerprint, site_id, url, normalized_path, title, kind, last_seen_at, nav_targets, elements
    FROM pages WHERE fingerprint = $1`

// GetPage fetches a page by fingerprint.
func (s *PostgresStore) GetPage(ctx context.Context, fingerprint string) (*schemas.Page, error) {
	var (
		page    schemas.Page
		kind    string
		navRaw  []byte
		elemRaw []byte
	)
	err := s.pool.QueryRow(ctx, sqlGetPage, fingerprint).Scan(
		&page.Fingerprint, &page.SiteID, &page.URL, &page.NormalizedPath,
		&page.Title, &kind, &page.LastSeenAt, &navRaw, &elemRaw,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, schemas.ErrNotFound
	}
	if err != nil {
		return nil, persistErr("get_page", err)
	}
	page.Kind = schemas.PageKind(kind)
	if err := jsonAPI.Unmarshal(navRaw, &page.NavTargets); err != nil {
		return nil, persistErr("get_page", err)
	}
	if err := jsonAPI.Unmarshal(elemRaw, &page.Elements); err != nil {
		return nil, persistErr("get_page", err)
	}
	return &page, nil
}

const (
	pathColumns = `id, site_id, task, entry_fingerprint, steps, successes, failures, fail_streak, stale, created_at, last_used_at`

	sqlFindPaths = `
    SELECT ` + pathColumns + `
    FROM task_paths
    WHERE site_id = $1 AND entry_fingerprint = $2
    ORDER BY last_used_at DESC`

	sqlFindPathsByPrefix = `
    SELECT ` + pathColumns + `
    FROM task_paths
    WHERE site_id = $1 AND lower(task) LIKE lower($2) || '%'
    ORDER BY last_used_at DESC`
)

// FindPaths returns every path for the site entered at the fingerprint.
func (s *PostgresStore) FindPaths(ctx context.Context, siteID, entryFingerprint string) ([]schemas.TaskPath, error) {
	rows, err := s.pool.Query(ctx, sqlFindPaths, siteID, entryFingerprint)
	if err != nil {
		return nil, persistErr("find_paths", err)
	}
	return scanPaths(rows)
}

// FindPathsByTaskPrefix returns the site's paths whose task starts with the
// prefix, most recently used first.
func (s *PostgresStore) FindPathsByTaskPrefix(ctx context.Context, siteID, prefix string) ([]schemas.TaskPath, error) {
	rows, err := s.pool.Query(ctx, sqlFindPathsByPrefix, siteID, prefix)
	if err != nil {
		return nil, persistErr("find_paths_by_prefix", err)
	}
	return scanPaths(rows)
}

func scanPaths(rows pgx.Rows) ([]schemas.TaskPath, error) {
	defer rows.Close()

	var out []schemas.TaskPath
	for rows.Next() {
		var (
			p        schemas.TaskPath
			stepsRaw []byte
		)
		if err := rows.Scan(
			&p.ID, &p.SiteID, &p.Task, &p.EntryFingerprint, &stepsRaw,
			&p.Successes, &p.Failures, &p.FailStreak, &p.Stale,
			&p.CreatedAt, &p.LastUsedAt,
		); err != nil {
			return nil, persistErr("scan_path", err)
		}
		if err := jsonAPI.Unmarshal(stepsRaw, &p.Steps); err != nil {
			return nil, persistErr("scan_path", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("scan_path", err)
	}
	return out, nil
}

const (
	// The upsert computes all counter transitions server side so concurrent
	// writers to one natural key are serialized by the row lock alone.
	sqlRecordPath = `
    INSERT INTO task_paths (` + pathColumns + `)
    VALUES ($1, $2, $3, $4, COALESCE($5, '[]'::jsonb),
            CASE WHEN $6 THEN 1 ELSE 0 END,
            CASE WHEN $6 THEN 0 ELSE 1 END,
            CASE WHEN $6 THEN 0 ELSE 1 END,
            CASE WHEN $6 THEN FALSE ELSE 1 >= $7 END,
            $8, $8)
    ON CONFLICT (site_id, lower(btrim(task)), entry_fingerprint) DO UPDATE SET
        steps = COALESCE($5, task_paths.steps),
        successes = task_paths.successes + CASE WHEN $6 THEN 1 ELSE 0 END,
        failures = task_paths.failures + CASE WHEN $6 THEN 0 ELSE 1 END,
        fail_streak = CASE WHEN $6 THEN 0 ELSE task_paths.fail_streak + 1 END,
        stale = CASE WHEN $6 THEN FALSE ELSE task_paths.fail_streak + 1 >= $7 END,
        last_used_at = $8
    RETURNING id, successes, failures, fail_streak, stale, created_at, last_used_at`

	sqlBumpTasksSucceeded = `UPDATE sites SET tasks_succeeded = tasks_succeeded + 1 WHERE id = $1`
)

// RecordPath creates or updates a path by natural key. Non-empty steps
// replace the stored sequence (self-heal overwrite); nil steps leave it
// untouched. Counter transitions follow the staleness contract.
func (s *PostgresStore) RecordPath(ctx context.Context, path *schemas.TaskPath, outcome schemas.PathOutcome) error {
	if path == nil || path.SiteID == "" || path.Task == "" || path.EntryFingerprint == "" {
		return persistErr("record_path", errEmptyKey("path natural key"))
	}
	if path.ID == "" {
		path.ID = uuid.NewString()
	}

	var stepsJSON []byte
	if len(path.Steps) > 0 {
		var err error
		stepsJSON, err = jsonAPI.Marshal(path.Steps)
		if err != nil {
			return persistErr("record_path", err)
		}
	}

	success := outcome != schemas.PathOutcomeDiverged
	now := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return persistErr("record_path", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	err = tx.QueryRow(ctx, sqlRecordPath,
		path.ID, path.SiteID, path.Task, path.EntryFingerprint,
		stepsJSON, success, s.staleAfter, now,
	).Scan(&path.ID, &path.Successes, &path.Failures, &path.FailStreak, &path.Stale, &path.CreatedAt, &path.LastUsedAt)
	if err != nil {
		return persistErr("record_path", err)
	}

	if success {
		if _, err := tx.Exec(ctx, sqlBumpTasksSucceeded, path.SiteID); err != nil {
			return persistErr("record_path", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return persistErr("record_path", err)
	}
	return nil
}

const sqlMarkStale = `UPDATE task_paths SET stale = TRUE WHERE id = $1`

// MarkStale force-excludes a path from matching.
func (s *PostgresStore) MarkStale(ctx context.Context, pathID string) error {
	tag, err := s.pool.Exec(ctx, sqlMarkStale, pathID)
	if err != nil {
		return persistErr("mark_stale", err)
	}
	if tag.RowsAffected() == 0 {
		return schemas.ErrNotFound
	}
	return nil
}

const sqlCreateRun = `
    INSERT INTO runs (id, site_id, task, start_url, outcome, steps, started_at)
    VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7)`

// CreateRun opens an audit run.
func (s *PostgresStore) CreateRun(ctx context.Context, run *schemas.Run) error {
	if run == nil {
		return persistErr("create_run", errEmptyKey("run"))
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, sqlCreateRun,
		run.ID, run.SiteID, run.Task, run.StartURL, string(run.Outcome), run.Steps, run.StartedAt.UTC(),
	)
	if err != nil {
		return persistErr("create_run", err)
	}
	return nil
}

const sqlFinishRun = `
    UPDATE runs SET outcome = $2, steps = $3, finished_at = $4 WHERE id = $1`

// FinishRun closes an audit run.
func (s *PostgresStore) FinishRun(ctx context.Context, runID string, outcome schemas.RunOutcome, steps int) error {
	tag, err := s.pool.Exec(ctx, sqlFinishRun, runID, string(outcome), steps, time.Now().UTC())
	if err != nil {
		return persistErr("finish_run", err)
	}
	if tag.RowsAffected() == 0 {
		return schemas.ErrNotFound
	}
	return nil
}

const sqlAppendStep = `
    INSERT INTO run_steps (run_id, idx, action_text, source, status, fingerprint, at)
    VALUES ($1, $2, $3, $4, $5, $6, $7)`

// AppendStep adds one audit row for an executed action.
func (s *PostgresStore) AppendStep(ctx context.Context, rec *schemas.StepRecord) error {
	if rec == nil || rec.RunID == "" {
		return persistErr("append_step", errEmptyKey("step run id"))
	}
	at := rec.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, sqlAppendStep,
		rec.RunID, rec.Index, rec.ActionText, string(rec.Source), string(rec.Status), rec.Fingerprint, at.UTC(),
	)
	if err != nil {
		return persistErr("append_step", err)
	}
	return nil
}

const sqlStats = `
    SELECT
        (SELECT COUNT(*) FROM sites),
        (SELECT COUNT(*) FROM pages),
        (SELECT COALESCE(SUM(jsonb_array_length(elements)), 0) FROM pages),
        (SELECT COUNT(*) FROM task_paths),
        (SELECT COUNT(*) FROM task_paths WHERE stale),
        (SELECT COUNT(*) FROM runs)`

// Stats reports aggregate entity counts.
func (s *PostgresStore) Stats(ctx context.Context) (*schemas.MemoryStats, error) {
	var stats schemas.MemoryStats
	err := s.pool.QueryRow(ctx, sqlStats).Scan(
		&stats.Sites, &stats.Pages, &stats.Elements, &stats.TaskPaths, &stats.StalePaths, &stats.Runs,
	)
	if err != nil {
		return nil, persistErr("stats", err)
	}
	return &stats, nil
}

