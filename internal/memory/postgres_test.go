// internal/memory/postgres_test.go
package memory

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/okibara/wayfind/api/schemas"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for
// more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

// ArgumentMatcherFunc is a helper to create inline mock matchers.
type ArgumentMatcherFunc func(interface{}) bool

func (f ArgumentMatcherFunc) Match(v interface{}) bool {
	return f(v)
}

// anyTime accepts any value; used for timestamps we cannot predict exactly.
var anyTime = ArgumentMatcherFunc(func(v interface{}) bool {
	return true
})

func newMockedStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing()
	store, err := NewPostgresStore(context.Background(), mockPool, zap.NewNop(), Options{})
	require.NoError(t, err)
	return store, mockPool
}

// noRetry fails the connection probe on the first ping error.
func noRetry() backoff.BackOff { return &backoff.StopBackOff{} }

// retryNowTwice allows two immediate re-pings before giving up.
func retryNowTwice() backoff.BackOff {
	return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
}

func TestNewPostgresStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = NewPostgresStore(context.Background(), mockPool, zap.NewNop(), Options{pingBackoff: noRetry})
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
		assert.True(t, IsPersistenceError(err))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should retry through a restarting database", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer mockPool.Close()

		mockPool.ExpectPing().WillReturnError(errors.New("connection refused"))
		mockPool.ExpectPing().WillReturnError(errors.New("connection refused"))
		mockPool.ExpectPing()

		store, err := NewPostgresStore(context.Background(), mockPool, zap.NewNop(), Options{pingBackoff: retryNowTwice})
		require.NoError(t, err)
		require.NotNil(t, store)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestEnsureSchema(t *testing.T) {
	store, mockPool := newMockedStore(t)

	for _, stmt := range schemaStatements {
		mockPool.ExpectExec(flexibleSQLMatcher(stmt)).
			WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}

	require.NoError(t, store.EnsureSchema(context.Background()))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestEnsureSchema_PropagatesFailure(t *testing.T) {
	store, mockPool := newMockedStore(t)

	boom := errors.New("permission denied")
	mockPool.ExpectExec(flexibleSQLMatcher(schemaStatements[0])).WillReturnError(boom)

	err := store.EnsureSchema(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.True(t, IsPersistenceError(err))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgresFindSite(t *testing.T) {
	ctx := context.Background()

	t.Run("found", func(t *testing.T) {
		store, mockPool := newMockedStore(t)

		created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
		rows := pgxmock.NewRows([]string{"id", "host", "name", "created_at", "pages_seen", "tasks_succeeded"}).
			AddRow("site-1", "app.example.com", "Example", created, 4, 2)
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlFindSite)).
			WithArgs("app.example.com").
			WillReturnRows(rows)

		site, err := store.FindSite(ctx, "app.example.com")
		require.NoError(t, err)
		assert.Equal(t, "site-1", site.ID)
		assert.Equal(t, 4, site.PagesSeen)
		assert.Equal(t, 2, site.TasksSucceeded)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("missing maps to ErrNotFound", func(t *testing.T) {
		store, mockPool := newMockedStore(t)

		mockPool.ExpectQuery(flexibleSQLMatcher(sqlFindSite)).
			WithArgs("unknown.example.com").
			WillReturnRows(pgxmock.NewRows([]string{"id", "host", "name", "created_at", "pages_seen", "tasks_succeeded"}))

		_, err := store.FindSite(ctx, "unknown.example.com")
		assert.ErrorIs(t, err, schemas.ErrNotFound)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPostgresUpsertSite_WritesBackStoredIdentity(t *testing.T) {
	store, mockPool := newMockedStore(t)

	created := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	rows := pgxmock.NewRows([]string{"id", "created_at", "pages_seen", "tasks_succeeded"}).
		AddRow("stored-id", created, 7, 3)
	mockPool.ExpectQuery(flexibleSQLMatcher(sqlUpsertSite)).
		WithArgs(pgxmock.AnyArg(), "app.example.com", "Example", anyTime).
		WillReturnRows(rows)

	site := &schemas.Site{Host: "app.example.com", Name: "Example"}
	require.NoError(t, store.UpsertSite(context.Background(), site))
	assert.Equal(t, "stored-id", site.ID)
	assert.Equal(t, created, site.CreatedAt)
	assert.Equal(t, 7, site.PagesSeen)
	assert.Equal(t, 3, site.TasksSucceeded)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgresUpsertPage_NewFingerprint(t *testing.T) {
	store, mockPool := newMockedStore(t)

	observedZapCore, observedLogs := observer.New(zapcore.ErrorLevel)
	store.log = zap.New(observedZapCore)

	page := &schemas.Page{
		Fingerprint:    "fp-login",
		SiteID:         "site-1",
		URL:            "https://app.example.com/login",
		NormalizedPath: "/login",
		Title:          "Sign In",
		Kind:           schemas.PageLogin,
		NavTargets:     []string{"/", "/signup"},
		Elements:       storedElems("input/username", "input/password"),
	}

	mockPool.ExpectBegin()
	mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectPageElements)).
		WithArgs("fp-login").
		WillReturnRows(pgxmock.NewRows([]string{"elements"}))
	mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertPage)).
		WithArgs("fp-login", "site-1", page.URL, "/login", "Sign In", string(schemas.PageLogin),
			anyTime, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockPool.ExpectExec(flexibleSQLMatcher(sqlBumpPagesSeen)).
		WithArgs("site-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mockPool.ExpectCommit()
	mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

	require.NoError(t, store.UpsertPage(context.Background(), page))
	require.Len(t, page.Elements, 2)
	assert.Equal(t, 1, page.Elements[0].SeenCount)
	assert.NoError(t, mockPool.ExpectationsWereMet())
	assert.Empty(t, observedLogs.All(), "Expected no errors logged on successful commit")
}

func TestPostgresUpsertPage_KnownFingerprintMergesAndSkipsCounter(t *testing.T) {
	store, mockPool := newMockedStore(t)

	stored, err := jsonAPI.Marshal(mergeElements(nil, storedElems("input/password"), time.Now().UTC()))
	require.NoError(t, err)

	page := &schemas.Page{
		Fingerprint: "fp-login",
		SiteID:      "site-1",
		URL:         "https://app.example.com/login",
		Elements:    storedElems("input/password", "clickable/sign in"),
	}

	mockPool.ExpectBegin()
	mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectPageElements)).
		WithArgs("fp-login").
		WillReturnRows(pgxmock.NewRows([]string{"elements"}).AddRow(stored))
	mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertPage)).
		WithArgs("fp-login", "site-1", page.URL, "", "", string(schemas.PageUnknown),
			anyTime, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mockPool.ExpectCommit()
	mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

	require.NoError(t, store.UpsertPage(context.Background(), page))
	require.Len(t, page.Elements, 2)
	assert.Equal(t, "input/password", page.Elements[0].Signature)
	assert.Equal(t, 2, page.Elements[0].SeenCount)
	assert.Equal(t, "clickable/sign in", page.Elements[1].Signature)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgresGetPage(t *testing.T) {
	store, mockPool := newMockedStore(t)

	lastSeen := time.Date(2026, 2, 10, 8, 30, 0, 0, time.UTC)
	rows := pgxmock.NewRows([]string{
		"fingerprint", "site_id", "url", "normalized_path", "title", "kind", "last_seen_at", "nav_targets", "elements",
	}).AddRow(
		"fp-items", "site-1", "https://app.example.com/items", "/items", "Items", "list", lastSeen,
		[]byte(`["/items/new"]`),
		[]byte(`[{"signature":"clickable/new item","role":"clickable","label":"New Item","seen_count":5}]`),
	)
	mockPool.ExpectQuery(flexibleSQLMatcher(sqlGetPage)).
		WithArgs("fp-items").
		WillReturnRows(rows)

	page, err := store.GetPage(context.Background(), "fp-items")
	require.NoError(t, err)
	assert.Equal(t, schemas.PageList, page.Kind)
	assert.Equal(t, []string{"/items/new"}, page.NavTargets)
	require.Len(t, page.Elements, 1)
	assert.Equal(t, 5, page.Elements[0].SeenCount)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgresRecordPath_Success(t *testing.T) {
	store, mockPool := newMockedStore(t)

	path := &schemas.TaskPath{
		ID:               "path-1",
		SiteID:           "site-1",
		Task:             "log in",
		EntryFingerprint: "fp-login",
		Steps: []schemas.PathStep{{
			Index:     0,
			Action:    schemas.Action{Kind: schemas.ActionClick, TagID: "2"},
			Signature: "clickable/sign in",
		}},
	}
	stepsJSON, err := jsonAPI.Marshal(path.Steps)
	require.NoError(t, err)

	created := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	used := time.Date(2026, 2, 20, 10, 0, 0, 0, time.UTC)

	mockPool.ExpectBegin()
	mockPool.ExpectQuery(flexibleSQLMatcher(sqlRecordPath)).
		WithArgs("path-1", "site-1", "log in", "fp-login", stepsJSON, true, DefaultStaleAfter, anyTime).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "successes", "failures", "fail_streak", "stale", "created_at", "last_used_at",
		}).AddRow("path-1", 4, 1, 0, false, created, used))
	mockPool.ExpectExec(flexibleSQLMatcher(sqlBumpTasksSucceeded)).
		WithArgs("site-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mockPool.ExpectCommit()
	mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

	require.NoError(t, store.RecordPath(context.Background(), path, schemas.PathOutcomeSuccess))
	assert.Equal(t, 4, path.Successes)
	assert.Equal(t, 0, path.FailStreak)
	assert.False(t, path.Stale)
	assert.Equal(t, used, path.LastUsedAt)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgresRecordPath_DivergenceSkipsSiteCounter(t *testing.T) {
	store, mockPool := newMockedStore(t)

	path := &schemas.TaskPath{
		ID:               "path-1",
		SiteID:           "site-1",
		Task:             "log in",
		EntryFingerprint: "fp-login",
	}

	created := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	used := time.Date(2026, 2, 21, 10, 0, 0, 0, time.UTC)

	mockPool.ExpectBegin()
	mockPool.ExpectQuery(flexibleSQLMatcher(sqlRecordPath)).
		WithArgs("path-1", "site-1", "log in", "fp-login", []byte(nil), false, DefaultStaleAfter, anyTime).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "successes", "failures", "fail_streak", "stale", "created_at", "last_used_at",
		}).AddRow("path-1", 4, 2, 1, false, created, used))
	mockPool.ExpectCommit()
	mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

	require.NoError(t, store.RecordPath(context.Background(), path, schemas.PathOutcomeDiverged))
	assert.Equal(t, 2, path.Failures)
	assert.Equal(t, 1, path.FailStreak)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgresFindPaths(t *testing.T) {
	store, mockPool := newMockedStore(t)

	now := time.Now().UTC()
	rows := pgxmock.NewRows([]string{
		"id", "site_id", "task", "entry_fingerprint", "steps",
		"successes", "failures", "fail_streak", "stale", "created_at", "last_used_at",
	}).
		AddRow("p1", "site-1", "log in", "fp-login",
			[]byte(`[{"index":0,"action":{"kind":"CLICK","tag_id":"2"},"signature":"clickable/sign in"}]`),
			5, 0, 0, false, now, now).
		AddRow("p2", "site-1", "reset password", "fp-login",
			[]byte(`[]`), 1, 3, 3, true, now, now)
	mockPool.ExpectQuery(flexibleSQLMatcher(sqlFindPaths)).
		WithArgs("site-1", "fp-login").
		WillReturnRows(rows)

	paths, err := store.FindPaths(context.Background(), "site-1", "fp-login")
	require.NoError(t, err)
	require.Len(t, paths, 2)
	require.Len(t, paths[0].Steps, 1)
	assert.Equal(t, schemas.ActionClick, paths[0].Steps[0].Action.Kind)
	assert.Equal(t, "clickable/sign in", paths[0].Steps[0].Signature)
	assert.True(t, paths[1].Stale)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgresMarkStale(t *testing.T) {
	t.Run("updates the row", func(t *testing.T) {
		store, mockPool := newMockedStore(t)
		mockPool.ExpectExec(flexibleSQLMatcher(sqlMarkStale)).
			WithArgs("path-1").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, store.MarkStale(context.Background(), "path-1"))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("missing row maps to ErrNotFound", func(t *testing.T) {
		store, mockPool := newMockedStore(t)
		mockPool.ExpectExec(flexibleSQLMatcher(sqlMarkStale)).
			WithArgs("gone").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		assert.ErrorIs(t, store.MarkStale(context.Background(), "gone"), schemas.ErrNotFound)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPostgresRunAudit(t *testing.T) {
	store, mockPool := newMockedStore(t)
	ctx := context.Background()

	run := &schemas.Run{Task: "log in", StartURL: "https://app.example.com/login"}
	mockPool.ExpectExec(flexibleSQLMatcher(sqlCreateRun)).
		WithArgs(pgxmock.AnyArg(), "", "log in", run.StartURL, "", 0, anyTime).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.CreateRun(ctx, run))
	require.NotEmpty(t, run.ID)

	mockPool.ExpectExec(flexibleSQLMatcher(sqlAppendStep)).
		WithArgs(run.ID, 0, "CLICK [2]", string(schemas.StepSourceReplay), string(schemas.ExecOK), "fp-home", anyTime).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.AppendStep(ctx, &schemas.StepRecord{
		RunID: run.ID, Index: 0, ActionText: "CLICK [2]",
		Source: schemas.StepSourceReplay, Status: schemas.ExecOK, Fingerprint: "fp-home",
	}))

	mockPool.ExpectExec(flexibleSQLMatcher(sqlFinishRun)).
		WithArgs(run.ID, string(schemas.RunOutcomeSuccess), 1, anyTime).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.FinishRun(ctx, run.ID, schemas.RunOutcomeSuccess, 1))

	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgresStats(t *testing.T) {
	store, mockPool := newMockedStore(t)

	rows := pgxmock.NewRows([]string{"sites", "pages", "elements", "task_paths", "stale_paths", "runs"}).
		AddRow(2, 14, 120, 9, 1, 33)
	mockPool.ExpectQuery(flexibleSQLMatcher(sqlStats)).WillReturnRows(rows)

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 14, stats.Pages)
	assert.Equal(t, 120, stats.Elements)
	assert.Equal(t, 1, stats.StalePaths)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
