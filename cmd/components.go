// cmd/components.go
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/okibara/wayfind/api/schemas"
	"github.com/okibara/wayfind/internal/action"
	"github.com/okibara/wayfind/internal/agent"
	"github.com/okibara/wayfind/internal/browser"
	"github.com/okibara/wayfind/internal/config"
	"github.com/okibara/wayfind/internal/matcher"
	"github.com/okibara/wayfind/internal/memory"
	"github.com/okibara/wayfind/internal/planner"
)

// shutdownTimeout bounds component teardown so a wedged browser process
// cannot hold the exit hostage.
const shutdownTimeout = 15 * time.Second

// contextWithShutdownTimeout returns a fresh background context for
// teardown work. It must not derive from the command context, which is
// usually already canceled by the time teardown runs.
func contextWithShutdownTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), shutdownTimeout)
}

// taskComponents aggregates everything a browsing command wires together so
// teardown happens in one place, in reverse dependency order.
type taskComponents struct {
	manager *browser.Manager
	session *browser.Session
	pool    *pgxpool.Pool // nil when the in-memory store is selected
	store   schemas.MemoryStore
	log     *zap.Logger
}

// Shutdown releases the session, the browser process, and the database pool.
// It runs under a fresh timeout context: the invoking context is typically
// already canceled when shutdown is triggered by Ctrl+C.
func (c *taskComponents) Shutdown() {
	ctx, cancel := contextWithShutdownTimeout()
	defer cancel()

	if c.session != nil {
		if err := c.session.Close(ctx); err != nil {
			c.log.Warn("Session close failed", zap.Error(err))
		}
	}
	if c.manager != nil {
		if err := c.manager.Shutdown(ctx); err != nil {
			c.log.Warn("Browser shutdown failed", zap.Error(err))
		}
	}
	if c.pool != nil {
		c.pool.Close()
	}
	c.log.Debug("Components shut down")
}

// browserOptions maps the browser config section onto manager options.
func browserOptions(cfg *config.Config) browser.Options {
	return browser.Options{
		Headless:          cfg.Browser.Headless,
		IgnoreTLSErrors:   cfg.Browser.IgnoreTLSErrors,
		UserAgent:         cfg.Browser.UserAgent,
		WindowWidth:       cfg.Browser.WindowWidth,
		WindowHeight:      cfg.Browser.WindowHeight,
		NavigationTimeout: cfg.Browser.NavigationTimeout,
		StabilizeWait:     cfg.Browser.StabilizeWait,
		ExtraFlags:        cfg.Browser.Args,
	}
}

// newStore builds the configured memory backend. For postgres it also runs
// the idempotent schema migration so a fresh database works on first
// contact. The returned pool is nil for the in-memory backend.
func newStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (schemas.MemoryStore, *pgxpool.Pool, error) {
	opts := memory.Options{StaleAfter: cfg.Matcher.StaleAfter}

	switch cfg.Memory.Backend {
	case config.BackendMemory:
		return memory.NewInMemoryStore(log, opts), nil, nil

	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.Memory.Postgres.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("creating database pool: %w", err)
		}
		store, err := memory.NewPostgresStore(ctx, pool, log, opts)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("connecting to database: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrating database schema: %w", err)
		}
		return store, pool, nil

	default:
		// Config validation rejects unknown backends; this is the belt for
		// callers constructing configs by hand.
		return nil, nil, fmt.Errorf("unknown memory backend %q", cfg.Memory.Backend)
	}
}

// modelConfig projects the shared llm section onto one model's client
// config. Credentials, endpoints, and sampling settings are common to both
// tiers; only the generation model differs.
func modelConfig(llm config.LLMConfig, model string) planner.ModelConfig {
	return planner.ModelConfig{
		APIKey:            llm.APIKey,
		Model:             model,
		EmbedModel:        llm.EmbedModel,
		Endpoint:          llm.Endpoint,
		EmbedEndpoint:     llm.EmbedEndpoint,
		APITimeout:        llm.APITimeout,
		Temperature:       llm.Temperature,
		TopP:              llm.TopP,
		TopK:              llm.TopK,
		MaxTokens:         llm.MaxTokens,
		SafetyFilters:     llm.SafetyFilters,
		RequestsPerMinute: llm.RequestsPerMinute,
	}
}

// newPlannerStack builds the tiered Gemini clients, the router, and the
// vision planner. The fast-tier client doubles as the embedder for path
// matching. Construction fails without an API key, so callers that can run
// memoryless (explore, memory) must not call this.
func newPlannerStack(cfg *config.Config, log *zap.Logger) (schemas.Planner, schemas.Embedder, error) {
	fast, err := planner.NewGoogleClient(modelConfig(cfg.LLM, cfg.LLM.FastModel), log)
	if err != nil {
		return nil, nil, fmt.Errorf("building fast-tier client: %w", err)
	}
	powerful, err := planner.NewGoogleClient(modelConfig(cfg.LLM, cfg.LLM.PowerfulModel), log)
	if err != nil {
		return nil, nil, fmt.Errorf("building powerful-tier client: %w", err)
	}
	router, err := planner.NewRouter(log, fast, powerful)
	if err != nil {
		return nil, nil, err
	}
	vision, err := planner.NewVisionPlanner(router, log)
	if err != nil {
		return nil, nil, err
	}
	return vision, fast, nil
}

// newAgent assembles the full observe/decide/execute stack over an existing
// session and store.
func newAgent(cfg *config.Config, session *browser.Session, store schemas.MemoryStore, log *zap.Logger) (*agent.Agent, error) {
	vision, embedder, err := newPlannerStack(cfg, log)
	if err != nil {
		return nil, err
	}

	scorer := matcher.NewBlendedScorer(embedder, 0, log)
	m := matcher.New(scorer, log, matcher.Options{Threshold: cfg.Matcher.Threshold})

	executor := action.NewExecutor(session, log, action.ExecutorOptions{
		ActionTimeout: cfg.Agent.ActionTimeout,
		MaxWait:       cfg.Agent.MaxWait,
	})

	return agent.New(agent.Deps{
		Browser:  session,
		Tagger:   session,
		Planner:  vision,
		Store:    store,
		Matcher:  m,
		Executor: executor,
		Logger:   log,
	}, agent.Options{
		MaxSteps:          cfg.Agent.MaxSteps,
		PlannerRetries:    cfg.Agent.PlannerRetries,
		StepFailureBudget: cfg.Agent.StepFailureBudget,
		StepDelay:         cfg.Agent.StepDelay,
		HistoryWindow:     cfg.Agent.HistoryWindow,
	})
}

// initializeTaskComponents launches the browser, opens one session, and
// connects the store. On error, everything built so far is returned anyway
// so the caller can Shutdown the partial set.
func initializeTaskComponents(ctx context.Context, cfg *config.Config, log *zap.Logger) (*taskComponents, error) {
	c := &taskComponents{log: log}

	c.manager = browser.NewManager(browserOptions(cfg), log)
	session, err := c.manager.NewSession(ctx)
	if err != nil {
		return c, fmt.Errorf("opening browser session: %w", err)
	}
	c.session = session

	store, pool, err := newStore(ctx, cfg, log)
	if err != nil {
		return c, err
	}
	c.store = store
	c.pool = pool
	return c, nil
}
