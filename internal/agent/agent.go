// internal/agent/agent.go
package agent

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/okibara/wayfind/api/schemas"
	"github.com/okibara/wayfind/internal/action"
	"github.com/okibara/wayfind/internal/matcher"
)

// State is the agent's externally visible control-loop phase.
type State string

const (
	StateIdle      State = "idle"
	StateObserving State = "observing"
	StateDeciding  State = "deciding"
	StateExecuting State = "executing"
	StatePaused    State = "paused"
	StateDone      State = "done"
	StateFailed    State = "failed"
)

// Options bound a single task run. Zero values select the defaults below.
type Options struct {
	// MaxSteps is the hard ceiling of executed actions per run.
	MaxSteps int
	// PlannerRetries is how many consecutive undecodable or failing planner
	// replies are tolerated before the run fails.
	PlannerRetries int
	// StepFailureBudget is how many consecutive failed actions are tolerated.
	StepFailureBudget int
	// StepDelay is the settle pause between executed actions.
	StepDelay time.Duration
	// HistoryWindow is how many prior steps the planner gets to see.
	HistoryWindow int
}

const (
	defaultMaxSteps          = 20
	defaultPlannerRetries    = 3
	defaultStepFailureBudget = 3
	defaultStepDelay         = 500 * time.Millisecond
	defaultHistoryWindow     = 8
)

func (o Options) withDefaults() Options {
	if o.MaxSteps <= 0 {
		o.MaxSteps = defaultMaxSteps
	}
	if o.PlannerRetries <= 0 {
		o.PlannerRetries = defaultPlannerRetries
	}
	if o.StepFailureBudget <= 0 {
		o.StepFailureBudget = defaultStepFailureBudget
	}
	if o.StepDelay < 0 {
		o.StepDelay = 0
	} else if o.StepDelay == 0 {
		o.StepDelay = defaultStepDelay
	}
	if o.HistoryWindow <= 0 {
		o.HistoryWindow = defaultHistoryWindow
	}
	return o
}

// Deps are the collaborators one agent drives. All are required except
// Logger.
type Deps struct {
	Browser  schemas.Browser
	Tagger   schemas.Tagger
	Planner  schemas.Planner
	Store    schemas.MemoryStore
	Matcher  *matcher.Matcher
	Executor *action.Executor
	Logger   *zap.Logger
}

func (d Deps) validate() error {
	switch {
	case d.Browser == nil:
		return fmt.Errorf("agent requires a browser session")
	case d.Tagger == nil:
		return fmt.Errorf("agent requires a tagger")
	case d.Planner == nil:
		return fmt.Errorf("agent requires a planner")
	case d.Store == nil:
		return fmt.Errorf("agent requires a memory store")
	case d.Matcher == nil:
		return fmt.Errorf("agent requires a matcher")
	case d.Executor == nil:
		return fmt.Errorf("agent requires an executor")
	}
	return nil
}

// Agent owns the observe/decide/execute loop over one browser session. It
// prefers replaying remembered task paths and falls back to the vision
// planner; everything it learns flows back into the memory store. A single
// agent runs one task at a time.
type Agent struct {
	browser  schemas.Browser
	tagger   schemas.Tagger
	planner  schemas.Planner
	store    schemas.MemoryStore
	matcher  *matcher.Matcher
	executor *action.Executor
	opts     Options
	log      *zap.Logger

	runMu sync.Mutex // serializes whole runs

	mu       sync.Mutex
	state    State
	resumeCh chan struct{}

	// degraded flips permanently once the store fails; the agent keeps
	// working planner-only without memory reads or writes.
	degraded atomic.Bool
}

// New wires an agent over its collaborators.
func New(deps Deps, opts Options) (*Agent, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{
		browser:  deps.Browser,
		tagger:   deps.Tagger,
		planner:  deps.Planner,
		store:    deps.Store,
		matcher:  deps.Matcher,
		executor: deps.Executor,
		opts:     opts.withDefaults(),
		log:      logger.Named("agent"),
		state:    StateIdle,
	}, nil
}

// State reports the current control-loop phase.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// MemoryDegraded reports whether the agent has given up on the store for
// this process lifetime.
func (a *Agent) MemoryDegraded() bool {
	return a.degraded.Load()
}

// Resume releases a run paused by a PAUSE action. It is safe to call at any
// time; outside the paused state it does nothing.
func (a *Agent) Resume() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StatePaused && a.resumeCh != nil {
		close(a.resumeCh)
		a.resumeCh = nil
		a.log.Info("Run resumed by operator")
	}
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	prev := a.state
	a.state = s
	a.mu.Unlock()
	if prev != s {
		a.log.Debug("State transition", zap.String("from", string(prev)), zap.String("to", string(s)))
	}
}

// degrade permanently disables memory usage after a store failure.
func (a *Agent) degrade(op string, err error) {
	if a.degraded.CompareAndSwap(false, true) {
		a.log.Warn("Memory store failing, continuing without memory",
			zap.String("op", op),
			zap.Error(err),
		)
	}
}
