// internal/action/executor.go
package action

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/okibara/wayfind/api/schemas"
)

// ExecutorOptions bound the executor's patience. Zero values fall back to
// the defaults below.
type ExecutorOptions struct {
	// ActionTimeout is the deadline for a single browser verb.
	ActionTimeout time.Duration
	// MaxWait caps WAIT durations so a single step can never stall a run
	// for longer than the operator allows.
	MaxWait time.Duration
}

const (
	defaultActionTimeout = 15 * time.Second
	defaultMaxWait       = 30 * time.Second
)

// Executor runs parsed actions against the browser collaborator and
// normalizes the outcome. It is stateless between calls; the caller owns
// loop policy (retries, re-observation).
type Executor struct {
	browser schemas.Browser
	logger  *zap.Logger
	opts    ExecutorOptions
}

// NewExecutor wires an executor over one browser session.
func NewExecutor(browser schemas.Browser, logger *zap.Logger, opts ExecutorOptions) *Executor {
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = defaultActionTimeout
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = defaultMaxWait
	}
	return &Executor{
		browser: browser,
		logger:  logger.Named("executor"),
		opts:    opts,
	}
}

// Execute performs one action against the live page. The observation is the
// one the action was decided against; element references are resolved
// through it. The returned result always carries a normalized status, and
// for page-affecting verbs the post-action fingerprint used by replay
// verification.
func (e *Executor) Execute(ctx context.Context, act schemas.Action, obs *schemas.Observation) (schemas.ExecutionResult, error) {
	start := time.Now()
	log := e.logger.With(zap.String("action", act.String()))

	// Terminal verbs are loop signals, not browser work.
	if act.IsTerminal() {
		return schemas.ExecutionResult{Status: schemas.ExecOK, Elapsed: time.Since(start)}, nil
	}

	var err error
	switch act.Kind {
	case schemas.ActionClick:
		err = e.withTarget(ctx, act, obs, e.browser.Click)
	case schemas.ActionType:
		err = e.withTarget(ctx, act, obs, func(ctx context.Context, tagID string) error {
			return e.browser.Type(ctx, tagID, act.Text)
		})
	case schemas.ActionScroll:
		err = e.timed(ctx, func(ctx context.Context) error {
			return e.browser.Scroll(ctx, act.Direction)
		})
	case schemas.ActionGoto:
		err = e.navigate(ctx, act.URL)
	case schemas.ActionWait:
		err = e.wait(ctx, act.Seconds)
	default:
		err = &ParseError{Input: string(act.Kind), Reason: "unexecutable action kind"}
	}

	result := schemas.ExecutionResult{
		Status:  classify(act, err),
		Elapsed: time.Since(start),
	}

	if err != nil {
		log.Warn("Action failed",
			zap.String("status", string(result.Status)),
			zap.Duration("elapsed", result.Elapsed),
			zap.Error(err),
		)
		return result, err
	}

	// Best effort: a missing fingerprint only disables replay verification
	// for this step, it never fails the action itself.
	if fp, fpErr := e.browser.CurrentFingerprint(ctx); fpErr == nil {
		result.PostFingerprint = fp
	} else {
		log.Debug("Post-action fingerprint unavailable", zap.Error(fpErr))
	}

	log.Debug("Action executed", zap.Duration("elapsed", result.Elapsed))
	return result, nil
}

// withTarget resolves the action's tag id in the observation, then runs the
// browser call under the per-action deadline.
func (e *Executor) withTarget(ctx context.Context, act schemas.Action, obs *schemas.Observation, fn func(context.Context, string) error) error {
	if obs == nil {
		return fmt.Errorf("%w: no current observation", ErrElementNotFound)
	}
	el, ok := obs.FindByTagID(act.TagID)
	if !ok {
		return fmt.Errorf("%w: tag id %q", ErrElementNotFound, act.TagID)
	}
	return e.timed(ctx, func(ctx context.Context) error {
		return fn(ctx, el.TagID)
	})
}

func (e *Executor) navigate(ctx context.Context, rawURL string) error {
	err := e.timed(ctx, func(ctx context.Context) error {
		return e.browser.Navigate(ctx, rawURL)
	})
	if err != nil && !errors.Is(err, ErrActionTimeout) {
		return &NavigationError{URL: rawURL, Err: err}
	}
	return err
}

// wait suspends for the capped duration. It is a plain timer: cancellation
// interrupts it, and nothing else in the process blocks on it.
func (e *Executor) wait(ctx context.Context, seconds int) error {
	d := time.Duration(seconds) * time.Second
	if d > e.opts.MaxWait {
		e.logger.Debug("Capping WAIT duration",
			zap.Int("requested_seconds", seconds),
			zap.Duration("cap", e.opts.MaxWait),
		)
		d = e.opts.MaxWait
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// timed applies the per-action deadline and converts its expiry into
// ErrActionTimeout.
func (e *Executor) timed(ctx context.Context, fn func(context.Context) error) error {
	actx, cancel := context.WithTimeout(ctx, e.opts.ActionTimeout)
	defer cancel()
	err := fn(actx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w after %s: %v", ErrActionTimeout, e.opts.ActionTimeout, err)
	}
	return err
}

// classify maps an execution error onto the normalized status vocabulary.
func classify(act schemas.Action, err error) schemas.ExecStatus {
	switch {
	case err == nil:
		return schemas.ExecOK
	case errors.Is(err, ErrActionTimeout):
		return schemas.ExecTimeout
	case errors.Is(err, ErrElementNotFound), errors.Is(err, ErrElementStale):
		return schemas.ExecElementStale
	case act.Kind == schemas.ActionGoto:
		return schemas.ExecNavError
	default:
		return schemas.ExecFailed
	}
}
