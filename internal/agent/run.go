// internal/agent/run.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/okibara/wayfind/api/schemas"
	"github.com/okibara/wayfind/internal/action"
	"github.com/okibara/wayfind/internal/matcher"
)

// RunResult summarizes one finished task run.
type RunResult struct {
	RunID    string
	Outcome  schemas.RunOutcome
	Steps    int
	Replayed bool // a remembered path drove at least the first step
	Healed   bool // divergence was repaired and the stored path overwritten
	FinalURL string
}

// taskRun is the per-invocation state of one RunTask call.
type taskRun struct {
	a            *Agent
	task         string
	runID        string
	site         *schemas.Site
	obs          *schemas.Observation
	entryFP      string
	steps        int
	auditIdx     int
	recorded     []schemas.PathStep
	history      []schemas.HistoryEntry
	replayed     bool
	replayedPath *schemas.TaskPath
	diverged     *schemas.TaskPath
	healed       bool
	failStreak   int
}

// RunTask drives the browser until the task is done, fails, or is canceled.
// The loop replays a remembered path when one matches the task and the entry
// page, otherwise the vision planner decides one action per iteration.
// Cancellation is honored at the observe and decide boundaries; an in-flight
// browser call is never torn down mid-action.
func (a *Agent) RunTask(ctx context.Context, task, startURL string) (*RunResult, error) {
	task = strings.TrimSpace(task)
	if task == "" {
		return nil, fmt.Errorf("task must not be empty")
	}
	if !a.runMu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer a.runMu.Unlock()

	r := &taskRun{a: a, task: task, runID: uuid.NewString()}
	a.log.Info("Task run starting",
		zap.String("run_id", r.runID),
		zap.String("task", task),
		zap.String("start_url", startURL),
	)

	r.persist("create_run", func() error {
		return a.store.CreateRun(ctx, &schemas.Run{ID: r.runID, Task: task, StartURL: startURL})
	})

	if startURL != "" {
		if err := r.navigate(ctx, startURL); err != nil {
			return r.finish(ctx, outcomeFor(err), err)
		}
	}
	if err := r.observe(ctx); err != nil {
		return r.finish(ctx, outcomeFor(err), err)
	}

	if sel := r.match(ctx); sel != nil {
		done, err := r.replay(ctx, sel)
		switch {
		case err != nil:
			return r.finish(ctx, outcomeFor(err), err)
		case done:
			return r.finish(ctx, schemas.RunOutcomeSuccess, nil)
		}
		// Diverged: the planner takes over from the current page.
	}

	outcome, cause := r.plan(ctx)
	return r.finish(ctx, outcome, cause)
}

func outcomeFor(err error) schemas.RunOutcome {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return schemas.RunOutcomeCanceled
	}
	return schemas.RunOutcomeFailed
}

// navigate performs the initial GOTO for a run. It goes through the grammar
// so scheme defaulting and URL validation behave exactly like a planned GOTO.
func (r *taskRun) navigate(ctx context.Context, rawURL string) error {
	act, err := action.Parse(fmt.Sprintf("GOTO %q", rawURL))
	if err != nil {
		return fmt.Errorf("invalid start url %q: %w", rawURL, err)
	}
	_, execErr := r.a.executor.Execute(ctx, act, nil)
	return execErr
}

// observe captures the page through the tagger and feeds what it saw into
// memory. The first observation of a run pins the entry fingerprint used for
// path matching and recording.
func (r *taskRun) observe(ctx context.Context) error {
	r.a.setState(StateObserving)
	if err := ctx.Err(); err != nil {
		return err
	}
	obs, err := r.a.tagger.Tag(ctx)
	if err != nil {
		return fmt.Errorf("observing page: %w", err)
	}
	r.obs = obs
	if r.entryFP == "" {
		r.entryFP = obs.Fingerprint
	}
	r.rememberObservation(ctx)
	return nil
}

func (r *taskRun) rememberObservation(ctx context.Context) {
	a := r.a
	if a.degraded.Load() {
		return
	}
	host := schemas.NormalizeHost(r.obs.URL)
	if host == "" {
		return
	}
	if r.site == nil || r.site.Host != host {
		site := &schemas.Site{Host: host}
		if !r.persist("upsert_site", func() error { return a.store.UpsertSite(ctx, site) }) {
			return
		}
		r.site = site
	}
	page := &schemas.Page{
		Fingerprint:    r.obs.Fingerprint,
		SiteID:         r.site.ID,
		URL:            r.obs.URL,
		NormalizedPath: schemas.NormalizePath(r.obs.URL),
		Title:          r.obs.Title,
		Elements:       schemas.ToStored(r.obs.Elements),
	}
	r.persist("upsert_page", func() error { return a.store.UpsertPage(ctx, page) })
}

// match asks memory for a replayable path. Any store failure degrades to
// planner-only mode instead of failing the run.
func (r *taskRun) match(ctx context.Context) *matcher.Selection {
	a := r.a
	if a.degraded.Load() || r.site == nil {
		return nil
	}
	paths, err := a.store.FindPaths(ctx, r.site.ID, r.entryFP)
	if err != nil {
		a.degrade("find_paths", err)
		return nil
	}
	if len(paths) == 0 {
		return nil
	}
	sel, err := a.matcher.Match(ctx, r.task, paths)
	if err != nil {
		return nil
	}
	return sel
}

// replay executes a remembered path step by step, verifying each element
// signature against the live page first. It returns done=true when every
// step ran; a verification or execution failure marks divergence and hands
// control back for planner fallback.
func (r *taskRun) replay(ctx context.Context, sel *matcher.Selection) (bool, error) {
	a := r.a
	path := sel.Path
	r.replayed = true
	r.replayedPath = &path
	a.log.Info("Replaying remembered path",
		zap.String("path_id", path.ID),
		zap.Int("steps", len(path.Steps)),
		zap.Float64("score", sel.Score),
	)

	for i := range path.Steps {
		st := path.Steps[i]
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if r.steps >= a.opts.MaxSteps {
			return false, ErrMaxStepsReached
		}

		a.setState(StateDeciding)
		act, ok := a.matcher.VerifyStep(r.obs, st)
		if !ok {
			r.markDiverged(&path, i, "recorded element absent from live page")
			return false, nil
		}

		a.setState(StateExecuting)
		res, execErr := a.executor.Execute(ctx, act, r.obs)
		r.audit(ctx, act, res, schemas.StepSourceReplay)
		r.steps++
		r.pushHistory(act.String(), string(res.Status))
		if execErr != nil || !res.OK() {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			r.markDiverged(&path, i, "step execution failed")
			return false, nil
		}

		r.recorded = append(r.recorded, schemas.PathStep{
			Index:     len(r.recorded),
			Action:    st.Action,
			Signature: st.Signature,
		})
		if err := r.settle(ctx); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (r *taskRun) markDiverged(path *schemas.TaskPath, stepIndex int, reason string) {
	cp := *path
	r.diverged = &cp
	r.a.log.Warn("Replay diverged, falling back to planner",
		zap.String("path_id", path.ID),
		zap.Int("step", stepIndex),
		zap.String("reason", reason),
	)
}

// plan is the planner-driven loop: one decision, one action per iteration,
// until DONE, PAUSE+resume, a budget trips, or the context ends.
func (r *taskRun) plan(ctx context.Context) (schemas.RunOutcome, error) {
	a := r.a
	parseFailures := 0
	for {
		if err := ctx.Err(); err != nil {
			return schemas.RunOutcomeCanceled, err
		}
		if r.steps >= a.opts.MaxSteps {
			return schemas.RunOutcomeFailed, ErrMaxStepsReached
		}

		a.setState(StateDeciding)
		raw, err := a.planner.Decide(ctx, r.planRequest())
		if err != nil {
			if ctx.Err() != nil {
				return schemas.RunOutcomeCanceled, ctx.Err()
			}
			parseFailures++
			a.log.Warn("Planner call failed",
				zap.Int("attempt", parseFailures),
				zap.Error(err),
			)
			if parseFailures >= a.opts.PlannerRetries {
				return schemas.RunOutcomeFailed, fmt.Errorf("%w: %v", ErrPlannerExhausted, err)
			}
			continue
		}

		act, perr := action.Parse(action.Sanitize(raw))
		if perr != nil {
			parseFailures++
			a.log.Warn("Planner reply unparseable",
				zap.String("reply", truncate(raw, 120)),
				zap.Int("attempt", parseFailures),
				zap.Error(perr),
			)
			// Show the rejection to the planner so the retry can correct it.
			r.pushHistory(truncate(strings.TrimSpace(raw), 120), "rejected: "+perr.Error())
			if parseFailures >= a.opts.PlannerRetries {
				return schemas.RunOutcomeFailed, fmt.Errorf("%w: %v", ErrPlannerExhausted, perr)
			}
			continue
		}
		parseFailures = 0

		switch act.Kind {
		case schemas.ActionDone:
			r.audit(ctx, act, schemas.ExecutionResult{Status: schemas.ExecOK}, schemas.StepSourcePlanned)
			a.log.Info("Planner declared the task complete", zap.Int("steps", r.steps))
			return schemas.RunOutcomeSuccess, nil
		case schemas.ActionPause:
			r.audit(ctx, act, schemas.ExecutionResult{Status: schemas.ExecOK}, schemas.StepSourcePlanned)
			if err := r.pause(ctx); err != nil {
				return schemas.RunOutcomeCanceled, err
			}
			if err := r.observe(ctx); err != nil {
				return outcomeFor(err), err
			}
			continue
		}

		a.setState(StateExecuting)
		res, execErr := a.executor.Execute(ctx, act, r.obs)
		if execErr != nil && errors.Is(execErr, action.ErrActionTimeout) {
			a.log.Warn("Action timed out, retrying once", zap.String("action", act.String()))
			res, execErr = a.executor.Execute(ctx, act, r.obs)
		}
		r.audit(ctx, act, res, schemas.StepSourcePlanned)
		r.steps++
		if execErr != nil {
			r.pushHistory(act.String(), fmt.Sprintf("%s: %s", res.Status, truncate(execErr.Error(), 120)))
		} else {
			r.pushHistory(act.String(), string(res.Status))
		}

		if execErr != nil || !res.OK() {
			if ctx.Err() != nil {
				return schemas.RunOutcomeCanceled, ctx.Err()
			}
			r.failStreak++
			if r.failStreak >= a.opts.StepFailureBudget {
				return schemas.RunOutcomeFailed, fmt.Errorf("%w: last error: %v", ErrStepFailureBudget, execErr)
			}
		} else {
			r.failStreak = 0
			r.record(act)
		}

		if err := r.settle(ctx); err != nil {
			return outcomeFor(err), err
		}
	}
}

// record captures an executed planned action as a replayable step, resolving
// the element signature from the observation the action was decided against.
func (r *taskRun) record(act schemas.Action) {
	st := schemas.PathStep{Index: len(r.recorded), Action: act}
	if act.TargetsElement() {
		if el, ok := r.obs.FindByTagID(act.TagID); ok {
			st.Signature = el.Signature
		}
	}
	r.recorded = append(r.recorded, st)
}

// pause parks the loop until Resume or cancellation.
func (r *taskRun) pause(ctx context.Context) error {
	a := r.a
	a.mu.Lock()
	ch := make(chan struct{})
	a.resumeCh = ch
	a.state = StatePaused
	a.mu.Unlock()
	a.log.Info("Run paused, awaiting external resume")

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		a.mu.Lock()
		if a.resumeCh == ch {
			a.resumeCh = nil
		}
		a.mu.Unlock()
		return ctx.Err()
	}
}

// settle waits the inter-step delay and re-observes the page.
func (r *taskRun) settle(ctx context.Context) error {
	if d := r.a.opts.StepDelay; d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return r.observe(ctx)
}

func (r *taskRun) planRequest() schemas.PlanRequest {
	return schemas.PlanRequest{
		Task:       r.task,
		URL:        r.obs.URL,
		Title:      r.obs.Title,
		Screenshot: r.obs.Screenshot,
		Elements:   r.obs.Elements,
		History:    append([]schemas.HistoryEntry(nil), r.history...),
	}
}

func (r *taskRun) pushHistory(actionText, result string) {
	r.history = append(r.history, schemas.HistoryEntry{Action: actionText, Result: result})
	if max := r.a.opts.HistoryWindow; len(r.history) > max {
		r.history = r.history[len(r.history)-max:]
	}
}

func (r *taskRun) audit(ctx context.Context, act schemas.Action, res schemas.ExecutionResult, src schemas.StepSource) {
	rec := &schemas.StepRecord{
		RunID:       r.runID,
		Index:       r.auditIdx,
		ActionText:  act.String(),
		Source:      src,
		Status:      res.Status,
		Fingerprint: res.PostFingerprint,
	}
	r.auditIdx++
	r.persist("append_step", func() error { return r.a.store.AppendStep(ctx, rec) })
}

// persist runs one store write unless memory is already degraded; a failure
// flips degraded mode and is swallowed.
func (r *taskRun) persist(op string, fn func() error) bool {
	if r.a.degraded.Load() {
		return false
	}
	if err := fn(); err != nil {
		r.a.degrade(op, err)
		return false
	}
	return true
}

// finish closes the audit run, applies path bookkeeping, and settles the
// terminal state.
func (r *taskRun) finish(ctx context.Context, outcome schemas.RunOutcome, cause error) (*RunResult, error) {
	a := r.a
	r.recordPathOutcome(ctx, outcome)
	r.persist("finish_run", func() error { return a.store.FinishRun(ctx, r.runID, outcome, r.steps) })

	switch outcome {
	case schemas.RunOutcomeSuccess:
		a.setState(StateDone)
	case schemas.RunOutcomeCanceled:
		a.setState(StateIdle)
	default:
		a.setState(StateFailed)
	}

	res := &RunResult{
		RunID:    r.runID,
		Outcome:  outcome,
		Steps:    r.steps,
		Replayed: r.replayed,
		Healed:   r.healed,
	}
	if r.obs != nil {
		res.FinalURL = r.obs.URL
	}
	a.log.Info("Task run finished",
		zap.String("run_id", r.runID),
		zap.String("outcome", string(outcome)),
		zap.Int("steps", r.steps),
		zap.Bool("replayed", r.replayed),
		zap.Bool("healed", r.healed),
	)
	if cause != nil {
		return res, cause
	}
	return res, nil
}

// recordPathOutcome updates task-path memory for the finished run. Canceled
// runs leave memory untouched: an interrupted attempt says nothing about the
// path's validity.
func (r *taskRun) recordPathOutcome(ctx context.Context, outcome schemas.RunOutcome) {
	a := r.a
	if a.degraded.Load() || r.site == nil || outcome == schemas.RunOutcomeCanceled {
		return
	}

	switch {
	case outcome == schemas.RunOutcomeSuccess && r.diverged != nil:
		// Self-heal: the stored sequence broke but the planner finished the
		// task, so overwrite the steps while the divergence still counts
		// against the path's streak.
		healed := *r.diverged
		healed.Steps = append([]schemas.PathStep(nil), r.recorded...)
		if r.persist("record_path", func() error {
			return a.store.RecordPath(ctx, &healed, schemas.PathOutcomeDiverged)
		}) {
			r.healed = true
			a.log.Info("Task path healed",
				zap.String("path_id", healed.ID),
				zap.Int("steps", len(healed.Steps)),
			)
		}

	case outcome == schemas.RunOutcomeSuccess && r.replayed:
		reinforced := *r.replayedPath
		reinforced.Steps = nil
		r.persist("record_path", func() error {
			return a.store.RecordPath(ctx, &reinforced, schemas.PathOutcomeSuccess)
		})

	case outcome == schemas.RunOutcomeSuccess:
		if len(r.recorded) == 0 {
			return
		}
		path := &schemas.TaskPath{
			SiteID:           r.site.ID,
			Task:             r.task,
			EntryFingerprint: r.entryFP,
			Steps:            append([]schemas.PathStep(nil), r.recorded...),
		}
		if r.persist("record_path", func() error {
			return a.store.RecordPath(ctx, path, schemas.PathOutcomeSuccess)
		}) {
			a.log.Info("New task path recorded",
				zap.String("path_id", path.ID),
				zap.Int("steps", len(path.Steps)),
			)
		}

	case r.diverged != nil:
		// Fallback failed too: the divergence alone is recorded and counts
		// toward staleness.
		failed := *r.diverged
		failed.Steps = nil
		r.persist("record_path", func() error {
			return a.store.RecordPath(ctx, &failed, schemas.PathOutcomeDiverged)
		})
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
