// internal/matcher/matcher.go
package matcher

import (
	"context"
	"math"

	"go.uber.org/zap"

	"github.com/okibara/wayfind/api/schemas"
)

// DefaultThreshold is the minimum similarity a remembered path must reach
// before the agent will attempt replay instead of planning.
const DefaultThreshold = 0.6

// Options tune match acceptance.
type Options struct {
	// Threshold is the minimum accepted similarity score. Zero selects
	// DefaultThreshold.
	Threshold float64
}

func (o Options) threshold() float64 {
	if o.Threshold <= 0 {
		return DefaultThreshold
	}
	return o.Threshold
}

// Selection is an accepted match: the path to replay and the score that
// justified it.
type Selection struct {
	Path  schemas.TaskPath
	Score float64
}

// Matcher decides whether any remembered path is similar enough to a task to
// replay. It never talks to the planner or the store; callers pass the
// candidate set fetched for the current site and entry fingerprint.
type Matcher struct {
	scorer    Scorer
	threshold float64
	log       *zap.Logger
}

// New builds a Matcher around the given scorer.
func New(scorer Scorer, logger *zap.Logger, opts Options) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{
		scorer:    scorer,
		threshold: opts.threshold(),
		log:       logger.Named("matcher"),
	}
}

// Match scores every usable candidate against the task and returns the best
// one at or above the threshold, or nil when none qualifies. Stale paths and
// paths without steps are never considered. Ties on score fall to historical
// success rate, then to most recent use.
func (m *Matcher) Match(ctx context.Context, task string, candidates []schemas.TaskPath) (*Selection, error) {
	var (
		best      *schemas.TaskPath
		bestScore float64
	)
	considered := 0
	for i := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cand := &candidates[i]
		if cand.Stale || len(cand.Steps) == 0 {
			continue
		}
		considered++

		score, err := m.scorer.Score(ctx, task, cand.Task)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			m.log.Warn("Scoring candidate failed, skipping",
				zap.String("path_id", cand.ID),
				zap.Error(err),
			)
			continue
		}
		if best == nil || better(score, cand, bestScore, best) {
			best, bestScore = cand, score
		}
	}

	if best == nil || bestScore < m.threshold {
		m.log.Debug("No remembered path cleared the threshold",
			zap.String("task", task),
			zap.Int("candidates", considered),
			zap.Float64("best_score", bestScore),
			zap.Float64("threshold", m.threshold),
		)
		return nil, nil
	}

	m.log.Info("Remembered path selected for replay",
		zap.String("task", task),
		zap.String("path_id", best.ID),
		zap.Float64("score", bestScore),
		zap.Int("steps", len(best.Steps)),
	)
	out := *best
	out.Steps = append([]schemas.PathStep(nil), best.Steps...)
	return &Selection{Path: out, Score: bestScore}, nil
}

const scoreEpsilon = 1e-9

func better(score float64, cand *schemas.TaskPath, bestScore float64, best *schemas.TaskPath) bool {
	if math.Abs(score-bestScore) > scoreEpsilon {
		return score > bestScore
	}
	cr, br := cand.SuccessRate(), best.SuccessRate()
	if math.Abs(cr-br) > scoreEpsilon {
		return cr > br
	}
	return cand.LastUsedAt.After(best.LastUsedAt)
}

// VerifyStep checks that a recorded step is executable against the live
// observation. For element-targeting actions it resolves the durable
// signature to the element's current tag id and returns the rewritten
// action; ok=false signals divergence and the returned action must not be
// executed.
func (m *Matcher) VerifyStep(obs *schemas.Observation, st schemas.PathStep) (schemas.Action, bool) {
	act := st.Action
	if !act.TargetsElement() {
		return act, true
	}
	if st.Signature == "" {
		return act, false
	}
	el, ok := obs.FindBySignature(st.Signature)
	if !ok {
		m.log.Debug("Recorded step signature missing from live page",
			zap.String("signature", st.Signature),
			zap.String("url", obs.URL),
		)
		return act, false
	}
	act.TagID = el.TagID
	return act, true
}
