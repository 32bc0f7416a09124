// internal/planner/planner.go

// Package planner asks a vision language model for the next browser action.
// It renders the current observation into a prompt, ships it with the
// screenshot to the Gemini REST API, and hands the raw one-line reply back
// to the control loop, whose grammar parser is the sole judge of validity.
// The same client doubles as the embedding source for similarity matching.
package planner

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/okibara/wayfind/api/schemas"
)

// Tier selects a model class for one request.
type Tier string

const (
	// TierFast is the cheap, low-latency model used for routine decisions.
	TierFast Tier = "fast"
	// TierPowerful is the stronger model used when the run is struggling.
	TierPowerful Tier = "powerful"
)

// Request is one generation call to a text client.
type Request struct {
	SystemPrompt string
	UserPrompt   string
	ImagePNG     []byte
	Tier         Tier
	ForceJSON    bool
	// Temperature overrides the client default when non-zero.
	Temperature float32
}

// TextClient generates a completion for a request. Router and GoogleClient
// both satisfy it, so a planner can sit on a single model or a tier pair.
type TextClient interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// VisionPlanner renders observations into prompts and hands them to the
// model. It implements schemas.Planner.
type VisionPlanner struct {
	llm TextClient
	log *zap.Logger
}

var _ schemas.Planner = (*VisionPlanner)(nil)

// NewVisionPlanner wires a planner over a text client.
func NewVisionPlanner(llm TextClient, logger *zap.Logger) (*VisionPlanner, error) {
	if llm == nil {
		return nil, errors.New("planner requires a text client")
	}
	if logger == nil {
		return nil, errors.New("planner requires a logger")
	}
	return &VisionPlanner{llm: llm, log: logger.Named("planner")}, nil
}

// Decide asks the model for the next action. Routine decisions go to the
// fast tier; once the previous step was rejected or failed, the request
// escalates to the powerful tier until the run recovers.
func (p *VisionPlanner) Decide(ctx context.Context, req schemas.PlanRequest) (string, error) {
	tier := TierFast
	if struggling(req.History) {
		tier = TierPowerful
	}

	reply, err := p.llm.Generate(ctx, Request{
		SystemPrompt: systemPrompt,
		UserPrompt:   renderUserPrompt(req),
		ImagePNG:     req.Screenshot,
		Tier:         tier,
	})
	if err != nil {
		return "", err
	}
	reply = strings.TrimSpace(reply)
	p.log.Debug("Planner decision",
		zap.String("tier", string(tier)),
		zap.String("reply", truncate(reply, 120)),
	)
	return reply, nil
}

// struggling reports whether the most recent step went wrong.
func struggling(history []schemas.HistoryEntry) bool {
	if len(history) == 0 {
		return false
	}
	last := history[len(history)-1].Result
	return last != "" && last != string(schemas.ExecOK)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
