// internal/planner/router.go
package planner

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Router dispatches generation requests to the model tier they ask for.
// It satisfies TextClient itself, so callers stay tier-agnostic.
type Router struct {
	log     *zap.Logger
	clients map[Tier]TextClient
}

var _ TextClient = (*Router)(nil)

// NewRouter wires both tiers. Pointing both tiers at the same client is
// a valid single-model setup.
func NewRouter(logger *zap.Logger, fast, powerful TextClient) (*Router, error) {
	if fast == nil || powerful == nil {
		return nil, fmt.Errorf("both fast and powerful tier clients must be provided")
	}
	return &Router{
		log: logger.Named("planner.router"),
		clients: map[Tier]TextClient{
			TierFast:     fast,
			TierPowerful: powerful,
		},
	}, nil
}

// Generate routes by req.Tier, defaulting to the powerful tier when the
// request does not say.
func (r *Router) Generate(ctx context.Context, req Request) (string, error) {
	tier := req.Tier
	if tier == "" {
		tier = TierPowerful
	}
	client, ok := r.clients[tier]
	if !ok {
		return "", fmt.Errorf("no client configured for tier %q", tier)
	}
	r.log.Debug("Routing planner request", zap.String("tier", string(tier)))
	return client.Generate(ctx, req)
}
