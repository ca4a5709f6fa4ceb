package gateway

import (
	"fmt"

	"github.com/tournevent/gatekeeper/internal/config"
	"github.com/tournevent/gatekeeper/internal/ratelimit"
	"github.com/tournevent/gatekeeper/internal/retry"
)

// ApplyPolicies installs per-provider overrides from the policy file on
// every component. Zero values keep the current defaults.
func (g *Gateway) ApplyPolicies(p *config.Policies) error {
	if p == nil {
		return nil
	}
	for name, pp := range p.Providers {
		bc := g.breaker.Config(name)
		if pp.Breaker.Threshold > 0 {
			bc.Threshold = pp.Breaker.Threshold
		}
		if pp.Breaker.Cooldown > 0 {
			bc.Cooldown = pp.Breaker.Cooldown
		}
		g.breaker.SetConfig(name, bc)

		g.SetPolicy(name, Policy{
			Retry: retry.Policy{
				MaxAttempts: pp.Retry.MaxAttempts,
				BaseDelay:   pp.Retry.BaseDelay,
			},
			Timeout: pp.CallTimeout,
		})

		g.idem.SetRetention(name, pp.IdempotencyRetention)

		for op, rl := range pp.RateLimits {
			if err := g.limiter.SetPolicy(name, op, ratelimit.PerInterval(rl.Capacity, rl.Per)); err != nil {
				return fmt.Errorf("rate limit %s/%s: %w", name, op, err)
			}
		}
	}
	return nil
}
