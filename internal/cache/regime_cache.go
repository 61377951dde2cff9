package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"regime-governor/internal/governor"
	"regime-governor/internal/playbook"
	"regime-governor/internal/regime"
)

// RegimeCache mirrors the governor's live state and playbook match results
// into Redis so API reads don't contend with the tick pipeline. Implements
// governor.CacheWriter.
type RegimeCache struct {
	svc        *CacheService
	regimeTTL  time.Duration
	matchesTTL time.Duration
}

// NewRegimeCache wraps a cache service with regime-specific keys
func NewRegimeCache(svc *CacheService, ttl time.Duration) *RegimeCache {
	if ttl <= 0 {
		ttl = DefaultRegimeTTL
	}
	return &RegimeCache{
		svc:        svc,
		regimeTTL:  ttl,
		matchesTTL: DefaultMatchesTTL,
	}
}

// SetCurrentRegime stores the latest pipeline state
func (c *RegimeCache) SetCurrentRegime(ctx context.Context, state governor.State) error {
	return c.svc.SetJSON(ctx, KeyCurrentRegime, state, c.regimeTTL)
}

// GetCurrentRegime returns the cached pipeline state. A cache miss returns
// (nil, nil); callers fall back to the governor.
func (c *RegimeCache) GetCurrentRegime(ctx context.Context) (*governor.State, error) {
	var state governor.State
	err := c.svc.GetJSON(ctx, KeyCurrentRegime, &state)
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// SetMatches caches ranked playbook matches for one regime label
func (c *RegimeCache) SetMatches(ctx context.Context, label regime.Label, matches []playbook.Match) error {
	key := fmt.Sprintf(PrefixMatches, string(label))
	return c.svc.SetJSON(ctx, key, matches, c.matchesTTL)
}

// GetMatches returns cached matches for one label; (nil, nil) on miss
func (c *RegimeCache) GetMatches(ctx context.Context, label regime.Label) ([]playbook.Match, error) {
	key := fmt.Sprintf(PrefixMatches, string(label))
	var matches []playbook.Match
	err := c.svc.GetJSON(ctx, key, &matches)
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return matches, nil
}

// InvalidateRegime drops the current state and all match entries. Called
// when an interval closes so stale matches don't outlive their regime.
func (c *RegimeCache) InvalidateRegime(ctx context.Context) error {
	if err := c.svc.Delete(ctx, KeyCurrentRegime); err != nil {
		return err
	}
	return c.svc.DeletePattern(ctx, "regime:*:matches")
}
