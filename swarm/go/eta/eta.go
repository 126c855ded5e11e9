// Package eta produces completion estimates per campaign, cached so the
// read side never recomputes an estimate whose inputs are unchanged.
package eta

import (
	"context"
	"fmt"
	"time"

	"go.cipherswarm.org/server/go/cache"
	"go.cipherswarm.org/server/go/cslog"
	"go.cipherswarm.org/server/go/now"
	"go.cipherswarm.org/server/go/util"
	"go.cipherswarm.org/server/swarm/go/db"
	"go.cipherswarm.org/server/swarm/go/types"
)

// cacheTTL is an upper bound only; the cache key embeds the campaign's
// update timestamps so any progress change invalidates naturally.
const cacheTTL = 10 * time.Minute

// Estimate is the pair of completion times computed per campaign.
type Estimate struct {
	// CurrentETA is the latest estimated finish over all running tasks whose
	// attack is running. Zero when nothing is running.
	CurrentETA time.Time `json:"current_eta"`
	// TotalETA extends CurrentETA by the estimated runtime of the pending
	// and paused attacks at fleet-best benchmark speed.
	TotalETA time.Time `json:"total_eta"`
}

// CampaignTag is the cache tag under which all derived data of a campaign is
// registered. Invalidating it drops every cached estimate for the campaign.
func CampaignTag(campaignID int64) string {
	return fmt.Sprintf("campaign:%d", campaignID)
}

// Calculator computes and caches per-campaign estimates.
type Calculator struct {
	db    db.DB
	cache *cache.Cache
}

// New returns a new Calculator. A nil cache disables caching; every call
// recomputes.
func New(d db.DB, c *cache.Cache) *Calculator {
	return &Calculator{
		db:    d,
		cache: c,
	}
}

// ForCampaign returns the campaign's completion estimate, from cache when the
// campaign's attacks and tasks are unchanged since the estimate was written.
func (c *Calculator) ForCampaign(ctx context.Context, campaignID int64) (Estimate, error) {
	attacksMax, tasksMax, err := c.db.CampaignFreshness(ctx, campaignID)
	if err != nil {
		return Estimate{}, err
	}
	key := fmt.Sprintf("eta:%d:%d:%d", campaignID, attacksMax.UnixNano(), tasksMax.UnixNano())

	if c.cache != nil {
		var cached Estimate
		hit, err := c.cache.GetJSON(ctx, key, &cached)
		if err != nil {
			// The store can always recompute; cache loss is not fatal.
			cslog.Warningf("eta cache read for campaign %d failed: %s", campaignID, err)
		} else if hit {
			return cached, nil
		}
	}

	estimate, err := c.compute(ctx, campaignID)
	if err != nil {
		return Estimate{}, err
	}
	if c.cache != nil {
		if err := c.cache.SetJSON(ctx, key, estimate, cacheTTL, CampaignTag(campaignID)); err != nil {
			cslog.Warningf("eta cache write for campaign %d failed: %s", campaignID, err)
		}
	}
	return estimate, nil
}

func (c *Calculator) compute(ctx context.Context, campaignID int64) (Estimate, error) {
	attacks, err := c.db.ListAttacksForCampaign(ctx, campaignID)
	if err != nil {
		return Estimate{}, err
	}

	var current time.Time
	var remainingSeconds float64
	for _, attack := range attacks {
		switch attack.State {
		case types.AttackStateRunning:
			finish, err := c.latestFinish(ctx, attack.ID)
			if err != nil {
				return Estimate{}, err
			}
			if finish.After(current) {
				current = finish
			}
		case types.AttackStatePending, types.AttackStatePaused:
			seconds, err := c.estimatedRuntime(ctx, attack)
			if err != nil {
				return Estimate{}, err
			}
			remainingSeconds += seconds
		}
	}

	// With no running work, the queued attacks anchor on now.
	anchor := current
	if util.TimeIsZero(anchor) {
		anchor = now.Now(ctx)
	}
	total := anchor.Add(time.Duration(remainingSeconds * float64(time.Second)))
	if remainingSeconds == 0 {
		total = current
	}
	return Estimate{CurrentETA: current, TotalETA: total}, nil
}

// latestFinish returns the latest estimated stop reported by the attack's
// running tasks.
func (c *Calculator) latestFinish(ctx context.Context, attackID int64) (time.Time, error) {
	tasks, err := c.db.ListTasksForAttack(ctx, attackID)
	if err != nil {
		return time.Time{}, err
	}
	var latest time.Time
	for _, t := range tasks {
		if t.State != types.TaskStateRunning {
			continue
		}
		status, found, err := c.db.LatestStatusForTask(ctx, t.ID)
		if err != nil {
			return time.Time{}, err
		}
		if found && status.EstimatedStop.After(latest) {
			latest = status.EstimatedStop
		}
	}
	return latest, nil
}

// estimatedRuntime is the attack's keyspace divided by the best benchmark
// speed any agent has recorded for its hash mode. Unbenchmarkable attacks
// contribute nothing.
func (c *Calculator) estimatedRuntime(ctx context.Context, attack types.Attack) (float64, error) {
	speed, found, err := c.db.FastestBenchmarkSpeed(ctx, attack.HashMode)
	if err != nil {
		return 0, err
	}
	if !found || speed <= 0 {
		return 0, nil
	}
	return float64(attack.ComplexityValue) / speed, nil
}
