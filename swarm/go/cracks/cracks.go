// Package cracks implements crack submission: applying a cracked hash to the
// store, propagating it to duplicate items, driving task and attack
// completion, and invalidating derived caches.
package cracks

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"go.cipherswarm.org/server/go/cache"
	"go.cipherswarm.org/server/go/cserr"
	"go.cipherswarm.org/server/go/cslog"
	"go.cipherswarm.org/server/go/now"
	"go.cipherswarm.org/server/go/util"
	"go.cipherswarm.org/server/swarm/go/db"
	"go.cipherswarm.org/server/swarm/go/eta"
	"go.cipherswarm.org/server/swarm/go/statemachine"
	"go.cipherswarm.org/server/swarm/go/types"
)

var (
	cracksApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swarmserver_cracks_applied",
		Help: "Hash items newly marked cracked by agent submissions.",
	})
	cracksPropagated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swarmserver_cracks_propagated",
		Help: "Hash items cracked by propagation to sibling hash lists.",
	})
	cracksDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swarmserver_cracks_duplicate",
		Help: "Submissions of hashes that were already cracked.",
	})
)

// Result is what a crack submission produced, for the handler to translate.
type Result struct {
	// AlreadyCracked is true when the hash was cracked before this
	// submission.
	AlreadyCracked bool
	// TaskCompleted is true when this submission finished the task's hash
	// list and moved the task to completed.
	TaskCompleted bool
	// UncrackedRemaining is the hash list's uncracked count after commit.
	UncrackedRemaining int64
}

// Service applies crack submissions.
type Service struct {
	db    db.DB
	cache *cache.Cache
}

// New returns a new crack submission Service. A nil cache disables ETA
// invalidation.
func New(d db.DB, c *cache.Cache) *Service {
	return &Service{
		db:    d,
		cache: c,
	}
}

// Submit applies one cracked hash reported by the agent owning the task.
//
// The store-side procedure (item update, propagation, stale marking, count
// maintenance) commits in a single transaction; the task state advance and
// cache invalidation follow it, keyed off the committed outcome.
func (s *Service) Submit(ctx context.Context, agentID, taskID int64, hashValue, plainText string, timestamp time.Time) (Result, error) {
	if plainText == "" {
		return Result{}, cserr.NewKind(cserr.Validation, "plain_text must not be empty")
	}
	if util.TimeIsZero(timestamp) || timestamp.After(now.Now(ctx).Add(time.Minute)) {
		return Result{}, cserr.NewKind(cserr.Validation, "timestamp missing or in the future")
	}
	task, err := s.db.GetTask(ctx, taskID)
	if err != nil {
		return Result{}, err
	}
	if task.AgentID != agentID {
		return Result{}, cserr.NewKind(cserr.NotFound, "task %d is not assigned to agent %d", taskID, agentID)
	}
	attack, err := s.db.GetAttack(ctx, task.AttackID)
	if err != nil {
		return Result{}, err
	}
	campaign, err := s.db.GetCampaign(ctx, attack.CampaignID)
	if err != nil {
		return Result{}, err
	}
	hashList, err := s.db.GetHashList(ctx, campaign.HashListID)
	if err != nil {
		return Result{}, err
	}

	outcome, err := s.db.ApplyCrack(ctx, db.ApplyCrackParams{
		TaskID:     task.ID,
		AttackID:   attack.ID,
		HashListID: hashList.ID,
		HashTypeID: hashList.HashTypeID,
		HashValue:  hashValue,
		PlainText:  plainText,
		Timestamp:  timestamp,
	})
	if err != nil {
		return Result{}, err
	}
	if outcome.AlreadyCracked {
		cracksDuplicate.Inc()
		cslog.Infof("task %d: hash %s already cracked, %d uncracked remain in list %d",
			task.ID, cslog.SafeHash(hashValue), outcome.UncrackedRemaining, hashList.ID)
		return Result{AlreadyCracked: true, UncrackedRemaining: outcome.UncrackedRemaining}, nil
	}
	cracksApplied.Inc()
	cracksPropagated.Add(float64(outcome.PropagatedLists))
	cslog.Infof("task %d: cracked hash %s in list %d, propagated to %d lists, %d tasks stale, %d uncracked remain",
		task.ID, cslog.SafeHash(hashValue), hashList.ID, outcome.PropagatedLists, outcome.StaleTasks, outcome.UncrackedRemaining)

	completed, err := s.advanceTask(ctx, task.ID, outcome.UncrackedRemaining == 0)
	if err != nil {
		return Result{}, err
	}
	if completed {
		if err := s.completeAttack(ctx, attack.ID, campaign.ID); err != nil {
			return Result{}, err
		}
	}

	// Derived data (ETAs) for the touched campaign is now wrong; drop it.
	// Cache loss is recoverable, so a failure here does not fail the
	// submission.
	if s.cache != nil {
		if err := s.cache.InvalidateTag(ctx, eta.CampaignTag(campaign.ID)); err != nil {
			cslog.Warningf("failed to invalidate cache for campaign %d: %s", campaign.ID, err)
		}
	}

	return Result{TaskCompleted: completed, UncrackedRemaining: outcome.UncrackedRemaining}, nil
}

// advanceTask applies accept_crack and, when the hash list is finished,
// complete. Returns true when the task reached completed.
func (s *Service) advanceTask(ctx context.Context, taskID int64, listDone bool) (bool, error) {
	completed := false
	var audit *types.TransitionAudit
	_, err := s.db.UpdateTask(ctx, taskID, func(t types.Task) (types.Task, error) {
		next, _, err := statemachine.ApplyTask(t.State, statemachine.TaskEventAcceptCrack)
		if err != nil {
			return types.Task{}, err
		}
		t.State = next
		t.ActivityTimestamp = now.Now(ctx)
		if listDone {
			done, changed, err := statemachine.ApplyTask(t.State, statemachine.TaskEventComplete)
			if err != nil {
				return types.Task{}, err
			}
			if changed {
				a := statemachine.Audit(ctx, "task", t.ID, string(t.State), string(done), statemachine.TaskEventComplete)
				audit = &a
			}
			t.State = done
			completed = t.State == types.TaskStateCompleted
		}
		return t, nil
	})
	if err != nil {
		return false, err
	}
	if audit != nil {
		if err := s.db.RecordTransition(ctx, *audit); err != nil {
			return false, err
		}
	}
	return completed, nil
}

// completeAttack moves the attack to completed and, when it was the
// campaign's last live attack, completes the campaign too.
func (s *Service) completeAttack(ctx context.Context, attackID, campaignID int64) error {
	var attackAudit *types.TransitionAudit
	if _, err := s.db.UpdateAttack(ctx, attackID, func(a types.Attack) (types.Attack, error) {
		next, changed, err := statemachine.ApplyAttack(a.State, statemachine.AttackEventComplete)
		if err != nil {
			return types.Attack{}, err
		}
		if changed {
			audit := statemachine.Audit(ctx, "attack", a.ID, string(a.State), string(next), statemachine.AttackEventComplete)
			attackAudit = &audit
		}
		a.State = next
		return a, nil
	}); err != nil {
		return err
	}
	if attackAudit != nil {
		if err := s.db.RecordTransition(ctx, *attackAudit); err != nil {
			return err
		}
	}

	attacks, err := s.db.ListAttacksForCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	for _, a := range attacks {
		if !a.State.Done() {
			return nil
		}
	}
	var campaignAudit *types.TransitionAudit
	if _, err := s.db.UpdateCampaign(ctx, campaignID, func(c types.Campaign) (types.Campaign, error) {
		next, changed, err := statemachine.ApplyCampaign(c.State, statemachine.CampaignEventComplete)
		if err != nil {
			return types.Campaign{}, err
		}
		if changed {
			audit := statemachine.Audit(ctx, "campaign", c.ID, string(c.State), string(next), statemachine.CampaignEventComplete)
			campaignAudit = &audit
		}
		c.State = next
		return c, nil
	}); err != nil {
		return err
	}
	if campaignAudit != nil {
		if err := s.db.RecordTransition(ctx, *campaignAudit); err != nil {
			return err
		}
	}
	return nil
}
