// Package scheduling implements task assignment: choosing or creating the
// next task for a requesting agent, and preemption of lower priority work
// when capacity is exhausted.
package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	gocache "github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"go.cipherswarm.org/server/go/cserr"
	"go.cipherswarm.org/server/go/cslog"
	"go.cipherswarm.org/server/go/now"
	"go.cipherswarm.org/server/swarm/go/config"
	"go.cipherswarm.org/server/swarm/go/db"
	"go.cipherswarm.org/server/swarm/go/statemachine"
	"go.cipherswarm.org/server/swarm/go/types"
)

const (
	// allowedHashTypesTTL bounds how stale the per-agent eligibility set may
	// get between benchmark submissions.
	allowedHashTypesTTL = time.Hour

	// claimRetries is how often a losing claimant retries the whole
	// assignment algorithm before giving up for this request.
	claimRetries = 3
)

var (
	tasksAssigned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swarmserver_tasks_assigned",
		Help: "Tasks handed out to agents, new and reissued.",
	})
	tasksCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swarmserver_tasks_created",
		Help: "New tasks created during assignment.",
	})
	preemptions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swarmserver_preemptions",
		Help: "Running tasks returned to pending to free capacity.",
	})
)

// Service implements the assignment algorithm over the store.
type Service struct {
	db      db.DB
	cfg     config.Config
	allowed *gocache.Cache
}

// New returns a new assignment Service.
func New(d db.DB, cfg config.Config) *Service {
	return &Service{
		db:      d,
		cfg:     cfg,
		allowed: gocache.New(allowedHashTypesTTL, 10*time.Minute),
	}
}

func allowedKey(agentID int64) string {
	return fmt.Sprintf("%d", agentID)
}

// AllowedHashTypes returns the hash types the agent has benchmarks for,
// cached per agent.
func (s *Service) AllowedHashTypes(ctx context.Context, agentID int64) ([]int, error) {
	if cached, ok := s.allowed.Get(allowedKey(agentID)); ok {
		return cached.([]int), nil
	}
	hashTypes, err := s.db.AllowedHashTypes(ctx, agentID)
	if err != nil {
		return nil, err
	}
	s.allowed.SetDefault(allowedKey(agentID), hashTypes)
	return hashTypes, nil
}

// InvalidateAllowedHashTypes drops the cached eligibility set for an agent.
// Called whenever the agent's benchmark set is replaced.
func (s *Service) InvalidateAllowedHashTypes(agentID int64) {
	s.allowed.Delete(allowedKey(agentID))
}

// NextTask returns the task the agent should work on next. ok is false when
// no work is available (the handler answers no-content).
func (s *Service) NextTask(ctx context.Context, agent types.Agent) (types.Task, bool, error) {
	var task types.Task
	var found bool
	// Two agents may contend for the same pending task; the claim is a
	// compare-and-swap and the loser retries the whole algorithm.
	attempt := func() error {
		var err error
		task, found, err = s.nextTask(ctx, agent)
		if cserr.IsKind(err, cserr.Conflict) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), claimRetries), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		if cserr.IsKind(err, cserr.Conflict) {
			// Out of retries. The agent will ask again.
			cslog.Infof("agent %d: assignment lost claim races, returning no-content", agent.ID)
			return types.Task{}, false, nil
		}
		return types.Task{}, false, err
	}
	if found {
		tasksAssigned.Inc()
	}
	return task, found, nil
}

// nextTask is one pass of the priority ordered algorithm.
func (s *Service) nextTask(ctx context.Context, agent types.Agent) (types.Task, bool, error) {
	if len(agent.ProjectIDs) == 0 {
		return types.Task{}, false, nil
	}

	// An incomplete task already assigned to this agent wins, unless a fatal
	// error was logged against it, its hash list is done, or it was
	// invalidated (stale pending tasks wait until nothing better exists).
	existing, err := s.db.ListTasksForAgent(ctx, agent.ID)
	if err != nil {
		return types.Task{}, false, err
	}
	for _, t := range existing {
		if t.Stale || (t.State != types.TaskStatePending && t.State != types.TaskStateRunning) {
			continue
		}
		usable, err := s.taskStillUsable(ctx, t)
		if err != nil {
			return types.Task{}, false, err
		}
		if usable {
			return t, true, nil
		}
	}

	hashTypes, err := s.AllowedHashTypes(ctx, agent.ID)
	if err != nil {
		return types.Task{}, false, err
	}
	if len(hashTypes) == 0 {
		return types.Task{}, false, nil
	}
	candidates, err := s.db.ListCandidateAttacks(ctx, agent.ProjectIDs, hashTypes)
	if err != nil {
		return types.Task{}, false, err
	}

	task, found, err := s.taskFromCandidates(ctx, agent, candidates)
	if err != nil || found {
		return task, found, err
	}

	// Nothing claimable. Try to free capacity for the best non-deferred
	// candidate, then re-evaluate the candidates once.
	for _, cand := range candidates {
		if cand.Campaign.Priority <= types.PriorityDeferred {
			continue
		}
		preempted, err := s.Preempt(ctx, cand)
		if err != nil {
			cslog.Warningf("preemption for attack %d failed: %s", cand.Attack.ID, err)
			continue
		}
		if preempted {
			return s.taskFromCandidates(ctx, agent, candidates)
		}
	}
	return types.Task{}, false, nil
}

// taskStillUsable reports whether a task already assigned to an agent should
// be handed back to it.
func (s *Service) taskStillUsable(ctx context.Context, t types.Task) (bool, error) {
	fatal, err := s.db.TaskHasFatalError(ctx, t.ID)
	if err != nil {
		return false, err
	}
	if fatal {
		return false, nil
	}
	attack, err := s.db.GetAttack(ctx, t.AttackID)
	if err != nil {
		return false, err
	}
	campaign, err := s.db.GetCampaign(ctx, attack.CampaignID)
	if err != nil {
		return false, err
	}
	hashList, err := s.db.GetHashList(ctx, campaign.HashListID)
	if err != nil {
		return false, err
	}
	return hashList.UncrackedCount > 0, nil
}

// taskFromCandidates walks the ordered candidate attacks and returns the
// first task this agent can work on.
func (s *Service) taskFromCandidates(ctx context.Context, agent types.Agent, candidates []db.CandidateAttack) (types.Task, bool, error) {
	for _, cand := range candidates {
		task, found, err := s.taskForAttack(ctx, agent, cand)
		if err != nil || found {
			return task, found, err
		}
	}
	return types.Task{}, false, nil
}

func (s *Service) taskForAttack(ctx context.Context, agent types.Agent, cand db.CandidateAttack) (types.Task, bool, error) {
	tasks, err := s.db.ListTasksForAttack(ctx, cand.Attack.ID)
	if err != nil {
		return types.Task{}, false, err
	}

	// A failed task of this agent with no fatal error is retried.
	for _, t := range tasks {
		if t.State != types.TaskStateFailed || t.AgentID != agent.ID {
			continue
		}
		fatal, err := s.db.TaskHasFatalError(ctx, t.ID)
		if err != nil {
			return types.Task{}, false, err
		}
		if fatal {
			continue
		}
		if _, err := s.db.ClaimTask(ctx, t.ID, agent.ID, types.TaskStateFailed); err != nil {
			return types.Task{}, false, err
		}
		retried, err := s.db.UpdateTask(ctx, t.ID, func(task types.Task) (types.Task, error) {
			task.State = types.TaskStatePending
			task.Stale = false
			return task, nil
		})
		if err != nil {
			return types.Task{}, false, err
		}
		cslog.Infof("agent %d: retrying failed task %d on attack %d", agent.ID, t.ID, cand.Attack.ID)
		return retried, true, nil
	}

	// A pending task of this agent is handed back.
	hasPending := false
	for _, t := range tasks {
		if t.State != types.TaskStatePending {
			continue
		}
		hasPending = true
		if t.AgentID != agent.ID {
			continue
		}
		claimed, err := s.db.ClaimTask(ctx, t.ID, agent.ID, types.TaskStatePending)
		if err != nil {
			return types.Task{}, false, err
		}
		return claimed, true, nil
	}
	if hasPending {
		// Pending work exists but belongs to other agents; don't pile a
		// fresh task onto this attack.
		return types.Task{}, false, nil
	}

	// No pending task: create one if the agent is fast enough for this mode.
	eligible, err := s.meetsThreshold(ctx, agent.ID, cand.Attack.HashMode)
	if err != nil {
		return types.Task{}, false, err
	}
	if !eligible {
		if _, err := s.db.CreateAgentError(ctx, types.AgentError{
			AgentID:  agent.ID,
			Message:  fmt.Sprintf("benchmark below threshold for hash mode %d, skipping attack %d", cand.Attack.HashMode, cand.Attack.ID),
			Severity: types.SeverityInfo,
		}); err != nil {
			return types.Task{}, false, err
		}
		return types.Task{}, false, nil
	}
	created, err := s.db.CreateTask(ctx, types.Task{
		AttackID:  cand.Attack.ID,
		AgentID:   agent.ID,
		State:     types.TaskStatePending,
		StartDate: now.Now(ctx),
	})
	if err != nil {
		return types.Task{}, false, err
	}
	tasksCreated.Inc()
	cslog.Infof("agent %d: created task %d on attack %d (campaign %d, priority %d)",
		agent.ID, created.ID, cand.Attack.ID, cand.Campaign.ID, cand.Campaign.Priority)
	return created, true, nil
}

// meetsThreshold reports whether the agent's fastest benchmark for the hash
// mode exists and clears the configured minimum speed.
func (s *Service) meetsThreshold(ctx context.Context, agentID int64, hashMode int) (bool, error) {
	best, found, err := s.db.FastestBenchmark(ctx, agentID, hashMode)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	return best.HashSpeed >= s.cfg.MinSpeedFor(hashMode), nil
}

// AcceptTask drives the accept event for a task owned by the agent and
// idempotently moves its attack to running.
func (s *Service) AcceptTask(ctx context.Context, agentID, taskID int64) (types.Task, error) {
	task, err := s.db.GetTask(ctx, taskID)
	if err != nil {
		return types.Task{}, err
	}
	if task.AgentID != agentID {
		return types.Task{}, cserr.NewKind(cserr.NotFound, "task %d is not assigned to agent %d", taskID, agentID)
	}
	var taskAudit, attackAudit *types.TransitionAudit
	updated, err := s.db.UpdateTask(ctx, taskID, func(t types.Task) (types.Task, error) {
		next, changed, err := statemachine.ApplyTask(t.State, statemachine.TaskEventAccept)
		if err != nil {
			return types.Task{}, err
		}
		if changed {
			audit := statemachine.Audit(ctx, "task", t.ID, string(t.State), string(next), statemachine.TaskEventAccept)
			taskAudit = &audit
		}
		t.State = next
		t.ActivityTimestamp = now.Now(ctx)
		return t, nil
	})
	if err != nil {
		return types.Task{}, err
	}
	if _, err := s.db.UpdateAttack(ctx, task.AttackID, func(a types.Attack) (types.Attack, error) {
		next, changed, err := statemachine.ApplyAttack(a.State, statemachine.AttackEventRun)
		if err != nil {
			return types.Attack{}, err
		}
		if changed {
			audit := statemachine.Audit(ctx, "attack", a.ID, string(a.State), string(next), statemachine.AttackEventRun)
			attackAudit = &audit
		}
		a.State = next
		return a, nil
	}); err != nil {
		return types.Task{}, err
	}
	for _, audit := range []*types.TransitionAudit{taskAudit, attackAudit} {
		if audit == nil {
			continue
		}
		if err := s.db.RecordTransition(ctx, *audit); err != nil {
			return types.Task{}, err
		}
	}
	return updated, nil
}
