package scheduling

import (
	"context"

	"go.cipherswarm.org/server/go/cserr"
	"go.cipherswarm.org/server/go/cslog"
	"go.cipherswarm.org/server/swarm/go/db"
	"go.cipherswarm.org/server/swarm/go/types"
)

// Preempt frees capacity for the requesting attack by returning at most one
// lower priority running task to pending. It never crosses projects and
// never cascades. Returns true when a task was preempted.
func (s *Service) Preempt(ctx context.Context, requesting db.CandidateAttack) (bool, error) {
	if requesting.Campaign.Priority <= types.PriorityDeferred {
		return false, nil
	}

	// Only preempt when capacity is actually exhausted.
	activeAgents, err := s.db.CountActiveAgents(ctx)
	if err != nil {
		return false, err
	}
	runningTasks, err := s.db.CountRunningTasks(ctx)
	if err != nil {
		return false, err
	}
	if activeAgents > runningTasks {
		return false, nil
	}

	candidates, err := s.db.ListPreemptionCandidates(ctx, requesting.Campaign.ProjectID, requesting.Campaign.Priority)
	if err != nil {
		return false, err
	}
	chosen, found := s.choosePreemptable(candidates)
	if !found {
		return false, nil
	}

	// The update only succeeds while the task is still running; a concurrent
	// completion wins and leaves the system unchanged.
	preempted, err := s.db.ForceSetPendingForPreemption(ctx, chosen.Task.ID)
	if err != nil {
		if cserr.IsKind(err, cserr.Conflict) {
			cslog.Infof("preemption of task %d lost to a concurrent transition", chosen.Task.ID)
			return false, nil
		}
		return false, err
	}
	preemptions.Inc()
	cslog.Infof("preempted task %d (priority %d, %.1f%% complete, preemption_count now %d) for attack %d (priority %d)",
		preempted.ID, chosen.Priority, chosen.Task.ProgressPercentage(), preempted.PreemptionCount,
		requesting.Attack.ID, requesting.Campaign.Priority)
	return true, nil
}

// choosePreemptable picks the candidate with the lowest campaign priority,
// breaking ties on least progress. Tasks past the progress threshold or the
// starvation cap are not preemptable.
func (s *Service) choosePreemptable(candidates []db.PreemptionCandidate) (db.PreemptionCandidate, bool) {
	var chosen db.PreemptionCandidate
	found := false
	for _, c := range candidates {
		if c.Task.ProgressPercentage() >= s.cfg.PreemptMaxProgress {
			continue
		}
		if c.Task.PreemptionCount >= s.cfg.PreemptMaxCount {
			continue
		}
		if !found ||
			c.Priority < chosen.Priority ||
			(c.Priority == chosen.Priority && c.Task.ProgressPercentage() < chosen.Task.ProgressPercentage()) {
			chosen = c
			found = true
		}
	}
	return chosen, found
}
