// Package taskstatus ingests status snapshots from agents: validation,
// activity bookkeeping, task state advancement and the response
// classification the agent acts on.
package taskstatus

import (
	"context"

	"go.cipherswarm.org/server/go/cserr"
	"go.cipherswarm.org/server/go/now"
	"go.cipherswarm.org/server/swarm/go/db"
	"go.cipherswarm.org/server/swarm/go/statemachine"
	"go.cipherswarm.org/server/swarm/go/types"
)

// Classification tells the agent how to proceed after a status submission.
type Classification string

const (
	// ClassOk means continue working.
	ClassOk Classification = "ok"
	// ClassStale means the task's assumptions changed; the agent should
	// fetch zaps and continue.
	ClassStale Classification = "stale"
	// ClassPaused means the attack is paused; the agent should back off.
	ClassPaused Classification = "paused"
)

// Service ingests status snapshots.
type Service struct {
	db db.DB
}

// New returns a new status Service.
func New(d db.DB) *Service {
	return &Service{
		db: d,
	}
}

// Submit records one status snapshot for a task owned by the agent. The
// returned classification drives the HTTP status the agent sees.
func (s *Service) Submit(ctx context.Context, agentID, taskID int64, guess *types.HashcatGuess, snapshot types.HashcatStatus) (Classification, error) {
	if guess == nil {
		return "", cserr.NewKind(cserr.Validation, "hashcat_guess missing from status")
	}
	if len(snapshot.DeviceStatuses) == 0 {
		return "", cserr.NewKind(cserr.Validation, "device_statuses missing from status")
	}
	task, err := s.db.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	if task.AgentID != agentID {
		return "", cserr.NewKind(cserr.NotFound, "task %d is not assigned to agent %d", taskID, agentID)
	}

	attack, err := s.db.GetAttack(ctx, task.AttackID)
	if err != nil {
		return "", err
	}
	if attack.State == types.AttackStatePaused {
		return ClassPaused, nil
	}
	campaign, err := s.db.GetCampaign(ctx, attack.CampaignID)
	if err != nil {
		return "", err
	}
	if campaign.State == types.CampaignStatePaused {
		return ClassPaused, nil
	}

	var audit *types.TransitionAudit
	updated, err := s.db.UpdateTask(ctx, taskID, func(t types.Task) (types.Task, error) {
		next, changed, err := statemachine.ApplyTask(t.State, statemachine.TaskEventAcceptStatus)
		if err != nil {
			return types.Task{}, err
		}
		if changed {
			a := statemachine.Audit(ctx, "task", t.ID, string(t.State), string(next), statemachine.TaskEventAcceptStatus)
			audit = &a
		}
		t.State = next
		t.ActivityTimestamp = now.Now(ctx)
		t.ProgressDone = snapshot.Progress[0]
		t.ProgressTotal = snapshot.Progress[1]
		return t, nil
	})
	if err != nil {
		return "", err
	}
	if audit != nil {
		if err := s.db.RecordTransition(ctx, *audit); err != nil {
			return "", err
		}
	}

	snapshot.TaskID = taskID
	snapshot.Guess = *guess
	if _, err := s.db.SaveStatus(ctx, snapshot); err != nil {
		return "", err
	}

	if updated.Stale {
		return ClassStale, nil
	}
	return ClassOk, nil
}
