package cdb

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"

	"go.cipherswarm.org/server/go/cserr"
	"go.cipherswarm.org/server/go/now"
	"go.cipherswarm.org/server/swarm/go/db"
	"go.cipherswarm.org/server/swarm/go/types"
)

const taskColumns = `id, attack_id, agent_id, state, stale, activity_timestamp, start_date, preemption_count, progress_done, progress_total, created_at, updated_at`

func scanTask(r row) (types.Task, error) {
	var t types.Task
	if err := r.Scan(&t.ID, &t.AttackID, &t.AgentID, &t.State, &t.Stale, &t.ActivityTimestamp, &t.StartDate, &t.PreemptionCount, &t.ProgressDone, &t.ProgressTotal, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return types.Task{}, err
	}
	return t, nil
}

// CreateTask implements db.TaskDB.
func (s *Store) CreateTask(ctx context.Context, task types.Task) (types.Task, error) {
	if task.State == "" {
		task.State = types.TaskStatePending
	}
	ts := normalize(now.Now(ctx))
	task.CreatedAt = ts
	task.UpdatedAt = ts
	err := s.db.QueryRow(ctx, `
INSERT INTO Tasks (attack_id, agent_id, state, stale, activity_timestamp, start_date, preemption_count, progress_done, progress_total, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
RETURNING id`,
		task.AttackID, task.AgentID, task.State, task.Stale, normalize(task.ActivityTimestamp),
		normalize(task.StartDate), task.PreemptionCount, task.ProgressDone, task.ProgressTotal,
		ts, ts).Scan(&task.ID)
	if err != nil {
		return types.Task{}, wrappedError(err)
	}
	return task, nil
}

// GetTask implements db.TaskDB.
func (s *Store) GetTask(ctx context.Context, id int64) (types.Task, error) {
	task, err := scanTask(s.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM Tasks WHERE id = $1`, id))
	if err != nil {
		return types.Task{}, wrappedError(err)
	}
	return task, nil
}

// UpdateTask implements db.TaskDB.
func (s *Store) UpdateTask(ctx context.Context, id int64, cb db.UpdateTaskCallback) (types.Task, error) {
	var ret types.Task
	err := s.db.BeginFunc(ctx, func(tx pgx.Tx) error {
		task, err := scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM Tasks WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return wrappedError(err)
		}
		updated, err := cb(task)
		if err != nil {
			return err
		}
		updated.ID = id
		updated.UpdatedAt = normalize(now.Now(ctx))
		if _, err := tx.Exec(ctx, `
UPDATE Tasks SET attack_id = $1, agent_id = $2, state = $3, stale = $4, activity_timestamp = $5, start_date = $6, preemption_count = $7, progress_done = $8, progress_total = $9, updated_at = $10
WHERE id = $11`,
			updated.AttackID, updated.AgentID, updated.State, updated.Stale,
			normalize(updated.ActivityTimestamp), normalize(updated.StartDate),
			updated.PreemptionCount, updated.ProgressDone, updated.ProgressTotal,
			updated.UpdatedAt, id); err != nil {
			return wrappedError(err)
		}
		ret = updated
		return nil
	})
	if err != nil {
		return types.Task{}, err
	}
	return ret, nil
}

// DeleteTask implements db.TaskDB.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM Tasks WHERE id = $1`, id); err != nil {
		return wrappedError(err)
	}
	return nil
}

// ClaimTask implements db.TaskDB. The claim is a compare-and-swap: it only
// succeeds if the task is still in the expected state and unowned or owned by
// the claiming agent.
func (s *Store) ClaimTask(ctx context.Context, taskID, agentID int64, expectState types.TaskState) (types.Task, error) {
	task, err := scanTask(s.db.QueryRow(ctx, `
UPDATE Tasks SET agent_id = $2, updated_at = $3
WHERE id = $1 AND state = $4 AND (agent_id = 0 OR agent_id = $2)
RETURNING `+taskColumns, taskID, agentID, normalize(now.Now(ctx)), expectState))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Task{}, cserr.Wrapf(db.ErrConflict, "task %d claim", taskID)
		}
		return types.Task{}, wrappedError(err)
	}
	return task, nil
}

// ForceSetPendingForPreemption implements db.TaskDB. It deliberately bypasses
// the state machine: no callbacks run, and the update only succeeds while the
// task is still running, so a concurrent completion wins over the preemption.
func (s *Store) ForceSetPendingForPreemption(ctx context.Context, taskID int64) (types.Task, error) {
	task, err := scanTask(s.db.QueryRow(ctx, `
UPDATE Tasks SET state = $2, stale = TRUE, preemption_count = preemption_count + 1, updated_at = $3
WHERE id = $1 AND state = $4
RETURNING `+taskColumns, taskID, types.TaskStatePending, normalize(now.Now(ctx)), types.TaskStateRunning))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Task{}, cserr.Wrapf(db.ErrConflict, "task %d no longer running", taskID)
		}
		return types.Task{}, wrappedError(err)
	}
	return task, nil
}

// ClearStale implements db.TaskDB.
func (s *Store) ClearStale(ctx context.Context, taskID int64) error {
	tag, err := s.db.Exec(ctx, `UPDATE Tasks SET stale = FALSE, updated_at = $2 WHERE id = $1`, taskID, normalize(now.Now(ctx)))
	if err != nil {
		return wrappedError(err)
	}
	if tag.RowsAffected() == 0 {
		return cserr.Wrapf(db.ErrNotFound, "task %d", taskID)
	}
	return nil
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...interface{}) ([]types.Task, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, wrappedError(err)
	}
	defer rows.Close()
	var ret []types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, wrappedError(err)
		}
		ret = append(ret, task)
	}
	return ret, wrappedError(rows.Err())
}

// ListTasksForAgent implements db.TaskDB.
func (s *Store) ListTasksForAgent(ctx context.Context, agentID int64) ([]types.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM Tasks WHERE agent_id = $1 ORDER BY id`, agentID)
}

// ListTasksForAttack implements db.TaskDB.
func (s *Store) ListTasksForAttack(ctx context.Context, attackID int64) ([]types.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM Tasks WHERE attack_id = $1 ORDER BY id`, attackID)
}

// CountRunningTasks implements db.TaskDB.
func (s *Store) CountRunningTasks(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM Tasks WHERE state = $1`, types.TaskStateRunning).Scan(&n); err != nil {
		return 0, wrappedError(err)
	}
	return n, nil
}

// CountRunningTasksForAttack implements db.TaskDB.
func (s *Store) CountRunningTasksForAttack(ctx context.Context, attackID int64) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM Tasks WHERE attack_id = $1 AND state = $2`, attackID, types.TaskStateRunning).Scan(&n); err != nil {
		return 0, wrappedError(err)
	}
	return n, nil
}

// ListRunningTasksInactiveSince implements db.TaskDB.
func (s *Store) ListRunningTasksInactiveSince(ctx context.Context, cutoff time.Time) ([]types.Task, error) {
	return s.queryTasks(ctx, `
SELECT `+taskColumns+` FROM Tasks
WHERE state = $1 AND activity_timestamp < $2 AND activity_timestamp > $3
ORDER BY id`, types.TaskStateRunning, normalize(cutoff), normalize(time.Time{}))
}

// ListPreemptionCandidates implements db.TaskDB.
func (s *Store) ListPreemptionCandidates(ctx context.Context, projectID int64, below types.CampaignPriority) ([]db.PreemptionCandidate, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+prefixColumns("t", taskColumns)+`, c.priority
FROM Tasks AS t
JOIN Attacks AS a ON t.attack_id = a.id
JOIN Campaigns AS c ON a.campaign_id = c.id
WHERE t.state = $1 AND c.project_id = $2 AND c.priority < $3
ORDER BY t.id`, types.TaskStateRunning, projectID, int(below))
	if err != nil {
		return nil, wrappedError(err)
	}
	defer rows.Close()
	var ret []db.PreemptionCandidate
	for rows.Next() {
		var c db.PreemptionCandidate
		var priority int
		t := &c.Task
		if err := rows.Scan(&t.ID, &t.AttackID, &t.AgentID, &t.State, &t.Stale, &t.ActivityTimestamp, &t.StartDate, &t.PreemptionCount, &t.ProgressDone, &t.ProgressTotal, &t.CreatedAt, &t.UpdatedAt, &priority); err != nil {
			return nil, wrappedError(err)
		}
		c.Priority = types.CampaignPriority(priority)
		ret = append(ret, c)
	}
	return ret, wrappedError(rows.Err())
}
