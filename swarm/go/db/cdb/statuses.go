package cdb

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"

	"go.cipherswarm.org/server/go/now"
	"go.cipherswarm.org/server/swarm/go/types"
)

const statusColumns = `id, task_id, original_line, session, time_start, status, target, progress_done, progress_total, restore_point, rejected_count, estimated_stop, guess, device_statuses, created_at`

func scanStatus(r row) (types.HashcatStatus, error) {
	var st types.HashcatStatus
	var guess, devices []byte
	if err := r.Scan(&st.ID, &st.TaskID, &st.OriginalLine, &st.Session, &st.TimeStart, &st.Status, &st.Target, &st.Progress[0], &st.Progress[1], &st.RestorePoint, &st.RejectedCount, &st.EstimatedStop, &guess, &devices, &st.CreatedAt); err != nil {
		return types.HashcatStatus{}, err
	}
	if err := json.Unmarshal(guess, &st.Guess); err != nil {
		return types.HashcatStatus{}, err
	}
	if err := json.Unmarshal(devices, &st.DeviceStatuses); err != nil {
		return types.HashcatStatus{}, err
	}
	return st, nil
}

// SaveStatus implements db.StatusDB.
func (s *Store) SaveStatus(ctx context.Context, status types.HashcatStatus) (types.HashcatStatus, error) {
	guess, err := json.Marshal(status.Guess)
	if err != nil {
		return types.HashcatStatus{}, wrappedError(err)
	}
	devices := status.DeviceStatuses
	if devices == nil {
		devices = []types.DeviceStatus{}
	}
	deviceJSON, err := json.Marshal(devices)
	if err != nil {
		return types.HashcatStatus{}, wrappedError(err)
	}
	status.CreatedAt = normalize(now.Now(ctx))
	err = s.db.QueryRow(ctx, `
INSERT INTO Statuses (task_id, original_line, session, time_start, status, target, progress_done, progress_total, restore_point, rejected_count, estimated_stop, guess, device_statuses, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
RETURNING id`,
		status.TaskID, status.OriginalLine, status.Session, normalize(status.TimeStart),
		status.Status, status.Target, status.Progress[0], status.Progress[1],
		status.RestorePoint, status.RejectedCount, normalize(status.EstimatedStop),
		guess, deviceJSON, status.CreatedAt).Scan(&status.ID)
	if err != nil {
		return types.HashcatStatus{}, wrappedError(err)
	}
	return status, nil
}

// LatestStatusForTask implements db.StatusDB.
func (s *Store) LatestStatusForTask(ctx context.Context, taskID int64) (types.HashcatStatus, bool, error) {
	status, err := scanStatus(s.db.QueryRow(ctx, `
SELECT `+statusColumns+` FROM Statuses WHERE task_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, taskID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.HashcatStatus{}, false, nil
		}
		return types.HashcatStatus{}, false, wrappedError(err)
	}
	return status, true, nil
}

// TrimStatuses implements db.StatusDB.
func (s *Store) TrimStatuses(ctx context.Context, keep int, cutoff time.Time) (int64, error) {
	var removed int64
	err := s.db.BeginFunc(ctx, func(tx pgx.Tx) error {
		// Statuses of tasks that reached a terminal state are dead weight.
		tag, err := tx.Exec(ctx, `
DELETE FROM Statuses WHERE task_id IN (SELECT id FROM Tasks WHERE state NOT IN ($1, $2))`,
			types.TaskStatePending, types.TaskStateRunning)
		if err != nil {
			return wrappedError(err)
		}
		removed += tag.RowsAffected()

		// Bound the per-task history for live tasks.
		tag, err = tx.Exec(ctx, `
DELETE FROM Statuses WHERE id IN (
	SELECT id FROM (
		SELECT id, ROW_NUMBER() OVER (PARTITION BY task_id ORDER BY created_at DESC, id DESC) AS rank
		FROM Statuses
	) WHERE rank > $1)`, keep)
		if err != nil {
			return wrappedError(err)
		}
		removed += tag.RowsAffected()

		tag, err = tx.Exec(ctx, `DELETE FROM Statuses WHERE created_at < $1`, normalize(cutoff))
		if err != nil {
			return wrappedError(err)
		}
		removed += tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}
