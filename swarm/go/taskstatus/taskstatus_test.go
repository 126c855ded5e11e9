package taskstatus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.cipherswarm.org/server/go/cserr"
	"go.cipherswarm.org/server/go/now"
	"go.cipherswarm.org/server/swarm/go/db/memory"
	"go.cipherswarm.org/server/swarm/go/types"
)

var testTime = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db       *memory.DB
	svc      *Service
	campaign types.Campaign
	attack   types.Attack
	task     types.Task
	agent    types.Agent
}

func newFixture(t *testing.T, ctx *now.TimeTravelCtx) *fixture {
	t.Helper()
	d := memory.New()
	project, err := d.CreateProject(ctx, types.Project{Name: "pentest"})
	require.NoError(t, err)
	list, err := d.CreateHashList(ctx, types.HashList{ProjectID: project.ID, HashTypeID: 1000})
	require.NoError(t, err)
	require.NoError(t, d.CreateHashItems(ctx, []types.HashItem{{HashListID: list.ID, HashValue: "aaaa"}}))
	campaign, err := d.CreateCampaign(ctx, types.Campaign{
		ProjectID:  project.ID,
		HashListID: list.ID,
		State:      types.CampaignStateRunning,
	})
	require.NoError(t, err)
	attack, err := d.CreateAttack(ctx, types.Attack{
		CampaignID: campaign.ID,
		HashMode:   1000,
		State:      types.AttackStateRunning,
	})
	require.NoError(t, err)
	agent, err := d.CreateAgent(ctx, types.Agent{State: types.AgentStateActive})
	require.NoError(t, err)
	task, err := d.CreateTask(ctx, types.Task{
		AttackID: attack.ID,
		AgentID:  agent.ID,
		State:    types.TaskStateRunning,
	})
	require.NoError(t, err)
	return &fixture{db: d, svc: New(d), campaign: campaign, attack: attack, task: task, agent: agent}
}

func snapshot() (types.HashcatGuess, types.HashcatStatus) {
	guess := types.HashcatGuess{GuessBase: "rockyou.txt", GuessBasePercentage: 12.5}
	return guess, types.HashcatStatus{
		Session:  "hashcat",
		Status:   3,
		Progress: [2]int64{250, 1000},
		DeviceStatuses: []types.DeviceStatus{
			{DeviceID: 1, DeviceName: "GPU0", Speed: 1000},
		},
	}
}

func TestSubmit_Ok(t *testing.T) {
	ctx := now.TimeTravelingContext(testTime)
	f := newFixture(t, ctx)
	guess, st := snapshot()

	class, err := f.svc.Submit(ctx, f.agent.ID, f.task.ID, &guess, st)
	require.NoError(t, err)
	require.Equal(t, ClassOk, class)

	task, err := f.db.GetTask(ctx, f.task.ID)
	require.NoError(t, err)
	require.Equal(t, testTime, task.ActivityTimestamp)
	require.Equal(t, int64(250), task.ProgressDone)
	require.Equal(t, int64(1000), task.ProgressTotal)

	saved, found, err := f.db.LatestStatusForTask(ctx, f.task.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, guess, saved.Guess)
	require.Equal(t, f.task.ID, saved.TaskID)
}

func TestSubmit_FirstStatusStartsPendingTask(t *testing.T) {
	ctx := now.TimeTravelingContext(testTime)
	f := newFixture(t, ctx)
	pending, err := f.db.CreateTask(ctx, types.Task{
		AttackID: f.attack.ID,
		AgentID:  f.agent.ID,
		State:    types.TaskStatePending,
	})
	require.NoError(t, err)

	guess, st := snapshot()
	class, err := f.svc.Submit(ctx, f.agent.ID, pending.ID, &guess, st)
	require.NoError(t, err)
	require.Equal(t, ClassOk, class)

	task, err := f.db.GetTask(ctx, pending.ID)
	require.NoError(t, err)
	require.Equal(t, types.TaskStateRunning, task.State)
}

func TestSubmit_StaleTask(t *testing.T) {
	ctx := now.TimeTravelingContext(testTime)
	f := newFixture(t, ctx)
	_, err := f.db.UpdateTask(ctx, f.task.ID, func(task types.Task) (types.Task, error) {
		task.Stale = true
		return task, nil
	})
	require.NoError(t, err)

	guess, st := snapshot()
	class, err := f.svc.Submit(ctx, f.agent.ID, f.task.ID, &guess, st)
	require.NoError(t, err)
	require.Equal(t, ClassStale, class)

	// The snapshot is still recorded.
	_, found, err := f.db.LatestStatusForTask(ctx, f.task.ID)
	require.NoError(t, err)
	require.True(t, found)
}

func TestSubmit_PausedAttack(t *testing.T) {
	ctx := now.TimeTravelingContext(testTime)
	f := newFixture(t, ctx)
	_, err := f.db.UpdateAttack(ctx, f.attack.ID, func(a types.Attack) (types.Attack, error) {
		a.State = types.AttackStatePaused
		return a, nil
	})
	require.NoError(t, err)

	guess, st := snapshot()
	class, err := f.svc.Submit(ctx, f.agent.ID, f.task.ID, &guess, st)
	require.NoError(t, err)
	require.Equal(t, ClassPaused, class)

	// Paused work records nothing.
	_, found, err := f.db.LatestStatusForTask(ctx, f.task.ID)
	require.NoError(t, err)
	require.False(t, found)
}

func TestSubmit_PausedCampaign(t *testing.T) {
	ctx := now.TimeTravelingContext(testTime)
	f := newFixture(t, ctx)
	_, err := f.db.UpdateCampaign(ctx, f.campaign.ID, func(c types.Campaign) (types.Campaign, error) {
		c.State = types.CampaignStatePaused
		return c, nil
	})
	require.NoError(t, err)

	guess, st := snapshot()
	class, err := f.svc.Submit(ctx, f.agent.ID, f.task.ID, &guess, st)
	require.NoError(t, err)
	require.Equal(t, ClassPaused, class)
}

func TestSubmit_Validation(t *testing.T) {
	ctx := now.TimeTravelingContext(testTime)
	f := newFixture(t, ctx)
	guess, st := snapshot()

	_, err := f.svc.Submit(ctx, f.agent.ID, f.task.ID, nil, st)
	require.True(t, cserr.IsKind(err, cserr.Validation))

	st.DeviceStatuses = nil
	_, err = f.svc.Submit(ctx, f.agent.ID, f.task.ID, &guess, st)
	require.True(t, cserr.IsKind(err, cserr.Validation))
}

func TestSubmit_Ownership(t *testing.T) {
	ctx := now.TimeTravelingContext(testTime)
	f := newFixture(t, ctx)
	guess, st := snapshot()

	_, err := f.svc.Submit(ctx, f.agent.ID+1, f.task.ID, &guess, st)
	require.True(t, cserr.IsKind(err, cserr.NotFound))
}

func TestSubmit_TerminalTask(t *testing.T) {
	ctx := now.TimeTravelingContext(testTime)
	f := newFixture(t, ctx)
	_, err := f.db.UpdateTask(ctx, f.task.ID, func(task types.Task) (types.Task, error) {
		task.State = types.TaskStateCompleted
		return task, nil
	})
	require.NoError(t, err)

	guess, st := snapshot()
	_, err = f.svc.Submit(ctx, f.agent.ID, f.task.ID, &guess, st)
	require.True(t, cserr.IsKind(err, cserr.InvalidTransition))
}
