package maintenance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.cipherswarm.org/server/go/now"
	"go.cipherswarm.org/server/swarm/go/config"
	"go.cipherswarm.org/server/swarm/go/db/memory"
	"go.cipherswarm.org/server/swarm/go/scheduling"
	"go.cipherswarm.org/server/swarm/go/types"
)

var testTime = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

func testConfig() config.Config {
	return config.Config{
		AgentOffline:         5 * time.Minute,
		TaskAbandon:          30 * time.Minute,
		NStatusKeep:          10,
		RetentionAgentErrors: 30 * 24 * time.Hour,
		RetentionAudit:       90 * 24 * time.Hour,
		RetentionStatus:      7 * 24 * time.Hour,
		PreemptMaxProgress:   50,
		PreemptMaxCount:      3,
		BenchmarkThresholds:  map[int]float64{},
	}
}

type fixture struct {
	db      *memory.DB
	loop    *Loop
	project types.Project
	list    types.HashList
	attack  types.Attack
}

func newFixture(t *testing.T, ctx *now.TimeTravelCtx) *fixture {
	t.Helper()
	d := memory.New()
	cfg := testConfig()
	project, err := d.CreateProject(ctx, types.Project{Name: "pentest"})
	require.NoError(t, err)
	list, err := d.CreateHashList(ctx, types.HashList{ProjectID: project.ID, HashTypeID: 1000})
	require.NoError(t, err)
	require.NoError(t, d.CreateHashItems(ctx, []types.HashItem{{HashListID: list.ID, HashValue: "aaaa"}}))
	campaign, err := d.CreateCampaign(ctx, types.Campaign{ProjectID: project.ID, HashListID: list.ID})
	require.NoError(t, err)
	attack, err := d.CreateAttack(ctx, types.Attack{CampaignID: campaign.ID, HashMode: 1000})
	require.NoError(t, err)
	return &fixture{
		db:      d,
		loop:    New(d, cfg, scheduling.New(d, cfg)),
		project: project,
		list:    list,
		attack:  attack,
	}
}

func activeAgent(t *testing.T, ctx *now.TimeTravelCtx, d *memory.DB, projectIDs ...int64) types.Agent {
	t.Helper()
	agent, err := d.CreateAgent(ctx, types.Agent{
		State:      types.AgentStateActive,
		ProjectIDs: projectIDs,
		LastSeenAt: now.Now(ctx),
	})
	require.NoError(t, err)
	return agent
}

func TestTick_MarksSilentAgentsOffline(t *testing.T) {
	ctx := now.TimeTravelingContext(testTime)
	f := newFixture(t, ctx)
	silent := activeAgent(t, ctx, f.db, f.project.ID)

	ctx.AdvanceTime(4 * time.Minute)
	fresh := activeAgent(t, ctx, f.db, f.project.ID)
	ctx.AdvanceTime(2 * time.Minute)

	f.loop.Tick(ctx)

	got, err := f.db.GetAgent(ctx, silent.ID)
	require.NoError(t, err)
	require.Equal(t, types.AgentStateOffline, got.State)
	got, err = f.db.GetAgent(ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, types.AgentStateActive, got.State)
}

func TestTick_AbandonsInactiveTasksAndResetsAttack(t *testing.T) {
	ctx := now.TimeTravelingContext(testTime)
	f := newFixture(t, ctx)
	agent := activeAgent(t, ctx, f.db, f.project.ID)
	_, err := f.db.UpdateAttack(ctx, f.attack.ID, func(a types.Attack) (types.Attack, error) {
		a.State = types.AttackStateRunning
		return a, nil
	})
	require.NoError(t, err)
	task, err := f.db.CreateTask(ctx, types.Task{
		AttackID:          f.attack.ID,
		AgentID:           agent.ID,
		State:             types.TaskStateRunning,
		ActivityTimestamp: now.Now(ctx),
	})
	require.NoError(t, err)
	_, err = f.db.SaveStatus(ctx, types.HashcatStatus{TaskID: task.ID})
	require.NoError(t, err)

	// Keep the agent fresh so only the task lapses.
	ctx.AdvanceTime(31 * time.Minute)
	_, err = f.db.UpdateAgent(ctx, agent.ID, func(a types.Agent) (types.Agent, error) {
		a.LastSeenAt = now.Now(ctx)
		return a, nil
	})
	require.NoError(t, err)

	f.loop.Tick(ctx)

	_, err = f.db.GetTask(ctx, task.ID)
	require.Error(t, err)
	attack, err := f.db.GetAttack(ctx, f.attack.ID)
	require.NoError(t, err)
	require.Equal(t, types.AttackStatePending, attack.State)

	// The deleted task's statuses went with it.
	_, found, err := f.db.LatestStatusForTask(ctx, task.ID)
	require.NoError(t, err)
	require.False(t, found)
}

func TestTick_AbandonmentSparesAttackWithOtherRunners(t *testing.T) {
	ctx := now.TimeTravelingContext(testTime)
	f := newFixture(t, ctx)
	agent := activeAgent(t, ctx, f.db, f.project.ID)
	_, err := f.db.UpdateAttack(ctx, f.attack.ID, func(a types.Attack) (types.Attack, error) {
		a.State = types.AttackStateRunning
		return a, nil
	})
	require.NoError(t, err)
	stalled, err := f.db.CreateTask(ctx, types.Task{
		AttackID:          f.attack.ID,
		AgentID:           agent.ID,
		State:             types.TaskStateRunning,
		ActivityTimestamp: now.Now(ctx),
	})
	require.NoError(t, err)

	ctx.AdvanceTime(31 * time.Minute)
	_, err = f.db.UpdateAgent(ctx, agent.ID, func(a types.Agent) (types.Agent, error) {
		a.LastSeenAt = now.Now(ctx)
		return a, nil
	})
	require.NoError(t, err)
	// A second task is still making progress.
	_, err = f.db.CreateTask(ctx, types.Task{
		AttackID:          f.attack.ID,
		AgentID:           agent.ID,
		State:             types.TaskStateRunning,
		ActivityTimestamp: now.Now(ctx),
	})
	require.NoError(t, err)

	f.loop.Tick(ctx)

	_, err = f.db.GetTask(ctx, stalled.ID)
	require.Error(t, err)
	attack, err := f.db.GetAttack(ctx, f.attack.ID)
	require.NoError(t, err)
	require.Equal(t, types.AttackStateRunning, attack.State)
}

func TestTick_TrimsStatuses(t *testing.T) {
	ctx := now.TimeTravelingContext(testTime)
	f := newFixture(t, ctx)
	agent := activeAgent(t, ctx, f.db, f.project.ID)
	task, err := f.db.CreateTask(ctx, types.Task{
		AttackID:          f.attack.ID,
		AgentID:           agent.ID,
		State:             types.TaskStateRunning,
		ActivityTimestamp: now.Now(ctx),
	})
	require.NoError(t, err)
	for i := 0; i < 15; i++ {
		_, err := f.db.SaveStatus(ctx, types.HashcatStatus{TaskID: task.ID, RestorePoint: int64(i)})
		require.NoError(t, err)
	}

	f.loop.Tick(ctx)

	// The newest of the 15 snapshots survives the per-task cap of 10.
	latest, found, err := f.db.LatestStatusForTask(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(14), latest.RestorePoint)
}

func TestTick_AppliesRetention(t *testing.T) {
	ctx := now.TimeTravelingContext(testTime)
	f := newFixture(t, ctx)
	agent := activeAgent(t, ctx, f.db, f.project.ID)
	_, err := f.db.CreateAgentError(ctx, types.AgentError{
		AgentID:  agent.ID,
		Message:  "old warning",
		Severity: types.SeverityWarning,
	})
	require.NoError(t, err)
	require.NoError(t, f.db.RecordTransition(ctx, types.TransitionAudit{
		Entity:   "agent",
		EntityID: agent.ID,
		Event:    "activate",
	}))

	ctx.AdvanceTime(91 * 24 * time.Hour)
	_, err = f.db.UpdateAgent(ctx, agent.ID, func(a types.Agent) (types.Agent, error) {
		a.LastSeenAt = now.Now(ctx)
		return a, nil
	})
	require.NoError(t, err)

	f.loop.Tick(ctx)

	removed, err := f.db.DeleteAgentErrorsBefore(ctx, now.Now(ctx))
	require.NoError(t, err)
	require.Equal(t, int64(0), removed)
	removedAudits, err := f.db.DeleteAuditBefore(ctx, now.Now(ctx))
	require.NoError(t, err)
	// Only audits written by this very tick may remain, and those are not
	// older than the cutoff.
	require.Equal(t, int64(0), removedAudits)
}

func TestTick_RebalancePreemptsForStarvedAttack(t *testing.T) {
	ctx := now.TimeTravelingContext(testTime)
	f := newFixture(t, ctx)
	agent := activeAgent(t, ctx, f.db, f.project.ID)

	// The only agent is busy on a deferred campaign while a normal priority
	// attack sits idle.
	deferred, err := f.db.CreateCampaign(ctx, types.Campaign{
		ProjectID:  f.project.ID,
		HashListID: f.list.ID,
		Priority:   types.PriorityDeferred,
	})
	require.NoError(t, err)
	deferredAttack, err := f.db.CreateAttack(ctx, types.Attack{CampaignID: deferred.ID, HashMode: 1000})
	require.NoError(t, err)
	busy, err := f.db.CreateTask(ctx, types.Task{
		AttackID:          deferredAttack.ID,
		AgentID:           agent.ID,
		State:             types.TaskStateRunning,
		ActivityTimestamp: now.Now(ctx),
	})
	require.NoError(t, err)

	f.loop.Tick(ctx)

	busy, err = f.db.GetTask(ctx, busy.ID)
	require.NoError(t, err)
	require.Equal(t, types.TaskStatePending, busy.State)
	require.True(t, busy.Stale)
}
