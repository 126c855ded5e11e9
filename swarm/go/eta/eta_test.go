package eta

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.cipherswarm.org/server/go/now"
	"go.cipherswarm.org/server/swarm/go/db/memory"
	"go.cipherswarm.org/server/swarm/go/types"
)

var testTime = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db       *memory.DB
	calc     *Calculator
	campaign types.Campaign
	agent    types.Agent
}

func newFixture(t *testing.T, ctx *now.TimeTravelCtx) *fixture {
	t.Helper()
	d := memory.New()
	project, err := d.CreateProject(ctx, types.Project{Name: "pentest"})
	require.NoError(t, err)
	list, err := d.CreateHashList(ctx, types.HashList{ProjectID: project.ID, HashTypeID: 1000})
	require.NoError(t, err)
	campaign, err := d.CreateCampaign(ctx, types.Campaign{ProjectID: project.ID, HashListID: list.ID})
	require.NoError(t, err)
	agent, err := d.CreateAgent(ctx, types.Agent{State: types.AgentStateActive})
	require.NoError(t, err)
	require.NoError(t, d.ReplaceBenchmarks(ctx, agent.ID, []types.HashcatBenchmark{
		{HashType: 1000, HashSpeed: 100},
	}))
	return &fixture{db: d, calc: New(d, nil), campaign: campaign, agent: agent}
}

func TestForCampaign_PendingAttackAnchorsOnNow(t *testing.T) {
	ctx := now.TimeTravelingContext(testTime)
	f := newFixture(t, ctx)
	_, err := f.db.CreateAttack(ctx, types.Attack{
		CampaignID:      f.campaign.ID,
		HashMode:        1000,
		State:           types.AttackStatePending,
		ComplexityValue: 6000,
	})
	require.NoError(t, err)

	// 6000 keyspace at the fleet-best 100 H/s is one minute of work.
	estimate, err := f.calc.ForCampaign(ctx, f.campaign.ID)
	require.NoError(t, err)
	require.True(t, estimate.CurrentETA.IsZero())
	require.Equal(t, testTime.Add(time.Minute), estimate.TotalETA)
}

func TestForCampaign_RunningAttackUsesReportedStop(t *testing.T) {
	ctx := now.TimeTravelingContext(testTime)
	f := newFixture(t, ctx)
	attack, err := f.db.CreateAttack(ctx, types.Attack{
		CampaignID: f.campaign.ID,
		HashMode:   1000,
		State:      types.AttackStateRunning,
	})
	require.NoError(t, err)
	task, err := f.db.CreateTask(ctx, types.Task{
		AttackID: attack.ID,
		AgentID:  f.agent.ID,
		State:    types.TaskStateRunning,
	})
	require.NoError(t, err)
	stop := testTime.Add(45 * time.Minute)
	_, err = f.db.SaveStatus(ctx, types.HashcatStatus{TaskID: task.ID, EstimatedStop: stop})
	require.NoError(t, err)

	estimate, err := f.calc.ForCampaign(ctx, f.campaign.ID)
	require.NoError(t, err)
	require.Equal(t, stop, estimate.CurrentETA)
	// Nothing is queued behind the running attack.
	require.Equal(t, stop, estimate.TotalETA)
}

func TestForCampaign_QueuedWorkExtendsRunningWork(t *testing.T) {
	ctx := now.TimeTravelingContext(testTime)
	f := newFixture(t, ctx)
	running, err := f.db.CreateAttack(ctx, types.Attack{
		CampaignID: f.campaign.ID,
		HashMode:   1000,
		State:      types.AttackStateRunning,
	})
	require.NoError(t, err)
	task, err := f.db.CreateTask(ctx, types.Task{
		AttackID: running.ID,
		AgentID:  f.agent.ID,
		State:    types.TaskStateRunning,
	})
	require.NoError(t, err)
	stop := testTime.Add(10 * time.Minute)
	_, err = f.db.SaveStatus(ctx, types.HashcatStatus{TaskID: task.ID, EstimatedStop: stop})
	require.NoError(t, err)
	_, err = f.db.CreateAttack(ctx, types.Attack{
		CampaignID:      f.campaign.ID,
		HashMode:        1000,
		State:           types.AttackStatePaused,
		ComplexityValue: 12000,
	})
	require.NoError(t, err)

	estimate, err := f.calc.ForCampaign(ctx, f.campaign.ID)
	require.NoError(t, err)
	require.Equal(t, stop, estimate.CurrentETA)
	require.Equal(t, stop.Add(2*time.Minute), estimate.TotalETA)
}

func TestForCampaign_UnbenchmarkedModeContributesNothing(t *testing.T) {
	ctx := now.TimeTravelingContext(testTime)
	f := newFixture(t, ctx)
	_, err := f.db.CreateAttack(ctx, types.Attack{
		CampaignID:      f.campaign.ID,
		HashMode:        22000,
		State:           types.AttackStatePending,
		ComplexityValue: 6000,
	})
	require.NoError(t, err)

	estimate, err := f.calc.ForCampaign(ctx, f.campaign.ID)
	require.NoError(t, err)
	require.True(t, estimate.CurrentETA.IsZero())
	require.True(t, estimate.TotalETA.IsZero())
}

func TestForCampaign_EmptyCampaign(t *testing.T) {
	ctx := now.TimeTravelingContext(testTime)
	f := newFixture(t, ctx)

	estimate, err := f.calc.ForCampaign(ctx, f.campaign.ID)
	require.NoError(t, err)
	require.True(t, estimate.CurrentETA.IsZero())
	require.True(t, estimate.TotalETA.IsZero())
}

func TestForCampaign_UnknownCampaign(t *testing.T) {
	ctx := now.TimeTravelingContext(testTime)
	f := newFixture(t, ctx)

	_, err := f.calc.ForCampaign(ctx, f.campaign.ID+100)
	require.Error(t, err)
}
