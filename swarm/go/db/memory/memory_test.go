package memory

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.cipherswarm.org/server/go/cserr"
	"go.cipherswarm.org/server/go/now"
	"go.cipherswarm.org/server/swarm/go/db"
	"go.cipherswarm.org/server/swarm/go/types"
)

var testTime = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

// fixture is a project with one campaign, one hash list of two items, one
// attack and the ids needed to hang tasks off it.
type fixture struct {
	db       *DB
	project  types.Project
	list     types.HashList
	campaign types.Campaign
	attack   types.Attack
}

func newFixture(t *testing.T, ctx *now.TimeTravelCtx) fixture {
	t.Helper()
	d := New()
	project, err := d.CreateProject(ctx, types.Project{Name: "pentest"})
	require.NoError(t, err)
	list, err := d.CreateHashList(ctx, types.HashList{ProjectID: project.ID, Name: "ntlm dump", HashTypeID: 1000})
	require.NoError(t, err)
	require.NoError(t, d.CreateHashItems(ctx, []types.HashItem{
		{HashListID: list.ID, HashValue: "aaaa"},
		{HashListID: list.ID, HashValue: "bbbb"},
	}))
	list, err = d.GetHashList(ctx, list.ID)
	require.NoError(t, err)
	campaign, err := d.CreateCampaign(ctx, types.Campaign{ProjectID: project.ID, HashListID: list.ID, Name: "q1"})
	require.NoError(t, err)
	attack, err := d.CreateAttack(ctx, types.Attack{
		CampaignID:      campaign.ID,
		Mode:            types.AttackModeDictionary,
		HashMode:        1000,
		ComplexityValue: 1000,
	})
	require.NoError(t, err)
	return fixture{db: d, project: project, list: list, campaign: campaign, attack: attack}
}

func TestCreateHashItems_MaintainsUncrackedCount(t *testing.T) {
	ctx := now.TimeTravelingContext(testTime)
	f := newFixture(t, ctx)
	require.Equal(t, int64(2), f.list.UncrackedCount)
}

func TestClaimTask_CAS(t *testing.T) {
	ctx := now.TimeTravelingContext(testTime)
	f := newFixture(t, ctx)
	task, err := f.db.CreateTask(ctx, types.Task{AttackID: f.attack.ID})
	require.NoError(t, err)
	require.Equal(t, types.TaskStatePending, task.State)

	// An unowned pending task is claimable.
	claimed, err := f.db.ClaimTask(ctx, task.ID, 42, types.TaskStatePending)
	require.NoError(t, err)
	require.Equal(t, int64(42), claimed.AgentID)

	// Re-claiming by the owner succeeds; another agent loses.
	_, err = f.db.ClaimTask(ctx, task.ID, 42, types.TaskStatePending)
	require.NoError(t, err)
	_, err = f.db.ClaimTask(ctx, task.ID, 43, types.TaskStatePending)
	require.True(t, cserr.IsKind(err, cserr.Conflict))

	// A state mismatch loses too.
	_, err = f.db.ClaimTask(ctx, task.ID, 42, types.TaskStateFailed)
	require.True(t, cserr.IsKind(err, cserr.Conflict))
}

func TestForceSetPendingForPreemption(t *testing.T) {
	ctx := now.TimeTravelingContext(testTime)
	f := newFixture(t, ctx)
	task, err := f.db.CreateTask(ctx, types.Task{AttackID: f.attack.ID, AgentID: 1, State: types.TaskStateRunning})
	require.NoError(t, err)

	preempted, err := f.db.ForceSetPendingForPreemption(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, types.TaskStatePending, preempted.State)
	require.True(t, preempted.Stale)
	require.Equal(t, 1, preempted.PreemptionCount)

	// A task that already left running cannot be preempted.
	_, err = f.db.ForceSetPendingForPreemption(ctx, task.ID)
	require.True(t, cserr.IsKind(err, cserr.Conflict))
}

func TestApplyCrack_PropagatesAndMarksStale(t *testing.T) {
	ctx := now.TimeTravelingContext(testTime)
	f := newFixture(t, ctx)

	// Second hash list of the same hash type, in a different project, sharing
	// hash "aaaa", with its own running task.
	other, err := f.db.CreateProject(ctx, types.Project{Name: "other"})
	require.NoError(t, err)
	list2, err := f.db.CreateHashList(ctx, types.HashList{ProjectID: other.ID, Name: "sibling", HashTypeID: 1000})
	require.NoError(t, err)
	require.NoError(t, f.db.CreateHashItems(ctx, []types.HashItem{{HashListID: list2.ID, HashValue: "aaaa"}}))
	campaign2, err := f.db.CreateCampaign(ctx, types.Campaign{ProjectID: other.ID, HashListID: list2.ID})
	require.NoError(t, err)
	attack2, err := f.db.CreateAttack(ctx, types.Attack{CampaignID: campaign2.ID, HashMode: 1000})
	require.NoError(t, err)
	task2, err := f.db.CreateTask(ctx, types.Task{AttackID: attack2.ID, AgentID: 2, State: types.TaskStateRunning})
	require.NoError(t, err)

	submitting, err := f.db.CreateTask(ctx, types.Task{AttackID: f.attack.ID, AgentID: 1, State: types.TaskStateRunning})
	require.NoError(t, err)

	outcome, err := f.db.ApplyCrack(ctx, db.ApplyCrackParams{
		TaskID:     submitting.ID,
		AttackID:   f.attack.ID,
		HashListID: f.list.ID,
		HashTypeID: 1000,
		HashValue:  "aaaa",
		PlainText:  "hunter2",
		Timestamp:  testTime,
	})
	require.NoError(t, err)
	require.False(t, outcome.AlreadyCracked)
	require.Equal(t, int64(1), outcome.PropagatedLists)
	require.Equal(t, int64(1), outcome.StaleTasks)
	require.Equal(t, int64(1), outcome.UncrackedRemaining)

	// The submitting task is not marked stale; the sibling task is.
	submitting, err = f.db.GetTask(ctx, submitting.ID)
	require.NoError(t, err)
	require.False(t, submitting.Stale)
	task2, err = f.db.GetTask(ctx, task2.ID)
	require.NoError(t, err)
	require.True(t, task2.Stale)

	// Counts on both lists were maintained.
	list2, err = f.db.GetHashList(ctx, list2.ID)
	require.NoError(t, err)
	require.Equal(t, int64(0), list2.UncrackedCount)

	item, err := f.db.GetHashItem(ctx, list2.ID, "aaaa")
	require.NoError(t, err)
	require.True(t, item.Cracked)
	require.Equal(t, "hunter2", item.PlainText)
}

func TestApplyCrack_LeavesFinishedTasksAlone(t *testing.T) {
	ctx := now.TimeTravelingContext(testTime)
	f := newFixture(t, ctx)

	// Sibling tasks on the touched list in every terminal state. Only
	// pending and running tasks can be stale-marked.
	failed, err := f.db.CreateTask(ctx, types.Task{AttackID: f.attack.ID, AgentID: 2, State: types.TaskStateFailed})
	require.NoError(t, err)
	completed, err := f.db.CreateTask(ctx, types.Task{AttackID: f.attack.ID, AgentID: 3, State: types.TaskStateCompleted})
	require.NoError(t, err)
	pending, err := f.db.CreateTask(ctx, types.Task{AttackID: f.attack.ID, AgentID: 4, State: types.TaskStatePending})
	require.NoError(t, err)

	submitting, err := f.db.CreateTask(ctx, types.Task{AttackID: f.attack.ID, AgentID: 1, State: types.TaskStateRunning})
	require.NoError(t, err)

	outcome, err := f.db.ApplyCrack(ctx, db.ApplyCrackParams{
		TaskID:     submitting.ID,
		AttackID:   f.attack.ID,
		HashListID: f.list.ID,
		HashTypeID: 1000,
		HashValue:  "aaaa",
		PlainText:  "hunter2",
		Timestamp:  testTime,
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), outcome.StaleTasks)

	failed, err = f.db.GetTask(ctx, failed.ID)
	require.NoError(t, err)
	require.False(t, failed.Stale)
	completed, err = f.db.GetTask(ctx, completed.ID)
	require.NoError(t, err)
	require.False(t, completed.Stale)
	pending, err = f.db.GetTask(ctx, pending.ID)
	require.NoError(t, err)
	require.True(t, pending.Stale)
}

func TestApplyCrack_AtMostOnce(t *testing.T) {
	ctx := now.TimeTravelingContext(testTime)
	f := newFixture(t, ctx)
	task, err := f.db.CreateTask(ctx, types.Task{AttackID: f.attack.ID, AgentID: 1, State: types.TaskStateRunning})
	require.NoError(t, err)

	params := db.ApplyCrackParams{
		TaskID:     task.ID,
		AttackID:   f.attack.ID,
		HashListID: f.list.ID,
		HashTypeID: 1000,
		HashValue:  "aaaa",
		PlainText:  "first",
		Timestamp:  testTime,
	}
	_, err = f.db.ApplyCrack(ctx, params)
	require.NoError(t, err)

	params.PlainText = "second"
	outcome, err := f.db.ApplyCrack(ctx, params)
	require.NoError(t, err)
	require.True(t, outcome.AlreadyCracked)

	// The original plaintext wins.
	item, err := f.db.GetHashItem(ctx, f.list.ID, "aaaa")
	require.NoError(t, err)
	require.Equal(t, "first", item.PlainText)
}

func TestApplyCrack_UnknownHash(t *testing.T) {
	ctx := now.TimeTravelingContext(testTime)
	f := newFixture(t, ctx)
	_, err := f.db.ApplyCrack(ctx, db.ApplyCrackParams{
		HashListID: f.list.ID,
		HashTypeID: 1000,
		HashValue:  "zzzz",
	})
	require.True(t, cserr.IsKind(err, cserr.NotFound))
}

func TestListCandidateAttacks_OrderAndFilters(t *testing.T) {
	ctx := now.TimeTravelingContext(testTime)
	f := newFixture(t, ctx)

	high, err := f.db.CreateCampaign(ctx, types.Campaign{
		ProjectID:  f.project.ID,
		HashListID: f.list.ID,
		Priority:   types.PriorityHigh,
	})
	require.NoError(t, err)
	highAttack, err := f.db.CreateAttack(ctx, types.Attack{CampaignID: high.ID, HashMode: 1000, ComplexityValue: 5000})
	require.NoError(t, err)
	cheap, err := f.db.CreateAttack(ctx, types.Attack{CampaignID: high.ID, HashMode: 1000, ComplexityValue: 10})
	require.NoError(t, err)

	got, err := f.db.ListCandidateAttacks(ctx, []int64{f.project.ID}, []int{1000})
	require.NoError(t, err)
	require.Len(t, got, 3)
	// High priority first, cheapest attack within the campaign first.
	require.Equal(t, cheap.ID, got[0].Attack.ID)
	require.Equal(t, highAttack.ID, got[1].Attack.ID)
	require.Equal(t, f.attack.ID, got[2].Attack.ID)

	// Hash type filter.
	got, err = f.db.ListCandidateAttacks(ctx, []int64{f.project.ID}, []int{22000})
	require.NoError(t, err)
	require.Empty(t, got)

	// Project filter.
	got, err = f.db.ListCandidateAttacks(ctx, []int64{f.project.ID + 100}, []int{1000})
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestListRebalanceAttacks_SkipsRunningAndDeferred(t *testing.T) {
	ctx := now.TimeTravelingContext(testTime)
	f := newFixture(t, ctx)

	deferred, err := f.db.CreateCampaign(ctx, types.Campaign{
		ProjectID:  f.project.ID,
		HashListID: f.list.ID,
		Priority:   types.PriorityDeferred,
	})
	require.NoError(t, err)
	_, err = f.db.CreateAttack(ctx, types.Attack{CampaignID: deferred.ID, HashMode: 1000})
	require.NoError(t, err)

	got, err := f.db.ListRebalanceAttacks(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, f.attack.ID, got[0].Attack.ID)

	// An attack with a running task needs no rebalancing.
	_, err = f.db.CreateTask(ctx, types.Task{AttackID: f.attack.ID, AgentID: 1, State: types.TaskStateRunning})
	require.NoError(t, err)
	got, err = f.db.ListRebalanceAttacks(ctx)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestTrimStatuses(t *testing.T) {
	ctx := now.TimeTravelingContext(testTime)
	f := newFixture(t, ctx)
	live, err := f.db.CreateTask(ctx, types.Task{AttackID: f.attack.ID, AgentID: 1, State: types.TaskStateRunning})
	require.NoError(t, err)
	done, err := f.db.CreateTask(ctx, types.Task{AttackID: f.attack.ID, AgentID: 1, State: types.TaskStateCompleted})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err = f.db.SaveStatus(ctx, types.HashcatStatus{TaskID: live.ID})
		require.NoError(t, err)
		_, err = f.db.SaveStatus(ctx, types.HashcatStatus{TaskID: done.ID})
		require.NoError(t, err)
	}

	// Keep 3 per live task, drop everything belonging to terminal tasks.
	removed, err := f.db.TrimStatuses(ctx, 3, testTime.Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(7), removed)

	_, found, err := f.db.LatestStatusForTask(ctx, live.ID)
	require.NoError(t, err)
	require.True(t, found)
	_, found, err = f.db.LatestStatusForTask(ctx, done.ID)
	require.NoError(t, err)
	require.False(t, found)
}

func TestTrimStatuses_Cutoff(t *testing.T) {
	ctx := now.TimeTravelingContext(testTime)
	f := newFixture(t, ctx)
	task, err := f.db.CreateTask(ctx, types.Task{AttackID: f.attack.ID, AgentID: 1, State: types.TaskStateRunning})
	require.NoError(t, err)
	_, err = f.db.SaveStatus(ctx, types.HashcatStatus{TaskID: task.ID})
	require.NoError(t, err)

	removed, err := f.db.TrimStatuses(ctx, 10, testTime.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)
}

func TestWriteLists(t *testing.T) {
	ctx := now.TimeTravelingContext(testTime)
	f := newFixture(t, ctx)
	task, err := f.db.CreateTask(ctx, types.Task{AttackID: f.attack.ID, AgentID: 1, State: types.TaskStateRunning})
	require.NoError(t, err)
	_, err = f.db.ApplyCrack(ctx, db.ApplyCrackParams{
		TaskID:     task.ID,
		AttackID:   f.attack.ID,
		HashListID: f.list.ID,
		HashTypeID: 1000,
		HashValue:  "aaaa",
		PlainText:  "hunter2",
		Timestamp:  testTime,
	})
	require.NoError(t, err)

	var uncracked bytes.Buffer
	require.NoError(t, f.db.WriteUncrackedList(ctx, f.list.ID, &uncracked))
	require.Equal(t, "bbbb\n", uncracked.String())

	var cracked bytes.Buffer
	require.NoError(t, f.db.WriteCrackedList(ctx, f.list.ID, &cracked))
	require.Equal(t, "aaaa:hunter2\n", cracked.String())
}

func TestCampaignFreshness(t *testing.T) {
	ctx := now.TimeTravelingContext(testTime)
	f := newFixture(t, ctx)
	attacksMax, tasksMax, err := f.db.CampaignFreshness(ctx, f.campaign.ID)
	require.NoError(t, err)
	require.Equal(t, testTime, attacksMax)
	require.True(t, tasksMax.IsZero())

	ctx.AdvanceTime(time.Minute)
	_, err = f.db.CreateTask(ctx, types.Task{AttackID: f.attack.ID, AgentID: 1})
	require.NoError(t, err)
	_, tasksMax, err = f.db.CampaignFreshness(ctx, f.campaign.ID)
	require.NoError(t, err)
	require.Equal(t, testTime.Add(time.Minute), tasksMax)
}

func TestReplaceBenchmarks(t *testing.T) {
	ctx := now.TimeTravelingContext(testTime)
	d := New()
	agent, err := d.CreateAgent(ctx, types.Agent{Name: "worker-1"})
	require.NoError(t, err)

	require.NoError(t, d.ReplaceBenchmarks(ctx, agent.ID, []types.HashcatBenchmark{
		{HashType: 1000, Device: 1, HashSpeed: 100},
		{HashType: 22000, Device: 1, HashSpeed: 10},
	}))
	allowed, err := d.AllowedHashTypes(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, []int{1000, 22000}, allowed)

	// Replacement is total, not additive.
	require.NoError(t, d.ReplaceBenchmarks(ctx, agent.ID, []types.HashcatBenchmark{
		{HashType: 1000, Device: 1, HashSpeed: 200},
	}))
	allowed, err = d.AllowedHashTypes(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, []int{1000}, allowed)

	best, found, err := d.FastestBenchmark(ctx, agent.ID, 1000)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, float64(200), best.HashSpeed)
}
