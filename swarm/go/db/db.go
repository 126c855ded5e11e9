// Package db defines typed access to the persistent store. Two
// implementations exist: cdb (CockroachDB/Postgres via pgx) and memory (an
// in-memory implementation with the same semantics, used in tests).
//
// Mutations of a single entity go through Update* methods taking a callback;
// the implementation serializes concurrent callers on the row (row-level lock
// in cdb, a mutex in memory) so the callback always sees the latest committed
// value. Multi-row operations with atomicity requirements (crack application,
// benchmark replacement, preemption) are named methods implemented as single
// transactions.
package db

import (
	"context"
	"io"
	"time"

	"go.cipherswarm.org/server/go/cserr"
	"go.cipherswarm.org/server/swarm/go/types"
)

// ErrNotFound is wrapped by implementations whenever the referenced entity is
// absent. It carries the NotFound kind.
var ErrNotFound = cserr.NewKind(cserr.NotFound, "not found")

// ErrConflict is returned when a compare-and-swap claim loses. Retryable.
var ErrConflict = cserr.NewKind(cserr.Conflict, "conflicting concurrent modification")

// UpdateTaskCallback mutates a task under its row lock. Returning an error
// aborts the update and rolls back.
type UpdateTaskCallback func(types.Task) (types.Task, error)

// UpdateAttackCallback mutates an attack under its row lock.
type UpdateAttackCallback func(types.Attack) (types.Attack, error)

// UpdateCampaignCallback mutates a campaign under its row lock.
type UpdateCampaignCallback func(types.Campaign) (types.Campaign, error)

// UpdateAgentCallback mutates an agent under its row lock.
type UpdateAgentCallback func(types.Agent) (types.Agent, error)

// CandidateAttack is an attack joined with the campaign and hash list needed
// by the assignment and rebalancing logic.
type CandidateAttack struct {
	Attack   types.Attack
	Campaign types.Campaign
	HashList types.HashList
}

// ApplyCrackParams is the input to ApplyCrack.
type ApplyCrackParams struct {
	TaskID     int64
	AttackID   int64
	HashListID int64
	HashTypeID int
	HashValue  string
	PlainText  string
	Timestamp  time.Time
}

// CrackOutcome reports what ApplyCrack did.
type CrackOutcome struct {
	// AlreadyCracked is true when the item was cracked before this
	// submission; nothing was modified.
	AlreadyCracked bool
	// PropagatedLists counts hash lists (other than the submitted one) that
	// received the crack by propagation.
	PropagatedLists int64
	// StaleTasks counts tasks newly marked stale.
	StaleTasks int64
	// UncrackedRemaining is the submitted hash list's uncracked count after
	// the commit.
	UncrackedRemaining int64
}

// AgentDB is typed access to agents and their benchmarks and errors.
type AgentDB interface {
	CreateAgent(ctx context.Context, agent types.Agent) (types.Agent, error)
	GetAgent(ctx context.Context, id int64) (types.Agent, error)
	GetAgentByToken(ctx context.Context, token string) (types.Agent, error)
	ListAgents(ctx context.Context) ([]types.Agent, error)
	UpdateAgent(ctx context.Context, id int64, cb UpdateAgentCallback) (types.Agent, error)

	// ReplaceBenchmarks atomically replaces the agent's benchmark set.
	ReplaceBenchmarks(ctx context.Context, agentID int64, benchmarks []types.HashcatBenchmark) error
	ListBenchmarks(ctx context.Context, agentID int64) ([]types.HashcatBenchmark, error)
	// AllowedHashTypes returns the distinct hash types the agent has
	// benchmarks for.
	AllowedHashTypes(ctx context.Context, agentID int64) ([]int, error)
	// FastestBenchmark returns the agent's fastest benchmark for the given
	// hash mode, summed over devices measured in the same run.
	FastestBenchmark(ctx context.Context, agentID int64, hashMode int) (types.HashcatBenchmark, bool, error)
	// FastestBenchmarkSpeed returns the highest hash speed any agent has
	// recorded for the given hash mode.
	FastestBenchmarkSpeed(ctx context.Context, hashMode int) (float64, bool, error)

	CreateAgentError(ctx context.Context, agentError types.AgentError) (types.AgentError, error)
	// TaskHasFatalError reports whether a fatal-severity error was recorded
	// against the given task.
	TaskHasFatalError(ctx context.Context, taskID int64) (bool, error)
	DeleteAgentErrorsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	CountActiveAgents(ctx context.Context) (int64, error)
	ListAgentsLastSeenBefore(ctx context.Context, cutoff time.Time) ([]types.Agent, error)
}

// TaskDB is typed access to tasks.
type TaskDB interface {
	CreateTask(ctx context.Context, task types.Task) (types.Task, error)
	GetTask(ctx context.Context, id int64) (types.Task, error)
	UpdateTask(ctx context.Context, id int64, cb UpdateTaskCallback) (types.Task, error)
	DeleteTask(ctx context.Context, id int64) error

	// ClaimTask compare-and-swaps the task onto the agent: it succeeds only
	// if the task is still in expectState and owned by the agent (or
	// unowned). Losers get ErrConflict.
	ClaimTask(ctx context.Context, taskID, agentID int64, expectState types.TaskState) (types.Task, error)

	// ForceSetPendingForPreemption returns a running task to pending without
	// running state machine callbacks: preemption_count += 1, stale = true.
	// This is a named primitive, deliberately outside the state machine.
	ForceSetPendingForPreemption(ctx context.Context, taskID int64) (types.Task, error)

	// ClearStale flips task.stale to false. Named primitive used by get_zaps.
	ClearStale(ctx context.Context, taskID int64) error

	ListTasksForAgent(ctx context.Context, agentID int64) ([]types.Task, error)
	ListTasksForAttack(ctx context.Context, attackID int64) ([]types.Task, error)
	CountRunningTasks(ctx context.Context) (int64, error)
	CountRunningTasksForAttack(ctx context.Context, attackID int64) (int64, error)
	ListRunningTasksInactiveSince(ctx context.Context, cutoff time.Time) ([]types.Task, error)
	// ListPreemptionCandidates returns running tasks in the given project
	// whose campaign priority is strictly below the given priority, joined
	// with that priority for selection.
	ListPreemptionCandidates(ctx context.Context, projectID int64, below types.CampaignPriority) ([]PreemptionCandidate, error)
}

// PreemptionCandidate is a running task joined with its campaign priority.
type PreemptionCandidate struct {
	Task     types.Task
	Priority types.CampaignPriority
}

// AttackDB is typed access to attacks and campaigns.
type AttackDB interface {
	CreateAttack(ctx context.Context, attack types.Attack) (types.Attack, error)
	GetAttack(ctx context.Context, id int64) (types.Attack, error)
	UpdateAttack(ctx context.Context, id int64, cb UpdateAttackCallback) (types.Attack, error)
	ListAttacksForCampaign(ctx context.Context, campaignID int64) ([]types.Attack, error)

	CreateCampaign(ctx context.Context, campaign types.Campaign) (types.Campaign, error)
	GetCampaign(ctx context.Context, id int64) (types.Campaign, error)
	UpdateCampaign(ctx context.Context, id int64, cb UpdateCampaignCallback) (types.Campaign, error)

	CreateProject(ctx context.Context, project types.Project) (types.Project, error)

	// ListCandidateAttacks returns pending/running attacks whose campaign is
	// in one of the given projects and whose hash list's hash type is in the
	// given set and still has uncracked items, ordered by campaign priority
	// descending, then complexity ascending, then creation time ascending.
	ListCandidateAttacks(ctx context.Context, projectIDs []int64, hashTypes []int) ([]CandidateAttack, error)

	// ListRebalanceAttacks returns incomplete attacks of at least normal
	// priority with uncracked items and no running tasks.
	ListRebalanceAttacks(ctx context.Context) ([]CandidateAttack, error)

	// CampaignFreshness returns the latest updated_at over the campaign's
	// attacks and tasks, for cache keying.
	CampaignFreshness(ctx context.Context, campaignID int64) (attacks time.Time, tasks time.Time, err error)

	CreateResourceFile(ctx context.Context, file types.ResourceFile) (types.ResourceFile, error)
	GetResourceFile(ctx context.Context, id int64) (types.ResourceFile, error)
}

// HashDB is typed access to hash lists and items.
type HashDB interface {
	CreateHashList(ctx context.Context, list types.HashList) (types.HashList, error)
	GetHashList(ctx context.Context, id int64) (types.HashList, error)
	CreateHashItems(ctx context.Context, items []types.HashItem) error
	GetHashItem(ctx context.Context, hashListID int64, hashValue string) (types.HashItem, error)

	// ApplyCrack performs the crack submission procedure as one transaction:
	// locate and lock the item, record the plaintext, propagate to identical
	// uncracked items in every hash list of the same hash type, mark other
	// tasks touching the affected hash lists stale, and maintain
	// uncracked_count on every touched list.
	ApplyCrack(ctx context.Context, params ApplyCrackParams) (CrackOutcome, error)

	// WriteUncrackedList streams the hash list's uncracked items, one raw
	// hash per line.
	WriteUncrackedList(ctx context.Context, hashListID int64, w io.Writer) error
	// WriteCrackedList streams "hash:plaintext" lines for cracked items.
	WriteCrackedList(ctx context.Context, hashListID int64, w io.Writer) error
}

// StatusDB is typed access to task status snapshots.
type StatusDB interface {
	SaveStatus(ctx context.Context, status types.HashcatStatus) (types.HashcatStatus, error)
	LatestStatusForTask(ctx context.Context, taskID int64) (types.HashcatStatus, bool, error)
	// TrimStatuses keeps the most recent 'keep' statuses per pending/running
	// task, deletes all statuses of terminal tasks, and deletes statuses
	// older than the cutoff. Returns the number of rows removed.
	TrimStatuses(ctx context.Context, keep int, cutoff time.Time) (int64, error)
}

// AuditDB records state machine transitions.
type AuditDB interface {
	RecordTransition(ctx context.Context, audit types.TransitionAudit) error
	DeleteAuditBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// DB is the full store interface.
type DB interface {
	AgentDB
	TaskDB
	AttackDB
	HashDB
	StatusDB
	AuditDB

	// Ping checks store connectivity, used by the health probe.
	Ping(ctx context.Context) error
}
