// Package memory provides an in-memory implementation of db.DB with the same
// semantics as the SQL implementation. It is used by service tests and for
// local development without a database.
package memory

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"go.cipherswarm.org/server/go/cserr"
	"go.cipherswarm.org/server/go/now"
	"go.cipherswarm.org/server/swarm/go/db"
	"go.cipherswarm.org/server/swarm/go/types"
)

// DB implements db.DB in memory. A single mutex serializes all operations,
// which trivially provides the atomicity the SQL implementation gets from
// transactions and row locks.
type DB struct {
	mtx sync.Mutex

	nextID int64

	projects   map[int64]types.Project
	campaigns  map[int64]types.Campaign
	hashLists  map[int64]types.HashList
	hashItems  map[int64]types.HashItem
	attacks    map[int64]types.Attack
	tasks      map[int64]types.Task
	agents     map[int64]types.Agent
	benchmarks map[int64]types.HashcatBenchmark
	errors     map[int64]types.AgentError
	statuses   map[int64]types.HashcatStatus
	audits     map[int64]types.TransitionAudit
	resources  map[int64]types.ResourceFile
}

// New returns an empty in-memory DB.
func New() *DB {
	return &DB{
		projects:   map[int64]types.Project{},
		campaigns:  map[int64]types.Campaign{},
		hashLists:  map[int64]types.HashList{},
		hashItems:  map[int64]types.HashItem{},
		attacks:    map[int64]types.Attack{},
		tasks:      map[int64]types.Task{},
		agents:     map[int64]types.Agent{},
		benchmarks: map[int64]types.HashcatBenchmark{},
		errors:     map[int64]types.AgentError{},
		statuses:   map[int64]types.HashcatStatus{},
		audits:     map[int64]types.TransitionAudit{},
		resources:  map[int64]types.ResourceFile{},
	}
}

var _ db.DB = (*DB)(nil)

func (d *DB) id() int64 {
	d.nextID++
	return d.nextID
}

// Ping implements db.DB.
func (d *DB) Ping(ctx context.Context) error {
	return nil
}

// CreateProject implements db.AttackDB.
func (d *DB) CreateProject(ctx context.Context, project types.Project) (types.Project, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	project.ID = d.id()
	if project.CreatedAt.IsZero() {
		project.CreatedAt = now.Now(ctx)
	}
	d.projects[project.ID] = project
	return project, nil
}

// CreateAgent implements db.AgentDB.
func (d *DB) CreateAgent(ctx context.Context, agent types.Agent) (types.Agent, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	agent.ID = d.id()
	ts := now.Now(ctx)
	agent.CreatedAt = ts
	agent.UpdatedAt = ts
	if agent.State == "" {
		agent.State = types.AgentStatePending
	}
	d.agents[agent.ID] = agent.Copy()
	return agent, nil
}

// GetAgent implements db.AgentDB.
func (d *DB) GetAgent(ctx context.Context, id int64) (types.Agent, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	agent, ok := d.agents[id]
	if !ok {
		return types.Agent{}, cserr.Wrapf(db.ErrNotFound, "agent %d", id)
	}
	return agent.Copy(), nil
}

// GetAgentByToken implements db.AgentDB.
func (d *DB) GetAgentByToken(ctx context.Context, token string) (types.Agent, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	for _, agent := range d.agents {
		if agent.Token == token {
			return agent.Copy(), nil
		}
	}
	return types.Agent{}, cserr.Wrapf(db.ErrNotFound, "agent with token")
}

// ListAgents implements db.AgentDB.
func (d *DB) ListAgents(ctx context.Context) ([]types.Agent, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	ret := make([]types.Agent, 0, len(d.agents))
	for _, agent := range d.agents {
		ret = append(ret, agent.Copy())
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret, nil
}

// UpdateAgent implements db.AgentDB.
func (d *DB) UpdateAgent(ctx context.Context, id int64, cb db.UpdateAgentCallback) (types.Agent, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	agent, ok := d.agents[id]
	if !ok {
		return types.Agent{}, cserr.Wrapf(db.ErrNotFound, "agent %d", id)
	}
	updated, err := cb(agent.Copy())
	if err != nil {
		return types.Agent{}, err
	}
	updated.ID = id
	updated.UpdatedAt = now.Now(ctx)
	d.agents[id] = updated.Copy()
	return updated, nil
}

// ReplaceBenchmarks implements db.AgentDB.
func (d *DB) ReplaceBenchmarks(ctx context.Context, agentID int64, benchmarks []types.HashcatBenchmark) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if _, ok := d.agents[agentID]; !ok {
		return cserr.Wrapf(db.ErrNotFound, "agent %d", agentID)
	}
	for id, b := range d.benchmarks {
		if b.AgentID == agentID {
			delete(d.benchmarks, id)
		}
	}
	ts := now.Now(ctx)
	for _, b := range benchmarks {
		b.ID = d.id()
		b.AgentID = agentID
		b.CreatedAt = ts
		d.benchmarks[b.ID] = b
	}
	return nil
}

// ListBenchmarks implements db.AgentDB.
func (d *DB) ListBenchmarks(ctx context.Context, agentID int64) ([]types.HashcatBenchmark, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	var ret []types.HashcatBenchmark
	for _, b := range d.benchmarks {
		if b.AgentID == agentID {
			ret = append(ret, b)
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret, nil
}

// AllowedHashTypes implements db.AgentDB.
func (d *DB) AllowedHashTypes(ctx context.Context, agentID int64) ([]int, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	seen := map[int]bool{}
	for _, b := range d.benchmarks {
		if b.AgentID == agentID {
			seen[b.HashType] = true
		}
	}
	ret := make([]int, 0, len(seen))
	for ht := range seen {
		ret = append(ret, ht)
	}
	sort.Ints(ret)
	return ret, nil
}

// FastestBenchmark implements db.AgentDB.
func (d *DB) FastestBenchmark(ctx context.Context, agentID int64, hashMode int) (types.HashcatBenchmark, bool, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	var best types.HashcatBenchmark
	found := false
	for _, b := range d.benchmarks {
		if b.AgentID == agentID && b.HashType == hashMode {
			if !found || b.HashSpeed > best.HashSpeed {
				best = b
				found = true
			}
		}
	}
	return best, found, nil
}

// FastestBenchmarkSpeed implements db.AgentDB.
func (d *DB) FastestBenchmarkSpeed(ctx context.Context, hashMode int) (float64, bool, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	var best float64
	found := false
	for _, b := range d.benchmarks {
		if b.HashType == hashMode && b.HashSpeed > best {
			best = b.HashSpeed
			found = true
		}
	}
	return best, found, nil
}

// CreateAgentError implements db.AgentDB.
func (d *DB) CreateAgentError(ctx context.Context, agentError types.AgentError) (types.AgentError, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	agentError.ID = d.id()
	if agentError.CreatedAt.IsZero() {
		agentError.CreatedAt = now.Now(ctx)
	}
	d.errors[agentError.ID] = agentError
	return agentError, nil
}

// TaskHasFatalError implements db.AgentDB.
func (d *DB) TaskHasFatalError(ctx context.Context, taskID int64) (bool, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	for _, e := range d.errors {
		if e.TaskID == taskID && e.FatalForTask() {
			return true, nil
		}
	}
	return false, nil
}

// DeleteAgentErrorsBefore implements db.AgentDB.
func (d *DB) DeleteAgentErrorsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	var n int64
	for id, e := range d.errors {
		if e.CreatedAt.Before(cutoff) {
			delete(d.errors, id)
			n++
		}
	}
	return n, nil
}

// CountActiveAgents implements db.AgentDB.
func (d *DB) CountActiveAgents(ctx context.Context) (int64, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	var n int64
	for _, a := range d.agents {
		if a.State == types.AgentStateActive {
			n++
		}
	}
	return n, nil
}

// ListAgentsLastSeenBefore implements db.AgentDB.
func (d *DB) ListAgentsLastSeenBefore(ctx context.Context, cutoff time.Time) ([]types.Agent, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	var ret []types.Agent
	for _, a := range d.agents {
		if a.State == types.AgentStateActive && !a.LastSeenAt.IsZero() && a.LastSeenAt.Before(cutoff) {
			ret = append(ret, a.Copy())
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret, nil
}

// CreateTask implements db.TaskDB.
func (d *DB) CreateTask(ctx context.Context, task types.Task) (types.Task, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	task.ID = d.id()
	ts := now.Now(ctx)
	task.CreatedAt = ts
	task.UpdatedAt = ts
	if task.State == "" {
		task.State = types.TaskStatePending
	}
	d.tasks[task.ID] = task
	return task, nil
}

// GetTask implements db.TaskDB.
func (d *DB) GetTask(ctx context.Context, id int64) (types.Task, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	task, ok := d.tasks[id]
	if !ok {
		return types.Task{}, cserr.Wrapf(db.ErrNotFound, "task %d", id)
	}
	return task, nil
}

// UpdateTask implements db.TaskDB.
func (d *DB) UpdateTask(ctx context.Context, id int64, cb db.UpdateTaskCallback) (types.Task, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	task, ok := d.tasks[id]
	if !ok {
		return types.Task{}, cserr.Wrapf(db.ErrNotFound, "task %d", id)
	}
	updated, err := cb(task)
	if err != nil {
		return types.Task{}, err
	}
	updated.ID = id
	updated.UpdatedAt = now.Now(ctx)
	d.tasks[id] = updated
	return updated, nil
}

// DeleteTask implements db.TaskDB.
func (d *DB) DeleteTask(ctx context.Context, id int64) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	delete(d.tasks, id)
	for sid, s := range d.statuses {
		if s.TaskID == id {
			delete(d.statuses, sid)
		}
	}
	return nil
}

// ClaimTask implements db.TaskDB.
func (d *DB) ClaimTask(ctx context.Context, taskID, agentID int64, expectState types.TaskState) (types.Task, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	task, ok := d.tasks[taskID]
	if !ok {
		return types.Task{}, cserr.Wrapf(db.ErrNotFound, "task %d", taskID)
	}
	if task.State != expectState || (task.AgentID != 0 && task.AgentID != agentID) {
		return types.Task{}, cserr.Wrapf(db.ErrConflict, "task %d claim", taskID)
	}
	task.AgentID = agentID
	task.UpdatedAt = now.Now(ctx)
	d.tasks[taskID] = task
	return task, nil
}

// ForceSetPendingForPreemption implements db.TaskDB.
func (d *DB) ForceSetPendingForPreemption(ctx context.Context, taskID int64) (types.Task, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	task, ok := d.tasks[taskID]
	if !ok {
		return types.Task{}, cserr.Wrapf(db.ErrNotFound, "task %d", taskID)
	}
	if task.State != types.TaskStateRunning {
		return types.Task{}, cserr.Wrapf(db.ErrConflict, "task %d no longer running", taskID)
	}
	task.State = types.TaskStatePending
	task.Stale = true
	task.PreemptionCount++
	task.UpdatedAt = now.Now(ctx)
	d.tasks[taskID] = task
	return task, nil
}

// ClearStale implements db.TaskDB.
func (d *DB) ClearStale(ctx context.Context, taskID int64) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	task, ok := d.tasks[taskID]
	if !ok {
		return cserr.Wrapf(db.ErrNotFound, "task %d", taskID)
	}
	task.Stale = false
	task.UpdatedAt = now.Now(ctx)
	d.tasks[taskID] = task
	return nil
}

// ListTasksForAgent implements db.TaskDB.
func (d *DB) ListTasksForAgent(ctx context.Context, agentID int64) ([]types.Task, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	var ret []types.Task
	for _, t := range d.tasks {
		if t.AgentID == agentID {
			ret = append(ret, t)
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret, nil
}

// ListTasksForAttack implements db.TaskDB.
func (d *DB) ListTasksForAttack(ctx context.Context, attackID int64) ([]types.Task, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	var ret []types.Task
	for _, t := range d.tasks {
		if t.AttackID == attackID {
			ret = append(ret, t)
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret, nil
}

// CountRunningTasks implements db.TaskDB.
func (d *DB) CountRunningTasks(ctx context.Context) (int64, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	var n int64
	for _, t := range d.tasks {
		if t.State == types.TaskStateRunning {
			n++
		}
	}
	return n, nil
}

// CountRunningTasksForAttack implements db.TaskDB.
func (d *DB) CountRunningTasksForAttack(ctx context.Context, attackID int64) (int64, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	var n int64
	for _, t := range d.tasks {
		if t.AttackID == attackID && t.State == types.TaskStateRunning {
			n++
		}
	}
	return n, nil
}

// ListRunningTasksInactiveSince implements db.TaskDB.
func (d *DB) ListRunningTasksInactiveSince(ctx context.Context, cutoff time.Time) ([]types.Task, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	var ret []types.Task
	for _, t := range d.tasks {
		if t.State == types.TaskStateRunning && !t.ActivityTimestamp.IsZero() && t.ActivityTimestamp.Before(cutoff) {
			ret = append(ret, t)
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret, nil
}

// ListPreemptionCandidates implements db.TaskDB.
func (d *DB) ListPreemptionCandidates(ctx context.Context, projectID int64, below types.CampaignPriority) ([]db.PreemptionCandidate, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	var ret []db.PreemptionCandidate
	for _, t := range d.tasks {
		if t.State != types.TaskStateRunning {
			continue
		}
		attack, ok := d.attacks[t.AttackID]
		if !ok {
			continue
		}
		campaign, ok := d.campaigns[attack.CampaignID]
		if !ok {
			continue
		}
		if campaign.ProjectID != projectID || campaign.Priority >= below {
			continue
		}
		ret = append(ret, db.PreemptionCandidate{Task: t, Priority: campaign.Priority})
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Task.ID < ret[j].Task.ID })
	return ret, nil
}

// CreateAttack implements db.AttackDB.
func (d *DB) CreateAttack(ctx context.Context, attack types.Attack) (types.Attack, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if attack.ComplexityValue < 0 {
		return types.Attack{}, cserr.NewKind(cserr.Validation, "complexity_value must be >= 0")
	}
	attack.ID = d.id()
	ts := now.Now(ctx)
	attack.CreatedAt = ts
	attack.UpdatedAt = ts
	if attack.State == "" {
		attack.State = types.AttackStatePending
	}
	d.attacks[attack.ID] = attack
	return attack, nil
}

// GetAttack implements db.AttackDB.
func (d *DB) GetAttack(ctx context.Context, id int64) (types.Attack, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	attack, ok := d.attacks[id]
	if !ok {
		return types.Attack{}, cserr.Wrapf(db.ErrNotFound, "attack %d", id)
	}
	return attack, nil
}

// UpdateAttack implements db.AttackDB.
func (d *DB) UpdateAttack(ctx context.Context, id int64, cb db.UpdateAttackCallback) (types.Attack, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	attack, ok := d.attacks[id]
	if !ok {
		return types.Attack{}, cserr.Wrapf(db.ErrNotFound, "attack %d", id)
	}
	updated, err := cb(attack)
	if err != nil {
		return types.Attack{}, err
	}
	updated.ID = id
	updated.UpdatedAt = now.Now(ctx)
	d.attacks[id] = updated
	return updated, nil
}

// ListAttacksForCampaign implements db.AttackDB.
func (d *DB) ListAttacksForCampaign(ctx context.Context, campaignID int64) ([]types.Attack, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	var ret []types.Attack
	for _, a := range d.attacks {
		if a.CampaignID == campaignID {
			ret = append(ret, a)
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret, nil
}

// CreateCampaign implements db.AttackDB.
func (d *DB) CreateCampaign(ctx context.Context, campaign types.Campaign) (types.Campaign, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	campaign.ID = d.id()
	ts := now.Now(ctx)
	campaign.CreatedAt = ts
	campaign.UpdatedAt = ts
	if campaign.State == "" {
		campaign.State = types.CampaignStatePending
	}
	d.campaigns[campaign.ID] = campaign
	return campaign, nil
}

// GetCampaign implements db.AttackDB.
func (d *DB) GetCampaign(ctx context.Context, id int64) (types.Campaign, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	campaign, ok := d.campaigns[id]
	if !ok {
		return types.Campaign{}, cserr.Wrapf(db.ErrNotFound, "campaign %d", id)
	}
	return campaign, nil
}

// UpdateCampaign implements db.AttackDB.
func (d *DB) UpdateCampaign(ctx context.Context, id int64, cb db.UpdateCampaignCallback) (types.Campaign, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	campaign, ok := d.campaigns[id]
	if !ok {
		return types.Campaign{}, cserr.Wrapf(db.ErrNotFound, "campaign %d", id)
	}
	updated, err := cb(campaign)
	if err != nil {
		return types.Campaign{}, err
	}
	updated.ID = id
	updated.UpdatedAt = now.Now(ctx)
	d.campaigns[id] = updated
	return updated, nil
}

// ListCandidateAttacks implements db.AttackDB.
func (d *DB) ListCandidateAttacks(ctx context.Context, projectIDs []int64, hashTypes []int) ([]db.CandidateAttack, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	projects := map[int64]bool{}
	for _, id := range projectIDs {
		projects[id] = true
	}
	allowed := map[int]bool{}
	for _, ht := range hashTypes {
		allowed[ht] = true
	}
	var ret []db.CandidateAttack
	for _, a := range d.attacks {
		if a.State != types.AttackStatePending && a.State != types.AttackStateRunning {
			continue
		}
		campaign, ok := d.campaigns[a.CampaignID]
		if !ok || !projects[campaign.ProjectID] {
			continue
		}
		list, ok := d.hashLists[campaign.HashListID]
		if !ok || !allowed[list.HashTypeID] || list.UncrackedCount <= 0 {
			continue
		}
		ret = append(ret, db.CandidateAttack{Attack: a, Campaign: campaign, HashList: list})
	}
	sortCandidates(ret)
	return ret, nil
}

// sortCandidates orders by campaign priority descending, then attack
// complexity ascending, then creation time ascending.
func sortCandidates(c []db.CandidateAttack) {
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].Campaign.Priority != c[j].Campaign.Priority {
			return c[i].Campaign.Priority > c[j].Campaign.Priority
		}
		if c[i].Attack.ComplexityValue != c[j].Attack.ComplexityValue {
			return c[i].Attack.ComplexityValue < c[j].Attack.ComplexityValue
		}
		if !c[i].Attack.CreatedAt.Equal(c[j].Attack.CreatedAt) {
			return c[i].Attack.CreatedAt.Before(c[j].Attack.CreatedAt)
		}
		return c[i].Attack.ID < c[j].Attack.ID
	})
}

// ListRebalanceAttacks implements db.AttackDB.
func (d *DB) ListRebalanceAttacks(ctx context.Context) ([]db.CandidateAttack, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	var ret []db.CandidateAttack
	for _, a := range d.attacks {
		if a.State != types.AttackStatePending && a.State != types.AttackStateRunning {
			continue
		}
		campaign, ok := d.campaigns[a.CampaignID]
		if !ok || campaign.Priority < types.PriorityNormal {
			continue
		}
		list, ok := d.hashLists[campaign.HashListID]
		if !ok || list.UncrackedCount <= 0 {
			continue
		}
		running := false
		for _, t := range d.tasks {
			if t.AttackID == a.ID && t.State == types.TaskStateRunning {
				running = true
				break
			}
		}
		if running {
			continue
		}
		ret = append(ret, db.CandidateAttack{Attack: a, Campaign: campaign, HashList: list})
	}
	sortCandidates(ret)
	return ret, nil
}

// CampaignFreshness implements db.AttackDB.
func (d *DB) CampaignFreshness(ctx context.Context, campaignID int64) (time.Time, time.Time, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if _, ok := d.campaigns[campaignID]; !ok {
		return time.Time{}, time.Time{}, cserr.Wrapf(db.ErrNotFound, "campaign %d", campaignID)
	}
	var attacksMax, tasksMax time.Time
	for _, a := range d.attacks {
		if a.CampaignID != campaignID {
			continue
		}
		if a.UpdatedAt.After(attacksMax) {
			attacksMax = a.UpdatedAt
		}
		for _, t := range d.tasks {
			if t.AttackID == a.ID && t.UpdatedAt.After(tasksMax) {
				tasksMax = t.UpdatedAt
			}
		}
	}
	return attacksMax, tasksMax, nil
}

// CreateResourceFile implements db.AttackDB.
func (d *DB) CreateResourceFile(ctx context.Context, file types.ResourceFile) (types.ResourceFile, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	file.ID = d.id()
	d.resources[file.ID] = file
	return file, nil
}

// GetResourceFile implements db.AttackDB.
func (d *DB) GetResourceFile(ctx context.Context, id int64) (types.ResourceFile, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	file, ok := d.resources[id]
	if !ok {
		return types.ResourceFile{}, cserr.Wrapf(db.ErrNotFound, "resource file %d", id)
	}
	return file, nil
}

// CreateHashList implements db.HashDB.
func (d *DB) CreateHashList(ctx context.Context, list types.HashList) (types.HashList, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	list.ID = d.id()
	ts := now.Now(ctx)
	list.CreatedAt = ts
	list.UpdatedAt = ts
	d.hashLists[list.ID] = list
	return list, nil
}

// GetHashList implements db.HashDB.
func (d *DB) GetHashList(ctx context.Context, id int64) (types.HashList, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	list, ok := d.hashLists[id]
	if !ok {
		return types.HashList{}, cserr.Wrapf(db.ErrNotFound, "hash list %d", id)
	}
	return list, nil
}

// CreateHashItems implements db.HashDB.
func (d *DB) CreateHashItems(ctx context.Context, items []types.HashItem) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	touched := map[int64]bool{}
	for _, item := range items {
		if _, ok := d.hashLists[item.HashListID]; !ok {
			return cserr.Wrapf(db.ErrNotFound, "hash list %d", item.HashListID)
		}
		item.ID = d.id()
		d.hashItems[item.ID] = item
		touched[item.HashListID] = true
	}
	for listID := range touched {
		d.recountLocked(ctx, listID)
	}
	return nil
}

// GetHashItem implements db.HashDB.
func (d *DB) GetHashItem(ctx context.Context, hashListID int64, hashValue string) (types.HashItem, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	for _, item := range d.hashItems {
		if item.HashListID == hashListID && item.HashValue == hashValue {
			return item, nil
		}
	}
	return types.HashItem{}, cserr.Wrapf(db.ErrNotFound, "hash item in list %d", hashListID)
}

// recountLocked recomputes a hash list's uncracked count. Callers must hold
// d.mtx.
func (d *DB) recountLocked(ctx context.Context, hashListID int64) {
	list, ok := d.hashLists[hashListID]
	if !ok {
		return
	}
	var n int64
	for _, item := range d.hashItems {
		if item.HashListID == hashListID && !item.Cracked {
			n++
		}
	}
	list.UncrackedCount = n
	list.UpdatedAt = now.Now(ctx)
	d.hashLists[hashListID] = list
}

// ApplyCrack implements db.HashDB.
func (d *DB) ApplyCrack(ctx context.Context, params db.ApplyCrackParams) (db.CrackOutcome, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	var target *types.HashItem
	for id := range d.hashItems {
		item := d.hashItems[id]
		if item.HashListID == params.HashListID && item.HashValue == params.HashValue {
			target = &item
			break
		}
	}
	if target == nil {
		return db.CrackOutcome{}, cserr.Wrapf(db.ErrNotFound, "hash in list %d", params.HashListID)
	}

	list := d.hashLists[params.HashListID]
	if target.Cracked {
		// At-most-once: success without overwriting.
		return db.CrackOutcome{AlreadyCracked: true, UncrackedRemaining: list.UncrackedCount}, nil
	}

	crackedTime := params.Timestamp
	if crackedTime.IsZero() {
		crackedTime = now.Now(ctx)
	}

	// Apply to the target plus every identical uncracked item in hash lists
	// of the same hash type.
	touchedLists := map[int64]bool{}
	var propagated int64
	for id := range d.hashItems {
		item := d.hashItems[id]
		if item.HashValue != params.HashValue || item.Cracked {
			continue
		}
		itemList, ok := d.hashLists[item.HashListID]
		if !ok || itemList.HashTypeID != params.HashTypeID {
			continue
		}
		item.Cracked = true
		item.PlainText = params.PlainText
		item.CrackedTime = crackedTime
		item.AttackID = params.AttackID
		d.hashItems[id] = item
		if item.HashListID != params.HashListID {
			propagated++
		}
		touchedLists[item.HashListID] = true
	}
	for listID := range touchedLists {
		d.recountLocked(ctx, listID)
	}

	// Mark other live tasks whose campaign shares a touched hash list stale.
	var stale int64
	for id, t := range d.tasks {
		if t.ID == params.TaskID || t.Stale {
			continue
		}
		if t.State != types.TaskStatePending && t.State != types.TaskStateRunning {
			continue
		}
		attack, ok := d.attacks[t.AttackID]
		if !ok {
			continue
		}
		campaign, ok := d.campaigns[attack.CampaignID]
		if !ok {
			continue
		}
		if touchedLists[campaign.HashListID] {
			t.Stale = true
			t.UpdatedAt = now.Now(ctx)
			d.tasks[id] = t
			stale++
		}
	}

	return db.CrackOutcome{
		PropagatedLists:    propagated,
		StaleTasks:         stale,
		UncrackedRemaining: d.hashLists[params.HashListID].UncrackedCount,
	}, nil
}

// WriteUncrackedList implements db.HashDB.
func (d *DB) WriteUncrackedList(ctx context.Context, hashListID int64, w io.Writer) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if _, ok := d.hashLists[hashListID]; !ok {
		return cserr.Wrapf(db.ErrNotFound, "hash list %d", hashListID)
	}
	items := d.sortedItemsLocked(hashListID)
	for _, item := range items {
		if item.Cracked {
			continue
		}
		if _, err := fmt.Fprintln(w, item.HashValue); err != nil {
			return cserr.Wrap(err)
		}
	}
	return nil
}

// WriteCrackedList implements db.HashDB.
func (d *DB) WriteCrackedList(ctx context.Context, hashListID int64, w io.Writer) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if _, ok := d.hashLists[hashListID]; !ok {
		return cserr.Wrapf(db.ErrNotFound, "hash list %d", hashListID)
	}
	items := d.sortedItemsLocked(hashListID)
	for _, item := range items {
		if !item.Cracked {
			continue
		}
		if _, err := fmt.Fprintf(w, "%s:%s\n", item.HashValue, item.PlainText); err != nil {
			return cserr.Wrap(err)
		}
	}
	return nil
}

func (d *DB) sortedItemsLocked(hashListID int64) []types.HashItem {
	var items []types.HashItem
	for _, item := range d.hashItems {
		if item.HashListID == hashListID {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items
}

// SaveStatus implements db.StatusDB.
func (d *DB) SaveStatus(ctx context.Context, status types.HashcatStatus) (types.HashcatStatus, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if _, ok := d.tasks[status.TaskID]; !ok {
		return types.HashcatStatus{}, cserr.Wrapf(db.ErrNotFound, "task %d", status.TaskID)
	}
	status.ID = d.id()
	if status.CreatedAt.IsZero() {
		status.CreatedAt = now.Now(ctx)
	}
	d.statuses[status.ID] = status.Copy()
	return status, nil
}

// LatestStatusForTask implements db.StatusDB.
func (d *DB) LatestStatusForTask(ctx context.Context, taskID int64) (types.HashcatStatus, bool, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	var latest types.HashcatStatus
	found := false
	for _, s := range d.statuses {
		if s.TaskID == taskID && (!found || s.ID > latest.ID) {
			latest = s
			found = true
		}
	}
	return latest.Copy(), found, nil
}

// TrimStatuses implements db.StatusDB.
func (d *DB) TrimStatuses(ctx context.Context, keep int, cutoff time.Time) (int64, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	byTask := map[int64][]types.HashcatStatus{}
	for _, s := range d.statuses {
		byTask[s.TaskID] = append(byTask[s.TaskID], s)
	}
	var removed int64
	for taskID, statuses := range byTask {
		task, ok := d.tasks[taskID]
		terminal := !ok || task.State.Done() || task.State == types.TaskStateFailed
		// Newest first.
		sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID > statuses[j].ID })
		for i, s := range statuses {
			if terminal || i >= keep || s.CreatedAt.Before(cutoff) {
				delete(d.statuses, s.ID)
				removed++
			}
		}
	}
	return removed, nil
}

// RecordTransition implements db.AuditDB.
func (d *DB) RecordTransition(ctx context.Context, audit types.TransitionAudit) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	audit.ID = d.id()
	if audit.CreatedAt.IsZero() {
		audit.CreatedAt = now.Now(ctx)
	}
	d.audits[audit.ID] = audit
	return nil
}

// DeleteAuditBefore implements db.AuditDB.
func (d *DB) DeleteAuditBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	var n int64
	for id, a := range d.audits {
		if a.CreatedAt.Before(cutoff) {
			delete(d.audits, id)
			n++
		}
	}
	return n, nil
}
