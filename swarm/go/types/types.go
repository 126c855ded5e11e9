// Package types defines the entities of the CipherSwarm control plane and
// their state vocabularies. The store persists these structs; services pass
// them by value and use Copy() before mutating.
package types

import (
	"time"
)

// CampaignPriority orders campaigns for task assignment. Higher wins.
type CampaignPriority int

const (
	PriorityDeferred CampaignPriority = -1
	PriorityNormal   CampaignPriority = 0
	PriorityHigh     CampaignPriority = 2
)

// TaskState is the lifecycle state of a Task.
type TaskState string

const (
	TaskStatePending   TaskState = "pending"
	TaskStateRunning   TaskState = "running"
	TaskStateCompleted TaskState = "completed"
	TaskStateExhausted TaskState = "exhausted"
	TaskStateFailed    TaskState = "failed"
)

// Done returns true for terminal task states.
func (s TaskState) Done() bool {
	return s == TaskStateCompleted || s == TaskStateExhausted
}

// AttackState is the lifecycle state of an Attack.
type AttackState string

const (
	AttackStatePending   AttackState = "pending"
	AttackStateRunning   AttackState = "running"
	AttackStateCompleted AttackState = "completed"
	AttackStateExhausted AttackState = "exhausted"
	AttackStateFailed    AttackState = "failed"
	AttackStatePaused    AttackState = "paused"
)

// Done returns true for terminal attack states.
func (s AttackState) Done() bool {
	return s == AttackStateCompleted || s == AttackStateExhausted || s == AttackStateFailed
}

// CampaignState is the lifecycle state of a Campaign, derived from its
// attacks plus explicit operator events.
type CampaignState string

const (
	CampaignStatePending   CampaignState = "pending"
	CampaignStateRunning   CampaignState = "running"
	CampaignStatePaused    CampaignState = "paused"
	CampaignStateCompleted CampaignState = "completed"
)

// AgentState is the lifecycle state of an Agent.
type AgentState string

const (
	AgentStatePending AgentState = "pending"
	AgentStateActive  AgentState = "active"
	AgentStateStopped AgentState = "stopped"
	AgentStateOffline AgentState = "offline"
	AgentStateError   AgentState = "error"
)

// AttackMode is the hashcat attack strategy, the discriminator of the attack
// variant.
type AttackMode string

const (
	AttackModeDictionary AttackMode = "dictionary"
	AttackModeMask       AttackMode = "mask"
	AttackModeBruteForce AttackMode = "brute_force"
	AttackModeHybridDict AttackMode = "hybrid_dict"
	AttackModeHybridMask AttackMode = "hybrid_mask"
)

// Severity tags an AgentError.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityMinor    Severity = "minor"
	SeverityMajor    Severity = "major"
	SeverityCritical Severity = "critical"
	SeverityFatal    Severity = "fatal"
)

// ParseSeverity normalizes a wire severity string. The legacy "low" alias
// maps to "info". ok is false for unknown values.
func ParseSeverity(s string) (Severity, bool) {
	switch Severity(s) {
	case SeverityInfo, SeverityWarning, SeverityMinor, SeverityMajor, SeverityCritical, SeverityFatal:
		return Severity(s), true
	}
	if s == "low" {
		return SeverityInfo, true
	}
	return "", false
}

// Project is the tenant boundary. Campaigns belong to exactly one project.
type Project struct {
	ID        int64
	Name      string
	CreatedAt time.Time
}

// Campaign is a named, prioritized workload in a project. All of its attacks
// target the same hash list.
type Campaign struct {
	ID         int64
	ProjectID  int64
	HashListID int64
	Name       string
	Priority   CampaignPriority
	State      CampaignState
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Copy returns a deep copy.
func (c Campaign) Copy() Campaign {
	return c
}

// HashList is a unique set of hash items sharing one hash type.
type HashList struct {
	ID             int64
	ProjectID      int64
	Name           string
	HashTypeID     int
	UncrackedCount int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HashItem is one hash, optionally cracked.
type HashItem struct {
	ID          int64
	HashListID  int64
	HashValue   string
	PlainText   string
	Cracked     bool
	CrackedTime time.Time
	// AttackID is the attack that cracked the item, zero until cracked.
	AttackID int64
}

// ResourceFile references a wordlist, rule list or mask file held in the
// object store. The control plane only hands out its identity, checksum and a
// presigned download URL.
type ResourceFile struct {
	ID        int64
	ProjectID int64
	Name      string
	ObjectKey string
	Checksum  string
	ByteSize  int64
}

// Attack is one cracking strategy within a campaign.
type Attack struct {
	ID         int64
	CampaignID int64
	Mode       AttackMode
	HashMode   int
	// ComplexityValue is the estimated keyspace of the attack. Never negative.
	ComplexityValue int64
	Mask            string
	CustomCharset1  string
	CustomCharset2  string
	CustomCharset3  string
	CustomCharset4  string
	WordlistID      int64
	RuleListID      int64
	State           AttackState
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Copy returns a deep copy.
func (a Attack) Copy() Attack {
	return a
}

// Task is a unit of work handed to one agent for one attack. The agent
// assignment is exclusive for the task's lifetime.
type Task struct {
	ID       int64
	AttackID int64
	AgentID  int64
	State    TaskState
	// Stale is orthogonal to State: set when external facts (zaps,
	// preemption) invalidate what the agent is doing.
	Stale             bool
	ActivityTimestamp time.Time
	StartDate         time.Time
	PreemptionCount   int
	ProgressDone      int64
	ProgressTotal     int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Copy returns a deep copy.
func (t Task) Copy() Task {
	return t
}

// ProgressPercentage returns completion in [0, 100], zero when no progress
// has been reported yet.
func (t Task) ProgressPercentage() float64 {
	if t.ProgressTotal <= 0 {
		return 0
	}
	return float64(t.ProgressDone) / float64(t.ProgressTotal) * 100
}

// AdvancedAgentConfiguration is handed to agents via GET /configuration.
type AdvancedAgentConfiguration struct {
	AgentUpdateInterval       int    `json:"agent_update_interval"`
	UseNativeHashcat          bool   `json:"use_native_hashcat"`
	BackendDevice             string `json:"backend_device,omitempty"`
	OpenCLDevices             string `json:"opencl_devices,omitempty"`
	EnableAdditionalHashTypes bool   `json:"enable_additional_hash_types"`
}

// Agent is a worker node.
type Agent struct {
	ID                    int64
	Name                  string
	Token                 string
	State                 AgentState
	LastSeenAt            time.Time
	OperatingSystem       string
	ClientSignature       string
	Devices               []string
	ProjectIDs            []int64
	AdvancedConfiguration AdvancedAgentConfiguration
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Copy returns a deep copy.
func (a Agent) Copy() Agent {
	ret := a
	ret.Devices = append([]string(nil), a.Devices...)
	ret.ProjectIDs = append([]int64(nil), a.ProjectIDs...)
	return ret
}

// InProject returns true if the agent is a member of the given project.
func (a Agent) InProject(projectID int64) bool {
	for _, id := range a.ProjectIDs {
		if id == projectID {
			return true
		}
	}
	return false
}

// HashcatBenchmark is the measured guess rate for agent x device x hash mode.
// The per-agent set is replaced atomically on each benchmark submission.
type HashcatBenchmark struct {
	ID        int64
	AgentID   int64
	HashType  int
	Device    int
	HashSpeed float64
	Runtime   int64
	CreatedAt time.Time
}

// HashcatGuess is the guess block of a status snapshot.
type HashcatGuess struct {
	GuessBase           string  `json:"guess_base"`
	GuessBaseCount      int64   `json:"guess_base_count"`
	GuessBaseOffset     int64   `json:"guess_base_offset"`
	GuessBasePercentage float64 `json:"guess_base_percentage"`
	GuessMod            string  `json:"guess_mod"`
	GuessModCount       int64   `json:"guess_mod_count"`
	GuessModOffset      int64   `json:"guess_mod_offset"`
	GuessModPercentage  float64 `json:"guess_mod_percentage"`
	GuessMode           int     `json:"guess_mode"`
}

// DeviceStatus is per-device telemetry within a status snapshot.
type DeviceStatus struct {
	DeviceID    int    `json:"device_id"`
	DeviceName  string `json:"device_name"`
	DeviceType  string `json:"device_type"`
	Speed       int64  `json:"speed"`
	Utilization int    `json:"utilization"`
	Temperature int    `json:"temperature"`
}

// HashcatStatus is a point-in-time status sample for a running task.
// Retention is bounded per task by the maintenance loop.
type HashcatStatus struct {
	ID             int64
	TaskID         int64
	OriginalLine   string
	Session        string
	TimeStart      time.Time
	Status         int
	Target         string
	Progress       [2]int64
	RestorePoint   int64
	RejectedCount  int64
	EstimatedStop  time.Time
	Guess          HashcatGuess
	DeviceStatuses []DeviceStatus
	CreatedAt      time.Time
}

// Copy returns a deep copy.
func (h HashcatStatus) Copy() HashcatStatus {
	ret := h
	ret.DeviceStatuses = append([]DeviceStatus(nil), h.DeviceStatuses...)
	return ret
}

// AgentError is a severity-tagged event reported by an agent, optionally
// linked to a task.
type AgentError struct {
	ID        int64
	AgentID   int64
	TaskID    int64 // zero when not linked to a task
	Message   string
	Severity  Severity
	Metadata  map[string]interface{}
	CreatedAt time.Time
}

// FatalForTask returns true when this error should stop the task from being
// retried or handed back out.
func (e AgentError) FatalForTask() bool {
	return e.Severity == SeverityFatal
}

// TransitionAudit records one state machine transition for audit.
type TransitionAudit struct {
	ID        int64
	Entity    string
	EntityID  int64
	FromState string
	ToState   string
	Event     string
	CreatedAt time.Time
}
