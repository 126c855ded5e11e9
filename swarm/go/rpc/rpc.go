// Package rpc defines the frozen agent wire contract: URL paths and the JSON
// request/response bodies exchanged with agents under /api/v1/client.
package rpc

import (
	"bytes"
	"encoding/json"
	"io"
	"strconv"
	"time"

	"go.cipherswarm.org/server/go/cserr"
	"go.cipherswarm.org/server/swarm/go/types"
)

// APIVersion is reported to agents in the configuration response.
const APIVersion = 1

// BasePath is the path prefix of every agent-facing endpoint.
const BasePath = "/api/v1/client"

// Endpoint paths, relative to BasePath. {id} is a chi URL parameter.
const (
	ConfigurationPath   = "/configuration"
	AgentPath           = "/agents/{id}"
	HeartbeatPath       = "/agents/{id}/heartbeat"
	SubmitBenchmarkPath = "/agents/{id}/submit_benchmark"
	SubmitErrorPath     = "/agents/{id}/submit_error"
	ShutdownPath        = "/agents/{id}/shutdown"
	CrackerUpdatePath   = "/crackers/check_for_cracker_update"
	AttackPath          = "/attacks/{id}"
	AttackHashListPath  = "/attacks/{id}/hash_list"
	NewTaskPath         = "/tasks/new"
	TaskPath            = "/tasks/{id}"
	AcceptTaskPath      = "/tasks/{id}/accept_task"
	ExhaustedPath       = "/tasks/{id}/exhausted"
	AbandonPath         = "/tasks/{id}/abandon"
	GetZapsPath         = "/tasks/{id}/get_zaps"
	SubmitCrackPath     = "/tasks/{id}/submit_crack"
	SubmitStatusPath    = "/tasks/{id}/submit_status"
)

// ConfigurationResponse is the body of GET /configuration.
type ConfigurationResponse struct {
	Config     types.AdvancedAgentConfiguration `json:"advanced_agent_configuration"`
	APIVersion int                              `json:"api_version"`
}

// AgentView is the agent snapshot returned by GET /agents/{id}.
type AgentView struct {
	ID              int64    `json:"id"`
	Name            string   `json:"host_name"`
	ClientSignature string   `json:"client_signature"`
	OperatingSystem string   `json:"operating_system"`
	Devices         []string `json:"devices"`
	State           string   `json:"state"`
}

// ToAgentView converts an agent entity to its wire form.
func ToAgentView(a types.Agent) AgentView {
	return AgentView{
		ID:              a.ID,
		Name:            a.Name,
		ClientSignature: a.ClientSignature,
		OperatingSystem: a.OperatingSystem,
		Devices:         a.Devices,
		State:           string(a.State),
	}
}

// UpdateAgentRequest is the body of PUT /agents/{id}.
type UpdateAgentRequest struct {
	Name            string   `json:"name"`
	ClientSignature string   `json:"client_signature"`
	OperatingSystem string   `json:"operating_system"`
	Devices         []string `json:"devices"`
}

// HeartbeatResponse is returned by heartbeat when the agent is not active.
type HeartbeatResponse struct {
	State string `json:"state"`
}

// flexInt accepts both JSON numbers and their legacy string encodings.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := string(bytes.Trim(b, `"`))
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*f = flexInt(n)
	return nil
}

// flexFloat accepts both JSON numbers and their legacy string encodings.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := string(bytes.Trim(b, `"`))
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = flexFloat(n)
	return nil
}

// BenchmarkResult is one line of a benchmark submission. The legacy contract
// encodes the numeric fields as strings in some agent versions, so every
// field parses leniently.
type BenchmarkResult struct {
	HashType  flexInt   `json:"hash_type"`
	Device    flexInt   `json:"device"`
	HashSpeed flexFloat `json:"hash_speed"`
	Runtime   flexInt   `json:"runtime"`
}

// submitBenchmarkRequest is the canonical benchmark submission envelope.
type submitBenchmarkRequest struct {
	HashcatBenchmarks []BenchmarkResult `json:"hashcat_benchmarks"`
}

// ParseBenchmarkBody parses a benchmark submission. The contract permits
// either the {"hashcat_benchmarks": [...]} envelope or a bare JSON array;
// both are accepted here so no handler needs to know about the quirk.
func ParseBenchmarkBody(r io.Reader) ([]types.HashcatBenchmark, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, cserr.Wrap(err)
	}
	var req submitBenchmarkRequest
	if err := json.Unmarshal(body, &req); err != nil || req.HashcatBenchmarks == nil {
		var bare []BenchmarkResult
		if err := json.Unmarshal(body, &bare); err != nil {
			return nil, cserr.NewKind(cserr.Validation, "malformed benchmark body")
		}
		req.HashcatBenchmarks = bare
	}
	ret := make([]types.HashcatBenchmark, 0, len(req.HashcatBenchmarks))
	for _, b := range req.HashcatBenchmarks {
		ret = append(ret, types.HashcatBenchmark{
			HashType:  int(b.HashType),
			Device:    int(b.Device),
			HashSpeed: float64(b.HashSpeed),
			Runtime:   int64(b.Runtime),
		})
	}
	return ret, nil
}

// SubmitErrorRequest is the body of POST /agents/{id}/submit_error.
type SubmitErrorRequest struct {
	Message  string                 `json:"message"`
	Severity string                 `json:"severity"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	TaskID   *int64                 `json:"task_id,omitempty"`
}

// CrackerUpdateResponse is the body of GET /crackers/check_for_cracker_update.
type CrackerUpdateResponse struct {
	Available     bool   `json:"available"`
	LatestVersion string `json:"latest_version,omitempty"`
	DownloadURL   string `json:"download_url,omitempty"`
	ExecName      string `json:"exec_name,omitempty"`
	Message       string `json:"message,omitempty"`
}

// ResourceFileView references a wordlist, rule list or mask by presigned URL.
type ResourceFileView struct {
	ID          int64  `json:"id"`
	FileName    string `json:"file_name"`
	DownloadURL string `json:"download_url"`
	Checksum    string `json:"checksum"`
}

// AttackView is the attack descriptor returned by GET /attacks/{id}.
type AttackView struct {
	ID               int64             `json:"id"`
	AttackMode       string            `json:"attack_mode"`
	HashMode         int               `json:"hash_mode"`
	Mask             string            `json:"mask,omitempty"`
	CustomCharset1   string            `json:"custom_charset_1,omitempty"`
	CustomCharset2   string            `json:"custom_charset_2,omitempty"`
	CustomCharset3   string            `json:"custom_charset_3,omitempty"`
	CustomCharset4   string            `json:"custom_charset_4,omitempty"`
	ComplexityValue  int64             `json:"complexity_value"`
	HashListID       int64             `json:"hash_list_id"`
	HashListURL      string            `json:"hash_list_url"`
	HashListChecksum string            `json:"hash_list_checksum,omitempty"`
	WordList         *ResourceFileView `json:"word_list,omitempty"`
	RuleList         *ResourceFileView `json:"rule_list,omitempty"`
	State            string            `json:"state"`
}

// TaskView is the task snapshot agents see.
type TaskView struct {
	ID        int64     `json:"id"`
	AttackID  int64     `json:"attack_id"`
	StartDate time.Time `json:"start_date"`
	State     string    `json:"state"`
	Stale     bool      `json:"stale"`
}

// ToTaskView converts a task entity to its wire form.
func ToTaskView(t types.Task) TaskView {
	return TaskView{
		ID:        t.ID,
		AttackID:  t.AttackID,
		StartDate: t.StartDate,
		State:     string(t.State),
		Stale:     t.Stale,
	}
}

// AbandonResponse is the body of POST /tasks/{id}/abandon.
type AbandonResponse struct {
	Success bool   `json:"success"`
	State   string `json:"state"`
}

// SubmitCrackRequest is the body of POST /tasks/{id}/submit_crack.
type SubmitCrackRequest struct {
	Hash      string    `json:"hash"`
	PlainText string    `json:"plain_text"`
	Timestamp time.Time `json:"timestamp"`
}

// SubmitCrackResponse is the 200 body of submit_crack when the task has more
// work to do.
type SubmitCrackResponse struct {
	Message string `json:"message"`
}

// SubmitStatusRequest is the body of POST /tasks/{id}/submit_status.
type SubmitStatusRequest struct {
	OriginalLine   string               `json:"original_line"`
	Session        string               `json:"session"`
	TimeStart      time.Time            `json:"time_start"`
	Status         int                  `json:"status"`
	Target         string               `json:"target"`
	Progress       []int64              `json:"progress"`
	RestorePoint   int64                `json:"restore_point"`
	RejectedCount  int64                `json:"rejected"`
	EstimatedStop  time.Time            `json:"estimated_stop"`
	HashcatGuess   *types.HashcatGuess  `json:"hashcat_guess"`
	DeviceStatuses []types.DeviceStatus `json:"device_statuses"`
}

// ToStatus converts the wire snapshot to the stored entity. The guess block
// is handled separately because its absence is a validation failure.
func (r SubmitStatusRequest) ToStatus() types.HashcatStatus {
	st := types.HashcatStatus{
		OriginalLine:   r.OriginalLine,
		Session:        r.Session,
		TimeStart:      r.TimeStart,
		Status:         r.Status,
		Target:         r.Target,
		RestorePoint:   r.RestorePoint,
		RejectedCount:  r.RejectedCount,
		EstimatedStop:  r.EstimatedStop,
		DeviceStatuses: r.DeviceStatuses,
	}
	if len(r.Progress) > 0 {
		st.Progress[0] = r.Progress[0]
	}
	if len(r.Progress) > 1 {
		st.Progress[1] = r.Progress[1]
	}
	return st
}
