// Package statemachine holds the declarative transition tables for Task,
// Attack, Campaign and Agent, and the event-driven Apply logic shared by all
// of them.
//
// Transitions are idempotent for the current state: applying an event whose
// target state is the state the entity is already in is a no-op success.
// Unlisted events fail with an InvalidTransition error.
package statemachine

import (
	"context"

	"go.cipherswarm.org/server/go/cserr"
	"go.cipherswarm.org/server/go/cslog"
	"go.cipherswarm.org/server/go/now"
	"go.cipherswarm.org/server/swarm/go/types"
)

// Event names a state machine event.
type Event string

// Task events.
const (
	TaskEventAccept       Event = "accept"
	TaskEventAcceptStatus Event = "accept_status"
	TaskEventAcceptCrack  Event = "accept_crack"
	TaskEventComplete     Event = "complete"
	TaskEventExhaust      Event = "exhaust"
	TaskEventFail         Event = "fail"
	TaskEventReject       Event = "reject"
	TaskEventAbandon      Event = "abandon"
)

// Attack events.
const (
	AttackEventRun      Event = "run"
	AttackEventComplete Event = "complete"
	AttackEventExhaust  Event = "exhaust"
	AttackEventFail     Event = "fail"
	AttackEventPause    Event = "pause"
	AttackEventResume   Event = "resume"
	AttackEventReset    Event = "reset"
)

// Campaign events.
const (
	CampaignEventActivate Event = "activate"
	CampaignEventPause    Event = "pause"
	CampaignEventComplete Event = "complete"
)

// Agent events.
const (
	AgentEventActivate    Event = "activate"
	AgentEventHeartbeat   Event = "heartbeat"
	AgentEventShutdown    Event = "shutdown"
	AgentEventMarkOffline Event = "mark_offline"
	AgentEventMarkError   Event = "mark_error"
)

// machine is a transition table for one entity type.
type machine struct {
	entity      string
	transitions map[string]map[Event]string
}

// newMachine returns an empty machine for the named entity.
func newMachine(entity string) *machine {
	return &machine{
		entity:      entity,
		transitions: map[string]map[Event]string{},
	}
}

// t registers a transition from 'from' to 'to' on the given event.
func (m *machine) t(from, to string, event Event) *machine {
	if m.transitions[from] == nil {
		m.transitions[from] = map[Event]string{}
	}
	m.transitions[from][event] = to
	return m
}

// apply returns the state reached from 'current' on 'event'. changed is false
// for idempotent no-op re-applications.
func (m *machine) apply(current string, event Event) (next string, changed bool, err error) {
	if to, ok := m.transitions[current][event]; ok {
		return to, to != current, nil
	}
	// Idempotence: if this event would have landed on the current state, the
	// event was already applied and re-applying it is a no-op success.
	for _, events := range m.transitions {
		if to, ok := events[event]; ok && to == current {
			return current, false, nil
		}
	}
	return "", false, cserr.NewKind(cserr.InvalidTransition,
		"%s: no transition from state %q on event %q", m.entity, current, event)
}

var taskMachine = newMachine("task").
	t(string(types.TaskStatePending), string(types.TaskStateRunning), TaskEventAccept).
	t(string(types.TaskStatePending), string(types.TaskStateRunning), TaskEventAcceptStatus).
	t(string(types.TaskStateRunning), string(types.TaskStateRunning), TaskEventAcceptStatus).
	t(string(types.TaskStateRunning), string(types.TaskStateRunning), TaskEventAcceptCrack).
	t(string(types.TaskStateRunning), string(types.TaskStateCompleted), TaskEventComplete).
	t(string(types.TaskStateRunning), string(types.TaskStateExhausted), TaskEventExhaust).
	t(string(types.TaskStateRunning), string(types.TaskStateFailed), TaskEventFail).
	t(string(types.TaskStatePending), string(types.TaskStateFailed), TaskEventReject).
	t(string(types.TaskStateRunning), string(types.TaskStatePending), TaskEventAbandon)

var attackMachine = newMachine("attack").
	t(string(types.AttackStatePending), string(types.AttackStateRunning), AttackEventRun).
	t(string(types.AttackStateRunning), string(types.AttackStateRunning), AttackEventRun).
	t(string(types.AttackStatePending), string(types.AttackStateCompleted), AttackEventComplete).
	t(string(types.AttackStateRunning), string(types.AttackStateCompleted), AttackEventComplete).
	t(string(types.AttackStateRunning), string(types.AttackStateExhausted), AttackEventExhaust).
	t(string(types.AttackStatePending), string(types.AttackStateFailed), AttackEventFail).
	t(string(types.AttackStateRunning), string(types.AttackStateFailed), AttackEventFail).
	t(string(types.AttackStatePending), string(types.AttackStatePaused), AttackEventPause).
	t(string(types.AttackStateRunning), string(types.AttackStatePaused), AttackEventPause).
	t(string(types.AttackStatePaused), string(types.AttackStateRunning), AttackEventResume).
	t(string(types.AttackStateRunning), string(types.AttackStatePending), AttackEventReset)

var campaignMachine = newMachine("campaign").
	t(string(types.CampaignStatePending), string(types.CampaignStateRunning), CampaignEventActivate).
	t(string(types.CampaignStatePaused), string(types.CampaignStateRunning), CampaignEventActivate).
	t(string(types.CampaignStatePending), string(types.CampaignStatePaused), CampaignEventPause).
	t(string(types.CampaignStateRunning), string(types.CampaignStatePaused), CampaignEventPause).
	t(string(types.CampaignStatePending), string(types.CampaignStateCompleted), CampaignEventComplete).
	t(string(types.CampaignStateRunning), string(types.CampaignStateCompleted), CampaignEventComplete)

var agentMachine = newMachine("agent").
	t(string(types.AgentStatePending), string(types.AgentStateActive), AgentEventActivate).
	t(string(types.AgentStateOffline), string(types.AgentStatePending), AgentEventHeartbeat).
	t(string(types.AgentStateError), string(types.AgentStatePending), AgentEventHeartbeat).
	t(string(types.AgentStatePending), string(types.AgentStateStopped), AgentEventShutdown).
	t(string(types.AgentStateActive), string(types.AgentStateStopped), AgentEventShutdown).
	t(string(types.AgentStateOffline), string(types.AgentStateStopped), AgentEventShutdown).
	t(string(types.AgentStateError), string(types.AgentStateStopped), AgentEventShutdown).
	t(string(types.AgentStatePending), string(types.AgentStateOffline), AgentEventMarkOffline).
	t(string(types.AgentStateActive), string(types.AgentStateOffline), AgentEventMarkOffline).
	t(string(types.AgentStatePending), string(types.AgentStateError), AgentEventMarkError).
	t(string(types.AgentStateActive), string(types.AgentStateError), AgentEventMarkError)

// ApplyTask applies an event to a task state.
func ApplyTask(current types.TaskState, event Event) (types.TaskState, bool, error) {
	next, changed, err := taskMachine.apply(string(current), event)
	return types.TaskState(next), changed, err
}

// ApplyAttack applies an event to an attack state.
func ApplyAttack(current types.AttackState, event Event) (types.AttackState, bool, error) {
	next, changed, err := attackMachine.apply(string(current), event)
	return types.AttackState(next), changed, err
}

// ApplyCampaign applies an event to a campaign state.
func ApplyCampaign(current types.CampaignState, event Event) (types.CampaignState, bool, error) {
	next, changed, err := campaignMachine.apply(string(current), event)
	return types.CampaignState(next), changed, err
}

// ApplyAgent applies an event to an agent state.
func ApplyAgent(current types.AgentState, event Event) (types.AgentState, bool, error) {
	next, changed, err := agentMachine.apply(string(current), event)
	return types.AgentState(next), changed, err
}

// Audit builds the audit record for a committed transition and logs it.
// Callers persist the returned record together with the entity update.
func Audit(ctx context.Context, entity string, entityID int64, from, to string, event Event) types.TransitionAudit {
	cslog.Infof("transition: %s %d: %s -> %s (%s)", entity, entityID, from, to, event)
	return types.TransitionAudit{
		Entity:    entity,
		EntityID:  entityID,
		FromState: from,
		ToState:   to,
		Event:     string(event),
		CreatedAt: now.Now(ctx),
	}
}
