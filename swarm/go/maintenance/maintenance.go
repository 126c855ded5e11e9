// Package maintenance runs the periodic housekeeping tick: offline
// detection, task abandonment, retention trimming and rebalancing. Each tick
// tolerates individual step failures and never aborts the remaining steps.
package maintenance

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"go.cipherswarm.org/server/go/cleanup"
	"go.cipherswarm.org/server/go/cslog"
	"go.cipherswarm.org/server/go/now"
	"go.cipherswarm.org/server/go/util"
	"go.cipherswarm.org/server/swarm/go/config"
	"go.cipherswarm.org/server/swarm/go/db"
	"go.cipherswarm.org/server/swarm/go/scheduling"
	"go.cipherswarm.org/server/swarm/go/statemachine"
	"go.cipherswarm.org/server/swarm/go/types"
)

const (
	// TickFrequency is how often the loop runs.
	TickFrequency = 30 * time.Second

	// stepTimeout bounds each individual maintenance step.
	stepTimeout = 20 * time.Second
)

var (
	stepFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarmserver_maintenance_step_failures",
		Help: "Maintenance steps that failed, by step name.",
	}, []string{"step"})
	agentsMarkedOffline = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swarmserver_agents_marked_offline",
		Help: "Agents transitioned to offline by the maintenance loop.",
	})
	tasksAbandoned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swarmserver_tasks_abandoned",
		Help: "Running tasks deleted after their activity window lapsed.",
	})
	rowsTrimmed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarmserver_maintenance_rows_trimmed",
		Help: "Rows removed by retention steps, by table.",
	}, []string{"table"})
)

// Loop is the maintenance loop.
type Loop struct {
	db    db.DB
	cfg   config.Config
	sched *scheduling.Service
}

// New returns a new maintenance Loop.
func New(d db.DB, cfg config.Config, sched *scheduling.Service) *Loop {
	return &Loop{
		db:    d,
		cfg:   cfg,
		sched: sched,
	}
}

// Start registers the loop with the cleanup package; it ticks until shutdown.
func (l *Loop) Start() {
	cleanup.Repeat(TickFrequency, l.Tick, nil)
}

// Tick runs all maintenance steps once, in order, tolerating individual
// failures. The failure summary is logged and counted but never returned to a
// scheduler, so a bad step can't starve the rest.
func (l *Loop) Tick(ctx context.Context) {
	var errs *multierror.Error
	step := func(name string, fn func(ctx context.Context) error) {
		if err := util.WithTimeout(ctx, stepTimeout, fn); err != nil {
			stepFailures.WithLabelValues(name).Inc()
			errs = multierror.Append(errs, err)
			cslog.Errorf("maintenance step %s failed: %s", name, err)
		}
	}
	step("offline_detection", l.markOfflineAgents)
	step("abandonment", l.abandonInactiveTasks)
	step("status_trimming", l.trimStatuses)
	step("retention", l.applyRetention)
	step("rebalancing", l.rebalance)
	if err := errs.ErrorOrNil(); err != nil {
		cslog.Warningf("maintenance tick finished with %d failed steps", len(errs.Errors))
	}
}

// markOfflineAgents transitions active agents that missed their heartbeat
// window to offline.
func (l *Loop) markOfflineAgents(ctx context.Context) error {
	cutoff := now.Now(ctx).Add(-l.cfg.AgentOffline)
	agents, err := l.db.ListAgentsLastSeenBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	var errs *multierror.Error
	for _, agent := range agents {
		var audit *types.TransitionAudit
		_, err := l.db.UpdateAgent(ctx, agent.ID, func(a types.Agent) (types.Agent, error) {
			next, changed, err := statemachine.ApplyAgent(a.State, statemachine.AgentEventMarkOffline)
			if err != nil {
				return types.Agent{}, err
			}
			if changed {
				a2 := statemachine.Audit(ctx, "agent", a.ID, string(a.State), string(next), statemachine.AgentEventMarkOffline)
				audit = &a2
			}
			a.State = next
			return a, nil
		})
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if audit != nil {
			if err := l.db.RecordTransition(ctx, *audit); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		agentsMarkedOffline.Inc()
	}
	return errs.ErrorOrNil()
}

// abandonInactiveTasks deletes running tasks whose activity window lapsed and
// resets their attack so the work is handed out again.
func (l *Loop) abandonInactiveTasks(ctx context.Context) error {
	cutoff := now.Now(ctx).Add(-l.cfg.TaskAbandon)
	tasks, err := l.db.ListRunningTasksInactiveSince(ctx, cutoff)
	if err != nil {
		return err
	}
	var errs *multierror.Error
	for _, task := range tasks {
		cslog.Infof("abandoning task %d (agent %d): no activity since %s", task.ID, task.AgentID, task.ActivityTimestamp)
		if err := l.db.DeleteTask(ctx, task.ID); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		tasksAbandoned.Inc()
		if err := l.reevaluateAttack(ctx, task.AttackID); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// reevaluateAttack returns a running attack with no remaining running tasks
// to pending so assignment picks it up again.
func (l *Loop) reevaluateAttack(ctx context.Context, attackID int64) error {
	running, err := l.db.CountRunningTasksForAttack(ctx, attackID)
	if err != nil {
		return err
	}
	if running > 0 {
		return nil
	}
	var audit *types.TransitionAudit
	if _, err := l.db.UpdateAttack(ctx, attackID, func(a types.Attack) (types.Attack, error) {
		if a.State != types.AttackStateRunning {
			return a, nil
		}
		next, changed, err := statemachine.ApplyAttack(a.State, statemachine.AttackEventReset)
		if err != nil {
			return types.Attack{}, err
		}
		if changed {
			a2 := statemachine.Audit(ctx, "attack", a.ID, string(a.State), string(next), statemachine.AttackEventReset)
			audit = &a2
		}
		a.State = next
		return a, nil
	}); err != nil {
		return err
	}
	if audit != nil {
		return l.db.RecordTransition(ctx, *audit)
	}
	return nil
}

// trimStatuses enforces the per-task status retention invariant.
func (l *Loop) trimStatuses(ctx context.Context) error {
	cutoff := now.Now(ctx).Add(-l.cfg.RetentionStatus)
	removed, err := l.db.TrimStatuses(ctx, l.cfg.NStatusKeep, cutoff)
	if err != nil {
		return err
	}
	if removed > 0 {
		rowsTrimmed.WithLabelValues("statuses").Add(float64(removed))
		cslog.Debugf("trimmed %d status rows", removed)
	}
	return nil
}

// applyRetention deletes old agent errors and audit records.
func (l *Loop) applyRetention(ctx context.Context) error {
	var errs *multierror.Error
	removed, err := l.db.DeleteAgentErrorsBefore(ctx, now.Now(ctx).Add(-l.cfg.RetentionAgentErrors))
	if err != nil {
		errs = multierror.Append(errs, err)
	} else if removed > 0 {
		rowsTrimmed.WithLabelValues("agent_errors").Add(float64(removed))
	}
	removed, err = l.db.DeleteAuditBefore(ctx, now.Now(ctx).Add(-l.cfg.RetentionAudit))
	if err != nil {
		errs = multierror.Append(errs, err)
	} else if removed > 0 {
		rowsTrimmed.WithLabelValues("transition_audits").Add(float64(removed))
	}
	return errs.ErrorOrNil()
}

// rebalance invokes preemption once for every incomplete attack of at least
// normal priority that has uncracked items and no running tasks.
func (l *Loop) rebalance(ctx context.Context) error {
	attacks, err := l.db.ListRebalanceAttacks(ctx)
	if err != nil {
		return err
	}
	var errs *multierror.Error
	for _, cand := range attacks {
		if _, err := l.sched.Preempt(ctx, cand); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
