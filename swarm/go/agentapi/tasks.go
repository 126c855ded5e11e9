package agentapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.cipherswarm.org/server/go/cserr"
	"go.cipherswarm.org/server/go/cslog"
	"go.cipherswarm.org/server/go/httputils"
	"go.cipherswarm.org/server/go/now"
	"go.cipherswarm.org/server/swarm/go/rpc"
	"go.cipherswarm.org/server/swarm/go/statemachine"
	"go.cipherswarm.org/server/swarm/go/taskstatus"
	"go.cipherswarm.org/server/swarm/go/types"
)

// attackForAgent loads an attack and verifies the agent may see it via
// project membership.
func (s *Server) attackForAgent(r *http.Request, attackID int64) (types.Attack, types.Campaign, error) {
	agent := requestAgent(r)
	attack, err := s.db.GetAttack(r.Context(), attackID)
	if err != nil {
		return types.Attack{}, types.Campaign{}, err
	}
	campaign, err := s.db.GetCampaign(r.Context(), attack.CampaignID)
	if err != nil {
		return types.Attack{}, types.Campaign{}, err
	}
	if !agent.InProject(campaign.ProjectID) {
		return types.Attack{}, types.Campaign{}, cserr.NewKind(cserr.NotFound, "attack %d", attackID)
	}
	return attack, campaign, nil
}

// taskForAgent loads a task and verifies the requesting agent owns it.
func (s *Server) taskForAgent(r *http.Request, taskID int64) (types.Task, error) {
	agent := requestAgent(r)
	task, err := s.db.GetTask(r.Context(), taskID)
	if err != nil {
		return types.Task{}, err
	}
	if task.AgentID != agent.ID {
		return types.Task{}, cserr.NewKind(cserr.NotFound, "task %d", taskID)
	}
	return task, nil
}

func (s *Server) getAttackHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httputils.ReportKindedError(w, err)
		return
	}
	attack, campaign, err := s.attackForAgent(r, id)
	if err != nil {
		httputils.ReportKindedError(w, err)
		return
	}
	view := rpc.AttackView{
		ID:              attack.ID,
		AttackMode:      string(attack.Mode),
		HashMode:        attack.HashMode,
		Mask:            attack.Mask,
		CustomCharset1:  attack.CustomCharset1,
		CustomCharset2:  attack.CustomCharset2,
		CustomCharset3:  attack.CustomCharset3,
		CustomCharset4:  attack.CustomCharset4,
		ComplexityValue: attack.ComplexityValue,
		HashListID:      campaign.HashListID,
		HashListURL:     rpc.BasePath + "/attacks/" + strconv.FormatInt(attack.ID, 10) + "/hash_list",
		State:           string(attack.State),
	}
	if attack.WordlistID != 0 {
		fileView, err := s.resourceView(r, attack.WordlistID)
		if err != nil {
			httputils.ReportKindedError(w, err)
			return
		}
		view.WordList = fileView
	}
	if attack.RuleListID != 0 {
		fileView, err := s.resourceView(r, attack.RuleListID)
		if err != nil {
			httputils.ReportKindedError(w, err)
			return
		}
		view.RuleList = fileView
	}
	httputils.SendJSONResponse(w, view)
}

// resourceView builds the presigned reference for one resource file.
func (s *Server) resourceView(r *http.Request, fileID int64) (*rpc.ResourceFileView, error) {
	file, err := s.db.GetResourceFile(r.Context(), fileID)
	if err != nil {
		return nil, err
	}
	view := &rpc.ResourceFileView{
		ID:       file.ID,
		FileName: file.Name,
		Checksum: file.Checksum,
	}
	if s.objects != nil {
		url, err := s.objects.PresignDownload(r.Context(), file.ObjectKey)
		if err != nil {
			return nil, err
		}
		view.DownloadURL = url
	}
	return view, nil
}

// attackHashListHandler streams the uncracked hashes of the attack's hash
// list, one per line.
func (s *Server) attackHashListHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httputils.ReportKindedError(w, err)
		return
	}
	_, campaign, err := s.attackForAgent(r, id)
	if err != nil {
		httputils.ReportKindedError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := s.db.WriteUncrackedList(r.Context(), campaign.HashListID, w); err != nil {
		// Headers are out; all we can do is log and cut the stream short.
		cslog.Errorf("streaming uncracked list for hash list %d failed: %s", campaign.HashListID, err)
	}
}

func (s *Server) newTaskHandler(w http.ResponseWriter, r *http.Request) {
	agent := requestAgent(r)
	task, found, err := s.sched.NextTask(r.Context(), agent)
	if err != nil {
		httputils.ReportKindedError(w, err)
		return
	}
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	httputils.SendJSONResponse(w, rpc.ToTaskView(task))
}

func (s *Server) getTaskHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httputils.ReportKindedError(w, err)
		return
	}
	task, err := s.taskForAgent(r, id)
	if err != nil {
		httputils.ReportKindedError(w, err)
		return
	}
	httputils.SendJSONResponse(w, rpc.ToTaskView(task))
}

func (s *Server) acceptTaskHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httputils.ReportKindedError(w, err)
		return
	}
	agent := requestAgent(r)
	if _, err := s.sched.AcceptTask(r.Context(), agent.ID, id); err != nil {
		httputils.ReportKindedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) exhaustedHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httputils.ReportKindedError(w, err)
		return
	}
	task, err := s.taskForAgent(r, id)
	if err != nil {
		httputils.ReportKindedError(w, err)
		return
	}
	ctx := r.Context()
	var audit *types.TransitionAudit
	if _, err := s.db.UpdateTask(ctx, task.ID, func(t types.Task) (types.Task, error) {
		next, changed, err := statemachine.ApplyTask(t.State, statemachine.TaskEventExhaust)
		if err != nil {
			return types.Task{}, err
		}
		if changed {
			a := statemachine.Audit(ctx, "task", t.ID, string(t.State), string(next), statemachine.TaskEventExhaust)
			audit = &a
		}
		t.State = next
		return t, nil
	}); err != nil {
		httputils.ReportKindedError(w, err)
		return
	}
	if audit != nil {
		if err := s.db.RecordTransition(ctx, *audit); err != nil {
			httputils.ReportKindedError(w, err)
			return
		}
	}
	if err := s.exhaustAttackIfDone(r, task.AttackID); err != nil {
		httputils.ReportKindedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// exhaustAttackIfDone moves the attack to exhausted once its last live task
// reported exhaustion.
func (s *Server) exhaustAttackIfDone(r *http.Request, attackID int64) error {
	ctx := r.Context()
	tasks, err := s.db.ListTasksForAttack(ctx, attackID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.State == types.TaskStatePending || t.State == types.TaskStateRunning {
			return nil
		}
	}
	var audit *types.TransitionAudit
	if _, err := s.db.UpdateAttack(ctx, attackID, func(a types.Attack) (types.Attack, error) {
		if a.State != types.AttackStateRunning {
			return a, nil
		}
		next, changed, err := statemachine.ApplyAttack(a.State, statemachine.AttackEventExhaust)
		if err != nil {
			return types.Attack{}, err
		}
		if changed {
			a2 := statemachine.Audit(ctx, "attack", a.ID, string(a.State), string(next), statemachine.AttackEventExhaust)
			audit = &a2
		}
		a.State = next
		return a, nil
	}); err != nil {
		return err
	}
	if audit != nil {
		return s.db.RecordTransition(ctx, *audit)
	}
	return nil
}

func (s *Server) abandonHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httputils.ReportKindedError(w, err)
		return
	}
	task, err := s.taskForAgent(r, id)
	if err != nil {
		httputils.ReportKindedError(w, err)
		return
	}
	ctx := r.Context()
	var audit *types.TransitionAudit
	updated, err := s.db.UpdateTask(ctx, task.ID, func(t types.Task) (types.Task, error) {
		next, changed, err := statemachine.ApplyTask(t.State, statemachine.TaskEventAbandon)
		if err != nil {
			return types.Task{}, err
		}
		if changed {
			a := statemachine.Audit(ctx, "task", t.ID, string(t.State), string(next), statemachine.TaskEventAbandon)
			audit = &a
		}
		t.State = next
		return t, nil
	})
	if err != nil {
		httputils.ReportKindedError(w, err)
		return
	}
	if audit != nil {
		if err := s.db.RecordTransition(ctx, *audit); err != nil {
			httputils.ReportKindedError(w, err)
			return
		}
	}
	httputils.SendJSONResponse(w, rpc.AbandonResponse{
		Success: true,
		State:   string(updated.State),
	})
}

// getZapsHandler streams the cracked list of the task's hash list and clears
// the task's stale flag.
func (s *Server) getZapsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httputils.ReportKindedError(w, err)
		return
	}
	task, err := s.taskForAgent(r, id)
	if err != nil {
		httputils.ReportKindedError(w, err)
		return
	}
	ctx := r.Context()
	attack, err := s.db.GetAttack(ctx, task.AttackID)
	if err != nil {
		httputils.ReportKindedError(w, err)
		return
	}
	campaign, err := s.db.GetCampaign(ctx, attack.CampaignID)
	if err != nil {
		httputils.ReportKindedError(w, err)
		return
	}
	if err := s.db.ClearStale(ctx, task.ID); err != nil {
		httputils.ReportKindedError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := s.db.WriteCrackedList(ctx, campaign.HashListID, w); err != nil {
		cslog.Errorf("streaming cracked list for hash list %d failed: %s", campaign.HashListID, err)
	}
}

func (s *Server) submitCrackHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httputils.ReportKindedError(w, err)
		return
	}
	var req rpc.SubmitCrackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputils.ReportError(w, err, "malformed request body", http.StatusUnprocessableEntity)
		return
	}
	agent := requestAgent(r)
	result, err := s.cracks.Submit(r.Context(), agent.ID, id, req.Hash, req.PlainText, req.Timestamp)
	if err != nil {
		if cserr.IsKind(err, cserr.NotFound) {
			httputils.ReportError(w, err, "hash not found", http.StatusNotFound)
			return
		}
		httputils.ReportKindedError(w, err)
		return
	}
	if result.TaskCompleted {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	message := "crack accepted"
	if result.AlreadyCracked {
		message = "hash already cracked"
	}
	httputils.SendJSONResponse(w, rpc.SubmitCrackResponse{Message: message})
}

func (s *Server) submitStatusHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httputils.ReportKindedError(w, err)
		return
	}
	var req rpc.SubmitStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputils.ReportError(w, err, "malformed request body", http.StatusUnprocessableEntity)
		return
	}
	agent := requestAgent(r)
	snapshot := req.ToStatus()
	snapshot.CreatedAt = now.Now(r.Context())
	classification, err := s.status.Submit(r.Context(), agent.ID, id, req.HashcatGuess, snapshot)
	if err != nil {
		httputils.ReportKindedError(w, err)
		return
	}
	switch classification {
	case taskstatus.ClassStale:
		w.WriteHeader(http.StatusAccepted)
	case taskstatus.ClassPaused:
		httputils.ReportError(w, cserr.Fmt("attack paused"), "attack is paused", http.StatusGone)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}
