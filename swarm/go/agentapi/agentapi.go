// Package agentapi serves the agent-facing wire contract under
// /api/v1/client. Handlers authenticate the agent bearer token and delegate
// to the scheduling, cracks, taskstatus and health services.
package agentapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"go.cipherswarm.org/server/go/cserr"
	"go.cipherswarm.org/server/go/cslog"
	"go.cipherswarm.org/server/go/httputils"
	"go.cipherswarm.org/server/go/now"
	"go.cipherswarm.org/server/swarm/go/config"
	"go.cipherswarm.org/server/swarm/go/cracks"
	"go.cipherswarm.org/server/swarm/go/db"
	"go.cipherswarm.org/server/swarm/go/eta"
	"go.cipherswarm.org/server/swarm/go/health"
	"go.cipherswarm.org/server/swarm/go/objectstore"
	"go.cipherswarm.org/server/swarm/go/rpc"
	"go.cipherswarm.org/server/swarm/go/scheduling"
	"go.cipherswarm.org/server/swarm/go/statemachine"
	"go.cipherswarm.org/server/swarm/go/taskstatus"
	"go.cipherswarm.org/server/swarm/go/types"
)

// tokenPrefix is the required shape of agent bearer tokens:
// csa_<agent_id>_<opaque>.
const tokenPrefix = "csa_"

// Server holds the handler dependencies.
type Server struct {
	db      db.DB
	cfg     config.Config
	sched   *scheduling.Service
	cracks  *cracks.Service
	status  *taskstatus.Service
	eta     *eta.Calculator
	prober  *health.Prober
	objects *objectstore.Client
}

// New returns a new Server.
func New(d db.DB, cfg config.Config, sched *scheduling.Service, cr *cracks.Service, st *taskstatus.Service, e *eta.Calculator, prober *health.Prober, objects *objectstore.Client) *Server {
	return &Server{
		db:      d,
		cfg:     cfg,
		sched:   sched,
		cracks:  cr,
		status:  st,
		eta:     e,
		prober:  prober,
		objects: objects,
	}
}

// Router builds the full HTTP routing table.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", s.healthzHandler)
	r.Get("/system_health", s.systemHealthHandler)
	r.Get("/campaigns/{id}/eta", s.campaignETAHandler)

	r.Route(rpc.BasePath, func(r chi.Router) {
		r.Use(s.agentAuth)
		r.Get(rpc.ConfigurationPath, s.configurationHandler)
		r.Get(rpc.AgentPath, s.getAgentHandler)
		r.Put(rpc.AgentPath, s.updateAgentHandler)
		r.Post(rpc.HeartbeatPath, s.heartbeatHandler)
		r.Post(rpc.SubmitBenchmarkPath, s.submitBenchmarkHandler)
		r.Post(rpc.SubmitErrorPath, s.submitErrorHandler)
		r.Post(rpc.ShutdownPath, s.shutdownHandler)
		r.Get(rpc.CrackerUpdatePath, s.crackerUpdateHandler)
		r.Get(rpc.AttackPath, s.getAttackHandler)
		r.Get(rpc.AttackHashListPath, s.attackHashListHandler)
		r.Get(rpc.NewTaskPath, s.newTaskHandler)
		r.Get(rpc.TaskPath, s.getTaskHandler)
		r.Post(rpc.AcceptTaskPath, s.acceptTaskHandler)
		r.Post(rpc.ExhaustedPath, s.exhaustedHandler)
		r.Post(rpc.AbandonPath, s.abandonHandler)
		r.Get(rpc.GetZapsPath, s.getZapsHandler)
		r.Post(rpc.SubmitCrackPath, s.submitCrackHandler)
		r.Post(rpc.SubmitStatusPath, s.submitStatusHandler)
	})
	return r
}

type contextKey string

const agentContextKey contextKey = "agent"

// agentAuth authenticates the bearer token and stores the agent on the
// request context.
func (s *Server) agentAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		agent, err := s.authenticate(r.Context(), token)
		if err != nil {
			httputils.ReportError(w, err, "authentication failed", httputils.StatusFor(err))
			return
		}
		ctx := context.WithValue(r.Context(), agentContextKey, agent)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) authenticate(ctx context.Context, token string) (types.Agent, error) {
	if !strings.HasPrefix(token, tokenPrefix) {
		return types.Agent{}, cserr.NewKind(cserr.Auth, "missing or malformed bearer token")
	}
	parts := strings.SplitN(token, "_", 3)
	if len(parts) != 3 {
		return types.Agent{}, cserr.NewKind(cserr.Auth, "missing or malformed bearer token")
	}
	claimedID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return types.Agent{}, cserr.NewKind(cserr.Auth, "missing or malformed bearer token")
	}
	agent, err := s.db.GetAgentByToken(ctx, token)
	if err != nil {
		if cserr.IsKind(err, cserr.NotFound) {
			return types.Agent{}, cserr.NewKind(cserr.Auth, "unknown token")
		}
		return types.Agent{}, err
	}
	if agent.ID != claimedID {
		return types.Agent{}, cserr.NewKind(cserr.Auth, "token does not match agent")
	}
	return agent, nil
}

// requestAgent returns the authenticated agent stored by the middleware.
func requestAgent(r *http.Request) types.Agent {
	return r.Context().Value(agentContextKey).(types.Agent)
}

// pathAgent returns the authenticated agent after verifying it matches the
// {id} in the URL.
func pathAgent(r *http.Request) (types.Agent, error) {
	agent := requestAgent(r)
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return types.Agent{}, cserr.NewKind(cserr.Validation, "malformed agent id")
	}
	if id != agent.ID {
		return types.Agent{}, cserr.NewKind(cserr.Auth, "token does not match agent %d", id)
	}
	return agent, nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, cserr.NewKind(cserr.Validation, "malformed id")
	}
	return id, nil
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) systemHealthHandler(w http.ResponseWriter, r *http.Request) {
	report, err := s.prober.Report(r.Context())
	if err != nil {
		httputils.ReportKindedError(w, err)
		return
	}
	code := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	httputils.SendJSONResponseWithCode(w, report, code)
}

// campaignETAHandler serves the completion estimate for one campaign. Like
// /system_health it sits outside the agent contract and is meant for operator
// dashboards.
func (s *Server) campaignETAHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httputils.ReportKindedError(w, err)
		return
	}
	estimate, err := s.eta.ForCampaign(r.Context(), id)
	if err != nil {
		httputils.ReportKindedError(w, err)
		return
	}
	httputils.SendJSONResponse(w, estimate)
}

func (s *Server) configurationHandler(w http.ResponseWriter, r *http.Request) {
	agent := requestAgent(r)
	cfg := agent.AdvancedConfiguration
	if cfg.AgentUpdateInterval == 0 {
		cfg.AgentUpdateInterval = int(s.cfg.AgentUpdateInterval.Seconds())
	}
	httputils.SendJSONResponse(w, rpc.ConfigurationResponse{
		Config:     cfg,
		APIVersion: rpc.APIVersion,
	})
}

func (s *Server) getAgentHandler(w http.ResponseWriter, r *http.Request) {
	agent, err := pathAgent(r)
	if err != nil {
		httputils.ReportKindedError(w, err)
		return
	}
	httputils.SendJSONResponse(w, rpc.ToAgentView(agent))
}

func (s *Server) updateAgentHandler(w http.ResponseWriter, r *http.Request) {
	agent, err := pathAgent(r)
	if err != nil {
		httputils.ReportKindedError(w, err)
		return
	}
	var req rpc.UpdateAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputils.ReportError(w, err, "malformed request body", http.StatusUnprocessableEntity)
		return
	}
	updated, err := s.db.UpdateAgent(r.Context(), agent.ID, func(a types.Agent) (types.Agent, error) {
		if req.Name != "" {
			a.Name = req.Name
		}
		a.ClientSignature = req.ClientSignature
		a.OperatingSystem = req.OperatingSystem
		if req.Devices != nil {
			a.Devices = req.Devices
		}
		return a, nil
	})
	if err != nil {
		httputils.ReportKindedError(w, err)
		return
	}
	httputils.SendJSONResponse(w, rpc.ToAgentView(updated))
}

func (s *Server) heartbeatHandler(w http.ResponseWriter, r *http.Request) {
	agent, err := pathAgent(r)
	if err != nil {
		httputils.ReportKindedError(w, err)
		return
	}
	ctx := r.Context()
	var audit *types.TransitionAudit
	updated, err := s.db.UpdateAgent(ctx, agent.ID, func(a types.Agent) (types.Agent, error) {
		a.LastSeenAt = now.Now(ctx)
		if a.State == types.AgentStateOffline || a.State == types.AgentStateError {
			next, changed, err := statemachine.ApplyAgent(a.State, statemachine.AgentEventHeartbeat)
			if err != nil {
				return types.Agent{}, err
			}
			if changed {
				a2 := statemachine.Audit(ctx, "agent", a.ID, string(a.State), string(next), statemachine.AgentEventHeartbeat)
				audit = &a2
			}
			a.State = next
		}
		return a, nil
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
	if updated.State == types.AgentStateActive {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	httputils.SendJSONResponse(w, rpc.HeartbeatResponse{State: string(updated.State)})
}

func (s *Server) submitBenchmarkHandler(w http.ResponseWriter, r *http.Request) {
	agent, err := pathAgent(r)
	if err != nil {
		httputils.ReportKindedError(w, err)
		return
	}
	benchmarks, err := rpc.ParseBenchmarkBody(r.Body)
	if err != nil {
		httputils.ReportKindedError(w, err)
		return
	}
	// An agent without benchmarks cannot be scheduled, so an empty set would
	// strand an active agent. Keep the previous set instead.
	if len(benchmarks) == 0 {
		httputils.ReportError(w, cserr.NewKind(cserr.Validation, "empty benchmark set"),
			"at least one benchmark is required", http.StatusUnprocessableEntity)
		return
	}
	ctx := r.Context()
	if err := s.db.ReplaceBenchmarks(ctx, agent.ID, benchmarks); err != nil {
		httputils.ReportKindedError(w, err)
		return
	}
	s.sched.InvalidateAllowedHashTypes(agent.ID)
	var audit *types.TransitionAudit
	if _, err := s.db.UpdateAgent(ctx, agent.ID, func(a types.Agent) (types.Agent, error) {
		next, changed, err := statemachine.ApplyAgent(a.State, statemachine.AgentEventActivate)
		if err != nil {
			// An agent that can't activate (e.g. stopped) keeps its
			// benchmarks but stays put.
			return a, nil
		}
		if changed {
			a2 := statemachine.Audit(ctx, "agent", a.ID, string(a.State), string(next), statemachine.AgentEventActivate)
			audit = &a2
		}
		a.State = next
		return a, nil
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
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) submitErrorHandler(w http.ResponseWriter, r *http.Request) {
	agent, err := pathAgent(r)
	if err != nil {
		httputils.ReportKindedError(w, err)
		return
	}
	var req rpc.SubmitErrorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputils.ReportError(w, err, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		httputils.ReportError(w, cserr.Fmt("empty message"), "message is required", http.StatusUnprocessableEntity)
		return
	}
	severity, ok := types.ParseSeverity(req.Severity)
	if !ok {
		httputils.ReportError(w, cserr.Fmt("severity %q", req.Severity), "unknown severity", http.StatusUnprocessableEntity)
		return
	}
	agentError := types.AgentError{
		AgentID:  agent.ID,
		Message:  req.Message,
		Severity: severity,
		Metadata: req.Metadata,
	}
	if req.TaskID != nil {
		agentError.TaskID = *req.TaskID
	}
	if _, err := s.db.CreateAgentError(r.Context(), agentError); err != nil {
		httputils.ReportKindedError(w, err)
		return
	}
	cslog.Infof("agent %d reported %s error: %s", agent.ID, severity, req.Message)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) shutdownHandler(w http.ResponseWriter, r *http.Request) {
	agent, err := pathAgent(r)
	if err != nil {
		httputils.ReportKindedError(w, err)
		return
	}
	ctx := r.Context()
	var audit *types.TransitionAudit
	if _, err := s.db.UpdateAgent(ctx, agent.ID, func(a types.Agent) (types.Agent, error) {
		next, changed, err := statemachine.ApplyAgent(a.State, statemachine.AgentEventShutdown)
		if err != nil {
			return types.Agent{}, err
		}
		if changed {
			a2 := statemachine.Audit(ctx, "agent", a.ID, string(a.State), string(next), statemachine.AgentEventShutdown)
			audit = &a2
		}
		a.State = next
		return a, nil
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
	w.WriteHeader(http.StatusNoContent)
}

// crackerUpdateHandler compares the agent's hashcat version against the
// configured latest and points it at a per-OS download when behind.
func (s *Server) crackerUpdateHandler(w http.ResponseWriter, r *http.Request) {
	version := r.URL.Query().Get("version")
	operatingSystem := r.URL.Query().Get("operating_system")
	if version == "" || operatingSystem == "" {
		httputils.ReportError(w, cserr.Fmt("missing query params"), "version and operating_system are required", http.StatusBadRequest)
		return
	}
	latest := s.cfg.LatestCrackerVersion
	if latest == "" || !versionLess(version, latest) {
		httputils.SendJSONResponse(w, rpc.CrackerUpdateResponse{
			Available: false,
			Message:   "no update available",
		})
		return
	}
	resp := rpc.CrackerUpdateResponse{
		Available:     true,
		LatestVersion: latest,
		ExecName:      execNameFor(operatingSystem),
	}
	if s.objects != nil {
		url, err := s.objects.PresignDownload(r.Context(), crackerObjectKey(latest, operatingSystem))
		if err != nil {
			httputils.ReportKindedError(w, err)
			return
		}
		resp.DownloadURL = url
	}
	httputils.SendJSONResponse(w, resp)
}

func crackerObjectKey(version, operatingSystem string) string {
	return "crackers/hashcat-" + version + "-" + operatingSystem + ".7z"
}

func execNameFor(operatingSystem string) string {
	if operatingSystem == "windows" {
		return "hashcat.exe"
	}
	return "hashcat.bin"
}

// versionLess compares dotted numeric versions, reporting a < b. Non-numeric
// segments compare as strings, which is good enough for hashcat releases.
func versionLess(a, b string) bool {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		an, aerr := strconv.Atoi(as[i])
		bn, berr := strconv.Atoi(bs[i])
		if aerr == nil && berr == nil {
			if an != bn {
				return an < bn
			}
			continue
		}
		if as[i] != bs[i] {
			return as[i] < bs[i]
		}
	}
	return len(as) < len(bs)
}
