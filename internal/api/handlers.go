package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/marionette/backend/internal/core"
	"github.com/marionette/backend/internal/orchestrator"
	"github.com/marionette/backend/internal/state"
	"github.com/marionette/backend/internal/workflow"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body) //nolint:errcheck
}

// writeError maps the control plane's error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var valErr *core.ValidationError
	if errors.As(err, &valErr) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": valErr.Error(), "field": valErr.Field,
		})
		return
	}
	var polErr *core.PolicyViolationError
	if errors.As(err, &polErr) {
		writeJSON(w, http.StatusForbidden, map[string]string{
			"error": polErr.Error(), "action": string(polErr.Action), "domain": polErr.Domain,
		})
		return
	}
	switch {
	case errors.Is(err, core.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, state.ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

// ============================================================
// Jobs
// ============================================================

type createJobBody struct {
	Domain            string                 `json:"domain"`
	URL               string                 `json:"url"`
	JobType           string                 `json:"job_type"`
	Strategy          string                 `json:"strategy,omitempty"`
	Payload           map[string]interface{} `json:"payload,omitempty"`
	Priority          *int                   `json:"priority,omitempty"`
	IdempotencyKey    string                 `json:"idempotency_key,omitempty"`
	TimeoutSeconds    int                    `json:"timeout_seconds,omitempty"`
	AuthorizationMode string                 `json:"authorization_mode,omitempty"`
	UserID            string                 `json:"user_id,omitempty"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var body createJobBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, &core.ValidationError{Reason: "malformed JSON body"})
		return
	}

	req := orchestrator.CreateJobRequest{
		Domain:            body.Domain,
		URL:               body.URL,
		Type:              core.JobType(body.JobType),
		Strategy:          core.Strategy(body.Strategy),
		Payload:           body.Payload,
		Priority:          core.PriorityNormal,
		IdempotencyKey:    body.IdempotencyKey,
		TimeoutSeconds:    body.TimeoutSeconds,
		AuthorizationMode: core.AuthorizationMode(body.AuthorizationMode),
		UserID:            body.UserID,
		IPAddress:         clientIP(r),
	}
	if body.Priority != nil {
		req.Priority = core.Priority(*body.Priority)
	}

	res, err := s.jobs.CreateJob(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	if res.Deduplicated {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id":       res.JobID,
			"status":       string(res.Status),
			"deduplicated": true,
		})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"job_id":   res.JobID,
		"status":   "created",
		"domain":   body.Domain,
		"job_type": body.JobType,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	proj, err := s.query.Projection(r.Context(), mux.Vars(r)["job_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proj)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	if err := s.jobs.Cancel(r.Context(), jobID, s.operator(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": "cancelling"})
}

// operator identifies who performed an operator action, for the audit trail.
func (s *Server) operator(r *http.Request) string {
	if op := r.Header.Get("X-Operator"); op != "" {
		return op
	}
	if key := r.Header.Get(APIKeyHeader); key != "" {
		return "api-key"
	}
	return clientIP(r)
}

// ============================================================
// Queue and ops
// ============================================================

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	depths, err := s.queue.Depths(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, depths)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.status.Report(r.Context())
	code := http.StatusOK
	if !st.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status": map[bool]string{true: "ok", false: "degraded"}[st.Healthy],
		"stores": st.Stores,
	})
}

func (s *Server) handleOpsStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status.Report(r.Context()))
}

func (s *Server) handleListCircuits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.breaker.Snapshots())
}

type circuitOpenBody struct {
	Cooldown string `json:"cooldown,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) handleForceOpenCircuit(w http.ResponseWriter, r *http.Request) {
	domain := mux.Vars(r)["domain"]

	var body circuitOpenBody
	json.NewDecoder(r.Body).Decode(&body) //nolint:errcheck

	cooldown := time.Hour
	if body.Cooldown != "" {
		d, err := time.ParseDuration(body.Cooldown)
		if err != nil || d <= 0 {
			writeError(w, &core.ValidationError{Field: "cooldown", Reason: "must be a positive duration"})
			return
		}
		cooldown = d
	}

	s.breaker.ForceOpen(domain, cooldown)
	reason := body.Reason
	if reason == "" {
		reason = "forced open via API"
	}
	s.enforcer.AuditOperator(r.Context(), domain, "circuit_force_open", reason, s.operator(r))
	writeJSON(w, http.StatusOK, map[string]string{
		"domain": domain, "state": "OPEN", "cooldown": cooldown.String(),
	})
}

func (s *Server) handleResetCircuit(w http.ResponseWriter, r *http.Request) {
	domain := mux.Vars(r)["domain"]
	s.breaker.ForceReset(domain)
	s.enforcer.AuditOperator(r.Context(), domain, "circuit_reset", "reset via API", s.operator(r))
	writeJSON(w, http.StatusOK, map[string]string{"domain": domain, "state": "CLOSED"})
}

// ============================================================
// Workflows
// ============================================================

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"workflows": workflow.List()})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := workflow.Lookup(mux.Vars(r)["name"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var input map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, &core.ValidationError{Reason: "malformed JSON body"})
		return
	}

	userID, _ := input["user_id"].(string)
	res, err := s.workflows.Run(r.Context(), name, input, userID, clientIP(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"workflow_name": res.WorkflowName,
		"job_id":        res.JobID,
		"status":        string(res.Status),
		"created_at":    res.CreatedAt,
	})
}
