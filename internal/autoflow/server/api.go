package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/uesteibar/autoflow/internal/autoflow/queue"
	"github.com/uesteibar/autoflow/internal/autoflow/statemachine"
)

type apiHandler struct {
	cfg     Config
	logger  *slog.Logger
	startAt time.Time
}

// notifyWake performs a non-blocking send on the wake channel.
func (h *apiHandler) notifyWake() {
	if h.cfg.Wake == nil {
		return
	}
	select {
	case h.cfg.Wake <- struct{}{}:
	default:
	}
}

// apiError is the consistent error response format.
type apiError struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{Error: msg})
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Status    string                    `json:"status"`
	Uptime    string                    `json:"uptime"`
	Queues    map[string]map[string]int `json:"queues,omitempty"`
	RateLimit *RateLimitStatus          `json:"rate_limit,omitempty"`
	Slots     *SlotStatus               `json:"slots,omitempty"`
}

type RateLimitStatus struct {
	Limited bool   `json:"limited"`
	ResetAt string `json:"reset_at,omitempty"`
	Quota   *int   `json:"quota,omitempty"`
	// ConsecutiveErrors counts failed tracker calls since the last success.
	ConsecutiveErrors int64 `json:"consecutive_errors"`
}

type SlotStatus struct {
	InUse int `json:"in_use"`
	Total int `json:"total"`
}

func (h *apiHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Status: "ok",
		Uptime: time.Since(h.startAt).Round(time.Second).String(),
	}

	if h.cfg.Workflow != nil && h.cfg.Execution != nil {
		resp.Queues = map[string]map[string]int{}
		for name, counts := range map[string]func() (map[queue.Status]int, error){
			"workflow":  func() (map[queue.Status]int, error) { return h.cfg.Workflow.Counts(r.Context()) },
			"execution": func() (map[queue.Status]int, error) { return h.cfg.Execution.Counts(r.Context()) },
		} {
			c, err := counts()
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to count "+name+" tasks")
				return
			}
			byStatus := map[string]int{}
			for s, n := range c {
				byStatus[string(s)] = n
			}
			resp.Queues[name] = byStatus
		}
	}

	if h.cfg.RateLimit != nil || h.cfg.Gateway != nil {
		resp.RateLimit = h.rateLimitStatus(r.Context())
	}

	if h.cfg.Running != nil {
		resp.Slots = &SlotStatus{InUse: h.cfg.Running(), Total: h.cfg.Slots}
	}
	writeJSON(w, http.StatusOK, resp)
}

// rateLimitStatus reports the last known quota. While none is known and the
// tracker is not limiting, the quota is queried once.
func (h *apiHandler) rateLimitStatus(ctx context.Context) *RateLimitStatus {
	st := &RateLimitStatus{}
	if rl := h.cfg.RateLimit; rl != nil {
		st.Limited = rl.Active()
		if st.Limited {
			st.ResetAt = formatTime(rl.ResetAt())
		}
		if q, ok := rl.Quota(); ok {
			st.Quota = &q
		}
	}
	if gw := h.cfg.Gateway; gw != nil {
		st.ConsecutiveErrors = gw.ConsecutiveErrors()
		if st.Quota == nil && !st.Limited {
			qctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if q, err := gw.Quota(qctx); err != nil {
				h.logger.Debug("querying tracker quota", "error", err)
			} else {
				st.Quota = &q
			}
		}
	}
	return st
}

// TaskResponse describes a task from either queue.
type TaskResponse struct {
	ID               string `json:"id"`
	Queue            string `json:"queue"`
	TicketID         string `json:"ticket_id"`
	TicketIdentifier string `json:"ticket_identifier"`
	Type             string `json:"type"`
	Priority         int    `json:"priority"`
	Status           string `json:"status"`
	RetryCount       int    `json:"retry_count"`
	MaxRetries       int    `json:"max_retries"`
	Error            string `json:"error,omitempty"`
	AvailableAt      string `json:"available_at,omitempty"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
}

func workflowTaskResponse(t queue.WorkflowTask) TaskResponse {
	return TaskResponse{
		ID: t.ID, Queue: "workflow", TicketID: t.TicketID, TicketIdentifier: t.TicketIdentifier,
		Type: string(t.Type), Priority: t.Priority, Status: string(t.Status),
		RetryCount: t.RetryCount, MaxRetries: t.MaxRetries, Error: t.Error,
		AvailableAt: formatTime(t.AvailableAt), CreatedAt: formatTime(t.CreatedAt), UpdatedAt: formatTime(t.UpdatedAt),
	}
}

func executionTaskResponse(t queue.ExecutionTask) TaskResponse {
	return TaskResponse{
		ID: t.ID, Queue: "execution", TicketID: t.TicketID, TicketIdentifier: t.TicketIdentifier,
		Type: string(queue.TaskExecute), Priority: t.Priority, Status: string(t.Status),
		RetryCount: t.RetryCount, MaxRetries: t.MaxRetries, Error: t.Error,
		AvailableAt: formatTime(t.AvailableAt), CreatedAt: formatTime(t.CreatedAt), UpdatedAt: formatTime(t.UpdatedAt),
	}
}

// handleListTasks lists tasks, optionally narrowed by ?queue= and ?status=.
func (h *apiHandler) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := queue.Filter{Status: queue.Status(q.Get("status")), Limit: 100}
	if l, err := strconv.Atoi(q.Get("limit")); err == nil && l > 0 {
		filter.Limit = l
	}

	which := q.Get("queue")
	if which != "" && which != "workflow" && which != "execution" {
		writeError(w, http.StatusBadRequest, "queue must be workflow or execution")
		return
	}

	result := []TaskResponse{}
	if which == "" || which == "workflow" {
		tasks, err := h.cfg.Workflow.List(r.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list workflow tasks")
			return
		}
		for _, t := range tasks {
			result = append(result, workflowTaskResponse(t))
		}
	}
	if which == "" || which == "execution" {
		tasks, err := h.cfg.Execution.List(r.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list execution tasks")
			return
		}
		for _, t := range tasks {
			result = append(result, executionTaskResponse(t))
		}
	}
	writeJSON(w, http.StatusOK, result)
}

type ticketSummary struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier"`
	State      string `json:"state"`
	UpdatedAt  string `json:"updated_at"`
}

func (h *apiHandler) handleListTickets(w http.ResponseWriter, r *http.Request) {
	states, err := h.cfg.Machine.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list tickets")
		return
	}
	result := make([]ticketSummary, len(states))
	for i, ts := range states {
		result[i] = ticketSummary{ID: ts.TicketID, Identifier: ts.TicketIdentifier, State: string(ts.State), UpdatedAt: formatTime(ts.UpdatedAt)}
	}
	writeJSON(w, http.StatusOK, result)
}

// TicketResponse is the body of GET /api/tickets/{id}.
type TicketResponse struct {
	ID         string                     `json:"id"`
	Identifier string                     `json:"identifier"`
	State      string                     `json:"state"`
	Metadata   map[string]string          `json:"metadata,omitempty"`
	Outputs    map[string]json.RawMessage `json:"outputs,omitempty"`
	History    []HistoryResponse          `json:"history"`
	Awaiting   *AwaitingResponse          `json:"awaiting,omitempty"`
	Workflow   *TaskResponse              `json:"workflow_task,omitempty"`
	Execution  *TaskResponse              `json:"execution_task,omitempty"`
}

type HistoryResponse struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Reason    string `json:"reason,omitempty"`
	CreatedAt string `json:"created_at"`
}

type AwaitingResponse struct {
	WaitingFor string `json:"waiting_for"`
	CommentID  string `json:"comment_id,omitempty"`
	Since      string `json:"since"`
}

func (h *apiHandler) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := r.Context()

	ts, err := h.cfg.Machine.Get(ctx, id)
	if errors.Is(err, statemachine.ErrUnknownTicket) {
		writeError(w, http.StatusNotFound, "ticket not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get ticket")
		return
	}

	history, err := h.cfg.Machine.History(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get history")
		return
	}

	resp := TicketResponse{
		ID:         ts.TicketID,
		Identifier: ts.TicketIdentifier,
		State:      string(ts.State),
		Metadata:   ts.Metadata,
		Outputs:    ts.Outputs,
		History:    make([]HistoryResponse, len(history)),
	}
	for i, e := range history {
		resp.History[i] = HistoryResponse{From: string(e.From), To: string(e.To), Reason: e.Reason, CreatedAt: formatTime(e.CreatedAt)}
	}

	if h.cfg.Registry != nil {
		if reg, err := h.cfg.Registry.Awaiting(ctx, id); err == nil && reg != nil {
			resp.Awaiting = &AwaitingResponse{WaitingFor: string(reg.WaitingFor), CommentID: reg.CommentID, Since: formatTime(reg.CreatedAt)}
		}
	}
	if h.cfg.Workflow != nil {
		if t, err := h.cfg.Workflow.Active(ctx, id); err == nil && t != nil {
			tr := workflowTaskResponse(*t)
			resp.Workflow = &tr
		}
	}
	if h.cfg.Execution != nil {
		if t, err := h.cfg.Execution.Active(ctx, id); err == nil && t != nil {
			tr := executionTaskResponse(*t)
			resp.Execution = &tr
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRetryTicket restarts a failed or blocked ticket from new.
func (h *apiHandler) handleRetryTicket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := r.Context()

	ts, err := h.cfg.Machine.Get(ctx, id)
	if errors.Is(err, statemachine.ErrUnknownTicket) {
		writeError(w, http.StatusNotFound, "ticket not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get ticket")
		return
	}
	if !ts.State.Parked() {
		writeError(w, http.StatusConflict, "ticket is not failed or blocked, current state: "+string(ts.State))
		return
	}

	if err := h.cfg.Machine.Transition(ctx, id, statemachine.StateNew, "retried via API", nil); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to reset ticket")
		return
	}
	if _, err := h.cfg.Workflow.Enqueue(ctx, queue.WorkflowInput{
		TicketID:         id,
		TicketIdentifier: ts.TicketIdentifier,
		Priority:         queue.PriorityUrgent,
		Payload:          queue.EvaluatePayload{},
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enqueue evaluation")
		return
	}
	if h.cfg.Tags != nil {
		if err := h.cfg.Tags.Sync(ctx, id, h.cfg.TeamID, statemachine.StateNew); err != nil {
			h.logger.Warn("syncing workflow tag", "ticket", ts.TicketIdentifier, "error", err)
		}
	}
	if h.cfg.DB != nil {
		if err := h.cfg.DB.LogActivity(id, "retry", string(ts.State), string(statemachine.StateNew), "retried via API"); err != nil {
			h.logger.Warn("logging retry activity", "ticket", ts.TicketIdentifier, "error", err)
		}
	}
	h.notifyWake()

	writeJSON(w, http.StatusOK, map[string]string{"status": "retrying", "state": string(statemachine.StateNew)})
}

// handleListActivity returns recent activity, for one ticket with ?ticket=.
func (h *apiHandler) handleListActivity(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	entries, err := h.cfg.DB.ListActivity(r.URL.Query().Get("ticket"), limit, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list activity")
		return
	}

	type activityResponse struct {
		ID        string `json:"id"`
		TicketID  string `json:"ticket_id"`
		EventType string `json:"event_type"`
		FromState string `json:"from_state,omitempty"`
		ToState   string `json:"to_state,omitempty"`
		Detail    string `json:"detail,omitempty"`
		CreatedAt string `json:"created_at"`
	}

	result := make([]activityResponse, len(entries))
	for i, a := range entries {
		result[i] = activityResponse{
			ID:        a.ID,
			TicketID:  a.TicketID,
			EventType: a.EventType,
			FromState: a.FromState,
			ToState:   a.ToState,
			Detail:    a.Detail,
			CreatedAt: a.CreatedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, result)
}
