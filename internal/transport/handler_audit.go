package transport

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/caseflow/internal/workflow"
	"github.com/pitabwire/caseflow/model"
)

// maxLimit caps the number of rows an audit query may return.
const maxLimit = 1000

type auditHandler struct {
	svc AuditService
}

type instanceResponse struct {
	Instance          model.WorkflowInstance `json:"instance"`
	AvailableTriggers []string               `json:"available_triggers"`
}

// historyResponse reports truncated when more rows matched than limit.
// NextFrom is the timestamp of the first omitted entry; passing it as from
// resumes the query, repeating any returned entries that share it.
type historyResponse struct {
	Items     []model.HistoryEntry `json:"items"`
	Count     int                  `json:"count"`
	Truncated bool                 `json:"truncated"`
	NextFrom  *time.Time           `json:"next_from,omitempty"`
}

type tasksResponse struct {
	Items     []model.PendingTask `json:"items"`
	Count     int                 `json:"count"`
	Truncated bool                `json:"truncated"`
}

// instance handles GET /audit/instances/{instanceId}.
func (h *auditHandler) instance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instanceId")
	inst, err := h.svc.Instance(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}
	triggers, err := h.svc.AvailableTriggers(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, instanceResponse{Instance: inst, AvailableTriggers: triggers})
}

// instanceHistory handles GET /audit/instances/{instanceId}/history.
func (h *auditHandler) instanceHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.GetHistory(r.Context(), chi.URLParam(r, "instanceId"))
	if err != nil {
		WriteError(w, err)
		return
	}
	writeHistory(w, entries)
}

// history handles GET /audit/history?actor=&instance_id=&from=&to=&limit=.
// from and to are RFC 3339 timestamps; from is inclusive and to exclusive.
func (h *auditHandler) history(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := parseTime(q, "from")
	if err != nil {
		WriteError(w, err)
		return
	}
	to, err := parseTime(q, "to")
	if err != nil {
		WriteError(w, err)
		return
	}
	limit, err := parseLimit(q)
	if err != nil {
		WriteError(w, err)
		return
	}

	entries, err := h.svc.QueryHistory(r.Context(), workflow.HistoryQuery{
		InstanceID: q.Get("instance_id"),
		ActorID:    q.Get("actor"),
		From:       from,
		To:         to,
		Limit:      limit + 1,
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	if len(entries) <= limit {
		writeHistory(w, entries)
		return
	}
	next := entries[limit].Timestamp
	WriteJSON(w, http.StatusOK, historyResponse{
		Items:     entries[:limit],
		Count:     limit,
		Truncated: true,
		NextFrom:  &next,
	})
}

// tasks handles GET /audit/tasks?instance_id=&status=&role=&user=&limit=.
func (h *auditHandler) tasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := q.Get("status")
	switch status {
	case "", model.TaskStatusOpen, model.TaskStatusClaimed, model.TaskStatusDone:
	default:
		WriteBadRequest(w, "status must be one of open, claimed, done")
		return
	}
	limit, err := parseLimit(q)
	if err != nil {
		WriteError(w, err)
		return
	}

	tasks, err := h.svc.Tasks(r.Context(), workflow.TaskQuery{
		InstanceID: q.Get("instance_id"),
		Status:     status,
		Role:       q.Get("role"),
		UserID:     q.Get("user"),
		Limit:      limit + 1,
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	truncated := len(tasks) > limit
	if truncated {
		tasks = tasks[:limit]
	}
	if tasks == nil {
		tasks = []model.PendingTask{}
	}
	WriteJSON(w, http.StatusOK, tasksResponse{Items: tasks, Count: len(tasks), Truncated: truncated})
}

func writeHistory(w http.ResponseWriter, entries []model.HistoryEntry) {
	if entries == nil {
		entries = []model.HistoryEntry{}
	}
	WriteJSON(w, http.StatusOK, historyResponse{Items: entries, Count: len(entries)})
}

func parseTime(q url.Values, key string) (time.Time, error) {
	raw := q.Get(key)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, model.NewBadRequestError(key + " must be an RFC 3339 timestamp")
	}
	return t.UTC(), nil
}

func parseLimit(q url.Values) (int, error) {
	raw := q.Get("limit")
	if raw == "" {
		return maxLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, model.NewBadRequestError("limit must be a positive integer")
	}
	return min(n, maxLimit), nil
}
