// Package handler exposes read-only JSON endpoints over stored audit records
// and on-demand checksum verification.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"audittrail/internal/audit/models"
	dErrors "audittrail/pkg/domain-errors"
	"audittrail/pkg/platform/httputil"
	"audittrail/pkg/platform/sentinel"
)

// Store is the read side of the audit stores.
type Store interface {
	FindEvent(ctx context.Context, id uuid.UUID) (*models.AuditEvent, error)
	ListEvents(ctx context.Context, filter models.EventFilter) ([]models.AuditEvent, error)
	ListRequests(ctx context.Context, filter models.RequestFilter) ([]models.RequestLog, error)
	ListOutgoing(ctx context.Context, filter models.RequestFilter) ([]models.OutgoingRequestLog, error)
}

// Verifier checks a stored event's checksum.
type Verifier interface {
	Verify(ctx context.Context, id uuid.UUID) (bool, error)
}

type Handler struct {
	store    Store
	verifier Verifier
	logger   *slog.Logger
}

func New(store Store, verifier Verifier, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{store: store, verifier: verifier, logger: logger}
}

// Register mounts the audit routes under /audit.
func (h *Handler) Register(r chi.Router) {
	r.Route("/audit", func(r chi.Router) {
		r.Get("/events", h.handleListEvents)
		r.Get("/events/{id}", h.handleGetEvent)
		r.Get("/events/{id}/verify", h.handleVerifyEvent)
		r.Get("/requests", h.handleListRequests)
		r.Get("/outgoing-requests", h.handleListOutgoing)
	})
}

type eventListResponse struct {
	Events []models.AuditEvent `json:"events"`
}

type requestListResponse struct {
	Requests []models.RequestLog `json:"requests"`
}

type outgoingListResponse struct {
	Requests []models.OutgoingRequestLog `json:"outgoing_requests"`
}

type verifyResponse struct {
	ID    uuid.UUID `json:"id"`
	Valid bool      `json:"valid"`
}

func (h *Handler) handleListEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	events, err := h.store.ListEvents(ctx, models.EventFilter{
		Event:       q.Get("event"),
		ReferenceID: q.Get("reference_id"),
		ActorID:     q.Get("actor_id"),
		SubjectType: q.Get("subject_type"),
		SubjectID:   q.Get("subject_id"),
		Limit:       limit,
	})
	if err != nil {
		h.fail(w, r, "list audit events", err)
		return
	}
	if events == nil {
		events = []models.AuditEvent{}
	}
	httputil.WriteJSON(w, http.StatusOK, eventListResponse{Events: events})
}

func (h *Handler) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	event, err := h.store.FindEvent(r.Context(), id)
	if err != nil {
		h.fail(w, r, "find audit event", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, event)
}

func (h *Handler) handleVerifyEvent(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	valid, err := h.verifier.Verify(r.Context(), id)
	if err != nil {
		h.fail(w, r, "verify audit event", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, verifyResponse{ID: id, Valid: valid})
}

func (h *Handler) handleListRequests(w http.ResponseWriter, r *http.Request) {
	filter, err := requestFilter(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	logs, err := h.store.ListRequests(r.Context(), filter)
	if err != nil {
		h.fail(w, r, "list request logs", err)
		return
	}
	if logs == nil {
		logs = []models.RequestLog{}
	}
	httputil.WriteJSON(w, http.StatusOK, requestListResponse{Requests: logs})
}

func (h *Handler) handleListOutgoing(w http.ResponseWriter, r *http.Request) {
	filter, err := requestFilter(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	logs, err := h.store.ListOutgoing(r.Context(), filter)
	if err != nil {
		h.fail(w, r, "list outgoing request logs", err)
		return
	}
	if logs == nil {
		logs = []models.OutgoingRequestLog{}
	}
	httputil.WriteJSON(w, http.StatusOK, outgoingListResponse{Requests: logs})
}

// fail maps store errors onto coded errors and logs anything unexpected.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	var de *dErrors.Error
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		err = dErrors.New(dErrors.CodeNotFound, "audit record not found")
	case errors.As(err, &de):
	default:
		err = dErrors.Wrap(err, dErrors.CodePersistence, op)
	}
	if code := dErrors.CodeOf(err); code != dErrors.CodeNotFound {
		h.logger.ErrorContext(r.Context(), op+" failed", "error", err)
	}
	httputil.WriteError(w, err)
}

func parseID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeBadRequest, "invalid audit record id")
	}
	return id, nil
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, dErrors.New(dErrors.CodeBadRequest, "limit must be a non-negative integer")
	}
	return n, nil
}

func requestFilter(r *http.Request) (models.RequestFilter, error) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		return models.RequestFilter{}, err
	}
	return models.RequestFilter{ReferenceID: r.URL.Query().Get("reference_id"), Limit: limit}, nil
}
