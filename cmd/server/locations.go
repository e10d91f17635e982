package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"audittrail/internal/audit/httplog"
	"audittrail/internal/audit/recorder"
	dErrors "audittrail/pkg/domain-errors"
	"audittrail/pkg/platform/httputil"
	"audittrail/pkg/requestcontext"
)

// actorHeader stands in for an authentication layer in the demo host.
const actorHeader = "X-Actor-Id"

var locationAudit = recorder.EntityConfig{
	Name:          "location",
	SubjectType:   "location",
	MessageFields: []string{"name"},
	Parents:       []recorder.Relation{{Field: "country_id", SubjectType: "country"}},
}

func actorFromHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if actor := strings.TrimSpace(r.Header.Get(actorHeader)); actor != "" {
			r = r.WithContext(requestcontext.WithActorID(r.Context(), actor))
		}
		next.ServeHTTP(w, r)
	})
}

// locationsAPI is a minimal CRUD resource whose every change is audited
// before it is applied. An audit failure aborts the change.
type locationsAPI struct {
	recorder    *recorder.Recorder
	client      *http.Client
	geocoderURL string
	logger      *slog.Logger

	mu        sync.Mutex
	locations map[string]map[string]any
}

func newLocationsAPI(rec *recorder.Recorder, client *http.Client, geocoderURL string, logger *slog.Logger) *locationsAPI {
	return &locationsAPI{
		recorder:    rec,
		client:      client,
		geocoderURL: geocoderURL,
		logger:      logger,
		locations:   make(map[string]map[string]any),
	}
}

func (a *locationsAPI) Register(r chi.Router) {
	r.Route("/locations", func(r chi.Router) {
		r.Post("/", a.handleCreate)
		r.Get("/{id}", a.handleGet)
		r.Patch("/{id}", a.handleUpdate)
		r.Delete("/{id}", a.handleDelete)
	})
}

func (a *locationsAPI) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	httplog.SetRouteAction(ctx, "locations.create")

	attrs, err := decodeAttrs(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	name, _ := attrs["name"].(string)
	if strings.TrimSpace(name) == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "name is required"))
		return
	}

	id := uuid.NewString()
	now := requestcontext.Now(ctx).UTC().Format(time.RFC3339Nano)
	attrs["id"] = id
	attrs["created_at"] = now
	attrs["updated_at"] = now
	if region := a.lookupRegion(ctx, name); region != "" {
		attrs["region"] = region
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	res, err := a.recorder.Created(ctx, locationAudit, id, attrs)
	if err != nil {
		a.logger.ErrorContext(ctx, "audit location create failed", "error", err)
		httputil.WriteError(w, err)
		return
	}
	a.locations[id] = attrs
	setAuditHeader(w, res)
	httputil.WriteJSON(w, http.StatusCreated, attrs)
}

func (a *locationsAPI) handleGet(w http.ResponseWriter, r *http.Request) {
	httplog.SetRouteAction(r.Context(), "locations.show")
	a.mu.Lock()
	loc, ok := a.locations[chi.URLParam(r, "id")]
	a.mu.Unlock()
	if !ok {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "location not found"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, loc)
}

func (a *locationsAPI) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	httplog.SetRouteAction(ctx, "locations.update")

	changes, err := decodeAttrs(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	delete(changes, "id")
	delete(changes, "created_at")

	id := chi.URLParam(r, "id")
	a.mu.Lock()
	defer a.mu.Unlock()
	prior, ok := a.locations[id]
	if !ok {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "location not found"))
		return
	}
	current := maps.Clone(prior)
	maps.Copy(current, changes)
	current["updated_at"] = requestcontext.Now(ctx).UTC().Format(time.RFC3339Nano)

	res, err := a.recorder.Updated(ctx, locationAudit, id, prior, current)
	if err != nil {
		a.logger.ErrorContext(ctx, "audit location update failed", "error", err)
		httputil.WriteError(w, err)
		return
	}
	a.locations[id] = current
	setAuditHeader(w, res)
	httputil.WriteJSON(w, http.StatusOK, current)
}

func (a *locationsAPI) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	httplog.SetRouteAction(ctx, "locations.destroy")

	id := chi.URLParam(r, "id")
	a.mu.Lock()
	defer a.mu.Unlock()
	loc, ok := a.locations[id]
	if !ok {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "location not found"))
		return
	}
	res, err := a.recorder.Deleted(ctx, locationAudit, id, loc)
	if err != nil {
		a.logger.ErrorContext(ctx, "audit location delete failed", "error", err)
		httputil.WriteError(w, err)
		return
	}
	delete(a.locations, id)
	setAuditHeader(w, res)
	w.WriteHeader(http.StatusNoContent)
}

// lookupRegion asks the geocoder for the location's region. Failures only
// cost the enrichment; the outgoing call is logged either way.
func (a *locationsAPI) lookupRegion(ctx context.Context, name string) string {
	if a.geocoderURL == "" {
		return ""
	}
	u, err := url.Parse(a.geocoderURL)
	if err != nil {
		a.logger.WarnContext(ctx, "invalid geocoder url", "error", err)
		return ""
	}
	q := u.Query()
	q.Set("q", name)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return ""
	}
	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.WarnContext(ctx, "geocoder lookup failed", "error", err)
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}
	var body struct {
		Region string `json:"region"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ""
	}
	return body.Region
}

func decodeAttrs(r *http.Request) (map[string]any, error) {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	attrs := map[string]any{}
	if err := dec.Decode(&attrs); err != nil {
		return nil, dErrors.New(dErrors.CodeBadRequest, "request body must be a JSON object")
	}
	return attrs, nil
}

func setAuditHeader(w http.ResponseWriter, res recorder.Result) {
	if res.Recorded {
		w.Header().Set("X-Audit-Event-Id", res.EventID.String())
	}
}
