package testutil

import (
	"net/http"

	"audittrail/pkg/requestcontext"
)

// WithActor attaches an authenticated principal to the request, as an auth
// middleware would.
func WithActor(req *http.Request, actorID string) *http.Request {
	return req.WithContext(requestcontext.WithActorID(req.Context(), actorID))
}

// WithReference attaches a reference id to the request without running the
// correlation middleware.
func WithReference(req *http.Request, referenceID string) *http.Request {
	return req.WithContext(requestcontext.WithReferenceID(req.Context(), referenceID))
}
