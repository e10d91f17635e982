package httplog

import (
	"context"
	"sync"
)

type annotationKey struct{}

// annotation carries values that handlers learn during the request back up to
// the middleware, which only sees its own copy of the context.
type annotation struct {
	mu      sync.Mutex
	action  string
	actorID string
}

func (a *annotation) routeAction() *string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.action == "" {
		return nil
	}
	action := a.action
	return &action
}

func (a *annotation) actor() *string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.actorID == "" {
		return nil
	}
	actor := a.actorID
	return &actor
}

// SetRouteAction names the action a handler performed, e.g. "orders.create".
// It is a no-op outside a logged request.
func SetRouteAction(ctx context.Context, action string) {
	if a, ok := ctx.Value(annotationKey{}).(*annotation); ok {
		a.mu.Lock()
		a.action = action
		a.mu.Unlock()
	}
}

// SetActor records the principal once authentication has resolved it deeper
// in the chain.
func SetActor(ctx context.Context, actorID string) {
	if a, ok := ctx.Value(annotationKey{}).(*annotation); ok {
		a.mu.Lock()
		a.actorID = actorID
		a.mu.Unlock()
	}
}
