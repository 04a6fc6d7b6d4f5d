package api

import (
	"context"
	"net/http"

	"github.com/warp/contravention-engine/engine"
)

// HeaderUserID carries the caller's directory id. Authentication itself is
// done upstream (gateway / SSO); this layer only resolves the id to an
// engine.Actor.
const HeaderUserID = "X-User-ID"

type actorKey struct{}

// ActorFrom returns the actor resolved by RequireActor.
func ActorFrom(ctx context.Context) (engine.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(engine.Actor)
	return a, ok
}

func withActor(ctx context.Context, a engine.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// mustActor is for handlers mounted behind RequireActor.
func mustActor(r *http.Request) engine.Actor {
	a, _ := ActorFrom(r.Context())
	return a
}

// RequireActor resolves X-User-ID against the directory. Unknown or missing
// ids are rejected with 401.
func (h *Handler) RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderUserID)
		if id == "" {
			writeError(w, http.StatusUnauthorized, "Missing "+HeaderUserID+" header", nil)
			return
		}
		u, err := h.Store.UserByID(r.Context(), engine.UserID(id))
		if err != nil {
			if engine.IsNotFound(err) {
				writeError(w, http.StatusUnauthorized, "Unknown user", nil)
				return
			}
			h.writeEngineError(w, err)
			return
		}
		actor := engine.Actor{ID: u.ID, IsAdmin: u.IsAdmin}
		next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actor)))
	})
}

// RequireAdmin rejects non-administrators with 403. Mount after RequireActor.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a, ok := ActorFrom(r.Context()); !ok || !a.IsAdmin {
			writeError(w, http.StatusForbidden, "Administrator required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
