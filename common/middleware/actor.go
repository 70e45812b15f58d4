package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// Headers set by the web gateway after it authenticated the caller.
const (
	HeaderUserID    = "X-User-ID"
	HeaderSessionID = "X-Session-ID"
	HeaderUserRoles = "X-User-Roles"
)

// RoleAdmin grants unscoped reads of the audit trail.
const RoleAdmin = "admin"

// Actor is the authenticated caller, set by the authentication layer.
type Actor struct {
	UserID    string
	SessionID string
	Roles     []string
}

func (a Actor) IsAdmin() bool {
	for _, r := range a.Roles {
		if r == RoleAdmin {
			return true
		}
	}
	return false
}

// ActorFromHeaders trusts the gateway identity headers. Requests without
// X-User-ID carry no actor.
func ActorFromHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
		if userID == "" {
			next.ServeHTTP(w, r)
			return
		}
		a := Actor{
			UserID:    userID,
			SessionID: strings.TrimSpace(r.Header.Get(HeaderSessionID)),
		}
		for _, role := range strings.Split(r.Header.Get(HeaderUserRoles), ",") {
			if role = strings.TrimSpace(role); role != "" {
				a.Roles = append(a.Roles, role)
			}
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), a)))
	})
}

// WithActor stores the authenticated caller in ctx.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

// GetActor returns the caller stored by WithActor.
func GetActor(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey).(Actor)
	return a, ok
}

// ClientIP returns the originating client address: the first
// X-Forwarded-For hop, then X-Real-IP, then the connection peer.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// TraceID extracts the trace id from a W3C traceparent header
// ("00-<32 hex trace id>-<16 hex span id>-<flags>").
func TraceID(r *http.Request) string {
	parts := strings.Split(r.Header.Get(HeaderTraceParent), "-")
	if len(parts) != 4 || len(parts[1]) != 32 || strings.Trim(parts[1], "0") == "" {
		return ""
	}
	return strings.ToLower(parts[1])
}
