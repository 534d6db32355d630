// Package auth gates API access: API-key roles, signed end-user identity,
// CORS and per-client rate limiting.
package auth

import (
	"context"
	"net"
	"net/http"
	"strings"

	"personadb/pkg/config"
	"personadb/pkg/logger"
	"personadb/pkg/utils"
)

// Roles attached by the gateway.
const (
	RoleFrontend = "frontend"
	RoleBackend  = "backend"
	RoleAdmin    = "admin"
)

type ctxKey int

const (
	ctxRoleKey ctxKey = iota
	ctxUserKey
)

// RoleFrom returns the caller role set by the gateway.
func RoleFrom(ctx context.Context) string {
	if v, ok := ctx.Value(ctxRoleKey).(string); ok {
		return v
	}
	return ""
}

// UserFrom returns the verified end-user id, when present.
func UserFrom(ctx context.Context) string {
	if v, ok := ctx.Value(ctxUserKey).(string); ok {
		return v
	}
	return ""
}

// WithUser stamps a verified user id onto the context. Exported for tests.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxUserKey, userID)
}

// Gateway holds resolved key sets and network policy.
type Gateway struct {
	frontend    map[string]struct{}
	backend     map[string]struct{}
	admin       map[string]struct{}
	ipWhitelist []string
	cors        []string
}

// NewGateway builds the gateway from config.
func NewGateway(cfg *config.Config) *Gateway {
	toSet := func(keys []string) map[string]struct{} {
		m := map[string]struct{}{}
		for _, k := range keys {
			if k = strings.TrimSpace(k); k != "" {
				m[k] = struct{}{}
			}
		}
		return m
	}
	return &Gateway{
		frontend:    toSet(cfg.Security.APIKeys.Frontend),
		backend:     toSet(cfg.Security.APIKeys.Backend),
		admin:       toSet(cfg.Security.APIKeys.Admin),
		ipWhitelist: cfg.Security.IPWhitelist,
		cors:        cfg.Security.CORS.AllowedOrigins,
	}
}

func bearerKey(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.Header.Get("X-API-Key")
}

func (g *Gateway) roleForKey(key string) string {
	if key == "" {
		return ""
	}
	if _, ok := g.admin[key]; ok {
		return RoleAdmin
	}
	if _, ok := g.backend[key]; ok {
		return RoleBackend
	}
	if _, ok := g.frontend[key]; ok {
		return RoleFrontend
	}
	return ""
}

func (g *Gateway) ipAllowed(remoteAddr string) bool {
	if len(g.ipWhitelist) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	for _, allowed := range g.ipWhitelist {
		if host == allowed {
			return true
		}
	}
	return false
}

func (g *Gateway) setCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	for _, o := range g.cors {
		if o == "*" || strings.EqualFold(o, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key, X-User-ID, X-User-Signature")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			return
		}
	}
}

// Middleware authenticates every request: whitelist check, API-key role,
// then signed end-user identity for frontend callers. minRole bounds who
// may pass (frontend < backend < admin).
func (g *Gateway) Middleware(minRole string, next http.Handler) http.Handler {
	rank := map[string]int{RoleFrontend: 1, RoleBackend: 2, RoleAdmin: 3}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.setCORS(w, r)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if !g.ipAllowed(r.RemoteAddr) {
			utils.JSONError(w, "forbidden", http.StatusForbidden)
			return
		}
		role := g.roleForKey(bearerKey(r))
		if role == "" {
			utils.JSONError(w, "missing or unknown API key", http.StatusUnauthorized)
			return
		}
		if rank[role] < rank[minRole] {
			utils.JSONError(w, "insufficient role", http.StatusForbidden)
			return
		}
		ctx := context.WithValue(r.Context(), ctxRoleKey, role)

		if uid := r.Header.Get("X-User-ID"); uid != "" {
			if role == RoleFrontend {
				sig := r.Header.Get("X-User-Signature")
				if !VerifyUser(config.GetSigningKeys(), uid, sig) {
					logger.Warn("user_signature_rejected", "user", uid, "remote", r.RemoteAddr)
					utils.JSONError(w, "invalid user signature", http.StatusUnauthorized)
					return
				}
			}
			ctx = context.WithValue(ctx, ctxUserKey, uid)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
