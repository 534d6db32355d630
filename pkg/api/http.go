// Package api exposes the engine over HTTP.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	httpSwagger "github.com/swaggo/http-swagger"

	"personadb/pkg/apperr"
	"personadb/pkg/auth"
	"personadb/pkg/httpx"
	"personadb/pkg/lifecycle"
	"personadb/pkg/store"
	"personadb/pkg/telemetry"
	"personadb/pkg/utils"

	"personadb/internal/sweep"
)

// Healthz is transport-agnostic so both HTTP engines can serve it.
var Healthz httpx.HandlerFunc = func(w httpx.ResponseWriter, _ *httpx.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

var timeNow = time.Now

// Server bundles the handler dependencies.
type Server struct {
	Store     *store.Store
	Lifecycle *lifecycle.Manager
	Sweeper   *sweep.Sweeper
	Gateway   *auth.Gateway
	Limiter   *auth.LimiterPool
}

// Router builds the full route table. Identity and conversation routes
// require a caller (frontend or above); admin routes require the admin role.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.Handle("/healthz", httpx.NetHTTPAdapter(Healthz))
	r.Handle("/metrics", telemetry.Handler())
	r.PathPrefix("/docs/").Handler(httpSwagger.WrapHandler)

	v1 := mux.NewRouter()
	v1.Use(metricsMiddleware)
	api := v1.PathPrefix("/v1").Subrouter()
	s.identityRoutes(api)
	s.conversationRoutes(api)

	admin := mux.NewRouter()
	admin.Use(metricsMiddleware)
	adm := admin.PathPrefix("/v1/admin").Subrouter()
	adm.HandleFunc("/sweep", s.handleAdminSweep).Methods(http.MethodPost)
	adm.HandleFunc("/audit", s.handleAdminAudit).Methods(http.MethodGet)

	r.PathPrefix("/v1/admin/").Handler(s.wrap(auth.RoleAdmin, admin))
	r.PathPrefix("/v1/").Handler(s.wrap(auth.RoleFrontend, v1))
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// metricsMiddleware records per-route counters keyed by the matched route
// template so path parameters do not blow up label cardinality.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		telemetry.HTTPRequests.WithLabelValues(route, fmt.Sprintf("%dxx", rec.status/100)).Inc()
	})
}

func (s *Server) wrap(minRole string, next http.Handler) http.Handler {
	h := next
	if s.Gateway != nil {
		h = s.Gateway.Middleware(minRole, h)
	}
	if s.Limiter != nil {
		h = s.Limiter.Middleware(h)
	}
	return h
}

// callerID returns the authenticated end-user id or writes a 401.
func callerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	uid := auth.UserFrom(r.Context())
	if uid == "" {
		uid = r.Header.Get("X-User-ID")
	}
	if uid == "" {
		utils.JSONError(w, "missing user identity", http.StatusUnauthorized)
		return "", false
	}
	return uid, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		utils.WriteAppError(w, apperr.Wrap(apperr.CodeValidationFailed, "invalid request body", err))
		return false
	}
	return true
}

func queryInt(r *http.Request, name string) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

func queryBool(r *http.Request, name string) bool {
	switch r.URL.Query().Get(name) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func (s *Server) handleAdminSweep(w http.ResponseWriter, r *http.Request) {
	res, err := s.Sweeper.RunOnce(r.Context(), timeNow())
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleAdminAudit(w http.ResponseWriter, r *http.Request) {
	recs, err := s.Store.ListAudit(queryInt(r, "limit"))
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]any{"records": recs})
}
