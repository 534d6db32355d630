package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"personadb/pkg/models"
	"personadb/pkg/store"
	"personadb/pkg/telemetry"
	"personadb/pkg/utils"
)

func (s *Server) identityRoutes(r *mux.Router) {
	r.HandleFunc("/identities", s.handleCreateIdentity).Methods(http.MethodPost)
	r.HandleFunc("/identities", s.handleListIdentities).Methods(http.MethodGet)
	r.HandleFunc("/identities/deleted", s.handleListDeleted).Methods(http.MethodGet)
	r.HandleFunc("/identities/search", s.handleSearch).Methods(http.MethodGet)
	r.HandleFunc("/identities/check-alias", s.handleCheckAlias).Methods(http.MethodGet)
	r.HandleFunc("/identities/export", s.handleExport).Methods(http.MethodGet)
	r.HandleFunc("/identities/import", s.handleImport).Methods(http.MethodPost)
	r.HandleFunc("/identities/bulk/privacy", s.handleBulkPrivacy).Methods(http.MethodPost)
	r.HandleFunc("/identities/bulk/delete", s.handleBulkDelete).Methods(http.MethodPost)

	r.HandleFunc("/identities/{id}", s.handleGetIdentity).Methods(http.MethodGet)
	r.HandleFunc("/identities/{id}", s.handleUpdateIdentity).Methods(http.MethodPatch)
	r.HandleFunc("/identities/{id}", s.handleDeleteIdentity).Methods(http.MethodDelete)
	r.HandleFunc("/identities/{id}/default", s.handleSetDefault).Methods(http.MethodPost)
	r.HandleFunc("/identities/{id}/archive", s.handleArchive).Methods(http.MethodPost)
	r.HandleFunc("/identities/{id}/unarchive", s.handleUnarchive).Methods(http.MethodPost)
	r.HandleFunc("/identities/{id}/clone", s.handleClone).Methods(http.MethodPost)
	r.HandleFunc("/identities/{id}/protection", s.handleProtection).Methods(http.MethodPut)
	r.HandleFunc("/identities/{id}/auto-delete", s.handleAutoDelete).Methods(http.MethodPut)
	r.HandleFunc("/identities/{id}/forwarding", s.handleForwarding).Methods(http.MethodPut)
	r.HandleFunc("/identities/{id}/deletion-options", s.handleDeletionOptions).Methods(http.MethodGet)
	r.HandleFunc("/identities/{id}/restore", s.handleRestore).Methods(http.MethodPost)
}

func (s *Server) handleCreateIdentity(w http.ResponseWriter, r *http.Request) {
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	var in store.CreateIdentityInput
	if !decodeBody(w, r, &in) {
		return
	}
	res, err := s.Store.CreateIdentity(uid, in)
	if err != nil {
		telemetry.IdentityOps.WithLabelValues("create", "error").Inc()
		utils.WriteAppError(w, err)
		return
	}
	telemetry.IdentityOps.WithLabelValues("create", "ok").Inc()
	utils.WriteJSON(w, http.StatusCreated, res)
}

func (s *Server) handleListIdentities(w http.ResponseWriter, r *http.Request) {
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	views, err := s.Store.ListIdentities(uid, store.ListOptions{
		IncludeExpired:  queryBool(r, "include_expired"),
		IncludeInactive: queryBool(r, "include_inactive"),
		Limit:           queryInt(r, "limit"),
		Skip:            queryInt(r, "skip"),
	})
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]any{"identities": views})
}

func (s *Server) handleListDeleted(w http.ResponseWriter, r *http.Request) {
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	views, err := s.Store.ListDeleted(uid)
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]any{"identities": views})
}

func (s *Server) handleGetIdentity(w http.ResponseWriter, r *http.Request) {
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	ident, err := s.Store.GetIdentity(uid, mux.Vars(r)["id"])
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]any{"identity": ident.View(), "usage": ident.Usage})
}

func (s *Server) handleUpdateIdentity(w http.ResponseWriter, r *http.Request) {
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	var in store.UpdateIdentityInput
	if !decodeBody(w, r, &in) {
		return
	}
	res, err := s.Store.UpdateIdentity(uid, mux.Vars(r)["id"], in)
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleSetDefault(w http.ResponseWriter, r *http.Request) {
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	res, err := s.Store.SetDefault(uid, mux.Vars(r)["id"])
	if err != nil {
		telemetry.IdentityOps.WithLabelValues("set_default", "error").Inc()
		utils.WriteAppError(w, err)
		return
	}
	telemetry.IdentityOps.WithLabelValues("set_default", "ok").Inc()
	utils.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	s.setArchived(w, r, true)
}

func (s *Server) handleUnarchive(w http.ResponseWriter, r *http.Request) {
	s.setArchived(w, r, false)
}

func (s *Server) setArchived(w http.ResponseWriter, r *http.Request, archived bool) {
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	res, err := s.Store.SetArchived(uid, mux.Vars(r)["id"], archived)
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleClone(w http.ResponseWriter, r *http.Request) {
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	var in struct {
		Alias         string `json:"alias"`
		ResetSettings bool   `json:"reset_settings,omitempty"`
	}
	if !decodeBody(w, r, &in) {
		return
	}
	res, err := s.Store.CloneIdentity(uid, mux.Vars(r)["id"], in.Alias, in.ResetSettings)
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusCreated, res)
}

func (s *Server) handleProtection(w http.ResponseWriter, r *http.Request) {
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	var in struct {
		Protected bool `json:"protected"`
	}
	if !decodeBody(w, r, &in) {
		return
	}
	res, err := s.Store.SetProtection(uid, mux.Vars(r)["id"], in.Protected)
	if err != nil {
		telemetry.IdentityOps.WithLabelValues("protection", "error").Inc()
		utils.WriteAppError(w, err)
		return
	}
	telemetry.IdentityOps.WithLabelValues("protection", "ok").Inc()
	utils.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleAutoDelete(w http.ResponseWriter, r *http.Request) {
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	var in models.AutoDelete
	if !decodeBody(w, r, &in) {
		return
	}
	res, err := s.Store.SetAutoDelete(uid, mux.Vars(r)["id"], in)
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleForwarding(w http.ResponseWriter, r *http.Request) {
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	var in models.ForwardingPreferences
	if !decodeBody(w, r, &in) {
		return
	}
	res, err := s.Store.SetForwarding(uid, mux.Vars(r)["id"], in)
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleDeletionOptions(w http.ResponseWriter, r *http.Request) {
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	opts, err := s.Store.GetDeletionOptions(uid, mux.Vars(r)["id"])
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, opts)
}

func (s *Server) handleDeleteIdentity(w http.ResponseWriter, r *http.Request) {
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	res, err := s.Store.DeleteIdentity(uid, mux.Vars(r)["id"],
		queryBool(r, "permanent"), queryBool(r, "force"), r.URL.Query().Get("reason"))
	if err != nil {
		telemetry.IdentityOps.WithLabelValues("delete", "error").Inc()
		utils.WriteAppError(w, err)
		return
	}
	telemetry.IdentityOps.WithLabelValues("delete", "ok").Inc()
	utils.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "result": res})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	res, err := s.Store.RestoreIdentity(uid, mux.Vars(r)["id"])
	if err != nil {
		telemetry.IdentityOps.WithLabelValues("restore", "error").Inc()
		utils.WriteAppError(w, err)
		return
	}
	telemetry.IdentityOps.WithLabelValues("restore", "ok").Inc()
	utils.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	hits, err := s.Store.SearchIdentities(uid, r.URL.Query().Get("q"))
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]any{"identities": hits})
}

func (s *Server) handleCheckAlias(w http.ResponseWriter, r *http.Request) {
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	available, err := s.Store.CheckAlias(uid, r.URL.Query().Get("alias"))
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]any{"available": available})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	data, contentType, err := s.Store.ExportIdentities(uid, r.URL.Query().Get("format"))
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	var in struct {
		Items []store.CreateIdentityInput `json:"items"`
	}
	if !decodeBody(w, r, &in) {
		return
	}
	results, err := s.Store.ImportIdentities(uid, in.Items, queryBool(r, "overwrite"))
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleBulkPrivacy(w http.ResponseWriter, r *http.Request) {
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	var in struct {
		IDs   []string               `json:"ids"`
		Patch store.BulkPrivacyInput `json:"patch"`
	}
	if !decodeBody(w, r, &in) {
		return
	}
	results, err := s.Store.BulkUpdatePrivacy(uid, in.IDs, in.Patch)
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	var in struct {
		IDs       []string `json:"ids"`
		Permanent bool     `json:"permanent,omitempty"`
		Force     bool     `json:"force,omitempty"`
	}
	if !decodeBody(w, r, &in) {
		return
	}
	results, err := s.Store.BulkDelete(uid, in.IDs, in.Permanent, in.Force)
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]any{"results": results})
}
