package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"personadb/pkg/apperr"
	"personadb/pkg/lifecycle"
	"personadb/pkg/models"
	"personadb/pkg/store"
	"personadb/pkg/utils"
)

func (s *Server) conversationRoutes(r *mux.Router) {
	r.HandleFunc("/conversations", s.handleCreateConversation).Methods(http.MethodPost)
	r.HandleFunc("/conversations", s.handleListConversations).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{cid}", s.handleGetConversation).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{cid}/join", s.handleJoin).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{cid}/leave", s.handleLeave).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{cid}/settings", s.handleConvSettings).Methods(http.MethodPut)
	r.HandleFunc("/conversations/{cid}/secret", s.handleSecretPolicy).Methods(http.MethodPut)

	r.HandleFunc("/conversations/{cid}/messages", s.handleSend).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{cid}/messages", s.handleListMessages).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{cid}/messages/{mid}", s.handleGetMessage).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{cid}/messages/{mid}", s.handleEdit).Methods(http.MethodPatch)
	r.HandleFunc("/conversations/{cid}/messages/{mid}/versions", s.handleVersions).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{cid}/messages/{mid}", s.handleDeleteMessage).Methods(http.MethodDelete)
	r.HandleFunc("/conversations/{cid}/messages/{mid}/delivered", s.handleDelivered).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{cid}/messages/{mid}/failed", s.handleFailed).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{cid}/messages/{mid}/read", s.handleRead).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{cid}/messages/{mid}/react", s.handleReact).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{cid}/messages/{mid}/pin", s.handlePin).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{cid}/messages/{mid}/forward", s.handleForward).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{cid}/messages/{mid}/screenshot", s.handleScreenshot).Methods(http.MethodPost)
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	var in struct {
		IdentityID string `json:"identity_id"`
		store.CreateConversationInput
	}
	if !decodeBody(w, r, &in) {
		return
	}
	conv, err := s.Store.CreateConversation(r.Context(), uid, in.IdentityID, in.CreateConversationInput)
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusCreated, map[string]any{"conversation": conv})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	convs, err := s.Store.ListConversations(uid)
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	cid := mux.Vars(r)["cid"]
	if _, err := s.Store.GetParticipant(cid, uid); err != nil {
		utils.WriteAppError(w, err)
		return
	}
	conv, err := s.Store.GetConversation(cid)
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	parts, err := s.Store.ListParticipants(cid)
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]any{"conversation": conv, "participants": parts})
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	var in struct {
		IdentityID string `json:"identity_id"`
	}
	if !decodeBody(w, r, &in) {
		return
	}
	part, err := s.Store.JoinConversation(mux.Vars(r)["cid"], uid, in.IdentityID)
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]any{"participant": part})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	if err := s.Store.LeaveConversation(mux.Vars(r)["cid"], uid); err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleConvSettings(w http.ResponseWriter, r *http.Request) {
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	var in models.ConversationSettings
	if !decodeBody(w, r, &in) {
		return
	}
	conv, err := s.Store.UpdateConversationSettings(mux.Vars(r)["cid"], uid, in)
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]any{"conversation": conv})
}

func (s *Server) handleSecretPolicy(w http.ResponseWriter, r *http.Request) {
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	var in struct {
		SelfDestructSecs int  `json:"self_destruct_secs"`
		BlockScreenshots bool `json:"block_screenshots"`
	}
	if !decodeBody(w, r, &in) {
		return
	}
	conv, err := s.Store.SetSecretPolicy(mux.Vars(r)["cid"], uid, in.SelfDestructSecs, in.BlockScreenshots)
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]any{"conversation": conv})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	var in struct {
		IdentityID string `json:"identity_id"`
		lifecycle.SendInput
	}
	if !decodeBody(w, r, &in) {
		return
	}
	msg, err := s.Lifecycle.Send(r.Context(), mux.Vars(r)["cid"], uid, in.IdentityID, in.SendInput)
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusCreated, map[string]any{"message": msg})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	msgs, err := s.Store.ListMessages(mux.Vars(r)["cid"], uid, store.ListMessagesOptions{
		Limit:  queryInt(r, "limit"),
		Before: r.URL.Query().Get("before"),
	})
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(msgs))
	for i := range msgs {
		out = append(out, map[string]any{
			"message":     msgs[i],
			"attribution": s.Lifecycle.Attribution(&msgs[i]),
		})
	}
	utils.WriteJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	v := mux.Vars(r)
	if _, err := s.Store.GetParticipant(v["cid"], uid); err != nil {
		utils.WriteAppError(w, err)
		return
	}
	msg, err := s.Store.GetMessage(v["cid"], v["mid"])
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	if !msg.VisibleTo(uid, timeNow()) {
		utils.WriteAppError(w, apperr.New(apperr.CodeNotFound, "message not found"))
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]any{
		"message":     msg,
		"attribution": s.Lifecycle.Attribution(msg),
	})
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	var in struct {
		Content string `json:"content"`
	}
	if !decodeBody(w, r, &in) {
		return
	}
	v := mux.Vars(r)
	msg, err := s.Lifecycle.Edit(v["cid"], v["mid"], uid, in.Content)
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]any{"message": msg})
}

func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	v := mux.Vars(r)
	if _, err := s.Store.GetParticipant(v["cid"], uid); err != nil {
		utils.WriteAppError(w, err)
		return
	}
	versions, err := s.Store.ListVersions(v["mid"])
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	v := mux.Vars(r)
	var (
		msg *models.Message
		err error
	)
	if r.URL.Query().Get("scope") == "everyone" {
		msg, err = s.Lifecycle.DeleteForEveryone(v["cid"], v["mid"], uid)
	} else {
		msg, err = s.Lifecycle.DeleteForMe(v["cid"], v["mid"], uid)
	}
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "message": msg})
}

func (s *Server) handleDelivered(w http.ResponseWriter, r *http.Request) {
	if _, ok := callerID(w, r); !ok {
		return
	}
	v := mux.Vars(r)
	msg, err := s.Lifecycle.MarkDelivered(v["cid"], v["mid"])
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]any{"message": msg})
}

func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request) {
	if _, ok := callerID(w, r); !ok {
		return
	}
	v := mux.Vars(r)
	msg, err := s.Lifecycle.MarkFailed(v["cid"], v["mid"])
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]any{"message": msg})
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	v := mux.Vars(r)
	msg, err := s.Lifecycle.MarkRead(v["cid"], v["mid"], uid)
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]any{"message": msg})
}

func (s *Server) handleReact(w http.ResponseWriter, r *http.Request) {
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	var in struct {
		Reaction string `json:"reaction"`
	}
	if !decodeBody(w, r, &in) {
		return
	}
	v := mux.Vars(r)
	msg, err := s.Lifecycle.React(v["cid"], v["mid"], uid, in.Reaction)
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]any{"message": msg})
}

func (s *Server) handlePin(w http.ResponseWriter, r *http.Request) {
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	var in struct {
		Pinned bool `json:"pinned"`
	}
	if !decodeBody(w, r, &in) {
		return
	}
	v := mux.Vars(r)
	msg, err := s.Lifecycle.SetPinned(v["cid"], v["mid"], uid, in.Pinned)
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]any{"message": msg})
}

func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	var in struct {
		TargetConversationID string `json:"target_conversation_id"`
		IdentityID           string `json:"identity_id"`
		Attribution          string `json:"attribution,omitempty"`
	}
	if !decodeBody(w, r, &in) {
		return
	}
	v := mux.Vars(r)
	msg, err := s.Lifecycle.Forward(r.Context(), v["cid"], v["mid"], in.TargetConversationID, uid, in.IdentityID, in.Attribution)
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusCreated, map[string]any{
		"message":     msg,
		"attribution": s.Lifecycle.Attribution(msg),
	})
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	var in struct {
		Method string `json:"method,omitempty"`
	}
	if !decodeBody(w, r, &in) {
		return
	}
	v := mux.Vars(r)
	blocked, count, err := s.Lifecycle.ReportScreenshot(v["cid"], v["mid"], uid, in.Method)
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]any{"blocked": blocked, "screenshot_count": count})
}
