package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"palsrelay/internal/models"
	"palsrelay/internal/storage"

	"go.uber.org/zap"
)

type userSessions interface {
	Disconnect(ctx context.Context, userID int64) (int, error)
	IsOnline(ctx context.Context, userID int64) (bool, error)
}

type tokenRevoker interface {
	Revoke(token string)
}

// ConversationAdmin edits conversations in a chat database the gateway owns.
type ConversationAdmin interface {
	CreateConversation(title string, isGroup bool, createdBy int64, members []int64) (int64, error)
	AddMember(conversationID, userID int64) error
	RemoveMember(conversationID, userID int64) error
	ListMessages(conversationID int64) ([]storage.DBMessage, error)
}

type AdminHandler struct {
	sessions userSessions
	revoker  tokenRevoker
	// conversations is nil when the chat database is owned elsewhere.
	conversations ConversationAdmin
	log           *zap.Logger
}

func NewAdminHandler(sessions userSessions, revoker tokenRevoker, conversations ConversationAdmin, log *zap.Logger) *AdminHandler {
	return &AdminHandler{
		sessions:      sessions,
		revoker:       revoker,
		conversations: conversations,
		log:           log,
	}
}

type DisconnectRequest struct {
	// Token, when set, is revoked so the client cannot reconnect with it.
	Token string `json:"token,omitempty"`
}

type DisconnectResponse struct {
	APIResponse
	Closed int `json:"closed"`
}

type PresenceResponse struct {
	UserID int64 `json:"userId"`
	Online bool  `json:"online"`
}

type CreateConversationRequest struct {
	Title     string  `json:"title,omitempty"`
	IsGroup   bool    `json:"isGroup"`
	CreatedBy int64   `json:"createdBy"`
	Members   []int64 `json:"members"`
}

type CreateConversationResponse struct {
	APIResponse
	ID int64 `json:"id,omitempty"`
}

type MembershipResponse struct {
	APIResponse
	ConversationID int64 `json:"conversationId"`
	UserID         int64 `json:"userId"`
}

type MessageView struct {
	ID        int64  `json:"id"`
	SenderID  int64  `json:"senderId"`
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	MediaRef  string `json:"mediaRef,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

type MessagesResponse struct {
	ConversationID int64         `json:"conversationId"`
	Messages       []MessageView `json:"messages"`
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q", name, r.PathValue(name))
	}
	return id, nil
}

func userIDFromPath(r *http.Request) (int64, error) {
	return pathID(r, "id")
}

func (h *AdminHandler) DisconnectUserHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromPath(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req DisconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Token != "" {
		h.revoker.Revoke(req.Token)
	}

	closed, err := h.sessions.Disconnect(r.Context(), userID)
	if err != nil {
		h.log.Warn("disconnect not propagated", zap.Int64("user_id", userID), zap.Error(err))
		writeJSON(w, h.log, http.StatusBadGateway, DisconnectResponse{
			APIResponse: APIResponse{
				Success: false,
				Message: fmt.Sprintf("Closed local sessions but failed to reach other instances: %v", err),
			},
			Closed: closed,
		})
		return
	}

	h.log.Info("user disconnected", zap.Int64("user_id", userID), zap.Int("closed", closed),
		zap.Bool("revoked", req.Token != ""))
	writeJSON(w, h.log, http.StatusOK, DisconnectResponse{
		APIResponse: APIResponse{
			Success: true,
			Message: fmt.Sprintf("User %d disconnected", userID),
		},
		Closed: closed,
	})
}

func (h *AdminHandler) PresenceHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromPath(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	online, err := h.sessions.IsOnline(r.Context(), userID)
	if err != nil {
		h.log.Error("presence lookup failed", zap.Int64("user_id", userID), zap.Error(err))
		http.Error(w, "Presence lookup failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, h.log, http.StatusOK, PresenceResponse{UserID: userID, Online: online})
}

// conversationsAvailable answers 501 when the chat database is owned
// elsewhere.
func (h *AdminHandler) conversationsAvailable(w http.ResponseWriter) bool {
	if h.conversations == nil {
		http.Error(w, "Conversations are managed by the chat database owner", http.StatusNotImplemented)
		return false
	}
	return true
}

func (h *AdminHandler) CreateConversationHandler(w http.ResponseWriter, r *http.Request) {
	if !h.conversationsAvailable(w) {
		return
	}

	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.CreatedBy <= 0 {
		http.Error(w, "createdBy is required", http.StatusBadRequest)
		return
	}

	id, err := h.conversations.CreateConversation(req.Title, req.IsGroup, req.CreatedBy, req.Members)
	if err != nil {
		writeJSON(w, h.log, http.StatusInternalServerError, CreateConversationResponse{
			APIResponse: APIResponse{
				Success: false,
				Message: fmt.Sprintf("Failed to create conversation: %v", err),
			},
		})
		return
	}

	writeJSON(w, h.log, http.StatusOK, CreateConversationResponse{
		APIResponse: APIResponse{Success: true},
		ID:          id,
	})
}

func (h *AdminHandler) AddMemberHandler(w http.ResponseWriter, r *http.Request) {
	h.editMembership(w, r, true)
}

func (h *AdminHandler) RemoveMemberHandler(w http.ResponseWriter, r *http.Request) {
	h.editMembership(w, r, false)
}

// editMembership changes a membership. Gateways resolve members per event,
// so the change applies to the next message without reconnecting anyone.
func (h *AdminHandler) editMembership(w http.ResponseWriter, r *http.Request, add bool) {
	if !h.conversationsAvailable(w) {
		return
	}
	conversationID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	userID, err := pathID(r, "user")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	action := "removed"
	if add {
		action = "added"
		err = h.conversations.AddMember(conversationID, userID)
	} else {
		err = h.conversations.RemoveMember(conversationID, userID)
	}
	switch {
	case errors.Is(err, models.ErrNotFound):
		http.Error(w, fmt.Sprintf("Conversation %d not found", conversationID), http.StatusNotFound)
		return
	case err != nil:
		h.log.Error("membership update failed", zap.Int64("conversation_id", conversationID),
			zap.Int64("user_id", userID), zap.Error(err))
		http.Error(w, "Membership update failed", http.StatusInternalServerError)
		return
	}

	h.log.Info("membership "+action, zap.Int64("conversation_id", conversationID), zap.Int64("user_id", userID))
	writeJSON(w, h.log, http.StatusOK, MembershipResponse{
		APIResponse:    APIResponse{Success: true, Message: fmt.Sprintf("User %d %s", userID, action)},
		ConversationID: conversationID,
		UserID:         userID,
	})
}

// MessagesHandler lists stored messages of a conversation, oldest first.
// The optional limit query parameter keeps only the newest ones.
func (h *AdminHandler) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	if !h.conversationsAvailable(w) {
		return
	}
	conversationID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
	}

	messages, err := h.conversations.ListMessages(conversationID)
	if err != nil {
		h.log.Error("listing messages failed", zap.Int64("conversation_id", conversationID), zap.Error(err))
		http.Error(w, "Listing messages failed", http.StatusInternalServerError)
		return
	}
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}

	resp := MessagesResponse{ConversationID: conversationID, Messages: make([]MessageView, 0, len(messages))}
	for _, m := range messages {
		resp.Messages = append(resp.Messages, MessageView{
			ID:        m.ID,
			SenderID:  m.SenderID,
			Type:      m.Type,
			Content:   m.Content,
			MediaRef:  m.MediaRef,
			CreatedAt: m.CreatedAt,
		})
	}
	writeJSON(w, h.log, http.StatusOK, resp)
}
