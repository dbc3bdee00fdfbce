package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"

	"palsrelay/internal/models"
	"palsrelay/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockSessions struct {
	disconnected []int64
	online       map[int64]bool
	err          error
}

func (m *mockSessions) Disconnect(_ context.Context, userID int64) (int, error) {
	m.disconnected = append(m.disconnected, userID)
	return 2, m.err
}

func (m *mockSessions) IsOnline(_ context.Context, userID int64) (bool, error) {
	return m.online[userID], m.err
}

type mockRevoker struct {
	revoked []string
}

func (m *mockRevoker) Revoke(token string) {
	m.revoked = append(m.revoked, token)
}

type mockConversations struct {
	created  [][]int64
	members  map[int64][]int64
	messages map[int64][]storage.DBMessage
	err      error
}

func (m *mockConversations) CreateConversation(_ string, _ bool, createdBy int64, members []int64) (int64, error) {
	m.created = append(m.created, append([]int64{createdBy}, members...))
	return int64(len(m.created)), nil
}

func (m *mockConversations) AddMember(conversationID, userID int64) error {
	if m.err != nil {
		return m.err
	}
	if _, ok := m.members[conversationID]; !ok {
		return models.ErrNotFound
	}
	m.members[conversationID] = append(m.members[conversationID], userID)
	return nil
}

func (m *mockConversations) RemoveMember(conversationID, userID int64) error {
	if m.err != nil {
		return m.err
	}
	members, ok := m.members[conversationID]
	if !ok {
		return models.ErrNotFound
	}
	m.members[conversationID] = slices.DeleteFunc(members, func(id int64) bool { return id == userID })
	return nil
}

func (m *mockConversations) ListMessages(conversationID int64) ([]storage.DBMessage, error) {
	return m.messages[conversationID], m.err
}

func newAdminMux(h *AdminHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/users/{id}/disconnect", h.DisconnectUserHandler)
	mux.HandleFunc("GET /admin/users/{id}/presence", h.PresenceHandler)
	mux.HandleFunc("POST /admin/conversations", h.CreateConversationHandler)
	mux.HandleFunc("POST /admin/conversations/{id}/members/{user}", h.AddMemberHandler)
	mux.HandleFunc("DELETE /admin/conversations/{id}/members/{user}", h.RemoveMemberHandler)
	mux.HandleFunc("GET /admin/conversations/{id}/messages", h.MessagesHandler)
	return mux
}

func TestAdminHandler_Disconnect(t *testing.T) {
	sessions := &mockSessions{}
	revoker := &mockRevoker{}
	mux := newAdminMux(NewAdminHandler(sessions, revoker, nil, zap.NewNop()))

	t.Run("without token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/users/5/disconnect", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		var resp DisconnectResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.True(t, resp.Success)
		assert.Equal(t, 2, resp.Closed)
		assert.Equal(t, []int64{5}, sessions.disconnected)
		assert.Empty(t, revoker.revoked)
	})

	t.Run("with token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		body := strings.NewReader(`{"token":"abc"}`)
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/users/6/disconnect", body))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{"abc"}, revoker.revoked)
	})

	t.Run("bad id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/users/bob/disconnect", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bridge failure", func(t *testing.T) {
		sessions.err = errors.New("bus down")
		defer func() { sessions.err = nil }()

		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/users/5/disconnect", nil))
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})
}

func TestAdminHandler_Presence(t *testing.T) {
	sessions := &mockSessions{online: map[int64]bool{3: true}}
	mux := newAdminMux(NewAdminHandler(sessions, &mockRevoker{}, nil, zap.NewNop()))

	for id, want := range map[string]bool{"3": true, "4": false} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/users/"+id+"/presence", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var resp PresenceResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, want, resp.Online, "user %s", id)
	}
}

func TestAdminHandler_CreateConversation(t *testing.T) {
	t.Run("not supported", func(t *testing.T) {
		mux := newAdminMux(NewAdminHandler(&mockSessions{}, &mockRevoker{}, nil, zap.NewNop()))
		rec := httptest.NewRecorder()
		body := strings.NewReader(`{"createdBy":1,"members":[2]}`)
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/conversations", body))
		assert.Equal(t, http.StatusNotImplemented, rec.Code)
	})

	t.Run("created", func(t *testing.T) {
		convs := &mockConversations{}
		mux := newAdminMux(NewAdminHandler(&mockSessions{}, &mockRevoker{}, convs, zap.NewNop()))
		rec := httptest.NewRecorder()
		body := strings.NewReader(`{"createdBy":1,"members":[2,3],"isGroup":true}`)
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/conversations", body))

		require.Equal(t, http.StatusOK, rec.Code)
		var resp CreateConversationResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.True(t, resp.Success)
		assert.Equal(t, int64(1), resp.ID)
		assert.Equal(t, [][]int64{{1, 2, 3}}, convs.created)
	})

	t.Run("missing creator", func(t *testing.T) {
		mux := newAdminMux(NewAdminHandler(&mockSessions{}, &mockRevoker{}, &mockConversations{}, zap.NewNop()))
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/conversations", strings.NewReader(`{}`)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestAdminHandler_Membership(t *testing.T) {
	convs := &mockConversations{members: map[int64][]int64{7: {1, 2}}}
	mux := newAdminMux(NewAdminHandler(&mockSessions{}, &mockRevoker{}, convs, zap.NewNop()))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/conversations/7/members/3", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp MembershipResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.Equal(t, int64(7), resp.ConversationID)
	assert.Equal(t, int64(3), resp.UserID)
	assert.Equal(t, []int64{1, 2, 3}, convs.members[7])

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/admin/conversations/7/members/2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int64{1, 3}, convs.members[7])

	tests := []struct {
		name   string
		method string
		path   string
		code   int
	}{
		{"unknown conversation", http.MethodPost, "/admin/conversations/9/members/1", http.StatusNotFound},
		{"bad conversation", http.MethodDelete, "/admin/conversations/x/members/1", http.StatusBadRequest},
		{"bad user", http.MethodPost, "/admin/conversations/7/members/0", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.code, rec.Code)
		})
	}

	t.Run("store failure", func(t *testing.T) {
		failing := &mockConversations{err: errors.New("disk full")}
		mux := newAdminMux(NewAdminHandler(&mockSessions{}, &mockRevoker{}, failing, zap.NewNop()))
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/conversations/7/members/3", nil))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})

	t.Run("not supported", func(t *testing.T) {
		mux := newAdminMux(NewAdminHandler(&mockSessions{}, &mockRevoker{}, nil, zap.NewNop()))
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/admin/conversations/7/members/3", nil))
		assert.Equal(t, http.StatusNotImplemented, rec.Code)
	})
}

func TestAdminHandler_Messages(t *testing.T) {
	convs := &mockConversations{messages: map[int64][]storage.DBMessage{
		7: {
			{ID: 1, ConversationID: 7, SenderID: 1, Type: "text", Content: "one", CreatedAt: 100},
			{ID: 2, ConversationID: 7, SenderID: 2, Type: "image", MediaRef: "uploads/a.png", CreatedAt: 200},
			{ID: 3, ConversationID: 7, SenderID: 1, Type: "text", Content: "three", CreatedAt: 300},
		},
	}}
	mux := newAdminMux(NewAdminHandler(&mockSessions{}, &mockRevoker{}, convs, zap.NewNop()))

	list := func(t *testing.T, path string) MessagesResponse {
		t.Helper()
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code)
		var resp MessagesResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		return resp
	}

	resp := list(t, "/admin/conversations/7/messages")
	assert.Equal(t, int64(7), resp.ConversationID)
	require.Len(t, resp.Messages, 3)
	assert.Equal(t, "uploads/a.png", resp.Messages[1].MediaRef)

	resp = list(t, "/admin/conversations/7/messages?limit=2")
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, int64(2), resp.Messages[0].ID)
	assert.Equal(t, "three", resp.Messages[1].Content)

	resp = list(t, "/admin/conversations/8/messages")
	assert.NotNil(t, resp.Messages)
	assert.Empty(t, resp.Messages)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/conversations/7/messages?limit=-1", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
