package commands

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"palsrelay/internal/api"
	"palsrelay/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisconnectUser(t *testing.T) {
	var gotPath string
	var gotReq api.DisconnectRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_ = json.NewEncoder(w).Encode(api.DisconnectResponse{
			APIResponse: api.APIResponse{Success: true},
			Closed:      1,
		})
	}))
	defer ts.Close()

	cfg := &config.Config{AdminAddr: ts.Listener.Addr().String()}
	require.NoError(t, DisconnectUser(12, "tok", cfg))
	assert.Equal(t, "/admin/users/12/disconnect", gotPath)
	assert.Equal(t, "tok", gotReq.Token)
}

func TestDisconnectUser_ServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer ts.Close()

	cfg := &config.Config{AdminAddr: ts.Listener.Addr().String()}
	require.Error(t, DisconnectUser(12, "", cfg))
}

func TestCreateConversation(t *testing.T) {
	var gotReq api.CreateConversationRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_ = json.NewEncoder(w).Encode(api.CreateConversationResponse{
			APIResponse: api.APIResponse{Success: true},
			ID:          3,
		})
	}))
	defer ts.Close()

	cfg := &config.Config{AdminAddr: ts.Listener.Addr().String()}
	req := api.CreateConversationRequest{CreatedBy: 1, Members: []int64{2}}
	require.NoError(t, CreateConversation(req, cfg))
	assert.Equal(t, req, gotReq)
}
