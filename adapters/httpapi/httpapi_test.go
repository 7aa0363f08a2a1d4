package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/coregx/chatcore"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// newChatServer mimics the chat server's token and history routes.
func newChatServer(t *testing.T) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()

	r.Get("/api/agora/token", func(w http.ResponseWriter, r *http.Request) {
		channel := r.URL.Query().Get("channelName")
		if channel == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "channelName is required"})
			return
		}
		if channel == "call_broken" {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Agora Configuration Missing"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":       "tok-" + channel + "-" + r.URL.Query().Get("uid"),
			"channelName": channel,
			"uid":         0,
			"appId":       "app-1",
		})
	})

	r.Get("/messages/{senderID}/{recipientID}", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		writeJSON(w, http.StatusOK, []map[string]any{
			{"id": "m1", "senderId": chi.URLParam(r, "senderID"), "recipientId": chi.URLParam(r, "recipientID"), "content": "hi", "type": "TEXT", "timestamp": "2024-05-01T10:00:00"},
			{"id": "m2", "senderId": chi.URLParam(r, "recipientID"), "recipientId": chi.URLParam(r, "senderID"), "content": "hey", "type": "TEXT", "timestamp": 1714557660000},
		})
	})

	r.Get("/messages/group/{groupID}", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "groupID") == "missing" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, []map[string]any{
			{"id": "g1", "senderId": "alice", "groupId": chi.URLParam(r, "groupID"), "content": "welcome", "type": "TEXT"},
		})
	})

	r.Get("/conversations/{userID}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []map[string]any{
			{"userId": "bob", "username": "bob", "fullName": "Bob B", "lastMessage": "hey", "timestamp": "2024-05-01T10:01:00"},
		})
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestTokenClient_Credential(t *testing.T) {
	srv := newChatServer(t)
	c := NewTokenClient(srv.URL + "/")

	cred, err := c.Credential(context.Background(), "call_alice_bob")
	require.NoError(t, err)
	assert.Equal(t, "tok-call_alice_bob-0", cred.Token)
	assert.Equal(t, "call_alice_bob", cred.ChannelName)
	assert.Equal(t, "app-1", cred.AppID)
	assert.Zero(t, cred.UID)

	c.SetUID(7)
	cred, err = c.Credential(context.Background(), "call_alice_bob")
	require.NoError(t, err)
	assert.Equal(t, "tok-call_alice_bob-7", cred.Token)
}

func TestTokenClient_Errors(t *testing.T) {
	srv := newChatServer(t)
	c := NewTokenClient(srv.URL)

	_, err := c.Credential(context.Background(), "call_broken")
	require.Error(t, err)
	var status *StatusError
	require.ErrorAs(t, err, &status)
	assert.Equal(t, http.StatusInternalServerError, status.StatusCode)
	assert.Equal(t, "Agora Configuration Missing", status.Message)

	_, err = c.Credential(context.Background(), "")
	require.ErrorAs(t, err, &status)
	assert.Equal(t, http.StatusBadRequest, status.StatusCode)
}

func TestTokenClient_WorksWithCachingProvider(t *testing.T) {
	srv := newChatServer(t)
	p := chatcore.NewCachingCredentialProvider(NewTokenClient(srv.URL), 0)

	cred, err := p.Credential(context.Background(), "call_a_b")
	require.NoError(t, err)
	assert.False(t, cred.ExpiresAt.IsZero())

	_, err = p.Credential(context.Background(), "call_broken")
	assert.True(t, chatcore.IsCode(err, chatcore.ErrCodeCredential))
}

func TestHistoryClient_DirectHistory(t *testing.T) {
	srv := newChatServer(t)

	msgs, err := NewHistoryClient(srv.URL, WithBearerToken("secret")).DirectHistory(context.Background(), "alice", "bob")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "alice", msgs[0].SenderID)
	assert.Equal(t, "bob", msgs[1].SenderID)
	assert.Equal(t, 2024, msgs[0].Timestamp.Year())
	assert.Equal(t, 2024, msgs[1].Timestamp.Year())

	_, err = NewHistoryClient(srv.URL).DirectHistory(context.Background(), "alice", "bob")
	var status *StatusError
	require.ErrorAs(t, err, &status)
	assert.Equal(t, http.StatusUnauthorized, status.StatusCode)
}

func TestHistoryClient_GroupHistory(t *testing.T) {
	srv := newChatServer(t)
	c := NewHistoryClient(srv.URL, WithHTTPClient(srv.Client()))

	msgs, err := c.GroupHistory(context.Background(), "team")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsGroup())

	msgs, err = c.GroupHistory(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestHistoryClient_Conversations(t *testing.T) {
	srv := newChatServer(t)

	convs, err := NewHistoryClient(srv.URL).Conversations(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "Bob B", convs[0].FullName)
	assert.Equal(t, "hey", convs[0].LastMessage)
}
