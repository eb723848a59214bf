package handler_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/chatserver/internal/bus"
	"github.com/chatserver/internal/handler"
	"github.com/chatserver/internal/middleware"
	"github.com/chatserver/internal/model"
	"github.com/chatserver/internal/service"
	"github.com/chatserver/internal/storage/memory"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	st := memory.New()
	for _, p := range []model.UserProfile{
		{ID: "alice", Name: "Alice"},
		{ID: "bob", Name: "Bob"},
		{ID: "carol", Name: "Carol"},
		{ID: "dave", Name: "Dave"},
	} {
		st.SeedProfile(p)
	}

	convSvc := service.NewConversationService(st.Conversations(), st.Messages(), st.ReadState(), st.Profiles(), bus.Nop{})
	msgSvc := service.NewMessageService(st.Messages(), st.Conversations(), st.ReadState(), st.Profiles(), bus.Nop{})
	convH := handler.NewConversationHandler(convSvc)
	msgH := handler.NewMessageHandler(msgSvc)

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(middleware.HeaderAuth)
		r.Post("/api/conversations", convH.Create)
		r.Get("/api/conversations", convH.List)
		r.Get("/api/conversations/{id}", convH.Get)
		r.Put("/api/conversations/{id}", convH.UpdateGroup)
		r.Post("/api/conversations/{id}/participants", convH.AddParticipants)
		r.Delete("/api/conversations/{id}/participants/{userID}", convH.RemoveParticipant)
		r.Post("/api/conversations/{id}/read", convH.MarkRead)
		r.Post("/api/conversations/{id}/messages", msgH.Send)
		r.Get("/api/conversations/{id}/messages", msgH.List)
		r.Get("/api/messages/{id}", msgH.Get)
		r.Put("/api/messages/{id}", msgH.Edit)
		r.Delete("/api/messages/{id}", msgH.Delete)
		r.Post("/api/messages/{id}/delivered", msgH.MarkDelivered)
		r.Post("/api/messages/{id}/seen", msgH.MarkSeen)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func doReq(t *testing.T, srv *httptest.Server, user, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, srv.URL+path, rd)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set("X-User-Id", user)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func createGroup(t *testing.T, srv *httptest.Server, creator string, members ...string) string {
	t.Helper()
	resp, raw := doReq(t, srv, creator, http.MethodPost, "/api/conversations", map[string]any{
		"type":            "GROUP",
		"name":            "team",
		"participant_ids": members,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	var conv struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(raw, &conv))
	require.NotEmpty(t, conv.ID)
	return conv.ID
}

func Test_requests_without_identity_are_unauthorized(t *testing.T) {
	srv := newTestServer(t)

	resp, _ := doReq(t, srv, "", http.MethodGet, "/api/conversations", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func Test_create_rejects_malformed_bodies(t *testing.T) {
	srv := newTestServer(t)

	resp, _ := doReq(t, srv, "alice", http.MethodPost, "/api/conversations", map[string]any{
		"type":            "BROADCAST",
		"participant_ids": []string{"bob"},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doReq(t, srv, "alice", http.MethodPost, "/api/conversations", map[string]any{
		"type": "GROUP",
		"name": "team",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, "participant_ids is required")
}

func Test_private_create_returns_the_same_conversation_to_both_users(t *testing.T) {
	srv := newTestServer(t)

	body := func(other string) map[string]any {
		return map[string]any{"type": "PRIVATE", "participant_ids": []string{other}}
	}
	resp, raw := doReq(t, srv, "alice", http.MethodPost, "/api/conversations", body("bob"))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	var first struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(raw, &first))

	resp, raw = doReq(t, srv, "bob", http.MethodPost, "/api/conversations", body("alice"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var second struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(raw, &second))
	require.Equal(t, first.ID, second.ID)
}

func Test_membership_and_admin_checks_map_to_404_and_403(t *testing.T) {
	srv := newTestServer(t)
	id := createGroup(t, srv, "alice", "bob", "carol")

	// Outsider: the conversation does not exist for them.
	resp, _ := doReq(t, srv, "dave", http.MethodGet, "/api/conversations/"+id, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Member but not admin.
	resp, _ = doReq(t, srv, "bob", http.MethodPut, "/api/conversations/"+id, map[string]any{"name": "renamed"})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Admin.
	resp, raw := doReq(t, srv, "alice", http.MethodPut, "/api/conversations/"+id, map[string]any{"name": "renamed"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var conv struct {
		Name string `json:"name"`
	}
	require.NoError(t, json.Unmarshal(raw, &conv))
	require.Equal(t, "renamed", conv.Name)
}

func Test_message_round_trip_over_http(t *testing.T) {
	srv := newTestServer(t)
	id := createGroup(t, srv, "alice", "bob", "carol")

	resp, raw := doReq(t, srv, "alice", http.MethodPost, fmt.Sprintf("/api/conversations/%s/messages", id), map[string]any{
		"text": "hello over http",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	var sent struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(raw, &sent))
	require.Equal(t, "TEXT", sent.Type)

	// Bob sees it with an unread count of one.
	resp, raw = doReq(t, srv, "bob", http.MethodGet, "/api/conversations/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view struct {
		UnreadCount int `json:"unread_count"`
	}
	require.NoError(t, json.Unmarshal(raw, &view))
	require.Equal(t, 1, view.UnreadCount)

	// Mark read drops it back to zero.
	resp, _ = doReq(t, srv, "bob", http.MethodPost, "/api/conversations/"+id+"/read", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, raw = doReq(t, srv, "bob", http.MethodGet, "/api/conversations/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(raw, &view))
	require.Zero(t, view.UnreadCount)

	// Listing is membership-scoped.
	resp, _ = doReq(t, srv, "dave", http.MethodGet, fmt.Sprintf("/api/conversations/%s/messages", id), nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, raw = doReq(t, srv, "carol", http.MethodGet, fmt.Sprintf("/api/conversations/%s/messages", id), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var msgs []struct {
		Text string `json:"text"`
	}
	require.NoError(t, json.Unmarshal(raw, &msgs))
	require.Len(t, msgs, 1)
	require.Equal(t, "hello over http", msgs[0].Text)
}

func Test_edit_and_delete_are_sender_scoped_over_http(t *testing.T) {
	srv := newTestServer(t)
	id := createGroup(t, srv, "alice", "bob", "carol")

	_, raw := doReq(t, srv, "alice", http.MethodPost, fmt.Sprintf("/api/conversations/%s/messages", id), map[string]any{
		"text": "original",
	})
	var sent struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(raw, &sent))

	resp, _ := doReq(t, srv, "bob", http.MethodPut, "/api/messages/"+sent.ID, map[string]any{"text": "stolen"})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, raw = doReq(t, srv, "alice", http.MethodPut, "/api/messages/"+sent.ID, map[string]any{"text": "fixed"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var edited struct {
		Text     string `json:"text"`
		IsEdited bool   `json:"is_edited"`
	}
	require.NoError(t, json.Unmarshal(raw, &edited))
	require.True(t, edited.IsEdited)
	require.Equal(t, "fixed", edited.Text)

	resp, _ = doReq(t, srv, "bob", http.MethodDelete, "/api/messages/"+sent.ID, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = doReq(t, srv, "alice", http.MethodDelete, "/api/messages/"+sent.ID, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func Test_receipt_endpoints_answer_no_content(t *testing.T) {
	srv := newTestServer(t)
	id := createGroup(t, srv, "alice", "bob", "carol")

	_, raw := doReq(t, srv, "alice", http.MethodPost, fmt.Sprintf("/api/conversations/%s/messages", id), map[string]any{
		"text": "receipt me",
	})
	var sent struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(raw, &sent))

	resp, _ := doReq(t, srv, "bob", http.MethodPost, "/api/messages/"+sent.ID+"/delivered", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = doReq(t, srv, "bob", http.MethodPost, "/api/messages/"+sent.ID+"/seen", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, raw = doReq(t, srv, "carol", http.MethodGet, "/api/messages/"+sent.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got struct {
		SeenBy []struct {
			UserID string `json:"user_id"`
		} `json:"seen_by"`
	}
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Len(t, got.SeenBy, 1)
	require.Equal(t, "bob", got.SeenBy[0].UserID)
}
