package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"voxsynq/pkg/auth"
	"voxsynq/pkg/call"
	"voxsynq/pkg/models"
	"voxsynq/pkg/pipeline"
	"voxsynq/pkg/signal"
	"voxsynq/pkg/store"
)

// nullSender drops call envelopes; the HTTP tests only exercise the
// local side of signaling.
type nullSender struct{}

func (nullSender) Send(models.Envelope) {}

func newTestServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	pipe := pipeline.New(st, pipeline.NetworkFunc(func(ctx context.Context, conv string, m models.Message) (pipeline.ServerAck, error) {
		return pipeline.ServerAck{ServerID: "srv-" + m.ID}, nil
	}), nil, pipeline.Options{QueueCapacity: 256})
	pipe.Start()
	t.Cleanup(pipe.Stop)

	reg := call.NewRegistry(nullSender{}, st, time.Minute)
	reg.Start()
	t.Cleanup(reg.Stop)

	hub := signal.NewHub(0, 0)
	stop := make(chan struct{})
	go hub.Run(stop)
	t.Cleanup(func() { close(stop) })

	r := mux.NewRouter()
	(&Server{Pipe: pipe, Calls: reg, Store: st, Hub: hub}).Register(r)
	srv := httptest.NewServer(auth.Middleware(r, 0, 0))
	t.Cleanup(srv.Close)
	return srv, st
}

func doJSON(t *testing.T, method, url, user string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set("X-User-Id", user)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func TestIdentityRequired(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/v1/conversations/bob/messages", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSendAndListMessages(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/conversations/bob/messages", "alice",
		map[string]any{"content": map[string]any{"text": "hello bob"}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var sent models.Message
	require.NoError(t, json.Unmarshal(body, &sent))
	require.Equal(t, "alice", sent.Sender)
	require.Equal(t, models.StatusPending, sent.Status)
	require.NotEmpty(t, sent.ID)

	// delivery is async; poll until the log shows the message
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, body = doJSON(t, http.MethodGet, srv.URL+"/v1/conversations/alice/messages", "bob", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out struct {
			Messages  []models.Message `json:"messages"`
			Corrupted bool             `json:"corrupted"`
		}
		require.NoError(t, json.Unmarshal(body, &out))
		require.False(t, out.Corrupted)
		if len(out.Messages) == 1 && out.Messages[0].Status == models.StatusSent {
			require.Equal(t, sent.ID, out.Messages[0].ID)
			break
		}
		require.True(t, time.Now().Before(deadline), "message never became visible: %s", string(body))
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSendValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/v1/conversations/bob/messages", "alice",
		map[string]any{"content": map[string]any{}})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/v1/conversations/alice/messages", "alice",
		map[string]any{"content": map[string]any{"text": "self"}})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteRequiresSender(t *testing.T) {
	srv, st := newTestServer(t)

	conv := models.PairKey("alice", "bob")
	require.NoError(t, st.Append(models.Message{
		ID: "m1", Conversation: conv, Sender: "alice", Recipient: "bob",
		Content: models.Content{Text: "x"}, CreatedAt: 1000, Status: models.StatusSent,
	}))

	resp, _ := doJSON(t, http.MethodDelete, srv.URL+"/v1/conversations/alice/messages/m1", "bob", nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/v1/conversations/bob/messages/m1", "alice", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/v1/conversations/bob/messages/ghost", "alice", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRetryOnlyFailedMessages(t *testing.T) {
	srv, st := newTestServer(t)

	conv := models.PairKey("alice", "bob")
	require.NoError(t, st.Append(models.Message{
		ID: "m1", Conversation: conv, Sender: "alice", Recipient: "bob",
		Content: models.Content{Text: "x"}, CreatedAt: 1000, Status: models.StatusSent,
	}))

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/v1/conversations/bob/messages/m1/retry", "alice", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	require.NoError(t, st.Append(models.Message{
		ID: "m2", Conversation: conv, Sender: "alice", Recipient: "bob",
		Content: models.Content{Text: "y"}, CreatedAt: 2000, Status: models.StatusFailed,
	}))
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/v1/conversations/bob/messages/m2/retry", "alice", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestCallLifecycleOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/calls", "alice",
		map[string]any{"callee": "bob", "mode": "video"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var sess call.Session
	require.NoError(t, json.Unmarshal(body, &sess))
	require.Equal(t, call.StateRinging, sess.State)

	// busy pair
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/v1/calls", "bob",
		map[string]any{"callee": "alice", "mode": "voice"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	// outsider cannot answer
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/v1/calls/"+sess.ID+"/answer", "carol", nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/v1/calls/"+sess.ID+"/answer", "bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &sess))
	require.Equal(t, call.StateActive, sess.State)

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/v1/calls/"+sess.ID+"/end", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &sess))
	require.Equal(t, models.EndCompleted, sess.EndReason)

	// terminal session is gone
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/calls/"+sess.ID, "alice", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	// and shows up in both parties' history
	resp, body = doJSON(t, http.MethodGet, srv.URL+"/v1/calls/history", "bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var hist struct {
		Calls []models.CallRecord `json:"calls"`
	}
	require.NoError(t, json.Unmarshal(body, &hist))
	require.Len(t, hist.Calls, 1)
	require.Equal(t, models.EndCompleted, hist.Calls[0].Reason)
}

func TestInvalidCallRequests(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/v1/calls", "alice",
		map[string]any{"callee": "bob", "mode": "hologram"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/v1/calls", "alice",
		map[string]any{"callee": "alice", "mode": "voice"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/v1/calls/ghost/end", "alice", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
