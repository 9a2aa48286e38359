package signal

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"voxsynq/pkg/models"
)

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	h := NewHub(0, 0)
	stop := make(chan struct{})
	go h.Run(stop)
	t.Cleanup(func() { close(stop) })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(w, r, r.URL.Query().Get("user"))
	}))
	t.Cleanup(srv.Close)
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?user=" + user
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", user, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitOnline(t *testing.T, h *Hub, user string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.IsOnline(user) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s never registered", user)
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return f
}

func TestHubRoutesSignalBetweenConnections(t *testing.T) {
	h, srv := startHub(t)

	// the app layer loops inbound envelopes back out to their target
	h.OnEnvelope(func(env models.Envelope) { h.Send(env) })

	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")
	waitOnline(t, h, "alice")
	waitOnline(t, h, "bob")

	env := models.Envelope{Type: models.EnvCallOffer, From: "spoofed", To: "bob", CallID: "c1"}
	data, _ := json.Marshal(Frame{Kind: "signal", Envelope: &env})
	if err := alice.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}

	f := readFrame(t, bob)
	if f.Kind != "signal" || f.Envelope == nil {
		t.Fatalf("wrong frame: %+v", f)
	}
	if f.Envelope.From != "alice" {
		t.Fatalf("connection identity not authoritative: From=%s", f.Envelope.From)
	}
	if f.Envelope.CallID != "c1" {
		t.Fatalf("callId lost: %+v", f.Envelope)
	}
}

func TestHubPushMessage(t *testing.T) {
	h, srv := startHub(t)
	bob := dial(t, srv, "bob")
	waitOnline(t, h, "bob")

	h.PushMessage("bob", models.Message{ID: "m1", Sender: "alice", Recipient: "bob", Content: models.Content{Text: "hi"}})

	f := readFrame(t, bob)
	if f.Kind != "message" || f.Message == nil || f.Message.ID != "m1" {
		t.Fatalf("wrong push frame: %+v", f)
	}
}

func TestHubOfflineRecipientReportsSendError(t *testing.T) {
	h, srv := startHub(t)
	_ = srv

	errs := make(chan error, 1)
	h.OnSendError(func(env models.Envelope, err error) { errs <- err })

	h.Send(models.Envelope{Type: models.EnvCallOffer, From: "alice", To: "ghost", CallID: "c1"})

	select {
	case err := <-errs:
		if err != ErrRecipientOffline {
			t.Fatalf("expected ErrRecipientOffline; got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("offline delivery never reported")
	}
}

func TestHubReplacesDuplicateConnection(t *testing.T) {
	h, srv := startHub(t)

	first := dial(t, srv, "bob")
	waitOnline(t, h, "bob")
	second := dial(t, srv, "bob")

	// the replacement closes the first connection's send channel; pushes
	// go to the new one
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.PushMessage("bob", models.Message{ID: "probe", Sender: "alice", Recipient: "bob"})
		_ = second.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		if _, _, err := second.ReadMessage(); err == nil {
			_ = first.Close()
			return
		}
	}
	t.Fatalf("second connection never took over")
}
