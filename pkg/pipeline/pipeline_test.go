package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"voxsynq/pkg/models"
	"voxsynq/pkg/store"
)

// flakyNetwork fails while failing is set and acks otherwise.
type flakyNetwork struct {
	failing atomic.Bool
}

func (n *flakyNetwork) PostMessage(ctx context.Context, conversationKey string, msg models.Message) (ServerAck, error) {
	if n.failing.Load() {
		return ServerAck{}, errors.New("simulated network outage")
	}
	return ServerAck{ServerID: "srv-" + msg.ID}, nil
}

// receiptTrap captures emitted receipt envelopes.
type receiptTrap struct {
	ch chan models.Envelope
}

func newReceiptTrap() *receiptTrap { return &receiptTrap{ch: make(chan models.Envelope, 64)} }

func (r *receiptTrap) SendReceipt(env models.Envelope) { r.ch <- env }

func (r *receiptTrap) next(t *testing.T) models.Envelope {
	t.Helper()
	select {
	case env := <-r.ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("no receipt emitted within deadline")
		return models.Envelope{}
	}
}

func newTestPipeline(t *testing.T, net Network, receipts ReceiptSender) (*Pipeline, *store.Store, chan models.Message) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	p := New(st, net, receipts, Options{
		AckTimeout:         500 * time.Millisecond,
		FlushRetryInterval: 50 * time.Millisecond,
		QueueCapacity:      1024,
	})
	updates := make(chan models.Message, 256)
	p.Subscribe(func(m models.Message) { updates <- m })
	p.Start()
	t.Cleanup(p.Stop)
	return p, st, updates
}

func waitStatus(t *testing.T, updates chan models.Message, id string, want models.Status) models.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-updates:
			if m.ID == id && m.Status == want {
				return m
			}
		case <-deadline:
			t.Fatalf("message %s never reached status %s", id, want)
		}
	}
}

func TestSendReachesSentWithServerID(t *testing.T) {
	p, st, updates := newTestPipeline(t, &flakyNetwork{}, nil)

	m, err := p.Send("alice", "bob", models.Content{Text: "hi"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if m.Status != models.StatusPending {
		t.Fatalf("optimistic send must return Pending; got %s", m.Status)
	}
	if m.Conversation != models.PairKey("alice", "bob") {
		t.Fatalf("wrong conversation key: %s", m.Conversation)
	}

	got := waitStatus(t, updates, m.ID, models.StatusSent)
	if got.ServerID == "" {
		t.Fatalf("sent message missing server id")
	}

	stored, ok, err := st.GetMessage(m.Conversation, m.ID)
	if err != nil || !ok {
		t.Fatalf("GetMessage: ok=%v err=%v", ok, err)
	}
	if stored.Status != models.StatusSent {
		t.Fatalf("store not updated: %s", stored.Status)
	}
}

func TestSendFailureThenRetry(t *testing.T) {
	net := &flakyNetwork{}
	net.failing.Store(true)
	p, st, updates := newTestPipeline(t, net, nil)

	m, err := p.Send("alice", "bob", models.Content{Text: "hi"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitStatus(t, updates, m.ID, models.StatusFailed)

	net.failing.Store(false)
	if err := p.Retry(m.Conversation, m.ID); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	got := waitStatus(t, updates, m.ID, models.StatusSent)
	if got.ServerID == "" {
		t.Fatalf("retried message missing server id")
	}

	// retry reuses the id: exactly one log entry
	msgs, _, err := st.Load(m.Conversation)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("retry duplicated the message: %d entries", len(msgs))
	}
}

func TestRetryIgnoredUnlessFailed(t *testing.T) {
	p, st, updates := newTestPipeline(t, &flakyNetwork{}, nil)

	m, _ := p.Send("alice", "bob", models.Content{Text: "hi"})
	waitStatus(t, updates, m.ID, models.StatusSent)

	if err := p.Retry(m.Conversation, m.ID); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	// give the loop a moment; the message must not regress to Pending
	time.Sleep(100 * time.Millisecond)
	stored, _, _ := st.GetMessage(m.Conversation, m.ID)
	if stored.Status != models.StatusSent {
		t.Fatalf("retry of a non-failed message changed status to %s", stored.Status)
	}
}

func receiptEnvelope(t *testing.T, typ models.EnvelopeType, from, to, conv string, ids ...string) models.Envelope {
	t.Helper()
	payload, err := json.Marshal(models.ReceiptPayload{Conversation: conv, MessageIDs: ids})
	if err != nil {
		t.Fatalf("marshal receipt: %v", err)
	}
	return models.Envelope{Type: typ, From: from, To: to, Payload: payload}
}

func TestReceiptsAdvanceAndNeverRegress(t *testing.T) {
	p, st, updates := newTestPipeline(t, &flakyNetwork{}, nil)

	m, _ := p.Send("alice", "bob", models.Content{Text: "hi"})
	waitStatus(t, updates, m.ID, models.StatusSent)

	// read arrives before delivered (at-least-once, unordered transport)
	p.HandleReceipt(receiptEnvelope(t, models.EnvMsgRead, "bob", "alice", m.Conversation, m.ID))
	waitStatus(t, updates, m.ID, models.StatusRead)

	p.HandleReceipt(receiptEnvelope(t, models.EnvMsgDelivered, "bob", "alice", m.Conversation, m.ID))
	time.Sleep(100 * time.Millisecond)
	stored, _, _ := st.GetMessage(m.Conversation, m.ID)
	if stored.Status != models.StatusRead {
		t.Fatalf("late delivered receipt regressed status to %s", stored.Status)
	}

	// duplicate read receipt is a no-op
	p.HandleReceipt(receiptEnvelope(t, models.EnvMsgRead, "bob", "alice", m.Conversation, m.ID))
	time.Sleep(100 * time.Millisecond)
	stored, _, _ = st.GetMessage(m.Conversation, m.ID)
	if stored.Status != models.StatusRead {
		t.Fatalf("duplicate receipt changed status to %s", stored.Status)
	}
}

func TestReceiptNeverResurrectsFailedSend(t *testing.T) {
	net := &flakyNetwork{}
	net.failing.Store(true)
	p, st, updates := newTestPipeline(t, net, nil)

	m, _ := p.Send("alice", "bob", models.Content{Text: "hi"})
	waitStatus(t, updates, m.ID, models.StatusFailed)

	p.HandleReceipt(receiptEnvelope(t, models.EnvMsgDelivered, "bob", "alice", m.Conversation, m.ID))
	time.Sleep(100 * time.Millisecond)
	stored, _, _ := st.GetMessage(m.Conversation, m.ID)
	if stored.Status != models.StatusFailed {
		t.Fatalf("receipt resurrected a failed send: %s", stored.Status)
	}
}

func TestIncomingStoredDeliveredAndAcked(t *testing.T) {
	trap := newReceiptTrap()
	p, st, updates := newTestPipeline(t, &flakyNetwork{}, trap)

	conv := models.PairKey("alice", "bob")
	in := models.Message{
		ID:           "remote-1",
		Conversation: conv,
		Sender:       "alice",
		Recipient:    "bob",
		Content:      models.Content{Text: "incoming"},
		CreatedAt:    time.Now().UTC().UnixNano(),
		Status:       models.StatusSent,
	}
	if err := p.Accept(in); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	waitStatus(t, updates, in.ID, models.StatusDelivered)

	env := trap.next(t)
	if env.Type != models.EnvMsgDelivered || env.From != "bob" || env.To != "alice" {
		t.Fatalf("wrong delivered receipt: %+v", env)
	}
	var rp models.ReceiptPayload
	if err := json.Unmarshal(env.Payload, &rp); err != nil {
		t.Fatalf("receipt payload: %v", err)
	}
	if len(rp.MessageIDs) != 1 || rp.MessageIDs[0] != in.ID {
		t.Fatalf("receipt ids wrong: %+v", rp)
	}

	// duplicate push must not emit a second receipt or change state
	if err := p.Accept(in); err != nil {
		t.Fatalf("Accept dup: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	select {
	case env := <-trap.ch:
		t.Fatalf("duplicate push emitted receipt: %+v", env)
	default:
	}
	stored, _, _ := st.GetMessage(conv, in.ID)
	if stored.Status != models.StatusDelivered {
		t.Fatalf("duplicate push changed status: %s", stored.Status)
	}
}

func TestMarkReadAdvancesCursorAndEmitsReceipt(t *testing.T) {
	trap := newReceiptTrap()
	p, st, updates := newTestPipeline(t, &flakyNetwork{}, trap)

	conv := models.PairKey("alice", "bob")
	var ids []string
	var lastTS int64
	for i, id := range []string{"r1", "r2"} {
		lastTS = time.Now().UTC().UnixNano() + int64(i)
		in := models.Message{
			ID: id, Conversation: conv, Sender: "alice", Recipient: "bob",
			Content: models.Content{Text: id}, CreatedAt: lastTS, Status: models.StatusSent,
		}
		if err := p.Accept(in); err != nil {
			t.Fatalf("Accept %s: %v", id, err)
		}
		waitStatus(t, updates, id, models.StatusDelivered)
		trap.next(t) // drain the delivered receipt
		ids = append(ids, id)
	}

	if err := p.MarkRead(conv, "bob"); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	for _, id := range ids {
		waitStatus(t, updates, id, models.StatusRead)
	}

	env := trap.next(t)
	if env.Type != models.EnvMsgRead || env.From != "bob" || env.To != "alice" {
		t.Fatalf("wrong read receipt: %+v", env)
	}
	var rp models.ReceiptPayload
	if err := json.Unmarshal(env.Payload, &rp); err != nil {
		t.Fatalf("receipt payload: %v", err)
	}
	if len(rp.MessageIDs) != 2 {
		t.Fatalf("read receipt should batch both ids: %+v", rp)
	}

	cursor, err := st.ReadCursor(conv, "bob")
	if err != nil {
		t.Fatalf("ReadCursor: %v", err)
	}
	if cursor != lastTS {
		t.Fatalf("cursor not advanced to newest ts: got %d want %d", cursor, lastTS)
	}
}

func TestDeleteTombstonesAndNotifies(t *testing.T) {
	p, st, updates := newTestPipeline(t, &flakyNetwork{}, nil)

	m, _ := p.Send("alice", "bob", models.Content{Text: "oops"})
	waitStatus(t, updates, m.ID, models.StatusSent)

	if err := p.Delete(m.Conversation, m.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-updates:
			if got.ID == m.ID && got.Deleted {
				if !got.Content.Empty() {
					t.Fatalf("tombstone kept content")
				}
				stored, _, _ := st.GetMessage(m.Conversation, m.ID)
				if !stored.Deleted {
					t.Fatalf("store missed the tombstone")
				}
				return
			}
		case <-deadline:
			t.Fatalf("delete never observed")
		}
	}
}

// flakyStore fails Append while failing is set, leaving the rest of the
// log intact.
type flakyStore struct {
	*store.Store
	failing atomic.Bool
}

func (s *flakyStore) Append(m models.Message) error {
	if s.failing.Load() {
		return &store.PersistenceError{Op: "append", Err: errors.New("simulated disk failure")}
	}
	return s.Store.Append(m)
}

func newFlakyPipeline(t *testing.T) (*Pipeline, *flakyStore, *store.Store, chan models.Message) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	fs := &flakyStore{Store: st}

	p := New(fs, &flakyNetwork{}, nil, Options{
		AckTimeout:         500 * time.Millisecond,
		FlushRetryInterval: 50 * time.Millisecond,
		QueueCapacity:      1024,
	})
	updates := make(chan models.Message, 256)
	p.Subscribe(func(m models.Message) { updates <- m })
	p.Start()
	t.Cleanup(p.Stop)
	return p, fs, st, updates
}

func TestPersistenceFailureKeepsOptimisticView(t *testing.T) {
	p, fs, st, updates := newFlakyPipeline(t)
	fs.failing.Store(true)

	m, err := p.Send("alice", "bob", models.Content{Text: "hi"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitStatus(t, updates, m.ID, models.StatusSent)

	// nothing reached the log yet
	logged, _, err := st.Load(m.Conversation)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(logged) != 0 {
		t.Fatalf("failing store persisted anyway: %+v", logged)
	}

	// the optimistic view survives through the overlay
	msgs, _, err := p.Messages(m.Conversation)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != m.ID || msgs[0].Status != models.StatusSent {
		t.Fatalf("overlay lost the message: %+v", msgs)
	}

	// once writes succeed again, the background retry drains the overlay
	fs.failing.Store(false)
	deadline := time.After(2 * time.Second)
	for {
		stored, ok, err := st.GetMessage(m.Conversation, m.ID)
		if err == nil && ok && stored.Status == models.StatusSent {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("flush retry never drained the overlay")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestMessagesOrdersDirtyOverlay(t *testing.T) {
	p, fs, st, updates := newFlakyPipeline(t)
	fs.failing.Store(true)

	conv := models.PairKey("alice", "bob")
	base := time.Now().UTC().UnixNano()

	// an older message stuck in the overlay
	early := models.Message{
		ID: "early", Conversation: conv, Sender: "alice", Recipient: "bob",
		Content: models.Content{Text: "first"}, CreatedAt: base, Status: models.StatusSent,
	}
	if err := p.Accept(early); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	waitStatus(t, updates, "early", models.StatusDelivered)

	// a newer message already in the log
	if err := st.Append(models.Message{
		ID: "late", Conversation: conv, Sender: "alice", Recipient: "bob",
		Content: models.Content{Text: "second"}, CreatedAt: base + int64(time.Hour), Status: models.StatusSent,
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	msgs, _, err := p.Messages(conv)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages; got %d", len(msgs))
	}
	if msgs[0].ID != "early" || msgs[1].ID != "late" {
		t.Fatalf("overlay entry out of order: %s, %s", msgs[0].ID, msgs[1].ID)
	}
}

func TestReceiptInvalidPayloadIgnored(t *testing.T) {
	p, st, updates := newTestPipeline(t, &flakyNetwork{}, nil)

	m, _ := p.Send("alice", "bob", models.Content{Text: "hi"})
	waitStatus(t, updates, m.ID, models.StatusSent)

	p.HandleReceipt(models.Envelope{Type: models.EnvMsgDelivered, From: "bob", Payload: json.RawMessage("{broken")})
	time.Sleep(100 * time.Millisecond)
	stored, _, _ := st.GetMessage(m.Conversation, m.ID)
	if stored.Status != models.StatusSent {
		t.Fatalf("malformed receipt changed status: %s", stored.Status)
	}
}

func TestQueueRejectsAtCapacity(t *testing.T) {
	q := NewQueue(2)
	for i := 0; i < 2; i++ {
		if err := q.TryEnqueue(&Event{Type: EvSend}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if err := q.TryEnqueue(&Event{Type: EvSend}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull; got %v", err)
	}
	if q.Dropped() != 1 {
		t.Fatalf("dropped counter: %d", q.Dropped())
	}
}
