package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"voxsynq/pkg/logger"
	"voxsynq/pkg/models"
	"voxsynq/pkg/store"
	"voxsynq/pkg/telemetry"
)

// Log is the durable conversation store the pipeline writes through.
// *store.Store satisfies it; tests substitute failing wrappers to drive
// the deferred-flush path.
type Log interface {
	Append(msg models.Message) error
	GetMessage(conv, id string) (models.Message, bool, error)
	Load(conv string) ([]models.Message, bool, error)
	Remove(conv, id string) (bool, error)
	SetReadCursor(conv, user string, ts int64) error
}

// Subscriber observes message state changes. Subscribers are notified
// after a mutation has been applied, never during, and always from the
// pipeline's single writer goroutine.
type Subscriber func(models.Message)

// Options tunes a Pipeline.
type Options struct {
	AckTimeout         time.Duration
	FlushRetryInterval time.Duration
	QueueCapacity      int
}

// Pipeline owns the per-conversation message tables. Every mutation is
// serialized through its event queue and applied by a single goroutine;
// network sends and timers run off-loop and post result events back in.
type Pipeline struct {
	store    Log
	net      Network
	receipts ReceiptSender

	q          *Queue
	ackTimeout time.Duration
	flushRetry time.Duration

	subMu   sync.RWMutex
	subs    map[int]Subscriber
	nextSub int

	// inflight is loop-owned; only the worker goroutine touches it.
	inflight map[string]struct{}

	// dirty holds messages whose flush failed and is being retried in the
	// background. The loop writes it; Messages reads it, hence the lock.
	dirtyMu      sync.Mutex
	dirty        map[string]models.Message
	flushPending bool

	stop     chan struct{}
	stopOnce sync.Once
}

// New builds a Pipeline. receipts may be nil when no signaling channel is
// attached (tests exercising only the send path).
func New(st Log, net Network, receipts ReceiptSender, opts Options) *Pipeline {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = time.Second
	}
	if opts.FlushRetryInterval <= 0 {
		opts.FlushRetryInterval = 2 * time.Second
	}
	return &Pipeline{
		store:      st,
		net:        net,
		receipts:   receipts,
		q:          NewQueue(opts.QueueCapacity),
		ackTimeout: opts.AckTimeout,
		flushRetry: opts.FlushRetryInterval,
		subs:       map[int]Subscriber{},
		inflight:   map[string]struct{}{},
		dirty:      map[string]models.Message{},
		stop:       make(chan struct{}),
	}
}

// Start launches the single writer loop.
func (p *Pipeline) Start() {
	go p.q.RunWorker(p.stop, p.handle)
}

// Stop terminates the loop. Pending events are dropped.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// Subscribe registers an observer and returns its cancel func.
func (p *Pipeline) Subscribe(fn Subscriber) func() {
	p.subMu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	p.subMu.Unlock()
	return func() {
		p.subMu.Lock()
		delete(p.subs, id)
		p.subMu.Unlock()
	}
}

func (p *Pipeline) notify(m models.Message) {
	p.subMu.RLock()
	defer p.subMu.RUnlock()
	for _, fn := range p.subs {
		fn(m)
	}
}

// Send creates a Pending message, returns it immediately (optimistic UI)
// and drives persistence plus network delivery asynchronously.
func (p *Pipeline) Send(sender, recipient string, content models.Content) (models.Message, error) {
	msg := models.Message{
		ID:           uuid.NewString(),
		Conversation: models.PairKey(sender, recipient),
		Sender:       sender,
		Recipient:    recipient,
		Content:      content,
		CreatedAt:    time.Now().UTC().UnixNano(),
		Status:       models.StatusPending,
	}
	if err := p.q.TryEnqueue(&Event{Type: EvSend, Conversation: msg.Conversation, MsgID: msg.ID, Msg: &msg}); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// Retry re-enters a Failed message into Pending under the same id and
// attempts delivery again.
func (p *Pipeline) Retry(conv, id string) error {
	return p.q.TryEnqueue(&Event{Type: EvRetry, Conversation: conv, MsgID: id})
}

// Delete tombstones a message locally.
func (p *Pipeline) Delete(conv, id string) error {
	return p.q.TryEnqueue(&Event{Type: EvDelete, Conversation: conv, MsgID: id})
}

// MarkRead advances the user's read cursor for conv, marks received
// messages Read locally and emits a MSG_READ receipt toward the peer.
func (p *Pipeline) MarkRead(conv, user string) error {
	return p.q.TryEnqueue(&Event{Type: EvMarkRead, Conversation: conv, User: user})
}

// Accept ingests a message pushed by the remote party. The local copy is
// stored as Delivered and a MSG_DELIVERED receipt is emitted back.
func (p *Pipeline) Accept(msg models.Message) error {
	m := msg
	return p.q.TryEnqueue(&Event{Type: EvIncoming, Conversation: m.Conversation, MsgID: m.ID, Msg: &m})
}

// HandleReceipt ingests a delivery/read receipt envelope from the wire.
// The raw payload rides the queue in a pooled buffer and is parsed on the
// loop. Duplicates and stale receipts are tolerated; they simply do not
// advance any message.
func (p *Pipeline) HandleReceipt(env models.Envelope) {
	var target models.Status
	switch env.Type {
	case models.EnvMsgDelivered:
		target = models.StatusDelivered
	case models.EnvMsgRead:
		target = models.StatusRead
	default:
		return
	}
	if len(env.Payload) == 0 {
		return
	}
	if err := p.q.TryEnqueue(&Event{Type: EvReceipt, User: env.From, Receipt: target, Payload: env.Payload}); err != nil {
		logger.Warn("receipt_dropped", "type", string(env.Type), "error", err)
	}
}

// Messages returns the ordered conversation history, including any
// entries whose flush is still being retried after a store failure.
func (p *Pipeline) Messages(conv string) ([]models.Message, bool, error) {
	msgs, corrupted, err := p.store.Load(conv)
	if err != nil {
		return nil, false, err
	}
	p.dirtyMu.Lock()
	defer p.dirtyMu.Unlock()
	if len(p.dirty) == 0 {
		return msgs, corrupted, nil
	}
	seen := map[string]bool{}
	for i, m := range msgs {
		if d, ok := p.dirty[dirtyKey(conv, m.ID)]; ok {
			msgs[i] = d
		}
		seen[m.ID] = true
	}
	appended := false
	for _, d := range p.dirty {
		if d.Conversation == conv && !seen[d.ID] {
			msgs = append(msgs, d)
			appended = true
		}
	}
	// entries that never reached the log must still render in order
	if appended {
		sort.SliceStable(msgs, func(i, j int) bool {
			return msgs[i].CreatedAt < msgs[j].CreatedAt
		})
	}
	return msgs, corrupted, nil
}

// handle is the single-writer event dispatcher.
func (p *Pipeline) handle(ev *Event) {
	switch ev.Type {
	case EvSend:
		p.handleSend(ev)
	case EvSendResult:
		p.handleSendResult(ev)
	case EvReceipt:
		p.handleReceipt(ev)
	case EvRetry:
		p.handleRetry(ev)
	case EvDelete:
		p.handleDelete(ev)
	case EvIncoming:
		p.handleIncoming(ev)
	case EvMarkRead:
		p.handleMarkRead(ev)
	case EvFlushRetry:
		p.handleFlushRetry()
	default:
		logger.Warn("pipeline_unknown_event", "type", string(ev.Type))
	}
}

func dirtyKey(conv, id string) string { return conv + "/" + id }

// persist appends through the store; on a persistence failure it parks
// the message in the dirty overlay and schedules a background re-flush so
// the caller's optimistic view survives.
func (p *Pipeline) persist(m models.Message) {
	err := p.store.Append(m)
	if err == nil {
		p.dirtyMu.Lock()
		delete(p.dirty, dirtyKey(m.Conversation, m.ID))
		p.dirtyMu.Unlock()
		return
	}
	var perr *store.PersistenceError
	if errors.As(err, &perr) {
		logger.Error("persist_deferred", "conversation", m.Conversation, "id", m.ID, "error", err)
		p.dirtyMu.Lock()
		p.dirty[dirtyKey(m.Conversation, m.ID)] = m
		p.dirtyMu.Unlock()
		p.scheduleFlushRetry()
		return
	}
	logger.Error("persist_failed", "conversation", m.Conversation, "id", m.ID, "error", err)
}

func (p *Pipeline) scheduleFlushRetry() {
	if p.flushPending {
		return
	}
	p.flushPending = true
	telemetry.FlushRetriesTotal.Inc()
	time.AfterFunc(p.flushRetry, func() {
		_ = p.q.TryEnqueue(&Event{Type: EvFlushRetry})
	})
}

// current reads the latest state of a message, preferring the dirty
// overlay over the store.
func (p *Pipeline) current(conv, id string) (models.Message, bool) {
	p.dirtyMu.Lock()
	m, ok := p.dirty[dirtyKey(conv, id)]
	p.dirtyMu.Unlock()
	if ok {
		return m, true
	}
	m, ok, err := p.store.GetMessage(conv, id)
	if err != nil {
		logger.Error("message_lookup_failed", "conversation", conv, "id", id, "error", err)
		return models.Message{}, false
	}
	return m, ok
}

func (p *Pipeline) handleSend(ev *Event) {
	m := *ev.Msg
	p.persist(m)
	p.notify(m)
	p.dispatch(m)
}

// dispatch runs the network attempt off-loop and posts the outcome back
// as a send_result event. The inflight guard keeps at most one attempt
// per message id.
func (p *Pipeline) dispatch(m models.Message) {
	if _, busy := p.inflight[m.ID]; busy {
		logger.Warn("send_already_inflight", "id", m.ID)
		return
	}
	p.inflight[m.ID] = struct{}{}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.ackTimeout)
		defer cancel()
		ack, err := p.net.PostMessage(ctx, m.Conversation, m)
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		if err != nil {
			err = &NetworkError{Err: err}
		}
		if qerr := p.q.TryEnqueue(&Event{Type: EvSendResult, Conversation: m.Conversation, MsgID: m.ID, Ack: ack, Err: err}); qerr != nil {
			logger.Error("send_result_dropped", "id", m.ID, "error", qerr)
		}
	}()
}

func (p *Pipeline) handleSendResult(ev *Event) {
	delete(p.inflight, ev.MsgID)
	m, ok := p.current(ev.Conversation, ev.MsgID)
	if !ok {
		logger.Warn("send_result_for_unknown_message", "id", ev.MsgID)
		return
	}
	if m.Status != models.StatusPending {
		// user deleted or a receipt already advanced it; the result is stale
		logger.Debug("send_result_stale", "id", ev.MsgID, "status", m.Status.String())
		return
	}
	if ev.Err != nil {
		m.Status = models.StatusFailed
		telemetry.SendsTotal.WithLabelValues("failed").Inc()
		logger.Warn("send_failed", "conversation", m.Conversation, "id", m.ID, "error", ev.Err)
	} else {
		m.Status = models.StatusSent
		m.ServerID = ev.Ack.ServerID
		telemetry.SendsTotal.WithLabelValues("sent").Inc()
	}
	p.persist(m)
	p.notify(m)
}

func (p *Pipeline) handleReceipt(ev *Event) {
	var rp models.ReceiptPayload
	if err := json.Unmarshal(ev.Payload, &rp); err != nil {
		logger.Warn("receipt_payload_invalid", "error", err)
		return
	}
	for _, id := range rp.MessageIDs {
		p.applyReceipt(rp.Conversation, id, ev.Receipt)
	}
}

func (p *Pipeline) applyReceipt(conv, id string, target models.Status) {
	m, ok := p.current(conv, id)
	if !ok {
		telemetry.ReceiptsTotal.WithLabelValues(target.String(), "stale").Inc()
		return
	}
	// max-by-ordinal guard: never regress, and never resurrect a Failed
	// send on the strength of a receipt alone.
	if m.Status == models.StatusFailed || target <= m.Status {
		telemetry.ReceiptsTotal.WithLabelValues(target.String(), "stale").Inc()
		return
	}
	m.Status = target
	p.persist(m)
	p.notify(m)
	telemetry.ReceiptsTotal.WithLabelValues(target.String(), "applied").Inc()
}

func (p *Pipeline) handleRetry(ev *Event) {
	m, ok := p.current(ev.Conversation, ev.MsgID)
	if !ok {
		logger.Warn("retry_for_unknown_message", "id", ev.MsgID)
		return
	}
	if m.Status != models.StatusFailed {
		logger.Debug("retry_ignored", "id", ev.MsgID, "status", m.Status.String())
		return
	}
	m.Status = models.StatusPending
	m.ServerID = ""
	p.persist(m)
	p.notify(m)
	p.dispatch(m)
}

func (p *Pipeline) handleDelete(ev *Event) {
	found, err := p.store.Remove(ev.Conversation, ev.MsgID)
	if err != nil {
		logger.Error("delete_failed", "conversation", ev.Conversation, "id", ev.MsgID, "error", err)
		return
	}
	if !found {
		return
	}
	if m, ok := p.current(ev.Conversation, ev.MsgID); ok {
		p.notify(m)
	}
}

func (p *Pipeline) handleIncoming(ev *Event) {
	m := *ev.Msg
	if existing, ok := p.current(m.Conversation, m.ID); ok {
		// duplicate push; keep whatever state we already reached
		logger.Debug("incoming_duplicate", "id", m.ID, "status", existing.Status.String())
		return
	}
	m.Status = models.StatusDelivered
	p.persist(m)
	p.notify(m)
	if p.receipts != nil {
		payload, _ := json.Marshal(models.ReceiptPayload{Conversation: m.Conversation, MessageIDs: []string{m.ID}})
		p.receipts.SendReceipt(models.Envelope{
			Type:    models.EnvMsgDelivered,
			From:    m.Recipient,
			To:      m.Sender,
			Payload: payload,
		})
	}
}

func (p *Pipeline) handleMarkRead(ev *Event) {
	msgs, corrupted, err := p.store.Load(ev.Conversation)
	if err != nil || corrupted {
		logger.Warn("mark_read_load_failed", "conversation", ev.Conversation, "corrupted", corrupted, "error", err)
		return
	}
	var ids []string
	var peer string
	var maxTS int64
	for _, m := range msgs {
		if m.CreatedAt > maxTS {
			maxTS = m.CreatedAt
		}
		if m.Sender == ev.User || m.Deleted {
			continue
		}
		peer = m.Sender
		if m.Status >= models.StatusRead {
			continue
		}
		m.Status = models.StatusRead
		p.persist(m)
		p.notify(m)
		ids = append(ids, m.ID)
	}
	if maxTS > 0 {
		if err := p.store.SetReadCursor(ev.Conversation, ev.User, maxTS); err != nil {
			logger.Error("read_cursor_update_failed", "conversation", ev.Conversation, "error", err)
		}
	}
	if len(ids) > 0 && peer != "" && p.receipts != nil {
		payload, _ := json.Marshal(models.ReceiptPayload{Conversation: ev.Conversation, MessageIDs: ids})
		p.receipts.SendReceipt(models.Envelope{
			Type:    models.EnvMsgRead,
			From:    ev.User,
			To:      peer,
			Payload: payload,
		})
	}
}

func (p *Pipeline) handleFlushRetry() {
	p.flushPending = false
	p.dirtyMu.Lock()
	pending := make([]models.Message, 0, len(p.dirty))
	for _, m := range p.dirty {
		pending = append(pending, m)
	}
	p.dirtyMu.Unlock()
	if len(pending) == 0 {
		return
	}
	remaining := 0
	for _, m := range pending {
		if err := p.store.Append(m); err != nil {
			remaining++
			continue
		}
		p.dirtyMu.Lock()
		delete(p.dirty, dirtyKey(m.Conversation, m.ID))
		p.dirtyMu.Unlock()
	}
	if remaining > 0 {
		logger.Warn("flush_retry_incomplete", "remaining", remaining)
		p.scheduleFlushRetry()
	}
}
