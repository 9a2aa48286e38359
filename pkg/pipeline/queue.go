package pipeline

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"

	"voxsynq/pkg/models"
	"voxsynq/pkg/telemetry"
)

// EventType names the operations serialized through the pipeline's
// single-writer queue.
type EventType string

const (
	EvSend       EventType = "send"
	EvSendResult EventType = "send_result"
	EvReceipt    EventType = "receipt"
	EvRetry      EventType = "retry"
	EvDelete     EventType = "delete"
	EvIncoming   EventType = "incoming"
	EvMarkRead   EventType = "mark_read"
	EvFlushRetry EventType = "flush_retry"
)

// Event is one unit of work for the pipeline loop. Payload may be backed
// by a pooled ByteBuffer; the loop calls Item.Done() when finished.
type Event struct {
	Type         EventType
	Conversation string
	MsgID        string
	// User is the acting local user (mark_read) or remote peer (receipt).
	User string
	// Receipt is the target status carried by a receipt event.
	Receipt models.Status
	// Msg carries the full message for send/incoming events.
	Msg *models.Message
	// Ack/Err carry the network outcome for send_result events.
	Ack ServerAck
	Err error
	// Payload holds raw bytes for events that arrive off the wire.
	Payload []byte
	// EnqSeq is a monotonic enqueue sequence used for deterministic
	// ordering inside the loop.
	EnqSeq uint64
}

// ErrQueueFull is returned by TryEnqueue when the queue is at capacity.
var ErrQueueFull = errors.New("pipeline queue full")

// Item wraps an Event and owns a pooled ByteBuffer if one was used.
// Consumers MUST call Done() exactly once after processing.
type Item struct {
	Ev *Event

	buf  *bytebufferpool.ByteBuffer
	once sync.Once
}

// Done releases pooled resources back to their pools.
func (it *Item) Done() {
	it.once.Do(func() {
		if it.buf != nil {
			if cap(it.buf.B) <= maxPooledBuffer {
				bytebufferpool.Put(it.buf)
			}
			it.buf = nil
		}
		if it.Ev != nil {
			it.Ev.Payload = nil
			it.Ev.Msg = nil
			evPool.Put(it.Ev)
			it.Ev = nil
		}
	})
}

var evPool = sync.Pool{New: func() any { return &Event{} }}

// maxPooledBuffer caps the buffers returned to the pool so one oversized
// payload cannot pin memory forever.
var maxPooledBuffer = 256 * 1024

// SetMaxPooledBuffer overrides the pooled-buffer cap (from config).
func SetMaxPooledBuffer(n int) {
	if n > 0 {
		maxPooledBuffer = n
	}
}

// Queue is a bounded queue with a single consumer (the pipeline loop) and
// any number of producers.
type Queue struct {
	ch       chan *Item
	capacity int
	enqSeq   uint64
	dropped  uint64
}

// NewQueue creates a bounded Queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queue{ch: make(chan *Item, capacity), capacity: capacity}
}

// TryEnqueue attempts to enqueue a copy of ev, copying any payload into a
// pooled buffer. Returns ErrQueueFull when at capacity so the caller can
// reject rather than block.
func (q *Queue) TryEnqueue(ev *Event) error {
	newEv := evPool.Get().(*Event)
	*newEv = *ev
	newEv.EnqSeq = atomic.AddUint64(&q.enqSeq, 1)

	var bb *bytebufferpool.ByteBuffer
	if len(ev.Payload) > 0 {
		bb = bytebufferpool.Get()
		bb.B = append(bb.B[:0], ev.Payload...)
		newEv.Payload = bb.B[:len(ev.Payload)]
	}
	it := &Item{Ev: newEv, buf: bb}

	select {
	case q.ch <- it:
		return nil
	default:
		it.Done()
		atomic.AddUint64(&q.dropped, 1)
		telemetry.QueueDropsTotal.Inc()
		return ErrQueueFull
	}
}

// RunWorker consumes items and invokes handler for each, guaranteeing
// Item.Done() runs even if the handler panics out through a recover in
// the caller. The worker exits when stop is closed.
func (q *Queue) RunWorker(stop <-chan struct{}, handler func(*Event)) {
	for {
		select {
		case it := <-q.ch:
			handler(it.Ev)
			it.Done()
		case <-stop:
			return
		}
	}
}

// Dropped reports how many events were rejected at capacity.
func (q *Queue) Dropped() uint64 { return atomic.LoadUint64(&q.dropped) }
