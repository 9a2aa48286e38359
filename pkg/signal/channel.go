package signal

import (
	"sync"
	"sync/atomic"

	"voxsynq/pkg/logger"
	"voxsynq/pkg/models"
)

// Handler is invoked once per received envelope. Envelopes for the same
// callId arrive in the order the remote party sent them; there is no
// cross-callId ordering guarantee.
type Handler func(models.Envelope)

// ErrorHandler reports an asynchronous transmit failure. Send never fails
// synchronously because the underlying transport is asynchronous.
type ErrorHandler func(models.Envelope, error)

// Channel is a transport-agnostic duplex channel carrying typed signaling
// envelopes between two identified parties with at-least-once semantics.
// Receivers must tolerate duplicates.
type Channel interface {
	Send(env models.Envelope)
	OnEnvelope(h Handler)
	OnSendError(h ErrorHandler)
}

// Endpoint is an in-process Channel half, used by tests and by embedders
// that host both parties in one process. Envelopes are delivered to the
// peer through a FIFO drained by a single goroutine, which preserves the
// per-callId ordering contract.
type Endpoint struct {
	name string
	peer *Endpoint

	mu       sync.RWMutex
	handlers []Handler
	errH     ErrorHandler

	inbound chan models.Envelope
	closed  chan struct{}
	once    sync.Once

	// failSends forces transmit failures; tests use it to exercise the
	// async error callback path.
	failSends atomic.Bool
}

// NewPair returns two connected endpoints: what one sends, the other
// receives.
func NewPair(nameA, nameB string) (*Endpoint, *Endpoint) {
	a := &Endpoint{name: nameA, inbound: make(chan models.Envelope, 256), closed: make(chan struct{})}
	b := &Endpoint{name: nameB, inbound: make(chan models.Envelope, 256), closed: make(chan struct{})}
	a.peer = b
	b.peer = a
	go a.drain()
	go b.drain()
	return a, b
}

func (e *Endpoint) drain() {
	for {
		select {
		case env := <-e.inbound:
			e.mu.RLock()
			hs := append([]Handler(nil), e.handlers...)
			e.mu.RUnlock()
			for _, h := range hs {
				h(env)
			}
		case <-e.closed:
			return
		}
	}
}

// Send transmits an envelope to the peer, fire-and-forget. Failures are
// reported through the error handler, never returned.
func (e *Endpoint) Send(env models.Envelope) {
	if e.failSends.Load() {
		e.reportError(env, ErrTransportDown)
		return
	}
	select {
	case e.peer.inbound <- env:
	case <-e.closed:
	default:
		e.reportError(env, ErrTransportBusy)
	}
}

func (e *Endpoint) reportError(env models.Envelope, err error) {
	e.mu.RLock()
	h := e.errH
	e.mu.RUnlock()
	if h == nil {
		logger.Warn("signal_send_failed", "type", string(env.Type), "to", env.To, "error", err)
		return
	}
	go h(env, err)
}

// OnEnvelope registers a receive handler.
func (e *Endpoint) OnEnvelope(h Handler) {
	e.mu.Lock()
	e.handlers = append(e.handlers, h)
	e.mu.Unlock()
}

// OnSendError registers the async transmit failure handler.
func (e *Endpoint) OnSendError(h ErrorHandler) {
	e.mu.Lock()
	e.errH = h
	e.mu.Unlock()
}

// SetFailSends toggles forced transmit failure.
func (e *Endpoint) SetFailSends(v bool) { e.failSends.Store(v) }

// Close stops the endpoint's delivery goroutine.
func (e *Endpoint) Close() { e.once.Do(func() { close(e.closed) }) }
