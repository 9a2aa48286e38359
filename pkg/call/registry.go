package call

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"voxsynq/pkg/logger"
	"voxsynq/pkg/models"
	"voxsynq/pkg/store"
	"voxsynq/pkg/telemetry"
)

// Sender routes signaling envelopes toward the remote party. The
// websocket hub and the in-process endpoint both satisfy it.
type Sender interface {
	Send(env models.Envelope)
}

// Observer receives a session snapshot after every transition, from the
// registry's single writer goroutine.
type Observer func(Session)

type evKind int8

const (
	evInitiate evKind = iota
	evAnswer
	evReject
	evEnd
	evEnvelope
	evRingTimeout
	evSnapshot
)

type event struct {
	kind evKind

	initiator string
	callee    string
	mode      models.CallMode

	callID string
	user   string
	env    models.Envelope

	reply chan reply
}

type reply struct {
	session Session
	ok      bool
	err     error
}

// Registry owns the active-session table (callId -> session) plus the
// per-pair index enforcing at most one non-terminal session per
// participant pair. All mutation happens on one goroutine; operations
// post events and wait on a reply channel, envelope ingestion is
// fire-and-forget.
//
// Sessions are ephemeral: nothing here is reloaded at boot, so after a
// restart stale remote envelopes fall into the unknown-callId drop path.
type Registry struct {
	signals Sender
	history *store.Store

	ringTimeout time.Duration
	events      chan event

	// loop-owned
	sessions map[string]*Session
	pairs    map[string]string

	obsMu   sync.RWMutex
	obs     map[int]Observer
	nextObs int

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRegistry builds a Registry. history may be nil to disable durable
// call-history records.
func NewRegistry(signals Sender, history *store.Store, ringTimeout time.Duration) *Registry {
	if ringTimeout <= 0 {
		ringTimeout = 30 * time.Second
	}
	return &Registry{
		signals:     signals,
		history:     history,
		ringTimeout: ringTimeout,
		events:      make(chan event, 256),
		sessions:    map[string]*Session{},
		pairs:       map[string]string{},
		obs:         map[int]Observer{},
		stop:        make(chan struct{}),
	}
}

// Start launches the single writer loop.
func (r *Registry) Start() { go r.run() }

// Stop terminates the loop; tracked sessions are discarded.
func (r *Registry) Stop() { r.stopOnce.Do(func() { close(r.stop) }) }

// Subscribe registers a session observer and returns its cancel func.
func (r *Registry) Subscribe(fn Observer) func() {
	r.obsMu.Lock()
	id := r.nextObs
	r.nextObs++
	r.obs[id] = fn
	r.obsMu.Unlock()
	return func() {
		r.obsMu.Lock()
		delete(r.obs, id)
		r.obsMu.Unlock()
	}
}

func (r *Registry) notify(s *Session) {
	snap := *s
	snap.ringTimer = nil
	r.obsMu.RLock()
	defer r.obsMu.RUnlock()
	for _, fn := range r.obs {
		fn(snap)
	}
}

func (r *Registry) ask(ev event) reply {
	ev.reply = make(chan reply, 1)
	select {
	case r.events <- ev:
	case <-r.stop:
		return reply{err: ErrUnknownCall}
	}
	select {
	case rep := <-ev.reply:
		return rep
	case <-r.stop:
		return reply{err: ErrUnknownCall}
	}
}

// Initiate creates a Ringing session and emits CALL_OFFER. It rejects
// with ErrCallInProgress when a non-terminal session already exists for
// the pair, regardless of which side initiated it.
func (r *Registry) Initiate(initiator, callee string, mode models.CallMode) (Session, error) {
	rep := r.ask(event{kind: evInitiate, initiator: initiator, callee: callee, mode: mode})
	return rep.session, rep.err
}

// Answer accepts a ringing call on behalf of the callee.
func (r *Registry) Answer(callID, user string) (Session, error) {
	rep := r.ask(event{kind: evAnswer, callID: callID, user: user})
	return rep.session, rep.err
}

// Reject declines a ringing call on behalf of the callee.
func (r *Registry) Reject(callID, user string) (Session, error) {
	rep := r.ask(event{kind: evReject, callID: callID, user: user})
	return rep.session, rep.err
}

// End terminates a call locally: Cancelled when the initiator hangs up
// while Ringing, Rejected when the callee does, Completed once Active.
func (r *Registry) End(callID, user string) (Session, error) {
	rep := r.ask(event{kind: evEnd, callID: callID, user: user})
	return rep.session, rep.err
}

// Lookup returns a snapshot of a tracked session.
func (r *Registry) Lookup(callID string) (Session, bool) {
	rep := r.ask(event{kind: evSnapshot, callID: callID})
	return rep.session, rep.ok
}

// HandleEnvelope ingests a signaling envelope from the wire,
// fire-and-forget. Unknown callIds and duplicates are dropped without
// error: they are sessions this process no longer tracks.
func (r *Registry) HandleEnvelope(env models.Envelope) {
	select {
	case r.events <- event{kind: evEnvelope, env: env}:
	case <-r.stop:
	}
}

func (r *Registry) run() {
	for {
		select {
		case ev := <-r.events:
			r.handle(ev)
		case <-r.stop:
			return
		}
	}
}

func (r *Registry) handle(ev event) {
	switch ev.kind {
	case evInitiate:
		ev.reply <- r.initiate(ev.initiator, ev.callee, ev.mode)
	case evAnswer:
		ev.reply <- r.answerLocal(ev.callID, ev.user)
	case evReject:
		ev.reply <- r.endLocal(ev.callID, ev.user, true)
	case evEnd:
		ev.reply <- r.endLocal(ev.callID, ev.user, false)
	case evSnapshot:
		if s, ok := r.sessions[ev.callID]; ok {
			snap := *s
			snap.ringTimer = nil
			ev.reply <- reply{session: snap, ok: true}
		} else {
			ev.reply <- reply{ok: false}
		}
	case evEnvelope:
		r.handleRemote(ev.env)
	case evRingTimeout:
		r.ringTimedOut(ev.callID)
	}
}

func (r *Registry) initiate(initiator, callee string, mode models.CallMode) reply {
	pair := models.PairKey(initiator, callee)
	if id, busy := r.pairs[pair]; busy {
		logger.Warn("call_rejected_pair_busy", "pair", pair, "existing", id)
		return reply{err: ErrCallInProgress}
	}
	s := &Session{
		ID:        uuid.NewString(),
		Initiator: initiator,
		Callee:    callee,
		Mode:      mode,
		State:     StateRinging,
		CreatedAt: time.Now().UTC(),
	}
	r.sessions[s.ID] = s
	r.pairs[pair] = s.ID
	telemetry.ActiveCalls.Inc()

	callID := s.ID
	s.ringTimer = time.AfterFunc(r.ringTimeout, func() {
		select {
		case r.events <- event{kind: evRingTimeout, callID: callID}:
		case <-r.stop:
		}
	})

	payload, _ := json.Marshal(models.OfferPayload{Mode: mode})
	r.signals.Send(models.Envelope{
		Type:    models.EnvCallOffer,
		From:    initiator,
		To:      callee,
		CallID:  s.ID,
		Payload: payload,
	})
	logger.Info("call_initiated", "call", s.ID, "initiator", initiator, "callee", callee, "mode", string(mode))
	r.notify(s)
	snap := *s
	snap.ringTimer = nil
	return reply{session: snap}
}

func (r *Registry) answerLocal(callID, user string) reply {
	s, ok := r.sessions[callID]
	if !ok {
		return reply{err: ErrUnknownCall}
	}
	if user != s.Callee {
		return reply{err: ErrNotParticipant}
	}
	if !s.answer(time.Now().UTC()) {
		return reply{err: ErrBadState}
	}
	r.signals.Send(models.Envelope{
		Type:   models.EnvCallAnswer,
		From:   s.Callee,
		To:     s.Initiator,
		CallID: s.ID,
	})
	logger.Info("call_answered", "call", s.ID, "callee", s.Callee)
	r.notify(s)
	snap := *s
	snap.ringTimer = nil
	return reply{session: snap}
}

// endLocal handles local Reject and End. Exactly one envelope goes out
// per terminal transition; a session already Ended produces none.
func (r *Registry) endLocal(callID, user string, reject bool) reply {
	s, ok := r.sessions[callID]
	if !ok {
		return reply{err: ErrUnknownCall}
	}
	if !s.participant(user) {
		return reply{err: ErrNotParticipant}
	}
	var reason models.EndReason
	var outType models.EnvelopeType
	switch {
	case reject:
		if s.State != StateRinging || user != s.Callee {
			return reply{err: ErrBadState}
		}
		reason = models.EndRejected
		outType = models.EnvCallReject
	case s.State == StateRinging && user == s.Initiator:
		reason = models.EndCancelled
		outType = models.EnvCallEnd
	case s.State == StateRinging:
		reason = models.EndRejected
		outType = models.EnvCallReject
	default:
		reason = models.EndCompleted
		outType = models.EnvCallEnd
	}
	if !s.end(reason, time.Now().UTC()) {
		return reply{err: ErrBadState}
	}
	r.signals.Send(models.Envelope{
		Type:   outType,
		From:   user,
		To:     s.other(user),
		CallID: s.ID,
	})
	snap := r.finalize(s)
	return reply{session: snap}
}

func (r *Registry) ringTimedOut(callID string) {
	s, ok := r.sessions[callID]
	if !ok || s.State != StateRinging {
		return
	}
	if !s.end(models.EndTimeout, time.Now().UTC()) {
		return
	}
	logger.Info("call_ring_timeout", "call", s.ID, "callee", s.Callee)
	// both parties are remote clients here; each side's Ringing UI needs
	// the terminal signal or it is orphaned
	r.signals.Send(models.Envelope{
		Type:   models.EnvCallEnd,
		From:   s.Initiator,
		To:     s.Callee,
		CallID: s.ID,
	})
	r.signals.Send(models.Envelope{
		Type:   models.EnvCallEnd,
		From:   s.Callee,
		To:     s.Initiator,
		CallID: s.ID,
	})
	r.finalize(s)
}

// handleRemote applies an envelope from the remote party. Envelopes are
// at-least-once: anything that does not fit the current state is a
// logged non-event, never an error.
func (r *Registry) handleRemote(env models.Envelope) {
	switch env.Type {
	case models.EnvCallOffer:
		r.remoteOffer(env)
		return
	case models.EnvMsgDelivered, models.EnvMsgRead:
		// receipts belong to the pipeline; routing bug if they land here
		logger.Warn("receipt_envelope_in_call_registry", "type", string(env.Type))
		return
	}

	s, ok := r.sessions[env.CallID]
	if !ok {
		telemetry.EnvelopesTotal.WithLabelValues(string(env.Type), "unknown_call").Inc()
		logger.Debug("envelope_unknown_call_dropped", "type", string(env.Type), "call", env.CallID)
		return
	}
	// From is the connection identity, so this holds even for a spoofed
	// frame: only the two participants may drive or feed the call
	if !s.participant(env.From) {
		telemetry.EnvelopesTotal.WithLabelValues(string(env.Type), "dropped").Inc()
		logger.Warn("envelope_from_non_participant", "type", string(env.Type), "call", env.CallID, "from", env.From)
		return
	}

	switch env.Type {
	case models.EnvCallAnswer:
		if !s.answer(time.Now().UTC()) {
			// raced with a local cancellation; log, do not propagate
			logger.Info("late_answer_ignored", "call", s.ID, "state", s.State.String())
			return
		}
		r.forward(env)
		r.notify(s)
	case models.EnvCallReject:
		if !s.end(models.EndRejected, time.Now().UTC()) {
			return
		}
		r.forward(env)
		r.finalize(s)
	case models.EnvCallEnd:
		reason := models.EndCompleted
		if s.State == StateRinging {
			reason = models.EndCancelled
		}
		if !s.end(reason, time.Now().UTC()) {
			return
		}
		r.forward(env)
		r.finalize(s)
	case models.EnvIceCandidate:
		// opaque passthrough: routed, never interpreted
		if !s.Terminal() {
			r.forward(env)
		}
	default:
		logger.Debug("envelope_ignored", "type", string(env.Type), "call", env.CallID)
	}
}

// remoteOffer tracks a call initiated by a connected peer. The duplicate
// check runs first: a redelivered offer for a call we already track must
// be a no-op, not a busy rejection. A genuinely busy pair answers with
// CALL_REJECT so the remote Ringing state converges.
func (r *Registry) remoteOffer(env models.Envelope) {
	if _, dup := r.sessions[env.CallID]; dup {
		return // redelivered offer, already ringing
	}
	pair := models.PairKey(env.From, env.To)
	if _, busy := r.pairs[pair]; busy {
		logger.Warn("remote_offer_pair_busy", "pair", pair, "call", env.CallID)
		r.signals.Send(models.Envelope{
			Type:   models.EnvCallReject,
			From:   env.To,
			To:     env.From,
			CallID: env.CallID,
		})
		return
	}
	var op models.OfferPayload
	_ = json.Unmarshal(env.Payload, &op)
	mode := op.Mode
	if !mode.Valid() {
		mode = models.ModeVoice
	}
	s := &Session{
		ID:        env.CallID,
		Initiator: env.From,
		Callee:    env.To,
		Mode:      mode,
		State:     StateRinging,
		CreatedAt: time.Now().UTC(),
	}
	r.sessions[s.ID] = s
	r.pairs[pair] = s.ID
	telemetry.ActiveCalls.Inc()
	callID := s.ID
	s.ringTimer = time.AfterFunc(r.ringTimeout, func() {
		select {
		case r.events <- event{kind: evRingTimeout, callID: callID}:
		case <-r.stop:
		}
	})
	r.forward(env)
	r.notify(s)
}

// forward relays an envelope to its To party unchanged.
func (r *Registry) forward(env models.Envelope) {
	r.signals.Send(env)
}

// finalize runs after a terminal transition: observers are notified,
// the history record is written, then the session is evicted.
func (r *Registry) finalize(s *Session) Session {
	telemetry.ActiveCalls.Dec()
	telemetry.CallsTotal.WithLabelValues(string(s.EndReason)).Inc()
	logger.Info("call_ended", "call", s.ID, "reason", string(s.EndReason))
	r.notify(s)
	if r.history != nil {
		if err := r.history.AppendCallRecord(s.Record()); err != nil {
			logger.Error("call_record_persist_failed", "call", s.ID, "error", err)
		}
	}
	delete(r.pairs, s.Pair())
	delete(r.sessions, s.ID)
	snap := *s
	snap.ringTimer = nil
	return snap
}
