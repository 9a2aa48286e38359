package call

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"voxsynq/pkg/models"
)

// State is the call lifecycle position. Idle has no representation: a
// call that does not exist has no session.
type State int8

const (
	StateRinging State = iota
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateRinging:
		return "ringing"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	}
	return fmt.Sprintf("state(%d)", int8(s))
}

// Session tracks one call attempt from offer to termination. Instances
// live only in the registry's table and are mutated only on its loop;
// callers receive value snapshots.
type Session struct {
	ID        string           `json:"id"`
	Initiator string           `json:"initiator"`
	Callee    string           `json:"callee"`
	Mode      models.CallMode  `json:"mode"`
	State     State            `json:"state"`
	EndReason models.EndReason `json:"end_reason,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	AnsweredAt time.Time `json:"answered_at,omitempty"`
	EndedAt    time.Time `json:"ended_at,omitempty"`

	ringTimer *time.Timer
}

// MarshalJSON encodes the state as its lowercase name.
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

func (s *State) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	switch name {
	case "ringing":
		*s = StateRinging
	case "active":
		*s = StateActive
	case "ended":
		*s = StateEnded
	default:
		return fmt.Errorf("unknown call state %q", name)
	}
	return nil
}

// Pair returns the order-independent participant key used to enforce the
// one-non-terminal-session-per-pair invariant.
func (s *Session) Pair() string { return models.PairKey(s.Initiator, s.Callee) }

// Terminal reports whether the session reached Ended.
func (s *Session) Terminal() bool { return s.State == StateEnded }

func (s *Session) participant(user string) bool {
	return user == s.Initiator || user == s.Callee
}

// other returns the counterpart of user in this session.
func (s *Session) other(user string) string {
	if user == s.Initiator {
		return s.Callee
	}
	return s.Initiator
}

// answer moves Ringing to Active. Any other starting state is a no-op:
// the remote party may have raced a local cancellation.
func (s *Session) answer(now time.Time) bool {
	if s.State != StateRinging {
		return false
	}
	s.State = StateActive
	s.AnsweredAt = now
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	return true
}

// end moves any non-terminal state to Ended with the given reason. Once
// terminal, later events are non-events.
func (s *Session) end(reason models.EndReason, now time.Time) bool {
	if s.State == StateEnded {
		return false
	}
	s.State = StateEnded
	s.EndReason = reason
	s.EndedAt = now
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	return true
}

// Record converts a terminal session into its durable history entry.
func (s *Session) Record() models.CallRecord {
	rec := models.CallRecord{
		ID:        s.ID,
		Initiator: s.Initiator,
		Callee:    s.Callee,
		Mode:      s.Mode,
		Reason:    s.EndReason,
		CreatedTS: s.CreatedAt.UnixNano(),
		EndedTS:   s.EndedAt.UnixNano(),
	}
	if !s.AnsweredAt.IsZero() {
		rec.AnsweredTS = s.AnsweredAt.UnixNano()
	}
	return rec
}

var (
	// ErrCallInProgress rejects an initiation while a non-terminal
	// session exists for the participant pair. Surfaced to the UI as a
	// user-visible rejection, never a crash.
	ErrCallInProgress = errors.New("call already in progress")
	// ErrUnknownCall means the callId is not tracked by this process.
	ErrUnknownCall = errors.New("unknown call id")
	// ErrNotParticipant rejects an operation from a user outside the call.
	ErrNotParticipant = errors.New("not a call participant")
	// ErrBadState rejects a local operation invalid for the current state.
	ErrBadState = errors.New("call not in expected state")
)
