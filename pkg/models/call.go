package models

// CallMode distinguishes voice-only from video calls.
type CallMode string

const (
	ModeVoice CallMode = "voice"
	ModeVideo CallMode = "video"
)

// Valid reports whether the mode is one of the recognized values.
func (m CallMode) Valid() bool { return m == ModeVoice || m == ModeVideo }

// EndReason records why a call reached its terminal state.
type EndReason string

const (
	EndCompleted EndReason = "completed"
	EndRejected  EndReason = "rejected"
	EndTimeout   EndReason = "timeout"
	EndCancelled EndReason = "cancelled"
	EndFailed    EndReason = "failed"
)

// CallRecord is the durable call-history entry written when a session
// reaches a terminal state. Active sessions themselves are ephemeral and
// are never persisted; an interrupted call cannot be resumed.
type CallRecord struct {
	ID        string    `json:"id"`
	Initiator string    `json:"initiator"`
	Callee    string    `json:"callee"`
	Mode      CallMode  `json:"mode"`
	Reason    EndReason `json:"reason"`
	CreatedTS int64     `json:"created_ts"`
	// AnsweredTS is zero when the call never became active.
	AnsweredTS int64 `json:"answered_ts,omitempty"`
	EndedTS    int64 `json:"ended_ts"`
}
