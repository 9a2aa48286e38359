package models

import (
	"fmt"
	"strings"
)

// Status tracks a message through the delivery pipeline. The numeric
// ordering of the confirmed states (Pending < Sent < Delivered < Read) is
// load-bearing: receipts are applied max-by-ordinal so a stale confirmation
// can never regress a message. Failed sits outside the chain and is only
// entered on send failure and left by an explicit user retry.
type Status int8

const (
	StatusFailed    Status = -1
	StatusPending   Status = 0
	StatusSent      Status = 1
	StatusDelivered Status = 2
	StatusRead      Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusFailed:
		return "failed"
	case StatusPending:
		return "pending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	}
	return fmt.Sprintf("status(%d)", int8(s))
}

// MarshalJSON encodes the status as its lowercase name.
func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON accepts the lowercase status names produced by MarshalJSON.
func (s *Status) UnmarshalJSON(b []byte) error {
	switch strings.Trim(string(b), `"`) {
	case "failed":
		*s = StatusFailed
	case "pending":
		*s = StatusPending
	case "sent":
		*s = StatusSent
	case "delivered":
		*s = StatusDelivered
	case "read":
		*s = StatusRead
	default:
		return fmt.Errorf("unknown message status %s", string(b))
	}
	return nil
}

// Content is the opaque message payload: plain text or a reference to an
// uploaded image/audio asset.
type Content struct {
	Text                string `json:"text,omitempty"`
	ImageURL            string `json:"image_url,omitempty"`
	AudioURL            string `json:"audio_url,omitempty"`
	AudioDurationMillis int64  `json:"audio_duration_millis,omitempty"`
}

// Empty reports whether the content carries neither text nor an asset ref.
func (c Content) Empty() bool {
	return c.Text == "" && c.ImageURL == "" && c.AudioURL == ""
}

// Message is one entry in a conversation log. ID is generated client-side
// at creation time and is the deduplication key; ServerID is empty until
// the backend acknowledges the send.
type Message struct {
	ID           string  `json:"id"`
	Conversation string  `json:"conversation"`
	Sender       string  `json:"sender"`
	Recipient    string  `json:"recipient"`
	Content      Content `json:"content"`
	// CreatedAt is the client timestamp at creation (ns), monotonic per
	// sender; conversation rendering order follows it.
	CreatedAt int64  `json:"created_at"`
	Status    Status `json:"status"`
	ServerID  string `json:"server_id,omitempty"`
	// Deleted marks a local tombstone; history keys are never reused.
	Deleted   bool  `json:"deleted,omitempty"`
	DeletedTS int64 `json:"deleted_ts,omitempty"`
}

// PairKey returns the canonical order-independent key for a participant
// pair. It is used both as the conversation key and as the per-pair call
// index key.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}
