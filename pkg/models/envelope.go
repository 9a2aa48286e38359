package models

import "encoding/json"

// EnvelopeType names the signaling frames carried between two parties.
type EnvelopeType string

const (
	EnvCallOffer  EnvelopeType = "CALL_OFFER"
	EnvCallAnswer EnvelopeType = "CALL_ANSWER"
	EnvCallReject EnvelopeType = "CALL_REJECT"
	EnvCallEnd    EnvelopeType = "CALL_END"
	// EnvIceCandidate is an opaque passthrough: the payload is routed to
	// the remote party untouched and never interpreted here.
	EnvIceCandidate EnvelopeType = "ICE_CANDIDATE"

	// Receipt frames ride the same wire as call signals but are consumed
	// by the delivery pipeline, not the call registry.
	EnvMsgDelivered EnvelopeType = "MSG_DELIVERED"
	EnvMsgRead      EnvelopeType = "MSG_READ"
)

// IsCallSignal reports whether the type belongs to the call handshake.
func (t EnvelopeType) IsCallSignal() bool {
	switch t {
	case EnvCallOffer, EnvCallAnswer, EnvCallReject, EnvCallEnd, EnvIceCandidate:
		return true
	}
	return false
}

// Envelope is the typed unit the signaling channel delivers with
// at-least-once semantics. Receivers must tolerate duplicates; ordering is
// guaranteed per CallID only.
type Envelope struct {
	Type    EnvelopeType    `json:"type"`
	From    string          `json:"from"`
	To      string          `json:"to"`
	CallID  string          `json:"call_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// OfferPayload is carried by CALL_OFFER.
type OfferPayload struct {
	Mode CallMode `json:"mode"`
	SDP  string   `json:"sdp,omitempty"`
}

// AnswerPayload is carried by CALL_ANSWER.
type AnswerPayload struct {
	SDP string `json:"sdp,omitempty"`
}

// ReceiptPayload is carried by MSG_DELIVERED and MSG_READ frames.
type ReceiptPayload struct {
	Conversation string   `json:"conversation"`
	MessageIDs   []string `json:"message_ids"`
}
