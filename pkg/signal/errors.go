package signal

import "errors"

var (
	// ErrTransportDown means the transport refused the envelope outright.
	ErrTransportDown = errors.New("signal transport down")
	// ErrTransportBusy means the peer's inbound buffer was full.
	ErrTransportBusy = errors.New("signal transport busy")
	// ErrRecipientOffline means no connection exists for the target user.
	ErrRecipientOffline = errors.New("recipient not connected")
)
