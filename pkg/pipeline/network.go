package pipeline

import (
	"context"
	"fmt"

	"voxsynq/pkg/models"
)

// ServerAck is the backend acknowledgement for a delivered message.
type ServerAck struct {
	ServerID string `json:"server_id"`
}

// Network posts a message to the remote backend. Implementations must be
// idempotent-safe at the retry boundary: the pipeline guarantees at most
// one in-flight send per message id. An injectable provider is what makes
// the pipeline's outcomes deterministic under test.
type Network interface {
	PostMessage(ctx context.Context, conversationKey string, msg models.Message) (ServerAck, error)
}

// NetworkError marks a send attempt that failed or timed out. It is
// terminal for that attempt; the message surfaces as Failed until the
// user explicitly retries.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network: %v", e.Err) }

func (e *NetworkError) Unwrap() error { return e.Err }

// NetworkFunc adapts a function to the Network interface.
type NetworkFunc func(ctx context.Context, conversationKey string, msg models.Message) (ServerAck, error)

func (f NetworkFunc) PostMessage(ctx context.Context, conversationKey string, msg models.Message) (ServerAck, error) {
	return f(ctx, conversationKey, msg)
}

// ReceiptSender pushes delivery/read receipt envelopes back toward the
// remote party. The signaling channel satisfies this.
type ReceiptSender interface {
	SendReceipt(env models.Envelope)
}
