package validation

import (
	"errors"
	"fmt"
	"sync/atomic"

	"voxsynq/pkg/models"
)

// Content checks shared by the HTTP surface and the websocket ingest
// path. Limits are process-wide and set once at startup from config.

var maxContentBytes atomic.Int64

func init() { maxContentBytes.Store(64 * 1024) }

// SetMaxContentBytes overrides the per-message content ceiling. n <= 0
// keeps the current value.
func SetMaxContentBytes(n int64) {
	if n > 0 {
		maxContentBytes.Store(n)
	}
}

// MaxContentBytes returns the active per-message content ceiling.
func MaxContentBytes() int64 { return maxContentBytes.Load() }

var (
	// ErrEmptyContent rejects a message carrying no text and no media.
	ErrEmptyContent = errors.New("message content is empty")
	// ErrNegativeDuration rejects audio metadata with a negative duration.
	ErrNegativeDuration = errors.New("audio duration must not be negative")
)

// TooLargeError reports content over the configured ceiling.
type TooLargeError struct {
	Size int64
	Max  int64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("content size %d exceeds limit %d", e.Size, e.Max)
}

// CheckContent validates a message body before it enters the send
// pipeline.
func CheckContent(c models.Content) error {
	if c.Empty() {
		return ErrEmptyContent
	}
	if c.AudioDurationMillis < 0 {
		return ErrNegativeDuration
	}
	size := int64(len(c.Text) + len(c.ImageURL) + len(c.AudioURL))
	if max := maxContentBytes.Load(); size > max {
		return &TooLargeError{Size: size, Max: max}
	}
	return nil
}
