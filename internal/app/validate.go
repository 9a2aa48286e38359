package app

import (
	"fmt"

	"voxsynq/pkg/config"
)

// validateConfig checks the effective config early so a bad deployment
// fails at startup instead of at first request.
func validateConfig(eff config.Effective) error {
	if eff.Addr == "" {
		return fmt.Errorf("listen address is empty")
	}
	if eff.DBPath == "" {
		return fmt.Errorf("db path is empty")
	}
	c := eff.Config
	if c.Chat.AckTimeout.Duration() <= 0 {
		return fmt.Errorf("chat.ack_timeout must be positive")
	}
	if c.Chat.FlushRetryInterval.Duration() <= 0 {
		return fmt.Errorf("chat.flush_retry_interval must be positive")
	}
	if c.Call.RingTimeout.Duration() <= 0 {
		return fmt.Errorf("call.ring_timeout must be positive")
	}
	if c.Queue.Capacity < 0 {
		return fmt.Errorf("queue.capacity must not be negative")
	}
	if c.Security.RateLimit.RPS < 0 {
		return fmt.Errorf("security.rate_limit.rps must not be negative")
	}
	if c.Retention.Enabled && c.Retention.Period.Duration() <= 0 {
		return fmt.Errorf("retention.period must be positive when retention is enabled")
	}
	return nil
}
