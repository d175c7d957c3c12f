package h2

import "go.uber.org/zap"

// Option configures a Connection at construction time, the generalized
// replacement for the teacher's hardcoded NewConnection(host, port) pair.
type Option func(*Connection)

// WithLogger attaches a *zap.Logger for connection lifecycle events. A nil
// logger (the default) is a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Connection) {
		if log != nil {
			c.log = log
		}
	}
}

// WithLocalSettings overrides the SETTINGS this client advertises in its
// preface (spec.md §6 defaults otherwise apply).
func WithLocalSettings(s Settings) Option {
	return func(c *Connection) {
		c.localSettings = s
	}
}

// WithMaxHeaderSize overrides the per-stream maxHeaderSize limit (default
// 2^20, spec.md §6).
func WithMaxHeaderSize(n uint32) Option {
	return func(c *Connection) {
		c.maxHeaderSize = n
	}
}

// WithMaxBodySize overrides the per-stream maxBodySize limit (default
// 2^30, spec.md §6).
func WithMaxBodySize(n int64) Option {
	return func(c *Connection) {
		c.maxBodySize = n
	}
}
