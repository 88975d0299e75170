package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultDialTimeout        = 10 * time.Second
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 30 * time.Second
	DefaultHeartbeatInterval  = 5 * time.Second
	DefaultHeartbeatGrace     = 5 * time.Second
	DefaultWriteTimeout       = 5 * time.Second
	DefaultAckTimeout         = 30 * time.Second
	DefaultMaxAttempts        = 3
	DefaultRetryBackoff       = 1 * time.Second
	DefaultRateLimitMaxWait   = 10 * time.Second
	DefaultQueueCapacity      = 100
	DefaultQueueTTL           = 5 * time.Minute
	DefaultMaxSessionDuration = 30 * time.Minute
	DefaultRenderTick         = 100 * time.Millisecond
	DefaultRenderMaxPending   = 1024
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 4
	DefaultMinConns           = 1
	DefaultHistoryBatchSize   = 500
	DefaultHistoryFlush       = 2 * time.Second
	DefaultHealthPort         = 8090
)

func (c *Config) applyDefaults() {
	if c.Controller.DialTimeout == 0 {
		c.Controller.DialTimeout = DefaultDialTimeout
	}

	if c.Connection.ReconnectBaseDelay == 0 {
		c.Connection.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Connection.ReconnectMaxDelay == 0 {
		c.Connection.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Connection.HeartbeatInterval == 0 {
		c.Connection.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Connection.HeartbeatGrace == 0 {
		c.Connection.HeartbeatGrace = DefaultHeartbeatGrace
	}
	if c.Connection.WriteTimeout == 0 {
		c.Connection.WriteTimeout = DefaultWriteTimeout
	}

	if c.Commands.AckTimeout == 0 {
		c.Commands.AckTimeout = DefaultAckTimeout
	}
	if c.Commands.MaxAttempts == 0 {
		c.Commands.MaxAttempts = DefaultMaxAttempts
	}
	if c.Commands.RetryBackoff == 0 {
		c.Commands.RetryBackoff = DefaultRetryBackoff
	}
	if c.Commands.RateLimitMaxWait == 0 {
		c.Commands.RateLimitMaxWait = DefaultRateLimitMaxWait
	}
	if c.Commands.QueueCapacity == 0 {
		c.Commands.QueueCapacity = DefaultQueueCapacity
	}
	if c.Commands.QueueTTL == 0 {
		c.Commands.QueueTTL = DefaultQueueTTL
	}

	if c.Sessions.MaxDuration == 0 {
		c.Sessions.MaxDuration = DefaultMaxSessionDuration
	}

	if c.Render.Tick == 0 {
		c.Render.Tick = DefaultRenderTick
	}
	if c.Render.MaxPending == 0 {
		c.Render.MaxPending = DefaultRenderMaxPending
	}

	if c.History.Enabled {
		applyDBDefaults(&c.History.Database)
		if c.History.BatchSize == 0 {
			c.History.BatchSize = DefaultHistoryBatchSize
		}
		if c.History.FlushInterval == 0 {
			c.History.FlushInterval = DefaultHistoryFlush
		}
	}

	if c.Health.Port == 0 {
		c.Health.Port = DefaultHealthPort
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
