// Package config defines the dashboard daemon configuration, loaded from
// YAML with environment variable expansion.
package config

import "time"

// Config is the top-level configuration for the poolsync daemon.
type Config struct {
	Instance   InstanceConfig   `yaml:"instance"`
	Controller ControllerConfig `yaml:"controller"`
	Connection ConnectionConfig `yaml:"connection"`
	Commands   CommandsConfig   `yaml:"commands"`
	Sessions   SessionsConfig   `yaml:"sessions"`
	Render     RenderConfig     `yaml:"render"`
	History    HistoryConfig    `yaml:"history"`
	Health     HealthConfig     `yaml:"health"`
}

// InstanceConfig identifies this dashboard instance.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// ControllerConfig describes how to reach the pool controller.
type ControllerConfig struct {
	WSURL       string        `yaml:"ws_url"`
	RestURL     string        `yaml:"rest_url"`
	Token       string        `yaml:"token"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// ConnectionConfig tunes the live channel lifecycle.
type ConnectionConfig struct {
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	HeartbeatGrace     time.Duration `yaml:"heartbeat_grace"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
}

// CommandsConfig tunes the command gateway.
type CommandsConfig struct {
	AckTimeout       time.Duration `yaml:"ack_timeout"`
	MaxAttempts      int           `yaml:"max_attempts"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	RateLimitMaxWait time.Duration `yaml:"rate_limit_max_wait"`
	QueueCapacity    int           `yaml:"queue_capacity"`
	QueueTTL         time.Duration `yaml:"queue_ttl"`
}

// SessionsConfig bounds locally-initiated dosing sessions.
type SessionsConfig struct {
	MaxDuration time.Duration `yaml:"max_duration"`
}

// RenderConfig tunes the display update scheduler.
type RenderConfig struct {
	Tick       time.Duration `yaml:"tick"`
	MaxPending int           `yaml:"max_pending"`
}

// HistoryConfig configures the optional reading-history recorder.
type HistoryConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Database      DBConfig      `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DBConfig holds PostgreSQL connection parameters.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MinConns int    `yaml:"min_conns"`
	MaxConns int    `yaml:"max_conns"`
}

// HealthConfig configures the local health/debug HTTP endpoint.
type HealthConfig struct {
	Port int `yaml:"port"`
}
