package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.Controller.WSURL == "" {
		return errors.New("controller.ws_url is required")
	}
	if !strings.HasPrefix(c.Controller.WSURL, "ws://") && !strings.HasPrefix(c.Controller.WSURL, "wss://") {
		return fmt.Errorf("controller.ws_url must be a ws:// or wss:// URL, got %q", c.Controller.WSURL)
	}
	if c.Controller.RestURL == "" {
		return errors.New("controller.rest_url is required")
	}

	if c.Connection.ReconnectBaseDelay > c.Connection.ReconnectMaxDelay {
		return fmt.Errorf("connection.reconnect_base_delay (%s) cannot exceed reconnect_max_delay (%s)",
			c.Connection.ReconnectBaseDelay, c.Connection.ReconnectMaxDelay)
	}

	if c.Commands.MaxAttempts < 1 {
		return errors.New("commands.max_attempts must be >= 1")
	}
	if c.Commands.QueueCapacity < 1 {
		return errors.New("commands.queue_capacity must be >= 1")
	}

	if c.Sessions.MaxDuration <= 0 {
		return errors.New("sessions.max_duration must be > 0")
	}

	if c.Render.MaxPending < 1 {
		return errors.New("render.max_pending must be >= 1")
	}

	if c.History.Enabled {
		if err := c.History.Database.validate("history.database"); err != nil {
			return err
		}
		if c.History.BatchSize < 1 {
			return errors.New("history.batch_size must be >= 1")
		}
	}

	if c.Health.Port < 1 || c.Health.Port > 65535 {
		return fmt.Errorf("health.port must be between 1 and 65535, got %d", c.Health.Port)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
