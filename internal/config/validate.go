package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *RelayConfig) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Broker.URL == "" {
		return errors.New("broker.url is required")
	}
	if c.Broker.Exchange == "" {
		return errors.New("broker.exchange is required")
	}
	if c.Broker.ReconnectBaseDelay <= 0 {
		return errors.New("broker.reconnect_base_delay must be > 0")
	}
	if c.Broker.ReconnectMaxDelay < c.Broker.ReconnectBaseDelay {
		return errors.New("broker.reconnect_max_delay must be >= broker.reconnect_base_delay")
	}
	if c.Broker.PublishTimeout <= 0 {
		return errors.New("broker.publish_timeout must be > 0")
	}

	if c.Sessions.DefaultRoom == "" {
		return errors.New("sessions.default_room is required")
	}
	if c.Sessions.WriteTimeout <= 0 {
		return errors.New("sessions.write_timeout must be > 0")
	}

	return nil
}
