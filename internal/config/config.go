package config

import "time"

// RelayConfig is the root configuration for a relay instance.
type RelayConfig struct {
	Server   ServerConfig   `yaml:"server"`
	Broker   BrokerConfig   `yaml:"broker"`
	Sessions SessionsConfig `yaml:"sessions"`
}

// ServerConfig holds HTTP/WebSocket listener settings.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// BrokerConfig holds AMQP broker settings.
type BrokerConfig struct {
	URL                string        `yaml:"url"`
	Exchange           string        `yaml:"exchange"`
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	PublishTimeout     time.Duration `yaml:"publish_timeout"`
}

// SessionsConfig holds per-session behavior settings.
type SessionsConfig struct {
	DefaultRoom  string        `yaml:"default_room"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}
