// Package config holds relayd runtime configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "5s" decode
// naturally; bare integers are taken as nanoseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode && value.ShortTag() == "!!int" {
		var n int64
		if err := value.Decode(&n); err != nil {
			return fmt.Errorf("parse duration: %w", err)
		}
		*d = Duration(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("parse duration: %w", err)
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds relayd runtime configuration.
type Config struct {
	// HTTPAddr is the listen address for the HTTP JSON-RPC transport.
	HTTPAddr string `yaml:"http_addr"`

	// WSAddr is the listen address for the websocket duplex transport.
	WSAddr string `yaml:"ws_addr"`

	// RPCPath is the POST endpoint path for the HTTP transport.
	RPCPath string `yaml:"rpc_path"`

	// WSPath is the websocket upgrade path.
	WSPath string `yaml:"ws_path"`

	// NodeName is this process's name on the server-to-server bus.
	// Must not be "all". Empty disables the bus.
	NodeName string `yaml:"node_name"`

	// MaxTokens caps concurrent gated handler executions.
	MaxTokens int `yaml:"max_tokens"`

	// MaxQueued bounds the gate wait queue.
	MaxQueued int `yaml:"max_queued"`

	// DrainGrace bounds the shutdown wait for in-flight work before
	// lingering connections are terminated.
	DrainGrace Duration `yaml:"drain_grace"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		HTTPAddr:       "127.0.0.1:8480",
		WSAddr:         "127.0.0.1:8481",
		RPCPath:        "/rpc",
		WSPath:         "/ws",
		MaxTokens:      64,
		MaxQueued:      128,
		DrainGrace:     Duration(5 * time.Second),
		LogLevel:       "info",
	}
}

// LoadFile overlays YAML configuration from path onto c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays RELAY_* environment variables onto c.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("RELAY_HTTP_ADDR"); v != "" {
		c.HTTPAddr = v
	}
	if v := os.Getenv("RELAY_WS_ADDR"); v != "" {
		c.WSAddr = v
	}
	if v := os.Getenv("RELAY_NODE_NAME"); v != "" {
		c.NodeName = v
	}
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate rejects configurations the daemon cannot serve.
func (c *Config) Validate() error {
	if c.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive, got %d", c.MaxTokens)
	}
	if c.MaxQueued < 0 {
		return fmt.Errorf("max_queued must not be negative, got %d", c.MaxQueued)
	}
	if c.NodeName == "all" {
		return fmt.Errorf(`node_name "all" is reserved for broadcast`)
	}
	return nil
}
