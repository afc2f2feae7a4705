// Package config holds the node inventory and the execution policy. The
// engine only reads it; enable/disable flows through Manager so the change
// lands back in the backing store.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// EnvPassword is consulted as a last resort when neither the node nor the
// SSH defaults carry a password or key file.
const EnvPassword = "XPOD_SSH_PASSWORD"

var ErrNodeNotFound = errors.New("node not found")

// Node is one remote host. ID is stable across inventory edits; Address may
// be host or host:port.
type Node struct {
	ID       int    `yaml:"id" bson:"id" validate:"gte=0"`
	Address  string `yaml:"address" bson:"address" validate:"required"`
	Name     string `yaml:"name" bson:"name" validate:"required"`
	Enabled  bool   `yaml:"enabled" bson:"enabled"`
	Username string `yaml:"username,omitempty" bson:"username,omitempty"`
	Password string `yaml:"password,omitempty" bson:"password,omitempty"`
	Port     int    `yaml:"port,omitempty" bson:"port,omitempty" validate:"gte=0,lte=65535"`
	KeyFile  string `yaml:"key_file,omitempty" bson:"key_file,omitempty"`
}

// SSHDefaults apply to every node that does not override them.
type SSHDefaults struct {
	Username   string `yaml:"username" bson:"username"`
	Port       int    `yaml:"port" bson:"port" validate:"gt=0,lte=65535"`
	TimeoutSec int    `yaml:"timeout" bson:"timeout" validate:"gt=0"`
	KeyFile    string `yaml:"key_file,omitempty" bson:"key_file,omitempty"`
	Password   string `yaml:"password,omitempty" bson:"password,omitempty"`
}

func (s SSHDefaults) DialTimeout() time.Duration {
	return time.Duration(s.TimeoutSec) * time.Second
}

// ExecutionPolicy bounds fan-out and drives the retry budget.
type ExecutionPolicy struct {
	MaxConcurrent     int `yaml:"max_concurrent" bson:"max_concurrent" validate:"gt=0"`
	RetryCount        int `yaml:"retry_count" bson:"retry_count" validate:"gte=0"`
	RetryDelaySec     int `yaml:"retry_delay" bson:"retry_delay" validate:"gte=0"`
	CommandTimeoutSec int `yaml:"command_timeout" bson:"command_timeout" validate:"gt=0"`
}

func (e ExecutionPolicy) RetryDelay() time.Duration {
	return time.Duration(e.RetryDelaySec) * time.Second
}

func (e ExecutionPolicy) CommandTimeout() time.Duration {
	return time.Duration(e.CommandTimeoutSec) * time.Second
}

// LoggingPolicy configures the operator-facing log output.
type LoggingPolicy struct {
	Level  string `yaml:"level" bson:"level"`
	Format string `yaml:"format,omitempty" bson:"format,omitempty"`
}

type Config struct {
	Nodes     []Node          `yaml:"nodes" bson:"nodes" validate:"required,dive"`
	SSH       SSHDefaults     `yaml:"ssh" bson:"ssh"`
	Execution ExecutionPolicy `yaml:"execution" bson:"execution"`
	Logging   LoggingPolicy   `yaml:"logging" bson:"logging"`
}

// Defaults mirrors what an empty policy section means.
func Defaults() Config {
	return Config{
		SSH: SSHDefaults{Username: "root", Port: 22, TimeoutSec: 30},
		Execution: ExecutionPolicy{
			MaxConcurrent:     10,
			RetryCount:        3,
			RetryDelaySec:     5,
			CommandTimeoutSec: 300,
		},
		Logging: LoggingPolicy{Level: "info"},
	}
}

var validate = validator.New()

func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("inventory validation failed: %w", err)
	}
	seen := make(map[int]bool, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		if seen[n.ID] {
			return fmt.Errorf("inventory validation failed: duplicate node id %d", n.ID)
		}
		seen[n.ID] = true
	}
	return nil
}
