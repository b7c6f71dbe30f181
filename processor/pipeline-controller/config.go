package pipelinecontroller

import (
	"fmt"
	"time"

	"github.com/blas1n/bsai-sub001/llm"
)

// Config holds configuration for the pipeline controller.
type Config struct {
	// MaxRetries bounds verification retries per milestone.
	MaxRetries int `yaml:"max_retries"`

	// MaxReplans bounds plan mutations per run.
	MaxReplans int `yaml:"max_replans"`

	// AgentType labels breakpoint and milestone events.
	AgentType string `yaml:"agent_type"`

	// CallAttempts is the number of attempts per collaborator call.
	CallAttempts int `yaml:"call_attempts"`

	// CallBackoff is the initial backoff between collaborator attempts.
	CallBackoff string `yaml:"call_backoff"`

	// CallMaxBackoff caps the backoff between collaborator attempts.
	CallMaxBackoff string `yaml:"call_max_backoff"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		MaxReplans:     3,
		AgentType:      "worker",
		CallAttempts:   3,
		CallBackoff:    "2s",
		CallMaxBackoff: "30s",
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}
	if c.MaxReplans < 0 {
		return fmt.Errorf("max_replans cannot be negative")
	}
	if c.CallAttempts < 1 {
		return fmt.Errorf("call_attempts must be at least 1")
	}
	for name, v := range map[string]string{"call_backoff": c.CallBackoff, "call_max_backoff": c.CallMaxBackoff} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	return nil
}

// RetryConfig returns the collaborator retry policy.
func (c *Config) RetryConfig() llm.RetryConfig {
	cfg := llm.DefaultRetryConfig()
	if c.CallAttempts > 0 {
		cfg.MaxAttempts = c.CallAttempts
	}
	if d, err := time.ParseDuration(c.CallBackoff); err == nil && d > 0 {
		cfg.BackoffBase = d
	}
	if d, err := time.ParseDuration(c.CallMaxBackoff); err == nil && d > 0 {
		cfg.MaxBackoff = d
	}
	return cfg
}
