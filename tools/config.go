package tools

import (
	"fmt"
	"time"
)

// Config holds configuration for the tool execution coordinator.
type Config struct {
	// ApprovalTimeout bounds the wait for a human approval decision.
	ApprovalTimeout string `yaml:"approval_timeout"`

	// ExecutionTimeout bounds a single tool execution, local or remote.
	ExecutionTimeout string `yaml:"execution_timeout"`

	// DefaultPolicy applies to servers that declare no approval policy.
	DefaultPolicy ApprovalPolicy `yaml:"default_policy"`

	// Risk configures the risk assessor.
	Risk RiskRules `yaml:"risk"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		ApprovalTimeout:  "60s",
		ExecutionTimeout: "120s",
		DefaultPolicy:    PolicyConditional,
		Risk:             DefaultRiskRules(),
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DefaultPolicy != "" && !c.DefaultPolicy.IsValid() {
		return fmt.Errorf("invalid default_policy: %s", c.DefaultPolicy)
	}
	if c.ApprovalTimeout != "" {
		if _, err := time.ParseDuration(c.ApprovalTimeout); err != nil {
			return fmt.Errorf("invalid approval_timeout: %w", err)
		}
	}
	if c.ExecutionTimeout != "" {
		if _, err := time.ParseDuration(c.ExecutionTimeout); err != nil {
			return fmt.Errorf("invalid execution_timeout: %w", err)
		}
	}
	return nil
}

// GetApprovalTimeout returns the approval timeout duration.
// Returns default 60s if parsing fails.
func (c *Config) GetApprovalTimeout() time.Duration {
	return parseDurationOr(c.ApprovalTimeout, 60*time.Second)
}

// GetExecutionTimeout returns the execution timeout duration.
// Returns default 120s if parsing fails.
func (c *Config) GetExecutionTimeout() time.Duration {
	return parseDurationOr(c.ExecutionTimeout, 120*time.Second)
}

// GetDefaultPolicy returns the configured default policy, or conditional.
func (c *Config) GetDefaultPolicy() ApprovalPolicy {
	if c.DefaultPolicy.IsValid() {
		return c.DefaultPolicy
	}
	return PolicyConditional
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
