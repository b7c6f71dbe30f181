package milestonedispatcher

import (
	"fmt"
	"time"
)

// Config holds configuration for milestone scheduling.
type Config struct {
	// MaxParallel limits concurrent milestone executions.
	MaxParallel int `yaml:"max_parallel"`

	// PollInterval is the idle wait while milestones are in flight.
	PollInterval string `yaml:"poll_interval"`

	// PauseOnFailure pauses the scheduler after a failed milestone.
	PauseOnFailure bool `yaml:"pause_on_failure"`

	// PauseAfterEach pauses the scheduler after every milestone.
	PauseAfterEach bool `yaml:"pause_after_each"`

	// BreakpointMilestones lists milestone IDs that pause the scheduler on completion.
	BreakpointMilestones []string `yaml:"breakpoint_milestones,omitempty"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxParallel:  3,
		PollInterval: "100ms",
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.MaxParallel < 1 {
		return fmt.Errorf("max_parallel must be at least 1")
	}
	if c.MaxParallel > 10 {
		return fmt.Errorf("max_parallel cannot exceed 10")
	}
	if c.PollInterval != "" {
		if _, err := time.ParseDuration(c.PollInterval); err != nil {
			return fmt.Errorf("invalid poll_interval: %w", err)
		}
	}
	return nil
}

// GetPollInterval returns the poll interval duration.
// Returns default 100ms if parsing fails.
func (c *Config) GetPollInterval() time.Duration {
	if c.PollInterval == "" {
		return 100 * time.Millisecond
	}
	d, err := time.ParseDuration(c.PollInterval)
	if err != nil || d <= 0 {
		return 100 * time.Millisecond
	}
	return d
}

// Options converts the configuration into scheduler options. Callbacks and
// metrics are left for the caller to set.
func (c *Config) Options() Options {
	return Options{
		MaxParallel:          c.MaxParallel,
		PollInterval:         c.GetPollInterval(),
		BreakpointMilestones: append([]string(nil), c.BreakpointMilestones...),
		PauseAfterEach:       c.PauseAfterEach,
		PauseOnFailure:       c.PauseOnFailure,
	}
}
