// Package config provides configuration loading and management for bsai.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	milestonedispatcher "github.com/blas1n/bsai-sub001/processor/milestone-dispatcher"
	pipelinecontroller "github.com/blas1n/bsai-sub001/processor/pipeline-controller"
	"github.com/blas1n/bsai-sub001/tools"
	"github.com/blas1n/bsai-sub001/workflow/breakpoint"
)

// Config represents the complete bsai configuration
type Config struct {
	Scheduler   milestonedispatcher.Config `yaml:"scheduler"`
	Pipeline    pipelinecontroller.Config  `yaml:"pipeline"`
	Breakpoints breakpoint.Config          `yaml:"breakpoints"`
	Tools       tools.Config               `yaml:"tools"`
	NATS        NATSConfig                 `yaml:"nats"`
	Server      ServerConfig               `yaml:"server"`
	Audit       AuditConfig                `yaml:"audit"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server)
	URL string `yaml:"url"`
	// Embedded indicates whether to use embedded NATS
	Embedded bool `yaml:"embedded"`
	// StoreDir holds JetStream data for the embedded server
	StoreDir string `yaml:"store_dir"`
	// SubjectPrefix is the prefix of the agent request subjects
	SubjectPrefix string `yaml:"subject_prefix"`
	// RequestTimeout bounds a single agent request
	RequestTimeout string `yaml:"request_timeout"`
}

// GetRequestTimeout returns the agent request timeout.
// Returns default 5m if parsing fails.
func (c *NATSConfig) GetRequestTimeout() time.Duration {
	d, err := time.ParseDuration(c.RequestTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}

// ServerConfig configures the HTTP and websocket listener
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	// Tokens maps accepted bearer tokens to principals (empty = no authentication)
	Tokens map[string]string `yaml:"tokens,omitempty"`
}

// AuditConfig configures the tool call audit database
type AuditConfig struct {
	// Path is the SQLite file (empty = audit entries are only logged)
	Path string `yaml:"path"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Scheduler: milestonedispatcher.DefaultConfig(),
		Pipeline:  pipelinecontroller.DefaultConfig(),
		Breakpoints: breakpoint.Config{
			PlanReview: true,
			Execution:  false,
		},
		Tools: tools.DefaultConfig(),
		NATS: NATSConfig{
			URL:            "",
			Embedded:       true,
			SubjectPrefix:  pipelinecontroller.DefaultSubjectPrefix,
			RequestTimeout: "5m",
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
		Audit: AuditConfig{
			Path: "bsai-audit.db",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	if err := c.Tools.Validate(); err != nil {
		return fmt.Errorf("tools: %w", err)
	}
	if !c.NATS.Embedded && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats.embedded is false")
	}
	if c.NATS.RequestTimeout != "" {
		if _, err := time.ParseDuration(c.NATS.RequestTimeout); err != nil {
			return fmt.Errorf("invalid nats.request_timeout: %w", err)
		}
	}
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := decodeFile(path, config); err != nil {
		return nil, err
	}
	return config, nil
}

// decodeFile overlays the YAML file at path onto config. Keys absent
// from the file keep their current values.
func decodeFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for
// non-zero values). Boolean flags cannot be cleared by Merge; use a config
// file layer for that.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Scheduler
	if other.Scheduler.MaxParallel != 0 {
		c.Scheduler.MaxParallel = other.Scheduler.MaxParallel
	}
	if other.Scheduler.PollInterval != "" {
		c.Scheduler.PollInterval = other.Scheduler.PollInterval
	}
	c.Scheduler.PauseOnFailure = c.Scheduler.PauseOnFailure || other.Scheduler.PauseOnFailure
	c.Scheduler.PauseAfterEach = c.Scheduler.PauseAfterEach || other.Scheduler.PauseAfterEach
	if len(other.Scheduler.BreakpointMilestones) > 0 {
		c.Scheduler.BreakpointMilestones = other.Scheduler.BreakpointMilestones
	}

	// Pipeline
	if other.Pipeline.MaxRetries != 0 {
		c.Pipeline.MaxRetries = other.Pipeline.MaxRetries
	}
	if other.Pipeline.MaxReplans != 0 {
		c.Pipeline.MaxReplans = other.Pipeline.MaxReplans
	}
	if other.Pipeline.AgentType != "" {
		c.Pipeline.AgentType = other.Pipeline.AgentType
	}
	if other.Pipeline.CallAttempts != 0 {
		c.Pipeline.CallAttempts = other.Pipeline.CallAttempts
	}
	if other.Pipeline.CallBackoff != "" {
		c.Pipeline.CallBackoff = other.Pipeline.CallBackoff
	}
	if other.Pipeline.CallMaxBackoff != "" {
		c.Pipeline.CallMaxBackoff = other.Pipeline.CallMaxBackoff
	}

	// Breakpoints
	c.Breakpoints.PlanReview = c.Breakpoints.PlanReview || other.Breakpoints.PlanReview
	c.Breakpoints.Execution = c.Breakpoints.Execution || other.Breakpoints.Execution

	// Tools
	if other.Tools.ApprovalTimeout != "" {
		c.Tools.ApprovalTimeout = other.Tools.ApprovalTimeout
	}
	if other.Tools.ExecutionTimeout != "" {
		c.Tools.ExecutionTimeout = other.Tools.ExecutionTimeout
	}
	if other.Tools.DefaultPolicy != "" {
		c.Tools.DefaultPolicy = other.Tools.DefaultPolicy
	}
	if len(other.Tools.Risk.HighRiskKeywords) > 0 {
		c.Tools.Risk.HighRiskKeywords = other.Tools.Risk.HighRiskKeywords
	}
	if len(other.Tools.Risk.MediumRiskKeywords) > 0 {
		c.Tools.Risk.MediumRiskKeywords = other.Tools.Risk.MediumRiskKeywords
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}
	if other.NATS.StoreDir != "" {
		c.NATS.StoreDir = other.NATS.StoreDir
	}
	if other.NATS.SubjectPrefix != "" {
		c.NATS.SubjectPrefix = other.NATS.SubjectPrefix
	}
	if other.NATS.RequestTimeout != "" {
		c.NATS.RequestTimeout = other.NATS.RequestTimeout
	}

	// Server
	if other.Server.ListenAddr != "" {
		c.Server.ListenAddr = other.Server.ListenAddr
	}
	if len(other.Server.Tokens) > 0 {
		c.Server.Tokens = other.Server.Tokens
	}

	// Audit
	if other.Audit.Path != "" {
		c.Audit.Path = other.Audit.Path
	}
}
