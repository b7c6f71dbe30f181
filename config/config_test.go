package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/blas1n/bsai-sub001/tools"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Scheduler.MaxParallel != 3 {
		t.Errorf("expected default max_parallel 3, got %d", cfg.Scheduler.MaxParallel)
	}
	if cfg.Pipeline.MaxRetries != 3 {
		t.Errorf("expected default max_retries 3, got %d", cfg.Pipeline.MaxRetries)
	}
	if !cfg.Breakpoints.PlanReview {
		t.Error("expected plan review breakpoint by default")
	}
	if cfg.Breakpoints.Execution {
		t.Error("expected execution breakpoint off by default")
	}
	if !cfg.NATS.Embedded {
		t.Error("expected embedded NATS by default")
	}
	if cfg.NATS.GetRequestTimeout() != 5*time.Minute {
		t.Errorf("expected request timeout 5m, got %v", cfg.NATS.GetRequestTimeout())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "scheduler parallelism zero",
			modify:  func(c *Config) { c.Scheduler.MaxParallel = 0 },
			wantErr: true,
		},
		{
			name:    "negative retries",
			modify:  func(c *Config) { c.Pipeline.MaxRetries = -1 },
			wantErr: true,
		},
		{
			name:    "bad tool policy",
			modify:  func(c *Config) { c.Tools.DefaultPolicy = "sometimes" },
			wantErr: true,
		},
		{
			name:    "external NATS without url",
			modify:  func(c *Config) { c.NATS.Embedded = false },
			wantErr: true,
		},
		{
			name: "external NATS with url",
			modify: func(c *Config) {
				c.NATS.Embedded = false
				c.NATS.URL = "nats://localhost:4222"
			},
			wantErr: false,
		},
		{
			name:    "bad request timeout",
			modify:  func(c *Config) { c.NATS.RequestTimeout = "soon" },
			wantErr: true,
		},
		{
			name:    "missing listen address",
			modify:  func(c *Config) { c.Server.ListenAddr = "" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
scheduler:
  max_parallel: 5
  pause_on_failure: true
pipeline:
  max_replans: 1
breakpoints:
  plan_review: false
  execution: true
tools:
  default_policy: always
nats:
  url: "nats://test:4222"
  embedded: false
server:
  tokens:
    secret: alice
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Scheduler.MaxParallel != 5 {
		t.Errorf("expected max_parallel 5, got %d", cfg.Scheduler.MaxParallel)
	}
	if !cfg.Scheduler.PauseOnFailure {
		t.Error("expected pause_on_failure")
	}
	// Unset keys keep their defaults
	if cfg.Scheduler.PollInterval != "100ms" {
		t.Errorf("expected default poll_interval, got %s", cfg.Scheduler.PollInterval)
	}
	if cfg.Pipeline.MaxReplans != 1 {
		t.Errorf("expected max_replans 1, got %d", cfg.Pipeline.MaxReplans)
	}
	if cfg.Pipeline.MaxRetries != 3 {
		t.Errorf("expected default max_retries 3, got %d", cfg.Pipeline.MaxRetries)
	}
	if cfg.Breakpoints.PlanReview || !cfg.Breakpoints.Execution {
		t.Errorf("unexpected breakpoints %+v", cfg.Breakpoints)
	}
	if cfg.Tools.DefaultPolicy != tools.PolicyAlways {
		t.Errorf("expected policy always, got %s", cfg.Tools.DefaultPolicy)
	}
	if cfg.NATS.URL != "nats://test:4222" || cfg.NATS.Embedded {
		t.Errorf("unexpected NATS config %+v", cfg.NATS)
	}
	if cfg.Server.Tokens["secret"] != "alice" {
		t.Errorf("expected token for alice, got %v", cfg.Server.Tokens)
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	tmpDir := t.TempDir()

	if _, err := LoadFromFile(filepath.Join(tmpDir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	bad := filepath.Join(tmpDir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("scheduler: [not, a, map"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromFile(bad); err == nil {
		t.Error("expected parse error")
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	override := &Config{
		Scheduler: DefaultConfig().Scheduler,
		NATS: NATSConfig{
			URL: "nats://override:4222",
		},
		Audit: AuditConfig{
			Path: "/var/lib/bsai/audit.db",
		},
	}
	override.Scheduler.MaxParallel = 7
	override.Breakpoints.Execution = true

	base.Merge(override)

	if base.Scheduler.MaxParallel != 7 {
		t.Errorf("expected max_parallel 7, got %d", base.Scheduler.MaxParallel)
	}
	if base.NATS.URL != "nats://override:4222" {
		t.Errorf("expected NATS url override, got %s", base.NATS.URL)
	}
	if base.NATS.Embedded {
		t.Error("setting a NATS url should disable the embedded server")
	}
	// Subject prefix should remain from base since override didn't set it
	if base.NATS.SubjectPrefix != "bsai.agent" {
		t.Errorf("expected subject prefix to remain default, got %s", base.NATS.SubjectPrefix)
	}
	if !base.Breakpoints.PlanReview || !base.Breakpoints.Execution {
		t.Errorf("unexpected breakpoints %+v", base.Breakpoints)
	}
	if base.Audit.Path != "/var/lib/bsai/audit.db" {
		t.Errorf("expected audit path override, got %s", base.Audit.Path)
	}

	base.Merge(nil)
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.Pipeline.AgentType = "reviewer"

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.Pipeline.AgentType != "reviewer" {
		t.Errorf("expected agent type reviewer, got %s", loaded.Pipeline.AgentType)
	}
}

func TestLoaderLayering(t *testing.T) {
	t.Setenv(EnvNATSURL, "")
	t.Setenv(EnvListenAddr, ":9999")

	tmpDir := t.TempDir()
	userPath := filepath.Join(tmpDir, "user.yaml")
	projectPath := filepath.Join(tmpDir, ProjectConfigFile)

	user := "breakpoints:\n  execution: true\npipeline:\n  max_retries: 5\n"
	project := "breakpoints:\n  execution: false\nscheduler:\n  max_parallel: 2\n"
	if err := os.WriteFile(userPath, []byte(user), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(projectPath, []byte(project), 0644); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(nil, WithUserConfig(userPath), WithProjectConfig(projectPath))
	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Pipeline.MaxRetries != 5 {
		t.Errorf("expected user max_retries 5, got %d", cfg.Pipeline.MaxRetries)
	}
	if cfg.Scheduler.MaxParallel != 2 {
		t.Errorf("expected project max_parallel 2, got %d", cfg.Scheduler.MaxParallel)
	}
	// The project layer can turn off a flag the user layer enabled
	if cfg.Breakpoints.Execution {
		t.Error("expected project config to disable the execution breakpoint")
	}
	if cfg.Server.ListenAddr != ":9999" {
		t.Errorf("expected env listen address, got %s", cfg.Server.ListenAddr)
	}
}

func TestLoaderMissingFiles(t *testing.T) {
	t.Setenv(EnvNATSURL, "")
	t.Setenv(EnvListenAddr, "")
	tmpDir := t.TempDir()

	loader := NewLoader(nil, WithUserConfig(filepath.Join(tmpDir, "nope.yaml")))
	if _, err := loader.Load(); err != nil {
		t.Errorf("missing user config should fall back to defaults: %v", err)
	}

	explicit := NewLoader(nil,
		WithUserConfig(filepath.Join(tmpDir, "nope.yaml")),
		WithProjectConfig(filepath.Join(tmpDir, "missing.yaml")))
	if _, err := explicit.Load(); err == nil {
		t.Error("expected error for missing explicit project config")
	}
}

func TestLoaderEnvOverride(t *testing.T) {
	t.Setenv(EnvNATSURL, "nats://env:4222")
	t.Setenv(EnvListenAddr, "")
	tmpDir := t.TempDir()

	cfg, err := NewLoader(nil, WithUserConfig(filepath.Join(tmpDir, "nope.yaml"))).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.NATS.URL != "nats://env:4222" || cfg.NATS.Embedded {
		t.Errorf("expected env NATS url to select an external server, got %+v", cfg.NATS)
	}
}

func TestEnsureUserConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), UserConfigDir, UserConfigFile)
	loader := NewLoader(nil, WithUserConfig(path))

	if err := loader.EnsureUserConfig(); err != nil {
		t.Fatalf("EnsureUserConfig() error = %v", err)
	}
	if _, err := LoadFromFile(path); err != nil {
		t.Errorf("created config should load: %v", err)
	}
	// Second call leaves the file alone
	if err := loader.EnsureUserConfig(); err != nil {
		t.Errorf("EnsureUserConfig() second call error = %v", err)
	}
}

func TestWatcherReloads(t *testing.T) {
	t.Setenv(EnvNATSURL, "")
	t.Setenv(EnvListenAddr, "")

	tmpDir := t.TempDir()
	projectPath := filepath.Join(tmpDir, ProjectConfigFile)
	if err := os.WriteFile(projectPath, []byte("breakpoints:\n  execution: false\n"), 0644); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(nil, WithUserConfig(filepath.Join(tmpDir, "nope.yaml")), WithProjectConfig(projectPath))
	changes := make(chan *Config, 4)
	w, err := NewWatcher(loader, projectPath, 20*time.Millisecond, func(c *Config) { changes <- c }, nil)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	// An invalid file is skipped
	if err := os.WriteFile(projectPath, []byte("scheduler:\n  max_parallel: 0\n"), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(projectPath, []byte("breakpoints:\n  execution: true\n"), 0644); err != nil {
		t.Fatal(err)
	}

	// A reload may observe a partially written file first
	timeout := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-changes:
			if cfg.Breakpoints.Execution {
				return
			}
		case <-timeout:
			t.Fatal("timed out waiting for reload")
		}
	}
}

func TestNewWatcher_NoPath(t *testing.T) {
	if _, err := NewWatcher(NewLoader(nil), "", 0, nil, nil); err == nil {
		t.Error("expected error without a path")
	}
}
