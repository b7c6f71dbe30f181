package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "bsai.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/bsai"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"

	// EnvNATSURL overrides nats.url
	EnvNATSURL = "BSAI_NATS_URL"
	// EnvListenAddr overrides server.listen_addr
	EnvListenAddr = "BSAI_LISTEN_ADDR"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger      *slog.Logger
	userPath    string
	projectPath string
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithUserConfig overrides the user config path.
func WithUserConfig(path string) LoaderOption {
	return func(l *Loader) { l.userPath = path }
}

// WithProjectConfig uses path as the project config instead of searching
// for bsai.yaml.
func WithProjectConfig(path string) LoaderOption {
	return func(l *Loader) { l.projectPath = path }
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger, opts ...LoaderOption) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{logger: logger}
	for _, opt := range opts {
		opt(l)
	}
	if l.userPath == "" {
		l.userPath = userConfigPath()
	}
	return l
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/bsai/config.yaml)
// 3. Project config (bsai.yaml in current or parent directories)
// 4. Environment variables (BSAI_NATS_URL, BSAI_LISTEN_ADDR)
func (l *Loader) Load() (*Config, error) {
	config := DefaultConfig()

	if l.userPath != "" {
		if err := decodeFile(l.userPath, config); err == nil {
			l.logger.Debug("Loaded user config", slog.String("path", l.userPath))
		} else if !errors.Is(err, os.ErrNotExist) {
			l.logger.Warn("Failed to load user config", slog.String("path", l.userPath), slog.String("error", err.Error()))
		}
	}

	projectConfigPath := l.ProjectPath()
	if projectConfigPath != "" {
		if err := decodeFile(projectConfigPath, config); err != nil {
			// An explicitly named file must load
			if l.projectPath != "" {
				return nil, err
			}
			l.logger.Warn("Failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		} else {
			l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
		}
	} else {
		l.logger.Debug("No project config found")
	}

	config.Merge(envConfig())

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// ProjectPath returns the project config file in use, or "" when there is
// none.
func (l *Loader) ProjectPath() string {
	if l.projectPath != "" {
		return l.projectPath
	}
	return findProjectConfig()
}

// EnsureUserConfig creates the user config file with defaults if it doesn't exist
func (l *Loader) EnsureUserConfig() error {
	if l.userPath == "" {
		return nil
	}
	if _, err := os.Stat(l.userPath); err == nil {
		return nil
	}

	if err := DefaultConfig().SaveToFile(l.userPath); err != nil {
		return err
	}

	l.logger.Info("Created default user config", slog.String("path", l.userPath))
	return nil
}

// envConfig collects overrides from the environment. Unset variables leave
// zero values, which Merge ignores.
func envConfig() *Config {
	var c Config
	c.NATS.URL = os.Getenv(EnvNATSURL)
	c.Server.ListenAddr = os.Getenv(EnvListenAddr)
	return &c
}

func userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for bsai.yaml in current and parent directories
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}
