package config

import (
	"log/slog"
	"os"
	"path/filepath"
)

const (
	// ProjectConfigFile is the name of the project-level config file.
	ProjectConfigFile = "swarmrun.yaml"
	// UserConfigDir is the directory for user-level config.
	UserConfigDir = ".config/swarmrun"
	// UserConfigFile is the name of the user-level config file.
	UserConfigFile = "config.yaml"
)

// Loader handles configuration loading with layered precedence.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a configuration loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load resolves configuration in precedence order: defaults, user config
// (~/.config/swarmrun/config.yaml), then project config (swarmrun.yaml in
// the current or a parent directory). Flags overlay the result separately.
func (l *Loader) Load() (*Config, error) {
	config := DefaultConfig()

	userConfigPath := l.userConfigPath()
	if userConfig, err := LoadFromFile(userConfigPath); err == nil {
		l.logger.Debug("loaded user config", "path", userConfigPath)
		config.Merge(userConfig)
	} else if !os.IsNotExist(err) {
		l.logger.Warn("failed to load user config", "path", userConfigPath, "error", err)
	}

	if projectConfigPath := l.findProjectConfig(); projectConfigPath != "" {
		projectConfig, err := LoadFromFile(projectConfigPath)
		if err != nil {
			l.logger.Warn("failed to load project config", "path", projectConfigPath, "error", err)
		} else {
			l.logger.Debug("loaded project config", "path", projectConfigPath)
			config.Merge(projectConfig)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// EnsureUserConfig creates the user config file with defaults when absent.
func (l *Loader) EnsureUserConfig() (string, error) {
	userConfigPath := l.userConfigPath()
	if _, err := os.Stat(userConfigPath); err == nil {
		return userConfigPath, nil
	}

	if err := DefaultConfig().SaveToFile(userConfigPath); err != nil {
		return "", err
	}
	l.logger.Info("created default user config", "path", userConfigPath)
	return userConfigPath, nil
}

func (l *Loader) userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for swarmrun.yaml upward from the current
// directory.
func (l *Loader) findProjectConfig() string {
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
			return ""
		}
		dir = parent
	}
}
