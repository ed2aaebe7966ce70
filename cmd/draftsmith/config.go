package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all draftsmith configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	Project        string `json:"project"`
	DBPath         string `json:"db_path"`
	DataDir        string `json:"data_dir"`
	BackendURL     string `json:"backend_url"`
	BackendTimeout int    `json:"backend_timeout_seconds"`
	LogLevel       string `json:"log_level"`
	Scheduler      bool   `json:"scheduler"`
}

func defaultConfig() Config {
	return Config{
		DBPath:         filepath.Join(draftsmithDir(), "draftsmith.db"),
		DataDir:        draftsmithDir(),
		BackendURL:     "http://localhost:4800",
		BackendTimeout: 120,
		LogLevel:       "info",
		Scheduler:      true,
	}
}

func draftsmithDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".draftsmith"
	}
	return filepath.Join(home, ".draftsmith")
}

func settingsPath() string {
	return filepath.Join(draftsmithDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("DRAFTSMITH_PROJECT"); v != "" {
		cfg.Project = v
	}
	if v := os.Getenv("DRAFTSMITH_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("DRAFTSMITH_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("DRAFTSMITH_BACKEND_URL"); v != "" {
		cfg.BackendURL = v
	}
	if v := os.Getenv("DRAFTSMITH_BACKEND_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BackendTimeout = n
		}
	}
	if v := os.Getenv("DRAFTSMITH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DRAFTSMITH_SCHEDULER"); v != "" {
		cfg.Scheduler = v == "true" || v == "1"
	}

	return cfg
}

// cacheDir and checkpointDir live under the data dir, per project when one
// is configured, so two projects never share artifacts.
func (c Config) cacheDir() string {
	return filepath.Join(c.projectDir(), "cache")
}

func (c Config) checkpointDir() string {
	return filepath.Join(c.projectDir(), "checkpoints")
}

func (c Config) projectDir() string {
	if c.Project == "" {
		return c.DataDir
	}
	return filepath.Join(c.DataDir, "projects", c.Project)
}
