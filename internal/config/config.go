package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	DefaultPollInterval     = 15 * time.Second
	DefaultSpawnConcurrency = 4
	DefaultMaxSpawnAttempts = 3
	DefaultAgentCommand     = "claude"
)

type Config struct {
	DataDir      string
	DBPath       string
	WorkflowsDir string
	QueueDir     string
	SessionsDir  string

	PollInterval     time.Duration
	SpawnConcurrency int
	MaxSpawnAttempts int
	AgentCommand     string
}

func New() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	dataDir := getEnv("ANTFARM_DATA_DIR", filepath.Join(homeDir, ".antfarm"))

	pollMs, err := getEnvInt("ANTFARM_POLL_INTERVAL", int(DefaultPollInterval/time.Millisecond))
	if err != nil {
		return nil, err
	}
	concurrency, err := getEnvInt("ANTFARM_SPAWN_CONCURRENCY", DefaultSpawnConcurrency)
	if err != nil {
		return nil, err
	}
	maxAttempts, err := getEnvInt("ANTFARM_MAX_SPAWN_ATTEMPTS", DefaultMaxSpawnAttempts)
	if err != nil {
		return nil, err
	}

	c := &Config{
		DataDir:          dataDir,
		DBPath:           filepath.Join(dataDir, "antfarm.db"),
		WorkflowsDir:     filepath.Join(dataDir, "workflows"),
		QueueDir:         filepath.Join(dataDir, "spawn-queue"),
		SessionsDir:      filepath.Join(dataDir, "sessions"),
		PollInterval:     time.Duration(pollMs) * time.Millisecond,
		SpawnConcurrency: concurrency,
		MaxSpawnAttempts: maxAttempts,
		AgentCommand:     getEnv("ANTFARM_AGENT_COMMAND", DefaultAgentCommand),
	}

	return c, nil
}

func (c *Config) EnsureDataDir() error {
	for _, dir := range []string{c.DataDir, c.WorkflowsDir, c.QueueDir, c.SessionsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", key, value)
	}
	return n, nil
}
