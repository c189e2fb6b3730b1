package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/AmeliaRose802/overseer/log"
)

const ConfigFileName = "config.json"

// GetConfigDir returns the path to the application's configuration directory
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config home directory: %w", err)
	}
	return filepath.Join(homeDir, ".overseer"), nil
}

// Config represents the application configuration
type Config struct {
	// AgentProgram is the program launched inside each workspace to work a task.
	AgentProgram string `json:"agent_program"`
	// MaxAgents is the number of concurrent worker agents.
	MaxAgents int `json:"max_agents"`
	// PollIntervalMS is the idle backoff (ms) when no claimable task exists.
	PollIntervalMS int `json:"poll_interval_ms"`
	// BranchPrefix is prepended to task ids to form workspace branch names.
	BranchPrefix string `json:"branch_prefix"`
	// TargetBranch is the shared integration branch merges land on.
	TargetBranch string `json:"target_branch"`
	// MergeGraceSeconds is how long the merge queue gets to drain on shutdown.
	MergeGraceSeconds int `json:"merge_grace_seconds"`
	// WatchdogBaseSeconds is the fixed part of the forced-exit timeout.
	WatchdogBaseSeconds int `json:"watchdog_base_seconds"`
	// WatchdogPerAgentSeconds is added per active agent to the forced-exit timeout.
	WatchdogPerAgentSeconds int `json:"watchdog_per_agent_seconds"`
	// SyncRetryAttempts bounds retries of transiently failing tracker syncs.
	SyncRetryAttempts int `json:"sync_retry_attempts"`
	// SyncRetryBaseMS is the first retry delay (ms); it doubles per attempt.
	SyncRetryBaseMS int `json:"sync_retry_base_ms"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		AgentProgram:            "claude",
		MaxAgents:               3,
		PollIntervalMS:          2000,
		BranchPrefix:            "agent/",
		TargetBranch:            "main",
		MergeGraceSeconds:       30,
		WatchdogBaseSeconds:     30,
		WatchdogPerAgentSeconds: 15,
		SyncRetryAttempts:       5,
		SyncRetryBaseMS:         500,
	}
}

// LoadConfig loads the configuration from disk. If it cannot be done, we return the default configuration.
func LoadConfig() *Config {
	configDir, err := GetConfigDir()
	if err != nil {
		log.ErrorLog.Printf("failed to get config directory: %v", err)
		return DefaultConfig()
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			defaultCfg := DefaultConfig()
			if saveErr := saveConfig(defaultCfg); saveErr != nil {
				log.WarningLog.Printf("failed to save default config: %v", saveErr)
			}
			return defaultCfg
		}

		log.WarningLog.Printf("failed to get config file: %v", err)
		return DefaultConfig()
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		log.ErrorLog.Printf("failed to parse config file: %v", err)
		return DefaultConfig()
	}

	return &config
}

// saveConfig saves the configuration to disk
func saveConfig(config *Config) error {
	configDir, err := GetConfigDir()
	if err != nil {
		return fmt.Errorf("failed to get config directory: %w", err)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(configPath, data, 0644)
}

// SaveConfig exports the saveConfig function for use by other packages
func SaveConfig(config *Config) error {
	return saveConfig(config)
}
