// Package config loads layered server configuration: global config dir,
// project directory, then environment overrides.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/tidwall/jsonc"
)

// BashGuardConfig configures the built-in bash permission plugin. Nil
// disables it.
type BashGuardConfig struct {
	Allow []string `json:"allow,omitempty"`
	Deny  []string `json:"deny,omitempty"`
}

// Config is the server configuration.
type Config struct {
	Port       int      `json:"port,omitempty"`
	DataDir    string   `json:"data_dir,omitempty"`
	LogLevel   string   `json:"log_level,omitempty"`
	LogToFile  bool     `json:"log_to_file,omitempty"`
	EnableCORS bool     `json:"enable_cors,omitempty"`
	CLICommand []string `json:"cli_command,omitempty"`

	BashGuard *BashGuardConfig `json:"bash_guard,omitempty"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Port:       8424,
		DataDir:    defaultDataDir(),
		LogLevel:   "info",
		EnableCORS: true,
		CLICommand: []string{"claude", "--input-format", "stream-json", "--output-format", "stream-json", "--verbose"},
	}
}

// Load builds configuration from, in priority order: built-in defaults, the
// global config dir, the project directory, then environment variables.
func Load(directory string) (*Config, error) {
	cfg := Default()

	global := globalConfigDir()
	loadFile(filepath.Join(global, "companion.json"), cfg)
	loadFile(filepath.Join(global, "companion.jsonc"), cfg)

	if directory != "" {
		loadFile(filepath.Join(directory, ".companion", "companion.json"), cfg)
		loadFile(filepath.Join(directory, ".companion", "companion.jsonc"), cfg)
	}

	applyEnv(cfg)
	return cfg, nil
}

// loadFile merges one config file into cfg. Missing files are skipped;
// comments and trailing commas are tolerated.
func loadFile(path string, cfg *Config) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var file Config
	if err := json.Unmarshal(jsonc.ToJSON(data), &file); err != nil {
		return
	}
	merge(cfg, &file)
}

func merge(target, source *Config) {
	if source.Port != 0 {
		target.Port = source.Port
	}
	if source.DataDir != "" {
		target.DataDir = source.DataDir
	}
	if source.LogLevel != "" {
		target.LogLevel = source.LogLevel
	}
	if source.LogToFile {
		target.LogToFile = true
	}
	if source.EnableCORS {
		target.EnableCORS = true
	}
	if len(source.CLICommand) > 0 {
		target.CLICommand = source.CLICommand
	}
	if source.BashGuard != nil {
		target.BashGuard = source.BashGuard
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("COMPANION_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("COMPANION_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("COMPANION_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func globalConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "companion")
	}
	return ""
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".companion-data"
	}
	return filepath.Join(home, ".local", "share", "companion")
}
