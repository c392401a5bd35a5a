// Package config loads orion configuration from files and the environment.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/orionchat/orion-core/pkg/types"
)

// Defaults applied before any file or environment override.
const (
	DefaultNamespace        = "orion"
	DefaultMaxLive          = 10
	DefaultRequestTimeoutMS = 120_000
	DefaultMaxRetries       = 3
	DefaultBaseIntervalMS   = 1_000
	DefaultMaxIntervalMS    = 30_000
	DefaultSoftLimitUSD     = 5.0
	DefaultPort             = 8080
)

// Load loads configuration from multiple sources (priority order):
//  1. Global config (~/.config/orion/)
//  2. Project config (<directory>/orion.json[c])
//  3. ORION_CONFIG file
//  4. ORION_CONFIG_CONTENT inline JSON
//  5. Environment variables
func Load(directory string) (*types.Config, error) {
	config := Default()

	loaded := make(map[string]bool)
	loadOnce := func(path string) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return
		}
		if loaded[absPath] {
			return
		}
		if loadConfigFile(path, config) == nil {
			loaded[absPath] = true
		}
	}

	// 1. Global config
	if home := os.Getenv("HOME"); home != "" {
		globalDir := filepath.Join(home, ".config", "orion")
		loadOnce(filepath.Join(globalDir, "orion.json"))
		loadOnce(filepath.Join(globalDir, "orion.jsonc"))
	}

	// 2. Project config
	if directory != "" {
		loadOnce(filepath.Join(directory, "orion.json"))
		loadOnce(filepath.Join(directory, "orion.jsonc"))
	}

	// 3. ORION_CONFIG file override
	if configPath := os.Getenv("ORION_CONFIG"); configPath != "" {
		loadOnce(configPath)
	}

	// 4. ORION_CONFIG_CONTENT inline JSON
	if content := os.Getenv("ORION_CONFIG_CONTENT"); content != "" {
		var inline types.Config
		if err := json.Unmarshal(jsonc.ToJSON([]byte(content)), &inline); err == nil {
			merge(config, &inline)
		}
	}

	// 5. Environment variables (highest priority)
	applyEnvOverrides(config)

	return config, nil
}

// Default returns the built-in configuration.
func Default() *types.Config {
	return &types.Config{
		Namespace: DefaultNamespace,
		LogLevel:  "info",
		Session: types.SessionConfig{
			MaxLive:          DefaultMaxLive,
			Eviction:         types.EvictLRU,
			RequestTimeoutMS: DefaultRequestTimeoutMS,
		},
		Retry: types.RetryConfig{
			MaxRetries:     DefaultMaxRetries,
			BaseIntervalMS: DefaultBaseIntervalMS,
			MaxIntervalMS:  DefaultMaxIntervalMS,
		},
		Budget: types.BudgetConfig{
			SoftLimitUSD: DefaultSoftLimitUSD,
		},
		Server: types.ServerConfig{
			Port:       DefaultPort,
			EnableCORS: true,
		},
	}
}

// loadConfigFile loads a single config file with interpolation support.
func loadConfigFile(path string, config *types.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err // File doesn't exist, skip
	}

	// Strip JSONC comments using tidwall/jsonc
	data = jsonc.ToJSON(data)
	data = interpolate(data)

	var fileConfig types.Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return err
	}

	merge(config, &fileConfig)
	return nil
}

var envPattern = regexp.MustCompile(`\{env:([^}]+)\}`)

// interpolate processes {env:VAR} placeholders.
func interpolate(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(varName)))
	})
}

// merge overlays non-zero fields of src onto dst.
func merge(dst, src *types.Config) {
	if src.Namespace != "" {
		dst.Namespace = src.Namespace
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
	if src.LogPretty {
		dst.LogPretty = true
	}
	if src.Session.MaxLive > 0 {
		dst.Session.MaxLive = src.Session.MaxLive
	}
	if src.Session.Eviction != "" {
		dst.Session.Eviction = src.Session.Eviction
	}
	if src.Session.RequestTimeoutMS > 0 {
		dst.Session.RequestTimeoutMS = src.Session.RequestTimeoutMS
	}
	if src.Retry.MaxRetries > 0 {
		dst.Retry.MaxRetries = src.Retry.MaxRetries
	}
	if src.Retry.BaseIntervalMS > 0 {
		dst.Retry.BaseIntervalMS = src.Retry.BaseIntervalMS
	}
	if src.Retry.MaxIntervalMS > 0 {
		dst.Retry.MaxIntervalMS = src.Retry.MaxIntervalMS
	}
	if src.Retry.MaxElapsedMS > 0 {
		dst.Retry.MaxElapsedMS = src.Retry.MaxElapsedMS
	}
	if src.Budget.SoftLimitUSD > 0 {
		dst.Budget.SoftLimitUSD = src.Budget.SoftLimitUSD
	}
	if src.Server.Port > 0 {
		dst.Server.Port = src.Server.Port
	}
	if src.Server.EnableCORS {
		dst.Server.EnableCORS = true
	}
}

// applyEnvOverrides applies ORION_* environment variables.
func applyEnvOverrides(config *types.Config) {
	if v := os.Getenv("ORION_NAMESPACE"); v != "" {
		config.Namespace = v
	}
	if v := os.Getenv("ORION_LOG_LEVEL"); v != "" {
		config.LogLevel = v
	}
	if v := os.Getenv("ORION_SESSION_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Session.MaxLive = n
		}
	}
	if v := os.Getenv("ORION_EVICTION"); v != "" {
		switch types.EvictionPolicy(strings.ToLower(v)) {
		case types.EvictLRU:
			config.Session.Eviction = types.EvictLRU
		case types.EvictReject:
			config.Session.Eviction = types.EvictReject
		}
	}
	if v := os.Getenv("ORION_REQUEST_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Session.RequestTimeoutMS = n
		}
	}
	if v := os.Getenv("ORION_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			config.Retry.MaxRetries = n
		}
	}
	if v := os.Getenv("ORION_BUDGET_SOFT_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			config.Budget.SoftLimitUSD = f
		}
	}
	if v := os.Getenv("ORION_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Server.Port = n
		}
	}
}
