// Package config loads the seller runtime's environment and local state.
//
// Precedence: environment variables win; the local config.json fills in the
// API key for local development. In Railway/container mode the env var is
// always set and the file is never consulted.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"claw/internal/acp"
)

// Environment variables the runtime reads.
const (
	EnvSocketURL   = "ACP_SOCKET_URL"
	EnvAPIURL      = "ACP_API_URL"
	EnvSearchURL   = "SEARCH_URL"
	EnvAPIKey      = "LITE_AGENT_API_KEY"
	EnvAgentName   = "AGENT_NAME"
	EnvRailway     = "RAILWAY_ENVIRONMENT"
	EnvInContainer = "IN_CONTAINER"
	EnvStatusAddr  = "STATUS_ADDR"
)

// Config is the resolved runtime configuration.
type Config struct {
	SocketURL  string
	APIURL     string
	SearchURL  string
	APIKey     string
	AgentName  string // optional identity fallback
	StatusAddr string // empty disables the status server

	// InContainer reports Railway/container mode: PID bookkeeping is
	// skipped because each container is the process and the platform
	// handles restarts.
	InContainer bool

	// Root is the local state directory, ~/.claw.
	Root string
}

// OfferingsRoot is the per-agent offering directory tree.
func (c Config) OfferingsRoot() string {
	return filepath.Join(c.Root, "offerings")
}

type loadOptions struct {
	envLookup func(string) (string, bool)
	homeDir   func() (string, error)
}

// Option customizes Load, mainly for tests.
type Option func(*loadOptions)

// WithEnvLookup substitutes the environment lookup.
func WithEnvLookup(lookup func(string) (string, bool)) Option {
	return func(o *loadOptions) { o.envLookup = lookup }
}

// WithHomeDir substitutes home directory resolution.
func WithHomeDir(homeDir func() (string, error)) Option {
	return func(o *loadOptions) { o.homeDir = homeDir }
}

// Load resolves the runtime configuration from the environment and the
// local config file.
func Load(opts ...Option) (Config, error) {
	options := loadOptions{
		envLookup: os.LookupEnv,
		homeDir:   os.UserHomeDir,
	}
	for _, opt := range opts {
		opt(&options)
	}

	env := func(key string) string {
		value, _ := options.envLookup(key)
		return strings.TrimSpace(value)
	}

	cfg := Config{
		SocketURL:  acp.DefaultSocketURL,
		APIURL:     acp.DefaultAPIURL,
		SearchURL:  acp.DefaultSearchURL,
		StatusAddr: "",
	}

	if home, err := options.homeDir(); err == nil {
		cfg.Root = filepath.Join(home, ".claw")
	}

	if v := env(EnvSocketURL); v != "" {
		cfg.SocketURL = v
	}
	if v := env(EnvAPIURL); v != "" {
		cfg.APIURL = v
	}
	if v := env(EnvSearchURL); v != "" {
		cfg.SearchURL = v
	}
	if v := env(EnvStatusAddr); v != "" {
		cfg.StatusAddr = v
	}
	cfg.AgentName = env(EnvAgentName)

	_, onRailway := options.envLookup(EnvRailway)
	cfg.InContainer = onRailway || env(EnvInContainer) == "true"

	cfg.APIKey = env(EnvAPIKey)
	if cfg.APIKey == "" && cfg.Root != "" {
		// Local dev fallback: the setup flow stores the key in config.json.
		if file, err := readFile(cfg.Root); err == nil {
			cfg.APIKey = strings.TrimSpace(file.APIKey)
		}
	}

	return cfg, nil
}

// fileState is the on-disk config.json written by the setup flow. The PID
// field implements the single-instance guard for local runs.
type fileState struct {
	APIKey string `json:"LITE_AGENT_API_KEY,omitempty"`
	PID    int    `json:"PID,omitempty"`
}

func filePath(root string) string {
	return filepath.Join(root, "config.json")
}

func readFile(root string) (fileState, error) {
	var state fileState
	raw, err := os.ReadFile(filePath(root))
	if err != nil {
		return state, err
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return state, fmt.Errorf("parse %s: %w", filePath(root), err)
	}
	return state, nil
}

func writeFile(root string, state fileState) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filePath(root), raw, 0o600)
}

// SaveAPIKey stores the marketplace API key in root's config.json,
// preserving any recorded PID.
func SaveAPIKey(root, key string) error {
	state, err := readFile(root)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	state.APIKey = strings.TrimSpace(key)
	return writeFile(root, state)
}

var nonAlphanumeric = regexp.MustCompile(`[^a-z0-9]+`)

// SanitizeAgentName turns an agent's display name into a directory-safe
// name: lowercased, alphanumeric runs joined by single dashes.
func SanitizeAgentName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = nonAlphanumeric.ReplaceAllString(name, "-")
	return strings.Trim(name, "-")
}
