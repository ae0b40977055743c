package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} references.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} references with their values; unset ones stay as written.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if val, ok := os.LookupEnv(match[2 : len(match)-1]); ok {
			return val
		}
		return match
	})
}

// expandSensitiveFields lets tokens and TURN credentials be stored as ${ENV_VAR}.
func expandSensitiveFields(cfg *Config) {
	cfg.Relay.Token = expandEnvVars(cfg.Relay.Token)
	cfg.Relay.Password = expandEnvVars(cfg.Relay.Password)
	cfg.Server.Auth.Token = expandEnvVars(cfg.Server.Auth.Token)
	cfg.Server.Auth.Password = expandEnvVars(cfg.Server.Auth.Password)
	cfg.Server.Auth.JWTSecret = expandEnvVars(cfg.Server.Auth.JWTSecret)
	for i := range cfg.ICE.Servers {
		cfg.ICE.Servers[i].Credential = expandEnvVars(cfg.ICE.Servers[i].Credential)
	}
}

// LoadEnvFile exports the KEY=value pairs of a dotenv file into the
// process environment. Variables already set win; a missing file is not an error.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// Load reads the config file, applies defaults and PARLEY_* overrides.
// A missing file yields defaults.
func Load(path string) (Config, error) {
	cfg := Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return Defaults(), err
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Defaults(), &ConfigError{Message: "failed to parse config: " + err.Error()}
		}
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	expandSensitiveFields(&cfg)
	return cfg, nil
}

// LoadRaw reads the config file into a generic map for path-based access.
func LoadRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, err
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// SaveRaw writes a generic map back to a YAML config file.
func SaveRaw(path string, raw map[string]any) error {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func applyDefaults(cfg *Config) {
	if cfg.Relay.URL == "" {
		cfg.Relay.URL = "ws://127.0.0.1:" + strconv.Itoa(DefaultServerPort) + "/ws"
	}
	if cfg.Relay.DialTimeoutMs == 0 {
		cfg.Relay.DialTimeoutMs = DefaultDialTimeoutMs
	}
	if cfg.Relay.AckTimeoutMs == 0 {
		cfg.Relay.AckTimeoutMs = DefaultAckTimeoutMs
	}
	if len(cfg.ICE.Servers) == 0 {
		cfg.ICE.Servers = []ICEServerEntry{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	if cfg.Call.RingTimeoutSeconds == 0 {
		cfg.Call.RingTimeoutSeconds = DefaultRingTimeout
	}
	if cfg.Call.NegotiationTimeoutSeconds == 0 {
		cfg.Call.NegotiationTimeoutSeconds = DefaultNegotiationTimeout
	}
	if cfg.Call.BusyPolicy == "" {
		cfg.Call.BusyPolicy = "reject"
	}
	if cfg.Chat.DedupWindow == 0 {
		cfg.Chat.DedupWindow = DefaultDedupWindow
	}
	if cfg.Chat.HistoryStore == "" {
		cfg.Chat.HistoryStore = "sqlite"
	}
	if cfg.Chat.HistoryLimit == 0 {
		cfg.Chat.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultServerPort
	}
	if cfg.Server.Bind == "" {
		cfg.Server.Bind = "loopback"
	}
	if cfg.Server.Auth.Mode == "" {
		cfg.Server.Auth.Mode = "token"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.ConsoleStyle == "" {
		cfg.Logging.ConsoleStyle = "pretty"
	}
}

// applyEnvOverrides reads PARLEY_* environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PARLEY_PEER_ID"); v != "" {
		cfg.Identity.PeerID = v
	}
	if v := os.Getenv("PARLEY_RELAY_URL"); v != "" {
		cfg.Relay.URL = v
	}
	if v := os.Getenv("PARLEY_RELAY_TOKEN"); v != "" {
		cfg.Relay.Token = v
	}
	if v := os.Getenv("PARLEY_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("PARLEY_SERVER_BIND"); v != "" {
		cfg.Server.Bind = v
	}
	if v := os.Getenv("PARLEY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
}
