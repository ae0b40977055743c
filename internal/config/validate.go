package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// ValidationIssue describes a problem with a config value.
type ValidationIssue struct {
	Path    string
	Message string
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// Validate checks a Config for issues. Returns nil if valid.
func Validate(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue
	add := func(path, format string, args ...any) {
		issues = append(issues, ValidationIssue{Path: path, Message: fmt.Sprintf(format, args...)})
	}
	oneOf := func(path, value string, valid []string) {
		if value != "" && !slices.Contains(valid, value) {
			add(path, "must be one of %v, got %q", valid, value)
		}
	}

	if strings.ContainsAny(cfg.Identity.PeerID, " \t\n") {
		add("identity.peerId", "must not contain whitespace")
	}

	if cfg.Relay.URL != "" {
		u, err := url.Parse(cfg.Relay.URL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			add("relay.url", "must be a ws:// or wss:// URL, got %q", cfg.Relay.URL)
		}
	}
	if cfg.Relay.AckTimeoutMs < 0 {
		add("relay.ackTimeoutMs", "must not be negative")
	}

	for i, s := range cfg.ICE.Servers {
		if len(s.URLs) == 0 {
			add(fmt.Sprintf("ice.servers[%d].urls", i), "at least one url is required")
		}
		for _, u := range s.URLs {
			if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
				add(fmt.Sprintf("ice.servers[%d].urls", i), "unsupported scheme in %q", u)
			}
		}
	}

	if cfg.Call.RingTimeoutSeconds < 0 {
		add("call.ringTimeoutSeconds", "must not be negative")
	}
	if cfg.Call.NegotiationTimeoutSeconds < 0 {
		add("call.negotiationTimeoutSeconds", "must not be negative")
	}
	oneOf("call.busyPolicy", cfg.Call.BusyPolicy, []string{"reject"})

	if cfg.Chat.DedupWindow < 0 {
		add("chat.dedupWindow", "must not be negative")
	}
	oneOf("chat.historyStore", cfg.Chat.HistoryStore, []string{"sqlite", "memory"})

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		add("server.port", "port must be 0-65535, got %d", cfg.Server.Port)
	}
	oneOf("server.bind", cfg.Server.Bind, []string{"loopback", "lan", "custom"})
	if cfg.Server.Bind == "custom" && cfg.Server.CustomBindHost == "" {
		add("server.customBindHost", "required when bind is custom")
	}
	oneOf("server.auth.mode", cfg.Server.Auth.Mode, []string{"token", "password", "jwt", "none"})
	if cfg.Server.TLS.Enabled && (cfg.Server.TLS.CertPath == "" || cfg.Server.TLS.KeyPath == "") {
		add("server.tls", "certPath and keyPath are required when tls is enabled")
	}

	oneOf("logging.level", cfg.Logging.Level, []string{"silent", "fatal", "error", "warn", "info", "debug", "trace"})
	oneOf("logging.consoleStyle", cfg.Logging.ConsoleStyle, []string{"pretty", "compact", "json"})

	return issues
}
