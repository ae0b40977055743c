package config

// Config is the root configuration for a parley node.
type Config struct {
	Identity IdentityConfig `yaml:"identity,omitempty"`
	Relay    RelayConfig    `yaml:"relay,omitempty"`
	ICE      ICEConfig      `yaml:"ice,omitempty"`
	Call     CallConfig     `yaml:"call,omitempty"`
	Chat     ChatConfig     `yaml:"chat,omitempty"`
	Server   ServerConfig   `yaml:"server,omitempty"`
	Logging  LoggingConfig  `yaml:"logging,omitempty"`
}

// IdentityConfig names the local peer.
type IdentityConfig struct {
	PeerID      string `yaml:"peerId,omitempty"`
	DisplayName string `yaml:"displayName,omitempty"`
}

// RelayConfig tells the client side where the signaling relay lives.
type RelayConfig struct {
	URL           string `yaml:"url,omitempty"` // ws://host:port/ws
	Token         string `yaml:"token,omitempty"`
	Password      string `yaml:"password,omitempty"`
	DialTimeoutMs int    `yaml:"dialTimeoutMs,omitempty"`
	AckTimeoutMs  int    `yaml:"ackTimeoutMs,omitempty"`
}

// ICEConfig lists STUN/TURN servers handed to the peer connection.
type ICEConfig struct {
	Servers []ICEServerEntry `yaml:"servers,omitempty"`
}

// ICEServerEntry is one STUN or TURN server.
type ICEServerEntry struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// CallConfig tunes the call coordinator.
type CallConfig struct {
	RingTimeoutSeconds        int    `yaml:"ringTimeoutSeconds,omitempty"`
	NegotiationTimeoutSeconds int    `yaml:"negotiationTimeoutSeconds,omitempty"`
	BusyPolicy                string `yaml:"busyPolicy,omitempty"` // "reject"
	// ReceiveOnlyFallback lets a call proceed without local capture when no
	// device is available, instead of failing with media unavailable.
	ReceiveOnlyFallback bool `yaml:"receiveOnlyFallback,omitempty"`
}

// ChatConfig tunes the chat channel and its history.
type ChatConfig struct {
	DedupWindow  int    `yaml:"dedupWindow,omitempty"`
	HistoryStore string `yaml:"historyStore,omitempty"` // "sqlite" | "memory"
	HistoryLimit int    `yaml:"historyLimit,omitempty"`
}

// ServerConfig controls the relay HTTP/WebSocket listener.
type ServerConfig struct {
	Port           int        `yaml:"port,omitempty"`
	Bind           string     `yaml:"bind,omitempty"` // "loopback" | "lan" | "custom"
	CustomBindHost string     `yaml:"customBindHost,omitempty"`
	Auth           ServerAuth `yaml:"auth,omitempty"`
	TLS            ServerTLS  `yaml:"tls,omitempty"`
	AllowedOrigins []string   `yaml:"allowedOrigins,omitempty"`
}

// ServerAuth configures how peers authenticate against the relay.
type ServerAuth struct {
	Mode      string `yaml:"mode,omitempty"` // "token" | "password" | "jwt" | "none"
	Token     string `yaml:"token,omitempty"`
	Password  string `yaml:"password,omitempty"`
	JWTSecret string `yaml:"jwtSecret,omitempty"` // HS256 key for per-peer tokens
}

// ServerTLS configures TLS for the relay listener.
type ServerTLS struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	CertPath string `yaml:"certPath,omitempty"`
	KeyPath  string `yaml:"keyPath,omitempty"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level        string `yaml:"level,omitempty"`        // "silent" | "fatal" | "error" | "warn" | "info" | "debug" | "trace"
	ConsoleStyle string `yaml:"consoleStyle,omitempty"` // "pretty" | "compact" | "json"
}
