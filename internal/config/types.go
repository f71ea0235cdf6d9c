package config

// Config is the root configuration for the relay daemon.
type Config struct {
	Instances []InstanceConfig `yaml:"instances,omitempty"`
	Store     StoreConfig      `yaml:"store,omitempty"`
	Logging   LoggingConfig    `yaml:"logging,omitempty"`
}

// InstanceConfig describes one deployed relay instance. All instances run
// the same gateway code; only the listen address, path prefix, and
// identity namespace differ.
type InstanceConfig struct {
	Name            string          `yaml:"name"`
	Port            int             `yaml:"port"`
	PathPrefix      string          `yaml:"pathPrefix"`
	Namespace       string          `yaml:"namespace,omitempty"`
	Bind            string          `yaml:"bind,omitempty"` // "loopback" | "lan" | "custom"
	CustomBindHost  string          `yaml:"customBindHost,omitempty"`
	TokenTTLMinutes int             `yaml:"tokenTtlMinutes,omitempty"`
	Heartbeat       HeartbeatConfig `yaml:"heartbeat,omitempty"`
	TLS             TLSConfig       `yaml:"tls,omitempty"`
	AllowedOrigins  []string        `yaml:"allowedOrigins,omitempty"`
}

// HeartbeatConfig sets per-connection idle thresholds. Read-idle expiry
// force-closes the connection; write-idle emits a ping frame.
type HeartbeatConfig struct {
	ReadIdleSeconds  int `yaml:"readIdleSeconds,omitempty"`
	WriteIdleSeconds int `yaml:"writeIdleSeconds,omitempty"`
}

// TLSConfig configures TLS for an instance listener.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	CertPath string `yaml:"certPath,omitempty"`
	KeyPath  string `yaml:"keyPath,omitempty"`
}

// StoreConfig configures the shared SQLite store.
type StoreConfig struct {
	Path          string `yaml:"path,omitempty"` // defaults to <data>/relay.db
	RetentionDays int    `yaml:"retentionDays,omitempty"`
	SweepMinutes  int    `yaml:"sweepMinutes,omitempty"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level        string `yaml:"level,omitempty"` // "silent" | "fatal" | "error" | "warn" | "info" | "debug" | "trace"
	File         string `yaml:"file,omitempty"`
	ConsoleStyle string `yaml:"consoleStyle,omitempty"` // "pretty" | "json"
}
