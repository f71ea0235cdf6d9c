package config

import "fmt"

// ConfigError represents a configuration error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s", e.Message)
}

// Defaults returns a Config with the two standard relay instances.
// The post-sale and pre-sale instances run identical protocol logic and
// differ only in port, path prefix, and identity namespace.
func Defaults() Config {
	return Config{
		Instances: []InstanceConfig{
			{
				Name:       "postsale",
				Port:       9531,
				PathPrefix: "/relay/postsale",
				Namespace:  "postsale",
			},
			{
				Name:       "presale",
				Port:       9532,
				PathPrefix: "/relay/presale",
				Namespace:  "presale",
			},
		},
		Store: StoreConfig{
			RetentionDays: 7,
			SweepMinutes:  30,
		},
		Logging: LoggingConfig{
			Level:        "info",
			ConsoleStyle: "pretty",
		},
	}
}

// applyDefaults fills zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	for i := range cfg.Instances {
		inst := &cfg.Instances[i]
		if inst.Bind == "" {
			inst.Bind = "loopback"
		}
		if inst.Namespace == "" {
			inst.Namespace = inst.Name
		}
		if inst.TokenTTLMinutes == 0 {
			inst.TokenTTLMinutes = 30
		}
		if inst.Heartbeat.ReadIdleSeconds == 0 {
			inst.Heartbeat.ReadIdleSeconds = 75
		}
		if inst.Heartbeat.WriteIdleSeconds == 0 {
			inst.Heartbeat.WriteIdleSeconds = 30
		}
	}
	if cfg.Store.RetentionDays == 0 {
		cfg.Store.RetentionDays = 7
	}
	if cfg.Store.SweepMinutes == 0 {
		cfg.Store.SweepMinutes = 30
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.ConsoleStyle == "" {
		cfg.Logging.ConsoleStyle = "pretty"
	}
}
