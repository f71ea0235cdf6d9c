package config

import (
	"fmt"
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

	if len(cfg.Instances) == 0 {
		issues = append(issues, ValidationIssue{
			Path:    "instances",
			Message: "at least one instance is required",
		})
	}

	seenNames := map[string]bool{}
	seenPorts := map[int]bool{}
	seenPrefixes := map[string]bool{}

	validBinds := []string{"loopback", "lan", "custom"}

	for i, inst := range cfg.Instances {
		path := fmt.Sprintf("instances[%d]", i)

		if inst.Name == "" {
			issues = append(issues, ValidationIssue{Path: path + ".name", Message: "name is required"})
		} else if seenNames[inst.Name] {
			issues = append(issues, ValidationIssue{Path: path + ".name", Message: fmt.Sprintf("duplicate instance name %q", inst.Name)})
		}
		seenNames[inst.Name] = true

		if inst.Port < 0 || inst.Port > 65535 {
			issues = append(issues, ValidationIssue{
				Path:    path + ".port",
				Message: fmt.Sprintf("port must be 0-65535, got %d", inst.Port),
			})
		} else if inst.Port != 0 && seenPorts[inst.Port] {
			issues = append(issues, ValidationIssue{
				Path:    path + ".port",
				Message: fmt.Sprintf("duplicate port %d", inst.Port),
			})
		}
		seenPorts[inst.Port] = true

		if inst.PathPrefix == "" || !strings.HasPrefix(inst.PathPrefix, "/") {
			issues = append(issues, ValidationIssue{
				Path:    path + ".pathPrefix",
				Message: fmt.Sprintf("path prefix must start with /, got %q", inst.PathPrefix),
			})
		} else if seenPrefixes[inst.PathPrefix] {
			issues = append(issues, ValidationIssue{
				Path:    path + ".pathPrefix",
				Message: fmt.Sprintf("duplicate path prefix %q", inst.PathPrefix),
			})
		}
		seenPrefixes[inst.PathPrefix] = true

		if inst.Bind != "" && !slices.Contains(validBinds, inst.Bind) {
			issues = append(issues, ValidationIssue{
				Path:    path + ".bind",
				Message: fmt.Sprintf("must be one of %v, got %q", validBinds, inst.Bind),
			})
		}

		if inst.TokenTTLMinutes < 0 {
			issues = append(issues, ValidationIssue{
				Path:    path + ".tokenTtlMinutes",
				Message: "token TTL must be positive",
			})
		}
		if inst.Heartbeat.ReadIdleSeconds < 0 || inst.Heartbeat.WriteIdleSeconds < 0 {
			issues = append(issues, ValidationIssue{
				Path:    path + ".heartbeat",
				Message: "idle thresholds must be positive",
			})
		}
		// pings must go out before the peer's read-idle window lapses
		if inst.Heartbeat.ReadIdleSeconds > 0 && inst.Heartbeat.WriteIdleSeconds > inst.Heartbeat.ReadIdleSeconds {
			issues = append(issues, ValidationIssue{
				Path:    path + ".heartbeat.writeIdleSeconds",
				Message: "write-idle must not exceed read-idle",
			})
		}

		if inst.TLS.Enabled && (inst.TLS.CertPath == "" || inst.TLS.KeyPath == "") {
			issues = append(issues, ValidationIssue{
				Path:    path + ".tls",
				Message: "TLS requires certPath and keyPath",
			})
		}
	}

	validLogLevels := []string{"silent", "fatal", "error", "warn", "info", "debug", "trace"}
	if cfg.Logging.Level != "" && !slices.Contains(validLogLevels, cfg.Logging.Level) {
		issues = append(issues, ValidationIssue{
			Path:    "logging.level",
			Message: fmt.Sprintf("must be one of %v, got %q", validLogLevels, cfg.Logging.Level),
		})
	}

	validConsoleStyles := []string{"pretty", "json"}
	if cfg.Logging.ConsoleStyle != "" && !slices.Contains(validConsoleStyles, cfg.Logging.ConsoleStyle) {
		issues = append(issues, ValidationIssue{
			Path:    "logging.consoleStyle",
			Message: fmt.Sprintf("must be one of %v, got %q", validConsoleStyles, cfg.Logging.ConsoleStyle),
		})
	}

	if cfg.Store.RetentionDays < 0 {
		issues = append(issues, ValidationIssue{
			Path:    "store.retentionDays",
			Message: "retention must not be negative",
		})
	}

	return issues
}
