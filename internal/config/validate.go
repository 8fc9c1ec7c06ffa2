package config

import (
	"fmt"
	"net/url"
	"strings"
)

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"warning": true,
	"error": true,
}

// ValidationResult separates validation errors that must block startup
// (Fatals) from ones that are auto-corrected and merely logged (Warnings).
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool { return len(r.Fatals) > 0 }

// AllErrors returns fatals followed by warnings, for callers that just want
// a single combined list (e.g. to print at the CLI).
func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	all = append(all, r.Warnings...)
	return all
}

// ValidateTiered checks the config and separates hard failures (malformed
// rendezvous address or port) from soft ones (out-of-range
// intervals, which are clamped to a safe value rather than rejected).
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if c.RendezvousAddr != "" {
		if _, err := url.Parse("//" + c.RendezvousAddr); err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("rendezvous_addr %q is not a valid host: %w", c.RendezvousAddr, err))
		}
	}

	if c.RendezvousPort < 1 || c.RendezvousPort > 65535 {
		r.Fatals = append(r.Fatals, fmt.Errorf("rendezvous_port %d is out of range", c.RendezvousPort))
	}

	if c.KeepAliveIntervalSeconds < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("keep_alive_interval_seconds %d is below minimum 1, clamping", c.KeepAliveIntervalSeconds))
		c.KeepAliveIntervalSeconds = 1
	} else if c.KeepAliveIntervalSeconds > 300 {
		r.Warnings = append(r.Warnings, fmt.Errorf("keep_alive_interval_seconds %d exceeds maximum 300, clamping", c.KeepAliveIntervalSeconds))
		c.KeepAliveIntervalSeconds = 300
	}

	if c.LoginTimeoutSeconds < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("login_timeout_seconds %d is below minimum 1, clamping", c.LoginTimeoutSeconds))
		c.LoginTimeoutSeconds = 1
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	if c.ReactorMailboxSize < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("reactor_mailbox_size %d is below minimum 1, clamping", c.ReactorMailboxSize))
		c.ReactorMailboxSize = 1
	} else if c.ReactorMailboxSize > 100000 {
		r.Warnings = append(r.Warnings, fmt.Errorf("reactor_mailbox_size %d exceeds maximum 100000, clamping", c.ReactorMailboxSize))
		c.ReactorMailboxSize = 100000
	}

	if c.WorkerKeepAliveMillis < 50 {
		r.Warnings = append(r.Warnings, fmt.Errorf("worker_keep_alive_millis %d is below minimum 50, clamping", c.WorkerKeepAliveMillis))
		c.WorkerKeepAliveMillis = 50
	}

	return r
}
