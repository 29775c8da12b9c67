package config

import (
	"errors"
	"fmt"
	"strings"
)

// Config is the on-disk configuration of the pulse daemon.
//
// Example (YAML):
//
//	logging:
//	  level: info
//	  console: true
//	journal:
//	  driver: file
//	  path: ./data/pulse
//	jobs:
//	  - name: heartbeat
//	    due_time: 0s
//	    period: 30s
//	    command: ["curl", "-fsS", "http://127.0.0.1:8080/healthz"]
type Config struct {
	Logging LoggingConfig  `json:"logging"`
	Journal *JournalConfig `json:"journal,omitempty"`
	Debug   *DebugConfig   `json:"debug,omitempty"`
	Jobs    []JobConfig    `json:"jobs"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert mirrors warn+ lines to stderr, rate limited.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// JournalConfig controls where tick outcomes are recorded.
//
// Example:
//
//	"journal": { "driver": "sqlite", "path": "./data/pulse.db" }
type JournalConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// DebugConfig enables the local diagnostics endpoint (/healthz, /jobs, pprof).
// A non-loopback addr requires token or allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Prefix        string `json:"prefix,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
}

// JobConfig describes one recurring command.
//
// DueTime and Period are Go duration strings, or "infinite"/"never".
// Exactly one of Command (argv), Shell (run via /bin/sh -c) or Unit (a
// systemd unit operation) must be set.
type JobConfig struct {
	Name    string `json:"name"`
	DueTime string `json:"due_time,omitempty"`
	Period  string `json:"period"`

	// Overlap is "wait" (default) or "allow".
	Overlap     string `json:"overlap,omitempty"`
	MaxInFlight int    `json:"max_in_flight,omitempty"`

	// Timeout bounds a single run. Empty or "0s" disables it.
	Timeout string `json:"timeout,omitempty"`

	Command []string          `json:"command,omitempty"`
	Shell   string            `json:"shell,omitempty"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	Unit *UnitJobConfig `json:"unit,omitempty"`

	Disabled bool `json:"disabled,omitempty"`
}

// UnitJobConfig runs a systemd unit operation each tick.
// Action is start, restart, stop or check (default): check fails the tick
// when the unit is not active.
type UnitJobConfig struct {
	Name   string `json:"name"`
	Action string `json:"action,omitempty"`
}

// Validate checks structural rules that the JSON decoder cannot express.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	seen := make(map[string]struct{}, len(c.Jobs))
	for i, j := range c.Jobs {
		path := fmt.Sprintf("jobs[%d]", i)
		name := strings.TrimSpace(j.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("%s.name: required", path))
		} else {
			if _, dup := seen[name]; dup {
				errs = append(errs, fmt.Errorf("%s.name: duplicate job %q", path, name))
			}
			seen[name] = struct{}{}
		}
		if _, err := j.Resolve(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
	}
	return errors.Join(errs...)
}
