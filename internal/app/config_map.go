package app

import (
	"fmt"
	"strings"
	"time"

	"pulse/internal/config"
	"pulse/internal/journal"
	"pulse/internal/observability/debughttp"
	logx "pulse/pkg/logx"
)

func mapJournalConfig(cfg *config.Config) (journal.Config, bool, error) {
	if cfg == nil || cfg.Journal == nil {
		return journal.Config{}, false, nil
	}
	jc := cfg.Journal
	driver := strings.ToLower(strings.TrimSpace(jc.Driver))
	if driver == "" || driver == "none" {
		return journal.Config{}, false, nil
	}
	path := strings.TrimSpace(jc.Path)

	switch driver {
	case "file":
		if path == "" {
			return journal.Config{}, false, fmt.Errorf("journal.path is required when journal.driver=file")
		}
		return journal.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return journal.Config{}, false, fmt.Errorf("journal.path is required when journal.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("journal.busy_timeout", jc.BusyTimeout, time.Second)
		if err != nil {
			return journal.Config{}, false, err
		}
		return journal.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return journal.Config{}, false, fmt.Errorf("unknown journal.driver: %s", jc.Driver)
	}
}

func mapLogConfig(cfg *config.Config, levelOverride string) logx.Config {
	l := cfg.Logging
	out := logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    l.Alert.Enabled,
			MinLevel:   l.Alert.MinLevel,
			RatePerSec: l.Alert.RatePerSec,
		},
	}
	if strings.TrimSpace(levelOverride) != "" {
		out.Level = levelOverride
	}
	return out
}

// OpenJournal opens the journal configured in cfg. It returns (nil, nil)
// when the journal is disabled.
func OpenJournal(cfg *config.Config, log logx.Logger) (journal.Store, error) {
	jc, enabled, err := mapJournalConfig(cfg)
	if err != nil || !enabled {
		return nil, err
	}
	return journal.Open(jc, log)
}

func mapDebugConfig(cfg *config.Config) (debughttp.Config, error) {
	if cfg == nil || cfg.Debug == nil {
		return debughttp.Config{}, nil
	}
	d := cfg.Debug
	rt, err := config.ParseDurationOrDefault("debug.read_timeout", d.ReadTimeout, 10*time.Second)
	if err != nil {
		return debughttp.Config{}, err
	}
	// pprof /profile and /trace stream for their whole duration.
	wt, err := config.ParseDurationOrDefault("debug.write_timeout", d.WriteTimeout, 60*time.Second)
	if err != nil {
		return debughttp.Config{}, err
	}
	return debughttp.Config{
		Enabled:       d.Enabled,
		Addr:          strings.TrimSpace(d.Addr),
		Prefix:        d.Prefix,
		Token:         strings.TrimSpace(d.Token),
		AllowInsecure: d.AllowInsecure,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
	}, nil
}
