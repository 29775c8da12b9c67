package config

import (
	"sort"
	"strings"

	logx "pulse/pkg/logx"
)

// JobDiff lists job names by how they changed between two configs.
type JobDiff struct {
	Added   []string
	Removed []string
	Changed []string
}

func (d JobDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// DiffJobs compares jobs by name. A job whose definition differs in any
// field (including Disabled) is reported as Changed.
func DiffJobs(oldCfg, newCfg *Config) JobDiff {
	oldM := jobsByName(oldCfg)
	newM := jobsByName(newCfg)

	var d JobDiff
	for name, nj := range newM {
		oj, ok := oldM[name]
		switch {
		case !ok:
			d.Added = append(d.Added, name)
		case hashJSON(oj) != hashJSON(nj):
			d.Changed = append(d.Changed, name)
		}
	}
	for name := range oldM {
		if _, ok := newM[name]; !ok {
			d.Removed = append(d.Removed, name)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Changed)
	return d
}

// SummarizeChange returns the changed top-level sections and log fields
// describing them.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, JobDiff) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var changed []string
	var fields []logx.Field

	if hashJSON(oldCfg.Logging) != hashJSON(newCfg.Logging) {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert", newCfg.Logging.Alert.Enabled),
		)
	}
	if hashJSON(oldCfg.Journal) != hashJSON(newCfg.Journal) {
		changed = append(changed, "journal")
		driver := ""
		if newCfg.Journal != nil {
			driver = newCfg.Journal.Driver
		}
		fields = append(fields, logx.String("journal.driver", driver))
	}

	if hashJSON(oldCfg.Debug) != hashJSON(newCfg.Debug) {
		changed = append(changed, "debug")
		enabled := newCfg.Debug != nil && newCfg.Debug.Enabled
		fields = append(fields, logx.Bool("debug.enabled", enabled))
	}

	jd := DiffJobs(oldCfg, newCfg)
	if !jd.Empty() {
		changed = append(changed, "jobs")
		fields = append(fields,
			logx.String("jobs.added", strings.Join(jd.Added, ",")),
			logx.String("jobs.removed", strings.Join(jd.Removed, ",")),
			logx.String("jobs.changed", strings.Join(jd.Changed, ",")),
		)
	}
	sort.Strings(changed)
	return changed, fields, jd
}

func jobsByName(cfg *Config) map[string]JobConfig {
	m := map[string]JobConfig{}
	if cfg == nil {
		return m
	}
	for _, j := range cfg.Jobs {
		m[strings.TrimSpace(j.Name)] = j
	}
	return m
}
