// Package unitctl starts, restarts, stops and inspects systemd units over
// D-Bus. It is used by "unit" jobs; other platforms get ErrUnsupported.
package unitctl

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrUnsupported = errors.New("unitctl: unsupported OS (linux only)")

type Action string

const (
	ActionStart   Action = "start"
	ActionRestart Action = "restart"
	ActionStop    Action = "stop"
	// ActionCheck fails when the unit is not active.
	ActionCheck Action = "check"
)

func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionStart, ActionRestart, ActionStop, ActionCheck:
		return a, nil
	case "":
		return ActionCheck, nil
	default:
		return "", fmt.Errorf("invalid unit action %q: must be start, restart, stop or check", s)
	}
}

// Status is the core state of one unit.
type Status struct {
	Unit        string
	Active      string // active, inactive, failed, ...
	SubState    string // running, dead, ...
	LoadState   string // loaded, not-found, ...
	Description string
	StateChange time.Time
}

func (s Status) Healthy() bool { return s.Active == "active" }

func (s Status) String() string {
	if s.LoadState == "not-found" {
		return s.Unit + ": not found"
	}
	return fmt.Sprintf("%s: %s/%s", s.Unit, s.Active, s.SubState)
}

// UnhealthyError is returned by a check on a unit that is not active.
type UnhealthyError struct{ Status Status }

func (e *UnhealthyError) Error() string { return "unit unhealthy: " + e.Status.String() }

// JobError reports a systemd job that finished with a result other than "done".
type JobError struct {
	Unit   string
	Action Action
	Result string // canceled, timeout, failed, dependency, skipped
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s %s: job %s", e.Action, e.Unit, e.Result)
}

// NormalizeUnit appends ".service" to names without a unit suffix.
func NormalizeUnit(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	if i := strings.LastIndexByte(name, '.'); i > 0 && i < len(name)-1 {
		switch name[i+1:] {
		case "service", "socket", "timer", "target", "mount", "path", "slice", "scope", "device", "swap", "automount":
			return name
		}
	}
	return name + ".service"
}

func parseTimestamp(props map[string]any, key string) time.Time {
	if ts, ok := props[key].(uint64); ok && ts > 0 {
		// systemd timestamps are microseconds since the Unix epoch.
		return time.UnixMicro(int64(ts))
	}
	return time.Time{}
}

func stringProp(props map[string]any, key string) string {
	v, _ := props[key].(string)
	return v
}

func isNoSuchUnitErr(err error) bool {
	if err == nil {
		return false
	}
	es := err.Error()
	return strings.Contains(es, "NoSuchUnit") || strings.Contains(es, "not-found")
}
