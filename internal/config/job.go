package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"pulse/internal/recurring"
	"pulse/pkg/unitctl"
)

// Job is a validated JobConfig with parsed durations.
type Job struct {
	Name        string
	DueTime     time.Duration
	Period      time.Duration
	Overlap     recurring.OverlapPolicy
	MaxInFlight int
	Timeout     time.Duration
	Command     []string
	Shell       string
	Dir         string
	Env         map[string]string

	Unit       string
	UnitAction unitctl.Action
}

// Resolve parses and validates the job. DueTime defaults to 0.
func (j JobConfig) Resolve() (Job, error) {
	out := Job{
		Name:        strings.TrimSpace(j.Name),
		MaxInFlight: j.MaxInFlight,
		Command:     j.Command,
		Shell:       strings.TrimSpace(j.Shell),
		Dir:         strings.TrimSpace(j.Dir),
		Env:         j.Env,
	}

	var err error
	if out.DueTime, err = ParseScheduleDuration("due_time", j.DueTime); err != nil {
		return Job{}, err
	}
	if strings.TrimSpace(j.Period) == "" {
		return Job{}, errors.New("period: required (use \"infinite\" to run once)")
	}
	if out.Period, err = ParseScheduleDuration("period", j.Period); err != nil {
		return Job{}, err
	}
	if out.Timeout, err = ParseDurationField("timeout", j.Timeout); err != nil {
		return Job{}, err
	}
	if out.Overlap, err = recurring.ParseOverlap(j.Overlap); err != nil {
		return Job{}, fmt.Errorf("overlap: %w", err)
	}
	if j.MaxInFlight < 0 {
		return Job{}, errors.New("max_in_flight: must be >= 0")
	}

	kinds := 0
	if len(j.Command) > 0 && strings.TrimSpace(j.Command[0]) != "" {
		kinds++
	}
	if out.Shell != "" {
		kinds++
	}
	if j.Unit != nil {
		kinds++
		out.Unit = unitctl.NormalizeUnit(j.Unit.Name)
		if out.Unit == "" {
			return Job{}, errors.New("unit.name: required")
		}
		if out.UnitAction, err = unitctl.ParseAction(j.Unit.Action); err != nil {
			return Job{}, fmt.Errorf("unit.action: %w", err)
		}
	}
	switch {
	case kinds > 1:
		return Job{}, errors.New("command, shell and unit are mutually exclusive")
	case kinds == 0:
		return Job{}, errors.New("one of command, shell or unit is required")
	}
	return out, nil
}
