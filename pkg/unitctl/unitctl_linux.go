//go:build linux

package unitctl

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreos/go-systemd/v22/dbus"
)

// Controller talks to the system manager. The D-Bus connection is opened on
// first use and reopened after it has been closed.
type Controller struct {
	mu   sync.Mutex
	conn *dbus.Conn
}

func New() *Controller { return &Controller{} }

func (c *Controller) connection(ctx context.Context) (*dbus.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && c.conn.Connected() {
		return c.conn, nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}
	c.conn = conn
	return conn, nil
}

func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	return nil
}

// Run performs action on unit. Start, restart and stop wait for the queued
// systemd job to finish or ctx to expire.
func (c *Controller) Run(ctx context.Context, unit string, action Action) error {
	unit = NormalizeUnit(unit)
	if action == ActionCheck {
		st, err := c.Status(ctx, unit)
		if err != nil {
			return err
		}
		if !st.Healthy() {
			return &UnhealthyError{Status: *st}
		}
		return nil
	}

	conn, err := c.connection(ctx)
	if err != nil {
		return err
	}
	done := make(chan string, 1)
	switch action {
	case ActionStart:
		_, err = conn.StartUnitContext(ctx, unit, "replace", done)
	case ActionRestart:
		_, err = conn.RestartUnitContext(ctx, unit, "replace", done)
	case ActionStop:
		_, err = conn.StopUnitContext(ctx, unit, "replace", done)
	default:
		return fmt.Errorf("unsupported unit action %q", action)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", action, unit, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case result := <-done:
		if result != "done" {
			return &JobError{Unit: unit, Action: action, Result: result}
		}
		return nil
	}
}

// Status returns the unit's core state. A missing unit is reported with
// LoadState "not-found" rather than an error.
func (c *Controller) Status(ctx context.Context, unit string) (*Status, error) {
	unit = NormalizeUnit(unit)
	conn, err := c.connection(ctx)
	if err != nil {
		return nil, err
	}

	units, err := conn.ListUnitsByNamesContext(ctx, []string{unit})
	if err == nil && len(units) > 0 {
		u := units[0]
		st := &Status{
			Unit:        unit,
			Active:      u.ActiveState,
			SubState:    u.SubState,
			LoadState:   u.LoadState,
			Description: u.Description,
		}
		if st.LoadState == "not-found" {
			st.Active, st.SubState = "unknown", "not-found"
		}
		return st, nil
	}

	props, err := conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		if isNoSuchUnitErr(err) {
			return &Status{Unit: unit, Active: "unknown", SubState: "not-found", LoadState: "not-found"}, nil
		}
		return nil, fmt.Errorf("status %s: %w", unit, err)
	}
	return &Status{
		Unit:        unit,
		Active:      stringProp(props, "ActiveState"),
		SubState:    stringProp(props, "SubState"),
		LoadState:   stringProp(props, "LoadState"),
		Description: stringProp(props, "Description"),
		StateChange: parseTimestamp(props, "StateChangeTimestamp"),
	}, nil
}
