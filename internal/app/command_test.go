package app

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"pulse/internal/config"
	logx "pulse/pkg/logx"
	"pulse/pkg/unitctl"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}

func TestCommandActionOutcomes(t *testing.T) {
	requireShell(t)
	t.Parallel()

	ok := commandAction(config.Job{Name: "ok", Shell: "exit 0"}, logx.Nop())
	if err := ok(context.Background()); err != nil {
		t.Fatalf("ok: %v", err)
	}

	fail := commandAction(config.Job{Name: "fail", Shell: "echo broken >&2; exit 3"}, logx.Nop())
	err := fail(context.Background())
	if err == nil || !strings.Contains(err.Error(), "exit status 3") || !strings.Contains(err.Error(), "broken") {
		t.Fatalf("fail: %v", err)
	}

	env := commandAction(config.Job{Name: "env", Shell: `test "$PULSE_X" = yes`, Env: map[string]string{"PULSE_X": "yes"}}, logx.Nop())
	if err := env(context.Background()); err != nil {
		t.Fatalf("env: %v", err)
	}
}

func TestCommandActionTimeoutAndCancel(t *testing.T) {
	requireShell(t)
	t.Parallel()

	slow := config.Job{Name: "slow", Shell: "sleep 5", Timeout: 50 * time.Millisecond}
	start := time.Now()
	err := commandAction(slow, logx.Nop())(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("timeout err = %v", err)
	}
	if time.Since(start) > 4*time.Second {
		t.Fatal("timeout did not kill the process")
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	err = commandAction(config.Job{Name: "slow", Shell: "sleep 5"}, logx.Nop())(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("cancel err = %v", err)
	}
}

func TestMergeEnvOverrides(t *testing.T) {
	got := mergeEnv([]string{"A=1", "B=2"}, map[string]string{"B": "3", "C": "4"})
	if strings.Join(got, " ") != "A=1 B=3 C=4" {
		t.Fatalf("env = %v", got)
	}
}

func TestTailBufferKeepsEnd(t *testing.T) {
	b := &tailBuffer{max: 4}
	_, _ = b.Write([]byte("abc"))
	_, _ = b.Write([]byte("defg"))
	if b.String() != "defg" {
		t.Fatalf("tail = %q", b.String())
	}
}

type fakeUnits struct {
	unit   string
	action unitctl.Action
	err    error
	block  bool
}

func (f *fakeUnits) Run(ctx context.Context, unit string, action unitctl.Action) error {
	f.unit, f.action = unit, action
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.err
}

func TestUnitAction(t *testing.T) {
	t.Parallel()
	j := config.Job{Name: "db", Unit: "postgresql.service", UnitAction: unitctl.ActionCheck}

	fu := &fakeUnits{}
	if err := unitAction(j, fu, logx.Nop())(context.Background()); err != nil {
		t.Fatal(err)
	}
	if fu.unit != "postgresql.service" || fu.action != unitctl.ActionCheck {
		t.Fatalf("called with %q %q", fu.unit, fu.action)
	}

	unhealthy := &unitctl.UnhealthyError{Status: unitctl.Status{Unit: "postgresql.service", Active: "failed"}}
	err := unitAction(j, &fakeUnits{err: unhealthy}, logx.Nop())(context.Background())
	var ue *unitctl.UnhealthyError
	if !errors.As(err, &ue) {
		t.Fatalf("err = %v", err)
	}

	j.Timeout = 20 * time.Millisecond
	err = unitAction(j, &fakeUnits{block: true}, logx.Nop())(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("timeout err = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	j.Timeout = 0
	err = unitAction(j, &fakeUnits{block: true}, logx.Nop())(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("cancel err = %v", err)
	}
}
