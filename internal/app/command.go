package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"pulse/internal/config"
	"pulse/internal/recurring"
	logx "pulse/pkg/logx"
	"pulse/pkg/unitctl"
)

const (
	outputTailBytes = 2048
	killWaitDelay   = 2 * time.Second
)

// commandAction runs the job's command once per tick. The scheduler's
// context kills the process on Stop; Timeout bounds each run.
func commandAction(j config.Job, log logx.Logger) recurring.Action {
	return func(ctx context.Context) error {
		runCtx := ctx
		if j.Timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, j.Timeout)
			defer cancel()
		}

		var cmd *exec.Cmd
		if j.Shell != "" {
			cmd = exec.CommandContext(runCtx, "/bin/sh", "-c", j.Shell)
		} else {
			cmd = exec.CommandContext(runCtx, j.Command[0], j.Command[1:]...)
		}
		cmd.Dir = j.Dir
		cmd.Env = mergeEnv(os.Environ(), j.Env)
		cmd.WaitDelay = killWaitDelay

		out := &tailBuffer{max: outputTailBytes}
		cmd.Stdout = out
		cmd.Stderr = out

		start := time.Now()
		err := cmd.Run()
		took := time.Since(start)

		switch {
		case err == nil:
			log.Trace("command ok", logx.Duration("took", took), logx.String("output", out.String()))
			return nil
		case ctx.Err() != nil:
			return fmt.Errorf("%w: %v", ctx.Err(), err)
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			return fmt.Errorf("timed out after %s: %w", j.Timeout, context.DeadlineExceeded)
		}
		if tail := strings.TrimSpace(out.String()); tail != "" {
			return fmt.Errorf("%w: %s", err, tail)
		}
		return err
	}
}

type unitRunner interface {
	Run(ctx context.Context, unit string, action unitctl.Action) error
}

// unitAction performs the job's systemd unit operation once per tick.
func unitAction(j config.Job, units unitRunner, log logx.Logger) recurring.Action {
	return func(ctx context.Context) error {
		runCtx := ctx
		if j.Timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, j.Timeout)
			defer cancel()
		}
		err := units.Run(runCtx, j.Unit, j.UnitAction)
		switch {
		case err == nil:
			log.Trace("unit ok", logx.String("unit", j.Unit), logx.String("action", string(j.UnitAction)))
			return nil
		case ctx.Err() != nil:
			return fmt.Errorf("%w: %v", ctx.Err(), err)
		}
		return err
	}
}

// mergeEnv overlays extra onto base ("K=V" pairs). Later keys win.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, ok := extra[k]; ok {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
