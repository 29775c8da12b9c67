package main

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

type fakeRunner struct {
	done    chan struct{}
	reloads atomic.Int32
	stops   atomic.Int32
}

func newFakeRunner() *fakeRunner { return &fakeRunner{done: make(chan struct{})} }

func (f *fakeRunner) Done() <-chan struct{} { return f.done }

func (f *fakeRunner) Reload(context.Context) bool {
	f.reloads.Add(1)
	return true
}

func (f *fakeRunner) Stop(context.Context) error {
	if f.stops.Add(1) == 1 {
		select {
		case <-f.done:
		default:
			close(f.done)
		}
	}
	return nil
}

func serveAsync(ctx context.Context, r runner, hup <-chan os.Signal) <-chan error {
	out := make(chan error, 1)
	go func() { out <- serve(ctx, r, hup) }()
	return out
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return")
		return nil
	}
}

func TestServeReloadsOnHupAndStopsOnCancel(t *testing.T) {
	r := newFakeRunner()
	hup := make(chan os.Signal, 1)
	ctx, cancel := context.WithCancel(context.Background())
	res := serveAsync(ctx, r, hup)

	hup <- syscall.SIGHUP
	hup <- syscall.SIGHUP
	deadline := time.Now().Add(2 * time.Second)
	for r.reloads.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("reloads = %d, want 2", r.reloads.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if r.stops.Load() != 0 {
		t.Fatal("stopped before cancel")
	}

	cancel()
	if err := waitErr(t, res); err != nil {
		t.Fatalf("serve: %v", err)
	}
	if r.stops.Load() != 1 {
		t.Fatalf("stops = %d, want 1", r.stops.Load())
	}
}

func TestServeStopsWhenAppExits(t *testing.T) {
	r := newFakeRunner()
	res := serveAsync(context.Background(), r, make(chan os.Signal))

	close(r.done)
	if err := waitErr(t, res); !errors.Is(err, errAppExited) {
		t.Fatalf("err = %v, want %v", err, errAppExited)
	}
	if r.stops.Load() != 1 {
		t.Fatalf("stops = %d, want 1", r.stops.Load())
	}
}
