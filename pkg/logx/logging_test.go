package logx

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger not reported as zero")
	}
	l.Info("dropped", String("k", "v"))
	l.With(Int("n", 1)).Error("dropped")
}

func TestNewWriterEmitsFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("scheduler", "heartbeat"))
	l.Warn("tick failed", Uint64("tick", 7), Err(errors.New("boom")), Err(nil))

	out := buf.String()
	for _, want := range []string{`"scheduler":"heartbeat"`, `"tick":7`, `"err":"boom"`, `"message":"tick failed"`, `"level":"warn"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %s missing %s", out, want)
		}
	}
	if l.Enabled(LevelTrace) {
		t.Fatal("trace enabled at debug level")
	}
}

func TestServiceFileAndAlertSinks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pulse.log")
	svc, log := New(Config{
		Level: "info",
		File:  FileConfig{Enabled: true, Path: path},
		Alert: AlertConfig{Enabled: true, MinLevel: "warn", RatePerSec: 1},
	})
	defer svc.Close()

	var alerts bytes.Buffer
	svc.SetAlertWriter(&alerts)

	log.Debug("hidden")
	log.Info("routine")
	log.Warn("first", String("job", "a"))
	log.Warn("second") // rate limited

	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	file := string(b)
	if strings.Contains(file, "hidden") || !strings.Contains(file, "routine") || !strings.Contains(file, "second") {
		t.Fatalf("file sink = %s", file)
	}

	a := alerts.String()
	if !strings.HasPrefix(a, "[WARN] first") || !strings.Contains(a, "job=a") {
		t.Fatalf("alert sink = %q", a)
	}
	if strings.Contains(a, "routine") || strings.Contains(a, "second") {
		t.Fatalf("alert sink leaked lines: %q", a)
	}
}

func TestApplySwapsLevelForDerivedLoggers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pulse.log")
	svc, log := New(Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()

	child := log.With(String("c", "1"))
	child.Info("before")
	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	child.Info("after")
	_ = svc.Close()

	b, _ := os.ReadFile(path)
	if strings.Contains(string(b), "before") || !strings.Contains(string(b), "after") {
		t.Fatalf("file = %s", b)
	}
}

func TestFormatAlertJSONFallsBackOnGarbage(t *testing.T) {
	if got := formatAlertJSON([]byte("not json\n")); got != "not json" {
		t.Fatalf("got %q", got)
	}
}
