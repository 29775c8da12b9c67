package unitctl

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNormalizeUnit(t *testing.T) {
	for in, want := range map[string]string{
		"nginx":         "nginx.service",
		"nginx.service": "nginx.service",
		"backup.timer":  "backup.timer",
		"app@1":         "app@1.service",
		"my.app":        "my.app.service",
		" ":             "",
	} {
		if got := NormalizeUnit(in); got != want {
			t.Fatalf("NormalizeUnit(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseAction(t *testing.T) {
	if a, err := ParseAction(""); err != nil || a != ActionCheck {
		t.Fatalf("default = %q, %v", a, err)
	}
	if a, err := ParseAction(" Restart "); err != nil || a != ActionRestart {
		t.Fatalf("restart = %q, %v", a, err)
	}
	if _, err := ParseAction("reload"); err == nil {
		t.Fatal("expected error")
	}
}

func TestStatusAndErrors(t *testing.T) {
	st := Status{Unit: "db.service", Active: "failed", SubState: "failed", LoadState: "loaded"}
	if st.Healthy() {
		t.Fatal("failed unit reported healthy")
	}
	var err error = &UnhealthyError{Status: st}
	if !strings.Contains(err.Error(), "db.service: failed/failed") {
		t.Fatalf("err = %v", err)
	}
	var ue *UnhealthyError
	if !errors.As(err, &ue) || ue.Status.Unit != "db.service" {
		t.Fatal("errors.As failed")
	}

	missing := Status{Unit: "x.service", LoadState: "not-found"}
	if missing.String() != "x.service: not found" {
		t.Fatalf("missing = %q", missing.String())
	}

	je := &JobError{Unit: "x.service", Action: ActionStart, Result: "failed"}
	if je.Error() != "start x.service: job failed" {
		t.Fatalf("job err = %q", je.Error())
	}
}

func TestPropsHelpers(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	props := map[string]any{
		"StateChangeTimestamp": uint64(ts.UnixMicro()),
		"ActiveState":          "active",
		"Bogus":                42,
	}
	if got := parseTimestamp(props, "StateChangeTimestamp"); !got.Equal(ts) {
		t.Fatalf("timestamp = %v", got)
	}
	if !parseTimestamp(props, "Missing").IsZero() {
		t.Fatal("missing timestamp not zero")
	}
	if stringProp(props, "ActiveState") != "active" || stringProp(props, "Bogus") != "" {
		t.Fatal("stringProp mismatch")
	}
	if !isNoSuchUnitErr(errors.New("org.freedesktop.systemd1.NoSuchUnit: Unit x not loaded")) || isNoSuchUnitErr(nil) {
		t.Fatal("isNoSuchUnitErr mismatch")
	}
}
