package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pulse/internal/config"
	"pulse/internal/journal"
	"pulse/internal/recurring"
	logx "pulse/pkg/logx"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type counters map[string]*atomic.Int64

func newCounters(names ...string) counters {
	c := counters{}
	for _, n := range names {
		c[n] = &atomic.Int64{}
	}
	return c
}

// fakeActions replaces command execution: jobs whose argv[0] is "fail"
// return an error, everything else succeeds.
func (c counters) fakeActions(j config.Job, _ logx.Logger) recurring.Action {
	n := c[j.Name]
	return func(context.Context) error {
		if n != nil {
			n.Add(1)
		}
		if len(j.Command) > 0 && j.Command[0] == "fail" {
			return errors.New("exit status 1")
		}
		return nil
	}
}

func newTestApp(t *testing.T, body string) (*App, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pulse.json")
	writeConfig(t, path, fmt.Sprintf(body, filepath.Join(dir, "pulse.log"), filepath.Join(dir, "journal")))
	a, err := New(path, Options{StatusInterval: -1})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	a.notify = func(string) {}
	return a, dir
}

func TestAppRunsJobsAndRecordsTicks(t *testing.T) {
	a, dir := newTestApp(t, `{
  "logging": {"level": "debug", "file": {"enabled": true, "path": %q}},
  "journal": {"driver": "file", "path": %q},
  "jobs": [
    {"name": "ok", "period": "10ms", "command": ["ok"]},
    {"name": "bad", "period": "10ms", "command": ["fail"]},
    {"name": "off", "period": "10ms", "command": ["ok"], "disabled": true}
  ]
}`)
	c := newCounters("ok", "bad", "off")
	a.newAction = c.fakeActions

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return c["ok"].Load() >= 3 && c["bad"].Load() >= 3 })

	snaps := a.Snapshot()
	if len(snaps) != 2 || snaps[0].Name != "bad" || snaps[1].Name != "ok" {
		t.Fatalf("snapshots = %+v", snaps)
	}
	if snaps[0].Failures == 0 || snaps[1].Failures != 0 {
		t.Fatalf("failures bad=%d ok=%d", snaps[0].Failures, snaps[1].Failures)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if c["off"].Load() != 0 {
		t.Fatal("disabled job ran")
	}

	okRuns := c["ok"].Load()
	time.Sleep(50 * time.Millisecond)
	if c["ok"].Load() != okRuns {
		t.Fatal("job ran after Stop returned")
	}

	st, err := journal.Open(journal.Config{Driver: "file", Path: filepath.Join(dir, "journal")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	okEntries, _ := st.Recent(context.Background(), "ok", 1000)
	badEntries, _ := st.Recent(context.Background(), "bad", 1000)
	if len(okEntries) < 3 || len(badEntries) < 3 {
		t.Fatalf("journal ok=%d bad=%d", len(okEntries), len(badEntries))
	}
	for _, e := range okEntries {
		if e.Outcome == journal.OutcomeFailed {
			t.Fatalf("ok job recorded failure: %+v", e)
		}
	}
	for _, e := range badEntries {
		if e.Outcome == journal.OutcomeFinished {
			t.Fatalf("failing job recorded success: %+v", e)
		}
	}
}

func TestApplyRestartsOnlyChangedJobs(t *testing.T) {
	a, _ := newTestApp(t, `{
  "logging": {"file": {"enabled": true, "path": %q}},
  "journal": {"driver": "none", "path": %q},
  "jobs": [
    {"name": "keep", "due_time": "1h", "period": "1h", "command": ["ok"]},
    {"name": "change", "due_time": "1h", "period": "1h", "command": ["ok"]},
    {"name": "drop", "due_time": "1h", "period": "1h", "command": ["ok"]}
  ]
}`)
	a.newAction = newCounters().fakeActions
	defer a.Stop(context.Background())

	a.apply(a.cfgm.Get())
	keep, change, drop := a.jobs["keep"], a.jobs["change"], a.jobs["drop"]
	if keep == nil || change == nil || drop == nil {
		t.Fatalf("initial jobs = %v", a.jobs)
	}

	next := *a.cfgm.Get()
	next.Jobs = []config.JobConfig{
		{Name: "keep", DueTime: "1h", Period: "1h", Command: []string{"ok"}},
		{Name: "change", DueTime: "1h", Period: "2h", Command: []string{"ok"}},
		{Name: "add", DueTime: "1h", Period: "1h", Command: []string{"ok"}},
	}
	a.apply(&next)

	if a.jobs["keep"] != keep {
		t.Fatal("unchanged job was restarted")
	}
	if a.jobs["change"] == nil || a.jobs["change"] == change {
		t.Fatal("changed job was not replaced")
	}
	if _, ok := a.jobs["drop"]; ok {
		t.Fatal("removed job still present")
	}
	if a.jobs["add"] == nil {
		t.Fatal("added job missing")
	}
	if change.State() != recurring.StateStopped || drop.State() != recurring.StateStopped {
		t.Fatalf("old schedulers not drained: change=%s drop=%s", change.State(), drop.State())
	}
	if a.jobs["change"].Snapshot().Period != 2*time.Hour {
		t.Fatal("replacement uses old period")
	}

	disabled := next
	disabled.Jobs = append([]config.JobConfig(nil), next.Jobs...)
	disabled.Jobs[0].Disabled = true
	a.apply(&disabled)
	if _, ok := a.jobs["keep"]; ok {
		t.Fatal("disabled job still running")
	}
	if keep.State() != recurring.StateStopped {
		t.Fatal("disabled job not stopped")
	}
}

func TestAppHotReloadAddsJob(t *testing.T) {
	a, dir := newTestApp(t, `{
  "logging": {"file": {"enabled": true, "path": %q}},
  "journal": {"driver": "none", "path": %q},
  "jobs": [{"name": "first", "period": "1h", "command": ["ok"]}]
}`)
	c := newCounters("first", "second")
	a.newAction = c.fakeActions
	a.cfgm.SetDebounce(20 * time.Millisecond)

	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer a.Stop(context.Background())

	body := fmt.Sprintf(`{
  "logging": {"file": {"enabled": true, "path": %q}},
  "jobs": [
    {"name": "first", "period": "1h", "command": ["ok"]},
    {"name": "second", "period": "10ms", "command": ["ok"]}
  ]
}`, filepath.Join(dir, "pulse.log"))

	deadline := time.Now().Add(5 * time.Second)
	for c["second"].Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("reloaded job never ran")
		}
		writeConfig(t, a.cfgm.Path(), body)
		time.Sleep(100 * time.Millisecond)
	}
	if c["first"].Load() != 1 {
		t.Fatalf("first ran %d times, want 1 (not restarted)", c["first"].Load())
	}
}

func TestStopBoundedByContext(t *testing.T) {
	a, _ := newTestApp(t, `{
  "logging": {"file": {"enabled": true, "path": %q}},
  "journal": {"driver": "none", "path": %q},
  "jobs": [{"name": "stuck", "period": "infinite", "command": ["ok"]}]
}`)
	started := make(chan struct{})
	release := make(chan struct{})
	a.newAction = func(config.Job, logx.Logger) recurring.Action {
		return func(context.Context) error {
			close(started)
			<-release // ignores cancellation
			return nil
		}
	}
	defer close(release)

	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := a.Stop(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	var de *drainError
	if !errors.As(err, &de) || len(de.jobs) != 1 || de.jobs[0] != "stuck" {
		t.Fatalf("drain error = %+v", de)
	}
}

func TestMapJournalConfig(t *testing.T) {
	cases := []struct {
		in      *config.JournalConfig
		enabled bool
		wantErr bool
	}{
		{nil, false, false},
		{&config.JournalConfig{Driver: "none"}, false, false},
		{&config.JournalConfig{Driver: "file", Path: "x"}, true, false},
		{&config.JournalConfig{Driver: "file"}, false, true},
		{&config.JournalConfig{Driver: "sqlite", Path: "x.db", BusyTimeout: "bad"}, false, true},
		{&config.JournalConfig{Driver: "mongo", Path: "x"}, false, true},
	}
	for i, tc := range cases {
		_, enabled, err := mapJournalConfig(&config.Config{Journal: tc.in})
		if enabled != tc.enabled || (err != nil) != tc.wantErr {
			t.Fatalf("case %d: enabled=%v err=%v", i, enabled, err)
		}
	}

	jc, _, err := mapJournalConfig(&config.Config{Journal: &config.JournalConfig{Driver: "SQLite3", Path: "x.db"}})
	if err != nil || jc.Driver != "sqlite" || jc.BusyTimeout != time.Second {
		t.Fatalf("sqlite mapping = %+v, %v", jc, err)
	}
}

func TestMapDebugConfig(t *testing.T) {
	dc, err := mapDebugConfig(&config.Config{Debug: &config.DebugConfig{Enabled: true, Token: " t "}})
	if err != nil {
		t.Fatal(err)
	}
	if !dc.Enabled || dc.Token != "t" || dc.ReadTimeout != 10*time.Second || dc.WriteTimeout != time.Minute {
		t.Fatalf("debug = %+v", dc)
	}
	if _, err := mapDebugConfig(&config.Config{Debug: &config.DebugConfig{ReadTimeout: "-1s"}}); err == nil {
		t.Fatal("expected error for negative timeout")
	}
}

// blockingAction returns an action for name that signals started on its
// first run and, once cancelled, holds until release is closed.
func blockingAction(started, release chan struct{}, name string, rest counters) func(config.Job, logx.Logger) recurring.Action {
	return func(j config.Job, log logx.Logger) recurring.Action {
		if j.Name != name {
			return rest.fakeActions(j, log)
		}
		var once sync.Once
		return func(ctx context.Context) error {
			once.Do(func() { close(started) })
			<-ctx.Done()
			<-release
			return ctx.Err()
		}
	}
}

func TestReloadDuringStopStartsNothing(t *testing.T) {
	a, _ := newTestApp(t, `{
  "logging": {"file": {"enabled": true, "path": %q}},
  "journal": {"driver": "none", "path": %q},
  "jobs": [{"name": "slow", "period": "infinite", "command": ["ok"]}]
}`)
	started := make(chan struct{})
	release := make(chan struct{})
	c := newCounters("late")
	a.newAction = blockingAction(started, release, "slow", c)

	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stopped := make(chan error, 1)
	go func() { stopped <- a.Stop(ctx) }()
	waitFor(t, 2*time.Second, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.stopping
	})

	next := *a.cfgm.Get()
	next.Jobs = []config.JobConfig{
		{Name: "slow", Period: "infinite", Command: []string{"ok"}},
		{Name: "late", Period: "10ms", Command: []string{"ok"}},
	}
	a.apply(&next)
	writeConfig(t, a.cfgm.Path(), `{"jobs": [{"name": "late", "period": "10ms", "command": ["ok"]}]}`)

	a.mu.Lock()
	_, registered := a.jobs["late"]
	a.mu.Unlock()
	if registered {
		t.Fatal("job started after Stop began")
	}

	select {
	case err := <-stopped:
		t.Fatalf("Stop returned before slow job drained: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	if err := <-stopped; err != nil {
		t.Fatalf("stop: %v", err)
	}
	if n := len(a.Snapshot()); n != 0 {
		t.Fatalf("%d jobs registered after Stop", n)
	}
	time.Sleep(100 * time.Millisecond)
	if c["late"].Load() != 0 {
		t.Fatal("late job ran")
	}
}

func TestApplyDrainDoesNotBlockSnapshot(t *testing.T) {
	a, _ := newTestApp(t, `{
  "logging": {"file": {"enabled": true, "path": %q}},
  "journal": {"driver": "none", "path": %q},
  "jobs": [
    {"name": "slow", "period": "infinite", "command": ["ok"]},
    {"name": "keep", "due_time": "1h", "period": "1h", "command": ["ok"]}
  ]
}`)
	started := make(chan struct{})
	release := make(chan struct{})
	a.newAction = blockingAction(started, release, "slow", newCounters())

	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-started

	next := *a.cfgm.Get()
	next.Jobs = []config.JobConfig{{Name: "keep", DueTime: "1h", Period: "1h", Command: []string{"ok"}}}
	applied := make(chan struct{})
	go func() {
		a.apply(&next)
		close(applied)
	}()
	waitFor(t, 2*time.Second, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		_, ok := a.jobs["slow"]
		return !ok
	})

	snap := make(chan []recurring.Snapshot, 1)
	go func() { snap <- a.Snapshot() }()
	select {
	case got := <-snap:
		if len(got) != 1 || got[0].Name != "keep" {
			t.Fatalf("snapshots = %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("Snapshot blocked while a replaced job was draining")
	}

	select {
	case <-applied:
		t.Fatal("apply returned before the removed job drained")
	default:
	}
	close(release)
	<-applied

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestReloadAppliesFileWithoutWatcher(t *testing.T) {
	a, _ := newTestApp(t, `{
  "logging": {"file": {"enabled": true, "path": %q}},
  "journal": {"driver": "none", "path": %q},
  "jobs": [{"name": "first", "due_time": "1h", "period": "1h", "command": ["ok"]}]
}`)
	a.newAction = newCounters().fakeActions
	a.cfgm.SetDebounce(time.Hour)
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer a.Stop(context.Background())

	if a.Reload(context.Background()) {
		t.Fatal("unchanged file reported as reloaded")
	}
	writeConfig(t, a.cfgm.Path(), `{"jobs": [
  {"name": "first", "due_time": "1h", "period": "1h", "command": ["ok"]},
  {"name": "second", "due_time": "1h", "period": "1h", "command": ["ok"]}
]}`)
	if !a.Reload(context.Background()) {
		t.Fatal("changed file not reloaded")
	}
	waitFor(t, 2*time.Second, func() bool {
		s := a.Snapshot()
		return len(s) == 2 && s[1].Name == "second"
	})
}
