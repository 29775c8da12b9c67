package app

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"pulse/internal/clock"
	"pulse/internal/config"
	"pulse/internal/eventbus"
	"pulse/internal/journal"
	"pulse/internal/observability/debughttp"
	"pulse/internal/recurring"
	"pulse/internal/runtime/supervisor"
	logx "pulse/pkg/logx"
	"pulse/pkg/unitctl"
)

const (
	reloadStopTimeout     = 10 * time.Second
	defaultStatusInterval = time.Minute
)

// Options are command-line overrides applied on top of the config file.
type Options struct {
	// LogLevel replaces logging.level, including after hot reloads.
	LogLevel string
	// StatusInterval controls the periodic per-job debug summary.
	// Zero uses the default; negative disables it.
	StatusInterval time.Duration
}

// App owns one recurring.Scheduler per enabled job and keeps that set in
// sync with the config file.
type App struct {
	opts Options

	cfgm  *config.Manager
	logs  *logx.Service
	log   logx.Logger
	bus   eventbus.Bus
	store journal.Store
	clock clock.Clock
	debug *debughttp.Service
	units *unitctl.Controller

	sup *supervisor.Supervisor

	newAction func(j config.Job, log logx.Logger) recurring.Action
	notify    func(state string)

	// applyMu serializes apply; mu guards the fields below it.
	applyMu  sync.Mutex
	mu       sync.Mutex
	jobs     map[string]*recurring.Scheduler
	draining map[*recurring.Completion]string
	stopping bool
	applied  *config.Config
}

func New(cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg, opts.LogLevel))
	log = log.With(logx.String("comp", "app"))

	if _, err := mapDebugConfig(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	store, err := OpenJournal(cfg, log.With(logx.String("comp", "journal")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	if store != nil {
		log.Info("journal enabled", logx.String("driver", cfg.Journal.Driver), logx.String("path", cfg.Journal.Path))
	}

	a := &App{
		opts:  opts,
		cfgm:  cfgm,
		logs:  logSvc,
		log:   log,
		bus:   eventbus.New(),
		store: store,
		clock: clock.Real(),
		units: unitctl.New(),
		jobs:  map[string]*recurring.Scheduler{},

		draining: map[*recurring.Completion]string{},
	}
	a.notify = a.sdNotify
	a.newAction = a.jobAction
	a.debug = debughttp.New(debughttp.Config{}, func() any { return a.Snapshot() }, log.With(logx.String("comp", "debug")))
	return a, nil
}

// Store returns the tick journal, or nil when it is disabled.
func (a *App) Store() journal.Store { return a.store }

// Done is closed when the app supervisor is cancelled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	// Shutdown is driven by Stop, not by ctx, so the journal can flush
	// the final tick results after the caller's context is cancelled.
	a.sup = supervisor.New(context.WithoutCancel(ctx), supervisor.WithLogger(a.log))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, _, err := mapJournalConfig(cfg); err != nil {
			return err
		}
		_, err := mapDebugConfig(cfg)
		return err
	})

	if a.store != nil {
		rec := journal.NewRecorder(a.store, a.bus, a.log)
		a.sup.Go("journal.recorder", rec.Run)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.String("source", e.Source))
			}
		}
	})

	a.apply(a.cfgm.Get())
	a.applyDebug(a.cfgm.Get())

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		return a.reloadLoop(c, sub)
	})
	a.sup.GoRestart("config.watch", 0, 0, a.cfgm.Watch)

	if iv := a.statusInterval(); iv > 0 {
		a.sup.Go("status", func(c context.Context) error {
			a.statusLoop(c, iv)
			return nil
		})
	}

	a.notify(daemon.SdNotifyReady)
	a.log.Info("app started", logx.Int("jobs", len(a.Snapshot())))
	return nil
}

// Reload re-reads the config file now, as a file change would. It reports
// whether a changed, valid config was published to the reload loop.
func (a *App) Reload(ctx context.Context) bool { return a.cfgm.Reload(ctx) }

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) error {
	defer a.cfgm.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg, ok := <-sub:
			if !ok {
				return nil
			}
			// Coalesce bursts: keep only the latest config.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					break drain
				}
			}
			a.notify(daemon.SdNotifyReloading)
			if slices.Contains(a.apply(cfg), "debug") {
				a.applyDebug(cfg)
			}
			a.notify(daemon.SdNotifyReady)
		}
	}
}

// apply moves the running job set from the last applied config to cfg and
// returns the changed sections. Removed and changed jobs are stopped and
// awaited before replacements start, so a job name never has two live
// schedulers. The wait happens without holding mu. Once Stop has begun,
// apply starts nothing.
func (a *App) apply(cfg *config.Config) []string {
	if cfg == nil {
		return nil
	}
	a.applyMu.Lock()
	defer a.applyMu.Unlock()

	a.mu.Lock()
	if a.stopping {
		a.mu.Unlock()
		a.log.Debug("config not applied: stopping")
		return nil
	}
	initial := a.applied == nil
	sections, fields, diff := config.SummarizeChange(a.applied, cfg)
	if len(sections) == 0 {
		a.applied = cfg
		a.mu.Unlock()
		a.log.Debug("config applied (no changes)")
		return nil
	}

	for _, s := range sections {
		switch {
		case initial:
		case s == "logging":
			a.logs.Apply(mapLogConfig(cfg, a.opts.LogLevel))
		case s == "journal":
			a.log.Warn("journal config changed; restart required for changes to take effect")
		}
	}

	pending := a.stopAllLocked(append(append([]string(nil), diff.Removed...), diff.Changed...))
	a.mu.Unlock()

	a.awaitReplaced(pending)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopping {
		a.log.Info("stopping; new and changed jobs not started")
		return sections
	}

	byName := make(map[string]config.JobConfig, len(cfg.Jobs))
	for _, jc := range cfg.Jobs {
		byName[strings.TrimSpace(jc.Name)] = jc
	}
	for _, name := range append(append([]string(nil), diff.Added...), diff.Changed...) {
		jc := byName[name]
		if jc.Disabled {
			a.log.Info("job disabled", logx.String("job", name))
			continue
		}
		if err := a.startJobLocked(jc); err != nil {
			a.log.Warn("job not started", logx.String("job", name), logx.Err(err))
		}
	}
	a.applied = cfg

	a.log.Info("config applied", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)...)
	return sections
}

func (a *App) jobAction(j config.Job, log logx.Logger) recurring.Action {
	if j.Unit != "" {
		return unitAction(j, a.units, log)
	}
	return commandAction(j, log)
}

func (a *App) applyDebug(cfg *config.Config) {
	dc, err := mapDebugConfig(cfg)
	if err != nil {
		a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
		return
	}
	a.debug.Reconfigure(a.sup.Context(), dc)
}

func (a *App) startJobLocked(jc config.JobConfig) error {
	j, err := jc.Resolve()
	if err != nil {
		return err
	}
	jobLog := a.log.With(logx.String("comp", "job"))
	s, err := recurring.New(a.newAction(j, jobLog.With(logx.String("job", j.Name))), j.DueTime, j.Period,
		recurring.WithName(j.Name),
		recurring.WithLogger(jobLog),
		recurring.WithClock(a.clock),
		recurring.WithEventBus(a.bus),
		recurring.WithOverlapPolicy(j.Overlap),
		recurring.WithMaxInFlight(j.MaxInFlight),
	)
	if err != nil {
		return err
	}
	a.jobs[j.Name] = s
	s.Start()
	a.log.Info("job started",
		logx.String("job", j.Name),
		logx.String("due", recurring.FormatDuration(j.DueTime)),
		logx.String("period", recurring.FormatDuration(j.Period)),
		logx.String("overlap", j.Overlap.String()),
	)
	return nil
}

// awaitReplaced waits (bounded) for jobs stopped by a reload to drain.
func (a *App) awaitReplaced(pending map[*recurring.Completion]string) {
	if len(pending) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), reloadStopTimeout)
	defer cancel()
	if err := awaitAll(ctx, pending); err != nil {
		a.log.Warn("jobs still draining after reload timeout", logx.String("jobs", strings.Join(err.jobs, ",")))
	}
}

// stopAllLocked stops the named jobs and tracks their completions in
// a.draining until they resolve, so Stop can await them too.
func (a *App) stopAllLocked(names []string) map[*recurring.Completion]string {
	for c := range a.draining {
		select {
		case <-c.Done():
			delete(a.draining, c)
		default:
		}
	}
	pending := make(map[*recurring.Completion]string, len(names))
	for _, name := range names {
		s, ok := a.jobs[name]
		if !ok {
			continue
		}
		delete(a.jobs, name)
		c := s.Stop()
		pending[c] = name
		a.draining[c] = name
		a.log.Info("job stopping", logx.String("job", name))
	}
	return pending
}

type drainError struct {
	err  error
	jobs []string
}

func (e *drainError) Error() string {
	return fmt.Sprintf("%v: jobs still running: %s", e.err, strings.Join(e.jobs, ","))
}

func (e *drainError) Unwrap() error { return e.err }

// awaitAll waits for every completion. On ctx expiry it names the jobs that
// had not drained.
func awaitAll(ctx context.Context, pending map[*recurring.Completion]string) *drainError {
	for c := range pending {
		if err := c.Wait(ctx); err != nil {
			var left []string
			for c, name := range pending {
				select {
				case <-c.Done():
				default:
					left = append(left, name)
				}
			}
			sort.Strings(left)
			return &drainError{err: err, jobs: left}
		}
	}
	return nil
}

// Stop stops every job, including jobs a concurrent reload is replacing,
// and waits for in-flight commands to exit. Reloads arriving after Stop
// begins start nothing. It then shuts down background loops and closes the
// journal and logs. If ctx expires first the remaining work is abandoned
// and ctx's error returned.
func (a *App) Stop(ctx context.Context) error {
	a.notify(daemon.SdNotifyStopping)
	a.log.Info("stopping")

	a.mu.Lock()
	a.stopping = true
	names := make([]string, 0, len(a.jobs))
	for name := range a.jobs {
		names = append(names, name)
	}
	a.stopAllLocked(names)
	pending := maps.Clone(a.draining)
	a.mu.Unlock()

	var errs []error
	if err := awaitAll(ctx, pending); err != nil {
		a.log.Warn("stop deadline reached", logx.String("jobs", strings.Join(err.jobs, ",")))
		errs = append(errs, err)
	}

	a.debug.Stop(ctx)
	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}
	_ = a.units.Close()
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("journal close: %w", err))
		}
	}
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// Snapshot returns every running job's diagnostics, sorted by name.
func (a *App) Snapshot() []recurring.Snapshot {
	a.mu.Lock()
	out := make([]recurring.Snapshot, 0, len(a.jobs))
	for _, s := range a.jobs {
		out = append(out, s.Snapshot())
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (a *App) statusInterval() time.Duration {
	switch {
	case a.opts.StatusInterval < 0:
		return 0
	case a.opts.StatusInterval == 0:
		return defaultStatusInterval
	default:
		return a.opts.StatusInterval
	}
}

func (a *App) statusLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if !a.log.Enabled(logx.LevelDebug) {
			continue
		}
		for _, s := range a.Snapshot() {
			a.log.Debug("job status",
				logx.String("job", s.Name),
				logx.String("state", s.State.String()),
				logx.Uint64("ticks", s.Ticks),
				logx.Int64("in_flight", s.InFlight),
				logx.Uint64("failures", s.Failures),
				logx.String("last_error", s.LastError),
			)
		}
	}
}

// sdNotify reports state to systemd. Outside a unit it is a no-op.
func (a *App) sdNotify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		a.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		a.log.Debug("sd_notify", logx.String("state", state))
	}
}
