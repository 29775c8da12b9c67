package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"pulse/internal/app"
	"pulse/internal/config"
	logx "pulse/pkg/logx"
)

const shutdownTimeout = 30 * time.Second

var errAppExited = errors.New("app exited unexpectedly")

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		cfgPath  string
		logLevel string
		check    bool
		history  string
		limit    int
	)
	flagSet := pflag.NewFlagSet("pulse", pflag.ContinueOnError)
	flagSet.StringVarP(&cfgPath, "config", "c", "./pulse.yaml", "path to config (json or yaml)")
	flagSet.StringVar(&logLevel, "log-level", "", "override logging.level (trace, debug, info, warn, error)")
	flagSet.BoolVar(&check, "check", false, "validate the config and exit")
	flagSet.StringVar(&history, "history", "", "print recent journal entries for a job (\"all\" for every job) and exit")
	flagSet.IntVarP(&limit, "limit", "n", 20, "entries shown by --history")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	switch {
	case check:
		return checkConfig(cfgPath)
	case history != "":
		return printHistory(cfgPath, history, limit)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath, app.Options{LogLevel: logLevel})
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background())
		return err
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	return serve(ctx, a, hup)
}

// runner is the part of *app.App that serve drives.
type runner interface {
	Done() <-chan struct{}
	Reload(ctx context.Context) bool
	Stop(ctx context.Context) error
}

// serve runs until ctx is cancelled or the app exits on its own, reloading
// the config on every hup. Either way the app is stopped before it returns.
func serve(ctx context.Context, a runner, hup <-chan os.Signal) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-a.Done():
			if gctx.Err() != nil {
				return nil
			}
			return errAppExited
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				a.Reload(gctx)
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stopCancel()
		return a.Stop(stopCtx)
	})
	return g.Wait()
}

func checkConfig(path string) error {
	cfg, err := config.NewManager(path).Load()
	if err != nil {
		return err
	}
	enabled := 0
	for _, j := range cfg.Jobs {
		if !j.Disabled {
			enabled++
		}
	}
	fmt.Printf("%s: ok (%d jobs, %d enabled)\n", path, len(cfg.Jobs), enabled)
	return nil
}

func printHistory(path, job string, limit int) error {
	cfg, err := config.NewManager(path).Load()
	if err != nil {
		return err
	}
	store, err := app.OpenJournal(cfg, logx.Nop())
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("journal is disabled in config")
	}
	defer store.Close()

	if job == "all" {
		job = ""
	}
	entries, err := store.Recent(context.Background(), job, limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "AT\tJOB\tTICK\tOUTCOME\tDURATION\tERROR")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			e.At.Local().Format(time.DateTime), e.Job, e.Tick, e.Outcome,
			time.Duration(e.DurationMS)*time.Millisecond, e.Error)
	}
	return w.Flush()
}
