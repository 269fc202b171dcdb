package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"cordkit/internal/app"
	"cordkit/pkg/systemd"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		cfgPath     string
		stopTimeout time.Duration
	)
	flags := pflag.NewFlagSet("cordkit", pflag.ContinueOnError)
	flags.StringVarP(&cfgPath, "config", "c", "./cordkit.yaml", "path to config (yaml or json)")
	flags.DurationVar(&stopTimeout, "stop-timeout", 15*time.Second, "upper bound for graceful shutdown")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flags.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", flags.Arg(0))
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}
	go func() { _ = systemd.Watchdog(ctx) }()

	ready := a.Ready()
	reason := app.StopUnknown
wait:
	for {
		select {
		case <-ready:
			ready = nil
			_, _ = systemd.Ready()
			_, _ = systemd.Status("all shards ready")
		case sig := <-sigs:
			reason = app.StopSIGTERM
			if sig == syscall.SIGINT {
				reason = app.StopSIGINT
			}
			break wait
		case <-a.Done():
			reason = app.StopFatalError
			break wait
		}
	}

	_, _ = systemd.Stopping()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	stopErr := a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return errors.Join(a.Err(), stopErr)
	}
	return stopErr
}
