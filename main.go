package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"

	"hapanel/internal/config"
	"hapanel/internal/logging"
	"hapanel/internal/runtime"
)

var BuildVersion = "dev"

const (
	shutdownTimeout  = 10 * time.Second
	runErrorExitCode = 1
)

func main() {
	rootCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	opts, err := config.ParseOptions(nil)
	if err != nil {
		var flagErr *flags.Error
		if errors.As(err, &flagErr) && flagErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	lock, lockedByOther, lockErr := acquireInstanceLock()
	if lockErr != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize single-instance lock:", lockErr)
		os.Exit(2)
	}
	if lockedByOther {
		fmt.Fprintln(os.Stderr, "hapanel is already running.")
		os.Exit(1)
	}
	defer func() {
		_ = lock.Release()
	}()

	logger := logging.New(opts.Debug)
	logger.Info("starting hapanel", logging.Field("version", BuildVersion))

	if err := run(rootCtx, opts, logger); err != nil {
		logger.Error("hapanel stopped with error", logging.Field("error", err))
		_ = lock.Release()
		os.Exit(runErrorExitCode)
	}
}

// run supervises the panel service until a signal arrives or the service
// exits on its own. SIGHUP re-reads options and restarts the service.
func run(ctx context.Context, opts config.Options, logger *logging.Logger) error {
	controller := runtime.NewController(ctx)
	hooks, exits := startHooks(logger)
	if err := controller.Start(opts, logger, hooks); err != nil {
		return err
	}

	reload := make(chan os.Signal, 1)
	notifyReload(reload)
	defer signal.Stop(reload)

	for {
		select {
		case <-ctx.Done():
			if !controller.StopAndWait(shutdownTimeout) {
				return fmt.Errorf("shutdown timed out after %s", shutdownTimeout)
			}
			return nil
		case <-reload:
			next, err := config.ParseOptions(nil)
			if err != nil {
				logger.Warn("reload ignored, invalid options", logging.Field("error", err))
				continue
			}
			logger.SetDebugEnabled(next.Debug)
			logger.Info("reloading options")
			nextHooks, nextExits := startHooks(logger)
			if err := controller.Restart(next, logger, nextHooks, shutdownTimeout); err != nil {
				return err
			}
			exits = nextExits
		case err := <-exits:
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
}

// startHooks returns hooks for one service run and the channel its exit is
// reported on.
func startHooks(logger *logging.Logger) (runtime.StartHooks, <-chan error) {
	exit := make(chan error, 1)
	return runtime.StartHooks{
		OnStatus: func(status string) {
			logger.Info("realtime status", logging.Field("status", status))
		},
		OnExit: func(err error) { exit <- err },
	}, exit
}
