package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"

	"backendlink/internal/config"
	"backendlink/internal/logging"
	"backendlink/internal/runtime"
)

var BuildVersion = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	rootCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	opts, err := config.ParseOptions()
	if err != nil {
		var flagErr *flags.Error
		if errors.As(err, &flagErr) && flagErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if saved, loadErr := config.LoadSettings(opts.Profile); loadErr == nil {
		opts = config.MergeOptionsWithSettings(opts, saved)
	} else if !errors.Is(loadErr, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "ignoring saved settings:", loadErr)
	}

	lock, lockedByOther, lockErr := acquireInstanceLock(opts.Profile)
	if lockErr != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize single-instance lock:", lockErr)
		os.Exit(2)
	}
	if lockedByOther {
		fmt.Fprintf(os.Stderr, "backendlink is already running for profile %q.\n", opts.Profile)
		os.Exit(1)
	}

	code := run(rootCtx, opts)
	_ = lock.Release()
	stopSignals()
	os.Exit(code)
}

func run(rootCtx context.Context, opts config.Options) int {
	logger := logging.New(opts.Debug)
	defer func() {
		_ = logger.Close()
	}()
	if opts.LogToFile {
		if err := logger.EnableFilePersistence(0); err != nil {
			logger.Warn("failed to enable file log persistence", logging.Field("error", err))
		}
	}
	logger.Info("starting backendlink", logging.Field("version", BuildVersion), logging.Field("profile", opts.Profile))

	if opts.SaveSettings {
		if err := config.SaveSettings(opts.Profile, config.SettingsFromOptions(opts)); err != nil {
			logger.Warn("failed to save settings", logging.Field("error", err))
		} else {
			logger.Info("saved profile settings", logging.Field("profile", opts.Profile))
		}
	}

	exited := make(chan error, 1)
	controller := runtime.NewController(rootCtx)
	err := controller.Start(opts, logger, runtime.StartHooks{
		OnExit: func(runErr error) { exited <- runErr },
	})
	if err != nil {
		logger.Error("failed to start", logging.Field("error", err))
		return 2
	}

	select {
	case <-rootCtx.Done():
		status := controller.Status()
		logger.Info("shutdown requested",
			logging.Field("realtime", status.Realtime.String()),
			logging.Field("cached_entries", status.Cache.MemoryEntries+status.Cache.DiskEntries),
		)
		if !controller.StopAndWait(shutdownTimeout) {
			logger.Warn("timed out waiting for shutdown", logging.Field("timeout", shutdownTimeout.String()))
			return 1
		}
		return 0
	case runErr := <-exited:
		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			return 1
		}
		return 0
	}
}
