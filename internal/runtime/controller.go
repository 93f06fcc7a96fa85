package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"backendlink/internal/app"
	"backendlink/internal/config"
	"backendlink/internal/logging"
	"backendlink/internal/realtime"
)

type Controller struct {
	rootCtx context.Context
	mu      sync.Mutex
	cancel  context.CancelFunc
	service Service
	wg      sync.WaitGroup
}

// Status reports whether a service is running and, if so, its realtime
// state, cache counters and session refresh generation.
type Status struct {
	Running bool
	app.Snapshot
}

// StartHooks observe a running service. OnMessage runs on the app's
// forwarding goroutine; OnExit runs once after the service returns.
type StartHooks struct {
	OnMessage func(realtime.Message)
	OnStatus  func(string)
	OnExit    func(error)
}

func NewController(rootCtx context.Context) *Controller {
	if rootCtx == nil {
		rootCtx = context.Background()
	}
	return &Controller{rootCtx: rootCtx}
}

func (c *Controller) Start(opts config.Options, logger *logging.Logger, hooks StartHooks) error {
	if logger == nil {
		panic("runtime.Controller.Start: logger must not be nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.service != nil {
		return fmt.Errorf("service is already running")
	}
	if err := config.ValidateRequired(opts); err != nil {
		return err
	}
	logger.Debug("runtime start requested",
		logging.Field("profile", opts.Profile),
		logging.Field("base_url", opts.BaseURL),
		logging.Field("has_message_hook", hooks.OnMessage != nil),
	)

	service, err := NewServiceWithHooks(opts, logger, hooks)
	if err != nil {
		return err
	}

	parent := c.rootCtx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	c.cancel = cancel
	c.service = service
	c.wg.Go(func() {
		defer cancel()
		runErr := service.RunContext(ctx)
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			logger.Debug("runtime service exited due to context cancellation", logging.Field("error", runErr))
		} else if runErr != nil {
			logger.Warn("runtime service exited with error", logging.Field("error", runErr))
		} else {
			logger.Info("runtime service exited")
		}
		final := service.Snapshot()
		logger.Debug("runtime final status",
			logging.Field("realtime", final.Realtime.String()),
			logging.Field("cache_hits", final.Cache.Hits),
			logging.Field("cache_misses", final.Cache.Misses),
			logging.Field("session_generation", final.SessionGeneration),
		)
		c.mu.Lock()
		c.service = nil
		c.cancel = nil
		c.mu.Unlock()

		if hooks.OnExit != nil {
			hooks.OnExit(runErr)
		}
	})

	return nil
}

func (c *Controller) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Controller) Wait(timeout time.Duration) bool {
	waitDone := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(waitDone)
	}()
	if timeout <= 0 {
		<-waitDone
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-waitDone:
		return true
	case <-timer.C:
		return false
	}
}

func (c *Controller) StopAndWait(timeout time.Duration) bool {
	c.Stop()
	return c.Wait(timeout)
}

func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.service != nil
}

// Status snapshots the running service. It is the zero Status when stopped.
func (c *Controller) Status() Status {
	c.mu.Lock()
	service := c.service
	c.mu.Unlock()
	if service == nil {
		return Status{}
	}
	return Status{Running: true, Snapshot: service.Snapshot()}
}
