package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"backendlink/internal/cache"
	"backendlink/internal/client"
	"backendlink/internal/config"
	"backendlink/internal/logging"
	"backendlink/internal/realtime"
	"backendlink/internal/runctx"
)

const (
	sweepInterval      = time.Hour
	warmTimeout        = 30 * time.Second
	metricsShutdown    = 5 * time.Second
	messageBufferSize  = 64
	notificationsRoute = "/api/notifications*"
)

// CredentialWatcher is implemented by stores that can report writes made by
// other processes.
type CredentialWatcher interface {
	Watch(ctx context.Context, onChange func()) error
}

// Deps are the components the app runs. The app owns their teardown.
type Deps struct {
	Client   *client.Client
	Cache    *cache.Cache
	Realtime *realtime.Manager
	Watcher  CredentialWatcher
	Registry *prometheus.Registry
	// Closers run last, in order, when the app stops.
	Closers []func() error
}

type Callbacks struct {
	OnMessage      func(realtime.Message)
	OnStatusChange func(string)
}

type App struct {
	opts     config.Options
	deps     Deps
	logger   *logging.Logger
	hooks    Callbacks
	status   runtimeStatusState
	messages chan realtime.Message
}

func New(opts config.Options, deps Deps, logger *logging.Logger, hooks Callbacks) *App {
	if deps.Client == nil {
		panic("app.New: client must not be nil")
	}
	if deps.Realtime == nil {
		panic("app.New: realtime manager must not be nil")
	}
	if logger == nil {
		panic("app.New: logger must not be nil")
	}
	return &App{
		opts:     opts,
		deps:     deps,
		logger:   logger,
		hooks:    hooks,
		messages: make(chan realtime.Message, messageBufferSize),
	}
}

func (a *App) Run() error {
	return a.RunContext(context.Background())
}

// RunContext warms the cache, connects realtime and serves until ctx is
// done, then tears every component down.
func (a *App) RunContext(ctx context.Context) error {
	a.logger.Info("backendlink starting",
		logging.Field("profile", a.opts.Profile),
		logging.Field("identity", a.opts.Identity),
	)
	defer a.teardown()

	stopMetrics, err := a.startMetrics()
	if err != nil {
		return err
	}
	defer stopMetrics()

	var wg sync.WaitGroup
	defer wg.Wait()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.deps.Cache != nil {
		wg.Go(func() { a.deps.Cache.RunSweeper(runCtx, sweepInterval) })
	}
	if a.deps.Watcher != nil {
		wg.Go(func() { a.watchCredentials(runCtx) })
	}

	unsubscribe := a.deps.Realtime.Subscribe(a.enqueueMessage)
	defer unsubscribe()
	wg.Go(func() { a.forwardMessages(runCtx) })

	if err := a.warm(runCtx); err != nil {
		return err
	}

	if identity := strings.TrimSpace(a.opts.Identity); identity != "" {
		a.deps.Realtime.Connect(identity)
	} else {
		a.logger.Info("no realtime identity configured; socket stays closed")
	}

	<-runCtx.Done()
	a.logger.Info("backendlink stopping", logging.Field("reason", context.Cause(runCtx)))
	return nil
}

// Snapshot is a point-in-time view of the running components.
type Snapshot struct {
	Realtime realtime.State
	Cache    cache.Stats
	// SessionGeneration counts credential refreshes seen by the client.
	SessionGeneration uint64
}

func (a *App) Snapshot() Snapshot {
	snap := Snapshot{
		Realtime:          a.deps.Realtime.State(),
		SessionGeneration: a.deps.Client.Refresher().Generation(),
	}
	if a.deps.Cache != nil {
		snap.Cache = a.deps.Cache.Stats()
	}
	return snap
}

// OnRealtimeState is wired as the realtime manager's state hook.
func (a *App) OnRealtimeState(state realtime.State) {
	a.setRuntimeStatus(state.String())
}

// warm fetches the configured endpoints through their rule policies. Only
// an unauthorized response aborts startup.
func (a *App) warm(ctx context.Context) error {
	for _, path := range a.opts.Warm {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		warmCtx, cancel := context.WithTimeout(ctx, warmTimeout)
		payload, err := a.deps.Client.Do(warmCtx, client.NewDescriptor(http.MethodGet, path), client.PolicyFromRule)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if client.IsUnauthorized(err) {
				return fmt.Errorf("%w: %s: %w", ErrWarmupFailed, path, err)
			}
			a.logger.Warn("warm-up request failed", logging.Field("endpoint", path), logging.Field("error", err))
			continue
		}
		a.logger.Debug("warmed endpoint",
			logging.Field("endpoint", path),
			logging.Field("bytes", len(payload)),
		)
	}
	return nil
}

func (a *App) watchCredentials(ctx context.Context) {
	err := a.deps.Watcher.Watch(ctx, func() {
		a.deps.Client.Refresher().NoteExternalChange()
		a.logger.Info("credential changed by another process")
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Warn("credential watch stopped", logging.Field("error", fmt.Errorf("%w: %w", ErrCredentialsWatch, err)))
	}
}

// enqueueMessage runs on the realtime reader; it never blocks it.
func (a *App) enqueueMessage(msg realtime.Message) {
	runctx.Offer("realtime message", a.logger, a.messages, msg)
}

func (a *App) forwardMessages(ctx context.Context) {
	for {
		msg, ok := runctx.RecvOrDone(ctx, "realtime message forwarder", a.logger, a.messages)
		if !ok {
			return
		}
		if msg.Type == realtime.TypeNotificationCreated && a.deps.Cache != nil {
			removed := a.deps.Cache.InvalidateMatching(notificationsRoute)
			a.logger.Debug("notification cache invalidated", logging.Field("removed", removed))
		}
		a.logger.Info("realtime message",
			logging.Field("type", msg.Type),
			logging.Field("id", msg.ID),
			logging.Field("payload", logging.FormatPayload(msg.Payload)),
		)
		if a.hooks.OnMessage != nil {
			a.hooks.OnMessage(msg)
		}
	}
}

func (a *App) startMetrics() (func(), error) {
	addr := strings.TrimSpace(a.opts.MetricsAddr)
	if addr == "" || a.deps.Registry == nil {
		return func() {}, nil
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMetricsListen, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.deps.Registry, promhttp.HandlerOpts{}))
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if serveErr := server.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			a.logger.Warn("metrics server stopped", logging.Field("error", serveErr))
		}
	}()
	a.logger.Info("serving metrics", logging.Field("addr", listener.Addr().String()))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdown)
		defer cancel()
		_ = server.Shutdown(ctx)
	}, nil
}

func (a *App) teardown() {
	a.deps.Realtime.Close()
	if a.deps.Cache != nil {
		if err := a.deps.Cache.Close(); err != nil {
			a.logger.Warn("cache close failed", logging.Field("error", err))
		}
	}
	for _, closeFn := range a.deps.Closers {
		if err := closeFn(); err != nil {
			a.logger.Warn("component close failed", logging.Field("error", err))
		}
	}
	a.setRuntimeStatus(realtime.Disconnected.String())
	a.logger.Info("backendlink stopped")
}

type runtimeStatusState struct {
	mu      sync.Mutex
	current string
}

func (s *runtimeStatusState) update(status string) (string, string, bool) {
	trimmed := strings.TrimSpace(status)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == trimmed {
		return s.current, trimmed, false
	}
	previous := s.current
	s.current = trimmed
	return previous, trimmed, true
}

func (a *App) setRuntimeStatus(status string) {
	previous, next, changed := a.status.update(status)
	if !changed {
		return
	}
	a.logger.Debug("runtime status transition",
		logging.Field("from", previous),
		logging.Field("to", next),
	)
	if a.hooks.OnStatusChange != nil {
		a.hooks.OnStatusChange(next)
	}
}
