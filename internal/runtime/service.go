package runtime

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"backendlink/internal/app"
	"backendlink/internal/cache"
	"backendlink/internal/client"
	"backendlink/internal/config"
	"backendlink/internal/credential"
	"backendlink/internal/logging"
	"backendlink/internal/metrics"
	"backendlink/internal/realtime"
	"backendlink/internal/signing"
)

type Service interface {
	RunContext(ctx context.Context) error
	Snapshot() app.Snapshot
}

func NewService(opts config.Options, logger *logging.Logger) (Service, error) {
	return NewServiceWithHooks(opts, logger, StartHooks{})
}

// NewServiceWithHooks is the composition root: it builds every component
// from opts and hands ownership to the app, which closes them on exit.
func NewServiceWithHooks(opts config.Options, logger *logging.Logger, hooks StartHooks) (Service, error) {
	if logger == nil {
		panic("runtime.NewServiceWithHooks: logger must not be nil")
	}
	if err := config.ValidateRequired(opts); err != nil {
		return nil, err
	}

	endpoints, err := config.BuildEndpoints(opts.BaseURL, opts.RefreshPath, opts.RealtimePath)
	if err != nil {
		return nil, err
	}
	logger.Debug("constructed API endpoints",
		logging.Field("api_base_url", endpoints.APIBaseURL),
		logging.Field("refresh_url", endpoints.RefreshURL),
		logging.Field("realtime_url", endpoints.RealtimeURL),
	)

	rules, err := config.LoadRules(opts.RulesFile)
	if err != nil {
		return nil, err
	}
	cacheDir, err := config.ResolveCacheDir(opts)
	if err != nil {
		return nil, err
	}

	store, err := openCredentialStore(opts, logger)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collected := metrics.New(registry)

	responses, err := cache.New(cache.Options{
		Dir:        cacheDir,
		Rules:      rules.Rules,
		DefaultTTL: rules.DefaultTTL,
		Metrics:    collected,
	}, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open response cache: %w", err)
	}

	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), max(opts.RateBurst, 1))
	}

	httpClient := &http.Client{Timeout: opts.RequestTimeout}
	signer := signing.KeyedSigner{}
	apiClient := client.New(client.Options{
		HTTP:             httpClient,
		Endpoints:        endpoints,
		Store:            store,
		Signer:           signer,
		Cache:            responses,
		Limiter:          limiter,
		PublicPatterns:   rules.Public,
		TransportRetries: opts.TransportRetries,
		RequestTimeout:   opts.RequestTimeout,
		Metrics:          collected,
	}, logger)

	// The state hook needs the app, which needs the manager.
	var application *app.App
	manager := realtime.New(realtime.Options{
		Dial:              realtime.SignedDialer(endpoints.RealtimeURL, store, signer, nil),
		Store:             store,
		HeartbeatInterval: opts.HeartbeatInterval,
		BaseDelay:         opts.ReconnectBase,
		MaxDelay:          opts.ReconnectMax,
		MaxAttempts:       opts.ReconnectAttempts,
		Metrics:           collected,
		OnStateChange: func(state realtime.State) {
			if application != nil {
				application.OnRealtimeState(state)
			}
		},
	}, logger.With(logging.Field("component", "realtime")))

	application = app.New(opts, app.Deps{
		Client:   apiClient,
		Cache:    responses,
		Realtime: manager,
		Watcher:  store,
		Registry: registry,
		Closers:  []func() error{store.Close},
	}, logger, app.Callbacks{
		OnMessage:      hooks.OnMessage,
		OnStatusChange: hooks.OnStatus,
	})
	return application, nil
}

// openCredentialStore opens the profile's credential file, seeding it from
// the command line when tokens were given.
func openCredentialStore(opts config.Options, logger *logging.Logger) (*credential.FileStore, error) {
	path, err := credential.DefaultPath(opts.Profile)
	if err != nil {
		return nil, fmt.Errorf("resolve credential path: %w", err)
	}
	store, err := credential.NewFileStore(path, logger)
	if err != nil {
		return nil, err
	}
	if token := strings.TrimSpace(opts.SessionToken); token != "" {
		seed := credential.Credential{SessionToken: token, RefreshToken: strings.TrimSpace(opts.RefreshToken)}
		if err := credential.Save(store, seed); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("seed credential: %w", err)
		}
		logger.Info("seeded profile credential", logging.Field("path", store.Path()))
	}
	if _, ok, err := credential.Load(store); err == nil && !ok {
		logger.Warn("no stored session; signed requests will fail until one is provided",
			logging.Field("path", store.Path()),
		)
	}
	return store, nil
}
