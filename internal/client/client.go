// Package client executes signed requests against the backend, renewing the
// session on 401 and combining network results with the response cache
// according to a per-call policy.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"backendlink/internal/cache"
	"backendlink/internal/config"
	"backendlink/internal/credential"
	"backendlink/internal/endpoint"
	"backendlink/internal/logging"
	"backendlink/internal/metrics"
	"backendlink/internal/signing"
)

const defaultRequestTimeout = 30 * time.Second

var errOffline = errors.New("connectivity probe reports offline")

type Options struct {
	HTTP      *http.Client
	Endpoints config.APIEndpoints
	Store     credential.Store
	// Signer defaults to signing.KeyedSigner.
	Signer signing.Signer
	// Cache is optional; without it every policy except CacheOnly behaves
	// like NetworkOnly.
	Cache *cache.Cache
	Queue OfflineQueue
	Probe ConnectivityProbe
	// Limiter paces every network attempt when set.
	Limiter *rate.Limiter
	// PublicPatterns name endpoints that are never signed.
	PublicPatterns []string
	// TransportRetries bounds extra attempts for idempotent requests that
	// failed before any response arrived.
	TransportRetries int
	// RequestTimeout bounds shared GETs that outlive their callers.
	RequestTimeout time.Duration
	Metrics        *metrics.Collectors
	Now            func() time.Time
}

type Client struct {
	http             *http.Client
	endpoints        config.APIEndpoints
	store            credential.Store
	signer           signing.Signer
	cache            *cache.Cache
	queue            OfflineQueue
	probe            ConnectivityProbe
	limiter          *rate.Limiter
	public           []string
	transportRetries int
	requestTimeout   time.Duration
	metrics          *metrics.Collectors
	now              func() time.Time
	logger           *logging.Logger

	refresher *RefreshCoordinator
	flight    singleflight.Group
}

func New(opts Options, logger *logging.Logger) *Client {
	if logger == nil {
		panic("client.New: logger must not be nil")
	}
	if opts.HTTP == nil {
		opts.HTTP = &http.Client{Timeout: defaultRequestTimeout}
	}
	if opts.Signer == nil {
		opts.Signer = signing.KeyedSigner{}
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.TransportRetries < 0 {
		opts.TransportRetries = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Client{
		http:             opts.HTTP,
		endpoints:        opts.Endpoints,
		store:            opts.Store,
		signer:           opts.Signer,
		cache:            opts.Cache,
		queue:            opts.Queue,
		probe:            opts.Probe,
		limiter:          opts.Limiter,
		public:           append([]string(nil), opts.PublicPatterns...),
		transportRetries: opts.TransportRetries,
		requestTimeout:   opts.RequestTimeout,
		metrics:          opts.Metrics,
		now:              opts.Now,
		logger:           logger,
		refresher:        NewRefreshCoordinator(opts.HTTP, opts.Endpoints.RefreshURL, opts.Store, logger, opts.Metrics),
	}
}

func (c *Client) Refresher() *RefreshCoordinator {
	return c.refresher
}

// Do runs d under policy and returns the final payload. Under
// CacheAndNetwork that is the last value the stream would emit.
func (c *Client) Do(ctx context.Context, d Descriptor, policy CachePolicy) ([]byte, error) {
	var last outcome
	c.run(ctx, d, policy, func(o outcome) { last = o })
	return last.payload, last.err
}

// Execute runs d and decodes the JSON response into T.
func Execute[T any](ctx context.Context, c *Client, d Descriptor, policy CachePolicy) (T, error) {
	payload, err := c.Do(ctx, d, policy)
	if err != nil {
		var zero T
		return zero, err
	}
	return decode[T](payload)
}

// Stream runs d and delivers at most two results, cached first, then closes
// the channel. Nothing is delivered once ctx is done.
func Stream[T any](ctx context.Context, c *Client, d Descriptor, policy CachePolicy) <-chan Result[T] {
	out := make(chan Result[T], 2)
	go func() {
		defer close(out)
		c.run(ctx, d, policy, func(o outcome) {
			if ctx.Err() != nil {
				return
			}
			res := Result[T]{Err: o.err, Cached: o.cached, Stale: o.stale}
			if o.err == nil {
				res.Value, res.Err = decode[T](o.payload)
			}
			out <- res
		})
	}()
	return out
}

func decode[T any](payload []byte) (T, error) {
	var out T
	if len(bytes.TrimSpace(payload)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return out, decodingError(err)
	}
	return out, nil
}

type outcome struct {
	payload []byte
	err     error
	cached  bool
	stale   bool
}

func (o outcome) label() string {
	switch {
	case o.err != nil:
		return "error"
	case o.stale:
		return "stale"
	case o.cached:
		return "cache"
	default:
		return "network"
	}
}

// run executes d under policy and calls emit once, or twice for
// CacheAndNetwork with a fresh cached value.
func (c *Client) run(ctx context.Context, d Descriptor, policy CachePolicy, emit func(outcome)) {
	policy, err := c.resolvePolicy(d, policy)
	if err != nil {
		emit(outcome{err: err})
		return
	}
	send := func(o outcome) {
		c.metrics.Request(string(policy), o.label())
		emit(o)
	}
	c.logger.Debug("executing request", append(c.requestFields(d), logging.Field("policy", string(policy)))...)

	switch policy {
	case CacheOnly:
		if entry, ok := c.cacheGet(d); ok {
			send(outcome{payload: entry.Payload, cached: true})
			return
		}
		send(outcome{err: &Error{Kind: KindNoCachedData, Message: d.Key()}})

	case CacheFirst:
		if entry, ok := c.cacheGet(d); ok {
			send(outcome{payload: entry.Payload, cached: true})
			return
		}
		payload, err := c.network(ctx, d, true)
		send(outcome{payload: payload, err: err})

	case NetworkFirst:
		payload, err := c.network(ctx, d, true)
		if err == nil {
			send(outcome{payload: payload})
			return
		}
		send(c.fallback(d, err))

	case CacheAndNetwork:
		emitted := false
		if entry, ok := c.cacheGet(d); ok {
			send(outcome{payload: entry.Payload, cached: true})
			emitted = true
		}
		payload, err := c.network(ctx, d, true)
		switch {
		case err == nil:
			send(outcome{payload: payload})
		case emitted:
			c.logger.Debug("network refresh failed after cached value",
				append(c.requestFields(d), logging.Field("error", err))...)
		default:
			send(c.fallback(d, err))
		}

	default:
		payload, err := c.network(ctx, d, false)
		send(outcome{payload: payload, err: err})
	}
}

func (c *Client) resolvePolicy(d Descriptor, policy CachePolicy) (CachePolicy, error) {
	if policy == PolicyFromRule {
		policy = CacheFirst
		if c.cache != nil {
			policy = c.cache.PolicyFor(d.path)
		}
	}
	if policy == "" {
		policy = CacheFirst
	}
	if _, err := cache.ParsePolicy(string(policy)); err != nil {
		return "", invalidRequest("%v", err)
	}
	if !d.cacheable() {
		if policy == CacheOnly {
			return "", invalidRequest("%s requests cannot be served from cache", d.method)
		}
		return NetworkOnly, nil
	}
	return policy, nil
}

func (c *Client) cacheGet(d Descriptor) (cache.Entry, bool) {
	if c.cache == nil || !d.cacheable() {
		return cache.Entry{}, false
	}
	return c.cache.Get(d.path, d.query)
}

// fallback answers a failed network call from the cache, fresh first and
// then stale. Only transport and HTTP failures qualify.
func (c *Client) fallback(d Descriptor, cause error) outcome {
	if c.cache == nil || !fallbackEligible(cause) {
		return outcome{err: cause}
	}
	entry, freshness := c.cache.Lookup(d.path, d.query)
	switch freshness {
	case cache.Fresh:
		c.logger.Debug("serving cached value after network failure", append(c.requestFields(d), logging.Field("error", cause))...)
		return outcome{payload: entry.Payload, cached: true}
	case cache.Stale:
		c.logger.Info("serving stale value after network failure",
			append(c.requestFields(d),
				logging.Field("expired_at", entry.ExpiresAt),
				logging.Field("error", cause),
			)...)
		return outcome{payload: entry.Payload, cached: true, stale: true}
	default:
		return outcome{err: cause}
	}
}

func fallbackEligible(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrHTTP) || errors.Is(err, ErrServer)
}

// network performs the call. Identical GETs in flight share one exchange
// that runs detached from its callers so it can still fill the cache.
func (c *Client) network(ctx context.Context, d Descriptor, revalidate bool) ([]byte, error) {
	if c.offline() {
		if d.mutating() {
			return nil, c.enqueueOffline(ctx, d, errOffline)
		}
		return nil, transportError(errOffline)
	}
	if !d.cacheable() {
		res, err := c.exchange(ctx, d, "")
		if err != nil {
			return nil, err
		}
		return res.body, nil
	}

	key := fmt.Sprintf("%d|%t|%t|%s", c.refresher.Generation(), revalidate, c.signs(d), d.Key())
	detached := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(key, func() (any, error) {
		callCtx, cancel := context.WithTimeout(detached, c.requestTimeout)
		defer cancel()
		return c.fetch(callCtx, d, revalidate)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			c.logger.Debug("shared in-flight response", c.requestFields(d)...)
		}
		return bytes.Clone(res.Val.([]byte)), nil
	case <-ctx.Done():
		c.logger.Debug("caller stopped waiting; request continues for cache", c.requestFields(d)...)
		return nil, ctx.Err()
	}
}

// fetch runs one GET exchange, revalidating a cached ETag when asked, and
// writes an eligible result back to the cache.
func (c *Client) fetch(ctx context.Context, d Descriptor, revalidate bool) ([]byte, error) {
	started := c.now()
	var prior cache.Entry
	etag := ""
	if revalidate && c.cache != nil {
		entry, freshness := c.cache.Lookup(d.path, d.query)
		if freshness != cache.Miss && entry.ETag != "" {
			prior = entry
			etag = entry.ETag
		}
	}

	res, err := c.exchange(ctx, d, etag)
	if err != nil {
		return nil, err
	}
	if res.status == http.StatusNotModified && c.cache != nil {
		if entry, ok := c.cache.Touch(d.path, d.query, 0); ok {
			c.logger.Debug("cached value revalidated", c.requestFields(d)...)
			return entry.Payload, nil
		}
		return prior.Payload, nil
	}
	c.storeResponse(d, res, started)
	return res.body, nil
}

func (c *Client) storeResponse(d Descriptor, res *exchangeResult, started time.Time) {
	if c.cache == nil || !d.cacheable() || res.noStore {
		return
	}
	stored, err := c.cache.Put(cache.Write{
		Endpoint: d.path,
		Params:   d.query,
		Payload:  res.body,
		ETag:     res.etag,
		Stamp:    started,
	})
	if err != nil {
		c.logger.Warn("cache write failed", append(c.requestFields(d), logging.Field("error", err))...)
		return
	}
	if !stored {
		c.logger.Debug("newer cached value kept", c.requestFields(d)...)
	}
}

func (c *Client) signs(d Descriptor) bool {
	return d.requiresAuth && !endpoint.MatchAny(c.public, d.path)
}

func (c *Client) requestFields(d Descriptor) []slog.Attr {
	return []slog.Attr{
		logging.Field("method", d.method),
		logging.Field("endpoint", d.Key()),
	}
}
