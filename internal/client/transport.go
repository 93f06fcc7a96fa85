package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"backendlink/internal/credential"
	"backendlink/internal/endpoint"
	"backendlink/internal/logging"
	"backendlink/internal/signing"
)

const (
	HeaderRequestID = "X-Request-ID"

	maxResponseBytes      = 8 << 20
	transportRetryInitial = 200 * time.Millisecond
	transportRetryMax     = 2 * time.Second
)

var errResponseTooLarge = errors.New("response body exceeds size limit")

type exchangeResult struct {
	status  int
	body    []byte
	etag    string
	noStore bool

	// generation is the refresh generation observed when the request was
	// signed.
	generation uint64
}

// exchange sends d and, on a 401 for a signed request, refreshes the
// session and retries exactly once with the new credential. A refresh that
// already completed after the request was signed is not repeated.
func (c *Client) exchange(ctx context.Context, d Descriptor, etag string) (*exchangeResult, error) {
	res, err := c.attempt(ctx, d, etag)
	if err != nil {
		return nil, err
	}
	if res.status != http.StatusUnauthorized {
		return checkStatus(res, etag)
	}
	if !c.signs(d) {
		return nil, unauthorized(res.status, errorFromResponse(res.status, res.body).Message, nil)
	}

	if current := c.refresher.Generation(); current > res.generation {
		c.logger.Debug("request unauthorized; session already refreshed",
			append(c.requestFields(d), logging.Field("generation", current))...)
	} else {
		c.logger.Debug("request unauthorized; refreshing session", c.requestFields(d)...)
		if err := c.refresher.Refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, unauthorized(http.StatusUnauthorized, "session refresh failed", err)
		}
	}

	res, err = c.attempt(ctx, d, etag)
	if err != nil {
		return nil, err
	}
	if res.status == http.StatusUnauthorized {
		c.logger.Warn("request still unauthorized after refresh",
			append(c.requestFields(d), logging.Field("response", logging.FormatPayload(res.body)))...)
		return nil, unauthorized(res.status, "rejected after session refresh", nil)
	}
	return checkStatus(res, etag)
}

func checkStatus(res *exchangeResult, etag string) (*exchangeResult, error) {
	if res.status >= 200 && res.status <= 299 {
		return res, nil
	}
	if res.status == http.StatusNotModified && etag != "" {
		return res, nil
	}
	return nil, errorFromResponse(res.status, res.body)
}

// attempt performs one logical send. Idempotent requests that fail before
// a response arrives are retried with exponential backoff.
func (c *Client) attempt(ctx context.Context, d Descriptor, etag string) (*exchangeResult, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, transportError(err)
		}
	}

	var generation uint64
	send := func() (*http.Response, error) {
		generation = c.refresher.Generation()
		req, err := c.buildRequest(ctx, d, etag)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		started := time.Now()
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil || !d.idempotent() || isNoNetwork(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		c.metrics.RoundTrip(d.method, resp.StatusCode, time.Since(started))
		c.logger.Debugf("%s %s -> %s", d.method, d.Key(), resp.Status)
		return resp, nil
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = transportRetryInitial
	retry.MaxInterval = transportRetryMax
	resp, err := backoff.Retry(ctx, send,
		backoff.WithBackOff(retry),
		backoff.WithMaxTries(uint(c.transportRetries)+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Debug("retrying request after transport failure",
				append(c.requestFields(d),
					logging.Field("error", err),
					logging.Field("next_retry", next.String()),
				)...)
		}),
	)
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Unwrap()
		}
		var clientErr *Error
		if errors.As(err, &clientErr) {
			return nil, clientErr
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if isNoNetwork(err) && d.mutating() {
			return nil, c.enqueueOffline(ctx, d, err)
		}
		c.logger.Debug("request failed", append(c.requestFields(d), logging.Field("error", err))...)
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, transportError(err)
	}
	if len(body) > maxResponseBytes {
		c.logger.Warn("response body too large",
			append(c.requestFields(d), logging.Field("limit_bytes", maxResponseBytes))...)
		return nil, transportError(fmt.Errorf("%w (%d bytes)", errResponseTooLarge, maxResponseBytes))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		c.logger.Debug("request rejected",
			append(c.requestFields(d),
				logging.Field("status", resp.Status),
				logging.Field("response", logging.FormatPayload(body)),
			)...)
	}
	return &exchangeResult{
		status:  resp.StatusCode,
		body:    body,
		etag:    resp.Header.Get("ETag"),
		noStore: strings.Contains(strings.ToLower(resp.Header.Get("Cache-Control")), "no-store"),

		generation: generation,
	}, nil
}

// buildRequest assembles the HTTP request, loading and signing with the
// current credential so a retry after refresh picks up the new one.
func (c *Client) buildRequest(ctx context.Context, d Descriptor, etag string) (*http.Request, error) {
	target, err := c.resolveURL(d)
	if err != nil {
		return nil, err
	}
	var body io.Reader
	if len(d.body) > 0 {
		body = bytes.NewReader(d.body)
	}
	req, err := http.NewRequestWithContext(ctx, d.method, target, body)
	if err != nil {
		return nil, invalidRequest("build request: %v", err)
	}
	for key, values := range d.headers {
		req.Header[key] = append([]string(nil), values...)
	}
	req.Header.Set("Accept", "application/json")
	if len(d.body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(HeaderRequestID, uuid.NewString())
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if !c.signs(d) {
		return req, nil
	}

	cred, ok, err := credential.Load(c.store)
	if err != nil {
		return nil, unauthorized(0, "credential store unavailable", err)
	}
	if !ok {
		return nil, unauthorized(0, "no stored session", nil)
	}
	signed, err := c.signer.Sign(signing.Request{
		Method: d.method,
		Path:   d.path,
		Query:  d.query,
		Body:   d.body,
	}, cred, c.now())
	if err != nil {
		return nil, unauthorized(0, "sign request", err)
	}
	signed.Apply(req.Header)
	return req, nil
}

func (c *Client) resolveURL(d Descriptor) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(c.endpoints.APIBaseURL), "/")
	if base == "" {
		return "", invalidRequest("API base URL is not configured")
	}
	parsed, err := url.Parse(base + d.path)
	if err != nil {
		return "", invalidRequest("invalid request URL: %v", err)
	}
	parsed.RawQuery = endpoint.CanonicalQuery(d.query)
	return parsed.String(), nil
}
