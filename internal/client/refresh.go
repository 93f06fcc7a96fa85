package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"backendlink/internal/credential"
	"backendlink/internal/logging"
	"backendlink/internal/metrics"
	"backendlink/internal/signing"
)

const (
	HeaderRefreshToken    = "X-Refresh-Token"
	defaultRefreshTimeout = 15 * time.Second
)

// RefreshCoordinator renews the session credential. Concurrent callers
// share one pending attempt and never issue a second network call.
type RefreshCoordinator struct {
	http    *http.Client
	url     string
	store   credential.Store
	logger  *logging.Logger
	metrics *metrics.Collectors
	timeout time.Duration

	mu         sync.Mutex
	pending    *pendingRefresh
	generation atomic.Uint64
}

type pendingRefresh struct {
	done      chan struct{}
	err       error
	listeners int
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token,omitempty"`
}

type refreshResponse struct {
	SessionToken string `json:"session_token"`
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token"`
}

func NewRefreshCoordinator(httpClient *http.Client, refreshURL string, store credential.Store, logger *logging.Logger, collectors *metrics.Collectors) *RefreshCoordinator {
	if logger == nil {
		panic("client.NewRefreshCoordinator: logger must not be nil")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &RefreshCoordinator{
		http:    httpClient,
		url:     refreshURL,
		store:   store,
		logger:  logger,
		metrics: collectors,
		timeout: defaultRefreshTimeout,
	}
}

// Generation increases after every credential change the coordinator knows of.
func (r *RefreshCoordinator) Generation() uint64 {
	return r.generation.Load()
}

// NoteExternalChange records a credential written by someone else, such as
// another process sharing the credential file.
func (r *RefreshCoordinator) NoteExternalChange() {
	r.generation.Add(1)
}

// Refresh renews the credential or joins the attempt already in flight.
// The network call is detached from ctx; a cancelled caller stops waiting
// without failing the others.
func (r *RefreshCoordinator) Refresh(ctx context.Context) error {
	r.mu.Lock()
	p := r.pending
	leader := p == nil
	if leader {
		p = &pendingRefresh{done: make(chan struct{})}
		r.pending = p
	}
	p.listeners++
	r.mu.Unlock()

	if leader {
		go r.run(context.WithoutCancel(ctx), p)
	} else {
		r.metrics.Refresh("joined")
		r.logger.Debug("joining pending session refresh")
	}

	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *RefreshCoordinator) run(ctx context.Context, p *pendingRefresh) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	err := r.refresh(ctx)
	if err == nil {
		r.generation.Add(1)
		r.metrics.Refresh("success")
	} else {
		r.metrics.Refresh("failure")
	}

	r.mu.Lock()
	r.pending = nil
	p.err = err
	listeners := p.listeners
	r.mu.Unlock()
	close(p.done)

	if err != nil {
		r.logger.Warn("session refresh failed",
			logging.Field("error", err),
			logging.Field("listeners", listeners),
		)
		return
	}
	r.logger.Debug("session refreshed",
		logging.Field("listeners", listeners),
		logging.Field("generation", r.generation.Load()),
	)
}

func (r *RefreshCoordinator) refresh(ctx context.Context) error {
	cred, ok, err := credential.Load(r.store)
	if err != nil {
		return err
	}
	if !ok {
		return unauthorized(0, "no stored session to refresh", nil)
	}

	payload := refreshRequest{RefreshToken: cred.RefreshToken}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return invalidRequest("build refresh request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(signing.HeaderSession, cred.SessionToken)
	if cred.RefreshToken != "" {
		req.Header.Set(HeaderRefreshToken, cred.RefreshToken)
	}

	started := time.Now()
	resp, err := r.http.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()
	r.metrics.RoundTrip(http.MethodPost, resp.StatusCode, time.Since(started))
	r.logger.Debugf("POST %s -> %s", r.url, resp.Status)

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		r.logger.Warn("session refresh rejected",
			logging.Field("status", resp.Status),
			logging.Field("response", logging.FormatPayload(data)),
		)
		return unauthorized(resp.StatusCode, "session refresh rejected", nil)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errorFromResponse(resp.StatusCode, data)
	}

	var decoded refreshResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return decodingError(err)
	}
	session := strings.TrimSpace(decoded.SessionToken)
	if session == "" {
		session = strings.TrimSpace(decoded.Token)
	}
	if session == "" {
		return decodingError(errors.New("refresh response carried no session token"))
	}
	return credential.Save(r.store, credential.Credential{
		SessionToken: session,
		RefreshToken: strings.TrimSpace(decoded.RefreshToken),
	})
}
