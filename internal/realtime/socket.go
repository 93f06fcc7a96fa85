package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"backendlink/internal/credential"
	"backendlink/internal/signing"
)

const maxReadBytes = 1 << 20

var (
	errNoCredential          = errors.New("realtime: no stored session")
	errHandshakeUnauthorized = errors.New("realtime: handshake unauthorized")
)

// Dialer opens the socket for identity.
type Dialer func(ctx context.Context, identity string) (*websocket.Conn, error)

// SignedDialer dials rawURL with the identity query parameter and the
// session and signature headers of the stored credential.
func SignedDialer(rawURL string, store credential.Store, signer signing.Signer, now func() time.Time) Dialer {
	if signer == nil {
		signer = signing.KeyedSigner{}
	}
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context, identity string) (*websocket.Conn, error) {
		target, err := url.Parse(strings.TrimSpace(rawURL))
		if err != nil {
			return nil, fmt.Errorf("realtime url: %w", err)
		}
		query := target.Query()
		query.Set("identity", identity)
		target.RawQuery = query.Encode()

		cred, ok, err := credential.Load(store)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errNoCredential
		}
		signed, err := signer.Sign(signing.Request{
			Method: http.MethodGet,
			Path:   target.Path,
			Query:  query,
		}, cred, now())
		if err != nil {
			return nil, err
		}
		header := http.Header{}
		signed.Apply(header)

		// resp.Body is owned by the websocket package on success.
		conn, resp, err := websocket.Dial(ctx, target.String(), &websocket.DialOptions{HTTPHeader: header})
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return nil, fmt.Errorf("%w: %s", errHandshakeUnauthorized, resp.Status)
			}
			return nil, err
		}
		return conn, nil
	}
}

// socket is one live connection. Reads run under ctx; the heartbeat has
// its own stop channel so it ends the moment the socket is released.
//
// The watchdog closes the socket with CodeHeartbeatTimeout once idle passes
// without an inbound frame. It runs apart from the read so the close frame
// is sent before the connection is torn down.
type socket struct {
	id           uint64
	identity     string
	conn         *websocket.Conn
	ctx          context.Context
	cancel       context.CancelFunc
	writeTimeout time.Duration

	idle     time.Duration
	watchdog *time.Timer
	timedOut atomic.Bool

	stopHeartbeat chan struct{}
	stopOnce      sync.Once
	closeOnce     sync.Once
}

func newSocket(parent context.Context, id uint64, identity string, conn *websocket.Conn, writeTimeout, idle time.Duration) *socket {
	ctx, cancel := context.WithCancel(parent)
	conn.SetReadLimit(maxReadBytes)
	s := &socket{
		id:            id,
		identity:      identity,
		conn:          conn,
		ctx:           ctx,
		cancel:        cancel,
		writeTimeout:  writeTimeout,
		idle:          idle,
		stopHeartbeat: make(chan struct{}),
	}
	s.watchdog = time.AfterFunc(idle, func() {
		s.timedOut.Store(true)
		s.release(CodeHeartbeatTimeout, "heartbeat timeout")
	})
	return s
}

// feed pushes the watchdog deadline out after an inbound frame.
func (s *socket) feed() {
	s.watchdog.Reset(s.idle)
}

func (s *socket) write(msg Message) error {
	data, err := encodeFrame(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.writeTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *socket) heartbeatStopped() <-chan struct{} {
	return s.stopHeartbeat
}

// release stops the heartbeat at once and closes the connection in the
// background, since the closing handshake may wait on the peer.
func (s *socket) release(code int, reason string) {
	s.stopOnce.Do(func() {
		s.watchdog.Stop()
		close(s.stopHeartbeat)
	})
	s.closeOnce.Do(func() {
		go func() {
			_ = s.conn.Close(websocket.StatusCode(code), reason)
			s.cancel()
		}()
	})
}
