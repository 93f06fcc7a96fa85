package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"backendlink/internal/credential"
	"backendlink/internal/logging"
	"backendlink/internal/signing"
)

func testLogger() *logging.Logger {
	logger := logging.New(false)
	logger.SetTerminalOutputEnabled(false)
	return logger
}

type testServer struct {
	url      string
	accepted atomic.Int32
	requests chan *http.Request
}

// newTestServer accepts sockets and hands each to handle. handle should
// return once ctx is done or the socket fails.
func newTestServer(t *testing.T, handle func(ctx context.Context, n int, conn *websocket.Conn)) *testServer {
	t.Helper()
	ts := &testServer{requests: make(chan *http.Request, 16)}
	ctx, cancel := context.WithCancel(context.Background())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		n := int(ts.accepted.Add(1))
		select {
		case ts.requests <- r:
		default:
		}
		handle(ctx, n, conn)
		_ = conn.CloseNow()
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(cancel)
	ts.url = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	return ts
}

// drain reads until the socket ends.
func drain(ctx context.Context, conn *websocket.Conn) {
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

func writeJSON(t *testing.T, ctx context.Context, conn *websocket.Conn, raw string) {
	t.Helper()
	if err := conn.Write(ctx, websocket.MessageText, []byte(raw)); err != nil {
		t.Errorf("write %s: %v", raw, err)
	}
}

func newTestManager(t *testing.T, ts *testServer, store credential.Store, mutate func(*Options)) *Manager {
	t.Helper()
	opts := Options{
		Dial:              SignedDialer(ts.url, store, signing.KeyedSigner{}, nil),
		Store:             store,
		HeartbeatInterval: time.Hour,
		BaseDelay:         20 * time.Millisecond,
		MaxDelay:          100 * time.Millisecond,
		MaxAttempts:       3,
		SettleDelay:       10 * time.Millisecond,
		AuthGracePeriod:   20 * time.Millisecond,
		DialTimeout:       2 * time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	m := New(opts, testLogger())
	t.Cleanup(m.Close)
	return m
}

func testStore() *credential.MemoryStore {
	return credential.NewMemoryStore(credential.Credential{SessionToken: "session-1", RefreshToken: "refresh-1"})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitForPhase(t *testing.T, m *Manager, want Phase) {
	t.Helper()
	waitFor(t, "phase "+want.String(), func() bool { return m.State().Phase == want })
}

func TestManager_DialCarriesIdentityAndSignature(t *testing.T) {
	ts := newTestServer(t, func(ctx context.Context, _ int, conn *websocket.Conn) { drain(ctx, conn) })
	m := newTestManager(t, ts, testStore(), nil)

	m.Connect("user-1")
	waitForPhase(t, m, Connected)

	r := <-ts.requests
	if got := r.URL.Query().Get("identity"); got != "user-1" {
		t.Fatalf("identity = %q, want user-1", got)
	}
	if got := r.Header.Get(signing.HeaderSession); got != "session-1" {
		t.Fatalf("%s = %q, want session-1", signing.HeaderSession, got)
	}
	if r.Header.Get(signing.HeaderSignature) == "" || r.Header.Get(signing.HeaderTimestamp) == "" {
		t.Fatalf("missing signature headers: %v", r.Header)
	}
}

func TestManager_AnswersPingWithExactlyOnePong(t *testing.T) {
	frames := make(chan string, 4)
	ts := newTestServer(t, func(ctx context.Context, _ int, conn *websocket.Conn) {
		writeJSON(t, ctx, conn, `{"type":"ping"}`)
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			frames <- string(data)
		}
	})
	m := newTestManager(t, ts, testStore(), nil)
	m.Connect("user-1")

	select {
	case got := <-frames:
		var msg Message
		if err := json.Unmarshal([]byte(got), &msg); err != nil || msg.Type != TypePong {
			t.Fatalf("first frame = %s, want pong", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no pong received")
	}
	select {
	case got := <-frames:
		t.Fatalf("unexpected extra frame %s", got)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestManager_FansOutApplicationMessagesAndDropsMalformed(t *testing.T) {
	ts := newTestServer(t, func(ctx context.Context, _ int, conn *websocket.Conn) {
		writeJSON(t, ctx, conn, `not json`)
		writeJSON(t, ctx, conn, `{"type":"heartbeat"}`)
		writeJSON(t, ctx, conn, `{"type":"message","payload":"flat"}`)
		writeJSON(t, ctx, conn, `{"type":"message","id":"m-1","payload":{"text":"hi"}}`)
		writeJSON(t, ctx, conn, `{"type":"notification_created"}`)
		drain(ctx, conn)
	})
	m := newTestManager(t, ts, testStore(), nil)

	var mu sync.Mutex
	got := map[string][]string{}
	record := func(name string) func(Message) {
		return func(msg Message) {
			mu.Lock()
			got[name] = append(got[name], msg.Type+":"+msg.ID)
			mu.Unlock()
		}
	}
	m.Subscribe(record("a"))
	m.Subscribe(record("b"))
	unsubscribe := m.Subscribe(record("gone"))
	unsubscribe()
	unsubscribe()

	m.Connect("user-1")
	waitFor(t, "two messages per subscriber", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got["a"]) == 2 && len(got["b"]) == 2
	})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"message:m-1", "notification_created:"}
	for _, name := range []string{"a", "b"} {
		if strings.Join(got[name], ",") != strings.Join(want, ",") {
			t.Fatalf("subscriber %s got %v, want %v", name, got[name], want)
		}
	}
	if len(got["gone"]) != 0 {
		t.Fatalf("unsubscribed callback received %v", got["gone"])
	}
}

func TestManager_RepeatedConnectKeepsOneSocket(t *testing.T) {
	ts := newTestServer(t, func(ctx context.Context, _ int, conn *websocket.Conn) { drain(ctx, conn) })
	m := newTestManager(t, ts, testStore(), nil)

	m.Connect("user-1")
	waitForPhase(t, m, Connected)
	m.Connect("user-1")
	m.Connect("user-1")
	time.Sleep(100 * time.Millisecond)

	if got := ts.accepted.Load(); got != 1 {
		t.Fatalf("sockets opened = %d, want 1", got)
	}
	if got := m.State(); got.Phase != Connected || got.Identity != "user-1" {
		t.Fatalf("state = %+v", got)
	}
}

func TestManager_SendOnlyWhileConnected(t *testing.T) {
	received := make(chan string, 1)
	ts := newTestServer(t, func(ctx context.Context, _ int, conn *websocket.Conn) {
		_, data, err := conn.Read(ctx)
		if err == nil {
			received <- string(data)
		}
		drain(ctx, conn)
	})
	m := newTestManager(t, ts, testStore(), nil)

	if m.Send(Message{Type: "typing"}) {
		t.Fatalf("Send() = true while disconnected")
	}
	m.Connect("user-1")
	waitForPhase(t, m, Connected)
	if !m.Send(Message{Type: "typing", Payload: json.RawMessage(`{"room":"r1"}`)}) {
		t.Fatalf("Send() = false while connected")
	}
	select {
	case got := <-received:
		if !strings.Contains(got, `"type":"typing"`) || !strings.Contains(got, `"room":"r1"`) {
			t.Fatalf("server received %s", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("server received nothing")
	}
}

func TestManager_SendsHeartbeats(t *testing.T) {
	received := make(chan string, 4)
	ts := newTestServer(t, func(ctx context.Context, _ int, conn *websocket.Conn) {
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			received <- string(data)
		}
	})
	m := newTestManager(t, ts, testStore(), func(o *Options) { o.HeartbeatInterval = 30 * time.Millisecond })
	m.Connect("user-1")

	select {
	case got := <-received:
		if got != `{"type":"heartbeat"}` {
			t.Fatalf("frame = %s, want heartbeat", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no heartbeat received")
	}
}

func TestManager_ReconnectsAfterAbnormalClose(t *testing.T) {
	ts := newTestServer(t, func(ctx context.Context, n int, conn *websocket.Conn) {
		if n == 1 {
			_ = conn.Close(websocket.StatusInternalError, "boom")
			return
		}
		drain(ctx, conn)
	})
	m := newTestManager(t, ts, testStore(), nil)

	m.Connect("user-1")
	waitFor(t, "second socket", func() bool { return ts.accepted.Load() == 2 })
	waitForPhase(t, m, Connected)
	if got := m.State().Attempt; got != 0 {
		t.Fatalf("attempt after reconnect = %d, want 0", got)
	}
}

func TestManager_NormalCloseDoesNotReconnect(t *testing.T) {
	ts := newTestServer(t, func(ctx context.Context, _ int, conn *websocket.Conn) {
		_ = conn.Close(websocket.StatusGoingAway, "bye")
	})
	m := newTestManager(t, ts, testStore(), nil)

	m.Connect("user-1")
	waitFor(t, "first socket", func() bool { return ts.accepted.Load() == 1 })
	waitForPhase(t, m, Disconnected)
	time.Sleep(100 * time.Millisecond)
	if got := ts.accepted.Load(); got != 1 {
		t.Fatalf("sockets opened = %d, want 1", got)
	}
}

func TestManager_AuthCloseWithoutCredentialStops(t *testing.T) {
	store := testStore()
	closeNow := make(chan struct{})
	ts := newTestServer(t, func(ctx context.Context, _ int, conn *websocket.Conn) {
		select {
		case <-closeNow:
			_ = conn.Close(websocket.StatusCode(CodeAuthFailure), "session expired")
		case <-ctx.Done():
		}
	})
	m := newTestManager(t, ts, store, nil)

	m.Connect("user-1")
	waitForPhase(t, m, Connected)
	if err := credential.Clear(store); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	close(closeNow)

	waitForPhase(t, m, Disconnected)
	time.Sleep(100 * time.Millisecond)
	if got := ts.accepted.Load(); got != 1 {
		t.Fatalf("sockets opened = %d, want 1", got)
	}
}

func TestManager_GivesUpAfterMaxAttempts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	ts := &testServer{url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"}
	m := newTestManager(t, ts, testStore(), nil)

	m.Connect("user-1")
	// One initial dial plus MaxAttempts reconnects.
	waitFor(t, "all attempts", func() bool { return hits.Load() == 4 })
	waitForPhase(t, m, Disconnected)
	time.Sleep(150 * time.Millisecond)
	if got := hits.Load(); got != 4 {
		t.Fatalf("dials = %d, want 4", got)
	}
	if got := m.State().Attempt; got != 3 {
		t.Fatalf("attempt = %d, want 3", got)
	}

	m.Connect("")
	waitFor(t, "explicit reconnect", func() bool { return hits.Load() >= 5 })
}

func TestManager_DisconnectClosesSocketAndStaysDown(t *testing.T) {
	ended := make(chan struct{})
	ts := newTestServer(t, func(ctx context.Context, _ int, conn *websocket.Conn) {
		drain(ctx, conn)
		close(ended)
	})
	m := newTestManager(t, ts, testStore(), nil)

	m.Connect("user-1")
	waitForPhase(t, m, Connected)
	m.DisconnectAndClearIdentity()
	waitForPhase(t, m, Disconnected)

	select {
	case <-ended:
	case <-time.After(3 * time.Second):
		t.Fatalf("server socket still open after disconnect")
	}
	if got := m.State().Identity; got != "" {
		t.Fatalf("identity = %q, want cleared", got)
	}
	time.Sleep(100 * time.Millisecond)
	if got := ts.accepted.Load(); got != 1 {
		t.Fatalf("sockets opened = %d, want 1", got)
	}
}

func TestManager_SilentSocketClosesWithHeartbeatTimeoutAndReconnects(t *testing.T) {
	codes := make(chan websocket.StatusCode, 1)
	ts := newTestServer(t, func(ctx context.Context, n int, conn *websocket.Conn) {
		if n > 1 {
			drain(ctx, conn)
			return
		}
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				codes <- websocket.CloseStatus(err)
				return
			}
		}
	})
	m := newTestManager(t, ts, testStore(), func(o *Options) {
		o.HeartbeatInterval = 20 * time.Millisecond
		// Only the immediate first reconnect can land within the test.
		o.BaseDelay = time.Hour
		o.MaxDelay = time.Hour
	})

	m.Connect("user-1")
	select {
	case code := <-codes:
		if code != websocket.StatusCode(CodeHeartbeatTimeout) {
			t.Fatalf("close code = %d, want %d", code, CodeHeartbeatTimeout)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("silent socket was not closed")
	}
	waitFor(t, "immediate reconnect", func() bool { return ts.accepted.Load() >= 2 })
}

func TestManager_InboundFramesKeepSocketOpen(t *testing.T) {
	ts := newTestServer(t, func(ctx context.Context, _ int, conn *websocket.Conn) {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"heartbeat"}`)); err != nil {
					return
				}
			}
		}
	})
	m := newTestManager(t, ts, testStore(), func(o *Options) { o.HeartbeatInterval = 20 * time.Millisecond })

	m.Connect("user-1")
	waitForPhase(t, m, Connected)
	time.Sleep(300 * time.Millisecond)
	if got := ts.accepted.Load(); got != 1 {
		t.Fatalf("sockets opened = %d, want 1", got)
	}
	if got := m.State().Phase; got != Connected {
		t.Fatalf("phase = %s, want connected", got)
	}
}

func TestManager_ConnectOtherIdentityClosesOldSocketBeforeSettledDial(t *testing.T) {
	const settle = 150 * time.Millisecond
	var (
		mu       sync.Mutex
		closedAt time.Time
		openedAt time.Time
	)
	ts := newTestServer(t, func(ctx context.Context, n int, conn *websocket.Conn) {
		if n == 1 {
			drain(ctx, conn)
			mu.Lock()
			closedAt = time.Now()
			mu.Unlock()
			return
		}
		mu.Lock()
		openedAt = time.Now()
		mu.Unlock()
		drain(ctx, conn)
	})
	m := newTestManager(t, ts, testStore(), func(o *Options) { o.SettleDelay = settle })

	m.Connect("user-1")
	waitForPhase(t, m, Connected)
	first := <-ts.requests

	m.Connect("user-2")
	waitFor(t, "second socket", func() bool { return ts.accepted.Load() == 2 })
	waitFor(t, "connected as user-2", func() bool {
		s := m.State()
		return s.Phase == Connected && s.Identity == "user-2"
	})
	second := <-ts.requests

	if got := first.URL.Query().Get("identity"); got != "user-1" {
		t.Fatalf("first identity = %q", got)
	}
	if got := second.URL.Query().Get("identity"); got != "user-2" {
		t.Fatalf("second identity = %q", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if closedAt.IsZero() || !closedAt.Before(openedAt) {
		t.Fatalf("old socket closed at %v, new socket opened at %v", closedAt, openedAt)
	}
	if gap := openedAt.Sub(closedAt); gap < settle/2 {
		t.Fatalf("new socket opened %v after the old one closed, want about %v", gap, settle)
	}
}

func TestManager_AuthCloseWithCredentialRetriesOnceThenStops(t *testing.T) {
	const grace = 150 * time.Millisecond
	var (
		mu      sync.Mutex
		accepts []time.Time
	)
	ts := newTestServer(t, func(ctx context.Context, _ int, conn *websocket.Conn) {
		mu.Lock()
		accepts = append(accepts, time.Now())
		mu.Unlock()
		_ = conn.Close(websocket.StatusCode(CodeAuthFailure), "session expired")
	})
	m := newTestManager(t, ts, testStore(), func(o *Options) { o.AuthGracePeriod = grace })

	m.Connect("user-1")
	waitFor(t, "grace retry", func() bool { return ts.accepted.Load() == 2 })
	waitForPhase(t, m, Disconnected)
	time.Sleep(2 * grace)
	if got := ts.accepted.Load(); got != 2 {
		t.Fatalf("sockets opened = %d, want 2", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if gap := accepts[1].Sub(accepts[0]); gap < grace/2 {
		t.Fatalf("retry came %v after the auth close, want about %v", gap, grace)
	}
}
