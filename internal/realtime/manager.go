// Package realtime keeps one WebSocket open per identity, answering control
// frames, sending heartbeats and reconnecting with a capped linear backoff.
// Subscribers only ever see decoded application messages.
package realtime

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"

	"backendlink/internal/credential"
	"backendlink/internal/logging"
	"backendlink/internal/metrics"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultBaseDelay         = 2 * time.Second
	defaultMaxDelay          = 30 * time.Second
	defaultMaxAttempts       = 10
	defaultSettleDelay       = 500 * time.Millisecond
	defaultAuthGracePeriod   = 2 * time.Second
	defaultDialTimeout       = 15 * time.Second
	defaultWriteTimeout      = 5 * time.Second

	// The socket is considered dead after this many silent heartbeat periods.
	watchdogPeriods = 3
)

type Options struct {
	// Dial opens sockets. Use SignedDialer for the backend.
	Dial Dialer
	// Store is consulted after an auth-failure close.
	Store credential.Store

	HeartbeatInterval time.Duration
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	MaxAttempts       int
	SettleDelay       time.Duration
	AuthGracePeriod   time.Duration
	DialTimeout       time.Duration
	WriteTimeout      time.Duration

	// OnStateChange runs on the manager's loop after every phase or
	// identity change. It must not block or call back into the manager.
	OnStateChange func(State)

	Metrics *metrics.Collectors
	Now     func() time.Time
}

type Manager struct {
	dial              Dialer
	store             credential.Store
	heartbeatInterval time.Duration
	dialTimeout       time.Duration
	writeTimeout      time.Duration
	timing            timing
	onState           func(State)
	metrics           *metrics.Collectors
	now               func() time.Time
	logger            *logging.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	events    chan posted
	done      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once

	// Owned by the loop goroutine.
	machine machine
	sockets map[uint64]*socket
	timers  map[uint64]*time.Timer

	mu    sync.RWMutex
	state State
	live  *socket

	subMu   sync.RWMutex
	subs    map[uint64]func(Message)
	nextSub uint64
}

type posted struct {
	ev   event
	sock *socket
}

func New(opts Options, logger *logging.Logger) *Manager {
	if logger == nil {
		panic("realtime.New: logger must not be nil")
	}
	if opts.Dial == nil {
		panic("realtime.New: dialer must not be nil")
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = defaultMaxDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	} else if opts.SettleDelay == 0 {
		opts.SettleDelay = defaultSettleDelay
	}
	if opts.AuthGracePeriod <= 0 {
		opts.AuthGracePeriod = defaultAuthGracePeriod
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		dial:              opts.Dial,
		store:             opts.Store,
		heartbeatInterval: opts.HeartbeatInterval,
		dialTimeout:       opts.DialTimeout,
		writeTimeout:      opts.WriteTimeout,
		timing: timing{
			settleDelay:     opts.SettleDelay,
			authGracePeriod: opts.AuthGracePeriod,
		},
		onState:  opts.OnStateChange,
		metrics:  opts.Metrics,
		now:      opts.Now,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan posted, 64),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
		machine: newMachine(linearBackOff{
			Base:        opts.BaseDelay,
			Max:         opts.MaxDelay,
			MaxAttempts: opts.MaxAttempts,
		}),
		sockets: make(map[uint64]*socket),
		timers:  make(map[uint64]*time.Timer),
		subs:    make(map[uint64]func(Message)),
	}
	go m.loop()
	return m
}

// Connect opens the socket for identity. It is a no-op while already
// connected or connecting as identity, and resets the reconnect counter
// otherwise. An empty identity reuses the last one.
func (m *Manager) Connect(identity string) {
	m.post(posted{ev: event{kind: evConnect, identity: identity}})
}

// Disconnect closes the socket and cancels any scheduled reconnect. The
// identity is kept for a later Connect("").
func (m *Manager) Disconnect() {
	m.post(posted{ev: event{kind: evDisconnect}})
}

func (m *Manager) DisconnectAndClearIdentity() {
	m.post(posted{ev: event{kind: evDisconnect, clear: true}})
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Subscribe registers fn for every application message. The returned
// function unregisters it and may be called more than once.
func (m *Manager) Subscribe(fn func(Message)) func() {
	if fn == nil {
		return func() {}
	}
	m.subMu.Lock()
	m.nextSub++
	handle := m.nextSub
	m.subs[handle] = fn
	m.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, handle)
			m.subMu.Unlock()
		})
	}
}

// Send writes msg when connected and reports whether it was written.
// Nothing is queued.
func (m *Manager) Send(msg Message) bool {
	m.mu.RLock()
	live := m.live
	connected := m.state.Phase == Connected
	m.mu.RUnlock()
	if !connected || live == nil {
		return false
	}
	if err := live.write(msg); err != nil {
		m.logger.Debug("realtime send failed", logging.Field("type", msg.Type), logging.Field("error", err))
		return false
	}
	return true
}

// Close stops the manager, its timers and its socket. Later calls are no-ops.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
	})
	<-m.loopDone
}

func (m *Manager) post(p posted) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.events <- p:
		return true
	case <-m.done:
		return false
	}
}

func (m *Manager) loop() {
	defer close(m.loopDone)
	for {
		select {
		case <-m.done:
			m.shutdown()
			return
		case p := <-m.events:
			m.apply(p)
		}
	}
}

func (m *Manager) apply(p posted) {
	ev := p.ev
	if ev.at.IsZero() {
		ev.at = m.now()
	}
	if ev.kind == evDialed && p.sock != nil {
		m.sockets[ev.conn] = p.sock
	}

	prev := m.machine.State()
	next, effects := transition(m.machine, ev, m.timing)
	m.machine = next
	for _, eff := range effects {
		m.run(eff)
	}

	state := next.State()
	m.mu.Lock()
	m.state = state
	if state.Phase == Connected {
		m.live = m.sockets[next.conn]
	} else {
		m.live = nil
	}
	m.mu.Unlock()

	if prev.Phase != state.Phase || prev.Identity != state.Identity {
		m.metrics.RealtimeState(int(state.Phase))
		m.logTransition(prev, state, ev)
		if m.onState != nil {
			m.onState(state)
		}
	}
}

func (m *Manager) run(eff effect) {
	switch eff.kind {
	case effDial:
		go m.open(eff.conn, eff.identity)
	case effCloseSocket:
		if s, ok := m.sockets[eff.conn]; ok {
			delete(m.sockets, eff.conn)
			s.release(eff.code, eff.reason)
		}
	case effStartHeartbeat:
		if s, ok := m.sockets[eff.conn]; ok {
			go m.heartbeat(s)
		}
	case effSchedule:
		if m.machine.phase == Reconnecting {
			m.metrics.ReconnectAttempt()
		}
		id := eff.timer
		m.timers[id] = time.AfterFunc(eff.delay, func() {
			m.post(posted{ev: event{kind: evTimer, timer: id}})
		})
	case effCancelTimer:
		if timer, ok := m.timers[eff.timer]; ok {
			timer.Stop()
			delete(m.timers, eff.timer)
		}
	}
}

func (m *Manager) shutdown() {
	for id, timer := range m.timers {
		timer.Stop()
		delete(m.timers, id)
	}
	for id, s := range m.sockets {
		delete(m.sockets, id)
		s.release(codeNormal, "client shutdown")
	}
	m.cancel()
	m.mu.Lock()
	m.state = State{Phase: Disconnected, Identity: m.state.Identity}
	m.live = nil
	m.mu.Unlock()
	m.metrics.RealtimeState(int(Disconnected))
}

// open dials one socket and reports the outcome to the loop. The reader
// starts only after the dialed event is queued so its close event can
// never overtake it.
func (m *Manager) open(id uint64, identity string) {
	ctx, cancel := context.WithTimeout(m.ctx, m.dialTimeout)
	conn, err := m.dial(ctx, identity)
	cancel()
	if err != nil {
		reason := closeAbnormal
		if errors.Is(err, errNoCredential) || errors.Is(err, errHandshakeUnauthorized) {
			reason = closeAuthFailure
		}
		m.logger.Debug("realtime dial failed",
			logging.Field("identity", identity),
			logging.Field("reason", reason.String()),
			logging.Field("error", err),
		)
		m.post(posted{ev: m.closedEvent(id, reason)})
		return
	}

	s := newSocket(m.ctx, id, identity, conn, m.writeTimeout, watchdogPeriods*m.heartbeatInterval)
	if !m.post(posted{ev: event{kind: evDialed, conn: id}, sock: s}) {
		s.release(codeNormal, "client shutdown")
		return
	}
	go m.read(s)
}

func (m *Manager) closedEvent(id uint64, reason closeReason) event {
	ev := event{kind: evClosed, conn: id, reason: reason}
	if reason == closeAuthFailure {
		_, ok, err := credential.Load(m.store)
		ev.hasCredential = ok && err == nil
	}
	return ev
}

// read runs until the socket ends. A ping is answered here, directly on
// the socket, so it never waits on the loop's bookkeeping.
func (m *Manager) read(s *socket) {
	alive := false
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			reason := readCloseReason(s, err)
			m.logger.Debug("realtime socket ended",
				logging.Field("identity", s.identity),
				logging.Field("reason", reason.String()),
				logging.Field("error", err),
			)
			m.post(posted{ev: m.closedEvent(s.id, reason)})
			return
		}
		s.feed()
		if !alive {
			alive = true
			m.post(posted{ev: event{kind: evAlive, conn: s.id}})
		}

		msg, err := decodeFrame(data)
		if err != nil {
			m.metrics.Frame("malformed")
			m.logger.Debug("dropping malformed realtime frame",
				logging.Field("error", err),
				logging.Field("frame", logging.FormatPayload(data)),
			)
			continue
		}
		m.metrics.Frame(msg.Type)

		switch msg.Type {
		case TypePing:
			if err := s.write(Message{Type: TypePong}); err != nil {
				m.logger.Debug("realtime pong failed", logging.Field("error", err))
			}
		case TypePong, TypeHeartbeat:
			m.logger.Debug("realtime keep-alive acknowledged", logging.Field("type", msg.Type))
		default:
			m.deliver(msg)
		}
	}
}

func readCloseReason(s *socket, err error) closeReason {
	if s.timedOut.Load() {
		return closeHeartbeatTimeout
	}
	if code := websocket.CloseStatus(err); code != -1 {
		return classifyClose(int(code))
	}
	return closeAbnormal
}

func (m *Manager) heartbeat(s *socket) {
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.heartbeatStopped():
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.write(Message{Type: TypeHeartbeat}); err != nil {
				m.logger.Debug("realtime heartbeat failed", logging.Field("error", err))
			}
		}
	}
}

func (m *Manager) deliver(msg Message) {
	m.subMu.RLock()
	handles := make([]uint64, 0, len(m.subs))
	for handle := range m.subs {
		handles = append(handles, handle)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })
	callbacks := make([]func(Message), 0, len(handles))
	for _, handle := range handles {
		callbacks = append(callbacks, m.subs[handle])
	}
	m.subMu.RUnlock()

	for _, fn := range callbacks {
		fn(msg)
	}
}

func (m *Manager) logTransition(prev, next State, ev event) {
	switch next.Phase {
	case Connected:
		m.logger.Info("realtime connected", logging.Field("identity", next.Identity))
	case Reconnecting:
		m.logger.Info("realtime reconnect scheduled",
			logging.Field("identity", next.Identity),
			logging.Field("attempt", next.Attempt),
			logging.Field("reason", ev.reason.String()),
			logging.Field("next_retry", next.NextDeadline.Sub(ev.at).String()),
		)
	case Disconnected:
		if ev.kind == evClosed && ev.reason != closeNormal {
			m.logger.Warn("realtime reconnection stopped",
				logging.Field("identity", prev.Identity),
				logging.Field("reason", ev.reason.String()),
				logging.Field("attempts", next.Attempt),
			)
			return
		}
		m.logger.Info("realtime disconnected", logging.Field("identity", prev.Identity))
	default:
		m.logger.Debug("realtime state changed",
			logging.Field("from", prev.String()),
			logging.Field("to", next.String()),
			logging.Field("identity", next.Identity),
		)
	}
}
