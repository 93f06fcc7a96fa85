package realtime

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

type Phase int

const (
	Disconnected Phase = iota
	Connecting
	Connected
	Reconnecting
)

func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// State is a snapshot of the connection. Attempt and NextDeadline are only
// meaningful while Reconnecting.
type State struct {
	Phase        Phase
	Identity     string
	Attempt      int
	NextDeadline time.Time
}

func (s State) String() string {
	if s.Phase == Reconnecting {
		return fmt.Sprintf("reconnecting(%d, %s)", s.Attempt, s.NextDeadline.Format(time.RFC3339))
	}
	return s.Phase.String()
}

// closeReason classifies why a socket ended.
type closeReason int

const (
	closeAbnormal closeReason = iota
	closeNormal
	closeHeartbeatTimeout
	closeAuthFailure
)

func (r closeReason) String() string {
	switch r {
	case closeNormal:
		return "normal"
	case closeHeartbeatTimeout:
		return "heartbeat_timeout"
	case closeAuthFailure:
		return "auth_failure"
	default:
		return "abnormal"
	}
}

type eventKind int

const (
	evConnect eventKind = iota + 1
	evDisconnect
	evDialed
	evClosed
	evTimer
	// evAlive reports the first frame read on a socket.
	evAlive
)

// event is the input of transition. at is stamped by the manager so the
// transition itself never reads the clock.
type event struct {
	kind     eventKind
	at       time.Time
	identity string
	clear    bool
	conn     uint64
	timer    uint64
	reason   closeReason
	// hasCredential is sampled when an auth-failure close is observed.
	hasCredential bool
}

type effectKind int

const (
	effDial effectKind = iota + 1
	effCloseSocket
	effStartHeartbeat
	effSchedule
	effCancelTimer
)

type effect struct {
	kind     effectKind
	conn     uint64
	identity string
	code     int
	reason   string
	timer    uint64
	delay    time.Duration
}

// timing holds the configuration transition needs.
type timing struct {
	settleDelay     time.Duration
	authGracePeriod time.Duration
}

// machine is the whole connection state. It is a value: transition returns
// a new machine and the side effects the manager must run.
type machine struct {
	phase    Phase
	identity string
	deadline time.Time

	// conn numbers sockets; events for any other socket are stale.
	conn uint64
	// timer numbers scheduled tasks; a fire for any other number is stale.
	timer      uint64
	timerArmed bool

	backoff     linearBackOff
	authRetried bool
}

func newMachine(b linearBackOff) machine {
	return machine{phase: Disconnected, backoff: b}
}

func (m machine) State() State {
	s := State{Phase: m.phase, Identity: m.identity, Attempt: m.backoff.Attempt()}
	if m.phase == Reconnecting {
		s.NextDeadline = m.deadline
	}
	return s
}

func transition(m machine, ev event, t timing) (machine, []effect) {
	switch ev.kind {
	case evConnect:
		return m.connect(ev, t)
	case evDisconnect:
		return m.disconnect(ev)
	case evDialed:
		if ev.conn != m.conn || m.phase != Connecting {
			return m, []effect{{kind: effCloseSocket, conn: ev.conn, code: codeNormal, reason: "superseded"}}
		}
		// An auth retry stays spent until the new socket proves usable.
		m.phase = Connected
		m.backoff.Reset()
		return m, []effect{{kind: effStartHeartbeat, conn: ev.conn}}
	case evAlive:
		if ev.conn == m.conn && m.phase == Connected {
			m.authRetried = false
		}
		return m, nil
	case evClosed:
		return m.closed(ev, t)
	case evTimer:
		if !m.timerArmed || ev.timer != m.timer {
			return m, nil
		}
		m.timerArmed = false
		return m.dial()
	default:
		return m, nil
	}
}

func (m machine) connect(ev event, t timing) (machine, []effect) {
	identity := ev.identity
	if identity == "" {
		identity = m.identity
	}
	if identity == "" {
		return m, nil
	}
	active := m.phase == Connected || m.phase == Connecting
	if active && identity == m.identity {
		return m, nil
	}

	var effects []effect
	m.backoff.Reset()
	m.authRetried = false
	if m.timerArmed {
		m, effects = m.cancelTimer(effects)
	}
	if !active {
		m.identity = identity
		next, dial := m.dial()
		return next, append(effects, dial...)
	}

	// Tear down the other identity's socket and let it settle before the
	// new one opens on the same transport.
	effects = append(effects, effect{kind: effCloseSocket, conn: m.conn, code: codeNormal, reason: "identity changed"})
	m.conn++
	m.identity = identity
	m.phase = Connecting
	m.timer++
	m.timerArmed = true
	effects = append(effects, effect{kind: effSchedule, timer: m.timer, delay: t.settleDelay})
	return m, effects
}

func (m machine) disconnect(ev event) (machine, []effect) {
	var effects []effect
	if m.timerArmed {
		m, effects = m.cancelTimer(effects)
	}
	if m.phase == Connected || m.phase == Connecting {
		effects = append(effects, effect{kind: effCloseSocket, conn: m.conn, code: codeNormal, reason: "client disconnect"})
		m.conn++
	}
	m.phase = Disconnected
	m.backoff.Reset()
	m.authRetried = false
	if ev.clear {
		m.identity = ""
	}
	return m, effects
}

func (m machine) closed(ev event, t timing) (machine, []effect) {
	if ev.conn != m.conn || (m.phase != Connected && m.phase != Connecting) {
		return m, nil
	}
	effects := []effect{{kind: effCloseSocket, conn: ev.conn, code: codeNormal, reason: "closed"}}
	m.conn++

	switch ev.reason {
	case closeNormal:
		m.phase = Disconnected
		m.backoff.Reset()
		return m, effects

	case closeAuthFailure:
		if !ev.hasCredential || m.authRetried {
			m.phase = Disconnected
			return m, effects
		}
		m.authRetried = true
		if m.backoff.NextBackOff() == backoff.Stop {
			m.phase = Disconnected
			return m, effects
		}
		return m.schedule(ev.at, t.authGracePeriod, effects)

	case closeHeartbeatTimeout:
		first := m.backoff.Attempt() == 0
		delay := m.backoff.NextBackOff()
		if delay == backoff.Stop {
			m.phase = Disconnected
			return m, effects
		}
		if first {
			delay = 0
		}
		return m.schedule(ev.at, delay, effects)

	default:
		delay := m.backoff.NextBackOff()
		if delay == backoff.Stop {
			m.phase = Disconnected
			return m, effects
		}
		return m.schedule(ev.at, delay, effects)
	}
}

func (m machine) schedule(now time.Time, delay time.Duration, effects []effect) (machine, []effect) {
	m.phase = Reconnecting
	m.deadline = now.Add(delay)
	m.timer++
	m.timerArmed = true
	return m, append(effects, effect{kind: effSchedule, timer: m.timer, delay: delay})
}

func (m machine) cancelTimer(effects []effect) (machine, []effect) {
	effects = append(effects, effect{kind: effCancelTimer, timer: m.timer})
	m.timer++
	m.timerArmed = false
	return m, effects
}

func (m machine) dial() (machine, []effect) {
	m.conn++
	m.phase = Connecting
	m.deadline = time.Time{}
	return m, []effect{{kind: effDial, conn: m.conn, identity: m.identity}}
}
