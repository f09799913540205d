package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/classchat/internal/auth"
	"github.com/dkeye/classchat/internal/core"
	"github.com/dkeye/classchat/internal/domain"
	"github.com/dkeye/classchat/internal/telemetry"
)

var errHandshakeTimeout = errors.New("handshake timed out")

type ManagerConfig struct {
	Endpoint          string
	HandshakeTimeout  time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
	// BackoffJitter is the randomization factor in [0, 1).
	BackoffJitter float64
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = max(30*time.Second, c.BackoffBase)
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 2
	}
	if c.BackoffJitter < 0 || c.BackoffJitter >= 1 {
		c.BackoffJitter = 0.2
	}
	return c
}

type StateChange struct {
	From core.ConnectionState `json:"from"`
	To   core.ConnectionState `json:"to"`
	Err  error                `json:"-"`
}

// ConnManager owns the single logical connection to the messaging endpoint.
// Transport failures never reach callers: they move the state to Error and
// schedule a retry on the injected clock.
type ConnManager struct {
	dialer  core.Dialer
	clock   core.Clock
	cfg     ManagerConfig
	metrics *telemetry.Metrics

	mu         sync.Mutex
	state      core.ConnectionState
	credential string
	identity   auth.Identity
	conn       core.Conn
	gen        uint64
	cancelDial context.CancelFunc
	retry      core.Timer
	backoff    *backoff.ExponentialBackOff
	retries    int
	lastErr    error
	changes    []StateChange
	hooks      []func()
	onFrame    func(core.Frame)

	listeners listenerSet[StateChange]
}

func NewConnManager(dialer core.Dialer, clock core.Clock, cfg ManagerConfig, metrics *telemetry.Metrics) *ConnManager {
	cfg = cfg.withDefaults()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BackoffBase
	b.MaxInterval = cfg.BackoffMax
	b.Multiplier = cfg.BackoffMultiplier
	b.RandomizationFactor = cfg.BackoffJitter
	b.Reset()

	m := &ConnManager{
		dialer:  dialer,
		clock:   clock,
		cfg:     cfg,
		metrics: metrics,
		backoff: b,
	}
	metrics.SetConnState(int(core.StateDisconnected))
	return m
}

// OnFrame sets the inbound frame sink. Must be called before Connect.
func (m *ConnManager) OnFrame(fn func(core.Frame)) {
	m.mu.Lock()
	m.onFrame = fn
	m.mu.Unlock()
}

// OnConnected registers a hook run after every successful handshake, in
// registration order, before Connect returns.
func (m *ConnManager) OnConnected(fn func()) {
	m.mu.Lock()
	m.hooks = append(m.hooks, fn)
	m.mu.Unlock()
}

func (m *ConnManager) OnStateChange(fn func(StateChange)) func() {
	return m.listeners.add(AllRooms, fn)
}

func (m *ConnManager) State() core.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError is the error behind the latest transition, nil after success.
func (m *ConnManager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *ConnManager) Identity() auth.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// Retries counts scheduled retries since the last successful handshake.
func (m *ConnManager) Retries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retries
}

// Connect validates the credential and performs the first handshake.
// It returns domain.ErrAuth for a credential that is absent, malformed,
// expired or rejected by the endpoint. Other failures are retried.
func (m *ConnManager) Connect(ctx context.Context, credential string) error {
	id, err := auth.Check(credential, m.clock.Now())
	if err != nil {
		log.Warn().Str("module", "app.conn").Err(err).Msg("credential rejected locally")
		return err
	}

	m.mu.Lock()
	m.credential = credential
	m.identity = id
	if m.state == core.StateConnecting || m.state == core.StateConnected {
		st := m.state
		m.mu.Unlock()
		log.Info().Str("module", "app.conn").Stringer("state", st).Msg("connect ignored, session already live")
		return nil
	}
	m.stopRetryLocked()
	m.backoff.Reset()
	m.retries = 0
	m.mu.Unlock()

	return m.attempt(ctx, 0)
}

// Reconnect cancels a scheduled retry, resets the backoff and attempts
// immediately. It acts only from Error, or from Disconnected once a
// credential is known.
func (m *ConnManager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	switch {
	case m.state == core.StateError:
	case m.state == core.StateDisconnected && m.credential != "":
	case m.state == core.StateDisconnected:
		m.mu.Unlock()
		return fmt.Errorf("%w: no credential", domain.ErrAuth)
	default:
		m.mu.Unlock()
		return nil
	}
	m.stopRetryLocked()
	m.backoff.Reset()
	m.retries = 0
	m.mu.Unlock()

	log.Info().Str("module", "app.conn").Msg("manual reconnect")
	return m.attempt(ctx, 0)
}

// Disconnect tears the session down and cancels any pending retry.
func (m *ConnManager) Disconnect() {
	m.mu.Lock()
	m.stopRetryLocked()
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	m.gen++
	conn := m.conn
	m.conn = nil
	if m.state != core.StateDisconnected {
		m.transitionLocked(core.StateDisconnected, nil)
	}
	m.unlockAndNotify()

	if conn != nil {
		conn.Close()
	}
	log.Info().Str("module", "app.conn").Msg("disconnected")
}

// Send writes a frame on the live connection without blocking.
// It returns domain.ErrNotConnected when there is none and
// domain.ErrBackpressure when the socket buffer is full.
func (m *ConnManager) Send(f core.Frame) error {
	m.mu.Lock()
	conn := m.conn
	live := m.state == core.StateConnected
	m.mu.Unlock()
	if !live || conn == nil {
		return domain.ErrNotConnected
	}
	if err := conn.TrySend(f); err != nil {
		if errors.Is(err, domain.ErrBackpressure) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrNotConnected, err)
	}
	return nil
}

// attempt runs one handshake. retryGen is non-zero when a retry timer fired;
// the attempt is then dropped if the session moved on since it was scheduled.
func (m *ConnManager) attempt(ctx context.Context, retryGen uint64) error {
	m.mu.Lock()
	if retryGen != 0 && (retryGen != m.gen || m.state != core.StateError) {
		m.mu.Unlock()
		return nil
	}
	if !m.transitionLocked(core.StateConnecting, nil) {
		m.unlockAndNotify()
		return nil
	}
	if retryGen != 0 {
		m.metrics.IncReconnect()
	}
	m.gen++
	gen := m.gen
	credential := m.credential
	dialCtx, cancel := context.WithCancelCause(ctx)
	deadline := m.clock.AfterFunc(m.cfg.HandshakeTimeout, func() { cancel(errHandshakeTimeout) })
	m.cancelDial = func() { cancel(context.Canceled) }
	m.unlockAndNotify()

	conn, err := m.dialer.Dial(dialCtx, m.cfg.Endpoint, credential, core.ConnHandler{
		OnFrame: func(f core.Frame) { m.handleFrame(gen, f) },
		OnClose: func(err error) { m.handleClose(gen, err) },
	})
	deadline.Stop()
	cancel(nil)

	m.mu.Lock()
	if gen == m.gen {
		m.cancelDial = nil
	}
	if gen != m.gen || m.state != core.StateConnecting {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return nil
	}

	if err != nil {
		if errors.Is(err, domain.ErrAuth) {
			m.transitionLocked(core.StateError, err)
			m.unlockAndNotify()
			log.Warn().Str("module", "app.conn").Err(err).Msg("handshake rejected, not retrying")
			return err
		}
		if !errors.Is(err, domain.ErrTransport) {
			err = fmt.Errorf("%w: %v", domain.ErrTransport, err)
		}
		m.transitionLocked(core.StateError, err)
		m.scheduleRetryLocked()
		m.unlockAndNotify()
		log.Warn().Str("module", "app.conn").Err(err).Msg("handshake failed")
		return nil
	}

	m.conn = conn
	m.backoff.Reset()
	m.retries = 0
	m.transitionLocked(core.StateConnected, nil)
	hooks := slices.Clone(m.hooks)
	m.unlockAndNotify()

	log.Info().Str("module", "app.conn").Str("endpoint", m.cfg.Endpoint).Msg("connected")
	for _, h := range hooks {
		runSafe("app.conn", h)
	}
	return nil
}

func (m *ConnManager) handleFrame(gen uint64, f core.Frame) {
	m.mu.Lock()
	fn := m.onFrame
	stale := gen != m.gen
	m.mu.Unlock()
	if stale || fn == nil {
		return
	}
	fn(f)
}

func (m *ConnManager) handleClose(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	if err == nil {
		err = errors.New("closed by peer")
	}
	if !errors.Is(err, domain.ErrTransport) {
		err = fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	if m.transitionLocked(core.StateError, err) {
		m.scheduleRetryLocked()
	}
	m.unlockAndNotify()
	log.Warn().Str("module", "app.conn").Err(err).Msg("connection lost")
}

func (m *ConnManager) scheduleRetryLocked() {
	m.stopRetryLocked()
	d := m.backoff.NextBackOff()
	if d == backoff.Stop || d > m.cfg.BackoffMax {
		d = m.cfg.BackoffMax
	}
	m.retries++
	gen := m.gen
	m.retry = m.clock.AfterFunc(d, func() {
		_ = m.attempt(context.Background(), gen)
	})
	log.Info().Str("module", "app.conn").Dur("in", d).Int("retry", m.retries).Msg("reconnect scheduled")
}

func (m *ConnManager) stopRetryLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

// transitionLocked moves along an edge of the state machine. Refused
// transitions are logged and leave the state unchanged.
func (m *ConnManager) transitionLocked(to core.ConnectionState, err error) bool {
	from := m.state
	if !core.CanTransition(from, to) {
		log.Warn().Str("module", "app.conn").Stringer("from", from).Stringer("to", to).Msg("refused state transition")
		return false
	}
	m.state = to
	m.lastErr = err
	m.changes = append(m.changes, StateChange{From: from, To: to, Err: err})
	m.metrics.SetConnState(int(to))
	return true
}

// unlockAndNotify releases the lock, then reports queued transitions.
func (m *ConnManager) unlockAndNotify() {
	changes := m.changes
	m.changes = nil
	m.mu.Unlock()

	for _, ch := range changes {
		log.Debug().Str("module", "app.conn").Stringer("from", ch.From).Stringer("to", ch.To).Msg("state changed")
		for _, l := range m.listeners.matching(AllRooms) {
			runSafe("app.conn", func() { l.call(ch) })
		}
	}
}
