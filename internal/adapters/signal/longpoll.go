package signal

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openjamlab/jamlink/internal/domain"
)

const (
	// pollQueueCap bounds the number of events buffered for an absent
	// poller; overflow closes the session the same way websocket
	// backpressure does.
	pollQueueCap = 256

	defaultPollWait    = 25 * time.Second
	defaultIdleTimeout = 60 * time.Second
)

// pollConn is the fallback transport for clients that cannot hold a
// websocket: events queue up until the next GET drains them. Implements
// Conn, so the controller treats both transports identically.
type pollConn struct {
	mu       sync.Mutex
	queue    [][]byte
	notify   chan struct{}
	closed   bool
	lastSeen time.Time
}

func newPollConn() *pollConn {
	return &pollConn{notify: make(chan struct{}, 1), lastSeen: time.Now()}
}

func (c *pollConn) TrySend(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if len(c.queue) >= pollQueueCap {
		c.closed = true
		c.wake()
		return ErrBackpressure
	}
	c.queue = append(c.queue, data)
	c.wake()
	return nil
}

func (c *pollConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.wake()
}

func (c *pollConn) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// drain empties the queue; alive=false once the session is closed and the
// queue exhausted.
func (c *pollConn) drain() (events [][]byte, alive bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	events = c.queue
	c.queue = nil
	c.lastSeen = time.Now()
	return events, !c.closed
}

func (c *pollConn) idleSince(cutoff time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed || c.lastSeen.Before(cutoff)
}

// PollManager owns the long-poll sessions and maps them onto the
// controller. A session that stops polling is treated as a channel close
// after the idle window.
type PollManager struct {
	ctl         *Controller
	waitTimeout time.Duration
	idleTimeout time.Duration

	mu    sync.Mutex
	conns map[domain.ClientID]*pollConn
}

func NewPollManager(ctx context.Context, ctl *Controller) *PollManager {
	m := &PollManager{
		ctl:         ctl,
		waitTimeout: defaultPollWait,
		idleTimeout: defaultIdleTimeout,
		conns:       make(map[domain.ClientID]*pollConn),
	}
	go m.reap(ctx)
	return m
}

// Open allocates a new long-poll session and its connection identifier.
func (m *PollManager) Open(defaults Profile) domain.ClientID {
	conn := newPollConn()
	id := m.ctl.Register(conn, defaults)
	m.mu.Lock()
	m.conns[id] = conn
	m.mu.Unlock()
	log.Info().Str("module", "signal.poll").Str("conn", string(id)).Msg("poll session opened")
	return id
}

// Poll blocks until events are queued, the wait window elapses, or the
// request context ends. alive=false tells the client the session is gone.
func (m *PollManager) Poll(ctx context.Context, id domain.ClientID) (events [][]byte, alive bool) {
	m.mu.Lock()
	conn, ok := m.conns[id]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}

	timer := time.NewTimer(m.waitTimeout)
	defer timer.Stop()

	for {
		events, alive = conn.drain()
		if len(events) > 0 || !alive {
			if !alive {
				m.close(id, conn)
			}
			return events, alive
		}
		select {
		case <-conn.notify:
		case <-timer.C:
			return nil, true
		case <-ctx.Done():
			return nil, true
		}
	}
}

// Push dispatches one inbound envelope from the session. ok=false when the
// session does not exist.
func (m *PollManager) Push(id domain.ClientID, data []byte) bool {
	m.mu.Lock()
	conn, ok := m.conns[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	conn.mu.Lock()
	conn.lastSeen = time.Now()
	closed := conn.closed
	conn.mu.Unlock()
	if closed {
		return false
	}
	m.ctl.Dispatch(id, data)
	return true
}

// Shutdown explicitly ends the session (DELETE from the client).
func (m *PollManager) Shutdown(id domain.ClientID) bool {
	m.mu.Lock()
	conn, ok := m.conns[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.close(id, conn)
	return true
}

func (m *PollManager) close(id domain.ClientID, conn *pollConn) {
	m.mu.Lock()
	delete(m.conns, id)
	m.mu.Unlock()
	conn.Close()
	m.ctl.Disconnect(id)
}

func (m *PollManager) reap(ctx context.Context) {
	ticker := time.NewTicker(m.idleTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-m.idleTimeout)
			m.mu.Lock()
			stale := make(map[domain.ClientID]*pollConn)
			for id, conn := range m.conns {
				if conn.idleSince(cutoff) {
					stale[id] = conn
				}
			}
			m.mu.Unlock()
			for id, conn := range stale {
				log.Info().Str("module", "signal.poll").Str("conn", string(id)).Msg("reaping idle poll session")
				m.close(id, conn)
			}
		}
	}
}
