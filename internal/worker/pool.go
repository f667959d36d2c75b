// Package worker implements the master-side half of the blocking-backend
// offload protocol (spec §4.E, component E): a bounded pool of persistent
// connections to worker processes, a FIFO wait queue for requests that
// arrive when every connection is busy, spawn-on-demand up to a
// configured maximum, and the single-inflight-per-connection discipline
// the wire protocol assumes.
package worker

import (
	"bufio"
	"container/list"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/aras-services/mailauthd/internal/wireproto"
)

// ErrPoolClosed is returned by Call once the pool has been shut down.
var ErrPoolClosed = errors.New("worker: pool closed")

// ErrWorkerFailed wraps a connection-level I/O error (spec §4.E: "a
// connection error reports INTERNAL_FAILURE for the in-flight request and
// retires the connection").
var ErrWorkerFailed = errors.New("worker: connection failed")

// ErrWorkerBuggy wraps a protocol violation: a reply that doesn't parse,
// or whose id doesn't match the request that was sent (spec §4.E:
// "a worker that violates the protocol is destroyed immediately and the
// failure is logged as a worker bug, not a transient error").
var ErrWorkerBuggy = errors.New("worker: protocol violation")

// ErrWorkerShuttingDown is returned when a worker sends an unsolicited
// SHUTDOWN instead of answering. The connection is retired; the caller is
// expected to resubmit, which acquires a fresh (possibly freshly spawned)
// connection.
var ErrWorkerShuttingDown = errors.New("worker: shutting down")

// queueWarnThreshold is how long a request may sit in the FIFO wait queue
// before Call logs a warning (spec §4.E: "queue age is logged past a
// threshold so operators notice the pool is undersized").
const queueWarnThreshold = 2 * time.Second

// DialFunc opens one new worker connection. Production code connects to
// an already-listening worker UNIX socket (it does not start a worker
// process); tests inject an in-memory net.Pipe.
type DialFunc func(ctx context.Context) (net.Conn, error)

// Config bounds pool behavior (spec §4.E).
type Config struct {
	// MaxWorkers is the maximum number of simultaneously live
	// connections (spec: auth_worker_max_count).
	MaxWorkers int

	// SpawnRetryDelay is how long to wait before retrying a dial that
	// failed with ECONNREFUSED/EAGAIN (spec: "the worker process may not
	// have finished starting yet; retry rather than fail the request").
	SpawnRetryDelay time.Duration

	// DefaultTimeout is used by Call callers that don't have a more
	// specific per-request deadline in mind (spec: 60s default).
	DefaultTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 1
	}
	if c.SpawnRetryDelay <= 0 {
		c.SpawnRetryDelay = 5 * time.Second
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 60 * time.Second
	}
	return c
}

type conn struct {
	nc net.Conn
	rd *bufio.Reader
}

// Pool is a bounded set of worker connections shared by concurrent
// callers.
type Pool struct {
	cfg    Config
	dial   DialFunc
	logger *zap.Logger

	mu        sync.Mutex
	idle      []*conn
	liveCount int
	waiters   *list.List // of chan *conn
	closed    bool
	draining  bool

	nextID atomic.Uint64
}

// NewPool constructs a Pool. logger may be nil, in which case a no-op
// logger is used.
func NewPool(cfg Config, dial DialFunc, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:     cfg.withDefaults(),
		dial:    dial,
		logger:  logger,
		waiters: list.New(),
	}
}

// Call dispatches one request line (built by build, which receives the
// pool-allocated request id) to a worker connection and returns its
// decoded reply. On any connection-level failure the connection is
// retired; on a protocol violation it is retired and the error wraps
// ErrWorkerBuggy.
func (p *Pool) Call(ctx context.Context, timeout time.Duration, build func(id uint64) string) (wireproto.Reply, error) {
	if timeout <= 0 {
		timeout = p.cfg.DefaultTimeout
	}
	id := p.nextID.Add(1)

	c, err := p.acquire(ctx)
	if err != nil {
		return wireproto.Reply{}, err
	}

	line := build(id)
	_ = c.nc.SetDeadline(time.Now().Add(timeout))

	if _, err := io.WriteString(c.nc, line); err != nil {
		p.release(c, true)
		return wireproto.Reply{}, fmt.Errorf("%w: write: %v", ErrWorkerFailed, err)
	}

	raw, err := c.rd.ReadString('\n')
	if err != nil {
		p.release(c, true)
		return wireproto.Reply{}, fmt.Errorf("%w: read: %v", ErrWorkerFailed, err)
	}

	reply, err := wireproto.DecodeReply(raw)
	if err != nil {
		p.release(c, true)
		return wireproto.Reply{}, fmt.Errorf("%w: %v", ErrWorkerBuggy, err)
	}
	if reply.Kind == wireproto.ReplySHUTDOWN {
		p.release(c, true)
		return wireproto.Reply{}, ErrWorkerShuttingDown
	}
	if reply.ID != id {
		p.release(c, true)
		return wireproto.Reply{}, fmt.Errorf("%w: reply id %d for request id %d", ErrWorkerBuggy, reply.ID, id)
	}

	p.release(c, false)
	return reply, nil
}

// Close retires every idle connection and causes future Call invocations
// to fail with ErrPoolClosed. Connections currently serving an in-flight
// Call are left to finish and are retired on their own release.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	for _, c := range idle {
		c.nc.Close()
	}
}

func (p *Pool) acquire(ctx context.Context) (*conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return c, nil
	}
	if !p.draining && p.liveCount < p.cfg.MaxWorkers {
		p.liveCount++
		p.mu.Unlock()
		c, err := p.spawnWithRetry(ctx)
		if err != nil {
			p.mu.Lock()
			p.liveCount--
			p.mu.Unlock()
			return nil, err
		}
		return c, nil
	}

	ch := make(chan *conn, 1)
	el := p.waiters.PushBack(ch)
	queuedAt := time.Now()
	p.mu.Unlock()

	select {
	case c := <-ch:
		if waited := time.Since(queuedAt); waited > queueWarnThreshold {
			p.logger.Warn("worker request waited past queue age threshold", zap.Duration("waited", waited))
		}
		return c, nil
	case <-ctx.Done():
		p.mu.Lock()
		p.waiters.Remove(el)
		p.mu.Unlock()
		select {
		case c := <-ch:
			// A release raced us and already handed off a connection;
			// don't strand it.
			p.release(c, false)
		default:
		}
		return nil, ctx.Err()
	}
}

func (p *Pool) release(c *conn, destroy bool) {
	if destroy {
		c.nc.Close()
		p.mu.Lock()
		p.liveCount--
		var waiter chan *conn
		if !p.closed && !p.draining {
			if el := p.waiters.Front(); el != nil {
				waiter = p.waiters.Remove(el).(chan *conn)
				p.liveCount++ // reserve the slot spawnReplacement is about to fill
			}
		}
		p.mu.Unlock()
		if waiter != nil {
			go p.spawnReplacement(waiter)
		}
		return
	}
	p.mu.Lock()
	if el := p.waiters.Front(); el != nil {
		ch := p.waiters.Remove(el).(chan *conn)
		p.mu.Unlock()
		ch <- c
		return
	}
	if p.closed || p.draining {
		p.liveCount--
		p.mu.Unlock()
		c.nc.Close()
		return
	}
	p.idle = append(p.idle, c)
	p.mu.Unlock()
}

// Drain marks the pool for administrative retirement (SPEC_FULL §4.L
// POST /workers/drain): idle connections are closed immediately, no new
// connections are spawned, and any connection returned by a finishing
// call is closed instead of recycled. Requests already queued when
// capacity runs out continue to wait for one of the dwindling live
// connections; Drain does not reject new Call invocations outright.
func (p *Pool) Drain() {
	p.mu.Lock()
	p.draining = true
	idle := p.idle
	p.idle = nil
	p.liveCount -= len(idle)
	p.mu.Unlock()
	for _, c := range idle {
		c.nc.Close()
	}
}

// Stats is a point-in-time occupancy snapshot for the admin API's
// /stats endpoint (SPEC_FULL §4.L).
type Stats struct {
	Live     int
	Idle     int
	Busy     int
	Queued   int
	Draining bool
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Live:     p.liveCount,
		Idle:     len(p.idle),
		Busy:     p.liveCount - len(p.idle),
		Queued:   p.waiters.Len(),
		Draining: p.draining,
	}
}

// spawnReplacement dials a fresh connection to replace one destroyed by a
// protocol violation or I/O failure, then hands it to the next queued
// waiter (spec §4.E step 5 / scenario 6: "a new worker is spawned ... and
// the queued next request is then dispatched"). It retries indefinitely
// on a transient dial error; the waiter's own context deadline, not this
// loop, is what unblocks it if the worker process never comes back.
func (p *Pool) spawnReplacement(waiter chan *conn) {
	c, err := p.spawnWithRetry(context.Background())
	if err != nil {
		p.logger.Warn("worker: failed to spawn replacement connection for queued request", zap.Error(err))
		p.mu.Lock()
		p.liveCount--
		p.mu.Unlock()
		return
	}
	waiter <- c
}

func (p *Pool) spawnWithRetry(ctx context.Context) (*conn, error) {
	for {
		nc, err := p.dial(ctx)
		if err == nil {
			return &conn{nc: nc, rd: bufio.NewReader(nc)}, nil
		}
		if !isRetryableDialError(err) {
			return nil, err
		}
		select {
		case <-time.After(p.cfg.SpawnRetryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func isRetryableDialError(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EAGAIN)
}
