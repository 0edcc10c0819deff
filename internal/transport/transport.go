// Package transport implements LatZero's connection layer: a listener
// (TCP by default, AF_VSOCK optionally, per spec.md §6), per-connection
// read/write loops built on protocol.ReadFrame/WriteFrame and
// protocol.Decode/Encode, and the lifecycle glue that notifies the
// Orchestrator's wiring when a connection closes.
//
// Each connection runs two goroutines: one blocks on ReadFrame and
// dispatches synchronously, while writes are serialized through a
// per-connection outbound channel so that concurrently-dispatched trigger
// responses never interleave a single conn's frame bytes.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mdlayher/vsock"

	"github.com/latzero/latzero/internal/logging"
	"github.com/latzero/latzero/internal/metrics"
	"github.com/latzero/latzero/internal/protocol"
	"github.com/latzero/latzero/internal/ratelimit"
)

// MessageHandler processes one decoded inbound message and optionally
// returns an immediate reply to write back to the same connection (used by
// handshake/memory/admin request-response kinds). A nil return means the
// handler will reply asynchronously later via Transport.Send, as the
// Trigger Router does for trigger/response/emit.
type MessageHandler func(ctx context.Context, connID int64, msg *protocol.Message) *protocol.Message

// DisconnectHandler is invoked once per connection close, exactly once,
// regardless of whether the close originated from a read error, a write
// error, or Transport.Close.
type DisconnectHandler func(ctx context.Context, connID int64)

// Config controls how the Transport listens and how much slack it gives
// each connection.
type Config struct {
	// Address is the TCP listen address (e.g. "127.0.0.1:7420"), used
	// unless UseVsock is set.
	Address string

	// UseVsock switches to AF_VSOCK instead of TCP, per spec.md §6's
	// "optional vsock transport" note for guest-to-host deployments.
	UseVsock bool
	VsockCID uint32
	VsockPort uint32

	// MaxConnections caps concurrently accepted connections; beyond it,
	// new connections are accepted and immediately closed.
	MaxConnections int

	// WriteQueueSize bounds the per-connection outbound buffer. A full
	// queue means a slow consumer; Send returns ErrBackpressure rather
	// than blocking the caller.
	WriteQueueSize int

	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration

	// RateLimit, if non-zero, caps inbound messages per connection using
	// an in-process token bucket (no distributed backend: LatZero
	// coordinates processes on a single host, so there is no fleet to
	// share rate-limit state across).
	RateLimitPerSecond float64
	RateLimitBurst     int
}

func (c Config) withDefaults() Config {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 10000
	}
	if c.WriteQueueSize <= 0 {
		c.WriteQueueSize = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// ErrBackpressure is returned by Send when a connection's outbound queue is
// full; the caller (Trigger Router) treats this the same as a dispatch
// failure.
var ErrBackpressure = fmt.Errorf("transport: connection outbound queue full")

// ErrUnknownConn is returned by Send when connID no longer names a live
// connection.
var ErrUnknownConn = fmt.Errorf("transport: unknown connection")

type conn struct {
	id  int64
	nc  net.Conn
	out chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.nc.Close()
	})
}

// Transport owns the listener and the set of live connections. It
// implements trigger.Dispatcher.
type Transport struct {
	cfg     Config
	handler MessageHandler
	onClose DisconnectHandler
	limiter *ratelimit.LocalTokenBucketBackend

	listener net.Listener
	nextID   atomic.Int64

	mu    sync.RWMutex
	conns map[int64]*conn

	wg      sync.WaitGroup
	closing atomic.Bool
}

// New constructs a Transport. Listen must be called before Serve.
func New(cfg Config, handler MessageHandler, onClose DisconnectHandler) *Transport {
	cfg = cfg.withDefaults()
	var limiter *ratelimit.LocalTokenBucketBackend
	if cfg.RateLimitPerSecond > 0 {
		limiter = ratelimit.NewLocalTokenBucketBackend()
	}
	return &Transport{
		cfg:     cfg,
		handler: handler,
		onClose: onClose,
		limiter: limiter,
		conns:   make(map[int64]*conn),
	}
}

// Listen binds the configured address (TCP or vsock). It must succeed
// before Serve is called.
func (t *Transport) Listen() error {
	if t.cfg.UseVsock {
		l, err := vsock.Listen(t.cfg.VsockPort, nil)
		if err != nil {
			return fmt.Errorf("listen vsock port %d: %w", t.cfg.VsockPort, err)
		}
		t.listener = l
		logging.Op().Info("transport listening", "mode", "vsock", "cid", t.cfg.VsockCID, "port", t.cfg.VsockPort)
		return nil
	}
	l, err := net.Listen("tcp", t.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen tcp %s: %w", t.cfg.Address, err)
	}
	t.listener = l
	logging.Op().Info("transport listening", "mode", "tcp", "address", t.cfg.Address)
	return nil
}

// Serve runs the accept loop until ctx is canceled or Close is called. It
// blocks; call it from its own goroutine.
func (t *Transport) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = t.Close()
	}()

	for {
		nc, err := t.listener.Accept()
		if err != nil {
			if t.closing.Load() {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		if t.activeCount() >= t.cfg.MaxConnections {
			logging.Op().Warn("transport rejecting connection: at capacity", "max_connections", t.cfg.MaxConnections)
			_ = nc.Close()
			continue
		}

		id := t.nextID.Add(1)
		c := &conn{id: id, nc: nc, out: make(chan []byte, t.cfg.WriteQueueSize), done: make(chan struct{})}

		t.mu.Lock()
		t.conns[id] = c
		t.mu.Unlock()

		t.wg.Add(2)
		go t.writeLoop(c)
		go t.readLoop(ctx, c)
	}
}

func (t *Transport) activeCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}

func (t *Transport) readLoop(ctx context.Context, c *conn) {
	defer t.wg.Done()
	defer t.removeConn(ctx, c)

	for {
		payload, err := protocol.ReadFrame(c.nc)
		if err != nil {
			return
		}
		if t.limiter != nil {
			key := fmt.Sprintf("conn:%d", c.id)
			allowed, _, err := t.limiter.CheckRateLimit(ctx, key, t.cfg.RateLimitBurst, t.cfg.RateLimitPerSecond, 1)
			if err == nil && !allowed {
				metrics.RecordRateLimited()
				continue
			}
		}

		msg, decErr := protocol.Decode(payload)
		if decErr != nil {
			if perr, ok := decErr.(*protocol.Error); ok {
				t.enqueue(c, perr.ToMessage(""))
			}
			continue
		}

		resp := t.handler(ctx, c.id, msg)
		if resp != nil {
			t.enqueue(c, resp)
		}
	}
}

// enqueue writes msg onto c's outbound channel. A full queue means a
// congested or stuck peer; per spec.md §4.3, frames within a live
// connection must not be lost, so rather than drop the frame silently
// enqueue closes the connection outright and lets the client reconnect.
func (t *Transport) enqueue(c *conn, msg *protocol.Message) {
	payload, err := protocol.Encode(msg)
	if err != nil {
		logging.Op().Warn("transport encode failed", "conn_id", c.id, "error", err)
		return
	}
	select {
	case c.out <- payload:
	case <-c.done:
	default:
		logging.Op().Warn("transport outbound queue full, closing connection", "conn_id", c.id)
		c.close()
	}
}

func (t *Transport) writeLoop(c *conn) {
	defer t.wg.Done()
	for {
		select {
		case payload, ok := <-c.out:
			if !ok {
				return
			}
			if t.cfg.WriteTimeout > 0 {
				_ = c.nc.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
			}
			if err := protocol.WriteFrame(c.nc, payload); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (t *Transport) removeConn(ctx context.Context, c *conn) {
	t.mu.Lock()
	_, existed := t.conns[c.id]
	delete(t.conns, c.id)
	t.mu.Unlock()
	c.close()
	if existed && t.onClose != nil {
		t.onClose(ctx, c.id)
	}
}

// Send implements trigger.Dispatcher: it encodes msg and enqueues it onto
// connID's outbound channel, returning ErrBackpressure if the queue is full
// and ErrUnknownConn if the connection is no longer live.
func (t *Transport) Send(ctx context.Context, connID int64, msg *protocol.Message) error {
	t.mu.RLock()
	c, ok := t.conns[connID]
	t.mu.RUnlock()
	if !ok {
		return ErrUnknownConn
	}

	payload, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode message for conn %d: %w", connID, err)
	}
	select {
	case c.out <- payload:
		return nil
	case <-c.done:
		return ErrUnknownConn
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrBackpressure
	}
}

// Close stops accepting new connections and closes every live connection,
// waiting for their read/write loops to exit.
func (t *Transport) Close() error {
	if !t.closing.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}
	t.mu.RLock()
	conns := make([]*conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.RUnlock()
	for _, c := range conns {
		c.close()
	}
	t.wg.Wait()
	return err
}

// ActiveConnections returns the current live connection count, used by
// admin introspection and metrics.
func (t *Transport) ActiveConnections() int {
	return t.activeCount()
}
