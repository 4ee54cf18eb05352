package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/0tSystemsPublicRepos/hpti/internal/logging"
	"github.com/0tSystemsPublicRepos/hpti/internal/metrics"
)

// AcceptInterval bounds how long Stop waits for the accept loop to notice.
const AcceptInterval = time.Second

// Handler runs one protocol state machine over an accepted connection. The
// listener closes conn after HandleConn returns.
type Handler interface {
	HandleConn(ctx context.Context, conn net.Conn)
}

type HandlerFunc func(ctx context.Context, conn net.Conn)

func (f HandlerFunc) HandleConn(ctx context.Context, conn net.Conn) { f(ctx, conn) }

type Option func(*Listener)

// WithMaxConnsPerIP rejects new connections from an address that already
// holds n live ones. Zero disables the limit.
func WithMaxConnsPerIP(n int) Option {
	return func(l *Listener) { l.maxPerIP = n }
}

func WithMetrics(rec metrics.Recorder) Option {
	return func(l *Listener) {
		if rec != nil {
			l.metrics = rec
		}
	}
}

// Listener is a TCP accept loop that runs one goroutine per connection.
type Listener struct {
	name     string
	addr     string
	handler  Handler
	maxPerIP int
	metrics  metrics.Recorder

	limits *ipLimiter

	mu     sync.Mutex
	ln     *net.TCPListener
	ctx    context.Context
	cancel context.CancelFunc

	running int32
	conns   sync.WaitGroup
	loop    sync.WaitGroup
}

func New(name, addr string, h Handler, opts ...Option) *Listener {
	l := &Listener{
		name:    name,
		addr:    addr,
		handler: h,
		metrics: metrics.Nop{},
	}
	for _, opt := range opts {
		opt(l)
	}
	l.limits = newIPLimiter(l.maxPerIP)
	return l
}

func (l *Listener) Name() string { return l.name }

// Start binds the address and begins accepting in the background. A bind
// failure is returned to the caller.
func (l *Listener) Start() error {
	if !atomic.CompareAndSwapInt32(&l.running, 0, 1) {
		return fmt.Errorf("%s listener already running", l.name)
	}

	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		atomic.StoreInt32(&l.running, 0)
		l.metrics.ServiceError(l.name, "bind")
		return fmt.Errorf("failed to listen on %s: %w", l.addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	l.ln = ln.(*net.TCPListener)
	l.ctx, l.cancel = ctx, cancel
	l.mu.Unlock()

	l.metrics.ServiceUp(l.name, true)
	logging.Info("[%s] Listening on %s", l.tag(), ln.Addr())

	l.loop.Add(1)
	go l.acceptLoop(ctx)
	return nil
}

// Addr is the bound address, useful when the configured port was 0.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *Listener) Running() bool {
	return atomic.LoadInt32(&l.running) == 1
}

// ActiveConns is the number of connections currently being handled.
func (l *Listener) ActiveConns() int {
	return l.limits.total()
}

func (l *Listener) acceptLoop(ctx context.Context) {
	defer l.loop.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		l.ln.SetDeadline(time.Now().Add(AcceptInterval))
		conn, err := l.ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			l.metrics.ServiceError(l.name, "accept")
			logging.Warn("[%s] Accept error: %v", l.tag(), err)
			continue
		}

		ip := remoteIP(conn.RemoteAddr())
		if !l.limits.acquire(ip) {
			l.metrics.ConnectionRejected(l.name, "per_ip_limit")
			logging.Debug("[%s] Rejected %s: per-IP limit %d reached", l.tag(), ip, l.maxPerIP)
			conn.Close()
			continue
		}

		l.conns.Add(1)
		go l.serve(ctx, conn, ip)
	}
}

func (l *Listener) serve(ctx context.Context, conn net.Conn, ip string) {
	start := time.Now()
	l.metrics.ConnectionOpened(l.name)

	defer func() {
		if r := recover(); r != nil {
			l.metrics.ServiceError(l.name, "panic")
			logging.Error("[%s] Handler panic from %s: %v\n%s", l.tag(), ip, r, debug.Stack())
		}
		conn.Close()
		l.limits.release(ip)
		l.metrics.ConnectionClosed(l.name, time.Since(start))
		l.conns.Done()
	}()

	// Closing the socket unblocks any read the handler is parked in.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	l.handler.HandleConn(ctx, conn)
}

// Stop closes the socket, cancels in-flight sessions and waits for them to
// drain until ctx expires.
func (l *Listener) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&l.running, 1, 0) {
		return nil
	}

	l.mu.Lock()
	ln, cancel := l.ln, l.cancel
	l.mu.Unlock()

	cancel()
	ln.Close()
	l.loop.Wait()

	done := make(chan struct{})
	go func() {
		l.conns.Wait()
		close(done)
	}()

	l.metrics.ServiceUp(l.name, false)
	select {
	case <-done:
		logging.Info("[%s] Stopped", l.tag())
		return nil
	case <-ctx.Done():
		logging.Warn("[%s] Stop timed out with %d connections open", l.tag(), l.ActiveConns())
		return ctx.Err()
	}
}

func (l *Listener) tag() string {
	return "LISTENER:" + l.name
}
