package listener

import (
	"net"
	"sync"
	"time"

	"github.com/0tSystemsPublicRepos/hpti/internal/logging"
	"github.com/0tSystemsPublicRepos/hpti/internal/metrics"
)

// ipLimiter counts live connections per source address.
type ipLimiter struct {
	max int

	mu     sync.Mutex
	counts map[string]int
	live   int
}

func newIPLimiter(max int) *ipLimiter {
	return &ipLimiter{max: max, counts: make(map[string]int)}
}

func (l *ipLimiter) acquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.max > 0 && l.counts[ip] >= l.max {
		return false
	}
	l.counts[ip]++
	l.live++
	return true
}

func (l *ipLimiter) release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts[ip]--
	if l.counts[ip] <= 0 {
		delete(l.counts, ip)
	}
	l.live--
}

func (l *ipLimiter) total() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.live
}

// LimitListener wraps a net.Listener used by a server that runs its own
// accept loop (net/http). It applies the same per-IP limit and connection
// metrics as Listener.
type LimitListener struct {
	net.Listener
	name    string
	limits  *ipLimiter
	metrics metrics.Recorder
}

func NewLimitListener(ln net.Listener, name string, maxPerIP int, rec metrics.Recorder) *LimitListener {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &LimitListener{Listener: ln, name: name, limits: newIPLimiter(maxPerIP), metrics: rec}
}

func (l *LimitListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		ip := remoteIP(conn.RemoteAddr())
		if !l.limits.acquire(ip) {
			l.metrics.ConnectionRejected(l.name, "per_ip_limit")
			logging.Debug("[LISTENER:%s] Rejected %s: per-IP limit reached", l.name, ip)
			conn.Close()
			continue
		}
		l.metrics.ConnectionOpened(l.name)
		return &trackedConn{Conn: conn, owner: l, ip: ip, start: time.Now()}, nil
	}
}

// ActiveConns is the number of accepted connections not yet closed.
func (l *LimitListener) ActiveConns() int { return l.limits.total() }

type trackedConn struct {
	net.Conn
	owner *LimitListener
	ip    string
	start time.Time
	once  sync.Once
}

func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() {
		c.owner.limits.release(c.ip)
		c.owner.metrics.ConnectionClosed(c.owner.name, time.Since(c.start))
	})
	return err
}

func remoteIP(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
