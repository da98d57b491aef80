package imscore

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

func portString(port int) string {
	return strconv.Itoa(port)
}

const (
	// Idle connections older than this are destroyed on the next acquisition
	defaultPoolMaxIdle = 120 * time.Second

	// Per-target TCP connect timeout
	defaultConnectTimeout = 50 * time.Millisecond

	// Fallback when no target latency is configured; the per-request timeout
	// is five times the target latency
	defaultTargetLatency = 100 * time.Millisecond
)

// HTTPConnectionPool keeps reusable HTTP connection handles per target so
// TCP setup is amortized across requests. Each handle wraps one TCP
// connection dialed straight to the target IP; the DNS cache is authoritative
// and the HTTP machinery never resolves names itself.
type HTTPConnectionPool struct {
	opt   HTTPPoolOptions
	gauge *ConnectionGauge

	mu   sync.Mutex
	idle map[string][]*poolConn
}

type HTTPPoolOptions struct {
	// Destroy connections idle longer than this. Defaults to 120s.
	MaxIdle time.Duration

	// TCP connect timeout per target. Defaults to 50ms.
	ConnectTimeout time.Duration

	// Target request latency; the per-request wall timeout is
	// max(1ms, 5 x TargetLatency). Defaults to 100ms.
	TargetLatency time.Duration

	// Per-IP connection gauge table. Optional.
	Gauge *ConnectionGauge
}

type poolConn struct {
	target    AddrInfo
	client    *http.Client
	transport *http.Transport
	released  time.Time
}

// PoolHandle is a borrowed connection. Set Recycle to false before Release to
// destroy the connection instead of returning it to the pool.
type PoolHandle struct {
	Recycle bool

	pool *HTTPConnectionPool
	conn *poolConn
}

// NewHTTPConnectionPool returns an empty pool.
func NewHTTPConnectionPool(opt HTTPPoolOptions) *HTTPConnectionPool {
	if opt.MaxIdle == 0 {
		opt.MaxIdle = defaultPoolMaxIdle
	}
	if opt.ConnectTimeout == 0 {
		opt.ConnectTimeout = defaultConnectTimeout
	}
	if opt.TargetLatency == 0 {
		opt.TargetLatency = defaultTargetLatency
	}
	return &HTTPConnectionPool{
		opt:   opt,
		gauge: opt.Gauge,
		idle:  make(map[string][]*poolConn),
	}
}

// Acquire returns an idle connection for the target or creates a new one.
// Idle connections past MaxIdle are destroyed on the way.
func (p *HTTPConnectionPool) Acquire(target AddrInfo) *PoolHandle {
	key := target.key()
	now := time.Now()

	p.mu.Lock()
	bucket := p.idle[key]
	var conn *poolConn
	kept := bucket[:0]
	for _, c := range bucket {
		if now.Sub(c.released) > p.opt.MaxIdle {
			p.destroyLocked(c)
			continue
		}
		kept = append(kept, c)
	}
	if n := len(kept); n > 0 {
		conn = kept[n-1]
		kept = kept[:n-1]
	}
	if len(kept) == 0 {
		delete(p.idle, key)
	} else {
		p.idle[key] = kept
	}
	p.mu.Unlock()

	if conn == nil {
		conn = p.newConn(target)
	}
	return &PoolHandle{Recycle: true, pool: p, conn: conn}
}

// IdleSweep destroys every connection idle for longer than MaxIdle.
func (p *HTTPConnectionPool) IdleSweep() {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, bucket := range p.idle {
		kept := bucket[:0]
		for _, c := range bucket {
			if now.Sub(c.released) > p.opt.MaxIdle {
				p.destroyLocked(c)
				continue
			}
			kept = append(kept, c)
		}
		if len(kept) == 0 {
			delete(p.idle, key)
		} else {
			p.idle[key] = kept
		}
	}
}

// Do performs the request on the borrowed connection.
func (h *PoolHandle) Do(req *http.Request) (*http.Response, error) {
	return h.conn.client.Do(req)
}

// Target returns the target the connection is bound to.
func (h *PoolHandle) Target() AddrInfo {
	return h.conn.target
}

// Release returns the connection to the pool, or destroys it when Recycle is
// false.
func (h *PoolHandle) Release() {
	p := h.pool
	if !h.Recycle {
		p.mu.Lock()
		p.destroyLocked(h.conn)
		p.mu.Unlock()
		return
	}
	h.conn.released = time.Now()
	key := h.conn.target.key()
	p.mu.Lock()
	p.idle[key] = append(p.idle[key], h.conn)
	p.mu.Unlock()
}

func (p *HTTPConnectionPool) newConn(target AddrInfo) *poolConn {
	dialer := &net.Dialer{Timeout: p.opt.ConnectTimeout}
	addr := target.Address.String()
	authority := net.JoinHostPort(addr, portString(target.Port))

	transport := &http.Transport{
		// Dial the resolver-supplied IP regardless of the request host so the
		// HTTP machinery never does its own DNS
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", authority)
		},
		MaxConnsPerHost:     1,
		MaxIdleConnsPerHost: 1,
		IdleConnTimeout:     p.opt.MaxIdle,
	}
	timeout := 5 * p.opt.TargetLatency
	if timeout < time.Millisecond {
		timeout = time.Millisecond
	}
	client := &http.Client{
		Transport: transport,
		Timeout:   timeout,
		// Redirects are returned to the caller, not chased
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	if p.gauge != nil {
		p.gauge.Inc(addr)
	}
	return &poolConn{target: target, client: client, transport: transport}
}

// destroyLocked tears down one connection. Called with the pool mutex held.
func (p *HTTPConnectionPool) destroyLocked(c *poolConn) {
	c.transport.CloseIdleConnections()
	if p.gauge != nil {
		p.gauge.Dec(c.target.Address.String())
	}
}
