package imscore

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testTarget(t *testing.T, port int) AddrInfo {
	t.Helper()
	return AddrInfo{Address: net.ParseIP("127.0.0.1"), Port: port}
}

// serverTarget converts an httptest server address into a pool target.
func serverTarget(t *testing.T, s *httptest.Server) AddrInfo {
	t.Helper()
	host, portStr, err := net.SplitHostPort(s.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return AddrInfo{Address: net.ParseIP(host), Port: port}
}

func TestPoolRecyclesConnections(t *testing.T) {
	gauge := NewConnectionGauge(nil)
	p := NewHTTPConnectionPool(HTTPPoolOptions{Gauge: gauge})
	target := testTarget(t, 7888)

	h1 := p.Acquire(target)
	first := h1.conn
	require.Equal(t, 1, gauge.Count("127.0.0.1"))
	h1.Release()

	// Recycled handles return the same underlying connection
	h2 := p.Acquire(target)
	require.Same(t, first, h2.conn)
	require.Equal(t, 1, gauge.Count("127.0.0.1"))
	h2.Release()
}

func TestPoolDiscardOnRecycleFalse(t *testing.T) {
	gauge := NewConnectionGauge(nil)
	p := NewHTTPConnectionPool(HTTPPoolOptions{Gauge: gauge})
	target := testTarget(t, 7888)

	h1 := p.Acquire(target)
	first := h1.conn
	h1.Recycle = false
	h1.Release()
	require.Equal(t, 0, gauge.Count("127.0.0.1"))

	h2 := p.Acquire(target)
	require.NotSame(t, first, h2.conn)
	h2.Release()
}

func TestPoolExpiresIdleConnections(t *testing.T) {
	gauge := NewConnectionGauge(nil)
	p := NewHTTPConnectionPool(HTTPPoolOptions{MaxIdle: 20 * time.Millisecond, Gauge: gauge})
	target := testTarget(t, 7888)

	h := p.Acquire(target)
	first := h.conn
	h.Release()

	time.Sleep(50 * time.Millisecond)
	h = p.Acquire(target)
	require.NotSame(t, first, h.conn)
	require.Equal(t, 1, gauge.Count("127.0.0.1"))
	h.Release()
}

func TestPoolIdleSweep(t *testing.T) {
	gauge := NewConnectionGauge(nil)
	p := NewHTTPConnectionPool(HTTPPoolOptions{MaxIdle: 20 * time.Millisecond, Gauge: gauge})

	p.Acquire(testTarget(t, 7888)).Release()
	p.Acquire(testTarget(t, 7889)).Release()
	require.Equal(t, 2, gauge.Count("127.0.0.1"))

	time.Sleep(50 * time.Millisecond)
	p.IdleSweep()
	require.Equal(t, 0, gauge.Count("127.0.0.1"))
}

func TestPoolDialsTargetIP(t *testing.T) {
	var gotHost string
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		io.WriteString(w, "ok")
	}))
	defer s.Close()

	p := NewHTTPConnectionPool(HTTPPoolOptions{TargetLatency: time.Second})
	h := p.Acquire(serverTarget(t, s))
	defer h.Release()

	// The request names a logical host that does not resolve; the pool must
	// dial the target address instead
	req, err := http.NewRequest(http.MethodGet, "http://sprout.invalid/ping", nil)
	require.NoError(t, err)
	rsp, err := h.Do(req)
	require.NoError(t, err)
	defer rsp.Body.Close()

	body, err := io.ReadAll(rsp.Body)
	require.NoError(t, err)
	require.Equal(t, "ok", string(body))
	require.Equal(t, "sprout.invalid", gotHost)
}

func TestPoolRequestTimeout(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer s.Close()

	// 10ms target latency gives a 50ms request budget
	p := NewHTTPConnectionPool(HTTPPoolOptions{TargetLatency: 10 * time.Millisecond})
	h := p.Acquire(serverTarget(t, s))
	defer h.Release()

	req, err := http.NewRequest(http.MethodGet, "http://slow.invalid/ping", nil)
	require.NoError(t, err)
	start := time.Now()
	_, err = h.Do(req)
	require.Error(t, err)
	require.Less(t, time.Since(start), 300*time.Millisecond)
}
