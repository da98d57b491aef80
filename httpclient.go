package imscore

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Header asserting the originating user on outbound requests when enabled
const assertedIdentityHeader = "X-XCAP-Asserted-Identity"

// HTTPResponse is the outcome of a Send: the last well-formed response seen.
type HTTPResponse struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

// ErrNoTargets is returned when the resolver yields nothing for the host.
var ErrNoTargets = errors.New("no targets for host")

// HTTPClient performs requests against a logical server name with per-target
// failover, blacklist feedback and telemetry. Targets come from an
// HTTPResolver; connections from an HTTPConnectionPool.
type HTTPClient struct {
	opt      HTTPClientOptions
	resolver HTTPResolver
	pool     *HTTPConnectionPool
	sas      SASSink
}

type HTTPClientOptions struct {
	// Supplies and scores targets. Required.
	Resolver HTTPResolver

	// Connection pool. A default pool is created when nil.
	Pool *HTTPConnectionPool

	// Telemetry sink. Defaults to NopSAS.
	SAS SASSink

	// Downstream overload propagates to this monitor via penalties. Optional.
	LoadMonitor *LoadMonitor

	// Informed of the final outcome of every Send. Optional.
	CommMonitor *CommunicationMonitor

	// Send X-XCAP-Asserted-Identity with the caller-supplied username.
	AssertUser bool

	// Blacklist duration applied on network-level failure. Defaults to 30s.
	DefaultBlacklistDuration time.Duration
}

// NewHTTPClient returns a client over the given resolver and pool.
func NewHTTPClient(opt HTTPClientOptions) *HTTPClient {
	if opt.Pool == nil {
		opt.Pool = NewHTTPConnectionPool(HTTPPoolOptions{})
	}
	if opt.SAS == nil {
		opt.SAS = NopSAS{}
	}
	if opt.DefaultBlacklistDuration == 0 {
		opt.DefaultBlacklistDuration = defaultBlacklistDuration
	}
	return &HTTPClient{
		opt:      opt,
		resolver: opt.Resolver,
		pool:     opt.Pool,
		sas:      opt.SAS,
	}
}

// Send performs one logical request with failover. The URL names the logical
// host; each attempt dials a resolved IP while keeping the logical name as
// the Host header. It returns the last well-formed response, or a synthetic
// 503 with an error when no attempt produced one.
func (c *HTTPClient) Send(method, rawURL string, body []byte, headers map[string]string, username string, state HostState, trail Trail) (HTTPResponse, error) {
	log := logger("httpclient", trail).WithField("url", rawURL)

	u, err := url.Parse(rawURL)
	if err != nil {
		return HTTPResponse{StatusCode: http.StatusServiceUnavailable}, errors.Wrap(err, "parsing URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return HTTPResponse{StatusCode: http.StatusServiceUnavailable}, errors.Errorf("unsupported scheme %q", u.Scheme)
	}
	port := 80
	if u.Scheme == "https" {
		port = 443
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return HTTPResponse{StatusCode: http.StatusServiceUnavailable}, errors.Wrap(err, "parsing port")
		}
	}

	targets := c.resolver.ResolveIter(u.Hostname(), port, trail, state)
	if len(targets) == 0 {
		c.informOutcome(false)
		return HTTPResponse{StatusCode: http.StatusServiceUnavailable}, errors.Wrapf(ErrNoTargets, "%s", u.Hostname())
	}
	// A single available target is tried twice; two or more are each tried
	// once in order, subject to the failure budget
	if len(targets) == 1 {
		targets = append(targets, targets[0])
	}

	var (
		n503, n504, nIO int
		fatal           bool
		succeeded       bool
		last            *HTTPResponse
		lastErr         error
	)

	for _, target := range targets {
		resp, err := c.attempt(method, u, target, body, headers, username, trail)
		if err != nil {
			nIO++
			lastErr = err
			log.WithError(err).WithField("target", target.String()).Debug("attempt failed")
		} else {
			last = resp
			switch {
			case resp.StatusCode == http.StatusServiceUnavailable:
				n503++
			case resp.StatusCode == http.StatusGatewayTimeout:
				n504++
			case resp.StatusCode >= 200 && resp.StatusCode < 300:
				succeeded = true
			case resp.StatusCode >= 400 && resp.StatusCode < 500:
				fatal = true
			}
		}
		if succeeded || fatal {
			break
		}
		if n503+nIO >= 2 || n504 >= 1 {
			break
		}
	}

	if !succeeded {
		kind := uint32(0) // temporary
		if fatal {
			kind = 1 // permanent
		}
		c.sas.Event(trail, NewSASEvent(SASEventHTTPAbort).
			AddStaticParam(kind).
			AddVarParam(rawURL))
	}

	// Downstream overload propagates upstream as a penalty
	if (n503 >= 2 || n504 >= 1) && c.opt.LoadMonitor != nil {
		c.opt.LoadMonitor.IncrPenalties()
	}

	c.informOutcome(n503 < 2 && last != nil)

	if last != nil {
		return *last, nil
	}
	return HTTPResponse{StatusCode: http.StatusServiceUnavailable}, errors.Wrap(lastErr, "all attempts failed")
}

// attempt performs one exchange against one target, reporting feedback to the
// resolver and telemetry to SAS.
func (c *HTTPClient) attempt(method string, u *url.URL, target AddrInfo, body []byte, headers map[string]string, username string, trail Trail) (*HTTPResponse, error) {
	handle := c.pool.Acquire(target)
	defer handle.Release()

	attemptURL := u.Scheme + "://" + target.URLAuthority() + u.RequestURI()
	req, err := http.NewRequest(method, attemptURL, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}
	// The wire connection goes to the raw IP; the logical name stays in the
	// Host header
	req.Host = u.Host

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SASBranchHeader, uuid.NewString())
	req.Header.Set("Expect", "")
	if c.opt.AssertUser && username != "" {
		req.Header.Set(assertedIdentityHeader, username)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	// Emitted once the connection is known so the event carries the local
	// endpoint alongside the target
	trace := &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			c.sas.Event(trail, NewSASEvent(SASEventTxHTTPReq).
				AddStaticParam(uint32(target.Port)).
				AddVarParam(target.HostString()).
				AddVarParam(info.Conn.LocalAddr().String()).
				AddVarParam(method).
				AddVarParam(u.String()).
				AddCompressedParam(body))
		},
	}
	req = req.WithContext(httptrace.WithClientTrace(req.Context(), trace))

	resp, err := handle.Do(req)
	if err != nil {
		// Network-level failure: blacklist and do not return the connection
		c.resolver.Blacklist(target, c.opt.DefaultBlacklistDuration)
		handle.Recycle = false
		c.sas.Event(trail, NewSASEvent(SASEventHTTPReqError).
			AddVarParam(target.HostString()).
			AddVarParam(method).
			AddVarParam(u.String()))
		return nil, errors.Wrapf(err, "request to %s", target)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.resolver.Blacklist(target, c.opt.DefaultBlacklistDuration)
		handle.Recycle = false
		c.sas.Event(trail, NewSASEvent(SASEventHTTPReqError).
			AddVarParam(target.HostString()).
			AddVarParam(method).
			AddVarParam(u.String()))
		return nil, errors.Wrapf(err, "reading response from %s", target)
	}

	c.sas.Event(trail, NewSASEvent(SASEventRxHTTPRsp).
		AddStaticParam(uint32(resp.StatusCode)).
		AddVarParam(target.HostString()).
		AddCompressedParam(respBody))

	switch {
	case resp.StatusCode == http.StatusServiceUnavailable:
		if d := parseRetryAfter(resp.Header.Get("Retry-After")); d > 0 {
			// The server told us exactly how long to stay away
			c.resolver.Blacklist(target, d)
			handle.Recycle = false
		} else {
			// Loaded but up
			c.resolver.Success(target)
		}
	case resp.StatusCode >= 200 && resp.StatusCode < 300,
		resp.StatusCode >= 400 && resp.StatusCode < 500:
		c.resolver.Success(target)
	}

	return &HTTPResponse{
		StatusCode: resp.StatusCode,
		Body:       respBody,
		Header:     resp.Header,
	}, nil
}

func (c *HTTPClient) informOutcome(success bool) {
	if c.opt.CommMonitor == nil {
		return
	}
	now := time.Now().UnixMilli()
	if success {
		c.opt.CommMonitor.InformSuccess(now)
	} else {
		c.opt.CommMonitor.InformFailure(now)
	}
}

// parseRetryAfter interprets an integer-seconds Retry-After value. Anything
// else, including HTTP dates, yields zero.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
