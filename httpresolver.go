package imscore

import (
	"expvar"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// HostState filters which targets a resolver iterator may return.
type HostState int

const (
	// All targets, whitelisted first, blacklisted as a last resort
	HostStateAll HostState = iota
	// Only targets that are not currently blacklisted
	HostStateWhitelisted
	// Only targets that are currently blacklisted (probing)
	HostStateBlacklisted
)

// HTTPResolver supplies an ordered list of targets for a logical server name
// and absorbs per-target feedback from the HTTP client. The iterator must be
// deterministic for a given (host, port, state).
type HTTPResolver interface {
	// ResolveIter returns targets in preference order.
	ResolveIter(host string, port int, trail Trail, state HostState) []AddrInfo

	// Blacklist marks a target as unusable for the given duration.
	Blacklist(target AddrInfo, d time.Duration)

	// Success clears any blacklist entry for the target.
	Success(target AddrInfo)

	// ParseIPTarget recognizes a bare IPv4 or bracketed IPv6 literal and
	// returns it as a target directly.
	ParseIPTarget(host string, port int) (AddrInfo, bool)
}

// DNSHTTPResolver resolves logical names through a DNSCachedResolver and
// maintains a time-bounded blacklist fed back by the HTTP client. Targets are
// ordered by SRV priority, then by address for determinism.
type DNSHTTPResolver struct {
	dns *DNSCachedResolver
	opt DNSHTTPResolverOptions

	mu        sync.Mutex
	blacklist map[string]time.Time // target key -> blacklisted until

	metrics *httpResolverMetrics
}

var _ HTTPResolver = &DNSHTTPResolver{}

type DNSHTTPResolverOptions struct {
	// How long a target stays blacklisted when no duration is given.
	// Defaults to 30s.
	DefaultBlacklistDuration time.Duration

	// Transport attached to resolved targets. Defaults to TCP.
	Transport TransportProto
}

type httpResolverMetrics struct {
	resolve     *expvar.Int
	blacklisted *expvar.Int
}

// NewDNSHTTPResolver returns a resolver over the given DNS cache.
func NewDNSHTTPResolver(dns *DNSCachedResolver, opt DNSHTTPResolverOptions) *DNSHTTPResolver {
	if opt.DefaultBlacklistDuration == 0 {
		opt.DefaultBlacklistDuration = defaultBlacklistDuration
	}
	return &DNSHTTPResolver{
		dns:       dns,
		opt:       opt,
		blacklist: make(map[string]time.Time),
		metrics: &httpResolverMetrics{
			resolve:     getVarInt("httpresolver", "dns", "resolve"),
			blacklisted: getVarInt("httpresolver", "dns", "blacklisted"),
		},
	}
}

// Default blacklist duration applied by the HTTP client on network failure
const defaultBlacklistDuration = 30 * time.Second

// ResolveIter resolves the host to A-record targets. Non-blacklisted targets
// come first ordered by (priority, address); blacklisted ones are appended as
// a last resort when the state allows it.
func (r *DNSHTTPResolver) ResolveIter(host string, port int, trail Trail, state HostState) []AddrInfo {
	r.metrics.resolve.Add(1)

	if target, ok := r.ParseIPTarget(host, port); ok {
		return []AddrInfo{target}
	}

	result := r.dns.Resolve(host, dns.TypeA, trail)
	targets := make([]AddrInfo, 0, len(result.Records))
	for _, rec := range result.Records {
		if rec.Address == nil {
			continue
		}
		targets = append(targets, AddrInfo{
			Address:   rec.Address,
			Port:      port,
			Transport: r.opt.Transport,
			Priority:  int(rec.Priority),
			Weight:    int(rec.Weight),
		})
	}
	sort.Slice(targets, func(i, j int) bool {
		if targets[i].Priority != targets[j].Priority {
			return targets[i].Priority < targets[j].Priority
		}
		return targets[i].Less(targets[j])
	})

	now := time.Now()
	var white, black []AddrInfo
	r.mu.Lock()
	for _, t := range targets {
		if until, ok := r.blacklist[t.key()]; ok && until.After(now) {
			black = append(black, t)
		} else {
			delete(r.blacklist, t.key())
			white = append(white, t)
		}
	}
	r.mu.Unlock()

	switch state {
	case HostStateWhitelisted:
		return white
	case HostStateBlacklisted:
		return black
	default:
		return append(white, black...)
	}
}

// Blacklist marks the target as unusable until now+d.
func (r *DNSHTTPResolver) Blacklist(target AddrInfo, d time.Duration) {
	if d <= 0 {
		d = r.opt.DefaultBlacklistDuration
	}
	r.metrics.blacklisted.Add(1)
	r.mu.Lock()
	r.blacklist[target.key()] = time.Now().Add(d)
	r.mu.Unlock()
	Log.WithFields(map[string]interface{}{"target": target.String(), "duration": d}).Debug("target blacklisted")
}

// Success clears any blacklist entry for the target.
func (r *DNSHTTPResolver) Success(target AddrInfo) {
	r.mu.Lock()
	delete(r.blacklist, target.key())
	r.mu.Unlock()
}

// ParseIPTarget recognizes bare IPv4 and bracketed IPv6 literals.
func (r *DNSHTTPResolver) ParseIPTarget(host string, port int) (AddrInfo, bool) {
	name := host
	if len(name) > 1 && name[0] == '[' && name[len(name)-1] == ']' {
		name = name[1 : len(name)-1]
	}
	addr := net.ParseIP(name)
	if addr == nil {
		return AddrInfo{}, false
	}
	return AddrInfo{Address: addr, Port: port, Transport: r.opt.Transport}, true
}
