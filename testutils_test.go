package imscore

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// TestTransport is a DNSTransport backed by a function.
type TestTransport func(ctx context.Context, name string, rrtype uint16) (*dns.Msg, error)

func (f TestTransport) Exchange(ctx context.Context, name string, rrtype uint16) (*dns.Msg, error) {
	return f(ctx, name, rrtype)
}

func aReply(name string, ttl uint32, addrs ...string) *dns.Msg {
	a := new(dns.Msg)
	a.SetQuestion(dns.Fqdn(name), dns.TypeA)
	a.Response = true
	for _, addr := range addrs {
		a.Answer = append(a.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: dns.Fqdn(name), Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
			A:   net.ParseIP(addr),
		})
	}
	return a
}

func nxdomainReply(name string) *dns.Msg {
	a := new(dns.Msg)
	a.SetQuestion(dns.Fqdn(name), dns.TypeA)
	a.Response = true
	a.Rcode = dns.RcodeNameError
	return a
}

// captureSAS records every event it receives.
type captureSAS struct {
	mu     sync.Mutex
	events []*SASEvent
}

func (c *captureSAS) Event(trail Trail, event *SASEvent) {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
}

func (c *captureSAS) find(id uint32) *SASEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.events {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (c *captureSAS) count(id uint32) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.ID == id {
			n++
		}
	}
	return n
}

// testAlarm counts set/clear transitions.
type testAlarm struct {
	mu       sync.Mutex
	sets     int
	clears   int
	severity AlarmSeverity
}

func (a *testAlarm) Set(severity AlarmSeverity) {
	a.mu.Lock()
	a.sets++
	a.severity = severity
	a.mu.Unlock()
}

func (a *testAlarm) Clear() {
	a.mu.Lock()
	a.clears++
	a.mu.Unlock()
}

// testHTTPResolver serves a fixed target list and records feedback.
type testHTTPResolver struct {
	mu        sync.Mutex
	targets   []AddrInfo
	blacklist []blacklistCall
	successes []AddrInfo
}

type blacklistCall struct {
	target   AddrInfo
	duration time.Duration
}

func (r *testHTTPResolver) ResolveIter(host string, port int, trail Trail, state HostState) []AddrInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AddrInfo(nil), r.targets...)
}

func (r *testHTTPResolver) Blacklist(target AddrInfo, d time.Duration) {
	r.mu.Lock()
	r.blacklist = append(r.blacklist, blacklistCall{target, d})
	r.mu.Unlock()
}

func (r *testHTTPResolver) Success(target AddrInfo) {
	r.mu.Lock()
	r.successes = append(r.successes, target)
	r.mu.Unlock()
}

func (r *testHTTPResolver) ParseIPTarget(host string, port int) (AddrInfo, bool) {
	addr := net.ParseIP(host)
	if addr == nil {
		return AddrInfo{}, false
	}
	return AddrInfo{Address: addr, Port: port}, true
}

func (r *testHTTPResolver) blacklistCalls() []blacklistCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]blacklistCall(nil), r.blacklist...)
}
