package imscore

import (
	"context"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

// Defines the total wall-clock budget for one upstream query across retries
const defaultDNSTimeout = 600 * time.Millisecond

// DNSTransport submits a single question upstream and returns the reply. A
// non-nil message with any rcode (including NXDOMAIN) is an authoritative
// answer; an error is a transient failure (timeout, unreachable server, parse
// failure) and callers fall back to stale data.
type DNSTransport interface {
	Exchange(ctx context.Context, name string, rrtype uint16) (*dns.Msg, error)
}

// DNSExchanger is the default DNSTransport. It queries the configured servers
// in order over UDP, retrying over TCP when a reply comes back truncated, all
// within one wall-clock budget.
type DNSExchanger struct {
	opt       DNSExchangerOptions
	udpClient *dns.Client
	tcpClient *dns.Client
}

var _ DNSTransport = &DNSExchanger{}

type DNSExchangerOptions struct {
	// Upstream servers as host:port. At least one is required.
	Servers []string

	// Total wall-clock budget across all servers and retries. Defaults to
	// 600ms.
	Timeout time.Duration
}

// NewDNSExchanger returns a plain UDP/TCP DNS transport.
func NewDNSExchanger(opt DNSExchangerOptions) *DNSExchanger {
	if opt.Timeout == 0 {
		opt.Timeout = defaultDNSTimeout
	}
	return &DNSExchanger{
		opt:       opt,
		udpClient: &dns.Client{Net: "udp"},
		tcpClient: &dns.Client{Net: "tcp"},
	}
}

// Exchange resolves one question against the configured servers.
func (e *DNSExchanger) Exchange(ctx context.Context, name string, rrtype uint16) (*dns.Msg, error) {
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(name), rrtype)
	q.SetEdns0(4096, false)

	ctx, cancel := context.WithTimeout(ctx, e.opt.Timeout)
	defer cancel()

	// Split the budget so a silent server cannot starve the rest of the list
	perServer := e.opt.Timeout
	if n := len(e.opt.Servers); n > 1 {
		perServer = e.opt.Timeout / time.Duration(n)
	}

	var lastErr error
	for _, server := range e.opt.Servers {
		sctx, scancel := context.WithTimeout(ctx, perServer)
		a, _, err := e.udpClient.ExchangeContext(sctx, q, server)
		if err == nil && a != nil && a.Truncated {
			a, _, err = e.tcpClient.ExchangeContext(sctx, q, server)
		}
		scancel()
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		return a, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no DNS servers configured")
	}
	return nil, errors.Wrapf(lastErr, "querying %s/%s", name, dns.Type(rrtype))
}
