package imscore

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// questionKey identifies one cache slot: a record type and a case-folded
// domain name.
type questionKey struct {
	rrtype uint16
	name   string
}

func makeQuestionKey(rrtype uint16, name string) questionKey {
	return questionKey{rrtype: rrtype, name: foldDomain(name)}
}

func (k questionKey) String() string {
	return fmt.Sprintf("%s/%s", dns.Type(k.rrtype), k.name)
}

// Domain comparison is ASCII case-insensitive. Trailing dots from wire-format
// names are stripped so "a.example." and "A.EXAMPLE" share a slot.
func foldDomain(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}

func domainsEqual(a, b string) bool {
	return foldDomain(a) == foldDomain(b)
}

// DNSRecord is a single resource record held by the cache. It is a tagged
// value type: RRType selects which of the variant fields are meaningful.
// Copies are deep since no field holds shared state (the IP slice is cloned).
type DNSRecord struct {
	Name    string
	RRType  uint16
	TTL     uint32
	Expires time.Time // zero for synthetic records from the static cache

	// A / AAAA
	Address net.IP

	// SRV
	Priority uint16
	Weight   uint16
	Port     uint16

	// NAPTR
	Order      uint16
	Preference uint16
	Flags      string
	Service    string
	Regexp     string

	// SRV target, NAPTR replacement or CNAME target
	Target string

	// Anything else, held opaquely in presentation format
	RData string
}

// NewARecord returns an A record expiring TTL seconds from now.
func NewARecord(name string, addr net.IP, ttl uint32) DNSRecord {
	return DNSRecord{Name: name, RRType: dns.TypeA, TTL: ttl, Expires: expiryFrom(ttl), Address: addr}
}

// NewAAAARecord returns an AAAA record expiring TTL seconds from now.
func NewAAAARecord(name string, addr net.IP, ttl uint32) DNSRecord {
	return DNSRecord{Name: name, RRType: dns.TypeAAAA, TTL: ttl, Expires: expiryFrom(ttl), Address: addr}
}

// NewSRVRecord returns an SRV record expiring TTL seconds from now.
func NewSRVRecord(name string, priority, weight, port uint16, target string, ttl uint32) DNSRecord {
	return DNSRecord{
		Name: name, RRType: dns.TypeSRV, TTL: ttl, Expires: expiryFrom(ttl),
		Priority: priority, Weight: weight, Port: port, Target: target,
	}
}

// NewNAPTRRecord returns a NAPTR record expiring TTL seconds from now.
func NewNAPTRRecord(name string, order, preference uint16, flags, service, regexp, replacement string, ttl uint32) DNSRecord {
	return DNSRecord{
		Name: name, RRType: dns.TypeNAPTR, TTL: ttl, Expires: expiryFrom(ttl),
		Order: order, Preference: preference, Flags: flags, Service: service,
		Regexp: regexp, Target: replacement,
	}
}

// NewCNAMERecord returns a CNAME record expiring TTL seconds from now.
func NewCNAMERecord(name, target string, ttl uint32) DNSRecord {
	return DNSRecord{Name: name, RRType: dns.TypeCNAME, TTL: ttl, Expires: expiryFrom(ttl), Target: target}
}

func expiryFrom(ttl uint32) time.Time {
	return time.Now().Add(time.Duration(ttl) * time.Second)
}

// Clone returns a deep copy of the record.
func (r DNSRecord) Clone() DNSRecord {
	c := r
	if r.Address != nil {
		c.Address = append(net.IP(nil), r.Address...)
	}
	return c
}

// Expired reports whether the record's expiry has passed. Synthetic records
// with a zero expiry never expire.
func (r DNSRecord) Expired(now time.Time) bool {
	return !r.Expires.IsZero() && !r.Expires.After(now)
}

func (r DNSRecord) String() string {
	switch r.RRType {
	case dns.TypeA, dns.TypeAAAA:
		return fmt.Sprintf("%s %s %d %s", r.Name, dns.Type(r.RRType), r.TTL, r.Address)
	case dns.TypeSRV:
		return fmt.Sprintf("%s SRV %d %d %d %d %s", r.Name, r.TTL, r.Priority, r.Weight, r.Port, r.Target)
	case dns.TypeNAPTR:
		return fmt.Sprintf("%s NAPTR %d %d %d %q %q %q %s", r.Name, r.TTL, r.Order, r.Preference, r.Flags, r.Service, r.Regexp, r.Target)
	case dns.TypeCNAME:
		return fmt.Sprintf("%s CNAME %d %s", r.Name, r.TTL, r.Target)
	default:
		return fmt.Sprintf("%s %s %d %s", r.Name, dns.Type(r.RRType), r.TTL, r.RData)
	}
}

// recordFromRR converts a wire-format resource record into a cache record.
// The second return is false for types the cache does not hold.
func recordFromRR(rr dns.RR, now time.Time) (DNSRecord, bool) {
	hdr := rr.Header()
	rec := DNSRecord{
		Name:    foldDomain(hdr.Name),
		RRType:  hdr.Rrtype,
		TTL:     hdr.Ttl,
		Expires: now.Add(time.Duration(hdr.Ttl) * time.Second),
	}
	switch rr := rr.(type) {
	case *dns.A:
		rec.Address = append(net.IP(nil), rr.A...)
	case *dns.AAAA:
		rec.Address = append(net.IP(nil), rr.AAAA...)
	case *dns.SRV:
		rec.Priority = rr.Priority
		rec.Weight = rr.Weight
		rec.Port = rr.Port
		rec.Target = foldDomain(rr.Target)
	case *dns.NAPTR:
		rec.Order = rr.Order
		rec.Preference = rr.Preference
		rec.Flags = rr.Flags
		rec.Service = rr.Service
		rec.Regexp = rr.Regexp
		rec.Target = foldDomain(rr.Replacement)
	case *dns.CNAME:
		rec.Target = foldDomain(rr.Target)
	default:
		return DNSRecord{}, false
	}
	return rec, true
}

// cacheableType reports whether additional-section records of this type may
// pre-populate cache entries.
func cacheableType(rrtype uint16) bool {
	switch rrtype {
	case dns.TypeA, dns.TypeAAAA, dns.TypeSRV, dns.TypeNAPTR:
		return true
	}
	return false
}
