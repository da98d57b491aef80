package imscore

import (
	"container/heap"
	"context"
	"expvar"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

const (
	// Negative-cache period for authoritative "name does not exist" answers
	defaultDNSNegativeTTL = 300 * time.Second

	// How long expired records are kept around and may be served stale
	defaultDNSStaleGrace = 300 * time.Second

	// Expiry extension applied when an upstream query fails transiently, so
	// stale records keep serving through a short outage
	defaultDNSErrorGrace = 30 * time.Second
)

// DNSResult is the outcome of a lookup for one domain. Records are deep
// copies owned by the caller. TTL is the remaining time in seconds, zero when
// the backing entry is already stale.
type DNSResult struct {
	Domain  string
	RRType  uint16
	Records []DNSRecord
	TTL     uint32
}

// DNSCachedResolver is a process-wide, thread-safe cache in front of a
// DNSTransport. It coalesces in-flight queries per (type, domain) key, honors
// TTLs with negative caching, keeps serving stale records during upstream
// outages and consults a static overlay before the network.
type DNSCachedResolver struct {
	opt       DNSCacheOptions
	transport DNSTransport
	static    *StaticDNSCache
	sas       SASSink

	mu     sync.Mutex
	cond   *sync.Cond
	cache  map[questionKey]*cacheEntry
	expiry expiryHeap

	metrics *dnsCacheMetrics
}

type DNSCacheOptions struct {
	// Static overlay consulted before any dynamic lookup. Optional.
	Static *StaticDNSCache

	// Negative-cache period for NXDOMAIN answers. Defaults to 300s.
	NegativeTTL time.Duration

	// How long entries survive past their expiry before eviction; stale
	// records within the grace window are served while a refresh is in
	// flight. Defaults to 300s.
	StaleGrace time.Duration

	// Expiry extension on transient upstream errors. Defaults to 30s.
	ErrorGrace time.Duration

	// Telemetry sink. Defaults to NopSAS.
	SAS SASSink
}

type dnsCacheMetrics struct {
	hit     *expvar.Int
	miss    *expvar.Int
	stale   *expvar.Int
	queries *expvar.Int
	failed  *expvar.Int
}

// cacheEntry is one slot of the dynamic cache. Both the main map and the
// expiry heap refer to it; the heap holds stale back-references after a
// refresh, only the reference matching the entry's current expiry deletes it.
type cacheEntry struct {
	key     questionKey
	pending bool
	records []DNSRecord
	expires time.Time // zero when never populated
}

type expiryRef struct {
	when time.Time // entry expiry plus grace at the time of the push
	key  questionKey
}

type expiryHeap []expiryRef

func (h expiryHeap) Len() int            { return len(h) }
func (h expiryHeap) Less(i, j int) bool  { return h[i].when.Before(h[j].when) }
func (h expiryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x interface{}) { *h = append(*h, x.(expiryRef)) }
func (h *expiryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	ref := old[n-1]
	*h = old[:n-1]
	return ref
}

// NewDNSCachedResolver returns a caching resolver over the given transport.
func NewDNSCachedResolver(transport DNSTransport, opt DNSCacheOptions) *DNSCachedResolver {
	if opt.NegativeTTL == 0 {
		opt.NegativeTTL = defaultDNSNegativeTTL
	}
	if opt.StaleGrace == 0 {
		opt.StaleGrace = defaultDNSStaleGrace
	}
	if opt.ErrorGrace == 0 {
		opt.ErrorGrace = defaultDNSErrorGrace
	}
	if opt.SAS == nil {
		opt.SAS = NopSAS{}
	}
	r := &DNSCachedResolver{
		opt:       opt,
		transport: transport,
		static:    opt.Static,
		sas:       opt.SAS,
		cache:     make(map[questionKey]*cacheEntry),
		metrics: &dnsCacheMetrics{
			hit:     getVarInt("dnscache", "resolver", "hit"),
			miss:    getVarInt("dnscache", "resolver", "miss"),
			stale:   getVarInt("dnscache", "resolver", "stale"),
			queries: getVarInt("dnscache", "resolver", "queries"),
			failed:  getVarInt("dnscache", "resolver", "failed"),
		},
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Resolve looks up a single domain.
func (r *DNSCachedResolver) Resolve(domain string, rrtype uint16, trail Trail) DNSResult {
	return r.ResolveAll([]string{domain}, rrtype, trail)[0]
}

// ResolveAll looks up a batch of domains of one record type. Queries needed
// for the batch are issued concurrently and the call blocks only for domains
// that have no usable records yet.
func (r *DNSCachedResolver) ResolveAll(domains []string, rrtype uint16, trail Trail) []DNSResult {
	type lookup struct {
		domain string
		key    questionKey
		static []DNSRecord
		wait   bool
		issue  bool
	}
	log := logger("dnscachedresolver", trail)

	lookups := make([]lookup, len(domains))
	now := time.Now()

	r.mu.Lock()
	r.expireEntries(now)
	for i, domain := range domains {
		l := lookup{domain: domain}

		// Synthetic A records short-circuit without touching the dynamic cache
		if r.static != nil {
			if recs := r.static.Lookup(domain, rrtype); len(recs) > 0 {
				l.static = recs
				lookups[i] = l
				continue
			}
		}

		// A static CNAME substitutes the domain we actually resolve; the
		// result is reported under the original name
		effective := foldDomain(domain)
		if r.static != nil {
			effective = r.static.CanonicalName(domain)
		}
		l.key = questionKey{rrtype: rrtype, name: effective}

		e, ok := r.cache[l.key]
		switch {
		case !ok:
			// Reserving the slot up front prevents a duplicate outbound
			// query for the same key
			e = &cacheEntry{key: l.key, pending: true}
			r.cache[l.key] = e
			l.issue = true
			l.wait = true
			r.metrics.miss.Add(1)
		case e.expires.After(now):
			r.metrics.hit.Add(1)
		case !e.pending:
			e.pending = true
			l.issue = true
			l.wait = len(e.records) == 0
			r.metrics.stale.Add(1)
		default:
			// Another caller is already refreshing this key
			l.wait = len(e.records) == 0
		}
		lookups[i] = l
	}
	r.mu.Unlock()

	// Fire the network queries for this batch
	var wg sync.WaitGroup
	for _, l := range lookups {
		if !l.issue {
			continue
		}
		wg.Add(1)
		go func(key questionKey) {
			defer wg.Done()
			r.runQuery(key, trail)
		}(l.key)
	}

	// Wait for our own queries before collecting, matching the poll loop of
	// the issuing thread
	anyWait := false
	for _, l := range lookups {
		if l.issue && l.wait {
			anyWait = true
		}
	}
	if anyWait {
		wg.Wait()
	}

	results := make([]DNSResult, len(domains))
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, l := range lookups {
		if l.static != nil {
			results[i] = DNSResult{Domain: l.domain, RRType: rrtype, Records: l.static}
			continue
		}
		e := r.cache[l.key]
		for e != nil && l.wait && e.pending {
			r.cond.Wait()
			e = r.cache[l.key]
		}
		res := DNSResult{Domain: l.domain, RRType: rrtype}
		if e != nil {
			res.Records = cloneRecords(e.records)
			if remaining := time.Until(e.expires); remaining > 0 {
				res.TTL = uint32(remaining / time.Second)
			}
		}
		results[i] = res
	}
	log.WithFields(map[string]interface{}{"rrtype": dns.Type(rrtype), "domains": len(domains)}).Debug("resolved")
	return results
}

// Add force-inserts records for a key, bypassing the network. Records without
// an absolute expiry get one computed from their TTL.
func (r *DNSCachedResolver) Add(domain string, rrtype uint16, records []DNSRecord) {
	now := time.Now()
	key := makeQuestionKey(rrtype, domain)

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.cache[key]
	if !ok {
		e = &cacheEntry{key: key}
		r.cache[key] = e
	}
	for _, rec := range records {
		rec = rec.Clone()
		if rec.Expires.IsZero() {
			rec.Expires = now.Add(time.Duration(rec.TTL) * time.Second)
		}
		e.records = append(e.records, rec)
	}
	r.updateEntryExpiry(e, now)
	r.pushExpiry(e)
}

// Clear drops all dynamic entries. Waiters are woken so nobody blocks on a
// key that no longer exists.
func (r *DNSCachedResolver) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[questionKey]*cacheEntry)
	r.expiry = nil
	r.cond.Broadcast()
}

// ReloadStaticRecords re-parses the static overlay file.
func (r *DNSCachedResolver) ReloadStaticRecords() error {
	if r.static == nil {
		return nil
	}
	return r.static.Reload()
}

// Display renders the cache contents for diagnostics.
func (r *DNSCachedResolver) Display() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]questionKey, 0, len(r.cache))
	for k := range r.cache {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].name != keys[j].name {
			return keys[i].name < keys[j].name
		}
		return keys[i].rrtype < keys[j].rrtype
	})

	var b strings.Builder
	for _, k := range keys {
		e := r.cache[k]
		fmt.Fprintf(&b, "%s expires=%ds pending=%v\n", k, int(time.Until(e.expires)/time.Second), e.pending)
		for _, rec := range e.records {
			fmt.Fprintf(&b, "  %s\n", rec)
		}
	}
	return b.String()
}

// runQuery performs the network exchange for one key and applies the reply.
// Exactly one runQuery is in flight per key, guarded by the pending flag.
func (r *DNSCachedResolver) runQuery(key questionKey, trail Trail) {
	r.metrics.queries.Add(1)
	r.sas.Event(trail, NewSASEvent(SASEventDNSLookup).
		AddStaticParam(uint32(key.rrtype)).
		AddVarParam(key.name))

	msg, err := r.transport.Exchange(context.Background(), key.name, key.rrtype)
	r.handleResponse(key, msg, err, trail)
}

// handleResponse applies one upstream reply (or failure) to the cache under
// the mutex and wakes all waiters.
func (r *DNSCachedResolver) handleResponse(key questionKey, msg *dns.Msg, err error, trail Trail) {
	log := logger("dnscachedresolver", trail).WithField("key", key.String())
	now := time.Now()

	r.mu.Lock()
	defer func() {
		r.cond.Broadcast()
		r.mu.Unlock()
	}()

	e, ok := r.cache[key]
	if !ok {
		// Cache was cleared while the query was in flight
		return
	}

	switch {
	case err != nil:
		// Transient failure: keep whatever we have and serve it stale for a
		// little longer
		r.metrics.failed.Add(1)
		e.expires = now.Add(r.opt.ErrorGrace)
		r.sas.Event(trail, NewSASEvent(SASEventDNSFailed).
			AddStaticParam(uint32(key.rrtype)).
			AddVarParam(key.name))
		log.WithError(err).Warn("upstream DNS failure, serving stale")

	case msg.Rcode == dns.RcodeNameError:
		e.records = nil
		e.expires = now.Add(r.opt.NegativeTTL)
		r.sas.Event(trail, NewSASEvent(SASEventDNSNotFound).
			AddStaticParam(uint32(key.rrtype)).
			AddVarParam(key.name))
		log.Debug("authoritative NXDOMAIN, negative-caching")

	default:
		e.records = e.records[:0]
		var cnameTarget string
		for _, rr := range msg.Answer {
			hdr := rr.Header()
			if cname, ok := rr.(*dns.CNAME); ok {
				if cnameTarget == "" {
					cnameTarget = foldDomain(cname.Target)
				} else {
					log.WithField("target", cname.Target).Debug("ignoring chained CNAME")
				}
				continue
			}
			rec, ok := recordFromRR(rr, now)
			if !ok {
				continue
			}
			switch hdr.Rrtype {
			case dns.TypeA, dns.TypeAAAA:
				if rec.Name != key.name && rec.Name != cnameTarget {
					log.WithField("rrname", hdr.Name).Debug("dropping answer with unexpected rrname")
					continue
				}
				e.records = append(e.records, rec)
			case dns.TypeSRV, dns.TypeNAPTR:
				if hdr.Rrtype == key.rrtype {
					e.records = append(e.records, rec)
				}
			}
		}

		// Additional-section records pre-populate entries for their own keys,
		// overwriting whatever was there. An SRV reply typically carries the
		// target A/AAAA records this way.
		extra := make(map[questionKey][]DNSRecord)
		for _, rr := range msg.Extra {
			if !cacheableType(rr.Header().Rrtype) {
				continue
			}
			rec, ok := recordFromRR(rr, now)
			if !ok {
				continue
			}
			k := questionKey{rrtype: rec.RRType, name: rec.Name}
			extra[k] = append(extra[k], rec)
		}
		for k, recs := range extra {
			xe, ok := r.cache[k]
			if !ok {
				xe = &cacheEntry{key: k}
				r.cache[k] = xe
			} else if xe.pending {
				// Another caller is mid-refresh for this key, its own reply
				// will land shortly; don't fight it
				continue
			}
			xe.records = recs
			xe.expires = time.Time{}
			r.updateEntryExpiry(xe, now)
			r.pushExpiry(xe)
		}

		e.expires = time.Time{}
		r.updateEntryExpiry(e, now)
		r.sas.Event(trail, NewSASEvent(SASEventDNSSuccess).
			AddStaticParam(uint32(key.rrtype)).
			AddStaticParam(uint32(len(e.records))).
			AddVarParam(key.name))
	}

	if len(e.records) == 0 && e.expires.IsZero() {
		e.expires = now.Add(r.opt.NegativeTTL)
	}
	r.pushExpiry(e)
	e.pending = false
}

// updateEntryExpiry recomputes an entry's expiry as the minimum over its
// records, or now+negative-TTL when it holds none.
func (r *DNSCachedResolver) updateEntryExpiry(e *cacheEntry, now time.Time) {
	if len(e.records) == 0 {
		if e.expires.IsZero() {
			e.expires = now.Add(r.opt.NegativeTTL)
		}
		return
	}
	min := e.records[0].Expires
	for _, rec := range e.records[1:] {
		if rec.Expires.Before(min) {
			min = rec.Expires
		}
	}
	e.expires = min
}

// pushExpiry records an eviction reference for the entry's current expiry.
// Called with the mutex held.
func (r *DNSCachedResolver) pushExpiry(e *cacheEntry) {
	heap.Push(&r.expiry, expiryRef{when: e.expires.Add(r.opt.StaleGrace), key: e.key})
}

// expireEntries pops due references off the expiry heap. An entry is only
// removed when the popped reference matches its current expiry+grace; stale
// back-references from earlier refreshes are discarded. Called with the mutex
// held.
func (r *DNSCachedResolver) expireEntries(now time.Time) {
	for len(r.expiry) > 0 && r.expiry[0].when.Before(now) {
		ref := heap.Pop(&r.expiry).(expiryRef)
		e, ok := r.cache[ref.key]
		if !ok || e.pending {
			continue
		}
		if e.expires.Add(r.opt.StaleGrace).Equal(ref.when) {
			delete(r.cache, ref.key)
		}
	}
}

func cloneRecords(records []DNSRecord) []DNSRecord {
	out := make([]DNSRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Clone())
	}
	return out
}
