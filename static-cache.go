package imscore

import (
	"encoding/json"
	"net"
	"os"
	"sync"
	"time"

	syslog "github.com/RackSec/srslog"
	"github.com/fsnotify/fsnotify"
	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

// StaticDNSCache holds a file-supplied map from hostname to synthetic records
// that is consulted before any dynamic lookup. Records it returns carry TTL
// zero and never enter the dynamic cache.
type StaticDNSCache struct {
	filename string
	opt      StaticDNSCacheOptions

	mu      sync.RWMutex
	cnames  map[string]string
	records map[string][]DNSRecord // A records, keyed by folded hostname

	watcher *fsnotify.Watcher
	done    chan struct{}
}

type StaticDNSCacheOptions struct {
	// Emit problem-determination records through this logger on parse
	// failure. Optional.
	PDLog *PDLogger

	// Reload automatically when the backing file is rewritten.
	Watch bool
}

var pdStaticDNSParseError = PDLog{
	ID:          1,
	Severity:    syslog.LOG_ERR,
	Description: "failed to parse static DNS records file %s: %s",
	Cause:       "The static DNS records file is missing or malformed",
	Effect:      "Previously loaded static DNS records remain in effect",
	Action:      "Correct the static DNS records file and reload",
}

// File schema for the static records file.
type staticDNSFile struct {
	Hostnames []struct {
		Name    string `json:"name"`
		Records []struct {
			RRType  string   `json:"rrtype"`
			Target  string   `json:"target"`
			Targets []string `json:"targets"`
		} `json:"records"`
	} `json:"hostnames"`
}

// NewStaticDNSCache returns a static cache backed by the given file and loads
// it once. A missing or broken file is not fatal, the cache simply starts
// empty.
func NewStaticDNSCache(filename string, opt StaticDNSCacheOptions) *StaticDNSCache {
	c := &StaticDNSCache{
		filename: filename,
		opt:      opt,
		cnames:   make(map[string]string),
		records:  make(map[string][]DNSRecord),
		done:     make(chan struct{}),
	}
	if err := c.Reload(); err != nil {
		Log.WithError(err).WithField("file", filename).Warn("starting with empty static DNS cache")
	}
	if opt.Watch {
		c.startWatcher()
	}
	return c
}

// Reload re-parses the backing file and atomically replaces the contents. On
// any error the previous contents are left in place.
func (c *StaticDNSCache) Reload() error {
	body, err := os.ReadFile(c.filename)
	if err != nil {
		c.opt.PDLog.Log(pdStaticDNSParseError, c.filename, err)
		return errors.Wrap(err, "reading static DNS records")
	}
	var file staticDNSFile
	if err := json.Unmarshal(body, &file); err != nil {
		c.opt.PDLog.Log(pdStaticDNSParseError, c.filename, err)
		return errors.Wrap(err, "parsing static DNS records")
	}

	cnames := make(map[string]string)
	records := make(map[string][]DNSRecord)
	for _, host := range file.Hostnames {
		name := foldDomain(host.Name)
		if name == "" {
			Log.WithField("file", c.filename).Warn("static DNS entry without a name, skipping")
			continue
		}
		if _, ok := cnames[name]; ok {
			Log.WithField("hostname", host.Name).Warn("duplicate static DNS hostname, keeping the first")
			continue
		}
		if _, ok := records[name]; ok {
			Log.WithField("hostname", host.Name).Warn("duplicate static DNS hostname, keeping the first")
			continue
		}
		for _, rec := range host.Records {
			switch rec.RRType {
			case "CNAME":
				if _, ok := cnames[name]; ok {
					Log.WithField("hostname", host.Name).Warn("multiple static CNAME records, keeping the first")
					continue
				}
				cnames[name] = foldDomain(rec.Target)
			case "A":
				if _, ok := records[name]; ok {
					Log.WithField("hostname", host.Name).Warn("multiple static A record blocks, keeping the first")
					continue
				}
				var rrs []DNSRecord
				for _, target := range rec.Targets {
					addr := net.ParseIP(target)
					if addr == nil || addr.To4() == nil {
						Log.WithFields(map[string]interface{}{"hostname": host.Name, "target": target}).Warn("invalid address in static A record, skipping")
						continue
					}
					r := NewARecord(name, addr.To4(), 0)
					r.Expires = time.Time{} // synthetic, no expiry semantics
					rrs = append(rrs, r)
				}
				records[name] = rrs
			default:
				Log.WithFields(map[string]interface{}{"hostname": host.Name, "rrtype": rec.RRType}).Warn("unknown rrtype in static DNS records, skipping")
			}
		}
	}

	c.mu.Lock()
	c.cnames = cnames
	c.records = records
	c.mu.Unlock()
	Log.WithField("file", c.filename).Debug("static DNS records loaded")
	return nil
}

// Lookup returns the synthetic records of the given type for a domain, or nil
// if there are none. Comparison is case-insensitive.
func (c *StaticDNSCache) Lookup(domain string, rrtype uint16) []DNSRecord {
	name := foldDomain(domain)
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch rrtype {
	case dns.TypeA:
		recs := c.records[name]
		out := make([]DNSRecord, 0, len(recs))
		for _, r := range recs {
			out = append(out, r.Clone())
		}
		return out
	case dns.TypeCNAME:
		target, ok := c.cnames[name]
		if !ok {
			return nil
		}
		r := NewCNAMERecord(name, target, 0)
		r.Expires = time.Time{}
		return []DNSRecord{r}
	}
	return nil
}

// CanonicalName returns the target of a static CNAME for the domain, or the
// domain unchanged when there is none.
func (c *StaticDNSCache) CanonicalName(domain string) string {
	name := foldDomain(domain)
	c.mu.RLock()
	defer c.mu.RUnlock()
	if target, ok := c.cnames[name]; ok {
		return target
	}
	return name
}

// Close stops the file watcher if one was started.
func (c *StaticDNSCache) Close() {
	close(c.done)
	if c.watcher != nil {
		c.watcher.Close()
	}
}

func (c *StaticDNSCache) startWatcher() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		Log.WithError(err).Warn("cannot watch static DNS records file")
		return
	}
	if err := watcher.Add(c.filename); err != nil {
		Log.WithError(err).WithField("file", c.filename).Warn("cannot watch static DNS records file")
		watcher.Close()
		return
	}
	c.watcher = watcher
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				// Editors often replace the file, re-arm the watch on the new inode
				watcher.Add(c.filename)
				if err := c.Reload(); err != nil {
					Log.WithError(err).Warn("static DNS reload after file change failed")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				Log.WithError(err).Warn("static DNS file watcher error")
			case <-c.done:
				return
			}
		}
	}()
}
