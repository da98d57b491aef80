package imscore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

const staticRecordsBody = `{
  "hostnames": [
    {
      "name": "api.example.com",
      "records": [{"rrtype": "CNAME", "target": "real.example.com"}]
    },
    {
      "name": "static.example.com",
      "records": [{"rrtype": "A", "targets": ["10.0.0.1", "10.0.0.2"]}]
    },
    {
      "name": "static.example.com",
      "records": [{"rrtype": "A", "targets": ["10.9.9.9"]}]
    },
    {
      "name": "weird.example.com",
      "records": [{"rrtype": "MX", "target": "mail.example.com"}]
    }
  ]
}`

func writeStaticFile(t *testing.T, body string) string {
	t.Helper()
	name := filepath.Join(t.TempDir(), "static_records.json")
	require.NoError(t, os.WriteFile(name, []byte(body), 0644))
	return name
}

func TestStaticDNSCacheLookup(t *testing.T) {
	c := NewStaticDNSCache(writeStaticFile(t, staticRecordsBody), StaticDNSCacheOptions{})
	defer c.Close()

	// A lookups are case-insensitive and report TTL zero
	recs := c.Lookup("STATIC.example.COM", dns.TypeA)
	require.Len(t, recs, 2)
	require.Equal(t, "10.0.0.1", recs[0].Address.String())
	require.Equal(t, uint32(0), recs[0].TTL)
	require.True(t, recs[0].Expires.IsZero())

	// The duplicate hostname block was dropped, first wins
	for _, rec := range recs {
		require.NotEqual(t, "10.9.9.9", rec.Address.String())
	}

	// CNAME lookups
	cname := c.Lookup("api.example.com", dns.TypeCNAME)
	require.Len(t, cname, 1)
	require.Equal(t, "real.example.com", cname[0].Target)

	// No synthetic records of the requested type
	require.Empty(t, c.Lookup("api.example.com", dns.TypeA))
	require.Empty(t, c.Lookup("unknown.example.com", dns.TypeA))
}

func TestStaticDNSCacheCanonicalName(t *testing.T) {
	c := NewStaticDNSCache(writeStaticFile(t, staticRecordsBody), StaticDNSCacheOptions{})
	defer c.Close()

	require.Equal(t, "real.example.com", c.CanonicalName("api.example.com"))
	require.Equal(t, "real.example.com", c.CanonicalName("API.EXAMPLE.COM"))
	require.Equal(t, "other.example.com", c.CanonicalName("other.example.com"))
}

func TestStaticDNSCacheReloadIdempotent(t *testing.T) {
	c := NewStaticDNSCache(writeStaticFile(t, staticRecordsBody), StaticDNSCacheOptions{})
	defer c.Close()

	before := c.Lookup("static.example.com", dns.TypeA)
	require.NoError(t, c.Reload())
	require.NoError(t, c.Reload())
	after := c.Lookup("static.example.com", dns.TypeA)
	require.Equal(t, len(before), len(after))
	require.Equal(t, before[0].Address, after[0].Address)
}

func TestStaticDNSCacheBadFileKeepsOld(t *testing.T) {
	name := writeStaticFile(t, staticRecordsBody)
	c := NewStaticDNSCache(name, StaticDNSCacheOptions{})
	defer c.Close()

	require.NoError(t, os.WriteFile(name, []byte("{not json"), 0644))
	require.Error(t, c.Reload())

	// Previous contents still served
	require.Len(t, c.Lookup("static.example.com", dns.TypeA), 2)
	require.Equal(t, "real.example.com", c.CanonicalName("api.example.com"))
}

func TestStaticDNSCacheMissingFile(t *testing.T) {
	c := NewStaticDNSCache(filepath.Join(t.TempDir(), "nope.json"), StaticDNSCacheOptions{})
	defer c.Close()
	require.Empty(t, c.Lookup("anything.example.com", dns.TypeA))
	require.Equal(t, "anything.example.com", c.CanonicalName("anything.example.com"))
}
