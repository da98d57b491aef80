/*
Package imscore is the shared systems substrate for a cluster of IMS signaling
nodes. It does not implement SIP, Diameter application semantics or HTTP
parsing; it supplies the plumbing those nodes need to talk to their peers
reliably under load. A single process typically embeds most of the
collaborators at once.

DNS

DNSCachedResolver is a process-wide, thread-safe cache over an upstream
DNSTransport. It coalesces in-flight lookups per (type, domain) key, honors
TTLs with negative caching, keeps serving stale records during upstream
outages, and consults a StaticDNSCache overlay parsed from a JSON file before
any dynamic lookup.

HTTP

HTTPClient performs requests against a logical server name with per-target
failover. Targets come from an HTTPResolver which maintains a time-bounded
blacklist fed back by the client; connections are reused through an
HTTPConnectionPool with idle eviction and per-IP gauge reporting.

Diameter

RealmManager keeps the set of open Diameter transport peers aligned with the
current DNS resolution of a realm, bounded by a peer count, reacting to
connect and disconnect callbacks, and biasing route selection by SRV
priority. The wire stack itself is a collaborator behind the DiameterStack
interface.

Load control and supervision

LoadMonitor is a token-bucket admission controller whose refill rate is
adjusted from measured latency and externally reported penalties. WorkPool is
a bounded-queue worker pool whose trampoline reports faults to an
ExceptionHandler; HealthChecker enforces process-level recovery, and
CommunicationMonitor turns success/failure streams into a tri-state alarm.
*/
package imscore
