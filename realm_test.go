package imscore

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testStack is a DiameterStack recording adds, removes and peer counts.
type testStack struct {
	mu       sync.Mutex
	added    []string
	removed  []string
	existing map[string]bool // hosts for which Add reports a zombie
	peerHook PeerConnectionCallback
	routeCb  RouteCallback
	total    int
	conn     int
}

func (s *testStack) Add(p *DiameterPeer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.existing[p.Host] {
		return ErrPeerExists
	}
	s.added = append(s.added, p.Host)
	return nil
}

func (s *testStack) Remove(p *DiameterPeer) {
	s.mu.Lock()
	s.removed = append(s.removed, p.Host)
	s.mu.Unlock()
}

func (s *testStack) RegisterPeerHook(name string, cb PeerConnectionCallback) {
	s.mu.Lock()
	s.peerHook = cb
	s.mu.Unlock()
}

func (s *testStack) RegisterRouteCallback(name string, cb RouteCallback) {
	s.mu.Lock()
	s.routeCb = cb
	s.mu.Unlock()
}

func (s *testStack) PeerCount(total, connected int) {
	s.mu.Lock()
	s.total, s.conn = total, connected
	s.mu.Unlock()
}

func (s *testStack) addedHosts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.added...)
}

func (s *testStack) removedHosts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.removed...)
}

// testRealmResolver serves a fixed target set and records blacklists.
type testRealmResolver struct {
	mu        sync.Mutex
	targets   []DiameterTarget
	ttl       time.Duration
	blacklist []AddrInfo
}

func (r *testRealmResolver) ResolveRealm(realm, excludeHost string, maxTargets int, trail Trail) ([]DiameterTarget, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]DiameterTarget(nil), r.targets...), r.ttl
}

func (r *testRealmResolver) Blacklist(target AddrInfo, d time.Duration) {
	r.mu.Lock()
	r.blacklist = append(r.blacklist, target)
	r.mu.Unlock()
}

func (r *testRealmResolver) setTargets(targets []DiameterTarget) {
	r.mu.Lock()
	r.targets = targets
	r.mu.Unlock()
}

func diameterTarget(host, addr string, priority int) DiameterTarget {
	return DiameterTarget{
		Host: host,
		Addr: AddrInfo{Address: net.ParseIP(addr), Port: 3868, Priority: priority},
	}
}

func newTestRealmManager(resolver *testRealmResolver, stack *testStack, maxPeers int) *RealmManager {
	return NewRealmManager(RealmManagerOptions{
		Realm:    "hss.example.com",
		MaxPeers: maxPeers,
		Stack:    stack,
		Resolver: resolver,
	})
}

func TestRealmManagerAddsResolvedPeers(t *testing.T) {
	stack := &testStack{}
	resolver := &testRealmResolver{
		targets: []DiameterTarget{
			diameterTarget("hss1.example.com", "10.0.0.1", 1),
			diameterTarget("hss2.example.com", "10.0.0.2", 2),
		},
		ttl: 60 * time.Second,
	}
	m := newTestRealmManager(resolver, stack, 2)

	ttl := m.ManageConnections(1)
	require.Equal(t, 60*time.Second, ttl)
	require.ElementsMatch(t, []string{"hss1.example.com", "hss2.example.com"}, stack.addedHosts())
	require.Equal(t, 2, stack.total)
	require.Equal(t, 0, stack.conn)
}

func TestRealmManagerTTLClamped(t *testing.T) {
	stack := &testStack{}
	resolver := &testRealmResolver{ttl: time.Second}
	m := newTestRealmManager(resolver, stack, 2)
	require.Equal(t, 5*time.Second, m.ManageConnections(1))

	resolver.mu.Lock()
	resolver.ttl = time.Hour
	resolver.mu.Unlock()
	require.Equal(t, 300*time.Second, m.ManageConnections(1))
}

func TestRealmManagerZombieCounting(t *testing.T) {
	stack := &testStack{existing: map[string]bool{"hss2.example.com": true}}
	resolver := &testRealmResolver{
		targets: []DiameterTarget{
			diameterTarget("hss1.example.com", "10.0.0.1", 1),
			diameterTarget("hss2.example.com", "10.0.0.2", 2),
		},
		ttl: 60 * time.Second,
	}
	m := newTestRealmManager(resolver, stack, 2)

	m.ManageConnections(1)

	// The zombie is not in the table but counts toward the total
	require.ElementsMatch(t, []string{"hss1.example.com"}, stack.addedHosts())
	require.Equal(t, 2, stack.total)

	// Once the stack forgets the zombie the next cycle adds it for real
	stack.mu.Lock()
	stack.existing = nil
	stack.mu.Unlock()
	m.ManageConnections(1)
	require.ElementsMatch(t, []string{"hss1.example.com", "hss2.example.com"}, stack.addedHosts())
}

func TestRealmManagerPeerConnectionLifecycle(t *testing.T) {
	stack := &testStack{}
	resolver := &testRealmResolver{
		targets: []DiameterTarget{diameterTarget("hss1.example.com", "10.0.0.1", 1)},
		ttl:     60 * time.Second,
	}
	m := newTestRealmManager(resolver, stack, 1)
	m.ManageConnections(1)

	m.PeerConnection(true, "HSS1.example.com", "hss.example.com")
	require.Equal(t, 1, m.ConnectedPeerCount())

	// Failure blacklists the target and drops the peer
	m.PeerConnection(false, "hss1.example.com", "")
	require.Equal(t, 0, m.ConnectedPeerCount())
	resolver.mu.Lock()
	require.Len(t, resolver.blacklist, 1)
	require.Equal(t, "10.0.0.1", resolver.blacklist[0].Address.String())
	resolver.mu.Unlock()
}

func TestRealmManagerWrongRealmRemoved(t *testing.T) {
	stack := &testStack{}
	resolver := &testRealmResolver{
		targets: []DiameterTarget{diameterTarget("hss1.example.com", "10.0.0.1", 1)},
		ttl:     60 * time.Second,
	}
	m := newTestRealmManager(resolver, stack, 1)
	m.ManageConnections(1)

	m.PeerConnection(true, "hss1.example.com", "other.example.com")
	require.Equal(t, 0, m.ConnectedPeerCount())
	require.ElementsMatch(t, []string{"hss1.example.com"}, stack.removedHosts())
	resolver.mu.Lock()
	require.Len(t, resolver.blacklist, 1)
	resolver.mu.Unlock()
}

func TestRealmManagerUnknownPeerIgnored(t *testing.T) {
	stack := &testStack{}
	resolver := &testRealmResolver{ttl: 60 * time.Second}
	m := newTestRealmManager(resolver, stack, 1)
	m.ManageConnections(1)

	// Must not panic or blacklist anything
	m.PeerConnection(true, "stranger.example.com", "hss.example.com")
	resolver.mu.Lock()
	require.Empty(t, resolver.blacklist)
	resolver.mu.Unlock()
}

func TestRealmManagerPrunesUnnamedPeers(t *testing.T) {
	stack := &testStack{}
	resolver := &testRealmResolver{
		targets: []DiameterTarget{
			diameterTarget("hss1.example.com", "10.0.0.1", 1),
			diameterTarget("hss2.example.com", "10.0.0.2", 2),
		},
		ttl: 60 * time.Second,
	}
	m := newTestRealmManager(resolver, stack, 2)
	m.ManageConnections(1)
	m.PeerConnection(true, "hss1.example.com", "hss.example.com")
	m.PeerConnection(true, "hss2.example.com", "hss.example.com")
	require.Equal(t, 2, m.ConnectedPeerCount())

	// DNS now names a single different host; the connected peers are pruned
	// because DNS cannot fill the bound without them
	resolver.setTargets([]DiameterTarget{diameterTarget("hss3.example.com", "10.0.0.3", 1)})
	m.ManageConnections(1)
	require.ElementsMatch(t, []string{"hss1.example.com", "hss2.example.com"}, stack.removedHosts())
	require.Contains(t, stack.addedHosts(), "hss3.example.com")
}

func TestRealmManagerKeepsPeersWhenDNSFillsBound(t *testing.T) {
	stack := &testStack{}
	resolver := &testRealmResolver{
		targets: []DiameterTarget{
			diameterTarget("hss1.example.com", "10.0.0.1", 1),
			diameterTarget("hss2.example.com", "10.0.0.2", 2),
		},
		ttl: 60 * time.Second,
	}
	m := newTestRealmManager(resolver, stack, 2)
	m.ManageConnections(1)
	m.PeerConnection(true, "hss1.example.com", "hss.example.com")
	m.PeerConnection(true, "hss2.example.com", "hss.example.com")

	// hss1 drops out of DNS but two fresh names fill the bound, so the
	// established connection is left alone
	resolver.setTargets([]DiameterTarget{
		diameterTarget("hss2.example.com", "10.0.0.2", 2),
		diameterTarget("hss3.example.com", "10.0.0.3", 1),
	})
	m.ManageConnections(1)
	require.Empty(t, stack.removedHosts())
	require.Equal(t, 2, m.ConnectedPeerCount())
}

func TestRealmManagerPriorityRefresh(t *testing.T) {
	stack := &testStack{}
	resolver := &testRealmResolver{
		targets: []DiameterTarget{diameterTarget("hss1.example.com", "10.0.0.1", 5)},
		ttl:     60 * time.Second,
	}
	m := newTestRealmManager(resolver, stack, 1)
	m.ManageConnections(1)

	candidates := []RouteCandidate{{Host: "hss1.example.com", Score: 10}}
	m.AdjustRouteScores(candidates)
	require.Equal(t, 5, candidates[0].Score)

	// A new resolution updates the priority in place
	resolver.setTargets([]DiameterTarget{diameterTarget("hss1.example.com", "10.0.0.1", 2)})
	m.ManageConnections(1)
	candidates = []RouteCandidate{{Host: "hss1.example.com", Score: 10}}
	m.AdjustRouteScores(candidates)
	require.Equal(t, 8, candidates[0].Score)
}

func TestRealmManagerRouteScoreFloor(t *testing.T) {
	stack := &testStack{}
	resolver := &testRealmResolver{
		targets: []DiameterTarget{diameterTarget("hss1.example.com", "10.0.0.1", 50)},
		ttl:     60 * time.Second,
	}
	m := newTestRealmManager(resolver, stack, 1)
	m.ManageConnections(1)

	candidates := []RouteCandidate{
		{Host: "hss1.example.com", Score: 10}, // floored, stays usable
		{Host: "hss1.example.com", Score: 0},  // unusable, untouched
		{Host: "other.example.com", Score: 7}, // unknown peer, untouched
	}
	m.AdjustRouteScores(candidates)
	require.Equal(t, 1, candidates[0].Score)
	require.Equal(t, 0, candidates[1].Score)
	require.Equal(t, 7, candidates[2].Score)
}

func TestRealmManagerStopRemovesPeers(t *testing.T) {
	stack := &testStack{}
	resolver := &testRealmResolver{
		targets: []DiameterTarget{diameterTarget("hss1.example.com", "10.0.0.1", 1)},
		ttl:     60 * time.Second,
	}
	m := newTestRealmManager(resolver, stack, 1)

	m.Start()
	require.Eventually(t, func() bool {
		return len(stack.addedHosts()) == 1
	}, time.Second, 10*time.Millisecond)

	stack.mu.Lock()
	require.NotNil(t, stack.peerHook)
	require.NotNil(t, stack.routeCb)
	stack.mu.Unlock()

	m.Stop()
	require.ElementsMatch(t, []string{"hss1.example.com"}, stack.removedHosts())
	stack.mu.Lock()
	require.Equal(t, 0, stack.total)
	stack.mu.Unlock()
}
