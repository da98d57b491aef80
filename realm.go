package imscore

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	// Bounds on how long the controller sleeps between reconciliations; the
	// DNS TTL is clamped into this range
	minReconcileInterval = 5 * time.Second
	maxReconcileInterval = 300 * time.Second

	// Blacklist applied to a target whose peer failed to connect or came up
	// in the wrong realm
	defaultPeerBlacklistDuration = 30 * time.Second
)

// ErrPeerExists is returned by a DiameterStack when a peer with the same
// hostname is already registered, typically a zombie the stack has not yet
// garbage-collected.
var ErrPeerExists = errors.New("peer already exists")

// DiameterPeer is one transport peer owned by the RealmManager. The stack
// holds a reference too and must be told to drop it before the peer goes
// away.
type DiameterPeer struct {
	Host      string
	Realm     string
	Addr      AddrInfo
	Priority  int // SRV priority, lower preferred
	Connected bool
	Listener  PeerListener
}

// PeerListener observes connection transitions on a single peer.
type PeerListener interface {
	ConnectionSucceeded(p *DiameterPeer)
	ConnectionFailed(p *DiameterPeer)
}

// PeerConnectionCallback is invoked by the stack for each (host, realm)
// connection transition.
type PeerConnectionCallback func(succeeded bool, host, realm string)

// RouteCandidate is one candidate for an outbound request, scored by the
// stack. Candidates with a score of zero or below are unusable and left
// alone.
type RouteCandidate struct {
	Host  string
	Score int
}

// RouteCallback lets the manager adjust candidate scores before the stack
// picks a route.
type RouteCallback func(candidates []RouteCandidate)

// DiameterStack is the interface to the black-box Diameter wire stack.
type DiameterStack interface {
	Add(p *DiameterPeer) error
	Remove(p *DiameterPeer)
	RegisterPeerHook(name string, cb PeerConnectionCallback)
	RegisterRouteCallback(name string, cb RouteCallback)
	PeerCount(total, connected int)
}

// DiameterTarget is one resolved peer location within a realm.
type DiameterTarget struct {
	Host string
	Addr AddrInfo
}

// DiameterResolver yields peer targets for a realm and absorbs blacklist
// feedback on failed peers.
type DiameterResolver interface {
	ResolveRealm(realm, excludeHost string, maxTargets int, trail Trail) ([]DiameterTarget, time.Duration)
	Blacklist(target AddrInfo, d time.Duration)
}

// RealmManager keeps the set of open Diameter peers aligned with the current
// DNS resolution of a realm, bounded by MaxPeers, and biases routing by SRV
// priority. Reconciliation is strictly serialized on the controller
// goroutine.
type RealmManager struct {
	opt      RealmManagerOptions
	stack    DiameterStack
	resolver DiameterResolver

	// Held by the controller during reconciliation and by the peer-connect
	// callback while it modifies peer state
	mu sync.Mutex

	// Write-locked only to swap or mutate the table; read-locked by the
	// routing callback and table inspection
	peersMu sync.RWMutex
	peers   map[string]*DiameterPeer

	zombies int

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

type RealmManagerOptions struct {
	// Diameter administrative domain to track. Required.
	Realm string

	// Local Diameter identity, excluded from resolution.
	LocalHost string

	// Upper bound on the connected peer set. Required.
	MaxPeers int

	// Wire stack and realm resolver collaborators. Required.
	Stack    DiameterStack
	Resolver DiameterResolver

	// Blacklist duration for failed or misbehaving peers. Defaults to 30s.
	PeerBlacklistDuration time.Duration

	// Listener attached to peers this manager constructs. Optional.
	Listener PeerListener
}

// NewRealmManager returns a stopped manager; call Start to begin
// reconciliation.
func NewRealmManager(opt RealmManagerOptions) *RealmManager {
	if opt.PeerBlacklistDuration == 0 {
		opt.PeerBlacklistDuration = defaultPeerBlacklistDuration
	}
	return &RealmManager{
		opt:      opt,
		stack:    opt.Stack,
		resolver: opt.Resolver,
		peers:    make(map[string]*DiameterPeer),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start registers the stack callbacks and launches the controller.
func (m *RealmManager) Start() {
	m.stack.RegisterPeerHook("realmmanager", m.PeerConnection)
	m.stack.RegisterRouteCallback("realmmanager", m.AdjustRouteScores)
	m.wg.Add(1)
	go m.run()
}

// Stop signals the controller to terminate and blocks until every peer this
// manager registered has been removed from the stack.
func (m *RealmManager) Stop() {
	close(m.done)
	m.wg.Wait()
}

// ConnectedPeerCount returns the number of peers currently connected.
func (m *RealmManager) ConnectedPeerCount() int {
	m.peersMu.RLock()
	defer m.peersMu.RUnlock()
	n := 0
	for _, p := range m.peers {
		if p.Connected {
			n++
		}
	}
	return n
}

func (m *RealmManager) run() {
	defer m.wg.Done()
	for {
		ttl := m.ManageConnections(0)
		select {
		case <-time.After(ttl):
		case <-m.wake:
		case <-m.done:
			m.removeAllPeers()
			return
		}
	}
}

// ManageConnections runs one reconciliation cycle and returns how long to
// sleep before the next one. All work happens on a snapshot; the shared table
// is only write-locked for the final swap.
func (m *RealmManager) ManageConnections(trail Trail) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := logger("realmmanager", trail).WithField("realm", m.opt.Realm)

	targets, ttl := m.resolver.ResolveRealm(m.opt.Realm, m.opt.LocalHost, m.opt.MaxPeers, trail)
	if ttl < minReconcileInterval {
		ttl = minReconcileInterval
	}
	if ttl > maxReconcileInterval {
		ttl = maxReconcileInterval
	}

	newHosts := make(map[string]DiameterTarget, len(targets))
	for _, t := range targets {
		newHosts[foldDomain(t.Host)] = t
	}

	m.peersMu.RLock()
	table := make(map[string]*DiameterPeer, len(m.peers))
	for host, p := range m.peers {
		table[host] = p
	}
	m.peersMu.RUnlock()

	connected := 0
	for _, p := range table {
		if p.Connected {
			connected++
		}
	}

	// Prune connected peers that DNS no longer names, while we are over the
	// bound or DNS cannot fill it
	for host, p := range table {
		if !p.Connected {
			continue
		}
		if _, ok := newHosts[host]; ok {
			continue
		}
		if connected > m.opt.MaxPeers || len(newHosts) < m.opt.MaxPeers {
			log.WithField("peer", p.Host).Info("pruning peer no longer named by DNS")
			m.stack.Remove(p)
			delete(table, host)
			connected--
		}
	}

	// Add peers for newly resolved targets, refresh SRV priority on the rest
	zombies := 0
	for host, t := range newHosts {
		if p, ok := table[host]; ok {
			p.Priority = t.Addr.Priority
			continue
		}
		p := &DiameterPeer{
			Host:     host,
			Realm:    m.opt.Realm,
			Addr:     t.Addr,
			Priority: t.Addr.Priority,
			Listener: m.opt.Listener,
		}
		if err := m.stack.Add(p); err != nil {
			if errors.Is(err, ErrPeerExists) {
				// A zombie the stack has not garbage-collected yet; count it
				// and reconcile again next cycle
				zombies++
				continue
			}
			log.WithError(err).WithField("peer", host).Warn("stack rejected peer")
			continue
		}
		table[host] = p
	}
	m.zombies = zombies

	connected = 0
	for _, p := range table {
		if p.Connected {
			connected++
		}
	}
	m.stack.PeerCount(len(table)+zombies, connected)
	diameterPeersGauge.WithLabelValues("known").Set(float64(len(table) + zombies))
	diameterPeersGauge.WithLabelValues("connected").Set(float64(connected))

	m.peersMu.Lock()
	m.peers = table
	m.peersMu.Unlock()
	return ttl
}

// PeerConnection is the stack's peer-connect callback.
func (m *RealmManager) PeerConnection(succeeded bool, host, realm string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := logger("realmmanager", 0).WithFields(map[string]interface{}{"peer": host, "realm": realm})

	key := foldDomain(host)
	m.peersMu.RLock()
	p := m.peers[key]
	m.peersMu.RUnlock()
	if p == nil {
		log.Warn("connection event for unknown peer")
		return
	}

	switch {
	case succeeded && (m.opt.Realm == "" || domainsEqual(realm, m.opt.Realm)):
		p.Connected = true
		if p.Listener != nil {
			p.Listener.ConnectionSucceeded(p)
		}
		log.Debug("peer connected")

	case succeeded:
		// Connected into the wrong realm: drop it and find a replacement
		log.Warn("peer connected in unexpected realm, removing")
		m.stack.Remove(p)
		m.resolver.Blacklist(p.Addr, m.opt.PeerBlacklistDuration)
		m.deletePeer(key)
		m.wakeController()

	default:
		log.Debug("peer connection failed")
		m.resolver.Blacklist(p.Addr, m.opt.PeerBlacklistDuration)
		if p.Listener != nil {
			p.Listener.ConnectionFailed(p)
		}
		m.deletePeer(key)
		m.wakeController()
	}
}

// AdjustRouteScores is the stack's routing callback: the peer's SRV priority
// is subtracted from each usable candidate's score, floored at 1 so the
// candidate stays usable.
func (m *RealmManager) AdjustRouteScores(candidates []RouteCandidate) {
	m.peersMu.RLock()
	defer m.peersMu.RUnlock()
	for i := range candidates {
		if candidates[i].Score <= 0 {
			continue
		}
		p := m.peers[foldDomain(candidates[i].Host)]
		if p == nil {
			continue
		}
		score := candidates[i].Score - p.Priority
		if score < 1 {
			score = 1
		}
		candidates[i].Score = score
	}
}

func (m *RealmManager) deletePeer(key string) {
	m.peersMu.Lock()
	delete(m.peers, key)
	m.peersMu.Unlock()
}

func (m *RealmManager) wakeController() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *RealmManager) removeAllPeers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peersMu.Lock()
	peers := m.peers
	m.peers = make(map[string]*DiameterPeer)
	m.peersMu.Unlock()
	for _, p := range peers {
		m.stack.Remove(p)
	}
	m.stack.PeerCount(0, 0)
}
