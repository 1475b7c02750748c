// Package mesh runs the dissemination protocol over every connected peer.
//
// Each link has an initiator (central) and a responder (peripheral) side.
// When an initiator connects, the responder advertises its inventory. The
// initiator subtracts what it already holds and sends the difference back
// as a request. The responder answers every requested item with its
// metadata, and the initiator pulls each unknown item one slice at a time.
// Delivered items are announced again to every peer this node serves.
package mesh

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/blemesh/history"
	"github.com/user/blemesh/item"
	"github.com/user/blemesh/logger"
	"github.com/user/blemesh/peerlink"
	"github.com/user/blemesh/transfer"
	"github.com/user/blemesh/trunk"
)

var (
	ErrNotStarted = errors.New("mesh: manager not started")
	ErrNoSource   = errors.New("mesh: source id not set")
)

// Config holds the settings that outlive a session.
type Config struct {
	// AdvertisePredecessors lists superseded indexes in the inventory sent
	// to new peers. Without it peers only learn about the newest items.
	AdvertisePredecessors bool
	RetryBackoff          time.Duration
	MaxRetries            int
}

// DefaultConfig returns the settings used when none are given.
func DefaultConfig() Config {
	return Config{
		AdvertisePredecessors: true,
		RetryBackoff:          peerlink.DefaultRetryBackoff,
	}
}

// Manager is safe for concurrent use. Transports call the Handle methods
// from any goroutine.
type Manager struct {
	cfg       Config
	transport Transport
	registry  Registry
	content   ContentStore
	listener  Listener

	metrics     metrics
	linkMetrics *peerlink.Metrics

	mu      sync.RWMutex
	started bool
	session uint64
	cipher  trunk.Cipher
	links   map[string]*peerlink.Link

	sourceID atomic.Uint64
}

// New wires a manager. listener may be nil.
func New(cfg Config, transport Transport, registry Registry, content ContentStore, listener Listener) *Manager {
	if listener == nil {
		listener = NopListener{}
	}
	return &Manager{
		cfg:         cfg,
		transport:   transport,
		registry:    registry,
		content:     content,
		listener:    listener,
		metrics:     newMetrics(),
		linkMetrics: peerlink.NewMetrics(),
		links:       make(map[string]*peerlink.Link),
	}
}

// Start begins a session. Starting again with different parameters drops
// every link first. cipher may be nil.
func (m *Manager) Start(session, sourceID uint64, cipher trunk.Cipher) error {
	if sourceID == 0 {
		return ErrNoSource
	}
	m.mu.Lock()
	restart := m.started && (m.session != session || m.sourceID.Load() != sourceID || m.cipher != cipher)
	m.mu.Unlock()
	if restart {
		m.Stop()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}
	m.session = session
	m.sourceID.Store(sourceID)
	m.cipher = cipher
	m.started = true
	logger.Info(m.prefix(), "started session %016x as source %016x (service %s)", session, sourceID, ServiceUUID(session))
	return nil
}

// Stop drops every link. Items still being received are forgotten.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	links := m.links
	m.links = make(map[string]*peerlink.Link)
	m.mu.Unlock()

	for peer, link := range links {
		m.release(link)
		m.listener.DidDisconnect(peer)
	}
	logger.Info(m.prefix(), "stopped")
}

// Session returns the active session and source id.
func (m *Manager) Session() (session, sourceID uint64, started bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session, m.sourceID.Load(), m.started
}

func (m *Manager) prefix() string {
	return fmt.Sprintf("%016x", m.sourceID.Load())
}

func (m *Manager) link(peer string) *peerlink.Link {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.links[peer]
}

// Peers lists the connected peers.
func (m *Manager) Peers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	peers := make([]string, 0, len(m.links))
	for p := range m.links {
		peers = append(peers, p)
	}
	return peers
}

// Link returns the link to peer, or nil.
func (m *Manager) Link(peer string) *peerlink.Link {
	return m.link(peer)
}

// HandleConnect opens a link. role is this node's side of it. A responder
// immediately advertises its inventory.
func (m *Manager) HandleConnect(peer string, role peerlink.Role, mtu int) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return ErrNotStarted
	}
	old := m.links[peer]
	link := peerlink.New(peer, role, m.transmitter(peer), peerlink.Config{
		MTU:          mtu,
		Cipher:       m.cipher,
		RetryBackoff: m.cfg.RetryBackoff,
		MaxRetries:   m.cfg.MaxRetries,
		Metrics:      m.linkMetrics,
		OnDegraded:   m.degraded,
	})
	m.links[peer] = link
	m.mu.Unlock()

	if old != nil {
		m.release(old)
	}
	m.metrics.Connections.Inc()
	logger.Info(m.prefix(), "connected to %s as %s (mtu %d)", peer, role, mtu)
	m.listener.DidConnect(peer, role)

	if role == peerlink.RoleResponder {
		return m.advertise(link)
	}
	return nil
}

func (m *Manager) transmitter(peer string) peerlink.Transmitter {
	return peerlink.TransmitterFunc(func(class peerlink.Class, frame []byte) error {
		return m.transport.Send(peer, class, frame)
	})
}

func (m *Manager) advertise(link *peerlink.Link) error {
	inv := history.Build(m.registry.AllLocalItems(), m.sourceID.Load(), link.MTU(), m.cfg.AdvertisePredecessors)
	logger.Debug(m.prefix(), "advertising %d items to %s", inv.Len(), link.Peer())
	if err := link.Send(peerlink.ClassInventory, inv.Encode()); err != nil {
		return fmt.Errorf("advertise to %s: %w", link.Peer(), err)
	}
	return nil
}

// HandleReady resumes a link whose transport reported ErrNotReady.
func (m *Manager) HandleReady(peer string) {
	if link := m.link(peer); link != nil {
		link.Ready()
	}
}

// HandleDisconnect discards the link to peer.
func (m *Manager) HandleDisconnect(peer string) {
	m.mu.Lock()
	link, ok := m.links[peer]
	if ok {
		delete(m.links, peer)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.release(link)
	logger.Info(m.prefix(), "disconnected from %s", peer)
	m.listener.DidDisconnect(peer)
}

// release closes link and forgets the items it was still receiving so a
// later synchronization can fetch them again.
func (m *Manager) release(link *peerlink.Link) {
	link.Close()
	for _, it := range link.DrainReceiving() {
		logger.Debug(m.prefix(), "forgetting %s, transfer from %s incomplete", it.Key(), link.Peer())
		m.registry.Forget(it.Key())
	}
}

func (m *Manager) degraded(peer string, err error) {
	m.mu.Lock()
	link, ok := m.links[peer]
	if ok && link.Closed() {
		delete(m.links, peer)
	} else {
		ok = false
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.release(link)
	m.listener.DidDegrade(peer, err)
	m.listener.DidDisconnect(peer)
	if d, isDisconnector := m.transport.(Disconnector); isDisconnector {
		if derr := d.Disconnect(peer); derr != nil {
			logger.Warn(m.prefix(), "failed to disconnect %s: %v", peer, derr)
		}
	}
}

// Publish stores a new local item and announces it to every served peer.
func (m *Manager) Publish(it item.Item, data []byte) error {
	switch {
	case len(data) > transfer.MaxItemSize:
		return fmt.Errorf("publish %s: %w", it.Key(), transfer.ErrItemTooLarge)
	case len(it.Metadata) > item.MaxMetadataLength:
		return fmt.Errorf("publish %s: %w", it.Key(), transfer.ErrMetadataTooLarge)
	case len(it.PreviousIndexes) > item.MaxPrevious:
		return fmt.Errorf("publish %s: %w", it.Key(), transfer.ErrTooManyPrevious)
	}
	it.Size = uint32(len(data))
	it.SizeKnown = true
	if err := m.content.Save(it, data); err != nil {
		return fmt.Errorf("publish %s: %w", it.Key(), err)
	}
	m.registry.MarkKnown(it)
	m.registry.MergeDetails(it)
	m.metrics.ItemsPublished.Inc()
	m.Broadcast(it)
	return nil
}

// Broadcast sends the metadata of it to every peer this node serves.
func (m *Manager) Broadcast(it item.Item) {
	m.registry.MarkKnown(it)
	msg := transfer.EncodeMetadata(it)

	m.mu.RLock()
	links := make([]*peerlink.Link, 0, len(m.links))
	for _, l := range m.links {
		if l.Role() == peerlink.RoleResponder {
			links = append(links, l)
		}
	}
	m.mu.RUnlock()

	for _, l := range links {
		if err := l.Send(peerlink.ClassMetadata, msg); err != nil {
			logger.Debug(m.prefix(), "failed to announce %s to %s: %v", it.Key(), l.Peer(), err)
			continue
		}
		m.metrics.MetadataSent.Inc()
	}
}
