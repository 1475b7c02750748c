// Package wire simulates the radio between nodes. A Hub holds every device;
// a Wire is one device's view of it and implements the frame transport the
// mesh manager needs. Frames travel as characteristic writes, one ordered
// queue per connection and direction, subject to the simulator's packet
// loss and throughput limits.
package wire

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/user/blemesh/logger"
	"github.com/user/blemesh/mesh"
	"github.com/user/blemesh/peerlink"
)

var (
	ErrUnknownDevice    = errors.New("wire: unknown device")
	ErrDuplicateDevice  = errors.New("wire: device already registered")
	ErrAlreadyConnected = errors.New("wire: already connected")
	ErrNotConnected     = errors.New("wire: not connected")
	ErrConnectionFailed = errors.New("wire: connection failed")
	ErrPacketLost       = errors.New("wire: packet lost")
	ErrFrameTooLarge    = errors.New("wire: frame exceeds MTU")
	ErrHubClosed        = errors.New("wire: hub closed")
)

// PeerName is the handle a device uses for the remote end of a connection.
// A pair of devices may hold two connections, one with each as central, so
// the handle carries the role of the remote end.
func PeerName(id uuid.UUID, role ConnectionRole) string {
	return id.String() + "/" + string(role)
}

// Handler receives the events of one device. *mesh.Manager implements it.
// peer is always a PeerName.
type Handler interface {
	HandleConnect(peer string, role peerlink.Role, mtu int) error
	HandleFrame(peer string, class peerlink.Class, frame []byte)
	HandleReady(peer string)
	HandleDisconnect(peer string)
}

// Hub connects simulated devices. It is safe for concurrent use.
type Hub struct {
	sim *Simulator

	ctx    context.Context
	cancel context.CancelFunc
	loops  errgroup.Group

	mu      sync.RWMutex
	closed  bool
	devices map[uuid.UUID]*Wire
}

// NewHub creates a hub. config may be nil for the default simulation.
func NewHub(config *SimulationConfig) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		sim:     NewSimulator(config),
		ctx:     ctx,
		cancel:  cancel,
		devices: make(map[uuid.UUID]*Wire),
	}
}

// Simulator returns the hub's radio model.
func (h *Hub) Simulator() *Simulator {
	return h.sim
}

// NewWire registers a device. mtu is the largest MTU the device proposes;
// 0 uses the configured default.
func (h *Hub) NewWire(id uuid.UUID, mtu int) (*Wire, error) {
	if mtu <= 0 {
		mtu = h.sim.Config().DefaultMTU
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	if _, ok := h.devices[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateDevice, id)
	}
	w := &Wire{
		hub:         h,
		id:          id,
		mtu:         mtu,
		connections: make(map[string]*Connection),
	}
	h.devices[id] = w
	return w, nil
}

// Device returns a registered device or nil.
func (h *Hub) Device(id uuid.UUID) *Wire {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.devices[id]
}

// Devices lists registered devices in a stable order.
func (h *Hub) Devices() []uuid.UUID {
	h.mu.RLock()
	ids := make([]uuid.UUID, 0, len(h.devices))
	for id := range h.devices {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// Connect opens a connection with central as the initiating side. Both
// handlers learn about it before Connect returns, the central first.
func (h *Hub) Connect(central, peripheral uuid.UUID) error {
	if central == peripheral {
		return fmt.Errorf("%w: %s cannot connect to itself", ErrConnectionFailed, central)
	}
	if delay := h.sim.ConnectionDelay(); delay > 0 {
		time.Sleep(delay)
	}
	if !h.sim.ShouldConnectionSucceed() {
		return fmt.Errorf("%w: %s to %s", ErrConnectionFailed, central, peripheral)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	c, p := h.devices[central], h.devices[peripheral]
	if c == nil || p == nil {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s or %s", ErrUnknownDevice, central, peripheral)
	}
	conn := newConnection(h.ctx, c, p, h.sim.NegotiatedMTU(c.mtu, p.mtu), h.sim.Config())
	if c.Connection(conn.peripheralName) != nil {
		h.mu.Unlock()
		conn.cancel()
		return fmt.Errorf("%w: %s to %s", ErrAlreadyConnected, central, peripheral)
	}
	c.addConnection(conn.peripheralName, conn)
	p.addConnection(conn.centralName, conn)
	h.loops.Go(func() error { return conn.toPeripheral.run(conn.ctx) })
	h.loops.Go(func() error { return conn.toCentral.run(conn.ctx) })
	h.mu.Unlock()

	logger.Info(c.prefix(), "connected to %s as %s (mtu %d)", conn.peripheralName, RoleCentral, conn.mtu)
	conn.setState(StateConnected)

	if hc := c.Handler(); hc != nil {
		if err := hc.HandleConnect(conn.peripheralName, RoleCentral.LinkRole(), conn.mtu); err != nil {
			h.disconnect(conn)
			return fmt.Errorf("central %s: %w", central, err)
		}
	}
	if hp := p.Handler(); hp != nil {
		if err := hp.HandleConnect(conn.centralName, RolePeripheral.LinkRole(), conn.mtu); err != nil {
			h.disconnect(conn)
			return fmt.Errorf("peripheral %s: %w", peripheral, err)
		}
	}
	return nil
}

func (h *Hub) disconnect(conn *Connection) {
	if !conn.beginDisconnect() {
		return
	}
	h.mu.Lock()
	conn.central.removeConnection(conn.peripheralName)
	conn.peripheral.removeConnection(conn.centralName)
	h.mu.Unlock()
	conn.cancel()
	conn.setState(StateDisconnected)

	logger.Info(conn.central.prefix(), "disconnected from %s", conn.peripheralName)
	if hc := conn.central.Handler(); hc != nil {
		hc.HandleDisconnect(conn.peripheralName)
	}
	if hp := conn.peripheral.Handler(); hp != nil {
		hp.HandleDisconnect(conn.centralName)
	}
}

// Close drops every connection and waits for in-flight deliveries.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	var conns []*Connection
	for _, w := range h.devices {
		conns = append(conns, w.connectionList()...)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		h.disconnect(conn)
	}
	h.cancel()
	return h.loops.Wait()
}

// Wire is one device attached to a hub.
type Wire struct {
	hub *Hub
	id  uuid.UUID
	mtu int

	handlerMu sync.RWMutex
	handler   Handler

	mu          sync.RWMutex
	connections map[string]*Connection // PeerName -> connection
}

// ID returns the device UUID.
func (w *Wire) ID() uuid.UUID { return w.id }

func (w *Wire) prefix() string {
	return w.id.String()[:8]
}

// SetHandler installs the receiver of this device's events.
func (w *Wire) SetHandler(h Handler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.handler = h
}

// Handler returns the installed handler, or nil.
func (w *Wire) Handler() Handler {
	w.handlerMu.RLock()
	defer w.handlerMu.RUnlock()
	return w.handler
}

// Connect opens a connection to peer with this device as central.
func (w *Wire) Connect(peer uuid.UUID) error {
	return w.hub.Connect(w.id, peer)
}

// Connection returns the connection to peer, or nil.
func (w *Wire) Connection(peer string) *Connection {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connections[peer]
}

// IsConnected reports whether a connection to peer is open.
func (w *Wire) IsConnected(peer string) bool {
	return w.Connection(peer) != nil
}

// GetConnectedPeers lists connected peers in a stable order.
func (w *Wire) GetConnectedPeers() []string {
	w.mu.RLock()
	peers := make([]string, 0, len(w.connections))
	for p := range w.connections {
		peers = append(peers, p)
	}
	w.mu.RUnlock()
	sort.Strings(peers)
	return peers
}

func (w *Wire) connectionList() []*Connection {
	w.mu.RLock()
	defer w.mu.RUnlock()
	conns := make([]*Connection, 0, len(w.connections))
	for _, c := range w.connections {
		conns = append(conns, c)
	}
	return conns
}

func (w *Wire) addConnection(peer string, c *Connection) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.connections[peer] = c
}

func (w *Wire) removeConnection(peer string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.connections, peer)
}

// Send writes one frame to peer on the characteristic of class. It
// returns peerlink.ErrNotReady when the outbound queue is full; the
// handler's HandleReady is called once room is available again.
func (w *Wire) Send(peer string, class peerlink.Class, frame []byte) error {
	conn := w.Connection(peer)
	if conn == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, peer)
	}
	if len(frame) > conn.mtu {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(frame), conn.mtu)
	}
	char, ok := mesh.CharacteristicUUID(class)
	if !ok {
		return fmt.Errorf("%w: %d", peerlink.ErrInvalidClass, class)
	}
	if !w.hub.sim.ShouldPacketSucceed() {
		logger.Trace(w.prefix(), "%s frame to %s lost", class, peer)
		return ErrPacketLost
	}
	return conn.outbound(w).push(encodeEnvelope(char, frame))
}

// Disconnect closes the connection to peer. Both handlers are notified.
func (w *Wire) Disconnect(peer string) error {
	conn := w.Connection(peer)
	if conn == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, peer)
	}
	w.hub.disconnect(conn)
	return nil
}

// Connection is one link between a central and a peripheral.
type Connection struct {
	central        *Wire
	peripheral     *Wire
	centralName    string // how the peripheral names the central
	peripheralName string // how the central names the peripheral
	mtu            int

	ctx    context.Context
	cancel context.CancelFunc

	stateMu sync.Mutex
	state   ConnectionState

	toPeripheral *direction
	toCentral    *direction
}

func newConnection(parent context.Context, central, peripheral *Wire, mtu int, cfg *SimulationConfig) *Connection {
	ctx, cancel := context.WithCancel(parent)
	centralName := PeerName(central.id, RoleCentral)
	peripheralName := PeerName(peripheral.id, RolePeripheral)
	return &Connection{
		central:        central,
		peripheral:     peripheral,
		centralName:    centralName,
		peripheralName: peripheralName,
		mtu:            mtu,
		ctx:            ctx,
		cancel:         cancel,
		state:          StateConnecting,
		toPeripheral:   newDirection(central, peripheral, centralName, peripheralName, cfg),
		toCentral:      newDirection(peripheral, central, peripheralName, centralName, cfg),
	}
}

// MTU returns the negotiated MTU.
func (c *Connection) MTU() int { return c.mtu }

// State returns the connection state.
func (c *Connection) State() ConnectionState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// Role returns the role of device id on this connection.
func (c *Connection) Role(id uuid.UUID) ConnectionRole {
	if id == c.central.id {
		return RoleCentral
	}
	return RolePeripheral
}

func (c *Connection) setState(s ConnectionState) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.state = s
}

func (c *Connection) beginDisconnect() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.state == StateDisconnecting || c.state == StateDisconnected {
		return false
	}
	c.state = StateDisconnecting
	return true
}

func (c *Connection) outbound(from *Wire) *direction {
	if from == c.central {
		return c.toPeripheral
	}
	return c.toCentral
}

// direction is an ordered, bounded frame queue from one device to another.
type direction struct {
	from, to *Wire
	fromName string // sender as the receiver names it
	toName   string // receiver as the sender names it
	limiter  *rate.Limiter
	depth    int

	mu      sync.Mutex
	queue   [][]byte
	blocked bool
	signal  chan struct{}
}

func newDirection(from, to *Wire, fromName, toName string, cfg *SimulationConfig) *direction {
	limit := rate.Inf
	if cfg.FramesPerSecond > 0 {
		limit = rate.Limit(cfg.FramesPerSecond)
	}
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 1
	}
	return &direction{
		from:     from,
		to:       to,
		fromName: fromName,
		toName:   toName,
		limiter:  rate.NewLimiter(limit, 1),
		depth:    depth,
		signal:   make(chan struct{}, 1),
	}
}

func (d *direction) push(envelope []byte) error {
	d.mu.Lock()
	if len(d.queue) >= d.depth {
		d.blocked = true
		d.mu.Unlock()
		return peerlink.ErrNotReady
	}
	d.queue = append(d.queue, envelope)
	d.mu.Unlock()

	select {
	case d.signal <- struct{}{}:
	default:
	}
	return nil
}

// pop takes the oldest envelope. ready is true when a sender was turned
// away since the last pop.
func (d *direction) pop() (envelope []byte, ready, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return nil, false, false
	}
	envelope = d.queue[0]
	d.queue[0] = nil
	d.queue = d.queue[1:]
	ready = d.blocked
	d.blocked = false
	return envelope, ready, true
}

func (d *direction) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.signal:
		}
		for {
			envelope, ready, ok := d.pop()
			if !ok {
				break
			}
			if ready {
				if h := d.from.Handler(); h != nil {
					h.HandleReady(d.toName)
				}
			}
			if err := d.limiter.Wait(ctx); err != nil {
				return nil
			}
			d.deliver(envelope)
		}
	}
}

func (d *direction) deliver(envelope []byte) {
	char, value, err := decodeEnvelope(envelope)
	if err != nil {
		logger.Warn(d.to.prefix(), "dropping write from %s: %v", d.fromName, err)
		return
	}
	class, ok := mesh.ClassForCharacteristic(char)
	if !ok {
		logger.Debug(d.to.prefix(), "write to unknown characteristic %s from %s", char, d.fromName)
		return
	}
	if h := d.to.Handler(); h != nil {
		h.HandleFrame(d.fromName, class, value)
	}
}
