// Package sim runs a set of mesh nodes over a simulated radio until every
// node holds every published item.
package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/user/blemesh/config"
	"github.com/user/blemesh/item"
	"github.com/user/blemesh/logger"
	"github.com/user/blemesh/mesh"
	"github.com/user/blemesh/metrics"
	"github.com/user/blemesh/report"
	"github.com/user/blemesh/store"
	"github.com/user/blemesh/util"
	"github.com/user/blemesh/wire"
)

const (
	maxConnectAttempts = 5
	parallelConnects   = 4
	pollInterval       = 10 * time.Millisecond
)

// Options describes one run.
type Options struct {
	Config       config.Config
	Nodes        int
	ItemsPerNode int
	ItemSize     int
	Topology     Topology
	// Persist keeps node stores under Config.DataDir instead of in memory.
	Persist bool
}

// Node is one simulated participant.
type Node struct {
	Name     string
	SourceID uint64
	Wire     *wire.Wire
	Manager  *mesh.Manager
	Store    *store.Store

	events *events
}

// Received returns the number of items the node pulled from peers.
func (n *Node) Received() int { return int(n.events.received.Load()) }

// Degraded returns the number of links the node gave up on.
func (n *Node) Degraded() int { return int(n.events.degraded.Load()) }

// Identities returns the source id learned for each peer.
func (n *Node) Identities() map[string]uint64 {
	n.events.mu.Lock()
	defer n.events.mu.Unlock()
	out := make(map[string]uint64, len(n.events.identities))
	for k, v := range n.events.identities {
		out[k] = v
	}
	return out
}

type events struct {
	mesh.NopListener
	name string

	received atomic.Int64
	degraded atomic.Int64

	mu         sync.Mutex
	identities map[string]uint64
}

func (e *events) DidResolveIdentifier(peer string, sourceID uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.identities[peer] = sourceID
}

func (e *events) DidReceive(peer string, it item.Item, data []byte) {
	e.received.Add(1)
	logger.Debug(e.name, "received %s (%d bytes)", it.Key(), len(data))
}

func (e *events) DidDegrade(peer string, err error) {
	e.degraded.Add(1)
	logger.Warn(e.name, "link to %s degraded: %v", peer, err)
}

// Simulation owns the hub and every node.
type Simulation struct {
	opts     Options
	edges    []Edge
	hub      *wire.Hub
	nodes    []*Node
	registry *prometheus.Registry
	started  time.Time
	closed   bool
}

// New creates and starts the nodes. They are not connected yet.
func New(opts Options) (*Simulation, error) {
	if opts.ItemsPerNode < 0 || opts.ItemSize < 0 {
		return nil, fmt.Errorf("sim: negative item count or size")
	}
	if opts.Topology == "" {
		opts.Topology = TopologyLine
	}
	edges, err := opts.Topology.Edges(opts.Nodes)
	if err != nil {
		return nil, err
	}
	cfg := opts.Config
	cipher, err := cfg.Cipher()
	if err != nil {
		return nil, fmt.Errorf("sim: %w", err)
	}

	s := &Simulation{
		opts:     opts,
		edges:    edges,
		hub:      wire.NewHub(cfg.Wire()),
		registry: prometheus.NewRegistry(),
	}
	base := cfg.SourceID
	if base == 0 {
		base = 1
	}
	for i := 0; i < opts.Nodes; i++ {
		node, err := s.newNode(fmt.Sprintf("node-%d", i+1), base+uint64(i))
		if err != nil {
			s.Close()
			return nil, err
		}
		if err := node.Manager.Start(cfg.Session, node.SourceID, cipher); err != nil {
			s.Close()
			return nil, fmt.Errorf("sim: start %s: %w", node.Name, err)
		}
	}
	return s, nil
}

func (s *Simulation) newNode(name string, sourceID uint64) (*Node, error) {
	cfg := s.opts.Config

	var st *store.Store
	var err error
	if s.opts.Persist {
		dir, derr := util.GetNodeStoreDir(cfg.DataDir, sourceID)
		if derr != nil {
			return nil, fmt.Errorf("sim: %s: %w", name, derr)
		}
		st, err = store.Open(dir)
	} else {
		st, err = store.OpenMemory()
	}
	if err != nil {
		return nil, fmt.Errorf("sim: %s: %w", name, err)
	}

	var idBytes [8]byte
	binary.BigEndian.PutUint64(idBytes[:], sourceID)
	w, err := s.hub.NewWire(uuid.NewSHA1(mesh.ServiceUUID(cfg.Session), idBytes[:]), cfg.MTU)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("sim: %s: %w", name, err)
	}

	ev := &events{name: name, identities: make(map[string]uint64)}
	node := &Node{
		Name:     name,
		SourceID: sourceID,
		Wire:     w,
		Manager:  mesh.New(cfg.Mesh(), w, st, st, ev),
		Store:    st,
		events:   ev,
	}
	w.SetHandler(node.Manager)
	s.nodes = append(s.nodes, node)

	reg := prometheus.WrapRegistererWith(prometheus.Labels{"node": name}, s.registry)
	if err := metrics.Register(reg, node.Manager.Metrics()...); err != nil {
		return nil, fmt.Errorf("sim: %s metrics: %w", name, err)
	}
	return node, nil
}

// Nodes returns the nodes in creation order.
func (s *Simulation) Nodes() []*Node {
	return s.nodes
}

// Edges returns the connections the topology asks for.
func (s *Simulation) Edges() []Edge {
	return s.edges
}

// Registry holds the counters of every node, labelled by node name.
func (s *Simulation) Registry() *prometheus.Registry {
	return s.registry
}

// Connect opens every connection of the topology.
func (s *Simulation) Connect(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelConnects)
	for _, e := range s.edges {
		e := e
		g.Go(func() error {
			return s.connect(ctx, e)
		})
	}
	return g.Wait()
}

func (s *Simulation) connect(ctx context.Context, e Edge) error {
	central, peripheral := s.nodes[e.Central], s.nodes[e.Peripheral]
	var err error
	for attempt := 1; attempt <= maxConnectAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err = central.Wire.Connect(peripheral.Wire.ID())
		if !errors.Is(err, wire.ErrConnectionFailed) {
			break
		}
		logger.Debug(central.Name, "connection to %s failed, attempt %d", peripheral.Name, attempt)
	}
	if err != nil {
		return fmt.Errorf("sim: connect %s to %s: %w", central.Name, peripheral.Name, err)
	}
	return nil
}

// Content returns the deterministic bytes of an item.
func Content(sourceID uint64, index uint32, size int) []byte {
	data := make([]byte, size)
	rng := rand.New(rand.NewSource(int64(sourceID)<<32 | int64(index)))
	rng.Read(data)
	return data
}

// Publish makes every node publish its items. Each item supersedes the
// previous one of the same node.
func (s *Simulation) Publish() error {
	for _, n := range s.nodes {
		for i := 0; i < s.opts.ItemsPerNode; i++ {
			index := uint32(i)
			it := item.Item{
				SourceID: n.SourceID,
				Index:    index,
				Metadata: []byte(fmt.Sprintf("%s #%d", n.Name, i)),
			}
			if i > 0 {
				it.PreviousIndexes = []uint32{index - 1}
			}
			if err := n.Manager.Publish(it, Content(n.SourceID, index, s.opts.ItemSize)); err != nil {
				return fmt.Errorf("sim: %s: %w", n.Name, err)
			}
		}
	}
	return nil
}

// Expected lists every published item.
func (s *Simulation) Expected() []item.Key {
	keys := make([]item.Key, 0, len(s.nodes)*s.opts.ItemsPerNode)
	for _, n := range s.nodes {
		for i := 0; i < s.opts.ItemsPerNode; i++ {
			keys = append(keys, item.Key{SourceID: n.SourceID, Index: uint32(i)})
		}
	}
	return keys
}

// Converged reports whether every node holds every published item.
func (s *Simulation) Converged() bool {
	expected := s.Expected()
	for _, n := range s.nodes {
		for _, key := range expected {
			if _, ok := n.Store.Lookup(key); !ok {
				return false
			}
		}
	}
	return true
}

// WaitConverged polls until Converged or ctx ends.
func (s *Simulation) WaitConverged(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for !s.Converged() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("sim: not converged: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// Run connects the nodes, publishes and waits for convergence.
func (s *Simulation) Run(ctx context.Context) error {
	s.started = time.Now()
	logger.Info("sim", "running %d nodes, %s topology, %d connections", len(s.nodes), s.opts.Topology, len(s.edges))
	if err := s.Connect(ctx); err != nil {
		return err
	}
	if err := s.Publish(); err != nil {
		return err
	}
	if err := s.WaitConverged(ctx); err != nil {
		return err
	}
	logger.Info("sim", "converged after %s", time.Since(s.started).Round(time.Millisecond))
	return nil
}

// Snapshot captures the state of every node for a report.
func (s *Simulation) Snapshot() report.Snapshot {
	snap := report.Snapshot{
		Title:   fmt.Sprintf("%s, %d nodes", s.opts.Topology, len(s.nodes)),
		Started: s.started,
		Items:   s.Expected(),
	}
	if !s.started.IsZero() {
		snap.Duration = time.Since(s.started)
	}
	for _, n := range s.nodes {
		var holds []item.Key
		for _, it := range n.Store.AllLocalItems() {
			holds = append(holds, it.Key())
		}
		snap.Nodes = append(snap.Nodes, report.Node{
			Name:     n.Name,
			SourceID: n.SourceID,
			Holds:    holds,
			Received: n.Received(),
			Degraded: n.Degraded(),
		})
	}
	return snap
}

// Stats sums every counter across nodes, by metric name.
func (s *Simulation) Stats() (map[string]float64, error) {
	families, err := s.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("sim: gather metrics: %w", err)
	}
	stats := make(map[string]float64, len(families))
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			stats[mf.GetName()] += m.GetCounter().GetValue()
		}
	}
	return stats, nil
}

// Close stops every node and releases the hub and stores. Later calls do
// nothing.
func (s *Simulation) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	var result *multierror.Error
	for _, n := range s.nodes {
		n.Manager.Stop()
	}
	if err := s.hub.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("hub: %w", err))
	}
	for _, n := range s.nodes {
		if err := n.Store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s store: %w", n.Name, err))
		}
	}
	return result.ErrorOrNil()
}
