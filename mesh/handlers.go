package mesh

import (
	"errors"

	"github.com/user/blemesh/history"
	"github.com/user/blemesh/item"
	"github.com/user/blemesh/logger"
	"github.com/user/blemesh/peerlink"
	"github.com/user/blemesh/transfer"
	"github.com/user/blemesh/trunk"
)

// HandleFrame feeds one received frame into the link of peer. Complete
// messages are dispatched by class and by this node's role on the link.
func (m *Manager) HandleFrame(peer string, class peerlink.Class, frame []byte) {
	link := m.link(peer)
	if link == nil {
		logger.Trace(m.prefix(), "frame from unknown peer %s ignored", peer)
		return
	}
	msg, err := link.Receive(class, frame)
	if err != nil {
		if errors.Is(err, trunk.ErrShortFrame) || errors.Is(err, trunk.ErrInvalidFrame) {
			logger.Trace(m.prefix(), "malformed %s frame from %s: %v", class, peer, err)
		} else {
			logger.Warn(m.prefix(), "dropping %s message from %s: %v", class, peer, err)
			m.metrics.MessagesDropped.Inc()
		}
		return
	}
	if msg == nil {
		return
	}

	switch {
	case class == peerlink.ClassInventory && link.Role() == peerlink.RoleInitiator:
		m.handleAdvertisement(link, msg)
	case class == peerlink.ClassInventory && link.Role() == peerlink.RoleResponder:
		m.handleItemRequest(link, msg)
	case class == peerlink.ClassMetadata && link.Role() == peerlink.RoleInitiator:
		m.handleMetadata(link, msg)
	case class == peerlink.ClassMetadata && link.Role() == peerlink.RoleResponder:
		m.handleSliceRequest(link, msg)
	case class == peerlink.ClassSlice && link.Role() == peerlink.RoleInitiator:
		m.handleSlice(link, msg)
	default:
		logger.Debug(m.prefix(), "unexpected %s message from %s as %s", class, peer, link.Role())
	}
}

// handleAdvertisement answers a responder's inventory with the items this
// node is missing.
func (m *Manager) handleAdvertisement(link *peerlink.Link, msg []byte) {
	peerInv, err := history.Decode(msg)
	if err != nil {
		logger.Warn(m.prefix(), "bad inventory from %s: %v", link.Peer(), err)
		m.metrics.MessagesDropped.Inc()
		return
	}
	if mtu := int(peerInv.MTU); mtu >= trunk.MinMTU && mtu != link.MTU() {
		link.SetMTU(mtu)
	}
	m.listener.DidResolveIdentifier(link.Peer(), peerInv.Origin)

	local := history.Build(m.registry.AllLocalItems(), m.sourceID.Load(), link.MTU(), true)
	missing := peerInv.Subtract(local)
	if missing == nil {
		logger.Debug(m.prefix(), "nothing missing from %s (%016x)", link.Peer(), peerInv.Origin)
		return
	}
	missing.Origin = m.sourceID.Load()
	missing.MTU = uint16(link.MTU())
	logger.Debug(m.prefix(), "requesting %d items from %s", missing.Len(), link.Peer())
	if err := link.Send(peerlink.ClassInventory, missing.Encode()); err != nil {
		logger.Warn(m.prefix(), "failed to request items from %s: %v", link.Peer(), err)
	}
}

// handleItemRequest sends metadata for every requested item this node holds.
func (m *Manager) handleItemRequest(link *peerlink.Link, msg []byte) {
	requested, err := history.Decode(msg)
	if err != nil {
		logger.Warn(m.prefix(), "bad item request from %s: %v", link.Peer(), err)
		m.metrics.MessagesDropped.Inc()
		return
	}
	for _, wanted := range requested.Items() {
		it, ok := m.registry.Lookup(wanted.Key())
		if !ok || !it.SizeKnown {
			logger.Warn(m.prefix(), "%s requested unknown item %s", link.Peer(), wanted.Key())
			m.metrics.LookupFailures.Inc()
			continue
		}
		if err := link.Send(peerlink.ClassMetadata, transfer.EncodeMetadata(it)); err != nil {
			logger.Warn(m.prefix(), "failed to send metadata of %s to %s: %v", it.Key(), link.Peer(), err)
			return
		}
		m.metrics.MetadataSent.Inc()
	}
}

// handleMetadata starts pulling an item the first time this node hears of it.
func (m *Manager) handleMetadata(link *peerlink.Link, msg []byte) {
	it, err := transfer.DecodeMetadata(msg)
	if err != nil {
		logger.Warn(m.prefix(), "bad metadata from %s: %v", link.Peer(), err)
		m.metrics.MessagesDropped.Inc()
		return
	}
	if state := link.Receiving(it.Key()); state != nil {
		if !state.Outstanding() {
			m.requestNext(link, state)
		}
		return
	}
	if !m.registry.MarkKnown(it) {
		logger.Trace(m.prefix(), "%s already known", it.Key())
		return
	}
	m.registry.MergeDetails(it)
	state, _ := link.StartReceiving(it)
	logger.Debug(m.prefix(), "pulling %s from %s", it, link.Peer())
	m.requestNext(link, state)
}

func (m *Manager) requestNext(link *peerlink.Link, state *transfer.Receiving) {
	req, ok := state.NextRequest()
	if !ok {
		return
	}
	if err := link.Send(peerlink.ClassMetadata, transfer.EncodeSliceRequest(req)); err != nil {
		logger.Warn(m.prefix(), "failed to request slice %d of %s: %v", req.Slice, req.Key, err)
		return
	}
	m.metrics.SlicesRequested.Inc()
}

// handleSliceRequest serves one slice of a locally held item.
func (m *Manager) handleSliceRequest(link *peerlink.Link, msg []byte) {
	req, err := transfer.DecodeSliceRequest(msg)
	if err != nil {
		logger.Warn(m.prefix(), "bad slice request from %s: %v", link.Peer(), err)
		m.metrics.MessagesDropped.Inc()
		return
	}
	it, ok := m.registry.Lookup(req.Key)
	if !ok || !it.SizeKnown {
		logger.Warn(m.prefix(), "%s requested slice of unknown item %s", link.Peer(), req.Key)
		m.metrics.LookupFailures.Inc()
		return
	}
	offset, length, ok := transfer.SliceBounds(it.Size, req.Slice)
	if !ok {
		logger.Warn(m.prefix(), "%s requested slice %d beyond %s", link.Peer(), req.Slice, it)
		m.metrics.LookupFailures.Inc()
		return
	}
	payload, err := m.content.ItemSlice(req.Key, offset, length)
	if err != nil || uint32(len(payload)) != length {
		logger.Warn(m.prefix(), "content of %s unavailable at %d+%d: %v", req.Key, offset, length, err)
		m.metrics.LookupFailures.Inc()
		return
	}
	data, err := transfer.EncodeSlice(it, req.Slice, payload)
	if err != nil {
		logger.Warn(m.prefix(), "failed to encode slice %d of %s: %v", req.Slice, req.Key, err)
		return
	}
	if err := link.Send(peerlink.ClassSlice, data); err != nil {
		logger.Warn(m.prefix(), "failed to send slice %d of %s: %v", req.Slice, req.Key, err)
		return
	}
	m.metrics.SlicesServed.Inc()

	sending := link.Outgoing(it)
	progress, status, err := sending.Sent(req.Slice)
	if err != nil || status == transfer.Duplicate {
		return
	}
	m.listener.IsSending(link.Peer(), it, progress)
	if status == transfer.Complete {
		logger.Debug(m.prefix(), "sent %s to %s", it, link.Peer())
		link.FinishOutgoing(it.Key())
	}
}

// handleSlice records a slice and either delivers the item or pulls the
// next slice.
func (m *Manager) handleSlice(link *peerlink.Link, msg []byte) {
	s, err := transfer.DecodeSlice(msg)
	if err != nil {
		logger.Warn(m.prefix(), "bad slice from %s: %v", link.Peer(), err)
		m.metrics.MessagesDropped.Inc()
		return
	}
	key := s.Item.Key()
	state := link.Receiving(key)
	if state == nil {
		logger.Trace(m.prefix(), "unsolicited slice %d of %s from %s", s.Index, key, link.Peer())
		return
	}
	data, status, err := state.Set(s.Index, s.Payload)
	if err != nil {
		logger.Warn(m.prefix(), "dropping slice %d of %s from %s: %v", s.Index, key, link.Peer(), err)
		m.metrics.MessagesDropped.Inc()
		return
	}
	if status == transfer.Duplicate {
		m.metrics.DuplicateSlices.Inc()
		return
	}
	if s.Index == 0 {
		state.SetDetails(s.Item)
		m.registry.MergeDetails(state.Item())
		m.listener.IsReceiving(link.Peer(), state.Item(), 0)
	}
	if status == transfer.Complete {
		link.FinishReceiving(key)
		m.deliver(link.Peer(), state.Item(), data)
		return
	}
	m.listener.IsReceiving(link.Peer(), state.Item(), state.Progress())
	if !state.Outstanding() {
		m.requestNext(link, state)
	}
}

func (m *Manager) deliver(peer string, it item.Item, data []byte) {
	if err := m.content.Save(it, data); err != nil {
		logger.Error(m.prefix(), "failed to store %s: %v", it.Key(), err)
		m.registry.Forget(it.Key())
		return
	}
	m.registry.MergeDetails(it)
	m.metrics.ItemsReceived.Inc()
	logger.Info(m.prefix(), "received %s from %s", it, peer)
	m.listener.DidReceive(peer, it, data)
	m.Broadcast(it)
}
