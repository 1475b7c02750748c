package mesh

import (
	"github.com/user/blemesh/item"
	"github.com/user/blemesh/peerlink"
)

// Transport moves frames to connected peers. Send may return
// peerlink.ErrNotReady, in which case the transport must later call
// Manager.HandleReady for that peer.
type Transport interface {
	Send(peer string, class peerlink.Class, frame []byte) error
}

// Disconnector is implemented by transports that can drop a peer when the
// manager gives up on a link.
type Disconnector interface {
	Disconnect(peer string) error
}

// Registry tracks which items this node knows about. Implementations must
// be safe for concurrent use.
type Registry interface {
	// IsKnown reports whether key is held or being fetched.
	IsKnown(key item.Key) bool
	// MarkKnown records it as known and reports whether it was unknown
	// before the call.
	MarkKnown(it item.Item) bool
	// MergeDetails folds size, metadata and predecessors into a known item.
	MergeDetails(it item.Item)
	// AllLocalItems lists items whose content is held locally.
	AllLocalItems() []item.Item
	// Lookup returns a locally held item with all its details.
	Lookup(key item.Key) (item.Item, bool)
	// Forget drops a known item whose content never arrived.
	Forget(key item.Key)
}

// ContentProvider serves item bytes to peers.
type ContentProvider interface {
	ItemSlice(key item.Key, offset, length uint32) ([]byte, error)
}

// ContentStore keeps content the node publishes or receives.
type ContentStore interface {
	ContentProvider
	Save(it item.Item, data []byte) error
}

// Listener receives protocol events. Methods are called synchronously from
// transport goroutines and must not block.
type Listener interface {
	DidConnect(peer string, role peerlink.Role)
	DidDisconnect(peer string)
	DidResolveIdentifier(peer string, sourceID uint64)
	IsReceiving(peer string, it item.Item, progress uint32)
	IsSending(peer string, it item.Item, progress uint32)
	DidReceive(peer string, it item.Item, data []byte)
	DidDegrade(peer string, err error)
}

// NopListener ignores every event. Embed it to implement a subset.
type NopListener struct{}

func (NopListener) DidConnect(string, peerlink.Role)      {}
func (NopListener) DidDisconnect(string)                  {}
func (NopListener) DidResolveIdentifier(string, uint64)   {}
func (NopListener) IsReceiving(string, item.Item, uint32) {}
func (NopListener) IsSending(string, item.Item, uint32)   {}
func (NopListener) DidReceive(string, item.Item, []byte)  {}
func (NopListener) DidDegrade(string, error)              {}
