package peerlink

import (
	"github.com/user/blemesh/item"
	"github.com/user/blemesh/transfer"
)

// Receiving returns the inbound transfer of key, or nil.
func (l *Link) Receiving(key item.Key) *transfer.Receiving {
	l.transfersMu.Lock()
	defer l.transfersMu.Unlock()
	return l.receiving[key]
}

// StartReceiving creates the inbound transfer for it unless one exists.
// created is false when an existing state was returned.
func (l *Link) StartReceiving(it item.Item) (state *transfer.Receiving, created bool) {
	l.transfersMu.Lock()
	defer l.transfersMu.Unlock()
	if r, ok := l.receiving[it.Key()]; ok {
		return r, false
	}
	r := transfer.NewReceiving(it)
	l.receiving[it.Key()] = r
	return r, true
}

// FinishReceiving retires the inbound transfer of key.
func (l *Link) FinishReceiving(key item.Key) {
	l.transfersMu.Lock()
	defer l.transfersMu.Unlock()
	delete(l.receiving, key)
}

// DrainReceiving removes and returns every unfinished inbound item.
func (l *Link) DrainReceiving() []item.Item {
	l.transfersMu.Lock()
	defer l.transfersMu.Unlock()
	items := make([]item.Item, 0, len(l.receiving))
	for _, r := range l.receiving {
		items = append(items, r.Item())
	}
	l.receiving = make(map[item.Key]*transfer.Receiving)
	return items
}

// Outgoing returns the outbound transfer for it, creating it on first use.
func (l *Link) Outgoing(it item.Item) *transfer.Sending {
	l.transfersMu.Lock()
	defer l.transfersMu.Unlock()
	s, ok := l.outgoing[it.Key()]
	if !ok {
		s = transfer.NewSending(it)
		l.outgoing[it.Key()] = s
	}
	return s
}

// FinishOutgoing retires the outbound transfer of key.
func (l *Link) FinishOutgoing(key item.Key) {
	l.transfersMu.Lock()
	defer l.transfersMu.Unlock()
	delete(l.outgoing, key)
}

// Transfers returns the number of inbound and outbound transfers in progress.
func (l *Link) Transfers() (inbound, outbound int) {
	l.transfersMu.Lock()
	defer l.transfersMu.Unlock()
	return len(l.receiving), len(l.outgoing)
}
