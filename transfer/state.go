package transfer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/user/blemesh/item"
)

var (
	ErrSliceRange  = errors.New("transfer: slice index out of range")
	ErrSliceLength = errors.New("transfer: slice payload has wrong length")
	ErrUnrequested = errors.New("transfer: slice was not requested")
)

// Status is the outcome of recording a slice.
type Status int

const (
	// Added means the slice was new and more slices are needed.
	Added Status = iota
	// Duplicate means the slice had already been recorded.
	Duplicate
	// Complete means the slice was the last missing one.
	Complete
)

func (s Status) String() string {
	switch s {
	case Added:
		return "added"
	case Duplicate:
		return "duplicate"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

// Receiving tracks an item being pulled from a peer one slice at a time.
type Receiving struct {
	mu        sync.Mutex
	item      item.Item
	requested []bool
	received  []bool
	slices    [][]byte
	progress  uint32
	done      bool
}

// NewReceiving sizes the state from it, which must have a known size.
func NewReceiving(it item.Item) *Receiving {
	n := SliceCount(it.Size)
	return &Receiving{
		item:      it,
		requested: make([]bool, n),
		received:  make([]bool, n),
		slices:    make([][]byte, n),
	}
}

// Item returns the item with every detail learned so far.
func (r *Receiving) Item() item.Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.item
}

// Total returns the item size in bytes.
func (r *Receiving) Total() uint32 {
	return r.item.Size
}

// Progress returns the number of payload bytes received.
func (r *Receiving) Progress() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}

// SetDetails merges the predecessors and metadata carried by slice 0.
func (r *Receiving) SetDetails(details item.Item) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.item.Merge(details)
}

// NextRequest marks the lowest slice that was never requested and returns
// it. ok is false once every slice has been requested.
func (r *Receiving) NextRequest() (SliceRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, asked := range r.requested {
		if !asked {
			r.requested[i] = true
			return SliceRequest{Key: r.item.Key(), Slice: uint16(i)}, true
		}
	}
	return SliceRequest{}, false
}

// Outstanding reports whether a requested slice has not arrived yet.
func (r *Receiving) Outstanding() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.requested {
		if r.requested[i] && !r.received[i] {
			return true
		}
	}
	return false
}

// Set records slice index. When it completes the item, the reassembled
// content is returned with Complete, exactly once. Slices that were never
// requested are refused.
func (r *Receiving) Set(index uint16, payload []byte) ([]byte, Status, error) {
	_, length, ok := SliceBounds(r.item.Size, index)
	if !ok {
		return nil, Duplicate, fmt.Errorf("%w: %d of %d", ErrSliceRange, index, len(r.slices))
	}
	if uint32(len(payload)) != length {
		return nil, Duplicate, fmt.Errorf("%w: slice %d has %d bytes, want %d", ErrSliceLength, index, len(payload), length)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done || r.received[index] {
		return nil, Duplicate, nil
	}
	if !r.requested[index] {
		return nil, Duplicate, fmt.Errorf("%w: %d", ErrUnrequested, index)
	}
	r.received[index] = true
	r.slices[index] = payload
	r.progress += length
	if r.progress < r.item.Size {
		return nil, Added, nil
	}
	for _, got := range r.received {
		if !got {
			return nil, Added, nil
		}
	}

	r.done = true
	data := make([]byte, 0, r.item.Size)
	for _, s := range r.slices {
		data = append(data, s...)
	}
	r.slices = nil
	return data, Complete, nil
}

// Sending tracks how much of an item has been handed to a peer.
type Sending struct {
	mu       sync.Mutex
	item     item.Item
	sent     []bool
	progress uint32
}

// NewSending sizes the state from it, which must have a known size.
func NewSending(it item.Item) *Sending {
	return &Sending{
		item: it,
		sent: make([]bool, SliceCount(it.Size)),
	}
}

// Item returns the item being sent.
func (s *Sending) Item() item.Item {
	return s.item
}

// Progress returns the number of payload bytes sent.
func (s *Sending) Progress() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// Sent records that slice index went out. Repeating an index changes
// nothing. The returned status is Complete once every slice was sent.
func (s *Sending) Sent(index uint16) (uint32, Status, error) {
	_, length, ok := SliceBounds(s.item.Size, index)
	if !ok {
		return 0, Duplicate, fmt.Errorf("%w: %d of %d", ErrSliceRange, index, len(s.sent))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sent[index] {
		return s.progress, Duplicate, nil
	}
	s.sent[index] = true
	s.progress += length
	for _, done := range s.sent {
		if !done {
			return s.progress, Added, nil
		}
	}
	return s.progress, Complete, nil
}
