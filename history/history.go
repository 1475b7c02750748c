// Package history builds, encodes and compares per-source item inventories.
//
// Wire layout, big-endian:
//
//	mtu(2) origin(8) bitmapLength(2) { sourceID(8) bitmap(bitmapLength) }*
package history

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/user/blemesh/item"
)

// HeaderLength is the fixed prefix of an encoded inventory.
const HeaderLength = 2 + 8 + 2

var ErrShortInventory = errors.New("history: message shorter than header")

// Inventory is the set of items a node holds, one bitmap per source.
type Inventory struct {
	MTU     uint16
	Origin  uint64
	Bitmaps map[uint64]Bitmap
}

// New returns an empty inventory.
func New(origin uint64, mtu int) *Inventory {
	return &Inventory{
		MTU:     uint16(mtu),
		Origin:  origin,
		Bitmaps: make(map[uint64]Bitmap),
	}
}

// Build collects items into an inventory. With includePredecessors every
// predecessor of an item is marked too. Without it, predecessor indexes are
// cleared after all items are marked, so the result never names an index
// that another listed item supersedes.
func Build(items []item.Item, origin uint64, mtu int, includePredecessors bool) *Inventory {
	inv := New(origin, mtu)
	for _, it := range items {
		bm := inv.Bitmaps[it.SourceID]
		bm.Set(it.Index)
		if includePredecessors {
			for _, prev := range it.PreviousIndexes {
				bm.Set(prev)
			}
		}
		inv.Bitmaps[it.SourceID] = bm
	}
	if !includePredecessors {
		for _, it := range items {
			bm, ok := inv.Bitmaps[it.SourceID]
			if !ok {
				continue
			}
			for _, prev := range it.PreviousIndexes {
				bm.Clear(prev)
			}
		}
	}
	inv.compact()
	return inv
}

func (inv *Inventory) compact() {
	for source, bm := range inv.Bitmaps {
		bm = bm.Trimmed()
		if len(bm) == 0 {
			delete(inv.Bitmaps, source)
			continue
		}
		inv.Bitmaps[source] = bm
	}
}

// BitmapLength is the common bitmap width used on the wire.
func (inv *Inventory) BitmapLength() int {
	n := 0
	for _, bm := range inv.Bitmaps {
		n = max(n, len(bm.Trimmed()))
	}
	return n
}

// Sources lists the sources with at least one marked item, ascending.
func (inv *Inventory) Sources() []uint64 {
	sources := make([]uint64, 0, len(inv.Bitmaps))
	for source, bm := range inv.Bitmaps {
		if !bm.Empty() {
			sources = append(sources, source)
		}
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })
	return sources
}

// Has reports whether the inventory lists key.
func (inv *Inventory) Has(key item.Key) bool {
	return inv.Bitmaps[key.SourceID].Has(key.Index)
}

// Len returns the number of listed items.
func (inv *Inventory) Len() int {
	n := 0
	for _, bm := range inv.Bitmaps {
		n += len(bm.Indexes())
	}
	return n
}

// Encode serializes the inventory.
func (inv *Inventory) Encode() []byte {
	sources := inv.Sources()
	width := inv.BitmapLength()
	out := make([]byte, HeaderLength+len(sources)*(8+width))
	binary.BigEndian.PutUint16(out[0:2], inv.MTU)
	binary.BigEndian.PutUint64(out[2:10], inv.Origin)
	binary.BigEndian.PutUint16(out[10:12], uint16(width))
	offset := HeaderLength
	for _, source := range sources {
		binary.BigEndian.PutUint64(out[offset:offset+8], source)
		copy(out[offset+8:offset+8+width], inv.Bitmaps[source])
		offset += 8 + width
	}
	return out
}

// Decode parses an encoded inventory. A trailing partial entry is ignored.
func Decode(data []byte) (*Inventory, error) {
	if len(data) < HeaderLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortInventory, len(data))
	}
	inv := New(binary.BigEndian.Uint64(data[2:10]), int(binary.BigEndian.Uint16(data[0:2])))
	width := int(binary.BigEndian.Uint16(data[10:12]))
	if width == 0 {
		return inv, nil
	}
	for offset := HeaderLength; offset+8+width <= len(data); offset += 8 + width {
		source := binary.BigEndian.Uint64(data[offset : offset+8])
		bm := append(Bitmap(nil), data[offset+8:offset+8+width]...)
		inv.Bitmaps[source] = bm
	}
	inv.compact()
	return inv, nil
}

// Subtract returns the items listed in inv but not in other, keeping inv's
// MTU and origin. It returns nil when nothing is missing.
func (inv *Inventory) Subtract(other *Inventory) *Inventory {
	out := New(inv.Origin, int(inv.MTU))
	for source, bm := range inv.Bitmaps {
		var theirs Bitmap
		if other != nil {
			theirs = other.Bitmaps[source]
		}
		if diff := bm.Subtract(theirs); len(diff) > 0 {
			out.Bitmaps[source] = diff
		}
	}
	if len(out.Bitmaps) == 0 {
		return nil
	}
	return out
}

// Items lists every marked item, ordered by source then index. The items
// carry identity only: size is unknown and metadata is empty.
func (inv *Inventory) Items() []item.Item {
	var items []item.Item
	for _, source := range inv.Sources() {
		for _, index := range inv.Bitmaps[source].Indexes() {
			items = append(items, item.Item{SourceID: source, Index: index})
		}
	}
	return items
}
