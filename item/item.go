// Package item defines the unit of content exchanged across the mesh.
package item

import "fmt"

// MaxMetadataLength is the largest metadata blob that fits the one-byte length prefix.
const MaxMetadataLength = 255

// MaxPrevious is the largest predecessor list that fits the one-byte count prefix.
const MaxPrevious = 255

// Key identifies an item across the mesh.
type Key struct {
	SourceID uint64
	Index    uint32
}

func (k Key) String() string {
	return fmt.Sprintf("%016x/%d", k.SourceID, k.Index)
}

// Item is a piece of content published by SourceID. Two items are the same
// item when their keys match; the remaining fields are details that fill in
// over time.
type Item struct {
	SourceID        uint64
	Index           uint32
	PreviousIndexes []uint32
	Size            uint32
	SizeKnown       bool
	Metadata        []byte
}

// New returns an item whose size is known.
func New(sourceID uint64, index uint32, size uint32) Item {
	return Item{SourceID: sourceID, Index: index, Size: size, SizeKnown: true}
}

// Key returns the identity of it.
func (it Item) Key() Key {
	return Key{SourceID: it.SourceID, Index: it.Index}
}

// Same reports whether both values name the same item.
func (it Item) Same(other Item) bool {
	return it.Key() == other.Key()
}

func (it Item) String() string {
	if !it.SizeKnown {
		return it.Key().String() + " (size unknown)"
	}
	return fmt.Sprintf("%s (%d bytes)", it.Key(), it.Size)
}

// Merge folds the details of other into it. Merging never loses information:
// size only grows and only from a known value, metadata is only taken when
// missing, predecessors are only taken when none are set. Items with
// different keys are left alone.
func (it *Item) Merge(other Item) {
	if !it.Same(other) {
		return
	}
	if other.SizeKnown {
		if !it.SizeKnown || other.Size > it.Size {
			it.Size = other.Size
		}
		it.SizeKnown = true
	}
	if it.Metadata == nil && other.Metadata != nil {
		it.Metadata = append([]byte(nil), other.Metadata...)
	}
	if len(it.PreviousIndexes) == 0 && len(other.PreviousIndexes) > 0 {
		it.PreviousIndexes = append([]uint32(nil), other.PreviousIndexes...)
	}
}
