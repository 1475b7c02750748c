// Package transfer encodes item metadata, slice requests and slices, and
// tracks the per-item state of a transfer in either direction.
package transfer

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/user/blemesh/item"
)

const (
	// SliceLength is the payload size of every slice but the last.
	SliceLength = 16384

	MetadataSize      = 8 + 4 + 4
	SliceRequestSize  = 8 + 4 + 2
	SliceHeaderSize   = 2 + 8 + 4
	maxSlicesPerTrans = 1 << 16

	// MaxItemSize is the largest item that can be sliced.
	MaxItemSize = maxSlicesPerTrans * SliceLength

	// MaxSliceMessageSize is the longest slice message: slice 0 of an item
	// with every predecessor and metadata byte it may carry.
	MaxSliceMessageSize = SliceHeaderSize + 1 + 4*item.MaxPrevious + 1 + item.MaxMetadataLength + SliceLength
)

var (
	ErrItemTooLarge     = errors.New("transfer: item needs more than 65536 slices")
	ErrMetadataTooLarge = errors.New("transfer: metadata longer than 255 bytes")
	ErrTooManyPrevious  = errors.New("transfer: more than 255 previous indexes")
)

// SliceRequest asks the holder of Key for one slice.
type SliceRequest struct {
	Key   item.Key
	Slice uint16
}

// Slice is one piece of an item. Only slice 0 carries the item's
// predecessors and metadata; the item's size never travels in a slice.
type Slice struct {
	Index   uint16
	Item    item.Item
	Payload []byte
}

// SliceCount returns the number of slices an item of size bytes is cut
// into. An empty item still travels as one empty slice.
func SliceCount(size uint32) int {
	n := int((uint64(size) + SliceLength - 1) / SliceLength)
	return max(n, 1)
}

// SliceBounds returns the byte range of slice index within an item of size
// bytes. ok is false when the item has no such slice.
func SliceBounds(size uint32, index uint16) (offset, length uint32, ok bool) {
	if int(index) >= SliceCount(size) {
		return 0, 0, false
	}
	offset = uint32(index) * SliceLength
	length = min(SliceLength, size-offset)
	return offset, length, true
}

// EncodeMetadata creates a metadata message: sourceID(8) index(4) size(4).
func EncodeMetadata(it item.Item) []byte {
	packet := make([]byte, MetadataSize)
	binary.BigEndian.PutUint64(packet[0:8], it.SourceID)
	binary.BigEndian.PutUint32(packet[8:12], it.Index)
	binary.BigEndian.PutUint32(packet[12:16], it.Size)
	return packet
}

// DecodeMetadata parses a metadata message. The returned item has a known size.
func DecodeMetadata(data []byte) (item.Item, error) {
	if len(data) < MetadataSize {
		return item.Item{}, fmt.Errorf("data too short for metadata: %d bytes", len(data))
	}
	it := item.New(
		binary.BigEndian.Uint64(data[0:8]),
		binary.BigEndian.Uint32(data[8:12]),
		binary.BigEndian.Uint32(data[12:16]),
	)
	if SliceCount(it.Size) > maxSlicesPerTrans {
		return item.Item{}, fmt.Errorf("%w: %d bytes", ErrItemTooLarge, it.Size)
	}
	return it, nil
}

// EncodeSliceRequest creates a slice request: sourceID(8) index(4) slice(2).
func EncodeSliceRequest(req SliceRequest) []byte {
	packet := make([]byte, SliceRequestSize)
	binary.BigEndian.PutUint64(packet[0:8], req.Key.SourceID)
	binary.BigEndian.PutUint32(packet[8:12], req.Key.Index)
	binary.BigEndian.PutUint16(packet[12:14], req.Slice)
	return packet
}

// DecodeSliceRequest parses a slice request.
func DecodeSliceRequest(data []byte) (SliceRequest, error) {
	if len(data) < SliceRequestSize {
		return SliceRequest{}, fmt.Errorf("data too short for slice request: %d bytes", len(data))
	}
	return SliceRequest{
		Key: item.Key{
			SourceID: binary.BigEndian.Uint64(data[0:8]),
			Index:    binary.BigEndian.Uint32(data[8:12]),
		},
		Slice: binary.BigEndian.Uint16(data[12:14]),
	}, nil
}

// EncodeSlice creates a slice message:
//
//	slice(2) sourceID(8) index(4) [slice 0: prevCount(1) prev(4)* metaLen(1) meta] payload
func EncodeSlice(it item.Item, index uint16, payload []byte) ([]byte, error) {
	size := SliceHeaderSize + len(payload)
	if index == 0 {
		if len(it.PreviousIndexes) > item.MaxPrevious {
			return nil, fmt.Errorf("%w: %d", ErrTooManyPrevious, len(it.PreviousIndexes))
		}
		if len(it.Metadata) > item.MaxMetadataLength {
			return nil, fmt.Errorf("%w: %d", ErrMetadataTooLarge, len(it.Metadata))
		}
		size += 1 + 4*len(it.PreviousIndexes) + 1 + len(it.Metadata)
	}

	packet := make([]byte, size)
	binary.BigEndian.PutUint16(packet[0:2], index)
	binary.BigEndian.PutUint64(packet[2:10], it.SourceID)
	binary.BigEndian.PutUint32(packet[10:14], it.Index)
	offset := SliceHeaderSize
	if index == 0 {
		packet[offset] = byte(len(it.PreviousIndexes))
		offset++
		for _, prev := range it.PreviousIndexes {
			binary.BigEndian.PutUint32(packet[offset:offset+4], prev)
			offset += 4
		}
		packet[offset] = byte(len(it.Metadata))
		offset++
		offset += copy(packet[offset:], it.Metadata)
	}
	copy(packet[offset:], payload)
	return packet, nil
}

// DecodeSlice parses a slice message.
func DecodeSlice(data []byte) (*Slice, error) {
	if len(data) < SliceHeaderSize {
		return nil, fmt.Errorf("data too short for slice header: %d bytes", len(data))
	}
	s := &Slice{
		Index: binary.BigEndian.Uint16(data[0:2]),
		Item: item.Item{
			SourceID: binary.BigEndian.Uint64(data[2:10]),
			Index:    binary.BigEndian.Uint32(data[10:14]),
		},
	}
	offset := SliceHeaderSize
	if s.Index == 0 {
		if len(data) < offset+1 {
			return nil, fmt.Errorf("data too short for previous count")
		}
		count := int(data[offset])
		offset++
		if len(data) < offset+4*count+1 {
			return nil, fmt.Errorf("data too short for %d previous indexes", count)
		}
		if count > 0 {
			s.Item.PreviousIndexes = make([]uint32, count)
			for i := range count {
				s.Item.PreviousIndexes[i] = binary.BigEndian.Uint32(data[offset : offset+4])
				offset += 4
			}
		}
		metaLen := int(data[offset])
		offset++
		if len(data) < offset+metaLen {
			return nil, fmt.Errorf("data too short for metadata: have %d, need %d", len(data)-offset, metaLen)
		}
		if metaLen > 0 {
			s.Item.Metadata = append([]byte(nil), data[offset:offset+metaLen]...)
		}
		offset += metaLen
	}
	s.Payload = append([]byte{}, data[offset:]...)
	return s, nil
}
