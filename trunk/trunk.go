// Package trunk splits messages into MTU-sized frames and reassembles them.
//
// A frame is messageID(1) totalCount(1) index(1) followed by up to MTU-3
// payload bytes. A Codec owns one message-id counter and one set of
// reassembly buffers, so a link keeps one Codec per message class and
// direction.
package trunk

import (
	"errors"
	"fmt"
	"sync"
)

const (
	// HeaderLength is the number of bytes in front of every frame payload.
	HeaderLength = 3

	// MaxFrames is the largest number of frames a message may be split into.
	MaxFrames = 255

	// MinMTU is the smallest MTU that still carries one payload byte.
	MinMTU = HeaderLength + 1

	// DefaultMTU is used until a link reports its negotiated value.
	DefaultMTU = 20

	retireFrom = 64
	retireTo   = 192
)

var (
	ErrShortFrame      = errors.New("trunk: frame shorter than header")
	ErrInvalidFrame    = errors.New("trunk: frame index out of range")
	ErrMessageTooLarge = errors.New("trunk: message needs more than 255 frames")
)

// Cipher transforms whole messages before splitting and after reassembly.
type Cipher interface {
	Encrypt(plain []byte) ([]byte, error)
	Decrypt(sealed []byte) ([]byte, error)
}

type reassembly struct {
	total    int
	received int
	present  []bool
	slots    [][]byte
}

func newReassembly(total int) *reassembly {
	return &reassembly{
		total:   total,
		present: make([]bool, total),
		slots:   make([][]byte, total),
	}
}

func (r *reassembly) message() []byte {
	size := 0
	for _, s := range r.slots {
		size += len(s)
	}
	out := make([]byte, 0, size)
	for _, s := range r.slots {
		out = append(out, s...)
	}
	return out
}

// Codec is safe for concurrent use.
type Codec struct {
	mu      sync.Mutex
	mtu     int
	cipher  Cipher
	nextID  uint8
	buffers map[uint8]*reassembly

	// delivered marks ids whose message was handed out. Frames of such an
	// id are late duplicates until the id comes back into the window.
	delivered [256]bool
}

// NewCodec returns a codec for the given MTU. cipher may be nil.
func NewCodec(mtu int, cipher Cipher) *Codec {
	c := &Codec{
		cipher:  cipher,
		buffers: make(map[uint8]*reassembly),
	}
	c.mtu = clampMTU(mtu)
	return c
}

func clampMTU(mtu int) int {
	if mtu < MinMTU {
		return MinMTU
	}
	return mtu
}

// SetMTU changes the frame size used by later calls to Split.
func (c *Codec) SetMTU(mtu int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mtu = clampMTU(mtu)
}

// MTU returns the current frame size.
func (c *Codec) MTU() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mtu
}

// MaxPayload returns the number of payload bytes per frame.
func (c *Codec) MaxPayload() int {
	return c.MTU() - HeaderLength
}

// Split encrypts message when a cipher is set and cuts it into frames in
// ascending index order. An empty message still produces one frame.
func (c *Codec) Split(message []byte) ([][]byte, error) {
	if c.cipher != nil {
		sealed, err := c.cipher.Encrypt(message)
		if err != nil {
			return nil, fmt.Errorf("trunk: encrypt: %w", err)
		}
		message = sealed
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	maxPayload := c.mtu - HeaderLength
	count := (len(message) + maxPayload - 1) / maxPayload
	if count == 0 {
		count = 1
	}
	if count > MaxFrames {
		return nil, fmt.Errorf("%w: %d bytes at mtu %d", ErrMessageTooLarge, len(message), c.mtu)
	}

	id := c.nextID
	c.nextID++

	frames := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		start := i * maxPayload
		end := min(start+maxPayload, len(message))
		frame := make([]byte, HeaderLength+end-start)
		frame[0] = id
		frame[1] = byte(count)
		frame[2] = byte(i)
		copy(frame[HeaderLength:], message[start:end])
		frames = append(frames, frame)
	}
	return frames, nil
}

// Append adds one received frame. It returns the complete, decrypted
// message once every frame of it has arrived, and nil before that.
// Duplicate frames are accepted and change nothing. A frame announcing a
// different frame count than the buffered ones restarts that message.
func (c *Codec) Append(frame []byte) ([]byte, error) {
	if len(frame) < HeaderLength {
		return nil, ErrShortFrame
	}
	id, total, index := frame[0], int(frame[1]), int(frame[2])
	if index >= total {
		return nil, fmt.Errorf("%w: index %d of %d", ErrInvalidFrame, index, total)
	}

	c.mu.Lock()
	buf, ok := c.buffers[id]
	if !ok && c.delivered[id] {
		c.mu.Unlock()
		return nil, nil
	}
	if !ok {
		c.open(id)
	}
	if !ok || buf.total != total {
		buf = newReassembly(total)
		c.buffers[id] = buf
	}
	if !buf.present[index] {
		buf.present[index] = true
		buf.slots[index] = append([]byte(nil), frame[HeaderLength:]...)
		buf.received++
	}
	if buf.received < buf.total {
		c.mu.Unlock()
		return nil, nil
	}
	delete(c.buffers, id)
	c.delivered[id] = true
	message := buf.message()
	c.mu.Unlock()

	if c.cipher != nil {
		plain, err := c.cipher.Decrypt(message)
		if err != nil {
			return nil, fmt.Errorf("trunk: decrypt: %w", err)
		}
		return plain, nil
	}
	return message, nil
}

// open starts a new message id. Ids between a quarter and three quarters
// of the space away from it are too old to still be in flight, so they are
// retired: their delivered marks are dropped and unfinished buffers under
// them are evicted. Retiring a range rather than one id keeps this working
// when whole messages are lost.
func (c *Codec) open(id uint8) {
	for d := retireFrom; d <= retireTo; d++ {
		old := id + uint8(d)
		c.delivered[old] = false
		delete(c.buffers, old)
	}
}

// Pending returns the number of partially received messages.
func (c *Codec) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffers)
}
