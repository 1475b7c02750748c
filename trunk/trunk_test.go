package trunk

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
)

func payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data
}

func reassemble(t *testing.T, c *Codec, frames [][]byte) []byte {
	t.Helper()
	var out []byte
	for i, f := range frames {
		msg, err := c.Append(f)
		if err != nil {
			t.Fatalf("Failed to append frame %d: %v", i, err)
		}
		if msg != nil {
			if out != nil {
				t.Fatalf("Message delivered twice")
			}
			out = msg
		}
	}
	return out
}

func TestSplitFrameLayout(t *testing.T) {
	c := NewCodec(20, nil)
	frames, err := c.Split(payload(40))
	if err != nil {
		t.Fatalf("Failed to split: %v", err)
	}
	// 17 payload bytes per frame
	if len(frames) != 3 {
		t.Fatalf("Expected 3 frames, got %d", len(frames))
	}
	for i, f := range frames {
		if f[0] != 0 || f[1] != 3 || int(f[2]) != i {
			t.Errorf("Frame %d has header %v", i, f[:3])
		}
		if len(f) > 20 {
			t.Errorf("Frame %d exceeds MTU: %d", i, len(f))
		}
	}
	if len(frames[2]) != HeaderLength+6 {
		t.Errorf("Expected last frame payload of 6, got %d", len(frames[2])-HeaderLength)
	}
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		mtu     int
		shuffle bool
		dups    bool
	}{
		{"in order", 100, 20, false, false},
		{"out of order", 1000, 23, true, false},
		{"duplicates", 500, 30, false, true},
		{"shuffled duplicates", 2000, 185, true, true},
		{"single frame", 5, 20, false, false},
		{"empty", 0, 20, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := NewCodec(tt.mtu, nil)
			rx := NewCodec(tt.mtu, nil)
			msg := payload(tt.size)
			frames, err := tx.Split(msg)
			if err != nil {
				t.Fatalf("Failed to split: %v", err)
			}
			if tt.dups {
				frames = append(frames, frames[:len(frames)/2]...)
			}
			if tt.shuffle {
				rng := rand.New(rand.NewSource(1))
				rng.Shuffle(len(frames), func(i, j int) { frames[i], frames[j] = frames[j], frames[i] })
			}
			got := reassemble(t, rx, frames)
			if got == nil {
				t.Fatalf("Message never completed")
			}
			if !bytes.Equal(got, msg) {
				t.Errorf("Reassembled message differs: got %d bytes, want %d", len(got), len(msg))
			}
			if rx.Pending() != 0 {
				t.Errorf("Expected no pending buffers, got %d", rx.Pending())
			}
		})
	}
}

func TestDuplicateDoesNotComplete(t *testing.T) {
	tx := NewCodec(20, nil)
	rx := NewCodec(20, nil)
	frames, _ := tx.Split(payload(40))
	for i := 0; i < 3; i++ {
		msg, err := rx.Append(frames[0])
		if err != nil || msg != nil {
			t.Fatalf("Duplicate of frame 0 must not complete the message")
		}
	}
}

func TestMessageIDsWrap(t *testing.T) {
	c := NewCodec(20, nil)
	for i := 0; i < 256; i++ {
		frames, err := c.Split([]byte{1})
		if err != nil {
			t.Fatalf("Failed to split: %v", err)
		}
		if int(frames[0][0]) != i {
			t.Fatalf("Expected id %d, got %d", i, frames[0][0])
		}
	}
	frames, _ := c.Split([]byte{1})
	if frames[0][0] != 0 {
		t.Errorf("Expected id to wrap to 0, got %d", frames[0][0])
	}
}

func TestInterleavedMessages(t *testing.T) {
	tx := NewCodec(20, nil)
	rx := NewCodec(20, nil)
	a, _ := tx.Split(payload(50))
	b, _ := tx.Split(bytes.Repeat([]byte{9}, 30))

	var delivered [][]byte
	for i := 0; i < len(a) || i < len(b); i++ {
		for _, set := range [][][]byte{b, a} {
			if i < len(set) {
				msg, err := rx.Append(set[i])
				if err != nil {
					t.Fatalf("Failed to append: %v", err)
				}
				if msg != nil {
					delivered = append(delivered, msg)
				}
			}
		}
	}
	if len(delivered) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(delivered))
	}
}

func TestLateDuplicateAfterWrap(t *testing.T) {
	tx := NewCodec(20, nil)
	rx := NewCodec(20, nil)

	first, _ := tx.Split(bytes.Repeat([]byte{0xAA}, 40))
	if got := reassemble(t, rx, first); got == nil {
		t.Fatalf("First message never completed")
	}
	// frame 0 again, after its message was delivered
	if msg, err := rx.Append(first[0]); err != nil || msg != nil {
		t.Fatalf("Late duplicate must be ignored, got %v %v", msg, err)
	}
	if rx.Pending() != 0 {
		t.Errorf("Late duplicate left %d pending buffers", rx.Pending())
	}

	for i := 0; i < 255; i++ {
		frames, err := tx.Split([]byte{byte(i)})
		if err != nil {
			t.Fatalf("Failed to split: %v", err)
		}
		if got := reassemble(t, rx, frames); len(got) != 1 || got[0] != byte(i) {
			t.Fatalf("Message %d reassembled as %x", i+1, got)
		}
	}

	want := bytes.Repeat([]byte{0xBB}, 40)
	second, _ := tx.Split(want)
	if second[0][0] != first[0][0] {
		t.Fatalf("Expected id %d to be reused, got %d", first[0][0], second[0][0])
	}
	if got := reassemble(t, rx, second); !bytes.Equal(got, want) {
		t.Errorf("Message id %d reassembled as %x, want %x", second[0][0], got, want)
	}
}

func TestStaleBufferEvicted(t *testing.T) {
	tx := NewCodec(20, nil)
	rx := NewCodec(20, nil)

	// the last frame of the first message is lost
	first, _ := tx.Split(bytes.Repeat([]byte{0xAA}, 40))
	reassemble(t, rx, first[:2])
	for i := 0; i < 255; i++ {
		frames, _ := tx.Split([]byte{byte(i)})
		reassemble(t, rx, frames)
	}
	want := bytes.Repeat([]byte{0xBB}, 40)
	second, _ := tx.Split(want)
	if got := reassemble(t, rx, second); !bytes.Equal(got, want) {
		t.Errorf("Reused id reassembled as %x, want %x", got, want)
	}
}

func TestLostMessageDoesNotBlockId(t *testing.T) {
	tx := NewCodec(20, nil)
	rx := NewCodec(20, nil)
	for i := 0; i < 256; i++ {
		frames, _ := tx.Split([]byte{byte(i)})
		if i == 128 {
			// every frame of this message is lost
			continue
		}
		reassemble(t, rx, frames)
	}
	frames, _ := tx.Split([]byte("again"))
	if frames[0][0] != 0 {
		t.Fatalf("Expected id 0, got %d", frames[0][0])
	}
	if got := reassemble(t, rx, frames); string(got) != "again" {
		t.Errorf("Expected reused id to deliver, got %q", got)
	}
}

func TestCountMismatchResets(t *testing.T) {
	rx := NewCodec(20, nil)
	if _, err := rx.Append([]byte{5, 3, 0, 'x'}); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}
	// same id announces two frames now; the stale slot must be discarded
	if msg, _ := rx.Append([]byte{5, 2, 1, 'b'}); msg != nil {
		t.Fatalf("Message completed from a stale buffer")
	}
	msg, err := rx.Append([]byte{5, 2, 0, 'a'})
	if err != nil {
		t.Fatalf("Failed to append: %v", err)
	}
	if string(msg) != "ab" {
		t.Errorf("Expected %q, got %q", "ab", msg)
	}
}

func TestMalformedFrames(t *testing.T) {
	rx := NewCodec(20, nil)
	if _, err := rx.Append([]byte{1, 2}); !errors.Is(err, ErrShortFrame) {
		t.Errorf("Expected ErrShortFrame, got %v", err)
	}
	if _, err := rx.Append([]byte{1, 2, 2, 'x'}); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("Expected ErrInvalidFrame, got %v", err)
	}
	if _, err := rx.Append([]byte{1, 0, 0}); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("Expected ErrInvalidFrame for zero count, got %v", err)
	}
	if rx.Pending() != 0 {
		t.Errorf("Malformed frames must not create buffers")
	}
}

func TestMessageTooLarge(t *testing.T) {
	c := NewCodec(20, nil)
	if _, err := c.Split(payload(17 * 255)); err != nil {
		t.Fatalf("Expected 255 frames to fit: %v", err)
	}
	if _, err := c.Split(payload(17*255 + 1)); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("Expected ErrMessageTooLarge, got %v", err)
	}
}

func TestSetMTUClamps(t *testing.T) {
	c := NewCodec(1, nil)
	if c.MTU() != MinMTU {
		t.Errorf("Expected MTU clamped to %d, got %d", MinMTU, c.MTU())
	}
	c.SetMTU(185)
	if c.MaxPayload() != 182 {
		t.Errorf("Expected 182 payload bytes, got %d", c.MaxPayload())
	}
}

type xorCipher struct {
	key     byte
	failing bool
}

var errCipher = errors.New("cipher failure")

func (x xorCipher) Encrypt(p []byte) ([]byte, error) {
	if x.failing {
		return nil, errCipher
	}
	out := make([]byte, len(p)+1)
	out[0] = 0xAA
	for i, b := range p {
		out[i+1] = b ^ x.key
	}
	return out, nil
}

func (x xorCipher) Decrypt(p []byte) ([]byte, error) {
	if x.failing || len(p) == 0 || p[0] != 0xAA {
		return nil, errCipher
	}
	out := make([]byte, len(p)-1)
	for i, b := range p[1:] {
		out[i] = b ^ x.key
	}
	return out, nil
}

func TestCipher(t *testing.T) {
	tx := NewCodec(20, xorCipher{key: 0x5c})
	rx := NewCodec(20, xorCipher{key: 0x5c})
	msg := payload(60)
	frames, err := tx.Split(msg)
	if err != nil {
		t.Fatalf("Failed to split: %v", err)
	}
	got := reassemble(t, rx, frames)
	if !bytes.Equal(got, msg) {
		t.Errorf("Decrypted message differs")
	}

	broken := NewCodec(20, xorCipher{failing: true})
	frames, err = broken.Split(msg)
	if !errors.Is(err, errCipher) || frames != nil {
		t.Errorf("Expected encryption failure to yield no frames, got %d frames err=%v", len(frames), err)
	}

	plain := NewCodec(20, nil)
	frames, _ = plain.Split(msg)
	rx = NewCodec(20, xorCipher{key: 0x5c})
	var lastErr error
	for _, f := range frames {
		if m, err := rx.Append(f); err != nil {
			lastErr = err
		} else if m != nil {
			t.Fatalf("Undecryptable message must not be delivered")
		}
	}
	if !errors.Is(lastErr, errCipher) {
		t.Errorf("Expected decrypt failure, got %v", lastErr)
	}
}
