package history

// Bitmap marks item indexes of one source. Index i lives in byte i/8 at bit
// i%8, least significant bit first.
type Bitmap []byte

// Set marks index and grows the bitmap as needed.
func (b *Bitmap) Set(index uint32) {
	pos := int(index / 8)
	if pos >= len(*b) {
		grown := make(Bitmap, pos+1)
		copy(grown, *b)
		*b = grown
	}
	(*b)[pos] |= 1 << (index % 8)
}

// Clear unmarks index. Clearing beyond the end is a no-op.
func (b Bitmap) Clear(index uint32) {
	pos := int(index / 8)
	if pos < len(b) {
		b[pos] &^= 1 << (index % 8)
	}
}

// Has reports whether index is marked.
func (b Bitmap) Has(index uint32) bool {
	pos := int(index / 8)
	return pos < len(b) && b[pos]&(1<<(index%8)) != 0
}

// Empty reports whether no index is marked.
func (b Bitmap) Empty() bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// Trimmed returns b without trailing zero bytes.
func (b Bitmap) Trimmed() Bitmap {
	n := len(b)
	for n > 0 && b[n-1] == 0 {
		n--
	}
	return b[:n]
}

// Subtract returns the indexes marked in b but not in other, trimmed.
func (b Bitmap) Subtract(other Bitmap) Bitmap {
	out := make(Bitmap, len(b))
	for i, v := range b {
		if i < len(other) {
			v &^= other[i]
		}
		out[i] = v
	}
	return out.Trimmed()
}

// Indexes lists marked indexes in ascending order.
func (b Bitmap) Indexes() []uint32 {
	var out []uint32
	for pos, v := range b {
		for bit := 0; v != 0; bit++ {
			if v&1 != 0 {
				out = append(out, uint32(pos*8+bit))
			}
			v >>= 1
		}
	}
	return out
}
