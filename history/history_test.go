package history

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/user/blemesh/item"
)

func keys(items []item.Item) []item.Key {
	out := make([]item.Key, 0, len(items))
	for _, it := range items {
		out = append(out, it.Key())
	}
	return out
}

func TestBitmap(t *testing.T) {
	var bm Bitmap
	bm.Set(0)
	bm.Set(9)
	if len(bm) != 2 || bm[0] != 0x01 || bm[1] != 0x02 {
		t.Fatalf("Unexpected layout %08b", bm)
	}
	if !bm.Has(9) || bm.Has(8) || bm.Has(100) {
		t.Errorf("Has reports wrong bits")
	}
	bm.Clear(9)
	bm.Clear(1000)
	if len(bm.Trimmed()) != 1 {
		t.Errorf("Expected trailing zero byte to trim, got %v", bm.Trimmed())
	}
	if diff := cmp.Diff([]uint32{0}, bm.Indexes()); diff != "" {
		t.Errorf("Indexes mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildScenarioBitmap(t *testing.T) {
	items := []item.Item{
		{SourceID: 1, Index: 0},
		{SourceID: 1, Index: 1, PreviousIndexes: []uint32{0}},
	}
	inv := Build(items, 42, 20, true)
	if got := inv.Bitmaps[1]; len(got) != 1 || got[0] != 0b00000011 {
		t.Errorf("Expected bitmap 0b11, got %08b", got)
	}
}

func TestBuildPredecessorExclusion(t *testing.T) {
	items := []item.Item{
		// predecessor listed before its successor is still cleared
		{SourceID: 3, Index: 2},
		{SourceID: 3, Index: 5, PreviousIndexes: []uint32{2, 4}},
		{SourceID: 3, Index: 4},
		{SourceID: 8, Index: 1, PreviousIndexes: []uint32{0}},
	}
	inv := Build(items, 1, 20, false)
	for _, k := range []item.Key{{SourceID: 3, Index: 2}, {SourceID: 3, Index: 4}, {SourceID: 8, Index: 0}} {
		if inv.Has(k) {
			t.Errorf("Expected predecessor %v to be excluded", k)
		}
	}
	if !inv.Has(item.Key{SourceID: 3, Index: 5}) || !inv.Has(item.Key{SourceID: 8, Index: 1}) {
		t.Errorf("Expected successors to be listed")
	}

	again := Build(items, 1, 20, false)
	if diff := cmp.Diff(inv.Encode(), again.Encode()); diff != "" {
		t.Errorf("Build is not deterministic:\n%s", diff)
	}
}

func TestEncodeDecode(t *testing.T) {
	items := []item.Item{
		{SourceID: 0xFFFFFFFFFFFFFFFF, Index: 17},
		{SourceID: 2, Index: 0},
		{SourceID: 2, Index: 3},
	}
	inv := Build(items, 77, 185, true)
	data := inv.Encode()
	// 12 header + 2 entries * (8 + 3)
	if len(data) != HeaderLength+2*(8+3) {
		t.Fatalf("Unexpected encoded length %d", len(data))
	}
	if data[0] != 0 || data[1] != 185 {
		t.Errorf("MTU not big-endian: %v", data[:2])
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if got.Origin != 77 || got.MTU != 185 {
		t.Errorf("Header mismatch: origin=%d mtu=%d", got.Origin, got.MTU)
	}
	if diff := cmp.Diff(keys(inv.Items()), keys(got.Items())); diff != "" {
		t.Errorf("Items mismatch (-want +got):\n%s", diff)
	}
	for _, it := range got.Items() {
		if it.SizeKnown || it.Metadata != nil {
			t.Errorf("Decoded item %v must carry identity only", it)
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	if _, err := Decode(make([]byte, HeaderLength-1)); !errors.Is(err, ErrShortInventory) {
		t.Errorf("Expected ErrShortInventory, got %v", err)
	}
	inv := Build([]item.Item{{SourceID: 1, Index: 0}, {SourceID: 2, Index: 0}}, 0, 20, true)
	data := inv.Encode()
	got, err := Decode(data[:len(data)-3])
	if err != nil {
		t.Fatalf("Failed to decode truncated message: %v", err)
	}
	if got.Len() != 1 {
		t.Errorf("Expected partial trailing entry to be ignored, got %d items", got.Len())
	}
}

func TestSubtract(t *testing.T) {
	tests := []struct {
		name  string
		mine  []item.Item
		their []item.Item
		want  []item.Key
	}{
		{
			name: "empty other",
			mine: []item.Item{{SourceID: 1, Index: 0}, {SourceID: 1, Index: 1}},
			want: []item.Key{{SourceID: 1, Index: 0}, {SourceID: 1, Index: 1}},
		},
		{
			name:  "partial overlap",
			mine:  []item.Item{{SourceID: 1, Index: 0}, {SourceID: 1, Index: 9}, {SourceID: 2, Index: 4}},
			their: []item.Item{{SourceID: 1, Index: 0}, {SourceID: 2, Index: 4}, {SourceID: 5, Index: 1}},
			want:  []item.Key{{SourceID: 1, Index: 9}},
		},
		{
			name:  "superset",
			mine:  []item.Item{{SourceID: 1, Index: 3}},
			their: []item.Item{{SourceID: 1, Index: 3}, {SourceID: 1, Index: 30}},
			want:  nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Build(tt.mine, 1, 20, true)
			b := Build(tt.their, 2, 20, true)
			diff := a.Subtract(b)
			if tt.want == nil {
				if diff != nil {
					t.Fatalf("Expected nil difference, got %v", diff.Items())
				}
				return
			}
			if diff == nil {
				t.Fatalf("Expected difference, got nil")
			}
			if d := cmp.Diff(tt.want, keys(diff.Items())); d != "" {
				t.Errorf("Subtract mismatch (-want +got):\n%s", d)
			}
			for _, k := range tt.want {
				if b.Has(k) {
					t.Errorf("Difference lists %v which other holds", k)
				}
			}
			if diff.BitmapLength() == 0 {
				t.Errorf("Expected non-zero bitmap length")
			}
		})
	}
}

func TestSubtractRecomputesWidth(t *testing.T) {
	a := Build([]item.Item{{SourceID: 1, Index: 2}, {SourceID: 1, Index: 40}}, 1, 20, true)
	b := Build([]item.Item{{SourceID: 1, Index: 40}}, 1, 20, true)
	diff := a.Subtract(b)
	if diff.BitmapLength() != 1 {
		t.Errorf("Expected width 1 after subtract, got %d", diff.BitmapLength())
	}
}
