package store

import (
	"bytes"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/user/blemesh/item"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory()
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestKnownLifecycle(t *testing.T) {
	s := openMemory(t)
	it := item.New(1, 2, 5)

	if s.IsKnown(it.Key()) {
		t.Fatalf("Empty store knows %v", it.Key())
	}
	if !s.MarkKnown(it) {
		t.Errorf("Expected first MarkKnown to report new")
	}
	if s.MarkKnown(it) {
		t.Errorf("Expected second MarkKnown to report known")
	}
	if _, ok := s.Lookup(it.Key()); ok {
		t.Errorf("Known item without content must not be served")
	}
	if len(s.AllLocalItems()) != 0 {
		t.Errorf("Known item without content must not be local")
	}

	s.Forget(it.Key())
	if s.IsKnown(it.Key()) {
		t.Errorf("Expected item to be forgotten")
	}
}

func TestSaveAndServe(t *testing.T) {
	s := openMemory(t)
	data := bytes.Repeat([]byte("0123456789"), 4000)
	it := item.Item{SourceID: 9, Index: 1}
	s.MarkKnown(it)
	s.MergeDetails(item.Item{SourceID: 9, Index: 1, Metadata: []byte("meta"), PreviousIndexes: []uint32{0}})

	if err := s.Save(it, data); err != nil {
		t.Fatalf("Failed to save: %v", err)
	}
	got, ok := s.Lookup(it.Key())
	if !ok {
		t.Fatalf("Expected saved item to be local")
	}
	want := item.Item{SourceID: 9, Index: 1, PreviousIndexes: []uint32{0}, Size: 40000, SizeKnown: true, Metadata: []byte("meta")}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Item mismatch (-want +got):\n%s", diff)
	}

	slice, err := s.ItemSlice(it.Key(), 32768, 7232)
	if err != nil {
		t.Fatalf("Failed to read slice: %v", err)
	}
	if !bytes.Equal(slice, data[32768:]) {
		t.Errorf("Slice content differs")
	}
	if _, err := s.ItemSlice(it.Key(), 32768, 7233); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("Expected ErrOutOfBounds, got %v", err)
	}
	if _, err := s.ItemSlice(item.Key{SourceID: 1}, 0, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	s.Forget(it.Key())
	if !s.IsKnown(it.Key()) {
		t.Errorf("Forget must keep stored items")
	}
}

func TestSaveSizeMismatch(t *testing.T) {
	s := openMemory(t)
	if err := s.Save(item.New(1, 1, 10), []byte("short")); !errors.Is(err, ErrSizeChanged) {
		t.Errorf("Expected ErrSizeChanged, got %v", err)
	}
}

func TestMergeKeepsStoredSize(t *testing.T) {
	s := openMemory(t)
	if err := s.Save(item.Item{SourceID: 1, Index: 1}, []byte("abc")); err != nil {
		t.Fatalf("Failed to save: %v", err)
	}
	s.MergeDetails(item.New(1, 1, 500))
	got, _ := s.Lookup(item.Key{SourceID: 1, Index: 1})
	if got.Size != 3 {
		t.Errorf("Expected stored size 3, got %d", got.Size)
	}
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "items")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	items := []item.Item{
		{SourceID: 2, Index: 0, Metadata: []byte("a")},
		{SourceID: 1, Index: 3},
		{SourceID: 1, Index: 1, PreviousIndexes: []uint32{0}},
	}
	for i, it := range items {
		if err := s.Save(it, bytes.Repeat([]byte{byte(i)}, i+1)); err != nil {
			t.Fatalf("Failed to save: %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	s, err = Open(path)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer s.Close()
	var keys []item.Key
	for _, it := range s.AllLocalItems() {
		keys = append(keys, it.Key())
	}
	want := []item.Key{{SourceID: 1, Index: 1}, {SourceID: 1, Index: 3}, {SourceID: 2, Index: 0}}
	if diff := cmp.Diff(want, keys); diff != "" {
		t.Errorf("Reopened items mismatch (-want +got):\n%s", diff)
	}
	content, err := s.Content(item.Key{SourceID: 1, Index: 1})
	if err != nil {
		t.Fatalf("Failed to read content: %v", err)
	}
	if !bytes.Equal(content, []byte{2, 2, 2}) {
		t.Errorf("Unexpected content %v", content)
	}
}

func TestConcurrentReads(t *testing.T) {
	s := openMemory(t)
	data := bytes.Repeat([]byte{7}, 1000)
	key := item.Key{SourceID: 5, Index: 5}
	if err := s.Save(item.Item{SourceID: 5, Index: 5}, data); err != nil {
		t.Fatalf("Failed to save: %v", err)
	}
	s.cache.Purge()

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ItemSlice(key, 10, 100); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Concurrent read failed: %v", err)
	}
}
