// Package store keeps items and their content in LevelDB. A Store is both
// the item registry and the content store of a node.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"
	lru "github.com/hashicorp/golang-lru"
	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"golang.org/x/sync/singleflight"

	"github.com/user/blemesh/item"
	"github.com/user/blemesh/logger"
)

const (
	keyPrefixItem    = "ITM" // item record, followed by sourceID(8) index(4)
	keyPrefixContent = "CNT" // item content, followed by sourceID(8) index(4)

	// DefaultCacheSize is the number of item contents kept in memory.
	DefaultCacheSize = 64
)

var (
	ErrNotFound    = errors.New("store: item not found")
	ErrOutOfBounds = errors.New("store: range beyond item content")
	ErrSizeChanged = errors.New("store: content does not match item size")
)

type record struct {
	SourceID uint64   `cbor:"1,keyasint"`
	Index    uint32   `cbor:"2,keyasint"`
	Previous []uint32 `cbor:"3,keyasint,omitempty"`
	Size     uint32   `cbor:"4,keyasint"`
	Metadata []byte   `cbor:"5,keyasint,omitempty"`
}

func recordOf(it item.Item) record {
	return record{
		SourceID: it.SourceID,
		Index:    it.Index,
		Previous: it.PreviousIndexes,
		Size:     it.Size,
		Metadata: it.Metadata,
	}
}

func (r record) item() item.Item {
	return item.Item{
		SourceID:        r.SourceID,
		Index:           r.Index,
		PreviousIndexes: r.Previous,
		Size:            r.Size,
		SizeKnown:       true,
		Metadata:        r.Metadata,
	}
}

func keyFor(prefix string, k item.Key) []byte {
	key := make([]byte, len(prefix)+12)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], k.SourceID)
	binary.BigEndian.PutUint32(key[len(prefix)+8:], k.Index)
	return key
}

// Store is safe for concurrent use.
type Store struct {
	db *leveldb.DB

	mu    sync.RWMutex
	local map[item.Key]item.Item // content stored
	known map[item.Key]item.Item // announced or in flight, no content yet

	cache *lru.Cache
	loads singleflight.Group
}

// Open opens or creates a store at path.
func Open(path string) (*Store, error) {
	opts := &opt.Options{
		Compression: opt.NoCompression,
	}
	db, err := leveldb.OpenFile(path, opts)
	if lerrors.IsCorrupted(err) {
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	s, err := newStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("store", "opened %s with %d items", path, len(s.local))
	return s, nil
}

// OpenMemory returns a store that lives in memory only.
func OpenMemory() (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("store: open memory: %w", err)
	}
	return newStore(db)
}

func newStore(db *leveldb.DB) (*Store, error) {
	cache, err := lru.New(DefaultCacheSize)
	if err != nil {
		return nil, err
	}
	s := &Store{
		db:    db,
		local: make(map[item.Key]item.Item),
		known: make(map[item.Key]item.Item),
		cache: cache,
	}

	iter := db.NewIterator(util.BytesPrefix([]byte(keyPrefixItem)), nil)
	defer iter.Release()
	for iter.Next() {
		var r record
		if err := cbor.Unmarshal(iter.Value(), &r); err != nil {
			return nil, fmt.Errorf("store: corrupted record %x: %w", iter.Key(), err)
		}
		it := r.item()
		s.local[it.Key()] = it
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("store: scan: %w", err)
	}
	return s, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// IsKnown reports whether key is stored or in flight.
func (s *Store) IsKnown(key item.Key) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.local[key]; ok {
		return true
	}
	_, ok := s.known[key]
	return ok
}

// MarkKnown records it and reports whether it was unknown before.
func (s *Store) MarkKnown(it item.Item) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := it.Key()
	if _, ok := s.local[key]; ok {
		return false
	}
	if _, ok := s.known[key]; ok {
		return false
	}
	s.known[key] = it
	return true
}

// MergeDetails folds it into the known or stored item with the same key.
func (s *Store) MergeDetails(it item.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := it.Key()
	if cur, ok := s.local[key]; ok {
		merged := cur
		merged.Merge(it)
		// content length is fixed once stored
		merged.Size = cur.Size
		s.local[key] = merged
		if err := s.putRecord(merged); err != nil {
			logger.Warn("store", "failed to persist details of %s: %v", key, err)
		}
		return
	}
	if cur, ok := s.known[key]; ok {
		cur.Merge(it)
		s.known[key] = cur
	}
}

func (s *Store) putRecord(it item.Item) error {
	data, err := cbor.Marshal(recordOf(it))
	if err != nil {
		return err
	}
	return s.db.Put(keyFor(keyPrefixItem, it.Key()), data, nil)
}

// AllLocalItems lists stored items ordered by source then index.
func (s *Store) AllLocalItems() []item.Item {
	s.mu.RLock()
	items := make([]item.Item, 0, len(s.local))
	for _, it := range s.local {
		items = append(items, it)
	}
	s.mu.RUnlock()
	sort.Slice(items, func(i, j int) bool {
		if items[i].SourceID != items[j].SourceID {
			return items[i].SourceID < items[j].SourceID
		}
		return items[i].Index < items[j].Index
	})
	return items
}

// Lookup returns a stored item.
func (s *Store) Lookup(key item.Key) (item.Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.local[key]
	return it, ok
}

// Forget drops an in-flight item. Stored items are kept.
func (s *Store) Forget(key item.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.known, key)
}

// Save stores the content of it. Details already learned for the item are
// merged in; the size is taken from data.
func (s *Store) Save(it item.Item, data []byte) error {
	key := it.Key()
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := it
	if cur, ok := s.known[key]; ok {
		merged = cur
		merged.Merge(it)
	} else if cur, ok := s.local[key]; ok {
		merged = cur
		merged.Merge(it)
	}
	if it.SizeKnown && it.Size != uint32(len(data)) {
		return fmt.Errorf("%w: %s has %d bytes, item says %d", ErrSizeChanged, key, len(data), it.Size)
	}
	merged.Size = uint32(len(data))
	merged.SizeKnown = true

	rec, err := cbor.Marshal(recordOf(merged))
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}
	batch := new(leveldb.Batch)
	batch.Put(keyFor(keyPrefixItem, key), rec)
	batch.Put(keyFor(keyPrefixContent, key), data)
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("store: write %s: %w", key, err)
	}

	delete(s.known, key)
	s.local[key] = merged
	s.cache.Add(key, append([]byte(nil), data...))
	return nil
}

// Content returns the full content of a stored item.
func (s *Store) Content(key item.Key) ([]byte, error) {
	if v, ok := s.cache.Get(key); ok {
		return v.([]byte), nil
	}
	v, err, _ := s.loads.Do(key.String(), func() (interface{}, error) {
		data, err := s.db.Get(keyFor(keyPrefixContent, key), nil)
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		if err != nil {
			return nil, fmt.Errorf("store: read %s: %w", key, err)
		}
		s.cache.Add(key, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// ItemSlice returns length bytes of the content of key starting at offset.
func (s *Store) ItemSlice(key item.Key, offset, length uint32) ([]byte, error) {
	data, err := s.Content(key)
	if err != nil {
		return nil, err
	}
	end := uint64(offset) + uint64(length)
	if end > uint64(len(data)) {
		return nil, fmt.Errorf("%w: %s %d+%d of %d", ErrOutOfBounds, key, offset, length, len(data))
	}
	return append([]byte(nil), data[offset:end]...), nil
}
