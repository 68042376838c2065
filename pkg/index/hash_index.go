package index

import (
	"sort"
	"sync"

	"github.com/mnohosten/latticedb/pkg/storage"
	"github.com/mnohosten/latticedb/pkg/types"
)

// HashIndexImpl is a purely in-memory hash index: fast point lookups,
// no durability. It exists for development and test fixtures where a
// full disk-backed BTree isn't worth the setup, never as a production
// index kind, since nothing here survives a restart.
//
// types.Value embeds slice fields and so isn't itself a valid map key;
// entries are keyed on the value's serialized bytes instead.
type HashIndexImpl struct {
	mu     sync.RWMutex
	unique bool
	// buckets maps a serialized key to every (key, rid) pair sharing it.
	// The key.Value is kept alongside the rid list so range/full scans,
	// which have no natural ordering in a hash table, can still sort by
	// the real value rather than its byte encoding.
	buckets map[string]*hashBucket
}

type hashBucket struct {
	key  types.Value
	rids []storage.RID
}

// NewHashIndex constructs an empty in-memory hash index.
func NewHashIndex(unique bool) *HashIndexImpl {
	return &HashIndexImpl{unique: unique, buckets: make(map[string]*hashBucket)}
}

func (h *HashIndexImpl) Insert(key types.Value, rid storage.RID) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	k := string(key.Serialize(nil))
	b, ok := h.buckets[k]
	if !ok {
		h.buckets[k] = &hashBucket{key: key, rids: []storage.RID{rid}}
		return nil
	}
	if h.unique {
		return ErrDuplicateKey
	}
	b.rids = append(b.rids, rid)
	return nil
}

func (h *HashIndexImpl) Delete(key types.Value, rid storage.RID) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	k := string(key.Serialize(nil))
	b, ok := h.buckets[k]
	if !ok {
		return ErrKeyNotFound
	}
	idx := -1
	for i, r := range b.rids {
		if r == rid {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrKeyNotFound
	}
	b.rids = append(b.rids[:idx], b.rids[idx+1:]...)
	if len(b.rids) == 0 {
		delete(h.buckets, k)
	}
	return nil
}

func (h *HashIndexImpl) ScanKey(key types.Value) ([]storage.RID, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	b, ok := h.buckets[string(key.Serialize(nil))]
	if !ok {
		return nil, nil
	}
	out := make([]storage.RID, len(b.rids))
	copy(out, b.rids)
	return out, nil
}

// ScanRange has no index structure to exploit in a hash table: it
// scans every bucket and filters by comparing the stored value
// against the bounds, then sorts the survivors by key so callers see
// the same ordering a BTree range scan would produce.
func (h *HashIndexImpl) ScanRange(lo, hi *types.Value) ([]storage.RID, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	type entry struct {
		key types.Value
		rid storage.RID
	}
	var entries []entry
	for _, b := range h.buckets {
		if lo != nil {
			if cmp, err := b.key.Compare(*lo); err != nil {
				return nil, err
			} else if cmp < 0 {
				continue
			}
		}
		if hi != nil {
			if cmp, err := b.key.Compare(*hi); err != nil {
				return nil, err
			} else if cmp > 0 {
				continue
			}
		}
		for _, r := range b.rids {
			entries = append(entries, entry{key: b.key, rid: r})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		cmp, _ := entries[i].key.Compare(entries[j].key)
		return cmp < 0
	})
	out := make([]storage.RID, len(entries))
	for i, e := range entries {
		out[i] = e.rid
	}
	return out, nil
}

func (h *HashIndexImpl) ScanAll() ([]storage.RID, error) {
	return h.ScanRange(nil, nil)
}
