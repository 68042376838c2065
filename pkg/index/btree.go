package index

import (
	"encoding/binary"
	"sync"

	"github.com/mnohosten/latticedb/pkg/storage"
	"github.com/mnohosten/latticedb/pkg/types"
)

// nodeHeaderSize is the fixed prefix of every B+-tree node page: a
// one-byte leaf flag, a two-byte key count, and a four-byte sibling
// pointer (leaf nodes only; zero/unused on internal nodes).
const nodeHeaderSize = 1 + 2 + 4

// node is the in-memory, fully-decoded form of one tree page. Nodes
// are decoded in full on fetch and re-encoded in full on write back;
// there is no in-place patching, trading some write amplification for
// a much simpler implementation.
type node struct {
	pageID   storage.PageID
	page     *storage.Page
	isLeaf   bool
	nextPage storage.PageID // leaf sibling chain; InvalidPageID if none

	keys []types.Value

	// Leaf-only: rids[i] corresponds to keys[i]. Internal-only:
	// children has len(keys)+1 entries.
	rids     []storage.RID
	children []storage.PageID
}

func newLeaf(pageID storage.PageID, page *storage.Page) *node {
	return &node{pageID: pageID, page: page, isLeaf: true, nextPage: storage.InvalidPageID}
}

func newInternal(pageID storage.PageID, page *storage.Page) *node {
	return &node{pageID: pageID, page: page, isLeaf: false}
}

// encodedSize returns how many bytes this node would occupy if
// serialized right now, used to decide whether an insert overflowed
// the page.
func (n *node) encodedSize() int {
	size := nodeHeaderSize
	if n.isLeaf {
		for _, k := range n.keys {
			size += 2 + k.SerializeSize() + 8
		}
	} else {
		size += 4 * len(n.children)
		for _, k := range n.keys {
			size += 2 + k.SerializeSize()
		}
	}
	return size
}

func nodeCapacity() int {
	return storage.PageSize - storage.PageHeaderSize
}

func (n *node) serialize() []byte {
	buf := make([]byte, n.encodedSize())
	if n.isLeaf {
		buf[0] = 1
	}
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(n.keys)))
	binary.LittleEndian.PutUint32(buf[3:7], uint32(n.nextPage))

	off := nodeHeaderSize
	if n.isLeaf {
		for i, k := range n.keys {
			kb := k.Serialize(nil)
			binary.LittleEndian.PutUint16(buf[off:off+2], uint16(len(kb)))
			off += 2
			off += copy(buf[off:], kb)
			binary.LittleEndian.PutUint32(buf[off:off+4], uint32(n.rids[i].PageID))
			off += 4
			binary.LittleEndian.PutUint32(buf[off:off+4], n.rids[i].SlotID)
			off += 4
		}
	} else {
		for _, c := range n.children {
			binary.LittleEndian.PutUint32(buf[off:off+4], uint32(c))
			off += 4
		}
		for _, k := range n.keys {
			kb := k.Serialize(nil)
			binary.LittleEndian.PutUint16(buf[off:off+2], uint16(len(kb)))
			off += 2
			off += copy(buf[off:], kb)
		}
	}
	return buf
}

func deserializeNode(pageID storage.PageID, page *storage.Page) (*node, error) {
	body := page.Body
	if len(body) < nodeHeaderSize {
		return nil, ErrCorruptNode
	}
	isLeaf := body[0] == 1
	keyCount := int(binary.LittleEndian.Uint16(body[1:3]))
	nextPage := storage.PageID(binary.LittleEndian.Uint32(body[3:7]))

	n := &node{pageID: pageID, page: page, isLeaf: isLeaf, nextPage: nextPage}
	off := nodeHeaderSize

	if isLeaf {
		n.keys = make([]types.Value, 0, keyCount)
		n.rids = make([]storage.RID, 0, keyCount)
		for i := 0; i < keyCount; i++ {
			if off+2 > len(body) {
				return nil, ErrCorruptNode
			}
			klen := int(binary.LittleEndian.Uint16(body[off : off+2]))
			off += 2
			if off+klen+8 > len(body) {
				return nil, ErrCorruptNode
			}
			k, _, err := types.DeserializeValue(body[off : off+klen])
			if err != nil {
				return nil, err
			}
			off += klen
			rid := storage.RID{
				PageID: storage.PageID(binary.LittleEndian.Uint32(body[off : off+4])),
				SlotID: binary.LittleEndian.Uint32(body[off+4 : off+8]),
			}
			off += 8
			n.keys = append(n.keys, k)
			n.rids = append(n.rids, rid)
		}
	} else {
		n.children = make([]storage.PageID, 0, keyCount+1)
		for i := 0; i < keyCount+1; i++ {
			if off+4 > len(body) {
				return nil, ErrCorruptNode
			}
			n.children = append(n.children, storage.PageID(binary.LittleEndian.Uint32(body[off:off+4])))
			off += 4
		}
		n.keys = make([]types.Value, 0, keyCount)
		for i := 0; i < keyCount; i++ {
			if off+2 > len(body) {
				return nil, ErrCorruptNode
			}
			klen := int(binary.LittleEndian.Uint16(body[off : off+2]))
			off += 2
			if off+klen > len(body) {
				return nil, ErrCorruptNode
			}
			k, _, err := types.DeserializeValue(body[off : off+klen])
			if err != nil {
				return nil, err
			}
			off += klen
			n.keys = append(n.keys, k)
		}
	}
	return n, nil
}

// BTree is a disk-backed B+-tree over the buffer pool: leaves hold
// (key, RID) pairs chained left to right for range scans, internal
// nodes hold separator keys and child page ids. Unlike a textbook
// implementation it allows duplicate keys (a key maps to a set of
// RIDs, not exactly one) unless constructed as unique.
//
// Concurrency is a single tree-wide RWMutex rather than per-page
// latch crabbing: simpler to get right, at the cost of serializing
// all writers against each other and against scans. A page-level
// crabbing protocol (as in the original engine's B+-tree) is the
// natural next step if contention on this lock becomes the
// bottleneck.
type BTree struct {
	mu     sync.RWMutex
	pool   *storage.BufferPool
	root   storage.PageID
	unique bool
}

// NewBTree formats a brand new, empty B+-tree (a single empty leaf
// root) in pool.
func NewBTree(pool *storage.BufferPool, unique bool) (*BTree, error) {
	page, err := pool.NewPage()
	if err != nil {
		return nil, err
	}
	page.Type = storage.PageTypeIndex
	root := newLeaf(page.ID, page)
	copy(page.Body, root.serialize())
	if err := pool.UnpinPage(page.ID, true); err != nil {
		return nil, err
	}
	return &BTree{pool: pool, root: page.ID, unique: unique}, nil
}

// OpenBTree wraps an existing tree whose root is already at rootPageID
// (as recorded in the catalog).
func OpenBTree(pool *storage.BufferPool, rootPageID storage.PageID, unique bool) *BTree {
	return &BTree{pool: pool, root: rootPageID, unique: unique}
}

// RootPageID reports the current root page, for the catalog to persist.
func (t *BTree) RootPageID() storage.PageID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root
}

func (t *BTree) fetch(id storage.PageID) (*node, error) {
	page, err := t.pool.FetchPage(id)
	if err != nil {
		return nil, err
	}
	if len(page.Body) >= nodeHeaderSize && (page.Body[0] == 0 || page.Body[0] == 1) {
		n, err := deserializeNode(id, page)
		if err == nil {
			return n, nil
		}
	}
	// A page whose body does not decode as a node: treat it as an empty
	// leaf. An all-zero body does decode (as an internal node), which is
	// why NewBTree writes its root leaf out at once.
	return newLeaf(id, page), nil
}

func (t *BTree) release(n *node, dirty bool) error {
	if dirty {
		copy(n.page.Body, n.serialize())
	}
	return t.pool.UnpinPage(n.pageID, dirty)
}

func (t *BTree) allocate(isLeaf bool) (*node, error) {
	page, err := t.pool.NewPage()
	if err != nil {
		return nil, err
	}
	page.Type = storage.PageTypeIndex
	if isLeaf {
		return newLeaf(page.ID, page), nil
	}
	return newInternal(page.ID, page), nil
}

// findChildIndex returns the index of the child subtree that may
// contain key, for an internal node.
func findChildIndex(n *node, key types.Value) int {
	for i, k := range n.keys {
		if cmp, err := key.Compare(k); err == nil && cmp < 0 {
			return i
		}
	}
	return len(n.keys)
}

// Insert adds key -> rid to the tree, splitting nodes top-down... in
// practice bottom-up: it recurses to the leaf first and propagates any
// split back up, growing the tree by one level only when the root
// itself splits.
func (t *BTree) Insert(key types.Value, rid storage.RID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	promoted, newRight, err := t.insertRec(t.root, key, rid)
	if err != nil {
		return err
	}
	if newRight != storage.InvalidPageID {
		newRoot, err := t.allocate(false)
		if err != nil {
			return err
		}
		newRoot.keys = []types.Value{promoted}
		newRoot.children = []storage.PageID{t.root, newRight}
		if err := t.release(newRoot, true); err != nil {
			return err
		}
		t.root = newRoot.pageID
	}
	return nil
}

func (t *BTree) insertRec(pageID storage.PageID, key types.Value, rid storage.RID) (types.Value, storage.PageID, error) {
	var zero types.Value
	n, err := t.fetch(pageID)
	if err != nil {
		return zero, storage.InvalidPageID, err
	}

	if n.isLeaf {
		pos := 0
		for pos < len(n.keys) {
			cmp, cerr := key.Compare(n.keys[pos])
			if cerr != nil {
				t.release(n, false)
				return zero, storage.InvalidPageID, cerr
			}
			if cmp == 0 && t.unique {
				t.release(n, false)
				return zero, storage.InvalidPageID, ErrDuplicateKey
			}
			if cmp < 0 {
				break
			}
			pos++
		}
		n.keys = append(n.keys, zero)
		copy(n.keys[pos+1:], n.keys[pos:])
		n.keys[pos] = key
		n.rids = append(n.rids, storage.RID{})
		copy(n.rids[pos+1:], n.rids[pos:])
		n.rids[pos] = rid

		if n.encodedSize() <= nodeCapacity() {
			if err := t.release(n, true); err != nil {
				return zero, storage.InvalidPageID, err
			}
			return zero, storage.InvalidPageID, nil
		}

		mid := len(n.keys) / 2
		right, err := t.allocate(true)
		if err != nil {
			t.release(n, false)
			return zero, storage.InvalidPageID, err
		}
		right.keys = append(right.keys, n.keys[mid:]...)
		right.rids = append(right.rids, n.rids[mid:]...)
		right.nextPage = n.nextPage
		n.keys = n.keys[:mid]
		n.rids = n.rids[:mid]
		n.nextPage = right.pageID

		promoted := right.keys[0]
		if err := t.release(right, true); err != nil {
			return zero, storage.InvalidPageID, err
		}
		if err := t.release(n, true); err != nil {
			return zero, storage.InvalidPageID, err
		}
		return promoted, right.pageID, nil
	}

	childIdx := findChildIndex(n, key)
	promoted, newRight, err := t.insertRec(n.children[childIdx], key, rid)
	if err != nil {
		t.release(n, false)
		return zero, storage.InvalidPageID, err
	}
	if newRight == storage.InvalidPageID {
		t.release(n, false)
		return zero, storage.InvalidPageID, nil
	}

	n.keys = append(n.keys, zero)
	copy(n.keys[childIdx+1:], n.keys[childIdx:])
	n.keys[childIdx] = promoted
	n.children = append(n.children, storage.InvalidPageID)
	copy(n.children[childIdx+2:], n.children[childIdx+1:])
	n.children[childIdx+1] = newRight

	if n.encodedSize() <= nodeCapacity() {
		if err := t.release(n, true); err != nil {
			return zero, storage.InvalidPageID, err
		}
		return zero, storage.InvalidPageID, nil
	}

	mid := len(n.keys) / 2
	promotedUp := n.keys[mid]
	right, err := t.allocate(false)
	if err != nil {
		t.release(n, false)
		return zero, storage.InvalidPageID, err
	}
	right.keys = append(right.keys, n.keys[mid+1:]...)
	right.children = append(right.children, n.children[mid+1:]...)
	n.keys = n.keys[:mid]
	n.children = n.children[:mid+1]

	if err := t.release(right, true); err != nil {
		return zero, storage.InvalidPageID, err
	}
	if err := t.release(n, true); err != nil {
		return zero, storage.InvalidPageID, err
	}
	return promotedUp, right.pageID, nil
}

// Delete removes the single (key, rid) pair from the tree. Underflow
// is handled with a simple, deliberately lenient policy: a node that
// becomes completely empty is spliced out of its parent (and, for a
// leaf, its sibling chain is relinked around it); nodes that merely
// fall below a fill factor are left as is. This avoids ever stranding
// an empty non-root page while keeping the rebalancing logic small.
func (t *BTree) Delete(key types.Value, rid storage.RID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	empty, err := t.deleteRec(t.root, key, rid)
	if err != nil {
		return err
	}
	if empty != nil {
		if !empty.isLeaf && len(empty.children) == 1 {
			t.root = empty.children[0]
		}
		return t.release(empty, true)
	}
	return nil
}

func (t *BTree) deleteRec(pageID storage.PageID, key types.Value, rid storage.RID) (*node, error) {
	n, err := t.fetch(pageID)
	if err != nil {
		return nil, err
	}

	if n.isLeaf {
		idx := -1
		for i, k := range n.keys {
			cmp, cerr := key.Compare(k)
			if cerr != nil {
				t.release(n, false)
				return nil, cerr
			}
			if cmp == 0 && n.rids[i] == rid {
				idx = i
				break
			}
		}
		if idx < 0 {
			t.release(n, false)
			return nil, ErrKeyNotFound
		}
		n.keys = append(n.keys[:idx], n.keys[idx+1:]...)
		n.rids = append(n.rids[:idx], n.rids[idx+1:]...)
		if len(n.keys) == 0 {
			return n, nil
		}
		if err := t.release(n, true); err != nil {
			return nil, err
		}
		return nil, nil
	}

	childIdx := findChildIndex(n, key)
	emptyChild, err := t.deleteRec(n.children[childIdx], key, rid)
	if err != nil {
		t.release(n, false)
		return nil, err
	}
	if emptyChild == nil {
		t.release(n, false)
		return nil, nil
	}

	// An internal child that collapsed to a single grandchild is not
	// removed from this node's children: its sole surviving grandchild
	// takes its place, and no separator key disappears.
	if !emptyChild.isLeaf {
		n.children[childIdx] = emptyChild.children[0]
		t.release(emptyChild, true)
		if err := t.release(n, true); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if childIdx > 0 {
		leftSib, err := t.fetch(n.children[childIdx-1])
		if err == nil {
			leftSib.nextPage = emptyChild.nextPage
			t.release(leftSib, true)
		}
	}
	t.release(emptyChild, true)

	n.children = append(n.children[:childIdx], n.children[childIdx+1:]...)
	if len(n.keys) > 0 {
		sepIdx := childIdx - 1
		if sepIdx < 0 {
			sepIdx = 0
		}
		n.keys = append(n.keys[:sepIdx], n.keys[sepIdx+1:]...)
	}

	if len(n.keys) == 0 && len(n.children) == 1 {
		return n, nil
	}
	if err := t.release(n, true); err != nil {
		return nil, err
	}
	return nil, nil
}

// ScanKey returns every RID stored under key.
func (t *BTree) ScanKey(key types.Value) ([]storage.RID, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	leafID, err := t.descendToLeaf(key)
	if err != nil {
		return nil, err
	}

	var out []storage.RID
	id := leafID
	for id != storage.InvalidPageID {
		n, err := t.fetch(id)
		if err != nil {
			return nil, err
		}
		stop := false
		for i, k := range n.keys {
			cmp, cerr := key.Compare(k)
			if cerr != nil {
				t.release(n, false)
				return nil, cerr
			}
			if cmp == 0 {
				out = append(out, n.rids[i])
			} else if cmp < 0 {
				stop = true
				break
			}
		}
		next := n.nextPage
		t.release(n, false)
		if stop {
			break
		}
		id = next
	}
	return out, nil
}

// ScanRange returns every RID whose key falls within [lo, hi]. A nil
// bound is unbounded on that side.
func (t *BTree) ScanRange(lo, hi *types.Value) ([]storage.RID, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var leafID storage.PageID
	var err error
	if lo != nil {
		leafID, err = t.descendToLeaf(*lo)
	} else {
		leafID, err = t.leftmostLeaf()
	}
	if err != nil {
		return nil, err
	}

	var out []storage.RID
	id := leafID
	for id != storage.InvalidPageID {
		n, err := t.fetch(id)
		if err != nil {
			return nil, err
		}
		stop := false
		for i, k := range n.keys {
			if lo != nil {
				if cmp, cerr := k.Compare(*lo); cerr == nil && cmp < 0 {
					continue
				}
			}
			if hi != nil {
				cmp, cerr := k.Compare(*hi)
				if cerr != nil {
					t.release(n, false)
					return nil, cerr
				}
				if cmp > 0 {
					stop = true
					break
				}
			}
			out = append(out, n.rids[i])
		}
		next := n.nextPage
		t.release(n, false)
		if stop {
			break
		}
		id = next
	}
	return out, nil
}

// ScanAll returns every RID in the index, in key order.
func (t *BTree) ScanAll() ([]storage.RID, error) {
	return t.ScanRange(nil, nil)
}

func (t *BTree) descendToLeaf(key types.Value) (storage.PageID, error) {
	id := t.root
	for {
		n, err := t.fetch(id)
		if err != nil {
			return storage.InvalidPageID, err
		}
		if n.isLeaf {
			t.release(n, false)
			return id, nil
		}
		childIdx := findChildIndex(n, key)
		next := n.children[childIdx]
		t.release(n, false)
		id = next
	}
}

func (t *BTree) leftmostLeaf() (storage.PageID, error) {
	id := t.root
	for {
		n, err := t.fetch(id)
		if err != nil {
			return storage.InvalidPageID, err
		}
		if n.isLeaf {
			t.release(n, false)
			return id, nil
		}
		next := n.children[0]
		t.release(n, false)
		id = next
	}
}
