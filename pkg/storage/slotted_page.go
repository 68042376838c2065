package storage

import "encoding/binary"

// RID (record id) addresses one tuple slot on one page.
type RID struct {
	PageID PageID
	SlotID uint32
}

const (
	tablePageHeaderSize = 16

	offsetNextPageID        = 0
	offsetFreeSpacePointer  = 4
	offsetSlotCount         = 8
	offsetDeletedTupleCount = 12

	tupleDeletedMask = uint32(1) << 31
	tupleLengthMask  = tupleDeletedMask - 1

	slotEntrySize = 4
)

// SlottedPage is a view over a Page's body implementing the table
// page format: a 16-byte header, a tuple region growing upward from
// just after the header, and a slot directory growing downward from
// the end of the body. Slot i's offset lives at body[P-(i+1)*4 : P-i*4];
// an offset of 0 means the slot was never allocated. Each tuple is
// prefixed by a 4-byte header whose top bit marks it deleted and whose
// low 31 bits hold its payload length.
type SlottedPage struct {
	page *Page
}

func NewSlottedPage(page *Page) *SlottedPage {
	return &SlottedPage{page: page}
}

// Init formats an empty page, setting next page id to InvalidPageID.
func (sp *SlottedPage) Init() {
	b := sp.page.Body
	binary.LittleEndian.PutUint32(b[offsetNextPageID:], uint32(InvalidPageID))
	binary.LittleEndian.PutUint32(b[offsetFreeSpacePointer:], tablePageHeaderSize)
	binary.LittleEndian.PutUint32(b[offsetSlotCount:], 0)
	binary.LittleEndian.PutUint32(b[offsetDeletedTupleCount:], 0)
	sp.page.MarkDirty()
}

func (sp *SlottedPage) body() []byte { return sp.page.Body }

func (sp *SlottedPage) NextPageID() PageID {
	return PageID(binary.LittleEndian.Uint32(sp.body()[offsetNextPageID:]))
}

func (sp *SlottedPage) SetNextPageID(id PageID) {
	binary.LittleEndian.PutUint32(sp.body()[offsetNextPageID:], uint32(id))
	sp.page.MarkDirty()
}

func (sp *SlottedPage) freeSpacePointer() uint32 {
	return binary.LittleEndian.Uint32(sp.body()[offsetFreeSpacePointer:])
}

func (sp *SlottedPage) setFreeSpacePointer(v uint32) {
	binary.LittleEndian.PutUint32(sp.body()[offsetFreeSpacePointer:], v)
}

func (sp *SlottedPage) SlotCount() uint32 {
	return binary.LittleEndian.Uint32(sp.body()[offsetSlotCount:])
}

func (sp *SlottedPage) setSlotCount(v uint32) {
	binary.LittleEndian.PutUint32(sp.body()[offsetSlotCount:], v)
}

func (sp *SlottedPage) DeletedTupleCount() uint32 {
	return binary.LittleEndian.Uint32(sp.body()[offsetDeletedTupleCount:])
}

func (sp *SlottedPage) setDeletedTupleCount(v uint32) {
	binary.LittleEndian.PutUint32(sp.body()[offsetDeletedTupleCount:], v)
}

func (sp *SlottedPage) slotDirOffset(slot uint32) int {
	return len(sp.body()) - int(slot+1)*slotEntrySize
}

func (sp *SlottedPage) slotOffset(slot uint32) uint32 {
	off := sp.slotDirOffset(slot)
	return binary.LittleEndian.Uint32(sp.body()[off : off+4])
}

func (sp *SlottedPage) setSlotOffset(slot uint32, tupleOffset uint32) {
	off := sp.slotDirOffset(slot)
	binary.LittleEndian.PutUint32(sp.body()[off:off+4], tupleOffset)
}

// FreeSpaceRemaining returns the number of unused bytes between the
// tuple region and the slot directory.
func (sp *SlottedPage) FreeSpaceRemaining() int {
	slotDirStart := len(sp.body()) - int(sp.SlotCount())*slotEntrySize
	return slotDirStart - int(sp.freeSpacePointer())
}

func (sp *SlottedPage) findFreeSlot() (uint32, bool) {
	for i := uint32(0); i < sp.SlotCount(); i++ {
		if sp.slotOffset(i) == 0 {
			return i, true
		}
	}
	return 0, false
}

// InsertTuple appends data as a new tuple and returns its slot id, or
// ErrNoSpace if the page lacks room.
func (sp *SlottedPage) InsertTuple(data []byte) (uint32, error) {
	needed := 4 + len(data)
	slot, reusing := sp.findFreeSlot()
	extra := 0
	if !reusing {
		extra = slotEntrySize
	}
	if sp.FreeSpaceRemaining() < needed+extra {
		return 0, ErrNoSpace
	}

	tupleOffset := sp.freeSpacePointer()
	header := uint32(len(data)) & tupleLengthMask
	binary.LittleEndian.PutUint32(sp.body()[tupleOffset:tupleOffset+4], header)
	copy(sp.body()[tupleOffset+4:], data)
	sp.setFreeSpacePointer(tupleOffset + uint32(needed))

	if !reusing {
		slot = sp.SlotCount()
		sp.setSlotCount(slot + 1)
	}
	sp.setSlotOffset(slot, tupleOffset)
	sp.page.MarkDirty()
	return slot, nil
}

// readTupleHeader returns (deleted, length, error) for the tuple at slot.
func (sp *SlottedPage) readTupleHeader(slot uint32) (bool, uint32, error) {
	if slot >= sp.SlotCount() {
		return false, 0, ErrInvalidSlot
	}
	tupleOffset := sp.slotOffset(slot)
	if tupleOffset == 0 {
		return false, 0, ErrInvalidSlot
	}
	header := binary.LittleEndian.Uint32(sp.body()[tupleOffset : tupleOffset+4])
	return header&tupleDeletedMask != 0, header & tupleLengthMask, nil
}

// GetTuple returns the payload bytes for slot, or ErrTupleDeleted if
// the tuple has been (soft-)deleted.
func (sp *SlottedPage) GetTuple(slot uint32) ([]byte, error) {
	deleted, length, err := sp.readTupleHeader(slot)
	if err != nil {
		return nil, err
	}
	if deleted {
		return nil, ErrTupleDeleted
	}
	tupleOffset := sp.slotOffset(slot)
	data := make([]byte, length)
	copy(data, sp.body()[tupleOffset+4:tupleOffset+4+length])
	return data, nil
}

// IsDeleted reports whether slot's tuple is marked deleted, without
// returning ErrTupleDeleted the way GetTuple does.
func (sp *SlottedPage) IsDeleted(slot uint32) (bool, error) {
	deleted, _, err := sp.readTupleHeader(slot)
	return deleted, err
}

// MarkDelete soft-deletes slot's tuple: the bytes remain but reads now
// fail with ErrTupleDeleted, mirroring the original source's tombstone
// approach (actual reclamation happens only through RollbackDelete or
// never at all, matching the no-compaction update/delete semantics).
func (sp *SlottedPage) MarkDelete(slot uint32) error {
	if slot >= sp.SlotCount() {
		return ErrInvalidSlot
	}
	tupleOffset := sp.slotOffset(slot)
	if tupleOffset == 0 {
		return ErrInvalidSlot
	}
	header := binary.LittleEndian.Uint32(sp.body()[tupleOffset : tupleOffset+4])
	if header&tupleDeletedMask != 0 {
		return nil
	}
	binary.LittleEndian.PutUint32(sp.body()[tupleOffset:tupleOffset+4], header|tupleDeletedMask)
	sp.setDeletedTupleCount(sp.DeletedTupleCount() + 1)
	sp.page.MarkDirty()
	return nil
}

// RollbackDelete undoes a MarkDelete, used both by transaction abort
// and by ARIES undo-phase recovery of an uncommitted delete.
func (sp *SlottedPage) RollbackDelete(slot uint32) error {
	if slot >= sp.SlotCount() {
		return ErrInvalidSlot
	}
	tupleOffset := sp.slotOffset(slot)
	if tupleOffset == 0 {
		return ErrInvalidSlot
	}
	header := binary.LittleEndian.Uint32(sp.body()[tupleOffset : tupleOffset+4])
	if header&tupleDeletedMask == 0 {
		return nil
	}
	binary.LittleEndian.PutUint32(sp.body()[tupleOffset:tupleOffset+4], header&^tupleDeletedMask)
	if n := sp.DeletedTupleCount(); n > 0 {
		sp.setDeletedTupleCount(n - 1)
	}
	sp.page.MarkDirty()
	return nil
}

// UpdateTuple overwrites slot's payload with newData. If newData is
// exactly as long as the current payload the update happens in place;
// otherwise the new payload is appended to the tuple region (like an
// insert) and the slot is repointed, leaving the old bytes as garbage
// the page never reclaims — matching the source's update_tuple
// behavior exactly.
func (sp *SlottedPage) UpdateTuple(slot uint32, newData []byte) error {
	_, length, err := sp.readTupleHeader(slot)
	if err != nil {
		return err
	}
	if uint32(len(newData)) == length {
		tupleOffset := sp.slotOffset(slot)
		copy(sp.body()[tupleOffset+4:tupleOffset+4+length], newData)
		sp.page.MarkDirty()
		return nil
	}

	needed := 4 + len(newData)
	if sp.FreeSpaceRemaining() < needed {
		return ErrNoSpace
	}
	tupleOffset := sp.freeSpacePointer()
	header := uint32(len(newData)) & tupleLengthMask
	binary.LittleEndian.PutUint32(sp.body()[tupleOffset:tupleOffset+4], header)
	copy(sp.body()[tupleOffset+4:], newData)
	sp.setFreeSpacePointer(tupleOffset + uint32(needed))
	sp.setSlotOffset(slot, tupleOffset)
	sp.page.MarkDirty()
	return nil
}

// WriteTupleAt physically places data at the exact given slot,
// growing the slot directory with unallocated entries if slot is
// beyond the current slot count. Unlike InsertTuple (which picks
// wherever there's room), this is used by crash recovery's redo pass
// to reconstruct a tuple at precisely the slot its original insert
// claimed, since the log only records the (page, slot) the original
// insert was assigned.
func (sp *SlottedPage) WriteTupleAt(slot uint32, data []byte) error {
	for sp.SlotCount() <= slot {
		if sp.FreeSpaceRemaining() < slotEntrySize {
			return ErrNoSpace
		}
		n := sp.SlotCount()
		sp.setSlotCount(n + 1)
		sp.setSlotOffset(n, 0)
	}

	needed := 4 + len(data)
	if sp.FreeSpaceRemaining() < needed {
		return ErrNoSpace
	}
	tupleOffset := sp.freeSpacePointer()
	header := uint32(len(data)) & tupleLengthMask
	binary.LittleEndian.PutUint32(sp.body()[tupleOffset:tupleOffset+4], header)
	copy(sp.body()[tupleOffset+4:], data)
	sp.setFreeSpacePointer(tupleOffset + uint32(needed))
	sp.setSlotOffset(slot, tupleOffset)
	sp.page.MarkDirty()
	return nil
}

// FirstTupleRID returns the RID of the first non-deleted tuple, or
// ErrInvalidSlot if the page is empty.
func (sp *SlottedPage) FirstTupleRID() (RID, error) {
	return sp.NextTupleRID(RID{PageID: sp.page.ID, SlotID: ^uint32(0)})
}

// NextTupleRID returns the RID of the first non-deleted, allocated
// tuple following cur's slot on the same page.
func (sp *SlottedPage) NextTupleRID(cur RID) (RID, error) {
	start := cur.SlotID + 1
	if cur.SlotID == ^uint32(0) {
		start = 0
	}
	for slot := start; slot < sp.SlotCount(); slot++ {
		tupleOffset := sp.slotOffset(slot)
		if tupleOffset == 0 {
			continue
		}
		header := binary.LittleEndian.Uint32(sp.body()[tupleOffset : tupleOffset+4])
		if header&tupleDeletedMask != 0 {
			continue
		}
		return RID{PageID: sp.page.ID, SlotID: slot}, nil
	}
	return RID{}, ErrInvalidSlot
}
