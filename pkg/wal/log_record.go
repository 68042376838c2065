package wal

import (
	"encoding/binary"
)

// LSN is a monotonically increasing log sequence number.
type LSN = uint64

// InvalidLSN marks the absence of a log record, used as the sentinel
// prevLSN for a transaction's first record and as the end-of-chain
// marker during undo.
const InvalidLSN LSN = 1<<32 - 1

// RID identifies a row. The log record format mirrors storage.RID's
// shape without importing the storage package, keeping the recovery
// subsystem free of a dependency on the buffer pool it recovers.
type RID struct {
	PageID uint32
	SlotID uint32
}

// RecordType tags the kind of change a log record describes.
type RecordType uint8

const (
	Invalid RecordType = iota
	Insert
	Delete
	Update
	Begin
	Commit
	Abort
	NewPage
	CLR // compensation log record, written while undoing a loser transaction
	CheckpointBegin
	CheckpointEnd
)

func (t RecordType) String() string {
	switch t {
	case Insert:
		return "INSERT"
	case Delete:
		return "DELETE"
	case Update:
		return "UPDATE"
	case Begin:
		return "BEGIN"
	case Commit:
		return "COMMIT"
	case Abort:
		return "ABORT"
	case NewPage:
		return "NEWPAGE"
	case CLR:
		return "CLR"
	case CheckpointBegin:
		return "CHECKPOINT_BEGIN"
	case CheckpointEnd:
		return "CHECKPOINT_END"
	default:
		return "INVALID"
	}
}

// Record is one write-ahead log entry. Not every field is meaningful
// for every Type: Insert uses After, Delete uses Before, Update uses
// both, and a CLR additionally sets UndoNextLSN so the undo pass can
// skip straight past the record it compensates for.
type Record struct {
	LSN         LSN
	PrevLSN     LSN
	TxnID       uint64
	Type        RecordType
	Table       uint32
	RID         RID
	Before      []byte
	After       []byte
	UndoNextLSN LSN
}

// header fields: lsn(8) prevLSN(8) txnID(8) type(1) table(4) pageID(4)
// slotID(4) undoNextLSN(8) beforeLen(4) afterLen(4) = 53 bytes, then
// Before and After payloads back to back.
const recordHeaderSize = 53

// Size returns the encoded length of the record.
func (r *Record) Size() int {
	return recordHeaderSize + len(r.Before) + len(r.After)
}

// Serialize encodes the record into buf, which must be at least
// r.Size() bytes.
func (r *Record) Serialize(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], r.LSN)
	binary.LittleEndian.PutUint64(buf[8:16], r.PrevLSN)
	binary.LittleEndian.PutUint64(buf[16:24], r.TxnID)
	buf[24] = byte(r.Type)
	binary.LittleEndian.PutUint32(buf[25:29], r.Table)
	binary.LittleEndian.PutUint32(buf[29:33], r.RID.PageID)
	binary.LittleEndian.PutUint32(buf[33:37], r.RID.SlotID)
	binary.LittleEndian.PutUint64(buf[37:45], r.UndoNextLSN)
	binary.LittleEndian.PutUint32(buf[45:49], uint32(len(r.Before)))
	binary.LittleEndian.PutUint32(buf[49:53], uint32(len(r.After)))
	off := recordHeaderSize
	off += copy(buf[off:], r.Before)
	copy(buf[off:], r.After)
}

// DeserializeRecord decodes a record from buf, returning the record
// and the number of bytes it consumed.
func DeserializeRecord(buf []byte) (*Record, int, error) {
	if len(buf) < recordHeaderSize {
		return nil, 0, ErrCorruptLogRecord
	}
	r := &Record{
		LSN:     binary.LittleEndian.Uint64(buf[0:8]),
		PrevLSN: binary.LittleEndian.Uint64(buf[8:16]),
		TxnID:   binary.LittleEndian.Uint64(buf[16:24]),
		Type:    RecordType(buf[24]),
		Table:   binary.LittleEndian.Uint32(buf[25:29]),
		RID: RID{
			PageID: binary.LittleEndian.Uint32(buf[29:33]),
			SlotID: binary.LittleEndian.Uint32(buf[33:37]),
		},
		UndoNextLSN: binary.LittleEndian.Uint64(buf[37:45]),
	}
	beforeLen := binary.LittleEndian.Uint32(buf[45:49])
	afterLen := binary.LittleEndian.Uint32(buf[49:53])
	total := recordHeaderSize + int(beforeLen) + int(afterLen)
	if len(buf) < total {
		return nil, 0, ErrCorruptLogRecord
	}
	off := recordHeaderSize
	if beforeLen > 0 {
		r.Before = append([]byte(nil), buf[off:off+int(beforeLen)]...)
		off += int(beforeLen)
	}
	if afterLen > 0 {
		r.After = append([]byte(nil), buf[off:off+int(afterLen)]...)
		off += int(afterLen)
	}
	return r, total, nil
}
