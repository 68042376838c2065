package storage

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

const (
	// PageSize is the size of each on-disk page, matching the kernel's
	// fixed 4KiB page constant.
	PageSize = 4096

	// PageHeaderSize is the size of the generic per-page header the
	// pager stamps on every page: a 4-byte id, an 8-byte LSN, a 4-byte
	// type/flags word, and a 16-byte checksum.
	PageHeaderSize = 32

	checksumSize = 16
)

// PageType distinguishes the higher layer that owns a page's body.
type PageType uint8

const (
	PageTypeData PageType = iota
	PageTypeIndex
	PageTypeCatalog
	PageTypeOverflow
)

// PageID is a unique identifier for a page within a data file.
type PageID uint32

// InvalidPageID is the sentinel value meaning "no page", matching the
// kernel's INVALID_PAGE_ID constant.
const InvalidPageID PageID = PageID(1<<32 - 1)

// Page is the in-memory representation of one fixed-size disk page.
// Body holds exactly PageSize-PageHeaderSize bytes: the region that
// higher layers (slotted pages, B+-tree nodes, the catalog) format
// according to their own conventions. ID/Type/LSN/checksum live outside
// Body and are (de)serialized into the page's on-disk header.
type Page struct {
	ID       PageID
	Type     PageType
	Flags    uint8
	LSN      uint64
	Body     []byte
	IsDirty  bool
	PinCount int
}

// NewPage allocates a zero-filled page of the given id and type.
func NewPage(id PageID, pageType PageType) *Page {
	return &Page{
		ID:   id,
		Type: pageType,
		Body: make([]byte, PageSize-PageHeaderSize),
	}
}

// Serialize renders the page to a PageSize-byte buffer, stamping a
// blake2b-128 checksum over the header fields and body so a later Read
// can detect torn writes or bit rot.
func (p *Page) Serialize() []byte {
	buf := make([]byte, PageSize)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(p.ID))
	binary.LittleEndian.PutUint64(buf[4:12], p.LSN)
	buf[12] = byte(p.Type)
	buf[13] = p.Flags
	// bytes 14-15 reserved

	copy(buf[PageHeaderSize:], p.Body)

	sum := blake2b.Sum512_256(buf[:PageHeaderSize-checksumSize]) // covers id/lsn/type/flags
	sum2 := blake2b.Sum512_256(buf[PageHeaderSize:])              // covers body
	var checksum [checksumSize]byte
	for i := 0; i < checksumSize; i++ {
		checksum[i] = sum[i] ^ sum2[i]
	}
	copy(buf[16:16+checksumSize], checksum[:])

	return buf
}

// Deserialize loads a page from a PageSize-byte buffer and verifies
// its checksum, returning ErrChecksumMismatch (which the pager passes on
// unwrapped) if the stamped value doesn't match.
func (p *Page) Deserialize(data []byte) error {
	if len(data) != PageSize {
		return fmt.Errorf("storage: invalid page size: expected %d, got %d", PageSize, len(data))
	}

	sum := blake2b.Sum512_256(data[:PageHeaderSize-checksumSize])
	sum2 := blake2b.Sum512_256(data[PageHeaderSize:])
	var want [checksumSize]byte
	for i := 0; i < checksumSize; i++ {
		want[i] = sum[i] ^ sum2[i]
	}
	if !allZero(data[16:16+checksumSize]) && !bytesEqual(want[:], data[16:16+checksumSize]) {
		return ErrChecksumMismatch
	}

	p.ID = PageID(binary.LittleEndian.Uint32(data[0:4]))
	p.LSN = binary.LittleEndian.Uint64(data[4:12])
	p.Type = PageType(data[12])
	p.Flags = data[13]

	p.Body = make([]byte, PageSize-PageHeaderSize)
	copy(p.Body, data[PageHeaderSize:])

	return nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Pin increments the pin count (the page is in active use somewhere).
func (p *Page) Pin() {
	p.PinCount++
}

// Unpin decrements the pin count.
func (p *Page) Unpin() {
	if p.PinCount > 0 {
		p.PinCount--
	}
}

func (p *Page) IsPinned() bool {
	return p.PinCount > 0
}

func (p *Page) MarkDirty() {
	p.IsDirty = true
}
