// Package catalog persists the directory of tables and indexes that
// the rest of the kernel resolves names through: every CREATE TABLE or
// CREATE INDEX the engine processes lands here first, on page 0.
package catalog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/mnohosten/latticedb/pkg/storage"
	"github.com/mnohosten/latticedb/pkg/types"
)

// CatalogMagicNumber identifies a page 0 written by this package:
// "LATT" in ASCII.
const CatalogMagicNumber uint32 = 0x4C415454

// CatalogVersion is the on-disk catalog format version.
const CatalogVersion uint16 = 1

// CatalogPageID is always page 0; Open allocates it when it formats a
// new catalog, so later page allocations never hand it out.
const CatalogPageID storage.PageID = 0

// headerSize is the fixed-width prefix of page 0's body, before the
// (possibly compressed, possibly chained) directory payload.
const headerSize = 4 + 2 + 16 + 4 + 4 + 1 + 4 + 4 + 4

// compressThreshold: payloads at or above this size are zstd-compressed
// before being written; small catalogs are stored raw since the zstd
// frame overhead isn't worth it below a page or so.
const compressThreshold = storage.PageSize

// Table is a persisted table definition.
type Table struct {
	OID         uint32
	Name        string
	Schema      *types.Schema
	FirstPageID storage.PageID
}

// IndexKind distinguishes the index implementations the engine
// supports; only BTreeIndex is durable across restarts in the current
// build, HashIndex exists for development/test convenience.
type IndexKind uint8

const (
	BTreeIndex IndexKind = iota
	HashIndex
)

// Index is a persisted index definition.
type Index struct {
	OID         uint32
	Name        string
	TableOID    uint32
	KeyColumn   int
	Unique      bool
	Kind        IndexKind
	RootPageID  storage.PageID
}

// Catalog is the in-memory mirror of page 0 (plus its overflow chain),
// guarded by a single RWMutex since table/index definitions change far
// less often than the rows they describe.
type Catalog struct {
	mu sync.RWMutex

	pool *storage.BufferPool

	instanceID uuid.UUID

	nextTableOID uint32
	nextIndexOID uint32

	tablesByName map[string]*Table
	tablesByOID  map[uint32]*Table

	indexesByName map[string]*Index
	indexesByOID  map[uint32]*Index

	firstOverflowPageID storage.PageID
}

// Open loads the catalog from pool's page 0, initializing a fresh one
// if the page has never been formatted.
func Open(pool *storage.BufferPool) (*Catalog, error) {
	c := &Catalog{
		pool:                pool,
		tablesByName:        make(map[string]*Table),
		tablesByOID:         make(map[uint32]*Table),
		indexesByName:       make(map[string]*Index),
		indexesByOID:        make(map[uint32]*Index),
		nextTableOID:        1,
		nextIndexOID:        1,
		firstOverflowPageID: storage.InvalidPageID,
	}

	if err := c.load(); err != nil {
		if err != ErrCatalogUninitialized {
			return nil, err
		}
		c.instanceID = uuid.New()
		// On a fresh file the pager has not handed out page 0 yet;
		// allocating it here keeps later NewPage calls off the catalog page.
		if page, err := pool.NewPage(); err != nil {
			return nil, fmt.Errorf("catalog: reserve page 0: %w", err)
		} else if err := pool.UnpinPage(page.ID, false); err != nil {
			return nil, err
		}
		if err := c.save(); err != nil {
			return nil, fmt.Errorf("catalog: initialize: %w", err)
		}
	}
	return c, nil
}

// InstanceID identifies this database file, assigned once at format
// time and persisted thereafter.
func (c *Catalog) InstanceID() uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.instanceID
}

// CreateTable registers a new table and persists the catalog.
func (c *Catalog) CreateTable(name string, schema *types.Schema, firstPageID storage.PageID) (*Table, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.tablesByName[name]; exists {
		return nil, ErrTableExists
	}

	t := &Table{
		OID:         c.nextTableOID,
		Name:        name,
		Schema:      schema,
		FirstPageID: firstPageID,
	}
	c.nextTableOID++
	c.tablesByName[name] = t
	c.tablesByOID[t.OID] = t

	if err := c.save(); err != nil {
		delete(c.tablesByName, name)
		delete(c.tablesByOID, t.OID)
		c.nextTableOID--
		return nil, err
	}
	return t, nil
}

// DropTable removes a table and every index defined over it, then
// persists the catalog.
func (c *Catalog) DropTable(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tablesByName[name]
	if !ok {
		return ErrTableNotFound
	}

	var droppedIndexes []*Index
	for _, idx := range c.indexesByOID {
		if idx.TableOID == t.OID {
			droppedIndexes = append(droppedIndexes, idx)
		}
	}
	for _, idx := range droppedIndexes {
		delete(c.indexesByName, idx.Name)
		delete(c.indexesByOID, idx.OID)
	}
	delete(c.tablesByName, name)
	delete(c.tablesByOID, t.OID)

	if err := c.save(); err != nil {
		// best effort: catalog state in memory no longer matches disk;
		// surface the error rather than silently diverging further.
		return err
	}
	return nil
}

// GetTable looks up a table by name.
func (c *Catalog) GetTable(name string) (*Table, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tablesByName[name]
	if !ok {
		return nil, ErrTableNotFound
	}
	return t, nil
}

// GetTableByOID looks up a table by its object id.
func (c *Catalog) GetTableByOID(oid uint32) (*Table, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tablesByOID[oid]
	if !ok {
		return nil, ErrTableNotFound
	}
	return t, nil
}

// ListTables returns every registered table name.
func (c *Catalog) ListTables() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.tablesByName))
	for name := range c.tablesByName {
		names = append(names, name)
	}
	return names
}

// CreateIndex registers a new index over table and persists the
// catalog.
func (c *Catalog) CreateIndex(name, table string, keyColumn int, unique bool, kind IndexKind, rootPageID storage.PageID) (*Index, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tablesByName[table]
	if !ok {
		return nil, ErrTableNotFound
	}
	if _, exists := c.indexesByName[name]; exists {
		return nil, ErrIndexExists
	}

	idx := &Index{
		OID:        c.nextIndexOID,
		Name:       name,
		TableOID:   t.OID,
		KeyColumn:  keyColumn,
		Unique:     unique,
		Kind:       kind,
		RootPageID: rootPageID,
	}
	c.nextIndexOID++
	c.indexesByName[name] = idx
	c.indexesByOID[idx.OID] = idx

	if err := c.save(); err != nil {
		delete(c.indexesByName, name)
		delete(c.indexesByOID, idx.OID)
		c.nextIndexOID--
		return nil, err
	}
	return idx, nil
}

// DropIndex removes an index and persists the catalog.
func (c *Catalog) DropIndex(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx, ok := c.indexesByName[name]
	if !ok {
		return ErrIndexNotFound
	}
	delete(c.indexesByName, name)
	delete(c.indexesByOID, idx.OID)

	return c.save()
}

// GetIndex looks up an index by name.
func (c *Catalog) GetIndex(name string) (*Index, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx, ok := c.indexesByName[name]
	if !ok {
		return nil, ErrIndexNotFound
	}
	return idx, nil
}

// IndexesForTable returns every index defined over the named table.
func (c *Catalog) IndexesForTable(table string) ([]*Index, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tablesByName[table]
	if !ok {
		return nil, ErrTableNotFound
	}
	var out []*Index
	for _, idx := range c.indexesByOID {
		if idx.TableOID == t.OID {
			out = append(out, idx)
		}
	}
	return out, nil
}

func validateName(name string) error {
	if len(name) == 0 || len(name) > 255 {
		return ErrInvalidName
	}
	for _, ch := range name {
		ok := (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') ||
			(ch >= '0' && ch <= '9') || ch == '_'
		if !ok {
			return ErrInvalidName
		}
	}
	return nil
}

// --- persistence -----------------------------------------------------

// save serializes the in-memory directory, compresses it if it's
// grown past a page, spills it across an overflow page chain if it
// still doesn't fit in page 0's remaining body, and flushes every page
// touched. Caller must hold c.mu.
func (c *Catalog) save() error {
	raw := c.marshal()

	payload := raw
	compressed := false
	if len(raw) >= compressThreshold {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return fmt.Errorf("catalog: new zstd writer: %w", err)
		}
		out := enc.EncodeAll(raw, nil)
		enc.Close()
		if len(out) < len(raw) {
			payload = out
			compressed = true
		}
	}

	page, err := c.pool.FetchPage(CatalogPageID)
	if err != nil {
		page, err = c.pool.NewPage()
		if err != nil {
			return fmt.Errorf("catalog: allocate page 0: %w", err)
		}
		if page.ID != CatalogPageID {
			return fmt.Errorf("catalog: expected page 0 to be the first allocation, got %d", page.ID)
		}
	}
	page.Type = storage.PageTypeCatalog

	body := page.Body
	firstChunk := body[headerSize:]
	n := copy(firstChunk, payload)
	remaining := payload[n:]

	touchedPages := []storage.PageID{page.ID}

	overflowHead := storage.InvalidPageID
	if len(remaining) > 0 {
		head, err := c.writeOverflowChain(remaining, &touchedPages)
		if err != nil {
			c.pool.UnpinPage(page.ID, false)
			return err
		}
		overflowHead = head
	}
	c.firstOverflowPageID = overflowHead

	binary.LittleEndian.PutUint32(body[0:4], CatalogMagicNumber)
	binary.LittleEndian.PutUint16(body[4:6], CatalogVersion)
	copy(body[6:22], c.instanceID[:])
	binary.LittleEndian.PutUint32(body[22:26], c.nextTableOID)
	binary.LittleEndian.PutUint32(body[26:30], c.nextIndexOID)
	if compressed {
		body[30] = 1
	} else {
		body[30] = 0
	}
	binary.LittleEndian.PutUint32(body[31:35], uint32(len(raw)))
	binary.LittleEndian.PutUint32(body[35:39], uint32(len(payload)))
	binary.LittleEndian.PutUint32(body[39:43], uint32(overflowHead))

	if err := c.pool.UnpinPage(page.ID, true); err != nil {
		return err
	}
	for _, id := range touchedPages {
		if id == page.ID {
			continue
		}
		if err := c.pool.FlushPage(id); err != nil {
			return err
		}
	}
	return c.pool.FlushPage(page.ID)
}

// overflowCapacity is how many payload bytes each overflow page holds,
// reserving its last 4 bytes for the next-page pointer.
func overflowCapacity() int {
	return (storage.PageSize - storage.PageHeaderSize) - 4
}

func (c *Catalog) writeOverflowChain(remaining []byte, touched *[]storage.PageID) (storage.PageID, error) {
	capBytes := overflowCapacity()
	var headID storage.PageID = storage.InvalidPageID
	var prevBody []byte
	var prevID storage.PageID

	for len(remaining) > 0 {
		page, err := c.pool.NewPage()
		if err != nil {
			return storage.InvalidPageID, fmt.Errorf("catalog: allocate overflow page: %w", err)
		}
		page.Type = storage.PageTypeOverflow
		*touched = append(*touched, page.ID)
		if headID == storage.InvalidPageID {
			headID = page.ID
		}

		chunk := remaining
		if len(chunk) > capBytes {
			chunk = chunk[:capBytes]
		}
		copy(page.Body, chunk)
		binary.LittleEndian.PutUint32(page.Body[capBytes:capBytes+4], uint32(storage.InvalidPageID))
		remaining = remaining[len(chunk):]

		if prevBody != nil {
			binary.LittleEndian.PutUint32(prevBody[capBytes:capBytes+4], uint32(page.ID))
			if err := c.pool.UnpinPage(prevID, true); err != nil {
				return storage.InvalidPageID, err
			}
		}
		prevBody = page.Body
		prevID = page.ID
	}
	if prevBody != nil {
		if err := c.pool.UnpinPage(prevID, true); err != nil {
			return storage.InvalidPageID, err
		}
	}
	return headID, nil
}

// load reads page 0 (and its overflow chain, if any), decompresses if
// needed, and unmarshals the directory. Caller must hold no lock; it
// is only called from Open before the Catalog is shared.
func (c *Catalog) load() error {
	page, err := c.pool.FetchPage(CatalogPageID)
	if err != nil {
		return fmt.Errorf("catalog: fetch page 0: %w", err)
	}
	defer c.pool.UnpinPage(CatalogPageID, false)

	body := page.Body
	magic := binary.LittleEndian.Uint32(body[0:4])
	if magic != CatalogMagicNumber {
		return ErrCatalogUninitialized
	}

	version := binary.LittleEndian.Uint16(body[4:6])
	if version != CatalogVersion {
		return fmt.Errorf("catalog: unsupported version %d", version)
	}
	copy(c.instanceID[:], body[6:22])
	c.nextTableOID = binary.LittleEndian.Uint32(body[22:26])
	c.nextIndexOID = binary.LittleEndian.Uint32(body[26:30])
	compressed := body[30] != 0
	uncompressedLen := binary.LittleEndian.Uint32(body[31:35])
	payloadLen := binary.LittleEndian.Uint32(body[35:39])
	overflowHead := storage.PageID(binary.LittleEndian.Uint32(body[39:43]))

	payload := make([]byte, 0, payloadLen)
	firstChunk := body[headerSize:]
	if uint32(len(firstChunk)) > payloadLen {
		firstChunk = firstChunk[:payloadLen]
	}
	payload = append(payload, firstChunk...)

	if overflowHead != storage.InvalidPageID {
		rest, err := c.readOverflowChain(overflowHead, int(payloadLen)-len(payload))
		if err != nil {
			return err
		}
		payload = append(payload, rest...)
	}

	raw := payload
	if compressed {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return fmt.Errorf("catalog: new zstd reader: %w", err)
		}
		defer dec.Close()
		out, err := dec.DecodeAll(payload, make([]byte, 0, uncompressedLen))
		if err != nil {
			return fmt.Errorf("catalog: decompress: %w", err)
		}
		raw = out
	}

	return c.unmarshal(raw)
}

func (c *Catalog) readOverflowChain(start storage.PageID, want int) ([]byte, error) {
	capBytes := overflowCapacity()
	out := make([]byte, 0, want)
	id := start
	for id != storage.InvalidPageID && len(out) < want {
		page, err := c.pool.FetchPage(id)
		if err != nil {
			return nil, fmt.Errorf("catalog: fetch overflow page %d: %w", id, err)
		}
		remaining := want - len(out)
		chunk := page.Body[:capBytes]
		if remaining < capBytes {
			chunk = chunk[:remaining]
		}
		out = append(out, chunk...)
		next := storage.PageID(binary.LittleEndian.Uint32(page.Body[capBytes : capBytes+4]))
		c.pool.UnpinPage(id, false)
		id = next
	}
	return out, nil
}

// marshal / unmarshal encode the directory itself: table count, each
// table's oid/name/schema/first page, then index count, each index's
// fields. Caller holds c.mu for marshal; unmarshal runs during Open
// before the catalog is shared.
func (c *Catalog) marshal() []byte {
	var buf bytes.Buffer

	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(c.tablesByOID)))
	buf.Write(tmp[:])
	for _, t := range c.tablesByOID {
		binary.LittleEndian.PutUint32(tmp[:], t.OID)
		buf.Write(tmp[:])
		writeString(&buf, t.Name)
		schemaBytes := t.Schema.Serialize()
		binary.LittleEndian.PutUint32(tmp[:], uint32(len(schemaBytes)))
		buf.Write(tmp[:])
		buf.Write(schemaBytes)
		binary.LittleEndian.PutUint32(tmp[:], uint32(t.FirstPageID))
		buf.Write(tmp[:])
	}

	binary.LittleEndian.PutUint32(tmp[:], uint32(len(c.indexesByOID)))
	buf.Write(tmp[:])
	for _, idx := range c.indexesByOID {
		binary.LittleEndian.PutUint32(tmp[:], idx.OID)
		buf.Write(tmp[:])
		writeString(&buf, idx.Name)
		binary.LittleEndian.PutUint32(tmp[:], idx.TableOID)
		buf.Write(tmp[:])
		binary.LittleEndian.PutUint32(tmp[:], uint32(idx.KeyColumn))
		buf.Write(tmp[:])
		if idx.Unique {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		buf.WriteByte(byte(idx.Kind))
		binary.LittleEndian.PutUint32(tmp[:], uint32(idx.RootPageID))
		buf.Write(tmp[:])
	}

	return buf.Bytes()
}

func (c *Catalog) unmarshal(raw []byte) error {
	off := 0
	readU32 := func() (uint32, error) {
		if off+4 > len(raw) {
			return 0, ErrCorruptCatalog
		}
		v := binary.LittleEndian.Uint32(raw[off:])
		off += 4
		return v, nil
	}
	readString := func() (string, error) {
		n, err := readU32()
		if err != nil {
			return "", err
		}
		if off+int(n) > len(raw) {
			return "", ErrCorruptCatalog
		}
		s := string(raw[off : off+int(n)])
		off += int(n)
		return s, nil
	}

	tableCount, err := readU32()
	if err != nil {
		return err
	}
	c.tablesByName = make(map[string]*Table, tableCount)
	c.tablesByOID = make(map[uint32]*Table, tableCount)
	for i := uint32(0); i < tableCount; i++ {
		oid, err := readU32()
		if err != nil {
			return err
		}
		name, err := readString()
		if err != nil {
			return err
		}
		schemaLen, err := readU32()
		if err != nil {
			return err
		}
		if off+int(schemaLen) > len(raw) {
			return ErrCorruptCatalog
		}
		schema, _, err := types.DeserializeSchema(raw[off : off+int(schemaLen)])
		if err != nil {
			return err
		}
		off += int(schemaLen)
		firstPageID, err := readU32()
		if err != nil {
			return err
		}
		t := &Table{OID: oid, Name: name, Schema: schema, FirstPageID: storage.PageID(firstPageID)}
		c.tablesByName[name] = t
		c.tablesByOID[oid] = t
	}

	indexCount, err := readU32()
	if err != nil {
		return err
	}
	c.indexesByName = make(map[string]*Index, indexCount)
	c.indexesByOID = make(map[uint32]*Index, indexCount)
	for i := uint32(0); i < indexCount; i++ {
		oid, err := readU32()
		if err != nil {
			return err
		}
		name, err := readString()
		if err != nil {
			return err
		}
		tableOID, err := readU32()
		if err != nil {
			return err
		}
		keyColumn, err := readU32()
		if err != nil {
			return err
		}
		if off+2 > len(raw) {
			return ErrCorruptCatalog
		}
		unique := raw[off] != 0
		off++
		kind := IndexKind(raw[off])
		off++
		rootPageID, err := readU32()
		if err != nil {
			return err
		}
		idx := &Index{
			OID:        oid,
			Name:       name,
			TableOID:   tableOID,
			KeyColumn:  int(keyColumn),
			Unique:     unique,
			Kind:       kind,
			RootPageID: storage.PageID(rootPageID),
		}
		c.indexesByName[name] = idx
		c.indexesByOID[oid] = idx
	}

	return nil
}

func writeString(buf *bytes.Buffer, s string) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(s)))
	buf.Write(tmp[:])
	buf.WriteString(s)
}
