package docstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/bleepstore/gridstore/internal/codec"
	"github.com/bleepstore/gridstore/internal/uid"
)

// MemoryDatabase keeps every collection in process memory. It is the engine
// used by tests and by single-process deployments that accept losing data on
// restart. All operations copy documents in and out so callers never share
// state with the store.
type MemoryDatabase struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
}

// NewMemoryDatabase returns an empty MemoryDatabase.
func NewMemoryDatabase() *MemoryDatabase {
	return &MemoryDatabase{collections: make(map[string]*memCollection)}
}

type memCollection struct {
	mu      sync.RWMutex
	docs    map[string]Document
	order   []string // insertion order, used as the natural order
	indexes map[string]Index
}

func newMemCollection() *memCollection {
	return &memCollection{
		docs:    make(map[string]Document),
		indexes: make(map[string]Index),
	}
}

func (db *MemoryDatabase) data(name string) *memCollection {
	db.mu.RLock()
	c, ok := db.collections[name]
	db.mu.RUnlock()
	if ok {
		return c
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if c, ok = db.collections[name]; !ok {
		c = newMemCollection()
		db.collections[name] = c
	}
	return c
}

// Collection returns a handle on the named collection.
func (db *MemoryDatabase) Collection(name string, opts CollectionOptions) Collection {
	return &MemoryCollection{db: db, name: name, opts: opts}
}

// Ping always succeeds.
func (db *MemoryDatabase) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (db *MemoryDatabase) Close() error { return nil }

// Names returns the names of collections that have been touched.
func (db *MemoryDatabase) Names() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]string, 0, len(db.collections))
	for name := range db.collections {
		out = append(out, name)
	}
	return out
}

// MemoryCollection is a handle on one in-memory collection.
type MemoryCollection struct {
	db   *MemoryDatabase
	name string
	opts CollectionOptions
}

func (c *MemoryCollection) Name() string { return c.name }

// Options returns the concern settings of this handle.
func (c *MemoryCollection) Options() CollectionOptions { return c.opts }

func (c *MemoryCollection) Clone(opts CollectionOptions) Collection {
	return &MemoryCollection{db: c.db, name: c.name, opts: opts}
}

func (c *MemoryCollection) InsertOne(ctx context.Context, sess Session, doc Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	stored, err := prepareInsert(doc)
	if err != nil {
		return "", err
	}
	data := c.db.data(c.name)
	data.mu.Lock()
	defer data.mu.Unlock()
	if err := data.insertLocked(stored); err != nil {
		return "", err
	}
	return stored.ID(), nil
}

// prepareInsert validates doc and returns a private copy with an id.
func prepareInsert(doc Document) (Document, error) {
	if err := checkDocument(doc); err != nil {
		return nil, err
	}
	stored := normalizeDocument(doc.Clone())
	if _, ok := stored[IDField]; !ok {
		stored[IDField] = uid.New()
	}
	if _, ok := stored[IDField].(string); !ok {
		return nil, fmt.Errorf("%w: _id must be a string, got %T", ErrUnsupportedValue, stored[IDField])
	}
	return stored, nil
}

func (m *memCollection) insertLocked(doc Document) error {
	if err := m.checkInsertLocked(doc); err != nil {
		return err
	}
	m.addLocked(doc)
	return nil
}

func (m *memCollection) checkInsertLocked(doc Document) error {
	id := doc.ID()
	if _, exists := m.docs[id]; exists {
		return fmt.Errorf("%w: _id %q", ErrDuplicateKey, id)
	}
	for _, idx := range m.indexes {
		if idx.Unique && m.violatesLocked(idx, doc) {
			return fmt.Errorf("%w: index %s", ErrDuplicateKey, indexName(idx))
		}
	}
	return nil
}

func (m *memCollection) addLocked(doc Document) {
	id := doc.ID()
	m.docs[id] = doc
	m.order = append(m.order, id)
}

func (m *memCollection) violatesLocked(idx Index, doc Document) bool {
	for _, other := range m.docs {
		same := true
		for _, k := range idx.Keys {
			a, _ := Lookup(doc, k.Field)
			b, _ := Lookup(other, k.Field)
			if !sameRank(a, b) || Compare(a, b) != 0 {
				same = false
				break
			}
		}
		if same {
			return true
		}
	}
	return false
}

func (m *memCollection) snapshotLocked(f Filter, opts *FindOptions) []Document {
	candidates := make([]Document, 0, len(m.order))
	for _, id := range m.order {
		candidates = append(candidates, m.docs[id])
	}
	matched := evaluate(candidates, f, opts)
	out := make([]Document, len(matched))
	for i, d := range matched {
		out[i] = d.Clone()
	}
	return out
}

func (c *MemoryCollection) Find(ctx context.Context, sess Session, filter Filter, opts *FindOptions) (Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateFilter(filter); err != nil {
		return nil, err
	}
	data := c.db.data(c.name)
	data.mu.RLock()
	defer data.mu.RUnlock()
	return NewSliceCursor(data.snapshotLocked(filter, opts)), nil
}

func (c *MemoryCollection) DeleteMany(ctx context.Context, sess Session, filter Filter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := validateFilter(filter); err != nil {
		return 0, err
	}
	data := c.db.data(c.name)
	data.mu.Lock()
	defer data.mu.Unlock()
	return data.deleteLocked(filter), nil
}

func (m *memCollection) deleteLocked(filter Filter) int64 {
	var n int64
	kept := m.order[:0]
	for _, id := range m.order {
		if Matches(m.docs[id], filter) {
			delete(m.docs, id)
			n++
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	return n
}

func (c *MemoryCollection) UpdateOne(ctx context.Context, sess Session, filter Filter, update Update) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := validateFilter(filter); err != nil {
		return 0, err
	}
	if err := checkDocument(update.Set); err != nil {
		return 0, err
	}
	if _, ok := update.Set[IDField]; ok {
		return 0, fmt.Errorf("docstore: _id cannot be updated")
	}
	data := c.db.data(c.name)
	data.mu.Lock()
	defer data.mu.Unlock()
	_, ok := data.updateLocked(filter, update)
	if !ok {
		return 0, nil
	}
	return 1, nil
}

// matchingIDsLocked returns the ids of documents matching filter in natural
// order. A positive limit caps the result.
func (m *memCollection) matchingIDsLocked(filter Filter, limit int) []string {
	var ids []string
	for _, id := range m.order {
		if Matches(m.docs[id], filter) {
			ids = append(ids, id)
			if limit > 0 && len(ids) == limit {
				break
			}
		}
	}
	return ids
}

func (m *memCollection) removeIDsLocked(ids []string) int64 {
	var n int64
	for _, id := range ids {
		if _, ok := m.docs[id]; ok {
			delete(m.docs, id)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	kept := m.order[:0]
	for _, id := range m.order {
		if _, ok := m.docs[id]; ok {
			kept = append(kept, id)
		}
	}
	m.order = kept
	return n
}

// updateLocked applies update to the first match in natural order and
// returns the updated document's id.
func (m *memCollection) updateLocked(filter Filter, update Update) (string, bool) {
	for _, id := range m.order {
		doc := m.docs[id]
		if !Matches(doc, filter) {
			continue
		}
		for k, v := range update.Set {
			setPath(doc, k, normalizeValue(cloneValue(v)))
		}
		return id, true
	}
	return "", false
}

// setPath assigns v at a dotted path, creating intermediate documents.
func setPath(doc Document, path string, v any) {
	parts := splitPath(path)
	cur := doc
	for _, p := range parts[:len(parts)-1] {
		next, ok := SubDocument(cur[p])
		if !ok {
			next = Document{}
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
}

func (c *MemoryCollection) EnsureIndex(ctx context.Context, sess Session, idx Index) error {
	data := c.db.data(c.name)
	data.mu.Lock()
	defer data.mu.Unlock()
	data.indexes[indexName(idx)] = idx
	return nil
}

func (c *MemoryCollection) Drop(ctx context.Context, sess Session) error {
	c.db.mu.Lock()
	delete(c.db.collections, c.name)
	c.db.mu.Unlock()
	return nil
}

// Indexes returns the indexes declared on the collection.
func (c *MemoryCollection) Indexes() []Index {
	data := c.db.data(c.name)
	data.mu.RLock()
	defer data.mu.RUnlock()
	out := make([]Index, 0, len(data.indexes))
	for _, idx := range data.indexes {
		out = append(out, idx)
	}
	return out
}

// encodeBody and decodeBody convert documents to and from the CBOR bodies
// kept by the local, SQLite and DynamoDB engines.
func encodeBody(doc Document) ([]byte, error) {
	return codec.Marshal(map[string]any(doc))
}

func decodeBody(raw []byte) (Document, error) {
	var m map[string]any
	if err := codec.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decoding document body: %w", err)
	}
	return normalizeDocument(m), nil
}

// MarshalDocument encodes doc the way the engines store document bodies.
func MarshalDocument(doc Document) ([]byte, error) { return encodeBody(doc) }

// UnmarshalDocument decodes a body written by MarshalDocument into canonical
// values (int64 integers, UTC times).
func UnmarshalDocument(raw []byte) (Document, error) { return decodeBody(raw) }

var (
	_ Collection = (*MemoryCollection)(nil)
	_ Indexer    = (*MemoryCollection)(nil)
	_ Dropper    = (*MemoryCollection)(nil)
	_ Database   = (*MemoryDatabase)(nil)
)
