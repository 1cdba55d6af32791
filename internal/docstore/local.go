package docstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/bleepstore/gridstore/internal/codec"
)

const logSuffix = ".log"

// LocalOptions configures the local append-log engine.
type LocalOptions struct {
	RootDir          string
	CompactOnStartup bool
	// Sync forces an fsync after every appended entry.
	Sync bool
}

// logEntry is one record of a collection log. Exactly one of the payload
// fields is set, depending on Op.
type logEntry struct {
	Op    string         `cbor:"op"`
	Doc   map[string]any `cbor:"doc,omitempty"`
	IDs   []string       `cbor:"ids,omitempty"`
	ID    string         `cbor:"id,omitempty"`
	Set   map[string]any `cbor:"set,omitempty"`
	Index *Index         `cbor:"index,omitempty"`
}

const (
	logInsert = "insert"
	logDelete = "delete"
	logUpdate = "update"
	logIndex  = "index"
)

// LocalDatabase persists every collection as an append-only CBOR log under
// RootDir and serves reads from an in-memory replica rebuilt at startup.
// Mutations are appended to the log before they are applied in memory, so a
// crash never leaves memory ahead of disk. A partially written final entry
// is truncated away on the next open.
type LocalDatabase struct {
	mem     *MemoryDatabase
	rootDir string
	sync    bool
}

// OpenLocal opens (or creates) a local database.
func OpenLocal(opts LocalOptions) (*LocalDatabase, error) {
	if opts.RootDir == "" {
		opts.RootDir = "./data/docstore"
	}
	if err := os.MkdirAll(opts.RootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating docstore directory: %w", err)
	}
	db := &LocalDatabase{
		mem:     NewMemoryDatabase(),
		rootDir: opts.RootDir,
		sync:    opts.Sync,
	}
	if err := db.loadAll(); err != nil {
		return nil, fmt.Errorf("loading docstore logs: %w", err)
	}
	if opts.CompactOnStartup {
		if err := db.Compact(); err != nil {
			return nil, fmt.Errorf("compacting docstore logs: %w", err)
		}
	}
	return db, nil
}

func (db *LocalDatabase) logPath(collection string) string {
	return filepath.Join(db.rootDir, url.PathEscape(collection)+logSuffix)
}

func (db *LocalDatabase) loadAll() error {
	entries, err := os.ReadDir(db.rootDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), logSuffix) {
			continue
		}
		name, err := url.PathUnescape(strings.TrimSuffix(e.Name(), logSuffix))
		if err != nil {
			slog.Warn("Skipping unrecognised docstore log", "file", e.Name())
			continue
		}
		if err := db.replay(name); err != nil {
			return fmt.Errorf("replaying %s: %w", e.Name(), err)
		}
	}
	return nil
}

func (db *LocalDatabase) replay(collection string) error {
	path := db.logPath(collection)
	f, err := os.Open(path)
	if err != nil {
		return err
	}

	data := db.mem.data(collection)
	data.mu.Lock()
	defer data.mu.Unlock()

	dec := codec.NewDecoder(f)
	valid := 0
	var torn error
	for {
		var entry logEntry
		err := dec.Decode(&entry)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			torn = err
			break
		}
		valid = dec.NumBytesRead()
		data.applyLocked(entry)
	}
	f.Close()

	if torn != nil {
		slog.Warn("Truncating torn docstore log tail",
			"collection", collection, "offset", valid, "error", torn)
		if err := os.Truncate(path, int64(valid)); err != nil {
			return err
		}
	}
	return nil
}

func (m *memCollection) applyLocked(e logEntry) {
	switch e.Op {
	case logInsert:
		doc := normalizeDocument(e.Doc)
		if _, exists := m.docs[doc.ID()]; !exists {
			m.addLocked(doc)
		}
	case logDelete:
		m.removeIDsLocked(e.IDs)
	case logUpdate:
		m.updateLocked(Eq(IDField, e.ID), Update{Set: normalizeDocument(e.Set)})
	case logIndex:
		if e.Index != nil {
			m.indexes[indexName(*e.Index)] = *e.Index
		}
	}
}

func (db *LocalDatabase) appendEntry(collection string, entry logEntry) error {
	f, err := os.OpenFile(db.logPath(collection), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	raw, err := codec.Marshal(entry)
	if err != nil {
		return err
	}
	if _, err := f.Write(raw); err != nil {
		return err
	}
	if db.sync {
		return f.Sync()
	}
	return nil
}

// Compact rewrites every collection log so it holds only the live documents
// and index declarations.
func (db *LocalDatabase) Compact() error {
	for _, name := range db.mem.Names() {
		data := db.mem.data(name)
		data.mu.Lock()
		err := db.writeCompactFile(name, func(enc *codec.Encoder) error {
			for _, idx := range data.indexes {
				idx := idx
				if err := enc.Encode(logEntry{Op: logIndex, Index: &idx}); err != nil {
					return err
				}
			}
			for _, id := range data.order {
				if err := enc.Encode(logEntry{Op: logInsert, Doc: data.docs[id]}); err != nil {
					return err
				}
			}
			return nil
		})
		data.mu.Unlock()
		if err != nil {
			return fmt.Errorf("compacting %s: %w", name, err)
		}
	}
	return nil
}

// writeCompactFile writes a replacement log to a temp file and renames it
// into place.
func (db *LocalDatabase) writeCompactFile(collection string, write func(*codec.Encoder) error) error {
	path := db.logPath(collection)
	tmpPath := path + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	if err := write(codec.NewEncoder(f)); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	f.Close()
	return os.Rename(tmpPath, path)
}

func (db *LocalDatabase) Collection(name string, opts CollectionOptions) Collection {
	return &LocalCollection{db: db, name: name, opts: opts}
}

func (db *LocalDatabase) Ping(ctx context.Context) error {
	_, err := os.Stat(db.rootDir)
	return err
}

func (db *LocalDatabase) Close() error { return nil }

// LocalCollection is a handle on one logged collection.
type LocalCollection struct {
	db   *LocalDatabase
	name string
	opts CollectionOptions
}

func (c *LocalCollection) Name() string { return c.name }

func (c *LocalCollection) Clone(opts CollectionOptions) Collection {
	return &LocalCollection{db: c.db, name: c.name, opts: opts}
}

func (c *LocalCollection) InsertOne(ctx context.Context, sess Session, doc Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	stored, err := prepareInsert(doc)
	if err != nil {
		return "", err
	}
	data := c.db.mem.data(c.name)
	data.mu.Lock()
	defer data.mu.Unlock()
	if err := data.checkInsertLocked(stored); err != nil {
		return "", err
	}
	if err := c.db.appendEntry(c.name, logEntry{Op: logInsert, Doc: stored}); err != nil {
		return "", fmt.Errorf("appending insert: %w", err)
	}
	data.addLocked(stored)
	return stored.ID(), nil
}

func (c *LocalCollection) Find(ctx context.Context, sess Session, filter Filter, opts *FindOptions) (Cursor, error) {
	return c.db.mem.Collection(c.name, c.opts).Find(ctx, sess, filter, opts)
}

func (c *LocalCollection) DeleteMany(ctx context.Context, sess Session, filter Filter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := validateFilter(filter); err != nil {
		return 0, err
	}
	data := c.db.mem.data(c.name)
	data.mu.Lock()
	defer data.mu.Unlock()
	ids := data.matchingIDsLocked(filter, 0)
	if len(ids) == 0 {
		return 0, nil
	}
	if err := c.db.appendEntry(c.name, logEntry{Op: logDelete, IDs: ids}); err != nil {
		return 0, fmt.Errorf("appending delete: %w", err)
	}
	return data.removeIDsLocked(ids), nil
}

func (c *LocalCollection) UpdateOne(ctx context.Context, sess Session, filter Filter, update Update) (int64, error) {
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
	data := c.db.mem.data(c.name)
	data.mu.Lock()
	defer data.mu.Unlock()
	ids := data.matchingIDsLocked(filter, 1)
	if len(ids) == 0 {
		return 0, nil
	}
	set := normalizeDocument(update.Set)
	if err := c.db.appendEntry(c.name, logEntry{Op: logUpdate, ID: ids[0], Set: set}); err != nil {
		return 0, fmt.Errorf("appending update: %w", err)
	}
	data.updateLocked(Eq(IDField, ids[0]), Update{Set: set})
	return 1, nil
}

func (c *LocalCollection) EnsureIndex(ctx context.Context, sess Session, idx Index) error {
	data := c.db.mem.data(c.name)
	data.mu.Lock()
	defer data.mu.Unlock()
	name := indexName(idx)
	if _, ok := data.indexes[name]; ok {
		return nil
	}
	if err := c.db.appendEntry(c.name, logEntry{Op: logIndex, Index: &idx}); err != nil {
		return fmt.Errorf("appending index: %w", err)
	}
	data.indexes[name] = idx
	return nil
}

// Drop removes the collection's log and its in-memory replica.
func (c *LocalCollection) Drop(ctx context.Context, sess Session) error {
	data := c.db.mem.data(c.name)
	data.mu.Lock()
	defer data.mu.Unlock()
	if err := os.Remove(c.db.logPath(c.name)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return c.db.mem.Collection(c.name, c.opts).(*MemoryCollection).Drop(ctx, sess)
}

var (
	_ Collection = (*LocalCollection)(nil)
	_ Indexer    = (*LocalCollection)(nil)
	_ Dropper    = (*LocalCollection)(nil)
	_ Database   = (*LocalDatabase)(nil)
)
