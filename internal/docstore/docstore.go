// Package docstore defines the document-collection capability the GridStore
// engine consumes, and the engines that provide it: in-memory, a local
// append-only log, SQLite, MongoDB, DynamoDB, Firestore and Cosmos DB.
//
// Documents are map[string]any values. Supported value types are string,
// bool, int32, int64, float64, time.Time, []byte, nested Document and []any.
// Every document carries a string "_id".
package docstore

import (
	"context"
	"errors"
	"io"
	"time"
)

// IDField is the primary-key field of every document.
const IDField = "_id"

// Document is a single record.
type Document map[string]any

// Clone returns a deep copy of d.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

// ID returns the document's "_id" as a string.
func (d Document) ID() string {
	s, _ := d[IDField].(string)
	return s
}

// Op is a comparison operator used in a filter condition.
type Op string

const (
	OpEq  Op = "$eq"
	OpNe  Op = "$ne"
	OpGt  Op = "$gt"
	OpGte Op = "$gte"
	OpLt  Op = "$lt"
	OpLte Op = "$lte"
)

// Cond is one comparison against a field. Field may be a dotted path into
// nested documents ("metadata.owner").
type Cond struct {
	Field string
	Op    Op
	Value any
}

// Filter is a conjunction of conditions. An empty filter matches every
// document.
type Filter []Cond

// Eq returns a filter matching documents whose field equals v.
func Eq(field string, v any) Filter { return Filter{{Field: field, Op: OpEq, Value: v}} }

// And returns f extended with an extra condition.
func (f Filter) And(field string, op Op, v any) Filter {
	out := make(Filter, len(f), len(f)+1)
	copy(out, f)
	return append(out, Cond{Field: field, Op: op, Value: v})
}

// SortField orders results by one field.
type SortField struct {
	Field string
	Desc  bool
}

// Asc and Desc build sort fields.
func Asc(field string) SortField  { return SortField{Field: field} }
func Desc(field string) SortField { return SortField{Field: field, Desc: true} }

// FindOptions controls ordering and paging of a Find.
type FindOptions struct {
	Sort      []SortField
	Skip      int64
	Limit     int64
	BatchSize int32
}

// Update describes a partial update. Only field assignment is supported.
type Update struct {
	Set Document
}

// WriteConcern is the acknowledgement level requested for writes. Empty
// fields leave the engine default in place.
type WriteConcern struct {
	// W is the number of acknowledging nodes or a tag such as "majority".
	W        string
	Journal  *bool
	WTimeout time.Duration
}

// IsZero reports whether no field is set.
func (w WriteConcern) IsZero() bool { return w.W == "" && w.Journal == nil && w.WTimeout == 0 }

// ReadConcern is the isolation level requested for reads ("local",
// "majority", "linearizable", "snapshot", "available").
type ReadConcern struct {
	Level string
}

// ReadPreference selects which replicas may serve reads ("primary",
// "primaryPreferred", "secondary", "secondaryPreferred", "nearest").
type ReadPreference struct {
	Mode         string
	MaxStaleness time.Duration
}

// CollectionOptions are the per-handle concern settings.
type CollectionOptions struct {
	WriteConcern   WriteConcern
	ReadConcern    ReadConcern
	ReadPreference ReadPreference
}

// StrongReads reports whether reads through these options must observe every
// acknowledged write. Engines without replica selection use it to choose
// between eventually and strongly consistent reads.
func (o CollectionOptions) StrongReads() bool {
	switch o.ReadConcern.Level {
	case "majority", "linearizable", "snapshot":
		return true
	}
	return o.ReadPreference.Mode == "primary"
}

// Session is an opaque causal-consistency token. The engine that issued it
// is the only one that interprets it; every other layer forwards it
// unchanged. A nil Session means "no session".
type Session interface {
	EndSession(ctx context.Context)
}

// Cursor iterates lazily over query results.
type Cursor interface {
	// Next advances to the next document, returning false when the results
	// are exhausted or an error occurred.
	Next(ctx context.Context) bool
	// Document returns the current document. The caller owns the value.
	Document() Document
	// Err returns the error that stopped iteration, if any.
	Err() error
	// Close releases the cursor's resources.
	Close(ctx context.Context) error
}

// Collection is a handle on one named collection with fixed concern settings.
// Implementations must be safe for concurrent use.
type Collection interface {
	// Name returns the collection name.
	Name() string

	// InsertOne stores doc. When doc has no "_id" one is generated. The
	// stored id is returned. Inserting an existing id fails with
	// ErrDuplicateKey.
	InsertOne(ctx context.Context, sess Session, doc Document) (string, error)

	// Find returns the documents matching filter.
	Find(ctx context.Context, sess Session, filter Filter, opts *FindOptions) (Cursor, error)

	// DeleteMany removes every document matching filter and returns how
	// many were removed.
	DeleteMany(ctx context.Context, sess Session, filter Filter) (int64, error)

	// UpdateOne applies update to the first document matching filter and
	// returns the number of matched documents (0 or 1).
	UpdateOne(ctx context.Context, sess Session, filter Filter, update Update) (int64, error)

	// Clone returns a handle on the same collection with different
	// concern settings.
	Clone(opts CollectionOptions) Collection
}

// Database hands out collection handles.
type Database interface {
	io.Closer

	// Collection returns a handle on the named collection.
	Collection(name string, opts CollectionOptions) Collection

	// Ping checks connectivity to the engine.
	Ping(ctx context.Context) error
}

// Index describes a secondary index.
type Index struct {
	Name   string
	Keys   []SortField
	Unique bool
}

// Indexer is an optional interface for collections that support secondary
// indexes. EnsureIndex is idempotent.
type Indexer interface {
	EnsureIndex(ctx context.Context, sess Session, idx Index) error
}

// Dropper is an optional interface for collections that can be removed in a
// single operation.
type Dropper interface {
	Drop(ctx context.Context, sess Session) error
}

// SessionStarter is an optional interface for databases that issue causal
// sessions.
type SessionStarter interface {
	StartSession(ctx context.Context) (Session, error)
}

var (
	// ErrDuplicateKey is returned when an insert violates a unique key.
	ErrDuplicateKey = errors.New("docstore: duplicate key")

	// ErrUnsupportedValue is returned for values outside the supported set.
	ErrUnsupportedValue = errors.New("docstore: unsupported value type")
)

// All drains cur into a slice and closes it.
func All(ctx context.Context, cur Cursor) ([]Document, error) {
	defer cur.Close(ctx)
	var out []Document
	for cur.Next(ctx) {
		out = append(out, cur.Document())
	}
	return out, cur.Err()
}

// indexName derives a stable index name from its keys.
func indexName(idx Index) string {
	if idx.Name != "" {
		return idx.Name
	}
	name := ""
	for i, k := range idx.Keys {
		if i > 0 {
			name += "_"
		}
		dir := "1"
		if k.Desc {
			dir = "-1"
		}
		name += k.Field + "_" + dir
	}
	return name
}
