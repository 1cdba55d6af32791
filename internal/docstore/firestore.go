package docstore

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// firestoreBatchLimit is the maximum number of writes in one batch.
const firestoreBatchLimit = 500

// FirestoreOptions configures the Firestore engine.
type FirestoreOptions struct {
	ProjectID       string
	CredentialsFile string
	// Root is the top-level collection; each docstore collection lives under
	// Root/<name>/documents.
	Root string
}

// FirestoreDatabase maps documents directly onto Firestore documents, whose
// value model covers every supported type. Queries are pushed down natively.
// Composite indexes for multi-field queries (chunks by files_id and n,
// files by filename and uploadDate) must be deployed with the project's
// index configuration; the client library cannot create them.
type FirestoreDatabase struct {
	client *firestore.Client
	root   string
}

// OpenFirestore creates a Firestore client.
func OpenFirestore(ctx context.Context, opts FirestoreOptions) (*FirestoreDatabase, error) {
	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	client, err := firestore.NewClient(ctx, opts.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}
	root := opts.Root
	if root == "" {
		root = "gridstore"
	}
	return &FirestoreDatabase{client: client, root: root}, nil
}

func (f *FirestoreDatabase) Collection(name string, opts CollectionOptions) Collection {
	return &FirestoreCollection{f: f, name: name, opts: opts}
}

func (f *FirestoreDatabase) Ping(ctx context.Context) error {
	_, err := f.client.Collection(f.root).Limit(1).Documents(ctx).Next()
	if err != nil && err != iterator.Done {
		return err
	}
	return nil
}

func (f *FirestoreDatabase) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

// FirestoreCollection is a handle on one subcollection.
type FirestoreCollection struct {
	f    *FirestoreDatabase
	name string
	opts CollectionOptions
}

func (c *FirestoreCollection) Name() string { return c.name }

func (c *FirestoreCollection) Clone(opts CollectionOptions) Collection {
	return &FirestoreCollection{f: c.f, name: c.name, opts: opts}
}

func (c *FirestoreCollection) ref() *firestore.CollectionRef {
	return c.f.client.Collection(c.f.root).Doc(c.name).Collection("documents")
}

// plainValue strips the Document type so the Firestore encoder sees plain
// maps.
func plainValue(v any) any {
	switch x := v.(type) {
	case Document:
		return plainMap(x)
	case map[string]any:
		return plainMap(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = plainValue(x[i])
		}
		return out
	}
	return v
}

func plainMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = plainValue(v)
	}
	return out
}

var firestoreOps = map[Op]string{
	OpEq:  "==",
	"":    "==",
	OpNe:  "!=",
	OpGt:  ">",
	OpGte: ">=",
	OpLt:  "<",
	OpLte: "<=",
}

func (c *FirestoreCollection) InsertOne(ctx context.Context, sess Session, doc Document) (string, error) {
	stored, err := prepareInsert(doc)
	if err != nil {
		return "", err
	}
	_, err = c.ref().Doc(stored.ID()).Create(ctx, plainMap(stored))
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return "", fmt.Errorf("%w: _id %q", ErrDuplicateKey, stored.ID())
		}
		return "", fmt.Errorf("creating document: %w", err)
	}
	return stored.ID(), nil
}

func (c *FirestoreCollection) query(filter Filter, opts *FindOptions) firestore.Query {
	q := c.ref().Query
	for _, cond := range filter {
		q = q.Where(cond.Field, firestoreOps[cond.Op], plainValue(cond.Value))
	}
	if opts == nil {
		return q
	}
	for _, k := range opts.Sort {
		dir := firestore.Asc
		if k.Desc {
			dir = firestore.Desc
		}
		q = q.OrderBy(k.Field, dir)
	}
	if opts.Skip > 0 {
		q = q.Offset(int(opts.Skip))
	}
	if opts.Limit > 0 {
		q = q.Limit(int(opts.Limit))
	}
	return q
}

func (c *FirestoreCollection) Find(ctx context.Context, sess Session, filter Filter, opts *FindOptions) (Cursor, error) {
	if err := validateFilter(filter); err != nil {
		return nil, err
	}
	return &firestoreCursor{it: c.query(filter, opts).Documents(ctx)}, nil
}

// firestoreCursor pages through a query lazily.
type firestoreCursor struct {
	it  *firestore.DocumentIterator
	cur Document
	err error
}

func (c *firestoreCursor) Next(ctx context.Context) bool {
	if c.err != nil || c.it == nil {
		return false
	}
	snap, err := c.it.Next()
	if err == iterator.Done {
		return false
	}
	if err != nil {
		c.err = err
		return false
	}
	c.cur = normalizeDocument(snap.Data())
	return true
}

func (c *firestoreCursor) Document() Document { return c.cur }

func (c *firestoreCursor) Err() error { return c.err }

func (c *firestoreCursor) Close(ctx context.Context) error {
	if c.it != nil {
		c.it.Stop()
		c.it = nil
	}
	return nil
}

func (c *FirestoreCollection) refs(ctx context.Context, filter Filter, limit int) ([]*firestore.DocumentRef, error) {
	q := c.query(filter, nil)
	if limit > 0 {
		q = q.Limit(limit)
	}
	it := q.Documents(ctx)
	defer it.Stop()
	var refs []*firestore.DocumentRef
	for {
		snap, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		refs = append(refs, snap.Ref)
	}
	return refs, nil
}

func (c *FirestoreCollection) deleteRefs(ctx context.Context, refs []*firestore.DocumentRef) error {
	for i := 0; i < len(refs); i += firestoreBatchLimit {
		end := i + firestoreBatchLimit
		if end > len(refs) {
			end = len(refs)
		}
		batch := c.f.client.Batch()
		for _, ref := range refs[i:end] {
			batch.Delete(ref)
		}
		if _, err := batch.Commit(ctx); err != nil {
			return fmt.Errorf("deleting documents: %w", err)
		}
	}
	return nil
}

func (c *FirestoreCollection) DeleteMany(ctx context.Context, sess Session, filter Filter) (int64, error) {
	if err := validateFilter(filter); err != nil {
		return 0, err
	}
	refs, err := c.refs(ctx, filter, 0)
	if err != nil {
		return 0, err
	}
	if err := c.deleteRefs(ctx, refs); err != nil {
		return 0, err
	}
	return int64(len(refs)), nil
}

func (c *FirestoreCollection) UpdateOne(ctx context.Context, sess Session, filter Filter, update Update) (int64, error) {
	if err := validateFilter(filter); err != nil {
		return 0, err
	}
	if err := checkDocument(update.Set); err != nil {
		return 0, err
	}
	if _, ok := update.Set[IDField]; ok {
		return 0, fmt.Errorf("docstore: _id cannot be updated")
	}
	refs, err := c.refs(ctx, filter, 1)
	if err != nil {
		return 0, err
	}
	if len(refs) == 0 {
		return 0, nil
	}
	updates := make([]firestore.Update, 0, len(update.Set))
	for k, v := range update.Set {
		updates = append(updates, firestore.Update{Path: k, Value: plainValue(v)})
	}
	if _, err := refs[0].Update(ctx, updates); err != nil {
		if status.Code(err) == codes.NotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("updating document: %w", err)
	}
	return 1, nil
}

// Drop deletes every document of the subcollection.
func (c *FirestoreCollection) Drop(ctx context.Context, sess Session) error {
	refs, err := c.refs(ctx, nil, 0)
	if err != nil {
		return err
	}
	return c.deleteRefs(ctx, refs)
}

var (
	_ Collection = (*FirestoreCollection)(nil)
	_ Dropper    = (*FirestoreCollection)(nil)
	_ Database   = (*FirestoreDatabase)(nil)
)
