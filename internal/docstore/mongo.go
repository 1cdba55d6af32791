package docstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

// MongoOptions configures the MongoDB engine.
type MongoOptions struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
}

// MongoDatabase is the native engine: every operation maps one-to-one onto
// a driver call, and concern settings and sessions are honoured by the
// server.
type MongoDatabase struct {
	client *mongo.Client
	db     *mongo.Database
}

// OpenMongo connects to the deployment at opts.URI and verifies it with a
// ping.
func OpenMongo(ctx context.Context, opts MongoOptions) (*MongoDatabase, error) {
	if opts.Database == "" {
		return nil, fmt.Errorf("mongo database name is required")
	}
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	clientOpts := options.Client().ApplyURI(opts.URI).SetConnectTimeout(timeout)
	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("pinging mongo: %w", err)
	}
	return &MongoDatabase{client: client, db: client.Database(opts.Database)}, nil
}

func (m *MongoDatabase) Collection(name string, opts CollectionOptions) Collection {
	return &MongoCollection{m: m, name: name, opts: opts, coll: m.db.Collection(name, mongoCollectionOptions(opts))}
}

func (m *MongoDatabase) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

func (m *MongoDatabase) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

// mongoSession adapts a driver session to Session.
type mongoSession struct {
	s mongo.Session
}

func (s *mongoSession) EndSession(ctx context.Context) { s.s.EndSession(ctx) }

// StartSession starts a causally consistent session.
func (m *MongoDatabase) StartSession(ctx context.Context) (Session, error) {
	s, err := m.client.StartSession(options.Session().SetCausalConsistency(true))
	if err != nil {
		return nil, fmt.Errorf("starting mongo session: %w", err)
	}
	return &mongoSession{s: s}, nil
}

// withSession binds sess to ctx when it was issued by this engine. Sessions
// from other engines are ignored.
func withSession(ctx context.Context, sess Session) context.Context {
	if ms, ok := sess.(*mongoSession); ok && ms != nil {
		return mongo.NewSessionContext(ctx, ms.s)
	}
	return ctx
}

func mongoWriteConcern(wc WriteConcern) *writeconcern.WriteConcern {
	if wc.IsZero() {
		return nil
	}
	out := &writeconcern.WriteConcern{Journal: wc.Journal, WTimeout: wc.WTimeout}
	if wc.W != "" {
		if n, err := strconv.Atoi(wc.W); err == nil {
			out.W = n
		} else {
			out.W = wc.W
		}
	}
	return out
}

func mongoCollectionOptions(opts CollectionOptions) *options.CollectionOptions {
	co := options.Collection()
	if wc := mongoWriteConcern(opts.WriteConcern); wc != nil {
		co.SetWriteConcern(wc)
	}
	if opts.ReadConcern.Level != "" {
		co.SetReadConcern(&readconcern.ReadConcern{Level: opts.ReadConcern.Level})
	}
	if opts.ReadPreference.Mode != "" {
		if mode, err := readpref.ModeFromString(opts.ReadPreference.Mode); err == nil {
			var rpOpts []readpref.Option
			if opts.ReadPreference.MaxStaleness > 0 {
				rpOpts = append(rpOpts, readpref.WithMaxStaleness(opts.ReadPreference.MaxStaleness))
			}
			if rp, err := readpref.New(mode, rpOpts...); err == nil {
				co.SetReadPreference(rp)
			}
		}
	}
	return co
}

// MongoCollection is a handle on one MongoDB collection.
type MongoCollection struct {
	m    *MongoDatabase
	name string
	opts CollectionOptions
	coll *mongo.Collection
}

func (c *MongoCollection) Name() string { return c.name }

func (c *MongoCollection) Clone(opts CollectionOptions) Collection {
	return c.m.Collection(c.name, opts)
}

// mongoFilter translates f into a query document.
func mongoFilter(f Filter) bson.D {
	if len(f) == 0 {
		return bson.D{}
	}
	clauses := make(bson.A, 0, len(f))
	for _, cond := range f {
		op := cond.Op
		if op == "" {
			op = OpEq
		}
		clauses = append(clauses, bson.D{{Key: cond.Field, Value: bson.D{{Key: string(op), Value: plainValue(cond.Value)}}}})
	}
	if len(clauses) == 1 {
		return clauses[0].(bson.D)
	}
	return bson.D{{Key: "$and", Value: clauses}}
}

func mongoSort(keys []SortField) bson.D {
	out := make(bson.D, 0, len(keys))
	for _, k := range keys {
		dir := 1
		if k.Desc {
			dir = -1
		}
		out = append(out, bson.E{Key: k.Field, Value: dir})
	}
	return out
}

// fromBSON maps driver values onto the supported value set.
func fromBSON(v any) any {
	switch x := v.(type) {
	case primitive.D:
		out := make(Document, len(x))
		for _, e := range x {
			out[e.Key] = fromBSON(e.Value)
		}
		return out
	case primitive.M:
		out := make(Document, len(x))
		for k, e := range x {
			out[k] = fromBSON(e)
		}
		return out
	case map[string]any:
		out := make(Document, len(x))
		for k, e := range x {
			out[k] = fromBSON(e)
		}
		return out
	case primitive.A:
		out := make([]any, len(x))
		for i := range x {
			out[i] = fromBSON(x[i])
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = fromBSON(x[i])
		}
		return out
	case primitive.Binary:
		return x.Data
	case primitive.DateTime:
		return x.Time().UTC()
	case primitive.ObjectID:
		return x.Hex()
	case int32:
		return int64(x)
	case time.Time:
		return x.UTC()
	}
	return v
}

func fromBSONDocument(m bson.M) Document {
	doc, _ := fromBSON(m).(Document)
	return doc
}

func (c *MongoCollection) InsertOne(ctx context.Context, sess Session, doc Document) (string, error) {
	stored, err := prepareInsert(doc)
	if err != nil {
		return "", err
	}
	if _, err := c.coll.InsertOne(withSession(ctx, sess), plainMap(stored)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return "", fmt.Errorf("%w: %v", ErrDuplicateKey, err)
		}
		return "", err
	}
	return stored.ID(), nil
}

func (c *MongoCollection) Find(ctx context.Context, sess Session, filter Filter, opts *FindOptions) (Cursor, error) {
	if err := validateFilter(filter); err != nil {
		return nil, err
	}
	fo := options.Find()
	if opts != nil {
		if len(opts.Sort) > 0 {
			fo.SetSort(mongoSort(opts.Sort))
		}
		if opts.Skip > 0 {
			fo.SetSkip(opts.Skip)
		}
		if opts.Limit > 0 {
			fo.SetLimit(opts.Limit)
		}
		if opts.BatchSize > 0 {
			fo.SetBatchSize(opts.BatchSize)
		}
	}
	sctx := withSession(ctx, sess)
	cur, err := c.coll.Find(sctx, mongoFilter(filter), fo)
	if err != nil {
		return nil, err
	}
	return &mongoCursor{cur: cur, sess: sess}, nil
}

// mongoCursor streams results from a driver cursor.
type mongoCursor struct {
	cur  *mongo.Cursor
	sess Session
	doc  Document
	err  error
}

func (c *mongoCursor) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	if !c.cur.Next(withSession(ctx, c.sess)) {
		c.err = c.cur.Err()
		return false
	}
	var m bson.M
	if err := c.cur.Decode(&m); err != nil {
		c.err = err
		return false
	}
	c.doc = fromBSONDocument(m)
	return true
}

func (c *mongoCursor) Document() Document { return c.doc }

func (c *mongoCursor) Err() error { return c.err }

func (c *mongoCursor) Close(ctx context.Context) error { return c.cur.Close(ctx) }

func (c *MongoCollection) DeleteMany(ctx context.Context, sess Session, filter Filter) (int64, error) {
	if err := validateFilter(filter); err != nil {
		return 0, err
	}
	res, err := c.coll.DeleteMany(withSession(ctx, sess), mongoFilter(filter))
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (c *MongoCollection) UpdateOne(ctx context.Context, sess Session, filter Filter, update Update) (int64, error) {
	if err := validateFilter(filter); err != nil {
		return 0, err
	}
	if err := checkDocument(update.Set); err != nil {
		return 0, err
	}
	if _, ok := update.Set[IDField]; ok {
		return 0, fmt.Errorf("docstore: _id cannot be updated")
	}
	res, err := c.coll.UpdateOne(withSession(ctx, sess), mongoFilter(filter),
		bson.D{{Key: "$set", Value: plainMap(update.Set)}})
	if err != nil {
		return 0, err
	}
	return res.MatchedCount, nil
}

func (c *MongoCollection) EnsureIndex(ctx context.Context, sess Session, idx Index) error {
	model := mongo.IndexModel{
		Keys:    mongoSort(idx.Keys),
		Options: options.Index().SetName(indexName(idx)).SetUnique(idx.Unique),
	}
	_, err := c.coll.Indexes().CreateOne(withSession(ctx, sess), model)
	return err
}

func (c *MongoCollection) Drop(ctx context.Context, sess Session) error {
	return c.coll.Drop(withSession(ctx, sess))
}

var (
	_ Collection     = (*MongoCollection)(nil)
	_ Indexer        = (*MongoCollection)(nil)
	_ Dropper        = (*MongoCollection)(nil)
	_ Database       = (*MongoDatabase)(nil)
	_ SessionStarter = (*MongoDatabase)(nil)
)
