package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteDatabase stores every collection in a single SQLite table. Each row
// keeps the document twice: a CBOR body that round-trips every value exactly,
// and a JSON projection of the same document that filters, sorts and
// expression indexes are evaluated against.
type SQLiteDatabase struct {
	db *sql.DB
}

// OpenSQLite opens the database at dsn and initializes the schema.
func OpenSQLite(dsn string) (*SQLiteDatabase, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite database: %w", err)
	}
	// A single writer avoids SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)

	s := &SQLiteDatabase{db: db}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite database: %w", err)
	}
	return s, nil
}

// initDB applies PRAGMAs and creates the tables. It is idempotent.
func (s *SQLiteDatabase) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS documents (
			seq    INTEGER PRIMARY KEY AUTOINCREMENT,
			coll   TEXT NOT NULL,
			id     TEXT NOT NULL,
			fields TEXT NOT NULL,
			body   BLOB NOT NULL,

			UNIQUE (coll, id)
		);

		CREATE TABLE IF NOT EXISTS collection_indexes (
			coll       TEXT NOT NULL,
			name       TEXT NOT NULL,
			sql_name   TEXT NOT NULL,

			PRIMARY KEY (coll, name)
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) Collection(name string, opts CollectionOptions) Collection {
	return &SQLiteCollection{s: s, name: name, opts: opts}
}

func (s *SQLiteDatabase) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteDatabase) Close() error {
	return s.db.Close()
}

// SQLiteCollection is a handle on the rows of one collection.
type SQLiteCollection struct {
	s    *SQLiteDatabase
	name string
	opts CollectionOptions
}

func (c *SQLiteCollection) Name() string { return c.name }

func (c *SQLiteCollection) Clone(opts CollectionOptions) Collection {
	return &SQLiteCollection{s: c.s, name: c.name, opts: opts}
}

func (c *SQLiteCollection) InsertOne(ctx context.Context, sess Session, doc Document) (string, error) {
	stored, err := prepareInsert(doc)
	if err != nil {
		return "", err
	}
	fields, body, err := encodeRow(stored)
	if err != nil {
		return "", err
	}
	_, err = c.s.db.ExecContext(ctx,
		`INSERT INTO documents (coll, id, fields, body) VALUES (?, ?, ?, ?)`,
		c.name, stored.ID(), fields, body)
	if err != nil {
		return "", sqliteError(err)
	}
	return stored.ID(), nil
}

func encodeRow(doc Document) (string, []byte, error) {
	fields, err := json.Marshal(Project(doc))
	if err != nil {
		return "", nil, fmt.Errorf("projecting document: %w", err)
	}
	body, err := encodeBody(doc)
	if err != nil {
		return "", nil, fmt.Errorf("encoding document: %w", err)
	}
	return string(fields), body, nil
}

func sqliteError(err error) error {
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %v", ErrDuplicateKey, err)
	}
	return err
}

// jsonPath renders a dotted field path as a quoted SQLite JSON path.
func jsonPath(field string) string {
	var b strings.Builder
	b.WriteString("$")
	for _, part := range splitPath(field) {
		b.WriteString(`."`)
		b.WriteString(strings.ReplaceAll(part, `"`, `\"`))
		b.WriteString(`"`)
	}
	return b.String()
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// sqlParam converts a filter value into the representation used by the JSON
// projection. It reports false for values that cannot be compared in SQL.
func sqlParam(v any) (any, bool) {
	switch x := v.(type) {
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case []byte, Document, map[string]any, []any:
		return nil, false
	}
	pv, _ := ProjectValue(v)
	return pv, true
}

// jsonTypes lists the json_type results that share v's comparison rank.
func jsonTypes(v any) string {
	switch typeRank(v) {
	case rankNumber, rankTime:
		return "'integer','real'"
	case rankString:
		return "'text'"
	case rankBool:
		return "'true','false'"
	}
	return ""
}

// whereClause translates f. ok is false when some condition has to be
// evaluated in Go, in which case no ordering or paging may be pushed down.
func whereClause(f Filter) (clause string, args []any, ok bool) {
	ok = true
	var parts []string
	for _, cond := range f {
		path := quoteLiteral(jsonPath(cond.Field))
		expr := "json_extract(fields, " + path + ")"
		if cond.Value == nil {
			switch cond.Op {
			case OpEq, "":
				parts = append(parts, expr+" IS NULL")
			case OpNe:
				parts = append(parts, expr+" IS NOT NULL")
			default:
				parts = append(parts, "0")
			}
			continue
		}
		p, pushable := sqlParam(cond.Value)
		if !pushable {
			ok = false
			continue
		}
		switch cond.Op {
		case OpEq, "":
			parts = append(parts, expr+" = ?")
			args = append(args, p)
		case OpNe:
			parts = append(parts, "("+expr+" IS NULL OR "+expr+" != ?)")
			args = append(args, p)
		default:
			sym := map[Op]string{OpGt: ">", OpGte: ">=", OpLt: "<", OpLte: "<="}[cond.Op]
			parts = append(parts, fmt.Sprintf("(json_type(fields, %s) IN (%s) AND %s %s ?)",
				path, jsonTypes(cond.Value), expr, sym))
			args = append(args, p)
		}
	}
	if len(parts) == 0 {
		return "", nil, ok
	}
	return " AND " + strings.Join(parts, " AND "), args, ok
}

func orderClause(keys []SortField) string {
	var parts []string
	for _, k := range keys {
		dir := "ASC"
		if k.Desc {
			dir = "DESC"
		}
		parts = append(parts, fmt.Sprintf("json_extract(fields, %s) %s", quoteLiteral(jsonPath(k.Field)), dir))
	}
	parts = append(parts, "seq ASC")
	return " ORDER BY " + strings.Join(parts, ", ")
}

// Find pushes conditions, ordering and paging into SQL. Rows are decoded
// from their CBOR bodies and re-checked against the filter, which settles
// the cases the JSON projection cannot tell apart (times and numbers).
// Results are read fully before returning so the single connection is free
// for the caller's next statement.
func (c *SQLiteCollection) Find(ctx context.Context, sess Session, filter Filter, opts *FindOptions) (Cursor, error) {
	if err := validateFilter(filter); err != nil {
		return nil, err
	}
	where, args, pushed := whereClause(filter)
	query := "SELECT body FROM documents WHERE coll = ?" + where
	args = append([]any{c.name}, args...)

	if !pushed || opts == nil {
		rows, err := c.s.db.QueryContext(ctx, query+" ORDER BY seq", args...)
		if err != nil {
			return nil, err
		}
		docs, err := drainRows(ctx, rows, filter)
		if err != nil {
			return nil, err
		}
		return NewSliceCursor(evaluate(docs, nil, opts)), nil
	}

	query += orderClause(opts.Sort)
	if opts.Limit > 0 || opts.Skip > 0 {
		limit := opts.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, opts.Skip)
	}
	rows, err := c.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	docs, err := drainRows(ctx, rows, filter)
	if err != nil {
		return nil, err
	}
	return NewSliceCursor(docs), nil
}

func drainRows(ctx context.Context, rows *sql.Rows, filter Filter) ([]Document, error) {
	return All(ctx, &sqliteCursor{rows: rows, filter: filter})
}

// sqliteCursor decodes rows and skips those the filter rejects.
type sqliteCursor struct {
	rows   *sql.Rows
	filter Filter
	cur    Document
	err    error
}

func (c *sqliteCursor) Next(ctx context.Context) bool {
	for c.err == nil && c.rows.Next() {
		if err := ctx.Err(); err != nil {
			c.err = err
			return false
		}
		var body []byte
		if err := c.rows.Scan(&body); err != nil {
			c.err = err
			return false
		}
		doc, err := decodeBody(body)
		if err != nil {
			c.err = err
			return false
		}
		if !Matches(doc, c.filter) {
			continue
		}
		c.cur = doc
		return true
	}
	if c.err == nil {
		c.err = c.rows.Err()
	}
	return false
}

func (c *sqliteCursor) Document() Document { return c.cur }

func (c *sqliteCursor) Err() error { return c.err }

func (c *sqliteCursor) Close(ctx context.Context) error { return c.rows.Close() }

// matchingRows returns seq and document of every row matching filter.
func (c *SQLiteCollection) matchingRows(ctx context.Context, tx *sql.Tx, filter Filter, limit int) ([]int64, []Document, error) {
	where, args, _ := whereClause(filter)
	query := "SELECT seq, body FROM documents WHERE coll = ?" + where + " ORDER BY seq"
	rows, err := tx.QueryContext(ctx, query, append([]any{c.name}, args...)...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var seqs []int64
	var docs []Document
	for rows.Next() {
		var seq int64
		var body []byte
		if err := rows.Scan(&seq, &body); err != nil {
			return nil, nil, err
		}
		doc, err := decodeBody(body)
		if err != nil {
			return nil, nil, err
		}
		if !Matches(doc, filter) {
			continue
		}
		seqs = append(seqs, seq)
		docs = append(docs, doc)
		if limit > 0 && len(seqs) == limit {
			break
		}
	}
	return seqs, docs, rows.Err()
}

func (c *SQLiteCollection) DeleteMany(ctx context.Context, sess Session, filter Filter) (int64, error) {
	if err := validateFilter(filter); err != nil {
		return 0, err
	}
	tx, err := c.s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	seqs, _, err := c.matchingRows(ctx, tx, filter, 0)
	if err != nil {
		return 0, err
	}
	for _, seq := range seqs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE seq = ?`, seq); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int64(len(seqs)), nil
}

func (c *SQLiteCollection) UpdateOne(ctx context.Context, sess Session, filter Filter, update Update) (int64, error) {
	if err := validateFilter(filter); err != nil {
		return 0, err
	}
	if err := checkDocument(update.Set); err != nil {
		return 0, err
	}
	if _, ok := update.Set[IDField]; ok {
		return 0, fmt.Errorf("docstore: _id cannot be updated")
	}
	tx, err := c.s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	seqs, docs, err := c.matchingRows(ctx, tx, filter, 1)
	if err != nil {
		return 0, err
	}
	if len(seqs) == 0 {
		return 0, nil
	}
	doc := docs[0]
	for k, v := range update.Set {
		setPath(doc, k, normalizeValue(cloneValue(v)))
	}
	fields, body, err := encodeRow(doc)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE documents SET fields = ?, body = ? WHERE seq = ?`, fields, body, seqs[0]); err != nil {
		return 0, sqliteError(err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return 1, nil
}

// EnsureIndex creates a partial expression index over the collection's rows.
func (c *SQLiteCollection) EnsureIndex(ctx context.Context, sess Session, idx Index) error {
	name := indexName(idx)
	sqlName := "idx_" + c.name + "_" + name
	var cols []string
	for _, k := range idx.Keys {
		col := "json_extract(fields, " + quoteLiteral(jsonPath(k.Field)) + ")"
		if k.Desc {
			col += " DESC"
		}
		cols = append(cols, col)
	}
	unique := ""
	if idx.Unique {
		unique = "UNIQUE "
	}
	stmt := fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON documents (%s) WHERE coll = %s",
		unique, quoteIdent(sqlName), strings.Join(cols, ", "), quoteLiteral(c.name))
	if _, err := c.s.db.ExecContext(ctx, stmt); err != nil {
		return sqliteError(err)
	}
	_, err := c.s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO collection_indexes (coll, name, sql_name) VALUES (?, ?, ?)`,
		c.name, name, sqlName)
	return err
}

// Drop removes the collection's rows and indexes.
func (c *SQLiteCollection) Drop(ctx context.Context, sess Session) error {
	tx, err := c.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT sql_name FROM collection_indexes WHERE coll = ?`, c.name)
	if err != nil {
		return err
	}
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			rows.Close()
			return err
		}
		names = append(names, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, n := range names {
		if _, err := tx.ExecContext(ctx, "DROP INDEX IF EXISTS "+quoteIdent(n)); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM collection_indexes WHERE coll = ?`, c.name); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE coll = ?`, c.name); err != nil {
		return err
	}
	return tx.Commit()
}

var (
	_ Collection = (*SQLiteCollection)(nil)
	_ Indexer    = (*SQLiteCollection)(nil)
	_ Dropper    = (*SQLiteCollection)(nil)
	_ Database   = (*SQLiteDatabase)(nil)
)
