package docstore

import (
	"context"
	"fmt"
	"sort"
)

// Matches reports whether doc satisfies every condition of f.
func Matches(doc Document, f Filter) bool {
	for _, c := range f {
		if !matchCond(doc, c) {
			return false
		}
	}
	return true
}

func matchCond(doc Document, c Cond) bool {
	v, present := Lookup(doc, c.Field)
	switch c.Op {
	case OpEq, "":
		if !present {
			return c.Value == nil
		}
		return sameRank(v, c.Value) && Compare(v, c.Value) == 0
	case OpNe:
		if !present {
			return c.Value != nil
		}
		return !sameRank(v, c.Value) || Compare(v, c.Value) != 0
	}
	// Range operators only compare values of the same type.
	if !present || !sameRank(v, c.Value) {
		return false
	}
	cmp := Compare(v, c.Value)
	switch c.Op {
	case OpGt:
		return cmp > 0
	case OpGte:
		return cmp >= 0
	case OpLt:
		return cmp < 0
	case OpLte:
		return cmp <= 0
	}
	return false
}

func sameRank(a, b any) bool { return typeRank(a) == typeRank(b) }

// validateFilter rejects operators an engine cannot translate.
func validateFilter(f Filter) error {
	for _, c := range f {
		switch c.Op {
		case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, "":
		default:
			return fmt.Errorf("docstore: unsupported operator %q on %q", c.Op, c.Field)
		}
		if err := checkValue(c.Value); err != nil {
			return fmt.Errorf("docstore: filter on %q: %w", c.Field, err)
		}
	}
	return nil
}

// SortDocuments orders docs in place. Missing fields sort first, as nulls.
func SortDocuments(docs []Document, keys []SortField) {
	if len(keys) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, k := range keys {
			a, _ := Lookup(docs[i], k.Field)
			b, _ := Lookup(docs[j], k.Field)
			c := Compare(a, b)
			if c == 0 {
				continue
			}
			if k.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// Window applies skip and limit to an already ordered result.
func Window(docs []Document, skip, limit int64) []Document {
	if skip > 0 {
		if skip >= int64(len(docs)) {
			return nil
		}
		docs = docs[skip:]
	}
	if limit > 0 && limit < int64(len(docs)) {
		docs = docs[:limit]
	}
	return docs
}

// evaluate filters, sorts and windows docs the way a Find would. Engines that
// cannot push the whole query down use it on the candidates they fetched.
func evaluate(docs []Document, f Filter, opts *FindOptions) []Document {
	var out []Document
	for _, d := range docs {
		if Matches(d, f) {
			out = append(out, d)
		}
	}
	if opts == nil {
		return out
	}
	SortDocuments(out, opts.Sort)
	return Window(out, opts.Skip, opts.Limit)
}

// sliceCursor serves already materialised results.
type sliceCursor struct {
	docs []Document
	pos  int
	cur  Document
	err  error
}

// NewSliceCursor returns a Cursor over docs.
func NewSliceCursor(docs []Document) Cursor {
	return &sliceCursor{docs: docs}
}

func (c *sliceCursor) Next(ctx context.Context) bool {
	if c.err != nil || c.pos >= len(c.docs) {
		return false
	}
	if err := ctx.Err(); err != nil {
		c.err = err
		return false
	}
	c.cur = c.docs[c.pos]
	c.pos++
	return true
}

func (c *sliceCursor) Document() Document { return c.cur }

func (c *sliceCursor) Err() error { return c.err }

func (c *sliceCursor) Close(ctx context.Context) error {
	c.docs = nil
	c.cur = nil
	return nil
}
