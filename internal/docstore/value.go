package docstore

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Lookup resolves a dotted path inside doc.
func Lookup(doc Document, path string) (any, bool) {
	var cur any = map[string]any(doc)
	for _, part := range splitPath(path) {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func splitPath(path string) []string { return strings.Split(path, ".") }

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case Document:
		return m, true
	case map[string]any:
		return m, true
	}
	return nil, false
}

// Int64 converts any integer representation an engine may return.
func Int64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}

// Time converts an engine timestamp representation to a UTC time.
func Time(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), true
	}
	return time.Time{}, false
}

// Bytes returns v as a byte slice.
func Bytes(v any) ([]byte, bool) {
	b, ok := v.([]byte)
	return b, ok
}

// SubDocument returns v as a Document.
func SubDocument(v any) (Document, bool) {
	m, ok := asMap(v)
	if !ok {
		return nil, false
	}
	return Document(m), true
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case Document:
		return x.Clone()
	case map[string]any:
		return Document(x).Clone()
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = cloneValue(x[i])
		}
		return out
	case []byte:
		return bytes.Clone(x)
	}
	return v
}

// normalizeValue maps decoded values onto the canonical set: integers become
// int64, maps become Document, times become UTC.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case int, int32, uint32, uint64:
		n, ok := Int64(x)
		if ok {
			return n
		}
		return v
	case float32:
		return float64(x)
	case time.Time:
		return x.UTC()
	case map[string]any:
		return normalizeDocument(x)
	case Document:
		return normalizeDocument(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = normalizeValue(x[i])
		}
		return out
	}
	return v
}

func normalizeDocument(m map[string]any) Document {
	out := make(Document, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

// checkValue reports values outside the supported set.
func checkValue(v any) error {
	switch x := v.(type) {
	case nil, string, bool, int, int32, int64, float64, time.Time, []byte:
		return nil
	case Document:
		return checkDocument(x)
	case map[string]any:
		return checkDocument(x)
	case []any:
		for _, e := range x {
			if err := checkValue(e); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
}

func checkDocument(m map[string]any) error {
	for k, v := range m {
		if err := checkValue(v); err != nil {
			return fmt.Errorf("field %q: %w", k, err)
		}
	}
	return nil
}

// Type ranks follow the cross-type ordering of BSON comparisons.
const (
	rankNull = iota
	rankNumber
	rankString
	rankDocument
	rankArray
	rankBinary
	rankBool
	rankTime
	rankOther
)

func typeRank(v any) int {
	switch v.(type) {
	case nil:
		return rankNull
	case int, int32, int64, uint32, uint64, float32, float64:
		return rankNumber
	case string:
		return rankString
	case Document, map[string]any:
		return rankDocument
	case []any:
		return rankArray
	case []byte:
		return rankBinary
	case bool:
		return rankBool
	case time.Time:
		return rankTime
	}
	return rankOther
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	}
	i, _ := Int64(v)
	return float64(i)
}

// Compare orders two values. Values of different types order by type rank.
func Compare(a, b any) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		return cmpInt(int64(ra), int64(rb))
	}
	switch ra {
	case rankNull:
		return 0
	case rankNumber:
		ai, aok := Int64(a)
		bi, bok := Int64(b)
		if aok && bok {
			return cmpInt(ai, bi)
		}
		af, bf := toFloat(a), toFloat(b)
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	case rankString:
		return strings.Compare(a.(string), b.(string))
	case rankBinary:
		return bytes.Compare(a.([]byte), b.([]byte))
	case rankBool:
		ab, bb := a.(bool), b.(bool)
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		}
		return 1
	case rankTime:
		return a.(time.Time).Compare(b.(time.Time))
	case rankArray:
		aa, ba := a.([]any), b.([]any)
		for i := 0; i < len(aa) && i < len(ba); i++ {
			if c := Compare(aa[i], ba[i]); c != 0 {
				return c
			}
		}
		return cmpInt(int64(len(aa)), int64(len(ba)))
	case rankDocument:
		am, _ := asMap(a)
		bm, _ := asMap(b)
		return compareMaps(am, bm)
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func compareMaps(a, b map[string]any) int {
	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)
	for _, k := range sorted {
		av, aok := a[k]
		bv, bok := b[k]
		switch {
		case !aok:
			return -1
		case !bok:
			return 1
		}
		if c := Compare(av, bv); c != 0 {
			return c
		}
	}
	return 0
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Project converts a document into the form used by engines that index a
// JSON rendering of it: times become Unix milliseconds, byte strings are
// omitted, integers become int64.
func Project(doc Document) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		if pv, ok := ProjectValue(v); ok {
			out[k] = pv
		}
	}
	return out
}

// ProjectValue converts one value the same way Project does. It reports
// false for values that are not projected.
func ProjectValue(v any) (any, bool) {
	switch x := v.(type) {
	case []byte:
		return nil, false
	case time.Time:
		return x.UnixMilli(), true
	case Document:
		return Project(x), true
	case map[string]any:
		return Project(x), true
	case []any:
		out := make([]any, 0, len(x))
		for _, e := range x {
			if pe, ok := ProjectValue(e); ok {
				out = append(out, pe)
			}
		}
		return out, true
	case int, int32, uint32, uint64:
		n, _ := Int64(x)
		return n, true
	}
	return v, true
}
