// Package interpolation resolves dotted/bracket paths against nested data and
// substitutes ${...} placeholders in strings and arbitrary nested values.
package interpolation

import (
	"reflect"
	"strconv"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Lookuper is implemented by values that resolve keys themselves, such as
// the engine's variable bag view.
type Lookuper interface {
	Lookup(key string) (any, bool)
}

// segment is one parsed path component: either a key or a sequence index.
type segment struct {
	key     string
	index   int
	isIndex bool
}

// GetAtPath resolves path against root. Paths use dots for keys and [n] for
// sequence indices and may carry a leading "$." or "$". The path "$" returns
// root itself; the empty path is never found.
//
// The boolean is false when any segment is absent, when an intermediate value
// is nil, or when an index is applied to something that is not a sequence.
func GetAtPath(root any, path string) (any, bool) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, false
	}
	p = strings.TrimPrefix(p, "$.")
	p = strings.TrimPrefix(p, "$")
	if p == "" {
		return root, true
	}

	cur := root
	for _, seg := range parsePath(p) {
		if cur == nil {
			return nil, false
		}
		var ok bool
		if seg.isIndex {
			cur, ok = index(cur, seg.index)
		} else {
			cur, ok = field(cur, seg.key)
		}
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func parsePath(p string) []segment {
	var (
		parts []segment
		cur   strings.Builder
	)
	flush := func() {
		if cur.Len() > 0 {
			parts = append(parts, segment{key: cur.String()})
			cur.Reset()
		}
	}
	for i := 0; i < len(p); i++ {
		switch ch := p[i]; ch {
		case '.':
			flush()
		case '[':
			flush()
			j := i + 1
			for j < len(p) && p[j] != ']' {
				j++
			}
			raw := strings.TrimSpace(p[i+1 : min(j, len(p))])
			i = j
			// Non-numeric bracket contents are dropped.
			if n, err := strconv.Atoi(raw); err == nil {
				parts = append(parts, segment{index: n, isIndex: true})
			}
		default:
			cur.WriteByte(ch)
		}
	}
	flush()
	return parts
}

func field(v any, key string) (any, bool) {
	switch m := v.(type) {
	case map[string]any:
		out, ok := m[key]
		return out, ok
	case map[string]string:
		out, ok := m[key]
		return out, ok
	case *orderedmap.OrderedMap[string, any]:
		return m.Get(key)
	case Lookuper:
		return m.Lookup(key)
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String {
		out := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
		if !out.IsValid() {
			return nil, false
		}
		return out.Interface(), true
	}
	return nil, false
}

func index(v any, i int) (any, bool) {
	if i < 0 {
		return nil, false
	}
	switch s := v.(type) {
	case []any:
		if i >= len(s) {
			return nil, false
		}
		return s[i], true
	case []string:
		if i >= len(s) {
			return nil, false
		}
		return s[i], true
	case []map[string]any:
		if i >= len(s) {
			return nil, false
		}
		return s[i], true
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	if i >= rv.Len() {
		return nil, false
	}
	return rv.Index(i).Interface(), true
}
