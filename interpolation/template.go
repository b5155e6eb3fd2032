package interpolation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

var placeholderPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// InterpolateString replaces every ${expr} in value with the stringified
// result of GetAtPath(root, expr). Unresolved expressions become "".
// Non-string values are returned unchanged.
func InterpolateString(value any, root any) any {
	s, ok := value.(string)
	if !ok {
		return value
	}
	return Expand(s, root)
}

// Expand is InterpolateString for callers that already hold a string.
func Expand(s string, root any) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		expr := strings.TrimSpace(match[2 : len(match)-1])
		v, ok := GetAtPath(root, expr)
		if !ok {
			return ""
		}
		return Stringify(v)
	})
}

// InterpolateDeep applies InterpolateString to every string leaf of value.
// Maps, slices and ordered maps are copied; keys, lengths and ordering are
// preserved and the input is never mutated.
func InterpolateDeep(value any, root any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		return Expand(v, root)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = InterpolateDeep(item, root)
		}
		return out
	case []string:
		out := make([]string, len(v))
		for i, item := range v {
			out[i] = Expand(item, root)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = InterpolateDeep(item, root)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(v))
		for k, item := range v {
			out[k] = Expand(item, root)
		}
		return out
	case *orderedmap.OrderedMap[string, any]:
		out := orderedmap.New[string, any](v.Len())
		for pair := v.Oldest(); pair != nil; pair = pair.Next() {
			out.Set(pair.Key, InterpolateDeep(pair.Value, root))
		}
		return out
	default:
		return value
	}
}

// Stringify renders a resolved value the way placeholders print it.
// Strings print as themselves, numbers in their shortest form, and
// containers as compact JSON.
func Stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(x)
	case json.Number:
		return x.String()
	case fmt.Stringer:
		return x.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
