package dag

import (
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

// navigate extracts a property path from a node output. Maps and slices are
// walked directly; any other value is encoded to JSON and queried with gjson.
func navigate(output any, path []string) (any, bool) {
	if len(path) == 0 {
		return output, true
	}

	current := output
	for i, segment := range path {
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[segment]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			current = v[idx]
		case nil:
			return nil, false
		default:
			return navigateJSON(v, path[i:])
		}
	}
	return current, true
}

func navigateJSON(value any, path []string) (any, bool) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, false
	}
	escaped := make([]string, len(path))
	for i, p := range path {
		escaped[i] = gjsonEscaper.Replace(p)
	}
	result := gjson.GetBytes(data, strings.Join(escaped, "."))
	if !result.Exists() {
		return nil, false
	}
	return result.Value(), true
}

var gjsonEscaper = strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`, "|", `\|`, "#", `\#`, "@", `\@`)
