package mask

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// maxJSONDepth bounds recursion into nested JSON documents (spec.md §4.E,
// "an implementation may cap recursion to 64 to avoid stack exhaustion").
const maxJSONDepth = 64

// leafDecider is called for every string-valued JSON leaf with the JSON key
// standing in as the synthetic column name (spec.md §4.E, "JSON
// recursion"). It returns the replacement and whether one was applied.
type leafDecider func(key, value string) (string, bool)

// recurseJSON walks doc and replaces string leaves per decide, preserving
// key order and non-string leaves exactly as gjson/sjson only ever touch
// the single path being set.
func recurseJSON(doc string, decide leafDecider) (string, error) {
	if !gjson.Valid(doc) {
		return "", fmt.Errorf("mask: invalid JSON document")
	}

	root := gjson.Parse(doc)

	// A bare JSON scalar (not an object/array) has no path to address; treat
	// the whole document as one leaf.
	if root.Type == gjson.String {
		if newVal, ok := decide("", root.String()); ok {
			return quoteJSONString(newVal), nil
		}
		return doc, nil
	}
	if !root.IsObject() && !root.IsArray() {
		return doc, nil
	}

	out := doc
	var walkErr error

	var walk func(path string, key string, v gjson.Result, depth int)
	walk = func(path string, key string, v gjson.Result, depth int) {
		if walkErr != nil || depth > maxJSONDepth {
			return
		}
		switch {
		case v.Type == gjson.String:
			if newVal, ok := decide(key, v.String()); ok {
				next, err := sjson.Set(out, path, newVal)
				if err != nil {
					walkErr = err
					return
				}
				out = next
			}
		case v.IsArray():
			idx := 0
			v.ForEach(func(_, val gjson.Result) bool {
				childPath := joinPath(path, strconv.Itoa(idx))
				walk(childPath, key, val, depth+1)
				idx++
				return walkErr == nil
			})
		case v.IsObject():
			v.ForEach(func(k, val gjson.Result) bool {
				childKey := k.String()
				childPath := joinPath(path, escapePathSegment(childKey))
				walk(childPath, childKey, val, depth+1)
				return walkErr == nil
			})
		}
	}
	walk("", "", root, 0)

	if walkErr != nil {
		return "", walkErr
	}
	return out, nil
}

func joinPath(base, segment string) string {
	if base == "" {
		return segment
	}
	return base + "." + segment
}

// escapePathSegment escapes sjson/gjson path metacharacters that could
// appear in a JSON object key.
func escapePathSegment(key string) string {
	if !strings.ContainsAny(key, ".*?") {
		return key
	}
	var b strings.Builder
	for _, r := range key {
		if r == '.' || r == '*' || r == '?' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// quoteJSONString renders s as a JSON string literal, reusing sjson's own
// escaping instead of hand-rolling it.
func quoteJSONString(s string) string {
	wrapped, _ := sjson.Set(`{"v":""}`, "v", s)
	return gjson.Get(wrapped, "v").Raw
}
