// Package transform maps raw upstream records into semantic documents: a
// human-readable vector text for embedding plus a flat payload object. The
// transformation is a pure function of (record, registry, restricted set,
// pattern); no I/O happens here.
package transform

import (
	"encoding/json"
	"strings"
)

// Record is one raw upstream record as returned by search_read. FK single
// values arrive as [id, display] pairs, FK multi values as id lists.
type Record map[string]interface{}

// ID returns the record's own id.
func (r Record) ID() uint64 {
	n, _ := asUint64(r["id"])
	return n
}

// asUint64 coerces the numeric shapes JSON decoding produces.
func asUint64(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case int:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case uint64:
		return n, true
	case float64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil || i < 0 {
			return 0, false
		}
		return uint64(i), true
	}
	return 0, false
}

// fkSingle decodes a many2one value. Upstream encodes it as [id, display];
// a bare id is also accepted. Zero, false and null are not references.
func fkSingle(v interface{}) (id uint64, display string, ok bool) {
	switch vv := v.(type) {
	case nil:
		return 0, "", false
	case bool:
		// Odoo renders an empty many2one as false.
		return 0, "", false
	case []interface{}:
		// A many2one arrives as [id, display]; anything else shaped as a
		// list is not a single reference.
		if len(vv) != 2 {
			return 0, "", false
		}
		display, ok = vv[1].(string)
		if !ok {
			return 0, "", false
		}
		id, ok = asUint64(vv[0])
		if !ok || id == 0 {
			return 0, "", false
		}
		return id, display, true
	default:
		id, ok = asUint64(v)
		if !ok || id == 0 {
			return 0, "", false
		}
		return id, "", true
	}
}

// fkMulti decodes a many2many / one2many value into target ids. An empty
// list contributes nothing.
func fkMulti(v interface{}) []uint64 {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	var out []uint64
	for _, item := range list {
		if id, ok := asUint64(item); ok && id != 0 {
			out = append(out, id)
		}
	}
	return out
}

// isEmptyValue reports whether a field value is omitted from payload and
// vector text: null, false, empty string, empty list.
func isEmptyValue(v interface{}) bool {
	switch vv := v.(type) {
	case nil:
		return true
	case bool:
		// Odoo uses false for "unset" on every field type. Real booleans
		// that are genuinely false are indistinguishable on the wire and
		// are treated as unset, matching upstream semantics.
		return !vv
	case string:
		return strings.TrimSpace(vv) == ""
	case []interface{}:
		return len(vv) == 0
	case map[string]interface{}:
		return len(vv) == 0
	}
	return false
}
