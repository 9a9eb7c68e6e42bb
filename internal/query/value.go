package query

import (
	"fmt"
	"strings"
)

// asFloat coerces the numeric shapes JSON payloads carry.
func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func payloadUint64(v interface{}) (uint64, bool) {
	f, ok := asFloat(v)
	if !ok || f < 0 {
		return 0, false
	}
	return uint64(f), true
}

// compareValues evaluates one in-application predicate. Numbers compare
// numerically when both sides coerce; everything else compares as strings,
// which also gives date fields their lexicographic range semantics.
func compareValues(have interface{}, op string, want interface{}) bool {
	switch op {
	case "eq":
		return equalValues(have, want)
	case "neq":
		return !equalValues(have, want)
	case "in":
		items, ok := want.([]interface{})
		if !ok {
			return false
		}
		for _, item := range items {
			if equalValues(have, item) {
				return true
			}
		}
		return false
	case "contains":
		hs, ws := fmt.Sprintf("%v", have), fmt.Sprintf("%v", want)
		return strings.Contains(strings.ToLower(hs), strings.ToLower(ws))
	case "gt", "gte", "lt", "lte":
		if hf, hok := asFloat(have); hok {
			if wf, wok := asFloat(want); wok {
				return orderedMatch(op, compareFloats(hf, wf))
			}
		}
		hs, hok := have.(string)
		ws, wok := want.(string)
		if !hok || !wok {
			return false
		}
		return orderedMatch(op, strings.Compare(hs, ws))
	}
	return false
}

func equalValues(have, want interface{}) bool {
	if hf, hok := asFloat(have); hok {
		if wf, wok := asFloat(want); wok {
			return hf == wf
		}
	}
	if hb, hok := have.(bool); hok {
		if wb, wok := want.(bool); wok {
			return hb == wb
		}
		// Odoo payloads encode unset booleans as absent; treat missing as
		// false on the comparison side only.
		return false
	}
	if have == nil {
		if wb, wok := want.(bool); wok {
			return !wb
		}
		return want == nil
	}
	return fmt.Sprintf("%v", have) == fmt.Sprintf("%v", want)
}

func compareFloats(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func orderedMatch(op string, cmp int) bool {
	switch op {
	case "gt":
		return cmp > 0
	case "gte":
		return cmp >= 0
	case "lt":
		return cmp < 0
	case "lte":
		return cmp <= 0
	}
	return false
}
