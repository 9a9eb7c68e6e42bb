package sink

import (
	"fmt"
	"strings"

	"erpmirror/internal/mirrorerr"
)

// columnFields are payload fields promoted to real columns.
var columnFields = map[string]string{
	"point_type": "point_type",
	"model_name": "model_name",
	"record_id":  "record_id",
}

// fieldExpr returns the SQL expression addressing a payload field.
func fieldExpr(field string) string {
	if col, ok := columnFields[field]; ok {
		return col
	}
	return fmt.Sprintf("json_extract(payload, '$.%s')", field)
}

// buildWhere translates a filter into a WHERE clause and its args. An empty
// filter yields "1=1" so callers can always append it.
func buildWhere(f Filter) (string, []interface{}, error) {
	if len(f.Must) == 0 {
		return "1=1", nil, nil
	}
	var clauses []string
	var args []interface{}
	for _, c := range f.Must {
		if c.Field == "" {
			return "", nil, &mirrorerr.SinkError{Detail: "filter condition with empty field"}
		}
		expr := fieldExpr(c.Field)
		switch c.Op {
		case OpEq:
			clauses = append(clauses, expr+" = ?")
			args = append(args, c.Value)
		case OpNeq:
			clauses = append(clauses, expr+" != ?")
			args = append(args, c.Value)
		case OpGt:
			clauses = append(clauses, expr+" > ?")
			args = append(args, c.Value)
		case OpGte:
			clauses = append(clauses, expr+" >= ?")
			args = append(args, c.Value)
		case OpLt:
			clauses = append(clauses, expr+" < ?")
			args = append(args, c.Value)
		case OpLte:
			clauses = append(clauses, expr+" <= ?")
			args = append(args, c.Value)
		case OpIn:
			vals, err := toSlice(c.Value)
			if err != nil {
				return "", nil, &mirrorerr.SinkError{Detail: fmt.Sprintf("in-filter on %s: %v", c.Field, err)}
			}
			if len(vals) == 0 {
				// IN () matches nothing.
				clauses = append(clauses, "1=0")
				continue
			}
			clauses = append(clauses, expr+" IN ("+placeholders(len(vals))+")")
			args = append(args, vals...)
		case OpContains:
			clauses = append(clauses, "instr(COALESCE("+expr+", ''), ?) > 0")
			args = append(args, fmt.Sprintf("%v", c.Value))
		default:
			return "", nil, &mirrorerr.SinkError{Detail: fmt.Sprintf("unknown filter op %q on %s", c.Op, c.Field)}
		}
	}
	return strings.Join(clauses, " AND "), args, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toSlice(v interface{}) ([]interface{}, error) {
	switch vv := v.(type) {
	case []interface{}:
		return vv, nil
	case []string:
		out := make([]interface{}, len(vv))
		for i, s := range vv {
			out[i] = s
		}
		return out, nil
	case []int:
		out := make([]interface{}, len(vv))
		for i, n := range vv {
			out[i] = n
		}
		return out, nil
	case []int64:
		out := make([]interface{}, len(vv))
		for i, n := range vv {
			out[i] = n
		}
		return out, nil
	case []uint64:
		out := make([]interface{}, len(vv))
		for i, n := range vv {
			out[i] = int64(n)
		}
		return out, nil
	case []float64:
		out := make([]interface{}, len(vv))
		for i, n := range vv {
			out[i] = n
		}
		return out, nil
	}
	return nil, fmt.Errorf("value %T is not a list", v)
}
