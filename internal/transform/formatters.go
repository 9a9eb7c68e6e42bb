package transform

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Formatter is one of the closed set of value renderers usable in a
// narrative pattern placeholder.
type Formatter string

const (
	FormatCurrency         Formatter = "currency"
	FormatReadableDate     Formatter = "readable_date"
	FormatName             Formatter = "name"
	FormatPercentage       Formatter = "percentage"
	FormatCountWithSummary Formatter = "count_with_summary"
	FormatTruncate50       Formatter = "truncate_50"
	FormatTruncate100      Formatter = "truncate_100"
	FormatBooleanYesNo     Formatter = "boolean_yes_no"
	FormatDefault          Formatter = "default"
)

// knownFormatters is the closed grammar; anything else falls back to
// default with a once-per-(model,field) warning.
var knownFormatters = map[Formatter]bool{
	FormatCurrency:         true,
	FormatReadableDate:     true,
	FormatName:             true,
	FormatPercentage:       true,
	FormatCountWithSummary: true,
	FormatTruncate50:       true,
	FormatTruncate100:      true,
	FormatBooleanYesNo:     true,
	FormatDefault:          true,
}

// formatValue renders a raw value with the given formatter.
func formatValue(v interface{}, f Formatter) string {
	switch f {
	case FormatCurrency:
		if n, ok := asFloat(v); ok {
			return groupThousands(n)
		}
	case FormatReadableDate:
		if s, ok := v.(string); ok {
			for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02"} {
				if t, err := time.Parse(layout, s); err == nil {
					return t.Format("January 2, 2006")
				}
			}
			return s
		}
	case FormatName:
		if _, display, ok := fkSingle(v); ok && display != "" {
			return display
		}
	case FormatPercentage:
		if n, ok := asFloat(v); ok {
			return strconv.FormatFloat(n, 'f', 1, 64) + "%"
		}
	case FormatCountWithSummary:
		if list, ok := v.([]interface{}); ok {
			names := make([]string, 0, len(list))
			for _, item := range list {
				if _, display, ok := fkSingle(item); ok && display != "" {
					names = append(names, display)
				} else {
					names = append(names, fmt.Sprintf("%v", item))
				}
			}
			const maxListed = 5
			if len(names) > maxListed {
				return fmt.Sprintf("%d items: %s, …", len(names), strings.Join(names[:maxListed], ", "))
			}
			return fmt.Sprintf("%d items: %s", len(names), strings.Join(names, ", "))
		}
	case FormatTruncate50:
		return truncate(defaultFormat(v), 50)
	case FormatTruncate100:
		return truncate(defaultFormat(v), 100)
	case FormatBooleanYesNo:
		if b, ok := v.(bool); ok {
			if b {
				return "yes"
			}
			return "no"
		}
	}
	return defaultFormat(v)
}

// defaultFormat renders a value without a formatter: FK pairs show their
// display name, floats drop trailing zeros, everything else is %v.
func defaultFormat(v interface{}) string {
	if id, display, ok := fkSingle(v); ok {
		if display != "" {
			return display
		}
		return strconv.FormatUint(id, 10)
	}
	switch vv := v.(type) {
	case string:
		return vv
	case float64:
		return strconv.FormatFloat(vv, 'f', -1, 64)
	case []interface{}:
		parts := make([]string, len(vv))
		for i, item := range vv {
			parts[i] = defaultFormat(item)
		}
		return strings.Join(parts, ", ")
	}
	return fmt.Sprintf("%v", v)
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 1 {
		return s[:max]
	}
	return s[:max-1] + "…"
}

// groupThousands renders a monetary amount with comma separators and two
// decimals.
func groupThousands(n float64) string {
	s := strconv.FormatFloat(n, 'f', 2, 64)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	dot := strings.IndexByte(s, '.')
	intPart, frac := s[:dot], s[dot:]
	var b strings.Builder
	for i, d := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(d)
	}
	out := b.String() + frac
	if neg {
		out = "-" + out
	}
	return out
}
