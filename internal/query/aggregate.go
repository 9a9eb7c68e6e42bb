package query

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// aggState accumulates one aggregation over one group.
type aggState struct {
	sum   float64
	count int
	min   float64
	max   float64
	seen  bool
}

func (s *aggState) observe(v float64) {
	s.sum += v
	s.count++
	if !s.seen || v < s.min {
		s.min = v
	}
	if !s.seen || v > s.max {
		s.max = v
	}
	s.seen = true
}

func (s *aggState) value(op string) float64 {
	switch op {
	case "sum":
		return round2(s.sum)
	case "count":
		return float64(s.count)
	case "avg":
		if s.count == 0 {
			return 0
		}
		return round2(s.sum / float64(s.count))
	case "min":
		return s.min
	case "max":
		return s.max
	}
	return 0
}

// groupState is one group's accumulators plus its raw key values.
type groupState struct {
	key    []interface{}
	count  int
	states []*aggState
}

// aggregator streams payloads into grouped accumulators. Group keys are
// stringified payload values joined with a separator, so grouping never
// needs a second pass.
type aggregator struct {
	aggs    []Aggregation
	groupBy []string
	groups  map[string]*groupState
	order   []string // insertion order of group keys
	total   *groupState
}

func newAggregator(aggs []Aggregation, groupBy []string) *aggregator {
	a := &aggregator{
		aggs:    aggs,
		groupBy: groupBy,
		groups:  map[string]*groupState{},
		total:   &groupState{states: newStates(len(aggs))},
	}
	return a
}

func newStates(n int) []*aggState {
	out := make([]*aggState, n)
	for i := range out {
		out[i] = &aggState{}
	}
	return out
}

func (a *aggregator) observe(payload map[string]interface{}) {
	key, raw := a.groupKey(payload)
	g, ok := a.groups[key]
	if !ok {
		g = &groupState{key: raw, states: newStates(len(a.aggs))}
		a.groups[key] = g
		a.order = append(a.order, key)
	}
	g.count++
	a.total.count++
	for i, agg := range a.aggs {
		if agg.Op == "count" {
			g.states[i].observe(0)
			a.total.states[i].observe(0)
			continue
		}
		v, ok := asFloat(payload[agg.Field])
		if !ok {
			continue
		}
		g.states[i].observe(v)
		a.total.states[i].observe(v)
	}
}

func (a *aggregator) groupKey(payload map[string]interface{}) (string, []interface{}) {
	if len(a.groupBy) == 0 {
		return "", nil
	}
	parts := make([]string, len(a.groupBy))
	raw := make([]interface{}, len(a.groupBy))
	for i, f := range a.groupBy {
		raw[i] = payload[f]
		parts[i] = stringifyKey(payload[f])
	}
	return strings.Join(parts, "\x1f"), raw
}

func stringifyKey(v interface{}) string {
	if v == nil {
		return "null"
	}
	if f, ok := v.(float64); ok && f == math.Trunc(f) {
		return strconv.FormatInt(int64(f), 10)
	}
	return fmt.Sprintf("%v", v)
}

// aliasOf names the output column for one aggregation.
func aliasOf(a Aggregation) string {
	if a.Alias != "" {
		return a.Alias
	}
	if a.Op == "count" && a.Field == "" {
		return "count"
	}
	return a.Op + "_" + a.Field
}

// finishAggregate materializes the aggregator into the response.
func (e *Engine) finishAggregate(resp *Response, req Request, p *plan, agg *aggregator) {
	resp.Count = agg.total.count

	resp.GrandTotal = map[string]float64{}
	for i, a := range req.Aggregations {
		resp.GrandTotal[aliasOf(a)] = agg.total.states[i].value(a.Op)
	}

	if len(req.GroupBy) > 0 {
		groups := make([]GroupResult, 0, len(agg.order))
		for _, key := range agg.order {
			g := agg.groups[key]
			gr := GroupResult{Key: map[string]interface{}{}, Count: g.count, Values: map[string]float64{}}
			for i, f := range req.GroupBy {
				gr.Key[f] = g.key[i]
			}
			for i, a := range req.Aggregations {
				gr.Values[aliasOf(a)] = g.states[i].value(a.Op)
			}
			groups = append(groups, gr)
		}
		// Deterministic output: groups ordered by descending primary
		// aggregate, ties by key.
		primary := aliasOf(req.Aggregations[0])
		sort.SliceStable(groups, func(i, j int) bool {
			if groups[i].Values[primary] != groups[j].Values[primary] {
				return groups[i].Values[primary] > groups[j].Values[primary]
			}
			return fmt.Sprintf("%v", groups[i].Key) < fmt.Sprintf("%v", groups[j].Key)
		})
		resp.Groups = groups
		resp.GroupCount = len(groups)
	}

	resp.Checksum = e.checksum(req.Aggregations[0], agg)
}

// checksum builds the reconciliation stamp from the primary aggregation's
// grand total. The hash folds total and count into a short base-36 tag.
func (e *Engine) checksum(primary Aggregation, agg *aggregator) *ReconciliationChecksum {
	total := agg.total.states[0].value(primary.Op)
	n := int64(math.Abs(total*1000 + float64(agg.total.count)))
	return &ReconciliationChecksum{
		GrandTotal:       total,
		RecordCount:      agg.total.count,
		AggregationField: primary.Field,
		AggregationOp:    primary.Op,
		Hash:             strconv.FormatInt(n, 36),
		ComputedAt:       e.now().UTC().Format("2006-01-02 15:04:05"),
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
