// Package query answers precise analytical questions over data points:
// payload filters, streaming aggregation with grouping, FK link expansion,
// bounded record enrichment, and token-aware response shaping. Everything
// here is exact arithmetic over payloads; vectors are only touched by the
// similarity enrichment.
package query

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"erpmirror/internal/graph"
	"erpmirror/internal/logging"
	"erpmirror/internal/mirrorerr"
	"erpmirror/internal/pointid"
	"erpmirror/internal/resilience"
	"erpmirror/internal/schema"
	"erpmirror/internal/sink"
)

const (
	// DefaultRowScanLimit bounds how many points one query may scan.
	DefaultRowScanLimit = 50000

	// DefaultTokenThreshold is the response-size estimate above which the
	// engine downgrades (or recommends downgrading) the detail level.
	DefaultTokenThreshold = 10000

	// DefaultMaxEnriched bounds per-record enrichment work.
	DefaultMaxEnriched = 10

	// DefaultRecordLimit applies when record mode is requested without an
	// explicit limit.
	DefaultRecordLimit = 100

	// MaxTopN bounds the top_n detail level.
	MaxTopN = 100

	// MaxSimilar bounds the similarity enrichment.
	MaxSimilar = 5

	scrollPage = 200
)

// Detail levels.
const (
	DetailSummary = "summary"
	DetailTopN    = "top_n"
	DetailFull    = "full"
)

// Condition is one requested filter predicate, AND-ed with its siblings.
type Condition struct {
	Field string      `json:"field"`
	Op    string      `json:"op"`
	Value interface{} `json:"value"`
}

// Aggregation is one requested aggregate.
type Aggregation struct {
	Field string `json:"field"`
	Op    string `json:"op"` // sum, count, avg, min, max
	Alias string `json:"alias,omitempty"`
}

// Request is the single entry point's argument set.
type Request struct {
	Model        string        `json:"model"`
	Filters      []Condition   `json:"filters,omitempty"`
	Aggregations []Aggregation `json:"aggregations,omitempty"`
	GroupBy      []string      `json:"group_by,omitempty"`
	Fields       []string      `json:"fields,omitempty"`
	Limit        int           `json:"limit,omitempty"`
	Offset       int           `json:"offset,omitempty"`

	Link              []string `json:"link,omitempty"`
	LinkJSON          []string `json:"link_json,omitempty"`
	ShowRelationships bool     `json:"show_relationships,omitempty"`

	IncludeGraphContext     bool `json:"include_graph_context,omitempty"`
	IncludeValidationStatus bool `json:"include_validation_status,omitempty"`
	IncludeSimilar          bool `json:"include_similar,omitempty"`
	SimilarLimit            int  `json:"similar_limit,omitempty"`

	DetailLevel  string `json:"detail_level,omitempty"` // empty = engine decides
	TopN         int    `json:"top_n,omitempty"`
	ExportToFile bool   `json:"export_to_file,omitempty"`
}

// GroupResult is one group's aggregate output.
type GroupResult struct {
	Key    map[string]interface{} `json:"key"`
	Count  int                    `json:"count"`
	Values map[string]float64     `json:"values"`
}

// ReconciliationChecksum lets a human cross-check an aggregation against
// the source system. The hash is a short reference, not integrity.
type ReconciliationChecksum struct {
	GrandTotal       float64 `json:"grand_total"`
	RecordCount      int     `json:"record_count"`
	AggregationField string  `json:"aggregation_field"`
	AggregationOp    string  `json:"aggregation_op"`
	Hash             string  `json:"hash"`
	ComputedAt       string  `json:"computed_at"`
}

// Response is the engine's output.
type Response struct {
	Model           string                   `json:"model"`
	Mode            string                   `json:"mode"` // aggregate | records
	DetailLevel     string                   `json:"detail_level"`
	GrandTotal      map[string]float64       `json:"grand_total,omitempty"`
	Groups          []GroupResult            `json:"groups,omitempty"`
	RemainingGroups *GroupResult             `json:"remaining_groups,omitempty"`
	GroupCount      int                      `json:"group_count,omitempty"`
	Records         []map[string]interface{} `json:"records,omitempty"`
	Checksum        *ReconciliationChecksum  `json:"checksum,omitempty"`
	Count           int                      `json:"record_count"`
	Truncated       bool                     `json:"truncated,omitempty"`
	EstimatedTokens int                      `json:"estimated_tokens"`
	Warnings        []string                 `json:"warnings,omitempty"`
	Export          *ExportDescriptor        `json:"export,omitempty"`
	DurationMS      int64                    `json:"duration_ms"`
}

// Options are the engine-level knobs.
type Options struct {
	TokenThreshold     int
	MaxEnrichedRecords int
	RowScanLimit       int
}

// Engine is the exact query engine.
type Engine struct {
	reg     *schema.Registry
	sink    sink.VectorSink
	graph   *graph.Store
	breaker *resilience.Breaker // sink breaker; nil calls directly
	metrics *resilience.Metrics
	exports *ExportWriter
	opts    Options
	now     func() time.Time
}

// NewEngine wires an engine. graph, breaker, metrics and exports are
// optional; the features needing them degrade with a warning.
func NewEngine(reg *schema.Registry, vs sink.VectorSink, gs *graph.Store, breaker *resilience.Breaker, metrics *resilience.Metrics, exports *ExportWriter, opts Options) *Engine {
	if opts.TokenThreshold <= 0 {
		opts.TokenThreshold = DefaultTokenThreshold
	}
	if opts.MaxEnrichedRecords <= 0 {
		opts.MaxEnrichedRecords = DefaultMaxEnriched
	}
	if opts.RowScanLimit <= 0 {
		opts.RowScanLimit = DefaultRowScanLimit
	}
	return &Engine{
		reg:     reg,
		sink:    vs,
		graph:   gs,
		breaker: breaker,
		metrics: metrics,
		exports: exports,
		opts:    opts,
		now:     time.Now,
	}
}

func (e *Engine) do(fn func() error) error {
	if e.breaker == nil {
		return fn()
	}
	return e.breaker.Do(fn)
}

// systemFields are payload fields every data point carries; always
// filterable.
var systemFields = map[string]bool{
	"record_id":      true,
	"model_id":       true,
	"model_name":     true,
	"point_type":     true,
	"sync_timestamp": true,
}

var validOps = map[string]sink.Op{
	"eq":       sink.OpEq,
	"neq":      sink.OpNeq,
	"gt":       sink.OpGt,
	"gte":      sink.OpGte,
	"lt":       sink.OpLt,
	"lte":      sink.OpLte,
	"in":       sink.OpIn,
	"contains": sink.OpContains,
}

var validAggOps = map[string]bool{
	"sum": true, "count": true, "avg": true, "min": true, "max": true,
}

var rangeOps = map[string]bool{"gt": true, "gte": true, "lt": true, "lte": true}

// plan is a compiled, validated request.
type plan struct {
	model      schema.Model
	sinkFilter sink.Filter
	appConds   []appCondition
	mode       string
	limit      int
	detail     string // requested; empty means implicit
	topN       int
	similarK   int
}

// appCondition is a predicate the sink cannot evaluate: date ranges and
// boolean equality on unindexed fields, and single-hop dot notation.
type appCondition struct {
	cond Condition

	// dot-notation: the FK base field and the target-side field.
	dotBase   string
	dotTarget schema.Field // base field resolved from the registry
	dotField  string
}

// compile validates the whole request up front: every problem is reported
// at once, and unindexed filter fields get their own typed error.
func (e *Engine) compile(req Request) (*plan, error) {
	if e.reg.IsEmpty() {
		return nil, mirrorerr.ErrSchemaEmpty
	}
	model, ok := e.reg.Model(req.Model)
	if !ok {
		return nil, &mirrorerr.SchemaMissingError{Model: req.Model, Suggestions: e.reg.Suggest(req.Model, 3)}
	}

	var problems []string
	var unindexed []string

	p := &plan{
		model: model,
		sinkFilter: sink.Eq("point_type", string(sink.PointData)).
			And(sink.Condition{Field: "model_name", Op: sink.OpEq, Value: req.Model}),
		detail: req.DetailLevel,
		topN:   req.TopN,
	}

	for _, c := range req.Filters {
		op, opOK := validOps[c.Op]
		if !opOK {
			problems = append(problems, fmt.Sprintf("unknown filter op %q on %s", c.Op, c.Field))
			continue
		}

		if strings.Contains(c.Field, ".") {
			ac, err := e.compileDot(model, c)
			if err != nil {
				problems = append(problems, err.Error())
				continue
			}
			p.appConds = append(p.appConds, ac)
			continue
		}

		switch {
		case systemFields[c.Field] || e.reg.IsIndexed(c.Field):
			p.sinkFilter = p.sinkFilter.And(sink.Condition{Field: c.Field, Op: op, Value: c.Value})
		case e.isDateField(model, c.Field) && rangeOps[c.Op]:
			// Date range on an unindexed field: lexicographic compare after
			// the scroll.
			p.appConds = append(p.appConds, appCondition{cond: c})
		case e.isBooleanField(model, c.Field) && (c.Op == "eq" || c.Op == "neq"):
			p.appConds = append(p.appConds, appCondition{cond: c})
		default:
			unindexed = append(unindexed, c.Field)
		}
	}

	for _, a := range req.Aggregations {
		if !validAggOps[a.Op] {
			problems = append(problems, fmt.Sprintf("unknown aggregation op %q on %s", a.Op, a.Field))
		}
		if a.Op != "count" && a.Field == "" {
			problems = append(problems, fmt.Sprintf("aggregation %s requires a field", a.Op))
		}
	}
	if len(req.GroupBy) > 0 && len(req.Aggregations) == 0 {
		problems = append(problems, "group_by requires at least one aggregation")
	}
	switch req.DetailLevel {
	case "", DetailSummary, DetailTopN, DetailFull:
	default:
		problems = append(problems, fmt.Sprintf("unknown detail_level %q", req.DetailLevel))
	}
	if req.TopN < 0 || req.TopN > MaxTopN {
		problems = append(problems, fmt.Sprintf("top_n must be 0-%d, got %d", MaxTopN, req.TopN))
	}
	if req.SimilarLimit < 0 || req.SimilarLimit > MaxSimilar {
		problems = append(problems, fmt.Sprintf("similar_limit must be 0-%d, got %d", MaxSimilar, req.SimilarLimit))
	}
	for _, f := range req.Link {
		if fld, ok := e.reg.Find(req.Model, f); !ok || !fld.IsFK() {
			problems = append(problems, fmt.Sprintf("link field %s is not a FK field of %s", f, req.Model))
		}
	}

	if len(unindexed) > 0 {
		return nil, &mirrorerr.UnindexedFilterError{Fields: unindexed}
	}
	if len(problems) > 0 {
		return nil, &mirrorerr.ValidationError{Problems: problems}
	}

	p.mode = "records"
	if len(req.Aggregations) > 0 {
		p.mode = "aggregate"
	}
	p.limit = req.Limit
	if p.mode == "records" && p.limit <= 0 {
		p.limit = DefaultRecordLimit
	}
	p.similarK = req.SimilarLimit
	if req.IncludeSimilar && p.similarK == 0 {
		p.similarK = MaxSimilar
	}
	return p, nil
}

// compileDot parses single-hop dot notation: partner_id.name reads the
// name of the record referenced by partner_id.
func (e *Engine) compileDot(model schema.Model, c Condition) (appCondition, error) {
	parts := strings.Split(c.Field, ".")
	if len(parts) != 2 {
		return appCondition{}, fmt.Errorf("dot notation is single-hop only: %s", c.Field)
	}
	base, ok := e.reg.Find(model.Name, parts[0])
	if !ok || !base.IsFK() {
		return appCondition{}, fmt.Errorf("dot notation base %s is not a FK field of %s", parts[0], model.Name)
	}
	return appCondition{cond: c, dotBase: parts[0], dotTarget: base, dotField: parts[1]}, nil
}

func (e *Engine) isDateField(model schema.Model, field string) bool {
	f, ok := e.reg.Find(model.Name, field)
	return ok && f.Type == schema.TypeDate
}

func (e *Engine) isBooleanField(model schema.Model, field string) bool {
	f, ok := e.reg.Find(model.Name, field)
	return ok && f.Type == schema.TypeBoolean
}

// Run executes one query.
func (e *Engine) Run(ctx context.Context, req Request) (*Response, error) {
	start := e.now()
	p, err := e.compile(req)
	if err != nil {
		return nil, err
	}
	timer := logging.StartTimer(logging.CategoryQuery, fmt.Sprintf("query %s (%s)", req.Model, p.mode))
	defer timer.Stop()

	resp := &Response{Model: req.Model, Mode: p.mode}

	agg := newAggregator(req.Aggregations, req.GroupBy)
	var collected []sink.Point
	dotCache := map[uuid.UUID]map[string]interface{}{}

	scanned := 0
	skipped := 0
	cursor := ""
scroll:
	for {
		var points []sink.Point
		var next string
		err := e.do(func() error {
			pts, n, err := e.sink.Scroll(ctx, p.sinkFilter, cursor, scrollPage)
			points, next = pts, n
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, point := range points {
			scanned++
			if scanned > e.opts.RowScanLimit {
				resp.Truncated = true
				resp.Warnings = append(resp.Warnings,
					fmt.Sprintf("row scan limit (%d) reached; results are partial", e.opts.RowScanLimit))
				break scroll
			}
			match, err := e.matchApp(ctx, point.Payload, p.appConds, dotCache)
			if err != nil {
				return nil, err
			}
			if !match {
				continue
			}
			if p.mode == "aggregate" {
				agg.observe(point.Payload)
				continue
			}
			if skipped < req.Offset {
				skipped++
				continue
			}
			collected = append(collected, point)
			if len(collected) >= p.limit {
				break scroll
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}

	if p.mode == "aggregate" {
		e.finishAggregate(resp, req, p, agg)
	} else {
		if err := e.finishRecords(ctx, resp, req, p, collected); err != nil {
			return nil, err
		}
	}

	e.shape(resp, req, p)

	if req.ExportToFile {
		if e.exports == nil {
			resp.Warnings = append(resp.Warnings, "export requested but no export writer is configured")
		} else {
			desc, err := e.exports.Write(ctx, req.Model, resp)
			if err != nil {
				return nil, fmt.Errorf("export query result: %w", err)
			}
			// The descriptor replaces the inline body.
			resp.Export = desc
			resp.Records = nil
			resp.Groups = nil
			resp.RemainingGroups = nil
		}
	}

	resp.DurationMS = e.now().Sub(start).Milliseconds()
	if e.metrics != nil {
		e.metrics.ObserveQuery(e.now().Sub(start).Seconds())
	}
	return resp, nil
}

// matchApp evaluates the in-application predicates against one payload.
func (e *Engine) matchApp(ctx context.Context, payload map[string]interface{}, conds []appCondition, dotCache map[uuid.UUID]map[string]interface{}) (bool, error) {
	for _, ac := range conds {
		var value interface{}
		if ac.dotBase != "" {
			target, err := e.resolveDot(ctx, payload, ac, dotCache)
			if err != nil {
				return false, err
			}
			if target == nil {
				return false, nil
			}
			value = target[ac.dotField]
		} else {
			value = payload[ac.cond.Field]
		}
		if !compareValues(value, ac.cond.Op, ac.cond.Value) {
			return false, nil
		}
	}
	return true, nil
}

// resolveDot fetches the payload of the record referenced by the dot
// condition's base field, cached per query.
func (e *Engine) resolveDot(ctx context.Context, payload map[string]interface{}, ac appCondition, cache map[uuid.UUID]map[string]interface{}) (map[string]interface{}, error) {
	targetID, ok := payloadUint64(payload[ac.dotBase+"_id"])
	if !ok {
		return nil, nil
	}
	id := pointid.Data(ac.dotTarget.TargetModelID, targetID)
	if cached, hit := cache[id]; hit {
		return cached, nil
	}
	var points []sink.Point
	err := e.do(func() error {
		pts, err := e.sink.Retrieve(ctx, []uuid.UUID{id})
		points = pts
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		cache[id] = nil
		return nil, nil
	}
	cache[id] = points[0].Payload
	return points[0].Payload, nil
}
