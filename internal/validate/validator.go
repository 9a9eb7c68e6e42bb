// Package validate verifies FK closure between data points and the graph's
// edge counters, and optionally heals what it finds: every FK reference a
// data point carries should resolve to a present target point, and every
// edge counter should be within tolerance of the observed reference count.
package validate

import (
	"context"
	"fmt"
	"math"
	"sort"
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
	// DefaultOrphanLimit bounds how many orphan samples one run retains
	// across all models.
	DefaultOrphanLimit = 100

	// forwardSlackFloor is the absolute floor of the edge-counter tolerance.
	forwardSlackFloor = 10

	// forwardSlackPct is the relative edge-counter tolerance.
	forwardSlackPct = 0.05

	scrollPage = 200

	// fkRefSuffix marks payload fields carrying resolved target point ids.
	fkRefSuffix = "_qdrant"
)

// Consistency classifies a bidirectional check.
type Consistency string

const (
	Consistent       Consistency = "consistent"
	StaleGraph       Consistency = "stale_graph"
	OrphanFKs        Consistency = "orphan_fks"
	StaleAndOrphaned Consistency = "both"
)

// AutoSyncFunc triggers a bounded cascade for missing target records.
type AutoSyncFunc func(ctx context.Context, model string, ids []uint64) error

// Options select what one validation run does.
type Options struct {
	Model           string // restrict to one model; empty validates all
	OrphanLimit     int    // global sample retention bound, default 100
	StoreOrphans    bool   // persist verdicts onto the edges
	Bidirectional   bool   // check counters against observed references
	Fix             bool   // heal stale counters
	ExtractPatterns bool   // refresh cardinality from observed actuals
	TrackHistory    bool   // append to the rolling validation history
	AutoSync        bool   // cascade missing targets back in
}

// FieldResult is the verdict for one FK field of one model.
type FieldResult struct {
	Field          string               `json:"field"`
	TargetModel    string               `json:"target_model"`
	ActualRefs     int                  `json:"actual_fk_count"`
	UniqueTargets  int                  `json:"unique_targets"`
	OrphanCount    int                  `json:"orphan_count"`
	IntegrityScore float64              `json:"integrity_score"`
	Orphans        []graph.OrphanSample `json:"orphans,omitempty"`
	EdgeCount      int                  `json:"edge_count,omitempty"`
	Consistency    Consistency          `json:"consistency,omitempty"`
	Fixed          bool                 `json:"fixed,omitempty"`
	AutoSynced     int                  `json:"auto_synced,omitempty"`
	Notes          []string             `json:"notes,omitempty"`
}

// ModelResult is the verdict for one model.
type ModelResult struct {
	Model             string         `json:"model"`
	Records           int            `json:"records"`
	GraphMetadataUsed bool           `json:"graph_metadata_used"`
	Fields            []*FieldResult `json:"fields"`
	IntegrityScore    float64        `json:"integrity_score"`
	Error             string         `json:"error,omitempty"`
}

// Report is the full run outcome. Orphans are findings, not failures:
// Success stays true unless a model's validation itself errored.
type Report struct {
	Success      bool           `json:"success"`
	Models       []*ModelResult `json:"models"`
	TotalOrphans int            `json:"total_orphans"`
	FixesApplied int            `json:"fixes_applied"`
	FixErrors    int            `json:"fix_errors"`
	AutoSynced   int            `json:"auto_synced,omitempty"`
	DurationMS   int64          `json:"duration_ms"`
}

// Validator runs FK closure checks over the shared collection.
type Validator struct {
	reg      *schema.Registry
	sink     sink.VectorSink
	graph    *graph.Store
	breaker  *resilience.Breaker // sink breaker; nil calls directly
	autoSync AutoSyncFunc        // nil disables --auto-sync
	now      func() time.Time
}

// NewValidator wires a validator. breaker and autoSync are optional.
func NewValidator(reg *schema.Registry, vs sink.VectorSink, gs *graph.Store, breaker *resilience.Breaker, autoSync AutoSyncFunc) *Validator {
	return &Validator{
		reg:      reg,
		sink:     vs,
		graph:    gs,
		breaker:  breaker,
		autoSync: autoSync,
		now:      time.Now,
	}
}

func (v *Validator) do(fn func() error) error {
	if v.breaker == nil {
		return fn()
	}
	return v.breaker.Do(fn)
}

// Run validates FK closure per the options. Per-model failures are isolated
// into the model's result; only setup errors abort the whole run.
func (v *Validator) Run(ctx context.Context, opts Options) (*Report, error) {
	if v.reg.IsEmpty() {
		return nil, mirrorerr.ErrSchemaEmpty
	}
	if opts.OrphanLimit <= 0 {
		opts.OrphanLimit = DefaultOrphanLimit
	}

	models, err := v.discoverModels(ctx, opts.Model)
	if err != nil {
		return nil, err
	}

	start := v.now()
	report := &Report{Success: true}
	remainingSamples := opts.OrphanLimit

	for _, model := range models {
		res := v.validateModel(ctx, model, opts, &remainingSamples, report)
		report.Models = append(report.Models, res)
		if res.Error != "" {
			report.Success = false
		}
		for _, f := range res.Fields {
			report.TotalOrphans += f.OrphanCount
		}
	}
	report.DurationMS = v.now().Sub(start).Milliseconds()
	return report, nil
}

// discoverModels lists the models with data points, or checks the single
// requested one.
func (v *Validator) discoverModels(ctx context.Context, only string) ([]string, error) {
	if only != "" {
		if _, ok := v.reg.Model(only); !ok {
			return nil, &mirrorerr.SchemaMissingError{Model: only, Suggestions: v.reg.Suggest(only, 3)}
		}
		return []string{only}, nil
	}
	var models []string
	for _, name := range v.reg.Models() {
		var n int
		err := v.do(func() error {
			c, err := v.sink.Count(ctx, dataFilter(name))
			n = c
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("count %s data points: %w", name, err)
		}
		if n > 0 {
			models = append(models, name)
		}
	}
	return models, nil
}

// targetAgg accumulates the references to one target point.
type targetAgg struct {
	refs        int
	firstSource uint64
}

// fieldAgg accumulates one FK field's references across the scroll.
type fieldAgg struct {
	refs    int
	targets map[uuid.UUID]*targetAgg
}

func (v *Validator) validateModel(ctx context.Context, model string, opts Options, remainingSamples *int, report *Report) *ModelResult {
	res := &ModelResult{Model: model}
	timer := logging.StartTimer(logging.CategoryValid, "validate "+model)
	defer timer.Stop()

	// Fast path: edges already describe which fields are FKs. Slow path
	// scans payloads for resolved-reference keys instead.
	edges, err := v.graph.OutgoingOf(ctx, model)
	if err != nil {
		res.Error = fmt.Sprintf("load outgoing edges: %v", err)
		return res
	}
	edgeByField := map[string]*graph.Edge{}
	var wantFields map[string]bool
	if len(edges) > 0 {
		res.GraphMetadataUsed = true
		wantFields = map[string]bool{}
		for _, e := range edges {
			edgeByField[e.FieldName] = e
			wantFields[e.FieldName] = true
		}
	}

	byField, records, err := v.collectReferences(ctx, model, wantFields)
	if err != nil {
		res.Error = fmt.Sprintf("scan data points: %v", err)
		return res
	}
	res.Records = records

	fieldNames := make([]string, 0, len(byField))
	for f := range byField {
		fieldNames = append(fieldNames, f)
	}
	sort.Strings(fieldNames)

	totalRefs, totalOrphans := 0, 0
	for _, fieldName := range fieldNames {
		fr := v.validateField(ctx, model, fieldName, byField[fieldName], edgeByField[fieldName], opts, remainingSamples, report)
		res.Fields = append(res.Fields, fr)
		totalRefs += fr.ActualRefs
		totalOrphans += fr.OrphanCount
	}
	res.IntegrityScore = integrityScore(totalRefs, totalOrphans)
	return res
}

// collectReferences scrolls the model's data points and accumulates every
// FK reference per field. wantFields nil means discover fields from the
// payloads themselves.
func (v *Validator) collectReferences(ctx context.Context, model string, wantFields map[string]bool) (map[string]*fieldAgg, int, error) {
	byField := map[string]*fieldAgg{}
	records := 0
	cursor := ""
	for {
		var points []sink.Point
		var next string
		err := v.do(func() error {
			p, n, err := v.sink.Scroll(ctx, dataFilter(model), cursor, scrollPage)
			points, next = p, n
			return err
		})
		if err != nil {
			return nil, 0, err
		}
		for _, p := range points {
			records++
			source, _ := payloadUint64(p.Payload["record_id"])
			for key, value := range p.Payload {
				fieldName, ok := strings.CutSuffix(key, fkRefSuffix)
				if !ok {
					continue
				}
				if wantFields != nil && !wantFields[fieldName] {
					continue
				}
				agg := byField[fieldName]
				if agg == nil {
					agg = &fieldAgg{targets: map[uuid.UUID]*targetAgg{}}
					byField[fieldName] = agg
				}
				for _, ref := range refIDs(value) {
					agg.refs++
					t := agg.targets[ref]
					if t == nil {
						t = &targetAgg{firstSource: source}
						agg.targets[ref] = t
					}
					t.refs++
				}
			}
		}
		if next == "" {
			return byField, records, nil
		}
		cursor = next
	}
}

func (v *Validator) validateField(ctx context.Context, model, fieldName string, agg *fieldAgg, edge *graph.Edge, opts Options, remainingSamples *int, report *Report) *FieldResult {
	fr := &FieldResult{
		Field:         fieldName,
		ActualRefs:    agg.refs,
		UniqueTargets: len(agg.targets),
	}
	if edge != nil {
		fr.TargetModel = edge.TargetModel
		fr.EdgeCount = edge.EdgeCount
	} else if f, ok := v.reg.Find(model, fieldName); ok {
		fr.TargetModel = f.TargetModel
	}

	ids := make([]uuid.UUID, 0, len(agg.targets))
	for id := range agg.targets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	var present map[uuid.UUID]bool
	err := v.do(func() error {
		m, err := v.sink.Exists(ctx, ids)
		present = m
		return err
	})
	if err != nil {
		fr.Notes = append(fr.Notes, fmt.Sprintf("existence probe failed: %v", err))
		return fr
	}

	missingByModel := map[string][]uint64{}
	for _, id := range ids {
		if present[id] {
			continue
		}
		t := agg.targets[id]
		fr.OrphanCount += t.refs
		key, perr := pointid.ParseData(id)
		if perr != nil {
			fr.Notes = append(fr.Notes, fmt.Sprintf("unparseable target id %s", id))
			continue
		}
		if *remainingSamples > 0 {
			fr.Orphans = append(fr.Orphans, graph.OrphanSample{
				SourceRecordID:  t.firstSource,
				MissingTargetID: key.RecordID,
			})
			*remainingSamples--
		}
		if name, ok := v.reg.ModelNameByID(key.ModelID); ok {
			missingByModel[name] = append(missingByModel[name], key.RecordID)
		}
	}
	fr.IntegrityScore = integrityScore(fr.ActualRefs, fr.OrphanCount)

	edgeID := v.edgeIDFor(model, fieldName, edge)

	if opts.StoreOrphans && edgeID != uuid.Nil {
		if err := v.graph.UpdateValidation(ctx, edgeID, fr.OrphanCount, fr.IntegrityScore, fr.Orphans); err != nil {
			fr.Notes = append(fr.Notes, fmt.Sprintf("store verdict: %v", err))
		}
	}

	if opts.Bidirectional && edge != nil {
		fr.Consistency = classify(fr.ActualRefs, edge.EdgeCount, fr.OrphanCount)
	}

	if opts.Fix && (fr.Consistency == StaleGraph || fr.Consistency == StaleAndOrphaned) && edgeID != uuid.Nil {
		if err := v.graph.UpdateEdgeCount(ctx, edgeID, fr.ActualRefs, fr.UniqueTargets); err != nil {
			report.FixErrors++
			fr.Notes = append(fr.Notes, fmt.Sprintf("fix counters: %v", err))
		} else {
			fr.Fixed = true
			report.FixesApplied++
		}
	}

	// Orphans are never deleted; the only remedy is syncing the missing
	// targets back in.
	if opts.AutoSync && v.autoSync != nil && len(missingByModel) > 0 {
		for _, target := range sortedKeys(missingByModel) {
			missing := missingByModel[target]
			if err := v.autoSync(ctx, target, missing); err != nil {
				fr.Notes = append(fr.Notes, fmt.Sprintf("auto-sync %s: %v", target, err))
				continue
			}
			fr.AutoSynced += len(missing)
			report.AutoSynced += len(missing)
		}
	}

	if opts.ExtractPatterns && edgeID != uuid.Nil && !fr.Fixed {
		if err := v.graph.UpdatePatternMetadata(ctx, edgeID, fr.ActualRefs, fr.UniqueTargets); err != nil {
			fr.Notes = append(fr.Notes, fmt.Sprintf("refresh cardinality: %v", err))
		}
	}

	if opts.TrackHistory && edgeID != uuid.Nil {
		entry := graph.ValidationEntry{
			Timestamp:      v.now().UTC().Format(time.RFC3339),
			IntegrityScore: fr.IntegrityScore,
			OrphanCount:    fr.OrphanCount,
		}
		if err := v.graph.AppendValidationHistory(ctx, edgeID, entry); err != nil {
			fr.Notes = append(fr.Notes, fmt.Sprintf("track history: %v", err))
		}
	}

	return fr
}

// edgeIDFor resolves the edge id for a (model, field), preferring the live
// edge and falling back to derivation from the registry.
func (v *Validator) edgeIDFor(model, fieldName string, edge *graph.Edge) uuid.UUID {
	if edge != nil {
		return edge.ID
	}
	m, ok := v.reg.Model(model)
	if !ok {
		return uuid.Nil
	}
	f, ok := v.reg.Find(model, fieldName)
	if !ok || !f.IsFK() {
		return uuid.Nil
	}
	return pointid.Graph(m.ModelID, f.TargetModelID, f.RelationKind(), f.FieldID)
}

// classify buckets a bidirectional check. Forward tolerance is 5% of the
// stored counter with a floor of 10; reverse passes only with zero orphans.
func classify(actualRefs, edgeCount, orphanCount int) Consistency {
	slack := math.Max(forwardSlackPct*float64(edgeCount), forwardSlackFloor)
	forward := math.Abs(float64(actualRefs-edgeCount)) <= slack
	reverse := orphanCount == 0
	switch {
	case forward && reverse:
		return Consistent
	case !forward && !reverse:
		return StaleAndOrphaned
	case !forward:
		return StaleGraph
	default:
		return OrphanFKs
	}
}

// integrityScore is (refs − orphans) / refs × 100, rounded to 2 decimals.
// No references at all is perfect integrity.
func integrityScore(refs, orphans int) float64 {
	if refs == 0 {
		return 100
	}
	return math.Round(float64(refs-orphans)/float64(refs)*10000) / 100
}

func dataFilter(model string) sink.Filter {
	return sink.Eq("point_type", string(sink.PointData)).
		And(sink.Condition{Field: "model_name", Op: sink.OpEq, Value: model})
}

// refIDs normalizes a payload reference value: single fields store one id
// string, multi fields a list.
func refIDs(value interface{}) []uuid.UUID {
	switch v := value.(type) {
	case string:
		if id, err := uuid.Parse(v); err == nil {
			return []uuid.UUID{id}
		}
	case []interface{}:
		out := make([]uuid.UUID, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				continue
			}
			if id, err := uuid.Parse(s); err == nil {
				out = append(out, id)
			}
		}
		return out
	}
	return nil
}

func payloadUint64(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case float64:
		if n >= 0 {
			return uint64(n), true
		}
	case int:
		if n >= 0 {
			return uint64(n), true
		}
	case int64:
		if n >= 0 {
			return uint64(n), true
		}
	case uint64:
		return n, true
	}
	return 0, false
}

func sortedKeys(m map[string][]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
