// Package graph is the content-addressed FK edge store. Each edge is a
// graph-namespace point in the vector collection recording one
// (source-model, field, target-model, relation-kind) relationship plus
// counters, cardinality, orphan samples and a rolling validation history.
package graph

import (
	"fmt"
	"math"

	"github.com/google/uuid"

	"erpmirror/internal/pointid"
	"erpmirror/internal/sink"
)

const (
	// maxCascadeSources bounds the ring of models that caused an edge to
	// be rewritten; oldest entries drop first.
	maxCascadeSources = 100

	// maxOrphanSamples bounds the orphan samples attached to an edge.
	maxOrphanSamples = 10

	// historyWindow is the rolling validation-history length.
	historyWindow = 10
)

// CardinalityClass buckets an edge by its unique-targets / edge-count ratio.
type CardinalityClass string

const (
	OneToOne  CardinalityClass = "one-to-one"
	OneToFew  CardinalityClass = "one-to-few"
	OneToMany CardinalityClass = "one-to-many"
)

// IntegrityTrend summarizes the direction of the validation history.
type IntegrityTrend string

const (
	TrendImproving IntegrityTrend = "improving"
	TrendStable    IntegrityTrend = "stable"
	TrendDegrading IntegrityTrend = "degrading"
)

// OrphanSample is one retained example of a dangling FK reference.
type OrphanSample struct {
	SourceRecordID  uint64 `json:"source_record_id"`
	MissingTargetID uint64 `json:"missing_target_id"`
}

// ValidationEntry is one row of the rolling validation history.
type ValidationEntry struct {
	Timestamp         string  `json:"timestamp"`
	IntegrityScore    float64 `json:"integrity_score"`
	OrphanCount       int     `json:"orphan_count"`
	DeltaFromPrevious float64 `json:"delta_from_previous"`
}

// Edge is the in-memory form of one graph point.
type Edge struct {
	ID uuid.UUID

	SourceModel   string
	SourceModelID uint16
	FieldID       uint64
	FieldName     string
	FieldLabel    string
	Kind          pointid.RelationKind
	TargetModel   string
	TargetModelID uint16

	IsLeaf          bool
	DepthFromOrigin int

	EdgeCount      int
	UniqueTargets  int
	LastCascade    string
	CascadeSources []string

	Description string

	LastValidation string
	OrphanCount    int
	IntegrityScore float64
	OrphanSamples  []OrphanSample

	CardinalityClass CardinalityClass
	CardinalityRatio float64
	AvgRefsPerTarget float64

	History        []ValidationEntry
	IntegrityTrend IntegrityTrend
}

// classifyCardinality derives the cardinality bucket from the counters.
// Ratio is rounded to 3 decimals, avg refs per target to 2.
func classifyCardinality(uniqueTargets, edgeCount int) (CardinalityClass, float64, float64) {
	if edgeCount <= 0 || uniqueTargets <= 0 {
		return OneToMany, 0, 0
	}
	ratio := math.Round(float64(uniqueTargets)/float64(edgeCount)*1000) / 1000
	avg := math.Round(float64(edgeCount)/float64(uniqueTargets)*100) / 100
	switch {
	case ratio >= 0.95:
		return OneToOne, ratio, avg
	case ratio >= 0.20:
		return OneToFew, ratio, avg
	default:
		return OneToMany, ratio, avg
	}
}

// trendOf recomputes the integrity trend from the history via the slope of
// an index-vs-score linear regression. Slopes within ±0.5 are stable.
func trendOf(history []ValidationEntry) IntegrityTrend {
	if len(history) < 2 {
		return TrendStable
	}
	n := float64(len(history))
	var sumX, sumY, sumXY, sumXX float64
	for i, e := range history {
		x := float64(i)
		sumX += x
		sumY += e.IntegrityScore
		sumXY += x * e.IntegrityScore
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return TrendStable
	}
	slope := (n*sumXY - sumX*sumY) / denom
	switch {
	case slope > 0.5:
		return TrendImproving
	case slope < -0.5:
		return TrendDegrading
	default:
		return TrendStable
	}
}

// appendBounded pushes src onto the ring, evicting the oldest entries past
// the cap.
func appendBounded(sources []string, src string) []string {
	sources = append(sources, src)
	if len(sources) > maxCascadeSources {
		sources = sources[len(sources)-maxCascadeSources:]
	}
	return sources
}

// toPayload serializes the edge into the flat payload shape stored on the
// graph point.
func (e *Edge) toPayload() map[string]interface{} {
	samples := make([]interface{}, 0, len(e.OrphanSamples))
	for _, s := range e.OrphanSamples {
		samples = append(samples, map[string]interface{}{
			"source_record_id":  float64(s.SourceRecordID),
			"missing_target_id": float64(s.MissingTargetID),
		})
	}
	history := make([]interface{}, 0, len(e.History))
	for _, h := range e.History {
		history = append(history, map[string]interface{}{
			"timestamp":           h.Timestamp,
			"integrity_score":     h.IntegrityScore,
			"orphan_count":        float64(h.OrphanCount),
			"delta_from_previous": h.DeltaFromPrevious,
		})
	}
	sources := make([]interface{}, 0, len(e.CascadeSources))
	for _, s := range e.CascadeSources {
		sources = append(sources, s)
	}
	return map[string]interface{}{
		"point_type":                 string(sink.PointGraph),
		"source_model":               e.SourceModel,
		"source_model_id":            float64(e.SourceModelID),
		"field_id":                   float64(e.FieldID),
		"field_name":                 e.FieldName,
		"field_label":                e.FieldLabel,
		"relation":                   e.Kind.String(),
		"target_model":               e.TargetModel,
		"target_model_id":            float64(e.TargetModelID),
		"is_leaf":                    e.IsLeaf,
		"depth_from_origin":          float64(e.DepthFromOrigin),
		"edge_count":                 float64(e.EdgeCount),
		"unique_targets":             float64(e.UniqueTargets),
		"last_cascade":               e.LastCascade,
		"cascade_sources":            sources,
		"description":                e.Description,
		"last_validation":            e.LastValidation,
		"orphan_count":               float64(e.OrphanCount),
		"validation_integrity_score": e.IntegrityScore,
		"orphan_samples":             samples,
		"cardinality_class":          string(e.CardinalityClass),
		"cardinality_ratio":          e.CardinalityRatio,
		"avg_refs_per_target":        e.AvgRefsPerTarget,
		"validation_history":         history,
		"integrity_trend":            string(e.IntegrityTrend),
	}
}

// edgeFromPoint deserializes a graph point back into an Edge. The payload
// id fields must agree with the point id.
func edgeFromPoint(p sink.Point) (*Edge, error) {
	key, err := pointid.ParseGraph(p.ID)
	if err != nil {
		return nil, err
	}
	pl := p.Payload
	e := &Edge{
		ID:               p.ID,
		SourceModel:      payloadString(pl, "source_model"),
		SourceModelID:    key.SourceModelID,
		FieldID:          key.FieldID,
		FieldName:        payloadString(pl, "field_name"),
		FieldLabel:       payloadString(pl, "field_label"),
		Kind:             key.Kind,
		TargetModel:      payloadString(pl, "target_model"),
		TargetModelID:    key.TargetModelID,
		IsLeaf:           payloadBool(pl, "is_leaf"),
		DepthFromOrigin:  payloadInt(pl, "depth_from_origin"),
		EdgeCount:        payloadInt(pl, "edge_count"),
		UniqueTargets:    payloadInt(pl, "unique_targets"),
		LastCascade:      payloadString(pl, "last_cascade"),
		Description:      payloadString(pl, "description"),
		LastValidation:   payloadString(pl, "last_validation"),
		OrphanCount:      payloadInt(pl, "orphan_count"),
		IntegrityScore:   payloadFloat(pl, "validation_integrity_score"),
		CardinalityClass: CardinalityClass(payloadString(pl, "cardinality_class")),
		CardinalityRatio: payloadFloat(pl, "cardinality_ratio"),
		AvgRefsPerTarget: payloadFloat(pl, "avg_refs_per_target"),
		IntegrityTrend:   IntegrityTrend(payloadString(pl, "integrity_trend")),
	}
	if list, ok := pl["cascade_sources"].([]interface{}); ok {
		for _, v := range list {
			if s, ok := v.(string); ok {
				e.CascadeSources = append(e.CascadeSources, s)
			}
		}
	}
	if list, ok := pl["orphan_samples"].([]interface{}); ok {
		for _, v := range list {
			m, ok := v.(map[string]interface{})
			if !ok {
				continue
			}
			e.OrphanSamples = append(e.OrphanSamples, OrphanSample{
				SourceRecordID:  uint64(payloadFloat(m, "source_record_id")),
				MissingTargetID: uint64(payloadFloat(m, "missing_target_id")),
			})
		}
	}
	if list, ok := pl["validation_history"].([]interface{}); ok {
		for _, v := range list {
			m, ok := v.(map[string]interface{})
			if !ok {
				continue
			}
			e.History = append(e.History, ValidationEntry{
				Timestamp:         payloadString(m, "timestamp"),
				IntegrityScore:    payloadFloat(m, "integrity_score"),
				OrphanCount:       payloadInt(m, "orphan_count"),
				DeltaFromPrevious: payloadFloat(m, "delta_from_previous"),
			})
		}
	}
	return e, nil
}

func payloadString(pl map[string]interface{}, key string) string {
	s, _ := pl[key].(string)
	return s
}

func payloadBool(pl map[string]interface{}, key string) bool {
	b, _ := pl[key].(bool)
	return b
}

func payloadFloat(pl map[string]interface{}, key string) float64 {
	switch v := pl[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

func payloadInt(pl map[string]interface{}, key string) int {
	return int(payloadFloat(pl, key))
}

// describeEdge renders the natural-language description embedded for
// semantic search over the relationship landscape.
func describeEdge(e *Edge) string {
	return fmt.Sprintf("%s references %s through the %s field (%s, %s relation): %d references to %d distinct targets",
		e.SourceModel, e.TargetModel, e.FieldName, e.FieldLabel, e.Kind, e.EdgeCount, e.UniqueTargets)
}
