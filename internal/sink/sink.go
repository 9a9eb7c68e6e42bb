// Package sink is the vector store for the single logical collection. All
// point families (schema, data, graph, knowledge) live together,
// discriminated by the point_type payload field and the id namespace.
//
// The concrete store is SQLite: payloads as JSON, vectors as little-endian
// float32 blobs, cosine search either via the sqlite-vec extension (cgo
// builds with the sqlite_vec tag) or in-process. Callers wrap every call in
// a circuit breaker; the sink itself fails fast on malformed requests.
package sink

import (
	"context"

	"github.com/google/uuid"
)

// PointType discriminates the four payload shapes on the wire.
type PointType string

const (
	PointSchema    PointType = "schema"
	PointData      PointType = "data"
	PointGraph     PointType = "graph"
	PointKnowledge PointType = "knowledge"
)

// Point is one entry in the collection.
type Point struct {
	ID      uuid.UUID
	Vector  []float32
	Payload map[string]interface{}
}

// PointType reads the discriminator out of the payload.
func (p Point) PointType() PointType {
	if t, ok := p.Payload["point_type"].(string); ok {
		return PointType(t)
	}
	return ""
}

// ScoredPoint is a search hit.
type ScoredPoint struct {
	Point
	Score float64 // cosine similarity, higher is closer
}

// Op is a filter comparison operator.
type Op string

const (
	OpEq       Op = "eq"
	OpNeq      Op = "neq"
	OpGt       Op = "gt"
	OpGte      Op = "gte"
	OpLt       Op = "lt"
	OpLte      Op = "lte"
	OpIn       Op = "in"
	OpContains Op = "contains"
)

// Condition is one (field, op, value) predicate. Conditions in a filter
// are AND-ed.
type Condition struct {
	Field string
	Op    Op
	Value interface{}
}

// Filter is the sink's native filter algebra.
type Filter struct {
	Must []Condition
}

// Eq is a convenience constructor for the common equality filter.
func Eq(field string, value interface{}) Filter {
	return Filter{Must: []Condition{{Field: field, Op: OpEq, Value: value}}}
}

// And appends conditions to a filter.
func (f Filter) And(conds ...Condition) Filter {
	out := Filter{Must: make([]Condition, 0, len(f.Must)+len(conds))}
	out.Must = append(out.Must, f.Must...)
	out.Must = append(out.Must, conds...)
	return out
}

// ExistsChunkSize bounds each id-existence probe issued against the store.
const ExistsChunkSize = 500

// VectorSink is the contract the cores program against.
type VectorSink interface {
	// Upsert writes points idempotently by id.
	Upsert(ctx context.Context, points []Point) error

	// Retrieve returns the points for the given ids; missing ids are
	// silently absent from the result.
	Retrieve(ctx context.Context, ids []uuid.UUID) ([]Point, error)

	// Exists probes ids in chunks of ExistsChunkSize and reports presence.
	Exists(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]bool, error)

	// Scroll pages points matching the filter. cursor is opaque; "" starts
	// a scroll, "" returned means exhaustion.
	Scroll(ctx context.Context, f Filter, cursor string, limit int) ([]Point, string, error)

	// Count returns the number of points matching the filter.
	Count(ctx context.Context, f Filter) (int, error)

	// Search returns the k nearest points to vector among those matching
	// the filter, by cosine similarity.
	Search(ctx context.Context, vector []float32, f Filter, k int) ([]ScoredPoint, error)

	// Delete removes points by id.
	Delete(ctx context.Context, ids []uuid.UUID) error

	// DeleteByFilter removes all points matching the filter.
	DeleteByFilter(ctx context.Context, f Filter) error

	// EnsureIndexes creates payload indexes for the static indexed-field
	// list. Idempotent.
	EnsureIndexes(ctx context.Context) error

	// IndexedFields returns the static list of filterable payload fields.
	IndexedFields() []string

	Close() error
}

// DefaultIndexedFields is the static allow-list of payload fields the sink
// indexes and therefore accepts in filters. Filters referencing anything
// else must be rejected before the sink is called.
var DefaultIndexedFields = []string{
	"model_name",
	"model_id",
	"record_id",
	"point_type",
	"date",
	"state",
	"create_date",
	"write_date",
	"partner_id_id",
	"user_id_id",
	"company_id_id",
	"source_model",
	"target_model",
}
