package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"erpmirror/internal/embedding"
	"erpmirror/internal/logging"
	"erpmirror/internal/pointid"
	"erpmirror/internal/sink"
)

const (
	// DefaultTraverseDepth caps BFS traversal.
	DefaultTraverseDepth = 5

	// DefaultCacheTTL is the OutgoingOf/IncomingOf cache lifetime, overridden
	// by GRAPH_CACHE_TTL_MS.
	DefaultCacheTTL = 5 * time.Minute

	// scrollPage is the page size used for edge scrolls.
	scrollPage = 200
)

// Store provides CRUD and traversal over graph edges. Edges live in the
// shared vector collection; the store owns no storage of its own beyond a
// TTL cache on the two hot adjacency lookups.
type Store struct {
	sink     sink.VectorSink
	embedder embedding.Engine // optional; nil disables description vectors

	cache *ttlCache
	now   func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithCacheTTL overrides the adjacency cache lifetime.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Store) { s.cache.ttl = ttl }
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore builds a graph store over the shared sink. embedder may be nil,
// in which case edges carry no description vector and SemanticSearch fails.
func NewStore(vs sink.VectorSink, embedder embedding.Engine, opts ...Option) *Store {
	s := &Store{
		sink:     vs,
		embedder: embedder,
		cache:    newTTLCache(DefaultCacheTTL),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cache.startReaper()
	return s
}

// Close stops the cache reaper. The sink is not closed; it is shared.
func (s *Store) Close() {
	s.cache.stopReaper()
}

// InvalidateCache drops all cached adjacency lists. Called after schema
// sync, when the model universe may have changed.
func (s *Store) InvalidateCache() {
	s.cache.clear()
}

// UpsertInput is one observation of a relationship, usually produced at
// edge-materialization time by the cascade coordinator.
type UpsertInput struct {
	SourceModel   string
	SourceModelID uint16
	FieldID       uint64
	FieldName     string
	FieldLabel    string
	Kind          pointid.RelationKind
	TargetModel   string
	TargetModelID uint16

	EdgeCount       int
	UniqueTargets   int
	DepthFromOrigin int
	CascadeSource   string // model that caused this write

	// SetAbsolute replaces the counters instead of merging them. Used by
	// the healer; normal cascade writes merge.
	SetAbsolute bool
}

// UpsertRelationship writes one edge, idempotent by derived id. Counter
// merge rule: edge_count adds, unique_targets takes the max; SetAbsolute
// replaces both. cascade_sources appends bounded; everything else is
// last-writer-wins.
func (s *Store) UpsertRelationship(ctx context.Context, in UpsertInput) (uuid.UUID, error) {
	id := pointid.Graph(in.SourceModelID, in.TargetModelID, in.Kind, in.FieldID)

	edge, err := s.Get(ctx, id)
	if err != nil {
		return uuid.Nil, err
	}
	if edge == nil {
		edge = &Edge{
			ID:            id,
			SourceModel:   in.SourceModel,
			SourceModelID: in.SourceModelID,
			FieldID:       in.FieldID,
			Kind:          in.Kind,
			TargetModel:   in.TargetModel,
			TargetModelID: in.TargetModelID,
		}
	}

	edge.FieldName = in.FieldName
	edge.FieldLabel = in.FieldLabel
	edge.SourceModel = in.SourceModel
	edge.TargetModel = in.TargetModel
	edge.DepthFromOrigin = in.DepthFromOrigin

	if in.SetAbsolute {
		edge.EdgeCount = in.EdgeCount
		edge.UniqueTargets = in.UniqueTargets
	} else {
		edge.EdgeCount += in.EdgeCount
		if in.UniqueTargets > edge.UniqueTargets {
			edge.UniqueTargets = in.UniqueTargets
		}
	}
	edge.CardinalityClass, edge.CardinalityRatio, edge.AvgRefsPerTarget =
		classifyCardinality(edge.UniqueTargets, edge.EdgeCount)

	edge.LastCascade = s.now().UTC().Format(time.RFC3339)
	if in.CascadeSource != "" {
		edge.CascadeSources = appendBounded(edge.CascadeSources, in.CascadeSource)
	}
	edge.Description = describeEdge(edge)

	if err := s.writeEdge(ctx, edge, true); err != nil {
		return uuid.Nil, err
	}
	logging.GraphDebug("Upserted edge %s → %s via %s (count=%d unique=%d)",
		edge.SourceModel, edge.TargetModel, edge.FieldName, edge.EdgeCount, edge.UniqueTargets)
	return id, nil
}

// writeEdge persists an edge and invalidates the adjacency cache for both
// endpoints. reembed controls whether the description vector is refreshed.
func (s *Store) writeEdge(ctx context.Context, edge *Edge, reembed bool) error {
	point := sink.Point{ID: edge.ID, Payload: edge.toPayload()}
	if reembed && s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, edge.Description, embedding.RoleDocument)
		if err != nil {
			// Edges stay queryable by filter even when embedding is down.
			logging.Get(logging.CategoryGraph).Warn("Edge description embed failed, writing without vector: %v", err)
		} else {
			point.Vector = vec
		}
	}
	if err := s.sink.Upsert(ctx, []sink.Point{point}); err != nil {
		return fmt.Errorf("upsert edge %s: %w", edge.ID, err)
	}
	s.cache.invalidate(outKey(edge.SourceModel))
	s.cache.invalidate(inKey(edge.TargetModel))
	return nil
}

// Get returns the edge with the given id, or nil when absent.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Edge, error) {
	points, err := s.sink.Retrieve(ctx, []uuid.UUID{id})
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, nil
	}
	return edgeFromPoint(points[0])
}

func outKey(model string) string { return "out:" + model }
func inKey(model string) string  { return "in:" + model }

// OutgoingOf returns the edges whose source is model. Cached.
func (s *Store) OutgoingOf(ctx context.Context, model string) ([]*Edge, error) {
	if edges, ok := s.cache.get(outKey(model)); ok {
		return edges, nil
	}
	edges, err := s.scrollEdges(ctx, sink.Eq("point_type", string(sink.PointGraph)).
		And(sink.Condition{Field: "source_model", Op: sink.OpEq, Value: model}))
	if err != nil {
		return nil, err
	}
	s.cache.put(outKey(model), edges)
	return edges, nil
}

// IncomingOf returns the edges whose target is model. Cached.
func (s *Store) IncomingOf(ctx context.Context, model string) ([]*Edge, error) {
	if edges, ok := s.cache.get(inKey(model)); ok {
		return edges, nil
	}
	edges, err := s.scrollEdges(ctx, sink.Eq("point_type", string(sink.PointGraph)).
		And(sink.Condition{Field: "target_model", Op: sink.OpEq, Value: model}))
	if err != nil {
		return nil, err
	}
	s.cache.put(inKey(model), edges)
	return edges, nil
}

func (s *Store) scrollEdges(ctx context.Context, f sink.Filter) ([]*Edge, error) {
	var edges []*Edge
	cursor := ""
	for {
		points, next, err := s.sink.Scroll(ctx, f, cursor, scrollPage)
		if err != nil {
			return nil, err
		}
		for _, p := range points {
			edge, err := edgeFromPoint(p)
			if err != nil {
				return nil, fmt.Errorf("malformed edge point %s: %w", p.ID, err)
			}
			edges = append(edges, edge)
		}
		if next == "" {
			return edges, nil
		}
		cursor = next
	}
}

// IsLeaf reports whether model has no outgoing FK edges.
func (s *Store) IsLeaf(ctx context.Context, model string) (bool, error) {
	out, err := s.OutgoingOf(ctx, model)
	if err != nil {
		return false, err
	}
	return len(out) == 0, nil
}

// MarkLeaf flips is_leaf on every edge targeting model.
func (s *Store) MarkLeaf(ctx context.Context, model string) error {
	edges, err := s.IncomingOf(ctx, model)
	if err != nil {
		return err
	}
	for _, edge := range edges {
		if edge.IsLeaf {
			continue
		}
		edge.IsLeaf = true
		if err := s.writeEdge(ctx, edge, false); err != nil {
			return err
		}
	}
	return nil
}

// UpdateValidation stores a validation verdict on an edge. Samples beyond
// 10 are dropped (first encountered win).
func (s *Store) UpdateValidation(ctx context.Context, id uuid.UUID, orphanCount int, integrityScore float64, samples []OrphanSample) error {
	edge, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if edge == nil {
		return fmt.Errorf("edge %s not found", id)
	}
	if len(samples) > maxOrphanSamples {
		samples = samples[:maxOrphanSamples]
	}
	edge.LastValidation = s.now().UTC().Format(time.RFC3339)
	edge.OrphanCount = orphanCount
	edge.IntegrityScore = integrityScore
	edge.OrphanSamples = samples
	return s.writeEdge(ctx, edge, false)
}

// UpdateEdgeCount replaces the counters with observed actuals, for the
// healer. Cardinality is re-derived.
func (s *Store) UpdateEdgeCount(ctx context.Context, id uuid.UUID, actualEdgeCount, actualUniqueTargets int) error {
	edge, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if edge == nil {
		return fmt.Errorf("edge %s not found", id)
	}
	edge.EdgeCount = actualEdgeCount
	edge.UniqueTargets = actualUniqueTargets
	edge.CardinalityClass, edge.CardinalityRatio, edge.AvgRefsPerTarget =
		classifyCardinality(edge.UniqueTargets, edge.EdgeCount)
	return s.writeEdge(ctx, edge, false)
}

// UpdatePatternMetadata re-derives the cardinality fields from observed
// actuals without replacing the stored counters. Used by pattern
// extraction, where counters may be intentionally stale.
func (s *Store) UpdatePatternMetadata(ctx context.Context, id uuid.UUID, actualRefs, uniqueTargets int) error {
	edge, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if edge == nil {
		return fmt.Errorf("edge %s not found", id)
	}
	edge.CardinalityClass, edge.CardinalityRatio, edge.AvgRefsPerTarget =
		classifyCardinality(uniqueTargets, actualRefs)
	return s.writeEdge(ctx, edge, false)
}

// AppendValidationHistory pushes one entry onto the rolling window,
// computing delta_from_previous and recomputing the trend.
func (s *Store) AppendValidationHistory(ctx context.Context, id uuid.UUID, entry ValidationEntry) error {
	edge, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if edge == nil {
		return fmt.Errorf("edge %s not found", id)
	}
	if n := len(edge.History); n > 0 {
		entry.DeltaFromPrevious = entry.IntegrityScore - edge.History[n-1].IntegrityScore
	}
	edge.History = append(edge.History, entry)
	if len(edge.History) > historyWindow {
		edge.History = edge.History[len(edge.History)-historyWindow:]
	}
	edge.IntegrityTrend = trendOf(edge.History)
	return s.writeEdge(ctx, edge, false)
}

// Traversal is the result of a BFS walk.
type Traversal struct {
	Origin       string
	NodesByDepth [][]string
	Edges        []*Edge
}

// Traverse walks outgoing edges breadth-first from startModel, up to
// maxDepth levels (capped at DefaultTraverseDepth when zero or larger).
func (s *Store) Traverse(ctx context.Context, startModel string, maxDepth int) (*Traversal, error) {
	if maxDepth <= 0 || maxDepth > DefaultTraverseDepth {
		maxDepth = DefaultTraverseDepth
	}

	result := &Traversal{Origin: startModel}
	visited := map[string]bool{startModel: true}
	seenEdges := map[uuid.UUID]bool{}
	frontier := []string{startModel}
	result.NodesByDepth = append(result.NodesByDepth, frontier)

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, model := range frontier {
			edges, err := s.OutgoingOf(ctx, model)
			if err != nil {
				return nil, err
			}
			for _, edge := range edges {
				if !seenEdges[edge.ID] {
					seenEdges[edge.ID] = true
					result.Edges = append(result.Edges, edge)
				}
				if !visited[edge.TargetModel] {
					visited[edge.TargetModel] = true
					next = append(next, edge.TargetModel)
				}
			}
		}
		if len(next) > 0 {
			sort.Strings(next)
			result.NodesByDepth = append(result.NodesByDepth, next)
		}
		frontier = next
	}
	return result, nil
}

// SemanticSearch embeds the query and searches over edge description
// vectors. Requires an embedder.
func (s *Store) SemanticSearch(ctx context.Context, query string, k int) ([]*Edge, error) {
	if s.embedder == nil {
		return nil, fmt.Errorf("semantic search requires an embedding engine")
	}
	vec, err := s.embedder.Embed(ctx, query, embedding.RoleQuery)
	if err != nil {
		return nil, err
	}
	hits, err := s.sink.Search(ctx, vec, sink.Eq("point_type", string(sink.PointGraph)), k)
	if err != nil {
		return nil, err
	}
	edges := make([]*Edge, 0, len(hits))
	for _, hit := range hits {
		edge, err := edgeFromPoint(hit.Point)
		if err != nil {
			return nil, err
		}
		edges = append(edges, edge)
	}
	return edges, nil
}

// ModelRole classifies a model by its in/out degree in the graph.
type ModelRole string

const (
	RoleLeaf     ModelRole = "leaf"
	RoleIsolated ModelRole = "isolated"
	RoleHub      ModelRole = "hub"
	RoleSource   ModelRole = "source"
	RoleSink     ModelRole = "sink"
	RoleBridge   ModelRole = "bridge"
)

// roleOf derives a role from edge degrees.
func roleOf(in, out int) ModelRole {
	switch {
	case out == 0:
		return RoleLeaf
	case in+out < 3:
		return RoleIsolated
	case in > 10 && out > 10:
		return RoleHub
	case out > 5 && in < 3:
		return RoleSource
	case in > 5 && out < 3:
		return RoleSink
	default:
		return RoleBridge
	}
}

// ModelStats is the per-model degree summary.
type ModelStats struct {
	Model     string    `json:"model"`
	InDegree  int       `json:"in_degree"`
	OutDegree int       `json:"out_degree"`
	Role      ModelRole `json:"role"`
}

// Stats is the graph-wide summary.
type Stats struct {
	TotalEdges      int                    `json:"total_edges"`
	TotalModels     int                    `json:"total_models"`
	TotalReferences int                    `json:"total_references"`
	Roles           map[ModelRole][]string `json:"roles"`
	MostConnected   []ModelStats           `json:"most_connected"`
}

// Stats scans every edge and summarizes the relationship landscape.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	edges, err := s.scrollEdges(ctx, sink.Eq("point_type", string(sink.PointGraph)))
	if err != nil {
		return nil, err
	}

	in := map[string]int{}
	out := map[string]int{}
	models := map[string]bool{}
	totalRefs := 0
	for _, edge := range edges {
		out[edge.SourceModel]++
		in[edge.TargetModel]++
		models[edge.SourceModel] = true
		models[edge.TargetModel] = true
		totalRefs += edge.EdgeCount
	}

	stats := &Stats{
		TotalEdges:      len(edges),
		TotalModels:     len(models),
		TotalReferences: totalRefs,
		Roles:           map[ModelRole][]string{},
	}
	perModel := make([]ModelStats, 0, len(models))
	for model := range models {
		ms := ModelStats{Model: model, InDegree: in[model], OutDegree: out[model]}
		ms.Role = roleOf(ms.InDegree, ms.OutDegree)
		perModel = append(perModel, ms)
		stats.Roles[ms.Role] = append(stats.Roles[ms.Role], model)
	}
	for _, list := range stats.Roles {
		sort.Strings(list)
	}
	sort.Slice(perModel, func(i, j int) bool {
		di, dj := perModel[i].InDegree+perModel[i].OutDegree, perModel[j].InDegree+perModel[j].OutDegree
		if di != dj {
			return di > dj
		}
		return perModel[i].Model < perModel[j].Model
	})
	if len(perModel) > 5 {
		perModel = perModel[:5]
	}
	stats.MostConnected = perModel
	return stats, nil
}

// =============================================================================
// TTL CACHE - adjacency lookups are hot during cascades and enrichment.
// =============================================================================

type cacheEntry struct {
	edges   []*Edge
	expires time.Time
}

type ttlCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	stop    chan struct{}
	done    chan struct{}
}

func newTTLCache(ttl time.Duration) *ttlCache {
	return &ttlCache{
		entries: map[string]cacheEntry{},
		ttl:     ttl,
	}
}

func (c *ttlCache) get(key string) ([]*Edge, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expires) {
		return nil, false
	}
	return entry.edges, true
}

func (c *ttlCache) put(key string, edges []*Edge) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{edges: edges, expires: time.Now().Add(c.ttl)}
}

func (c *ttlCache) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *ttlCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[string]cacheEntry{}
}

// startReaper sweeps expired entries in the background. Stopped via
// stopReaper.
func (c *ttlCache) startReaper() {
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	interval := c.ttl
	if interval < time.Second {
		interval = time.Second
	}
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				now := time.Now()
				c.mu.Lock()
				for key, entry := range c.entries {
					if now.After(entry.expires) {
						delete(c.entries, key)
					}
				}
				c.mu.Unlock()
			}
		}
	}()
}

func (c *ttlCache) stopReaper() {
	if c.stop == nil {
		return
	}
	close(c.stop)
	<-c.done
	c.stop = nil
}
