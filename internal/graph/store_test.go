package graph

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erpmirror/internal/embedding"
	"erpmirror/internal/pointid"
	"erpmirror/internal/sink"
)

// fakeEmbedder returns a constant unit vector; enough for search wiring.
type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string, role embedding.Role) ([]float32, error) {
	vec := make([]float32, embedding.Dimensions)
	vec[0] = 1
	return vec, nil
}

func (f fakeEmbedder) EmbedBatch(ctx context.Context, texts []string, role embedding.Role) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i], _ = f.Embed(ctx, texts[i], role)
	}
	return out, nil
}

func (fakeEmbedder) Dimensions() int { return embedding.Dimensions }
func (fakeEmbedder) Name() string    { return "fake" }

func newTestStore(t *testing.T) *Store {
	t.Helper()
	vs, err := sink.NewSQLiteSink(":memory:")
	require.NoError(t, err)
	store := NewStore(vs, fakeEmbedder{})
	t.Cleanup(func() {
		store.Close()
		vs.Close()
	})
	return store
}

func leadPartnerEdge() UpsertInput {
	return UpsertInput{
		SourceModel:   "lead",
		SourceModelID: 344,
		FieldID:       9001,
		FieldName:     "partner_id",
		FieldLabel:    "Partner",
		Kind:          pointid.RelationSingle,
		TargetModel:   "partner",
		TargetModelID: 78,
		EdgeCount:     3,
		UniqueTargets: 2,
		CascadeSource: "lead",
	}
}

func TestUpsertRelationshipCreatesEdge(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.UpsertRelationship(ctx, leadPartnerEdge())
	require.NoError(t, err)
	assert.Equal(t, pointid.Graph(344, 78, pointid.RelationSingle, 9001), id)

	edge, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, edge)
	assert.Equal(t, "lead", edge.SourceModel)
	assert.Equal(t, "partner", edge.TargetModel)
	assert.Equal(t, 3, edge.EdgeCount)
	assert.Equal(t, 2, edge.UniqueTargets)
	assert.Equal(t, []string{"lead"}, edge.CascadeSources)
	assert.NotEmpty(t, edge.LastCascade)
	assert.NotEmpty(t, edge.Description)
}

func TestUpsertRelationshipMergeRule(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	in := leadPartnerEdge()
	id, err := store.UpsertRelationship(ctx, in)
	require.NoError(t, err)

	// Replay: edge_count adds, unique_targets takes the max.
	in.EdgeCount = 5
	in.UniqueTargets = 1
	_, err = store.UpsertRelationship(ctx, in)
	require.NoError(t, err)

	edge, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 8, edge.EdgeCount)
	assert.Equal(t, 2, edge.UniqueTargets)
	assert.Equal(t, []string{"lead", "lead"}, edge.CascadeSources)
}

func TestUpsertRelationshipSetAbsolute(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.UpsertRelationship(ctx, leadPartnerEdge())
	require.NoError(t, err)

	in := leadPartnerEdge()
	in.EdgeCount = 1
	in.UniqueTargets = 1
	in.SetAbsolute = true
	in.CascadeSource = ""
	_, err = store.UpsertRelationship(ctx, in)
	require.NoError(t, err)

	edge, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, edge.EdgeCount)
	assert.Equal(t, 1, edge.UniqueTargets)
	assert.Equal(t, []string{"lead"}, edge.CascadeSources)
}

func TestCascadeSourcesBounded(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	in := leadPartnerEdge()
	var id = pointid.Graph(344, 78, pointid.RelationSingle, 9001)
	for i := 0; i < maxCascadeSources+20; i++ {
		in.CascadeSource = fmt.Sprintf("model_%d", i)
		_, err := store.UpsertRelationship(ctx, in)
		require.NoError(t, err)
	}
	edge, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Len(t, edge.CascadeSources, maxCascadeSources)
	// FIFO eviction: the oldest 20 are gone.
	assert.Equal(t, "model_20", edge.CascadeSources[0])
	assert.Equal(t, fmt.Sprintf("model_%d", maxCascadeSources+19), edge.CascadeSources[maxCascadeSources-1])
}

func TestClassifyCardinality(t *testing.T) {
	tests := []struct {
		unique, count int
		class         CardinalityClass
		ratio         float64
	}{
		{100, 100, OneToOne, 1.0},
		{96, 100, OneToOne, 0.96},
		{50, 100, OneToFew, 0.5},
		{20, 100, OneToFew, 0.2},
		{5, 100, OneToMany, 0.05},
		{1, 3, OneToFew, 0.333},
		{0, 0, OneToMany, 0},
	}
	for _, tt := range tests {
		class, ratio, _ := classifyCardinality(tt.unique, tt.count)
		assert.Equal(t, tt.class, class, "unique=%d count=%d", tt.unique, tt.count)
		assert.InDelta(t, tt.ratio, ratio, 1e-9)
	}
}

func TestOutgoingIncomingAndLeaf(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.UpsertRelationship(ctx, leadPartnerEdge())
	require.NoError(t, err)
	userEdge := UpsertInput{
		SourceModel: "lead", SourceModelID: 344, FieldID: 9002,
		FieldName: "user_id", FieldLabel: "Salesperson",
		Kind: pointid.RelationSingle, TargetModel: "user", TargetModelID: 4,
		EdgeCount: 1, UniqueTargets: 1, CascadeSource: "lead",
	}
	_, err = store.UpsertRelationship(ctx, userEdge)
	require.NoError(t, err)

	out, err := store.OutgoingOf(ctx, "lead")
	require.NoError(t, err)
	assert.Len(t, out, 2)

	in, err := store.IncomingOf(ctx, "user")
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.False(t, in[0].IsLeaf)

	leaf, err := store.IsLeaf(ctx, "user")
	require.NoError(t, err)
	assert.True(t, leaf)

	leaf, err = store.IsLeaf(ctx, "lead")
	require.NoError(t, err)
	assert.False(t, leaf)

	require.NoError(t, store.MarkLeaf(ctx, "user"))
	in, err = store.IncomingOf(ctx, "user")
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.True(t, in[0].IsLeaf)
}

func TestUpdateValidationCapsSamples(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.UpsertRelationship(ctx, leadPartnerEdge())
	require.NoError(t, err)

	samples := make([]OrphanSample, 15)
	for i := range samples {
		samples[i] = OrphanSample{SourceRecordID: uint64(i + 1), MissingTargetID: uint64(1000 + i)}
	}
	require.NoError(t, store.UpdateValidation(ctx, id, 15, 85.71, samples))

	edge, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 15, edge.OrphanCount)
	assert.InDelta(t, 85.71, edge.IntegrityScore, 1e-9)
	require.Len(t, edge.OrphanSamples, maxOrphanSamples)
	assert.Equal(t, uint64(1000), edge.OrphanSamples[0].MissingTargetID)
	assert.NotEmpty(t, edge.LastValidation)
}

func TestUpdateEdgeCountRederivesCardinality(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.UpsertRelationship(ctx, leadPartnerEdge())
	require.NoError(t, err)

	require.NoError(t, store.UpdateEdgeCount(ctx, id, 100, 98))
	edge, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 100, edge.EdgeCount)
	assert.Equal(t, 98, edge.UniqueTargets)
	assert.Equal(t, OneToOne, edge.CardinalityClass)
	assert.InDelta(t, 0.98, edge.CardinalityRatio, 1e-9)
}

func TestValidationHistoryWindowAndTrend(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.UpsertRelationship(ctx, leadPartnerEdge())
	require.NoError(t, err)

	// Degrading scores, more entries than the window.
	for i := 0; i < historyWindow+3; i++ {
		entry := ValidationEntry{
			Timestamp:      time.Date(2026, 1, i+1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339),
			IntegrityScore: 100 - float64(i*2),
			OrphanCount:    i,
		}
		require.NoError(t, store.AppendValidationHistory(ctx, id, entry))
	}

	edge, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Len(t, edge.History, historyWindow)
	assert.Equal(t, TrendDegrading, edge.IntegrityTrend)
	assert.InDelta(t, -2, edge.History[len(edge.History)-1].DeltaFromPrevious, 1e-9)
	// Oldest entries rolled off.
	assert.InDelta(t, 100-float64(3*2), edge.History[0].IntegrityScore, 1e-9)
}

func TestTrendOf(t *testing.T) {
	assert.Equal(t, TrendStable, trendOf(nil))
	assert.Equal(t, TrendStable, trendOf([]ValidationEntry{{IntegrityScore: 90}}))
	assert.Equal(t, TrendImproving, trendOf([]ValidationEntry{
		{IntegrityScore: 80}, {IntegrityScore: 85}, {IntegrityScore: 92},
	}))
	assert.Equal(t, TrendStable, trendOf([]ValidationEntry{
		{IntegrityScore: 90}, {IntegrityScore: 90.2}, {IntegrityScore: 90.1},
	}))
}

func TestTraverseBFS(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// lead → partner → user, lead → user; user is a leaf.
	edges := []UpsertInput{
		{SourceModel: "lead", SourceModelID: 344, FieldID: 1, FieldName: "partner_id",
			Kind: pointid.RelationSingle, TargetModel: "partner", TargetModelID: 78, EdgeCount: 1, UniqueTargets: 1},
		{SourceModel: "lead", SourceModelID: 344, FieldID: 2, FieldName: "user_id",
			Kind: pointid.RelationSingle, TargetModel: "user", TargetModelID: 4, EdgeCount: 1, UniqueTargets: 1},
		{SourceModel: "partner", SourceModelID: 78, FieldID: 3, FieldName: "user_id",
			Kind: pointid.RelationSingle, TargetModel: "user", TargetModelID: 4, EdgeCount: 1, UniqueTargets: 1},
	}
	for _, in := range edges {
		_, err := store.UpsertRelationship(ctx, in)
		require.NoError(t, err)
	}

	tr, err := store.Traverse(ctx, "lead", 5)
	require.NoError(t, err)
	require.Len(t, tr.NodesByDepth, 2)
	assert.Equal(t, []string{"lead"}, tr.NodesByDepth[0])
	assert.Equal(t, []string{"partner", "user"}, tr.NodesByDepth[1])
	assert.Len(t, tr.Edges, 3)
}

func TestTraverseDepthCap(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Chain m0 → m1 → … → m7, deeper than the cap.
	for i := 0; i < 8; i++ {
		_, err := store.UpsertRelationship(ctx, UpsertInput{
			SourceModel:   fmt.Sprintf("m%d", i),
			SourceModelID: uint16(i + 1),
			FieldID:       uint64(i + 1),
			FieldName:     "next_id",
			Kind:          pointid.RelationSingle,
			TargetModel:   fmt.Sprintf("m%d", i+1),
			TargetModelID: uint16(i + 2),
			EdgeCount:     1,
			UniqueTargets: 1,
		})
		require.NoError(t, err)
	}

	tr, err := store.Traverse(ctx, "m0", 0) // 0 means default cap
	require.NoError(t, err)
	assert.Len(t, tr.NodesByDepth, DefaultTraverseDepth+1)
}

func TestTraverseTerminatesOnCycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// a → b → a.
	_, err := store.UpsertRelationship(ctx, UpsertInput{
		SourceModel: "a", SourceModelID: 1, FieldID: 1, FieldName: "b_id",
		Kind: pointid.RelationSingle, TargetModel: "b", TargetModelID: 2, EdgeCount: 1, UniqueTargets: 1,
	})
	require.NoError(t, err)
	_, err = store.UpsertRelationship(ctx, UpsertInput{
		SourceModel: "b", SourceModelID: 2, FieldID: 2, FieldName: "a_id",
		Kind: pointid.RelationSingle, TargetModel: "a", TargetModelID: 1, EdgeCount: 1, UniqueTargets: 1,
	})
	require.NoError(t, err)

	tr, err := store.Traverse(ctx, "a", 5)
	require.NoError(t, err)
	assert.Len(t, tr.Edges, 2)
	assert.Len(t, tr.NodesByDepth, 2)
}

func TestStatsRoles(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// lead → partner, lead → user, partner → user.
	inputs := []UpsertInput{
		{SourceModel: "lead", SourceModelID: 344, FieldID: 1, FieldName: "partner_id",
			Kind: pointid.RelationSingle, TargetModel: "partner", TargetModelID: 78, EdgeCount: 5, UniqueTargets: 3},
		{SourceModel: "lead", SourceModelID: 344, FieldID: 2, FieldName: "user_id",
			Kind: pointid.RelationSingle, TargetModel: "user", TargetModelID: 4, EdgeCount: 5, UniqueTargets: 2},
		{SourceModel: "partner", SourceModelID: 78, FieldID: 3, FieldName: "user_id",
			Kind: pointid.RelationSingle, TargetModel: "user", TargetModelID: 4, EdgeCount: 2, UniqueTargets: 1},
	}
	for _, in := range inputs {
		_, err := store.UpsertRelationship(ctx, in)
		require.NoError(t, err)
	}

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalEdges)
	assert.Equal(t, 3, stats.TotalModels)
	assert.Equal(t, 12, stats.TotalReferences)
	assert.Contains(t, stats.Roles[RoleLeaf], "user")
	require.Len(t, stats.MostConnected, 3)
	// All three models tie at degree 2; ties break by name.
	assert.Equal(t, "lead", stats.MostConnected[0].Model)
}

func TestRoleOf(t *testing.T) {
	assert.Equal(t, RoleLeaf, roleOf(5, 0))
	assert.Equal(t, RoleIsolated, roleOf(1, 1))
	assert.Equal(t, RoleHub, roleOf(11, 11))
	assert.Equal(t, RoleSource, roleOf(2, 6))
	assert.Equal(t, RoleSink, roleOf(6, 2))
	assert.Equal(t, RoleBridge, roleOf(4, 4))
}

func TestSemanticSearchFindsEdges(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.UpsertRelationship(ctx, leadPartnerEdge())
	require.NoError(t, err)

	edges, err := store.SemanticSearch(ctx, "how do leads relate to partners", 3)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "lead", edges[0].SourceModel)
}

func TestEdgePayloadRoundTrip(t *testing.T) {
	e := &Edge{
		ID:               pointid.Graph(344, 78, pointid.RelationSingle, 9001),
		SourceModel:      "lead",
		SourceModelID:    344,
		FieldID:          9001,
		FieldName:        "partner_id",
		FieldLabel:       "Partner",
		Kind:             pointid.RelationSingle,
		TargetModel:      "partner",
		TargetModelID:    78,
		IsLeaf:           true,
		DepthFromOrigin:  2,
		EdgeCount:        42,
		UniqueTargets:    40,
		LastCascade:      "2026-08-24T10:00:00Z",
		CascadeSources:   []string{"lead", "opportunity"},
		Description:      "lead references partner",
		LastValidation:   "2026-08-24T11:00:00Z",
		OrphanCount:      2,
		IntegrityScore:   95.24,
		OrphanSamples:    []OrphanSample{{SourceRecordID: 1, MissingTargetID: 201}},
		CardinalityClass: OneToOne,
		CardinalityRatio: 0.952,
		AvgRefsPerTarget: 1.05,
		History:          []ValidationEntry{{Timestamp: "2026-08-24T11:00:00Z", IntegrityScore: 95.24, OrphanCount: 2}},
		IntegrityTrend:   TrendStable,
	}
	got, err := edgeFromPoint(sink.Point{ID: e.ID, Payload: e.toPayload()})
	require.NoError(t, err)
	assert.Equal(t, e, got)
}
