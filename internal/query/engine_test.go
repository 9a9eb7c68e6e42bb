package query

import (
	"context"
	"errors"
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"erpmirror/internal/embedding"
	"erpmirror/internal/graph"
	"erpmirror/internal/mirrorerr"
	"erpmirror/internal/pointid"
	"erpmirror/internal/schema"
	"erpmirror/internal/sink"
)

func TestMain(m *testing.M) {
	// The genai dependency's opencensus worker starts at init and never
	// exits.
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string, role embedding.Role) ([]float32, error) {
	return []float32{1, 0, 0, 0}, nil
}

func (fakeEmbedder) EmbedBatch(ctx context.Context, texts []string, role embedding.Role) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0, 0}
	}
	return out, nil
}

func (fakeEmbedder) Dimensions() int { return 4 }
func (fakeEmbedder) Name() string    { return "fake" }

func testRegistry() *schema.Registry {
	return schema.NewRegistry([]schema.Model{
		{Name: "invoice", ModelID: 600, Fields: []schema.Field{
			{Name: "id", FieldID: 1, Type: schema.TypeNumber, Stored: true, InPayload: true},
			{Name: "name", Label: "Number", FieldID: 2, Type: schema.TypeString, Stored: true, InPayload: true},
			{Name: "amount_total", Label: "Total", FieldID: 3, Type: schema.TypeNumber, Stored: true, InPayload: true},
			{Name: "state", Label: "Status", FieldID: 4, Type: schema.TypeString, Stored: true, InPayload: true},
			{Name: "date", Label: "Date", FieldID: 5, Type: schema.TypeDate, Stored: true, InPayload: true},
			{Name: "delivery_date", Label: "Delivery", FieldID: 6, Type: schema.TypeDate, Stored: true, InPayload: true},
			{Name: "paid", Label: "Paid", FieldID: 7, Type: schema.TypeBoolean, Stored: true, InPayload: true},
			{Name: "partner_id", Label: "Customer", FieldID: 8, Type: schema.TypeRefSingle, Stored: true, InPayload: true, TargetModel: "partner", TargetModelID: 78},
			{Name: "analytic_distribution", Label: "Analytic", FieldID: 9, Type: schema.TypeJSON, Stored: true, InPayload: true, TargetModel: "analytic", TargetModelID: 720},
		}},
		{Name: "partner", ModelID: 78, Fields: []schema.Field{
			{Name: "id", FieldID: 10, Type: schema.TypeNumber, Stored: true, InPayload: true},
			{Name: "name", Label: "Name", FieldID: 11, Type: schema.TypeString, Stored: true, InPayload: true},
			{Name: "city", Label: "City", FieldID: 12, Type: schema.TypeString, Stored: true, InPayload: true},
		}},
		{Name: "analytic", ModelID: 720, Fields: []schema.Field{
			{Name: "id", FieldID: 13, Type: schema.TypeNumber, Stored: true, InPayload: true},
			{Name: "name", Label: "Name", FieldID: 14, Type: schema.TypeString, Stored: true, InPayload: true},
		}},
	}, sink.DefaultIndexedFields)
}

type fixture struct {
	vs sink.VectorSink
	gs *graph.Store
	e  *Engine
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	vs, err := sink.NewSQLiteSink(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { vs.Close() })
	gs := graph.NewStore(vs, fakeEmbedder{})
	t.Cleanup(gs.Close)
	return &fixture{vs: vs, gs: gs, e: NewEngine(testRegistry(), vs, gs, nil, nil, nil, opts)}
}

type invoice struct {
	id           uint64
	name         string
	amount       float64
	state        string
	deliveryDate string
	paid         bool
	partnerID    uint64
	vector       []float32
}

func (f *fixture) seedInvoice(t *testing.T, inv invoice) {
	t.Helper()
	payload := map[string]interface{}{
		"point_type":   "data",
		"model_name":   "invoice",
		"model_id":     600,
		"record_id":    int(inv.id),
		"name":         inv.name,
		"amount_total": inv.amount,
		"state":        inv.state,
		"paid":         inv.paid,
		"vector_text":  "invoice " + inv.name,
	}
	if inv.deliveryDate != "" {
		payload["delivery_date"] = inv.deliveryDate
	}
	if inv.partnerID != 0 {
		payload["partner_id_id"] = int(inv.partnerID)
		payload["partner_id_qdrant"] = pointid.Data(78, inv.partnerID).String()
	}
	vec := inv.vector
	if vec == nil {
		vec = []float32{1, 0, 0, 0}
	}
	require.NoError(t, f.vs.Upsert(context.Background(), []sink.Point{{
		ID: pointid.Data(600, inv.id), Vector: vec, Payload: payload,
	}}))
}

func (f *fixture) seedPartner(t *testing.T, id uint64, name, city string) {
	t.Helper()
	require.NoError(t, f.vs.Upsert(context.Background(), []sink.Point{{
		ID: pointid.Data(78, id),
		Payload: map[string]interface{}{
			"point_type": "data",
			"model_name": "partner",
			"model_id":   78,
			"record_id":  int(id),
			"name":       name,
			"city":       city,
		},
	}}))
}

func (f *fixture) seedStandardSet(t *testing.T) {
	t.Helper()
	f.seedPartner(t, 201, "Acme Corp", "Berlin")
	f.seedPartner(t, 202, "Globex", "Paris")
	f.seedInvoice(t, invoice{id: 1, name: "INV/001", amount: 100.5, state: "posted", deliveryDate: "2026-01-15", paid: true, partnerID: 201})
	f.seedInvoice(t, invoice{id: 2, name: "INV/002", amount: 200, state: "posted", deliveryDate: "2026-02-10", paid: false, partnerID: 202})
	f.seedInvoice(t, invoice{id: 3, name: "INV/003", amount: 50, state: "draft", deliveryDate: "2025-12-01", paid: false, partnerID: 201})
}

func TestAggregationWithGroupingAndChecksum(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedStandardSet(t)

	resp, err := f.e.Run(context.Background(), Request{
		Model:        "invoice",
		Aggregations: []Aggregation{{Field: "amount_total", Op: "sum", Alias: "total"}},
		GroupBy:      []string{"state"},
	})
	require.NoError(t, err)

	assert.Equal(t, "aggregate", resp.Mode)
	assert.Equal(t, 3, resp.Count)
	assert.Equal(t, 350.5, resp.GrandTotal["total"])

	require.Len(t, resp.Groups, 2)
	// Descending by the primary aggregate.
	assert.Equal(t, "posted", resp.Groups[0].Key["state"])
	assert.Equal(t, 300.5, resp.Groups[0].Values["total"])
	assert.Equal(t, 2, resp.Groups[0].Count)
	assert.Equal(t, "draft", resp.Groups[1].Key["state"])
	assert.Equal(t, 50.0, resp.Groups[1].Values["total"])

	require.NotNil(t, resp.Checksum)
	assert.Equal(t, 350.5, resp.Checksum.GrandTotal)
	assert.Equal(t, 3, resp.Checksum.RecordCount)
	assert.Equal(t, "sum", resp.Checksum.AggregationOp)
	assert.Equal(t, strconv.FormatInt(350503, 36), resp.Checksum.Hash)
}

func TestFilteredAggregationUsesIndexedFields(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedStandardSet(t)

	resp, err := f.e.Run(context.Background(), Request{
		Model:        "invoice",
		Filters:      []Condition{{Field: "state", Op: "eq", Value: "posted"}},
		Aggregations: []Aggregation{{Field: "amount_total", Op: "avg", Alias: "avg_total"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, 150.25, resp.GrandTotal["avg_total"])
}

func TestUnindexedFilterRejectedUpFront(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedStandardSet(t)

	_, err := f.e.Run(context.Background(), Request{
		Model: "invoice",
		Filters: []Condition{
			{Field: "amount_total", Op: "gte", Value: 100},
			{Field: "name", Op: "contains", Value: "INV"},
		},
	})
	var uerr *mirrorerr.UnindexedFilterError
	require.ErrorAs(t, err, &uerr)
	assert.ElementsMatch(t, []string{"amount_total", "name"}, uerr.Fields)
}

func TestDateRangeEscapeHatchOnUnindexedField(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedStandardSet(t)

	// delivery_date is not indexed, but range filters on date fields are
	// evaluated in-application.
	resp, err := f.e.Run(context.Background(), Request{
		Model: "invoice",
		Filters: []Condition{
			{Field: "delivery_date", Op: "gte", Value: "2026-01-01"},
			{Field: "delivery_date", Op: "lt", Value: "2026-02-01"},
		},
	})
	require.NoError(t, err)
	require.Len(t, resp.Records, 1)
	assert.Equal(t, "INV/001", resp.Records[0]["name"])
}

func TestBooleanEscapeHatchOnUnindexedField(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedStandardSet(t)

	resp, err := f.e.Run(context.Background(), Request{
		Model:   "invoice",
		Filters: []Condition{{Field: "paid", Op: "eq", Value: true}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Records, 1)
	assert.Equal(t, "INV/001", resp.Records[0]["name"])
}

func TestDotNotationFilterSingleHop(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedStandardSet(t)

	resp, err := f.e.Run(context.Background(), Request{
		Model:   "invoice",
		Filters: []Condition{{Field: "partner_id.city", Op: "eq", Value: "Berlin"}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Records, 2)
	for _, rec := range resp.Records {
		assert.Contains(t, []interface{}{"INV/001", "INV/003"}, rec["name"])
	}
}

func TestMultiHopDotNotationRejected(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedStandardSet(t)

	_, err := f.e.Run(context.Background(), Request{
		Model:   "invoice",
		Filters: []Condition{{Field: "partner_id.country_id.name", Op: "eq", Value: "Germany"}},
	})
	var verr *mirrorerr.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Problems[0], "single-hop")
}

func TestRecordProjectionLimitAndOffset(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedStandardSet(t)

	resp, err := f.e.Run(context.Background(), Request{
		Model:  "invoice",
		Fields: []string{"name", "amount_total", "partner_id.name"},
		Limit:  2,
		Offset: 1,
	})
	require.NoError(t, err)
	require.Len(t, resp.Records, 2)
	rec := resp.Records[0]
	assert.Equal(t, "INV/002", rec["name"])
	assert.Equal(t, 200.0, rec["amount_total"])
	assert.Equal(t, "Globex", rec["partner_id.name"])
	_, hasState := rec["state"]
	assert.False(t, hasState)
}

func TestProjectionOmitsVectorText(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedStandardSet(t)

	resp, err := f.e.Run(context.Background(), Request{Model: "invoice", Limit: 1})
	require.NoError(t, err)
	require.Len(t, resp.Records, 1)
	_, hasVectorText := resp.Records[0]["vector_text"]
	assert.False(t, hasVectorText)
}

func TestLinkResolutionAttachesTargetFields(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedStandardSet(t)

	resp, err := f.e.Run(context.Background(), Request{
		Model:   "invoice",
		Filters: []Condition{{Field: "record_id", Op: "eq", Value: 1}},
		Link:    []string{"partner_id"},
	})
	require.NoError(t, err)
	require.Len(t, resp.Records, 1)

	resolved, ok := resp.Records[0]["partner_id_resolved"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "Acme Corp", resolved["name"])
	assert.Equal(t, "partner", resolved["model"])
}

func TestLinkJSONExpandsWeightMap(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.vs.Upsert(context.Background(), []sink.Point{
		{
			ID: pointid.Data(720, 42),
			Payload: map[string]interface{}{
				"point_type": "data", "model_name": "analytic", "model_id": 720,
				"record_id": 42, "name": "R&D",
			},
		},
		{
			ID: pointid.Data(600, 9),
			Payload: map[string]interface{}{
				"point_type": "data", "model_name": "invoice", "model_id": 600,
				"record_id": 9, "name": "INV/009", "amount_total": 80.0, "state": "posted",
				"analytic_distribution": map[string]interface{}{"42": 60.0, "43": 40.0},
			},
		},
	}))

	resp, err := f.e.Run(context.Background(), Request{
		Model:    "invoice",
		LinkJSON: []string{"analytic_distribution"},
	})
	require.NoError(t, err)
	require.Len(t, resp.Records, 1)

	entries, ok := resp.Records[0]["analytic_distribution_resolved"].([]map[string]interface{})
	require.True(t, ok)
	require.Len(t, entries, 2)
	byID := map[uint64]map[string]interface{}{}
	for _, e := range entries {
		byID[e["record_id"].(uint64)] = e
	}
	assert.Equal(t, "R&D", byID[42]["name"])
	assert.Equal(t, 60.0, byID[42]["weight"])
	// 43 never synced; the weight survives without a name.
	_, hasName := byID[43]["name"]
	assert.False(t, hasName)
}

func TestRowScanLimitTruncates(t *testing.T) {
	f := newFixture(t, Options{RowScanLimit: 2})
	f.seedStandardSet(t)

	resp, err := f.e.Run(context.Background(), Request{
		Model:        "invoice",
		Aggregations: []Aggregation{{Op: "count"}},
	})
	require.NoError(t, err)
	assert.True(t, resp.Truncated)
	assert.Equal(t, 2, resp.Count)
	require.NotEmpty(t, resp.Warnings)
	assert.Contains(t, resp.Warnings[0], "row scan limit")
}

func TestImplicitDetailDowngradesToTopN(t *testing.T) {
	f := newFixture(t, Options{TokenThreshold: 400})
	for i := uint64(1); i <= 6; i++ {
		f.seedInvoice(t, invoice{id: i, name: "INV/" + strconv.FormatUint(i, 10), amount: float64(i * 10), state: "s" + strconv.FormatUint(i, 10)})
	}

	resp, err := f.e.Run(context.Background(), Request{
		Model:        "invoice",
		Aggregations: []Aggregation{{Field: "amount_total", Op: "sum", Alias: "total"}},
		GroupBy:      []string{"state"},
		TopN:         2,
	})
	require.NoError(t, err)
	assert.Equal(t, DetailTopN, resp.DetailLevel)
	require.Len(t, resp.Groups, 2)
	assert.Equal(t, 60.0, resp.Groups[0].Values["total"])
	require.NotNil(t, resp.RemainingGroups)
	assert.Equal(t, 4, resp.RemainingGroups.Count)
	assert.Equal(t, 100.0, resp.RemainingGroups.Values["total"]) // 10+20+30+40
	require.NotEmpty(t, resp.Warnings)
}

func TestExplicitFullIsHonoredWithWarning(t *testing.T) {
	f := newFixture(t, Options{TokenThreshold: 400})
	for i := uint64(1); i <= 6; i++ {
		f.seedInvoice(t, invoice{id: i, name: "INV", amount: 10, state: "s" + strconv.FormatUint(i, 10)})
	}

	resp, err := f.e.Run(context.Background(), Request{
		Model:        "invoice",
		Aggregations: []Aggregation{{Field: "amount_total", Op: "sum"}},
		GroupBy:      []string{"state"},
		DetailLevel:  DetailFull,
	})
	require.NoError(t, err)
	assert.Equal(t, DetailFull, resp.DetailLevel)
	assert.Len(t, resp.Groups, 6)
	require.NotEmpty(t, resp.Warnings)
	assert.Contains(t, resp.Warnings[0], "consider detail_level")
}

func TestSummaryLevelKeepsOnlyTotalsAndChecksum(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedStandardSet(t)

	resp, err := f.e.Run(context.Background(), Request{
		Model:        "invoice",
		Aggregations: []Aggregation{{Field: "amount_total", Op: "sum", Alias: "total"}},
		GroupBy:      []string{"state"},
		DetailLevel:  DetailSummary,
	})
	require.NoError(t, err)
	assert.Nil(t, resp.Groups)
	assert.Equal(t, 350.5, resp.GrandTotal["total"])
	require.NotNil(t, resp.Checksum)
	assert.Equal(t, 2, resp.GroupCount)
}

func TestExportReplacesInlineBody(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, Options{})
	f.seedStandardSet(t)
	f.e.exports = NewExportWriter(dir, nil)

	resp, err := f.e.Run(context.Background(), Request{
		Model:        "invoice",
		ExportToFile: true,
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Export)
	assert.Nil(t, resp.Records)
	assert.Greater(t, resp.Export.SizeBytes, int64(0))
	_, statErr := os.Stat(resp.Export.Path)
	assert.NoError(t, statErr)
}

func TestValidationStatusEnrichmentFlagsOrphan(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedPartner(t, 201, "Acme Corp", "Berlin")
	f.seedInvoice(t, invoice{id: 1, name: "INV/001", amount: 10, state: "posted", partnerID: 201})
	f.seedInvoice(t, invoice{id: 2, name: "INV/002", amount: 20, state: "posted", partnerID: 999}) // dangling

	resp, err := f.e.Run(context.Background(), Request{
		Model:                   "invoice",
		IncludeValidationStatus: true,
	})
	require.NoError(t, err)
	require.Len(t, resp.Records, 2)

	byName := map[string]map[string]interface{}{}
	for _, rec := range resp.Records {
		byName[rec["name"].(string)] = rec["validation_status"].(map[string]interface{})
	}
	assert.Equal(t, 100.0, byName["INV/001"]["integrity_score"])
	assert.Equal(t, 0.0, byName["INV/002"]["integrity_score"])
	assert.Equal(t, []string{"partner_id"}, byName["INV/002"]["orphan_fields"])
}

func TestEnrichmentIsBounded(t *testing.T) {
	f := newFixture(t, Options{MaxEnrichedRecords: 1})
	f.seedStandardSet(t)

	resp, err := f.e.Run(context.Background(), Request{
		Model:                   "invoice",
		IncludeValidationStatus: true,
	})
	require.NoError(t, err)
	require.Len(t, resp.Records, 3)

	enriched := 0
	for _, rec := range resp.Records {
		if _, ok := rec["validation_status"]; ok {
			enriched++
		}
	}
	assert.Equal(t, 1, enriched)
	require.NotEmpty(t, resp.Warnings)
	assert.Contains(t, resp.Warnings[0], "first 1 of 3")
}

func TestGraphContextCountsIncomingReferences(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedStandardSet(t)
	_, err := f.gs.UpsertRelationship(context.Background(), graph.UpsertInput{
		SourceModel: "invoice", SourceModelID: 600,
		FieldID: 8, FieldName: "partner_id", FieldLabel: "Customer",
		Kind: pointid.RelationSingle, TargetModel: "partner", TargetModelID: 78,
		EdgeCount: 3, UniqueTargets: 2,
	})
	require.NoError(t, err)

	resp, err := f.e.Run(context.Background(), Request{
		Model:               "partner",
		Filters:             []Condition{{Field: "record_id", Op: "eq", Value: 201}},
		IncludeGraphContext: true,
	})
	require.NoError(t, err)
	require.Len(t, resp.Records, 1)

	gc, ok := resp.Records[0]["graph_context"].(map[string]interface{})
	require.True(t, ok)
	incoming := gc["incoming_references"].(map[string]interface{})
	assert.Equal(t, 2, incoming["invoice.partner_id"])
}

func TestSimilarRecordsExcludeSelf(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedInvoice(t, invoice{id: 1, name: "INV/001", amount: 10, state: "posted", vector: []float32{1, 0, 0, 0}})
	f.seedInvoice(t, invoice{id: 2, name: "INV/002", amount: 20, state: "posted", vector: []float32{0.9, 0.1, 0, 0}})
	f.seedInvoice(t, invoice{id: 3, name: "INV/003", amount: 30, state: "posted", vector: []float32{0, 1, 0, 0}})

	resp, err := f.e.Run(context.Background(), Request{
		Model:          "invoice",
		Filters:        []Condition{{Field: "record_id", Op: "eq", Value: 1}},
		IncludeSimilar: true,
		SimilarLimit:   2,
	})
	require.NoError(t, err)
	require.Len(t, resp.Records, 1)

	similar, ok := resp.Records[0]["similar_records"].([]map[string]interface{})
	require.True(t, ok)
	require.Len(t, similar, 2)
	assert.Equal(t, 2.0, similar[0]["record_id"]) // nearest neighbour first
}

func TestUnknownModelSuggestsAlternatives(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.e.Run(context.Background(), Request{Model: "invoices"})
	var serr *mirrorerr.SchemaMissingError
	require.ErrorAs(t, err, &serr)
	assert.Contains(t, serr.Suggestions, "invoice")
}

func TestEmptyRegistryRejected(t *testing.T) {
	vs, err := sink.NewSQLiteSink(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { vs.Close() })
	e := NewEngine(schema.NewRegistry(nil, nil), vs, nil, nil, nil, nil, Options{})

	_, err = e.Run(context.Background(), Request{Model: "invoice"})
	assert.True(t, errors.Is(err, mirrorerr.ErrSchemaEmpty))
}

func TestGroupByWithoutAggregationRejected(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.e.Run(context.Background(), Request{Model: "invoice", GroupBy: []string{"state"}})
	var verr *mirrorerr.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestChecksumWithNegativeGrandTotal(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedInvoice(t, invoice{id: 1, name: "RINV/001", amount: -100.5, state: "posted"})
	f.seedInvoice(t, invoice{id: 2, name: "RINV/002", amount: -250.0, state: "posted"})

	resp, err := f.e.Run(context.Background(), Request{
		Model:        "invoice",
		Aggregations: []Aggregation{{Field: "amount_total", Op: "sum", Alias: "total"}},
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Checksum)
	assert.Equal(t, -350.5, resp.Checksum.GrandTotal)
	// |−350500 + 2|: the count offsets the scaled total before the abs.
	assert.Equal(t, strconv.FormatInt(350498, 36), resp.Checksum.Hash)
}

func TestTopNRemainderWeightsAverages(t *testing.T) {
	f := newFixture(t, Options{})
	// Group a (sum 200) survives; b (3 records, avg 40) and c (1 record,
	// avg 20) fold into the remainder.
	f.seedInvoice(t, invoice{id: 1, name: "INV/1", amount: 200, state: "a"})
	f.seedInvoice(t, invoice{id: 2, name: "INV/2", amount: 50, state: "b"})
	f.seedInvoice(t, invoice{id: 3, name: "INV/3", amount: 40, state: "b"})
	f.seedInvoice(t, invoice{id: 4, name: "INV/4", amount: 30, state: "b"})
	f.seedInvoice(t, invoice{id: 5, name: "INV/5", amount: 20, state: "c"})

	resp, err := f.e.Run(context.Background(), Request{
		Model: "invoice",
		Aggregations: []Aggregation{
			{Field: "amount_total", Op: "sum", Alias: "total"},
			{Field: "amount_total", Op: "avg", Alias: "avg_total"},
		},
		GroupBy:     []string{"state"},
		DetailLevel: DetailTopN,
		TopN:        1,
	})
	require.NoError(t, err)
	require.Len(t, resp.Groups, 1)
	require.NotNil(t, resp.RemainingGroups)
	assert.Equal(t, 4, resp.RemainingGroups.Count)
	assert.Equal(t, 140.0, resp.RemainingGroups.Values["total"])
	// (40×3 + 20×1) / 4, not 40+20.
	assert.Equal(t, 35.0, resp.RemainingGroups.Values["avg_total"])
}
