package schema

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"erpmirror/internal/embedding"
	"erpmirror/internal/pointid"
	"erpmirror/internal/sink"
)

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

func syncModels() []Model {
	return []Model{
		{Name: "lead", ModelID: 344, Fields: []Field{
			{Name: "id", FieldID: 9000, Type: TypeNumber, Stored: true, InPayload: true},
			{Name: "name", Label: "Opportunity", FieldID: 9001, Type: TypeString, Stored: true, InPayload: true},
			{Name: "partner_id", Label: "Customer", FieldID: 9002, Type: TypeRefSingle, Stored: true, InPayload: true, TargetModel: "partner", TargetModelID: 78},
		}},
		{Name: "partner", ModelID: 78, Fields: []Field{
			{Name: "id", FieldID: 9010, Type: TypeNumber, Stored: true, InPayload: true},
			{Name: "name", Label: "Name", FieldID: 9011, Type: TypeString, Stored: true, InPayload: true},
		}},
	}
}

func newSyncFixture(t *testing.T) (sink.VectorSink, *Syncer) {
	t.Helper()
	vs, err := sink.NewSQLiteSink(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { vs.Close() })
	return vs, NewSyncer(vs, fakeEmbedder{})
}

func TestSyncWritesOnePointPerField(t *testing.T) {
	vs, syncer := newSyncFixture(t)

	res, err := syncer.Sync(context.Background(), "excel", syncModels(), false)
	require.NoError(t, err)
	assert.Equal(t, 0, res.PointsBefore)
	assert.Equal(t, 5, res.PointsAfter)
	assert.Equal(t, 2, res.Models)
	assert.Equal(t, 5, res.Fields)

	pts, err := vs.Retrieve(context.Background(), []uuid.UUID{pointid.Schema(9002)})
	require.NoError(t, err)
	require.Len(t, pts, 1)
	assert.Equal(t, "schema", pts[0].Payload["point_type"])
	assert.Equal(t, "lead", pts[0].Payload["model_name"])
	assert.Equal(t, "partner_id", pts[0].Payload["field_name"])
	assert.Equal(t, "reference_single", pts[0].Payload["field_type"])
	assert.Equal(t, "partner", pts[0].Payload["target_model"])
	assert.NotEmpty(t, pts[0].Vector)
}

func TestSyncIsIdempotentAndForceRecreates(t *testing.T) {
	vs, syncer := newSyncFixture(t)

	_, err := syncer.Sync(context.Background(), "excel", syncModels(), false)
	require.NoError(t, err)

	res, err := syncer.Sync(context.Background(), "excel", syncModels(), false)
	require.NoError(t, err)
	assert.Equal(t, 5, res.PointsBefore)
	assert.Equal(t, 5, res.PointsAfter)

	// Shrink the catalog; without force the stale point would survive.
	trimmed := syncModels()
	trimmed[0].Fields = trimmed[0].Fields[:2]
	res, err = syncer.Sync(context.Background(), "excel", trimmed, true)
	require.NoError(t, err)
	assert.True(t, res.Forced)
	assert.Equal(t, 4, res.PointsAfter)

	n, err := vs.Count(context.Background(), sink.Eq("point_type", "schema"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestLoadFromSinkRoundTripsRegistry(t *testing.T) {
	vs, syncer := newSyncFixture(t)
	_, err := syncer.Sync(context.Background(), "excel", syncModels(), false)
	require.NoError(t, err)

	reg, err := LoadFromSink(context.Background(), vs, sink.DefaultIndexedFields)
	require.NoError(t, err)

	assert.Equal(t, []string{"lead", "partner"}, reg.Models())

	fld, ok := reg.Find("lead", "partner_id")
	require.True(t, ok)
	assert.Equal(t, TypeRefSingle, fld.Type)
	assert.Equal(t, "partner", fld.TargetModel)
	assert.Equal(t, uint16(78), fld.TargetModelID)
	assert.Equal(t, uint64(9002), fld.FieldID)
	assert.True(t, fld.InPayload)

	name, ok := reg.ModelNameByID(344)
	require.True(t, ok)
	assert.Equal(t, "lead", name)
}

func TestLoadExcelBuildsRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.xlsx")
	wb := excelize.NewFile()
	sheet := wb.GetSheetName(0)
	rows := [][]interface{}{
		{"model", "model_id", "field", "label", "type", "field_id", "stored", "in_payload", "target_model", "target_model_id"},
		{"lead", "344", "name", "Opportunity", "string", "9001", "true", "true", "", ""},
		{"lead", "344", "partner_id", "Customer", "reference_single", "9002", "true", "true", "partner", "78"},
		{"partner", "78", "name", "Name", "string", "9011", "true", "true", "", ""},
		{"", "", "", "", "", "", "", "", "", ""}, // separator rows are skipped
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, wb.SetSheetRow(sheet, cell, &row))
	}
	require.NoError(t, wb.SaveAs(path))
	require.NoError(t, wb.Close())

	reg, err := LoadExcel(path, sink.DefaultIndexedFields)
	require.NoError(t, err)

	assert.Equal(t, []string{"lead", "partner"}, reg.Models())
	fld, ok := reg.Find("lead", "partner_id")
	require.True(t, ok)
	assert.Equal(t, TypeRefSingle, fld.Type)
	assert.Equal(t, uint16(78), fld.TargetModelID)
	assert.True(t, fld.Stored)
}

func TestLoadExcelRejectsMissingColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.xlsx")
	wb := excelize.NewFile()
	sheet := wb.GetSheetName(0)
	header := []interface{}{"model", "field"}
	require.NoError(t, wb.SetSheetRow(sheet, "A1", &header))
	row := []interface{}{"lead", "name"}
	require.NoError(t, wb.SetSheetRow(sheet, "A2", &row))
	require.NoError(t, wb.SaveAs(path))
	require.NoError(t, wb.Close())

	_, err := LoadExcel(path, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model_id")
}

func TestSchemaPointIDsAreDeterministic(t *testing.T) {
	_, syncer := newSyncFixture(t)
	_, err := syncer.Sync(context.Background(), "excel", syncModels(), false)
	require.NoError(t, err)

	// A second sync of the same catalog overwrites in place: same ids,
	// same count.
	res, err := syncer.Sync(context.Background(), "upstream", syncModels(), false)
	require.NoError(t, err)
	assert.Equal(t, res.PointsBefore, res.PointsAfter)

	key, err := pointid.ParseSchema(pointid.Schema(9002))
	require.NoError(t, err)
	assert.Equal(t, uint64(9002), key.FieldID)
}
