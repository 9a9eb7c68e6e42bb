package sink

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"erpmirror/internal/pointid"
)

func newTestSink(t *testing.T) *SQLiteSink {
	t.Helper()
	s, err := NewSQLiteSink(":memory:")
	if err != nil {
		t.Fatalf("failed to open sink: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func dataPoint(modelID uint16, recordID uint64, model string, extra map[string]interface{}) Point {
	payload := map[string]interface{}{
		"point_type": "data",
		"model_name": model,
		"model_id":   int(modelID),
		"record_id":  int(recordID),
	}
	for k, v := range extra {
		payload[k] = v
	}
	return Point{
		ID:      pointid.Data(modelID, recordID),
		Vector:  []float32{1, 0, 0, 0},
		Payload: payload,
	}
}

func TestUpsert_Idempotent(t *testing.T) {
	s := newTestSink(t)
	ctx := context.Background()

	p := dataPoint(344, 41085, "crm.lead", map[string]interface{}{"name": "Acme deal"})
	if err := s.Upsert(ctx, []Point{p}); err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(ctx, []Point{p}); err != nil {
		t.Fatal(err)
	}

	n, err := s.Count(ctx, Eq("model_name", "crm.lead"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 point after double upsert, got %d", n)
	}
}

func TestUpsert_RejectsMalformed(t *testing.T) {
	s := newTestSink(t)
	ctx := context.Background()

	err := s.Upsert(ctx, []Point{{ID: uuid.UUID{}, Payload: map[string]interface{}{"point_type": "data"}}})
	if err == nil {
		t.Fatal("expected error for zero id")
	}
	err = s.Upsert(ctx, []Point{{ID: pointid.Data(1, 1), Payload: map[string]interface{}{}}})
	if err == nil {
		t.Fatal("expected error for missing point_type")
	}
}

func TestRetrieveAndExists(t *testing.T) {
	s := newTestSink(t)
	ctx := context.Background()

	a := dataPoint(344, 1, "crm.lead", nil)
	b := dataPoint(344, 2, "crm.lead", nil)
	if err := s.Upsert(ctx, []Point{a, b}); err != nil {
		t.Fatal(err)
	}

	missing := pointid.Data(344, 999)
	got, err := s.Retrieve(ctx, []uuid.UUID{a.ID, missing})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != a.ID {
		t.Fatalf("retrieve: got %d points", len(got))
	}

	exists, err := s.Exists(ctx, []uuid.UUID{a.ID, b.ID, missing})
	if err != nil {
		t.Fatal(err)
	}
	if !exists[a.ID] || !exists[b.ID] || exists[missing] {
		t.Fatalf("exists map wrong: %v", exists)
	}
}

func TestScroll_PagesInOrder(t *testing.T) {
	s := newTestSink(t)
	ctx := context.Background()

	var pts []Point
	for i := 1; i <= 25; i++ {
		pts = append(pts, dataPoint(344, uint64(i), "crm.lead", nil))
	}
	if err := s.Upsert(ctx, pts); err != nil {
		t.Fatal(err)
	}

	var seen []uint64
	cursor := ""
	pages := 0
	for {
		page, next, err := s.Scroll(ctx, Eq("point_type", "data"), cursor, 10)
		if err != nil {
			t.Fatal(err)
		}
		for _, p := range page {
			key, err := pointid.ParseData(p.ID)
			if err != nil {
				t.Fatal(err)
			}
			seen = append(seen, key.RecordID)
		}
		pages++
		if next == "" {
			break
		}
		cursor = next
	}

	if len(seen) != 25 {
		t.Fatalf("expected 25 records scrolled, got %d over %d pages", len(seen), pages)
	}
	for i, id := range seen {
		if id != uint64(i+1) {
			t.Fatalf("scroll order broken at %d: got record %d", i, id)
		}
	}
}

func TestScroll_FilterOps(t *testing.T) {
	s := newTestSink(t)
	ctx := context.Background()

	mk := func(rec uint64, state string, date string, amount float64) Point {
		return dataPoint(500, rec, "account.move.line", map[string]interface{}{
			"state":  state,
			"date":   date,
			"amount": amount,
		})
	}
	if err := s.Upsert(ctx, []Point{
		mk(1, "draft", "2024-01-15", 100),
		mk(2, "posted", "2024-06-30", 250),
		mk(3, "posted", "2025-02-01", 50),
	}); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name string
		f    Filter
		want int
	}{
		{"eq", Eq("state", "posted"), 2},
		{"neq", Filter{Must: []Condition{{Field: "state", Op: OpNeq, Value: "posted"}}}, 1},
		{"gte+lt date range", Filter{Must: []Condition{
			{Field: "date", Op: OpGte, Value: "2024-01-01"},
			{Field: "date", Op: OpLt, Value: "2025-01-01"},
		}}, 2},
		{"in", Filter{Must: []Condition{{Field: "record_id", Op: OpIn, Value: []int{1, 3}}}}, 2},
		{"contains", Filter{Must: []Condition{{Field: "state", Op: OpContains, Value: "post"}}}, 2},
		{"empty in matches nothing", Filter{Must: []Condition{{Field: "record_id", Op: OpIn, Value: []int{}}}}, 0},
	}
	for _, tc := range cases {
		n, err := s.Count(ctx, tc.f)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if n != tc.want {
			t.Errorf("%s: got %d, want %d", tc.name, n, tc.want)
		}
	}
}

func TestSearch_CosineRanking(t *testing.T) {
	s := newTestSink(t)
	ctx := context.Background()

	mk := func(rec uint64, vec []float32) Point {
		p := dataPoint(344, rec, "crm.lead", nil)
		p.Vector = vec
		return p
	}
	if err := s.Upsert(ctx, []Point{
		mk(1, []float32{1, 0, 0, 0}),
		mk(2, []float32{0.9, 0.1, 0, 0}),
		mk(3, []float32{0, 0, 1, 0}),
	}); err != nil {
		t.Fatal(err)
	}

	hits, err := s.Search(ctx, []float32{1, 0, 0, 0}, Eq("model_name", "crm.lead"), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].ID != pointid.Data(344, 1) || hits[1].ID != pointid.Data(344, 2) {
		t.Fatalf("ranking wrong: %v then %v", hits[0].ID, hits[1].ID)
	}
	if hits[0].Score < hits[1].Score {
		t.Fatal("scores not descending")
	}
}

func TestDeleteByFilter_RefusesEmptyFilter(t *testing.T) {
	s := newTestSink(t)
	if err := s.DeleteByFilter(context.Background(), Filter{}); err == nil {
		t.Fatal("expected refusal on empty filter")
	}
}

func TestVectorBlob_RoundTrip(t *testing.T) {
	in := []float32{0.5, -1.25, 3.75, 0}
	out, err := deserializeVector(serializeVector(in))
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != len(in) {
		t.Fatalf("length mismatch: %d", len(out))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("component %d: %f != %f", i, in[i], out[i])
		}
	}
	if _, err := deserializeVector([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for misaligned blob")
	}
}
