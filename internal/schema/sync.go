package schema

import (
	"context"
	"fmt"
	"sort"
	"time"

	"erpmirror/internal/embedding"
	"erpmirror/internal/logging"
	"erpmirror/internal/pointid"
	"erpmirror/internal/sink"
)

// syncBatchSize bounds one embed+upsert round during schema sync.
const syncBatchSize = 100

// SyncResult reports one schema sync.
type SyncResult struct {
	Source       string `json:"source"`
	PointsBefore int    `json:"schema_points_before"`
	PointsAfter  int    `json:"schema_points_after"`
	Models       int    `json:"models"`
	Fields       int    `json:"fields"`
	Forced       bool   `json:"forced"`
	DurationMS   int64  `json:"duration_ms"`
}

// Syncer writes schema-namespace points into the sink, one per field, so
// the registry can be reloaded without the source workbook or the
// upstream. Field descriptions are embedded to make the schema
// semantically searchable.
type Syncer struct {
	sink     sink.VectorSink
	embedder embedding.Engine
	now      func() time.Time
}

func NewSyncer(vs sink.VectorSink, embedder embedding.Engine) *Syncer {
	return &Syncer{sink: vs, embedder: embedder, now: time.Now}
}

func schemaFilter() sink.Filter {
	return sink.Eq("point_type", string(sink.PointSchema))
}

// Sync writes one point per field of every model. force drops all existing
// schema points first; without it the write is an idempotent upsert.
func (s *Syncer) Sync(ctx context.Context, source string, models []Model, force bool) (*SyncResult, error) {
	start := s.now()
	if len(models) == 0 {
		return nil, fmt.Errorf("schema sync: no models to write")
	}

	before, err := s.sink.Count(ctx, schemaFilter())
	if err != nil {
		return nil, fmt.Errorf("count schema points: %w", err)
	}
	if force {
		logging.Get(logging.CategorySync).Info("schema sync: force requested, dropping %d schema points", before)
		if err := s.sink.DeleteByFilter(ctx, schemaFilter()); err != nil {
			return nil, fmt.Errorf("drop schema points: %w", err)
		}
	}

	fields := 0
	var batch []sink.Point
	var texts []string
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		vectors, err := s.embedder.EmbedBatch(ctx, texts, embedding.RoleDocument)
		if err != nil {
			return fmt.Errorf("embed schema descriptions: %w", err)
		}
		for i := range batch {
			batch[i].Vector = vectors[i]
		}
		if err := s.sink.Upsert(ctx, batch); err != nil {
			return fmt.Errorf("upsert schema points: %w", err)
		}
		batch, texts = nil, nil
		return nil
	}

	for _, m := range models {
		for _, f := range m.Fields {
			batch = append(batch, sink.Point{
				ID:      pointid.Schema(f.FieldID),
				Payload: fieldPayload(m, f),
			})
			texts = append(texts, fieldDescription(m, f))
			fields++
			if len(batch) >= syncBatchSize {
				if err := flush(); err != nil {
					return nil, err
				}
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}

	after, err := s.sink.Count(ctx, schemaFilter())
	if err != nil {
		return nil, fmt.Errorf("count schema points: %w", err)
	}
	res := &SyncResult{
		Source:       source,
		PointsBefore: before,
		PointsAfter:  after,
		Models:       len(models),
		Fields:       fields,
		Forced:       force,
		DurationMS:   s.now().Sub(start).Milliseconds(),
	}
	logging.Get(logging.CategorySync).Info("schema sync: %d models, %d fields, %d -> %d points",
		res.Models, res.Fields, res.PointsBefore, res.PointsAfter)
	return res, nil
}

func fieldPayload(m Model, f Field) map[string]interface{} {
	p := map[string]interface{}{
		"point_type":  string(sink.PointSchema),
		"model_name":  m.Name,
		"model_id":    int(m.ModelID),
		"field_name":  f.Name,
		"field_label": f.Label,
		"field_id":    int64(f.FieldID),
		"field_type":  string(f.Type),
		"stored":      f.Stored,
		"in_payload":  f.InPayload,
	}
	if f.TargetModel != "" {
		p["target_model"] = f.TargetModel
		p["target_model_id"] = int(f.TargetModelID)
	}
	return p
}

// fieldDescription is the text embedded for semantic schema search.
func fieldDescription(m Model, f Field) string {
	desc := fmt.Sprintf("%s.%s (%s): %s field", m.Name, f.Name, f.Label, f.Type)
	if f.TargetModel != "" {
		desc += " referencing " + f.TargetModel
	}
	return desc
}

// LoadFromSink rebuilds a registry from the schema points a previous sync
// wrote. Models and fields come back sorted by name for determinism.
func LoadFromSink(ctx context.Context, vs sink.VectorSink, indexedFields []string) (*Registry, error) {
	byModel := map[string]*Model{}
	cursor := ""
	for {
		points, next, err := vs.Scroll(ctx, schemaFilter(), cursor, 500)
		if err != nil {
			return nil, fmt.Errorf("scroll schema points: %w", err)
		}
		for _, point := range points {
			name, _ := point.Payload["model_name"].(string)
			if name == "" {
				continue
			}
			m, ok := byModel[name]
			if !ok {
				m = &Model{Name: name, ModelID: payloadUint16(point.Payload["model_id"])}
				byModel[name] = m
			}
			m.Fields = append(m.Fields, fieldFromPayload(point.Payload))
		}
		if next == "" {
			break
		}
		cursor = next
	}

	names := make([]string, 0, len(byModel))
	for name := range byModel {
		names = append(names, name)
	}
	sort.Strings(names)
	models := make([]Model, 0, len(names))
	for _, name := range names {
		m := byModel[name]
		sort.Slice(m.Fields, func(i, j int) bool { return m.Fields[i].Name < m.Fields[j].Name })
		models = append(models, *m)
	}
	return NewRegistry(models, indexedFields), nil
}

func fieldFromPayload(p map[string]interface{}) Field {
	f := Field{
		Name:  stringAt(p, "field_name"),
		Label: stringAt(p, "field_label"),
		Type:  FieldType(stringAt(p, "field_type")),
	}
	if v, ok := p["field_id"].(float64); ok {
		f.FieldID = uint64(v)
	}
	if v, ok := p["stored"].(bool); ok {
		f.Stored = v
	}
	if v, ok := p["in_payload"].(bool); ok {
		f.InPayload = v
	}
	f.TargetModel = stringAt(p, "target_model")
	f.TargetModelID = payloadUint16(p["target_model_id"])
	return f
}

func stringAt(p map[string]interface{}, key string) string {
	s, _ := p[key].(string)
	return s
}

func payloadUint16(v interface{}) uint16 {
	if f, ok := v.(float64); ok && f >= 0 {
		return uint16(f)
	}
	return 0
}
