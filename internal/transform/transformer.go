package transform

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"erpmirror/internal/logging"
	"erpmirror/internal/mirrorerr"
	"erpmirror/internal/pointid"
	"erpmirror/internal/schema"
)

// Sentinel values written for fields the upstream refused to read.
const (
	SentinelRestricted    = "Restricted_from_API"
	SentinelUpstreamError = "Restricted_odoo_error"
)

// Document is the transformed form of one record: the text that gets
// embedded plus the flat payload stored on the data point.
type Document struct {
	VectorText string
	Payload    map[string]interface{}
	// GraphRefs holds one graph-namespace id per FK field that had a value.
	GraphRefs []uuid.UUID
	// FKTargets maps FK field name to every referenced target id, in
	// encounter order with duplicates preserved (edge_count counts
	// references, not distinct targets).
	FKTargets map[string][]uint64
}

// Transformer maps raw records to documents using the schema registry and
// optional per-model narrative patterns.
type Transformer struct {
	reg      *schema.Registry
	patterns *PatternStore

	warnMu sync.Mutex
	warned map[string]bool // (model, field) pairs already warned for unknown formatters
}

// NewTransformer wires a transformer. patterns may be an empty store.
func NewTransformer(reg *schema.Registry, patterns *PatternStore) *Transformer {
	return &Transformer{
		reg:      reg,
		patterns: patterns,
		warned:   map[string]bool{},
	}
}

// Transform maps one raw record of the given model into a document.
// restricted carries the fields refused by the upstream during this run;
// syncedAt is the run's sync timestamp (ISO-8601), threaded in so the
// transformation itself stays clock-free.
func (t *Transformer) Transform(modelName string, rec Record, restricted map[string]mirrorerr.RestrictionReason, syncedAt string) (Document, error) {
	model, ok := t.reg.Model(modelName)
	if !ok {
		return Document{}, &mirrorerr.SchemaMissingError{Model: modelName, Suggestions: t.reg.Suggest(modelName, 3)}
	}
	recordID := rec.ID()
	if recordID == 0 {
		return Document{}, fmt.Errorf("record of %s has no id", modelName)
	}

	doc := Document{
		Payload: map[string]interface{}{
			"point_type":     "data",
			"model_name":     model.Name,
			"model_id":       int(model.ModelID),
			"record_id":      int(recordID),
			"sync_timestamp": syncedAt,
		},
		FKTargets: map[string][]uint64{},
	}

	for _, f := range model.Fields {
		if f.Name == "id" {
			continue
		}
		if reason, isRestricted := restricted[f.Name]; isRestricted {
			if f.InPayload {
				doc.Payload[f.Name] = sentinelFor(reason)
			}
			continue
		}
		v, present := rec[f.Name]
		if !present || isEmptyValue(v) {
			continue
		}
		if !f.InPayload {
			continue
		}

		switch {
		case f.Type == schema.TypeRefSingle:
			id, display, ok := fkSingle(v)
			if !ok {
				continue
			}
			if display != "" {
				doc.Payload[f.Name] = display
			} else {
				doc.Payload[f.Name] = int(id)
			}
			doc.Payload[f.Name+"_id"] = int(id)
			doc.Payload[f.Name+"_qdrant"] = pointid.Data(f.TargetModelID, id).String()
			t.recordRef(&doc, model, f, id)

		case f.Type == schema.TypeRefMulti || f.Type == schema.TypeRefReverse:
			ids := fkMulti(v)
			if len(ids) == 0 {
				continue
			}
			rawIDs := make([]interface{}, len(ids))
			refIDs := make([]interface{}, len(ids))
			for i, id := range ids {
				rawIDs[i] = int(id)
				refIDs[i] = pointid.Data(f.TargetModelID, id).String()
				t.recordRef(&doc, model, f, id)
			}
			doc.Payload[f.Name] = rawIDs
			doc.Payload[f.Name+"_qdrant"] = refIDs

		case f.Type == schema.TypeJSON:
			// Carried through as an object; FK-mapping configuration is
			// applied at query time, not here.
			doc.Payload[f.Name] = v

		default:
			doc.Payload[f.Name] = v
		}
	}

	doc.VectorText = t.renderVectorText(model, rec, restricted)
	doc.Payload["vector_text"] = doc.VectorText

	if len(doc.GraphRefs) > 0 {
		refs := make([]interface{}, len(doc.GraphRefs))
		for i, id := range doc.GraphRefs {
			refs[i] = id.String()
		}
		doc.Payload["graph_refs"] = refs
	}

	return doc, nil
}

// recordRef notes one FK reference on the document. The graph ref for a
// field is recorded once; target ids accumulate per reference.
func (t *Transformer) recordRef(doc *Document, model schema.Model, f schema.Field, targetID uint64) {
	if _, seen := doc.FKTargets[f.Name]; !seen {
		doc.GraphRefs = append(doc.GraphRefs,
			pointid.Graph(model.ModelID, f.TargetModelID, f.RelationKind(), f.FieldID))
	}
	doc.FKTargets[f.Name] = append(doc.FKTargets[f.Name], targetID)
}

func sentinelFor(reason mirrorerr.RestrictionReason) string {
	if reason == mirrorerr.ReasonOdooSideError {
		return SentinelUpstreamError
	}
	return SentinelRestricted
}

// renderVectorText prefers the model's narrative pattern; without one it
// falls back to a deterministic "label: value | …" concatenation in
// registry order.
func (t *Transformer) renderVectorText(model schema.Model, rec Record, restricted map[string]mirrorerr.RestrictionReason) string {
	c, hasPattern := t.patterns.get(model.Name)
	if !hasPattern {
		return t.fallbackText(model, rec, restricted, nil)
	}

	var b strings.Builder
	rendered := make(map[string]bool)
	for _, seg := range c.segments {
		if seg.field == "" {
			b.WriteString(seg.literal)
			continue
		}
		rendered[seg.field] = true
		if reason, isRestricted := restricted[seg.field]; isRestricted {
			b.WriteString(sentinelFor(reason))
			continue
		}
		v, present := rec[seg.field]
		if !present || isEmptyValue(v) {
			continue
		}
		formatter := seg.formatter
		if !knownFormatters[formatter] {
			t.warnUnknownFormatter(model.Name, seg.field, formatter)
			formatter = FormatDefault
		}
		b.WriteString(formatValue(v, formatter))
	}

	if c.pattern.Appendix {
		skip := make(map[string]bool, len(rendered)+len(c.excluded))
		for f := range rendered {
			skip[f] = true
		}
		for f := range c.excluded {
			skip[f] = true
		}
		appendix := t.fallbackText(model, rec, restricted, skip)
		if appendix != "" {
			b.WriteString(". ")
			b.WriteString(appendix)
		}
	}
	return strings.TrimSpace(b.String())
}

// fallbackText renders "label: value | label: value" pairs in registry
// order, skipping empty values and the given field set.
func (t *Transformer) fallbackText(model schema.Model, rec Record, restricted map[string]mirrorerr.RestrictionReason, skip map[string]bool) string {
	var parts []string
	for _, f := range model.Fields {
		if f.Name == "id" || skip[f.Name] {
			continue
		}
		label := f.Label
		if label == "" {
			label = f.Name
		}
		if reason, isRestricted := restricted[f.Name]; isRestricted {
			parts = append(parts, label+": "+sentinelFor(reason))
			continue
		}
		v, present := rec[f.Name]
		if !present || isEmptyValue(v) {
			continue
		}
		parts = append(parts, label+": "+defaultFormat(v))
	}
	return strings.Join(parts, " | ")
}

func (t *Transformer) warnUnknownFormatter(model, field string, f Formatter) {
	key := model + "/" + field
	t.warnMu.Lock()
	defer t.warnMu.Unlock()
	if t.warned[key] {
		return
	}
	t.warned[key] = true
	logging.Get(logging.CategorySync).Warn("Unknown formatter %q on %s.%s, using default", f, model, field)
}

// RecordFromPayload reconstructs a raw record from a data point payload.
// The identity is lossy on unprojected fields only: transforming the
// reconstruction yields the original document.
func RecordFromPayload(reg *schema.Registry, modelName string, payload map[string]interface{}) Record {
	rec := Record{}
	if id, ok := asUint64(payload["record_id"]); ok {
		rec["id"] = int(id)
	}
	model, ok := reg.Model(modelName)
	if !ok {
		return rec
	}
	for _, f := range model.Fields {
		if !f.InPayload || f.Name == "id" {
			continue
		}
		v, present := payload[f.Name]
		if !present {
			continue
		}
		switch f.Type {
		case schema.TypeRefSingle:
			id, hasID := asUint64(payload[f.Name+"_id"])
			if !hasID {
				rec[f.Name] = v
				continue
			}
			if display, isStr := v.(string); isStr {
				rec[f.Name] = []interface{}{int(id), display}
			} else {
				rec[f.Name] = []interface{}{int(id), ""}
			}
		default:
			rec[f.Name] = v
		}
	}
	return rec
}
