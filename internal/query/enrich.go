package query

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"

	"erpmirror/internal/pointid"
	"erpmirror/internal/sink"
)

// indexedIncomingFields maps incoming-edge FK fields to their indexed
// payload columns, derived from the sink's static index list.
func (e *Engine) incomingCountable(field string) bool {
	col := field + "_id"
	for _, f := range e.sink.IndexedFields() {
		if f == col {
			return true
		}
	}
	return false
}

// enrich attaches the optional per-record context blocks. Enrichment is
// bounded: only the first MaxEnrichedRecords records get the treatment,
// and a failure lands as a diagnostic on the record instead of failing
// the query.
func (e *Engine) enrich(ctx context.Context, resp *Response, req Request, p *plan, points []sink.Point, records []map[string]interface{}) error {
	if !req.IncludeGraphContext && !req.IncludeValidationStatus && !req.IncludeSimilar {
		return nil
	}
	limit := e.opts.MaxEnrichedRecords
	if len(records) > limit {
		resp.Warnings = append(resp.Warnings,
			fmt.Sprintf("enrichment applied to the first %d of %d records", limit, len(records)))
	}
	for i := range records {
		if i >= limit {
			break
		}
		if req.IncludeGraphContext {
			ctxBlock, err := e.graphContext(ctx, p, points[i])
			if err != nil {
				records[i]["graph_context"] = map[string]interface{}{"error": err.Error()}
			} else {
				records[i]["graph_context"] = ctxBlock
			}
		}
		if req.IncludeValidationStatus {
			status, err := e.validationStatus(ctx, p, points[i])
			if err != nil {
				records[i]["validation_status"] = map[string]interface{}{"error": err.Error()}
			} else {
				records[i]["validation_status"] = status
			}
		}
		if req.IncludeSimilar {
			similar, err := e.similarRecords(ctx, p, points[i])
			if err != nil {
				records[i]["similar_records"] = map[string]interface{}{"error": err.Error()}
			} else {
				records[i]["similar_records"] = similar
			}
		}
	}
	return nil
}

// graphContext describes where the record sits in the FK graph: its
// outgoing references plus how many records point back at it.
func (e *Engine) graphContext(ctx context.Context, p *plan, point sink.Point) (map[string]interface{}, error) {
	if e.graph == nil {
		return nil, fmt.Errorf("graph store not configured")
	}
	recordID, _ := payloadUint64(point.Payload["record_id"])

	var outgoing []map[string]interface{}
	edges, err := e.graph.OutgoingOf(ctx, p.model.Name)
	if err != nil {
		return nil, fmt.Errorf("outgoing edges: %w", err)
	}
	for _, edge := range edges {
		tid, ok := payloadUint64(point.Payload[edge.FieldName+"_id"])
		if !ok {
			continue
		}
		outgoing = append(outgoing, map[string]interface{}{
			"field":            edge.FieldName,
			"target_model":     edge.TargetModel,
			"target_record_id": tid,
			"cardinality":      string(edge.CardinalityClass),
			"target_is_leaf":   edge.IsLeaf,
		})
	}

	incoming := map[string]interface{}{}
	inEdges, err := e.graph.IncomingOf(ctx, p.model.Name)
	if err != nil {
		return nil, fmt.Errorf("incoming edges: %w", err)
	}
	for _, edge := range inEdges {
		if !e.incomingCountable(edge.FieldName) {
			continue
		}
		var n int
		countErr := e.do(func() error {
			c, err := e.sink.Count(ctx, sink.Eq("point_type", string(sink.PointData)).And(
				sink.Condition{Field: "model_name", Op: sink.OpEq, Value: edge.SourceModel},
				sink.Condition{Field: edge.FieldName + "_id", Op: sink.OpEq, Value: int64(recordID)},
			))
			n = c
			return err
		})
		if countErr != nil {
			return nil, fmt.Errorf("incoming count via %s.%s: %w", edge.SourceModel, edge.FieldName, countErr)
		}
		incoming[edge.SourceModel+"."+edge.FieldName] = n
	}

	return map[string]interface{}{
		"outgoing":            outgoing,
		"incoming_references": incoming,
	}, nil
}

// validationStatus probes the record's own FK references and scores them.
func (e *Engine) validationStatus(ctx context.Context, p *plan, point sink.Point) (map[string]interface{}, error) {
	var ids []uuid.UUID
	var fields []string
	for _, fld := range e.reg.FKFieldsOf(p.model.Name) {
		tid, ok := payloadUint64(point.Payload[fld.Name+"_id"])
		if !ok {
			continue
		}
		ids = append(ids, pointid.Data(fld.TargetModelID, tid))
		fields = append(fields, fld.Name)
	}
	if len(ids) == 0 {
		return map[string]interface{}{"fk_total": 0, "fk_valid": 0, "integrity_score": 100.0}, nil
	}
	var present map[uuid.UUID]bool
	err := e.do(func() error {
		m, err := e.sink.Exists(ctx, ids)
		present = m
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("probe FK targets: %w", err)
	}
	valid := 0
	var orphanFields []string
	for i, id := range ids {
		if present[id] {
			valid++
		} else {
			orphanFields = append(orphanFields, fields[i])
		}
	}
	status := map[string]interface{}{
		"fk_total":        len(ids),
		"fk_valid":        valid,
		"integrity_score": round2(float64(valid) / float64(len(ids)) * 100),
	}
	if len(orphanFields) > 0 {
		status["orphan_fields"] = orphanFields
	}
	return status, nil
}

// similarRecords finds the nearest same-model points by stored vector.
func (e *Engine) similarRecords(ctx context.Context, p *plan, point sink.Point) ([]map[string]interface{}, error) {
	if len(point.Vector) == 0 {
		return nil, fmt.Errorf("record has no stored vector")
	}
	var hits []sink.ScoredPoint
	err := e.do(func() error {
		h, err := e.sink.Search(ctx, point.Vector, dataFilter(p.model.Name), p.similarK+1)
		hits = h
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	out := make([]map[string]interface{}, 0, p.similarK)
	for _, hit := range hits {
		if hit.ID == point.ID {
			continue
		}
		entry := map[string]interface{}{
			"record_id": hit.Payload["record_id"],
			"score":     math.Round(hit.Score*10000) / 10000,
		}
		for _, lf := range linkDefaultFields {
			if v, present := hit.Payload[lf]; present {
				entry[lf] = v
			}
		}
		out = append(out, entry)
		if len(out) >= p.similarK {
			break
		}
	}
	return out, nil
}

func dataFilter(model string) sink.Filter {
	return sink.Eq("point_type", string(sink.PointData)).
		And(sink.Condition{Field: "model_name", Op: sink.OpEq, Value: model})
}
