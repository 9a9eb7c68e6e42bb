package query

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"erpmirror/internal/pointid"
	"erpmirror/internal/sink"
)

// linkDefaultFields are attached when a link target is resolved.
var linkDefaultFields = []string{"name", "display_name"}

// finishRecords turns the collected points into output records: projection,
// link expansion, relationship summaries, then bounded enrichment.
func (e *Engine) finishRecords(ctx context.Context, resp *Response, req Request, p *plan, points []sink.Point) error {
	resolver := newLinkResolver(e)

	records := make([]map[string]interface{}, 0, len(points))
	for _, point := range points {
		records = append(records, e.projectRecord(ctx, req, point, resolver))
	}

	for _, f := range req.Link {
		if err := e.resolveLinks(ctx, p, f, points, records, resolver); err != nil {
			resp.Warnings = append(resp.Warnings, fmt.Sprintf("link %s: %v", f, err))
		}
	}
	for _, f := range req.LinkJSON {
		if err := e.resolveLinkJSON(ctx, p, f, points, records, resolver); err != nil {
			resp.Warnings = append(resp.Warnings, fmt.Sprintf("link_json %s: %v", f, err))
		}
	}
	if req.ShowRelationships {
		e.attachRelationships(ctx, p, points, records)
	}

	if err := e.enrich(ctx, resp, req, p, points, records); err != nil {
		return err
	}

	resp.Records = records
	resp.Count = len(records)
	return nil
}

// projectRecord copies the payload into an output record. Without an
// explicit field list every payload key except the embedding text is kept.
func (e *Engine) projectRecord(ctx context.Context, req Request, point sink.Point, resolver *linkResolver) map[string]interface{} {
	out := map[string]interface{}{}
	if len(req.Fields) == 0 {
		for k, v := range point.Payload {
			if k == "vector_text" {
				continue
			}
			out[k] = v
		}
		return out
	}
	out["record_id"] = point.Payload["record_id"]
	for _, f := range req.Fields {
		if base, sub, ok := strings.Cut(f, "."); ok {
			out[f] = e.projectDotField(ctx, req.Model, point.Payload, base, sub, resolver)
			continue
		}
		if v, present := point.Payload[f]; present {
			out[f] = v
		}
	}
	return out
}

// projectDotField resolves a single-hop dot projection like partner_id.city.
func (e *Engine) projectDotField(ctx context.Context, model string, payload map[string]interface{}, base, sub string, resolver *linkResolver) interface{} {
	fld, ok := e.reg.Find(model, base)
	if !ok || !fld.IsFK() {
		return nil
	}
	targetID, ok := payloadUint64(payload[base+"_id"])
	if !ok {
		return nil
	}
	target, err := resolver.fetch(ctx, pointid.Data(fld.TargetModelID, targetID))
	if err != nil || target == nil {
		return nil
	}
	return target[sub]
}

// resolveLinks attaches <field>_resolved with the target's identifying
// fields for every record carrying the FK.
func (e *Engine) resolveLinks(ctx context.Context, p *plan, field string, points []sink.Point, records []map[string]interface{}, resolver *linkResolver) error {
	fld, ok := e.reg.Find(p.model.Name, field)
	if !ok || !fld.IsFK() {
		return fmt.Errorf("%s is not a FK field", field)
	}
	ids := make([]uuid.UUID, 0, len(points))
	for _, point := range points {
		if tid, ok := payloadUint64(point.Payload[field+"_id"]); ok {
			ids = append(ids, pointid.Data(fld.TargetModelID, tid))
		}
	}
	if err := resolver.prefetch(ctx, ids); err != nil {
		return err
	}
	for i, point := range points {
		tid, ok := payloadUint64(point.Payload[field+"_id"])
		if !ok {
			continue
		}
		target, err := resolver.fetch(ctx, pointid.Data(fld.TargetModelID, tid))
		if err != nil {
			return err
		}
		if target == nil {
			continue
		}
		resolved := map[string]interface{}{"record_id": tid, "model": fld.TargetModel}
		for _, lf := range linkDefaultFields {
			if v, present := target[lf]; present {
				resolved[lf] = v
			}
		}
		records[i][field+"_resolved"] = resolved
	}
	return nil
}

// resolveLinkJSON expands a JSON weight map (id -> weight, like Odoo's
// analytic_distribution) into named entries.
func (e *Engine) resolveLinkJSON(ctx context.Context, p *plan, field string, points []sink.Point, records []map[string]interface{}, resolver *linkResolver) error {
	fld, ok := e.reg.Find(p.model.Name, field)
	if !ok || fld.TargetModelID == 0 {
		return fmt.Errorf("%s has no resolvable target model", field)
	}
	for i, point := range points {
		dist, ok := point.Payload[field].(map[string]interface{})
		if !ok || len(dist) == 0 {
			continue
		}
		entries := make([]map[string]interface{}, 0, len(dist))
		for key, weight := range dist {
			tid, ok := parseUintKey(key)
			if !ok {
				continue
			}
			entry := map[string]interface{}{"record_id": tid, "weight": weight}
			target, err := resolver.fetch(ctx, pointid.Data(fld.TargetModelID, tid))
			if err != nil {
				return err
			}
			if target != nil {
				for _, lf := range linkDefaultFields {
					if v, present := target[lf]; present {
						entry[lf] = v
					}
				}
			}
			entries = append(entries, entry)
		}
		records[i][field+"_resolved"] = entries
	}
	return nil
}

// attachRelationships summarizes each record's FK references using the
// graph's edge metadata when available.
func (e *Engine) attachRelationships(ctx context.Context, p *plan, points []sink.Point, records []map[string]interface{}) {
	cardinality := map[string]string{}
	if e.graph != nil {
		if edges, err := e.graph.OutgoingOf(ctx, p.model.Name); err == nil {
			for _, edge := range edges {
				cardinality[edge.FieldName] = string(edge.CardinalityClass)
			}
		}
	}
	for i, point := range points {
		var rels []map[string]interface{}
		for _, fld := range e.reg.FKFieldsOf(p.model.Name) {
			tid, ok := payloadUint64(point.Payload[fld.Name+"_id"])
			if !ok {
				continue
			}
			rel := map[string]interface{}{
				"field":            fld.Name,
				"target_model":     fld.TargetModel,
				"target_record_id": tid,
			}
			if c, present := cardinality[fld.Name]; present {
				rel["cardinality"] = c
			}
			rels = append(rels, rel)
		}
		if len(rels) > 0 {
			records[i]["relationships"] = rels
		}
	}
}

// linkResolver caches resolved target payloads for the life of one query.
type linkResolver struct {
	e     *Engine
	cache map[uuid.UUID]map[string]interface{}
}

func newLinkResolver(e *Engine) *linkResolver {
	return &linkResolver{e: e, cache: map[uuid.UUID]map[string]interface{}{}}
}

// prefetch pulls a batch of ids in one retrieve.
func (r *linkResolver) prefetch(ctx context.Context, ids []uuid.UUID) error {
	missing := make([]uuid.UUID, 0, len(ids))
	seen := map[uuid.UUID]bool{}
	for _, id := range ids {
		if _, hit := r.cache[id]; !hit && !seen[id] {
			missing = append(missing, id)
			seen[id] = true
		}
	}
	if len(missing) == 0 {
		return nil
	}
	var points []sink.Point
	err := r.e.do(func() error {
		pts, err := r.e.sink.Retrieve(ctx, missing)
		points = pts
		return err
	})
	if err != nil {
		return err
	}
	for _, id := range missing {
		r.cache[id] = nil
	}
	for _, point := range points {
		r.cache[point.ID] = point.Payload
	}
	return nil
}

func (r *linkResolver) fetch(ctx context.Context, id uuid.UUID) (map[string]interface{}, error) {
	if cached, hit := r.cache[id]; hit {
		return cached, nil
	}
	if err := r.prefetch(ctx, []uuid.UUID{id}); err != nil {
		return nil, err
	}
	return r.cache[id], nil
}

func parseUintKey(s string) (uint64, bool) {
	var n uint64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + uint64(c-'0')
	}
	return n, s != ""
}
