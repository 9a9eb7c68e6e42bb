package upstream

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"erpmirror/internal/logging"
	"erpmirror/internal/schema"
)

// fieldsToSkip are upstream bookkeeping fields that never belong in the
// mirror's payloads.
var fieldsToSkip = map[string]bool{
	"__last_update":      true,
	"message_ids":        true,
	"message_follower_ids": true,
	"activity_ids":       true,
	"website_message_ids": true,
}

// ttypeMap translates upstream field types into registry types. Unknown
// types degrade to string so the field still syncs as display text.
var ttypeMap = map[string]schema.FieldType{
	"char":      schema.TypeString,
	"text":      schema.TypeString,
	"html":      schema.TypeString,
	"selection": schema.TypeString,
	"integer":   schema.TypeNumber,
	"float":     schema.TypeNumber,
	"monetary":  schema.TypeNumber,
	"date":      schema.TypeDate,
	"datetime":  schema.TypeDate,
	"boolean":   schema.TypeBoolean,
	"json":      schema.TypeJSON,
	"many2one":  schema.TypeRefSingle,
	"many2many": schema.TypeRefMulti,
	"one2many":  schema.TypeRefReverse,
}

// FetchSchema pulls the model and field catalog from the upstream's own
// metadata models (ir.model, ir.model.fields) for the given model names.
// Model and field ids are the upstream's database ids, which keeps point
// ids stable across schema syncs.
func FetchSchema(ctx context.Context, c Client, models []string) ([]schema.Model, error) {
	if len(models) == 0 {
		return nil, fmt.Errorf("fetch schema: no models requested")
	}
	timer := logging.StartTimer(logging.CategoryUpstream, fmt.Sprintf("fetch schema for %d models", len(models)))
	defer timer.Stop()

	nameList := make([]interface{}, len(models))
	for i, m := range models {
		nameList[i] = m
	}

	raw, err := c.ExecuteKw(ctx, "ir.model", "search_read",
		[]interface{}{[]interface{}{[]interface{}{"model", "in", nameList}}},
		map[string]interface{}{"fields": []string{"id", "model", "name"}})
	if err != nil {
		return nil, fmt.Errorf("read ir.model: %w", err)
	}
	modelRows, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("read ir.model: unexpected result shape %T", raw)
	}

	// Upstream technical name -> registry model. Dots become part of the
	// mirror's model name unchanged.
	byID := map[float64]*schema.Model{}
	nameToID := map[string]uint16{}
	for _, r := range modelRows {
		row, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		id, _ := row["id"].(float64)
		name, _ := row["model"].(string)
		if name == "" || id <= 0 {
			continue
		}
		m := &schema.Model{Name: name, ModelID: uint16(int64(id) & 0xFFFF)}
		byID[id] = m
		nameToID[name] = m.ModelID
	}
	if len(byID) == 0 {
		return nil, fmt.Errorf("fetch schema: none of %s exist upstream", strings.Join(models, ", "))
	}

	modelIDs := make([]interface{}, 0, len(byID))
	for id := range byID {
		modelIDs = append(modelIDs, int64(id))
	}
	raw, err = c.ExecuteKw(ctx, "ir.model.fields", "search_read",
		[]interface{}{[]interface{}{[]interface{}{"model_id", "in", modelIDs}}},
		map[string]interface{}{"fields": []string{"id", "model_id", "name", "field_description", "ttype", "store", "relation"}})
	if err != nil {
		return nil, fmt.Errorf("read ir.model.fields: %w", err)
	}
	fieldRows, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("read ir.model.fields: unexpected result shape %T", raw)
	}

	for _, r := range fieldRows {
		row, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := row["name"].(string)
		if name == "" || fieldsToSkip[name] {
			continue
		}
		modelRef, ok := row["model_id"].([]interface{}) // [id, display]
		if !ok || len(modelRef) == 0 {
			continue
		}
		mid, _ := modelRef[0].(float64)
		m, ok := byID[mid]
		if !ok {
			continue
		}

		fid, _ := row["id"].(float64)
		ttype, _ := row["ttype"].(string)
		ft, known := ttypeMap[ttype]
		if !known {
			ft = schema.TypeString
		}
		stored, _ := row["store"].(bool)

		fld := schema.Field{
			Name:      name,
			Label:     stringOr(row["field_description"], name),
			FieldID:   uint64(fid),
			Type:      ft,
			Stored:    stored,
			InPayload: stored,
		}
		if rel, ok := row["relation"].(string); ok && rel != "" && fld.IsFK() {
			fld.TargetModel = rel
			// Reverse edges to models outside the requested set keep the
			// name but get no id; the cascade skips them.
			fld.TargetModelID = nameToID[rel]
		}
		m.Fields = append(m.Fields, fld)
	}

	out := make([]schema.Model, 0, len(byID))
	for _, m := range byID {
		sort.Slice(m.Fields, func(i, j int) bool { return m.Fields[i].Name < m.Fields[j].Name })
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func stringOr(v interface{}, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}
