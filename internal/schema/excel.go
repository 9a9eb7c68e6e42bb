package schema

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// LoadExcel reads the schema workbook that ships with the ERP mapping:
// the first sheet, a case-insensitive header row (model, model_id, field,
// label, type, field_id, stored, in_payload, target_model,
// target_model_id), then one row per field. Models are assembled from the
// model column.
func LoadExcel(path string, indexedFields []string) (*Registry, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open schema workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("schema workbook %s has no sheets", path)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("schema workbook %s: sheet %s has no data rows", path, sheets[0])
	}

	col, err := headerIndex(rows[0])
	if err != nil {
		return nil, fmt.Errorf("schema workbook %s: %w", path, err)
	}

	byModel := map[string]*Model{}
	order := []string{}
	for i, row := range rows[1:] {
		cell := func(name string) string {
			idx, ok := col[name]
			if !ok || idx >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[idx])
		}
		modelName := cell("model")
		fieldName := cell("field")
		if modelName == "" || fieldName == "" {
			continue // blank or separator row
		}
		m, ok := byModel[modelName]
		if !ok {
			id, err := parseUint16(cell("model_id"))
			if err != nil {
				return nil, fmt.Errorf("row %d: model_id for %s: %w", i+2, modelName, err)
			}
			m = &Model{Name: modelName, ModelID: id}
			byModel[modelName] = m
			order = append(order, modelName)
		}

		fld := Field{
			Name:        fieldName,
			Label:       cell("label"),
			Type:        FieldType(strings.ToLower(cell("type"))),
			Stored:      parseBool(cell("stored")),
			InPayload:   parseBool(cell("in_payload")),
			TargetModel: cell("target_model"),
		}
		if v := cell("field_id"); v != "" {
			fid, err := strconv.ParseUint(v, 10, 48)
			if err != nil {
				return nil, fmt.Errorf("row %d: field_id for %s.%s: %w", i+2, modelName, fieldName, err)
			}
			fld.FieldID = fid
		}
		if v := cell("target_model_id"); v != "" {
			tid, err := parseUint16(v)
			if err != nil {
				return nil, fmt.Errorf("row %d: target_model_id for %s.%s: %w", i+2, modelName, fieldName, err)
			}
			fld.TargetModelID = tid
		}
		m.Fields = append(m.Fields, fld)
	}
	if len(order) == 0 {
		return nil, fmt.Errorf("schema workbook %s contains no models", path)
	}

	sort.Strings(order)
	models := make([]Model, 0, len(order))
	for _, name := range order {
		models = append(models, *byModel[name])
	}
	return NewRegistry(models, indexedFields), nil
}

func headerIndex(header []string) (map[string]int, error) {
	col := map[string]int{}
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{"model", "model_id", "field", "type"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("missing required column %q", required)
		}
	}
	return col, nil
}

func parseUint16(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "y", "x":
		return true
	}
	return false
}
