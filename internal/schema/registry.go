// Package schema holds the in-memory registry of upstream models and
// fields. The registry is immutable for the duration of a sync run; it is
// rebuilt after a schema sync. All lookups are pure and O(1); absence is a
// value, not an error.
package schema

import (
	"sort"
	"strings"

	"erpmirror/internal/pointid"
)

// FieldType is the registry-level type of an upstream field.
type FieldType string

const (
	TypeString     FieldType = "string"
	TypeNumber     FieldType = "number"
	TypeDate       FieldType = "date"
	TypeBoolean    FieldType = "boolean"
	TypeRefSingle  FieldType = "reference_single"  // many2one
	TypeRefMulti   FieldType = "reference_multi"   // many2many
	TypeRefReverse FieldType = "reference_reverse" // one2many
	TypeJSON       FieldType = "json"
)

// Category is a coarse classification used by the transformer and the
// query engine.
type Category string

const (
	CategoryIdentity   Category = "identity"
	CategoryTemporal   Category = "temporal"
	CategoryFinancial  Category = "financial"
	CategoryForeignKey Category = "foreign_key"
	CategoryStatus     Category = "status"
	CategoryContent    Category = "content"
	CategoryMetadata   Category = "metadata"
	CategoryCustom     Category = "custom"
)

// Field describes one upstream field.
type Field struct {
	Name          string    `yaml:"name"`
	Label         string    `yaml:"label"`
	FieldID       uint64    `yaml:"field_id"`
	Type          FieldType `yaml:"type"`
	Stored        bool      `yaml:"stored"`
	InPayload     bool      `yaml:"in_payload"`
	TargetModel   string    `yaml:"target_model,omitempty"`
	TargetModelID uint16    `yaml:"target_model_id,omitempty"`
}

// IsFK reports whether the field references another model.
func (f Field) IsFK() bool {
	switch f.Type {
	case TypeRefSingle, TypeRefMulti, TypeRefReverse:
		return true
	}
	return false
}

// RelationKind maps the field type to the graph relation discriminator.
// Only meaningful when IsFK() is true.
func (f Field) RelationKind() pointid.RelationKind {
	switch f.Type {
	case TypeRefMulti:
		return pointid.RelationMulti
	case TypeRefReverse:
		return pointid.RelationReverse
	default:
		return pointid.RelationSingle
	}
}

// Model describes one upstream model.
type Model struct {
	Name    string  `yaml:"name"`
	ModelID uint16  `yaml:"model_id"`
	Fields  []Field `yaml:"fields"`
}

// Registry is the immutable lookup structure over loaded models.
type Registry struct {
	models  map[string]Model            // by technical name
	byID    map[uint16]string           // model id -> name
	fields  map[string]map[string]Field // model -> field name -> field
	indexed map[string]bool             // payload fields with a sink index
}

// NewRegistry builds a registry from loaded models plus the static
// allow-list of indexed payload fields provided by the sink configuration.
func NewRegistry(models []Model, indexedFields []string) *Registry {
	r := &Registry{
		models:  make(map[string]Model, len(models)),
		byID:    make(map[uint16]string, len(models)),
		fields:  make(map[string]map[string]Field, len(models)),
		indexed: make(map[string]bool, len(indexedFields)),
	}
	for _, m := range models {
		r.models[m.Name] = m
		r.byID[m.ModelID] = m.Name
		fm := make(map[string]Field, len(m.Fields))
		for _, f := range m.Fields {
			fm[f.Name] = f
		}
		r.fields[m.Name] = fm
	}
	for _, f := range indexedFields {
		r.indexed[f] = true
	}
	return r
}

// IsEmpty reports whether no schema is loaded at all.
func (r *Registry) IsEmpty() bool {
	return r == nil || len(r.models) == 0
}

// Models returns all model names, sorted.
func (r *Registry) Models() []string {
	names := make([]string, 0, len(r.models))
	for n := range r.models {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Model returns the model by technical name.
func (r *Registry) Model(name string) (Model, bool) {
	m, ok := r.models[name]
	return m, ok
}

// ModelNameByID resolves a numeric model id to its technical name.
func (r *Registry) ModelNameByID(id uint16) (string, bool) {
	n, ok := r.byID[id]
	return n, ok
}

// FieldsOf returns the full field list of a model in registry order.
func (r *Registry) FieldsOf(model string) []Field {
	m, ok := r.models[model]
	if !ok {
		return nil
	}
	out := make([]Field, len(m.Fields))
	copy(out, m.Fields)
	return out
}

// FKFieldsOf returns the subset of fields that reference another model,
// with the target resolved.
func (r *Registry) FKFieldsOf(model string) []Field {
	m, ok := r.models[model]
	if !ok {
		return nil
	}
	var out []Field
	for _, f := range m.Fields {
		if f.IsFK() {
			out = append(out, f)
		}
	}
	return out
}

// Find returns the field by (model, name) in constant time.
func (r *Registry) Find(model, fieldName string) (Field, bool) {
	fm, ok := r.fields[model]
	if !ok {
		return Field{}, false
	}
	f, ok := fm[fieldName]
	return f, ok
}

// IsIndexed reports whether a payload field is in the sink's static index
// allow-list.
func (r *Registry) IsIndexed(fieldName string) bool {
	return r.indexed[fieldName]
}

// IndexedFields returns a copy of the allow-list, sorted.
func (r *Registry) IndexedFields() []string {
	out := make([]string, 0, len(r.indexed))
	for f := range r.indexed {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Suggest returns up to limit model names similar to the given one, for
// SchemaMissing errors. Matching is prefix / substring / shared token.
func (r *Registry) Suggest(model string, limit int) []string {
	if limit <= 0 {
		limit = 3
	}
	needle := strings.ToLower(model)
	var out []string
	for _, name := range r.Models() {
		hay := strings.ToLower(name)
		if strings.Contains(hay, needle) || strings.Contains(needle, hay) || sharesToken(hay, needle) {
			out = append(out, name)
			if len(out) >= limit {
				break
			}
		}
	}
	return out
}

func sharesToken(a, b string) bool {
	split := func(s string) []string {
		return strings.FieldsFunc(s, func(r rune) bool { return r == '.' || r == '_' })
	}
	bt := make(map[string]bool)
	for _, t := range split(b) {
		bt[t] = true
	}
	for _, t := range split(a) {
		if bt[t] {
			return true
		}
	}
	return false
}

// Categorize classifies a field by type and name heuristics.
func Categorize(f Field) Category {
	if f.IsFK() {
		return CategoryForeignKey
	}
	name := strings.ToLower(f.Name)
	switch f.Type {
	case TypeDate:
		return CategoryTemporal
	case TypeJSON:
		return CategoryMetadata
	}
	switch {
	case strings.HasSuffix(name, "_date") || strings.HasPrefix(name, "date"):
		return CategoryTemporal
	case containsAny(name, "amount", "price", "debit", "credit", "balance", "total", "cost", "revenue"):
		return CategoryFinancial
	case name == "state" || name == "stage_id" || containsAny(name, "status", "stage"):
		return CategoryStatus
	case name == "name" || name == "display_name" || containsAny(name, "code", "ref"):
		return CategoryIdentity
	case containsAny(name, "description", "note", "body", "comment", "summary"):
		return CategoryContent
	case containsAny(name, "create_uid", "write_uid", "write_date", "create_date", "active", "sequence"):
		return CategoryMetadata
	}
	if f.Type == TypeString || f.Type == TypeNumber || f.Type == TypeBoolean {
		return CategoryCustom
	}
	return CategoryCustom
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
