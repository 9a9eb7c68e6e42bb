package upstream

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"erpmirror/internal/logging"
	"erpmirror/internal/mirrorerr"
	"erpmirror/internal/transform"
)

// Extractor pages records out of the upstream in fixed-size batches and
// transparently recovers from field-level access errors.
type Extractor struct {
	client Client
}

// NewExtractor wires an extractor over a client.
func NewExtractor(client Client) *Extractor {
	return &Extractor{client: client}
}

// Count returns the number of records matching the domain, for sizing.
func (e *Extractor) Count(ctx context.Context, model string, domain DomainSpec) (int, error) {
	result, err := e.client.ExecuteKw(ctx, model, "search_count", []interface{}{domain.Build()}, nil)
	if err != nil {
		return 0, err
	}
	n, ok := result.(float64)
	if !ok {
		return 0, fmt.Errorf("search_count returned %T", result)
	}
	return int(n), nil
}

// SearchRead fetches one page of records with the given projection.
// Records are returned in ascending-id order.
func (e *Extractor) SearchRead(ctx context.Context, model string, domain DomainSpec, fields []string, offset, limit int) ([]transform.Record, error) {
	kwargs := map[string]interface{}{
		"fields": fields,
		"offset": offset,
		"limit":  limit,
		"order":  "id asc",
	}
	result, err := e.client.ExecuteKw(ctx, model, "search_read", []interface{}{domain.Build()}, kwargs)
	if err != nil {
		return nil, err
	}
	rows, ok := result.([]interface{})
	if !ok {
		return nil, fmt.Errorf("search_read returned %T", result)
	}
	records := make([]transform.Record, 0, len(rows))
	for _, row := range rows {
		m, ok := row.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("search_read row is %T", row)
		}
		records = append(records, transform.Record(m))
	}
	return records, nil
}

// ResilientOptions tunes the field-retry loop.
type ResilientOptions struct {
	// MaxRetries bounds how many offending fields may be dropped in one
	// call before giving up. Default 5.
	MaxRetries int

	// Restricted carries the fields already known restricted this run;
	// they are removed from the projection up front. The map is extended
	// in place as new restrictions are discovered.
	Restricted map[string]mirrorerr.RestrictionReason

	// OnRestriction, when set, is invoked once per newly discovered
	// restriction.
	OnRestriction func(field string, reason mirrorerr.RestrictionReason)
}

// ResilientResult is the outcome of a resilient page fetch.
type ResilientResult struct {
	Records          []transform.Record
	RestrictedFields []string // fields newly dropped during this call
	Retries          int
}

// ResilientSearchRead is the production extract path: on a field-access
// error it identifies the offending field, classifies the reason, drops
// the field from the projection, and retries. The restricted set persists
// for the remainder of the sync run via opts.Restricted.
func (e *Extractor) ResilientSearchRead(ctx context.Context, model string, domain DomainSpec, fields []string, offset, limit int, opts *ResilientOptions) (*ResilientResult, error) {
	if opts == nil {
		opts = &ResilientOptions{}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if opts.Restricted == nil {
		opts.Restricted = map[string]mirrorerr.RestrictionReason{}
	}

	projection := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, dropped := opts.Restricted[f]; !dropped {
			projection = append(projection, f)
		}
	}

	result := &ResilientResult{}
	for attempt := 0; ; attempt++ {
		records, err := e.SearchRead(ctx, model, domain, projection, offset, limit)
		if err == nil {
			result.Records = records
			return result, nil
		}

		var ue *UpstreamError
		if !errors.As(err, &ue) {
			// Transport errors bubble out untouched.
			return nil, err
		}
		field, reason, ok := classifyFieldError(ue, projection)
		if !ok {
			return nil, err
		}
		if attempt >= maxRetries {
			return nil, fmt.Errorf("field retry limit (%d) exceeded on %s: %w", maxRetries, model, err)
		}

		logging.Get(logging.CategoryUpstream).Warn("Dropping restricted field %s.%s (%s) and retrying", model, field, reason)
		opts.Restricted[field] = reason
		result.RestrictedFields = append(result.RestrictedFields, field)
		result.Retries++
		if opts.OnRestriction != nil {
			opts.OnRestriction(field, reason)
		}
		projection = removeField(projection, field)
	}
}

func removeField(fields []string, field string) []string {
	out := fields[:0]
	for _, f := range fields {
		if f != field {
			out = append(out, f)
		}
	}
	return out
}

// classifyFieldError extracts the offending field from an upstream error
// and classifies the refusal. The upstream reports field problems as
// free-text messages, so matching is by projected-field mention with the
// longest name winning (partner_id before id).
func classifyFieldError(ue *UpstreamError, projection []string) (string, mirrorerr.RestrictionReason, bool) {
	text := ue.Message + " " + ue.Debug

	var field string
	for _, f := range projection {
		if f == "id" {
			continue
		}
		if strings.Contains(text, "'"+f+"'") || strings.Contains(text, "\""+f+"\"") ||
			strings.Contains(text, " "+f+" ") || strings.HasSuffix(text, " "+f) {
			if len(f) > len(field) {
				field = f
			}
		}
	}
	if field == "" {
		return "", "", false
	}

	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "access") || strings.Contains(lower, "not allowed") || strings.Contains(lower, "restricted"):
		return field, mirrorerr.ReasonSecurityRestriction, true
	case strings.Contains(lower, "compute") || strings.Contains(lower, "dependency"):
		return field, mirrorerr.ReasonComputeError, true
	case strings.Contains(lower, "traceback") || strings.Contains(ue.Name, "odoo") || strings.Contains(lower, "internal server error"):
		return field, mirrorerr.ReasonOdooSideError, true
	}
	return field, mirrorerr.ReasonUnknown, true
}
