// Package mirrorerr defines the typed error kinds the cores must
// distinguish. Callers branch with errors.As / errors.Is; the CLI maps
// kinds to exit codes.
package mirrorerr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// CircuitOpenError reports a call rejected by an open circuit breaker.
// Non-retryable at the call site: cascades route the batch to the DLQ,
// queries surface it.
type CircuitOpenError struct {
	Service string // "upstream", "embedder", "sink"
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open: %s is unavailable", e.Service)
}

// FieldRestrictedError reports an upstream refusal to read a field.
// The extractor removes the field from the projection and continues.
type FieldRestrictedError struct {
	Field  string
	Reason RestrictionReason
}

// RestrictionReason classifies why the upstream refused a field.
type RestrictionReason string

const (
	ReasonSecurityRestriction RestrictionReason = "security_restriction"
	ReasonComputeError        RestrictionReason = "compute_error"
	ReasonOdooSideError       RestrictionReason = "odoo_side_error"
	ReasonUnknown             RestrictionReason = "unknown"
)

func (e *FieldRestrictedError) Error() string {
	return fmt.Sprintf("field %q restricted by upstream (%s)", e.Field, e.Reason)
}

// SchemaMissingError reports a model absent from the registry, with
// similar-name suggestions for the caller.
type SchemaMissingError struct {
	Model       string
	Suggestions []string
}

func (e *SchemaMissingError) Error() string {
	if len(e.Suggestions) == 0 {
		return fmt.Sprintf("model %q not found in schema registry", e.Model)
	}
	return fmt.Sprintf("model %q not found in schema registry (did you mean: %s)",
		e.Model, strings.Join(e.Suggestions, ", "))
}

// ErrSchemaEmpty means no schema is loaded at all; the caller must run a
// schema sync first.
var ErrSchemaEmpty = errors.New("schema registry is empty: run `sync schema` first")

// UnindexedFilterError rejects a query before any sink call. All offending
// fields are reported at once.
type UnindexedFilterError struct {
	Fields []string
}

func (e *UnindexedFilterError) Error() string {
	return fmt.Sprintf("filter references unindexed fields: %s", strings.Join(e.Fields, ", "))
}

// LockHeldError reports a concurrent sync on the same model.
type LockHeldError struct {
	Model    string
	Elapsed  time.Duration
	Progress string
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("sync already in progress for %s (running %s, %s)",
		e.Model, e.Elapsed.Round(time.Second), e.Progress)
}

// ErrUpstreamUnavailable is a transport-level failure talking to the
// upstream database. Counts toward the upstream breaker threshold.
var ErrUpstreamUnavailable = errors.New("upstream unreachable")

// SinkError wraps a rejection from the vector store.
type SinkError struct {
	Detail string
	Err    error
}

func (e *SinkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("vector sink: %s: %v", e.Detail, e.Err)
	}
	return fmt.Sprintf("vector sink: %s", e.Detail)
}

func (e *SinkError) Unwrap() error { return e.Err }

// ValidationError aggregates argument-schema violations. All problems are
// returned at once, never partially.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s", strings.Join(e.Problems, "; "))
}

// ErrCancelled marks graceful, state-preserving cancellation.
var ErrCancelled = errors.New("cancelled")

// IsCircuitOpen reports whether err is (or wraps) a CircuitOpenError.
func IsCircuitOpen(err error) bool {
	var ce *CircuitOpenError
	return errors.As(err, &ce)
}
