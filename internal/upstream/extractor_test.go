package upstream

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erpmirror/internal/mirrorerr"
)

func TestCount(t *testing.T) {
	client := ClientFunc(func(ctx context.Context, model, method string, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
		assert.Equal(t, "account.move", model)
		assert.Equal(t, "search_count", method)
		return float64(1523), nil
	})
	n, err := NewExtractor(client).Count(context.Background(), "account.move", DomainSpec{})
	require.NoError(t, err)
	assert.Equal(t, 1523, n)
}

func TestSearchReadProjectionAndPaging(t *testing.T) {
	var gotKwargs map[string]interface{}
	client := ClientFunc(func(ctx context.Context, model, method string, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
		gotKwargs = kwargs
		return []interface{}{
			map[string]interface{}{"id": float64(1), "name": "INV/001"},
			map[string]interface{}{"id": float64(2), "name": "INV/002"},
		}, nil
	})
	records, err := NewExtractor(client).SearchRead(context.Background(), "account.move", DomainSpec{}, []string{"id", "name"}, 40, 20)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, uint64(1), records[0].ID())
	assert.Equal(t, 40, gotKwargs["offset"])
	assert.Equal(t, 20, gotKwargs["limit"])
	assert.Equal(t, "id asc", gotKwargs["order"])
}

// fieldRefusingClient refuses any projection containing one of the bad
// fields, naming the first offender in the error message.
func fieldRefusingClient(bad map[string]string) ClientFunc {
	return func(ctx context.Context, model, method string, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
		fields, _ := kwargs["fields"].([]string)
		for _, f := range fields {
			if msg, refused := bad[f]; refused {
				return nil, &UpstreamError{Name: "odoo.exceptions.AccessError", Message: msg}
			}
		}
		return []interface{}{
			map[string]interface{}{"id": float64(1)},
		}, nil
	}
}

func TestResilientSearchReadDropsRestrictedField(t *testing.T) {
	client := fieldRefusingClient(map[string]string{
		"margin": "You are not allowed to access field 'margin' on account.move",
	})

	var reported []string
	opts := &ResilientOptions{
		OnRestriction: func(field string, reason mirrorerr.RestrictionReason) {
			reported = append(reported, field+":"+string(reason))
		},
	}
	res, err := NewExtractor(client).ResilientSearchRead(context.Background(), "account.move", DomainSpec{},
		[]string{"id", "name", "margin"}, 0, 10, opts)
	require.NoError(t, err)
	assert.Len(t, res.Records, 1)
	assert.Equal(t, []string{"margin"}, res.RestrictedFields)
	assert.Equal(t, 1, res.Retries)
	assert.Equal(t, []string{"margin:security_restriction"}, reported)
	assert.Equal(t, mirrorerr.ReasonSecurityRestriction, opts.Restricted["margin"])
}

func TestResilientSearchReadMultipleFields(t *testing.T) {
	client := fieldRefusingClient(map[string]string{
		"margin":      "access denied for field 'margin'",
		"cost_total":  "error while computing field 'cost_total': missing dependency",
		"broken_calc": "Traceback (most recent call last): field 'broken_calc' exploded",
	})

	opts := &ResilientOptions{}
	res, err := NewExtractor(client).ResilientSearchRead(context.Background(), "sale.order", DomainSpec{},
		[]string{"id", "margin", "cost_total", "broken_calc"}, 0, 10, opts)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Retries)
	assert.ElementsMatch(t, []string{"margin", "cost_total", "broken_calc"}, res.RestrictedFields)
	assert.Equal(t, mirrorerr.ReasonSecurityRestriction, opts.Restricted["margin"])
	assert.Equal(t, mirrorerr.ReasonComputeError, opts.Restricted["cost_total"])
	assert.Equal(t, mirrorerr.ReasonOdooSideError, opts.Restricted["broken_calc"])
}

func TestResilientSearchReadKnownRestrictionsSkippedUpFront(t *testing.T) {
	calls := 0
	client := ClientFunc(func(ctx context.Context, model, method string, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
		calls++
		fields, _ := kwargs["fields"].([]string)
		assert.NotContains(t, fields, "margin")
		return []interface{}{}, nil
	})
	opts := &ResilientOptions{
		Restricted: map[string]mirrorerr.RestrictionReason{"margin": mirrorerr.ReasonSecurityRestriction},
	}
	res, err := NewExtractor(client).ResilientSearchRead(context.Background(), "account.move", DomainSpec{},
		[]string{"id", "name", "margin"}, 0, 10, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, res.Retries)
	assert.Empty(t, res.RestrictedFields)
}

func TestResilientSearchReadRetryLimit(t *testing.T) {
	// Every field is refused, so retries never converge.
	client := ClientFunc(func(ctx context.Context, model, method string, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
		fields, _ := kwargs["fields"].([]string)
		for _, f := range fields {
			if f != "id" {
				return nil, &UpstreamError{Message: "access denied for field '" + f + "'"}
			}
		}
		return nil, &UpstreamError{Message: "still broken"}
	})
	fields := []string{"id", "f1", "f2", "f3", "f4", "f5", "f6", "f7"}
	_, err := NewExtractor(client).ResilientSearchRead(context.Background(), "x.model", DomainSpec{},
		fields, 0, 10, &ResilientOptions{MaxRetries: 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "field retry limit")
}

func TestResilientSearchReadTransportErrorBubbles(t *testing.T) {
	client := ClientFunc(func(ctx context.Context, model, method string, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
		return nil, mirrorerr.ErrUpstreamUnavailable
	})
	_, err := NewExtractor(client).ResilientSearchRead(context.Background(), "x.model", DomainSpec{},
		[]string{"id", "name"}, 0, 10, nil)
	assert.True(t, errors.Is(err, mirrorerr.ErrUpstreamUnavailable))
}

func TestResilientSearchReadUnattributableErrorBubbles(t *testing.T) {
	client := ClientFunc(func(ctx context.Context, model, method string, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
		return nil, &UpstreamError{Message: "something unrelated went wrong"}
	})
	_, err := NewExtractor(client).ResilientSearchRead(context.Background(), "x.model", DomainSpec{},
		[]string{"id", "name"}, 0, 10, nil)
	require.Error(t, err)
	var ue *UpstreamError
	assert.True(t, errors.As(err, &ue))
}

func TestClassifyFieldErrorLongestMatchWins(t *testing.T) {
	ue := &UpstreamError{Message: "access denied for field 'partner_id'"}
	field, reason, ok := classifyFieldError(ue, []string{"id", "partner_id", "partner"})
	require.True(t, ok)
	assert.Equal(t, "partner_id", field)
	assert.Equal(t, mirrorerr.ReasonSecurityRestriction, reason)
}

func TestClassifyFieldErrorUnknownReason(t *testing.T) {
	ue := &UpstreamError{Message: "field 'weird_one' misbehaved in an unusual way"}
	field, reason, ok := classifyFieldError(ue, []string{"id", "weird_one"})
	require.True(t, ok)
	assert.Equal(t, "weird_one", field)
	assert.Equal(t, mirrorerr.ReasonUnknown, reason)
}
