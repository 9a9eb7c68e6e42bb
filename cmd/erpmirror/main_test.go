package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erpmirror/internal/cascade"
	"erpmirror/internal/mirrorerr"
)

func TestParseFilterFlag(t *testing.T) {
	c, err := parseFilterFlag("state:eq:posted")
	require.NoError(t, err)
	assert.Equal(t, "state", c.Field)
	assert.Equal(t, "eq", c.Op)
	assert.Equal(t, "posted", c.Value)

	c, err = parseFilterFlag("create_date:gte:2026-01-01 00:00:00")
	require.NoError(t, err)
	assert.Equal(t, "2026-01-01 00:00:00", c.Value)

	c, err = parseFilterFlag("partner_id_id:eq:201")
	require.NoError(t, err)
	assert.Equal(t, 201.0, c.Value)

	c, err = parseFilterFlag("state:in:posted,draft")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"posted", "draft"}, c.Value)

	_, err = parseFilterFlag("state=posted")
	require.Error(t, err)
}

func TestParseAggregateFlag(t *testing.T) {
	a, err := parseAggregateFlag("sum:amount_total:total")
	require.NoError(t, err)
	assert.Equal(t, "sum", a.Op)
	assert.Equal(t, "amount_total", a.Field)
	assert.Equal(t, "total", a.Alias)

	a, err = parseAggregateFlag("count")
	require.NoError(t, err)
	assert.Equal(t, "count", a.Op)
	assert.Empty(t, a.Field)
}

func TestExitCodeMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, exitOK},
		{&mirrorerr.ValidationError{Problems: []string{"bad"}}, exitValidation},
		{&mirrorerr.UnindexedFilterError{Fields: []string{"x"}}, exitValidation},
		{&mirrorerr.SchemaMissingError{Model: "x"}, exitValidation},
		{mirrorerr.ErrSchemaEmpty, exitValidation},
		{&mirrorerr.LockHeldError{Model: "x"}, exitValidation},
		{mirrorerr.ErrUpstreamUnavailable, exitUpstream},
		{fmt.Errorf("extract: %w", mirrorerr.ErrUpstreamUnavailable), exitUpstream},
		{&mirrorerr.CircuitOpenError{Service: "sink"}, exitUpstream},
		{fmt.Errorf("%w: 3 entries", errPartialDLQ), exitPartialDLQ},
		{errors.New("boom"), exitInternal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, exitCodeFor(tc.err), "err=%v", tc.err)
	}
}

func TestPipelineTokenRoundTrips(t *testing.T) {
	a := pipelineToken("account.move")
	model, token, err := cascade.ParsePipelineToken(a)
	require.NoError(t, err)
	assert.Equal(t, "account.move", model)
	assert.NotEmpty(t, token)
	assert.NotEqual(t, a, pipelineToken("account.move"))
}
