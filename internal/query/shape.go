package query

import "fmt"

// Token estimation constants. These are deliberately coarse: the point is
// to keep responses inside a context budget, not to bill anyone.
const (
	tokensBase          = 300
	tokensPerAgg        = 25
	tokensPerGroup      = 50
	tokensRecordBase    = 250
	tokensPerRecord     = 100
	nestedRecordFactor  = 1.5
	maxPerRecordFactor  = 3.0
	autoTopN            = 10
	referenceFieldCount = 10.0
)

// estimateTokens sizes the response before shaping.
func (e *Engine) estimateTokens(resp *Response, req Request) int {
	if resp.Mode == "aggregate" {
		if len(resp.Groups) == 0 {
			return tokensBase + tokensPerAgg*len(req.Aggregations)
		}
		perGroup := tokensPerGroup + tokensPerAgg*len(req.Aggregations) + 10*len(req.GroupBy)
		return tokensBase + len(resp.Groups)*perGroup
	}

	fields := float64(len(req.Fields))
	if fields == 0 {
		// Unprojected records carry the whole payload.
		fields = referenceFieldCount * 1.5
		if len(resp.Records) > 0 {
			fields = float64(len(resp.Records[0]))
		}
	}
	perRecord := tokensPerRecord * (fields / referenceFieldCount)
	if len(req.Link) > 0 || len(req.LinkJSON) > 0 ||
		req.IncludeGraphContext || req.IncludeValidationStatus || req.IncludeSimilar {
		perRecord *= nestedRecordFactor
	}
	if perRecord > tokensPerRecord*maxPerRecordFactor {
		perRecord = tokensPerRecord * maxPerRecordFactor
	}
	return tokensRecordBase + int(float64(len(resp.Records))*perRecord)
}

// shape applies the detail level: explicit levels are honored (with a
// warning when they blow the budget), an implicit level downgrades
// automatically when the estimate exceeds the threshold.
func (e *Engine) shape(resp *Response, req Request, p *plan) {
	resp.EstimatedTokens = e.estimateTokens(resp, req)

	level := p.detail
	if level == "" {
		level = DetailFull
		if resp.EstimatedTokens > e.opts.TokenThreshold {
			if resp.Mode == "aggregate" && len(resp.Groups) > 0 {
				level = DetailTopN
			} else {
				level = DetailSummary
			}
			resp.Warnings = append(resp.Warnings, fmt.Sprintf(
				"estimated %d tokens exceeds the %d budget; detail level reduced to %s",
				resp.EstimatedTokens, e.opts.TokenThreshold, level))
		}
	} else if resp.EstimatedTokens > e.opts.TokenThreshold && level == DetailFull {
		resp.Warnings = append(resp.Warnings, fmt.Sprintf(
			"estimated %d tokens exceeds the %d budget; consider detail_level=top_n or summary",
			resp.EstimatedTokens, e.opts.TokenThreshold))
	}
	resp.DetailLevel = level

	switch level {
	case DetailSummary:
		// Totals, counts and the checksum only.
		resp.Groups = nil
		resp.RemainingGroups = nil
		resp.Records = nil
	case DetailTopN:
		e.shapeTopN(resp, req, p)
	}
}

// shapeTopN keeps the N largest groups (by the primary aggregate, the
// order finishAggregate already produced) and folds the rest into a
// remainder row so totals still reconcile. Sums and counts add up;
// averages are re-derived count-weighted, since a sum of per-group
// averages reconciles with nothing.
func (e *Engine) shapeTopN(resp *Response, req Request, p *plan) {
	if resp.Mode != "aggregate" || len(resp.Groups) == 0 {
		return
	}
	n := p.topN
	if n <= 0 {
		n = autoTopN
	}
	if len(resp.Groups) <= n {
		return
	}
	rest := resp.Groups[n:]
	resp.Groups = resp.Groups[:n]

	avgAliases := map[string]bool{}
	for _, a := range req.Aggregations {
		if a.Op == "avg" {
			avgAliases[aliasOf(a)] = true
		}
	}

	remainder := GroupResult{
		Key:    map[string]interface{}{"_group": fmt.Sprintf("remaining %d groups", len(rest))},
		Values: map[string]float64{},
	}
	weighted := map[string]float64{}
	for _, g := range rest {
		remainder.Count += g.Count
		for alias, v := range g.Values {
			if avgAliases[alias] {
				weighted[alias] += v * float64(g.Count)
				continue
			}
			remainder.Values[alias] += v
		}
	}
	for alias, w := range weighted {
		if remainder.Count > 0 {
			remainder.Values[alias] = w / float64(remainder.Count)
		}
	}
	for alias, v := range remainder.Values {
		remainder.Values[alias] = round2(v)
	}
	resp.RemainingGroups = &remainder
}
