package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"erpmirror/internal/query"
)

var (
	qModel       string
	qFilters     []string
	qAggregates  []string
	qGroupBy     []string
	qFields      []string
	qLimit       int
	qOffset      int
	qLink        []string
	qLinkJSON    []string
	qShowRels    bool
	qGraphCtx    bool
	qValidStatus bool
	qSimilar     bool
	qSimilarN    int
	qDetail      string
	qTopN        int
	qExport      bool
	qRequest     string
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Exact analytical queries over the mirrored data",
	Long: `Answers precise questions with exact arithmetic over payloads:
filters, aggregations with grouping, FK link expansion and bounded
enrichment. Filters must hit indexed fields; date ranges and boolean
checks on unindexed fields are evaluated in-application.

Filters are field:op:value triples (op: eq neq gt gte lt lte in contains),
aggregates are op:field[:alias] (op: sum count avg min max).

  erpmirror search --model account.move \
    --filter state:eq:posted --filter date:gte:2026-01-01 \
    --aggregate sum:amount_total:total --group-by partner_id_id

A full request can also be supplied as JSON via --request (string or
@file), which overrides the individual flags.`,
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().StringVar(&qModel, "model", "", "model to query")
	searchCmd.Flags().StringArrayVar(&qFilters, "filter", nil, "filter as field:op:value (repeatable)")
	searchCmd.Flags().StringArrayVar(&qAggregates, "aggregate", nil, "aggregation as op:field[:alias] (repeatable)")
	searchCmd.Flags().StringSliceVar(&qGroupBy, "group-by", nil, "group-by fields")
	searchCmd.Flags().StringSliceVar(&qFields, "fields", nil, "record projection (supports one-hop dot notation)")
	searchCmd.Flags().IntVar(&qLimit, "limit", 0, "record limit (0 = default)")
	searchCmd.Flags().IntVar(&qOffset, "offset", 0, "record offset")
	searchCmd.Flags().StringSliceVar(&qLink, "link", nil, "FK fields to resolve onto the records")
	searchCmd.Flags().StringSliceVar(&qLinkJSON, "link-json", nil, "JSON weight-map fields to resolve")
	searchCmd.Flags().BoolVar(&qShowRels, "show-relationships", false, "attach per-record FK summaries")
	searchCmd.Flags().BoolVar(&qGraphCtx, "graph-context", false, "enrich records with graph context")
	searchCmd.Flags().BoolVar(&qValidStatus, "validation-status", false, "enrich records with FK validation status")
	searchCmd.Flags().BoolVar(&qSimilar, "similar", false, "enrich records with nearest same-model records")
	searchCmd.Flags().IntVar(&qSimilarN, "similar-limit", 0, "similar records per record (max 5)")
	searchCmd.Flags().StringVar(&qDetail, "detail-level", "", "summary, top_n or full (default: engine decides)")
	searchCmd.Flags().IntVar(&qTopN, "top-n", 0, "groups kept at detail-level top_n (max 100)")
	searchCmd.Flags().BoolVar(&qExport, "export", false, "write the result to a file, return a descriptor")
	searchCmd.Flags().StringVar(&qRequest, "request", "", "full request as JSON, or @path to a JSON file")

	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	req, err := buildSearchRequest()
	if err != nil {
		return err
	}

	// Similarity enrichment needs no embedder: it reuses stored vectors.
	// The graph store does, so only wire it when something asks for it.
	needGraph := req.IncludeGraphContext || req.ShowRelationships
	a, err := openApp(ctx, appOptions{needEmbedder: needGraph, needRegistry: true})
	if err != nil {
		return err
	}
	defer a.Close()

	exports := query.NewExportWriter(cfg.Export.Directory, nil)
	e := query.NewEngine(a.reg, a.vs, a.graph, a.breakers.Sink, a.metrics, exports, query.Options{
		TokenThreshold:     cfg.Query.TokenThreshold,
		MaxEnrichedRecords: cfg.Query.MaxEnrichedRecords,
		RowScanLimit:       cfg.Query.RowScanLimit,
	})

	resp, err := e.Run(ctx, req)
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func buildSearchRequest() (query.Request, error) {
	if qRequest != "" {
		return parseRequestJSON(qRequest)
	}
	var req query.Request
	req.Model = qModel
	if req.Model == "" {
		return req, fmt.Errorf("--model is required")
	}
	for _, raw := range qFilters {
		c, err := parseFilterFlag(raw)
		if err != nil {
			return req, err
		}
		req.Filters = append(req.Filters, c)
	}
	for _, raw := range qAggregates {
		a, err := parseAggregateFlag(raw)
		if err != nil {
			return req, err
		}
		req.Aggregations = append(req.Aggregations, a)
	}
	req.GroupBy = qGroupBy
	req.Fields = qFields
	req.Limit = qLimit
	req.Offset = qOffset
	req.Link = qLink
	req.LinkJSON = qLinkJSON
	req.ShowRelationships = qShowRels
	req.IncludeGraphContext = qGraphCtx
	req.IncludeValidationStatus = qValidStatus
	req.IncludeSimilar = qSimilar
	req.SimilarLimit = qSimilarN
	req.DetailLevel = qDetail
	req.TopN = qTopN
	req.ExportToFile = qExport
	return req, nil
}

func parseRequestJSON(raw string) (query.Request, error) {
	var req query.Request
	data := []byte(raw)
	if strings.HasPrefix(raw, "@") {
		var err error
		data, err = os.ReadFile(raw[1:])
		if err != nil {
			return req, fmt.Errorf("read request file: %w", err)
		}
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("parse request JSON: %w", err)
	}
	return req, nil
}

// parseFilterFlag splits field:op:value. The value keeps any further
// colons (timestamps); in-values are comma-separated.
func parseFilterFlag(raw string) (query.Condition, error) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 {
		return query.Condition{}, fmt.Errorf("filter %q is not field:op:value", raw)
	}
	c := query.Condition{Field: parts[0], Op: parts[1]}
	if c.Op == "in" {
		items := strings.Split(parts[2], ",")
		list := make([]interface{}, len(items))
		for i, item := range items {
			list[i] = coerceValue(strings.TrimSpace(item))
		}
		c.Value = list
		return c, nil
	}
	c.Value = coerceValue(parts[2])
	return c, nil
}

func parseAggregateFlag(raw string) (query.Aggregation, error) {
	parts := strings.SplitN(raw, ":", 3)
	a := query.Aggregation{Op: parts[0]}
	if len(parts) > 1 {
		a.Field = parts[1]
	}
	if len(parts) > 2 {
		a.Alias = parts[2]
	}
	if a.Op == "" {
		return a, fmt.Errorf("aggregate %q is missing an op", raw)
	}
	return a, nil
}

// coerceValue turns flag text into the JSON-ish type the payloads carry.
func coerceValue(s string) interface{} {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n
	}
	return s
}
