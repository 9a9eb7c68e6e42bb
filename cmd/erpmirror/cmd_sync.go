package main

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"erpmirror/internal/cascade"
	"erpmirror/internal/schema"
	"erpmirror/internal/sink"
	"erpmirror/internal/upstream"
)

var (
	schemaSource string
	schemaForce  bool
	schemaFile   string
	schemaModels []string

	pipeDateFrom        string
	pipeDateTo          string
	pipeRecordIDs       []int64
	pipeSkipExisting    bool
	pipeParallel        int
	pipeDryRun          bool
	pipeUpdateGraph     bool
	pipeIncludeArchived bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize schema or data into the mirror",
}

var syncSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Write schema points from the workbook or the upstream catalog",
	Long: `Loads the model catalog from the Excel mapping workbook or from the
upstream's own metadata models and writes one schema point per field.
The registry is rebuilt from those points afterwards, so every other
command works without the workbook or the upstream.

--force drops all existing schema points first; without it the write is
an idempotent upsert.`,
	RunE: runSyncSchema,
}

var syncPipelineCmd = &cobra.Command{
	Use:   "pipeline <model>",
	Short: "Cascade-sync a model and its FK dependencies",
	Long: `Extracts the model from the upstream, embeds and upserts its records,
then recursively syncs every foreign-key target up to the depth cap.
Without --record-ids or a date window the sync is incremental from the
stored watermark; the first run of a model is always full.

Exit code 3 means the sync finished but parked failed records in the DLQ.`,
	Args: cobra.ExactArgs(1),
	RunE: runSyncPipeline,
}

func init() {
	syncSchemaCmd.Flags().StringVar(&schemaSource, "source", "excel", "schema source: excel or upstream")
	syncSchemaCmd.Flags().BoolVar(&schemaForce, "force", false, "drop existing schema points first")
	syncSchemaCmd.Flags().StringVar(&schemaFile, "file", "", "workbook path (default <workspace>/.erpmirror/schema.xlsx)")
	syncSchemaCmd.Flags().StringSliceVar(&schemaModels, "models", nil, "model names to fetch (upstream source)")

	syncPipelineCmd.Flags().StringVar(&pipeDateFrom, "date-from", "", "window start, YYYY-MM-DD")
	syncPipelineCmd.Flags().StringVar(&pipeDateTo, "date-to", "", "window end, YYYY-MM-DD")
	syncPipelineCmd.Flags().Int64SliceVar(&pipeRecordIDs, "record-ids", nil, "explicit record ids to sync")
	syncPipelineCmd.Flags().BoolVar(&pipeSkipExisting, "skip-existing", true, "skip FK targets already in the sink")
	syncPipelineCmd.Flags().IntVar(&pipeParallel, "parallel", 0, "parallel sub-syncs per level, 1-10 (0 = config)")
	syncPipelineCmd.Flags().BoolVar(&pipeDryRun, "dry-run", false, "count matching records without writing")
	syncPipelineCmd.Flags().BoolVar(&pipeUpdateGraph, "update-graph", true, "materialize FK edges into the graph")
	syncPipelineCmd.Flags().BoolVar(&pipeIncludeArchived, "include-archived", false, "include archived records")

	syncCmd.AddCommand(syncSchemaCmd, syncPipelineCmd)
	rootCmd.AddCommand(syncCmd)
}

func runSyncSchema(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	indexed := cfg.Vector.IndexedFields
	if len(indexed) == 0 {
		indexed = sink.DefaultIndexedFields
	}

	var models []schema.Model
	switch schemaSource {
	case "excel":
		path := schemaFile
		if path == "" {
			path = workspace + "/.erpmirror/schema.xlsx"
		}
		reg, err := schema.LoadExcel(path, indexed)
		if err != nil {
			return err
		}
		models = registryModels(reg)
	case "upstream":
		if len(schemaModels) == 0 {
			return fmt.Errorf("--models is required with --source upstream")
		}
		a, err := openApp(ctx, appOptions{needUpstream: true})
		if err != nil {
			return err
		}
		defer a.Close()
		models, err = upstream.FetchSchema(ctx, a.client, schemaModels)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown schema source %q (excel or upstream)", schemaSource)
	}

	a, err := openApp(ctx, appOptions{needEmbedder: true})
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := schema.NewSyncer(a.vs, a.embedder).Sync(ctx, schemaSource, models, schemaForce)
	if err != nil {
		return err
	}

	// The graph's adjacency cache may hold edges for models that just
	// changed identity.
	a.graph.InvalidateCache()
	logger.Info("schema sync complete",
		zap.Int("models", res.Models), zap.Int("fields", res.Fields))
	return printJSON(res)
}

func registryModels(reg *schema.Registry) []schema.Model {
	names := reg.Models()
	out := make([]schema.Model, 0, len(names))
	for _, name := range names {
		if m, ok := reg.Model(name); ok {
			out = append(out, m)
		}
	}
	return out
}

func runSyncPipeline(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	model := args[0]

	a, err := openApp(ctx, appOptions{needEmbedder: true, needUpstream: true, needRegistry: true})
	if err != nil {
		return err
	}
	defer a.Close()

	skip := cfg.Cascade.SkipExisting
	if cmd.Flags().Changed("skip-existing") {
		skip = pipeSkipExisting
	}
	coord := a.coordinator(skip)

	ids := make([]uint64, 0, len(pipeRecordIDs))
	for _, id := range pipeRecordIDs {
		if id <= 0 {
			return fmt.Errorf("record id must be positive, got %d", id)
		}
		ids = append(ids, uint64(id))
	}

	req := cascadeRequest(model, ids)
	res, err := coord.Run(ctx, req)
	if res != nil {
		if perr := printJSON(res); perr != nil {
			return perr
		}
	}
	if err != nil {
		return err
	}
	if res.DLQEntries > 0 {
		return fmt.Errorf("%w: %d entries", errPartialDLQ, res.DLQEntries)
	}
	if !res.Success {
		return fmt.Errorf("sync of %s finished with errors", model)
	}
	return nil
}

var tokenCounter atomic.Int64

// pipelineToken builds the pipeline_<model>_<token> request string. The
// coordinator cross-checks the model segment against the request, so a
// token issued for one model cannot start a sync of another.
func pipelineToken(model string) string {
	return fmt.Sprintf("pipeline_%s_%s", model,
		strconv.FormatInt(time.Now().UnixNano()+tokenCounter.Add(1), 36))
}

func cascadeRequest(model string, ids []uint64) cascade.Request {
	return cascade.Request{
		Model:           model,
		Token:           pipelineToken(model),
		RecordIDs:       ids,
		DateFrom:        strings.TrimSpace(pipeDateFrom),
		DateTo:          strings.TrimSpace(pipeDateTo),
		IncludeArchived: pipeIncludeArchived,
		Parallel:        pipeParallel,
		DryRun:          pipeDryRun,
		UpdateGraph:     pipeUpdateGraph,
	}
}
