package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"erpmirror/internal/cascade"
	"erpmirror/internal/validate"
)

var (
	fkModel           string
	fkLimit           int
	fkStoreOrphans    bool
	fkBidirectional   bool
	fkFix             bool
	fkExtractPatterns bool
	fkTrackHistory    bool
	fkAutoSync        bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the mirror's consistency",
}

var validateFkCmd = &cobra.Command{
	Use:   "fk",
	Short: "Verify FK references against the sink and the graph",
	Long: `Walks every FK reference the data points carry and probes whether the
referenced target points exist. Orphans are reported, never deleted; the
only remedy is syncing the missing targets back in (--auto-sync does it
in one pass).

--fix reconciles the graph's edge counters against the actual reference
counts; --bidirectional classifies each edge as consistent, stale_graph,
orphan_fks or both.`,
	RunE: runValidateFk,
}

func init() {
	validateFkCmd.Flags().StringVar(&fkModel, "model", "", "validate one model (default: all with data)")
	validateFkCmd.Flags().IntVar(&fkLimit, "limit", validate.DefaultOrphanLimit, "orphan samples retained across the run")
	validateFkCmd.Flags().BoolVar(&fkStoreOrphans, "store-orphans", false, "persist verdicts onto the graph edges")
	validateFkCmd.Flags().BoolVar(&fkBidirectional, "bidirectional", false, "classify edge counters against actual references")
	validateFkCmd.Flags().BoolVar(&fkFix, "fix", false, "heal stale edge counters")
	validateFkCmd.Flags().BoolVar(&fkExtractPatterns, "extract-patterns", false, "re-derive cardinality from actual references")
	validateFkCmd.Flags().BoolVar(&fkTrackHistory, "track-history", false, "append to the rolling validation history")
	validateFkCmd.Flags().BoolVar(&fkAutoSync, "auto-sync", false, "cascade-sync the missing targets")

	validateCmd.AddCommand(validateFkCmd)
	rootCmd.AddCommand(validateCmd)
}

func runValidateFk(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := openApp(ctx, appOptions{
		needEmbedder: true, // the graph store embeds edge descriptions
		needUpstream: fkAutoSync,
		needRegistry: true,
	})
	if err != nil {
		return err
	}
	defer a.Close()

	var autoSync validate.AutoSyncFunc
	if fkAutoSync {
		coord := a.coordinator(false) // re-sync must not skip "existing" orphan targets
		autoSync = func(ctx context.Context, model string, ids []uint64) error {
			res, err := coord.Run(ctx, cascade.Request{
				Model:       model,
				Token:       pipelineToken(model),
				RecordIDs:   ids,
				UpdateGraph: true,
			})
			if err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("auto-sync of %s left %d records in DLQ", model, res.DLQEntries)
			}
			return nil
		}
	}

	v := validate.NewValidator(a.reg, a.vs, a.graph, a.breakers.Sink, autoSync)
	rep, err := v.Run(ctx, validate.Options{
		Model:           fkModel,
		OrphanLimit:     fkLimit,
		StoreOrphans:    fkStoreOrphans,
		Bidirectional:   fkBidirectional,
		Fix:             fkFix,
		ExtractPatterns: fkExtractPatterns,
		TrackHistory:    fkTrackHistory,
		AutoSync:        fkAutoSync,
	})
	if err != nil {
		return err
	}
	if err := printJSON(rep); err != nil {
		return err
	}

	logger.Info("validation complete",
		zap.Int("orphans", rep.TotalOrphans),
		zap.Int("fixes", rep.FixesApplied))
	if !rep.Success {
		return fmt.Errorf("validation failed on %d models", countFailedModels(rep))
	}
	return nil
}

func countFailedModels(rep *validate.Report) int {
	n := 0
	for _, m := range rep.Models {
		if m.Error != "" {
			n++
		}
	}
	return n
}
