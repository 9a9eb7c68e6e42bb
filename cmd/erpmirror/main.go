// erpmirror keeps a vector index synchronized with an upstream ERP
// database and answers exact analytical queries against the mirror.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"erpmirror/internal/cascade"
	"erpmirror/internal/config"
	"erpmirror/internal/embedding"
	"erpmirror/internal/graph"
	"erpmirror/internal/logging"
	"erpmirror/internal/mirrorerr"
	"erpmirror/internal/resilience"
	"erpmirror/internal/schema"
	"erpmirror/internal/sink"
	"erpmirror/internal/transform"
	"erpmirror/internal/upstream"
)

// Exit codes, stable for scripting.
const (
	exitOK         = 0
	exitValidation = 1
	exitUpstream   = 2
	exitPartialDLQ = 3
	exitInternal   = 64
)

// errPartialDLQ marks a run that completed but parked records in the DLQ.
var errPartialDLQ = errors.New("partial success: records in DLQ")

var (
	// Global flags
	workspace  string
	configPath string
	verbose    bool

	logger *zap.Logger
	cfg    *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "erpmirror",
	Short: "Metadata-aware ERP to vector-index mirror",
	Long: `erpmirror mirrors an upstream ERP database into a single vector
collection: schema, data and FK-graph points with deterministic ids.

Syncs cascade across foreign keys, the graph records every relationship
it materializes, validation checks the FK closure, and the search command
answers exact analytical questions over the mirrored payloads.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if err := logging.Initialize(workspace); err != nil {
			return fmt.Errorf("failed to initialize file logging: %w", err)
		}

		path := configPath
		if path == "" {
			path = config.DefaultPath(workspace)
		}
		cfg, err = config.Load(path)
		if err != nil {
			return err
		}
		return cfg.Validate()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "workspace directory (holds .erpmirror state)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default <workspace>/.erpmirror/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

// app is the wired dependency graph for one command invocation.
type app struct {
	vs       sink.VectorSink
	reg      *schema.Registry
	graph    *graph.Store
	embedder embedding.Engine
	metrics  *resilience.Metrics
	dlq      *resilience.DLQ
	meta     *cascade.MetadataStore
	breakers cascade.Breakers
	client   upstream.Client
	patterns *transform.PatternStore
}

type appOptions struct {
	needEmbedder bool
	needUpstream bool
	needRegistry bool
}

// openApp builds the component graph the command needs. The registry is
// loaded from the sink's schema points; commands that need one fail with
// SchemaEmpty until a schema sync has run.
func openApp(ctx context.Context, o appOptions) (*app, error) {
	a := &app{metrics: resilience.NewMetrics()}

	vs, err := sink.NewSQLiteSink(cfg.Vector.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("open vector sink: %w", err)
	}
	a.vs = vs
	if err := vs.EnsureIndexes(ctx); err != nil {
		a.Close()
		return nil, err
	}

	indexed := cfg.Vector.IndexedFields
	if len(indexed) == 0 {
		indexed = sink.DefaultIndexedFields
	}
	a.reg, err = schema.LoadFromSink(ctx, vs, indexed)
	if err != nil {
		a.Close()
		return nil, err
	}
	if o.needRegistry && a.reg.IsEmpty() {
		a.Close()
		return nil, mirrorerr.ErrSchemaEmpty
	}

	if o.needEmbedder {
		a.embedder, err = embedding.NewEngine(embedding.Config{
			Provider:       cfg.Embedding.Provider,
			GenAIAPIKey:    cfg.Embedding.APIKey,
			GenAIModel:     cfg.Embedding.Model,
			OllamaEndpoint: cfg.Embedding.OllamaEndpoint,
			OllamaModel:    cfg.Embedding.OllamaModel,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.graph = graph.NewStore(vs, a.embedder, graph.WithCacheTTL(cfg.GraphCacheTTL()))
	}

	if o.needUpstream {
		a.client, err = upstream.NewJSONRPCClient(upstream.Config{
			URL:      cfg.Upstream.URL,
			Database: cfg.Upstream.Database,
			User:     cfg.Upstream.User,
			Password: cfg.Upstream.Password,
			Timeout:  cfg.Upstream.Timeout,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	a.dlq = resilience.NewDLQ(workspace, a.metrics)
	a.meta = cascade.NewMetadataStore(workspace)
	a.breakers = cascade.Breakers{
		Upstream: resilience.NewBreaker("upstream", a.metrics),
		Embedder: resilience.NewBreaker("embedder", a.metrics),
		Sink:     resilience.NewBreaker("sink", a.metrics),
	}
	a.patterns = transform.NewPatternStore(cfg.Cascade.PatternsPath)
	return a, nil
}

func (a *app) Close() {
	if a.graph != nil {
		a.graph.Close()
	}
	if a.vs != nil {
		_ = a.vs.Close()
	}
}

// coordinator wires the cascade over an opened app.
func (a *app) coordinator(skipExisting bool) *cascade.Coordinator {
	return cascade.NewCoordinator(cascade.Deps{
		Registry:    a.reg,
		Extractor:   upstream.NewExtractor(a.client),
		Transformer: transform.NewTransformer(a.reg, a.patterns),
		Embedder:    a.embedder,
		Sink:        a.vs,
		Graph:       a.graph,
		DLQ:         a.dlq,
		Metrics:     a.metrics,
		Breakers:    a.breakers,
		Metadata:    a.meta,
	}, cascade.Options{
		BatchSize:    cfg.Cascade.BatchSize,
		Parallel:     cfg.Cascade.ParallelTargets,
		MaxDepth:     cfg.Cascade.MaxDepth,
		SkipExisting: skipExisting,
	})
}

// printJSON renders a command result to stdout.
func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// exitCodeFor maps error kinds onto the documented exit codes.
func exitCodeFor(err error) int {
	if err == nil {
		return exitOK
	}
	if errors.Is(err, errPartialDLQ) {
		return exitPartialDLQ
	}
	if errors.Is(err, mirrorerr.ErrUpstreamUnavailable) || mirrorerr.IsCircuitOpen(err) {
		return exitUpstream
	}
	var verr *mirrorerr.ValidationError
	var uerr *mirrorerr.UnindexedFilterError
	var serr *mirrorerr.SchemaMissingError
	var lerr *mirrorerr.LockHeldError
	switch {
	case errors.As(err, &verr),
		errors.As(err, &uerr),
		errors.As(err, &serr),
		errors.As(err, &lerr),
		errors.Is(err, mirrorerr.ErrSchemaEmpty):
		return exitValidation
	}
	return exitInternal
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err != nil && !errors.Is(err, errPartialDLQ) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(exitCodeFor(err))
}
