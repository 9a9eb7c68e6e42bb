// Package cascade implements the recursive sync core: stream a model
// through extract → transform → embed → upsert, accumulate its FK
// references, materialize graph edges, then expand to the referenced
// models until the frontier is empty or the depth cap is reached.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"erpmirror/internal/embedding"
	"erpmirror/internal/graph"
	"erpmirror/internal/logging"
	"erpmirror/internal/mirrorerr"
	"erpmirror/internal/pointid"
	"erpmirror/internal/resilience"
	"erpmirror/internal/schema"
	"erpmirror/internal/sink"
	"erpmirror/internal/transform"
	"erpmirror/internal/upstream"
)

const (
	// DefaultBatchSize is the extract/embed/upsert batch size.
	DefaultBatchSize = 100

	// DefaultParallel is the worker pool size for dependency sub-syncs.
	DefaultParallel = 3

	// MaxParallel bounds parallel_targets.
	MaxParallel = 10

	// MaxDepth caps dependency recursion from the origin.
	MaxDepth = 5

	// maxWarnings bounds the per-run warning list; further warnings are
	// silently dropped to prevent memory growth.
	maxWarnings = 100
)

// Breakers groups the three circuit breakers the pipeline runs through.
type Breakers struct {
	Upstream *resilience.Breaker
	Embedder *resilience.Breaker
	Sink     *resilience.Breaker
}

// Options are coordinator-level defaults; a Request can override some.
type Options struct {
	BatchSize    int
	Parallel     int
	MaxDepth     int
	SkipExisting bool // applies to FK-target sub-syncs
}

// Deps are the constructor-injected collaborators.
type Deps struct {
	Registry    *schema.Registry
	Extractor   *upstream.Extractor
	Transformer *transform.Transformer
	Embedder    embedding.Engine
	Sink        sink.VectorSink
	Graph       *graph.Store
	DLQ         *resilience.DLQ
	Metrics     *resilience.Metrics
	Breakers    Breakers
	Metadata    *MetadataStore
}

// Coordinator owns cascade execution and the per-model sync locks.
type Coordinator struct {
	deps Deps
	opts Options

	mu     sync.Mutex
	active map[string]*syncProgress

	now func() time.Time
}

type syncProgress struct {
	started  time.Time
	progress string
}

// NewCoordinator wires a coordinator. Zero option fields take defaults.
func NewCoordinator(deps Deps, opts Options) *Coordinator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Parallel <= 0 {
		opts.Parallel = DefaultParallel
	}
	if opts.Parallel > MaxParallel {
		opts.Parallel = MaxParallel
	}
	if opts.MaxDepth <= 0 || opts.MaxDepth > MaxDepth {
		opts.MaxDepth = MaxDepth
	}
	return &Coordinator{
		deps:   deps,
		opts:   opts,
		active: map[string]*syncProgress{},
		now:    time.Now,
	}
}

// Request describes one cascade invocation.
type Request struct {
	Model           string
	Token           string // anti-accident check from pipeline_<model>_<token>
	RecordIDs       []uint64
	DateFrom        string // YYYY-MM-DD, origin only
	DateTo          string
	IncludeArchived bool
	Parallel        int // 0 = coordinator default
	DryRun          bool
	UpdateGraph     bool
}

// ParsePipelineToken splits a request of the form pipeline_<model>_<token>.
func ParsePipelineToken(s string) (model, token string, err error) {
	rest, ok := strings.CutPrefix(s, "pipeline_")
	if !ok {
		return "", "", fmt.Errorf("request %q does not start with pipeline_", s)
	}
	i := strings.LastIndex(rest, "_")
	if i <= 0 || i == len(rest)-1 {
		return "", "", fmt.Errorf("request %q is missing a token", s)
	}
	return rest[:i], rest[i+1:], nil
}

// ModelStats is the per-model outcome of one cascade.
type ModelStats struct {
	Model              string            `json:"model"`
	SyncType           string            `json:"sync_type"` // full | incremental
	Depth              int               `json:"depth"`
	RecordsProcessed   int               `json:"records_processed"`
	RecordsEmbedded    int               `json:"records_embedded"`
	RecordsFailed      int               `json:"records_failed"`
	DependenciesQueued int               `json:"dependencies_queued"`
	RestrictedFields   map[string]string `json:"restricted_fields,omitempty"`
	Errors             []string          `json:"errors,omitempty"`
	DurationMS         int64             `json:"duration_ms"`

	// lastWriteDate is the max write_date seen; it becomes the next
	// incremental watermark. The create-date extremes feed the metadata
	// file's oldest/newest bookkeeping.
	lastWriteDate string
	oldestCreate  string
	oldestID      uint64
	newestCreate  string
	newestID      uint64
}

// Result is the full cascade outcome.
type Result struct {
	Origin     string        `json:"origin"`
	Success    bool          `json:"success"`
	DryRun     bool          `json:"dry_run,omitempty"`
	Cancelled  bool          `json:"cancelled,omitempty"`
	Models     []*ModelStats `json:"models"`
	Warnings   []string      `json:"warnings,omitempty"`
	DLQEntries int           `json:"dlq_entries,omitempty"`
}

// workItem is one (model, id list) unit of cascade work.
type workItem struct {
	model string
	ids   []uint64
	depth int
}

// run carries the per-invocation shared state: FIFO queue, visited set,
// restricted fields, warnings. One run per Run call; never shared.
type run struct {
	origin       string
	originDomain upstream.DomainSpec
	updateGraph  bool
	skipExisting bool
	maxDepth     int

	mu          sync.Mutex
	queue       []workItem
	visited     map[string]map[uint64]bool
	restricted  map[string]map[string]mirrorerr.RestrictionReason
	reached     map[string]bool
	warnings    []string
	warnDropped bool
	stats       []*ModelStats
	dlqEntries  int
}

func (r *run) enqueue(it workItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = append(r.queue, it)
}

// takeQueue drains the pending work FIFO.
func (r *run) takeQueue() []workItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.queue
	r.queue = nil
	return q
}

// mergeByModel unions same-model items so a frontier dispatches at most
// one work item per target model; sibling parents referencing the same
// model must not race each other for its sync lock.
func mergeByModel(items []workItem) []workItem {
	merged := make([]workItem, 0, len(items))
	index := map[string]int{}
	for _, it := range items {
		if i, ok := index[it.model]; ok {
			merged[i].ids = append(merged[i].ids, it.ids...)
			continue
		}
		index[it.model] = len(merged)
		merged = append(merged, it)
	}
	return merged
}

// claim filters ids down to those not yet visited for model, marking them
// visited. First claimer wins; the loser's enqueue becomes a no-op.
func (r *run) claim(model string, ids []uint64) []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := r.visited[model]
	if seen == nil {
		seen = map[uint64]bool{}
		r.visited[model] = seen
	}
	var fresh []uint64
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			fresh = append(fresh, id)
		}
	}
	return fresh
}

func (r *run) markReached(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reached[model] = true
}

func (r *run) reachedModels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	models := make([]string, 0, len(r.reached))
	for m := range r.reached {
		models = append(models, m)
	}
	sort.Strings(models)
	return models
}

// restrictedSnapshot copies the model's restricted set for a single
// extract or transform call.
func (r *run) restrictedSnapshot(model string) map[string]mirrorerr.RestrictionReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]mirrorerr.RestrictionReason, len(r.restricted[model]))
	for f, reason := range r.restricted[model] {
		out[f] = reason
	}
	return out
}

func (r *run) addRestriction(model, field string, reason mirrorerr.RestrictionReason) {
	r.mu.Lock()
	set := r.restricted[model]
	if set == nil {
		set = map[string]mirrorerr.RestrictionReason{}
		r.restricted[model] = set
	}
	_, known := set[field]
	set[field] = reason
	r.mu.Unlock()
	if !known {
		r.warn(fmt.Sprintf("field %s.%s restricted by upstream (%s)", model, field, reason))
	}
}

// warn appends a bounded warning.
func (r *run) warn(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.warnings) >= maxWarnings {
		r.warnDropped = true
		return
	}
	r.warnings = append(r.warnings, msg)
}

func (r *run) addStats(s *ModelStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = append(r.stats, s)
}

func (r *run) addDLQ(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dlqEntries += n
}

// acquire takes the process-local sync lock for model, failing fast with
// progress info when a sync is already running.
func (c *Coordinator) acquire(model string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, held := c.active[model]; held {
		return &mirrorerr.LockHeldError{
			Model:    model,
			Elapsed:  c.now().Sub(p.started),
			Progress: p.progress,
		}
	}
	c.active[model] = &syncProgress{started: c.now(), progress: "starting"}
	return nil
}

func (c *Coordinator) release(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, model)
}

func (c *Coordinator) setProgress(model, progress string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.active[model]; ok {
		p.progress = progress
	}
}

// Run executes one cascade. The origin lock is taken for the whole
// invocation; sub-sync locks are taken per work item.
func (c *Coordinator) Run(ctx context.Context, req Request) (*Result, error) {
	if c.deps.Registry.IsEmpty() {
		return nil, mirrorerr.ErrSchemaEmpty
	}
	originModel, ok := c.deps.Registry.Model(req.Model)
	if !ok {
		return nil, &mirrorerr.SchemaMissingError{Model: req.Model, Suggestions: c.deps.Registry.Suggest(req.Model, 3)}
	}
	if req.Token == "" {
		return nil, &mirrorerr.ValidationError{Problems: []string{"pipeline token is required"}}
	}
	// Full-form tokens carry the model they were issued for.
	if model, _, err := ParsePipelineToken(req.Token); err == nil && model != req.Model {
		return nil, &mirrorerr.ValidationError{Problems: []string{
			fmt.Sprintf("pipeline token names model %s, request targets %s", model, req.Model)}}
	}
	parallel := req.Parallel
	if parallel <= 0 {
		parallel = c.opts.Parallel
	}
	if parallel > MaxParallel {
		parallel = MaxParallel
	}

	if err := c.acquire(req.Model); err != nil {
		return nil, err
	}
	defer c.release(req.Model)

	timer := logging.StartTimer(logging.CategoryCascade, "cascade "+req.Model)
	defer timer.StopWithInfo()

	domain := upstream.DomainSpec{
		RecordIDs:       req.RecordIDs,
		DateFrom:        req.DateFrom,
		DateTo:          req.DateTo,
		IncludeArchived: req.IncludeArchived,
	}
	if len(req.RecordIDs) == 0 {
		if md, synced, err := c.deps.Metadata.Get(req.Model); err != nil {
			return nil, err
		} else if synced {
			domain.Watermark = md.LastSync
		}
	}

	if req.DryRun {
		return c.dryRun(ctx, req, domain)
	}

	r := &run{
		origin:       req.Model,
		originDomain: domain,
		updateGraph:  req.UpdateGraph,
		skipExisting: c.opts.SkipExisting,
		maxDepth:     c.opts.MaxDepth,
		visited:      map[string]map[uint64]bool{},
		restricted:   map[string]map[string]mirrorerr.RestrictionReason{},
		reached:      map[string]bool{req.Model: true},
	}

	originStats := c.syncModel(ctx, r, workItem{model: req.Model, depth: 0}, domain, originModel)
	r.addStats(originStats)
	if len(req.RecordIDs) == 0 && len(originStats.Errors) == 0 && ctx.Err() == nil {
		c.updateMetadata(req.Model, originStats)
	}

	// Dependency expansion: process each depth level through the worker
	// pool. Within a level there is no ordering guarantee; the visited set
	// resolves duplicate enqueues, and same-model items are merged so one
	// level never dispatches two items for the same sync lock.
	frontier := mergeByModel(r.takeQueue())
	for depth := 1; depth <= r.maxDepth && len(frontier) > 0 && ctx.Err() == nil; depth++ {
		g, gctx := errgroup.WithContext(ctx)
		sem := semaphore.NewWeighted(int64(parallel))
		for _, it := range frontier {
			it := it
			g.Go(func() error {
				if err := sem.Acquire(gctx, 1); err != nil {
					return err
				}
				defer sem.Release(1)
				c.runWorkItem(gctx, r, it)
				return nil
			})
		}
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			r.warn(fmt.Sprintf("worker pool: %v", err))
		}
		frontier = mergeByModel(r.takeQueue())
	}

	cancelled := ctx.Err() != nil
	if cancelled {
		c.drainToDLQ(r, frontier)
	}

	if r.updateGraph && !cancelled {
		for _, model := range r.reachedModels() {
			if len(c.deps.Registry.FKFieldsOf(model)) == 0 {
				if err := c.deps.Graph.MarkLeaf(context.WithoutCancel(ctx), model); err != nil {
					r.warn(fmt.Sprintf("mark leaf %s: %v", model, err))
				}
			}
		}
	}

	result := c.assemble(r, cancelled)
	if cancelled {
		return result, mirrorerr.ErrCancelled
	}
	return result, nil
}

func (c *Coordinator) assemble(r *run, cancelled bool) *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := &Result{
		Origin:     r.origin,
		Cancelled:  cancelled,
		Models:     r.stats,
		Warnings:   r.warnings,
		DLQEntries: r.dlqEntries,
	}
	if r.warnDropped {
		result.Warnings = append(result.Warnings, "further warnings dropped")
	}
	result.Success = !cancelled && r.dlqEntries == 0
	for _, s := range r.stats {
		if len(s.Errors) > 0 || s.RecordsFailed > 0 {
			result.Success = false
		}
	}
	return result
}

// dryRun sizes the origin extract without writing anything.
func (c *Coordinator) dryRun(ctx context.Context, req Request, domain upstream.DomainSpec) (*Result, error) {
	var count int
	err := c.deps.Breakers.Upstream.Do(func() error {
		n, err := c.deps.Extractor.Count(ctx, req.Model, domain)
		count = n
		return err
	})
	if err != nil {
		return nil, err
	}
	syncType := "full"
	if domain.IsIncremental() {
		syncType = "incremental"
	}
	return &Result{
		Origin:  req.Model,
		Success: true,
		DryRun:  true,
		Models: []*ModelStats{{
			Model:            req.Model,
			SyncType:         syncType,
			RecordsProcessed: count,
		}},
	}, nil
}

// runWorkItem syncs one FK-target id list under the model's sync lock.
// Per-model failures are recorded, not fatal; a held lock (a concurrent
// invocation syncing the same model) parks the ids in the DLQ so they
// are never silently lost.
func (c *Coordinator) runWorkItem(ctx context.Context, r *run, it workItem) {
	model, ok := c.deps.Registry.Model(it.model)
	if !ok {
		r.warn(fmt.Sprintf("dependency model %s not in registry, skipped", it.model))
		return
	}
	if err := c.acquire(it.model); err != nil {
		r.warn(fmt.Sprintf("dependency %s parked in DLQ: %v", it.model, err))
		c.itemToDLQ(r, it, resilience.StageLocked, err.Error())
		return
	}
	defer c.release(it.model)

	r.markReached(it.model)
	// The primary date window and watermark apply only to the origin;
	// archived-record visibility follows the request.
	domain := r.originDomain.WithoutDateWindow()
	domain.Watermark = ""
	domain.RecordIDs = it.ids
	stats := c.syncModel(ctx, r, it, domain, model)
	r.addStats(stats)
}

// syncModel runs the Extract → Transform → Embed → Upsert pipeline for one
// work item. Extraction of batch N+1 overlaps embed+upsert of batch N via
// a one-deep prefetch channel.
func (c *Coordinator) syncModel(ctx context.Context, r *run, it workItem, domain upstream.DomainSpec, model schema.Model) *ModelStats {
	start := c.now()
	stats := &ModelStats{Model: it.model, Depth: it.depth, SyncType: "full"}
	if domain.IsIncremental() {
		stats.SyncType = "incremental"
	}
	defer func() {
		stats.DurationMS = c.now().Sub(start).Milliseconds()
		stats.RestrictedFields = c.restrictedOut(r, it.model)
		if c.deps.Metrics != nil {
			c.deps.Metrics.ObserveSyncDuration(it.model, c.now().Sub(start).Seconds())
		}
	}()

	// Sub-syncs probe the sink first and subtract ids already present.
	if it.depth > 0 && r.skipExisting && len(domain.RecordIDs) > 0 {
		missing, err := c.filterExisting(ctx, model.ModelID, domain.RecordIDs)
		if err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("skip-existing probe: %v", err))
			return stats
		}
		if len(missing) == 0 {
			return stats
		}
		domain.RecordIDs = missing
	}

	fields := make([]string, 0, len(model.Fields))
	for _, f := range model.Fields {
		fields = append(fields, f.Name)
	}

	batches := make(chan []transform.Record, 1)
	var prodErr error
	go func() {
		defer close(batches)
		offset := 0
		for {
			var recs []transform.Record
			err := c.deps.Breakers.Upstream.Do(func() error {
				res, err := c.deps.Extractor.ResilientSearchRead(ctx, it.model, domain, fields, offset, c.opts.BatchSize,
					&upstream.ResilientOptions{
						Restricted: r.restrictedSnapshot(it.model),
						OnRestriction: func(field string, reason mirrorerr.RestrictionReason) {
							r.addRestriction(it.model, field, reason)
						},
					})
				if err != nil {
					return err
				}
				recs = res.Records
				return nil
			})
			if err != nil {
				prodErr = err
				return
			}
			if len(recs) == 0 {
				return
			}
			select {
			case batches <- recs:
			case <-ctx.Done():
				return
			}
			if len(recs) < c.opts.BatchSize {
				return
			}
			offset += len(recs)
		}
	}()

	fkTargets := map[string][]uint64{}
	maxWriteDate := ""
	batchNum := 0
	for batch := range batches {
		batchNum++
		restricted := r.restrictedSnapshot(it.model)
		syncedAt := c.now().UTC().Format(time.RFC3339)

		recs := make([]transform.Record, 0, len(batch))
		texts := make([]string, 0, len(batch))
		points := make([]sink.Point, 0, len(batch))
		batchFK := map[string][]uint64{}
		batchIDs := make([]uint64, 0, len(batch))
		for _, rec := range batch {
			doc, err := c.deps.Transformer.Transform(it.model, rec, restricted, syncedAt)
			if err != nil {
				stats.RecordsFailed++
				stats.Errors = append(stats.Errors, fmt.Sprintf("transform record %d: %v", rec.ID(), err))
				continue
			}
			recs = append(recs, rec)
			texts = append(texts, doc.VectorText)
			points = append(points, sink.Point{ID: pointid.Data(model.ModelID, rec.ID()), Payload: doc.Payload})
			for field, ids := range doc.FKTargets {
				batchFK[field] = append(batchFK[field], ids...)
			}
			batchIDs = append(batchIDs, rec.ID())
			if wd, ok := rec["write_date"].(string); ok && wd > maxWriteDate {
				maxWriteDate = wd
			}
			if cd, ok := rec["create_date"].(string); ok && cd != "" {
				if stats.oldestCreate == "" || cd < stats.oldestCreate {
					stats.oldestCreate = cd
					stats.oldestID = rec.ID()
				}
				if cd > stats.newestCreate {
					stats.newestCreate = cd
					stats.newestID = rec.ID()
				}
			}
		}
		stats.RecordsProcessed += len(batch)
		c.setProgress(it.model, fmt.Sprintf("batch %d, %d records", batchNum, stats.RecordsProcessed))
		if c.deps.Metrics != nil {
			c.deps.Metrics.RecordsProcessed(it.model, len(batch))
		}
		if len(points) == 0 {
			continue
		}

		embedStart := c.now()
		var vectors [][]float32
		err := c.deps.Breakers.Embedder.Do(func() error {
			v, err := c.deps.Embedder.EmbedBatch(ctx, texts, embedding.RoleDocument)
			vectors = v
			return err
		})
		if c.deps.Metrics != nil {
			c.deps.Metrics.ObserveEmbedBatch(c.now().Sub(embedStart).Seconds())
		}
		if err != nil {
			c.batchToDLQ(r, stats, model, recs, texts, resilience.StageEmbedding, err, batchNum)
			continue
		}
		for i := range points {
			points[i].Vector = vectors[i]
		}

		err = c.deps.Breakers.Sink.Do(func() error {
			return c.deps.Sink.Upsert(ctx, points)
		})
		if err != nil {
			c.batchToDLQ(r, stats, model, recs, texts, resilience.StageUpsert, err, batchNum)
			continue
		}
		stats.RecordsEmbedded += len(points)
		if c.deps.Metrics != nil {
			c.deps.Metrics.RecordsEmbedded(it.model, len(points))
		}
		// Edges and sub-syncs materialize only from records that actually
		// landed; a DLQ'd batch must not cascade.
		for field, ids := range batchFK {
			fkTargets[field] = append(fkTargets[field], ids...)
		}
		r.claim(it.model, batchIDs)
	}

	if prodErr != nil {
		// Extractor circuit open or transport failure aborts this model
		// gracefully with partial results.
		stats.Errors = append(stats.Errors, fmt.Sprintf("extract: %v", prodErr))
	}

	c.materializeEdges(ctx, r, stats, it, model, fkTargets)
	stats.lastWriteDate = maxWriteDate
	return stats
}

// materializeEdges writes one graph edge per FK field observed during the
// stream and enqueues sub-syncs for the referenced targets.
func (c *Coordinator) materializeEdges(ctx context.Context, r *run, stats *ModelStats, it workItem, model schema.Model, fkTargets map[string][]uint64) {
	fieldNames := make([]string, 0, len(fkTargets))
	for f := range fkTargets {
		fieldNames = append(fieldNames, f)
	}
	sort.Strings(fieldNames)

	for _, fieldName := range fieldNames {
		targets := fkTargets[fieldName]
		field, ok := c.deps.Registry.Find(it.model, fieldName)
		if !ok || !field.IsFK() {
			continue
		}
		unique := distinct(targets)

		if r.updateGraph {
			_, err := c.deps.Graph.UpsertRelationship(ctx, graph.UpsertInput{
				SourceModel:     it.model,
				SourceModelID:   model.ModelID,
				FieldID:         field.FieldID,
				FieldName:       field.Name,
				FieldLabel:      field.Label,
				Kind:            field.RelationKind(),
				TargetModel:     field.TargetModel,
				TargetModelID:   field.TargetModelID,
				EdgeCount:       len(targets),
				UniqueTargets:   len(unique),
				DepthFromOrigin: it.depth,
				CascadeSource:   r.origin,
			})
			if err != nil {
				stats.Errors = append(stats.Errors, fmt.Sprintf("edge %s.%s: %v", it.model, fieldName, err))
			}
		}

		r.markReached(field.TargetModel)
		if it.depth+1 > r.maxDepth {
			continue
		}
		fresh := r.claim(field.TargetModel, unique)
		if len(fresh) == 0 {
			continue
		}
		r.enqueue(workItem{model: field.TargetModel, ids: fresh, depth: it.depth + 1})
		stats.DependenciesQueued += len(fresh)
	}
}

// filterExisting probes point ids in the sink and returns the ids not yet
// present.
func (c *Coordinator) filterExisting(ctx context.Context, modelID uint16, ids []uint64) ([]uint64, error) {
	pointIDs := make([]uuid.UUID, len(ids))
	for i, id := range ids {
		pointIDs[i] = pointid.Data(modelID, id)
	}
	var present map[uuid.UUID]bool
	err := c.deps.Breakers.Sink.Do(func() error {
		m, err := c.deps.Sink.Exists(ctx, pointIDs)
		present = m
		return err
	})
	if err != nil {
		return nil, err
	}
	var missing []uint64
	for i, id := range ids {
		if !present[pointIDs[i]] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// batchToDLQ routes a failed batch to the dead-letter queue with its
// stage tag and counts the failures.
func (c *Coordinator) batchToDLQ(r *run, stats *ModelStats, model schema.Model, recs []transform.Record, texts []string, stage string, cause error, batchNum int) {
	entries := make([]resilience.DLQEntry, len(recs))
	for i, rec := range recs {
		entries[i] = resilience.DLQEntry{
			RecordID:     rec.ID(),
			Model:        model.Name,
			ModelID:      model.ModelID,
			FailureStage: stage,
			ErrorMessage: cause.Error(),
			BatchNumber:  batchNum,
			EncodedText:  texts[i],
		}
	}
	if err := c.deps.DLQ.Append(entries); err != nil {
		stats.Errors = append(stats.Errors, fmt.Sprintf("dlq append: %v", err))
	}
	stats.RecordsFailed += len(recs)
	r.addDLQ(len(entries))
	if c.deps.Metrics != nil {
		c.deps.Metrics.RecordsFailed(model.Name, len(recs))
	}
	logging.Cascade("Batch %d of %s routed to DLQ at stage %s: %v", batchNum, model.Name, stage, cause)
}

// itemToDLQ parks an entire unprocessed work item in the DLQ.
func (c *Coordinator) itemToDLQ(r *run, it workItem, stage, message string) {
	model, ok := c.deps.Registry.Model(it.model)
	if !ok || len(it.ids) == 0 {
		return
	}
	entries := make([]resilience.DLQEntry, len(it.ids))
	for i, id := range it.ids {
		entries[i] = resilience.DLQEntry{
			RecordID:     id,
			Model:        it.model,
			ModelID:      model.ModelID,
			FailureStage: stage,
			ErrorMessage: message,
		}
	}
	if err := c.deps.DLQ.Append(entries); err != nil {
		r.warn(fmt.Sprintf("dlq append: %v", err))
		return
	}
	r.addDLQ(len(entries))
}

// drainToDLQ writes unprocessed queue items as cancelled DLQ entries.
func (c *Coordinator) drainToDLQ(r *run, frontier []workItem) {
	for _, it := range append(frontier, r.takeQueue()...) {
		c.itemToDLQ(r, it, resilience.StageCancelled, "cascade cancelled before sync")
	}
}

// updateMetadata persists the incremental watermark after a successful
// primary sync. The watermark carries the max write_date seen so the next
// run resumes precisely.
func (c *Coordinator) updateMetadata(model string, stats *ModelStats) {
	watermark := stats.lastWriteDate
	if watermark == "" {
		watermark = c.now().UTC().Format("2006-01-02 15:04:05")
	}
	md := ModelMetadata{
		LastSync:         watermark,
		RecordCount:      stats.RecordsEmbedded,
		SyncType:         stats.SyncType,
		OldestCreateDate: stats.oldestCreate,
		OldestRecordID:   stats.oldestID,
		NewestCreateDate: stats.newestCreate,
		NewestRecordID:   stats.newestID,
	}
	if err := c.deps.Metadata.Update(model, md); err != nil {
		logging.Get(logging.CategorySync).Warn("Sync metadata update for %s failed: %v", model, err)
	}
}

func (c *Coordinator) restrictedOut(r *run, model string) map[string]string {
	snapshot := r.restrictedSnapshot(model)
	if len(snapshot) == 0 {
		return nil
	}
	out := make(map[string]string, len(snapshot))
	for f, reason := range snapshot {
		out[f] = string(reason)
	}
	return out
}

func distinct(ids []uint64) []uint64 {
	seen := make(map[uint64]bool, len(ids))
	var out []uint64
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
