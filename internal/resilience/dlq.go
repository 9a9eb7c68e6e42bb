package resilience

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"erpmirror/internal/logging"
)

// Failure stages recorded on DLQ entries.
const (
	StageEmbedding = "embedding"
	StageUpsert    = "upsert"
	StageCancelled = "cancelled" // queue drained on graceful cancellation
	StageLocked    = "lock_held" // dependency lost its sync lock to a concurrent run
)

// DLQEntry is one failed record. External tooling drains the queue; this
// core only appends.
type DLQEntry struct {
	RecordID     uint64 `json:"record_id"`
	Model        string `json:"model"`
	ModelID      uint16 `json:"model_id"`
	FailureStage string `json:"failure_stage"`
	ErrorMessage string `json:"error_message"`
	BatchNumber  int    `json:"batch_number"`
	EncodedText  string `json:"encoded_text"`
	FailedAt     string `json:"failed_at"`
	RetryCount   int    `json:"retry_count"`
}

// DLQ is a durable append-only JSONL log of failed batches. Writes are
// serialized by a single in-process writer; a file lock guards against
// other processes appending concurrently.
type DLQ struct {
	path    string
	mu      sync.Mutex
	metrics *Metrics
	now     func() time.Time
}

// NewDLQ builds a DLQ writing to <workspace>/.erpmirror/dlq.jsonl.
// metrics may be nil.
func NewDLQ(workspace string, metrics *Metrics) *DLQ {
	return &DLQ{
		path:    filepath.Join(workspace, ".erpmirror", "dlq.jsonl"),
		metrics: metrics,
		now:     time.Now,
	}
}

// Path returns the backing file path.
func (q *DLQ) Path() string { return q.path }

// Append writes one batch of entries. FailedAt is stamped here so callers
// only describe the failure.
func (q *DLQ) Append(entries []DLQEntry) error {
	if len(entries) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(q.path), 0755); err != nil {
		return fmt.Errorf("create dlq directory: %w", err)
	}

	lock := flock.New(q.path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock dlq: %w", err)
	}
	defer lock.Unlock()

	f, err := os.OpenFile(q.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open dlq: %w", err)
	}
	defer f.Close()

	stamp := q.now().UTC().Format(time.RFC3339)
	for _, entry := range entries {
		if entry.FailedAt == "" {
			entry.FailedAt = stamp
		}
		line, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal dlq entry: %w", err)
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("append dlq entry: %w", err)
		}
	}
	logging.DLQ("Appended %d entries (stage=%s model=%s)", len(entries), entries[0].FailureStage, entries[0].Model)
	if q.metrics != nil {
		q.metrics.DLQAppended(len(entries))
	}
	return nil
}

// Depth counts entries currently in the queue, for diagnostics.
func (q *DLQ) Depth() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	data, err := os.ReadFile(q.path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n := 0
	for _, b := range data {
		if b == '\n' {
			n++
		}
	}
	return n, nil
}
