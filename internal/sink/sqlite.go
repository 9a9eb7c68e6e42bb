package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"erpmirror/internal/logging"
	"erpmirror/internal/mirrorerr"
)

// SQLiteSink stores the collection in a single SQLite database.
type SQLiteSink struct {
	db      *sql.DB
	mu      sync.RWMutex
	dbPath  string
	indexed []string
}

// Option tweaks sink construction.
type Option func(*SQLiteSink)

// WithIndexedFields overrides the static indexed-field allow-list.
func WithIndexedFields(fields []string) Option {
	return func(s *SQLiteSink) {
		s.indexed = append([]string(nil), fields...)
	}
}

// NewSQLiteSink opens (or creates) the collection at path. Use ":memory:"
// for tests.
func NewSQLiteSink(path string, opts ...Option) (*SQLiteSink, error) {
	timer := logging.StartTimer(logging.CategorySink, "NewSQLiteSink")
	defer timer.Stop()

	logging.Sink("Opening vector sink at %s", path)

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create sink directory: %w", err)
		}
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sink database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.SinkDebug("Failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.SinkDebug("Failed to set journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.SinkDebug("Failed to set synchronous=NORMAL: %v", err)
	}

	s := &SQLiteSink{
		db:      db,
		dbPath:  path,
		indexed: append([]string(nil), DefaultIndexedFields...),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSink) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS points (
			id         TEXT PRIMARY KEY,
			point_type TEXT NOT NULL,
			model_name TEXT,
			record_id  INTEGER,
			payload    TEXT NOT NULL,
			vector     BLOB,
			synced_at  TEXT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("failed to create points table: %w", err)
	}
	return s.EnsureIndexes(context.Background())
}

// EnsureIndexes creates column and json_extract expression indexes for the
// static indexed-field list. Idempotent.
func (s *SQLiteSink) EnsureIndexes(ctx context.Context) error {
	stmts := []string{
		"CREATE INDEX IF NOT EXISTS idx_points_type ON points(point_type)",
		"CREATE INDEX IF NOT EXISTS idx_points_model ON points(model_name)",
		"CREATE INDEX IF NOT EXISTS idx_points_record ON points(model_name, record_id)",
	}
	for _, f := range s.indexed {
		if _, isColumn := columnFields[f]; isColumn {
			continue
		}
		stmts = append(stmts, fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS idx_points_payload_%s ON points(json_extract(payload, '$.%s'))", f, f))
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return &mirrorerr.SinkError{Detail: "create index", Err: err}
		}
	}
	return nil
}

// IndexedFields returns the static list of filterable payload fields.
func (s *SQLiteSink) IndexedFields() []string {
	out := append([]string(nil), s.indexed...)
	sort.Strings(out)
	return out
}

// Upsert writes points idempotently by id.
func (s *SQLiteSink) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	timer := logging.StartTimer(logging.CategorySink, fmt.Sprintf("Upsert(%d)", len(points)))
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &mirrorerr.SinkError{Detail: "begin upsert tx", Err: err}
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO points (id, point_type, model_name, record_id, payload, vector, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			point_type = excluded.point_type,
			model_name = excluded.model_name,
			record_id  = excluded.record_id,
			payload    = excluded.payload,
			vector     = COALESCE(excluded.vector, points.vector),
			synced_at  = excluded.synced_at`)
	if err != nil {
		return &mirrorerr.SinkError{Detail: "prepare upsert", Err: err}
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, p := range points {
		if p.ID == (uuid.UUID{}) {
			return &mirrorerr.SinkError{Detail: "upsert with zero point id"}
		}
		pt := string(p.PointType())
		if pt == "" {
			return &mirrorerr.SinkError{Detail: fmt.Sprintf("point %s has no point_type in payload", p.ID)}
		}
		payloadJSON, err := json.Marshal(p.Payload)
		if err != nil {
			return &mirrorerr.SinkError{Detail: "marshal payload", Err: err}
		}
		var vec []byte
		if len(p.Vector) > 0 {
			vec = serializeVector(p.Vector)
		}
		modelName, _ := p.Payload["model_name"].(string)
		recordID := payloadInt(p.Payload, "record_id")
		if _, err := stmt.ExecContext(ctx, p.ID.String(), pt, modelName, recordID, string(payloadJSON), vec, now); err != nil {
			return &mirrorerr.SinkError{Detail: fmt.Sprintf("upsert point %s", p.ID), Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &mirrorerr.SinkError{Detail: "commit upsert", Err: err}
	}
	logging.SinkDebug("Upserted %d points", len(points))
	return nil
}

func payloadInt(payload map[string]interface{}, key string) int64 {
	switch v := payload[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case uint64:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}

// Retrieve returns the points for the given ids; missing ids are absent.
func (s *SQLiteSink) Retrieve(ctx context.Context, ids []uuid.UUID) ([]Point, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Point
	for start := 0; start < len(ids); start += ExistsChunkSize {
		end := start + ExistsChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]
		args := make([]interface{}, len(chunk))
		for i, id := range chunk {
			args[i] = id.String()
		}
		rows, err := s.db.QueryContext(ctx,
			"SELECT id, payload, vector FROM points WHERE id IN ("+placeholders(len(chunk))+")", args...)
		if err != nil {
			return nil, &mirrorerr.SinkError{Detail: "retrieve", Err: err}
		}
		pts, err := scanPoints(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pts...)
	}
	return out, nil
}

// Exists probes ids in chunks and reports presence per id.
func (s *SQLiteSink) Exists(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]bool, error) {
	result := make(map[uuid.UUID]bool, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range ids {
		result[id] = false
	}
	for start := 0; start < len(ids); start += ExistsChunkSize {
		end := start + ExistsChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]
		args := make([]interface{}, len(chunk))
		for i, id := range chunk {
			args[i] = id.String()
		}
		rows, err := s.db.QueryContext(ctx,
			"SELECT id FROM points WHERE id IN ("+placeholders(len(chunk))+")", args...)
		if err != nil {
			return nil, &mirrorerr.SinkError{Detail: "exists probe", Err: err}
		}
		for rows.Next() {
			var idStr string
			if err := rows.Scan(&idStr); err != nil {
				rows.Close()
				return nil, &mirrorerr.SinkError{Detail: "exists scan", Err: err}
			}
			if id, err := uuid.Parse(idStr); err == nil {
				result[id] = true
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, &mirrorerr.SinkError{Detail: "exists rows", Err: err}
		}
		rows.Close()
	}
	return result, nil
}

// Scroll pages points matching the filter in ascending rowid order. The
// cursor is the last rowid seen, rendered as a decimal string.
func (s *SQLiteSink) Scroll(ctx context.Context, f Filter, cursor string, limit int) ([]Point, string, error) {
	if limit <= 0 {
		limit = 100
	}
	where, args, err := buildWhere(f)
	if err != nil {
		return nil, "", err
	}
	var after int64
	if cursor != "" {
		after, err = strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, "", &mirrorerr.SinkError{Detail: fmt.Sprintf("malformed scroll cursor %q", cursor)}
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT rowid, id, payload, vector FROM points WHERE rowid > ? AND " + where +
		" ORDER BY rowid LIMIT ?"
	qargs := append([]interface{}{after}, args...)
	qargs = append(qargs, limit)

	rows, err := s.db.QueryContext(ctx, query, qargs...)
	if err != nil {
		return nil, "", &mirrorerr.SinkError{Detail: "scroll", Err: err}
	}
	defer rows.Close()

	var out []Point
	var lastRowID int64
	for rows.Next() {
		var rowid int64
		var idStr, payloadJSON string
		var vec []byte
		if err := rows.Scan(&rowid, &idStr, &payloadJSON, &vec); err != nil {
			return nil, "", &mirrorerr.SinkError{Detail: "scroll scan", Err: err}
		}
		p, err := buildPoint(idStr, payloadJSON, vec)
		if err != nil {
			logging.Get(logging.CategorySink).Warn("Skipping corrupt point %s: %v", idStr, err)
			continue
		}
		out = append(out, p)
		lastRowID = rowid
	}
	if err := rows.Err(); err != nil {
		return nil, "", &mirrorerr.SinkError{Detail: "scroll rows", Err: err}
	}

	next := ""
	if len(out) == limit {
		next = strconv.FormatInt(lastRowID, 10)
	}
	return out, next, nil
}

// Count returns the number of points matching the filter.
func (s *SQLiteSink) Count(ctx context.Context, f Filter) (int, error) {
	where, args, err := buildWhere(f)
	if err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM points WHERE "+where, args...).Scan(&n); err != nil {
		return 0, &mirrorerr.SinkError{Detail: "count", Err: err}
	}
	return n, nil
}

// Search returns the k nearest points to vector among those matching the
// filter, scored by cosine similarity. The candidate set is narrowed by the
// filter in SQL; distances are computed in-process, which matches the
// collection sizes this sink serves (the sqlite-vec extension accelerates
// the same computation when compiled in).
func (s *SQLiteSink) Search(ctx context.Context, vector []float32, f Filter, k int) ([]ScoredPoint, error) {
	if k <= 0 {
		k = 10
	}
	if len(vector) == 0 {
		return nil, &mirrorerr.SinkError{Detail: "search with empty vector"}
	}
	where, args, err := buildWhere(f)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, payload, vector FROM points WHERE vector IS NOT NULL AND "+where, args...)
	if err != nil {
		return nil, &mirrorerr.SinkError{Detail: "search", Err: err}
	}
	defer rows.Close()

	var hits []ScoredPoint
	for rows.Next() {
		var idStr, payloadJSON string
		var vec []byte
		if err := rows.Scan(&idStr, &payloadJSON, &vec); err != nil {
			return nil, &mirrorerr.SinkError{Detail: "search scan", Err: err}
		}
		p, err := buildPoint(idStr, payloadJSON, vec)
		if err != nil {
			continue
		}
		score, err := cosineSimilarity(vector, p.Vector)
		if err != nil {
			continue
		}
		hits = append(hits, ScoredPoint{Point: p, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, &mirrorerr.SinkError{Detail: "search rows", Err: err}
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Delete removes points by id.
func (s *SQLiteSink) Delete(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id.String()
	}
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM points WHERE id IN ("+placeholders(len(ids))+")", args...); err != nil {
		return &mirrorerr.SinkError{Detail: "delete", Err: err}
	}
	return nil
}

// DeleteByFilter removes all points matching the filter.
func (s *SQLiteSink) DeleteByFilter(ctx context.Context, f Filter) error {
	where, args, err := buildWhere(f)
	if err != nil {
		return err
	}
	if where == "1=1" {
		return &mirrorerr.SinkError{Detail: "refusing to delete with empty filter"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM points WHERE "+where, args...); err != nil {
		return &mirrorerr.SinkError{Detail: "delete by filter", Err: err}
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func scanPoints(rows *sql.Rows) ([]Point, error) {
	defer rows.Close()
	var out []Point
	for rows.Next() {
		var idStr, payloadJSON string
		var vec []byte
		if err := rows.Scan(&idStr, &payloadJSON, &vec); err != nil {
			return nil, &mirrorerr.SinkError{Detail: "point scan", Err: err}
		}
		p, err := buildPoint(idStr, payloadJSON, vec)
		if err != nil {
			logging.Get(logging.CategorySink).Warn("Skipping corrupt point %s: %v", idStr, err)
			continue
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, &mirrorerr.SinkError{Detail: "point rows", Err: err}
	}
	return out, nil
}

func buildPoint(idStr, payloadJSON string, vec []byte) (Point, error) {
	id, err := uuid.Parse(idStr)
	if err != nil {
		return Point{}, fmt.Errorf("bad id: %w", err)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return Point{}, fmt.Errorf("bad payload: %w", err)
	}
	p := Point{ID: id, Payload: payload}
	if len(vec) > 0 {
		v, err := deserializeVector(vec)
		if err != nil {
			return Point{}, err
		}
		p.Vector = v
	}
	return p, nil
}
