package query

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ExportDescriptor replaces the inline result body when a query exports to
// file: the caller gets a pointer, not the rows.
type ExportDescriptor struct {
	Filename  string `json:"filename"`
	Path      string `json:"path,omitempty"`
	URL       string `json:"url,omitempty"`
	SizeBytes int64  `json:"size_bytes"`
	WrittenAt string `json:"written_at"`
}

// ExportStore optionally ships an export somewhere shared (object storage,
// a wiki, anything addressable) and returns the URL.
type ExportStore interface {
	Store(ctx context.Context, filename string, data []byte) (string, error)
}

// ExportWriter writes query results to disk and, when a store is wired,
// uploads them too.
type ExportWriter struct {
	dir   string
	store ExportStore
	now   func() time.Time
}

// NewExportWriter writes exports under dir. store may be nil.
func NewExportWriter(dir string, store ExportStore) *ExportWriter {
	return &ExportWriter{dir: dir, store: store, now: time.Now}
}

// Write serializes the result and returns its descriptor.
func (w *ExportWriter) Write(ctx context.Context, model string, result interface{}) (*ExportDescriptor, error) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal export: %w", err)
	}
	ts := w.now().UTC()
	filename := fmt.Sprintf("query_%s_%s.json", sanitizeModel(model), ts.Format("20060102_150405"))

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export directory: %w", err)
	}
	path := filepath.Join(w.dir, filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("write export %s: %w", path, err)
	}

	desc := &ExportDescriptor{
		Filename:  filename,
		Path:      path,
		SizeBytes: int64(len(data)),
		WrittenAt: ts.Format("2006-01-02 15:04:05"),
	}
	if w.store != nil {
		url, err := w.store.Store(ctx, filename, data)
		if err != nil {
			return nil, fmt.Errorf("upload export %s: %w", filename, err)
		}
		desc.URL = url
	}
	return desc, nil
}

func sanitizeModel(model string) string {
	out := make([]rune, 0, len(model))
	for _, c := range model {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_':
			out = append(out, c)
		case c == '.':
			out = append(out, '_')
		}
	}
	return string(out)
}
