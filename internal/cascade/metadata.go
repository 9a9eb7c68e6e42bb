package cascade

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// ModelMetadata is the persisted per-model sync state. LastSync is the
// incremental watermark fed back into the next extract.
type ModelMetadata struct {
	LastSync         string `json:"last_sync"` // ISO-8601
	RecordCount      int    `json:"record_count"`
	SyncType         string `json:"sync_type"` // full | incremental
	OldestCreateDate string `json:"oldest_create_date,omitempty"`
	OldestRecordID   uint64 `json:"oldest_record_id,omitempty"`
	NewestCreateDate string `json:"newest_create_date,omitempty"`
	NewestRecordID   uint64 `json:"newest_record_id,omitempty"`
}

// MetadataStore persists sync metadata to a single JSON file with atomic
// temp+rename writes and a cross-process file lock.
type MetadataStore struct {
	path string
	mu   sync.Mutex
}

// NewMetadataStore builds a store at <workspace>/.erpmirror/sync_metadata.json.
func NewMetadataStore(workspace string) *MetadataStore {
	return &MetadataStore{path: filepath.Join(workspace, ".erpmirror", "sync_metadata.json")}
}

// Get returns the metadata for one model; ok=false when never synced.
func (s *MetadataStore) Get(model string) (ModelMetadata, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readAll()
	if err != nil {
		return ModelMetadata{}, false, err
	}
	md, ok := all[model]
	return md, ok, nil
}

// Update merges one model's metadata into the file.
func (s *MetadataStore) Update(model string, md ModelMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create metadata directory: %w", err)
	}
	lock := flock.New(s.path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock sync metadata: %w", err)
	}
	defer lock.Unlock()

	all, err := s.readAll()
	if err != nil {
		return err
	}
	all[model] = md

	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sync metadata: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write sync metadata: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace sync metadata: %w", err)
	}
	return nil
}

func (s *MetadataStore) readAll() (map[string]ModelMetadata, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]ModelMetadata{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sync metadata: %w", err)
	}
	all := map[string]ModelMetadata{}
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("parse sync metadata: %w", err)
	}
	return all, nil
}
