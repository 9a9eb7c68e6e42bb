package transform

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"erpmirror/internal/logging"
)

// Pattern is a per-model narrative template. The template grammar is
// literal text interleaved with {field} or {field:formatter} placeholders.
type Pattern struct {
	Template string   `yaml:"template"`
	Appendix bool     `yaml:"appendix"` // append non-excluded fields after the template
	Exclude  []string `yaml:"exclude"`  // fields kept out of the dynamic appendix
}

// segment is one parsed piece of a template.
type segment struct {
	literal   string
	field     string
	formatter Formatter
}

// compiled caches the parse of a pattern template.
type compiled struct {
	pattern  Pattern
	segments []segment
	excluded map[string]bool
}

// parseTemplate splits a template into literal and placeholder segments.
// A lone '{' with no closing brace is treated as literal text.
func parseTemplate(tpl string) []segment {
	var segs []segment
	for len(tpl) > 0 {
		open := strings.IndexByte(tpl, '{')
		if open < 0 {
			segs = append(segs, segment{literal: tpl})
			break
		}
		closing := strings.IndexByte(tpl[open:], '}')
		if closing < 0 {
			segs = append(segs, segment{literal: tpl})
			break
		}
		closing += open
		if open > 0 {
			segs = append(segs, segment{literal: tpl[:open]})
		}
		body := tpl[open+1 : closing]
		field, formatter := body, FormatDefault
		if colon := strings.IndexByte(body, ':'); colon >= 0 {
			field = body[:colon]
			formatter = Formatter(body[colon+1:])
		}
		segs = append(segs, segment{field: field, formatter: formatter})
		tpl = tpl[closing+1:]
	}
	return segs
}

// patternsFile is the on-disk shape: one file, keyed by model name.
type patternsFile struct {
	Patterns map[string]Pattern `yaml:"patterns"`
}

// PatternStore holds per-model narrative templates, optionally hot-reloaded
// when the file changes.
type PatternStore struct {
	mu       sync.RWMutex
	path     string
	compiled map[string]*compiled
}

// NewPatternStore creates an empty store. Missing path is not an error;
// models without a pattern use the deterministic fallback rendering.
func NewPatternStore(path string) *PatternStore {
	s := &PatternStore{path: path, compiled: map[string]*compiled{}}
	if path != "" {
		if err := s.Reload(); err != nil {
			logging.Get(logging.CategorySync).Warn("Pattern load failed, using fallback rendering: %v", err)
		}
	}
	return s
}

// Reload re-reads the patterns file.
func (s *PatternStore) Reload() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read patterns: %w", err)
	}
	var f patternsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse patterns: %w", err)
	}

	next := make(map[string]*compiled, len(f.Patterns))
	for model, p := range f.Patterns {
		excluded := make(map[string]bool, len(p.Exclude))
		for _, e := range p.Exclude {
			excluded[e] = true
		}
		next[model] = &compiled{
			pattern:  p,
			segments: parseTemplate(p.Template),
			excluded: excluded,
		}
	}

	s.mu.Lock()
	s.compiled = next
	s.mu.Unlock()
	logging.SyncDebug("Loaded %d narrative patterns from %s", len(next), s.path)
	return nil
}

// get returns the compiled pattern for a model.
func (s *PatternStore) get(model string) (*compiled, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.compiled[model]
	return c, ok
}

// Watch reloads the store whenever the patterns file changes, until ctx is
// cancelled. Errors after startup are logged, not fatal.
func (s *PatternStore) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("pattern watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("pattern watcher add: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := s.Reload(); err != nil {
					logging.Get(logging.CategorySync).Warn("Pattern reload failed: %v", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Get(logging.CategorySync).Warn("Pattern watcher error: %v", err)
			}
		}
	}()
	return nil
}
