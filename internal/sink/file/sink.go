// Package file implements a JSON-lines listing sink on the local filesystem.
package file

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

var _ crawler.Sink = (*Sink)(nil)

// Config captures the parameters for the filesystem sink.
type Config struct {
	// BaseDir is the root directory; each partition gets <partition>.jsonl.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// Sink appends records as JSON lines, one file per partition, skipping keys
// it has already written.
type Sink struct {
	baseDir string

	mu    sync.Mutex
	seen  map[string]struct{}
	files map[string]*os.File
}

// New creates the sink and loads the keys already present under BaseDir.
func New(cfg Config) (*Sink, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	s := &Sink{
		baseDir: cfg.BaseDir,
		seen:    make(map[string]struct{}),
		files:   make(map[string]*os.File),
	}
	if err := s.loadKeys(); err != nil {
		return nil, err
	}
	return s, nil
}

// Save appends unseen records and fsyncs each touched file before returning,
// so a checkpoint that follows never refers to records lost in a crash.
func (s *Sink) Save(_ context.Context, records []crawler.Record) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	touched := make(map[*os.File]struct{})
	saved := 0
	for _, rec := range records {
		if rec.Key == "" {
			return saved, fmt.Errorf("record key is required")
		}
		if _, dup := s.seen[rec.Key]; dup {
			continue
		}
		f, err := s.fileFor(rec.PartitionKey)
		if err != nil {
			return saved, err
		}
		line, err := json.Marshal(rec)
		if err != nil {
			return saved, fmt.Errorf("marshal record %s: %w", rec.Key, err)
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			return saved, fmt.Errorf("append record %s: %w", rec.Key, err)
		}
		s.seen[rec.Key] = struct{}{}
		touched[f] = struct{}{}
		saved++
	}
	for f := range touched {
		if err := f.Sync(); err != nil {
			return saved, fmt.Errorf("sync %s: %w", f.Name(), err)
		}
	}
	return saved, nil
}

// Close closes every open partition file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for key, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", f.Name(), err)
		}
		delete(s.files, key)
	}
	return firstErr
}

func (s *Sink) fileFor(partition string) (*os.File, error) {
	if f, ok := s.files[partition]; ok {
		return f, nil
	}
	path, err := s.pathFor(partition)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600) //nolint:gosec // checked by pathFor
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := terminateLastLine(f); err != nil {
		_ = f.Close()
		return nil, err
	}
	s.files[partition] = f
	return f, nil
}

func (s *Sink) pathFor(partition string) (string, error) {
	name := strings.TrimSpace(partition)
	if name == "" {
		name = "default"
	}
	fullPath := filepath.Join(s.baseDir, name+".jsonl")

	// Clean the path and verify it's within baseDir to prevent path traversal.
	cleanBaseDir := filepath.Clean(s.baseDir)
	if filepath.Dir(filepath.Clean(fullPath)) != cleanBaseDir {
		return "", fmt.Errorf("path traversal detected for partition %q", partition)
	}
	return fullPath, nil
}

func (s *Sink) loadKeys() error {
	paths, err := filepath.Glob(filepath.Join(s.baseDir, "*.jsonl"))
	if err != nil {
		return fmt.Errorf("list sink files: %w", err)
	}
	for _, path := range paths {
		if err := s.loadFile(path); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) loadFile(path string) error {
	f, err := os.Open(path) //nolint:gosec // path comes from Glob under baseDir
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var rec struct {
			Key string `json:"key"`
		}
		// A torn final line from a crash is skipped.
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil || rec.Key == "" {
			continue
		}
		s.seen[rec.Key] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}

// terminateLastLine appends a newline when a crash left the file mid-line.
func terminateLastLine(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", f.Name(), err)
	}
	if info.Size() == 0 {
		return nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return fmt.Errorf("read %s: %w", f.Name(), err)
	}
	if last[0] == '\n' {
		return nil
	}
	if _, err := f.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("repair %s: %w", f.Name(), err)
	}
	return nil
}
