package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/conductor/internal/store"
)

// FileServerStore keeps all server records in one JSON object keyed by project path.
// Every write rewrites the file atomically (temp file + rename).
type FileServerStore struct {
	path    string
	mu      sync.Mutex
	records map[string]store.ServerRecord
}

// NewFileServerStore opens (or creates) the JSON file at path.
func NewFileServerStore(path string) (*FileServerStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	s := &FileServerStore{
		path:    path,
		records: make(map[string]store.ServerRecord),
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read server store: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.records); err != nil {
			return nil, fmt.Errorf("parse server store %s: %w", path, err)
		}
	}
	return s, nil
}

func (s *FileServerStore) List(_ context.Context) ([]store.ServerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.ServerRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectPath < out[j].ProjectPath })
	return out, nil
}

func (s *FileServerStore) Get(_ context.Context, projectPath string) (*store.ServerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[projectPath]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &r, nil
}

func (s *FileServerStore) Save(_ context.Context, rec store.ServerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.records[rec.ProjectPath]
	s.records[rec.ProjectPath] = rec
	if err := s.flushLocked(); err != nil {
		if existed {
			s.records[rec.ProjectPath] = prev
		} else {
			delete(s.records, rec.ProjectPath)
		}
		return err
	}
	return nil
}

func (s *FileServerStore) Delete(_ context.Context, projectPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.records[projectPath]
	if !ok {
		return nil
	}
	delete(s.records, projectPath)
	if err := s.flushLocked(); err != nil {
		s.records[projectPath] = prev
		return err
	}
	return nil
}

func (s *FileServerStore) Close() error { return nil }

func (s *FileServerStore) flushLocked() error {
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode server store: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".servers-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace server store: %w", err)
	}
	return nil
}
