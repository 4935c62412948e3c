// Package registry provides sources for the canonical model catalog: a YAML
// file that can be hot reloaded, a Postgres table, and a TTL cache that
// fronts either.
package registry

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/vnmchuo/chatgate/internal/routing"
)

// catalog is the on-disk layout of the model catalog.
type catalog struct {
	Models []routing.CanonicalModel `yaml:"models"`
}

// FileSource serves the catalog from a YAML file.
type FileSource struct {
	path string

	mu     sync.RWMutex
	models map[string]*routing.CanonicalModel
}

// NewFileSource loads the catalog at path.
func NewFileSource(path string) (*FileSource, error) {
	s := &FileSource{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileSource) Path() string { return s.path }

// Reload re-reads the catalog file. On error the previous catalog stays in
// place.
func (s *FileSource) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read registry file %q: %w", s.path, err)
	}
	models, err := parseCatalog(data)
	if err != nil {
		return fmt.Errorf("parse registry file %q: %w", s.path, err)
	}

	s.mu.Lock()
	s.models = models
	s.mu.Unlock()
	return nil
}

func parseCatalog(data []byte) (map[string]*routing.CanonicalModel, error) {
	var c catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}

	models := make(map[string]*routing.CanonicalModel, len(c.Models))
	for i := range c.Models {
		m := c.Models[i]
		id := strings.TrimSpace(m.ID)
		if id == "" {
			return nil, fmt.Errorf("models[%d]: id is required", i)
		}
		if _, dup := models[id]; dup {
			return nil, fmt.Errorf("models[%d]: duplicate id %q", i, id)
		}
		for j, p := range m.Providers {
			if strings.TrimSpace(p.Name) == "" {
				return nil, fmt.Errorf("models[%d].providers[%d]: name is required", i, j)
			}
			m.Providers[j].Name = strings.ToLower(strings.TrimSpace(p.Name))
		}
		m.ID = id
		models[id] = &m
	}
	return models, nil
}

func (s *FileSource) GetModel(_ context.Context, modelID string) (*routing.CanonicalModel, error) {
	s.mu.RLock()
	m, ok := s.models[modelID]
	s.mu.RUnlock()
	if !ok {
		return nil, routing.ErrModelNotFound
	}
	return copyModel(m), nil
}

// Len returns the number of models in the catalog.
func (s *FileSource) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.models)
}

func copyModel(m *routing.CanonicalModel) *routing.CanonicalModel {
	out := *m
	out.Providers = append([]routing.CanonicalProvider(nil), m.Providers...)
	return &out
}
