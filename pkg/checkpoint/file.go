// Copyright 2026 © The TokenRing Authors
// SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tokenring-ai/agentry/pkg/core"
	"github.com/tokenring-ai/agentry/pkg/errors"
)

// FileStore implements Store with file-based storage. Each checkpoint
// is stored as a separate JSON file. Suitable for simple persistence
// without external dependencies.
type FileStore struct {
	mu      sync.RWMutex
	baseDir string
}

// NewFileStore creates a file-based checkpoint store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

// Name implements core.Service.
func (s *FileStore) Name() string { return "checkpoint.file" }

// Capabilities implements core.Capable.
func (s *FileStore) Capabilities() []string {
	return []string{core.CapabilityCheckpointStore}
}

func (s *FileStore) checkpointFile(id string) string {
	// Base strips any path components so ids cannot traverse out.
	return filepath.Join(s.baseDir, filepath.Base(id)+".json")
}

// Store persists cp as a JSON file, assigning an id when absent.
func (s *FileStore) Store(_ context.Context, cp Checkpoint) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	if err := os.WriteFile(s.checkpointFile(cp.ID), data, 0644); err != nil {
		return "", fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return cp.ID, nil
}

// Retrieve returns the checkpoint with the given id, or (nil, nil).
func (s *FileStore) Retrieve(_ context.Context, id string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := os.ReadFile(s.checkpointFile(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, errors.New(errors.CodeCheckpointCorrupt, "checkpoint file unreadable", err).
			WithContext("checkpoint_id", id)
	}
	return &cp, nil
}

// List returns metadata for all stored checkpoints, oldest first.
func (s *FileStore) List(ctx context.Context) ([]Metadata, error) {
	s.mu.RLock()
	entries, err := os.ReadDir(s.baseDir)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	var out []Metadata
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		cp, err := s.Retrieve(ctx, id)
		if err != nil || cp == nil {
			continue
		}
		out = append(out, cp.Meta())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Delete removes a checkpoint file; absent ids are a no-op.
func (s *FileStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.checkpointFile(id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
