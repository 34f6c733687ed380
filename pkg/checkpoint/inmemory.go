// Copyright 2026 © The TokenRing Authors
// SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tokenring-ai/agentry/pkg/core"
)

// InMemoryStore implements Store with in-memory storage. Suitable for
// development, testing, and single-instance deployments. Data is lost
// on restart.
type InMemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string]Checkpoint
}

// NewInMemoryStore creates a new in-memory checkpoint store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{checkpoints: make(map[string]Checkpoint)}
}

// Name implements core.Service.
func (s *InMemoryStore) Name() string { return "checkpoint.inmemory" }

// Capabilities implements core.Capable.
func (s *InMemoryStore) Capabilities() []string {
	return []string{core.CapabilityCheckpointStore}
}

// Store persists cp, assigning an id when absent.
func (s *InMemoryStore) Store(_ context.Context, cp Checkpoint) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.checkpoints[cp.ID] = cp
	return cp.ID, nil
}

// Retrieve returns the checkpoint with the given id, or (nil, nil).
func (s *InMemoryStore) Retrieve(_ context.Context, id string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[id]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

// List returns metadata for all checkpoints, oldest first.
func (s *InMemoryStore) List(_ context.Context) ([]Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Metadata, 0, len(s.checkpoints))
	for _, cp := range s.checkpoints {
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

// Delete removes a checkpoint; absent ids are a no-op.
func (s *InMemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, id)
	return nil
}
