// Copyright 2026 © The TokenRing Authors
// SPDX-License-Identifier: Apache-2.0

// Package checkpoint defines the immutable agent snapshot record, the
// blob codec, and the pluggable Store interface with in-memory, file,
// and SQLite implementations.
package checkpoint

import (
	"context"
	"time"
)

// Checkpoint is an immutable, self-contained snapshot of an agent and
// the relevant service states at the moment of creation. Restoring it
// never requires any other checkpoint to exist.
type Checkpoint struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	AgentName string    `json:"agent_name"`
	AgentType string    `json:"agent_type"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`

	// State is the encoded agent state map (see Encode).
	State []byte `json:"state"`

	// ServiceStates maps service name to its encoded state blob for
	// every stateful service captured with the agent.
	ServiceStates map[string][]byte `json:"service_states,omitempty"`
}

// Metadata describes a stored checkpoint without its payload.
type Metadata struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Meta returns the checkpoint's metadata record.
func (c *Checkpoint) Meta() Metadata {
	return Metadata{ID: c.ID, AgentID: c.AgentID, Name: c.Name, CreatedAt: c.CreatedAt}
}

// Store persists checkpoints. Implementations must treat stored
// checkpoints as immutable.
type Store interface {
	// Store persists cp and returns its id.
	Store(ctx context.Context, cp Checkpoint) (string, error)

	// Retrieve returns the checkpoint with the given id, or (nil, nil)
	// when absent.
	Retrieve(ctx context.Context, id string) (*Checkpoint, error)

	// List returns metadata for all stored checkpoints ordered by
	// creation time, oldest first.
	List(ctx context.Context) ([]Metadata, error)

	// Delete removes a checkpoint. Deleting an absent id is a no-op.
	Delete(ctx context.Context, id string) error
}
