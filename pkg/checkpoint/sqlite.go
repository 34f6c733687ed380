// Copyright 2026 © The TokenRing Authors
// SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tokenring-ai/agentry/pkg/core"
	"github.com/tokenring-ai/agentry/pkg/errors"

	_ "modernc.org/sqlite"
)

const checkpointTable = "agentry_checkpoints"

// SQLiteStore persists checkpoints in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed checkpoint store and ensures schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	if err := ensureCheckpointSchema(db); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// OpenSQLiteStore opens (or creates) the database at path and returns a
// store bound to it.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint database: %w", err)
	}
	return NewSQLiteStore(db)
}

func ensureCheckpointSchema(db *sql.DB) error {
	_, err := db.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		agent_name TEXT NOT NULL,
		agent_type TEXT NOT NULL,
		name TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		state BLOB NOT NULL,
		service_states TEXT NOT NULL
	)`, checkpointTable))
	return err
}

// Name implements core.Service.
func (s *SQLiteStore) Name() string { return "checkpoint.sqlite" }

// Capabilities implements core.Capable.
func (s *SQLiteStore) Capabilities() []string {
	return []string{core.CapabilityCheckpointStore}
}

// Store persists cp, assigning an id when absent.
func (s *SQLiteStore) Store(ctx context.Context, cp Checkpoint) (string, error) {
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	serviceStates, err := json.Marshal(cp.ServiceStates)
	if err != nil {
		return "", fmt.Errorf("failed to marshal service states: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (id, agent_id, agent_name, agent_type, name, created_at, state, service_states) VALUES (?, ?, ?, ?, ?, ?, ?, ?)", checkpointTable),
		cp.ID, cp.AgentID, cp.AgentName, cp.AgentType, cp.Name, cp.CreatedAt.UnixMilli(), cp.State, string(serviceStates))
	if err != nil {
		return "", err
	}
	return cp.ID, nil
}

// Retrieve returns the checkpoint with the given id, or (nil, nil).
func (s *SQLiteStore) Retrieve(ctx context.Context, id string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT id, agent_id, agent_name, agent_type, name, created_at, state, service_states FROM %s WHERE id = ?", checkpointTable),
		id,
	)
	var (
		cp          Checkpoint
		createdAtMs int64
		serviceJSON string
	)
	if err := row.Scan(&cp.ID, &cp.AgentID, &cp.AgentName, &cp.AgentType, &cp.Name, &createdAtMs, &cp.State, &serviceJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	cp.CreatedAt = time.UnixMilli(createdAtMs).UTC()
	if serviceJSON != "" && serviceJSON != "null" {
		if err := json.Unmarshal([]byte(serviceJSON), &cp.ServiceStates); err != nil {
			return nil, errors.New(errors.CodeCheckpointCorrupt, "service states unreadable", err).
				WithContext("checkpoint_id", id)
		}
	}
	return &cp, nil
}

// List returns metadata for all stored checkpoints, oldest first.
func (s *SQLiteStore) List(ctx context.Context) ([]Metadata, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT id, agent_id, name, created_at FROM %s ORDER BY created_at ASC, id ASC", checkpointTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Metadata
	for rows.Next() {
		var (
			meta        Metadata
			createdAtMs int64
		)
		if err := rows.Scan(&meta.ID, &meta.AgentID, &meta.Name, &createdAtMs); err != nil {
			return nil, err
		}
		meta.CreatedAt = time.UnixMilli(createdAtMs).UTC()
		out = append(out, meta)
	}
	return out, rows.Err()
}

// Delete removes a checkpoint; absent ids are a no-op.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE id = ?", checkpointTable), id)
	return err
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }
