// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
)

// MemoryStore keeps turns in process.
type MemoryStore struct {
	mu    sync.RWMutex
	turns map[string][]datatypes.ConversationTurn
	now   func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{turns: make(map[string][]datatypes.ConversationTurn), now: time.Now}
}

// FetchRecent implements Store.
func (m *MemoryStore) FetchRecent(ctx context.Context, userID string, limit int) ([]datatypes.ConversationTurn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.turns[userID]
	if limit <= 0 || len(all) == 0 {
		return []datatypes.ConversationTurn{}, nil
	}
	if limit > len(all) {
		limit = len(all)
	}
	out := make([]datatypes.ConversationTurn, limit)
	copy(out, all[len(all)-limit:])
	return out, nil
}

// Append implements Store.
func (m *MemoryStore) Append(ctx context.Context, userID string, turn datatypes.ConversationTurn) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	turn, err := prepareTurn(userID, turn, m.now)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[userID] = append(m.turns[userID], turn)
	return nil
}

// Len returns the number of turns stored for userID.
func (m *MemoryStore) Len(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.turns[userID])
}
