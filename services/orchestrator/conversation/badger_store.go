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
	"encoding/json"
	"fmt"
	"sync"
	"time"

	storage "github.com/AleutianAI/AleutianHealth/pkg/storage/badger"
	"github.com/AleutianAI/AleutianHealth/pkg/validation"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// BadgerStore keeps turns in an embedded BadgerDB.
//
// Keys are turn/<user>/<unixnano, 20 digits>/<uuid>, so a reverse prefix
// scan yields the newest turns first. The uuid suffix keeps two turns
// written in the same nanosecond distinct.
type BadgerStore struct {
	db  *storage.DB
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	lastNano int64
}

// NewBadgerStore wraps an open database. A positive ttl expires turns.
func NewBadgerStore(db *storage.DB, ttl time.Duration) *BadgerStore {
	return &BadgerStore{db: db, ttl: ttl, now: time.Now}
}

func userPrefix(userID string) []byte {
	return []byte("turn/" + userID + "/")
}

// turnKey orders keys by write order even when CreatedAt values collide.
func (s *BadgerStore) turnKey(userID string, at time.Time) []byte {
	s.mu.Lock()
	nano := at.UnixNano()
	if nano <= s.lastNano {
		nano = s.lastNano + 1
	}
	s.lastNano = nano
	s.mu.Unlock()
	return []byte(fmt.Sprintf("turn/%s/%020d/%s", userID, nano, uuid.NewString()))
}

// Ping reports whether the database is open.
func (s *BadgerStore) Ping(context.Context) error {
	if s.db.IsClosed() {
		return fmt.Errorf("badger database is closed")
	}
	return nil
}

// FetchRecent implements Store.
func (s *BadgerStore) FetchRecent(ctx context.Context, userID string, limit int) ([]datatypes.ConversationTurn, error) {
	if err := validation.ValidateUserID(userID); err != nil {
		return nil, fmt.Errorf("invalid user id: %w", err)
	}
	newestFirst := make([]datatypes.ConversationTurn, 0)
	if limit <= 0 {
		return newestFirst, nil
	}

	prefix := userPrefix(userID)
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(newestFirst) < limit; it.Next() {
			var turn datatypes.ConversationTurn
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &turn)
			})
			if err != nil {
				continue
			}
			newestFirst = append(newestFirst, turn)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger read failed: %w", err)
	}

	for i, j := 0, len(newestFirst)-1; i < j; i, j = i+1, j-1 {
		newestFirst[i], newestFirst[j] = newestFirst[j], newestFirst[i]
	}
	return newestFirst, nil
}

// Append implements Store.
func (s *BadgerStore) Append(ctx context.Context, userID string, turn datatypes.ConversationTurn) error {
	turn, err := prepareTurn(userID, turn, s.now)
	if err != nil {
		return err
	}
	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}
	entry := badger.NewEntry(s.turnKey(userID, turn.CreatedAt), data)
	if s.ttl > 0 {
		entry = entry.WithTTL(s.ttl)
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.SetEntry(entry)
	})
}
