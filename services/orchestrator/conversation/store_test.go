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
	"fmt"
	"testing"
	"time"

	storage "github.com/AleutianAI/AleutianHealth/pkg/storage/badger"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T, cfg RedisConfig) (*miniredis.Miniredis, *RedisStore) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewRedisStore(client, cfg)
}

func setupTestBadger(t *testing.T) *BadgerStore {
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewBadgerStore(db, 0)
}

// storeContract runs the behaviour every Store must share.
func storeContract(t *testing.T, store Store) {
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	empty, err := store.FetchRecent(ctx, "nobody", 5)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	for i := 0; i < 5; i++ {
		role := datatypes.RoleUser
		if i%2 == 1 {
			role = datatypes.RoleAssistant
		}
		require.NoError(t, store.Append(ctx, "u1", datatypes.ConversationTurn{
			Role:      role,
			Text:      fmt.Sprintf("turn %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, store.Append(ctx, "u2", datatypes.ConversationTurn{Role: datatypes.RoleUser, Text: "other"}))

	recent, err := store.FetchRecent(ctx, "u1", 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "turn 2", recent[0].Text, "oldest first")
	assert.Equal(t, "turn 4", recent[2].Text, "most recent last")
	assert.Equal(t, "u1", recent[0].UserID)
	assert.NotNil(t, recent[0].Citations)

	all, err := store.FetchRecent(ctx, "u1", 50)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	none, err := store.FetchRecent(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Empty(t, none)

	err = store.Append(ctx, "u1", datatypes.ConversationTurn{Role: "narrator", Text: "x"})
	assert.Error(t, err)
	err = store.Append(ctx, "bad id", datatypes.ConversationTurn{Role: datatypes.RoleUser, Text: "x"})
	assert.Error(t, err)
}

func TestMemoryStore_Contract(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestRedisStore_Contract(t *testing.T) {
	_, store := setupTestRedis(t, RedisConfig{})
	storeContract(t, store)
}

func TestBadgerStore_Contract(t *testing.T) {
	storeContract(t, setupTestBadger(t))
}

func TestRedisStore_TrimsAndExpires(t *testing.T) {
	mr, store := setupTestRedis(t, RedisConfig{MaxTurns: 2, TTL: time.Hour, KeyPrefix: "test:"})
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, store.Append(ctx, "u1", datatypes.ConversationTurn{Role: datatypes.RoleUser, Text: fmt.Sprint(i)}))
	}

	items, err := mr.List("test:u1")
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Equal(t, time.Hour, mr.TTL("test:u1"))

	recent, err := store.FetchRecent(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "3", recent[1].Text)
}

func TestRedisStore_SkipsCorruptEntries(t *testing.T) {
	mr, store := setupTestRedis(t, RedisConfig{})
	_, err := mr.Push("healthqa:conversation:u1", "{not json")
	require.NoError(t, err)
	require.NoError(t, store.Append(context.Background(), "u1", datatypes.ConversationTurn{Role: datatypes.RoleUser, Text: "ok"}))

	recent, err := store.FetchRecent(context.Background(), "u1", 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "ok", recent[0].Text)
}

func TestRedisStore_Ping(t *testing.T) {
	mr, store := setupTestRedis(t, RedisConfig{})
	assert.NoError(t, store.Ping(context.Background()))
	mr.Close()
	assert.Error(t, store.Ping(context.Background()))
}

func TestBadgerStore_SameTimestampKeepsWriteOrder(t *testing.T) {
	store := setupTestBadger(t)
	ctx := context.Background()
	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.Append(ctx, "u1", datatypes.ConversationTurn{Role: datatypes.RoleUser, Text: "q", CreatedAt: at}))
	require.NoError(t, store.Append(ctx, "u1", datatypes.ConversationTurn{Role: datatypes.RoleAssistant, Text: "a", CreatedAt: at}))

	recent, err := store.FetchRecent(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "q", recent[0].Text)
	assert.Equal(t, "a", recent[1].Text)
}

func TestBadgerStore_PrefixIsolation(t *testing.T) {
	store := setupTestBadger(t)
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, "u1", datatypes.ConversationTurn{Role: datatypes.RoleUser, Text: "mine"}))
	require.NoError(t, store.Append(ctx, "u10", datatypes.ConversationTurn{Role: datatypes.RoleUser, Text: "theirs"}))

	recent, err := store.FetchRecent(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "mine", recent[0].Text)
	assert.NoError(t, store.Ping(ctx))
}
