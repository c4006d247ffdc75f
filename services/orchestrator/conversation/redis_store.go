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
	"time"

	"github.com/AleutianAI/AleutianHealth/pkg/validation"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
	"github.com/go-redis/redis/v8"
)

// RedisConfig configures RedisStore.
type RedisConfig struct {
	Addr     string `yaml:"addr" validate:"required"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
	// KeyPrefix namespaces the per-user lists.
	KeyPrefix string `yaml:"key_prefix"`
	// MaxTurns caps each user's list. Older turns are trimmed on append.
	MaxTurns int `yaml:"max_turns" validate:"gte=0"`
	// TTL expires idle histories. Zero keeps them forever.
	TTL time.Duration `yaml:"ttl"`
}

// RedisStore keeps each user's history as a JSON list under one key.
//
// # Description
//
// Append runs RPUSH, LTRIM and EXPIRE in one MULTI pipeline. FetchRecent
// reads the tail with LRANGE, so the newest turn is always last.
//
// # Limitations
//
//   - A turn that fails to decode is skipped, not returned as an error.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	maxTurns  int
	ttl       time.Duration
	now       func() time.Time
}

// NewRedisClient builds a client from cfg.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewRedisStore wraps client. Defaults: prefix "healthqa:conversation:",
// 200 turns per user.
func NewRedisStore(client *redis.Client, cfg RedisConfig) *RedisStore {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "healthqa:conversation:"
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 200
	}
	return &RedisStore{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		maxTurns:  cfg.MaxTurns,
		ttl:       cfg.TTL,
		now:       time.Now,
	}
}

func (s *RedisStore) key(userID string) string {
	return s.keyPrefix + userID
}

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// FetchRecent implements Store.
func (s *RedisStore) FetchRecent(ctx context.Context, userID string, limit int) ([]datatypes.ConversationTurn, error) {
	if err := validation.ValidateUserID(userID); err != nil {
		return nil, fmt.Errorf("invalid user id: %w", err)
	}
	out := make([]datatypes.ConversationTurn, 0)
	if limit <= 0 {
		return out, nil
	}
	raw, err := s.client.LRange(ctx, s.key(userID), int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange failed: %w", err)
	}
	for _, item := range raw {
		var turn datatypes.ConversationTurn
		if err := json.Unmarshal([]byte(item), &turn); err != nil {
			continue
		}
		out = append(out, turn)
	}
	return out, nil
}

// Append implements Store.
func (s *RedisStore) Append(ctx context.Context, userID string, turn datatypes.ConversationTurn) error {
	turn, err := prepareTurn(userID, turn, s.now)
	if err != nil {
		return err
	}
	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}
	key := s.key(userID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		pipe.LTrim(ctx, key, int64(-s.maxTurns), -1)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis append failed: %w", err)
	}
	return nil
}
