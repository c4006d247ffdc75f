// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package services

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/sys/unix"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// AccumulatorBufferSize caps one streamed reply. 256 KB is far above a
	// prompt-bounded health answer.
	AccumulatorBufferSize = 256 * 1024

	// MinMlockLimitKB is the mlock limit needed for the locked buffer.
	MinMlockLimitKB = 256
)

// ErrAccumulatorOverflow is returned when a reply exceeds the buffer.
var ErrAccumulatorOverflow = errors.New("streamed reply exceeds accumulator buffer")

// ErrAccumulatorClosed is returned on use after Finalize or Destroy.
var ErrAccumulatorClosed = errors.New("accumulator already finalized")

var (
	memguardInitOnce    sync.Once
	mlockSufficient     bool
	currentMlockLimitKB int64
)

// =============================================================================
// Interfaces
// =============================================================================

// TokenAccumulator collects the raw streamed reply.
//
// # Description
//
// Replies mix the user's readings with medical text, so the streaming path
// keeps them in mlocked memory when the host allows it. Tokens are hashed as
// they arrive; the digest is logged next to the persisted turn.
//
// # Limitations
//
//   - Fixed capacity. Cannot be reused after Finalize or Destroy.
type TokenAccumulator interface {
	Write(token string) error
	// Finalize returns the text and its hex SHA-256, then wipes the buffer.
	Finalize() (string, string, error)
	// Destroy wipes without returning data. Idempotent.
	Destroy()
}

// NewTokenAccumulator returns a locked-memory accumulator when secure is set
// and the mlock limit allows it, otherwise a heap accumulator.
//
// # Outputs
//
//   - TokenAccumulator: Ready for use.
//   - error: Non-nil only when requireSecure is set and mlock is unavailable.
func NewTokenAccumulator(secure, requireSecure bool) (TokenAccumulator, error) {
	if !secure {
		return newHeapAccumulator(), nil
	}
	initMemguard()
	if !mlockSufficient {
		if requireSecure {
			return nil, fmt.Errorf("mlock limit insufficient: have %d KB, need %d KB", currentMlockLimitKB, MinMlockLimitKB)
		}
		slog.Warn("mlock limit insufficient, streamed replies use heap memory",
			"current_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
		)
		return newHeapAccumulator(), nil
	}
	buf := memguard.NewBuffer(AccumulatorBufferSize)
	buf.Melt()
	return &lockedAccumulator{buffer: buf, hasher: sha256.New()}, nil
}

// =============================================================================
// lockedAccumulator
// =============================================================================

type lockedAccumulator struct {
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	hasher    hash.Hash
	destroyed bool
}

func (a *lockedAccumulator) Write(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return ErrAccumulatorClosed
	}
	if a.offset+len(token) > a.buffer.Size() {
		return ErrAccumulatorOverflow
	}
	a.offset += copy(a.buffer.Bytes()[a.offset:], token)
	a.hasher.Write([]byte(token))
	return nil
}

func (a *lockedAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return "", "", ErrAccumulatorClosed
	}
	text := string(a.buffer.Bytes()[:a.offset])
	digest := hex.EncodeToString(a.hasher.Sum(nil))
	a.buffer.Destroy()
	a.destroyed = true
	return text, digest, nil
}

func (a *lockedAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.buffer.Destroy()
	a.destroyed = true
}

// =============================================================================
// heapAccumulator
// =============================================================================

type heapAccumulator struct {
	mu        sync.Mutex
	data      []byte
	hasher    hash.Hash
	destroyed bool
}

func newHeapAccumulator() *heapAccumulator {
	return &heapAccumulator{data: make([]byte, 0, 4096), hasher: sha256.New()}
}

func (a *heapAccumulator) Write(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return ErrAccumulatorClosed
	}
	if len(a.data)+len(token) > AccumulatorBufferSize {
		return ErrAccumulatorOverflow
	}
	a.data = append(a.data, token...)
	a.hasher.Write([]byte(token))
	return nil
}

func (a *heapAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return "", "", ErrAccumulatorClosed
	}
	text := string(a.data)
	digest := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()
	return text, digest, nil
}

func (a *heapAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.destroyed {
		a.wipe()
	}
}

func (a *heapAccumulator) wipe() {
	for i := range a.data {
		a.data[i] = 0
	}
	a.data = nil
	a.destroyed = true
}

// =============================================================================
// mlock helpers
// =============================================================================

func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, currentMlockLimitKB = checkMlockLimit()
	})
}

// checkMlockLimit reports whether RLIMIT_MEMLOCK covers the buffer, and the
// current limit in KB (-1 when unlimited).
func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return false, 0
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= MinMlockLimitKB, limitKB
}

// IsMlockAvailable reports whether locked memory can back streamed replies.
func IsMlockAvailable() (bool, int64) {
	initMemguard()
	return mlockSufficient, currentMlockLimitKB
}

// PurgeSecureMemory wipes all memguard allocations. Call on shutdown.
func PurgeSecureMemory() {
	memguard.Purge()
}
