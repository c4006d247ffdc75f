// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
)

// ErrChainBroken reports a frame whose hash or link does not verify.
var ErrChainBroken = errors.New("stream integrity check failed")

// ChainError locates the first frame that broke the chain.
type ChainError struct {
	// Index is the zero-based position of the frame in the stream.
	Index  int
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("%v at frame %d: %s", ErrChainBroken, e.Index, e.Reason)
}

func (e *ChainError) Unwrap() error {
	return ErrChainBroken
}

// ChainVerifier checks frames in arrival order.
//
// # Description
//
// Each frame must link to the previous frame's hash (the first links to
// "") and its own hash must equal datatypes.FrameHash. A modified, dropped,
// reordered or injected frame fails the check.
//
// # Thread Safety
//
// Not safe for concurrent use; one verifier per stream.
type ChainVerifier struct {
	prevHash string
	count    int
}

// NewChainVerifier starts a fresh chain.
func NewChainVerifier() *ChainVerifier {
	return &ChainVerifier{}
}

// Verify checks f and advances the chain. After a failure the verifier
// stays at the last good frame.
func (v *ChainVerifier) Verify(f datatypes.StreamFrame) error {
	if !secureHashEqual(f.PrevHash, v.prevHash) {
		return &ChainError{Index: v.count, Reason: "previous hash does not match"}
	}
	if !secureHashEqual(f.Hash, datatypes.FrameHash(f)) {
		return &ChainError{Index: v.count, Reason: "frame hash does not match content"}
	}
	v.prevHash = f.Hash
	v.count++
	return nil
}

// Count returns how many frames verified.
func (v *ChainVerifier) Count() int {
	return v.count
}

// Head returns the hash of the last verified frame.
func (v *ChainVerifier) Head() string {
	return v.prevHash
}

func secureHashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
