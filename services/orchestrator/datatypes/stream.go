// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// StreamFrame is one answer event on the wire.
//
// # Description
//
// Every frame carries a fresh id and the hash of the previous frame, so a
// client can detect dropped or reordered frames by recomputing the chain
// with FrameHash. The first frame has an empty PrevHash.
type StreamFrame struct {
	ID        string          `json:"id"`
	Type      AnswerEventType `json:"type"`
	CreatedAt int64           `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
	Content   string          `json:"content,omitempty"`
	Response  *AgentResponse  `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Terminal reports whether no frame follows f on the same answer.
func (f StreamFrame) Terminal() bool {
	return f.Type == AnswerEventDone || f.Type == AnswerEventError
}

// FrameHash returns the SHA-256 over the frame's identity, chain link and
// payload. It ignores f.Hash.
func FrameHash(f StreamFrame) string {
	responseJSON := ""
	if f.Response != nil {
		if data, err := json.Marshal(f.Response); err == nil {
			responseJSON = string(data)
		}
	}
	input := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s",
		f.ID, f.Type, f.CreatedAt, f.PrevHash, f.Content, f.Error, responseJSON)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
