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

import "time"

// Role of a conversation participant.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ConversationTurn is one append-only entry of a user's history.
type ConversationTurn struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
	Text   string `json:"text"`
	// Citations holds the ids of documents the turn referenced.
	Citations []string  `json:"citations"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is a role/content pair sent to a generation provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
