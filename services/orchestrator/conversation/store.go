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
	"time"

	"github.com/AleutianAI/AleutianHealth/pkg/validation"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
)

// Store persists the per-user conversation log. Turns are append-only.
type Store interface {
	// FetchRecent returns up to limit of the user's latest turns, oldest
	// first. An unknown user has an empty history.
	FetchRecent(ctx context.Context, userID string, limit int) ([]datatypes.ConversationTurn, error)

	// Append adds one turn to the end of the user's log.
	Append(ctx context.Context, userID string, turn datatypes.ConversationTurn) error
}

// Pinger is implemented by stores that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// prepareTurn validates a turn for userID and fills CreatedAt.
func prepareTurn(userID string, turn datatypes.ConversationTurn, now func() time.Time) (datatypes.ConversationTurn, error) {
	if err := validation.ValidateUserID(userID); err != nil {
		return turn, fmt.Errorf("invalid user id: %w", err)
	}
	switch turn.Role {
	case datatypes.RoleUser, datatypes.RoleAssistant:
	default:
		return turn, fmt.Errorf("invalid turn role %q", turn.Role)
	}
	turn.UserID = userID
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = now().UTC()
	}
	if turn.Citations == nil {
		turn.Citations = []string{}
	}
	return turn, nil
}
