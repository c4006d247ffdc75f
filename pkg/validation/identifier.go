// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// User identifiers and metadata values end up inside Flux queries, Redis
// keys and Badger key prefixes. Validating them here prevents Flux
// injection and key-space collisions.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// userIDPattern matches opaque user identifiers.
// Allows: letters, digits, dot, underscore, hyphen, at-sign.
// Max length: 128 characters.
var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@\-]{0,127}$`)

// tagValuePattern matches metadata values used as query filters (category, source).
var tagValuePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9 ._:/\-]{0,127}$`)

// ValidateUserID validates a user identifier before it is used in a query or key.
//
// Valid identifiers:
//   - 1-128 characters
//   - Start with a letter or digit
//   - Letters, digits, '.', '_', '-', '@'
//
// Example:
//
//	if err := validation.ValidateUserID(userID); err != nil {
//	    return nil, fmt.Errorf("invalid user id: %w", err)
//	}
//	// Safe to use in Flux query
func ValidateUserID(userID string) error {
	if userID == "" {
		return fmt.Errorf("user id cannot be empty")
	}
	if !userIDPattern.MatchString(userID) {
		return fmt.Errorf("invalid user id format: %q (must be 1-128 alphanumeric chars, dots, underscores, hyphens or @)", userID)
	}
	return nil
}

// ValidateTagValue validates a metadata filter value such as a category.
func ValidateTagValue(value string) error {
	if value == "" {
		return fmt.Errorf("tag value cannot be empty")
	}
	if !tagValuePattern.MatchString(value) {
		return fmt.Errorf("invalid tag value: %q", value)
	}
	return nil
}

// ValidateUserIDs validates multiple identifiers.
// Returns an error listing all invalid identifiers if any fail validation.
func ValidateUserIDs(userIDs []string) error {
	var invalid []string
	for _, id := range userIDs {
		if err := ValidateUserID(id); err != nil {
			invalid = append(invalid, id)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid user ids: %q", invalid)
	}
	return nil
}

// SanitizeUserID trims surrounding whitespace and validates the result.
// Case is preserved; identifiers are opaque.
func SanitizeUserID(userID string) (string, error) {
	normalized := strings.TrimSpace(userID)
	if err := ValidateUserID(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
