// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrUnauthorized is returned (possibly wrapped) for a missing or unknown
// credential.
var ErrUnauthorized = errors.New("unauthorized")

// AuthInfo identifies the authenticated caller.
//
// Principal names the credential, not the patient: one API key typically
// serves many user_ids. Handlers still take the user from the request.
type AuthInfo struct {
	// Principal is a stable, non-secret label for the credential.
	Principal string
	Roles     []string
}

// HasRole reports whether the caller holds role.
func (a *AuthInfo) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthProvider validates a credential taken from the request.
//
// # Inputs
//
//   - ctx: Request context.
//   - credential: Raw header value. May be empty.
//
// # Outputs
//
//   - *AuthInfo: Caller identity.
//   - error: ErrUnauthorized (or wrapped) for bad credentials, anything
//     else for provider failures.
type AuthProvider interface {
	Validate(ctx context.Context, credential string) (*AuthInfo, error)
}

// NopAuthProvider accepts every request as "local".
type NopAuthProvider struct{}

// Validate always succeeds.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{Principal: "local", Roles: []string{"admin"}}, nil
}

// APIKeyAuthProvider checks x-api-key values against a static key list.
//
// # Description
//
// Keys are stored as SHA-256 digests and compared with
// subtle.ConstantTimeCompare against every configured key, so neither the
// match position nor the key length leaks through timing. The principal is
// "key-" plus the first 8 hex digits of the digest.
type APIKeyAuthProvider struct {
	digests [][sha256.Size]byte
}

// NewAPIKeyAuthProvider returns a provider for keys. Blank keys are ignored.
func NewAPIKeyAuthProvider(keys []string) (*APIKeyAuthProvider, error) {
	p := &APIKeyAuthProvider{}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			p.digests = append(p.digests, sha256.Sum256([]byte(k)))
		}
	}
	if len(p.digests) == 0 {
		return nil, fmt.Errorf("api key provider needs at least one key")
	}
	return p, nil
}

// Validate implements AuthProvider.
func (p *APIKeyAuthProvider) Validate(_ context.Context, credential string) (*AuthInfo, error) {
	if credential == "" {
		return nil, fmt.Errorf("missing api key: %w", ErrUnauthorized)
	}
	got := sha256.Sum256([]byte(credential))
	matched := -1
	for i := range p.digests {
		if subtle.ConstantTimeCompare(got[:], p.digests[i][:]) == 1 {
			matched = i
		}
	}
	if matched < 0 {
		return nil, fmt.Errorf("unknown api key: %w", ErrUnauthorized)
	}
	return &AuthInfo{
		Principal: "key-" + hex.EncodeToString(p.digests[matched][:4]),
		Roles:     []string{"client"},
	}, nil
}

var (
	_ AuthProvider = (*NopAuthProvider)(nil)
	_ AuthProvider = (*APIKeyAuthProvider)(nil)
)
