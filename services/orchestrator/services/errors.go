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
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianHealth/services/policy_engine"
)

// =============================================================================
// Error Types
// =============================================================================

// DataUnavailableError reports a collaborator that timed out or failed.
//
// # Description
//
// Always recoverable. The pipeline logs it, counts it under the degraded
// metric, and continues with empty input. It never reaches the caller.
type DataUnavailableError struct {
	Source string
	Err    error
}

func (e *DataUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Source, e.Err)
}

func (e *DataUnavailableError) Unwrap() error {
	return e.Err
}

// IsDataUnavailable reports whether err wraps a *DataUnavailableError.
func IsDataUnavailable(err error) bool {
	var target *DataUnavailableError
	return errors.As(err, &target)
}

// ConfigurationError reports an invalid request or service setup.
//
// # Description
//
// Fatal and surfaced before any provider call. Handlers map it to HTTP 400
// when it comes from a request (unknown metric kind, bad k) and the service
// constructor returns it for startup problems such as an embedding and index
// dimension mismatch.
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// IsConfigurationError reports whether err wraps a *ConfigurationError.
func IsConfigurationError(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// GenerationFailureError is returned when the generation provider errored,
// timed out, or produced only whitespace. No turn is persisted.
type GenerationFailureError struct {
	Err error
}

func (e *GenerationFailureError) Error() string {
	return fmt.Sprintf("generation failed: %v", e.Err)
}

func (e *GenerationFailureError) Unwrap() error {
	return e.Err
}

// IsGenerationFailure reports whether err wraps a *GenerationFailureError.
//
// # Example
//
//	resp, err := svc.Answer(ctx, req)
//	if services.IsGenerationFailure(err) {
//	    c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
//	    return
//	}
func IsGenerationFailure(err error) bool {
	var target *GenerationFailureError
	return errors.As(err, &target)
}

// CitationIntegrityViolation lists markers the generator emitted that did
// not match a supplied document. The composer strips them and logs this
// value; it is never returned from Answer.
type CitationIntegrityViolation struct {
	Markers []int
}

func (e *CitationIntegrityViolation) Error() string {
	parts := make([]string, len(e.Markers))
	for i, m := range e.Markers {
		parts[i] = fmt.Sprintf("[%d]", m)
	}
	return fmt.Sprintf("citation integrity violation: stripped %s", strings.Join(parts, " "))
}

// IsCitationIntegrityViolation reports whether err wraps a
// *CitationIntegrityViolation.
func IsCitationIntegrityViolation(err error) bool {
	var target *CitationIntegrityViolation
	return errors.As(err, &target)
}

// PolicyViolationError is returned when a question contains credentials.
// This error should result in an HTTP 403 Forbidden response.
type PolicyViolationError struct {
	Findings []policy_engine.ScanFinding
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("policy violation: %d findings", len(e.Findings))
}

// IsPolicyViolation reports whether err wraps a *PolicyViolationError.
func IsPolicyViolation(err error) bool {
	var target *PolicyViolationError
	return errors.As(err, &target)
}

// GetPolicyFindings extracts policy findings from a PolicyViolationError.
// Returns nil if the error is not a PolicyViolationError.
func GetPolicyFindings(err error) []policy_engine.ScanFinding {
	var target *PolicyViolationError
	if errors.As(err, &target) {
		return target.Findings
	}
	return nil
}
