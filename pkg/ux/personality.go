// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux renders health Q&A answers and status lines in the terminal.
//
// Output richness follows a personality level: full and minimal styling for
// people, machine for scripts. Streaming answers arrive as SSE frames that
// carry a hash chain; the reader here verifies it before anything is shown.
package ux

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// PersonalityLevel controls how rich CLI output is.
type PersonalityLevel string

const (
	// PersonalityFull uses colors, icons and boxes.
	PersonalityFull PersonalityLevel = "full"

	// PersonalityMinimal uses icons without boxes or color on body text.
	PersonalityMinimal PersonalityLevel = "minimal"

	// PersonalityMachine prints plain prefixed lines for scripts.
	PersonalityMachine PersonalityLevel = "machine"
)

// PersonalityEnv overrides terminal detection.
const PersonalityEnv = "HEALTHQA_PERSONALITY"

// ParsePersonalityLevel converts a flag or environment value. Unknown values
// fall back to full.
func ParsePersonalityLevel(s string) PersonalityLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "minimal", "min", "m":
		return PersonalityMinimal
	case "machine", "quiet", "q":
		return PersonalityMachine
	default:
		return PersonalityFull
	}
}

// DetectPersonality picks a level for w.
//
// # Description
//
// An explicit value wins, then HEALTHQA_PERSONALITY. Otherwise a terminal
// gets full output and anything else (pipes, files, buffers) gets machine
// output.
func DetectPersonality(explicit string, w io.Writer) PersonalityLevel {
	if explicit != "" {
		return ParsePersonalityLevel(explicit)
	}
	if env := os.Getenv(PersonalityEnv); env != "" {
		return ParsePersonalityLevel(env)
	}
	if isTerminal(w) {
		return PersonalityFull
	}
	return PersonalityMachine
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
