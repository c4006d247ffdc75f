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
	"bytes"
	"strconv"
)

// StreamFilter removes invalid citation markers from a token stream.
//
// # Description
//
// Tokens can split a marker ("[" then "3]"), and deleting an invalid marker
// can join the text around it into a new one ("[7[9]]"). The filter
// therefore holds back the trailing run of "[" and digits, starting at its
// first "[", until a later byte decides it. Nothing else is delayed. The
// concatenation of everything returned by Write and Flush equals
// SanitizeCitations applied to the full text.
//
// # Thread Safety
//
// Not safe for concurrent use. One filter serves one stream.
type StreamFilter struct {
	valid    markerSet
	held     []byte
	stripped []int
}

// NewStreamFilter returns a filter accepting the given ranks.
func NewStreamFilter(ranks []int) *StreamFilter {
	valid := make(markerSet, len(ranks))
	for _, r := range ranks {
		valid[r] = true
	}
	return &StreamFilter{valid: valid}
}

// Write accepts one token and returns the text that is safe to forward.
// The result may be empty.
func (f *StreamFilter) Write(token string) string {
	for i := 0; i < len(token); i++ {
		b := token[i]
		if b == ']' {
			if open, n, ok := f.trailingMarker(); ok && !f.valid[n] {
				f.stripped = append(f.stripped, n)
				f.held = f.held[:open]
				continue
			}
		}
		f.held = append(f.held, b)
	}

	cut := f.holdFrom()
	out := string(f.held[:cut])
	f.held = append(f.held[:0], f.held[cut:]...)
	return out
}

// trailingMarker reports whether held ends in "[" plus one to four digits,
// returning the index of the "[" and the number.
func (f *StreamFilter) trailingMarker() (int, int, bool) {
	open := bytes.LastIndexByte(f.held, '[')
	if open < 0 {
		return 0, 0, false
	}
	digits := f.held[open+1:]
	if len(digits) == 0 || len(digits) > maxMarkerDigits {
		return 0, 0, false
	}
	for _, d := range digits {
		if !isDigit(d) {
			return 0, 0, false
		}
	}
	n, _ := strconv.Atoi(string(digits))
	return open, n, true
}

// holdFrom returns the index of the first "[" in the trailing run of "["
// and digits, or len(held) when nothing can still become a marker.
func (f *StreamFilter) holdFrom() int {
	start := len(f.held)
	for start > 0 && (f.held[start-1] == '[' || isDigit(f.held[start-1])) {
		start--
	}
	if i := bytes.IndexByte(f.held[start:], '['); i >= 0 {
		return start + i
	}
	return len(f.held)
}

// Flush returns any held-back text. A dangling "[12" at the end of a
// stream is not a marker and is released as written.
func (f *StreamFilter) Flush() string {
	out := string(f.held)
	f.held = f.held[:0]
	return out
}

// Stripped returns the marker numbers removed so far.
func (f *StreamFilter) Stripped() []int {
	return f.stripped
}
