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
	"regexp"
	"strconv"

	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
)

// maxMarkerDigits bounds what counts as a citation marker. "[12345]" is
// treated as plain text.
const maxMarkerDigits = 4

var markerPattern = regexp.MustCompile(`\[(\d{1,4})\]`)

// markerSet is the set of ranks supplied to the generator.
type markerSet map[int]bool

// SanitizeCitations strips every [n] marker whose n is not a supplied rank.
//
// # Description
//
// Removal runs left to right, so a marker formed by deleting an inner one
// ("[7[9]]" becomes "[7]") is judged as well. The result never contains an
// unsupplied marker. It is exactly what a StreamFilter emits for the same
// text.
//
// # Outputs
//
//   - string: The text with invalid markers removed. Surrounding text is
//     left untouched.
//   - map[int]bool: Ranks whose marker survives in the text.
//   - []int: Stripped marker numbers, in order of removal.
func SanitizeCitations(text string, docs []datatypes.RetrievedDocument) (string, map[int]bool, []int) {
	ranks := make([]int, 0, len(docs))
	for _, d := range docs {
		ranks = append(ranks, d.Rank)
	}
	f := NewStreamFilter(ranks)
	clean := f.Write(text) + f.Flush()

	referenced := make(map[int]bool)
	for _, m := range markerPattern.FindAllStringSubmatch(clean, -1) {
		n, _ := strconv.Atoi(m[1])
		referenced[n] = true
	}
	return clean, referenced, f.Stripped()
}

// BuildCitations lists every supplied document in rank order. Referenced is
// set for ranks whose marker survived sanitization.
func BuildCitations(docs []datatypes.RetrievedDocument, referenced map[int]bool) []datatypes.Citation {
	out := make([]datatypes.Citation, 0, len(docs))
	for _, d := range docs {
		out = append(out, datatypes.Citation{
			Marker:     d.Rank,
			DocumentID: d.ID,
			Title:      d.Metadata.Title,
			Source:     d.Metadata.Source,
			URL:        d.Metadata.URL,
			Score:      d.RelevanceScore,
			Referenced: referenced[d.Rank],
		})
	}
	return out
}

// ReferencedIDs returns the document ids of referenced citations.
func ReferencedIDs(citations []datatypes.Citation) []string {
	ids := make([]string, 0, len(citations))
	for _, c := range citations {
		if c.Referenced {
			ids = append(ids, c.DocumentID)
		}
	}
	return ids
}

// isDigit is ASCII only; markers never contain other digits.
func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}
