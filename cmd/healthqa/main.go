// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command healthqa runs and talks to the health Q&A service.
//
// # Usage
//
//	healthqa serve --config config.yaml
//	healthqa ask --user user-1 "How has my sleep been this week?"
//	healthqa index add ./guidelines
//	healthqa metrics push samples.json --user user-1
//	healthqa status
//
// Client commands read HEALTHQA_URL and HEALTHQA_API_KEY when the matching
// flags are not given.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
