// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
)

// maxSSELine bounds one SSE line. A done frame carries the full response,
// so the default bufio.Scanner limit is too small.
const maxSSELine = 4 << 20

// SSEEvent is one dispatched Server-Sent Event.
type SSEEvent struct {
	// Event is the "event:" field. Empty means "message".
	Event string
	// Data joins every "data:" line of the event with "\n".
	Data string
}

// ReadSSE reads events from r and hands each one to fn.
//
// # Description
//
// Follows the event-stream format: fields accumulate until a blank line
// dispatches the event, lines beginning with ":" are comments (keepalives),
// and a single space after the colon is stripped. Events without data are
// not dispatched. An event still pending at EOF is dispatched.
//
// # Outputs
//
//   - error: Read failure, or the first error returned by fn.
func ReadSSE(r io.Reader, fn func(SSEEvent) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)

	var (
		event   string
		data    []string
		hasData bool
	)
	dispatch := func() error {
		if !hasData {
			event = ""
			return nil
		}
		ev := SSEEvent{Event: event, Data: strings.Join(data, "\n")}
		event, data, hasData = "", data[:0], false
		return fn(ev)
	}

	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line == "" {
			if err := dispatch(); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event = value
		case "data":
			data = append(data, value)
			hasData = true
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return dispatch()
}

// ParseFrame decodes the data of one answer stream event.
func ParseFrame(ev SSEEvent) (datatypes.StreamFrame, error) {
	var f datatypes.StreamFrame
	if err := json.Unmarshal([]byte(ev.Data), &f); err != nil {
		return f, fmt.Errorf("decode %q frame: %w", ev.Event, err)
	}
	if ev.Event != "" && datatypes.AnswerEventType(ev.Event) != f.Type {
		return f, fmt.Errorf("event %q carries a %q frame", ev.Event, f.Type)
	}
	return f, nil
}
