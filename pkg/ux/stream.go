// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"errors"
	"fmt"
	"io"

	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
)

// ErrStreamTruncated reports a stream that ended before a done or error
// frame.
var ErrStreamTruncated = errors.New("answer stream ended early")

// StreamError is an error frame sent by the server. Message is already
// client-safe.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	return "server error: " + e.Message
}

// StreamResult summarizes one consumed answer stream.
type StreamResult struct {
	Response *datatypes.AgentResponse
	// Frames is the number of verified frames.
	Frames int
	// Head is the hash of the last verified frame.
	Head string
}

// ConsumeStream reads an answer event stream, verifying every frame before
// it reaches the renderer.
//
// # Description
//
// Token frames are rendered as they arrive. The done frame's response is
// rendered and returned. Sources and safety frames are verified but not
// rendered separately because the done frame repeats them.
//
// # Inputs
//
//   - r: The response body of POST /v1/chat/stream.
//   - renderer: May be nil to verify without printing.
//
// # Outputs
//
//   - *StreamResult: Non-nil only after a verified done frame.
//   - error: *ChainError (wraps ErrChainBroken), *StreamError,
//     ErrStreamTruncated, or a read/decode failure.
//
// # Limitations
//
// Tokens already rendered stay on screen if a later frame fails
// verification; the caller should report the failure prominently.
func ConsumeStream(r io.Reader, renderer *AnswerRenderer) (*StreamResult, error) {
	verifier := NewChainVerifier()
	var result *StreamResult
	errDone := errors.New("done")

	err := ReadSSE(r, func(ev SSEEvent) error {
		frame, err := ParseFrame(ev)
		if err != nil {
			return err
		}
		if err := verifier.Verify(frame); err != nil {
			return err
		}

		switch frame.Type {
		case datatypes.AnswerEventToken:
			if renderer != nil {
				renderer.Token(frame.Content)
			}
		case datatypes.AnswerEventError:
			return &StreamError{Message: frame.Error}
		case datatypes.AnswerEventDone:
			if frame.Response == nil {
				return fmt.Errorf("done frame without a response")
			}
			if renderer != nil {
				renderer.Response(frame.Response)
			}
			result = &StreamResult{Response: frame.Response, Frames: verifier.Count(), Head: verifier.Head()}
			return errDone
		}
		return nil
	})

	switch {
	case errors.Is(err, errDone):
		return result, nil
	case err != nil:
		return nil, err
	default:
		return nil, ErrStreamTruncated
	}
}
