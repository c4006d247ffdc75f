// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

func TestLevel_String(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "ERROR", LevelError.String())
	assert.Equal(t, "UNKNOWN", Level(42).String())
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{" warning ", LevelWarn, false},
		{"error", LevelError, false},
		{"verbose", LevelInfo, true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseLevel(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNew_LevelFilterAndService(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, Service: "healthqa", JSON: true, Output: &buf})
	defer logger.Close()

	logger.Slog().Info("dropped")
	logger.Slog().Warn("kept", "stage", "retrieve")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "kept", lines[0]["msg"])
	assert.Equal(t, "healthqa", lines[0]["service"])
	assert.Equal(t, "retrieve", lines[0]["stage"])
}

func TestRedaction(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelDebug, JSON: true, Redact: true, Output: &buf})
	defer logger.Close()

	logger.Slog().Info("answer",
		"user_id", "u-1",
		"question", "I have crushing chest pain",
		slog.Group("doc", "text", "body", "rank", 1),
		"count", 3,
	)
	logger.Slog().With("reply", "take rest").Info("composed")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "u-1", lines[0]["user_id"])
	assert.Equal(t, Redacted(len("I have crushing chest pain")), lines[0]["question"])
	assert.NotContains(t, buf.String(), "chest pain")
	doc := lines[0]["doc"].(map[string]any)
	assert.Equal(t, Redacted(4), doc["text"])
	assert.Equal(t, float64(1), doc["rank"])
	assert.Equal(t, float64(3), lines[0]["count"])
	assert.Equal(t, Redacted(len("take rest")), lines[1]["reply"])
}

func TestRedaction_Disabled(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{JSON: true, Output: &buf})
	logger.Slog().Info("answer", "question", "sleep?")
	assert.Contains(t, buf.String(), "sleep?")
}

func TestRedaction_CustomKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{JSON: true, Redact: true, RedactKeys: []string{"Token"}, Output: &buf})
	logger.Slog().Info("x", "token", "abc", "question", "visible")
	lines := decodeLines(t, &buf)
	assert.Equal(t, Redacted(3), lines[0]["token"])
	assert.Equal(t, "visible", lines[0]["question"])
}

func TestFileOutput(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	var buf bytes.Buffer
	logger := New(Config{LogDir: dir, Service: "svc", Output: &buf})
	logger.Slog().Info("to both")
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "svc_"))

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"to both"`)
	assert.Contains(t, buf.String(), "to both")
}

func TestQuietWithoutFileDiscards(t *testing.T) {
	logger := New(Config{Quiet: true})
	logger.Slog().Error("nowhere")
	assert.NoError(t, logger.Close())
}

func TestConcurrentLogging(t *testing.T) {
	var mu sync.Mutex
	var buf bytes.Buffer
	logger := New(Config{JSON: true, Redact: true, Output: &lockedWriter{mu: &mu, w: &buf}})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			logger.With("worker", i).Slog().Info("tick", "question", "q")
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, decodeLines(t, &buf), 16)
}

type lockedWriter struct {
	mu *sync.Mutex
	w  *bytes.Buffer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
