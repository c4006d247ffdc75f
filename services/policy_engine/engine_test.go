// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy_engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyEngine(t *testing.T) {
	engine, err := NewPolicyEngine()
	require.NoError(t, err)

	tests := []struct {
		name            string
		input           string
		shouldFind      bool
		expectedClass   string
		expectedPattern string
	}{
		{"safe health text", "Resting heart rate for adults is typically 60 to 100 bpm.", false, "", ""},
		{"blood pressure reading is not a phone number", "My reading was 120/80 yesterday.", false, "", ""},
		{"aws key", "My aws key is AKIA1234567890123456 for the prod account.", true, ClassSecret, "AWS_ACCESS_KEY_ID"},
		{"openai key", "use sk-abcdefghijklmnopqrstuvwx to call it", true, ClassSecret, "OPENAI_API_KEY"},
		{"mrn", "Patient MRN: A1234567 was admitted", true, ClassPHI, "MEDICAL_RECORD_NUMBER"},
		{"ssn", "SSN 123-45-6789 on file", true, ClassPII, "US_SSN"},
		{"email", "Please contact jdoe@example.com for support.", true, ClassPII, "EMAIL_ADDRESS"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			findings := engine.Scan(tc.input)
			if !tc.shouldFind {
				assert.Empty(t, findings)
				assert.Equal(t, "public", engine.ClassifyData([]byte(tc.input)))
				return
			}
			require.NotEmpty(t, findings)
			assert.Equal(t, tc.expectedClass, findings[0].ClassificationName)
			assert.Equal(t, tc.expectedPattern, findings[0].PatternId)
			assert.Equal(t, 1, findings[0].LineNumber)
			assert.NotContains(t, tc.input[2:len(tc.input)-2], findings[0].MatchedContent, "match is masked")
			assert.Equal(t, tc.expectedClass, engine.ClassifyData([]byte(tc.input)))
		})
	}
}

func TestScan_FiltersByClass(t *testing.T) {
	engine, err := NewPolicyEngine()
	require.NoError(t, err)

	input := "reach me at jdoe@example.com\nkey AKIA1234567890123456"
	secrets := engine.Scan(input, ClassSecret)
	require.Len(t, secrets, 1)
	assert.Equal(t, 2, secrets[0].LineNumber)

	all := engine.Scan(input)
	assert.Len(t, all, 2)
}

func TestEngineInitializationProperties(t *testing.T) {
	engine, err := NewPolicyEngine()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(engine.Classifiers), 2)

	for i := 1; i < len(engine.Classifiers); i++ {
		assert.GreaterOrEqual(t, engine.Classifiers[i-1].Priority, engine.Classifiers[i].Priority)
	}
	assert.Equal(t, ClassSecret, engine.Classifiers[0].Name)
}

func TestNewPolicyEngineFromYAML_Invalid(t *testing.T) {
	_, err := NewPolicyEngineFromYAML([]byte("classifications:\n  - name: x\n    patterns:\n      - {id: BAD, regex: '(', confidence: high}"))
	assert.Error(t, err)

	_, err = NewPolicyEngineFromYAML([]byte("classifications:\n  - name: x\n    patterns:\n      - {id: A, regex: 'a', confidence: certain}"))
	assert.Error(t, err)
}

func TestPolicyEngine_Concurrency(t *testing.T) {
	engine, err := NewPolicyEngine()
	require.NoError(t, err)
	input := "My fake key is AKIA1234567890123456"

	t.Run("ParallelScanning", func(t *testing.T) {
		for i := 0; i < 50; i++ {
			t.Run("Worker", func(t *testing.T) {
				t.Parallel()
				if len(engine.Scan(input)) == 0 {
					t.Error("Concurrent scan failed to find secret")
				}
			})
		}
	})
}

func BenchmarkScanSafeString(b *testing.B) {
	engine, _ := NewPolicyEngine()
	input := "Adults should aim for seven or more hours of sleep per night."
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		engine.Scan(input)
	}
}
