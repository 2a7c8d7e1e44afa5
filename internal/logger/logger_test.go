package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"WARNING", LevelWarning, false},
		{"", LevelInfo, false},
		{"trace", LevelTrace, false},
		{"loud", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			assert.Equal(t, tt.want, got)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSetupJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Setup(context.Background(), Options{Level: "warn", SampleRate: 1, Output: &buf}))
	t.Cleanup(func() { _ = Setup(context.Background(), Options{SampleRate: 1}) })

	Info("hidden")
	assert.Zero(t, buf.Len(), "info is below the configured level")

	before := SoftFailures.Load()
	SoftFail("Skipping redirect", "r1", "p-1", errors.New("not found"))
	assert.Equal(t, before+1, SoftFailures.Load())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "Skipping redirect", entry["msg"])
	assert.Equal(t, "r1", entry["rule_id"])
	assert.Equal(t, "p-1", entry["participant_id"])
}

func TestSamplingKeepsCounting(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Setup(context.Background(), Options{SampleRate: 1_000_000, Output: &buf}))
	t.Cleanup(func() { _ = Setup(context.Background(), Options{SampleRate: 1}) })

	before := TotalWarnings.Load()
	for i := 0; i < 10; i++ {
		Warn("noisy")
	}
	assert.Equal(t, before+10, TotalWarnings.Load())
}
