package cmd

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/xprun/internal/core"
)

func sampleRuns() []core.RunSummary {
	now := time.Now()
	return []core.RunSummary{
		{ID: "0b7d1c2e", Name: "baseline", Timestamp: now.Add(-3 * time.Hour)},
		{ID: "5f3a9e10", Name: "lr-sweep", Timestamp: now.Add(-2 * time.Hour)},
		{ID: "a41c77d2", Name: "dropout", Timestamp: now.Add(-time.Hour)},
	}
}

func TestMatchRun(t *testing.T) {
	runs := sampleRuns()

	tests := []struct {
		name    string
		input   string
		want    core.RunID
		wantErr string
	}{
		{name: "index", input: "2", want: "5f3a9e10"},
		{name: "first index", input: "1", want: "0b7d1c2e"},
		{name: "exact id", input: "a41c77d2", want: "a41c77d2"},
		{name: "exact name", input: "dropout", want: "a41c77d2"},
		{name: "fuzzy name", input: "swp", want: "5f3a9e10"},
		{name: "prefix", input: "base", want: "0b7d1c2e"},
		{name: "index too large", input: "4", wantErr: "out of range"},
		{name: "index zero", input: "0", wantErr: "out of range"},
		{name: "empty", input: "", wantErr: "no run selected"},
		{name: "no match", input: "zzz", wantErr: "no run matches"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := matchRun(tt.input, runs)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPromptRun(t *testing.T) {
	runs := sampleRuns()
	var out bytes.Buffer

	id, err := promptRun(strings.NewReader("3\n"), &out, runs)
	require.NoError(t, err)
	assert.Equal(t, core.RunID("a41c77d2"), id)

	menu := out.String()
	assert.Contains(t, menu, " 1) baseline")
	assert.Contains(t, menu, " 3) dropout")
	assert.Contains(t, menu, "Select a run")
}

func TestPromptRunWithoutNewline(t *testing.T) {
	var out bytes.Buffer
	id, err := promptRun(strings.NewReader("lr-sweep"), &out, sampleRuns())
	require.NoError(t, err)
	assert.Equal(t, core.RunID("5f3a9e10"), id)
}

func TestPromptRunEmptyInput(t *testing.T) {
	var out bytes.Buffer
	_, err := promptRun(strings.NewReader(""), &out, sampleRuns())
	assert.Error(t, err)
}
