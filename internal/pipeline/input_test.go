package pipeline

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ppiankov/conceptlink/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadSentences(t *testing.T) {
	tests := []struct {
		name   string
		format string
		input  string
		want   []model.SentenceInput
	}{
		{
			name:   "jsonl",
			format: FormatJSONL,
			input: `{"id": "s1", "text": "The cell divides."}
# comment

{"id": "s2", "text": "Atoms bond."}
{"id": "s1", "text": "duplicate"}`,
			want: []model.SentenceInput{
				{ID: "s1", Text: "The cell divides."},
				{ID: "s2", Text: "Atoms bond."},
			},
		},
		{
			name:   "object of strings",
			format: FormatObject,
			input:  `{"s2": "Atoms bond.", "s1": "The cell divides."}`,
			want: []model.SentenceInput{
				{ID: "s1", Text: "The cell divides."},
				{ID: "s2", Text: "Atoms bond."},
			},
		},
		{
			name:   "snapshot layout",
			format: FormatObject,
			input:  `{"s1": {"text": "The cell divides.", "status": "processed"}}`,
			want:   []model.SentenceInput{{ID: "s1", Text: "The cell divides."}},
		},
		{
			name:   "tsv",
			format: FormatTSV,
			input:  "s1\tThe cell divides.\n# skipped\ns2\tAtoms bond.\n",
			want: []model.SentenceInput{
				{ID: "s1", Text: "The cell divides."},
				{ID: "s2", Text: "Atoms bond."},
			},
		},
		{
			name:  "sniffed jsonl",
			input: `{"id": "s1", "text": "The cell divides."}`,
			want:  []model.SentenceInput{{ID: "s1", Text: "The cell divides."}},
		},
		{
			name:  "sniffed object",
			input: `{"s1": "The cell divides."}`,
			want:  []model.SentenceInput{{ID: "s1", Text: "The cell divides."}},
		},
		{
			name:  "sniffed tsv",
			input: "s1\tThe cell divides.",
			want:  []model.SentenceInput{{ID: "s1", Text: "The cell divides."}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReadSentences(strings.NewReader(tt.input), tt.format)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadSentences_Errors(t *testing.T) {
	tests := []struct {
		name   string
		format string
		input  string
	}{
		{"jsonl missing id", FormatJSONL, `{"text": "no id"}`},
		{"jsonl bad json", FormatJSONL, `{"id": "s1"`},
		{"tsv without tab", FormatTSV, "s1 The cell divides."},
		{"object bad value", FormatObject, `{"s1": 42}`},
		{"unknown format", "xml", "<s/>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadSentences(strings.NewReader(tt.input), tt.format)
			assert.ErrorIs(t, err, ErrInput)
		})
	}
}

func TestReadSentencesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sentences.tsv")
	require.NoError(t, os.WriteFile(path, []byte("s1\tThe cell divides.\n"), 0644))

	got, err := ReadSentencesFile(path, FormatAuto)
	require.NoError(t, err)
	assert.Equal(t, []model.SentenceInput{{ID: "s1", Text: "The cell divides."}}, got)

	_, err = ReadSentencesFile(filepath.Join(dir, "missing.tsv"), FormatAuto)
	assert.Error(t, err)
}
