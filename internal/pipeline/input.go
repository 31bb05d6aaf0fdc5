package pipeline

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ppiankov/conceptlink/internal/model"
)

// Input formats accepted by ReadSentences
const (
	FormatJSONL  = "jsonl" // One {"id": ..., "text": ...} object per line
	FormatObject = "json"  // One object keyed by sentence id
	FormatTSV    = "tsv"   // id<TAB>text
	FormatAuto   = ""
)

const maxLineBytes = 1 << 20

// ReadSentencesFile reads sentences from a file, picking the format from the
// extension when format is empty
func ReadSentencesFile(path, format string) ([]model.SentenceInput, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	if format == FormatAuto {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".jsonl", ".ndjson":
			format = FormatJSONL
		case ".json":
			format = FormatObject
		case ".tsv", ".txt":
			format = FormatTSV
		}
	}
	return ReadSentences(file, format)
}

// ReadSentences parses sentences in the given format. Blank lines and lines
// starting with # are skipped; of duplicate ids the first one wins.
func ReadSentences(r io.Reader, format string) ([]model.SentenceInput, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	if format == FormatAuto {
		format = sniffFormat(data)
	}

	var inputs []model.SentenceInput
	switch format {
	case FormatJSONL:
		inputs, err = readJSONL(data)
	case FormatObject:
		inputs, err = readObject(data)
	case FormatTSV:
		inputs, err = readTSV(data)
	default:
		return nil, fmt.Errorf("%w: unknown format %q", ErrInput, format)
	}
	if err != nil {
		return nil, err
	}
	return dedupe(inputs), nil
}

func sniffFormat(data []byte) string {
	trimmed := bytes.TrimSpace(data)
	if !bytes.HasPrefix(trimmed, []byte("{")) {
		return FormatTSV
	}
	first, _, _ := bytes.Cut(trimmed, []byte("\n"))
	var probe struct {
		ID *string `json:"id"`
	}
	if json.Unmarshal(first, &probe) == nil && probe.ID != nil {
		return FormatJSONL
	}
	return FormatObject
}

func readJSONL(data []byte) ([]model.SentenceInput, error) {
	var inputs []model.SentenceInput
	err := eachLine(data, func(n int, line string) error {
		var in model.SentenceInput
		if err := json.Unmarshal([]byte(line), &in); err != nil {
			return fmt.Errorf("%w: line %d: %w", ErrInput, n, err)
		}
		if strings.TrimSpace(in.ID) == "" {
			return fmt.Errorf("%w: line %d: missing id", ErrInput, n)
		}
		inputs = append(inputs, in)
		return nil
	})
	return inputs, err
}

// readObject accepts {"id": "text"} and the snapshot layout
// {"id": {"text": ...}}; entries are returned ordered by id
func readObject(data []byte) ([]model.SentenceInput, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInput, err)
	}

	inputs := make([]model.SentenceInput, 0, len(raw))
	for id, value := range raw {
		if strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("%w: empty sentence id", ErrInput)
		}
		var text string
		if err := json.Unmarshal(value, &text); err != nil {
			var rec struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(value, &rec); err != nil {
				return nil, fmt.Errorf("%w: sentence %s: %w", ErrInput, id, err)
			}
			text = rec.Text
		}
		inputs = append(inputs, model.SentenceInput{ID: id, Text: text})
	}
	sort.Slice(inputs, func(i, j int) bool { return inputs[i].ID < inputs[j].ID })
	return inputs, nil
}

func readTSV(data []byte) ([]model.SentenceInput, error) {
	var inputs []model.SentenceInput
	err := eachLine(data, func(n int, line string) error {
		id, text, ok := strings.Cut(line, "\t")
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return fmt.Errorf("%w: line %d: expected id<TAB>text", ErrInput, n)
		}
		inputs = append(inputs, model.SentenceInput{ID: id, Text: strings.TrimSpace(text)})
		return nil
	})
	return inputs, err
}

func eachLine(data []byte, fn func(n int, line string) error) error {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	n := 0
	for scanner.Scan() {
		n++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := fn(n, line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan input: %w", err)
	}
	return nil
}

func dedupe(inputs []model.SentenceInput) []model.SentenceInput {
	seen := make(map[string]bool, len(inputs))
	out := inputs[:0]
	for _, in := range inputs {
		if seen[in.ID] {
			continue
		}
		seen[in.ID] = true
		out = append(out, in)
	}
	return out
}
