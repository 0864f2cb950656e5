package archive

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/wolfman30/conversation-recovery/internal/recovery/row"
)

// Format is the encoding of an export file.
type Format string

const (
	FormatAuto  Format = ""
	FormatJSON  Format = "json"
	FormatJSONL Format = "jsonl"
	FormatCSV   Format = "csv"
)

// FormatFromName guesses the format from a file or object name.
func FormatFromName(name string) Format {
	switch strings.ToLower(path.Ext(name)) {
	case ".csv":
		return FormatCSV
	case ".jsonl", ".ndjson":
		return FormatJSONL
	case ".json":
		return FormatJSON
	default:
		return FormatAuto
	}
}

// ParseRows decodes an export. With FormatAuto the first non-space byte picks
// the decoder: '[' is a JSON array, '{' is a stream of objects, anything else
// is CSV with a header row.
func ParseRows(r io.Reader, format Format) ([]row.Raw, error) {
	br := bufio.NewReader(r)
	if format == FormatAuto {
		format = sniff(br)
	}
	switch format {
	case FormatJSON:
		return parseJSON(br)
	case FormatJSONL:
		return parseJSONL(br)
	case FormatCSV:
		return parseCSV(br)
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}

func sniff(br *bufio.Reader) Format {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return FormatCSV
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '[':
			_ = br.UnreadByte()
			return FormatJSON
		case '{':
			_ = br.UnreadByte()
			return FormatJSONL
		default:
			_ = br.UnreadByte()
			return FormatCSV
		}
	}
}

func parseJSON(r io.Reader) ([]row.Raw, error) {
	var rows []row.Raw
	dec := json.NewDecoder(r)
	if err := dec.Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode json array: %w", err)
	}
	return rows, nil
}

func parseJSONL(r io.Reader) ([]row.Raw, error) {
	var rows []row.Raw
	dec := json.NewDecoder(r)
	for {
		var raw row.Raw
		err := dec.Decode(&raw)
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode jsonl row %d: %w", len(rows)+1, err)
		}
		rows = append(rows, raw)
	}
}

func parseCSV(r io.Reader) ([]row.Raw, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	var rows []row.Raw
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row %d: %w", len(rows)+1, err)
		}
		raw := make(row.Raw, 0, len(header))
		for i, key := range header {
			value := ""
			if i < len(rec) {
				value = rec[i]
			}
			raw = append(raw, row.Cell{Key: key, Value: value})
		}
		for i := len(header); i < len(rec); i++ {
			raw = append(raw, row.Cell{Key: fmt.Sprintf("Col%d", i+1), Value: rec[i]})
		}
		rows = append(rows, raw)
	}
}
