package source

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/opendata-ee/ariregister/internal/model"
)

// RecordFunc receives one record from a stream. recErr is non-nil for
// a malformed individual record; the reader keeps going and leaves the
// skip-or-abort decision to the caller. Returning an error stops the
// stream.
type RecordFunc func(doc model.Document, recErr error) error

// StreamFile opens one extracted payload and streams its records.
func StreamFile(path string, kind Kind, fn RecordFunc) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open payload %s: %w", path, err)
	}
	defer func() { _ = f.Close() }() // safe to ignore

	switch kind {
	case CSV:
		return StreamCSV(f, fn)
	default:
		return StreamJSONArray(f, fn)
	}
}

// StreamJSONArray iterates the elements of one JSON array payload with
// a pull parser. Only one record is decoded at a time, so memory stays
// constant regardless of payload size. A syntactically broken stream
// is terminal; a well-formed element that is not an object surfaces as
// a per-record error.
func StreamJSONArray(r io.Reader, fn RecordFunc) error {
	dec := json.NewDecoder(r)

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("read array start: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return fmt.Errorf("payload is not a JSON array (got %v)", tok)
	}

	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("read array element: %w", err)
		}
		var doc model.Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			if err := fn(nil, fmt.Errorf("malformed record: %w", err)); err != nil {
				return err
			}
			continue
		}
		if err := fn(doc, nil); err != nil {
			return err
		}
	}

	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("read array end: %w", err)
	}
	return nil
}

// StreamCSV iterates the rows of a ';'-delimited flat file, mapping
// each row to a document keyed by the header names. The registry
// publishes these files with a UTF-8 BOM.
func StreamCSV(r io.Reader, fn RecordFunc) error {
	cr := csv.NewReader(r)
	cr.Comma = ';'
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return fmt.Errorf("read csv header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	for {
		row, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if err := fn(nil, fmt.Errorf("malformed row: %w", err)); err != nil {
				return err
			}
			continue
		}
		doc := make(model.Document, len(header))
		for i, name := range header {
			if i < len(row) {
				doc[name] = row[i]
			}
		}
		if err := fn(doc, nil); err != nil {
			return err
		}
	}
}
