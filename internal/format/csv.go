package format

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// CSVOptions configures ParseCSV.
type CSVOptions struct {
	// Delimiter separates cells. Zero means ','.
	Delimiter rune

	// Charset names the payload encoding. Empty means UTF-8.
	Charset string

	// GroupSize closes a commit group every GroupSize rows. Zero keeps all
	// rows in one group.
	GroupSize int
}

// ParseCSV reads a CSV payload whose rows are all records of model.
//
// The header names fields. The EXTERNAL_ID column carries the record's
// external key; a "field/EXTERNAL_ID" column carries external keys of the
// records a relation field points at.
func ParseCSV(r io.Reader, model string, opts CSVOptions) (*Payload, error) {
	text, err := NewTextReader(r, opts.Charset)
	if err != nil {
		return nil, err
	}

	cr := csv.NewReader(text)
	if opts.Delimiter != 0 {
		cr.Comma = opts.Delimiter
	}
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return &Payload{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformedInput, err)
	}

	cols, err := parseHeader(header)
	if err != nil {
		return nil, err
	}

	p := &Payload{}
	var current Group
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
		}
		if isEmptyRow(row) {
			continue
		}
		line, _ := cr.FieldPos(0)

		current.Records = append(current.Records, csvRecord(model, cols, row, line))
		if opts.GroupSize > 0 && len(current.Records) == opts.GroupSize {
			current.Commit = true
			p.Groups = append(p.Groups, current)
			current = Group{}
		}
	}
	if len(current.Records) > 0 {
		p.Groups = append(p.Groups, current)
	}
	return p, nil
}

type csvColumn struct {
	name     string
	external bool
	identity bool
}

func parseHeader(header []string) ([]csvColumn, error) {
	cols := make([]csvColumn, len(header))
	seen := make(map[string]bool, len(header))
	for i, h := range header {
		h = cleanHeader(h)
		if h == "" {
			return nil, fmt.Errorf("%w: column %d has no name", ErrMalformedInput, i+1)
		}
		if seen[h] {
			return nil, fmt.Errorf("%w: duplicate column %q", ErrMalformedInput, h)
		}
		seen[h] = true

		if h == ExternalIDColumn {
			cols[i] = csvColumn{identity: true}
			continue
		}
		name, external := strings.CutSuffix(h, ExternalIDSuffix)
		cols[i] = csvColumn{name: name, external: external}
	}
	return cols, nil
}

func csvRecord(model string, cols []csvColumn, row []string, line int) Record {
	rec := Record{Model: model}
	if len(row) > len(cols) {
		rec.Problem = fmt.Sprintf("line %d: %d cells but %d columns", line, len(row), len(cols))
		return rec
	}

	for i, col := range cols {
		cell := ""
		if i < len(row) {
			cell = row[i]
		}
		switch {
		case col.identity:
			rec.ExternalID = strings.TrimSpace(cell)
		case col.external && strings.TrimSpace(cell) != "":
			rec.Fields = append(rec.Fields, Field{Name: col.name, ExternalID: strings.TrimSpace(cell)})
		default:
			rec.Fields = append(rec.Fields, Field{Name: col.name, Value: textPtr(cell)})
		}
	}
	return rec
}

// cleanHeader trims whitespace and the ="..." wrapper spreadsheets add.
func cleanHeader(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, `="`) && strings.HasSuffix(s, `"`) {
		s = s[2 : len(s)-1]
	}
	return strings.TrimSpace(s)
}

func isEmptyRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// WriteCSV writes header and rows. Zero delimiter means ','.
func WriteCSV(w io.Writer, header []string, rows [][]string, delimiter rune) error {
	cw := csv.NewWriter(w)
	if delimiter != 0 {
		cw.Comma = delimiter
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	return cw.WriteAll(rows)
}
