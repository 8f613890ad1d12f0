// Package extcsv reads WOUDC extended CSV: a sequence of "#NAME" tables, each
// a header line of field names followed by value rows. Lines starting with
// '*' are comments.
package extcsv

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ParseError is a structural defect in the payload.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
	}
	return e.Msg
}

// Table is one table of a file. A name repeated in the file gets a numeric
// suffix: the second TIMESTAMP table is TIMESTAMP_2.
type Table struct {
	Name string
	// Line is the line of the "#NAME" header.
	Line     int
	Fields   []string
	Rows     [][]string
	RowLines []int
}

// Has reports whether the table declares field.
func (t *Table) Has(field string) bool {
	return t.index(field) >= 0
}

// Value returns field from the first row. Missing fields and blank values
// report false.
func (t *Table) Value(field string) (string, bool) {
	i := t.index(field)
	if i < 0 || len(t.Rows) == 0 || i >= len(t.Rows[0]) {
		return "", false
	}
	v := t.Rows[0][i]
	return v, v != ""
}

// Column returns field from every row, "" where a row is short.
func (t *Table) Column(field string) []string {
	i := t.index(field)
	if i < 0 {
		return nil
	}
	out := make([]string, len(t.Rows))
	for r, row := range t.Rows {
		if i < len(row) {
			out[r] = row[i]
		}
	}
	return out
}

func (t *Table) index(field string) int {
	for i, f := range t.Fields {
		if strings.EqualFold(f, field) {
			return i
		}
	}
	return -1
}

// File is a parsed payload.
type File struct {
	Tables []*Table
	byName map[string]*Table
}

// Table returns the named table, or nil.
func (f *File) Table(name string) *Table {
	return f.byName[strings.ToUpper(name)]
}

// Parse reads an extended CSV payload.
func Parse(r io.Reader) (*File, error) {
	cr := csv.NewReader(r)
	cr.Comment = '*'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.LazyQuotes = true

	f := &File{byName: make(map[string]*Table)}
	seen := make(map[string]int)
	var cur *Table

	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				return nil, &ParseError{Line: pe.Line, Msg: pe.Err.Error()}
			}
			return nil, &ParseError{Msg: err.Error()}
		}
		line, _ := cr.FieldPos(0)
		rec = trim(rec)
		if len(rec) == 0 {
			continue
		}

		if strings.HasPrefix(rec[0], "#") {
			if cur != nil && cur.Fields == nil {
				return nil, &ParseError{Line: cur.Line, Msg: fmt.Sprintf("table %s has no field line", cur.Name)}
			}
			name := strings.ToUpper(strings.TrimSpace(strings.TrimPrefix(rec[0], "#")))
			if name == "" {
				return nil, &ParseError{Line: line, Msg: "table header has no name"}
			}
			seen[name]++
			if n := seen[name]; n > 1 {
				name = fmt.Sprintf("%s_%d", name, n)
			}
			cur = &Table{Name: name, Line: line}
			f.Tables = append(f.Tables, cur)
			f.byName[name] = cur
			continue
		}

		if cur == nil {
			return nil, &ParseError{Line: line, Msg: "content before the first table"}
		}
		if cur.Fields == nil {
			if err := checkFields(rec); err != nil {
				return nil, &ParseError{Line: line, Msg: fmt.Sprintf("table %s: %v", cur.Name, err)}
			}
			cur.Fields = rec
			continue
		}
		if len(rec) > len(cur.Fields) {
			return nil, &ParseError{Line: line, Msg: fmt.Sprintf("table %s: row has %d values for %d fields", cur.Name, len(rec), len(cur.Fields))}
		}
		cur.Rows = append(cur.Rows, rec)
		cur.RowLines = append(cur.RowLines, line)
	}

	if len(f.Tables) == 0 {
		return nil, &ParseError{Msg: "no tables found"}
	}
	if cur.Fields == nil {
		return nil, &ParseError{Line: cur.Line, Msg: fmt.Sprintf("table %s has no field line", cur.Name)}
	}
	return f, nil
}

// trim strips whitespace and drops trailing empty values, which spreadsheet
// exports pad rows with.
func trim(rec []string) []string {
	for i := range rec {
		rec[i] = strings.TrimSpace(rec[i])
	}
	for len(rec) > 0 && rec[len(rec)-1] == "" {
		rec = rec[:len(rec)-1]
	}
	return rec
}

func checkFields(fields []string) error {
	seen := make(map[string]struct{}, len(fields))
	for _, name := range fields {
		if name == "" {
			return errors.New("empty field name")
		}
		key := strings.ToLower(name)
		if _, ok := seen[key]; ok {
			return fmt.Errorf("duplicate field %s", name)
		}
		seen[key] = struct{}{}
	}
	return nil
}
