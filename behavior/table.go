// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package behavior reads the behavioral log files that accompany recordings.
package behavior

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Row is one log entry. Index is its 0-based position in the original file
// and survives exclusions.
type Row struct {
	Index  int
	Values []string
}

// Table is an ordered behavioral log with named columns.
type Table struct {
	Columns []string
	Rows    []Row
}

// Column returns the position of the named column, or -1.
func (t *Table) Column(name string) int {
	return slices.Index(t.Columns, name)
}

// Value returns the value of a column in the row at position i.
func (t *Table) Value(i int, column string) (string, bool) {
	c := t.Column(column)
	if c < 0 || i < 0 || i >= len(t.Rows) {
		return "", false
	}
	return t.Rows[i].Values[c], true
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.Rows)
}

// Indices returns the original row indices in table order.
func (t *Table) Indices() []int {
	out := make([]int, len(t.Rows))
	for i, r := range t.Rows {
		out[i] = r.Index
	}
	return out
}

// ReadFile reads a log file. Files ending in .csv are comma separated,
// everything else is tab separated. Byte order marks are honored and input
// that is not valid UTF-8 is decoded as Windows-1252.
func ReadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading log file: %w", err)
	}

	comma := '\t'
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		comma = ','
	}

	t, err := Read(decode(data), comma)
	if err != nil {
		return nil, fmt.Errorf("error parsing log file %s: %w", path, err)
	}
	return t, nil
}

func decode(data []byte) io.Reader {
	var fallback transform.Transformer = unicode.UTF8.NewDecoder()
	if !utf8.Valid(data) {
		fallback = charmap.Windows1252.NewDecoder()
	}
	return transform.NewReader(bytes.NewReader(data), unicode.BOMOverride(fallback))
}

// Read parses delimited text with a header row.
func Read(r io.Reader, comma rune) (*Table, error) {
	cr := csv.NewReader(r)
	cr.Comma = comma
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("log has no header row")
		}
		return nil, fmt.Errorf("error reading header row: %w", err)
	}

	t := &Table{Columns: make([]string, len(header))}
	for i, name := range header {
		t.Columns[i] = strings.TrimSpace(name)
	}

	for index := 0; ; index++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading row %d: %w", index, err)
		}
		if len(record) > len(t.Columns) {
			return nil, fmt.Errorf("row %d has %d fields, header has %d", index, len(record), len(t.Columns))
		}

		// Cells are kept verbatim; comparisons trim them.
		values := make([]string, len(t.Columns))
		copy(values, record)
		t.Rows = append(t.Rows, Row{Index: index, Values: values})
	}

	return t, nil
}

// Exclude drops the rows whose original index is listed in rows, and the rows
// matching any of the column conditions. Condition columns that match no
// column exactly are looked up ignoring case. It returns the remaining table and
// the sorted original indices of the dropped rows.
func (t *Table) Exclude(rows []int, conditions map[string][]string) (*Table, []int, error) {
	type condition struct {
		column int
		values []string
	}

	columns := make([]string, 0, len(conditions))
	for column := range conditions {
		columns = append(columns, column)
	}
	slices.Sort(columns)

	conds := make([]condition, 0, len(columns))
	for _, column := range columns {
		c := t.Column(column)
		if c < 0 {
			c = slices.IndexFunc(t.Columns, func(name string) bool {
				return strings.EqualFold(name, column)
			})
		}
		if c < 0 {
			return nil, nil, fmt.Errorf("exclusion column %q not found in log", column)
		}
		conds = append(conds, condition{column: c, values: conditions[column]})
	}

	out := &Table{Columns: t.Columns}
	var dropped []int
	for _, row := range t.Rows {
		drop := slices.Contains(rows, row.Index)
		for _, cond := range conds {
			if drop {
				break
			}
			drop = slices.ContainsFunc(cond.values, func(v string) bool {
				return SameValue(row.Values[cond.column], v)
			})
		}

		if drop {
			dropped = append(dropped, row.Index)
			continue
		}
		out.Rows = append(out.Rows, row)
	}

	return out, dropped, nil
}

// SameValue compares two log values ignoring surrounding space, numerically
// when both are numbers.
func SameValue(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == b {
		return true
	}
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	return errA == nil && errB == nil && fa == fb
}
