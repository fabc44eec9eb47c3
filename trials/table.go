// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package trials

import (
	"fmt"
	"math"
	"slices"

	"github.com/OpenPSG/erpkit/behavior"
)

// Trial is one row of the single-trial table.
type Trial struct {
	Participant string
	LogRow      int       // Original 0-based log row
	Values      []string  // Log values, parallel to Table.Columns
	Amplitudes  []float64 // Component amplitudes, parallel to Table.Components; NaN when missing
}

// Table is the single-trial table: the original log columns plus one numeric
// column per component.
type Table struct {
	Columns    []string
	Components []string
	Rows       []Trial
}

// NewTable builds the trial table of one participant from the matched log and
// the amplitudes returned by Extract.
func NewTable(participant string, log *behavior.Table, components []Component, amplitudes [][]float64) (*Table, error) {
	t := &Table{Columns: slices.Clone(log.Columns)}
	for _, row := range log.Rows {
		t.Rows = append(t.Rows, Trial{
			Participant: participant,
			LogRow:      row.Index,
			Values:      row.Values,
		})
	}

	if err := t.AddComponents(components, amplitudes); err != nil {
		return nil, err
	}
	return t, nil
}

// AddComponents appends one amplitude column per component.
func (t *Table) AddComponents(components []Component, amplitudes [][]float64) error {
	if len(components) != len(amplitudes) {
		return fmt.Errorf("%d components but %d amplitude columns", len(components), len(amplitudes))
	}

	for i, c := range components {
		if slices.Contains(t.Components, c.Name) || slices.Contains(t.Columns, c.Name) {
			return fmt.Errorf("column %q already exists in trial table", c.Name)
		}
		if len(amplitudes[i]) != len(t.Rows) {
			return fmt.Errorf("component %s has %d values for %d trials", c.Name, len(amplitudes[i]), len(t.Rows))
		}
		t.Components = append(t.Components, c.Name)
		for r := range t.Rows {
			t.Rows[r].Amplitudes = append(t.Rows[r].Amplitudes, amplitudes[i][r])
		}
	}

	return nil
}

// Concat stacks the trial tables of several participants. Columns are the
// union of all columns in order of first appearance; values a participant
// lacks are empty, amplitudes NaN.
func Concat(tables ...*Table) *Table {
	out := &Table{}
	for _, t := range tables {
		for _, c := range t.Columns {
			if !slices.Contains(out.Columns, c) {
				out.Columns = append(out.Columns, c)
			}
		}
		for _, c := range t.Components {
			if !slices.Contains(out.Components, c) {
				out.Components = append(out.Components, c)
			}
		}
	}

	for _, t := range tables {
		for _, row := range t.Rows {
			trial := Trial{
				Participant: row.Participant,
				LogRow:      row.LogRow,
				Values:      make([]string, len(out.Columns)),
				Amplitudes:  make([]float64, len(out.Components)),
			}
			for i, c := range out.Columns {
				if j := slices.Index(t.Columns, c); j >= 0 {
					trial.Values[i] = row.Values[j]
				}
			}
			for i, c := range out.Components {
				trial.Amplitudes[i] = math.NaN()
				if j := slices.Index(t.Components, c); j >= 0 {
					trial.Amplitudes[i] = row.Amplitudes[j]
				}
			}
			out.Rows = append(out.Rows, trial)
		}
	}

	return out
}
