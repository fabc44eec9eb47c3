// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package trials aligns behavioral logs with epochs and reduces epochs to
// single-trial component amplitudes.
package trials

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/OpenPSG/erpkit/behavior"
	"github.com/OpenPSG/erpkit/eeg"
)

// ErrRowCountMismatch is matched by every RowCountMismatchError.
var ErrRowCountMismatch = errors.New("log rows do not match epochs")

// RowCountMismatchError reports a log that cannot be reconciled with the epochs
// of the same participant.
type RowCountMismatchError struct {
	LogRows int
	Epochs  int
	Aligned int // Epochs aligned before the log ran out, -1 without a trigger column
}

func (e *RowCountMismatchError) Error() string {
	if e.Aligned >= 0 {
		return fmt.Sprintf("only %d of %d epochs could be aligned with %d log rows", e.Aligned, e.Epochs, e.LogRows)
	}
	return fmt.Sprintf("log has %d rows after exclusions but %d epochs were found", e.LogRows, e.Epochs)
}

func (e *RowCountMismatchError) Unwrap() error {
	return ErrRowCountMismatch
}

// MatchOptions controls which log rows take part in matching.
type MatchOptions struct {
	SkipRows       []int               // Original 0-based row indices to drop
	SkipConditions map[string][]string // Drop rows whose column holds any of the values
	TriggerColumn  string              // Column holding the expected trigger code per row
}

// Matched pairs log rows with epochs one to one.
type Matched struct {
	Log       *behavior.Table // Rows in epoch order
	Epochs    []int           // Epoch positions, parallel to Log.Rows
	Skipped   []int           // Original rows removed by the exclusion options
	Unmatched []int           // Original rows without a recorded trigger
}

// Match applies the exclusions and pairs the remaining log rows with the
// events of the epochs. Without a trigger column the counts must agree
// exactly. With one, the observed codes are aligned as an ordered subsequence
// of the expected codes: each event consumes the next row carrying its code,
// and rows passed over are reported as unmatched. This tolerates triggers lost
// while a recording was paused.
func Match(log *behavior.Table, events []eeg.Event, opts MatchOptions) (*Matched, error) {
	kept, skipped, err := log.Exclude(opts.SkipRows, opts.SkipConditions)
	if err != nil {
		return nil, err
	}

	m := &Matched{Skipped: skipped}

	if opts.TriggerColumn == "" {
		if kept.Len() != len(events) {
			return nil, &RowCountMismatchError{LogRows: kept.Len(), Epochs: len(events), Aligned: -1}
		}
		m.Log = kept
		m.Epochs = make([]int, len(events))
		for i := range m.Epochs {
			m.Epochs[i] = i
		}
		return m, nil
	}

	col := kept.Column(opts.TriggerColumn)
	if col < 0 {
		return nil, fmt.Errorf("trigger column %q not found in log", opts.TriggerColumn)
	}

	aligned := &behavior.Table{Columns: kept.Columns}
	row := 0
	for i, ev := range events {
		for row < kept.Len() {
			code, ok := parseCode(kept.Rows[row].Values[col])
			if ok && code == ev.Code {
				break
			}
			m.Unmatched = append(m.Unmatched, kept.Rows[row].Index)
			row++
		}
		if row == kept.Len() {
			return nil, &RowCountMismatchError{LogRows: kept.Len(), Epochs: len(events), Aligned: i}
		}
		aligned.Rows = append(aligned.Rows, kept.Rows[row])
		m.Epochs = append(m.Epochs, i)
		row++
	}

	// Rows after the last trigger were never recorded.
	for ; row < kept.Len(); row++ {
		m.Unmatched = append(m.Unmatched, kept.Rows[row].Index)
	}

	m.Log = aligned
	return m, nil
}

func parseCode(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if code, err := strconv.Atoi(s); err == nil {
		return code, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != float64(int(f)) {
		return 0, false
	}
	return int(f), true
}
