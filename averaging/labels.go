// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package averaging groups epochs into conditions and averages them per
// participant and across participants.
package averaging

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Separator joins the columns of an interaction term and the values of its labels.
const Separator = "/"

// Pair is the value one trial holds in one log column.
type Pair struct {
	Column string
	Value  string
}

// Level is one condition of a grouping: the ordered values of the grouping's
// columns.
type Level []Pair

// Label renders the level for display, e.g. "incongruent/switch".
func (l Level) Label() string {
	values := make([]string, len(l))
	for i, p := range l {
		values[i] = p.Value
	}
	return strings.Join(values, Separator)
}

// Equal reports whether both levels hold the same pairs in the same order.
func (l Level) Equal(o Level) bool {
	return slices.Equal(l, o)
}

// Term is a grouping of trials: a single column yields main-effect
// conditions, several columns their interaction.
type Term struct {
	Columns []string
}

// Name renders the term as written in configuration, e.g. "congruency/task".
func (t Term) Name() string {
	return strings.Join(t.Columns, Separator)
}

// Level returns the level of one log row, or false when a column is missing
// or the row holds no value for it. Values are trimmed of surrounding space.
func (t Term) Level(columns, values []string) (Level, bool) {
	level := make(Level, len(t.Columns))
	for i, c := range t.Columns {
		j := slices.Index(columns, c)
		if j < 0 {
			return nil, false
		}
		v := strings.TrimSpace(values[j])
		if v == "" {
			return nil, false
		}
		level[i] = Pair{Column: c, Value: v}
	}
	return level, true
}

// ParseTerms parses grouping specifications such as "congruency" or
// "congruency/task".
func ParseTerms(specs []string) ([]Term, error) {
	terms := make([]Term, 0, len(specs))
	seen := make(map[string]bool)
	for _, spec := range specs {
		var term Term
		for _, c := range strings.Split(spec, Separator) {
			c = strings.TrimSpace(c)
			if c == "" {
				return nil, fmt.Errorf("grouping %q has an empty column name", spec)
			}
			if slices.Contains(term.Columns, c) {
				return nil, fmt.Errorf("grouping %q repeats column %q", spec, c)
			}
			term.Columns = append(term.Columns, c)
		}
		if seen[term.Name()] {
			return nil, fmt.Errorf("grouping %q is listed twice", spec)
		}
		seen[term.Name()] = true
		terms = append(terms, term)
	}
	return terms, nil
}

// ErrEmptyConditionGroup marks conditions that have no good trials for a participant.
var ErrEmptyConditionGroup = errors.New("condition has no good trials")

// Warning is a recoverable problem found while averaging.
type Warning struct {
	Participant string
	Grouping    string
	Label       string
	Err         error
}

func (w Warning) Error() string {
	return fmt.Sprintf("participant %s, %s %q: %v", w.Participant, w.Grouping, w.Label, w.Err)
}

func (w Warning) Unwrap() error {
	return w.Err
}
