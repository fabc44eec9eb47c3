// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package averaging

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/OpenPSG/erpkit/behavior"
	"github.com/OpenPSG/erpkit/eeg"
	"github.com/OpenPSG/erpkit/internal/natural"
	"gonum.org/v1/gonum/floats"
)

// TriggerGrouping names the grouping used when conditions come from trigger codes.
const TriggerGrouping = "trigger"

// Spec selects how trials are grouped into conditions.
type Spec struct {
	Terms []Term
	// Triggers maps trigger codes to condition labels. It is used when Terms
	// is empty; unmapped codes are labeled by their number.
	Triggers map[int]string
}

// Result holds the condition averages of one participant.
type Result struct {
	Evokeds  []eeg.Evoked
	Warnings []Warning
}

type group struct {
	level   Level
	label   string
	members []int
}

// Average computes, for every grouping, the mean of the good epochs of each
// condition over the full grid. Conditions present in the log but without
// good epochs produce a warning and no average. log rows must be parallel to
// the epochs; it may be nil when grouping by trigger.
func Average(participant string, epochs *eeg.Epochs, log *behavior.Table, spec Spec) (*Result, error) {
	res := &Result{}

	if len(spec.Terms) == 0 {
		groups := triggerGroups(epochs, spec.Triggers)
		res.collect(participant, TriggerGrouping, epochs, groups)
		return res, nil
	}

	if log == nil || log.Len() != len(epochs.Items) {
		return nil, fmt.Errorf("participant %s: log rows are not parallel to the %d epochs", participant, len(epochs.Items))
	}

	for _, term := range spec.Terms {
		for _, c := range term.Columns {
			if log.Column(c) < 0 {
				return nil, fmt.Errorf("participant %s: grouping column %q not found in log", participant, c)
			}
		}

		groups, err := termGroups(term, epochs, log)
		if err != nil {
			return nil, fmt.Errorf("participant %s: %w", participant, err)
		}
		res.collect(participant, term.Name(), epochs, groups)
	}

	return res, nil
}

// termGroups assigns every trial with a complete set of values to its level.
// Levels are taken from all trials, so conditions without good trials are
// still seen. Interaction values may not contain the separator, otherwise two
// levels could render the same label.
func termGroups(term Term, epochs *eeg.Epochs, log *behavior.Table) ([]*group, error) {
	var groups []*group
	for i, row := range log.Rows {
		level, ok := term.Level(log.Columns, row.Values)
		if !ok {
			continue
		}
		if len(level) > 1 {
			for _, p := range level {
				if strings.Contains(p.Value, Separator) {
					return nil, fmt.Errorf("log row %d: value %q of column %q contains %q and cannot form an interaction label", row.Index, p.Value, p.Column, Separator)
				}
			}
		}

		idx := slices.IndexFunc(groups, func(g *group) bool { return g.level.Equal(level) })
		if idx < 0 {
			groups = append(groups, &group{level: level, label: level.Label()})
			idx = len(groups) - 1
		}
		if epochs.Items[i].Good {
			groups[idx].members = append(groups[idx].members, i)
		}
	}
	return groups, nil
}

func triggerGroups(epochs *eeg.Epochs, labels map[int]string) []*group {
	var groups []*group
	for i, ep := range epochs.Items {
		label, ok := labels[ep.Event.Code]
		if !ok {
			label = strconv.Itoa(ep.Event.Code)
		}

		idx := slices.IndexFunc(groups, func(g *group) bool { return g.label == label })
		if idx < 0 {
			groups = append(groups, &group{level: Level{{Column: TriggerGrouping, Value: label}}, label: label})
			idx = len(groups) - 1
		}
		if ep.Good {
			groups[idx].members = append(groups[idx].members, i)
		}
	}
	return groups
}

func (res *Result) collect(participant, grouping string, epochs *eeg.Epochs, groups []*group) {
	slices.SortStableFunc(groups, func(a, b *group) int { return cmp.Compare(a.label, b.label) })

	for _, g := range groups {
		if len(g.members) == 0 {
			res.Warnings = append(res.Warnings, Warning{
				Participant: participant,
				Grouping:    grouping,
				Label:       g.label,
				Err:         ErrEmptyConditionGroup,
			})
			continue
		}

		mean := make([]float64, epochs.Dims.Size())
		for _, i := range g.members {
			floats.Add(mean, epochs.Items[i].Data)
		}
		floats.Scale(1/float64(len(g.members)), mean)

		res.Evokeds = append(res.Evokeds, eeg.Evoked{
			Participant: participant,
			Grouping:    grouping,
			Label:       g.label,
			Dims:        epochs.Dims,
			Data:        mean,
			NAverages:   len(g.members),
		})
	}
}

// Sort orders evokeds by grouping (in the given order, unknown groupings
// last), then label, then participant in natural order.
func Sort(evokeds []eeg.Evoked, groupings []string) {
	rank := func(g string) int {
		if i := slices.Index(groupings, g); i >= 0 {
			return i
		}
		return len(groupings)
	}
	slices.SortStableFunc(evokeds, func(a, b eeg.Evoked) int {
		return cmp.Or(
			cmp.Compare(rank(a.Grouping), rank(b.Grouping)),
			cmp.Compare(a.Grouping, b.Grouping),
			cmp.Compare(a.Label, b.Label),
			natural.Compare(a.Participant, b.Participant),
		)
	})
}

// GrandAverage averages the evokeds of each (grouping, label) condition
// across participants. The result is ordered like the input after Sort.
func GrandAverage(evokeds []eeg.Evoked) ([]eeg.Evoked, error) {
	var out []eeg.Evoked
	for _, ev := range evokeds {
		idx := slices.IndexFunc(out, func(g eeg.Evoked) bool {
			return g.Grouping == ev.Grouping && g.Label == ev.Label
		})
		if idx < 0 {
			out = append(out, eeg.Evoked{
				Grouping: ev.Grouping,
				Label:    ev.Label,
				Dims:     ev.Dims,
				Data:     make([]float64, len(ev.Data)),
			})
			idx = len(out) - 1
		}

		g := &out[idx]
		if !g.Dims.Equal(ev.Dims) {
			return nil, fmt.Errorf("participant %s: %s %q does not share the grid of the other participants", ev.Participant, ev.Grouping, ev.Label)
		}
		floats.Add(g.Data, ev.Data)
		g.NAverages++
	}

	for i := range out {
		floats.Scale(1/float64(out[i].NAverages), out[i].Data)
	}
	return out, nil
}

// Select returns the evokeds of one condition label keyed by participant.
// A label that names conditions of more than one grouping is ambiguous and
// may be qualified as "grouping:label".
func Select(evokeds []eeg.Evoked, label string) (map[string]eeg.Evoked, error) {
	grouping := ""
	for _, ev := range evokeds {
		if ev.Grouping+":"+ev.Label == label {
			grouping, label = ev.Grouping, ev.Label
			break
		}
	}
	qualified := grouping != ""

	out := make(map[string]eeg.Evoked)
	for _, ev := range evokeds {
		if ev.Label != label || (qualified && ev.Grouping != grouping) {
			continue
		}
		if grouping == "" {
			grouping = ev.Grouping
		} else if ev.Grouping != grouping {
			return nil, fmt.Errorf("condition %q exists in groupings %q and %q", label, grouping, ev.Grouping)
		}
		if _, ok := out[ev.Participant]; ok {
			return nil, fmt.Errorf("participant %s has more than one %s %q condition", ev.Participant, grouping, label)
		}
		out[ev.Participant] = ev
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("condition %q not found", label)
	}
	return out, nil
}
