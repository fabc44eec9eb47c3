// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package averaging_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/OpenPSG/erpkit/averaging"
	"github.com/OpenPSG/erpkit/behavior"
	"github.com/OpenPSG/erpkit/eeg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var design = [][2]string{
	{"congruent", "repeat"},
	{"incongruent", "repeat"},
	{"congruent", "switch"},
	{"incongruent", "switch"},
	{"congruent", "repeat"},
	{"incongruent", "switch"},
	{"congruent", "switch"},
	{"incongruent", "switch"},
}

// fixture returns epochs whose samples all equal the trial number and the
// matching log.
func fixture(t *testing.T) (*eeg.Epochs, *behavior.Table) {
	t.Helper()

	var b strings.Builder
	b.WriteString("trigger,congruency,task\n")
	epochs := &eeg.Epochs{Dims: eeg.Dims{Channels: []string{"Fz", "Cz"}, Times: []float64{0, 0.1, 0.2}}}
	for i, d := range design {
		fmt.Fprintf(&b, "%d,%s,%s\n", 11+i%2, d[0], d[1])
		data := make([]float64, epochs.Dims.Size())
		for j := range data {
			data[j] = float64(i)
		}
		epochs.Items = append(epochs.Items, eeg.Epoch{Event: eeg.Event{Code: 11 + i%2}, Data: data, Good: true})
	}

	log, err := behavior.Read(strings.NewReader(b.String()), ',')
	require.NoError(t, err)
	return epochs, log
}

func TestParseTerms(t *testing.T) {
	terms, err := averaging.ParseTerms([]string{"congruency", " congruency / task "})
	require.NoError(t, err)
	require.Len(t, terms, 2)
	assert.Equal(t, []string{"congruency"}, terms[0].Columns)
	assert.Equal(t, "congruency/task", terms[1].Name())

	_, err = averaging.ParseTerms([]string{"a//b"})
	assert.Error(t, err)
	_, err = averaging.ParseTerms([]string{"a/a"})
	assert.Error(t, err)
	_, err = averaging.ParseTerms([]string{"a/b", "a / b"})
	assert.Error(t, err)
}

func TestLevelLabel(t *testing.T) {
	level := averaging.Level{{Column: "congruency", Value: "incongruent"}, {Column: "task", Value: "switch"}}
	assert.Equal(t, "incongruent/switch", level.Label())
	assert.True(t, level.Equal(averaging.Level{{Column: "congruency", Value: "incongruent"}, {Column: "task", Value: "switch"}}))
	assert.False(t, level.Equal(averaging.Level{{Column: "task", Value: "incongruent"}, {Column: "congruency", Value: "switch"}}))
}

func TestAverageMainEffectsAndInteraction(t *testing.T) {
	epochs, log := fixture(t)
	terms, err := averaging.ParseTerms([]string{"congruency", "task", "congruency/task"})
	require.NoError(t, err)

	res, err := averaging.Average("sub-01", epochs, log, averaging.Spec{Terms: terms})
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)

	type key struct{ grouping, label string }
	got := make(map[key]eeg.Evoked)
	var order []key
	for _, ev := range res.Evokeds {
		k := key{ev.Grouping, ev.Label}
		got[k] = ev
		order = append(order, k)
	}

	assert.Equal(t, []key{
		{"congruency", "congruent"},
		{"congruency", "incongruent"},
		{"task", "repeat"},
		{"task", "switch"},
		{"congruency/task", "congruent/repeat"},
		{"congruency/task", "congruent/switch"},
		{"congruency/task", "incongruent/repeat"},
		{"congruency/task", "incongruent/switch"},
	}, order)

	// Trials 0, 2, 4, 6 are congruent.
	assert.Equal(t, 4, got[key{"congruency", "congruent"}].NAverages)
	assert.InDelta(t, 3, got[key{"congruency", "congruent"}].Data[0], 1e-12)
	// Trials 3, 5, 7 are incongruent switch trials.
	assert.Equal(t, 3, got[key{"congruency/task", "incongruent/switch"}].NAverages)
	assert.InDelta(t, 5, got[key{"congruency/task", "incongruent/switch"}].Data[5], 1e-12)

	// Interaction cells agree with grouping on the underlying columns directly.
	for _, ev := range res.Evokeds {
		if ev.Grouping != "congruency/task" {
			continue
		}
		parts := strings.Split(ev.Label, "/")
		count := 0
		for _, d := range design {
			if d[0] == parts[0] && d[1] == parts[1] {
				count++
			}
		}
		assert.Equal(t, count, ev.NAverages, ev.Label)
	}

	// Summing interaction cells over one factor reproduces its main effect.
	for _, main := range []string{"congruent", "incongruent"} {
		sum := 0
		for _, task := range []string{"repeat", "switch"} {
			sum += got[key{"congruency/task", main + "/" + task}].NAverages
		}
		assert.Equal(t, got[key{"congruency", main}].NAverages, sum)
	}
}

func TestAverageSkipsBadEpochsAndWarnsOnEmptyCells(t *testing.T) {
	epochs, log := fixture(t)
	// Trial 1 is the only incongruent repeat trial.
	epochs.Items[1].Good = false
	epochs.Items[0].Good = false

	terms, err := averaging.ParseTerms([]string{"congruency/task"})
	require.NoError(t, err)

	res, err := averaging.Average("sub-07", epochs, log, averaging.Spec{Terms: terms})
	require.NoError(t, err)

	require.Len(t, res.Warnings, 1)
	w := res.Warnings[0]
	assert.Equal(t, "incongruent/repeat", w.Label)
	assert.Equal(t, "sub-07", w.Participant)
	assert.True(t, errors.Is(w, averaging.ErrEmptyConditionGroup))

	for _, ev := range res.Evokeds {
		assert.NotEqual(t, "incongruent/repeat", ev.Label)
		if ev.Label == "congruent/repeat" {
			assert.Equal(t, 1, ev.NAverages)
			assert.InDelta(t, 4, ev.Data[0], 1e-12)
		}
	}
	assert.Len(t, res.Evokeds, 3)
}

func TestAverageByTrigger(t *testing.T) {
	epochs, _ := fixture(t)

	res, err := averaging.Average("sub-01", epochs, nil, averaging.Spec{Triggers: map[int]string{11: "standard"}})
	require.NoError(t, err)
	require.Len(t, res.Evokeds, 2)

	assert.Equal(t, "12", res.Evokeds[0].Label)
	assert.Equal(t, "standard", res.Evokeds[1].Label)
	assert.Equal(t, averaging.TriggerGrouping, res.Evokeds[1].Grouping)
	assert.Equal(t, 4, res.Evokeds[1].NAverages)
	assert.InDelta(t, 3, res.Evokeds[1].Data[0], 1e-12)
}

func TestAverageErrors(t *testing.T) {
	epochs, log := fixture(t)

	_, err := averaging.Average("sub-01", epochs, log, averaging.Spec{Terms: []averaging.Term{{Columns: []string{"missing"}}}})
	assert.Error(t, err)

	short, err := behavior.Read(strings.NewReader("congruency\ncongruent\n"), ',')
	require.NoError(t, err)
	_, err = averaging.Average("sub-01", epochs, short, averaging.Spec{Terms: []averaging.Term{{Columns: []string{"congruency"}}}})
	assert.Error(t, err)
}

func TestAverageIsDeterministic(t *testing.T) {
	epochs, log := fixture(t)
	terms, err := averaging.ParseTerms([]string{"task/congruency"})
	require.NoError(t, err)

	a, err := averaging.Average("sub-01", epochs, log, averaging.Spec{Terms: terms})
	require.NoError(t, err)
	b, err := averaging.Average("sub-01", epochs, log, averaging.Spec{Terms: terms})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func evoked(participant, grouping, label string, values ...float64) eeg.Evoked {
	return eeg.Evoked{
		Participant: participant,
		Grouping:    grouping,
		Label:       label,
		Dims:        eeg.Dims{Channels: []string{"Cz"}, Times: make([]float64, len(values))},
		Data:        values,
		NAverages:   1,
	}
}

func TestSortAndGrandAverage(t *testing.T) {
	evokeds := []eeg.Evoked{
		evoked("sub-02", "task", "switch", 3, 3),
		evoked("sub-01", "congruency", "incongruent", 1, 2),
		evoked("sub-02", "congruency", "incongruent", 3, 4),
		evoked("sub-01", "task", "switch", 1, 1),
		evoked("sub-01", "congruency", "congruent", 0, 0),
	}
	averaging.Sort(evokeds, []string{"congruency", "task"})

	var order []string
	for _, ev := range evokeds {
		order = append(order, ev.Grouping+" "+ev.Label+" "+ev.Participant)
	}
	assert.Equal(t, []string{
		"congruency congruent sub-01",
		"congruency incongruent sub-01",
		"congruency incongruent sub-02",
		"task switch sub-01",
		"task switch sub-02",
	}, order)

	grand, err := averaging.GrandAverage(evokeds)
	require.NoError(t, err)
	require.Len(t, grand, 3)
	assert.Equal(t, "incongruent", grand[1].Label)
	assert.Equal(t, 2, grand[1].NAverages)
	assert.Equal(t, []float64{2, 3}, grand[1].Data)
	assert.Empty(t, grand[1].Participant)

	_, err = averaging.GrandAverage(append(evokeds, evoked("sub-03", "task", "switch", 1, 2, 3)))
	assert.Error(t, err)
}

func TestSelect(t *testing.T) {
	evokeds := []eeg.Evoked{
		evoked("sub-01", "congruency", "a", 1),
		evoked("sub-02", "congruency", "a", 2),
		evoked("sub-01", "task", "b", 3),
		evoked("sub-01", "other", "b", 4),
	}

	sel, err := averaging.Select(evokeds, "a")
	require.NoError(t, err)
	assert.Len(t, sel, 2)
	assert.Equal(t, []float64{2}, sel["sub-02"].Data)

	_, err = averaging.Select(evokeds, "b")
	assert.Error(t, err)

	sel, err = averaging.Select(evokeds, "other:b")
	require.NoError(t, err)
	assert.Equal(t, []float64{4}, sel["sub-01"].Data)

	_, err = averaging.Select(evokeds, "c")
	assert.Error(t, err)
}

func TestSelectRejectsDuplicateConditions(t *testing.T) {
	evokeds := []eeg.Evoked{
		evoked("sub-01", "a/b", "x/y/z", 1),
		evoked("sub-01", "a/b", "x/y/z", 9),
	}
	_, err := averaging.Select(evokeds, "x/y/z")
	assert.Error(t, err)
}

func TestAverageRejectsSeparatorInInteractionValues(t *testing.T) {
	log, err := behavior.Read(strings.NewReader("a,b\nx/y,z\nx,y/z\n"), ',')
	require.NoError(t, err)
	epochs := &eeg.Epochs{Dims: eeg.Dims{Channels: []string{"Cz"}, Times: []float64{0}}}
	for _, v := range []float64{1, 9} {
		epochs.Items = append(epochs.Items, eeg.Epoch{Data: []float64{v}, Good: true})
	}

	terms, err := averaging.ParseTerms([]string{"a/b"})
	require.NoError(t, err)
	_, err = averaging.Average("sub-01", epochs, log, averaging.Spec{Terms: terms})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `column "a"`)

	// Main effects render a single value, so the separator is harmless there.
	terms, err = averaging.ParseTerms([]string{"a"})
	require.NoError(t, err)
	res, err := averaging.Average("sub-01", epochs, log, averaging.Spec{Terms: terms})
	require.NoError(t, err)
	require.Len(t, res.Evokeds, 2)
	assert.Equal(t, "x", res.Evokeds[0].Label)
	assert.Equal(t, "x/y", res.Evokeds[1].Label)
}

func TestSortOrdersParticipantsNaturally(t *testing.T) {
	evokeds := []eeg.Evoked{
		evoked("sub10", "congruency", "congruent", 0),
		evoked("sub2", "congruency", "congruent", 0),
		evoked("sub1", "congruency", "congruent", 0),
	}
	averaging.Sort(evokeds, []string{"congruency"})

	var ids []string
	for _, ev := range evokeds {
		ids = append(ids, ev.Participant)
	}
	assert.Equal(t, []string{"sub1", "sub2", "sub10"}, ids)
}
