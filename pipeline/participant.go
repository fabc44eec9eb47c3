// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package pipeline

import (
	"context"
	"fmt"

	"github.com/OpenPSG/erpkit/averaging"
	"github.com/OpenPSG/erpkit/behavior"
	"github.com/OpenPSG/erpkit/eeg"
	"github.com/OpenPSG/erpkit/epoching"
	"github.com/OpenPSG/erpkit/tfr"
	"github.com/OpenPSG/erpkit/trials"
	"go.uber.org/zap"
)

// Participant is the input of one participant task. Either the paths or the
// in-memory data must be set.
type Participant struct {
	ID          string
	RawPath     string
	Raw         *eeg.Raw
	LogPath     string
	Log         *behavior.Table
	BadChannels []string // Excluded from the average reference and from rejection
	SkipRows    []int    // Original log rows to drop before matching
}

// ParticipantResult holds everything one participant contributes to the group.
type ParticipantResult struct {
	ID              string
	Trials          *trials.Table
	Evokeds         []eeg.Evoked
	TFREvokeds      []eeg.Evoked
	Warnings        []averaging.Warning
	Skipped         []int    // Log rows removed by exclusions
	Unmatched       []int    // Log rows without a recorded trigger
	RejectedEpochs  []int    // Positions of bad epochs among the matched trials
	BadChannels     []string // Configured bad channels
	AutoBadChannels []string // Channels responsible for too many rejected epochs
	Epochs          int      // Matched epochs
	Raw             *eeg.Raw // Re-referenced continuous data, released after writing
}

// ProcessParticipant runs every stage for one participant.
func ProcessParticipant(ctx context.Context, opts *Options, p Participant) (*ParticipantResult, error) {
	log := opts.logger().With(zap.String("participant", p.ID))
	res := &ParticipantResult{ID: p.ID, BadChannels: p.BadChannels}

	stage := StageLoad
	fail := func(err error) (*ParticipantResult, error) {
		return nil, &StageError{Participant: p.ID, Stage: stage, Err: err}
	}
	enter := func(s Stage) error {
		stage = s
		log.Debug("Entering stage", zap.Stringer("stage", s))
		return ctx.Err()
	}

	if err := enter(StageLoad); err != nil {
		return fail(err)
	}
	raw, table, err := load(p)
	if err != nil {
		return fail(err)
	}

	if err := enter(StageReference); err != nil {
		return fail(err)
	}
	for _, ch := range p.BadChannels {
		if raw.ChannelIndex(ch) < 0 {
			return fail(&eeg.MissingChannelError{Channel: ch, Context: "bad channel list"})
		}
	}
	if opts.AverageReference {
		if err := eeg.AverageReference(raw, p.BadChannels); err != nil {
			return fail(err)
		}
	}
	res.Raw = raw

	if err := enter(StageEpoch); err != nil {
		return fail(err)
	}
	events := eeg.SelectEvents(raw.Events, opts.Triggers)
	epochs, err := epoching.Extract(raw, events, opts.Epochs)
	if err != nil {
		return fail(err)
	}

	if err := enter(StageMatch); err != nil {
		return fail(err)
	}
	matched, err := trials.Match(table, events, trials.MatchOptions{
		SkipRows:       p.SkipRows,
		SkipConditions: opts.SkipConditions,
		TriggerColumn:  opts.TriggerColumn,
	})
	if err != nil {
		return fail(err)
	}
	res.Skipped = matched.Skipped
	res.Unmatched = matched.Unmatched
	if len(matched.Unmatched) > 0 {
		log.Warn("Dropped log rows without a recorded trigger", zap.Ints("rows", matched.Unmatched))
	}
	epochs = epochs.Subset(matched.Epochs)
	res.Epochs = len(epochs.Items)

	if err := enter(StageReject); err != nil {
		return fail(err)
	}
	rejectOpts := opts.Epochs
	rejectOpts.IgnoreChannels = append(append([]string{}, rejectOpts.IgnoreChannels...), p.BadChannels...)
	rejection := epoching.Reject(epochs, rejectOpts)
	res.RejectedEpochs = rejection.BadEpochs
	res.AutoBadChannels = rejection.BadChannels
	if len(rejection.BadChannels) > 0 {
		log.Warn("Detected bad channels", zap.Strings("channels", rejection.BadChannels))
	}
	log.Info("Rejected epochs", zap.Int("rejected", len(rejection.BadEpochs)), zap.Int("epochs", len(epochs.Items)))

	if err := enter(StageExtract); err != nil {
		return fail(err)
	}
	amplitudes, err := trials.Extract(epochs, opts.Components)
	if err != nil {
		return fail(err)
	}
	if res.Trials, err = trials.NewTable(p.ID, matched.Log, opts.Components, amplitudes); err != nil {
		return fail(err)
	}

	if err := enter(StageAverage); err != nil {
		return fail(err)
	}
	spec := averaging.Spec{Terms: opts.AverageBy, Triggers: opts.TriggerLabels}
	averaged, err := averaging.Average(p.ID, epochs, matched.Log, spec)
	if err != nil {
		return fail(err)
	}
	res.Evokeds = averaged.Evokeds
	res.Warnings = averaged.Warnings
	for _, w := range averaged.Warnings {
		log.Warn("Condition without good trials", zap.String("grouping", w.Grouping), zap.String("condition", w.Label))
	}

	if opts.TFR != nil {
		if err := enter(StageTFR); err != nil {
			return fail(err)
		}
		if err := processTFR(opts, raw.SampleRate, epochs, matched.Log, spec, res); err != nil {
			return fail(err)
		}
	}

	stage = StageDone
	log.Info("Participant processed", zap.Int("trials", len(res.Trials.Rows)), zap.Int("evokeds", len(res.Evokeds)))
	return res, nil
}

func processTFR(opts *Options, sampleRate float64, epochs *eeg.Epochs, log *behavior.Table, spec averaging.Spec, res *ParticipantResult) error {
	if opts.TFR.SubtractEvoked {
		source := &eeg.Epochs{Dims: epochs.Dims, Items: make([]eeg.Epoch, len(epochs.Items))}
		for i, ep := range epochs.Items {
			ep.Data = append([]float64(nil), ep.Data...)
			source.Items[i] = ep
		}

		var labels []string
		if term := opts.TFR.SubtractEvokedBy; term != nil {
			labels = make([]string, len(log.Rows))
			for i, row := range log.Rows {
				level, ok := term.Level(log.Columns, row.Values)
				if !ok {
					return fmt.Errorf("log row %d has no value for %s", row.Index, term.Name())
				}
				labels[i] = level.Label()
			}
		}
		if err := tfr.SubtractEvoked(source, labels); err != nil {
			return err
		}
		epochs = source
	}

	power, err := tfr.Power(epochs, sampleRate, opts.TFR.Options)
	if err != nil {
		return err
	}

	amplitudes, err := trials.Extract(power, opts.TFR.Components)
	if err != nil {
		return err
	}
	if err := res.Trials.AddComponents(opts.TFR.Components, amplitudes); err != nil {
		return err
	}

	averaged, err := averaging.Average(res.ID, power, log, spec)
	if err != nil {
		return err
	}
	res.TFREvokeds = averaged.Evokeds
	return nil
}

func load(p Participant) (*eeg.Raw, *behavior.Table, error) {
	raw := p.Raw
	if raw == nil {
		if p.RawPath == "" {
			return nil, nil, fmt.Errorf("no recording given")
		}
		var err error
		if raw, err = eeg.LoadEDF(p.RawPath); err != nil {
			return nil, nil, err
		}
	} else {
		raw = cloneRaw(raw)
	}

	table := p.Log
	if table == nil {
		if p.LogPath == "" {
			return nil, nil, fmt.Errorf("no log file given")
		}
		var err error
		if table, err = behavior.ReadFile(p.LogPath); err != nil {
			return nil, nil, err
		}
	}

	return raw, table, nil
}

// cloneRaw copies in-memory input so re-referencing never alters the caller's data.
func cloneRaw(raw *eeg.Raw) *eeg.Raw {
	out := &eeg.Raw{
		SampleRate: raw.SampleRate,
		Channels:   append([]string(nil), raw.Channels...),
		Events:     append([]eeg.Event(nil), raw.Events...),
		Start:      raw.Start,
		Data:       make([][]float64, len(raw.Data)),
	}
	for i, row := range raw.Data {
		out.Data[i] = append([]float64(nil), row...)
	}
	return out
}
