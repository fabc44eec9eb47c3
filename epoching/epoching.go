// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package epoching cuts continuous recordings into baseline corrected epochs
// and flags artifacts.
package epoching

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/OpenPSG/erpkit/eeg"
	"gonum.org/v1/gonum/stat"
)

// tolerance absorbs floating point error when comparing sample times with window edges.
const tolerance = 1e-9

// ReasonNoData marks epochs whose window runs past the recording.
const ReasonNoData = "no data"

// Window is a time interval in seconds; a nil bound extends to the epoch edge.
type Window struct {
	Start *float64
	End   *float64
}

// Options configures epoch extraction and rejection.
type Options struct {
	TMin     float64 // Epoch start relative to the event, inclusive
	TMax     float64 // Epoch end relative to the event, exclusive
	Baseline *Window // Nil disables baseline correction

	PeakToPeak     *float64 // Reject when any channel's max-min exceeds this (µV)
	Flat           *float64 // Reject when any channel's max-min falls below this (µV)
	PercentBad     float64  // Fraction of epochs a channel must spoil to be reported bad
	IgnoreChannels []string // Channels excluded from rejection checks
}

// Validate checks the options independently of any data.
func (o Options) Validate() error {
	if o.TMin >= o.TMax {
		return fmt.Errorf("epoch tmin %g must be before tmax %g", o.TMin, o.TMax)
	}
	if o.Baseline != nil {
		start, end := o.baselineBounds()
		if start > end {
			return fmt.Errorf("baseline start %g is after baseline end %g", start, end)
		}
		if start < o.TMin-tolerance || end > o.TMax+tolerance {
			return fmt.Errorf("baseline %g..%g lies outside the epoch %g..%g", start, end, o.TMin, o.TMax)
		}
	}
	if o.PeakToPeak != nil && *o.PeakToPeak <= 0 {
		return fmt.Errorf("peak-to-peak threshold must be positive")
	}
	if o.PercentBad < 0 || o.PercentBad > 1 {
		return fmt.Errorf("percent bad %g must be between 0 and 1", o.PercentBad)
	}
	return nil
}

func (o Options) baselineBounds() (float64, float64) {
	start, end := o.TMin, o.TMax
	if o.Baseline.Start != nil {
		start = *o.Baseline.Start
	}
	if o.Baseline.End != nil {
		end = *o.Baseline.End
	}
	return start, end
}

// Extract cuts one epoch per event. Epochs that do not fit inside the
// recording keep their shape, are filled with NaN and are marked bad.
func Extract(raw *eeg.Raw, events []eeg.Event, opts Options) (*eeg.Epochs, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if raw.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %g", raw.SampleRate)
	}

	first := raw.SampleAt(opts.TMin)
	n := raw.SampleAt(opts.TMax) - first
	if n <= 0 {
		return nil, fmt.Errorf("epoch window %g..%g s is shorter than one sample", opts.TMin, opts.TMax)
	}

	dims := eeg.Dims{Channels: slices.Clone(raw.Channels), Times: make([]float64, n)}
	for i := range dims.Times {
		dims.Times[i] = float64(first+i) / raw.SampleRate
	}

	var baseline []int
	if opts.Baseline != nil {
		start, end := opts.baselineBounds()
		for i, t := range dims.Times {
			if t >= start-tolerance && t <= end+tolerance {
				baseline = append(baseline, i)
			}
		}
		if len(baseline) == 0 {
			return nil, fmt.Errorf("baseline %g..%g s contains no samples", start, end)
		}
	}

	epochs := &eeg.Epochs{Dims: dims, Items: make([]eeg.Epoch, len(events))}
	values := make([]float64, len(baseline))
	for ei, ev := range events {
		data := make([]float64, dims.Size())
		ep := eeg.Epoch{Event: ev, Data: data, Good: true}

		from := raw.SampleAt(ev.Onset) + first
		if from < 0 || from+n > raw.Samples() {
			for i := range data {
				data[i] = math.NaN()
			}
			ep.Good = false
			ep.Reason = ReasonNoData
			epochs.Items[ei] = ep
			continue
		}

		for ch := range raw.Channels {
			row := data[dims.Index(ch, 0, 0) : dims.Index(ch, 0, 0)+n]
			copy(row, raw.Data[ch][from:from+n])

			if len(baseline) > 0 {
				for i, t := range baseline {
					values[i] = row[t]
				}
				offset := stat.Mean(values, nil)
				for i := range row {
					row[i] -= offset
				}
			}
		}
		epochs.Items[ei] = ep
	}

	return epochs, nil
}

// Rejection summarizes the artifact check of one participant.
type Rejection struct {
	BadEpochs   []int          // Positions of epochs marked bad, including epochs without data
	BadChannels []string       // Channels responsible for more than PercentBad of the epochs
	Counts      map[string]int // Rejected epochs per responsible channel
}

// Reject marks epochs bad whose peak-to-peak amplitude on any checked channel
// is above the high or below the flat threshold, and reports the channels
// responsible for more than PercentBad of all epochs.
func Reject(epochs *eeg.Epochs, opts Options) Rejection {
	dims := epochs.Dims
	nt := len(dims.Times)
	rej := Rejection{Counts: make(map[string]int)}

	for ei := range epochs.Items {
		ep := &epochs.Items[ei]
		if !ep.Good {
			rej.BadEpochs = append(rej.BadEpochs, ei)
			continue
		}

		var responsible []string
		for ch, name := range dims.Channels {
			if slices.Contains(opts.IgnoreChannels, name) {
				continue
			}
			for f := 0; f < dims.NFreqs(); f++ {
				start := dims.Index(ch, f, 0)
				row := ep.Data[start : start+nt]
				ptp := slices.Max(row) - slices.Min(row)
				if (opts.PeakToPeak != nil && ptp > *opts.PeakToPeak) || (opts.Flat != nil && ptp < *opts.Flat) {
					responsible = append(responsible, name)
					break
				}
			}
		}

		if len(responsible) > 0 {
			ep.Good = false
			ep.Reason = strings.Join(responsible, ", ")
			rej.BadEpochs = append(rej.BadEpochs, ei)
			for _, name := range responsible {
				rej.Counts[name]++
			}
		}
	}

	limit := float64(len(epochs.Items)) * opts.PercentBad
	for _, name := range dims.Channels {
		if float64(rej.Counts[name]) > limit && rej.Counts[name] > 0 {
			rej.BadChannels = append(rej.BadChannels, name)
		}
	}

	return rej
}
