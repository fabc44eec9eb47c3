// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package eeg holds the signal data model shared by the processing stages.
package eeg

import (
	"math"
	"slices"
	"time"
)

// Event is a trigger marker in a continuous recording.
type Event struct {
	Onset float64 // Seconds from the start of the recording
	Code  int     // Trigger code
}

// Raw is a continuous multi-channel recording in microvolts.
type Raw struct {
	SampleRate float64
	Channels   []string
	Data       [][]float64 // One row of samples per channel
	Events     []Event
	Start      time.Time // Recording start, zero when unknown
}

// Samples returns the number of samples per channel.
func (r *Raw) Samples() int {
	if len(r.Data) == 0 {
		return 0
	}
	return len(r.Data[0])
}

// ChannelIndex returns the index of the named channel, or -1.
func (r *Raw) ChannelIndex(name string) int {
	return slices.Index(r.Channels, name)
}

// SampleAt converts a time in seconds to the nearest sample index.
func (r *Raw) SampleAt(t float64) int {
	return int(math.Round(t * r.SampleRate))
}

// SelectEvents keeps the events whose code is listed, preserving order. An
// empty code list keeps every event.
func SelectEvents(events []Event, codes []int) []Event {
	selected := make([]Event, 0, len(events))
	for _, ev := range events {
		if len(codes) == 0 || slices.Contains(codes, ev.Code) {
			selected = append(selected, ev)
		}
	}
	return selected
}

// Dims describes the (channel, frequency, time) grid of epoched data. Freqs is
// empty for amplitude data, which then behaves as a single frequency bin.
type Dims struct {
	Channels []string
	Freqs    []float64
	Times    []float64
}

// NFreqs returns the number of frequency bins, at least one.
func (d Dims) NFreqs() int {
	if len(d.Freqs) == 0 {
		return 1
	}
	return len(d.Freqs)
}

// Size returns the number of grid points.
func (d Dims) Size() int {
	return len(d.Channels) * d.NFreqs() * len(d.Times)
}

// Index returns the flat offset of a grid point.
func (d Dims) Index(ch, f, t int) int {
	return (ch*d.NFreqs()+f)*len(d.Times) + t
}

// Coords is the inverse of Index.
func (d Dims) Coords(i int) (ch, f, t int) {
	nt := len(d.Times)
	t = i % nt
	i /= nt
	f = i % d.NFreqs()
	ch = i / d.NFreqs()
	return ch, f, t
}

// ChannelIndex returns the index of the named channel or a MissingChannelError.
func (d Dims) ChannelIndex(name, context string) (int, error) {
	i := slices.Index(d.Channels, name)
	if i < 0 {
		return -1, &MissingChannelError{Channel: name, Context: context}
	}
	return i, nil
}

// Equal reports whether two grids have the same axes.
func (d Dims) Equal(o Dims) bool {
	return slices.Equal(d.Channels, o.Channels) && slices.Equal(d.Freqs, o.Freqs) && slices.Equal(d.Times, o.Times)
}

// Epoch is one segment of signal anchored to a trigger event.
type Epoch struct {
	Event  Event
	Data   []float64 // Flat (channel, freq, time) values, see Dims.Index
	Good   bool
	Reason string // Why the epoch was rejected, empty when good
}

// Epochs is the ordered set of epochs of one participant. Every epoch shares
// the same grid, bad epochs included.
type Epochs struct {
	Dims  Dims
	Items []Epoch
}

// GoodCount returns the number of epochs that passed rejection.
func (e *Epochs) GoodCount() int {
	n := 0
	for _, ep := range e.Items {
		if ep.Good {
			n++
		}
	}
	return n
}

// Subset returns the epochs at the given positions, in that order.
func (e *Epochs) Subset(indices []int) *Epochs {
	out := &Epochs{Dims: e.Dims, Items: make([]Epoch, len(indices))}
	for i, idx := range indices {
		out.Items[i] = e.Items[idx]
	}
	return out
}

// Evoked is the mean of the good epochs of one condition for one participant,
// or of several participants for a grand average.
type Evoked struct {
	Participant string // Empty for grand averages
	Grouping    string // Condition grouping, e.g. "congruency" or "congruency/task"
	Label       string // Condition label, e.g. "incongruent/switch"
	Dims        Dims
	Data        []float64
	NAverages   int // Contributing trials, or participants for grand averages
}
