// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package cluster

import (
	"github.com/OpenPSG/erpkit/eeg"
)

// tolerance absorbs floating point error when comparing sample times with window edges.
const tolerance = 1e-9

// Window restricts the tested grid. Time is cropped to [TMin, TMax), frequency
// to [FMin, FMax]; nil bounds and an empty channel list keep the full axis.
type Window struct {
	TMin     *float64
	TMax     *float64
	FMin     *float64
	FMax     *float64
	Channels []string
}

// Selection maps a cropped grid back onto the full one.
type Selection struct {
	Dims   eeg.Dims
	points []int
}

// Crop returns the sub-grid selected by w.
func Crop(dims eeg.Dims, w Window) (*Selection, error) {
	channels := make([]int, 0, len(dims.Channels))
	if len(w.Channels) == 0 {
		for i := range dims.Channels {
			channels = append(channels, i)
		}
	} else {
		for _, name := range w.Channels {
			i, err := dims.ChannelIndex(name, "cluster test")
			if err != nil {
				return nil, err
			}
			channels = append(channels, i)
		}
	}

	var times []int
	for i, t := range dims.Times {
		if (w.TMin == nil || t >= *w.TMin-tolerance) && (w.TMax == nil || t < *w.TMax-tolerance) {
			times = append(times, i)
		}
	}

	freqs := []int{0}
	if len(dims.Freqs) > 0 {
		freqs = freqs[:0]
		for i, f := range dims.Freqs {
			if (w.FMin == nil || f >= *w.FMin-tolerance) && (w.FMax == nil || f <= *w.FMax+tolerance) {
				freqs = append(freqs, i)
			}
		}
	}

	sel := &Selection{}
	for _, ch := range channels {
		sel.Dims.Channels = append(sel.Dims.Channels, dims.Channels[ch])
	}
	for _, t := range times {
		sel.Dims.Times = append(sel.Dims.Times, dims.Times[t])
	}
	if len(dims.Freqs) > 0 {
		for _, f := range freqs {
			sel.Dims.Freqs = append(sel.Dims.Freqs, dims.Freqs[f])
		}
	}

	for _, ch := range channels {
		for _, f := range freqs {
			for _, t := range times {
				sel.points = append(sel.points, dims.Index(ch, f, t))
			}
		}
	}

	return sel, nil
}

// Apply extracts the selected points of data laid out on the full grid.
func (s *Selection) Apply(data []float64) []float64 {
	out := make([]float64, len(s.points))
	for i, p := range s.points {
		out[i] = data[p]
	}
	return out
}

// Empty reports whether the selection contains no grid points.
func (s *Selection) Empty() bool {
	return len(s.points) == 0
}
