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
	"errors"
	"fmt"
	"math"

	"github.com/OpenPSG/erpkit/eeg"
)

// tolerance absorbs floating point error when comparing sample times with window edges.
const tolerance = 1e-9

// Component is a named time window and channel set, optionally restricted to
// a frequency band, that reduces an epoch to one amplitude.
type Component struct {
	Name string
	TMin float64
	TMax float64
	ROI  []string
	FMin *float64
	FMax *float64
}

// Validate checks the definition independently of any data.
func (c Component) Validate() error {
	if c.Name == "" {
		return errors.New("component has no name")
	}
	if c.TMin > c.TMax {
		return fmt.Errorf("component %s: tmin %g is after tmax %g", c.Name, c.TMin, c.TMax)
	}
	if len(c.ROI) == 0 {
		return fmt.Errorf("component %s: empty region of interest", c.Name)
	}
	if c.FMin != nil && c.FMax != nil && *c.FMin > *c.FMax {
		return fmt.Errorf("component %s: fmin %g is above fmax %g", c.Name, *c.FMin, *c.FMax)
	}
	return nil
}

// Extract computes, for every component and every epoch, the mean value over
// the component's time window (inclusive), channels and frequency band. Bad
// epochs yield NaN. The result is indexed [component][epoch].
func Extract(epochs *eeg.Epochs, components []Component) ([][]float64, error) {
	dims := epochs.Dims
	out := make([][]float64, len(components))

	for ci, c := range components {
		if err := c.Validate(); err != nil {
			return nil, err
		}

		points, err := windowPoints(dims, c)
		if err != nil {
			return nil, err
		}

		values := make([]float64, len(epochs.Items))
		for ei, ep := range epochs.Items {
			if !ep.Good {
				values[ei] = math.NaN()
				continue
			}
			var sum float64
			for _, p := range points {
				sum += ep.Data[p]
			}
			values[ei] = sum / float64(len(points))
		}
		out[ci] = values
	}

	return out, nil
}

// windowPoints lists the flat grid offsets covered by a component.
func windowPoints(dims eeg.Dims, c Component) ([]int, error) {
	channels := make([]int, len(c.ROI))
	for i, name := range c.ROI {
		ch, err := dims.ChannelIndex(name, "component "+c.Name)
		if err != nil {
			return nil, err
		}
		channels[i] = ch
	}

	var times []int
	for i, t := range dims.Times {
		if t >= c.TMin-tolerance && t <= c.TMax+tolerance {
			times = append(times, i)
		}
	}
	if len(times) == 0 {
		return nil, fmt.Errorf("component %s: window %g..%g s contains no samples", c.Name, c.TMin, c.TMax)
	}

	var freqs []int
	if len(dims.Freqs) == 0 {
		if c.FMin != nil || c.FMax != nil {
			return nil, fmt.Errorf("component %s: frequency band requested on data without frequencies", c.Name)
		}
		freqs = []int{0}
	} else {
		for i, f := range dims.Freqs {
			if (c.FMin == nil || f >= *c.FMin-tolerance) && (c.FMax == nil || f <= *c.FMax+tolerance) {
				freqs = append(freqs, i)
			}
		}
		if len(freqs) == 0 {
			return nil, fmt.Errorf("component %s: frequency band contains no frequencies", c.Name)
		}
	}

	points := make([]int, 0, len(channels)*len(freqs)*len(times))
	for _, ch := range channels {
		for _, f := range freqs {
			for _, t := range times {
				points = append(points, dims.Index(ch, f, t))
			}
		}
	}
	return points, nil
}
