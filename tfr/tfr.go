// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package tfr computes single-trial time-frequency power with Morlet wavelets.
package tfr

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	"github.com/OpenPSG/erpkit/eeg"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
)

// tolerance absorbs floating point error when comparing sample times with window edges.
const tolerance = 1e-9

// Options configures the wavelet transform.
type Options struct {
	Freqs  []float64 // Wavelet center frequencies in Hz
	Cycles []float64 // Cycles per wavelet, one per frequency
	// Baseline window in seconds for percent change normalization. Nil bounds
	// extend to the epoch edges; a nil window disables normalization.
	BaselineStart *float64
	BaselineEnd   *float64
	NoBaseline    bool
}

// Validate checks the options independently of any data.
func (o Options) Validate() error {
	if len(o.Freqs) == 0 {
		return errors.New("no frequencies requested")
	}
	if len(o.Cycles) != len(o.Freqs) {
		return fmt.Errorf("%d cycle counts for %d frequencies", len(o.Cycles), len(o.Freqs))
	}
	for i, f := range o.Freqs {
		if f <= 0 {
			return fmt.Errorf("frequency %g must be positive", f)
		}
		if o.Cycles[i] <= 0 {
			return fmt.Errorf("cycle count %g must be positive", o.Cycles[i])
		}
	}
	return nil
}

// Power convolves every good epoch with one Morlet wavelet per frequency and
// returns baseline-relative power, (P-B)/B, on a (channel, frequency, time)
// grid. Bad epochs keep their place with NaN power.
func Power(epochs *eeg.Epochs, sampleRate float64, opts Options) (*eeg.Epochs, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if len(epochs.Dims.Freqs) > 0 {
		return nil, errors.New("epochs already hold time-frequency data")
	}

	in := epochs.Dims
	nt := len(in.Times)
	out := eeg.Dims{Channels: in.Channels, Freqs: opts.Freqs, Times: in.Times}

	var baseline []int
	if !opts.NoBaseline {
		for i, t := range in.Times {
			if (opts.BaselineStart == nil || t >= *opts.BaselineStart-tolerance) && (opts.BaselineEnd == nil || t <= *opts.BaselineEnd+tolerance) {
				baseline = append(baseline, i)
			}
		}
		if len(baseline) == 0 {
			return nil, errors.New("time-frequency baseline contains no samples")
		}
	}

	wavelets := make([][]complex128, len(opts.Freqs))
	longest := 0
	for i, f := range opts.Freqs {
		wavelets[i] = morlet(f, opts.Cycles[i], sampleRate)
		longest = max(longest, len(wavelets[i]))
	}

	size := nt + longest - 1
	fft := fourier.NewCmplxFFT(size)
	kernels := make([][]complex128, len(wavelets))
	for i, w := range wavelets {
		padded := make([]complex128, size)
		copy(padded, w)
		kernels[i] = fft.Coefficients(nil, padded)
	}

	result := &eeg.Epochs{Dims: out, Items: make([]eeg.Epoch, len(epochs.Items))}
	signal := make([]complex128, size)
	spectrum := make([]complex128, size)
	product := make([]complex128, size)
	conv := make([]complex128, size)

	for ei, ep := range epochs.Items {
		data := make([]float64, out.Size())
		result.Items[ei] = eeg.Epoch{Event: ep.Event, Data: data, Good: ep.Good, Reason: ep.Reason}
		if !ep.Good {
			for i := range data {
				data[i] = math.NaN()
			}
			continue
		}

		for ch := range in.Channels {
			clear(signal)
			start := in.Index(ch, 0, 0)
			for t, v := range ep.Data[start : start+nt] {
				signal[t] = complex(v, 0)
			}
			fft.Coefficients(spectrum, signal)

			for fi, w := range wavelets {
				for k := range product {
					product[k] = spectrum[k] * kernels[fi][k]
				}
				fft.Sequence(conv, product)

				half := len(w) / 2
				row := data[out.Index(ch, fi, 0) : out.Index(ch, fi, 0)+nt]
				for t := range row {
					c := conv[t+half] / complex(float64(size), 0)
					row[t] = real(c)*real(c) + imag(c)*imag(c)
				}

				if len(baseline) > 0 {
					var b float64
					for _, t := range baseline {
						b += row[t]
					}
					b /= float64(len(baseline))
					for t := range row {
						row[t] = (row[t] - b) / b
					}
				}
			}
		}
	}

	return result, nil
}

// morlet returns a complex Morlet wavelet spanning five standard deviations
// on either side of its center, normalized to unit energy.
func morlet(freq, cycles, sampleRate float64) []complex128 {
	sigma := cycles / (2 * math.Pi * freq)
	half := int(math.Ceil(5 * sigma * sampleRate))
	w := make([]complex128, 2*half+1)
	norms := make([]float64, len(w))
	for i := range w {
		t := float64(i-half) / sampleRate
		w[i] = cmplx.Exp(complex(0, 2*math.Pi*freq*t)) * complex(math.Exp(-t*t/(2*sigma*sigma)), 0)
		norms[i] = cmplx.Abs(w[i])
	}

	norm := math.Sqrt(0.5) * floats.Norm(norms, 2)
	for i := range w {
		w[i] /= complex(norm, 0)
	}
	return w
}

// SubtractEvoked removes from every epoch the mean of the good epochs that
// share its group label, leaving induced activity. A nil labels slice treats
// all epochs as one group. Bad epochs do not contribute but are corrected too.
func SubtractEvoked(epochs *eeg.Epochs, labels []string) error {
	if labels != nil && len(labels) != len(epochs.Items) {
		return fmt.Errorf("%d labels for %d epochs", len(labels), len(epochs.Items))
	}

	label := func(i int) string {
		if labels == nil {
			return ""
		}
		return labels[i]
	}

	sums := make(map[string][]float64)
	counts := make(map[string]int)
	for i, ep := range epochs.Items {
		if !ep.Good {
			continue
		}
		sum, ok := sums[label(i)]
		if !ok {
			sum = make([]float64, len(ep.Data))
			sums[label(i)] = sum
		}
		floats.Add(sum, ep.Data)
		counts[label(i)]++
	}

	for l, sum := range sums {
		floats.Scale(1/float64(counts[l]), sum)
	}

	for i := range epochs.Items {
		if mean, ok := sums[label(i)]; ok {
			floats.Sub(epochs.Items[i].Data, mean)
		}
	}

	return nil
}
