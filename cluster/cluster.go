// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package cluster implements the paired cluster-mass permutation test over
// channel, frequency and time.
package cluster

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
	"slices"

	"github.com/OpenPSG/erpkit/eeg"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

var (
	// ErrTooFewParticipants is returned when fewer than two paired observations are given.
	ErrTooFewParticipants = errors.New("cluster test needs at least two participants")
	// ErrShapeMismatch is returned when data does not match the grid.
	ErrShapeMismatch = errors.New("data does not match grid")
)

// Options configures the permutation test.
type Options struct {
	Threshold     float64 // Cluster-forming |t|; zero derives it from Alpha
	Alpha         float64 // Two-sided cluster-forming significance level
	NPermutations int     // Random sign flips drawn when exact enumeration is larger
	Seed          uint64
	Workers       int // Parallel permutation workers; zero uses GOMAXPROCS
	// SeparateTails references positive clusters to the null distribution of
	// positive maxima only, and negative clusters to negative maxima only.
	// By default both use the larger of the two.
	SeparateTails bool
}

// Cluster is one connected set of supra-threshold grid points.
type Cluster struct {
	ID     int     // 1, 2, ... for positive clusters, -1, -2, ... for negative ones
	Mass   float64 // Sum of t over the members
	P      float64
	Points []int // Flat grid offsets, ascending
}

// Result holds the outcome of one contrast.
type Result struct {
	Dims          eeg.Dims
	Stat          []float64 // Observed t per grid point
	ClusterID     []int     // Cluster of each point, 0 when unassigned
	P             []float64 // Cluster p-value of each point, 1 when unassigned
	Clusters      []Cluster // Positive clusters by ascending p, then negative ones
	Threshold     float64
	NPermutations int
	Exact         bool // Every sign-flip pattern was evaluated
}

// Test runs the paired test of a against b. a[i] and b[i] hold participant
// i's condition waveforms laid out on dims. adj must cover dims.Channels; nil
// treats channels as unconnected.
func Test(ctx context.Context, a, b [][]float64, dims eeg.Dims, adj *eeg.Adjacency, opts Options) (*Result, error) {
	n := len(a)
	if n != len(b) {
		return nil, fmt.Errorf("%w: %d and %d participants", ErrShapeMismatch, len(a), len(b))
	}
	if n < 2 {
		return nil, ErrTooFewParticipants
	}

	size := dims.Size()
	diffs := make([][]float64, n)
	for i := range a {
		if len(a[i]) != size || len(b[i]) != size {
			return nil, fmt.Errorf("%w: participant %d has %d and %d values for %d grid points", ErrShapeMismatch, i, len(a[i]), len(b[i]), size)
		}
		diffs[i] = make([]float64, size)
		for p := range diffs[i] {
			diffs[i][p] = a[i][p] - b[i][p]
		}
	}

	lat, err := newLattice(dims, adj)
	if err != nil {
		return nil, err
	}

	threshold := opts.Threshold
	if threshold <= 0 {
		alpha := opts.Alpha
		if alpha <= 0 || alpha >= 1 {
			return nil, fmt.Errorf("invalid cluster-forming alpha %g", alpha)
		}
		threshold = distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(n - 1)}.Quantile(1 - alpha/2)
	}

	res := &Result{
		Dims:      dims,
		Stat:      make([]float64, size),
		ClusterID: make([]int, size),
		P:         make([]float64, size),
		Threshold: threshold,
	}
	for p := range res.P {
		res.P[p] = 1
	}

	ones := make([]float64, n)
	for i := range ones {
		ones[i] = 1
	}
	tmap(diffs, ones, res.Stat, make([]float64, n))

	patterns, exact := signFlips(n, opts.NPermutations, opts.Seed)
	res.NPermutations = len(patterns)
	res.Exact = exact
	if len(patterns) == 0 {
		return nil, errors.New("no permutations requested")
	}

	pos := lat.clusters(res.Stat, threshold, 1)
	neg := lat.clusters(res.Stat, threshold, -1)
	if len(pos) == 0 && len(neg) == 0 {
		return res, nil
	}

	nullPos, nullNeg, err := nullDistribution(ctx, lat, diffs, patterns, threshold, opts.Workers)
	if err != nil {
		return nil, err
	}

	nullFor := func(sign float64) []float64 {
		if opts.SeparateTails {
			if sign > 0 {
				return nullPos
			}
			return nullNeg
		}
		combined := make([]float64, len(nullPos))
		for k := range combined {
			combined[k] = math.Max(nullPos[k], nullNeg[k])
		}
		return combined
	}

	label := func(members [][]int, sign float64) {
		null := nullFor(sign)
		clusters := make([]Cluster, len(members))
		for i, pts := range members {
			var mass float64
			for _, p := range pts {
				mass += res.Stat[p]
			}
			exceed := 0
			for _, m := range null {
				if m >= math.Abs(mass) {
					exceed++
				}
			}
			clusters[i] = Cluster{
				Mass:   mass,
				P:      float64(1+exceed) / float64(len(null)+1),
				Points: pts,
			}
		}

		slices.SortStableFunc(clusters, func(x, y Cluster) int {
			return cmp.Or(
				cmp.Compare(x.P, y.P),
				cmp.Compare(math.Abs(y.Mass), math.Abs(x.Mass)),
				cmp.Compare(x.Points[0], y.Points[0]),
			)
		})

		for i := range clusters {
			clusters[i].ID = (i + 1) * int(sign)
			for _, p := range clusters[i].Points {
				res.ClusterID[p] = clusters[i].ID
				res.P[p] = clusters[i].P
			}
		}
		res.Clusters = append(res.Clusters, clusters...)
	}
	label(pos, 1)
	label(neg, -1)

	return res, nil
}

// tmap computes the one-sample t statistic of the sign-flipped differences at
// every grid point. Zero variance yields ±Inf, or 0 when the mean is zero too.
func tmap(diffs [][]float64, signs, out, buf []float64) {
	n := float64(len(diffs))
	for p := range out {
		for i, d := range diffs {
			buf[i] = signs[i] * d[p]
		}
		mean, std := stat.MeanStdDev(buf, nil)
		switch {
		case std > 0:
			out[p] = mean / (std / math.Sqrt(n))
		case mean > 0:
			out[p] = math.Inf(1)
		case mean < 0:
			out[p] = math.Inf(-1)
		default:
			out[p] = 0
		}
	}
}

// maxExact is the largest participant count for which exact enumeration is considered.
const maxExact = 30

// signFlips returns the sign patterns of the null distribution. When every
// non-identity pattern fits within n permutations they are enumerated
// exhaustively, otherwise n patterns are drawn from a generator seeded with
// seed. Patterns are produced up front so results do not depend on scheduling.
func signFlips(participants, n int, seed uint64) ([][]float64, bool) {
	if participants <= maxExact && (1<<participants)-1 <= n {
		total := 1<<participants - 1
		patterns := make([][]float64, total)
		for k := range patterns {
			mask := k + 1
			signs := make([]float64, participants)
			for i := range signs {
				signs[i] = 1
				if mask&(1<<i) != 0 {
					signs[i] = -1
				}
			}
			patterns[k] = signs
		}
		return patterns, true
	}

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	patterns := make([][]float64, n)
	for k := range patterns {
		signs := make([]float64, participants)
		for i := range signs {
			signs[i] = 1
			if rng.IntN(2) == 1 {
				signs[i] = -1
			}
		}
		patterns[k] = signs
	}
	return patterns, false
}

// nullDistribution evaluates every pattern and returns, per pattern, the
// largest positive and the largest negative cluster mass in absolute value.
// Each pattern owns its output slot, so workers share no state.
func nullDistribution(ctx context.Context, lat *lattice, diffs [][]float64, patterns [][]float64, threshold float64, workers int) ([]float64, []float64, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	nullPos := make([]float64, len(patterns))
	nullNeg := make([]float64, len(patterns))

	chunk := max(1, (len(patterns)+workers*4-1)/(workers*4))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for start := 0; start < len(patterns); start += chunk {
		end := min(start+chunk, len(patterns))
		g.Go(func() error {
			t := make([]float64, lat.dims.Size())
			buf := make([]float64, len(diffs))
			scratch := lat.scratch()
			for k := start; k < end; k++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				tmap(diffs, patterns[k], t, buf)
				nullPos[k] = lat.maxMass(t, threshold, 1, scratch)
				nullNeg[k] = lat.maxMass(t, threshold, -1, scratch)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return nullPos, nullNeg, nil
}

// Row is one grid point of a test result in long format.
type Row struct {
	Channel   string
	Freq      float64 // NaN for data without frequencies
	Time      float64
	T         float64
	ClusterID int
	P         float64
}

// Rows lists every grid point in (channel, frequency, time) order.
func (r *Result) Rows() []Row {
	rows := make([]Row, 0, len(r.Stat))
	for p := range r.Stat {
		ch, f, t := r.Dims.Coords(p)
		freq := math.NaN()
		if len(r.Dims.Freqs) > 0 {
			freq = r.Dims.Freqs[f]
		}
		rows = append(rows, Row{
			Channel:   r.Dims.Channels[ch],
			Freq:      freq,
			Time:      r.Dims.Times[t],
			T:         r.Stat[p],
			ClusterID: r.ClusterID[p],
			P:         r.P[p],
		})
	}
	return rows
}
