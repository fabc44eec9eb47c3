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
	"slices"

	"github.com/OpenPSG/erpkit/eeg"
)

// lattice connects grid points that share a channel and are adjacent in time
// or frequency, and points at the same time and frequency on neighboring
// channels.
type lattice struct {
	dims      eeg.Dims
	neighbors [][]int // Higher-numbered neighbors of each channel
}

func newLattice(dims eeg.Dims, adj *eeg.Adjacency) (*lattice, error) {
	lat := &lattice{dims: dims, neighbors: make([][]int, len(dims.Channels))}
	if adj == nil {
		return lat, nil
	}

	if !slices.Equal(adj.Channels(), dims.Channels) {
		var err error
		if adj, err = adj.Subset(dims.Channels); err != nil {
			return nil, err
		}
	}

	for ch := range dims.Channels {
		for _, n := range adj.Neighbors(ch) {
			if n > ch {
				lat.neighbors[ch] = append(lat.neighbors[ch], n)
			}
		}
	}
	return lat, nil
}

// unionFind is a disjoint-set forest over grid points; -1 marks points
// outside every set.
type unionFind struct {
	parent []int
	mass   []float64
}

func (lat *lattice) scratch() *unionFind {
	return &unionFind{
		parent: make([]int, lat.dims.Size()),
		mass:   make([]float64, lat.dims.Size()),
	}
}

func (u *unionFind) find(p int) int {
	for u.parent[p] != p {
		u.parent[p] = u.parent[u.parent[p]]
		p = u.parent[p]
	}
	return p
}

func (u *unionFind) union(p, q int) {
	if u.parent[q] < 0 {
		return
	}
	rp, rq := u.find(p), u.find(q)
	if rp == rq {
		return
	}
	if rp > rq {
		rp, rq = rq, rp
	}
	u.parent[rq] = rp
}

// connect builds the components of the points where sign*t exceeds threshold.
func (lat *lattice) connect(t []float64, threshold, sign float64, u *unionFind) {
	for p, v := range t {
		u.parent[p] = -1
		if sign*v > threshold {
			u.parent[p] = p
		}
	}

	nt := len(lat.dims.Times)
	nf := lat.dims.NFreqs()
	for p := range t {
		if u.parent[p] < 0 {
			continue
		}
		ch, f, ti := lat.dims.Coords(p)
		if ti+1 < nt {
			u.union(p, p+1)
		}
		if f+1 < nf {
			u.union(p, p+nt)
		}
		for _, n := range lat.neighbors[ch] {
			u.union(p, lat.dims.Index(n, f, ti))
		}
	}
}

// clusters returns the members of every component, ordered by their first point.
func (lat *lattice) clusters(t []float64, threshold, sign float64) [][]int {
	u := lat.scratch()
	lat.connect(t, threshold, sign, u)

	index := make(map[int]int)
	var out [][]int
	for p := range t {
		if u.parent[p] < 0 {
			continue
		}
		root := u.find(p)
		i, ok := index[root]
		if !ok {
			i = len(out)
			index[root] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], p)
	}
	return out
}

// maxMass returns the largest absolute cluster mass, or 0 without clusters.
func (lat *lattice) maxMass(t []float64, threshold, sign float64, u *unionFind) float64 {
	lat.connect(t, threshold, sign, u)

	for p := range u.mass {
		u.mass[p] = 0
	}
	var best float64
	for p, v := range t {
		if u.parent[p] < 0 {
			continue
		}
		root := u.find(p)
		u.mass[root] += sign * v
		best = max(best, u.mass[root])
	}
	return best
}
