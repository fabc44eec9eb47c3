// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package eeg

import (
	"errors"
	"fmt"
	"math"
	"os"
	"slices"

	"gonum.org/v1/gonum/graph/simple"
	"gopkg.in/yaml.v3"
)

// Adjacency is the channel neighbor graph of a sensor layout. Node IDs are
// channel indices.
type Adjacency struct {
	channels []string
	graph    *simple.UndirectedGraph
}

// NewAdjacency builds the neighbor graph of the given channels. Neighbor
// entries naming channels outside the montage are ignored, so a full layout
// can be applied to a reduced montage.
func NewAdjacency(channels []string, neighbors map[string][]string) *Adjacency {
	a := &Adjacency{
		channels: slices.Clone(channels),
		graph:    simple.NewUndirectedGraph(),
	}
	for i := range channels {
		a.graph.AddNode(simple.Node(i))
	}

	for ch, list := range neighbors {
		i := slices.Index(channels, ch)
		if i < 0 {
			continue
		}
		for _, n := range list {
			j := slices.Index(channels, n)
			if j < 0 || j == i {
				continue
			}
			a.graph.SetEdge(a.graph.NewEdge(simple.Node(i), simple.Node(j)))
		}
	}

	return a
}

// Position is a sensor location in head coordinates.
type Position [3]float64

// AdjacencyFromPositions connects every pair of channels whose sensors lie
// within distance of each other. Channels without a position are isolated.
func AdjacencyFromPositions(channels []string, positions map[string]Position, distance float64) *Adjacency {
	neighbors := make(map[string][]string)
	for i, a := range channels {
		pa, ok := positions[a]
		if !ok {
			continue
		}
		for _, b := range channels[i+1:] {
			pb, ok := positions[b]
			if !ok {
				continue
			}
			d := math.Sqrt((pa[0]-pb[0])*(pa[0]-pb[0]) + (pa[1]-pb[1])*(pa[1]-pb[1]) + (pa[2]-pb[2])*(pa[2]-pb[2]))
			if d <= distance {
				neighbors[a] = append(neighbors[a], b)
			}
		}
	}
	return NewAdjacency(channels, neighbors)
}

// LayoutFile is the YAML representation of a sensor layout. Either explicit
// neighbor lists or positions with a distance threshold may be given.
type LayoutFile struct {
	Neighbors map[string][]string   `yaml:"neighbors"`
	Positions map[string][3]float64 `yaml:"positions"`
	Distance  float64               `yaml:"distance"`
}

// LoadAdjacency reads a YAML sensor layout and builds the neighbor graph of
// the given channels.
func LoadAdjacency(path string, channels []string) (*Adjacency, error) {
	layout, err := ReadLayout(path)
	if err != nil {
		return nil, err
	}
	return layout.Adjacency(channels)
}

// ReadLayout parses a YAML sensor layout file.
func ReadLayout(path string) (*LayoutFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading layout file: %w", err)
	}

	var layout LayoutFile
	if err := yaml.Unmarshal(data, &layout); err != nil {
		return nil, fmt.Errorf("error parsing layout file %s: %w", path, err)
	}
	return &layout, nil
}

// Adjacency builds the neighbor graph of the given channels. Nil channels
// keep every channel the layout names, in sorted order.
func (l *LayoutFile) Adjacency(channels []string) (*Adjacency, error) {
	if channels == nil {
		channels = l.channels()
	}

	if len(l.Neighbors) > 0 {
		return NewAdjacency(channels, l.Neighbors), nil
	}
	if len(l.Positions) > 0 {
		if l.Distance <= 0 {
			return nil, errors.New("layout has positions but no distance")
		}
		positions := make(map[string]Position, len(l.Positions))
		for ch, p := range l.Positions {
			positions[ch] = Position(p)
		}
		return AdjacencyFromPositions(channels, positions, l.Distance), nil
	}

	return nil, errors.New("layout defines neither neighbors nor positions")
}

func (l *LayoutFile) channels() []string {
	var out []string
	for ch, list := range l.Neighbors {
		out = append(out, ch)
		out = append(out, list...)
	}
	for ch := range l.Positions {
		out = append(out, ch)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Channels returns the channel labels in node order.
func (a *Adjacency) Channels() []string {
	return slices.Clone(a.channels)
}

// Neighbors returns the sorted indices of the channels adjacent to channel i.
func (a *Adjacency) Neighbors(i int) []int {
	var out []int
	nodes := a.graph.From(int64(i))
	for nodes.Next() {
		out = append(out, int(nodes.Node().ID()))
	}
	slices.Sort(out)
	return out
}

// Subset returns the neighbor graph restricted to the given channels, in the
// given order.
func (a *Adjacency) Subset(channels []string) (*Adjacency, error) {
	neighbors := make(map[string][]string, len(channels))
	for _, ch := range channels {
		i := slices.Index(a.channels, ch)
		if i < 0 {
			return nil, &MissingChannelError{Channel: ch, Context: "channel adjacency"}
		}
		for _, n := range a.Neighbors(i) {
			neighbors[ch] = append(neighbors[ch], a.channels[n])
		}
	}
	return NewAdjacency(channels, neighbors), nil
}
