// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package pipeline runs the per-participant processing stages and the group
// level averaging and statistics.
package pipeline

import (
	"errors"
	"fmt"

	"github.com/OpenPSG/erpkit/averaging"
	"github.com/OpenPSG/erpkit/cluster"
	"github.com/OpenPSG/erpkit/eeg"
	"github.com/OpenPSG/erpkit/epoching"
	"github.com/OpenPSG/erpkit/tfr"
	"github.com/OpenPSG/erpkit/trials"
	"go.uber.org/zap"
)

// Options is the read-only configuration shared by all participant tasks.
type Options struct {
	Epochs           epoching.Options
	Triggers         []int          // Codes to epoch; empty epochs every event
	TriggerLabels    map[int]string // Condition labels when AverageBy is empty
	TriggerColumn    string
	SkipConditions   map[string][]string
	AverageReference bool
	Components       []trials.Component
	AverageBy        []averaging.Term
	TFR              *TFROptions // Nil disables time-frequency analysis
	Perm             PermOptions
	Workers          int // Concurrent participants and permutation workers; zero uses GOMAXPROCS
	Logger           *zap.Logger
	Sink             Sink   // Receives each participant's outputs once it has finished
	RunID            string // Identifies the run in outputs; generated when empty
}

// TFROptions configures the optional time-frequency branch.
type TFROptions struct {
	tfr.Options
	SubtractEvoked   bool
	SubtractEvokedBy *averaging.Term // Nil subtracts the evoked response of all trials
	Components       []trials.Component
	Window           cluster.Window // Crop applied before testing time-frequency contrasts
}

// Contrast names two condition labels to compare.
type Contrast struct {
	A string
	B string
}

// Label renders the contrast as used in output tables.
func (c Contrast) Label() string {
	return c.A + " - " + c.B
}

// PermOptions configures the group level cluster tests.
type PermOptions struct {
	Contrasts []Contrast
	Window    cluster.Window
	Adjacency *eeg.Adjacency // Nil treats channels as unconnected
	cluster.Options
}

// Sink persists per-participant outputs.
type Sink interface {
	WriteParticipant(res *ParticipantResult) error
}

// Validate checks the configuration before any participant is processed.
func (o *Options) Validate() error {
	var errs []error
	if err := o.Epochs.Validate(); err != nil {
		errs = append(errs, err)
	}

	names := make(map[string]bool)
	components := o.Components
	if o.TFR != nil {
		if err := o.TFR.Options.Validate(); err != nil {
			errs = append(errs, err)
		}
		components = append(append([]trials.Component{}, components...), o.TFR.Components...)
	}
	for _, c := range components {
		if err := c.Validate(); err != nil {
			errs = append(errs, err)
		}
		if names[c.Name] {
			errs = append(errs, fmt.Errorf("component %s is defined twice", c.Name))
		}
		names[c.Name] = true
	}

	for _, c := range o.Perm.Contrasts {
		if c.A == "" || c.B == "" || c.A == c.B {
			errs = append(errs, fmt.Errorf("invalid contrast %q", c.Label()))
		}
	}
	if len(o.Perm.Contrasts) > 0 && o.Perm.NPermutations <= 0 {
		errs = append(errs, errors.New("number of permutations must be positive"))
	}

	return errors.Join(errs...)
}

func (o *Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}
