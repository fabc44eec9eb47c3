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
	"errors"
	"slices"
	"time"

	"github.com/OpenPSG/erpkit/internal/natural"
	"github.com/google/uuid"
	"github.com/montanaflynn/stats"
)

// Failure records a participant that was skipped.
type Failure struct {
	Participant string `json:"participant"`
	Stage       string `json:"stage"`
	Error       string `json:"error"`
}

// ContrastError records a contrast whose test could not be computed.
type ContrastError struct {
	Contrast string `json:"contrast"`
	TFR      bool   `json:"tfr"`
	Error    string `json:"error"`
}

// ParticipantSummary holds the bookkeeping of one processed participant.
type ParticipantSummary struct {
	ID              string   `json:"id"`
	Epochs          int      `json:"epochs"`
	RejectedEpochs  []int    `json:"rejected_epochs"`
	BadChannels     []string `json:"bad_channels"`
	AutoBadChannels []string `json:"auto_bad_channels"`
	SkippedRows     []int    `json:"skipped_log_rows"`
	UnmatchedRows   []int    `json:"unmatched_log_rows"`
	Warnings        []string `json:"warnings,omitempty"`
}

// Description summarizes a per-participant count across the group.
type Description struct {
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// Summary describes a finished run.
type Summary struct {
	RunID           string               `json:"run_id"`
	Started         time.Time            `json:"started"`
	Finished        time.Time            `json:"finished"`
	Participants    int                  `json:"participants"`
	Succeeded       int                  `json:"succeeded"`
	Failures        []Failure            `json:"failures"`
	ContrastErrors  []ContrastError      `json:"contrast_errors"`
	Processed       []ParticipantSummary `json:"processed"`
	RejectedEpochs  *Description         `json:"rejected_epochs,omitempty"`
	AutoBadChannels *Description         `json:"auto_bad_channels,omitempty"`
}

func newSummary(runID string, participants int) *Summary {
	if runID == "" {
		runID = uuid.NewString()
	}
	return &Summary{
		RunID:          runID,
		Started:        time.Now().UTC(),
		Participants:   participants,
		Failures:       []Failure{},
		ContrastErrors: []ContrastError{},
		Processed:      []ParticipantSummary{},
	}
}

func (s *Summary) addFailure(id string, err error) {
	f := Failure{Participant: id, Stage: StageLoad.String(), Error: err.Error()}
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		f.Stage = stageErr.Stage.String()
		f.Error = stageErr.Err.Error()
	}
	s.Failures = append(s.Failures, f)
}

func (s *Summary) addParticipant(res *ParticipantResult) {
	ps := ParticipantSummary{
		ID:              res.ID,
		Epochs:          res.Epochs,
		RejectedEpochs:  nonNil(res.RejectedEpochs),
		BadChannels:     nonNil(res.BadChannels),
		AutoBadChannels: nonNil(res.AutoBadChannels),
		SkippedRows:     nonNil(res.Skipped),
		UnmatchedRows:   nonNil(res.Unmatched),
	}
	for _, w := range res.Warnings {
		ps.Warnings = append(ps.Warnings, w.Error())
	}
	s.Processed = append(s.Processed, ps)
	s.Succeeded++
}

func (s *Summary) finish() {
	slices.SortFunc(s.Failures, func(a, b Failure) int {
		return natural.Compare(a.Participant, b.Participant)
	})

	rejected := make(stats.Float64Data, len(s.Processed))
	bad := make(stats.Float64Data, len(s.Processed))
	for i, p := range s.Processed {
		rejected[i] = float64(len(p.RejectedEpochs))
		bad[i] = float64(len(p.AutoBadChannels))
	}
	s.RejectedEpochs = describe(rejected)
	s.AutoBadChannels = describe(bad)
	s.Finished = time.Now().UTC()
}

// describe returns nil for empty input.
func describe(data stats.Float64Data) *Description {
	if len(data) == 0 {
		return nil
	}
	var d Description
	var err error
	if d.Mean, err = stats.Mean(data); err != nil {
		return nil
	}
	if d.Median, err = stats.Median(data); err != nil {
		return nil
	}
	if d.Min, err = stats.Min(data); err != nil {
		return nil
	}
	if d.Max, err = stats.Max(data); err != nil {
		return nil
	}
	return &d
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
