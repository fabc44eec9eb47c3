// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package pipeline

import "fmt"

// Stage is a step of the per-participant state machine.
type Stage int

const (
	StageLoad Stage = iota
	StageReference
	StageEpoch
	StageMatch
	StageReject
	StageExtract
	StageAverage
	StageTFR
	StageWrite
	StageDone
)

var stageNames = [...]string{
	StageLoad:      "load",
	StageReference: "reference",
	StageEpoch:     "epoch",
	StageMatch:     "match",
	StageReject:    "reject",
	StageExtract:   "extract",
	StageAverage:   "average",
	StageTFR:       "tfr",
	StageWrite:     "write",
	StageDone:      "done",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// StageError attributes a participant failure to the stage it happened in.
type StageError struct {
	Participant string
	Stage       Stage
	Err         error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("participant %s failed during %s: %v", e.Participant, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
