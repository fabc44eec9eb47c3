// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package output

import (
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/OpenPSG/erpkit/eeg"
	"github.com/OpenPSG/erpkit/pipeline"
	"github.com/OpenPSG/erpkit/trials"
)

// Dir writes the tables of a run as files. The per-participant directories
// are optional.
type Dir struct {
	Root       string
	TrialsDir  string // <participant>.csv single-trial tables
	EvokedsDir string // <participant>_ave.csv condition averages
	CleanDir   string // <participant>.edf re-referenced recordings
}

var _ pipeline.Sink = (*Dir)(nil)

// WriteParticipant writes the outputs of one finished participant. It is
// safe for concurrent use with distinct participants.
func (d *Dir) WriteParticipant(res *pipeline.ParticipantResult) error {
	var errs []error
	if d.TrialsDir != "" {
		errs = append(errs, writeFile(filepath.Join(d.TrialsDir, res.ID+".csv"), func(w io.Writer) error {
			return WriteTrials(w, res.Trials)
		}))
	}
	if d.EvokedsDir != "" {
		errs = append(errs, d.writeEvokeds(filepath.Join(d.EvokedsDir, res.ID+"_ave.csv"), res.Evokeds))
		if len(res.TFREvokeds) > 0 {
			errs = append(errs, d.writeEvokeds(filepath.Join(d.EvokedsDir, res.ID+"_tfr_ave.csv"), res.TFREvokeds))
		}
	}
	if d.CleanDir != "" && res.Raw != nil {
		errs = append(errs, d.writeClean(filepath.Join(d.CleanDir, res.ID+".edf"), res.Raw))
	}
	return errors.Join(errs...)
}

// WriteGroup writes the merged tables and the run summary to Root.
func (d *Dir) WriteGroup(group *pipeline.GroupResult) error {
	errs := []error{
		writeFile(d.path("trials.csv"), func(w io.Writer) error {
			t := group.Trials
			if t == nil {
				t = &trials.Table{}
			}
			return WriteTrials(w, t)
		}),
		d.writeEvokeds(d.path("ave.csv"), group.Evokeds),
		d.writeEvokeds(d.path("grand_ave.csv"), group.GrandAverages),
		writeFile(d.path("clusters.csv"), func(w io.Writer) error {
			return WriteClusters(w, group.Clusters)
		}),
	}
	if len(group.TFREvokeds) > 0 {
		errs = append(errs,
			d.writeEvokeds(d.path("tfr_ave.csv"), group.TFREvokeds),
			d.writeEvokeds(d.path("tfr_grand_ave.csv"), group.TFRGrandAverages),
			writeFile(d.path("tfr_clusters.csv"), func(w io.Writer) error {
				return WriteClusters(w, group.TFRClusters)
			}),
		)
	}
	errs = append(errs, WriteJSON(d.path("summary.json"), group.Summary))
	return errors.Join(errs...)
}

// WriteConfig records the effective configuration of the run.
func (d *Dir) WriteConfig(v any) error {
	return WriteJSON(d.path("config.json"), v)
}

func (d *Dir) path(name string) string {
	return filepath.Join(d.Root, name)
}

func (d *Dir) writeEvokeds(path string, evokeds []eeg.Evoked) error {
	return writeFile(path, func(w io.Writer) error {
		return WriteEvokeds(w, evokeds)
	})
}

// writeClean saves the recording next to its final name and renames it once
// the EDF writer has finished.
func (d *Dir) writeClean(path string, raw *eeg.Raw) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	if err := eeg.SaveEDF(tmp, raw); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
