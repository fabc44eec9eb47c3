// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package output writes the tables and reports produced by a run.
package output

import (
	"encoding/csv"
	"io"
	"math"
	"strconv"

	"github.com/OpenPSG/erpkit/eeg"
	"github.com/OpenPSG/erpkit/pipeline"
	"github.com/OpenPSG/erpkit/trials"
)

// NA marks missing values in CSV tables.
const NA = "NA"

// formatValue renders a measured value with four decimals.
func formatValue(v float64) string {
	switch {
	case math.IsNaN(v):
		return NA
	case math.IsInf(v, 1):
		return "Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	}
	return strconv.FormatFloat(v, 'f', 4, 64)
}

// formatCoord renders a time or frequency coordinate in its shortest form.
func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// WriteTrials writes the single-trial table: participant, log columns and
// one amplitude column per component.
func WriteTrials(w io.Writer, t *trials.Table) error {
	cw := csv.NewWriter(w)

	header := append([]string{"participant_id"}, t.Columns...)
	header = append(header, t.Components...)
	if err := cw.Write(header); err != nil {
		return err
	}

	record := make([]string, len(header))
	for _, row := range t.Rows {
		record = record[:0]
		record = append(record, row.Participant)
		record = append(record, row.Values...)
		for len(record) < 1+len(t.Columns) {
			record = append(record, NA)
		}
		for _, a := range row.Amplitudes {
			record = append(record, formatValue(a))
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

// WriteEvokeds writes condition averages in long format. The participant_id
// column is left out when no evoked belongs to a participant, as for grand
// averages, and a freq column is added for time-frequency data.
func WriteEvokeds(w io.Writer, evokeds []eeg.Evoked) error {
	withParticipant := false
	withFreq := false
	for _, ev := range evokeds {
		withParticipant = withParticipant || ev.Participant != ""
		withFreq = withFreq || len(ev.Dims.Freqs) > 0
	}

	var header []string
	if withParticipant {
		header = append(header, "participant_id")
	}
	header = append(header, "average_by", "condition", "channel", "time")
	if withFreq {
		header = append(header, "freq")
	}
	header = append(header, "amplitude")

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}

	record := make([]string, 0, len(header))
	for _, ev := range evokeds {
		dims := ev.Dims
		for p, v := range ev.Data {
			ch, f, t := dims.Coords(p)
			record = record[:0]
			if withParticipant {
				record = append(record, ev.Participant)
			}
			record = append(record, ev.Grouping, ev.Label, dims.Channels[ch], formatCoord(dims.Times[t]))
			if withFreq {
				freq := NA
				if len(dims.Freqs) > 0 {
					freq = formatCoord(dims.Freqs[f])
				}
				record = append(record, freq)
			}
			record = append(record, formatValue(v))
			if err := cw.Write(record); err != nil {
				return err
			}
		}
	}

	cw.Flush()
	return cw.Error()
}

// WriteClusters writes the point-wise results of the cluster tests. Points
// outside every cluster have an empty cluster_id.
func WriteClusters(w io.Writer, results []pipeline.ContrastResult) error {
	withFreq := false
	for _, res := range results {
		withFreq = withFreq || len(res.Result.Dims.Freqs) > 0
	}

	header := []string{"contrast", "time"}
	if withFreq {
		header = append(header, "freq")
	}
	header = append(header, "channel", "t_obs", "cluster_id", "p_val")

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}

	record := make([]string, 0, len(header))
	for _, res := range results {
		label := res.Contrast.Label()
		for _, row := range res.Result.Rows() {
			record = append(record[:0], label, formatCoord(row.Time))
			if withFreq {
				freq := NA
				if !math.IsNaN(row.Freq) {
					freq = formatCoord(row.Freq)
				}
				record = append(record, freq)
			}
			id := ""
			if row.ClusterID != 0 {
				id = strconv.Itoa(row.ClusterID)
			}
			record = append(record, row.Channel, formatValue(row.T), id, formatValue(row.P))
			if err := cw.Write(record); err != nil {
				return err
			}
		}
	}

	cw.Flush()
	return cw.Error()
}
