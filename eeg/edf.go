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
	"fmt"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/OpenPSG/erpkit/edf"
)

// eventCode extracts the trailing trigger number of an annotation such as "Stimulus/S 11".
var eventCode = regexp.MustCompile(`(-?\d+)\s*$`)

// microvoltScale maps EDF physical dimensions to the factor that converts them to microvolts.
var microvoltScale = map[string]float64{
	"v":  1e6,
	"mv": 1e3,
	"uv": 1,
	"µv": 1,
	"μv": 1,
	"nv": 1e-3,
}

// LoadEDF reads a continuous recording from an EDF/EDF+ file. Every ordinary
// signal must share one sample rate. Annotations ending in an integer become events.
func LoadEDF(path string) (*Raw, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening recording: %w", err)
	}
	defer f.Close()

	er, err := edf.Open(f)
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", path, err)
	}

	hdr := er.Header()
	if hdr.DataRecords < 0 {
		return nil, fmt.Errorf("recording %s was not finalized", path)
	}
	if hdr.DataRecordDuration <= 0 {
		return nil, fmt.Errorf("recording %s has no data record duration", path)
	}

	raw := &Raw{Start: hdr.StartTime}
	for i, signal := range hdr.Signals {
		if signal.IsAnnotation() {
			continue
		}

		rate := float64(signal.SamplesPerRecord) / hdr.DataRecordDuration.Seconds()
		if raw.SampleRate == 0 {
			raw.SampleRate = rate
		} else if rate != raw.SampleRate {
			return nil, fmt.Errorf("signal %q has sample rate %g Hz, expected %g Hz", signal.Label, rate, raw.SampleRate)
		}

		sr, err := er.Signal(i)
		if err != nil {
			return nil, err
		}

		samples := make([]float64, signal.SamplesPerRecord*hdr.DataRecords)
		if n, err := sr.Read(samples); err != nil && n != len(samples) {
			return nil, fmt.Errorf("error reading signal %q: %w", signal.Label, err)
		}

		if scale, ok := microvoltScale[strings.ToLower(signal.PhysicalDimension)]; ok && scale != 1 {
			for j := range samples {
				samples[j] *= scale
			}
		}

		raw.Channels = append(raw.Channels, signal.Label)
		raw.Data = append(raw.Data, samples)
	}

	annotations, err := er.Annotations()
	if err != nil {
		return nil, fmt.Errorf("error reading annotations of %s: %w", path, err)
	}
	for _, a := range annotations {
		m := eventCode.FindStringSubmatch(a.Text)
		if m == nil {
			continue
		}
		code, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		raw.Events = append(raw.Events, Event{Onset: a.Onset.Seconds(), Code: code})
	}

	return raw, nil
}

// maxRecordBytes mirrors the data record size limit enforced by the EDF writer.
const maxRecordBytes = 61440

// SaveEDF writes a continuous recording as EDF+ with its events stored as
// annotations. The sample rate must be a whole number of Hz; the final data
// record is zero padded.
func SaveEDF(path string, raw *Raw) error {
	if raw.SampleRate <= 0 || raw.SampleRate != math.Round(raw.SampleRate) {
		return fmt.Errorf("cannot store sample rate %g Hz in EDF", raw.SampleRate)
	}
	rate := int(raw.SampleRate)

	tals := make([]string, len(raw.Events))
	var talBytes, longest int
	for i, ev := range raw.Events {
		tals[i] = fmt.Sprintf("+%s\x14%d\x14\x00", strconv.FormatFloat(ev.Onset, 'f', -1, 64), ev.Code)
		talBytes += len(tals[i])
		longest = max(longest, len(tals[i]))
	}

	// Shorten the data record until it fits.
	var perRecord, annotationSamples, records int
	for k := 1; ; k++ {
		if k > rate {
			return fmt.Errorf("cannot fit %d channels into an EDF data record", len(raw.Channels))
		}
		if rate%k != 0 || len(strconv.FormatFloat(1/float64(k), 'f', -1, 64)) > 8 {
			continue
		}

		perRecord = rate / k
		records = max(1, (raw.Samples()+perRecord-1)/perRecord)
		annotationBytes := (talBytes+records-1)/records + longest + 24
		annotationSamples = (annotationBytes + 1) / 2
		if len(raw.Channels)*perRecord*2+annotationSamples*2 <= maxRecordBytes {
			break
		}
	}

	signals := make([]edf.Signal, 0, len(raw.Channels)+1)
	for i, ch := range raw.Channels {
		lo, hi := physicalRange(raw.Data[i])
		signals = append(signals, edf.Signal{
			Label:             ch,
			TransducerType:    "EEG",
			PhysicalDimension: "uV",
			PhysicalMin:       lo,
			PhysicalMax:       hi,
			DigitalMin:        -32768,
			DigitalMax:        32767,
			SamplesPerRecord:  perRecord,
		})
	}
	signals = append(signals, edf.Signal{
		Label:            edf.AnnotationsLabel,
		PhysicalMin:      -1,
		PhysicalMax:      1,
		DigitalMin:       -32768,
		DigitalMax:       32767,
		SamplesPerRecord: annotationSamples,
	})

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", path, err)
	}
	defer f.Close()

	ew, err := edf.Create(f, edf.Header{
		Version:            edf.Version0,
		PatientID:          "X X X X",
		RecordingID:        "Startdate X X X X",
		StartTime:          raw.Start,
		Reserved:           edf.ReservedContinuous,
		DataRecordDuration: time.Duration(perRecord) * time.Second / time.Duration(rate),
		Signals:            signals,
	})
	if err != nil {
		return err
	}

	for _, ev := range raw.Events {
		ew.Annotate(edf.Annotation{
			Onset: time.Duration(math.Round(ev.Onset * float64(time.Second))),
			Text:  strconv.Itoa(ev.Code),
		})
	}

	record := make([][]float64, len(raw.Channels))
	for r := 0; r < records; r++ {
		for ch := range raw.Channels {
			chunk := make([]float64, perRecord)
			from := r * perRecord
			if from < len(raw.Data[ch]) {
				copy(chunk, raw.Data[ch][from:min(from+perRecord, len(raw.Data[ch]))])
			}
			record[ch] = chunk
		}
		if err := ew.WriteRecord(record); err != nil {
			return fmt.Errorf("error writing data record %d: %w", r, err)
		}
	}

	if err := ew.Close(); err != nil {
		return err
	}

	return f.Close()
}

// physicalRange returns a whole-microvolt calibration range covering the data.
func physicalRange(samples []float64) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range samples {
		if math.IsNaN(v) {
			continue
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if math.IsInf(lo, 1) {
		return -1, 1
	}
	lo, hi = math.Floor(lo)-1, math.Ceil(hi)+1
	return lo, hi
}
