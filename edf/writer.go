// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package edf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"
)

// maxRecordBytes is the largest data record recommended by the EDF standard.
const maxRecordBytes = 61440

// Writer writes EDF/EDF+ files.
type Writer struct {
	w           io.WriteSeeker
	hdr         *Header
	dataRecords int // Number of data records written so far.
	pending     []Annotation
}

// Create creates a new EDF writer that writes to the given writer.
func Create(w io.WriteSeeker, hdr Header) (*Writer, error) {
	if hdr.SignalCount == 0 {
		hdr.SignalCount = len(hdr.Signals)
	}
	if hdr.SignalCount != len(hdr.Signals) {
		return nil, fmt.Errorf("signal count %d does not match %d signal headers", hdr.SignalCount, len(hdr.Signals))
	}
	hdr.Signals = append([]Signal(nil), hdr.Signals...)
	hdr.DataRecords = -1 // Unknown number of data records (at this time).

	ew := &Writer{w: w, hdr: &hdr}

	if err := ew.writeHeader(); err != nil {
		return nil, fmt.Errorf("error writing header: %w", err)
	}

	return ew, nil
}

// Annotate queues an annotation. Queued annotations are stored in the
// annotation signals of the following data records, as many per record as fit.
func (ew *Writer) Annotate(a Annotation) {
	ew.pending = append(ew.pending, a)
}

// Close finalizes the EDF file by updating the header with the total number of data records.
func (ew *Writer) Close() error {
	if len(ew.pending) > 0 {
		return fmt.Errorf("%d annotations could not be stored in the written data records", len(ew.pending))
	}

	ew.hdr.DataRecords = ew.dataRecords
	if err := ew.writeHeader(); err != nil {
		return fmt.Errorf("error writing header: %w", err)
	}

	return nil
}

// WriteRecord writes a single data record to the EDF file. One slice of
// physical values is expected per ordinary signal, in header order; annotation
// signals are filled by the writer.
func (ew *Writer) WriteRecord(signals [][]float64) error {
	var ordinary, recordBytes int
	for _, signal := range ew.hdr.Signals {
		if !signal.IsAnnotation() {
			ordinary++
		}
		recordBytes += signal.SamplesPerRecord * 2
	}

	if len(signals) != ordinary {
		return fmt.Errorf("expected %d signals, got %d", ordinary, len(signals))
	}

	if recordBytes > maxRecordBytes {
		return fmt.Errorf("data record too large: %d bytes, max is %d bytes", recordBytes, maxRecordBytes)
	}

	record := make([]byte, 0, recordBytes)
	next := 0
	annotated := false
	for _, signal := range ew.hdr.Signals {
		if signal.IsAnnotation() {
			record = append(record, ew.annotationChunk(signal.SamplesPerRecord*2, !annotated)...)
			annotated = true
			continue
		}

		samples := signals[next]
		next++
		if len(samples) != signal.SamplesPerRecord {
			return fmt.Errorf("signal %q: expected %d samples, got %d", signal.Label, signal.SamplesPerRecord, len(samples))
		}
		for _, sample := range samples {
			digitalValue := convertPhysicalToDigital(sample, signal.PhysicalMin, signal.PhysicalMax, signal.DigitalMin, signal.DigitalMax)
			record = binary.LittleEndian.AppendUint16(record, uint16(digitalValue))
		}
	}

	writer := bufio.NewWriter(ew.w)
	if _, err := writer.Write(record); err != nil {
		return err
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	ew.dataRecords++
	return nil
}

// annotationChunk renders the annotation signal of the current record. The
// first annotation signal of every record starts with a time-keeping TAL.
func (ew *Writer) annotationChunk(size int, timekeeping bool) []byte {
	chunk := make([]byte, 0, size)
	if timekeeping {
		start := time.Duration(ew.dataRecords) * ew.hdr.DataRecordDuration
		chunk = append(chunk, formatOnset(start)...)
		chunk = append(chunk, talSeparator, talSeparator, 0)
	}

	written := 0
	for _, a := range ew.pending {
		tal := formatTAL(a)
		if len(chunk)+len(tal) > size {
			break
		}
		chunk = append(chunk, tal...)
		written++
	}
	ew.pending = ew.pending[written:]

	// Pad the remainder with zero bytes.
	for len(chunk) < size {
		chunk = append(chunk, 0)
	}

	return chunk[:size]
}

func formatTAL(a Annotation) []byte {
	tal := []byte(formatOnset(a.Onset))
	if a.Duration > 0 {
		tal = append(tal, talDuration)
		tal = strconv.AppendFloat(tal, a.Duration.Seconds(), 'f', -1, 64)
	}
	tal = append(tal, talSeparator)
	tal = append(tal, a.Text...)
	tal = append(tal, talSeparator, 0)
	return tal
}

func formatOnset(d time.Duration) string {
	s := strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
	if d >= 0 {
		s = "+" + s
	}
	return s
}

// writeHeader writes the EDF header to the start of the underlying writer.
func (ew *Writer) writeHeader() error {
	// Rewind to the beginning of the file.
	if _, err := ew.w.Seek(0, io.SeekStart); err != nil {
		return err
	}

	writer := bufio.NewWriter(ew.w)

	ew.hdr.HeaderBytes = 256 + (ew.hdr.SignalCount * 256)

	fixed := []string{
		fmt.Sprintf("%-8s", ew.hdr.Version),
		fmt.Sprintf("%-80s", ew.hdr.PatientID),
		fmt.Sprintf("%-80s", ew.hdr.RecordingID),
		fmt.Sprintf("%-8s", ew.hdr.StartTime.Format("02.01.06")),
		fmt.Sprintf("%-8s", ew.hdr.StartTime.Format("15.04.05")),
		fmt.Sprintf("%-8d", ew.hdr.HeaderBytes),
		fmt.Sprintf("%-44s", ew.hdr.Reserved),
		fmt.Sprintf("%-8d", ew.hdr.DataRecords),
		formatField(strconv.FormatFloat(ew.hdr.DataRecordDuration.Seconds(), 'f', -1, 64), 8),
		fmt.Sprintf("%-4d", ew.hdr.SignalCount),
	}
	for _, field := range fixed {
		if _, err := writer.WriteString(field); err != nil {
			return err
		}
	}

	// Signal headers are written field by field, each field repeated for every signal.
	fields := []func(s Signal) string{
		func(s Signal) string { return formatField(s.Label, 16) },
		func(s Signal) string { return formatField(s.TransducerType, 80) },
		func(s Signal) string { return formatField(s.PhysicalDimension, 8) },
		func(s Signal) string { return formatPhysicalValue(s.PhysicalMin) },
		func(s Signal) string { return formatPhysicalValue(s.PhysicalMax) },
		func(s Signal) string { return fmt.Sprintf("%-8d", s.DigitalMin) },
		func(s Signal) string { return fmt.Sprintf("%-8d", s.DigitalMax) },
		func(s Signal) string { return formatField(s.Prefiltering, 80) },
		func(s Signal) string { return fmt.Sprintf("%-8d", s.SamplesPerRecord) },
		func(s Signal) string { return formatField(s.Reserved, 32) },
	}
	for _, field := range fields {
		for _, signal := range ew.hdr.Signals {
			if _, err := writer.WriteString(field(signal)); err != nil {
				return err
			}
		}
	}

	return writer.Flush()
}

// convertPhysicalToDigital converts a physical value to a digital value using
// the calibration factors, saturating at the digital range.
func convertPhysicalToDigital(physical float64, pmin, pmax float64, dmin, dmax int) int16 {
	if pmax == pmin || math.IsNaN(physical) {
		return 0
	}
	digital := math.Round(((physical - pmin) * (float64(dmax - dmin)) / (pmax - pmin)) + float64(dmin))
	digital = math.Max(float64(dmin), math.Min(float64(dmax), digital))
	return int16(digital)
}

// formatField left-aligns s in a field of the given width, truncating if needed.
func formatField(s string, width int) string {
	if len(s) > width {
		s = s[:width]
	}
	return fmt.Sprintf("%-*s", width, s)
}

func formatPhysicalValue(val float64) string {
	// Try with 2 decimal places
	s := fmt.Sprintf("%.2f", val)
	if len(s) > 8 {
		// Fall back to no decimal
		s = fmt.Sprintf("%.0f", val)
	}
	return formatField(s, 8)
}
