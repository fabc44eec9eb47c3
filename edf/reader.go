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
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	talSeparator = 0x14
	talDuration  = 0x15
)

// Reader reads EDF/EDF+ files.
type Reader struct {
	r   io.ReadSeeker
	hdr *Header
}

// Open opens an EDF/EDF+ file for reading.
func Open(r io.ReadSeeker) (*Reader, error) {
	reader := bufio.NewReader(r)

	b := make([]byte, 256)
	if _, err := io.ReadFull(reader, b); err != nil {
		return nil, fmt.Errorf("error reading header: %w", err)
	}

	hdr := &Header{}
	hdr.Version = Version(strings.TrimSpace(string(b[0:8])))
	hdr.PatientID = strings.TrimSpace(string(b[8:88]))
	hdr.RecordingID = strings.TrimSpace(string(b[88:168]))
	dateStr := strings.TrimSpace(string(b[168:176]))
	timeStr := strings.TrimSpace(string(b[176:184]))

	startDate, err := time.Parse("02.01.06", dateStr)
	if err != nil {
		return nil, fmt.Errorf("error parsing start date: %w", err)
	}
	startTime, err := time.Parse("15.04.05", timeStr)
	if err != nil {
		return nil, fmt.Errorf("error parsing start time: %w", err)
	}
	hdr.StartTime = time.Date(startDate.Year(), startDate.Month(), startDate.Day(),
		startTime.Hour(), startTime.Minute(), startTime.Second(), 0, time.UTC)

	if hdr.HeaderBytes, err = strconv.Atoi(strings.TrimSpace(string(b[184:192]))); err != nil {
		return nil, fmt.Errorf("error parsing header bytes: %w", err)
	}

	hdr.Reserved = strings.TrimSpace(string(b[192:236]))

	if hdr.DataRecords, err = strconv.Atoi(strings.TrimSpace(string(b[236:244]))); err != nil {
		return nil, fmt.Errorf("error parsing number of data records: %w", err)
	}

	seconds, err := strconv.ParseFloat(strings.TrimSpace(string(b[244:252])), 64)
	if err != nil {
		return nil, fmt.Errorf("error parsing data record duration: %w", err)
	}
	hdr.DataRecordDuration = secondsToDuration(seconds)

	if hdr.SignalCount, err = strconv.Atoi(strings.TrimSpace(string(b[252:256]))); err != nil {
		return nil, fmt.Errorf("error parsing signal count: %w", err)
	}
	if hdr.SignalCount < 0 {
		return nil, fmt.Errorf("invalid signal count: %d", hdr.SignalCount)
	}

	// Signal headers are stored field by field, each field repeated for every signal.
	hdr.Signals = make([]Signal, hdr.SignalCount)
	fields := []struct {
		width int
		set   func(s *Signal, v []byte)
	}{
		{16, func(s *Signal, v []byte) { s.Label = strings.TrimSpace(string(v)) }},
		{80, func(s *Signal, v []byte) { s.TransducerType = strings.TrimSpace(string(v)) }},
		{8, func(s *Signal, v []byte) { s.PhysicalDimension = strings.TrimSpace(string(v)) }},
		{8, func(s *Signal, v []byte) { s.PhysicalMin = parseFloat(v) }},
		{8, func(s *Signal, v []byte) { s.PhysicalMax = parseFloat(v) }},
		{8, func(s *Signal, v []byte) { s.DigitalMin = parseInt(v) }},
		{8, func(s *Signal, v []byte) { s.DigitalMax = parseInt(v) }},
		{80, func(s *Signal, v []byte) { s.Prefiltering = strings.TrimSpace(string(v)) }},
		{8, func(s *Signal, v []byte) { s.SamplesPerRecord = parseInt(v) }},
		{32, func(s *Signal, v []byte) { s.Reserved = strings.TrimSpace(string(v)) }},
	}

	for _, field := range fields {
		b := make([]byte, field.width)
		for i := range hdr.Signals {
			if _, err := io.ReadFull(reader, b); err != nil {
				return nil, fmt.Errorf("error reading signal headers: %w", err)
			}
			field.set(&hdr.Signals[i], b)
		}
	}

	return &Reader{
		r:   r,
		hdr: hdr,
	}, nil
}

// Header returns a copy of the parsed file header.
func (er *Reader) Header() Header {
	hdr := *er.hdr
	hdr.Signals = append([]Signal(nil), er.hdr.Signals...)
	return hdr
}

// SignalReader reads continuous signal data from an EDF/EDF+ file.
type SignalReader struct {
	r                io.ReadSeeker
	hdr              *Header
	signal           Signal
	currentRecord    int    // Current record being processed
	currentSample    int    // Current sample in the record
	recordSize       int    // Total size of one data record
	signalOffset     int    // Byte offset of the signal in a record
	samplesPerRecord int    // Number of samples per record for the signal
	buf              []byte // Raw samples of the current record
	bufRecord        int    // Record held in buf, -1 if none
}

// Signal creates a new SignalReader for a specified signal index.
func (er *Reader) Signal(signalIndex int) (*SignalReader, error) {
	if signalIndex < 0 || signalIndex >= len(er.hdr.Signals) {
		return nil, fmt.Errorf("signal index out of range")
	}

	recordSize, signalOffset := er.layout(signalIndex)
	signal := er.hdr.Signals[signalIndex]

	return &SignalReader{
		r:                er.r,
		hdr:              er.hdr,
		signal:           signal,
		recordSize:       recordSize,
		signalOffset:     signalOffset,
		samplesPerRecord: signal.SamplesPerRecord,
		buf:              make([]byte, signal.SamplesPerRecord*2),
		bufRecord:        -1,
	}, nil
}

// Read fills the provided float64 slice with the physical values from the signal.
func (sr *SignalReader) Read(data []float64) (int, error) {
	n := 0
	for n < len(data) {
		if sr.currentRecord >= sr.hdr.DataRecords || sr.samplesPerRecord == 0 {
			return n, io.EOF
		}

		if sr.bufRecord != sr.currentRecord {
			if err := readRecordChunk(sr.r, sr.hdr, sr.recordSize, sr.signalOffset, sr.currentRecord, sr.buf); err != nil {
				return n, err
			}
			sr.bufRecord = sr.currentRecord
		}

		for sr.currentSample < sr.samplesPerRecord && n < len(data) {
			digitalValue := int16(binary.LittleEndian.Uint16(sr.buf[sr.currentSample*2:]))
			data[n] = convertDigitalToPhysical(digitalValue, sr.signal.DigitalMin, sr.signal.DigitalMax, sr.signal.PhysicalMin, sr.signal.PhysicalMax)
			n++
			sr.currentSample++
		}

		if sr.currentSample >= sr.samplesPerRecord {
			sr.currentSample = 0
			sr.currentRecord++
		}
	}

	return n, nil
}

// Annotations returns every annotation stored in the EDF+ annotation signals,
// ordered by record. Time-keeping entries are not returned.
func (er *Reader) Annotations() ([]Annotation, error) {
	var annotations []Annotation
	for i, signal := range er.hdr.Signals {
		if !signal.IsAnnotation() {
			continue
		}

		recordSize, signalOffset := er.layout(i)
		buf := make([]byte, signal.SamplesPerRecord*2)
		for record := 0; record < er.hdr.DataRecords; record++ {
			if err := readRecordChunk(er.r, er.hdr, recordSize, signalOffset, record, buf); err != nil {
				return nil, err
			}

			parsed, err := parseTALs(buf)
			if err != nil {
				return nil, fmt.Errorf("error parsing annotations in record %d: %w", record, err)
			}
			annotations = append(annotations, parsed...)
		}
	}

	return annotations, nil
}

// layout returns the size of a whole data record and the byte offset of the given signal within it.
func (er *Reader) layout(signalIndex int) (recordSize, signalOffset int) {
	for i, sig := range er.hdr.Signals {
		if i < signalIndex {
			signalOffset += sig.SamplesPerRecord * 2
		}
		recordSize += sig.SamplesPerRecord * 2
	}
	return recordSize, signalOffset
}

func readRecordChunk(r io.ReadSeeker, hdr *Header, recordSize, signalOffset, record int, buf []byte) error {
	pos := int64(hdr.HeaderBytes) + int64(record)*int64(recordSize) + int64(signalOffset)
	if _, err := r.Seek(pos, io.SeekStart); err != nil {
		return fmt.Errorf("error seeking to position: %w", err)
	}
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("error reading sample data: %w", err)
	}
	return nil
}

// parseTALs decodes the time-stamped annotation lists held in one record of an annotation signal.
func parseTALs(b []byte) ([]Annotation, error) {
	var annotations []Annotation
	for _, tal := range bytes.Split(b, []byte{0}) {
		if len(tal) == 0 {
			continue
		}

		parts := bytes.Split(tal, []byte{talSeparator})
		if len(parts) < 2 {
			return nil, fmt.Errorf("malformed annotation list %q", tal)
		}

		timing := bytes.SplitN(parts[0], []byte{talDuration}, 2)
		onset, err := strconv.ParseFloat(string(timing[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("error parsing annotation onset: %w", err)
		}

		var duration float64
		if len(timing) == 2 && len(timing[1]) > 0 {
			if duration, err = strconv.ParseFloat(string(timing[1]), 64); err != nil {
				return nil, fmt.Errorf("error parsing annotation duration: %w", err)
			}
		}

		for _, text := range parts[1:] {
			if len(text) == 0 {
				continue
			}
			annotations = append(annotations, Annotation{
				Onset:    secondsToDuration(onset),
				Duration: secondsToDuration(duration),
				Text:     string(text),
			})
		}
	}

	return annotations, nil
}

// convertDigitalToPhysical converts a digital value from the data record to a physical value using the calibration factors.
func convertDigitalToPhysical(digital int16, dmin, dmax int, pmin, pmax float64) float64 {
	if dmax == dmin {
		return 0 // Avoid division by zero
	}
	return pmin + (float64(digital)-float64(dmin))*(pmax-pmin)/float64(dmax-dmin)
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(math.Round(seconds * float64(time.Second)))
}

func parseFloat(b []byte) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(string(b)), 64)
	if err != nil {
		return 0.0
	}
	return f
}

func parseInt(b []byte) int {
	i, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0
	}
	return i
}
