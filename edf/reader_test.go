// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package edf_test

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/OpenPSG/erpkit/edf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAnnotatedFile(t *testing.T) *os.File {
	t.Helper()

	f, err := os.OpenFile(filepath.Join(t.TempDir(), "annotated.edf"), os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, f.Close())
	})

	ew, err := edf.Create(f, edf.Header{
		Version:            edf.Version0,
		PatientID:          "sub-01",
		RecordingID:        "oddball",
		StartTime:          time.Date(2024, 5, 6, 9, 30, 0, 0, time.UTC),
		Reserved:           edf.ReservedContinuous,
		DataRecordDuration: time.Second,
		Signals: []edf.Signal{
			{
				Label:             "Cz",
				PhysicalDimension: "uV",
				PhysicalMin:       -3200,
				PhysicalMax:       3200,
				DigitalMin:        -32768,
				DigitalMax:        32767,
				SamplesPerRecord:  100,
			},
			{
				Label:            edf.AnnotationsLabel,
				DigitalMin:       -32768,
				DigitalMax:       32767,
				PhysicalMin:      -1,
				PhysicalMax:      1,
				SamplesPerRecord: 60,
			},
		},
	})
	require.NoError(t, err)

	ew.Annotate(edf.Annotation{Onset: 500 * time.Millisecond, Text: "Stimulus/S 11"})
	ew.Annotate(edf.Annotation{Onset: 1250 * time.Millisecond, Duration: 100 * time.Millisecond, Text: "Stimulus/S 12"})
	ew.Annotate(edf.Annotation{Onset: 2750 * time.Millisecond, Text: "Stimulus/S 11"})

	for record := 0; record < 3; record++ {
		samples := make([]float64, 100)
		for i := range samples {
			samples[i] = float64(record*100 + i)
		}
		require.NoError(t, ew.WriteRecord([][]float64{samples}))
	}
	require.NoError(t, ew.Close())

	_, err = f.Seek(0, io.SeekStart)
	require.NoError(t, err)

	return f
}

func TestReaderHeader(t *testing.T) {
	er, err := edf.Open(writeAnnotatedFile(t))
	require.NoError(t, err)

	hdr := er.Header()
	assert.Equal(t, "sub-01", hdr.PatientID)
	assert.Equal(t, "oddball", hdr.RecordingID)
	assert.Equal(t, edf.ReservedContinuous, hdr.Reserved)
	assert.Equal(t, 3, hdr.DataRecords)
	assert.Equal(t, 2, hdr.SignalCount)
	assert.Equal(t, time.Second, hdr.DataRecordDuration)
	assert.Equal(t, time.Date(2024, 5, 6, 9, 30, 0, 0, time.UTC), hdr.StartTime)
	assert.False(t, hdr.Signals[0].IsAnnotation())
	assert.True(t, hdr.Signals[1].IsAnnotation())
}

func TestReaderSpansRecords(t *testing.T) {
	er, err := edf.Open(writeAnnotatedFile(t))
	require.NoError(t, err)

	sr, err := er.Signal(0)
	require.NoError(t, err)

	// Odd sized reads cross record boundaries.
	var samples []float64
	buf := make([]float64, 37)
	for {
		n, err := sr.Read(buf)
		samples = append(samples, buf[:n]...)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}

	require.Len(t, samples, 300)
	for i, v := range samples {
		assert.InDelta(t, float64(i), v, 0.1)
	}
}

func TestReaderAnnotations(t *testing.T) {
	er, err := edf.Open(writeAnnotatedFile(t))
	require.NoError(t, err)

	annotations, err := er.Annotations()
	require.NoError(t, err)

	require.Equal(t, []edf.Annotation{
		{Onset: 500 * time.Millisecond, Text: "Stimulus/S 11"},
		{Onset: 1250 * time.Millisecond, Duration: 100 * time.Millisecond, Text: "Stimulus/S 12"},
		{Onset: 2750 * time.Millisecond, Text: "Stimulus/S 11"},
	}, annotations)
}

func TestReaderSignalOutOfRange(t *testing.T) {
	er, err := edf.Open(writeAnnotatedFile(t))
	require.NoError(t, err)

	_, err = er.Signal(2)
	require.Error(t, err)
	_, err = er.Signal(-1)
	require.Error(t, err)
}
