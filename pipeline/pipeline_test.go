// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package pipeline_test

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"slices"
	"strconv"
	"sync"
	"testing"

	"github.com/OpenPSG/erpkit/averaging"
	"github.com/OpenPSG/erpkit/behavior"
	"github.com/OpenPSG/erpkit/cluster"
	"github.com/OpenPSG/erpkit/eeg"
	"github.com/OpenPSG/erpkit/epoching"
	"github.com/OpenPSG/erpkit/pipeline"
	"github.com/OpenPSG/erpkit/tfr"
	"github.com/OpenPSG/erpkit/trials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	sampleRate = 100.0
	nEvents    = 20
)

func ptr(v float64) *float64 { return &v }

type subject struct {
	id      string
	seed    uint64
	drop    []int   // Events lost from the recording
	spike   int     // Event whose epoch carries an artifact on Fz, -1 for none
	logRows int     // Log rows kept, 0 keeps all
	rate    float64 // Sample rate, 0 for sampleRate
}

// synthesize builds a recording of alternating congruent (11) and
// incongruent (12) trials. Incongruent trials carry a 10 µV deflection on Cz
// and Pz from 300 to 500 ms.
func synthesize(s subject) pipeline.Participant {
	rng := rand.New(rand.NewPCG(s.seed, 7))
	sf := sampleRate
	if s.rate > 0 {
		sf = s.rate
	}
	n := int((2*nEvents + 3) * sf)

	raw := &eeg.Raw{SampleRate: sf, Channels: []string{"Fz", "Cz", "Pz"}, Data: make([][]float64, 3)}
	for ch := range raw.Data {
		raw.Data[ch] = make([]float64, n)
		for i := range raw.Data[ch] {
			raw.Data[ch][i] = rng.NormFloat64()
		}
	}

	log := &behavior.Table{Columns: []string{"trial", "congruency", "trigger"}}
	for i := 0; i < nEvents; i++ {
		onset := 1 + 2*float64(i)
		code, condition := 11, "congruent"
		if i%2 == 1 {
			code, condition = 12, "incongruent"
			start := int(math.Round((onset + 0.3) * sf))
			end := int(math.Round((onset + 0.5) * sf))
			for ch := 1; ch < 3; ch++ {
				for j := start; j <= end; j++ {
					raw.Data[ch][j] += 10
				}
			}
		}
		if i == s.spike {
			raw.Data[0][int(math.Round((onset+0.5)*sf))] += 500
		}
		if !slices.Contains(s.drop, i) {
			raw.Events = append(raw.Events, eeg.Event{Onset: onset, Code: code})
		}
		log.Rows = append(log.Rows, behavior.Row{
			Index:  i,
			Values: []string{strconv.Itoa(i + 1), condition, strconv.Itoa(code)},
		})
	}
	if s.logRows > 0 {
		log.Rows = log.Rows[:s.logRows]
	}

	return pipeline.Participant{ID: s.id, Raw: raw, Log: log}
}

func options(t *testing.T) *pipeline.Options {
	terms, err := averaging.ParseTerms([]string{"congruency"})
	require.NoError(t, err)

	return &pipeline.Options{
		Epochs: epoching.Options{
			TMin:       -0.2,
			TMax:       0.8,
			Baseline:   &epoching.Window{End: ptr(0)},
			PeakToPeak: ptr(200),
			PercentBad: 0.05,
		},
		Triggers:      []int{11, 12},
		TriggerColumn: "trigger",
		Components:    []trials.Component{{Name: "P3", TMin: 0.3, TMax: 0.5, ROI: []string{"Cz", "Pz"}}},
		AverageBy:     terms,
		Perm: pipeline.PermOptions{
			Contrasts: []pipeline.Contrast{{A: "incongruent", B: "congruent"}},
			Window:    cluster.Window{TMin: ptr(0), TMax: ptr(0.8)},
			Options:   cluster.Options{Alpha: 0.05, NPermutations: 1000, Seed: 1},
		},
		Workers: 3,
		Logger:  zaptest.NewLogger(t),
	}
}

type recordingSink struct {
	mu  sync.Mutex
	ids []string
}

func (s *recordingSink) WriteParticipant(res *pipeline.ParticipantResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if res.Raw == nil {
		return errors.New("no continuous data to write")
	}
	s.ids = append(s.ids, res.ID)
	return nil
}

func TestRun(t *testing.T) {
	subjects := []subject{
		{id: "sub1", seed: 1, spike: -1},
		{id: "sub2", seed: 2, spike: -1},
		{id: "sub3", seed: 3, spike: 0},
		{id: "sub4", seed: 4, spike: -1, drop: []int{4}},
		{id: "sub5", seed: 5, spike: -1},
		{id: "sub6", seed: 6, spike: -1},
		{id: "sub7", seed: 7, spike: -1, logRows: 15},
	}
	var participants []pipeline.Participant
	for _, s := range subjects {
		participants = append(participants, synthesize(s))
	}

	sink := &recordingSink{}
	opts := options(t)
	opts.Sink = sink

	group, err := pipeline.Run(context.Background(), opts, participants)
	require.NoError(t, err)

	summary := group.Summary
	assert.NotEmpty(t, summary.RunID)
	assert.Equal(t, 7, summary.Participants)
	assert.Equal(t, 6, summary.Succeeded)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, "sub7", summary.Failures[0].Participant)
	assert.Equal(t, "match", summary.Failures[0].Stage)
	assert.Empty(t, summary.ContrastErrors)
	assert.ElementsMatch(t, []string{"sub1", "sub2", "sub3", "sub4", "sub5", "sub6"}, sink.ids)

	byID := make(map[string]pipeline.ParticipantSummary)
	for _, p := range summary.Processed {
		byID[p.ID] = p
	}
	assert.Equal(t, []int{0}, byID["sub3"].RejectedEpochs)
	assert.Empty(t, byID["sub1"].RejectedEpochs)
	assert.Equal(t, []int{4}, byID["sub4"].UnmatchedRows)
	assert.Equal(t, 19, byID["sub4"].Epochs)
	require.NotNil(t, summary.RejectedEpochs)
	assert.InDelta(t, 1.0/6, summary.RejectedEpochs.Mean, 1e-9)
	assert.Equal(t, 1.0, summary.RejectedEpochs.Max)

	for _, res := range group.Participants {
		assert.Nil(t, res.Raw)
	}

	// One row per matched log row.
	assert.Len(t, group.Trials.Rows, 5*nEvents+nEvents-1)
	assert.Equal(t, []string{"P3"}, group.Trials.Components)

	congruency := slices.Index(group.Trials.Columns, "congruency")
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, row := range group.Trials.Rows {
		if row.Participant != "sub1" {
			continue
		}
		sums[row.Values[congruency]] += row.Amplitudes[0]
		counts[row.Values[congruency]]++
	}
	assert.InDelta(t, 10, sums["incongruent"]/float64(counts["incongruent"]), 1.5)
	assert.InDelta(t, 0, sums["congruent"]/float64(counts["congruent"]), 1.5)

	assert.Len(t, group.Evokeds, 12)
	require.Len(t, group.GrandAverages, 2)
	assert.Equal(t, "congruent", group.GrandAverages[0].Label)
	assert.Equal(t, "incongruent", group.GrandAverages[1].Label)
	assert.Equal(t, 6, group.GrandAverages[1].NAverages)

	require.Len(t, group.Clusters, 1)
	contrast := group.Clusters[0]
	assert.Equal(t, "incongruent - congruent", contrast.Contrast.Label())
	assert.Equal(t, []string{"sub1", "sub2", "sub3", "sub4", "sub5", "sub6"}, contrast.Participants)

	res := contrast.Result
	assert.True(t, res.Exact)
	assert.Equal(t, 63, res.NPermutations)
	assert.InDelta(t, 0.0, res.Dims.Times[0], 1e-9)

	cz := slices.Index(res.Dims.Channels, "Cz")
	peak := res.Dims.Index(cz, 0, 40)
	assert.Greater(t, res.ClusterID[peak], 0)
	assert.LessOrEqual(t, res.P[peak], 0.05)
}

func TestRunExcludesParticipantOnAnotherGrid(t *testing.T) {
	var participants []pipeline.Participant
	for i := 1; i <= 3; i++ {
		participants = append(participants, synthesize(subject{id: "sub" + strconv.Itoa(i), seed: uint64(i), spike: -1}))
	}
	participants = append(participants, synthesize(subject{id: "sub4", seed: 4, spike: -1, rate: 2 * sampleRate}))

	group, err := pipeline.Run(context.Background(), options(t), participants)
	require.NoError(t, err)

	summary := group.Summary
	assert.Equal(t, 3, summary.Succeeded)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, "sub4", summary.Failures[0].Participant)
	assert.Equal(t, "average", summary.Failures[0].Stage)
	assert.Contains(t, summary.Failures[0].Error, pipeline.ErrGridMismatch.Error())

	assert.Len(t, group.Participants, 3)
	assert.Len(t, group.Trials.Rows, 3*nEvents)
	for _, row := range group.Trials.Rows {
		assert.NotEqual(t, "sub4", row.Participant)
	}
	require.Len(t, group.GrandAverages, 2)
	assert.Equal(t, 3, group.GrandAverages[0].NAverages)

	require.Len(t, group.Clusters, 1)
	assert.Equal(t, []string{"sub1", "sub2", "sub3"}, group.Clusters[0].Participants)
	assert.Equal(t, 7, group.Clusters[0].Result.NPermutations)
}

func TestRunMissingChannelAbortsRun(t *testing.T) {
	opts := options(t)
	opts.Components = []trials.Component{{Name: "P3", TMin: 0.3, TMax: 0.5, ROI: []string{"Oz"}}}

	participants := []pipeline.Participant{
		synthesize(subject{id: "sub1", seed: 1, spike: -1}),
		synthesize(subject{id: "sub2", seed: 2, spike: -1}),
	}
	_, err := pipeline.Run(context.Background(), opts, participants)
	require.Error(t, err)
	assert.True(t, errors.Is(err, eeg.ErrMissingChannel))

	var stageErr *pipeline.StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, pipeline.StageExtract, stageErr.Stage)
}

func TestRunCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := pipeline.Run(ctx, options(t), []pipeline.Participant{synthesize(subject{id: "sub1", seed: 1, spike: -1})})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestRunContrastFailures(t *testing.T) {
	opts := options(t)
	opts.Perm.Contrasts = append(opts.Perm.Contrasts, pipeline.Contrast{A: "incongruent", B: "neutral"})

	group, err := pipeline.Run(context.Background(), opts, []pipeline.Participant{synthesize(subject{id: "sub1", seed: 1, spike: -1})})
	require.NoError(t, err)

	assert.Empty(t, group.Clusters)
	require.Len(t, group.Summary.ContrastErrors, 2)
	assert.Contains(t, group.Summary.ContrastErrors[0].Error, cluster.ErrTooFewParticipants.Error())
	assert.Equal(t, "incongruent - neutral", group.Summary.ContrastErrors[1].Contrast)
}

func TestRunRejectsDuplicateParticipants(t *testing.T) {
	p := synthesize(subject{id: "sub1", seed: 1, spike: -1})
	_, err := pipeline.Run(context.Background(), options(t), []pipeline.Participant{p, p})
	require.Error(t, err)
}

func TestRunInvalidOptions(t *testing.T) {
	opts := options(t)
	opts.Perm.Contrasts = []pipeline.Contrast{{A: "congruent", B: "congruent"}}
	opts.Perm.NPermutations = 0

	_, err := pipeline.Run(context.Background(), opts, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid contrast")
	assert.Contains(t, err.Error(), "permutations")
}

func TestRunTimeFrequency(t *testing.T) {
	opts := options(t)
	opts.TFR = &pipeline.TFROptions{
		Options: tfr.Options{
			Freqs:         []float64{8, 10, 12},
			Cycles:        []float64{3, 3, 3},
			BaselineStart: ptr(-0.2),
			BaselineEnd:   ptr(0),
		},
		SubtractEvoked: true,
		Components: []trials.Component{
			{Name: "alpha", TMin: 0.3, TMax: 0.5, ROI: []string{"Cz"}, FMin: ptr(8), FMax: ptr(12)},
		},
	}

	var participants []pipeline.Participant
	for i := 1; i <= 3; i++ {
		participants = append(participants, synthesize(subject{id: "sub" + strconv.Itoa(i), seed: uint64(i), spike: -1}))
	}

	group, err := pipeline.Run(context.Background(), opts, participants)
	require.NoError(t, err)
	assert.Empty(t, group.Summary.Failures)

	assert.Equal(t, []string{"P3", "alpha"}, group.Trials.Components)
	assert.Len(t, group.TFREvokeds, 6)
	require.Len(t, group.TFRGrandAverages, 2)
	assert.Equal(t, []float64{8, 10, 12}, group.TFRGrandAverages[0].Dims.Freqs)

	require.Len(t, group.TFRClusters, 1)
	assert.True(t, group.TFRClusters[0].Result.Exact)
	assert.Equal(t, 7, group.TFRClusters[0].Result.NPermutations)
}

func TestProcessParticipantLeavesInputUntouched(t *testing.T) {
	p := synthesize(subject{id: "sub1", seed: 1, spike: -1})
	before := slices.Clone(p.Raw.Data[0])

	opts := options(t)
	opts.AverageReference = true

	res, err := pipeline.ProcessParticipant(context.Background(), opts, p)
	require.NoError(t, err)
	assert.Equal(t, before, p.Raw.Data[0])
	assert.NotEqual(t, before, res.Raw.Data[0])
	assert.Len(t, res.Trials.Rows, nEvents)
	assert.Len(t, res.Evokeds, 2)
}

func TestProcessParticipantUnknownBadChannel(t *testing.T) {
	p := synthesize(subject{id: "sub1", seed: 1, spike: -1})
	p.BadChannels = []string{"T7"}

	_, err := pipeline.ProcessParticipant(context.Background(), options(t), p)
	require.Error(t, err)
	assert.True(t, errors.Is(err, eeg.ErrMissingChannel))
}
