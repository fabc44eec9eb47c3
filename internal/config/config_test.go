// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/OpenPSG/erpkit/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const sample = `
input:
  raw_dir: %RAW%
  bad_channels: [EOG]
  skip_log_rows: [0]
  participants:
    sub2:
      bad_channels: [T7]
      skip_log_rows: [5, 0]
output:
  dir: out
epochs:
  tmin: -0.2
  tmax: 0.8
  baseline: [null, 0]
triggers:
  congruent: 11
  incongruent: 12
triggers_column: trigger
skip_log_conditions:
  practice: 1
reject:
  peak_to_peak: 150
components:
  - name: P3
    tmin: 0.3
    tmax: 0.5
    roi: [Cz, Pz]
average_by: [congruency, congruency/task]
tfr:
  enabled: true
  freqs: [8, 10]
  cycles: [3, 4]
  subtract_evoked: true
  subtract_evoked_by: congruency
perm:
  contrasts:
    - [incongruent, congruent]
  channels: [Cz, Pz]
  n_permutations: 500
  neighbors: %LAYOUT%
`

func writeConfig(t *testing.T) (string, string) {
	dir := t.TempDir()
	rawDir := filepath.Join(dir, "data")
	require.NoError(t, os.Mkdir(rawDir, 0o755))
	for _, name := range []string{"sub1.edf", "sub2.edf", "sub1.csv", "sub2.csv"} {
		require.NoError(t, os.WriteFile(filepath.Join(rawDir, name), nil, 0o644))
	}

	layout := filepath.Join(dir, "layout.yaml")
	require.NoError(t, os.WriteFile(layout, []byte("positions:\n  Cz: [0, 0, 0]\n  Pz: [0, -0.5, 0]\n  Fz: [0, 0.5, 0]\ndistance: 0.6\n"), 0o644))

	content := strings.NewReplacer("%RAW%", rawDir, "%LAYOUT%", layout).Replace(sample)

	path := filepath.Join(dir, "erpkit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path, rawDir
}

func TestLoad(t *testing.T) {
	path, _ := writeConfig(t)
	t.Setenv("ERPKIT_WORKERS", "3")

	conf, err := config.Load(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, conf.Validate())

	assert.Equal(t, 3, conf.Workers)
	assert.Equal(t, "out", conf.Output.Dir)
	assert.Equal(t, []string{"edf"}, conf.Input.RawExtensions)
	assert.Equal(t, 0.05, conf.Reject.PercentBad)
	assert.Equal(t, 150.0, conf.Reject.PeakToPeak)
	assert.True(t, conf.Reference.Average)
	assert.Equal(t, uint64(1234), conf.Perm.Seed)
	assert.Equal(t, "info", conf.Logging.Level)

	require.Len(t, conf.Epochs.Baseline, 2)
	assert.Nil(t, conf.Epochs.Baseline[0])
	require.NotNil(t, conf.Epochs.Baseline[1])
	assert.Equal(t, 0.0, *conf.Epochs.Baseline[1])
}

func TestDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	conf, err := config.Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, -0.5, conf.Epochs.TMin)
	assert.Equal(t, 1.5, conf.Epochs.TMax)
	assert.Len(t, conf.TFR.Freqs, 37)
	assert.Len(t, conf.TFR.Cycles, 37)
	assert.Equal(t, 4.0, conf.TFR.Freqs[0])
	assert.Equal(t, 40.0, conf.TFR.Freqs[36])
	assert.Equal(t, 20.0, conf.TFR.Cycles[36])
	assert.Equal(t, 5000, conf.Perm.NPermutations)

	// Neither inputs nor an output directory are configured.
	err = conf.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "output.dir")
	assert.Contains(t, err.Error(), "input.raw_dir")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.Error(t, err)
}

func TestOptions(t *testing.T) {
	path, _ := writeConfig(t)
	conf, err := config.Load(path, nil)
	require.NoError(t, err)

	opts, err := conf.Options(zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, []int{11, 12}, opts.Triggers)
	assert.Equal(t, map[int]string{11: "congruent", 12: "incongruent"}, opts.TriggerLabels)
	assert.Equal(t, "trigger", opts.TriggerColumn)
	assert.Equal(t, map[string][]string{"practice": {"1"}}, opts.SkipConditions)

	require.NotNil(t, opts.Epochs.Baseline)
	assert.Nil(t, opts.Epochs.Baseline.Start)
	require.NotNil(t, opts.Epochs.PeakToPeak)
	assert.Equal(t, 150.0, *opts.Epochs.PeakToPeak)
	assert.Nil(t, opts.Epochs.Flat)

	require.Len(t, opts.AverageBy, 2)
	assert.Equal(t, "congruency/task", opts.AverageBy[1].Name())

	require.Len(t, opts.Perm.Contrasts, 1)
	assert.Equal(t, "incongruent - congruent", opts.Perm.Contrasts[0].Label())
	assert.Equal(t, []string{"Cz", "Pz"}, opts.Perm.Window.Channels)
	assert.Equal(t, 500, opts.Perm.NPermutations)
	assert.Equal(t, 0.05, opts.Perm.Alpha)

	require.NotNil(t, opts.Perm.Adjacency)
	assert.Equal(t, []string{"Cz", "Fz", "Pz"}, opts.Perm.Adjacency.Channels())
	assert.Equal(t, []int{0}, opts.Perm.Adjacency.Neighbors(1))
	assert.Equal(t, []int{1, 2}, opts.Perm.Adjacency.Neighbors(0))

	require.NotNil(t, opts.TFR)
	assert.Equal(t, []float64{8, 10}, opts.TFR.Freqs)
	assert.True(t, opts.TFR.SubtractEvoked)
	require.NotNil(t, opts.TFR.SubtractEvokedBy)
	assert.Equal(t, "congruency", opts.TFR.SubtractEvokedBy.Name())
	require.NotNil(t, opts.TFR.BaselineStart)
	assert.Equal(t, -0.45, *opts.TFR.BaselineStart)
}

func TestParticipants(t *testing.T) {
	path, rawDir := writeConfig(t)
	conf, err := config.Load(path, nil)
	require.NoError(t, err)

	participants, err := conf.Participants()
	require.NoError(t, err)
	require.Len(t, participants, 2)

	assert.Equal(t, "sub1", participants[0].ID)
	assert.Equal(t, filepath.Join(rawDir, "sub1.csv"), participants[0].LogPath)
	assert.Equal(t, []string{"EOG"}, participants[0].BadChannels)
	assert.Equal(t, []int{0}, participants[0].SkipRows)

	assert.Equal(t, []string{"EOG", "T7"}, participants[1].BadChannels)
	assert.Equal(t, []int{0, 5}, participants[1].SkipRows)
}

func TestInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "erpkit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
input:
  raw_files: [a.edf]
output:
  dir: out
epochs:
  tmin: 1
  tmax: 0
triggers: [11, x]
perm:
  contrasts:
    - [a, b, c]
`), 0o644))

	conf, err := config.Load(path, nil)
	require.NoError(t, err)

	err = conf.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 raw files but 0 log files")
	assert.Contains(t, err.Error(), "epochs.tmin")
	assert.Contains(t, err.Error(), "exactly two")
	assert.Contains(t, err.Error(), "triggers")
}

func TestContrastsRequireNeighbors(t *testing.T) {
	path, _ := writeConfig(t)
	conf, err := config.Load(path, nil)
	require.NoError(t, err)

	conf.Perm.Neighbors = ""
	err = conf.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "perm.neighbors")

	// A single tested channel has no neighbors to connect.
	conf.Perm.Channels = []string{"Cz"}
	require.NoError(t, conf.Validate())

	conf.Perm.Channels = []string{"Cz", "Pz"}
	conf.Perm.Contrasts = nil
	require.NoError(t, conf.Validate())
}

func TestLoadEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("ERPKIT_OUTPUT_DIR=from-env\n"), 0o644))
	t.Setenv("ERPKIT_OUTPUT_DIR", "")
	require.NoError(t, os.Unsetenv("ERPKIT_OUTPUT_DIR"))

	require.NoError(t, config.LoadEnv(path))
	require.Error(t, config.LoadEnv(filepath.Join(t.TempDir(), "missing.env")))

	t.Chdir(t.TempDir())
	require.NoError(t, config.LoadEnv(""))

	conf, err := config.Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "from-env", conf.Output.Dir)
}
