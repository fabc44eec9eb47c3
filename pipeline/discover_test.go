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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscover(t *testing.T) {
	rawDir := t.TempDir()
	logDir := t.TempDir()
	for _, name := range []string{"sub10.edf", "sub2.EDF", "sub1.edf", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(rawDir, name), nil, 0o644))
	}
	for _, name := range []string{"log_10.csv", "log_1.tsv", "log_2.txt", "readme.md"} {
		require.NoError(t, os.WriteFile(filepath.Join(logDir, name), nil, 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(rawDir, "old.edf"), 0o755))

	participants, err := Discover(rawDir, logDir, []string{"edf"}, []string{"csv", ".tsv", "txt"})
	require.NoError(t, err)
	require.Len(t, participants, 3)

	var ids, logs []string
	for _, p := range participants {
		ids = append(ids, p.ID)
		logs = append(logs, filepath.Base(p.LogPath))
	}
	assert.Equal(t, []string{"sub1", "sub2", "sub10"}, ids)
	assert.Equal(t, []string{"log_1.tsv", "log_2.txt", "log_10.csv"}, logs)
	assert.Equal(t, filepath.Join(rawDir, "sub2.EDF"), participants[1].RawPath)
}

func TestPairErrors(t *testing.T) {
	_, err := Pair(nil, nil)
	require.Error(t, err)

	_, err = Pair([]string{"a/sub1.edf", "b/sub1.edf"}, []string{"1.csv", "2.csv"})
	require.Error(t, err)

	_, err = Pair([]string{"sub1.edf"}, []string{"1.csv", "2.csv"})
	require.Error(t, err)
}
