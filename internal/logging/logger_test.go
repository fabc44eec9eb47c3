// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package logging_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/OpenPSG/erpkit/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesPerLevelFiles(t *testing.T) {
	dir := t.TempDir()

	log, err := logging.New(logging.Options{Level: "info", Directory: dir, MaxSize: 1})
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("participant done")
	log.Warn("empty condition")
	_ = log.Sync()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	require.Len(t, names, 2)

	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		switch {
		case strings.HasSuffix(name, "-info.log"):
			assert.Contains(t, string(data), "participant done")
			assert.NotContains(t, string(data), "empty condition")
		case strings.HasSuffix(name, "-warn.log"):
			assert.Contains(t, string(data), "empty condition")
		default:
			t.Fatalf("unexpected log file %s", name)
		}
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := logging.New(logging.Options{Level: "loud"})
	require.Error(t, err)
}
