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
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/OpenPSG/erpkit/internal/natural"
)

// Discover pairs the recordings in rawDir with the log files in logDir. Both
// lists are naturally sorted and paired by position.
func Discover(rawDir, logDir string, rawExts, logExts []string) ([]Participant, error) {
	raws, err := listFiles(rawDir, rawExts)
	if err != nil {
		return nil, err
	}
	logs, err := listFiles(logDir, logExts)
	if err != nil {
		return nil, err
	}
	return Pair(raws, logs)
}

// Pair builds participants from parallel recording and log file lists. The
// participant id is the recording's base name without extension.
func Pair(raws, logs []string) ([]Participant, error) {
	if len(raws) == 0 {
		return nil, fmt.Errorf("no recordings found")
	}
	if len(raws) != len(logs) {
		return nil, fmt.Errorf("found %d recordings but %d log files", len(raws), len(logs))
	}

	participants := make([]Participant, len(raws))
	seen := make(map[string]string)
	for i, raw := range raws {
		id := strings.TrimSuffix(filepath.Base(raw), filepath.Ext(raw))
		if prev, ok := seen[id]; ok {
			return nil, fmt.Errorf("recordings %s and %s share participant id %s", prev, raw, id)
		}
		seen[id] = raw
		participants[i] = Participant{ID: id, RawPath: raw, LogPath: logs[i]}
	}
	return participants, nil
}

func listFiles(dir string, exts []string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(e.Name())), ".")
		if slices.ContainsFunc(exts, func(want string) bool {
			return strings.EqualFold(strings.TrimPrefix(want, "."), ext)
		}) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	slices.SortFunc(files, natural.Compare)
	return files, nil
}
