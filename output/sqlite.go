// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package output

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"github.com/OpenPSG/erpkit/eeg"
	"github.com/OpenPSG/erpkit/pipeline"

	_ "modernc.org/sqlite"
)

// SQLiteSink stores the tables of a run in a single SQLite database. Rows of
// every table carry the run id so several runs can share one file.
type SQLiteSink struct {
	db    *sql.DB
	runID string
	mu    sync.Mutex
}

var _ pipeline.Sink = (*SQLiteSink)(nil)

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path, runID string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteSink{db: db, runID: runID}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSink) init() error {
	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			started TEXT NOT NULL,
			finished TEXT NOT NULL,
			participants INTEGER NOT NULL,
			succeeded INTEGER NOT NULL,
			summary TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS trials (
			run_id TEXT NOT NULL,
			participant_id TEXT NOT NULL,
			log_row INTEGER NOT NULL,
			column_name TEXT NOT NULL,
			value TEXT
		);

		CREATE TABLE IF NOT EXISTS amplitudes (
			run_id TEXT NOT NULL,
			participant_id TEXT NOT NULL,
			log_row INTEGER NOT NULL,
			component TEXT NOT NULL,
			amplitude REAL
		);

		CREATE TABLE IF NOT EXISTS evokeds (
			run_id TEXT NOT NULL,
			participant_id TEXT,
			tfr INTEGER NOT NULL,
			average_by TEXT NOT NULL,
			condition TEXT NOT NULL,
			channel TEXT NOT NULL,
			freq REAL,
			time REAL NOT NULL,
			amplitude REAL
		);

		CREATE TABLE IF NOT EXISTS clusters (
			run_id TEXT NOT NULL,
			tfr INTEGER NOT NULL,
			contrast TEXT NOT NULL,
			channel TEXT NOT NULL,
			freq REAL,
			time REAL NOT NULL,
			t_obs REAL,
			cluster_id INTEGER,
			p_val REAL NOT NULL
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// WriteParticipant stores the trials and condition averages of one participant.
func (s *SQLiteSink) WriteParticipant(res *pipeline.ParticipantResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if res.Trials != nil {
		stmtTrials, err := tx.Prepare(`
			INSERT INTO trials (run_id, participant_id, log_row, column_name, value)
			VALUES (?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare trials insert: %w", err)
		}
		defer stmtTrials.Close()

		stmtAmplitudes, err := tx.Prepare(`
			INSERT INTO amplitudes (run_id, participant_id, log_row, component, amplitude)
			VALUES (?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare amplitudes insert: %w", err)
		}
		defer stmtAmplitudes.Close()

		for _, row := range res.Trials.Rows {
			for i, column := range res.Trials.Columns {
				if i >= len(row.Values) {
					break
				}
				if _, err := stmtTrials.Exec(s.runID, res.ID, row.LogRow, column, row.Values[i]); err != nil {
					return fmt.Errorf("failed to insert trial: %w", err)
				}
			}
			for i, component := range res.Trials.Components {
				if _, err := stmtAmplitudes.Exec(s.runID, res.ID, row.LogRow, component, nullFloat(row.Amplitudes[i])); err != nil {
					return fmt.Errorf("failed to insert amplitude: %w", err)
				}
			}
		}
	}

	if err := s.insertEvokeds(tx, res.Evokeds, false); err != nil {
		return err
	}
	if err := s.insertEvokeds(tx, res.TFREvokeds, true); err != nil {
		return err
	}

	return tx.Commit()
}

// WriteGroup stores the grand averages, the cluster tests and the run summary.
func (s *SQLiteSink) WriteGroup(group *pipeline.GroupResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	summary, err := json.Marshal(group.Summary)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.insertEvokeds(tx, group.GrandAverages, false); err != nil {
		return err
	}
	if err := s.insertEvokeds(tx, group.TFRGrandAverages, true); err != nil {
		return err
	}
	if err := s.insertClusters(tx, group.Clusters, false); err != nil {
		return err
	}
	if err := s.insertClusters(tx, group.TFRClusters, true); err != nil {
		return err
	}

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO runs (run_id, started, finished, participants, succeeded, summary)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.runID, group.Summary.Started.Format(timeFormat), group.Summary.Finished.Format(timeFormat),
		group.Summary.Participants, group.Summary.Succeeded, string(summary)); err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	return tx.Commit()
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

func (s *SQLiteSink) insertEvokeds(tx *sql.Tx, evokeds []eeg.Evoked, tfr bool) error {
	if len(evokeds) == 0 {
		return nil
	}

	stmt, err := tx.Prepare(`
		INSERT INTO evokeds (run_id, participant_id, tfr, average_by, condition, channel, freq, time, amplitude)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare evokeds insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range evokeds {
		var participant any
		if ev.Participant != "" {
			participant = ev.Participant
		}
		for p, v := range ev.Data {
			ch, f, t := ev.Dims.Coords(p)
			var freq any
			if len(ev.Dims.Freqs) > 0 {
				freq = ev.Dims.Freqs[f]
			}
			if _, err := stmt.Exec(s.runID, participant, tfr, ev.Grouping, ev.Label, ev.Dims.Channels[ch], freq, ev.Dims.Times[t], nullFloat(v)); err != nil {
				return fmt.Errorf("failed to insert evoked: %w", err)
			}
		}
	}
	return nil
}

func (s *SQLiteSink) insertClusters(tx *sql.Tx, results []pipeline.ContrastResult, tfr bool) error {
	if len(results) == 0 {
		return nil
	}

	stmt, err := tx.Prepare(`
		INSERT INTO clusters (run_id, tfr, contrast, channel, freq, time, t_obs, cluster_id, p_val)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare clusters insert: %w", err)
	}
	defer stmt.Close()

	for _, res := range results {
		label := res.Contrast.Label()
		for _, row := range res.Result.Rows() {
			var id any
			if row.ClusterID != 0 {
				id = row.ClusterID
			}
			if _, err := stmt.Exec(s.runID, tfr, label, row.Channel, nullFloat(row.Freq), row.Time, nullFloat(row.T), id, row.P); err != nil {
				return fmt.Errorf("failed to insert cluster point: %w", err)
			}
		}
	}
	return nil
}

// nullFloat maps NaN to NULL.
func nullFloat(v float64) any {
	if math.IsNaN(v) {
		return nil
	}
	return v
}
