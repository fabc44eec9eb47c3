// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/OpenPSG/erpkit/internal/config"
	"github.com/OpenPSG/erpkit/internal/logging"
	"github.com/OpenPSG/erpkit/output"
	"github.com/OpenPSG/erpkit/pipeline"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// sinks fans each finished participant out to every configured sink.
type sinks []pipeline.Sink

func (s sinks) WriteParticipant(res *pipeline.ParticipantResult) error {
	var errs []error
	for _, sink := range s {
		errs = append(errs, sink.WriteParticipant(res))
	}
	return errors.Join(errs...)
}

// participantConfig records the per-participant values used by a run,
// including the ones detected automatically.
type participantConfig struct {
	BadChannels     []string `json:"bad_channels"`
	AutoBadChannels []string `json:"auto_bad_channels"`
	SkipLogRows     []int    `json:"skip_log_rows"`
	UnmatchedRows   []int    `json:"unmatched_log_rows"`
}

type effectiveConfig struct {
	RunID        string                       `json:"run_id"`
	Config       *config.Config               `json:"config"`
	Participants map[string]participantConfig `json:"participants"`
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "Path to the YAML configuration (default ./erpkit.yaml)")
	envPath := flag.String("env", "", "Path to a .env file (default ./.env if present)")
	flag.Parse()

	if err := config.LoadEnv(*envPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	conf, err := config.Load(*configPath, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	log, err := logging.New(conf.LoggerOptions())
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logger:", err)
		return 1
	}
	defer log.Sync()

	opts, err := conf.Options(log)
	if err != nil {
		log.Error("Invalid configuration", zap.Error(err))
		return 1
	}

	participants, err := conf.Participants()
	if err != nil {
		log.Error("Failed to find participants", zap.Error(err))
		return 1
	}

	opts.RunID = uuid.NewString()

	dir := &output.Dir{
		Root:       conf.Output.Dir,
		TrialsDir:  outputPath(conf.Output.Dir, conf.Output.TrialsDir),
		EvokedsDir: outputPath(conf.Output.Dir, conf.Output.EvokedsDir),
		CleanDir:   outputPath(conf.Output.Dir, conf.Output.CleanDir),
	}
	outputs := sinks{dir}

	var db *output.SQLiteSink
	if conf.Output.SQLite != "" {
		path := outputPath(conf.Output.Dir, conf.Output.SQLite)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			log.Error("Failed to create database directory", zap.Error(err))
			return 1
		}
		if db, err = output.OpenSQLite(path, opts.RunID); err != nil {
			log.Error("Failed to open database", zap.String("path", path), zap.Error(err))
			return 1
		}
		defer db.Close()
		outputs = append(outputs, db)
	}
	opts.Sink = outputs

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, err := pipeline.Run(ctx, opts, participants)
	if err != nil {
		log.Error("Run aborted", zap.Error(err))
		return 1
	}

	if err := dir.WriteGroup(group); err != nil {
		log.Error("Failed to write group results", zap.Error(err))
		return 1
	}
	if db != nil {
		if err := db.WriteGroup(group); err != nil {
			log.Error("Failed to store group results", zap.Error(err))
			return 1
		}
	}

	effective := effectiveConfig{
		RunID:        opts.RunID,
		Config:       conf,
		Participants: make(map[string]participantConfig),
	}
	for _, p := range participants {
		effective.Participants[p.ID] = participantConfig{BadChannels: p.BadChannels, SkipLogRows: p.SkipRows}
	}
	for _, p := range group.Summary.Processed {
		pc := effective.Participants[p.ID]
		pc.AutoBadChannels = p.AutoBadChannels
		pc.UnmatchedRows = p.UnmatchedRows
		effective.Participants[p.ID] = pc
	}
	if err := dir.WriteConfig(effective); err != nil {
		log.Error("Failed to write configuration", zap.Error(err))
		return 1
	}

	log.Info("Results written", zap.String("dir", conf.Output.Dir), zap.Int("failed", len(group.Summary.Failures)))
	return 0
}

// outputPath resolves optional output locations relative to the output directory.
func outputPath(root, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}
