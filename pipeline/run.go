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
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"

	"github.com/OpenPSG/erpkit/averaging"
	"github.com/OpenPSG/erpkit/cluster"
	"github.com/OpenPSG/erpkit/eeg"
	"github.com/OpenPSG/erpkit/internal/natural"
	"github.com/OpenPSG/erpkit/trials"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ContrastResult is the cluster test of one contrast.
type ContrastResult struct {
	Contrast     Contrast
	Participants []string // Participants contributing both conditions
	Result       *cluster.Result
}

// GroupResult holds the merged outputs of a run.
type GroupResult struct {
	Participants     []*ParticipantResult // Successful participants in input order
	Trials           *trials.Table
	Evokeds          []eeg.Evoked
	GrandAverages    []eeg.Evoked
	TFREvokeds       []eeg.Evoked
	TFRGrandAverages []eeg.Evoked
	Clusters         []ContrastResult
	TFRClusters      []ContrastResult
	Summary          *Summary
}

// Run processes every participant and computes the group level results.
// A participant failure is recorded in the summary and does not stop the
// others. Participants whose averages lie on a different grid than most
// others are excluded at the barrier and recorded as failures. A missing
// channel or a canceled context aborts the run.
func Run(ctx context.Context, opts *Options, participants []Participant) (*GroupResult, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	seen := make(map[string]bool)
	for _, p := range participants {
		if p.ID == "" {
			return nil, errors.New("participant without id")
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("participant %s is listed twice", p.ID)
		}
		seen[p.ID] = true
	}

	log := opts.logger()
	summary := newSummary(opts.RunID, len(participants))
	log.Info("Starting run", zap.String("run_id", summary.RunID), zap.Int("participants", len(participants)))

	results := make([]*ParticipantResult, len(participants))
	failures := make([]error, len(participants))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers(opts.Workers))
	for i, p := range participants {
		g.Go(func() error {
			res, err := ProcessParticipant(gctx, opts, p)
			if err == nil && opts.Sink != nil {
				if werr := opts.Sink.WriteParticipant(res); werr != nil {
					err = &StageError{Participant: p.ID, Stage: StageWrite, Err: werr}
				}
			}
			if err != nil {
				if runFatal(gctx, err) {
					return err
				}
				log.Error("Participant failed", zap.String("participant", p.ID), zap.Error(err))
				failures[i] = err
				return nil
			}
			res.Raw = nil
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ref := majorityGrid(results)
	for i, res := range results {
		if res == nil || gridOf(res).fits(ref) {
			continue
		}
		err := &StageError{Participant: res.ID, Stage: StageAverage, Err: fmt.Errorf("%w: %s", ErrGridMismatch, gridOf(res))}
		log.Error("Participant failed", zap.String("participant", res.ID), zap.Error(err))
		results[i], failures[i] = nil, err
	}

	group := &GroupResult{Summary: summary}
	var tables []*trials.Table
	for i, res := range results {
		if failures[i] != nil {
			summary.addFailure(participants[i].ID, failures[i])
			continue
		}
		summary.addParticipant(res)
		group.Participants = append(group.Participants, res)
		tables = append(tables, res.Trials)
		group.Evokeds = append(group.Evokeds, res.Evokeds...)
		group.TFREvokeds = append(group.TFREvokeds, res.TFREvokeds...)
	}
	group.Trials = trials.Concat(tables...)

	groupings := []string{averaging.TriggerGrouping}
	if len(opts.AverageBy) > 0 {
		groupings = groupings[:0]
		for _, term := range opts.AverageBy {
			groupings = append(groupings, term.Name())
		}
	}
	averaging.Sort(group.Evokeds, groupings)
	averaging.Sort(group.TFREvokeds, groupings)

	var err error
	if group.GrandAverages, err = averaging.GrandAverage(group.Evokeds); err != nil {
		return nil, err
	}
	if group.TFRGrandAverages, err = averaging.GrandAverage(group.TFREvokeds); err != nil {
		return nil, err
	}

	if len(group.Participants) > 0 {
		if group.Clusters, err = testContrasts(ctx, opts, group.Evokeds, opts.Perm.Window, false, summary); err != nil {
			return nil, err
		}
		if opts.TFR != nil {
			if group.TFRClusters, err = testContrasts(ctx, opts, group.TFREvokeds, opts.TFR.Window, true, summary); err != nil {
				return nil, err
			}
		}
	}

	summary.finish()
	log.Info("Run finished",
		zap.String("run_id", summary.RunID),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", len(summary.Failures)),
		zap.Duration("elapsed", summary.Finished.Sub(summary.Started)))
	return group, nil
}

// testContrasts runs every configured contrast. Failures specific to a
// contrast are recorded in the summary; only run-fatal errors are returned.
func testContrasts(ctx context.Context, opts *Options, evokeds []eeg.Evoked, window cluster.Window, tfr bool, summary *Summary) ([]ContrastResult, error) {
	log := opts.logger()
	var out []ContrastResult
	for _, c := range opts.Perm.Contrasts {
		res, err := testContrast(ctx, opts, evokeds, window, c)
		if err != nil {
			if runFatal(ctx, err) {
				return nil, err
			}
			log.Warn("Contrast failed", zap.String("contrast", c.Label()), zap.Bool("tfr", tfr), zap.Error(err))
			summary.ContrastErrors = append(summary.ContrastErrors, ContrastError{Contrast: c.Label(), TFR: tfr, Error: err.Error()})
			continue
		}
		log.Info("Contrast tested",
			zap.String("contrast", c.Label()),
			zap.Bool("tfr", tfr),
			zap.Int("participants", len(res.Participants)),
			zap.Int("clusters", len(res.Result.Clusters)))
		out = append(out, *res)
	}
	return out, nil
}

func testContrast(ctx context.Context, opts *Options, evokeds []eeg.Evoked, window cluster.Window, c Contrast) (*ContrastResult, error) {
	a, err := averaging.Select(evokeds, c.A)
	if err != nil {
		return nil, err
	}
	b, err := averaging.Select(evokeds, c.B)
	if err != nil {
		return nil, err
	}

	var ids []string
	for id := range a {
		if _, ok := b[id]; ok {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no participant has both conditions", cluster.ErrTooFewParticipants)
	}
	slices.SortFunc(ids, natural.Compare)

	dims := a[ids[0]].Dims
	sel, err := cluster.Crop(dims, window)
	if err != nil {
		return nil, err
	}
	if sel.Empty() {
		return nil, errors.New("test window selects no data")
	}

	if opts.Perm.Adjacency == nil && len(sel.Dims.Channels) > 1 {
		opts.logger().Warn("No channel adjacency, clusters will not span channels",
			zap.String("contrast", c.Label()), zap.Int("channels", len(sel.Dims.Channels)))
	}

	xa := make([][]float64, len(ids))
	xb := make([][]float64, len(ids))
	for i, id := range ids {
		if !a[id].Dims.Equal(dims) || !b[id].Dims.Equal(dims) {
			return nil, fmt.Errorf("%w: participant %s", cluster.ErrShapeMismatch, id)
		}
		xa[i] = sel.Apply(a[id].Data)
		xb[i] = sel.Apply(b[id].Data)
	}

	copts := opts.Perm.Options
	if copts.Workers == 0 {
		copts.Workers = opts.Workers
	}
	res, err := cluster.Test(ctx, xa, xb, sel.Dims, opts.Perm.Adjacency, copts)
	if err != nil {
		return nil, err
	}
	return &ContrastResult{Contrast: c, Participants: ids, Result: res}, nil
}

// ErrGridMismatch marks a participant whose averages do not lie on the grid
// shared by the other participants, e.g. after recording at another rate.
var ErrGridMismatch = errors.New("averages do not share the grid of the other participants")

// grid holds the axes of a participant's ERP and TFR averages; nil when the
// participant has none of that kind.
type grid struct {
	erp, tfr *eeg.Dims
}

func gridOf(res *ParticipantResult) grid {
	var g grid
	if len(res.Evokeds) > 0 {
		g.erp = &res.Evokeds[0].Dims
	}
	if len(res.TFREvokeds) > 0 {
		g.tfr = &res.TFREvokeds[0].Dims
	}
	return g
}

func (g grid) fits(o grid) bool {
	same := func(a, b *eeg.Dims) bool { return a == nil || b == nil || a.Equal(*b) }
	return same(g.erp, o.erp) && same(g.tfr, o.tfr)
}

func (g grid) String() string {
	d := g.erp
	if d == nil {
		d = g.tfr
	}
	if d == nil || len(d.Times) == 0 {
		return "no averages"
	}
	return fmt.Sprintf("%d channels, %d frequencies, %d samples from %gs to %gs",
		len(d.Channels), len(d.Freqs), len(d.Times), d.Times[0], d.Times[len(d.Times)-1])
}

// majorityGrid returns the grid shared by most successful participants, the
// earliest one on ties.
func majorityGrid(results []*ParticipantResult) grid {
	var grids []grid
	var counts []int
	for _, res := range results {
		if res == nil {
			continue
		}
		g := gridOf(res)
		if g.erp == nil && g.tfr == nil {
			continue
		}
		idx := slices.IndexFunc(grids, g.fits)
		if idx < 0 {
			grids, counts = append(grids, g), append(counts, 0)
			idx = len(grids) - 1
		}
		if grids[idx].erp == nil {
			grids[idx].erp = g.erp
		}
		if grids[idx].tfr == nil {
			grids[idx].tfr = g.tfr
		}
		counts[idx]++
	}

	var best grid
	most := 0
	for i, n := range counts {
		if n > most {
			best, most = grids[i], n
		}
	}
	return best
}

func runFatal(ctx context.Context, err error) bool {
	return errors.Is(err, eeg.ErrMissingChannel) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		ctx.Err() != nil
}

func workers(n int) int {
	if n <= 0 {
		return runtime.GOMAXPROCS(0)
	}
	return n
}
