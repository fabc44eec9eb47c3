// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package config loads the run configuration from YAML files, the
// environment and defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strconv"
	"strings"

	"github.com/OpenPSG/erpkit/averaging"
	"github.com/OpenPSG/erpkit/cluster"
	"github.com/OpenPSG/erpkit/eeg"
	"github.com/OpenPSG/erpkit/epoching"
	"github.com/OpenPSG/erpkit/internal/logging"
	"github.com/OpenPSG/erpkit/pipeline"
	"github.com/OpenPSG/erpkit/tfr"
	"github.com/OpenPSG/erpkit/trials"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config is the top-level configuration structure.
type Config struct {
	Input             InputConfig         `mapstructure:"input" json:"input"`
	Output            OutputConfig        `mapstructure:"output" json:"output"`
	Epochs            EpochsConfig        `mapstructure:"epochs" json:"epochs"`
	Triggers          any                 `mapstructure:"triggers" json:"triggers"`
	TriggersColumn    string              `mapstructure:"triggers_column" json:"triggers_column"`
	SkipLogConditions map[string][]string `mapstructure:"skip_log_conditions" json:"skip_log_conditions"`
	Reject            RejectConfig        `mapstructure:"reject" json:"reject"`
	Reference         ReferenceConfig     `mapstructure:"reference" json:"reference"`
	Components        []ComponentConfig   `mapstructure:"components" json:"components"`
	AverageBy         []string            `mapstructure:"average_by" json:"average_by"`
	TFR               TFRConfig           `mapstructure:"tfr" json:"tfr"`
	Perm              PermConfig          `mapstructure:"perm" json:"perm"`
	Workers           int                 `mapstructure:"workers" json:"workers"`
	Logging           LoggingConfig       `mapstructure:"logging" json:"logging"`
}

// InputConfig locates recordings and logs. Explicit file lists take
// precedence over directories.
type InputConfig struct {
	RawDir        string                       `mapstructure:"raw_dir" json:"raw_dir"`
	RawFiles      []string                     `mapstructure:"raw_files" json:"raw_files"`
	LogDir        string                       `mapstructure:"log_dir" json:"log_dir"`
	LogFiles      []string                     `mapstructure:"log_files" json:"log_files"`
	RawExtensions []string                     `mapstructure:"raw_extensions" json:"raw_extensions"`
	LogExtensions []string                     `mapstructure:"log_extensions" json:"log_extensions"`
	BadChannels   []string                     `mapstructure:"bad_channels" json:"bad_channels"`
	SkipLogRows   []int                        `mapstructure:"skip_log_rows" json:"skip_log_rows"`
	Participants  map[string]ParticipantConfig `mapstructure:"participants" json:"participants"`
}

// ParticipantConfig holds values added to the shared ones for one participant.
type ParticipantConfig struct {
	BadChannels []string `mapstructure:"bad_channels" json:"bad_channels"`
	SkipLogRows []int    `mapstructure:"skip_log_rows" json:"skip_log_rows"`
}

// OutputConfig holds output locations.
type OutputConfig struct {
	Dir        string `mapstructure:"dir" json:"dir"`
	TrialsDir  string `mapstructure:"trials_dir" json:"trials_dir"`
	EvokedsDir string `mapstructure:"evokeds_dir" json:"evokeds_dir"`
	CleanDir   string `mapstructure:"clean_dir" json:"clean_dir"`
	SQLite     string `mapstructure:"sqlite" json:"sqlite"`
}

// EpochsConfig holds the epoch window. An empty baseline disables baseline
// correction; a null bound extends to the epoch edge.
type EpochsConfig struct {
	TMin     float64    `mapstructure:"tmin" json:"tmin"`
	TMax     float64    `mapstructure:"tmax" json:"tmax"`
	Baseline []*float64 `mapstructure:"baseline" json:"baseline"`
}

// RejectConfig holds artifact thresholds in µV. Zero disables a threshold.
type RejectConfig struct {
	PeakToPeak float64 `mapstructure:"peak_to_peak" json:"peak_to_peak"`
	Flat       float64 `mapstructure:"flat" json:"flat"`
	PercentBad float64 `mapstructure:"percent_bad" json:"percent_bad"`
}

// ReferenceConfig selects re-referencing.
type ReferenceConfig struct {
	Average bool `mapstructure:"average" json:"average"`
}

// ComponentConfig defines a component window.
type ComponentConfig struct {
	Name string   `mapstructure:"name" json:"name"`
	TMin float64  `mapstructure:"tmin" json:"tmin"`
	TMax float64  `mapstructure:"tmax" json:"tmax"`
	ROI  []string `mapstructure:"roi" json:"roi"`
	FMin *float64 `mapstructure:"fmin" json:"fmin,omitempty"`
	FMax *float64 `mapstructure:"fmax" json:"fmax,omitempty"`
}

// TFRConfig holds the time-frequency settings.
type TFRConfig struct {
	Enabled          bool              `mapstructure:"enabled" json:"enabled"`
	Freqs            []float64         `mapstructure:"freqs" json:"freqs"`
	Cycles           []float64         `mapstructure:"cycles" json:"cycles"`
	Baseline         []*float64        `mapstructure:"baseline" json:"baseline"`
	SubtractEvoked   bool              `mapstructure:"subtract_evoked" json:"subtract_evoked"`
	SubtractEvokedBy string            `mapstructure:"subtract_evoked_by" json:"subtract_evoked_by"`
	Components       []ComponentConfig `mapstructure:"components" json:"components"`
}

// PermConfig holds the cluster test settings.
type PermConfig struct {
	Contrasts        [][]string `mapstructure:"contrasts" json:"contrasts"`
	TMin             *float64   `mapstructure:"tmin" json:"tmin"`
	TMax             *float64   `mapstructure:"tmax" json:"tmax"`
	FMin             *float64   `mapstructure:"fmin" json:"fmin"`
	FMax             *float64   `mapstructure:"fmax" json:"fmax"`
	Channels         []string   `mapstructure:"channels" json:"channels"`
	NPermutations    int        `mapstructure:"n_permutations" json:"n_permutations"`
	Seed             uint64     `mapstructure:"seed" json:"seed"`
	Alpha            float64    `mapstructure:"alpha" json:"alpha"`
	Threshold        float64    `mapstructure:"threshold" json:"threshold"`
	SeparateTails    bool       `mapstructure:"separate_tails" json:"separate_tails"`
	Neighbors        string     `mapstructure:"neighbors" json:"neighbors"`
	NeighborDistance float64    `mapstructure:"neighbor_distance" json:"neighbor_distance"`
}

// LoggingConfig holds settings for the logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level" json:"level"`
	Directory  string `mapstructure:"directory" json:"directory"`
	MaxSize    int    `mapstructure:"max_size" json:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" json:"max_age"`
	Compress   bool   `mapstructure:"compress" json:"compress"`
}

// setDefaults sets the default values for the configuration.
func setDefaults(v *viper.Viper) {
	// Input defaults
	v.SetDefault("input.raw_extensions", []string{"edf"})
	v.SetDefault("input.log_extensions", []string{"csv", "tsv", "txt"})

	// Epoch defaults
	v.SetDefault("epochs.tmin", -0.5)
	v.SetDefault("epochs.tmax", 1.5)
	v.SetDefault("epochs.baseline", []any{-0.2, 0.0})
	v.SetDefault("triggers_column", "")

	// Rejection defaults
	v.SetDefault("reject.peak_to_peak", 200.0)
	v.SetDefault("reject.flat", 0.0)
	v.SetDefault("reject.percent_bad", 0.05)
	v.SetDefault("reference.average", true)

	// Time-frequency defaults
	freqs := make([]float64, 37)
	cycles := make([]float64, 37)
	for i := range freqs {
		freqs[i] = float64(4 + i)
		cycles[i] = 2 + 0.5*float64(i)
	}
	v.SetDefault("tfr.enabled", false)
	v.SetDefault("tfr.freqs", freqs)
	v.SetDefault("tfr.cycles", cycles)
	v.SetDefault("tfr.baseline", []any{-0.45, -0.05})
	v.SetDefault("tfr.subtract_evoked", false)
	v.SetDefault("tfr.subtract_evoked_by", "")

	// Permutation test defaults
	v.SetDefault("perm.tmin", 0.0)
	v.SetDefault("perm.tmax", 1.0)
	v.SetDefault("perm.n_permutations", 5000)
	v.SetDefault("perm.seed", 1234)
	v.SetDefault("perm.alpha", 0.05)
	v.SetDefault("perm.threshold", 0.0)
	v.SetDefault("perm.separate_tails", false)
	v.SetDefault("perm.neighbors", "")
	v.SetDefault("perm.neighbor_distance", 0.0)

	v.SetDefault("workers", 0)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.directory", "")
	v.SetDefault("logging.max_size", 10)   // 10 MB
	v.SetDefault("logging.max_backups", 3) // Keep 3 backups
	v.SetDefault("logging.max_age", 7)     // 7 days
	v.SetDefault("logging.compress", true) // Compress old logs

	v.SetDefault("output.dir", "")
	v.SetDefault("output.trials_dir", "")
	v.SetDefault("output.evokeds_dir", "")
	v.SetDefault("output.clean_dir", "")
	v.SetDefault("output.sqlite", "")
}

// LoadEnv loads environment variables from a .env file. Without a path an
// optional .env in the working directory is used.
func LoadEnv(path string) error {
	if path == "" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("error loading .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("error loading %s: %w", path, err)
	}
	return nil
}

// Load reads the configuration. Without a path, erpkit.yaml is searched in
// the working directory; it is fine if it does not exist. Environment
// variables prefixed with ERPKIT_ override file values.
func Load(path string, log *zap.Logger) (*Config, error) {
	v := viper.New()

	// Set default values
	setDefaults(v)

	// --- File Configuration ---
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("erpkit")
		v.SetConfigType("yaml")
	}

	// --- Environment Variable Binding ---
	v.SetEnvPrefix("ERPKIT") // e.g., ERPKIT_OUTPUT_DIR
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var conf Config
	if err := v.Unmarshal(&conf); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if log != nil {
		log.Info("Configuration loaded", zap.String("file", v.ConfigFileUsed()))
	}
	return &conf, nil
}

// Validate checks structural constraints that do not depend on the data.
func (c *Config) Validate() error {
	var errs []error
	if c.Output.Dir == "" {
		errs = append(errs, errors.New("output.dir is required"))
	}
	if len(c.Input.RawFiles) == 0 && c.Input.RawDir == "" {
		errs = append(errs, errors.New("either input.raw_files or input.raw_dir is required"))
	}
	if len(c.Input.RawFiles) > 0 && len(c.Input.RawFiles) != len(c.Input.LogFiles) {
		errs = append(errs, fmt.Errorf("%d raw files but %d log files", len(c.Input.RawFiles), len(c.Input.LogFiles)))
	}
	if c.Epochs.TMin >= c.Epochs.TMax {
		errs = append(errs, fmt.Errorf("epochs.tmin %g must be before epochs.tmax %g", c.Epochs.TMin, c.Epochs.TMax))
	}
	if err := checkWindow("epochs.baseline", c.Epochs.Baseline); err != nil {
		errs = append(errs, err)
	} else if len(c.Epochs.Baseline) == 2 {
		start, end := c.Epochs.Baseline[0], c.Epochs.Baseline[1]
		if (start != nil && *start < c.Epochs.TMin) || (end != nil && *end > c.Epochs.TMax) {
			errs = append(errs, errors.New("epochs.baseline must lie inside the epoch"))
		}
	}
	if c.Reject.PercentBad < 0 || c.Reject.PercentBad > 1 {
		errs = append(errs, fmt.Errorf("reject.percent_bad %g must be between 0 and 1", c.Reject.PercentBad))
	}
	for _, comp := range c.Components {
		if comp.FMin != nil || comp.FMax != nil {
			errs = append(errs, fmt.Errorf("component %s: frequency bands belong to tfr.components", comp.Name))
		}
	}
	if c.TFR.Enabled {
		if err := checkWindow("tfr.baseline", c.TFR.Baseline); err != nil {
			errs = append(errs, err)
		}
	}
	for _, pair := range c.Perm.Contrasts {
		if len(pair) != 2 {
			errs = append(errs, fmt.Errorf("contrast %v must name exactly two conditions", pair))
		}
	}
	if len(c.Perm.Contrasts) > 0 && c.Perm.Neighbors == "" && len(c.Perm.Channels) != 1 {
		errs = append(errs, errors.New("perm.neighbors is required to form clusters across channels; set it or restrict perm.channels to one channel"))
	}
	if c.Perm.Alpha <= 0 && c.Perm.Threshold <= 0 {
		errs = append(errs, errors.New("either perm.alpha or perm.threshold must be positive"))
	}
	if _, _, err := c.triggers(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func checkWindow(key string, w []*float64) error {
	switch len(w) {
	case 0:
		return nil
	case 2:
		if w[0] != nil && w[1] != nil && *w[0] > *w[1] {
			return fmt.Errorf("%s start %g is after its end %g", key, *w[0], *w[1])
		}
		return nil
	default:
		return fmt.Errorf("%s must have two elements", key)
	}
}

// Options maps the configuration to pipeline options.
func (c *Config) Options(log *zap.Logger) (*pipeline.Options, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	terms, err := averaging.ParseTerms(c.AverageBy)
	if err != nil {
		return nil, err
	}
	codes, labels, err := c.triggers()
	if err != nil {
		return nil, err
	}

	opts := &pipeline.Options{
		Epochs: epoching.Options{
			TMin:       c.Epochs.TMin,
			TMax:       c.Epochs.TMax,
			PeakToPeak: positive(c.Reject.PeakToPeak),
			Flat:       positive(c.Reject.Flat),
			PercentBad: c.Reject.PercentBad,
		},
		Triggers:         codes,
		TriggerLabels:    labels,
		TriggerColumn:    c.TriggersColumn,
		SkipConditions:   c.SkipLogConditions,
		AverageReference: c.Reference.Average,
		Components:       components(c.Components),
		AverageBy:        terms,
		Perm: pipeline.PermOptions{
			Window: cluster.Window{
				TMin:     c.Perm.TMin,
				TMax:     c.Perm.TMax,
				FMin:     c.Perm.FMin,
				FMax:     c.Perm.FMax,
				Channels: c.Perm.Channels,
			},
			Options: cluster.Options{
				Threshold:     c.Perm.Threshold,
				Alpha:         c.Perm.Alpha,
				NPermutations: c.Perm.NPermutations,
				Seed:          c.Perm.Seed,
				SeparateTails: c.Perm.SeparateTails,
			},
		},
		Workers: c.Workers,
		Logger:  log,
	}
	if len(c.Epochs.Baseline) == 2 {
		opts.Epochs.Baseline = &epoching.Window{Start: c.Epochs.Baseline[0], End: c.Epochs.Baseline[1]}
	}
	for _, pair := range c.Perm.Contrasts {
		opts.Perm.Contrasts = append(opts.Perm.Contrasts, pipeline.Contrast{A: pair[0], B: pair[1]})
	}

	if c.Perm.Neighbors != "" {
		layout, err := eeg.ReadLayout(c.Perm.Neighbors)
		if err != nil {
			return nil, err
		}
		if c.Perm.NeighborDistance > 0 {
			layout.Distance = c.Perm.NeighborDistance
		}
		if opts.Perm.Adjacency, err = layout.Adjacency(nil); err != nil {
			return nil, fmt.Errorf("error loading %s: %w", c.Perm.Neighbors, err)
		}
	}

	if c.TFR.Enabled {
		opts.TFR = &pipeline.TFROptions{
			Options: tfr.Options{
				Freqs:  c.TFR.Freqs,
				Cycles: c.TFR.Cycles,
			},
			SubtractEvoked: c.TFR.SubtractEvoked,
			Components:     components(c.TFR.Components),
			Window:         opts.Perm.Window,
		}
		if len(c.TFR.Baseline) == 2 {
			opts.TFR.BaselineStart = c.TFR.Baseline[0]
			opts.TFR.BaselineEnd = c.TFR.Baseline[1]
		} else {
			opts.TFR.NoBaseline = true
		}
		if c.TFR.SubtractEvokedBy != "" {
			by, err := averaging.ParseTerms([]string{c.TFR.SubtractEvokedBy})
			if err != nil {
				return nil, err
			}
			opts.TFR.SubtractEvokedBy = &by[0]
		}
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// Participants lists the participants to process with their shared and
// individual bad channels and skipped log rows.
func (c *Config) Participants() ([]pipeline.Participant, error) {
	var participants []pipeline.Participant
	var err error
	if len(c.Input.RawFiles) > 0 {
		participants, err = pipeline.Pair(c.Input.RawFiles, c.Input.LogFiles)
	} else {
		logDir := c.Input.LogDir
		if logDir == "" {
			logDir = c.Input.RawDir
		}
		participants, err = pipeline.Discover(c.Input.RawDir, logDir, c.Input.RawExtensions, c.Input.LogExtensions)
	}
	if err != nil {
		return nil, err
	}

	for i := range participants {
		p := &participants[i]
		p.BadChannels = slices.Clone(c.Input.BadChannels)
		p.SkipRows = slices.Clone(c.Input.SkipLogRows)
		// Keys are case-insensitive because viper lowercases them.
		for id, override := range c.Input.Participants {
			if !strings.EqualFold(id, p.ID) {
				continue
			}
			p.BadChannels = union(p.BadChannels, override.BadChannels)
			p.SkipRows = union(p.SkipRows, override.SkipLogRows)
		}
	}
	return participants, nil
}

// LoggerOptions returns the logger settings.
func (c *Config) LoggerOptions() logging.Options {
	return logging.Options{
		Level:      c.Logging.Level,
		Directory:  c.Logging.Directory,
		MaxSize:    c.Logging.MaxSize,
		MaxBackups: c.Logging.MaxBackups,
		MaxAge:     c.Logging.MaxAge,
		Compress:   c.Logging.Compress,
	}
}

// triggers interprets the triggers key: a list of codes, or a map from
// condition label to code.
func (c *Config) triggers() ([]int, map[int]string, error) {
	switch t := c.Triggers.(type) {
	case nil:
		return nil, nil, nil
	case []any:
		codes := make([]int, 0, len(t))
		for _, v := range t {
			code, err := toInt(v)
			if err != nil {
				return nil, nil, fmt.Errorf("triggers: %w", err)
			}
			codes = append(codes, code)
		}
		return codes, nil, nil
	case map[string]any:
		labels := make(map[int]string, len(t))
		codes := make([]int, 0, len(t))
		for label, v := range t {
			code, err := toInt(v)
			if err != nil {
				return nil, nil, fmt.Errorf("triggers.%s: %w", label, err)
			}
			if prev, ok := labels[code]; ok {
				return nil, nil, fmt.Errorf("trigger %d is labeled both %s and %s", code, prev, label)
			}
			labels[code] = label
			codes = append(codes, code)
		}
		slices.Sort(codes)
		return codes, labels, nil
	case string:
		var codes []int
		for _, field := range strings.FieldsFunc(t, func(r rune) bool { return r == ',' || r == ' ' }) {
			code, err := strconv.Atoi(field)
			if err != nil {
				return nil, nil, fmt.Errorf("triggers: %w", err)
			}
			codes = append(codes, code)
		}
		return codes, nil, nil
	default:
		return nil, nil, fmt.Errorf("triggers must be a list of codes or a map of labels to codes, got %T", c.Triggers)
	}
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("code %g is not an integer", n)
		}
		return int(n), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(n))
	default:
		return 0, fmt.Errorf("invalid code %v", v)
	}
}

func components(cfg []ComponentConfig) []trials.Component {
	out := make([]trials.Component, len(cfg))
	for i, c := range cfg {
		out[i] = trials.Component{
			Name: c.Name,
			TMin: c.TMin,
			TMax: c.TMax,
			ROI:  c.ROI,
			FMin: c.FMin,
			FMax: c.FMax,
		}
	}
	return out
}

func positive(v float64) *float64 {
	if v <= 0 {
		return nil
	}
	return &v
}

func union[T comparable](a, b []T) []T {
	for _, v := range b {
		if !slices.Contains(a, v) {
			a = append(a, v)
		}
	}
	return a
}
