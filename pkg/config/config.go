// Copyright 2024 rosa project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package config loads and validates the per-campaign configuration and
// owns the layout of the campaign output directory, which is the stable
// contract consumed by the external tools (dashboard, evaluator, simulator).
package config

import (
	"bytes"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/binsec/rosa/pkg/criterion"
	"github.com/binsec/rosa/pkg/distance"
	"github.com/binsec/rosa/pkg/errs"
	"github.com/binsec/rosa/pkg/fuzzer"
	"github.com/binsec/rosa/pkg/oracle"
	"github.com/binsec/rosa/pkg/osutil"
)

// Config is the full description of one detection campaign.
type Config struct {
	OutputDir string             `toml:"output_dir"`
	Fuzzers   []*fuzzer.Instance `toml:"fuzzers"`
	// By default only the "main" instance's queue is ingested; the other
	// instances still contribute through the fuzzer's own syncing.
	CollectFromAllFuzzers bool            `toml:"collect_from_all_fuzzers"`
	SeedConditions        SeedConditions  `toml:"seed_conditions"`
	ClusterFormation      FormationConfig `toml:"cluster_formation"`
	ClusterSelection      SelectionConfig `toml:"cluster_selection"`
	Oracle                OracleConfig    `toml:"oracle"`

	path string
}

// FormationConfig picks how phase-1 clusters are formed.
type FormationConfig struct {
	Criterion        criterion.Criterion `toml:"criterion"`
	Metric           distance.Tagged     `toml:"distance_metric"`
	EdgeTolerance    uint64              `toml:"edge_tolerance"`
	SyscallTolerance uint64              `toml:"syscall_tolerance"`
}

// SelectionConfig picks how the most similar cluster is chosen in phase 2.
type SelectionConfig struct {
	Criterion criterion.Criterion `toml:"criterion"`
	Metric    distance.Tagged     `toml:"distance_metric"`
}

// OracleConfig picks the oracle and the criterion/metric it judges under.
type OracleConfig struct {
	Oracle    oracle.Tagged       `toml:"oracle"`
	Criterion criterion.Criterion `toml:"criterion"`
	Metric    distance.Tagged     `toml:"distance_metric"`
}

// SeedConditions is the disjunction of clauses that ends the input
// collection phase. At least one clause must be configured; the first one
// to hold triggers the transition.
type SeedConditions struct {
	Seconds         *uint64  `toml:"seconds,omitempty"`
	EdgeCoverage    *float64 `toml:"edge_coverage,omitempty"`
	SyscallCoverage *float64 `toml:"syscall_coverage,omitempty"`
}

// Check evaluates the disjunction against the current campaign state.
func (sc *SeedConditions) Check(elapsed time.Duration, edgeCov, syscallCov float64) bool {
	if sc.Seconds != nil && uint64(elapsed.Seconds()) >= *sc.Seconds {
		return true
	}
	if sc.EdgeCoverage != nil && edgeCov >= *sc.EdgeCoverage {
		return true
	}
	if sc.SyscallCoverage != nil && syscallCov >= *sc.SyscallCoverage {
		return true
	}
	return false
}

func (sc *SeedConditions) validate() error {
	if sc.Seconds == nil && sc.EdgeCoverage == nil && sc.SyscallCoverage == nil {
		return errs.New("no seed condition configured; set at least one of " +
			"seed_conditions.{seconds,edge_coverage,syscall_coverage}")
	}
	return nil
}

// Default returns a config with the documented default tagged choices and
// no fuzzers.
func Default() *Config {
	return &Config{
		ClusterFormation: FormationConfig{
			Criterion: criterion.EdgesOnly,
			Metric:    distance.Tagged{Metric: distance.Hamming{}},
		},
		ClusterSelection: SelectionConfig{
			Criterion: criterion.EdgesAndSyscalls,
			Metric:    distance.Tagged{Metric: distance.Hamming{}},
		},
		Oracle: OracleConfig{
			Oracle:    oracle.Tagged{Oracle: oracle.CompMinMax{}},
			Criterion: criterion.SyscallsOnly,
			Metric:    distance.Tagged{Metric: distance.Hamming{}},
		},
	}
}

// Load reads and validates a campaign config file. Unknown keys and unknown
// criterion/metric/oracle/backend tags are rejected.
func Load(file string) (*Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(file, cfg)
	if err != nil {
		return nil, errs.Wrapf(err, "invalid config file %q", file)
	}
	if undecoded := meta.Undecoded(); len(undecoded) != 0 {
		return nil, errs.Newf("%v: unknown config option %q", file, undecoded[0].String())
	}
	cfg.path = file
	if err := cfg.Validate(); err != nil {
		return nil, errs.Wrapf(err, "%v", file)
	}
	return cfg, nil
}

// Validate checks the structural requirements of the config.
func (cfg *Config) Validate() error {
	if cfg.OutputDir == "" {
		return errs.New("output_dir is not set")
	}
	if len(cfg.Fuzzers) == 0 {
		return errs.New("no fuzzers configured")
	}
	names := make(map[string]bool)
	for _, inst := range cfg.Fuzzers {
		if err := inst.Validate(); err != nil {
			return err
		}
		if names[inst.Name] {
			return errs.Newf("duplicate fuzzer name %q", inst.Name)
		}
		names[inst.Name] = true
	}
	return cfg.SeedConditions.validate()
}

// CollectInstances returns the instances whose queues the pipeline ingests:
// all of them when collect_from_all_fuzzers is set, otherwise the instance
// named "main" (falling back to the first one).
func (cfg *Config) CollectInstances() []*fuzzer.Instance {
	if cfg.CollectFromAllFuzzers {
		return cfg.Fuzzers
	}
	for _, inst := range cfg.Fuzzers {
		if inst.Name == "main" {
			return []*fuzzer.Instance{inst}
		}
	}
	return cfg.Fuzzers[:1]
}

const (
	configFileName   = "config.toml"
	phaseFileName    = ".current_phase"
	coverageFileName = ".current_coverage"
	statsFileName    = "stats.csv"
)

func (cfg *Config) BackdoorsDir() string { return filepath.Join(cfg.OutputDir, "backdoors") }
func (cfg *Config) ClustersDir() string  { return filepath.Join(cfg.OutputDir, "clusters") }
func (cfg *Config) DecisionsDir() string { return filepath.Join(cfg.OutputDir, "decisions") }
func (cfg *Config) LogsDir() string      { return filepath.Join(cfg.OutputDir, "logs") }
func (cfg *Config) TracesDir() string    { return filepath.Join(cfg.OutputDir, "traces") }

func (cfg *Config) ConfigFile() string   { return filepath.Join(cfg.OutputDir, configFileName) }
func (cfg *Config) PhaseFile() string    { return filepath.Join(cfg.OutputDir, phaseFileName) }
func (cfg *Config) CoverageFile() string { return filepath.Join(cfg.OutputDir, coverageFileName) }
func (cfg *Config) StatsFile() string    { return filepath.Join(cfg.OutputDir, statsFileName) }

// SetupDirs creates the output directory tree from scratch. An existing
// output directory is an error unless force is set, in which case it is
// removed first.
func (cfg *Config) SetupDirs(force bool) error {
	if osutil.IsExist(cfg.OutputDir) {
		if !force {
			return errs.Newf("output directory %q already exists, so it would be overwritten; "+
				"if that's intentional, use -force", cfg.OutputDir)
		}
		if err := os.RemoveAll(cfg.OutputDir); err != nil {
			return errs.Wrapf(err, "could not remove %q", cfg.OutputDir)
		}
	}
	for _, dir := range []string{
		cfg.OutputDir,
		cfg.BackdoorsDir(),
		cfg.ClustersDir(),
		cfg.DecisionsDir(),
		cfg.LogsDir(),
		cfg.TracesDir(),
	} {
		if err := osutil.MkdirAll(dir); err != nil {
			return errs.Wrapf(err, "could not create %q", dir)
		}
	}
	return nil
}

// SaveCopy persists the campaign config into the output directory: a
// verbatim copy of the source file when the config was loaded from disk,
// or a TOML encoding when it was built in memory.
func (cfg *Config) SaveCopy() error {
	if cfg.path != "" {
		if err := osutil.CopyFile(cfg.path, cfg.ConfigFile()); err != nil {
			return errs.Wrapf(err, "could not copy config to %q", cfg.ConfigFile())
		}
		return nil
	}
	buf := new(bytes.Buffer)
	if err := toml.NewEncoder(buf).Encode(cfg); err != nil {
		return errs.Wrapf(err, "could not encode config")
	}
	if err := osutil.WriteFile(cfg.ConfigFile(), buf.Bytes()); err != nil {
		return errs.Wrapf(err, "could not save config to %q", cfg.ConfigFile())
	}
	return nil
}
