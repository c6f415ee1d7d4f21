// Copyright 2024 rosa project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/binsec/rosa/pkg/criterion"
	"github.com/binsec/rosa/pkg/osutil"
)

const sampleConfig = `
output_dir = "OUT"

[seed_conditions]
seconds = 60
edge_coverage = 0.5

[cluster_formation]
criterion = "edges-and-syscalls"
edge_tolerance = 2

[[fuzzers]]
name = "main"
cmd = ["afl-fuzz", "-i", "in", "-o", "out", "-s", "{{ROSA_SEED}}", "--", "./target"]
test_input_dir = "out/main/queue"
trace_dump_dir = "out/main/trace_dumps"
crashes_dir = "out/main/crashes"
backend = "afl++"
[fuzzers.env]
AFL_DEBUG = "1"

[[fuzzers]]
name = "secondary"
cmd = ["afl-fuzz", "-S", "secondary"]
test_input_dir = "out/secondary/queue"
trace_dump_dir = "out/secondary/trace_dumps"
crashes_dir = "out/secondary/crashes"
backend = "afl++"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, osutil.WriteFile(file, []byte(content)))
	return file
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "OUT", cfg.OutputDir)
	require.Len(t, cfg.Fuzzers, 2)
	assert.Equal(t, "main", cfg.Fuzzers[0].Name)
	assert.Equal(t, "afl++", cfg.Fuzzers[0].Backend.Name())
	assert.Equal(t, map[string]string{"AFL_DEBUG": "1"}, cfg.Fuzzers[0].Env)

	require.NotNil(t, cfg.SeedConditions.Seconds)
	assert.EqualValues(t, 60, *cfg.SeedConditions.Seconds)
	require.NotNil(t, cfg.SeedConditions.EdgeCoverage)
	assert.Equal(t, 0.5, *cfg.SeedConditions.EdgeCoverage)
	assert.Nil(t, cfg.SeedConditions.SyscallCoverage)

	// Explicit settings override the defaults, the rest stays.
	assert.Equal(t, criterion.EdgesAndSyscalls, cfg.ClusterFormation.Criterion)
	assert.EqualValues(t, 2, cfg.ClusterFormation.EdgeTolerance)
	assert.EqualValues(t, 0, cfg.ClusterFormation.SyscallTolerance)
	assert.Equal(t, "hamming", cfg.ClusterFormation.Metric.Name())
	assert.Equal(t, criterion.EdgesAndSyscalls, cfg.ClusterSelection.Criterion)
	assert.Equal(t, "comp-min-max", cfg.Oracle.Oracle.Name())
	assert.Equal(t, criterion.SyscallsOnly, cfg.Oracle.Criterion)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, sampleConfig+"\nsurprise = true\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "surprise")
}

func TestLoadRejectsUnknownTags(t *testing.T) {
	for _, breakage := range []struct{ old, new string }{
		{`backend = "afl++"`, `backend = "honggfuzz"`},
		{`criterion = "edges-and-syscalls"`, `criterion = "edges"`},
	} {
		content := strings.Replace(sampleConfig, breakage.old, breakage.new, 1)
		_, err := Load(writeConfig(t, content))
		assert.Error(t, err, breakage.new)
	}
}

func TestLoadValidation(t *testing.T) {
	// Missing seed conditions.
	_, err := Load(writeConfig(t, `
output_dir = "OUT"
[[fuzzers]]
name = "main"
cmd = ["afl-fuzz"]
test_input_dir = "q"
trace_dump_dir = "d"
crashes_dir = "c"
backend = "afl++"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seed condition")

	// No fuzzers.
	_, err = Load(writeConfig(t, `
output_dir = "OUT"
[seed_conditions]
seconds = 1
`))
	assert.Error(t, err)

	// Duplicate fuzzer names.
	_, err = Load(writeConfig(t, `
output_dir = "OUT"
[seed_conditions]
seconds = 1
[[fuzzers]]
name = "main"
cmd = ["afl-fuzz"]
test_input_dir = "q"
trace_dump_dir = "d"
crashes_dir = "c"
backend = "afl++"
[[fuzzers]]
name = "main"
cmd = ["afl-fuzz"]
test_input_dir = "q2"
trace_dump_dir = "d2"
crashes_dir = "c2"
backend = "afl++"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestSeedConditions(t *testing.T) {
	seconds := uint64(10)
	edgeCov := 0.8
	sc := &SeedConditions{Seconds: &seconds, EdgeCoverage: &edgeCov}
	assert.False(t, sc.Check(9*time.Second, 0.5, 0))
	assert.True(t, sc.Check(10*time.Second, 0.5, 0))
	assert.True(t, sc.Check(0, 0.8, 0))

	syscallCov := 0.1
	sc = &SeedConditions{SyscallCoverage: &syscallCov}
	assert.False(t, sc.Check(time.Hour, 1.0, 0.05))
	assert.True(t, sc.Check(0, 0, 0.1))

	assert.Error(t, (&SeedConditions{}).validate())
}

func TestCollectInstances(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	instances := cfg.CollectInstances()
	require.Len(t, instances, 1)
	assert.Equal(t, "main", instances[0].Name)

	cfg.CollectFromAllFuzzers = true
	assert.Len(t, cfg.CollectInstances(), 2)

	// Without an instance named "main" the first one is used.
	cfg.CollectFromAllFuzzers = false
	cfg.Fuzzers[0].Name = "primary"
	instances = cfg.CollectInstances()
	require.Len(t, instances, 1)
	assert.Equal(t, "primary", instances[0].Name)
}

func TestSetupDirs(t *testing.T) {
	base := t.TempDir()
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	cfg.OutputDir = filepath.Join(base, "out")

	require.NoError(t, cfg.SetupDirs(false))
	for _, dir := range []string{
		cfg.BackdoorsDir(), cfg.ClustersDir(), cfg.DecisionsDir(), cfg.LogsDir(), cfg.TracesDir(),
	} {
		assert.True(t, osutil.IsDir(dir), dir)
	}

	// Existing output dir without force is a setup error.
	assert.Error(t, cfg.SetupDirs(false))

	// Force wipes the previous campaign.
	require.NoError(t, osutil.WriteFile(filepath.Join(cfg.TracesDir(), "stale"), nil))
	require.NoError(t, cfg.SetupDirs(true))
	assert.False(t, osutil.IsExist(filepath.Join(cfg.TracesDir(), "stale")))
}

func TestSaveCopy(t *testing.T) {
	base := t.TempDir()
	file := writeConfig(t, sampleConfig)
	cfg, err := Load(file)
	require.NoError(t, err)
	cfg.OutputDir = filepath.Join(base, "out")
	require.NoError(t, cfg.SetupDirs(false))
	require.NoError(t, cfg.SaveCopy())

	copied, err := os.ReadFile(cfg.ConfigFile())
	require.NoError(t, err)
	assert.Equal(t, sampleConfig, string(copied))
}
