// Copyright 2024 rosa project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/binsec/rosa/pkg/errs"
	"github.com/binsec/rosa/pkg/osutil"
)

// AFLPlusPlus is the backend for the patched AFL++ fuzzer that dumps
// runtime traces next to its queue. The instance layout is the standard
// AFL++ one: the queue, trace dump and crash directories all live in the
// instance output directory together with the fuzzer_setup/fuzzer_stats
// metadata files.
type AFLPlusPlus struct{}

func (AFLPlusPlus) Name() string { return "afl++" }

// instanceDir is the AFL++ per-instance output directory, recovered from
// the configured queue directory.
func (AFLPlusPlus) instanceDir(inst *Instance) string {
	return filepath.Dir(inst.TestInputDir)
}

// Status implements the afl-whatsup freshness rule: a fuzzer_setup file
// newer than fuzzer_stats means the fuzzer is still starting up. Once
// fuzzer_stats is authoritative, the pid recorded in it decides between
// Running and Stopped.
func (b AFLPlusPlus) Status(inst *Instance) Status {
	setupFile := filepath.Join(b.instanceDir(inst), "fuzzer_setup")
	statsFile := filepath.Join(b.instanceDir(inst), "fuzzer_stats")

	setupStat, setupErr := os.Stat(setupFile)
	statsStat, statsErr := os.Stat(statsFile)
	switch {
	case setupErr == nil && statsErr == nil:
		if setupStat.ModTime().After(statsStat.ModTime()) {
			return Starting
		}
		pid, err := b.pid(statsFile)
		if err != nil {
			return Stopped
		}
		if osutil.ProcessAlive(pid) {
			return Running
		}
		return Stopped
	case setupErr == nil:
		// fuzzer_stats has not been created yet.
		return Starting
	default:
		return Stopped
	}
}

// pid extracts the fuzzer_pid field from an AFL++ fuzzer_stats file.
func (AFLPlusPlus) pid(statsFile string) (int, error) {
	data, err := os.ReadFile(statsFile)
	if err != nil {
		return 0, errs.Wrapf(err, "could not read fuzzer stats file %q", statsFile)
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		key, value, found := strings.Cut(scanner.Text(), ":")
		if !found || strings.TrimSpace(key) != "fuzzer_pid" {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return 0, errs.Wrapf(err, "bad fuzzer_pid in %q", statsFile)
		}
		return pid, nil
	}
	return 0, errs.Newf("no fuzzer_pid in %q", statsFile)
}

// FoundCrashes reports whether the instance's crash directory is non-empty.
func (AFLPlusPlus) FoundCrashes(inst *Instance) (bool, error) {
	empty, err := osutil.DirEmpty(inst.CrashesDir)
	if err != nil {
		return false, errs.Wrapf(err, "invalid crashes directory %q", inst.CrashesDir)
	}
	return !empty, nil
}
