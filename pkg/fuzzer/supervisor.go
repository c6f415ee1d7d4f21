// Copyright 2024 rosa project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"fmt"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/binsec/rosa/pkg/errs"
)

// Supervisor owns the fuzzer processes of one campaign. All instances run
// across both campaign phases; any error surfaced by the pipeline while they
// are live must go through StopAll before propagating.
type Supervisor struct {
	Procs []*Process

	seed uint32
}

// NewSupervisor prepares one process per instance, logging each instance
// into "<logsDir>/fuzzer_<name>.log". The seed is substituted into every
// command vector at spawn time.
func NewSupervisor(instances []*Instance, logsDir string, seed uint32) (*Supervisor, error) {
	s := &Supervisor{seed: seed}
	for _, inst := range instances {
		if err := inst.Validate(); err != nil {
			return nil, err
		}
		logFile := filepath.Join(logsDir, fmt.Sprintf("fuzzer_%v.log", inst.Name))
		s.Procs = append(s.Procs, NewProcess(inst, logFile))
	}
	return s, nil
}

// Seed returns the campaign seed substituted into the instance commands.
func (s *Supervisor) Seed() uint32 {
	return s.seed
}

// SpawnAll launches every instance. On failure the caller is expected to
// StopAll; already-spawned instances keep running until then.
func (s *Supervisor) SpawnAll() error {
	var g errgroup.Group
	for _, proc := range s.Procs {
		proc := proc
		g.Go(func() error {
			cmdline := SubstituteSeed(proc.Instance.Cmd, s.seed)
			env := SubstituteEnv(proc.Instance.Env)
			return proc.Spawn(cmdline, env)
		})
	}
	return g.Wait()
}

// StopAll interrupts every live instance. Every instance is attempted even
// if some fail to stop; the first error is reported.
func (s *Supervisor) StopAll() error {
	var g errgroup.Group
	for _, proc := range s.Procs {
		proc := proc
		g.Go(proc.Stop)
	}
	return g.Wait()
}

// AllRunning reports whether every instance backend observes Running state.
func (s *Supervisor) AllRunning() bool {
	for _, proc := range s.Procs {
		if proc.Status() != Running {
			return false
		}
	}
	return true
}

// CheckAlive fails if any instance process has exited. A fuzzer dying
// mid-campaign abandons the campaign; there is no resynchronization.
func (s *Supervisor) CheckAlive() error {
	for _, proc := range s.Procs {
		if proc.IsRunning() || proc.stopped {
			continue
		}
		if proc.waitErr != nil {
			return errs.Newf("fuzzer %q exited with an error: %v\n%s",
				proc.Instance.Name, proc.waitErr, proc.logTail())
		}
		return errs.Newf("fuzzer %q exited unexpectedly (see %v)",
			proc.Instance.Name, proc.LogFile)
	}
	return nil
}

// CrashWarnings returns one warning per instance whose backend reports a
// non-empty crash directory.
func (s *Supervisor) CrashWarnings() []string {
	var warnings []string
	for _, proc := range s.Procs {
		found, err := proc.Instance.Backend.FoundCrashes(proc.Instance)
		if err != nil || !found {
			continue
		}
		warnings = append(warnings, fmt.Sprintf(
			"the fuzzer %q has detected one or more crashes in %v. This is probably hindering "+
				"the thorough exploration of the binary; it is recommended that you fix the "+
				"crashes and try again.", proc.Instance.Name, proc.Instance.CrashesDir))
	}
	return warnings
}
