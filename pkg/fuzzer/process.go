// Copyright 2024 rosa project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"fmt"
	"os"
	"os/exec"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/binsec/rosa/pkg/errs"
	"github.com/binsec/rosa/pkg/log"
)

// Process is one spawned fuzzer instance. Stdout and stderr are merged into
// a per-instance log file.
type Process struct {
	Instance *Instance
	LogFile  string

	cmd     *exec.Cmd
	waitC   chan error
	waitErr error
	exited  bool
	stopped bool
}

// NewProcess prepares a process for the instance; nothing runs until Spawn.
func NewProcess(inst *Instance, logFile string) *Process {
	return &Process{
		Instance: inst,
		LogFile:  logFile,
	}
}

// Spawn launches the instance command with the given (already substituted)
// command vector and environment, redirecting output to the log file.
func (p *Process) Spawn(cmdline []string, env map[string]string) error {
	if p.cmd != nil {
		return errs.Newf("fuzzer %q is already running", p.Instance.Name)
	}
	logFile, err := os.Create(p.LogFile)
	if err != nil {
		return errs.Wrapf(err, "could not create fuzzer log file %q", p.LogFile)
	}
	cmd := exec.Command(cmdline[0], cmdline[1:]...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = mergeEnv(os.Environ(), env)
	if err := cmd.Start(); err != nil {
		logFile.Close()
		return errs.Wrapf(err, "could not spawn fuzzer %q (see %v)", p.Instance.Name, p.LogFile)
	}
	p.cmd = cmd
	p.waitC = make(chan error, 1)
	go func() {
		err := cmd.Wait()
		logFile.Close()
		p.waitC <- err
	}()
	log.Logf(1, "spawned fuzzer %v (pid %v)", p.Instance.Name, cmd.Process.Pid)
	return nil
}

func mergeEnv(base []string, extra map[string]string) []string {
	keys := make([]string, 0, len(extra))
	for key := range extra {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	env := append([]string{}, base...)
	for _, key := range keys {
		env = append(env, key+"="+extra[key])
	}
	return env
}

// IsRunning reports whether the child process has not yet exited.
func (p *Process) IsRunning() bool {
	if p.cmd == nil || p.exited || p.stopped {
		return false
	}
	select {
	case err := <-p.waitC:
		p.waitErr = err
		p.exited = true
		return false
	default:
		return true
	}
}

// Status asks the instance backend for the observed lifecycle state.
func (p *Process) Status() Status {
	return p.Instance.Backend.Status(p.Instance)
}

// Stop delivers a graceful interrupt to the child and forgets the handle.
// Stopping a never-spawned or already-stopped process is a no-op.
func (p *Process) Stop() error {
	if p.cmd == nil || p.stopped || p.exited {
		return nil
	}
	log.Logf(1, "stopping fuzzer %v", p.Instance.Name)
	p.stopped = true
	if err := unix.Kill(p.cmd.Process.Pid, unix.SIGINT); err != nil && err != unix.ESRCH {
		return errs.Wrapf(err, "could not interrupt fuzzer %q", p.Instance.Name)
	}
	return nil
}

// CheckSuccess waits for the child to exit and returns an error unless it
// exited with code 0. The error embeds the tail of the instance log.
func (p *Process) CheckSuccess() error {
	if p.cmd == nil {
		return errs.Newf("fuzzer %q was never spawned", p.Instance.Name)
	}
	if !p.exited {
		p.waitErr = <-p.waitC
		p.exited = true
	}
	if p.waitErr == nil {
		return nil
	}
	return errs.Newf("fuzzer %q failed: %v\n%s", p.Instance.Name, p.waitErr, p.logTail())
}

func (p *Process) logTail() []byte {
	output, err := os.ReadFile(p.LogFile)
	if err != nil {
		return []byte(fmt.Sprintf("<no log output: %v>", err))
	}
	return log.Truncate(output, 0, 2<<10)
}
