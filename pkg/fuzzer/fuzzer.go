// Copyright 2024 rosa project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package fuzzer supervises the external fuzzer instances of a campaign.
// The fuzzer binary itself is a black box: instances communicate with the
// pipeline exclusively through the filesystem (queue, trace dump and crash
// directories) and signals.
package fuzzer

import (
	"os"
	"strconv"
	"strings"

	"github.com/binsec/rosa/pkg/errs"
)

// Status describes the lifecycle of a fuzzer instance as observed through
// its backend's metadata files and the OS process table.
type Status int

const (
	// Starting means the instance process exists but the backend has not
	// finished its setup yet.
	Starting Status = iota
	Running
	Stopped
)

func (s Status) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	}
	return "stopped"
}

// Instance describes one fuzzer instance of a campaign.
type Instance struct {
	Name         string            `toml:"name"`
	Env          map[string]string `toml:"env"`
	Cmd          []string          `toml:"cmd"`
	TestInputDir string            `toml:"test_input_dir"`
	TraceDumpDir string            `toml:"trace_dump_dir"`
	CrashesDir   string            `toml:"crashes_dir"`
	Backend      TaggedBackend     `toml:"backend"`
}

// Validate checks the fields that every backend requires.
func (inst *Instance) Validate() error {
	if inst.Name == "" {
		return errs.New("fuzzer instance with empty name")
	}
	if len(inst.Cmd) == 0 {
		return errs.Newf("fuzzer %q has an empty command", inst.Name)
	}
	if inst.TestInputDir == "" || inst.TraceDumpDir == "" || inst.CrashesDir == "" {
		return errs.Newf("fuzzer %q is missing one of test_input_dir/trace_dump_dir/crashes_dir",
			inst.Name)
	}
	if inst.Backend.Backend == nil {
		return errs.Newf("fuzzer %q has no backend", inst.Name)
	}
	return nil
}

// Backend knows how a concrete fuzzer flavor exposes its state on disk.
type Backend interface {
	Name() string
	Status(inst *Instance) Status
	FoundCrashes(inst *Instance) (bool, error)
}

var backends = map[string]Backend{
	"afl++": AFLPlusPlus{},
}

// BackendByName returns the backend registered under the given tag.
func BackendByName(name string) (Backend, error) {
	backend, ok := backends[name]
	if !ok {
		return nil, errs.Newf("unknown fuzzer backend %q", name)
	}
	return backend, nil
}

// TaggedBackend wraps a Backend so that it serializes as its tag.
type TaggedBackend struct {
	Backend
}

func (t TaggedBackend) MarshalText() ([]byte, error) {
	return []byte(t.Name()), nil
}

func (t *TaggedBackend) UnmarshalText(text []byte) error {
	backend, err := BackendByName(string(text))
	if err != nil {
		return err
	}
	t.Backend = backend
	return nil
}

// Environment placeholders substituted into instance env values before
// spawning; unset process-environment values substitute as empty strings.
var envPlaceholders = []string{"$LD_PRELOAD", "$PWD", "$HOME"}

// SubstituteEnv expands the supported placeholders in every env value from
// the process environment.
func SubstituteEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for key, value := range env {
		for _, placeholder := range envPlaceholders {
			value = strings.ReplaceAll(value, placeholder,
				os.Getenv(strings.TrimPrefix(placeholder, "$")))
		}
		out[key] = value
	}
	return out
}

// SeedPlaceholder is replaced with the campaign seed in command vectors.
const SeedPlaceholder = "{{ROSA_SEED}}"

// SubstituteSeed replaces every occurrence of the seed placeholder in the
// command vector with the decimal representation of seed.
func SubstituteSeed(cmd []string, seed uint32) []string {
	out := make([]string, len(cmd))
	for i, arg := range cmd {
		out[i] = strings.ReplaceAll(arg, SeedPlaceholder, strconv.FormatUint(uint64(seed), 10))
	}
	return out
}
