// Copyright 2024 rosa project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package trace loads, persists and identifies the runtime traces produced
// by the fuzzer instances. A trace pairs a test input with the edge and
// syscall vectors recorded by the instrumentation while the target executed
// that input.
package trace

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/binsec/rosa/pkg/errs"
	"github.com/binsec/rosa/pkg/osutil"
)

// Trace is one execution of the target: the input that drove it and the
// existential edge/syscall vectors it produced. Vector lengths are fixed by
// the instrumentation and constant across a campaign.
type Trace struct {
	// UID prefixes the producing instance name to the test input file name,
	// e.g. "main_id:000001", so that uids are unique across parallel instances.
	UID      string
	Name     string
	Input    []byte
	Edges    []byte
	Syscalls []byte
}

const dumpExt = ".trace"

// UID builds the globally unique trace id for a test input file produced by
// the given fuzzer instance.
func UID(instance, name string) string {
	return instance + "_" + name
}

// LoadNew scans testInputDir for test inputs that are not yet present in
// known and loads each one together with its companion trace dump. Results
// are ordered by file name so that ingestion is deterministic. Inputs whose
// dump has not been flushed yet are silently deferred to a later poll when
// skipMissing is set, and are a hard failure otherwise. Loaded traces are
// recorded in known.
func LoadNew(testInputDir, traceDumpDir, instance string, known map[string]*Trace,
	skipMissing bool) ([]*Trace, error) {
	names, err := osutil.ListDir(testInputDir)
	if err != nil {
		return nil, errs.Wrapf(err, "invalid test input directory %q", testInputDir)
	}
	refEdges, refSyscalls := -1, -1
	for _, t := range known {
		refEdges, refSyscalls = len(t.Edges), len(t.Syscalls)
		break
	}
	var traces []*Trace
	for _, name := range names {
		// The queue may contain auxiliary files (e.g. ".state" artifacts);
		// test inputs never carry an extension.
		if filepath.Ext(name) != "" {
			continue
		}
		uid := UID(instance, name)
		if _, ok := known[uid]; ok {
			continue
		}
		dumpFile := filepath.Join(traceDumpDir, name+dumpExt)
		if !osutil.IsExist(dumpFile) {
			if skipMissing {
				continue
			}
			return nil, errs.Newf("missing trace dump file for trace %q", uid)
		}
		t, err := Load(uid, name, filepath.Join(testInputDir, name), dumpFile)
		if err != nil {
			return nil, err
		}
		if refEdges == -1 {
			refEdges, refSyscalls = len(t.Edges), len(t.Syscalls)
		} else if len(t.Edges) != refEdges || len(t.Syscalls) != refSyscalls {
			return nil, errs.Newf(
				"trace %q has vector lengths %v/%v, expected %v/%v: instrumentation mismatch",
				uid, len(t.Edges), len(t.Syscalls), refEdges, refSyscalls)
		}
		known[uid] = t
		traces = append(traces, t)
	}
	return traces, nil
}

// Load reads one trace from its test input file and trace dump file.
func Load(uid, name, inputFile, dumpFile string) (*Trace, error) {
	input, err := os.ReadFile(inputFile)
	if err != nil {
		return nil, errs.Wrapf(err, "could not read test input file %q", inputFile)
	}
	data, err := os.ReadFile(dumpFile)
	if err != nil {
		return nil, errs.Wrapf(err, "could not read trace dump file %q", dumpFile)
	}
	edges, syscalls, err := ParseDump(data)
	if err != nil {
		return nil, errs.Wrapf(err, "malformed trace dump file %q", dumpFile)
	}
	return &Trace{
		UID:      uid,
		Name:     name,
		Input:    input,
		Edges:    edges,
		Syscalls: syscalls,
	}, nil
}

// ParseDump decodes the binary trace dump format:
// little-endian u64 edge length, u64 syscall length, then the raw vectors.
func ParseDump(data []byte) (edges, syscalls []byte, err error) {
	if len(data) < 16 {
		return nil, nil, errs.Newf("dump too short: %v bytes", len(data))
	}
	edgesLen := binary.LittleEndian.Uint64(data[0:8])
	syscallsLen := binary.LittleEndian.Uint64(data[8:16])
	if uint64(len(data)-16) != edgesLen+syscallsLen {
		return nil, nil, errs.Newf("dump length %v does not match header %v+%v",
			len(data)-16, edgesLen, syscallsLen)
	}
	edges = data[16 : 16+edgesLen]
	syscalls = data[16+edgesLen:]
	return edges, syscalls, nil
}

// Dump encodes the trace's vectors in the binary trace dump format.
func (t *Trace) Dump() []byte {
	data := make([]byte, 16, 16+len(t.Edges)+len(t.Syscalls))
	binary.LittleEndian.PutUint64(data[0:8], uint64(len(t.Edges)))
	binary.LittleEndian.PutUint64(data[8:16], uint64(len(t.Syscalls)))
	data = append(data, t.Edges...)
	data = append(data, t.Syscalls...)
	return data
}

// Save persists the trace as two files in dir: the raw test input under the
// trace uid and the binary dump under "<uid>.trace".
func (t *Trace) Save(dir string) error {
	if err := t.SaveInput(dir); err != nil {
		return err
	}
	dumpFile := filepath.Join(dir, t.UID+dumpExt)
	if err := osutil.WriteFile(dumpFile, t.Dump()); err != nil {
		return errs.Wrapf(err, "could not write trace dump %q", dumpFile)
	}
	return nil
}

// SaveInput persists only the raw test input under the trace uid.
func (t *Trace) SaveInput(dir string) error {
	inputFile := filepath.Join(dir, t.UID)
	if err := osutil.WriteFile(inputFile, t.Input); err != nil {
		return errs.Wrapf(err, "could not write trace test input %q", inputFile)
	}
	return nil
}

// SaveAll persists every trace into dir.
func SaveAll(traces []*Trace, dir string) error {
	for _, t := range traces {
		if err := t.Save(dir); err != nil {
			return err
		}
	}
	return nil
}

// Coverage returns the fraction of edge and syscall indices that are
// non-zero in the elementwise OR of all known traces. With no traces both
// fractions are 0.
func Coverage(known map[string]*Trace) (edgeCov, syscallCov float64) {
	var edges, syscalls []byte
	for _, t := range known {
		if edges == nil {
			edges = make([]byte, len(t.Edges))
			syscalls = make([]byte, len(t.Syscalls))
		}
		for i, b := range t.Edges {
			edges[i] |= b
		}
		for i, b := range t.Syscalls {
			syscalls[i] |= b
		}
	}
	return coveredFraction(edges), coveredFraction(syscalls)
}

func coveredFraction(vec []byte) float64 {
	if len(vec) == 0 {
		return 0
	}
	covered := 0
	for _, b := range vec {
		if b != 0 {
			covered++
		}
	}
	return float64(covered) / float64(len(vec))
}

// PrintableInput renders the test input with non-printable bytes escaped.
func (t *Trace) PrintableInput() string {
	var b strings.Builder
	for _, c := range t.Input {
		if c >= ' ' && c <= '~' {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "\\x%02x", c)
		}
	}
	return b.String()
}

// EdgeSummary describes the edge vector density, e.g. "5 edges (2.50%)".
func (t *Trace) EdgeSummary() string {
	return vectorSummary(t.Edges, "edges")
}

// SyscallSummary describes the syscall vector density.
func (t *Trace) SyscallSummary() string {
	return vectorSummary(t.Syscalls, "syscalls")
}

func vectorSummary(vec []byte, what string) string {
	var total uint64
	for _, b := range vec {
		total += uint64(b)
	}
	percent := 0.0
	if len(vec) > 0 {
		percent = float64(total) / float64(len(vec)) * 100
	}
	return fmt.Sprintf("%v %v (%.2f%%)", total, what, percent)
}
