// Copyright 2024 rosa project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package oracle decides whether a trace triggers a backdoor. An oracle
// compares a new trace against its most similar cluster from the input
// collection phase; a trace that falls outside every known behavior
// envelope is flagged. Oracles also compute the discriminants, the exact
// vector indices at which the trace and the cluster diverge, which in turn
// fingerprint the detection for deduplication.
package oracle

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/cespare/xxhash/v2"

	"github.com/binsec/rosa/pkg/clustering"
	"github.com/binsec/rosa/pkg/criterion"
	"github.com/binsec/rosa/pkg/distance"
	"github.com/binsec/rosa/pkg/errs"
	"github.com/binsec/rosa/pkg/osutil"
	"github.com/binsec/rosa/pkg/trace"
)

// Reason records which predicate produced a decision.
type Reason string

const (
	ReasonSeed             Reason = "seed"
	ReasonEdges            Reason = "edges"
	ReasonSyscalls         Reason = "syscalls"
	ReasonEdgesAndSyscalls Reason = "edges-and-syscalls"
)

// NoCluster is recorded as the cluster uid of seed decisions, which are
// emitted before any clusters exist.
const NoCluster = "<none>"

// Discriminants are the vector indices at which a trace's behavior diverges
// from a cluster: indices the trace reached but no cluster member did, and
// indices some cluster member reached but the trace did not.
type Discriminants struct {
	TraceEdges      []int `toml:"trace_edges"`
	ClusterEdges    []int `toml:"cluster_edges"`
	TraceSyscalls   []int `toml:"trace_syscalls"`
	ClusterSyscalls []int `toml:"cluster_syscalls"`
}

// Decision is the oracle's verdict for one trace.
type Decision struct {
	TraceUID      string        `toml:"trace_uid"`
	TraceName     string        `toml:"trace_name"`
	ClusterUID    string        `toml:"cluster_uid"`
	IsBackdoor    bool          `toml:"is_backdoor"`
	Reason        Reason        `toml:"reason"`
	Discriminants Discriminants `toml:"discriminants"`
}

// TimedDecision pairs a decision with the campaign-elapsed seconds at which
// it was produced.
type TimedDecision struct {
	Seconds  uint64   `toml:"seconds"`
	Decision Decision `toml:"decision"`
}

// Oracle is the decision function of the detection phase.
type Oracle interface {
	Name() string
	Decide(t *trace.Trace, c *clustering.Cluster, crit criterion.Criterion,
		metric distance.Metric) Decision
}

var oracles = map[string]Oracle{
	"comp-min-max": CompMinMax{},
}

// ByName returns the oracle registered under the given tag.
func ByName(name string) (Oracle, error) {
	o, ok := oracles[name]
	if !ok {
		return nil, errs.Newf("unknown oracle %q", name)
	}
	return o, nil
}

// Tagged wraps an Oracle so that it serializes as its tag in config files.
type Tagged struct {
	Oracle
}

func (t Tagged) MarshalText() ([]byte, error) {
	return []byte(t.Name()), nil
}

func (t *Tagged) UnmarshalText(text []byte) error {
	o, err := ByName(string(text))
	if err != nil {
		return err
	}
	t.Oracle = o
	return nil
}

// SeedDecision is the synthetic decision recorded for every trace collected
// before clusters exist. Seed traces are never backdoors.
func SeedDecision(t *trace.Trace) Decision {
	return Decision{
		TraceUID:   t.UID,
		TraceName:  t.Name,
		ClusterUID: NoCluster,
		IsBackdoor: false,
		Reason:     ReasonSeed,
	}
}

// computeDiscriminants extracts the divergence indices between t and the
// members of c.
func computeDiscriminants(t *trace.Trace, c *clustering.Cluster) Discriminants {
	return Discriminants{
		TraceEdges:      traceOnly(t.Edges, c, func(m *trace.Trace) []byte { return m.Edges }),
		ClusterEdges:    clusterOnly(t.Edges, c, func(m *trace.Trace) []byte { return m.Edges }),
		TraceSyscalls:   traceOnly(t.Syscalls, c, func(m *trace.Trace) []byte { return m.Syscalls }),
		ClusterSyscalls: clusterOnly(t.Syscalls, c, func(m *trace.Trace) []byte { return m.Syscalls }),
	}
}

// traceOnly returns the indices where the trace vector is non-zero but every
// cluster member is zero.
func traceOnly(vec []byte, c *clustering.Cluster, get func(*trace.Trace) []byte) []int {
	var indices []int
	for i, b := range vec {
		if b == 0 {
			continue
		}
		allZero := true
		for _, member := range c.Traces {
			if get(member)[i] != 0 {
				allZero = false
				break
			}
		}
		if allZero {
			indices = append(indices, i)
		}
	}
	return indices
}

// clusterOnly returns the indices where the trace vector is zero but at
// least one cluster member is non-zero.
func clusterOnly(vec []byte, c *clustering.Cluster, get func(*trace.Trace) []byte) []int {
	var indices []int
	for i, b := range vec {
		if b != 0 {
			continue
		}
		for _, member := range c.Traces {
			if get(member)[i] != 0 {
				indices = append(indices, i)
				break
			}
		}
	}
	return indices
}

// Fingerprint derives the deduplication key of a detection: a deterministic
// 64-bit hash over the discriminant index lists the criterion looks at,
// suffixed with the cluster uid. Two detections sharing a fingerprint are
// the same backdoor.
func (d *Discriminants) Fingerprint(crit criterion.Criterion, clusterUID string) string {
	h := xxhash.New()
	if crit.UsesEdges() {
		hashIndexList(h, d.TraceEdges)
		hashIndexList(h, d.ClusterEdges)
	}
	if crit.UsesSyscalls() {
		hashIndexList(h, d.TraceSyscalls)
		hashIndexList(h, d.ClusterSyscalls)
	}
	return fmt.Sprintf("%016x_%v", h.Sum64(), clusterUID)
}

func hashIndexList(h *xxhash.Digest, indices []int) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(len(indices)))
	h.Write(buf[:])
	for _, index := range indices {
		binary.LittleEndian.PutUint64(buf[:], uint64(index))
		h.Write(buf[:])
	}
}

// Save writes the timed decision to "<dir>/<trace_uid>.toml".
func (td *TimedDecision) Save(dir string) error {
	buf := new(bytes.Buffer)
	if err := toml.NewEncoder(buf).Encode(td); err != nil {
		return errs.Wrapf(err, "could not encode decision for trace %q", td.Decision.TraceUID)
	}
	file := filepath.Join(dir, td.Decision.TraceUID+".toml")
	if err := osutil.WriteFile(file, buf.Bytes()); err != nil {
		return errs.Wrapf(err, "could not save decision to %q", file)
	}
	return nil
}

// LoadTimedDecision reads a decision file written by Save.
func LoadTimedDecision(file string) (*TimedDecision, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, errs.Wrapf(err, "could not read decision file %q", file)
	}
	td := new(TimedDecision)
	if err := toml.Unmarshal(data, td); err != nil {
		return nil, errs.Wrapf(err, "could not parse decision file %q", file)
	}
	return td, nil
}
