// Copyright 2024 rosa project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package clustering groups traces into behavior families. Clusters are
// formed once, from the traces collected during the input collection phase,
// and the per-cluster min/max internal distances recorded here later serve
// as the oracle's comparison baseline.
package clustering

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/binsec/rosa/pkg/criterion"
	"github.com/binsec/rosa/pkg/distance"
	"github.com/binsec/rosa/pkg/errs"
	"github.com/binsec/rosa/pkg/osutil"
	"github.com/binsec/rosa/pkg/trace"
)

// Cluster is a family of similar traces together with the extremal pairwise
// distances realized inside the family at admission time. The minimum
// distances are floored to the configured tolerances; min <= max always
// holds per vector kind.
type Cluster struct {
	UID    string
	Traces []*trace.Trace

	MinEdgeDist    uint64
	MaxEdgeDist    uint64
	MinSyscallDist uint64
	MaxSyscallDist uint64
}

// MinEdgeDistTo returns the minimum edge distance between t and any member
// of the cluster.
func (c *Cluster) MinEdgeDistTo(t *trace.Trace, metric distance.Metric) uint64 {
	min := uint64(math.MaxUint64)
	for _, member := range c.Traces {
		if d := metric.Distance(t.Edges, member.Edges); d < min {
			min = d
		}
	}
	return min
}

// MinSyscallDistTo returns the minimum syscall distance between t and any
// member of the cluster.
func (c *Cluster) MinSyscallDistTo(t *trace.Trace, metric distance.Metric) uint64 {
	min := uint64(math.MaxUint64)
	for _, member := range c.Traces {
		if d := metric.Distance(t.Syscalls, member.Syscalls); d < min {
			min = d
		}
	}
	return min
}

func (c *Cluster) maxDistsTo(t *trace.Trace, metric distance.Metric) (maxEdge, maxSyscall uint64) {
	for _, member := range c.Traces {
		if d := metric.Distance(t.Edges, member.Edges); d > maxEdge {
			maxEdge = d
		}
		if d := metric.Distance(t.Syscalls, member.Syscalls); d > maxSyscall {
			maxSyscall = d
		}
	}
	return maxEdge, maxSyscall
}

// aggregate computes the cluster-selection distance between a trace and the
// cluster under the given criterion: the minimum per-member edge distance,
// syscall distance, scaled minimum of the two, or saturating sum.
func (c *Cluster) aggregate(t *trace.Trace, crit criterion.Criterion, metric distance.Metric) uint64 {
	switch crit {
	case criterion.EdgesOnly:
		return c.MinEdgeDistTo(t, metric)
	case criterion.SyscallsOnly:
		return c.MinSyscallDistTo(t, metric)
	case criterion.EdgesOrSyscalls:
		minEdge := c.MinEdgeDistTo(t, metric)
		minSyscall := c.MinSyscallDistTo(t, metric)
		// The proportionally smallest of the two, truncated.
		scaledEdge := float64(minEdge) / float64(len(t.Edges))
		scaledSyscall := float64(minSyscall) / float64(len(t.Syscalls))
		return uint64(math.Min(scaledEdge, scaledSyscall))
	case criterion.EdgesAndSyscalls:
		min := uint64(math.MaxUint64)
		for _, member := range c.Traces {
			d := saturatingAdd(
				metric.Distance(t.Edges, member.Edges),
				metric.Distance(t.Syscalls, member.Syscalls))
			if d < min {
				min = d
			}
		}
		return min
	}
	panic(fmt.Sprintf("unhandled criterion %v", crit))
}

func saturatingAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}

// MostSimilar returns the cluster minimizing the selection aggregate for t,
// or nil if clusters is empty. Ties break to insertion order; clusters whose
// aggregate saturated cannot win a tie, but the first cluster is still
// returned when every candidate saturated.
func MostSimilar(t *trace.Trace, clusters []*Cluster, crit criterion.Criterion,
	metric distance.Metric) *Cluster {
	var best *Cluster
	bestDist := uint64(math.MaxUint64)
	for _, c := range clusters {
		if d := c.aggregate(t, crit, metric); d < bestDist || best == nil {
			best, bestDist = c, d
		}
	}
	return best
}

// Form groups traces into clusters, in input order and in a single pass.
// Each trace is matched against the most similar existing cluster; the
// cluster admits it only if the trace is at least as close to every member
// as the cluster's own minimum internal distance (per criterion). Rejected
// traces found new singleton clusters whose internal distances start at the
// tolerances.
func Form(traces []*trace.Trace, crit criterion.Criterion, metric distance.Metric,
	edgeTolerance, syscallTolerance uint64) []*Cluster {
	var clusters []*Cluster
	for _, t := range traces {
		c := MostSimilar(t, clusters, crit, metric)
		if c != nil {
			maxEdge, maxSyscall := c.maxDistsTo(t, metric)
			edgeOK := maxEdge <= c.MinEdgeDist
			syscallOK := maxSyscall <= c.MinSyscallDist
			admit := false
			switch crit {
			case criterion.EdgesOnly:
				admit = edgeOK
			case criterion.SyscallsOnly:
				admit = syscallOK
			case criterion.EdgesOrSyscalls:
				admit = edgeOK || syscallOK
			case criterion.EdgesAndSyscalls:
				admit = edgeOK && syscallOK
			}
			if admit {
				c.Traces = append(c.Traces, t)
				c.MinEdgeDist = min(c.MinEdgeDist, max(maxEdge, edgeTolerance))
				c.MaxEdgeDist = max(c.MaxEdgeDist, maxEdge)
				c.MinSyscallDist = min(c.MinSyscallDist, max(maxSyscall, syscallTolerance))
				c.MaxSyscallDist = max(c.MaxSyscallDist, maxSyscall)
				continue
			}
		}
		clusters = append(clusters, &Cluster{
			UID:            fmt.Sprintf("cluster_%06d", len(clusters)),
			Traces:         []*trace.Trace{t},
			MinEdgeDist:    edgeTolerance,
			MaxEdgeDist:    edgeTolerance,
			MinSyscallDist: syscallTolerance,
			MaxSyscallDist: syscallTolerance,
		})
	}
	return clusters
}

// Save writes each cluster to "<dir>/<uid>.txt" as newline-separated member
// trace uids.
func Save(clusters []*Cluster, dir string) error {
	for _, c := range clusters {
		uids := make([]string, len(c.Traces))
		for i, t := range c.Traces {
			uids[i] = t.UID
		}
		file := filepath.Join(dir, c.UID+".txt")
		if err := osutil.WriteFile(file, []byte(strings.Join(uids, "\n")+"\n")); err != nil {
			return errs.Wrapf(err, "could not save cluster %q", c.UID)
		}
	}
	return nil
}
