// Copyright 2024 rosa project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package oracle

import (
	"github.com/binsec/rosa/pkg/clustering"
	"github.com/binsec/rosa/pkg/criterion"
	"github.com/binsec/rosa/pkg/distance"
	"github.com/binsec/rosa/pkg/trace"
)

// CompMinMax compares the minimum distance between the trace and the cluster
// members against the maximum internal distance of the cluster. A trace
// whose closest family member is further away than the family's own spread
// does not belong to the family.
type CompMinMax struct{}

func (CompMinMax) Name() string { return "comp-min-max" }

func (CompMinMax) Decide(t *trace.Trace, c *clustering.Cluster, crit criterion.Criterion,
	metric distance.Metric) Decision {
	minEdge := c.MinEdgeDistTo(t, metric)
	minSyscall := c.MinSyscallDistTo(t, metric)

	edgeFired := minEdge > c.MaxEdgeDist
	syscallFired := minSyscall > c.MaxSyscallDist

	var isBackdoor bool
	var reason Reason
	switch crit {
	case criterion.EdgesOnly:
		isBackdoor, reason = edgeFired, ReasonEdges
	case criterion.SyscallsOnly:
		isBackdoor, reason = syscallFired, ReasonSyscalls
	case criterion.EdgesOrSyscalls:
		isBackdoor = edgeFired || syscallFired
		switch {
		case edgeFired:
			reason = ReasonEdges
		case syscallFired:
			reason = ReasonSyscalls
		default:
			reason = ReasonEdgesAndSyscalls
		}
	case criterion.EdgesAndSyscalls:
		isBackdoor = edgeFired && syscallFired
		// Historical encoding: when only one predicate fired, the reason
		// names the predicate that is still needed for a detection.
		switch {
		case isBackdoor:
			reason = ReasonEdgesAndSyscalls
		case edgeFired:
			reason = ReasonSyscalls
		default:
			reason = ReasonEdges
		}
	}

	return Decision{
		TraceUID:      t.UID,
		TraceName:     t.Name,
		ClusterUID:    c.UID,
		IsBackdoor:    isBackdoor,
		Reason:        reason,
		Discriminants: computeDiscriminants(t, c),
	}
}
