// Copyright 2025 rosa project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// rosa-tracedist computes the distance between two trace dumps under a
// named metric and criterion.
package main

import (
	"flag"
	"fmt"
	"math"
	"os"

	"github.com/binsec/rosa/pkg/criterion"
	"github.com/binsec/rosa/pkg/distance"
	"github.com/binsec/rosa/pkg/errs"
	"github.com/binsec/rosa/pkg/trace"
)

var (
	flagMetric    = flag.String("metric", "hamming", "distance metric tag")
	flagCriterion = flag.String("criterion", "edges-and-syscalls", "criterion tag")
)

func main() {
	flag.Parse()
	if flag.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "usage: rosa-tracedist [-metric M] [-criterion C] <a.trace> <b.trace>")
		os.Exit(1)
	}
	metric, err := distance.ByName(*flagMetric)
	if err != nil {
		fatal(err)
	}
	crit, err := criterion.Parse(*flagCriterion)
	if err != nil {
		fatal(err)
	}
	a, err := loadDump(flag.Arg(0))
	if err != nil {
		fatal(err)
	}
	b, err := loadDump(flag.Arg(1))
	if err != nil {
		fatal(err)
	}
	if len(a.Edges) != len(b.Edges) || len(a.Syscalls) != len(b.Syscalls) {
		fatal(errs.Newf("traces have mismatched vector lengths: %v/%v vs %v/%v",
			len(a.Edges), len(a.Syscalls), len(b.Edges), len(b.Syscalls)))
	}

	edgeDist := metric.Distance(a.Edges, b.Edges)
	syscallDist := metric.Distance(a.Syscalls, b.Syscalls)
	fmt.Printf("edge distance:    %v\n", edgeDist)
	fmt.Printf("syscall distance: %v\n", syscallDist)
	fmt.Printf("combined (%v): %v\n", crit, combined(crit, a, edgeDist, syscallDist))
}

func combined(crit criterion.Criterion, t *trace.Trace, edgeDist, syscallDist uint64) uint64 {
	switch crit {
	case criterion.EdgesOnly:
		return edgeDist
	case criterion.SyscallsOnly:
		return syscallDist
	case criterion.EdgesOrSyscalls:
		return uint64(math.Min(
			float64(edgeDist)/float64(len(t.Edges)),
			float64(syscallDist)/float64(len(t.Syscalls))))
	default:
		if edgeDist > math.MaxUint64-syscallDist {
			return math.MaxUint64
		}
		return edgeDist + syscallDist
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, errs.Report(err))
	os.Exit(1)
}

func loadDump(file string) (*trace.Trace, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, errs.Wrapf(err, "could not read trace dump %q", file)
	}
	edges, syscalls, err := trace.ParseDump(data)
	if err != nil {
		return nil, errs.Wrapf(err, "malformed trace dump %q", file)
	}
	return &trace.Trace{Edges: edges, Syscalls: syscalls}, nil
}
