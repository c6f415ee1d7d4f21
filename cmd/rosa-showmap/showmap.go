// Copyright 2025 rosa project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// rosa-showmap prints a binary trace dump in human-readable form.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/binsec/rosa/pkg/errs"
	"github.com/binsec/rosa/pkg/trace"
)

var (
	flagTrace = flag.String("trace", "", "trace dump file to print")
	flagFull  = flag.Bool("full", false, "print every non-zero index, not just the summary")
)

func main() {
	flag.Parse()
	if *flagTrace == "" {
		fmt.Fprintln(os.Stderr, "usage: rosa-showmap -trace <file.trace> [-full]")
		os.Exit(1)
	}
	data, err := os.ReadFile(*flagTrace)
	if err != nil {
		fatal(errs.Wrapf(err, "could not read trace dump %q", *flagTrace))
	}
	edges, syscalls, err := trace.ParseDump(data)
	if err != nil {
		fatal(errs.Wrapf(err, "malformed trace dump %q", *flagTrace))
	}
	t := &trace.Trace{Edges: edges, Syscalls: syscalls}
	fmt.Printf("edges:    %v of %v\n", t.EdgeSummary(), len(edges))
	fmt.Printf("syscalls: %v of %v\n", t.SyscallSummary(), len(syscalls))
	if *flagFull {
		printVector("edge", edges)
		printVector("syscall", syscalls)
	}
}

func printVector(what string, vec []byte) {
	fmt.Printf("%v hits:\n", what)
	for i, b := range vec {
		if b != 0 {
			fmt.Printf("  %06d: %d\n", i, b)
		}
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, errs.Report(err))
	os.Exit(1)
}
