// Copyright 2024 rosa project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package criterion selects how edge and syscall distances are combined
// when clusters are formed, selected and judged.
package criterion

import "github.com/binsec/rosa/pkg/errs"

type Criterion int

const (
	EdgesOnly Criterion = iota
	SyscallsOnly
	EdgesOrSyscalls
	EdgesAndSyscalls
)

var names = map[Criterion]string{
	EdgesOnly:        "edges-only",
	SyscallsOnly:     "syscalls-only",
	EdgesOrSyscalls:  "edges-or-syscalls",
	EdgesAndSyscalls: "edges-and-syscalls",
}

func (c Criterion) String() string {
	name, ok := names[c]
	if !ok {
		return "unknown"
	}
	return name
}

// Parse returns the criterion for the given tag.
func Parse(s string) (Criterion, error) {
	for c, name := range names {
		if name == s {
			return c, nil
		}
	}
	return 0, errs.Newf("unknown criterion %q", s)
}

func (c Criterion) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Criterion) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// UsesEdges reports whether the criterion takes edge distances into account.
func (c Criterion) UsesEdges() bool {
	return c != SyscallsOnly
}

// UsesSyscalls reports whether the criterion takes syscall distances into account.
func (c Criterion) UsesSyscalls() bool {
	return c != EdgesOnly
}
