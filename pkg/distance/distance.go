// Copyright 2024 rosa project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package distance defines the distance metrics used to compare runtime
// trace vectors. Metrics are pure functions over equal-length byte vectors;
// configuration files refer to them by tag.
package distance

import (
	"fmt"

	"github.com/binsec/rosa/pkg/errs"
)

// Metric computes the distance between two equal-length byte vectors.
// A length mismatch means the fuzzer instrumentation is corrupted, which
// implementations report by panicking.
type Metric interface {
	Name() string
	Distance(v1, v2 []byte) uint64
}

// Hamming sums per-byte XOR values, treating each byte as a small counter.
type Hamming struct{}

func (Hamming) Name() string { return "hamming" }

func (Hamming) Distance(v1, v2 []byte) uint64 {
	if len(v1) != len(v2) {
		panic(fmt.Sprintf("vector length mismatch: %v vs %v", len(v1), len(v2)))
	}
	var dist uint64
	for i, b := range v1 {
		dist += uint64(b ^ v2[i])
	}
	return dist
}

var metrics = map[string]Metric{
	"hamming": Hamming{},
}

// ByName returns the metric registered under the given tag.
func ByName(name string) (Metric, error) {
	metric, ok := metrics[name]
	if !ok {
		return nil, errs.Newf("unknown distance metric %q", name)
	}
	return metric, nil
}

// Tagged wraps a Metric so that it serializes as its tag in config files.
type Tagged struct {
	Metric
}

func (t Tagged) MarshalText() ([]byte, error) {
	return []byte(t.Name()), nil
}

func (t *Tagged) UnmarshalText(text []byte) error {
	metric, err := ByName(string(text))
	if err != nil {
		return err
	}
	t.Metric = metric
	return nil
}
