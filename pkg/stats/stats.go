// Copyright 2024 rosa project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package stats provides named campaign counters. Values are cheap to update
// from the pipeline loop and can be exported as Prometheus gauges when the
// metrics endpoint is enabled.
package stats

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

type Val struct {
	name string
	desc string
	v    atomic.Int64
}

var (
	mu       sync.Mutex
	registry = make(map[string]*Val)
)

type Opt func(*Val)

// Prometheus exports the value as a gauge with the given metric name.
func Prometheus(metric string) Opt {
	return func(v *Val) {
		prometheus.DefaultRegisterer.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: metric,
				Help: v.desc,
			},
			func() float64 { return float64(v.Val()) },
		))
	}
}

// Create registers a new named value, or returns the existing one reset to
// zero. Options are applied only on first registration so that Prometheus
// collectors are not registered twice.
func Create(name, desc string, opts ...Opt) *Val {
	mu.Lock()
	if v, ok := registry[name]; ok {
		mu.Unlock()
		v.Set(0)
		return v
	}
	v := &Val{name: name, desc: desc}
	registry[name] = v
	mu.Unlock()
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *Val) Name() string { return v.name }

func (v *Val) Desc() string { return v.desc }

func (v *Val) Add(n int) { v.v.Add(int64(n)) }

func (v *Val) Set(n int) { v.v.Store(int64(n)) }

func (v *Val) Val() int { return int(v.v.Load()) }

// All returns a name-sorted snapshot of every registered value.
func All() []*Val {
	mu.Lock()
	defer mu.Unlock()
	vals := make([]*Val, 0, len(registry))
	for _, v := range registry {
		vals = append(vals, v)
	}
	sort.Slice(vals, func(i, j int) bool { return vals[i].name < vals[j].name })
	return vals
}
