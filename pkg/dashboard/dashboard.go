// Copyright 2025 rosa project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package dashboard renders a live one-line campaign status on the console.
// It only ever reads the state files the pipeline publishes (phase,
// coverage, stats, backdoor directories), so it cannot perturb a campaign:
// killing it or running it from another terminal is always safe.
package dashboard

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/binsec/rosa/pkg/detection"
)

const renderPeriod = 200 * time.Millisecond

type Dashboard struct {
	outputDir string
	out       *os.File

	stopOnce sync.Once
	stopC    chan struct{}
}

// New creates a dashboard over a campaign output directory.
func New(outputDir string) *Dashboard {
	return &Dashboard{
		outputDir: outputDir,
		out:       os.Stdout,
		stopC:     make(chan struct{}),
	}
}

// Run renders the status line every 200 ms until Stop is called.
func (d *Dashboard) Run() error {
	ticker := time.NewTicker(renderPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopC:
			// Leave the last status visible.
			fmt.Fprintln(d.out)
			return nil
		case <-ticker.C:
			d.render()
		}
	}
}

// Stop terminates Run. Safe to call more than once.
func (d *Dashboard) Stop() {
	d.stopOnce.Do(func() { close(d.stopC) })
}

// render draws the current status. State files may be mid-write or not yet
// created; any unreadable piece renders as a placeholder and is retried on
// the next tick.
func (d *Dashboard) render() {
	phase := "?"
	if p, err := detection.LoadPhase(filepath.Join(d.outputDir, ".current_phase")); err == nil {
		phase = string(p)
	}
	coverage := "?/?"
	if data, err := os.ReadFile(filepath.Join(d.outputDir, ".current_coverage")); err == nil {
		coverage = strings.TrimSpace(string(data))
	}
	traces, total := "?", "?"
	if row := lastStatsRow(filepath.Join(d.outputDir, "stats.csv")); len(row) == 6 {
		traces, total = row[1], row[3]
	}
	unique := countDirs(filepath.Join(d.outputDir, "backdoors"))

	fmt.Fprintf(d.out, "\r%v %v | traces %v | backdoors %v (%v unique) | coverage %v    ",
		color.CyanString("rosa"), color.YellowString("%-19s", phase),
		traces, total, unique, coverage)
}

func lastStatsRow(file string) []string {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) < 2 {
		return nil
	}
	return strings.Split(lines[len(lines)-1], ",")
}

func countDirs(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, entry := range entries {
		if entry.IsDir() {
			n++
		}
	}
	return n
}
