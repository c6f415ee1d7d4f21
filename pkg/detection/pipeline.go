// Copyright 2024 rosa project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package detection drives a whole campaign: it spawns the fuzzer
// instances, ingests the traces they produce, forms the behavior clusters
// at the end of the input collection phase and runs the oracle over every
// trace that arrives afterwards. The pipeline is the single reader of the
// fuzzer queues and the single writer of the campaign output directory.
package detection

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/binsec/rosa/pkg/clustering"
	"github.com/binsec/rosa/pkg/config"
	"github.com/binsec/rosa/pkg/errs"
	"github.com/binsec/rosa/pkg/fuzzer"
	"github.com/binsec/rosa/pkg/log"
	"github.com/binsec/rosa/pkg/oracle"
	"github.com/binsec/rosa/pkg/osutil"
	"github.com/binsec/rosa/pkg/stats"
	"github.com/binsec/rosa/pkg/trace"
)

// Options tweak a campaign run.
type Options struct {
	// Force allows overwriting an existing output directory.
	Force bool
	// NoTUI enables the one-shot console warning about fuzzer instances
	// that found crashes. The dashboard does not show crashes.
	NoTUI bool
	// Seed is the campaign seed substituted into fuzzer commands.
	Seed uint32
}

const (
	settleDelay = 200 * time.Millisecond
	startupPoll = 100 * time.Millisecond
	statsPeriod = time.Second
	statsHeader = "seconds,traces,unique_backdoors,total_backdoors,edge_coverage,syscall_coverage"
)

// Pipeline is the two-phase campaign state machine. It owns the trace index
// and the cluster list exclusively; the dashboard only ever reads the files
// the pipeline publishes.
type Pipeline struct {
	cfg  *config.Config
	opts Options
	// stop is set by the signal handler; the pipeline polls it at every
	// loop iteration.
	stop *atomic.Bool

	sup      *fuzzer.Supervisor
	known    map[string]*trace.Trace
	order    []*trace.Trace
	clusters []*clustering.Cluster
	phase    Phase

	startTime   time.Time
	lastStatsAt time.Time
	edgeCov     float64
	syscallCov  float64

	warnedCrashes bool
	statsFile     *os.File
	statsWriter   *csv.Writer

	statTraces          *stats.Val
	statTotalBackdoors  *stats.Val
	statUniqueBackdoors *stats.Val
}

// New prepares a pipeline for the given campaign config. Nothing touches
// the filesystem until Run.
func New(cfg *config.Config, stop *atomic.Bool, opts Options) *Pipeline {
	return &Pipeline{
		cfg:   cfg,
		opts:  opts,
		stop:  stop,
		known: make(map[string]*trace.Trace),
		statTraces: stats.Create("traces", "traces collected so far",
			stats.Prometheus("rosa_traces")),
		statTotalBackdoors: stats.Create("total_backdoors", "backdoor detections (with duplicates)",
			stats.Prometheus("rosa_backdoors_total")),
		statUniqueBackdoors: stats.Create("unique_backdoors", "deduplicated backdoors",
			stats.Prometheus("rosa_backdoors_unique")),
	}
}

// Run executes the campaign until a fatal error or until the stop flag is
// set. Fuzzer instances are scoped to this call: every exit path stops all
// of them before returning.
func (pl *Pipeline) Run() error {
	if err := pl.setup(); err != nil {
		return err
	}
	defer pl.closeStats()

	sup, err := fuzzer.NewSupervisor(pl.cfg.Fuzzers, pl.cfg.LogsDir(), pl.opts.Seed)
	if err != nil {
		return err
	}
	pl.sup = sup
	if err := sup.SpawnAll(); err != nil {
		sup.StopAll()
		return err
	}
	// From here on the fuzzers are live: any error must stop every
	// instance before it propagates.
	if err := pl.campaign(); err != nil {
		sup.StopAll()
		return err
	}
	if err := sup.StopAll(); err != nil {
		return err
	}
	pl.logSummary()
	return pl.setPhase(PhaseStopped)
}

func (pl *Pipeline) setup() error {
	if err := pl.cfg.SetupDirs(pl.opts.Force); err != nil {
		return err
	}
	if err := pl.cfg.SaveCopy(); err != nil {
		return err
	}
	if err := pl.setPhase(PhaseStarting); err != nil {
		return err
	}
	statsFile, err := os.Create(pl.cfg.StatsFile())
	if err != nil {
		return errs.Wrapf(err, "could not create stats file %q", pl.cfg.StatsFile())
	}
	if _, err := fmt.Fprintln(statsFile, statsHeader); err != nil {
		statsFile.Close()
		return errs.Wrapf(err, "could not write stats header")
	}
	pl.statsFile = statsFile
	pl.statsWriter = csv.NewWriter(statsFile)
	return nil
}

func (pl *Pipeline) closeStats() {
	if pl.statsFile != nil {
		pl.statsWriter.Flush()
		pl.statsFile.Close()
	}
}

func (pl *Pipeline) campaign() error {
	pl.startTime = time.Now()
	// Give the instances a moment to create their output layout before
	// polling their metadata.
	time.Sleep(settleDelay)
	for !pl.sup.AllRunning() {
		if pl.stop.Load() {
			return nil
		}
		if err := pl.sup.CheckAlive(); err != nil {
			return err
		}
		time.Sleep(startupPoll)
	}
	log.Logf(0, "all %v fuzzer instances running, collecting inputs (seed %v)",
		len(pl.sup.Procs), pl.opts.Seed)
	if err := pl.setPhase(PhaseCollecting); err != nil {
		return err
	}
	for !pl.stop.Load() {
		if err := pl.iteration(); err != nil {
			return err
		}
	}
	return nil
}

// iteration is one poll of the trace store plus the phase dispatch over the
// new traces. The event order is fixed: collect, save, update coverage, log
// stats, dispatch.
func (pl *Pipeline) iteration() error {
	if err := pl.sup.CheckAlive(); err != nil {
		return err
	}
	if pl.opts.NoTUI && !pl.warnedCrashes {
		for _, warning := range pl.sup.CrashWarnings() {
			log.Errorf("%v", warning)
			pl.warnedCrashes = true
		}
	}

	var newTraces []*trace.Trace
	for _, inst := range pl.cfg.CollectInstances() {
		// Missing trace dumps are skipped: the fuzzer may not have
		// flushed them yet, the next poll picks them up.
		traces, err := trace.LoadNew(inst.TestInputDir, inst.TraceDumpDir, inst.Name,
			pl.known, true)
		if err != nil {
			return err
		}
		newTraces = append(newTraces, traces...)
	}
	pl.order = append(pl.order, newTraces...)
	pl.statTraces.Set(len(pl.known))

	if err := trace.SaveAll(newTraces, pl.cfg.TracesDir()); err != nil {
		return err
	}
	if err := pl.updateCoverage(); err != nil {
		return err
	}
	if err := pl.emitStats(); err != nil {
		return err
	}

	switch pl.phase {
	case PhaseCollecting:
		for _, t := range newTraces {
			if err := pl.saveDecision(oracle.SeedDecision(t)); err != nil {
				return err
			}
		}
		if pl.cfg.SeedConditions.Check(time.Since(pl.startTime), pl.edgeCov, pl.syscallCov) {
			return pl.formClusters()
		}
	case PhaseDetecting:
		for _, t := range newTraces {
			if err := pl.judge(t); err != nil {
				return err
			}
		}
	}
	return nil
}

// formClusters runs the one-shot cluster formation over every trace
// collected so far and advances the campaign into the detection phase.
func (pl *Pipeline) formClusters() error {
	if err := pl.setPhase(PhaseClustering); err != nil {
		return err
	}
	formation := pl.cfg.ClusterFormation
	pl.clusters = clustering.Form(pl.order, formation.Criterion, formation.Metric,
		formation.EdgeTolerance, formation.SyscallTolerance)
	if err := clustering.Save(pl.clusters, pl.cfg.ClustersDir()); err != nil {
		return err
	}
	log.Logf(0, "clustered %v seed traces into %v clusters, detecting backdoors",
		len(pl.order), len(pl.clusters))
	return pl.setPhase(PhaseDetecting)
}

// judge runs the oracle over one new trace and persists the outcome. A
// detection is deduplicated through its discriminants fingerprint: the
// first detection with a given fingerprint claims the backdoor directory,
// later ones only count towards the total.
func (pl *Pipeline) judge(t *trace.Trace) error {
	selection := pl.cfg.ClusterSelection
	cluster := clustering.MostSimilar(t, pl.clusters, selection.Criterion, selection.Metric)
	if cluster == nil {
		return errs.Newf("no clusters to compare trace %q against", t.UID)
	}
	oracleCfg := pl.cfg.Oracle
	decision := oracleCfg.Oracle.Decide(t, cluster, oracleCfg.Criterion, oracleCfg.Metric)
	if decision.IsBackdoor {
		pl.statTotalBackdoors.Add(1)
		fingerprint := decision.Discriminants.Fingerprint(oracleCfg.Criterion, decision.ClusterUID)
		backdoorDir := filepath.Join(pl.cfg.BackdoorsDir(), fingerprint)
		switch err := os.Mkdir(backdoorDir, osutil.DefaultDirPerm); {
		case err == nil:
			pl.statUniqueBackdoors.Add(1)
			if err := t.SaveInput(backdoorDir); err != nil {
				return err
			}
			log.Logf(0, "!!!! BACKDOOR FOUND !!!! (unique: %v, total: %v, traces: %v)",
				pl.statUniqueBackdoors.Val(), pl.statTotalBackdoors.Val(), len(pl.known))
			if log.V(1) {
				log.Logf(1, "trace %v:", t.UID)
				log.Logf(1, "  test input: %v", t.PrintableInput())
				log.Logf(1, "  %v", t.EdgeSummary())
				log.Logf(1, "  %v", t.SyscallSummary())
				log.Logf(1, "  most similar cluster: %v", decision.ClusterUID)
				log.Logf(1, "  reason: %v", decision.Reason)
			}
		case os.IsExist(err):
			// Same fingerprint, same backdoor.
		default:
			return errs.Wrapf(err, "could not create backdoor directory %q", backdoorDir)
		}
	}
	return pl.saveDecision(decision)
}

func (pl *Pipeline) saveDecision(decision oracle.Decision) error {
	timed := &oracle.TimedDecision{
		Seconds:  pl.elapsedSeconds(),
		Decision: decision,
	}
	return timed.Save(pl.cfg.DecisionsDir())
}

func (pl *Pipeline) elapsedSeconds() uint64 {
	return uint64(time.Since(pl.startTime).Seconds())
}

func (pl *Pipeline) updateCoverage() error {
	pl.edgeCov, pl.syscallCov = trace.Coverage(pl.known)
	content := fmt.Sprintf("%f/%f", pl.edgeCov, pl.syscallCov)
	if err := osutil.WriteFile(pl.cfg.CoverageFile(), []byte(content)); err != nil {
		return errs.Wrapf(err, "could not save coverage to %q", pl.cfg.CoverageFile())
	}
	return nil
}

// emitStats appends one CSV row at most once per wall-clock second.
func (pl *Pipeline) emitStats() error {
	now := time.Now()
	if !pl.lastStatsAt.IsZero() && now.Sub(pl.lastStatsAt) < statsPeriod {
		return nil
	}
	pl.lastStatsAt = now
	record := []string{
		strconv.FormatUint(pl.elapsedSeconds(), 10),
		strconv.Itoa(len(pl.known)),
		strconv.Itoa(pl.statUniqueBackdoors.Val()),
		strconv.Itoa(pl.statTotalBackdoors.Val()),
		strconv.FormatFloat(pl.edgeCov, 'f', 6, 64),
		strconv.FormatFloat(pl.syscallCov, 'f', 6, 64),
	}
	if err := pl.statsWriter.Write(record); err != nil {
		return errs.Wrapf(err, "could not write stats record")
	}
	pl.statsWriter.Flush()
	return errs.Wrapf(pl.statsWriter.Error(), "could not flush stats")
}

func (pl *Pipeline) setPhase(phase Phase) error {
	pl.phase = phase
	log.Logf(2, "campaign phase: %v", phase)
	return SavePhase(pl.cfg.PhaseFile(), phase)
}

func (pl *Pipeline) logSummary() {
	log.Logf(0, "campaign finished: %v traces, %v clusters, %v backdoors (%v unique)",
		len(pl.known), len(pl.clusters), pl.statTotalBackdoors.Val(),
		pl.statUniqueBackdoors.Val())
}
