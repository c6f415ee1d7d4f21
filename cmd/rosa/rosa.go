// Copyright 2024 rosa project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// rosa detects backdoors in binary programs by running a fuzzing campaign
// and applying a metamorphic oracle over the traces it produces.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/binsec/rosa/pkg/config"
	"github.com/binsec/rosa/pkg/dashboard"
	"github.com/binsec/rosa/pkg/detection"
	"github.com/binsec/rosa/pkg/errs"
	"github.com/binsec/rosa/pkg/log"
)

var (
	flagConfig  = flag.String("config", "config.toml", "campaign configuration file")
	flagForce   = flag.Bool("force", false, "overwrite the output directory if it already exists")
	flagNoTUI   = flag.Bool("no-tui", false, "disable the live dashboard and log linearly")
	flagMetrics = flag.String("metrics", "", "serve Prometheus metrics on this address (disabled if empty)")
)

func main() {
	flag.Parse()
	cfg, err := config.Load(*flagConfig)
	if err != nil {
		fatal(err)
	}

	var stop atomic.Bool
	go handleSignals(&stop)
	if *flagMetrics != "" {
		go serveMetrics(*flagMetrics)
	}

	pipeline := detection.New(cfg, &stop, detection.Options{
		Force: *flagForce,
		NoTUI: *flagNoTUI,
		Seed:  rand.Uint32(),
	})

	var dash *dashboard.Dashboard
	var g errgroup.Group
	if !*flagNoTUI {
		dash = dashboard.New(cfg.OutputDir)
		g.Go(dash.Run)
	}

	infof("starting campaign (config %v, output %v)", *flagConfig, cfg.OutputDir)
	err = pipeline.Run()
	if dash != nil {
		dash.Stop()
		g.Wait()
	}
	if err != nil {
		fatal(err)
	}
	infof("Bye :)")
}

// handleSignals turns the first interrupt into a graceful stop request and
// the second one into a hard exit.
func handleSignals(stop *atomic.Bool) {
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, unix.SIGTERM)
	<-c
	stop.Store(true)
	infof("shutting down... (interrupt again to terminate)")
	<-c
	log.Fatalf("terminating")
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorf("metrics server failed: %v", err)
	}
}

func infof(msg string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "%v %v\n", color.GreenString("[rosa]"), fmt.Sprintf(msg, args...))
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, errs.Report(err))
	os.Exit(1)
}
