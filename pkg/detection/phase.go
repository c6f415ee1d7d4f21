// Copyright 2024 rosa project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package detection

import (
	"os"
	"strings"

	"github.com/binsec/rosa/pkg/errs"
	"github.com/binsec/rosa/pkg/osutil"
)

// Phase is the externally visible state of the campaign. It is persisted to
// a small text file at every transition so that the dashboard and the
// evaluation tools can follow along.
type Phase string

const (
	PhaseStarting   Phase = "starting"
	PhaseCollecting Phase = "collecting-inputs"
	PhaseClustering Phase = "clustering-inputs"
	PhaseDetecting  Phase = "detecting-backdoors"
	PhaseStopped    Phase = "stopped"
)

// SavePhase persists the phase to the given file.
func SavePhase(file string, phase Phase) error {
	if err := osutil.WriteFile(file, []byte(phase)); err != nil {
		return errs.Wrapf(err, "could not save campaign phase to %q", file)
	}
	return nil
}

// LoadPhase reads a phase file written by SavePhase.
func LoadPhase(file string) (Phase, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return "", errs.Wrapf(err, "could not read campaign phase from %q", file)
	}
	phase := Phase(strings.TrimSpace(string(data)))
	switch phase {
	case PhaseStarting, PhaseCollecting, PhaseClustering, PhaseDetecting, PhaseStopped:
		return phase, nil
	}
	return "", errs.Newf("unknown campaign phase %q in %q", phase, file)
}
