// Copyright 2024 rosa project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package testutil

import (
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/binsec/rosa/pkg/osutil"
)

func IterCount() int {
	iters := 1000
	if testing.Short() {
		iters /= 10
	}
	if RaceEnabled {
		iters /= 10
	}
	return iters
}

func RandSource(t *testing.T) rand.Source {
	seed := time.Now().UnixNano()
	if fixed := os.Getenv("ROSA_TEST_SEED"); fixed != "" {
		seed, _ = strconv.ParseInt(fixed, 0, 64)
	}
	if os.Getenv("CI") != "" {
		seed = 0 // required for deterministic coverage reports
	}
	t.Logf("seed=%v", seed)
	return rand.NewSource(seed)
}

// DirectoryLayout creates a layout specified by the paths slice.
// If a path ends with a filepath.Separator, then a directory is created.
// Otherwise, DirectoryLayout creates an empty file.
func DirectoryLayout(t *testing.T, base string, paths []string) {
	for _, path := range paths {
		isDir := path != "" && path[len(path)-1] == filepath.Separator
		path = filepath.Join(base, filepath.FromSlash(path))
		dir := filepath.Dir(path)
		// Create the directory.
		err := osutil.MkdirAll(dir)
		if err != nil {
			t.Fatal(err)
		}
		if isDir {
			err = osutil.MkdirAll(path)
		} else {
			err = osutil.WriteFile(path, nil)
		}
		if err != nil {
			t.Fatal(err)
		}
	}
}
