// Copyright 2024 rosa project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package trace

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/binsec/rosa/pkg/osutil"
	"github.com/binsec/rosa/pkg/testutil"
)

func writeTraceFiles(t *testing.T, queueDir, dumpDir, name string, input, edges, syscalls []byte) {
	t.Helper()
	dump := (&Trace{Edges: edges, Syscalls: syscalls}).Dump()
	// The dump goes first: the loader treats a present input with a
	// missing dump as not-yet-flushed.
	require.NoError(t, osutil.WriteFile(filepath.Join(dumpDir, name+".trace"), dump))
	require.NoError(t, osutil.WriteFile(filepath.Join(queueDir, name), input))
}

func TestDumpRoundTrip(t *testing.T) {
	rnd := rand.New(testutil.RandSource(t))
	for i := 0; i < testutil.IterCount(); i++ {
		edges := make([]byte, rnd.Intn(64))
		syscalls := make([]byte, rnd.Intn(64))
		rnd.Read(edges)
		rnd.Read(syscalls)
		orig := &Trace{Edges: edges, Syscalls: syscalls}
		gotEdges, gotSyscalls, err := ParseDump(orig.Dump())
		require.NoError(t, err)
		assert.Equal(t, edges, gotEdges)
		assert.Equal(t, syscalls, gotSyscalls)
	}
}

func TestParseDumpErrors(t *testing.T) {
	_, _, err := ParseDump([]byte{1, 2, 3})
	assert.Error(t, err)

	dump := (&Trace{Edges: []byte{1, 2}, Syscalls: []byte{3}}).Dump()
	_, _, err = ParseDump(dump[:len(dump)-1]) // short read
	assert.Error(t, err)
	_, _, err = ParseDump(append(dump, 0)) // trailing garbage
	assert.Error(t, err)
}

func TestLoadNew(t *testing.T) {
	dir := t.TempDir()
	queue := filepath.Join(dir, "queue")
	dumps := filepath.Join(dir, "trace_dumps")
	testutil.DirectoryLayout(t, dir, []string{"queue/", "trace_dumps/"})

	writeTraceFiles(t, queue, dumps, "id:000001", []byte("b"), []byte{0, 1}, []byte{1, 0})
	writeTraceFiles(t, queue, dumps, "id:000000", []byte("a"), []byte{1, 0}, []byte{0, 1})
	// Auxiliary files with extensions are not test inputs.
	require.NoError(t, osutil.WriteFile(filepath.Join(queue, "README.txt"), []byte("x")))

	known := make(map[string]*Trace)
	traces, err := LoadNew(queue, dumps, "main", known, false)
	require.NoError(t, err)
	require.Len(t, traces, 2)
	// Ordered by file name, uids namespaced by the instance.
	assert.Equal(t, "main_id:000000", traces[0].UID)
	assert.Equal(t, "id:000000", traces[0].Name)
	assert.Equal(t, []byte("a"), traces[0].Input)
	assert.Equal(t, "main_id:000001", traces[1].UID)
	assert.Len(t, known, 2)

	// A second poll only returns what is new.
	writeTraceFiles(t, queue, dumps, "id:000002", []byte("c"), []byte{1, 1}, []byte{0, 0})
	traces, err = LoadNew(queue, dumps, "main", known, false)
	require.NoError(t, err)
	require.Len(t, traces, 1)
	assert.Equal(t, "main_id:000002", traces[0].UID)
	assert.Len(t, known, 3)
}

func TestLoadNewMissingDump(t *testing.T) {
	dir := t.TempDir()
	queue := filepath.Join(dir, "queue")
	dumps := filepath.Join(dir, "trace_dumps")
	testutil.DirectoryLayout(t, dir, []string{"queue/", "trace_dumps/"})

	writeTraceFiles(t, queue, dumps, "id:000000", []byte("a"), []byte{1}, []byte{1})
	require.NoError(t, osutil.WriteFile(filepath.Join(queue, "id:000001"), []byte("b")))

	// The unflushed input is deferred when skipMissing is set...
	known := make(map[string]*Trace)
	traces, err := LoadNew(queue, dumps, "main", known, true)
	require.NoError(t, err)
	require.Len(t, traces, 1)
	assert.Equal(t, "main_id:000000", traces[0].UID)

	// ...picked up once the dump appears...
	dump := (&Trace{Edges: []byte{0}, Syscalls: []byte{1}}).Dump()
	require.NoError(t, osutil.WriteFile(filepath.Join(dumps, "id:000001.trace"), dump))
	traces, err = LoadNew(queue, dumps, "main", known, true)
	require.NoError(t, err)
	require.Len(t, traces, 1)

	// ...and a hard failure without skipMissing.
	require.NoError(t, osutil.WriteFile(filepath.Join(queue, "id:000002"), []byte("c")))
	_, err = LoadNew(queue, dumps, "main", known, false)
	assert.Error(t, err)
}

func TestLoadNewLengthMismatch(t *testing.T) {
	dir := t.TempDir()
	queue := filepath.Join(dir, "queue")
	dumps := filepath.Join(dir, "trace_dumps")
	testutil.DirectoryLayout(t, dir, []string{"queue/", "trace_dumps/"})

	writeTraceFiles(t, queue, dumps, "id:000000", []byte("a"), []byte{1, 0}, []byte{0, 1})
	writeTraceFiles(t, queue, dumps, "id:000001", []byte("b"), []byte{1, 0, 0}, []byte{0, 1})

	_, err := LoadNew(queue, dumps, "main", make(map[string]*Trace), false)
	assert.Error(t, err)
}

func TestLoadNewBadDir(t *testing.T) {
	_, err := LoadNew("/nonexistent/queue", "/nonexistent/dumps", "main",
		make(map[string]*Trace), true)
	assert.Error(t, err)
}

func TestSaveLoad(t *testing.T) {
	dir := t.TempDir()
	orig := &Trace{
		UID:      "main_id:000042",
		Name:     "id:000042",
		Input:    []byte{0x00, 0x41, 0xff},
		Edges:    []byte{1, 0, 2},
		Syscalls: []byte{0, 3},
	}
	require.NoError(t, orig.Save(dir))
	assert.True(t, osutil.IsExist(filepath.Join(dir, "main_id:000042")))
	assert.True(t, osutil.IsExist(filepath.Join(dir, "main_id:000042.trace")))

	loaded, err := Load(orig.UID, orig.Name,
		filepath.Join(dir, orig.UID), filepath.Join(dir, orig.UID+".trace"))
	require.NoError(t, err)
	if diff := cmp.Diff(orig, loaded); diff != "" {
		t.Fatalf("trace changed after save/load round trip:\n%v", diff)
	}
}

func TestCoverage(t *testing.T) {
	edgeCov, syscallCov := Coverage(nil)
	assert.Zero(t, edgeCov)
	assert.Zero(t, syscallCov)

	known := map[string]*Trace{
		"a": {Edges: []byte{1, 0, 0, 0}, Syscalls: []byte{0, 0}},
		"b": {Edges: []byte{0, 2, 0, 0}, Syscalls: []byte{0, 0}},
	}
	edgeCov, syscallCov = Coverage(known)
	assert.Equal(t, 0.5, edgeCov)
	assert.Equal(t, 0.0, syscallCov)
}

func TestPrintableInput(t *testing.T) {
	tr := &Trace{Input: []byte("a b\x00\x7f~")}
	assert.Equal(t, `a b\x00\x7f~`, tr.PrintableInput())
}

func TestSummaries(t *testing.T) {
	tr := &Trace{Edges: []byte{1, 0, 2, 0}, Syscalls: []byte{1, 1}}
	assert.Equal(t, "3 edges (75.00%)", tr.EdgeSummary())
	assert.Equal(t, "2 syscalls (100.00%)", tr.SyscallSummary())
}
