// Copyright 2024 rosa project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package osutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, WriteFile(src, []byte("payload")))
	require.NoError(t, CopyFile(src, dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	assert.Error(t, CopyFile(filepath.Join(dir, "missing"), dst))
}

func TestListDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteFile(filepath.Join(dir, "b"), nil))
	require.NoError(t, WriteFile(filepath.Join(dir, "a"), nil))
	require.NoError(t, MkdirAll(filepath.Join(dir, "sub")))
	files, err := ListDir(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, files)

	_, err = ListDir(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestDirEmpty(t *testing.T) {
	dir := t.TempDir()
	empty, err := DirEmpty(dir)
	require.NoError(t, err)
	assert.True(t, empty)

	require.NoError(t, WriteFile(filepath.Join(dir, "f"), nil))
	empty, err = DirEmpty(dir)
	require.NoError(t, err)
	assert.False(t, empty)

	_, err = DirEmpty(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, ProcessAlive(os.Getpid()))
	// Way beyond any configured pid_max.
	assert.False(t, ProcessAlive(1<<30))
}
