// Copyright 2024 rosa project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package osutil contains the filesystem and process helpers shared by the
// campaign pipeline and the command line tools.
package osutil

import (
	"io"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sys/unix"
)

const (
	DefaultDirPerm  = 0755
	DefaultFilePerm = 0644
)

// MkdirAll is a wrapper around os.MkdirAll with the default campaign permissions.
func MkdirAll(dir string) error {
	return os.MkdirAll(dir, DefaultDirPerm)
}

// WriteFile writes data to filename with the default campaign permissions.
func WriteFile(filename string, data []byte) error {
	return os.WriteFile(filename, data, DefaultFilePerm)
}

// CopyFile atomically copies oldFile to newFile preserving its contents.
func CopyFile(oldFile, newFile string) error {
	tmpFile := newFile + ".tmp"
	src, err := os.Open(oldFile)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.OpenFile(tmpFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, DefaultFilePerm)
	if err != nil {
		return err
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Rename(tmpFile, newFile)
}

// IsExist reports whether the file or directory exists.
func IsExist(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

// IsDir reports whether name exists and is a directory.
func IsDir(name string) bool {
	st, err := os.Stat(name)
	return err == nil && st.IsDir()
}

// ListDir returns the sorted names of the regular files in dir.
func ListDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// DirEmpty reports whether dir contains no entries at all.
// A missing directory is an error, not an empty one.
func DirEmpty(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}

// ProcessAlive reports whether a process with the given pid exists.
// Sending signal 0 probes for existence without delivering anything;
// EPERM still means the process is there.
func ProcessAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

// Abs is like filepath.Abs, but panics on failure (the only failure mode is
// an unobtainable working directory, at which point nothing can proceed).
func Abs(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		panic(err)
	}
	return abs
}
