// Copyright 2024 rosa project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package log provides functionality similar to the standard log package
// with verbosity levels and optional in-memory caching of the recent output,
// which CachedLogOutput returns.
package log

import (
	"bytes"
	"flag"
	"fmt"
	golog "log"
	"sync"
	"time"
)

var (
	flagV = flag.Int("vv", 0, "log verbosity")

	mu           sync.Mutex
	cacheEntries []string
	cacheStart   int
	cacheCount   int
	cacheMem     int
	cacheMaxMem  int
	prependTime  = true // for testing
)

// EnableLogCaching starts in-memory caching of the log output,
// bounded by maxLines entries and maxMem bytes in total.
func EnableLogCaching(maxLines, maxMem int) {
	mu.Lock()
	defer mu.Unlock()
	if cacheEntries != nil {
		panic("log caching is already enabled")
	}
	if maxLines < 1 || maxMem < 1 {
		panic("invalid log caching parameters")
	}
	cacheEntries = make([]string, maxLines)
	cacheMaxMem = maxMem
}

// CachedLogOutput returns the cached log output, oldest entry first.
func CachedLogOutput() string {
	mu.Lock()
	defer mu.Unlock()
	buf := new(bytes.Buffer)
	for i := 0; i < cacheCount; i++ {
		buf.WriteString(cacheEntries[(cacheStart+i)%len(cacheEntries)])
		buf.WriteByte('\n')
	}
	return buf.String()
}

// V reports whether logging at the given verbosity level is enabled.
func V(level int) bool {
	return level <= *flagV
}

// Logf writes the message to the log if verbosity level v is enabled.
func Logf(v int, msg string, args ...interface{}) {
	writeMessage(v, "", msg, args...)
}

// Errorf writes an error message to the log regardless of the verbosity level.
func Errorf(msg string, args ...interface{}) {
	writeMessage(0, "ERROR", msg, args...)
}

// Fatalf logs the message and terminates the process.
func Fatalf(msg string, args ...interface{}) {
	golog.Fatalf(msg, args...)
}

func writeMessage(v int, severity, msg string, args ...interface{}) {
	mu.Lock()
	caching := cacheEntries != nil
	mu.Unlock()
	if !V(v) && !caching {
		return
	}
	text := fmt.Sprintf(msg, args...)
	if severity != "" {
		text = severity + ": " + text
	}
	if V(v) {
		golog.Print(text)
	}
	if !caching {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	if prependTime {
		text = time.Now().Format("2006/01/02 15:04:05 ") + text
	}
	if cacheCount == len(cacheEntries) {
		evictOldest()
	}
	for cacheMem+len(text) > cacheMaxMem && cacheCount > 0 {
		evictOldest()
	}
	cacheEntries[(cacheStart+cacheCount)%len(cacheEntries)] = text
	cacheCount++
	cacheMem += len(text)
}

func evictOldest() {
	cacheMem -= len(cacheEntries[cacheStart])
	cacheEntries[cacheStart] = ""
	cacheStart = (cacheStart + 1) % len(cacheEntries)
	cacheCount--
}

// Truncate leaves up to begin bytes at the beginning of the output and
// up to end bytes at the end, cutting the middle out. Used to bound
// fuzzer log excerpts embedded in error reports.
func Truncate(output []byte, begin, end int) []byte {
	if begin+end >= len(output) {
		return output
	}
	var b bytes.Buffer
	b.Write(output[:begin])
	if begin > 0 {
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "<<cut %d bytes out>>", len(output)-begin-end)
	if end > 0 {
		b.WriteString("\n\n")
	}
	b.Write(output[len(output)-end:])
	return b.Bytes()
}
