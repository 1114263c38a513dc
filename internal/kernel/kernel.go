// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package kernel realizes, on top of goroutines and the Go runtime, the
// contract that the thread library's source design treats as an external
// collaborator: thread spawn with an explicit stack pointer, a directed
// sleep/wake pair, cooperative yield, current thread identifier, single
// thread termination, and page allocation. Go gives none of these as raw
// primitives, so this package supplies the nearest idiomatic equivalent of
// each, documented alongside the mapping it stands in for.
package kernel

import (
	"bytes"
	"errors"
	"runtime"
	"strconv"
)

// Fork spawns body in a new goroutine and returns the id GetTid() reports
// from inside it, once that id is known. This stands in for
// thread_fork(stack_top, fn, arg) -> tid: Go manages the child's stack
// itself, so there is no stack_top to pass, but the synchronous handoff of
// the new tid before Fork returns is preserved, matching thr_create()'s
// requirement that the child tid be known to the caller before it
// proceeds.
//
// If onSpawn is non-nil, it runs synchronously on the new goroutine, with
// that goroutine's tid, before Fork returns to its caller -- before body
// starts running asynchronously. This lets a caller like thread.Create
// register thread-table state keyed by tid with a guarantee that the
// registration has already happened by the time any other goroutine can
// observe the returned tid, closing a race that a plain "return the tid,
// then separately register it" sequence would leave open.
func Fork(onSpawn func(tid int64), body func()) int64 {
	tidCh := make(chan int64, 1)
	go func() {
		id := GetTid()
		if onSpawn != nil {
			onSpawn(id)
		}
		tidCh <- id
		body()
	}()
	return <-tidCh
}

// GetTid reports an identifier for the calling goroutine. Go exposes no
// public goroutine-id API; this parses the id out of the calling
// goroutine's own stack trace, the standard ecosystem workaround used by
// goroutine-local-storage libraries. The id is stable for the lifetime of
// the goroutine and is only used here as an opaque comparison key; the
// runtime assigns each new goroutine a fresh id, so an id is not handed to
// a later goroutine after its owner exits.
func GetTid() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		panic("kernel: could not parse goroutine id from runtime.Stack")
	}
	id, err := strconv.ParseInt(string(fields[1]), 10, 64)
	if err != nil {
		panic("kernel: could not parse goroutine id: " + err.Error())
	}
	return id
}

// Yield is the Go-native reading of yield(tid): it offers the processor to
// other goroutines. The tid parameter is retained on the signature for
// contract fidelity with the source yield(), but Go's scheduler has no
// directed yield-to-a-specific-goroutine primitive, so a non-zero tid is
// advisory only -- Yield behaves identically regardless of its value.
func Yield(tid int64) {
	runtime.Gosched()
}

// Vanish terminates the calling goroutine without returning to its caller,
// the Go-native reading of vanish(). Deferred functions on the calling
// goroutine's stack still run, as with any runtime.Goexit.
func Vanish() {
	runtime.Goexit()
}

// ErrNoPages is returned by NewPages when the requested allocation could
// not be satisfied, the Go-native reading of new_pages() returning
// negative.
var ErrNoPages = errors.New("kernel: page allocation failed")

// pageSize matches the allocation granularity new_pages() works in on the
// source kernel.
const pageSize = 4096

// allocMu serializes allocation the way the source library's allocator
// shim takes a global mutex around each call into the underlying
// allocator, so concurrent callers never race inside it.
var allocMu chan struct{} = make(chan struct{}, 1)

func init() {
	allocMu <- struct{}{}
}

// NewPages allocates n bytes, rounded up to a whole number of pages, the
// Go-native reading of new_pages(addr, len). Allocation is serialized
// across callers by a single global lock, mirroring the source library's
// allocator shim. It recovers from allocation failure (Go's allocator
// panics rather than returning nil) and reports it as ErrNoPages instead,
// so callers can follow the source contract of "negative return on
// failure" rather than crashing.
func NewPages(n int) (buf []byte, err error) {
	if n <= 0 {
		return nil, ErrNoPages
	}
	rounded := ((n + pageSize - 1) / pageSize) * pageSize

	<-allocMu
	defer func() { allocMu <- struct{}{} }()

	defer func() {
		if r := recover(); r != nil {
			buf, err = nil, ErrNoPages
		}
	}()
	buf = make([]byte, rounded)
	return buf, nil
}
