// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package thread is the public surface of the thread library: a thread
// table, spawn trampoline, and join/exit rendezvous, built purely on
// nsync.Mutex and nsync.CV plus the internal/kernel substrate, mirroring
// the source library's thr_init/thr_create/thr_join/thr_exit/thr_getid/
// thr_yield.
package thread

import (
	"v.io/x/thread/autostack"
	"v.io/x/thread/internal/kernel"
	"v.io/x/thread/nsync"
	"v.io/x/thread/vlog"
)

// tcb is a task control block, the Go-native reading of tcb_t. Fields not
// read concurrently with mu held are documented inline; all others are
// guarded by mu.
type tcb struct {
	id        int64
	mu        nsync.Mutex
	joiners   nsync.CV
	exited    bool
	status    interface{}
	stackBase []byte // nil once freed, and always nil for the main thread
}

// Global library state, the Go-native reading of stack_size,
// tcb_list_head, and tcb_list_mutex. A tid-keyed map stands in for the
// source library's intrusive list, an optimization spec.md's TCB registry
// paragraph explicitly permits.
var (
	listMu    nsync.Mutex
	tcbs      map[int64]*tcb
	stackSize int
	libraryUp bool
)

// stackPadding rounds size up to the next multiple of 4, matching the
// source library's STACK_PADDING macro.
func stackPadding(size int) int {
	if r := size % 4; r != 0 {
		return 4 - r
	}
	return 0
}

// Init initializes the thread library with the given per-thread stack
// size (rounded up to a 4-byte multiple), the Go-native reading of
// thr_init(). It uninstalls the single-threaded auto-growing stack
// handler, since a multi-threaded address space cannot safely grow the
// initial thread's stack, and registers a TCB for the calling (main)
// thread with stackBase == nil -- the library must never try to free a
// stack it did not allocate.
func Init(size int) error {
	if size < 0 {
		return nsync.ErrInvalid
	}
	listMu.Lock()
	defer listMu.Unlock()

	autostack.Uninstall()
	stackSize = size + stackPadding(size)
	tcbs = make(map[int64]*tcb)

	main := &tcb{id: kernel.GetTid()}
	tcbs[main.id] = main
	libraryUp = true
	vlog.VI(1).Infof("thread: library initialized, stack_size=%d, main tid=%d", stackSize, main.id)
	return nil
}

// Create spawns a new thread running fn(arg), the Go-native reading of
// thr_create(). It allocates a dedicated stack of the configured size,
// registers a fresh TCB under the TCB list mutex, and returns the new
// thread's id. If stack allocation fails, it returns an error without
// spawning.
func Create(fn func(arg interface{}) interface{}, arg interface{}) (int64, error) {
	listMu.Lock()
	up := libraryUp
	size := stackSize
	listMu.Unlock()
	if !up {
		return 0, nsync.ErrInvalid
	}

	stack, err := kernel.NewPages(size)
	if err != nil {
		return 0, nsync.ErrNoMem
	}

	t := &tcb{stackBase: stack}
	tid := kernel.Fork(
		func(childTid int64) {
			t.id = childTid
			listMu.Lock()
			tcbs[childTid] = t
			listMu.Unlock()
		},
		func() {
			trampoline(t, fn, arg)
		},
	)

	vlog.VI(2).Infof("thread: spawned tid=%d", tid)
	return tid, nil
}

// trampoline runs on the newly spawned thread before user code: it installs
// the multi-threaded fault handler, runs fn(arg), and, if fn returns,
// calls Exit with its return value -- exactly the sequence spec.md's
// trampoline paragraph describes.
func trampoline(t *tcb, fn func(interface{}) interface{}, arg interface{}) {
	autostack.GuardThread(func() {
		status := fn(arg)
		Exit(status)
	})
}

// Exit terminates the calling thread with the given status, the Go-native
// reading of thr_exit(). It publishes the status and wakes any joiners
// before releasing the thread's stack and terminating, exactly the order
// spec.md's thr_exit paragraph specifies: the stack is only safe to free
// after the terminate primitive cannot touch it again, which is always
// true here because the bookkeeping stack slice is unrelated to the
// goroutine's real stack.
//
// Calling Exit before Init falls through to a bare kernel terminate, with
// no TCB to publish status through -- undefined on the library surface,
// but made graceful rather than crashing.
func Exit(status interface{}) {
	id := kernel.GetTid()
	listMu.Lock()
	t, ok := tcbs[id]
	listMu.Unlock()
	if !ok {
		vlog.VI(1).Infof("thread: Exit(%v) called on tid=%d with no TCB (library not initialized?)", status, id)
		kernel.Vanish()
		return
	}

	t.mu.Lock()
	t.exited = true
	t.status = status
	t.joiners.Broadcast()
	t.mu.Unlock()

	t.stackBase = nil
	vlog.VI(2).Infof("thread: tid=%d exited with status=%v", id, status)
	kernel.Vanish()
}

// Join blocks until the thread identified by tid has exited, then returns
// the status it exited with, the Go-native reading of thr_join(). It
// returns an error if tid does not name a thread ever created by this
// library, rather than blocking forever. A thread joining its own tid is
// rejected the same way, rather than deadlocking. Only one join per
// thread is supported; concurrent joins on the same tid are undefined.
func Join(tid int64) (interface{}, error) {
	if tid == kernel.GetTid() {
		return nil, nsync.ErrInvalid
	}
	listMu.Lock()
	t, ok := tcbs[tid]
	listMu.Unlock()
	if !ok {
		return nil, nsync.ErrInvalid
	}

	t.mu.Lock()
	for !t.exited {
		t.joiners.Wait(&t.mu)
	}
	status := t.status
	t.mu.Unlock()

	listMu.Lock()
	delete(tcbs, tid)
	listMu.Unlock()

	vlog.VI(2).Infof("thread: joined tid=%d, status=%v", tid, status)
	return status, nil
}

// GetID returns the calling thread's id, the Go-native reading of
// thr_getid().
func GetID() int64 {
	return kernel.GetTid()
}

// Yield delegates to the kernel's yield primitive, the Go-native reading
// of thr_yield(tid).
func Yield(tid int64) error {
	kernel.Yield(tid)
	return nil
}
