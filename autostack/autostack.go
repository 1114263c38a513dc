// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package autostack grows the initial thread's stack on demand while the
// process is still single-threaded, and falls back to a stub fatal
// handler once other threads exist, the Go-native reading of
// install_autostack()/install_seh_multi() from the source library's
// libautostack.
//
// Go's own goroutine stacks already grow automatically and a genuine stack
// overflow is an unrecoverable fatal error, not a catchable panic, so
// there is no literal page-fault handler to install here. Instead this
// package uses runtime/debug.SetPanicOnFault, which turns certain faults
// (for example a wild pointer dereference) into a recoverable
// runtime.Error, as the nearest real Go facility to "install a software
// exception handler", and tracks a simulated page budget the way the
// source seh() tracks stack_bottom.
package autostack

import (
	"runtime/debug"
	"sync"

	"v.io/x/thread/internal/kernel"
	"v.io/x/thread/panicx"
	"v.io/x/thread/vlog"
)

// exceptionStackSize mirrors EXCEPTION_STACK_SIZE from the source library;
// it is the size of the bookkeeping allocation made before the handler is
// armed, so that a failure to obtain it causes Install to skip arming
// rather than panic.
const exceptionStackSize = 1024

// pageSize matches autostack.c's PAGE_SIZE granularity for simulated
// growth.
const pageSize = 4096

var (
	mu            sync.Mutex
	installed     bool
	watermark     uintptr
	remainingPage int
)

// Install arms the single-threaded auto-growing stack handler. stackHigh
// and stackLow bound the initial thread's stack, matching
// install_autostack(stack_high, stack_low); pageBudget caps how many
// simulated pages Guard will grow the stack by before giving up and
// calling panicx.Fatal, since a real Go goroutine stack has no fixed low
// address to grow below.
//
// If the bookkeeping allocation fails, Install returns an error and skips
// arming, exactly as the source library silently skips installation and
// lets a subsequent overflow fall through to the default fatal path.
func Install(stackHigh, stackLow uintptr, pageBudget int) error {
	if _, err := kernel.NewPages(exceptionStackSize); err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	watermark = stackLow
	remainingPage = pageBudget
	installed = true
	debug.SetPanicOnFault(true)
	return nil
}

// Uninstall de-arms the single-threaded handler. thr_init calls this
// because a multi-threaded address space cannot safely grow the initial
// thread's stack -- other threads' stacks may sit immediately below it.
func Uninstall() {
	mu.Lock()
	defer mu.Unlock()
	installed = false
	debug.SetPanicOnFault(false)
}

// Guard runs fn with the single-threaded page-growth handler active. If fn
// panics with a fault that SetPanicOnFault made recoverable, Guard
// consumes one page of the budget installed by Install and returns true,
// simulating new_pages() having grown the stack and the handler having
// re-armed itself; the caller is expected to retry whatever triggered the
// fault, mirroring the kernel re-executing the faulting instruction after
// seh() returns. If the budget is exhausted, Guard calls
// panicx.Fatal("Stack overflow error!"), matching the source seh()'s
// die() on a failed new_pages(). A panic that is not a recoverable fault
// propagates unchanged.
func Guard(fn func()) (grew bool) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if _, ok := r.(error); !ok {
			panic(r)
		}
		mu.Lock()
		armed := installed
		mu.Unlock()
		if !armed {
			panic(r)
		}
		if _, err := kernel.NewPages(pageSize); err != nil {
			panicx.Fatal("Stack overflow error!")
		}
		mu.Lock()
		if remainingPage <= 0 {
			mu.Unlock()
			panicx.Fatal("Stack overflow error!")
		}
		remainingPage--
		watermark -= pageSize
		mu.Unlock()
		vlog.VI(2).Infof("autostack: grew simulated stack, watermark=%#x", watermark)
		grew = true
	}()
	fn()
	return grew
}

// GuardThread runs fn with the multi-threaded stub handler active: any
// fault recovered from fn is immediately fatal, the Go-native reading of
// seh_multi()/install_seh_multi() -- a spawned thread gets a clean fatal
// error rather than a silent stack overrun, instead of the auto-growing
// treatment the initial thread receives.
func GuardThread(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(error); ok {
				panicx.Fatal("Thread caused a segmentation fault.")
			}
			panic(r)
		}
	}()
	fn()
}
