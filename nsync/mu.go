// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The nsync package provides a mutex Mutex and a Mesa-style condition
// variable CV.
//
// The nsync primitives differ from those in sync in that nsync provides
// timed/cancellable wait on CV, and try-lock on Mutex; CV's wait primitives
// take the mutex as an explicit argument to remind the reader that they have
// a side effect on the mutex; the zero value CV can be used without further
// initialization; and Mutex forbids a lock acquired by one thread to be
// released by another.
//
// As well as Mutex and CV being usable with one another, an nsync.Mutex can
// be used with a sync.Cond, and an nsync.CV can be used with a sync.Mutex.
package nsync

import "sync/atomic"

// Implementation notes
//
// Mutex is a direct reading of the source library's mutex_t: a single
// atomic word, acquired with a bounded spin on test-and-unset and released
// with test-and-set, nothing more. It deliberately does not enqueue waiters
// or park a thread on anything: the source contract names exactly two
// suspension points in the whole library -- the kernel's sleep-on-word
// primitive, invoked only from cond_wait, and the spin inside mutex_lock --
// and a waiter queue blocking on a semaphore inside Lock() would be a third.
// Fairness among contended lockers is left to the kernel scheduler's
// assumed round-robin behaviour, not to any ordering Mutex imposes itself.
//
// CV, in cv.go, is the package's one enqueue-and-block primitive: it keeps
// its own doubly-linked waiter queue (see waiter.go) and parks each waiter
// on a private binarySemaphore, standing in for the kernel's sleep-on-word
// and wake-by-id pair. CV reaches Mutex only through the sync.Locker
// interface -- it has no access to Mutex's word -- so nothing about CV's
// design can reintroduce a second suspension point into Mutex.
//
// The word's zero value reads as free, so a zero-valued Mutex is ready to
// use without a separate mutex_init call, matching the other zero-value-
// ready primitives in this package (CV, RWLock): the source
// AtomicWord's own encoding (1 = free, 0 = held) would make an
// un-initialized word read as held, and Go has no mutex_init call to run
// before the first use of an embedded or package-level Mutex value.

// A Mutex is a binary lock built on a single atomic word: the only
// permitted states of the word, ignoring the destroyed sentinel, are "free"
// and "held". Its zero value is valid and unlocked, similar to sync.Mutex,
// but it also implements TryLock() and a destroyed sentinel.
//
// A Mutex can be "free", or held by a single thread (aka goroutine).  A
// thread that acquires it should eventually release it.  It is not legal to
// acquire a Mutex in one thread and release it in another.
//
// Example usage, where p.mu is a Mutex protecting the invariant p.a+p.b==0
//      p.mu.Lock()
//      // The current thread now has exclusive access to p.a and p.b; invariant assumed true.
//      p.a++
//      p.b-- // restore invariant p.a+p.b==0 before releasing p.mu
//      p.mu.Unlock()
type Mutex struct {
	word uint32 // bits: see below
}

// Bits in Mutex.word
const (
	muLock      = 1 << iota // lock is held
	muDestroyed             // Destroy() has been called; further use is undefined
)

// TryLock() attempts to acquire *mu without blocking, and returns whether it is successful.
func (mu *Mutex) TryLock() bool {
	return atomic.CompareAndSwapUint32(&mu.word, 0, muLock) // acquire CAS
}

// Lock() blocks until *mu is free and then acquires it. Acquire is a
// bounded spin on test-and-unset: the caller repeatedly attempts the CAS
// below, backing off between attempts, until it wins.  It never enqueues
// itself on a waiter list and never blocks on a semaphore; the only thing
// that can suspend the caller is the spin's own backoff delay.
func (mu *Mutex) Lock() {
	var attempts uint // attempt count; used for spinloop backoff
	for !atomic.CompareAndSwapUint32(&mu.word, 0, muLock) { // acquire CAS
		attempts = spinDelay(attempts)
	}
}

// Unlock() unlocks *mu. Release is test-and-set: it never searches for or
// wakes a waiter, because Lock() never enqueues one -- a thread contending
// for *mu is always spinning, and observes the release on a later attempt.
func (mu *Mutex) Unlock() {
	if !atomic.CompareAndSwapUint32(&mu.word, muLock, 0) { // release CAS
		panic("attempt to Unlock a free nsync.Mutex")
	}
}

// AssertHeld() panics if *mu is not held.
func (mu *Mutex) AssertHeld() {
	if (atomic.LoadUint32(&mu.word) & muLock) == 0 {
		panic("nsync.Mutex not held")
	}
}

// Destroy() marks *mu unusable.  It is programmer error to call Destroy()
// while *mu is held or while another thread is waiting on it; like the
// thread library this package implements, destruction does not defend
// against that misuse.  Lock/Unlock/TryLock on a destroyed Mutex are
// undefined, matching the source spec's mutex contract exactly.
func (mu *Mutex) Destroy() {
	atomic.StoreUint32(&mu.word, muDestroyed)
}

// destroyed() reports whether Destroy() has been called.  CV, Semaphore and
// RWLock do not call it: each tracks its own destroyed state.
func (mu *Mutex) destroyed() bool {
	return (atomic.LoadUint32(&mu.word) & muDestroyed) != 0
}
