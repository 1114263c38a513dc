// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nsync

import "sync/atomic"

// A Semaphore is a classic counting semaphore built on a Mutex and a CV, in
// the style spec'd for the thread library's sem_t: a non-negative count
// protected by a mutex, with waiters blocking on a condition variable while
// the count is zero.
//
// The zero value of Semaphore is not usable; construct one with NewSemaphore.
type Semaphore struct {
	mu    Mutex
	cond  CV
	count int64
	valid int32 // 1 once initialized and not yet destroyed; 0 otherwise
}

// NewSemaphore() initializes *s with the given count, which must be
// strictly positive -- negative or zero counts are rejected, matching
// sem_init()'s "n > 0" requirement.  It returns an error if n <= 0.
func NewSemaphore(n int) (*Semaphore, error) {
	s := &Semaphore{}
	if err := s.Init(n); err != nil {
		return nil, err
	}
	return s, nil
}

// Init() (re-)initializes *s with count n, which must be strictly positive.
// It is provided so a Semaphore can be embedded by value, as sem_t is in the
// source library, rather than always constructed via NewSemaphore().
func (s *Semaphore) Init(n int) error {
	if n <= 0 {
		return ErrInvalid
	}
	s.count = int64(n)
	atomic.StoreInt32(&s.valid, 1)
	return nil
}

// Wait() blocks the calling thread until *s's count is non-zero, then
// decrements it.  It is a no-op if *s is invalid (zero value, not yet
// initialized, or already destroyed).
func (s *Semaphore) Wait() {
	if atomic.LoadInt32(&s.valid) == 0 {
		return
	}
	s.mu.Lock()
	for s.count == 0 {
		s.cond.Wait(&s.mu)
	}
	s.count--
	s.mu.Unlock()
}

// Signal() increments *s's count and wakes one waiter, if any.  It is a
// no-op if *s is invalid.
func (s *Semaphore) Signal() {
	if atomic.LoadInt32(&s.valid) == 0 {
		return
	}
	s.mu.Lock()
	s.count++
	s.cond.Signal()
	s.mu.Unlock()
}

// Count() returns the current count.  It is intended for tests and
// diagnostics; the value may be stale by the time the caller observes it.
func (s *Semaphore) Count() int64 {
	return atomic.LoadInt64(&s.count)
}

// Destroy() marks *s invalid.  Subsequent Wait()/Signal() calls are no-ops,
// matching sem_destroy()'s contract.  As with Mutex, the caller is
// responsible for ensuring no thread is blocked in Wait() when Destroy() is
// called.
func (s *Semaphore) Destroy() {
	atomic.StoreInt32(&s.valid, 0)
}
