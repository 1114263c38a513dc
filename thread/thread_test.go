// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package thread_test

import (
	"sync"
	"testing"
	"time"

	"v.io/x/thread/thread"
)

// TestCreateJoinReturnsStatus checks the basic lifecycle: a created thread
// runs to completion, and the status it returns is delivered unchanged to
// its joiner.
func TestCreateJoinReturnsStatus(t *testing.T) {
	if err := thread.Init(4096); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	tid, err := thread.Create(func(arg interface{}) interface{} {
		return arg.(int) * 2
	}, 21)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	status, err := thread.Join(tid)
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if got, want := status.(int), 42; got != want {
		t.Errorf("joined status = %d, want %d", got, want)
	}
}

// TestJoinUnknownTidFails checks that joining a tid that was never created
// returns an error instead of blocking forever.
func TestJoinUnknownTidFails(t *testing.T) {
	if err := thread.Init(4096); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if _, err := thread.Join(987654321); err == nil {
		t.Errorf("Join on an unknown tid succeeded, want error")
	}
}

// TestJoinAfterExitDoesNotBlock checks that a joiner arriving after the
// target thread has already exited observes the status immediately,
// rather than missing a signal sent before it started waiting.
func TestJoinAfterExitDoesNotBlock(t *testing.T) {
	if err := thread.Init(4096); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	tid, err := thread.Create(func(arg interface{}) interface{} {
		return "done"
	}, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Give the thread every opportunity to exit before we join.
	time.Sleep(50 * time.Millisecond)
	var wg sync.WaitGroup
	wg.Add(1)
	var status interface{}
	var joinErr error
	go func() {
		defer wg.Done()
		status, joinErr = thread.Join(tid)
	}()
	wg.Wait()

	if joinErr != nil {
		t.Fatalf("Join failed: %v", joinErr)
	}
	if got, want := status.(string), "done"; got != want {
		t.Errorf("joined status = %q, want %q", got, want)
	}
}

// TestManyThreadsCreateJoin spawns a pool of threads that each return
// their own index as exit status, then joins all of them and checks the
// sum of the joined statuses -- exercising Create/Join at fleet scale.
func TestManyThreadsCreateJoin(t *testing.T) {
	if err := thread.Init(4096); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	const n = 20
	tids := make([]int64, n)
	for i := 0; i != n; i++ {
		tid, err := thread.Create(func(arg interface{}) interface{} {
			return arg
		}, i)
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		tids[i] = tid
	}

	sum := 0
	for _, tid := range tids {
		status, err := thread.Join(tid)
		if err != nil {
			t.Fatalf("Join(%d) failed: %v", tid, err)
		}
		sum += status.(int)
	}
	if got, want := sum, n*(n-1)/2; got != want {
		t.Errorf("sum of joined statuses = %d, want %d", got, want)
	}
}
