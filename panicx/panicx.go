// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package panicx supplies the library's single fatal-diagnostic path, the
// Go-native reading of the source thread library's panic.h: a formatted
// message followed by unconditional process termination. Unlike Go's
// built-in panic, which a deferred recover() can intercept, the conditions
// this package is used for -- an exhausted auto-stack page budget and a
// fault reaching the multi-threaded guard handler, both in autostack -- are
// conditions the source library treats as unrecoverable, so this goes
// straight to process exit via vlog rather than through Go's panic/recover
// machinery. nsync.CV's waiter allocation does not go through this package.
package panicx

import "v.io/x/thread/vlog"

// Fatal logs the formatted diagnostic through vlog at fatal severity and
// terminates the process. It never returns.
func Fatal(format string, args ...interface{}) {
	vlog.Fatalf(format, args...)
	panic("unreachable: vlog.Fatalf did not terminate the process")
}
