// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nsync

import "errors"

// Errors returned by the Init/New constructors in this package.  These
// correspond to the three error kinds the source thread library's
// errors.h distinguishes (ERR_INVAL, ERR_BUSY, ERR_NOMEM); Go idiom
// returns distinct sentinel errors rather than negative int codes.
var (
	ErrInvalid = errors.New("nsync: invalid argument")
	ErrBusy    = errors.New("nsync: resource busy")
	ErrNoMem   = errors.New("nsync: allocation failed")
)
