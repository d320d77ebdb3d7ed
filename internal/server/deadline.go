// Read-deadline helpers
// https://github.com/usbtestkit/virtusb
//
// Copyright (c) virtusb authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package server

import "time"

// noDeadline clears a previously set read deadline.
var noDeadline time.Time

func deadlineFromNow(d time.Duration) time.Time {
	return time.Now().Add(d)
}
