// SPDX-License-Identifier: AGPL-3.0-only

package test

import (
	"testing"

	"go.uber.org/goleak"
)

// VerifyNoLeakTestMain is a drop-in replacement for m.Run() that fails the test
// suite if any goroutine is still running once all of its tests have finished.
func VerifyNoLeakTestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
