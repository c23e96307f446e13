// SPDX-License-Identifier: AGPL-3.0-only

package streamingquantile

import (
	"testing"

	"github.com/grafana/streamingquantile/pkg/util/test"
)

func TestMain(m *testing.M) {
	test.VerifyNoLeakTestMain(m)
}
