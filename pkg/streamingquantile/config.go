// SPDX-License-Identifier: AGPL-3.0-only

package streamingquantile

import (
	"flag"
	"time"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/prometheus/promql"
)

type EngineOpts struct {
	CommonOpts promql.EngineOpts `yaml:"-"`

	Logger log.Logger `yaml:"-"`

	// When operating in pedantic mode, we panic if memory consumption is > 0 after Query.Close()
	// (indicating something was not returned to a pool).
	// Should only be used in tests.
	Pedantic bool `yaml:"-"`

	// MaxEstimatedMemoryConsumptionPerQuery is the maximum estimated amount of memory, in
	// bytes, that a single query can consume at once. 0 disables the limit.
	MaxEstimatedMemoryConsumptionPerQuery uint64 `yaml:"max_estimated_memory_consumption_per_query" category:"experimental"`
}

func (o *EngineOpts) RegisterFlags(f *flag.FlagSet) {
	f.Uint64Var(&o.MaxEstimatedMemoryConsumptionPerQuery, "querier.streaming-quantile-engine.max-estimated-memory-consumption-per-query", 0, "Maximum estimated amount of memory, in bytes, that a single query can consume at once. The limit is enforced on the estimated memory consumption of the pooled buffers used to evaluate the query. 0 to disable.")
}

func (o *EngineOpts) Validate() error {
	if o.CommonOpts.Timeout <= 0 {
		return errors.New("query timeout must be greater than 0")
	}

	return nil
}

func NewTestEngineOpts() EngineOpts {
	return EngineOpts{
		CommonOpts: promql.EngineOpts{
			Reg:     prometheus.NewPedanticRegistry(),
			Timeout: 100 * time.Second,
		},

		Pedantic: true,
		Logger:   log.NewNopLogger(),
	}
}
