// SPDX-License-Identifier: AGPL-3.0-only

package streamingquantile

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/spanlogger"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/prometheus/promql/parser/posrange"
	"github.com/prometheus/prometheus/util/annotations"
	"go.opentelemetry.io/otel"

	"github.com/grafana/streamingquantile/pkg/streamingquantile/limiting"
	"github.com/grafana/streamingquantile/pkg/streamingquantile/types"
)

var tracer = otel.Tracer("pkg/streamingquantile")

func NewEngine(opts EngineOpts) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid engine options")
	}

	return &Engine{
		logger:   opts.Logger,
		timeout:  opts.CommonOpts.Timeout,
		pedantic: opts.Pedantic,

		maxEstimatedMemoryConsumptionPerQuery: opts.MaxEstimatedMemoryConsumptionPerQuery,

		estimatedPeakMemoryConsumption: promauto.With(opts.CommonOpts.Reg).NewHistogram(prometheus.HistogramOpts{
			Name:                        "streaming_quantile_engine_estimated_query_peak_memory_consumption",
			Help:                        "Estimated peak memory consumption of each query (in bytes)",
			NativeHistogramBucketFactor: 1.1,
		}),
		queriesRejected: promauto.With(opts.CommonOpts.Reg).NewCounter(prometheus.CounterOpts{
			Name: "streaming_quantile_engine_queries_rejected_total",
			Help: "Number of queries rejected because their estimated memory consumption exceeded the per-query limit.",
		}),
	}, nil
}

type Engine struct {
	logger  log.Logger
	timeout time.Duration

	maxEstimatedMemoryConsumptionPerQuery uint64

	estimatedPeakMemoryConsumption prometheus.Histogram
	queriesRejected                prometheus.Counter

	// When operating in pedantic mode, Query.Close() will panic if memory consumption
	// is > 0, which indicates something was not returned to a pool.
	//
	// Pedantic mode should only be enabled in tests. It is not intended to be used in production.
	pedantic bool
}

// NewQuery creates a query that applies the transformation registered under the
// given name, constructed with the given arguments.
//
// expressionPosition is the position of the transformation expression in the
// original query, used in annotations.
func (e *Engine) NewQuery(name string, args []float64, expressionPosition posrange.PositionRange) (*Query, error) {
	memoryConsumptionTracker := limiting.NewMemoryConsumptionTracker(e.maxEstimatedMemoryConsumptionPerQuery, e.queriesRejected)
	annos := annotations.New()

	transformer, err := NewTransformer(name, args, &TransformerParameters{
		MemoryConsumptionTracker: memoryConsumptionTracker,
		Annotations:              annos,
		Logger:                   e.logger,
		ExpressionPosition:       expressionPosition,
	})
	if err != nil {
		return nil, err
	}

	return &Query{
		engine:                   e,
		transformer:              transformer,
		memoryConsumptionTracker: memoryConsumptionTracker,
		annotations:              annos,
	}, nil
}

// Query is a single evaluation of one transformation over one stream of range
// vectors. A query can be applied at most once.
type Query struct {
	engine                   *Engine
	transformer              Transformer
	memoryConsumptionTracker *limiting.MemoryConsumptionTracker
	annotations              *annotations.Annotations

	output types.RangeVectorStream
	closed bool
}

// Apply runs the query's transformation over the range vectors produced by source.
//
// The caller must call Close on this query once it is finished with the
// returned stream, even if Apply returned an error.
func (q *Query) Apply(ctx context.Context, source types.RangeVectorStream, queryOpts *types.QueryOptions, outputLimit int, inputSchema types.ResultSchema) (types.RangeVectorStream, error) {
	if q.output != nil {
		return nil, errors.New("query has already been applied")
	}

	spanLogger, ctx := spanlogger.New(ctx, q.engine.logger, tracer, "Query.Apply")
	defer spanLogger.Finish()
	spanLogger.SetTag("transformation", q.transformer.Name())

	// The timeout only needs to cover the materialization of the source stream:
	// once Apply returns, producing output rows does not block.
	ctx, cancel := context.WithTimeout(ctx, q.engine.timeout)
	defer cancel()

	output, err := q.transformer.Apply(ctx, source, queryOpts, outputLimit, inputSchema)
	if err != nil {
		return nil, err
	}

	q.output = output
	return output, nil
}

// Annotations returns the annotations gathered while constructing and applying
// the query, such as warnings about an invalid quantile value.
func (q *Query) Annotations() *annotations.Annotations {
	return q.annotations
}

// Close frees all resources associated with this query and records its
// statistics. It is safe to call Close multiple times.
//
// Range vector streams previously returned by Apply must not be used after
// calling Close.
func (q *Query) Close() {
	if q.closed {
		return
	}

	q.closed = true

	if q.output != nil {
		q.output.Close()
	}

	q.engine.estimatedPeakMemoryConsumption.Observe(float64(q.memoryConsumptionTracker.PeakEstimatedMemoryConsumptionBytes))

	if q.engine.pedantic && q.memoryConsumptionTracker.CurrentEstimatedMemoryConsumptionBytes > 0 {
		panic("Memory consumption tracker still estimates that memory is in use after the query was closed. This indicates something has not been returned to a pool, which is a bug.")
	}
}
