// SPDX-License-Identifier: AGPL-3.0-only

package streamingquantile

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/prometheus/prometheus/promql/parser/posrange"
	"github.com/prometheus/prometheus/util/annotations"

	"github.com/grafana/streamingquantile/pkg/streamingquantile/compat"
	"github.com/grafana/streamingquantile/pkg/streamingquantile/limiting"
	"github.com/grafana/streamingquantile/pkg/streamingquantile/types"
)

// Transformer is one stage of a query execution pipeline: it converts one
// stream of range vectors into another.
type Transformer interface {
	// Name returns the name of the transformation this transformer applies,
	// as it appears in the query.
	Name() string

	// OutputSchema returns the schema of the range vectors produced by Apply,
	// given the schema of the range vectors produced by the source stream.
	OutputSchema(input types.ResultSchema) types.ResultSchema

	// Apply transforms the range vectors produced by source.
	//
	// queryOpts, outputLimit and inputSchema describe the surrounding query and are
	// forwarded to transformers unchanged. Transformers that have no use for them
	// must pass them through without inspecting or mutating them.
	//
	// The caller must call Close on the returned stream once it is finished with it.
	// Closing the returned stream closes source as well.
	// If Apply returns an error, it closes source before returning.
	Apply(ctx context.Context, source types.RangeVectorStream, queryOpts *types.QueryOptions, outputLimit int, inputSchema types.ResultSchema) (types.RangeVectorStream, error)
}

// TransformerParameters are the dependencies common to all transformers,
// scoped to a single query evaluation.
type TransformerParameters struct {
	MemoryConsumptionTracker *limiting.MemoryConsumptionTracker
	Annotations              *annotations.Annotations
	Logger                   log.Logger

	// ExpressionPosition is the position of the expression that created this
	// transformer in the original query, used in annotations.
	ExpressionPosition posrange.PositionRange
}

// TransformerFactory constructs a transformer from the numeric arguments
// supplied in the query.
type TransformerFactory func(args []float64, params *TransformerParameters) (Transformer, error)

var transformerFactories = map[string]TransformerFactory{
	"histogram_quantile": NewHistogramQuantile,
}

// RegisterTransformerFactory registers a TransformerFactory under the given name.
// If a TransformerFactory is already registered for the name it will return an error.
func RegisterTransformerFactory(name string, factory TransformerFactory) error {
	if _, exists := transformerFactories[name]; exists {
		return fmt.Errorf("transformation '%s' has already been registered", name)
	}

	transformerFactories[name] = factory
	return nil
}

// NewTransformer constructs the transformer registered under the given name.
func NewTransformer(name string, args []float64, params *TransformerParameters) (Transformer, error) {
	factory, ok := transformerFactories[name]
	if !ok {
		return nil, compat.NewNotSupportedError(fmt.Sprintf("'%s' transformation", name))
	}

	return factory(args, params)
}
