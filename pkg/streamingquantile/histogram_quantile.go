// SPDX-License-Identifier: AGPL-3.0-only
// Provenance-includes-location: https://github.com/prometheus/prometheus/blob/main/promql/engine.go
// Provenance-includes-location: https://github.com/prometheus/prometheus/blob/main/promql/quantile.go
// Provenance-includes-license: Apache-2.0
// Provenance-includes-copyright: The Prometheus Authors

package streamingquantile

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"unsafe"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/tracing"
	"github.com/prometheus/common/model"
	"github.com/prometheus/prometheus/model/labels"
	"github.com/prometheus/prometheus/promql/parser/posrange"
	"github.com/prometheus/prometheus/util/annotations"
	"github.com/prometheus/prometheus/util/zeropool"

	"github.com/grafana/streamingquantile/pkg/streamingquantile/floats"
	"github.com/grafana/streamingquantile/pkg/streamingquantile/limiting"
	"github.com/grafana/streamingquantile/pkg/streamingquantile/types"
	"github.com/grafana/streamingquantile/pkg/util/pool"
)

// HistogramQuantile converts a set of classic histogram bucket rate series
// into one quantile series per histogram.
//
// Input series are grouped into histograms by their label sets, ignoring the
// bucket label "le". Within each histogram, member series are sorted by the
// upper bound parsed from their "le" label, and each output row's value is the
// target quantile interpolated across the member rates at that step, per
// floats.BucketQuantile.
//
// Apply consumes the source stream before returning, as grouping requires
// seeing every member of a histogram before any of its output can be
// produced. The rows of the member series are not read at that point: each
// pull of an output row pulls exactly one row from each member series of that
// histogram, and an output series ends when any of its members is exhausted.
type HistogramQuantile struct {
	Quantile                 float64
	MemoryConsumptionTracker *limiting.MemoryConsumptionTracker
	Annotations              *annotations.Annotations
	Logger                   log.Logger

	expressionPosition posrange.PositionRange
}

var _ Transformer = &HistogramQuantile{}

func NewHistogramQuantile(args []float64, params *TransformerParameters) (Transformer, error) {
	if len(args) != 1 {
		// Should be caught by the query parser, but we check here for safety.
		return nil, fmt.Errorf("expected exactly 1 argument for histogram_quantile, got %v", len(args))
	}

	return &HistogramQuantile{
		Quantile:                 args[0],
		MemoryConsumptionTracker: params.MemoryConsumptionTracker,
		Annotations:              params.Annotations,
		Logger:                   params.Logger,

		expressionPosition: params.ExpressionPosition,
	}, nil
}

func (h *HistogramQuantile) Name() string {
	return "histogram_quantile"
}

func (h *HistogramQuantile) OutputSchema(input types.ResultSchema) types.ResultSchema {
	// Output rows are (timestamp, value) pairs just like the input rows.
	return input
}

func (h *HistogramQuantile) Apply(ctx context.Context, source types.RangeVectorStream, _ *types.QueryOptions, _ int, _ types.ResultSchema) (types.RangeVectorStream, error) {
	span, ctx := tracing.StartSpanFromContext(ctx, "HistogramQuantile.Apply")
	defer span.Finish()

	if math.IsNaN(h.Quantile) || h.Quantile < 0 || h.Quantile > 1 {
		h.Annotations.Add(annotations.NewInvalidQuantileWarning(h.Quantile, h.expressionPosition))
	}

	groups, err := h.computeGroups(ctx, source)
	if err != nil {
		source.Close()
		return nil, err
	}

	return &histogramQuantileStream{
		source:                   source,
		groups:                   groups,
		memoryConsumptionTracker: h.MemoryConsumptionTracker,
	}, nil
}

// computeGroups drains source and partitions the series it produces into one
// group per histogram, ready to be iterated.
//
// Groups are returned in the order the last series contributing to each of
// them was seen. On error, any groups created so far have been released.
func (h *HistogramQuantile) computeGroups(ctx context.Context, source types.RangeVectorStream) ([]*histogramGroup, error) {
	// Why 1024 bytes? It's what labels.Labels.String() uses as a buffer size, so
	// we use that as a sensible starting point too.
	buf := make([]byte, 0, 1024)
	lb := labels.NewBuilder(labels.EmptyLabels())

	// Note that we use a string here to uniquely identify the groups, while Prometheus' engine
	// uses a hash without any handling of hash collisions. While rare, this may cause differences
	// in the results returned by this engine and Prometheus' engine.
	groups := map[string]*histogramGroup{}
	seriesCount := 0

	for {
		rv, err := source.Next(ctx)
		if err != nil {
			if errors.Is(err, types.EOS) {
				break
			}

			for _, g := range groups {
				putHistogramGroup(g)
			}

			return nil, err
		}

		buf = rv.Labels.BytesWithoutLabels(buf, model.BucketLabel)
		g, groupExists := groups[string(buf)] // Important: don't extract the string(...) call here - passing it directly allows us to avoid allocating it.

		if !groupExists {
			g = histogramGroupPool.Get()
			g.parent = h

			lb.Reset(rv.Labels)
			lb.Del(model.BucketLabel)
			g.labels = lb.Labels()

			groups[string(buf)] = g
		}

		g.members = append(g.members, histogramBucketSeries{seriesLabels: rv.Labels, rows: rv.Rows})
		g.lastSeriesIndex = seriesCount
		seriesCount++
	}

	// Return the groups in the order they were completed in, so that a source
	// producing series in a stable order yields output in a stable order too.
	ordered := make([]*histogramGroup, 0, len(groups))
	for _, g := range groups {
		ordered = append(ordered, g)
	}

	slices.SortFunc(ordered, func(a, b *histogramGroup) int {
		return cmp.Compare(a.lastSeriesIndex, b.lastSeriesIndex)
	})

	for _, g := range ordered {
		if err := g.sortMembers(); err != nil {
			h.releaseGroups(ordered)
			return nil, err
		}

		buckets, err := bucketSlicePool.Get(len(g.members), h.MemoryConsumptionTracker)
		if err != nil {
			h.releaseGroups(ordered)
			return nil, err
		}

		g.buckets = buckets[:len(g.members)]
		for i, m := range g.members {
			g.buckets[i] = floats.Bucket{UpperBound: m.upperBound}
		}
	}

	level.Debug(h.Logger).Log("msg", "grouped histogram bucket series", "series", seriesCount, "groups", len(ordered))

	return ordered, nil
}

func (h *HistogramQuantile) releaseGroups(groups []*histogramGroup) {
	for _, g := range groups {
		bucketSlicePool.Put(g.buckets, h.MemoryConsumptionTracker)
		g.buckets = nil
		putHistogramGroup(g)
	}
}

// histogramBucketSeries is one member of a histogram group: a single bucket's
// rate series and the upper bound parsed from its "le" label.
type histogramBucketSeries struct {
	seriesLabels labels.Labels
	upperBound   float64
	rows         types.RowIterator
}

// histogramGroup holds all the bucket series of one histogram. It is also the
// row iterator of the corresponding output range vector: each call to Next
// pulls one row from every member series and evaluates the quantile over them.
type histogramGroup struct {
	labels  labels.Labels // Labels of the member series with the bucket label removed.
	members []histogramBucketSeries

	// The index of the last series that contributes to this group.
	// Used to sort groups in the order that they'll be completed in.
	lastSeriesIndex int

	parent *HistogramQuantile

	// buckets is reused for every call to Next: the upper bounds are fixed at
	// construction and the rates are overwritten at each step.
	buckets floats.Buckets

	reportedForcedMonotonicity bool
}

var _ types.RowIterator = &histogramGroup{}

var histogramGroupPool = zeropool.New(func() *histogramGroup {
	return &histogramGroup{}
})

// putHistogramGroup returns g to the pool. g's buckets must already have been
// returned to their pool.
func putHistogramGroup(g *histogramGroup) {
	clear(g.members) // Drop the references to the member row iterators.
	g.members = g.members[:0]
	g.labels = labels.EmptyLabels()
	g.parent = nil
	g.buckets = nil
	g.reportedForcedMonotonicity = false

	histogramGroupPool.Put(g)
}

// sortMembers parses the upper bound of every member series from its "le"
// label and sorts the members in ascending order of upper bound. The sort is
// stable, so members with equal upper bounds stay in the order the source
// produced them in.
func (g *histogramGroup) sortMembers() error {
	for i := range g.members {
		m := &g.members[i]

		le := m.seriesLabels.Get(model.BucketLabel)
		if le == "" {
			return fmt.Errorf("histogram bucket series %s is missing the %q label", m.seriesLabels, model.BucketLabel)
		}

		upperBound, err := strconv.ParseFloat(le, 64)
		if err != nil {
			return fmt.Errorf("histogram bucket series %s has an invalid %q label value %q", m.seriesLabels, model.BucketLabel, le)
		}

		m.upperBound = upperBound
	}

	slices.SortStableFunc(g.members, func(a, b histogramBucketSeries) int {
		return cmp.Compare(a.upperBound, b.upperBound)
	})

	return nil
}

func (g *histogramGroup) Next() (int64, float64, bool) {
	var ts int64

	for i := range g.members {
		t, f, ok := g.members[i].rows.Next()
		if !ok {
			// The shortest member series determines where the output series ends.
			return 0, 0, false
		}

		ts = t
		g.buckets[i].Rate = f
	}

	value, forcedMonotonic := floats.BucketQuantile(g.parent.Quantile, g.buckets)

	if forcedMonotonic && !g.reportedForcedMonotonicity {
		metricName := g.labels.Get(labels.MetricName)
		g.parent.Annotations.Add(annotations.NewHistogramQuantileForcedMonotonicityInfo(metricName, g.parent.expressionPosition))
		g.reportedForcedMonotonicity = true
	}

	return ts, value, true
}

// There's not too much science behind this number: a histogram with more
// buckets than this is exceptionally rare.
const maxExpectedBucketsPerHistogram = 512

var bucketSlicePool = types.NewLimitingBucketedPool(
	pool.NewBucketedPool(maxExpectedBucketsPerHistogram, func(size int) floats.Buckets {
		return make(floats.Buckets, 0, size)
	}),
	uint64(unsafe.Sizeof(floats.Bucket{})),
	false,
	nil,
)

type histogramQuantileStream struct {
	source                   types.RangeVectorStream
	groups                   []*histogramGroup
	memoryConsumptionTracker *limiting.MemoryConsumptionTracker

	next   int
	closed bool
}

var _ types.RangeVectorStream = &histogramQuantileStream{}

func (s *histogramQuantileStream) Next(_ context.Context) (types.RangeVector, error) {
	if s.next >= len(s.groups) {
		return types.RangeVector{}, types.EOS
	}

	g := s.groups[s.next]
	s.next++

	return types.RangeVector{Labels: g.labels, Rows: g}, nil
}

func (s *histogramQuantileStream) Close() {
	if s.closed {
		return
	}

	s.closed = true

	for _, g := range s.groups {
		bucketSlicePool.Put(g.buckets, s.memoryConsumptionTracker)
		g.buckets = nil
		putHistogramGroup(g)
	}

	s.groups = nil
	s.source.Close()
}
