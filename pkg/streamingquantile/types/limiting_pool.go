// SPDX-License-Identifier: AGPL-3.0-only

package types

import (
	"unsafe"

	"github.com/prometheus/prometheus/promql"

	"github.com/grafana/streamingquantile/pkg/streamingquantile/limiting"
	"github.com/grafana/streamingquantile/pkg/util/pool"
)

const (
	// MaxExpectedPointsPerSeries is the maximum number of points we expect a single series to have.
	// There's not too much science behind this number: 100000 points allows for a point per minute
	// for just under 70 days, and then we round up to the next power of two.
	MaxExpectedPointsPerSeries = 131072

	FPointSize = uint64(unsafe.Sizeof(promql.FPoint{}))
)

// EnableManglingReturnedSlices enables mangling values in slices returned to a pool, to aid in
// detecting use-after-return bugs. Only slices returned to pools that have a mangle function
// set will be mangled.
//
// Mangling affects all pools globally and is expensive, so it should only be enabled in tests.
var EnableManglingReturnedSlices = false

var FPointSlicePool = NewLimitingBucketedPool(
	pool.NewBucketedPool(MaxExpectedPointsPerSeries, func(size int) []promql.FPoint {
		return make([]promql.FPoint, 0, size)
	}),
	FPointSize,
	false,
	nil,
)

// LimitingBucketedPool pools slices across multiple query evaluations, and applies any max in-memory bytes limit.
//
// LimitingBucketedPool only estimates the in-memory size of the slices it returns. For example, it
// ignores the overhead of slice headers and assumes all elements are the same size.
type LimitingBucketedPool[S ~[]E, E any] struct {
	inner       *pool.BucketedPool[S, E]
	elementSize uint64
	clearOnGet  bool
	mangle      func(E) E
}

func NewLimitingBucketedPool[S ~[]E, E any](inner *pool.BucketedPool[S, E], elementSize uint64, clearOnGet bool, mangle func(E) E) *LimitingBucketedPool[S, E] {
	return &LimitingBucketedPool[S, E]{
		inner:       inner,
		elementSize: elementSize,
		clearOnGet:  clearOnGet,
		mangle:      mangle,
	}
}

// Get returns a slice of E of length 0 and capacity greater than or equal to size.
//
// If the capacity of the returned slice would cause the max memory consumption limit to be exceeded, then an error is returned.
//
// Note that the capacity of the returned slice may be significantly larger than size, depending on the configuration of the underlying bucketed pool.
func (p *LimitingBucketedPool[S, E]) Get(size int, memoryConsumptionTracker *limiting.MemoryConsumptionTracker) (S, error) {
	// We don't bother checking the limit before we get the slice for a couple of reasons:
	// - we prefer to enforce the limit based on the capacity of the returned slices, not the requested size, to more accurately capture the true memory utilisation
	// - we expect that the vast majority of the time, the limit won't be hit, so the extra caution just slows things down
	// - we assume that allocating a single slice won't consume an enormous amount of memory and therefore risk this process OOMing.
	s := p.inner.Get(size)

	// We use the capacity of the slice, not 'size', for two reasons:
	// - it more accurately reflects the true memory utilisation, as BucketedPool will always round up to the next nearest bucket, to make reuse of slices easier
	// - there's no guarantee the slice will have size 'size' when it's returned to us in Put, so using 'size' would make the accounting below impossible
	estimatedBytes := uint64(cap(s)) * p.elementSize

	if err := memoryConsumptionTracker.IncreaseMemoryConsumption(estimatedBytes); err != nil {
		p.inner.Put(s)
		return nil, err
	}

	if p.clearOnGet {
		clear(s[:size])
	}

	return s, nil
}

// Put returns a slice of E to the pool and updates the current memory consumption.
func (p *LimitingBucketedPool[S, E]) Put(s S, memoryConsumptionTracker *limiting.MemoryConsumptionTracker) {
	if s == nil {
		return
	}

	if EnableManglingReturnedSlices && p.mangle != nil {
		for i, e := range s {
			s[i] = p.mangle(e)
		}
	}

	memoryConsumptionTracker.DecreaseMemoryConsumption(uint64(cap(s)) * p.elementSize)
	p.inner.Put(s)
}
