// SPDX-License-Identifier: AGPL-3.0-only

package types

import (
	"context"
	"errors"

	"github.com/prometheus/prometheus/promql"

	"github.com/grafana/streamingquantile/pkg/streamingquantile/limiting"
)

// EOS is returned by RangeVectorStream.Next once the stream has produced all of its range vectors.
var EOS = errors.New("range vector stream exhausted")

// RangeVectorStream is a lazily evaluated sequence of range vectors.
//
// Streams are single-use and must not be used from multiple goroutines simultaneously.
type RangeVectorStream interface {
	// Next returns the next range vector in the stream, or EOS once the stream is exhausted.
	Next(ctx context.Context) (RangeVector, error)

	// Close frees all resources associated with this stream, including any still-unread
	// range vectors. Range vectors previously returned by Next must not be used after
	// calling Close. Close must be safe to call multiple times.
	Close()
}

// ListStream is a RangeVectorStream backed by a slice.
//
// It does not take ownership of the slice or of the row data behind each range vector:
// releasing those remains the caller's responsibility.
type ListStream struct {
	rangeVectors []RangeVector
	index        int
}

func NewListStream(rangeVectors []RangeVector) *ListStream {
	return &ListStream{rangeVectors: rangeVectors}
}

func (s *ListStream) Next(_ context.Context) (RangeVector, error) {
	if s.index >= len(s.rangeVectors) {
		return RangeVector{}, EOS
	}

	rv := s.rangeVectors[s.index]
	s.index++
	return rv, nil
}

func (s *ListStream) Close() {
	// Nothing to do.
}

const initialMaterializedRowsCapacity = 64

// MaterializeRangeVector drains the rows of rv into a slice obtained from FPointSlicePool.
//
// It is the caller's responsibility to return the slice to FPointSlicePool.
func MaterializeRangeVector(rv RangeVector, memoryConsumptionTracker *limiting.MemoryConsumptionTracker) ([]promql.FPoint, error) {
	points, err := FPointSlicePool.Get(initialMaterializedRowsCapacity, memoryConsumptionTracker)
	if err != nil {
		return nil, err
	}

	for {
		t, f, ok := rv.Rows.Next()
		if !ok {
			return points, nil
		}

		points, err = appendPoint(points, promql.FPoint{T: t, F: f}, memoryConsumptionTracker)
		if err != nil {
			return nil, err
		}
	}
}

// appendPoint appends p to points, growing points through FPointSlicePool if it is full.
// If growing fails, points is returned to the pool before the error is returned.
func appendPoint(points []promql.FPoint, p promql.FPoint, memoryConsumptionTracker *limiting.MemoryConsumptionTracker) ([]promql.FPoint, error) {
	if len(points) == cap(points) {
		grown, err := FPointSlicePool.Get(max(2*cap(points), initialMaterializedRowsCapacity), memoryConsumptionTracker)
		if err != nil {
			FPointSlicePool.Put(points, memoryConsumptionTracker)
			return nil, err
		}

		grown = grown[:len(points)]
		copy(grown, points)
		FPointSlicePool.Put(points, memoryConsumptionTracker)
		points = grown
	}

	return append(points, p), nil
}
