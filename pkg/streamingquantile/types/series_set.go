// SPDX-License-Identifier: AGPL-3.0-only

package types

import (
	"context"

	"github.com/pkg/errors"
	"github.com/prometheus/prometheus/promql"
	"github.com/prometheus/prometheus/storage"
	"github.com/prometheus/prometheus/tsdb/chunkenc"

	"github.com/grafana/streamingquantile/pkg/streamingquantile/limiting"
)

// SeriesSetStream adapts a Prometheus storage.SeriesSet into a RangeVectorStream.
//
// The rows of each series are materialized into a pooled slice when the series is returned, so
// chunk decoding errors surface from Next. Native histogram samples are skipped: only float
// samples are carried into the resulting range vectors.
type SeriesSetStream struct {
	seriesSet                storage.SeriesSet
	memoryConsumptionTracker *limiting.MemoryConsumptionTracker

	chunkIterator chunkenc.Iterator // Reused between series.
	buffers       [][]promql.FPoint // All slices handed out so far, returned to the pool on Close.
	closed        bool
}

func NewSeriesSetStream(seriesSet storage.SeriesSet, memoryConsumptionTracker *limiting.MemoryConsumptionTracker) *SeriesSetStream {
	return &SeriesSetStream{
		seriesSet:                seriesSet,
		memoryConsumptionTracker: memoryConsumptionTracker,
	}
}

func (s *SeriesSetStream) Next(_ context.Context) (RangeVector, error) {
	if !s.seriesSet.Next() {
		if err := s.seriesSet.Err(); err != nil {
			return RangeVector{}, errors.Wrap(err, "reading series set")
		}

		return RangeVector{}, EOS
	}

	series := s.seriesSet.At()
	s.chunkIterator = series.Iterator(s.chunkIterator)

	points, err := FPointSlicePool.Get(initialMaterializedRowsCapacity, s.memoryConsumptionTracker)
	if err != nil {
		return RangeVector{}, err
	}

	for valueType := s.chunkIterator.Next(); valueType != chunkenc.ValNone; valueType = s.chunkIterator.Next() {
		if valueType != chunkenc.ValFloat {
			continue
		}

		t, f := s.chunkIterator.At()
		points, err = appendPoint(points, promql.FPoint{T: t, F: f}, s.memoryConsumptionTracker)
		if err != nil {
			return RangeVector{}, err
		}
	}

	if err := s.chunkIterator.Err(); err != nil {
		FPointSlicePool.Put(points, s.memoryConsumptionTracker)
		return RangeVector{}, errors.Wrapf(err, "reading series %s", series.Labels().String())
	}

	s.buffers = append(s.buffers, points)

	return RangeVector{Labels: series.Labels(), Rows: NewFPointRowIterator(points)}, nil
}

func (s *SeriesSetStream) Close() {
	if s.closed {
		return
	}

	s.closed = true

	for _, b := range s.buffers {
		FPointSlicePool.Put(b, s.memoryConsumptionTracker)
	}

	s.buffers = nil
}
