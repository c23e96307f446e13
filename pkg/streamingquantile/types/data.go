// SPDX-License-Identifier: AGPL-3.0-only

package types

import (
	"time"

	"github.com/prometheus/prometheus/model/labels"
	"github.com/prometheus/prometheus/promql"
)

// RangeVector is a single time series flowing through a query pipeline: an immutable
// label set identifying the series, and a lazy iterator over its rows.
type RangeVector struct {
	Labels labels.Labels
	Rows   RowIterator
}

// RowIterator iterates over the rows of a single range vector.
//
// Rows are produced in timestamp order, earliest timestamps first.
// Iterators are single-use and must not be used from multiple goroutines simultaneously.
type RowIterator interface {
	// Next advances to the next row and returns its timestamp (in milliseconds since the
	// Unix epoch) and value. It returns ok == false once the iterator is exhausted.
	Next() (t int64, f float64, ok bool)
}

// FPointRowIterator is a RowIterator over a slice of points.
type FPointRowIterator struct {
	points []promql.FPoint
	index  int
}

func NewFPointRowIterator(points []promql.FPoint) *FPointRowIterator {
	i := &FPointRowIterator{}
	i.Reset(points)
	return i
}

func (i *FPointRowIterator) Reset(points []promql.FPoint) {
	i.points = points
	i.index = 0
}

func (i *FPointRowIterator) Next() (int64, float64, bool) {
	if i.index >= len(i.points) {
		return 0, 0, false
	}

	p := i.points[i.index]
	i.index++
	return p.T, p.F, true
}

// ColumnType enumerates the data types of range vector row columns.
type ColumnType int

const (
	ColumnTypeTimestamp ColumnType = iota
	ColumnTypeFloat
)

// ColumnSpec describes a single column of the rows in a range vector.
type ColumnSpec struct {
	Name string
	Type ColumnType
}

// ResultSchema describes the shape of the rows flowing through a stream of range vectors.
//
// Pipeline stages that do not change the shape of their input pass the schema through unchanged.
type ResultSchema struct {
	Columns []ColumnSpec
}

// DefaultResultSchema returns the schema of plain float samples: a millisecond timestamp
// column followed by a float value column.
func DefaultResultSchema() ResultSchema {
	return ResultSchema{
		Columns: []ColumnSpec{
			{Name: "timestamp", Type: ColumnTypeTimestamp},
			{Name: "value", Type: ColumnTypeFloat},
		},
	}
}

// QueryOptions carries query-scoped settings supplied by the surrounding framework.
//
// Pipeline stages pass it along unchanged. Interpreting or enforcing any of these settings
// is the responsibility of whichever stage the framework built for that purpose.
type QueryOptions struct {
	// QueryID uniquely identifies the query this evaluation belongs to.
	QueryID string

	// SubmitTime is the time at which the surrounding framework accepted the query.
	SubmitTime time.Time

	// SampleLimit is the maximum number of samples a single stage is allowed to
	// materialize, or 0 if no limit applies.
	SampleLimit int
}
