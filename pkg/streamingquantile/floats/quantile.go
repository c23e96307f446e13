// SPDX-License-Identifier: AGPL-3.0-only
// Provenance-includes-location: https://github.com/prometheus/prometheus/blob/main/promql/quantile.go
// Provenance-includes-license: Apache-2.0
// Provenance-includes-copyright: The Prometheus Authors

package floats

import (
	"math"
	"sort"
)

// Bucket represents a single bucket of a classic histogram at one point in
// time, with the upper bound of the bucket and the cumulative rate of
// observations in it.
type Bucket struct {
	UpperBound float64
	Rate       float64
}

// Buckets is a list of buckets of a classic histogram in ascending order of
// upper bound.
type Buckets []Bucket

// BucketQuantile calculates the quantile 'q' based on the given buckets.
//
// The buckets must be in ascending order of upper bound. The quantile value is
// interpolated assuming a linear distribution within a bucket.
//
// The rates of the buckets may be modified in place to enforce monotonicity,
// see EnsureMonotonic.
//
// If 'buckets' has fewer than 2 elements, NaN is returned.
// If the highest bucket is not +Inf, NaN is returned.
// If q is NaN, NaN is returned.
// If q<0, -Inf is returned.
// If q>1, +Inf is returned.
//
// The second return value is true if the rates of the buckets were not
// monotonically non-decreasing and had to be fixed before the quantile could
// be computed.
func BucketQuantile(q float64, buckets Buckets) (float64, bool) {
	if math.IsNaN(q) {
		return math.NaN(), false
	}

	if q < 0 {
		return math.Inf(-1), false
	}

	if q > 1 {
		return math.Inf(+1), false
	}

	if len(buckets) < 2 {
		return math.NaN(), false
	}

	if !math.IsInf(buckets[len(buckets)-1].UpperBound, +1) {
		return math.NaN(), false
	}

	forcedMonotonic := EnsureMonotonic(buckets)

	rank := q * buckets[len(buckets)-1].Rate
	b := sort.Search(len(buckets)-1, func(i int) bool { return buckets[i].Rate >= rank })

	if b == len(buckets)-1 {
		return buckets[len(buckets)-2].UpperBound, forcedMonotonic
	}

	if b == 0 && buckets[0].UpperBound <= 0 {
		return buckets[0].UpperBound, forcedMonotonic
	}

	var (
		bucketStart float64
		bucketEnd   = buckets[b].UpperBound
		count       = buckets[b].Rate
	)

	if b > 0 {
		bucketStart = buckets[b-1].UpperBound
		count -= buckets[b-1].Rate
		rank -= buckets[b-1].Rate
	}

	return bucketStart + (bucketEnd-bucketStart)*(rank/count), forcedMonotonic
}

// EnsureMonotonic replaces any rate that is NaN or below the highest rate seen
// in a lower bucket with that highest rate, modifying the buckets in place.
//
// The rates of the buckets of a classic histogram should be monotonically
// non-decreasing with increasing upper bound, given each bucket counts all
// observations counted by the buckets below it. This assumption can break down
// in practice, for example when buckets were added or removed part way through
// the range the rates were calculated over, or when the member series were
// scraped at slightly different times.
//
// A quantile interpolated from rates that decrease would be nonsensical, so we
// settle for a less accurate but still meaningful result.
//
// It returns true if any rate was adjusted.
func EnsureMonotonic(buckets Buckets) bool {
	fixed := false
	maxRate := 0.0

	for i := range buckets {
		if math.IsNaN(buckets[i].Rate) || buckets[i].Rate < maxRate {
			buckets[i].Rate = maxRate
			fixed = true
		} else {
			maxRate = buckets[i].Rate
		}
	}

	return fixed
}
