// SPDX-License-Identifier: AGPL-3.0-only
// Provenance-includes-location: https://github.com/prometheus/prometheus/blob/main/util/pool/pool.go
// Provenance-includes-license: Apache-2.0
// Provenance-includes-copyright: The Prometheus Authors

package pool

import (
	"fmt"
	"math/bits"

	"github.com/prometheus/prometheus/util/zeropool"
)

// BucketedPool is a bucketed pool for variably sized slices.
// It is similar to prometheus/util/pool.Pool, but uses zeropool.Pool internally to avoid
// allocating once per Put call, and is generic, to avoid the need to cast slices to and
// from interface{}.
type BucketedPool[T ~[]E, E any] struct {
	buckets []zeropool.Pool[T]
	maxSize uint
	make    func(int) T
}

// NewBucketedPool returns a new BucketedPool with buckets of size 1, 2, 4... maxSize.
func NewBucketedPool[T ~[]E, E any](maxSize uint, makeFunc func(int) T) *BucketedPool[T, E] {
	if maxSize <= 1 {
		panic("invalid maximum pool size")
	}

	bucketCount := bits.Len(maxSize)

	p := &BucketedPool[T, E]{
		buckets: make([]zeropool.Pool[T], bucketCount),
		maxSize: maxSize,
		make:    makeFunc,
	}

	return p
}

// Get returns a new slice with capacity greater than or equal to size.
// If size is 0, Get returns a nil slice.
func (p *BucketedPool[T, E]) Get(size int) T {
	if size < 0 {
		panic(fmt.Sprintf("BucketedPool.Get with negative size %v", size))
	}

	if size == 0 {
		return nil
	}

	bucketIndex := bits.Len(uint(size - 1))

	// If bucketIndex is beyond the pool's buckets, return a slice with capacity of the
	// next power of two, so that callers can rely on the power-of-two invariant below.
	if bucketIndex >= len(p.buckets) {
		return p.make(1 << bucketIndex)
	}

	s := p.buckets[bucketIndex].Get()

	if s == nil {
		nextPowerOfTwo := 1 << bucketIndex
		s = p.make(nextPowerOfTwo)
	}

	return s
}

// Put adds a slice to the right bucket in the pool.
// If the slice does not have a suitable size, it is dropped.
func (p *BucketedPool[T, E]) Put(s T) {
	size := uint(cap(s))

	if size == 0 || size > p.maxSize {
		return
	}

	if !IsPowerOfTwo(int(size)) {
		// Ignore slices that do not align to a bucket boundary: they did not come from
		// this pool, and reusing them would break the capacity expectations of Get.
		return
	}

	bucketIndex := bits.Len(size - 1)
	p.buckets[bucketIndex].Put(s[0:0])
}

// IsPowerOfTwo returns true if the input number is a power of two.
func IsPowerOfTwo(n int) bool {
	return (n & (n - 1)) == 0
}
