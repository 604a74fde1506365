// Package pool provides object pooling for imgcluster to reduce allocations.
//
// Object pooling reuses allocated objects instead of creating new ones,
// reducing GC pressure and improving throughput for high-frequency operations.
// The clustering engine runs Lloyd's iteration over the full valid record set
// on every re-cluster pass; pooling the per-iteration sum/count accumulation
// buffers (Design Note: "Reuse preallocated sum/count buffers across
// iterations") keeps a pass from allocating O(k*D) floats per round.
//
// Pooled objects:
//   - Float64 accumulation buffers (centroid sums)
//   - Int accumulation buffers (per-cluster member counts)
//   - Float32 vector slices (normalized query/centroid scratch space)
package pool

import (
	"sync"
)

// Config configures object pooling behavior.
type Config struct {
	// Enabled controls whether pooling is active.
	Enabled bool

	// MaxSize is the largest buffer capacity, measured in elements (not
	// bytes), that a Put call returns to its pool; larger buffers are
	// dropped to avoid retaining pathologically large buffers.
	MaxSize int
}

var globalConfig = Config{
	Enabled: true,
	MaxSize: 1 << 20, // 1M elements
}

// Configure sets global pool configuration. Should be called early during
// initialization, before any clustering passes run.
func Configure(config Config) {
	globalConfig = config
}

// IsEnabled returns whether pooling is enabled.
func IsEnabled() bool {
	return globalConfig.Enabled
}

var float64SlicePool = sync.Pool{
	New: func() any {
		return make([]float64, 0, 512)
	},
}

// GetFloat64Slice returns a zero-length float64 slice with at least the
// requested capacity, for use as a centroid-sum accumulation buffer.
func GetFloat64Slice(capacity int) []float64 {
	if !globalConfig.Enabled {
		return make([]float64, 0, capacity)
	}
	buf := float64SlicePool.Get().([]float64)
	if cap(buf) < capacity {
		return make([]float64, 0, capacity)
	}
	return buf[:0]
}

// PutFloat64Slice returns a float64 slice to the pool.
func PutFloat64Slice(buf []float64) {
	if !globalConfig.Enabled || cap(buf) > globalConfig.MaxSize {
		return
	}
	float64SlicePool.Put(buf[:0]) //nolint:staticcheck // intentional zero-length reuse
}

var intSlicePool = sync.Pool{
	New: func() any {
		return make([]int, 0, 64)
	},
}

// GetIntSlice returns a zero-length int slice with at least the requested
// capacity, for use as a per-cluster member-count buffer.
func GetIntSlice(capacity int) []int {
	if !globalConfig.Enabled {
		return make([]int, 0, capacity)
	}
	buf := intSlicePool.Get().([]int)
	if cap(buf) < capacity {
		return make([]int, 0, capacity)
	}
	return buf[:0]
}

// PutIntSlice returns an int slice to the pool.
func PutIntSlice(buf []int) {
	if !globalConfig.Enabled || cap(buf) > globalConfig.MaxSize {
		return
	}
	intSlicePool.Put(buf[:0])
}

var float32VectorPool = sync.Pool{
	New: func() any {
		return make([]float32, 0, 512)
	},
}

// GetFloat32Vector returns a zero-length float32 slice with at least the
// requested capacity, for use as normalization/scratch space.
func GetFloat32Vector(capacity int) []float32 {
	if !globalConfig.Enabled {
		return make([]float32, 0, capacity)
	}
	buf := float32VectorPool.Get().([]float32)
	if cap(buf) < capacity {
		return make([]float32, 0, capacity)
	}
	return buf[:0]
}

// PutFloat32Vector returns a float32 slice to the pool.
func PutFloat32Vector(buf []float32) {
	if !globalConfig.Enabled || cap(buf) > globalConfig.MaxSize {
		return
	}
	float32VectorPool.Put(buf[:0])
}
