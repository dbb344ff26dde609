package main

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Row-parallel matrix multiplication. Policy rollouts and PPO minibatches
// spend nearly all their time in MatMul, so this is the one place where the
// CPU cores are put to work.
//
// Each goroutine owns a contiguous block of output rows, so no two write
// the same memory and the result is bit-identical to the serial path.
// Training stays reproducible under a fixed seed whatever the worker count.
//
// Small matrices stay serial: below ~64 output rows the goroutine overhead
// costs more than it saves.
//
// ===========================================================================

// ComputeConfig controls how MatMul spreads work over goroutines.
type ComputeConfig struct {
	Workers int // 0 = runtime.NumCPU(), 1 = serial
	MinRows int // fewer output rows than this run serially
}

// DefaultComputeConfig uses every CPU for matrices of 64 rows or more.
func DefaultComputeConfig() ComputeConfig {
	return ComputeConfig{Workers: 0, MinRows: 64}
}

// SerialCompute never starts a goroutine.
func SerialCompute() ComputeConfig {
	return ComputeConfig{Workers: 1}
}

func (c ComputeConfig) workersFor(rows int) int {
	w := c.Workers
	if w <= 0 {
		w = runtime.NumCPU()
	}
	if w == 1 || rows < c.MinRows {
		return 1
	}
	return min(w, rows)
}

var computeConfig = DefaultComputeConfig()

// SetGlobalComputeConfig replaces the configuration used by MatMul. Call it
// once at startup, before any model work begins.
func SetGlobalComputeConfig(cfg ComputeConfig) {
	computeConfig = cfg
}

// MatMulWithConfig performs C = A @ B with an explicit compute config.
func MatMulWithConfig(a, b *Tensor, cfg ComputeConfig) *Tensor {
	if len(a.shape) != 2 || len(b.shape) != 2 {
		panic("tensor: MatMul requires 2D tensors")
	}
	m, k, n := a.shape[0], a.shape[1], b.shape[1]
	if b.shape[0] != k {
		panic("tensor: incompatible dimensions for matmul")
	}
	out := NewTensor(m, n)

	workers := cfg.workersFor(m)
	if workers == 1 {
		matmulRows(a, b, out, 0, m)
		return out
	}

	block := (m + workers - 1) / workers
	var g errgroup.Group
	for lo := 0; lo < m; lo += block {
		lo, hi := lo, min(lo+block, m)
		g.Go(func() error {
			matmulRows(a, b, out, lo, hi)
			return nil
		})
	}
	g.Wait()
	return out
}

// matmulRows fills output rows [lo, hi). The i-k-j loop order walks B and C
// row-wise, which keeps the inner loop cache friendly.
func matmulRows(a, b, out *Tensor, lo, hi int) {
	k, n := a.shape[1], b.shape[1]
	for i := lo; i < hi; i++ {
		dst := out.data[i*n : (i+1)*n]
		for p, av := range a.data[i*k : (i+1)*k] {
			if av == 0 {
				continue
			}
			for j, bv := range b.data[p*n : (p+1)*n] {
				dst[j] += av * bv
			}
		}
	}
}
