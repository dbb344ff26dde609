package main

import (
	"fmt"
	"math"
)

// Optimizer applies one update to params from their accumulated gradients.
// Gradients are left untouched; clear them with zeroGrads.
type Optimizer interface {
	Step(params []*Tensor, lr float64)
}

func zeroGrads(params []*Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// SGD is plain gradient descent with decoupled weight decay.
type SGD struct {
	WeightDecay float64
}

func (o SGD) Step(params []*Tensor, lr float64) {
	decay := 1 - lr*o.WeightDecay
	for _, p := range params {
		for i, g := range p.grad {
			p.data[i] = p.data[i]*decay - lr*g
		}
	}
}

// AdamConfig holds the Adam hyperparameters.
type AdamConfig struct {
	Beta1       float64
	Beta2       float64
	Epsilon     float64
	WeightDecay float64 // decoupled (AdamW); 0 gives plain Adam
}

// DefaultAdamConfig is β=(0.9, 0.999), ε=1e-8 and no weight decay.
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}
}

// Adam keeps first and second moment estimates per parameter element. It
// is bound to one parameter list at construction; every Step must pass the
// same tensors in the same order.
//
//	m ← β1·m + (1-β1)·g
//	v ← β2·v + (1-β2)·g²
//	p ← p·(1 - lr·wd) - lr · m̂ / (√v̂ + ε)
type Adam struct {
	cfg   AdamConfig
	m, v  [][]float64
	steps int
}

// NewAdam allocates moment buffers shaped like params.
func NewAdam(params []*Tensor, cfg AdamConfig) *Adam {
	o := &Adam{cfg: cfg, m: make([][]float64, len(params)), v: make([][]float64, len(params))}
	for i, p := range params {
		o.m[i] = make([]float64, p.Size())
		o.v[i] = make([]float64, p.Size())
	}
	return o
}

// Steps reports how many updates have been applied.
func (o *Adam) Steps() int { return o.steps }

func (o *Adam) Step(params []*Tensor, lr float64) {
	if len(params) != len(o.m) {
		panic(fmt.Sprintf("adam: bound to %d tensors, got %d", len(o.m), len(params)))
	}
	o.steps++
	c := o.cfg
	correct1 := 1 - math.Pow(c.Beta1, float64(o.steps))
	correct2 := 1 - math.Pow(c.Beta2, float64(o.steps))
	decay := 1 - lr*c.WeightDecay

	for i, p := range params {
		m, v := o.m[i], o.v[i]
		for j, g := range p.grad {
			m[j] = c.Beta1*m[j] + (1-c.Beta1)*g
			v[j] = c.Beta2*v[j] + (1-c.Beta2)*g*g
			p.data[j] = p.data[j]*decay - lr*(m[j]/correct1)/(math.Sqrt(v[j]/correct2)+c.Epsilon)
		}
	}
}

// LRSchedule ramps linearly from 0 to Peak over Warmup steps, then follows
// a half cosine down to Floor at step Total and stays there.
type LRSchedule struct {
	Peak   float64
	Floor  float64
	Warmup int
	Total  int

	step int
}

// At returns the learning rate of 1-based step n.
func (s *LRSchedule) At(n int) float64 {
	switch {
	case n < s.Warmup:
		return s.Peak * float64(n) / float64(s.Warmup)
	case n < s.Total:
		progress := float64(n-s.Warmup) / float64(s.Total-s.Warmup)
		return s.Floor + (s.Peak-s.Floor)*0.5*(1+math.Cos(math.Pi*progress))
	default:
		return s.Floor
	}
}

// Next advances one step and returns its learning rate.
func (s *LRSchedule) Next() float64 {
	s.step++
	return s.At(s.step)
}

// clipGradients rescales gradients so their global L2 norm is at most
// maxNorm, and returns the norm before clipping. maxNorm <= 0 disables it.
func clipGradients(params []*Tensor, maxNorm float64) float64 {
	sq := 0.0
	for _, p := range params {
		for _, g := range p.grad {
			sq += g * g
		}
	}
	norm := math.Sqrt(sq)
	if maxNorm <= 0 || norm <= maxNorm {
		return norm
	}
	scale := maxNorm / norm
	for _, p := range params {
		for i := range p.grad {
			p.grad[i] *= scale
		}
	}
	return norm
}
