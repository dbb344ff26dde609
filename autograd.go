package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Hand-written backward passes for every operation the transformer trunk,
// the policy heads and the classifier head use. There is no tape: each layer
// keeps what it needs from its forward pass (see transformer_backward.go) and
// calls these functions in reverse order.
//
// THE CHAIN RULE:
//
//	Given y = f(x) and ∂L/∂y, produce ∂L/∂x = ∂L/∂y · ∂y/∂x.
//
// Parameter gradients are accumulated into Tensor.grad with AccumulateGrad so
// that a minibatch of sequences can be processed one sequence at a time and
// stepped once.
//
// ===========================================================================

import (
	"math"
)

// MatMulBackward computes gradients for C = A @ B:
//
//	∂L/∂A = ∂L/∂C @ Bᵀ
//	∂L/∂B = Aᵀ @ ∂L/∂C
func MatMulBackward(a, b, gradC *Tensor) (gradA, gradB *Tensor) {
	gradA = MatMul(gradC, Transpose(b))
	gradB = MatMul(Transpose(a), gradC)
	return gradA, gradB
}

// GELUBackward computes ∂L/∂x for y = GELU(x) given ∂L/∂y.
func GELUBackward(x, gradY *Tensor) *Tensor {
	gradX := NewTensor(x.shape...)
	for i, v := range x.data {
		inner := sqrt2OverPi * (v + geluCoeff*v*v*v)
		tanhInner := math.Tanh(inner)
		sech2 := 1.0 - tanhInner*tanhInner
		innerDeriv := sqrt2OverPi * (1.0 + 3.0*geluCoeff*v*v)
		deriv := 0.5*(1.0+tanhInner) + 0.5*v*sech2*innerDeriv
		gradX.data[i] = gradY.data[i] * deriv
	}
	return gradX
}

// SoftmaxBackward computes ∂L/∂x for row-wise y = softmax(x):
//
//	∂L/∂x[i] = y[i] * (∂L/∂y[i] - Σ_j ∂L/∂y[j] * y[j])
func SoftmaxBackward(y, gradY *Tensor) *Tensor {
	if len(y.shape) != 2 {
		panic("SoftmaxBackward: requires 2D tensor")
	}
	gradX := NewTensor(y.shape...)
	for r := 0; r < y.shape[0]; r++ {
		yRow, gRow, out := y.Row(r), gradY.Row(r), gradX.Row(r)
		dot := 0.0
		for f := range yRow {
			dot += gRow[f] * yRow[f]
		}
		for f := range yRow {
			out[f] = yRow[f] * (gRow[f] - dot)
		}
	}
	return gradX
}

// LayerNormBackward computes gradients for y = γ·(x-μ)/σ + β applied per row.
// x is the layer's input (not its output): statistics are recomputed from it.
//
//	∂L/∂x = (n·ĝ - Σĝ - x̂·Σ(ĝ·x̂)) / (n·σ), where ĝ = ∂L/∂y · γ
func LayerNormBackward(x, gamma, gradY *Tensor, eps float64) (gradX, gradGamma, gradBeta *Tensor) {
	if len(x.shape) != 2 {
		panic("LayerNormBackward: requires 2D tensor")
	}
	gradX = NewTensor(x.shape...)
	gradGamma = NewTensor(gamma.shape...)
	gradBeta = NewTensor(gamma.shape...)

	features := x.shape[1]
	n := float64(features)
	xHat := make([]float64, features)

	for r := 0; r < x.shape[0]; r++ {
		row, gRow := x.Row(r), gradY.Row(r)

		mean := 0.0
		for _, v := range row {
			mean += v
		}
		mean /= n
		variance := 0.0
		for _, v := range row {
			variance += (v - mean) * (v - mean)
		}
		variance /= n
		std := math.Sqrt(variance + eps)

		sumG, sumGX := 0.0, 0.0
		for f, v := range row {
			xHat[f] = (v - mean) / std
			gradGamma.data[f] += gRow[f] * xHat[f]
			gradBeta.data[f] += gRow[f]
			g := gRow[f] * gamma.data[f]
			sumG += g
			sumGX += g * xHat[f]
		}

		out := gradX.Row(r)
		for f := range row {
			g := gRow[f] * gamma.data[f]
			out[f] = (n*g - sumG - xHat[f]*sumGX) / (n * std)
		}
	}
	return gradX, gradGamma, gradBeta
}

// CrossEntropyBackward returns ∂L/∂logits for the mean cross-entropy over
// rows: (softmax(logits) - onehot(target)) / rows. Rows whose target is
// negative are ignored (label -100 style masking).
func CrossEntropyBackward(logits *Tensor, targets []int) *Tensor {
	if len(logits.shape) != 2 {
		panic("CrossEntropyBackward: requires 2D logits")
	}
	rows := logits.shape[0]
	grad := NewTensor(logits.shape...)

	counted := 0
	for _, t := range targets {
		if t >= 0 {
			counted++
		}
	}
	if counted == 0 {
		return grad
	}

	for r := 0; r < rows; r++ {
		if targets[r] < 0 {
			continue
		}
		probs := softmaxSlice(logits.Row(r))
		out := grad.Row(r)
		for v, p := range probs {
			out[v] = p / float64(counted)
		}
		out[targets[r]] -= 1.0 / float64(counted)
	}
	return grad
}

// CrossEntropyLoss returns the mean -log softmax(logits)[target] over rows,
// skipping negative targets.
func CrossEntropyLoss(logits *Tensor, targets []int) float64 {
	if len(logits.shape) != 2 {
		panic("CrossEntropyLoss expects 2D logits")
	}
	if len(targets) != logits.shape[0] {
		panic("CrossEntropyLoss: target count does not match rows")
	}
	total, counted := 0.0, 0
	for r, t := range targets {
		if t < 0 {
			continue
		}
		total -= logSoftmaxAt(logits.Row(r), t)
		counted++
	}
	if counted == 0 {
		return 0
	}
	return total / float64(counted)
}
