package torch

import (
	"math"
	"math/rand/v2"
	"sync"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

var (
	GELUSCALEFACTOR = Sqrt(2.0 / math.Pi)
)

// Abs returns the absolute value of x.
func Abs(x float32) float32 {
	if x > 0 {
		return x
	}
	return -x
}

// Cosh returns the hyperbolic cosine of x.
func Cosh(x float32) float32 {
	return float32(math.Cosh(float64(x)))
}

// Tanh returns the hyperbolic tangent of x aka the tanh function of x.
func Tanh(x float32) float32 {
	return float32(math.Tanh(float64(x)))
}

// Exp returns e**x aka the exponential function of x.
func Exp(x float32) float32 {
	return float32(math.Exp(float64(x)))
}

// Inf returns positive infinity if sign >= 0, negative infinity if sign < 0.
func Inf(sign int) float32 {
	return float32(math.Inf(sign))
}

// Log returns the natural logarithm of x aka the logarithm function of x.
func Log(x float32) float32 {
	return float32(math.Log(float64(x)))
}

// IsNaN returns true if f is not a number.
func IsNaN(f float32) bool {
	return math.IsNaN(float64(f))
}

// IsInf reports whether f is an infinity of either sign.
func IsInf(f float32) bool {
	return math.IsInf(float64(f), 0)
}

// Pow returns x**y aka the power function of x and y.
func Pow(x, y float32) float32 {
	return float32(math.Pow(float64(x), float64(y)))
}

// Sqrt returns the square root of x aka the square root function of x.
func Sqrt(x float32) float32 {
	return float32(math.Sqrt(float64(x)))
}

// EncoderForward iterates through the batch/sequence and combines the word token embeddings
// with the word position embeddings. This allows out vector to encode tokens and positions in one.
//
// Position t of every batch row reads row t of wpe, so wpe must hold at least T rows.
func EncoderForward(out []float32, inp []int32, wte []float32, wpe []float32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			// Each vector is C elements long.
			outBT := out[b*T*C+t*C : b*T*C+(t+1)*C]
			// inp -> id -> wte[id]
			ix := int(inp[b*T+t])
			wteIx := wte[ix*C : (ix+1)*C]
			wpeT := wpe[t*C : (t+1)*C]
			for i := 0; i < C; i++ {
				outBT[i] = wteIx[i] + wpeT[i]
			}
		}
	}
}

// EncoderBackward calculates gradients during backpropagation
// Parameters:
//   - dwte: gradients with respect to word embeddings (wte)
//   - dwpe: gradients with respect to positional embeddings (wpe)
//   - dout: the gradient to apply to dwte and dwpe
//   - inp: input tokens (ids that refer to indexes within wte)
//   - B: batch size
//   - T: sequence length (number of time steps)
//   - C: embedding dimension (number of features)
func EncoderBackward(dwte, dwpe []float32, dout []float32, inp []int32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			doutBT := dout[b*T*C+t*C : b*T*C+(t+1)*C]
			ix := int(inp[b*T+t])
			dwteIx := dwte[ix*C : (ix+1)*C]
			dwpeT := dwpe[t*C : (t+1)*C]
			for i := 0; i < C; i++ {
				d := doutBT[i]
				dwteIx[i] += d
				dwpeT[i] += d
			}
		}
	}
}

// LayernormForward normalizes the activations in each layer.
// It improves convergence in training and reduces sensitivity to initial parameters.
// For each vector, the mean and variance are calculated.
// Reference: https://pytorch.org/docs/stable/generated/torch.nn.LayerNorm.html
// Paper: https://arxiv.org/abs/1607.06450
// Parameters:
//   - out: output activations (B,T,C)
//   - mean: mean values (B,T) for each position (b,t)
//   - rstd: reciprocal standard deviations (B,T) for each position (b,t)
//   - inp: input activations (B,T,C)
//   - weight: learnable weight (C) for scaling
//   - bias: learnable bias (C) for shifting
//   - B: batch size
//   - T: sequence length (number of time steps)
//   - C: embedding dimension (number of features)
func LayernormForward(out, mean, rstd, inp, weight, bias []float32, B, T, C int) {
	var eps float32 = 1e-5
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			x := inp[b*T*C+t*C:]
			var m float32
			for i := 0; i < C; i++ {
				m += x[i]
			}
			m /= float32(C)
			var v float32
			for i := 0; i < C; i++ {
				xshift := x[i] - m
				v += xshift * xshift
			}
			v /= float32(C)
			s := 1.0 / Sqrt(v+eps)
			outBT := out[b*T*C+t*C:]
			for i := 0; i < C; i++ {
				// (val - mean) / std, then scale and shift
				n := s * (x[i] - m)
				outBT[i] = n*weight[i] + bias[i]
			}
			// Store mean and rstd for backward pass
			mean[b*T+t] = m
			rstd[b*T+t] = s
		}
	}
}

// LayernormBackward accumulates the gradients of a layer normalization into
// dinp, dweight and dbias using the statistics saved by LayernormForward.
func LayernormBackward(dinp, dweight, dbias, dout, inp, weight, mean, rstd []float32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			baseIndex := b*T*C + t*C
			doutBT := dout[baseIndex : baseIndex+C]
			inpBT := inp[baseIndex : baseIndex+C]
			dinpBT := dinp[baseIndex : baseIndex+C]
			meanBT := mean[b*T+t]
			rstdBT := rstd[b*T+t]

			// Reduce operations
			var dnormMean float32
			var dnormNormMean float32
			for i := 0; i < C; i++ {
				normBTI := (inpBT[i] - meanBT) * rstdBT
				dnormI := weight[i] * doutBT[i]
				dnormMean += dnormI
				dnormNormMean += dnormI * normBTI
			}
			dnormMean /= float32(C)
			dnormNormMean /= float32(C)

			// Accumulation loop
			for i := 0; i < C; i++ {
				normBTI := (inpBT[i] - meanBT) * rstdBT
				dnormI := weight[i] * doutBT[i]
				dbias[i] += doutBT[i]
				dweight[i] += normBTI * doutBT[i]

				var dval float32
				dval += dnormI                  // Term 1
				dval -= dnormMean               // Term 2
				dval -= normBTI * dnormNormMean // Term 3
				dval *= rstdBT                  // Final scale
				dinpBT[i] += dval
			}
		}
	}
}

// general wraps a row-major (rows, cols) slice as a BLAS matrix.
func general(data []float32, rows, cols int) blas32.General {
	return blas32.General{
		Rows:   rows,
		Cols:   cols,
		Stride: cols,
		Data:   data[:rows*cols],
	}
}

// vector wraps the first n elements of data as a unit-stride BLAS vector.
func vector(data []float32, n int) blas32.Vector {
	return blas32.Vector{
		N:    n,
		Inc:  1,
		Data: data[:n],
	}
}

// MatmulForward performs matrix multiplication and adds bias.
//
// out = inp @ weight^T + bias, with the weight stored as (OC, C) rows.
//
// Parameters:
//   - out: output matrix (B,T,OC)
//   - inp: input matrix (B,T,C)
//   - weight: weight matrix (OC,C)
//   - bias: bias vector (OC), may be nil
//   - B: batch size
//   - T: sequence length (number of time steps)
//   - C: input dimension (number of features)
//   - OC: number of output channels
func MatmulForward(out, inp, weight, bias []float32, B, T, C, OC int) {
	N := B * T
	blas32.Gemm(
		blas.NoTrans,
		blas.Trans,
		1,
		general(inp, N, C),
		general(weight, OC, C),
		0,
		general(out, N, OC),
	)
	if bias == nil {
		return
	}
	for n := 0; n < N; n++ {
		blas32.Axpy(1, vector(bias, OC), vector(out[n*OC:], OC))
	}
}

// MatmulBackward accumulates the gradients of MatmulForward.
//
//	dinp    += dout @ weight
//	dweight += dout^T @ inp
//	dbias   += sum over rows of dout
//
// dbias may be nil when the forward pass had no bias.
func MatmulBackward(dinp, dweight, dbias, dout, inp, weight []float32, B, T, C, OC int) {
	N := B * T
	blas32.Gemm(
		blas.NoTrans,
		blas.NoTrans,
		1,
		general(dout, N, OC),
		general(weight, OC, C),
		1,
		general(dinp, N, C),
	)
	blas32.Gemm(
		blas.Trans,
		blas.NoTrans,
		1,
		general(dout, N, OC),
		general(inp, N, C),
		1,
		general(dweight, OC, C),
	)
	if dbias == nil {
		return
	}
	for n := 0; n < N; n++ {
		blas32.Axpy(1, vector(dout[n*OC:], OC), vector(dbias, OC))
	}
}

// AttentionForward performs causal scaled dot-product attention for a single head.
//
//	attention is the only layer that mixes information across time
//	every other operation is applied at every (b,t) position independently
//	(no layer mixes information across batches)
//
// preatt receives the scaled query/key scores with every future position
// (t2 > t) set to -Inf, so after the softmax those entries of att are exactly
// zero and each row of att sums to one. att holds the weights before dropout;
// dropMask, when non-nil, is applied to the weights on the way into the
// value sum.
//
// Parameters:
//   - out: output matrix (B,T,HS)
//   - preatt: masked pre-attention scores (B,T,T)
//   - att: post-softmax attention weights (B,T,T)
//   - query, key, value: projections (B,T,HS)
//   - dropMask: dropout keep-scale per weight (B,T,T), or nil
//   - B: batch size
//   - T: sequence length (number of time steps)
//   - HS: head size
func AttentionForward(out, preatt, att, query, key, value, dropMask []float32, B, T, HS int) {
	scale := 1.0 / Sqrt(float32(HS))
	negInf := Inf(-1)
	var wg sync.WaitGroup
	for batch := 0; batch < B; batch++ {
		for timmie := 0; timmie < T; timmie++ {
			wg.Add(1)
			go func(b, t int) {
				defer wg.Done()
				queryT := query[b*T*HS+t*HS : b*T*HS+(t+1)*HS]
				row := b*T*T + t*T
				preattBt := preatt[row : row+T]
				attBt := att[row : row+T]
				// the diagonal is always visible, so maxval ends finite
				maxval := negInf
				for t2 := 0; t2 < T; t2++ {
					if t2 > t {
						preattBt[t2] = negInf
						continue
					}
					keyT2 := key[b*T*HS+t2*HS : b*T*HS+(t2+1)*HS]
					var val float32
					for i := 0; i < HS; i++ {
						val += queryT[i] * keyT2[i]
					}
					val *= scale
					if val > maxval {
						maxval = val
					}
					preattBt[t2] = val
				}
				var expsum float32
				for t2 := 0; t2 < T; t2++ {
					expv := Exp(preattBt[t2] - maxval)
					expsum += expv
					attBt[t2] = expv
				}
				expsumInv := 1.0 / expsum
				for t2 := 0; t2 < T; t2++ {
					attBt[t2] *= expsumInv
				}
				outBt := out[b*T*HS+t*HS : b*T*HS+(t+1)*HS]
				for i := range outBt {
					outBt[i] = 0
				}
				for t2 := 0; t2 <= t; t2++ {
					w := attBt[t2]
					if dropMask != nil {
						w *= dropMask[row+t2]
					}
					valueT2 := value[b*T*HS+t2*HS : b*T*HS+(t2+1)*HS]
					for i := 0; i < HS; i++ {
						outBt[i] += w * valueT2[i]
					}
				}
			}(batch, timmie)
		}
	}
	wg.Wait()
}

// AttentionBackward accumulates the gradients of AttentionForward into
// dquery, dkey and dvalue.
//
// Parameters:
//   - dquery, dkey, dvalue: gradients of the projections (B,T,HS)
//   - dout: gradient of the head output (B,T,HS)
//   - query, key, value: projections saved from the forward pass
//   - att: post-softmax attention weights saved from the forward pass
//   - dropMask: the dropout mask used in the forward pass, or nil
//   - B: batch size
//   - T: sequence length (number of time steps)
//   - HS: head size
//
// Batch rows are independent and processed in parallel; inside a row the
// key and value gradients of earlier positions accumulate across t.
func AttentionBackward(dquery, dkey, dvalue, dout, query, key, value, att, dropMask []float32, B, T, HS int) {
	scale := 1.0 / Sqrt(float32(HS))
	var wg sync.WaitGroup
	for batch := 0; batch < B; batch++ {
		wg.Add(1)
		go func(b int) {
			defer wg.Done()
			datt := make([]float32, T)
			for t := 0; t < T; t++ {
				row := b*T*T + t*T
				attBt := att[row : row+T]
				doutBt := dout[b*T*HS+t*HS : b*T*HS+(t+1)*HS]
				// value accumulation
				for t2 := 0; t2 <= t; t2++ {
					keep := float32(1)
					if dropMask != nil {
						keep = dropMask[row+t2]
					}
					valueT2 := value[b*T*HS+t2*HS : b*T*HS+(t2+1)*HS]
					dvalueT2 := dvalue[b*T*HS+t2*HS : b*T*HS+(t2+1)*HS]
					w := attBt[t2] * keep
					var d float32
					for i := 0; i < HS; i++ {
						d += valueT2[i] * doutBt[i]
						dvalueT2[i] += w * doutBt[i]
					}
					datt[t2] = d * keep
				}
				// softmax backward only needs the outputs
				var dot float32
				for t2 := 0; t2 <= t; t2++ {
					dot += attBt[t2] * datt[t2]
				}
				queryT := query[b*T*HS+t*HS : b*T*HS+(t+1)*HS]
				dqueryT := dquery[b*T*HS+t*HS : b*T*HS+(t+1)*HS]
				for t2 := 0; t2 <= t; t2++ {
					dpreatt := attBt[t2] * (datt[t2] - dot) * scale
					keyT2 := key[b*T*HS+t2*HS : b*T*HS+(t2+1)*HS]
					dkeyT2 := dkey[b*T*HS+t2*HS : b*T*HS+(t2+1)*HS]
					for i := 0; i < HS; i++ {
						dqueryT[i] += keyT2[i] * dpreatt
						dkeyT2[i] += queryT[i] * dpreatt
					}
				}
			}
		}(batch)
	}
	wg.Wait()
}

// DropoutMask fills mask with inverted-dropout keep scales: 0 with
// probability p, 1/(1-p) otherwise, so the expectation of a masked value
// equals the unmasked value.
func DropoutMask(mask []float32, p float32, rng *rand.Rand) {
	keep := 1.0 / (1.0 - p)
	for i := range mask {
		if rng.Float32() < p {
			mask[i] = 0
		} else {
			mask[i] = keep
		}
	}
}

// DropoutForward applies a mask produced by DropoutMask.
func DropoutForward(out, inp, mask []float32, N int) {
	for i := 0; i < N; i++ {
		out[i] = inp[i] * mask[i]
	}
}

// DropoutBackward accumulates the gradient through a dropout mask.
func DropoutBackward(dinp, dout, mask []float32, N int) {
	for i := 0; i < N; i++ {
		dinp[i] += dout[i] * mask[i]
	}
}

// GeluForward is the Gaussian Error Linear Units activation function.
//
// It leaves positive values mostly unchanged but maps negative value close to zero.
//
// Paper: https://arxiv.org/abs/1606.08415v5
func GeluForward(out, inp []float32, n int) {
	for i := 0; i < n; i++ {
		x := inp[i]
		cube := 0.044715 * x * x * x
		out[i] = 0.5 * x * (1.0 + Tanh(GELUSCALEFACTOR*(x+cube)))
	}
}

// GeluBackward computes the backward pass of the GeLU non-linearity
func GeluBackward(dinp, inp, dout []float32, n int) {
	for i := 0; i < n; i++ {
		x := inp[i]
		cube := 0.044715 * x * x * x
		tanhArg := GELUSCALEFACTOR * (x + cube)
		tanhOut := Tanh(tanhArg)
		coshfOut := Cosh(tanhArg)
		sechOut := 1.0 / (coshfOut * coshfOut)
		localGrad := 0.5*(1.0+tanhOut) + x*0.5*sechOut*GELUSCALEFACTOR*(1.0+3.0*0.044715*x*x)
		dinp[i] += localGrad * dout[i]
	}
}

// ResidualForward performs a residual connection between two inputs.
//
// out = inp1 + inp2
//
// Parameters:
//   - out: output matrix
//   - inp1: input matrix 1
//   - inp2: input matrix 2
//   - N: number of elements in the matrix
func ResidualForward(out, inp1, inp2 []float32, N int) {
	for i := 0; i < N; i++ {
		out[i] = inp1[i] + inp2[i]
	}
}

// ResidualBackward routes the gradient of out = inp1 + inp2 to both inputs.
func ResidualBackward(dinp1, dinp2, dout []float32, N int) {
	Accumulate(dinp1, dout, N)
	Accumulate(dinp2, dout, N)
}

// Accumulate adds the first N elements of src into dst.
func Accumulate(dst, src []float32, N int) {
	blas32.Axpy(1, vector(src, N), vector(dst, N))
}

// SoftmaxForward calculates the softmax function over the last axis of a
// (B,T,V) tensor.
func SoftmaxForward(probs, logits []float32, B, T, V int) {
	var wg sync.WaitGroup
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			wg.Add(1)
			go func(b, t int) {
				defer wg.Done()
				baseIndex := b*T*V + t*V
				logitsBT := logits[baseIndex : baseIndex+V]
				probsBT := probs[baseIndex : baseIndex+V]
				// Numerical Stability
				maxval := Inf(-1)
				for i := 0; i < V; i++ {
					if logitsBT[i] > maxval {
						maxval = logitsBT[i]
					}
				}
				var sum float32
				for i := 0; i < V; i++ {
					probsBT[i] = Exp(logitsBT[i] - maxval)
					sum += probsBT[i]
				}
				for i := 0; i < V; i++ {
					probsBT[i] /= sum
				}
			}(b, t)
		}
	}
	wg.Wait()
}

// CrossEntropyForward calculates the cross entropy loss of every position.
//
// The loss is computed from the logits in log-sum-exp form so that a
// confident correct prediction yields a loss near zero rather than
// underflowing the probability.
//
// Parameters:
//   - losses: output losses (B,T)
//   - logits: unnormalized scores (B,T,V)
//   - targets: target tokens (B,T)
//   - B: batch size
//   - T: sequence length (number of time steps)
//   - V: vocabulary size
func CrossEntropyForward(losses, logits []float32, targets []int32, B, T, V int) {
	for batch := 0; batch < B; batch++ {
		for timmie := 0; timmie < T; timmie++ {
			baseIndex := batch*T*V + timmie*V
			logitsBT := logits[baseIndex : baseIndex+V]
			maxval := Inf(-1)
			for i := 0; i < V; i++ {
				if logitsBT[i] > maxval {
					maxval = logitsBT[i]
				}
			}
			var sum float64
			for i := 0; i < V; i++ {
				sum += math.Exp(float64(logitsBT[i] - maxval))
			}
			ix := targets[batch*T+timmie]
			logProb := float64(logitsBT[ix]-maxval) - math.Log(sum)
			losses[batch*T+timmie] = float32(-logProb)
		}
	}
}

// CrossentropySoftmaxBackward calculates the backward pass of the fused
// softmax and cross entropy loss.
//
// Parameters:
//   - dlogits: gradient of the logits
//   - dlosses: gradient of the cross entropy loss
//   - probs: probabilities
//   - targets: target tokens
//   - B: batch size
//   - T: sequence length (number of time steps)
//   - V: vocabulary size
func CrossentropySoftmaxBackward(dlogits, dlosses, probs []float32, targets []int32, B, T, V int) {
	for batch := 0; batch < B; batch++ {
		for timmie := 0; timmie < T; timmie++ {
			baseIndex := batch*T*V + timmie*V
			dlogitsBT := dlogits[baseIndex : baseIndex+V]
			probsBT := probs[baseIndex : baseIndex+V]
			dloss := dlosses[batch*T+timmie]
			ix := targets[batch*T+timmie]
			for i := 0; i < V; i++ {
				p := probsBT[i]
				var indicator float32
				if int32(i) == ix {
					indicator = 1.0
				}
				dlogitsBT[i] += (p - indicator) * dloss
			}
		}
	}
}
