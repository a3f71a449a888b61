package torch

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randSlice(rng *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(rng.NormFloat64())
	}
	return out
}

func TestAttentionForwardCausal(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for _, tc := range []struct {
		name     string
		B, T, HS int
	}{
		{"single position", 1, 1, 4},
		{"small", 2, 5, 4},
		{"wide head", 3, 7, 16},
	} {
		t.Run(tc.name, func(t *testing.T) {
			B, T, HS := tc.B, tc.T, tc.HS
			q, k, v := randSlice(rng, B*T*HS), randSlice(rng, B*T*HS), randSlice(rng, B*T*HS)
			out := make([]float32, B*T*HS)
			preatt := make([]float32, B*T*T)
			att := make([]float32, B*T*T)
			AttentionForward(out, preatt, att, q, k, v, nil, B, T, HS)
			for b := 0; b < B; b++ {
				for i := 0; i < T; i++ {
					var sum float32
					for j := 0; j < T; j++ {
						w := att[b*T*T+i*T+j]
						if j > i {
							assert.Equal(t, float32(0), w, "future position %d seen from %d", j, i)
							assert.True(t, math.IsInf(float64(preatt[b*T*T+i*T+j]), -1))
						} else {
							assert.GreaterOrEqual(t, w, float32(0))
						}
						sum += w
					}
					assert.InDelta(t, 1.0, sum, 1e-5)
				}
			}
		})
	}
}

func TestAttentionForwardFirstPositionCopiesValue(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	B, T, HS := 2, 4, 3
	q, k, v := randSlice(rng, B*T*HS), randSlice(rng, B*T*HS), randSlice(rng, B*T*HS)
	out := make([]float32, B*T*HS)
	AttentionForward(out, make([]float32, B*T*T), make([]float32, B*T*T), q, k, v, nil, B, T, HS)
	// position 0 can only attend to itself
	for b := 0; b < B; b++ {
		for i := 0; i < HS; i++ {
			assert.InDelta(t, v[b*T*HS+i], out[b*T*HS+i], 1e-6)
		}
	}
}

func TestDropoutMask(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	inp := randSlice(rng, 1000)

	t.Run("zero probability is identity", func(t *testing.T) {
		mask := make([]float32, len(inp))
		DropoutMask(mask, 0, rng)
		out := make([]float32, len(inp))
		DropoutForward(out, inp, mask, len(inp))
		assert.Equal(t, inp, out)
	})

	t.Run("half probability", func(t *testing.T) {
		mask := make([]float32, len(inp))
		DropoutMask(mask, 0.5, rng)
		var zeros int
		for _, m := range mask {
			if m == 0 {
				zeros++
			} else {
				assert.Equal(t, float32(2), m)
			}
		}
		assert.Greater(t, zeros, 350)
		assert.Less(t, zeros, 650)
	})
}

func TestCrossEntropyForward(t *testing.T) {
	B, T, V := 2, 3, 256
	targets := []int32{0, 5, 255, 17, 42, 128}

	t.Run("uniform logits give ln(V)", func(t *testing.T) {
		logits := make([]float32, B*T*V)
		losses := make([]float32, B*T)
		CrossEntropyForward(losses, logits, targets, B, T, V)
		for _, l := range losses {
			assert.InDelta(t, math.Log(float64(V)), l, 1e-5)
		}
	})

	t.Run("confident correct logits give zero", func(t *testing.T) {
		logits := make([]float32, B*T*V)
		for i, ix := range targets {
			logits[i*V+int(ix)] = 100
		}
		losses := make([]float32, B*T)
		CrossEntropyForward(losses, logits, targets, B, T, V)
		for _, l := range losses {
			assert.GreaterOrEqual(t, l, float32(0))
			assert.InDelta(t, 0, l, 1e-6)
		}
	})
}

func TestSoftmaxForward(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 8))
	B, T, V := 2, 3, 11
	logits := randSlice(rng, B*T*V)
	probs := make([]float32, B*T*V)
	SoftmaxForward(probs, logits, B, T, V)
	for r := 0; r < B*T; r++ {
		var sum float32
		for _, p := range probs[r*V : (r+1)*V] {
			assert.Greater(t, p, float32(0))
			sum += p
		}
		assert.InDelta(t, 1.0, sum, 1e-5)
	}
}

func TestMatmul(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 10))
	B, T, C, OC := 2, 3, 4, 5
	inp := randSlice(rng, B*T*C)
	weight := randSlice(rng, OC*C)
	bias := randSlice(rng, OC)

	out := make([]float32, B*T*OC)
	MatmulForward(out, inp, weight, bias, B, T, C, OC)
	for n := 0; n < B*T; n++ {
		for o := 0; o < OC; o++ {
			want := bias[o]
			for i := 0; i < C; i++ {
				want += inp[n*C+i] * weight[o*C+i]
			}
			assert.InDelta(t, want, out[n*OC+o], 1e-5)
		}
	}

	dout := randSlice(rng, B*T*OC)
	dinp := make([]float32, B*T*C)
	dweight := make([]float32, OC*C)
	dbias := make([]float32, OC)
	MatmulBackward(dinp, dweight, dbias, dout, inp, weight, B, T, C, OC)
	for n := 0; n < B*T; n++ {
		for i := 0; i < C; i++ {
			var want float32
			for o := 0; o < OC; o++ {
				want += dout[n*OC+o] * weight[o*C+i]
			}
			assert.InDelta(t, want, dinp[n*C+i], 1e-5)
		}
	}
	for o := 0; o < OC; o++ {
		var wantBias float32
		for n := 0; n < B*T; n++ {
			wantBias += dout[n*OC+o]
		}
		assert.InDelta(t, wantBias, dbias[o], 1e-5)
		for i := 0; i < C; i++ {
			var want float32
			for n := 0; n < B*T; n++ {
				want += dout[n*OC+o] * inp[n*C+i]
			}
			assert.InDelta(t, want, dweight[o*C+i], 1e-5)
		}
	}
}

func TestMatmulForwardWithoutBias(t *testing.T) {
	inp := []float32{1, 2, 3, 4}
	weight := []float32{1, 0, 0, 1, 1, 1}
	out := make([]float32, 6)
	MatmulForward(out, inp, weight, nil, 1, 2, 2, 3)
	assert.Equal(t, []float32{1, 2, 3, 3, 4, 7}, out)
}

func TestGeluBackwardMatchesFiniteDifference(t *testing.T) {
	xs := []float32{-3, -1, -0.1, 0, 0.3, 1, 2.5}
	for _, x := range xs {
		const eps = 1e-2
		plus, minus := make([]float32, 1), make([]float32, 1)
		GeluForward(plus, []float32{x + eps}, 1)
		GeluForward(minus, []float32{x - eps}, 1)
		numeric := (plus[0] - minus[0]) / (2 * eps)
		grad := make([]float32, 1)
		GeluBackward(grad, []float32{x}, []float32{1}, 1)
		assert.InDelta(t, numeric, grad[0], 1e-3, "x=%v", x)
	}
}

func TestResidual(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{10, 20, 30}
	out := make([]float32, 3)
	ResidualForward(out, a, b, 3)
	assert.Equal(t, []float32{11, 22, 33}, out)

	da, db := make([]float32, 3), []float32{1, 1, 1}
	ResidualBackward(da, db, []float32{0.5, 1, 2}, 3)
	assert.Equal(t, []float32{0.5, 1, 2}, da)
	assert.Equal(t, []float32{1.5, 2, 3}, db)
}

func TestLayernormForward(t *testing.T) {
	rng := rand.New(rand.NewPCG(11, 12))
	B, T, C := 2, 2, 8
	inp := randSlice(rng, B*T*C)
	weight := make([]float32, C)
	for i := range weight {
		weight[i] = 1
	}
	bias := make([]float32, C)
	out := make([]float32, B*T*C)
	mean := make([]float32, B*T)
	rstd := make([]float32, B*T)
	LayernormForward(out, mean, rstd, inp, weight, bias, B, T, C)
	for r := 0; r < B*T; r++ {
		var m, v float64
		for _, o := range out[r*C : (r+1)*C] {
			m += float64(o)
		}
		m /= float64(C)
		for _, o := range out[r*C : (r+1)*C] {
			v += (float64(o) - m) * (float64(o) - m)
		}
		v /= float64(C)
		require.InDelta(t, 0, m, 1e-5)
		require.InDelta(t, 1, v, 1e-3)
	}
}
