package gpt

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomInput(rng *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(rng.NormFloat64())
	}
	return out
}

func TestAttentionHeadCausalWeights(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	B, T, E, hs := 2, 5, 8, 4
	head := NewAttentionHead("head", E, hs, 0, rng)
	out := head.Forward(randomInput(rng, B*T*E), B, T)
	assert.Len(t, out, B*T*hs)

	w := head.Weights()
	require.Equal(t, []int{B, T, T}, w.Dims)
	for b := 0; b < B; b++ {
		for i := 0; i < T; i++ {
			var sum float32
			for j := 0; j < T; j++ {
				if j > i {
					assert.Zero(t, w.At(b, i, j), "position %d attends to future %d", i, j)
				}
				sum += w.At(b, i, j)
			}
			assert.InDelta(t, 1, sum, 1e-5)
		}
	}
}

func TestAttentionHeadIgnoresFuture(t *testing.T) {
	rng := rand.New(rand.NewPCG(2, 2))
	T, E, hs := 6, 8, 4
	head := NewAttentionHead("head", E, hs, 0, rng)
	x := randomInput(rng, T*E)
	before := head.Forward(x, 1, T)

	// changing the last position must not affect any earlier output
	changed := append([]float32(nil), x...)
	for i := (T - 1) * E; i < T*E; i++ {
		changed[i] += 3
	}
	after := head.Forward(changed, 1, T)
	assert.InDeltaSlice(t, before[:(T-1)*hs], after[:(T-1)*hs], 1e-6)
	assert.NotEqual(t, before[(T-1)*hs:], after[(T-1)*hs:])
}

func TestMultiHeadAttentionShapes(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 3))
	args := Args{EmbeddingSize: 12, Heads: 3, HeadSize: 4}
	mha := NewMultiHeadAttention("sa", args, rng)
	require.Len(t, mha.Heads, 3)

	B, T := 2, 3
	out := mha.Forward(randomInput(rng, B*T*12), B, T)
	assert.Len(t, out, B*T*12)
	dx := mha.Backward(randomInput(rng, B*T*12))
	assert.Len(t, dx, B*T*12)

	// 3 heads * (key, query, value) + projection weight and bias
	params := mha.Parameters()
	assert.Len(t, params, 11)
	assert.Equal(t, "sa.heads.2.value.weight", params[8].Name)
	assert.Equal(t, []int{4, 12}, params[0].Dims)
	assert.Equal(t, "sa.projection.bias", params[10].Name)
}

func TestMultiHeadAttentionHeadsAreIndependent(t *testing.T) {
	rng := rand.New(rand.NewPCG(4, 4))
	args := Args{EmbeddingSize: 8, Heads: 2, HeadSize: 4}
	mha := NewMultiHeadAttention("sa", args, rng)
	assert.NotEqual(t, mha.Heads[0].Key.Weight.Data, mha.Heads[1].Key.Weight.Data)
	assert.NotSame(t, mha.Heads[0].rng, mha.Heads[1].rng)
}

func TestTransformerBlockPreservesInput(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 5))
	args := Args{EmbeddingSize: 8, Heads: 2, Dropout: 0}.WithDerived()
	blk := NewTransformerBlock("blocks.0", args, rng)

	B, T := 2, 4
	x := randomInput(rng, B*T*8)
	orig := append([]float32(nil), x...)
	out := blk.Forward(x, B, T)
	assert.Len(t, out, len(x))
	assert.Equal(t, orig, x, "forward must not modify its input")
	assert.NotEqual(t, x, out)

	again := blk.Forward(x, B, T)
	assert.Equal(t, out, again)
}

func TestTransformerBlockParameters(t *testing.T) {
	args := Args{EmbeddingSize: 8, Heads: 2}.WithDerived()
	blk := NewTransformerBlock("blocks.1", args, rand.New(rand.NewPCG(6, 6)))
	params := blk.Parameters()
	names := make([]string, len(params))
	for i, p := range params {
		names[i] = p.Name
	}
	assert.Equal(t, []string{
		"blocks.1.ln1.weight",
		"blocks.1.ln1.bias",
		"blocks.1.sa.heads.0.key.weight",
		"blocks.1.sa.heads.0.query.weight",
		"blocks.1.sa.heads.0.value.weight",
		"blocks.1.sa.heads.1.key.weight",
		"blocks.1.sa.heads.1.query.weight",
		"blocks.1.sa.heads.1.value.weight",
		"blocks.1.sa.projection.weight",
		"blocks.1.sa.projection.bias",
		"blocks.1.ln2.weight",
		"blocks.1.ln2.bias",
		"blocks.1.ffwd.linear.weight",
		"blocks.1.ffwd.linear.bias",
		"blocks.1.ffwd.projection.weight",
		"blocks.1.ffwd.projection.bias",
	}, names)
	assert.Equal(t, []int{32, 8}, blk.FeedForward.Linear.Weight.Dims)
	for _, v := range blk.LN1.Weight.Data {
		assert.Equal(t, float32(1), v)
	}
}

func TestFeedForwardIsPositionWise(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 7))
	args := Args{EmbeddingSize: 4, Heads: 1}.WithDerived()
	ff := NewFeedForward("ffwd", args, rng)
	x := randomInput(rng, 3*4)
	all := ff.Forward(x, 3)
	for r := 0; r < 3; r++ {
		row := ff.Forward(x[r*4:(r+1)*4], 1)
		assert.InDeltaSlice(t, all[r*4:(r+1)*4], row, 1e-6)
	}
}

func TestDropoutLayer(t *testing.T) {
	rng := rand.New(rand.NewPCG(8, 8))
	x := randomInput(rng, 200)

	d := newDropout(0.5, rng)
	out := d.Forward(x)
	var zeros int
	for i, v := range out {
		if v == 0 {
			zeros++
		} else {
			assert.InDelta(t, 2*x[i], v, 1e-6)
		}
	}
	assert.Greater(t, zeros, 0)

	dout := make([]float32, len(x))
	for i := range dout {
		dout[i] = 1
	}
	dinp := d.Backward(dout)
	for i := range dinp {
		if out[i] == 0 {
			assert.Zero(t, dinp[i])
		} else {
			assert.Equal(t, float32(2), dinp[i])
		}
	}

	d.training = false
	assert.Equal(t, x, d.Forward(x))
	assert.Equal(t, dout, d.Backward(dout))
}
