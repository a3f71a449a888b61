package gpt

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/conneroisu/simplegpt/pkg/torch"
)

// AttentionHead is a single head of causal self-attention.
//
// The key answers "what content do I have", the query "what am I looking
// for", and the value is what the token emits once attended to.
type AttentionHead struct {
	HeadSize int
	Key      *Linear
	Query    *Linear
	Value    *Linear

	dropout  float32
	training bool
	rng      *rand.Rand

	// saved by Forward for Backward
	b, t     int
	q, k, v  []float32
	preatt   []float32
	att      []float32
	dropMask []float32
}

// NewAttentionHead creates a head projecting embeddingSize inputs into headSize.
func NewAttentionHead(name string, embeddingSize, headSize int, dropout float32, rng *rand.Rand) *AttentionHead {
	return &AttentionHead{
		HeadSize: headSize,
		Key:      newLinear(name+".key", embeddingSize, headSize, false, rng),
		Query:    newLinear(name+".query", embeddingSize, headSize, false, rng),
		Value:    newLinear(name+".value", embeddingSize, headSize, false, rng),
		dropout:  dropout,
		training: true,
		rng:      childRand(rng),
	}
}

// Forward maps x (B,T,E) to (B,T,HeadSize).
//
// The causal mask is built for the T of this call.
func (h *AttentionHead) Forward(x []float32, B, T int) []float32 {
	rows := B * T
	h.b, h.t = B, T
	h.q = h.Query.Forward(x, rows)
	h.k = h.Key.Forward(x, rows)
	h.v = h.Value.Forward(x, rows)
	h.preatt = make([]float32, B*T*T)
	h.att = make([]float32, B*T*T)
	h.dropMask = nil
	if h.training && h.dropout > 0 {
		h.dropMask = make([]float32, B*T*T)
		torch.DropoutMask(h.dropMask, h.dropout, h.rng)
	}
	out := make([]float32, rows*h.HeadSize)
	torch.AttentionForward(out, h.preatt, h.att, h.q, h.k, h.v, h.dropMask, B, T, h.HeadSize)
	return out
}

// Backward accumulates the projection gradients and returns dx (B,T,E).
func (h *AttentionHead) Backward(dout []float32) []float32 {
	n := h.b * h.t * h.HeadSize
	dq := make([]float32, n)
	dk := make([]float32, n)
	dv := make([]float32, n)
	torch.AttentionBackward(dq, dk, dv, dout, h.q, h.k, h.v, h.att, h.dropMask, h.b, h.t, h.HeadSize)
	dx := h.Query.Backward(dq)
	torch.Accumulate(dx, h.Key.Backward(dk), len(dx))
	torch.Accumulate(dx, h.Value.Backward(dv), len(dx))
	return dx
}

// Weights returns the (B,T,T) attention weights of the last forward pass,
// after the softmax and before dropout.
func (h *AttentionHead) Weights() Tensor {
	return Tensor{Data: h.att, Dims: []int{h.b, h.t, h.t}}
}

// Parameters returns the key, query and value weights.
func (h *AttentionHead) Parameters() []*Parameter {
	params := h.Key.Parameters()
	params = append(params, h.Query.Parameters()...)
	return append(params, h.Value.Parameters()...)
}

// MultiHeadAttention runs independent heads on the same input, concatenates
// their outputs and projects them back to the embedding width.
type MultiHeadAttention struct {
	Heads      []*AttentionHead
	Projection *Linear

	embeddingSize int
	headSize      int
	drop          *Dropout
	b, t          int
}

// NewMultiHeadAttention creates args.Heads heads of width args.HeadSize.
func NewMultiHeadAttention(name string, args Args, rng *rand.Rand) *MultiHeadAttention {
	mha := &MultiHeadAttention{
		Heads:         make([]*AttentionHead, args.Heads),
		embeddingSize: args.EmbeddingSize,
		headSize:      args.HeadSize,
	}
	for i := range mha.Heads {
		mha.Heads[i] = NewAttentionHead(
			fmt.Sprintf("%s.heads.%d", name, i),
			args.EmbeddingSize,
			args.HeadSize,
			args.Dropout,
			rng,
		)
	}
	mha.Projection = newLinear(name+".projection", args.EmbeddingSize, args.EmbeddingSize, true, rng)
	mha.drop = newDropout(args.Dropout, rng)
	return mha
}

// Forward maps x (B,T,E) to (B,T,E). Heads run concurrently.
func (m *MultiHeadAttention) Forward(x []float32, B, T int) []float32 {
	m.b, m.t = B, T
	outs := make([][]float32, len(m.Heads))
	var wg sync.WaitGroup
	for i, head := range m.Heads {
		wg.Add(1)
		go func(i int, head *AttentionHead) {
			defer wg.Done()
			outs[i] = head.Forward(x, B, T)
		}(i, head)
	}
	wg.Wait()
	// concatenate along the feature axis: cat[bt, h*hs+i] = outs[h][bt, i]
	rows := B * T
	cat := make([]float32, rows*m.embeddingSize)
	for h, out := range outs {
		for r := 0; r < rows; r++ {
			copy(cat[r*m.embeddingSize+h*m.headSize:r*m.embeddingSize+(h+1)*m.headSize], out[r*m.headSize:(r+1)*m.headSize])
		}
	}
	return m.drop.Forward(m.Projection.Forward(cat, rows))
}

// Backward returns dx (B,T,E), summing the contributions of every head.
func (m *MultiHeadAttention) Backward(dout []float32) []float32 {
	dcat := m.Projection.Backward(m.drop.Backward(dout))
	rows := m.b * m.t
	dxs := make([][]float32, len(m.Heads))
	var wg sync.WaitGroup
	for i, head := range m.Heads {
		wg.Add(1)
		go func(h int, head *AttentionHead) {
			defer wg.Done()
			dh := make([]float32, rows*m.headSize)
			for r := 0; r < rows; r++ {
				copy(dh[r*m.headSize:(r+1)*m.headSize], dcat[r*m.embeddingSize+h*m.headSize:r*m.embeddingSize+(h+1)*m.headSize])
			}
			dxs[h] = head.Backward(dh)
		}(i, head)
	}
	wg.Wait()
	dx := make([]float32, rows*m.embeddingSize)
	for _, d := range dxs {
		torch.Accumulate(dx, d, len(dx))
	}
	return dx
}

func (m *MultiHeadAttention) setTraining(training bool) {
	for _, head := range m.Heads {
		head.training = training
	}
	m.drop.training = training
}

// Parameters returns every head's parameters in order, then the projection.
func (m *MultiHeadAttention) Parameters() []*Parameter {
	var params []*Parameter
	for _, head := range m.Heads {
		params = append(params, head.Parameters()...)
	}
	return append(params, m.Projection.Parameters()...)
}
