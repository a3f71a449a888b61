package gpt

import (
	"math/rand/v2"

	"github.com/conneroisu/simplegpt/pkg/torch"
)

// FeedForward is the position-wise MLP of a block: expand, GELU, project, dropout.
type FeedForward struct {
	Linear     *Linear
	Projection *Linear

	drop *Dropout
	// pre-activation saved for the GELU backward
	hidden []float32
}

// NewFeedForward creates a feed-forward layer E -> 4E -> E.
func NewFeedForward(name string, args Args, rng *rand.Rand) *FeedForward {
	return &FeedForward{
		Linear:     newLinear(name+".linear", args.EmbeddingSize, args.FFWEmbeddingSize, true, rng),
		Projection: newLinear(name+".projection", args.FFWEmbeddingSize, args.EmbeddingSize, true, rng),
		drop:       newDropout(args.Dropout, rng),
	}
}

// Forward maps rows vectors of width E to width E independently.
func (f *FeedForward) Forward(x []float32, rows int) []float32 {
	f.hidden = f.Linear.Forward(x, rows)
	act := make([]float32, len(f.hidden))
	torch.GeluForward(act, f.hidden, len(act))
	return f.drop.Forward(f.Projection.Forward(act, rows))
}

// Backward returns the input gradient.
func (f *FeedForward) Backward(dout []float32) []float32 {
	dact := f.Projection.Backward(f.drop.Backward(dout))
	dhidden := make([]float32, len(f.hidden))
	torch.GeluBackward(dhidden, f.hidden, dact, len(dhidden))
	return f.Linear.Backward(dhidden)
}

// Parameters returns the expansion then the projection parameters.
func (f *FeedForward) Parameters() []*Parameter {
	return append(f.Linear.Parameters(), f.Projection.Parameters()...)
}

// TransformerBlock composes attention and feed-forward with pre-normalization
// residual connections:
//
//	x = x + sa(ln1(x))   // communication between positions
//	x = x + ffwd(ln2(x)) // computation per position
type TransformerBlock struct {
	LN1         *LayerNorm
	Attention   *MultiHeadAttention
	LN2         *LayerNorm
	FeedForward *FeedForward

	b, t int
}

// NewTransformerBlock creates a block with its own normalization parameters.
func NewTransformerBlock(name string, args Args, rng *rand.Rand) *TransformerBlock {
	return &TransformerBlock{
		LN1:         newLayerNorm(name+".ln1", args.EmbeddingSize),
		Attention:   NewMultiHeadAttention(name+".sa", args, rng),
		LN2:         newLayerNorm(name+".ln2", args.EmbeddingSize),
		FeedForward: NewFeedForward(name+".ffwd", args, rng),
	}
}

// Forward maps x (B,T,E) to a new (B,T,E) slice; x is not modified.
func (blk *TransformerBlock) Forward(x []float32, B, T int) []float32 {
	blk.b, blk.t = B, T
	rows := B * T
	n := len(x)
	residual2 := make([]float32, n)
	torch.ResidualForward(residual2, x, blk.Attention.Forward(blk.LN1.Forward(x, rows), B, T), n)
	residual3 := make([]float32, n)
	torch.ResidualForward(residual3, residual2, blk.FeedForward.Forward(blk.LN2.Forward(residual2, rows), rows), n)
	return residual3
}

// Backward returns the input gradient of the block.
func (blk *TransformerBlock) Backward(dout []float32) []float32 {
	n := len(dout)
	dresidual2 := make([]float32, n)
	torch.Accumulate(dresidual2, dout, n)
	torch.Accumulate(dresidual2, blk.LN2.Backward(blk.FeedForward.Backward(dout)), n)
	dx := make([]float32, n)
	torch.Accumulate(dx, dresidual2, n)
	torch.Accumulate(dx, blk.LN1.Backward(blk.Attention.Backward(dresidual2)), n)
	return dx
}

func (blk *TransformerBlock) setTraining(training bool) {
	blk.Attention.setTraining(training)
	blk.FeedForward.drop.training = training
}

// Parameters returns ln1, attention, ln2 and feed-forward parameters in order.
func (blk *TransformerBlock) Parameters() []*Parameter {
	params := blk.LN1.Parameters()
	params = append(params, blk.Attention.Parameters()...)
	params = append(params, blk.LN2.Parameters()...)
	return append(params, blk.FeedForward.Parameters()...)
}
