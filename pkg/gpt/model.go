package gpt

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/conneroisu/simplegpt/pkg/torch"
)

// NoLoss is the mean loss reported by a forward pass without targets.
const NoLoss float32 = -1

// GPT is the interface for general pretrained transformer models.
type GPT interface {
	// Forward performs a forward pass on the model.
	Forward(input, targets []int32, B, T int) (Tensor, float32, error)
	// Backward performs a backward pass on the model.
	Backward() error
	// ZeroGradient resets the accumulated gradients.
	ZeroGradient()
	// Parameters returns every learnable tensor in a stable order.
	Parameters() []*Parameter
}

// SimpleGPT is a byte-level decoder-only transformer.
//
// References:
// [Let's build GPT](https://www.youtube.com/watch?v=kCc8FmEb1nY)
// [Attention is all you need](https://arxiv.org/abs/1706.03762)
type SimpleGPT struct {
	// Args is the configuration the model was built with.
	Args Args
	// TokenEmbedding maps token ids to vectors (V, E).
	TokenEmbedding *Embedding
	// PositionEmbedding maps positions to vectors (ContextSize, E). Attention
	// operates on sets, so position has to be encoded explicitly.
	PositionEmbedding *Embedding
	// Blocks are applied in order.
	Blocks []*TransformerBlock
	// LN is the final layer normalization.
	LN *LayerNorm
	// LMHead projects to vocabulary logits.
	LMHead *Linear
	// MeanLoss is the loss of the last forward pass, or NoLoss.
	MeanLoss float32

	training bool
	rng      *rand.Rand

	// saved by Forward for Backward
	batchSize      int
	sequenceLength int
	inputs         []int32
	targets        []int32
	probabilities  []float32
}

// NewSimpleGPT builds a randomly initialised model. The model starts in
// training mode.
func NewSimpleGPT(args Args) (*SimpleGPT, error) {
	args = args.WithDerived()
	if err := args.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(args.Seed, args.Seed^0x9e3779b97f4a7c15))
	model := &SimpleGPT{
		Args:              args,
		TokenEmbedding:    newEmbedding("token_embedding", args.VocabSize, args.EmbeddingSize, rng),
		PositionEmbedding: newEmbedding("position_embedding", args.ContextSize, args.EmbeddingSize, rng),
		Blocks:            make([]*TransformerBlock, args.BlockLayers),
		LN:                newLayerNorm("ln", args.EmbeddingSize),
		MeanLoss:          NoLoss,
		training:          true,
	}
	for i := range model.Blocks {
		model.Blocks[i] = NewTransformerBlock(fmt.Sprintf("blocks.%d", i), args, rng)
	}
	model.LMHead = newLinear("lm_head", args.EmbeddingSize, args.VocabSize, true, rng)
	model.rng = childRand(rng)
	return model, nil
}

// SetTraining switches dropout on (training) or off (inference).
func (model *SimpleGPT) SetTraining(training bool) {
	model.training = training
	for _, blk := range model.Blocks {
		blk.setTraining(training)
	}
}

// Training reports whether the model is in training mode.
func (model *SimpleGPT) Training() bool {
	return model.training
}

// Parameters returns every learnable tensor of the model in a stable order.
func (model *SimpleGPT) Parameters() []*Parameter {
	params := []*Parameter{model.TokenEmbedding.Weight, model.PositionEmbedding.Weight}
	for _, blk := range model.Blocks {
		params = append(params, blk.Parameters()...)
	}
	params = append(params, model.LN.Parameters()...)
	return append(params, model.LMHead.Parameters()...)
}

// NumParameters returns the number of learnable scalars.
func (model *SimpleGPT) NumParameters() int {
	var n int
	for _, p := range model.Parameters() {
		n += p.Len()
	}
	return n
}

// ZeroGradient resets the gradients to zero.
func (model *SimpleGPT) ZeroGradient() {
	for _, p := range model.Parameters() {
		p.ZeroGrad()
	}
}

func (model *SimpleGPT) checkTokens(name string, tokens []int32) error {
	for i, tok := range tokens {
		if tok < 0 || int(tok) >= model.Args.VocabSize {
			return fmt.Errorf("%w: %s[%d] = %d, vocab size %d", ErrTokenRange, name, i, tok, model.Args.VocabSize)
		}
	}
	return nil
}

// Forward performs a forward pass on the model.
//
// input holds B sequences of T token ids in row-major order. When targets is
// non-nil it must have the same layout; the mean cross-entropy loss is then
// returned and stored in MeanLoss. Without targets the loss is NoLoss.
//
// The returned logits have dims (B, T, V).
func (model *SimpleGPT) Forward(input, targets []int32, B, T int) (Tensor, float32, error) {
	if B <= 0 {
		return Tensor{}, NoLoss, fmt.Errorf("batch size must be positive, got %d", B)
	}
	if T <= 0 || T > model.Args.ContextSize {
		return Tensor{}, NoLoss, fmt.Errorf("%w: length %d, context size %d", ErrSequenceLength, T, model.Args.ContextSize)
	}
	if len(input) != B*T {
		return Tensor{}, NoLoss, fmt.Errorf("input has %d tokens, want %d (B=%d, T=%d)", len(input), B*T, B, T)
	}
	if err := model.checkTokens("input", input); err != nil {
		return Tensor{}, NoLoss, err
	}
	if targets != nil {
		if len(targets) != B*T {
			return Tensor{}, NoLoss, fmt.Errorf("targets have %d tokens, want %d (B=%d, T=%d)", len(targets), B*T, B, T)
		}
		if err := model.checkTokens("targets", targets); err != nil {
			return Tensor{}, NoLoss, err
		}
	}
	C, V := model.Args.EmbeddingSize, model.Args.VocabSize
	model.batchSize, model.sequenceLength = B, T
	model.inputs = append(model.inputs[:0], input...)
	model.targets = nil
	model.probabilities = nil
	// Encode the word token embeddings with the positional embeddings
	// so that those vectors have spatial information.
	x := make([]float32, B*T*C)
	torch.EncoderForward(
		x,
		input,
		model.TokenEmbedding.Weight.Data,
		model.PositionEmbedding.Weight.Data,
		B,
		T,
		C,
	)
	for _, blk := range model.Blocks {
		x = blk.Forward(x, B, T)
	}
	logits := Tensor{
		Data: model.LMHead.Forward(model.LN.Forward(x, B*T), B*T),
		Dims: []int{B, T, V},
	}
	if targets == nil {
		model.MeanLoss = NoLoss
		return logits, NoLoss, nil
	}
	model.targets = append([]int32(nil), targets...)
	losses := make([]float32, B*T)
	torch.CrossEntropyForward(losses, logits.Data, targets, B, T, V)
	var meanLoss float32
	for _, l := range losses {
		meanLoss += l
	}
	meanLoss /= float32(B * T)
	model.MeanLoss = meanLoss
	// kept for the fused softmax/cross-entropy backward
	model.probabilities = make([]float32, B*T*V)
	torch.SoftmaxForward(model.probabilities, logits.Data, B, T, V)
	return logits, meanLoss, nil
}

// Backward accumulates the gradient of the mean loss of the last forward
// pass into every parameter's Grad.
func (model *SimpleGPT) Backward() error {
	if model.targets == nil {
		return errors.New("backward requires a preceding forward pass with targets")
	}
	B, T := model.batchSize, model.sequenceLength
	C, V := model.Args.EmbeddingSize, model.Args.VocabSize
	// get mean loss by filling gradient losses with 1/(B*T)
	dlosses := make([]float32, B*T)
	dlossMean := 1.0 / float32(B*T)
	for i := range dlosses {
		dlosses[i] = dlossMean
	}
	dlogits := make([]float32, B*T*V)
	torch.CrossentropySoftmaxBackward(dlogits, dlosses, model.probabilities, model.targets, B, T, V)
	dx := model.LN.Backward(model.LMHead.Backward(dlogits))
	for i := len(model.Blocks) - 1; i >= 0; i-- {
		dx = model.Blocks[i].Backward(dx)
	}
	torch.EncoderBackward(
		model.TokenEmbedding.Weight.Grad,
		model.PositionEmbedding.Weight.Grad,
		dx,
		model.inputs,
		B,
		T,
		C,
	)
	return nil
}
