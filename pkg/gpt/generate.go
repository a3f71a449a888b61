package gpt

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// Sampler picks the next token from a row of logits.
//
// With Temperature 1 and TopK 0 it samples from the plain softmax
// distribution. Temperature 0 degenerates to greedy argmax.
type Sampler struct {
	// Temperature divides the logits before the softmax.
	Temperature float32
	// TopK keeps only the K most likely tokens. 0 disables the filter.
	TopK int

	src rand.Source
}

// NewSampler returns a sampler with its own seeded source.
func NewSampler(temperature float32, topK int, seed uint64) *Sampler {
	return &Sampler{
		Temperature: temperature,
		TopK:        topK,
		src:         rand.NewPCG(seed, seed+1),
	}
}

// Sample returns the index of the sampled token.
func (s *Sampler) Sample(logits []float32) int32 {
	if s.Temperature <= 0 {
		return argmax(logits)
	}
	scaled := make([]float64, len(logits))
	for i, l := range logits {
		scaled[i] = float64(l / s.Temperature)
	}
	if s.TopK > 0 && s.TopK < len(scaled) {
		// everything strictly below the k-th largest value is dropped
		kth := kthLargest(scaled, s.TopK)
		for i, v := range scaled {
			if v < kth {
				scaled[i] = math.Inf(-1)
			}
		}
	}
	maxval := math.Inf(-1)
	for _, v := range scaled {
		maxval = math.Max(maxval, v)
	}
	weights := make([]float64, len(scaled))
	for i, v := range scaled {
		weights[i] = math.Exp(v - maxval)
	}
	return int32(distuv.NewCategorical(weights, s.src).Rand())
}

func argmax(logits []float32) int32 {
	best := 0
	for i, l := range logits {
		if l > logits[best] {
			best = i
		}
	}
	return int32(best)
}

func kthLargest(values []float64, k int) float64 {
	top := make([]float64, 0, k)
	for _, v := range values {
		if len(top) < k {
			top = append(top, v)
		} else if v > top[k-1] {
			top[k-1] = v
		} else {
			continue
		}
		for i := len(top) - 1; i > 0 && top[i] > top[i-1]; i-- {
			top[i], top[i-1] = top[i-1], top[i]
		}
	}
	return top[k-1]
}

// Generate extends each of the B sequences in idx by maxTokens sampled tokens
// and returns the (B, T0+maxTokens) result in row-major order.
//
// Every step crops the history to the last ContextSize tokens and runs a
// fresh forward pass in inference mode; nothing is cached between steps. A
// nil sampler samples from the softmax with the model's own generator. The
// training mode in effect before the call is restored afterwards.
func (model *SimpleGPT) Generate(idx []int32, B, maxTokens int, sampler *Sampler) ([]int32, error) {
	if B <= 0 || len(idx) == 0 || len(idx)%B != 0 {
		return nil, fmt.Errorf("cannot split %d tokens into %d sequences", len(idx), B)
	}
	if maxTokens < 0 {
		return nil, fmt.Errorf("max tokens must not be negative, got %d", maxTokens)
	}
	if err := model.checkTokens("idx", idx); err != nil {
		return nil, err
	}
	if sampler == nil {
		sampler = &Sampler{Temperature: 1, src: model.rng}
	}
	wasTraining := model.training
	model.SetTraining(false)
	defer model.SetTraining(wasTraining)

	T0 := len(idx) / B
	V := model.Args.VocabSize
	seqs := make([][]int32, B)
	for b := range seqs {
		seqs[b] = make([]int32, T0, T0+maxTokens)
		copy(seqs[b], idx[b*T0:(b+1)*T0])
	}
	for step := 0; step < maxTokens; step++ {
		T := len(seqs[0])
		start := max(0, T-model.Args.ContextSize)
		Tc := T - start
		cond := make([]int32, 0, B*Tc)
		for _, seq := range seqs {
			cond = append(cond, seq[start:]...)
		}
		logits, _, err := model.Forward(cond, nil, B, Tc)
		if err != nil {
			return nil, fmt.Errorf("generation step %d: %w", step, err)
		}
		for b := range seqs {
			last := logits.Data[(b*Tc+Tc-1)*V : (b*Tc+Tc)*V]
			seqs[b] = append(seqs[b], sampler.Sample(last))
		}
	}
	out := make([]int32, 0, B*(T0+maxTokens))
	for _, seq := range seqs {
		out = append(out, seq...)
	}
	return out, nil
}
