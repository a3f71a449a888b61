package gpt

import (
	"github.com/conneroisu/simplegpt/pkg/torch"
)

// Optimizer updates parameters in place from their accumulated gradients.
type Optimizer interface {
	Step(params []*Parameter)
}

// AdamW is an implementation of the AdamW optimizer with decoupled weight decay.
type AdamW struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32

	// FirstMomentEstimates is a array of first moment estimates per parameter.
	FirstMomentEstimates [][]float32
	// SecondMomentEstimates is a array of second moment estimates per parameter.
	SecondMomentEstimates [][]float32
	step                  int
}

// NewAdamW returns an AdamW optimizer with the usual betas and epsilon.
func NewAdamW(learningRate, weightDecay float32) *AdamW {
	return &AdamW{
		LearningRate: learningRate,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  weightDecay,
	}
}

// Step performs an update on the parameters.
//
// The moment buffers are created on the first call and indexed by position,
// so params must be passed in the same order every step.
func (opt *AdamW) Step(params []*Parameter) {
	if opt.FirstMomentEstimates == nil {
		opt.FirstMomentEstimates = make([][]float32, len(params))
		opt.SecondMomentEstimates = make([][]float32, len(params))
		for i, p := range params {
			opt.FirstMomentEstimates[i] = make([]float32, p.Len())
			opt.SecondMomentEstimates[i] = make([]float32, p.Len())
		}
	}
	opt.step++
	beta1Correction := 1.0 - torch.Pow(opt.Beta1, float32(opt.step))
	beta2Correction := 1.0 - torch.Pow(opt.Beta2, float32(opt.step))
	for pi, p := range params {
		ms, vs := opt.FirstMomentEstimates[pi], opt.SecondMomentEstimates[pi]
		for i, parameter := range p.Data {
			gradient := p.Grad[i]
			// update the momentum (m is the updated first moment estimate)
			m := opt.Beta1*ms[i] + (1.0-opt.Beta1)*gradient
			// RMSprop update (v is the updated second moment estimate)
			v := opt.Beta2*vs[i] + (1.0-opt.Beta2)*gradient*gradient
			// correct the bias
			mHat := m / beta1Correction
			vHat := v / beta2Correction
			ms[i] = m
			vs[i] = v
			p.Data[i] -= opt.LearningRate * (mHat/(torch.Sqrt(vHat)+opt.Epsilon) + opt.WeightDecay*parameter)
		}
	}
}

// SGD is plain stochastic gradient descent.
type SGD struct {
	LearningRate float32
}

// Step moves every parameter against its gradient.
func (opt *SGD) Step(params []*Parameter) {
	for _, p := range params {
		for i := range p.Data {
			p.Data[i] -= opt.LearningRate * p.Grad[i]
		}
	}
}
