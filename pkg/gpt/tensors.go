package gpt

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// Tensor is a wrapper around a slice of float32 values and a list of dimensions
type Tensor struct {
	Data []float32
	Dims []int
}

// At returns the element at the given multi-dimensional index.
func (t Tensor) At(index ...int) float32 {
	if len(index) != len(t.Dims) {
		panic(fmt.Sprintf("index %v does not match dims %v", index, t.Dims))
	}
	offset := 0
	for i, ix := range index {
		offset = offset*t.Dims[i] + ix
	}
	return t.Data[offset]
}

func numel(dims []int) int {
	s := 1
	for _, d := range dims {
		s *= d
	}
	return s
}

// Parameter is a learnable tensor together with its accumulated gradient.
type Parameter struct {
	// Name is the dotted path of the parameter inside the model, e.g. "blocks.0.ln1.weight".
	Name string
	// Data holds the values updated by the optimizer.
	Data []float32
	// Grad accumulates the gradient of the loss with respect to Data.
	Grad []float32
	// Dims is the shape of the parameter.
	Dims []int
}

func newParameter(name string, dims ...int) *Parameter {
	n := numel(dims)
	return &Parameter{
		Name: name,
		Data: make([]float32, n),
		Grad: make([]float32, n),
		Dims: dims,
	}
}

// Len returns the number of scalars held by the parameter.
func (p *Parameter) Len() int {
	return len(p.Data)
}

// ZeroGrad resets the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

func (p *Parameter) fill(v float32) {
	for i := range p.Data {
		p.Data[i] = v
	}
}

// initUniform samples every value from U(-bound, bound).
func (p *Parameter) initUniform(bound float64, src rand.Source) {
	dist := distuv.Uniform{
		Min: -bound,
		Max: bound,
		Src: src,
	}
	for i := range p.Data {
		p.Data[i] = float32(dist.Rand())
	}
}

// initGlorot uses the Glorot/Xavier uniform bound for a (fanIn, fanOut) table.
func (p *Parameter) initGlorot(fanIn, fanOut int, src rand.Source) {
	p.initUniform(math.Sqrt(6.0/float64(fanIn+fanOut)), src)
}

// childRand derives an independent generator from a parent so that layers
// running in parallel never share one.
func childRand(parent *rand.Rand) *rand.Rand {
	return rand.New(rand.NewPCG(parent.Uint64(), parent.Uint64()))
}
