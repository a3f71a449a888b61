package gpt

import (
	"math"
	"math/rand/v2"

	"github.com/conneroisu/simplegpt/pkg/torch"
)

// Linear is a fully connected layer computing y = x @ W^T + b with W stored
// as (out, in).
type Linear struct {
	In     int
	Out    int
	Weight *Parameter
	// Bias is nil for bias-free projections.
	Bias *Parameter

	inp  []float32
	rows int
}

func newLinear(name string, in, out int, bias bool, rng *rand.Rand) *Linear {
	bound := 1 / math.Sqrt(float64(in))
	l := &Linear{
		In:     in,
		Out:    out,
		Weight: newParameter(name+".weight", out, in),
	}
	l.Weight.initUniform(bound, rng)
	if bias {
		l.Bias = newParameter(name+".bias", out)
		l.Bias.initUniform(bound, rng)
	}
	return l
}

// Forward projects rows (B*T) input vectors of width In to width Out.
func (l *Linear) Forward(inp []float32, rows int) []float32 {
	l.inp, l.rows = inp, rows
	out := make([]float32, rows*l.Out)
	torch.MatmulForward(out, inp, l.Weight.Data, l.biasData(), 1, rows, l.In, l.Out)
	return out
}

// Backward accumulates the weight gradients and returns the input gradient.
func (l *Linear) Backward(dout []float32) []float32 {
	dinp := make([]float32, l.rows*l.In)
	var dbias []float32
	if l.Bias != nil {
		dbias = l.Bias.Grad
	}
	torch.MatmulBackward(dinp, l.Weight.Grad, dbias, dout, l.inp, l.Weight.Data, 1, l.rows, l.In, l.Out)
	return dinp
}

func (l *Linear) biasData() []float32 {
	if l.Bias == nil {
		return nil
	}
	return l.Bias.Data
}

// Parameters returns the weight followed by the bias, if any.
func (l *Linear) Parameters() []*Parameter {
	if l.Bias == nil {
		return []*Parameter{l.Weight}
	}
	return []*Parameter{l.Weight, l.Bias}
}

// LayerNorm normalizes every position to zero mean and unit variance and
// applies a learned scale and shift.
type LayerNorm struct {
	C      int
	Weight *Parameter
	Bias   *Parameter

	inp  []float32
	mean []float32
	rstd []float32
	rows int
}

func newLayerNorm(name string, c int) *LayerNorm {
	ln := &LayerNorm{
		C:      c,
		Weight: newParameter(name+".weight", c),
		Bias:   newParameter(name+".bias", c),
	}
	ln.Weight.fill(1)
	return ln
}

// Forward normalizes rows vectors of width C.
func (ln *LayerNorm) Forward(inp []float32, rows int) []float32 {
	ln.inp, ln.rows = inp, rows
	ln.mean = make([]float32, rows)
	ln.rstd = make([]float32, rows)
	out := make([]float32, rows*ln.C)
	torch.LayernormForward(out, ln.mean, ln.rstd, inp, ln.Weight.Data, ln.Bias.Data, 1, rows, ln.C)
	return out
}

// Backward accumulates the scale/shift gradients and returns the input gradient.
func (ln *LayerNorm) Backward(dout []float32) []float32 {
	dinp := make([]float32, ln.rows*ln.C)
	torch.LayernormBackward(dinp, ln.Weight.Grad, ln.Bias.Grad, dout, ln.inp, ln.Weight.Data, ln.mean, ln.rstd, 1, ln.rows, ln.C)
	return dinp
}

// Parameters returns the scale followed by the shift.
func (ln *LayerNorm) Parameters() []*Parameter {
	return []*Parameter{ln.Weight, ln.Bias}
}

// Embedding is a learned lookup table of Num rows of width Dim.
type Embedding struct {
	Num    int
	Dim    int
	Weight *Parameter
}

func newEmbedding(name string, num, dim int, rng *rand.Rand) *Embedding {
	e := &Embedding{
		Num:    num,
		Dim:    dim,
		Weight: newParameter(name+".weight", num, dim),
	}
	e.Weight.initGlorot(num, dim, rng)
	return e
}

// Dropout zeroes inputs with probability P in training mode and rescales the
// survivors by 1/(1-P). It is the identity in inference mode or when P is 0.
type Dropout struct {
	P        float32
	training bool
	rng      *rand.Rand
	mask     []float32
}

func newDropout(p float32, rng *rand.Rand) *Dropout {
	return &Dropout{
		P:        p,
		training: true,
		rng:      childRand(rng),
	}
}

func (d *Dropout) active() bool {
	return d.training && d.P > 0
}

// Forward applies dropout to inp. When inactive the input is returned as is.
func (d *Dropout) Forward(inp []float32) []float32 {
	if !d.active() {
		d.mask = nil
		return inp
	}
	d.mask = make([]float32, len(inp))
	torch.DropoutMask(d.mask, d.P, d.rng)
	out := make([]float32, len(inp))
	torch.DropoutForward(out, inp, d.mask, len(inp))
	return out
}

// Backward routes dout through the mask of the last forward pass.
func (d *Dropout) Backward(dout []float32) []float32 {
	if d.mask == nil {
		return dout
	}
	dinp := make([]float32, len(dout))
	torch.DropoutBackward(dinp, dout, d.mask, len(dout))
	return dinp
}
