package data

import (
	"fmt"
	"math/rand/v2"
	"os"
)

// TrainFraction is the share of the corpus used for training; the rest is
// held out for validation.
const TrainFraction = 0.9

// Encoder turns text into token ids.
type Encoder interface {
	Encode(text string) ([]int32, error)
}

// Corpus is a tokenized text split into a training prefix and a held-out
// validation suffix.
type Corpus struct {
	Tokens []int32
	Train  []int32
	Val    []int32
}

// NewCorpus encodes text once and splits it.
func NewCorpus(text string, enc Encoder) (*Corpus, error) {
	tokens, err := enc.Encode(text)
	if err != nil {
		return nil, fmt.Errorf("failed to encode corpus: %w", err)
	}
	n := int(TrainFraction * float64(len(tokens)))
	return &Corpus{
		Tokens: tokens,
		Train:  tokens[:n],
		Val:    tokens[n:],
	}, nil
}

// LoadCorpus reads the whole file at path into memory and encodes it.
func LoadCorpus(path string, enc Encoder) (*Corpus, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return NewCorpus(string(raw), enc)
}

// Batch is B sequences of T tokens with their next-token targets, both in
// row-major (B, T) order.
type Batch struct {
	Inputs  []int32
	Targets []int32
	B       int
	T       int
}

// Loader is an interface for data loaders.
type Loader interface {
	NextBatch() (Batch, error)
}

// RandomLoader samples batches of random fixed-length windows from a token
// sequence. Targets are the inputs shifted by one position.
type RandomLoader struct {
	batchSize int
	seqLength int
	data      []int32
	rng       *rand.Rand
}

// NewRandomLoader returns a loader over data. The data must hold at least
// seqLength+1 tokens so that every window has a target for its last position.
func NewRandomLoader(data []int32, batchSize, seqLength int, rng *rand.Rand) (*RandomLoader, error) {
	if batchSize <= 0 || seqLength <= 0 {
		return nil, fmt.Errorf("batch size and sequence length must be positive, got %d and %d", batchSize, seqLength)
	}
	if len(data) < seqLength+1 {
		return nil, fmt.Errorf("data of %d tokens is too small for sequence length %d", len(data), seqLength)
	}
	return &RandomLoader{
		batchSize: batchSize,
		seqLength: seqLength,
		data:      data,
		rng:       rng,
	}, nil
}

// NextBatch samples batchSize windows of seqLength tokens.
func (loader *RandomLoader) NextBatch() (Batch, error) {
	B, T := loader.batchSize, loader.seqLength
	inputs := make([]int32, 0, B*T)
	targets := make([]int32, 0, B*T)
	for b := 0; b < B; b++ {
		i := loader.rng.IntN(len(loader.data) - T)
		inputs = append(inputs, loader.data[i:i+T]...)
		targets = append(targets, loader.data[i+1:i+T+1]...)
	}
	return Batch{Inputs: inputs, Targets: targets, B: B, T: T}, nil
}
