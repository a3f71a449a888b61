package gpt

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig reports an inconsistent model configuration.
	ErrConfig = errors.New("invalid model configuration")
	// ErrSequenceLength reports an input longer than the context window.
	ErrSequenceLength = errors.New("sequence length out of range")
	// ErrTokenRange reports a token id outside the vocabulary.
	ErrTokenRange = errors.New("token id out of vocabulary range")
)

// Args is the configuration of a SimpleGPT model.
type Args struct {
	// ContextSize is the maximum sequence length the model can attend over.
	ContextSize int `yaml:"context_size"`
	// VocabSize is the size of the token alphabet.
	VocabSize int `yaml:"vocab_size"`
	// BatchSize is the number of sequences per training minibatch.
	BatchSize int `yaml:"batch_size"`
	// EmbeddingSize is the width of the residual stream.
	EmbeddingSize int `yaml:"embedding_size"`
	// FFWEmbeddingSize is the hidden width of the feed-forward layer,
	// always 4 * EmbeddingSize. Zero derives it.
	FFWEmbeddingSize int `yaml:"ffw_embedding_size"`
	// BlockLayers is the number of stacked transformer blocks.
	BlockLayers int `yaml:"block_layers"`
	// Heads is the number of attention heads per block.
	Heads int `yaml:"heads"`
	// HeadSize is the width of each head, always EmbeddingSize / Heads.
	// Zero derives it.
	HeadSize int `yaml:"head_size"`
	// Dropout is the dropout probability used in training mode.
	Dropout float32 `yaml:"dropout"`
	// Seed drives parameter initialisation, dropout masks and sampling.
	Seed uint64 `yaml:"seed"`
}

// DefaultArgs returns the reference configuration.
func DefaultArgs() Args {
	return Args{
		ContextSize:      256,
		VocabSize:        256,
		BatchSize:        4,
		EmbeddingSize:    512,
		FFWEmbeddingSize: 4 * 512,
		BlockLayers:      6,
		Heads:            8,
		HeadSize:         64,
		Dropout:          0.2,
		Seed:             1337,
	}
}

// WithDerived fills the derived sizes left at zero.
func (a Args) WithDerived() Args {
	if a.HeadSize == 0 && a.Heads > 0 {
		a.HeadSize = a.EmbeddingSize / a.Heads
	}
	if a.FFWEmbeddingSize == 0 {
		a.FFWEmbeddingSize = 4 * a.EmbeddingSize
	}
	return a
}

// Validate checks the invariants between the configured sizes.
func (a Args) Validate() error {
	switch {
	case a.ContextSize <= 0:
		return fmt.Errorf("%w: context_size must be positive, got %d", ErrConfig, a.ContextSize)
	case a.VocabSize <= 0:
		return fmt.Errorf("%w: vocab_size must be positive, got %d", ErrConfig, a.VocabSize)
	case a.EmbeddingSize <= 0:
		return fmt.Errorf("%w: embedding_size must be positive, got %d", ErrConfig, a.EmbeddingSize)
	case a.BlockLayers < 0:
		return fmt.Errorf("%w: block_layers must not be negative, got %d", ErrConfig, a.BlockLayers)
	case a.Heads <= 0:
		return fmt.Errorf("%w: heads must be positive, got %d", ErrConfig, a.Heads)
	case a.EmbeddingSize%a.Heads != 0:
		return fmt.Errorf("%w: embedding_size %d is not divisible by heads %d", ErrConfig, a.EmbeddingSize, a.Heads)
	case a.HeadSize != a.EmbeddingSize/a.Heads:
		return fmt.Errorf("%w: head_size %d must equal embedding_size/heads = %d", ErrConfig, a.HeadSize, a.EmbeddingSize/a.Heads)
	case a.FFWEmbeddingSize != 4*a.EmbeddingSize:
		return fmt.Errorf("%w: ffw_embedding_size %d must equal 4*embedding_size = %d", ErrConfig, a.FFWEmbeddingSize, 4*a.EmbeddingSize)
	case a.Dropout < 0 || a.Dropout >= 1:
		return fmt.Errorf("%w: dropout must be in [0, 1), got %v", ErrConfig, a.Dropout)
	}
	return nil
}
