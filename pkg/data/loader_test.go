package data

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bytesEncoder struct{}

func (bytesEncoder) Encode(text string) ([]int32, error) {
	out := make([]int32, len(text))
	for i := 0; i < len(text); i++ {
		out[i] = int32(text[i])
	}
	return out, nil
}

func TestNewCorpusSplit(t *testing.T) {
	corpus, err := NewCorpus(strings.Repeat("a", 100), bytesEncoder{})
	require.NoError(t, err)
	assert.Len(t, corpus.Tokens, 100)
	assert.Len(t, corpus.Train, 90)
	assert.Len(t, corpus.Val, 10)
}

func TestNewCorpusValIsSuffix(t *testing.T) {
	text := "abcdefghijklmnopqrst"
	corpus, err := NewCorpus(text, bytesEncoder{})
	require.NoError(t, err)
	assert.Equal(t, []int32{'a', 'b'}, corpus.Train[:2])
	assert.Equal(t, []int32{'s', 't'}, corpus.Val)
	assert.Equal(t, corpus.Tokens, append(append([]int32(nil), corpus.Train...), corpus.Val...))
}

func TestLoadCorpus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.txt")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("xyz", 10)), 0o644))
	corpus, err := LoadCorpus(path, bytesEncoder{})
	require.NoError(t, err)
	assert.Len(t, corpus.Tokens, 30)

	_, err = LoadCorpus(filepath.Join(t.TempDir(), "missing.txt"), bytesEncoder{})
	assert.Error(t, err)
}

func TestRandomLoaderTargetsAreShifted(t *testing.T) {
	tokens := make([]int32, 50)
	for i := range tokens {
		tokens[i] = int32(i)
	}
	loader, err := NewRandomLoader(tokens, 4, 8, rand.New(rand.NewPCG(1, 2)))
	require.NoError(t, err)

	for step := 0; step < 20; step++ {
		batch, err := loader.NextBatch()
		require.NoError(t, err)
		assert.Equal(t, 4, batch.B)
		assert.Equal(t, 8, batch.T)
		require.Len(t, batch.Inputs, 32)
		require.Len(t, batch.Targets, 32)
		for b := 0; b < batch.B; b++ {
			row := batch.Inputs[b*8 : (b+1)*8]
			targets := batch.Targets[b*8 : (b+1)*8]
			for i := range row {
				// tokens are their own positions, so the window is contiguous
				assert.Equal(t, row[0]+int32(i), row[i])
				assert.Equal(t, row[i]+1, targets[i])
			}
			assert.LessOrEqual(t, targets[7], int32(49))
		}
	}
}

func TestRandomLoaderSmallestData(t *testing.T) {
	loader, err := NewRandomLoader([]int32{5, 6, 7}, 2, 2, rand.New(rand.NewPCG(3, 4)))
	require.NoError(t, err)
	batch, err := loader.NextBatch()
	require.NoError(t, err)
	assert.Equal(t, []int32{5, 6, 5, 6}, batch.Inputs)
	assert.Equal(t, []int32{6, 7, 6, 7}, batch.Targets)
}

func TestNewRandomLoaderErrors(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	tests := []struct {
		name      string
		data      []int32
		batchSize int
		seqLength int
	}{
		{"too small", []int32{1, 2, 3}, 1, 3},
		{"empty", nil, 1, 1},
		{"zero batch", []int32{1, 2, 3}, 0, 1},
		{"zero length", []int32{1, 2, 3}, 1, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewRandomLoader(tc.data, tc.batchSize, tc.seqLength, rng)
			assert.Error(t, err)
		})
	}
}
