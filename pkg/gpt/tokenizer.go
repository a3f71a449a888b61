package gpt

import (
	"fmt"
	"strings"
)

// ByteVocabSize is the vocabulary of the byte tokenizer: every byte value.
const ByteVocabSize = 256

// Tokenizer is an interface for tokenizing text.
type Tokenizer interface {
	Decode(tokens []int32) (string, error)
	Encode(text string) ([]int32, error)
	VocabSize() int
}

// ByteTokenizer encodes text as its UTF-8 bytes, one token per byte.
type ByteTokenizer struct{}

// Encode encodes a string into a sequence of tokens.
func (ByteTokenizer) Encode(text string) ([]int32, error) {
	tokens := make([]int32, len(text))
	for i := 0; i < len(text); i++ {
		tokens[i] = int32(text[i])
	}
	return tokens, nil
}

// Decode decodes a sequence of tokens into a string.
//
// A byte-level model can emit byte sequences that are not valid UTF-8;
// those bytes are dropped rather than reported.
func (ByteTokenizer) Decode(tokens []int32) (string, error) {
	buf := make([]byte, len(tokens))
	for i, token := range tokens {
		if token < 0 || token >= ByteVocabSize {
			return "", fmt.Errorf("%w: %d is not a byte", ErrTokenRange, token)
		}
		buf[i] = byte(token)
	}
	return strings.ToValidUTF8(string(buf), ""), nil
}

// VocabSize returns 256.
func (ByteTokenizer) VocabSize() int {
	return ByteVocabSize
}
