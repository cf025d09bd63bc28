package caffeio

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/pkoukk/tiktoken-go"

	"github.com/born-ml/caffe/internal/tensor"
)

// DefaultEncoding is the BPE encoding used when none is named.
const DefaultEncoding = "cl100k_base"

// Vocabulary sizes, used as the input_dim of an Embed layer.
var vocabSizes = map[string]int{
	"cl100k_base": 100277,
	"p50k_base":   50281,
	"r50k_base":   50257,
}

var encodings sync.Map // name -> *tiktoken.Tiktoken

func encoding(name string) (*tiktoken.Tiktoken, error) {
	if name == "" {
		name = DefaultEncoding
	}
	if enc, ok := encodings.Load(name); ok {
		return enc.(*tiktoken.Tiktoken), nil
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load tiktoken encoding %q", name)
	}
	actual, _ := encodings.LoadOrStore(name, enc)
	return actual.(*tiktoken.Tiktoken), nil
}

// TokenIDs encodes text with the named BPE encoding. The ids are returned
// as float32 values, the form Embed layers read.
func TokenIDs(text, encodingName string) ([]float32, error) {
	enc, err := encoding(encodingName)
	if err != nil {
		return nil, err
	}
	tokens := enc.Encode(text, nil, nil)
	out := make([]float32, len(tokens))
	for i, tok := range tokens {
		out[i] = float32(tok)
	}
	return out, nil
}

// TokenBlob encodes text into a blob of shape {tokens}.
func TokenBlob(name, text, encodingName string) (*tensor.Blob, error) {
	ids, err := TokenIDs(text, encodingName)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, errors.Errorf("text encodes to no tokens")
	}
	return tensor.FromSlice(name, ids, tensor.Shape{len(ids)})
}

// DecodeTokens turns ids back into text.
func DecodeTokens(ids []float32, encodingName string) (string, error) {
	enc, err := encoding(encodingName)
	if err != nil {
		return "", err
	}
	tokens := make([]int, len(ids))
	for i, v := range ids {
		tokens[i] = int(v)
	}
	return enc.Decode(tokens), nil
}

// VocabSize returns the number of ids the named encoding can produce.
func VocabSize(encodingName string) (int, error) {
	if encodingName == "" {
		encodingName = DefaultEncoding
	}
	n, ok := vocabSizes[encodingName]
	if !ok {
		return 0, errors.Errorf("unknown encoding %q", encodingName)
	}
	return n, nil
}
