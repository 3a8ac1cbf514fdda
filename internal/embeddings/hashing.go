package embeddings

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultHashingDims is the vector width of the hashing embedder.
const DefaultHashingDims = 512

// Hashing is an offline embedder using signed feature hashing over
// lower-cased words and adjacent word pairs. It needs no model server
// and is deterministic, which also makes it the embedder used in tests.
type Hashing struct {
	Dims int
}

// NewHashing returns a hashing embedder with dims buckets.
func NewHashing(dims int) *Hashing {
	if dims <= 0 {
		dims = DefaultHashingDims
	}
	return &Hashing{Dims: dims}
}

// Embed implements Embedder.
func (h *Hashing) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = h.vector(t)
	}
	return out, nil
}

func (h *Hashing) vector(text string) []float32 {
	dims := h.Dims
	if dims <= 0 {
		dims = DefaultHashingDims
	}
	v := make([]float32, dims)

	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for i, w := range words {
		h.add(v, w, 1)
		if i > 0 {
			h.add(v, words[i-1]+" "+w, 0.5)
		}
	}

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= scale
	}
	return v
}

func (h *Hashing) add(v []float32, feature string, weight float32) {
	f := fnv.New64a()
	f.Write([]byte(feature))
	sum := f.Sum64()
	idx := int(sum % uint64(len(v)))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	v[idx] += weight
}
