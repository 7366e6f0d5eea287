package embedding

import (
	"context"
	"crypto/sha256"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// DefaultHashDims matches all-MiniLM-L6-v2 so fallback vectors line up with
// the most common local model.
const DefaultHashDims = 384

// HashName is the provider name recorded for hash-produced vectors.
const HashName = "hash"

// HashProvider is the offline fallback. Each token is expanded into a
// pseudo-random unit vector by hashing "{token}:{offset}" with SHA-256; the
// token vectors are summed and normalized. Vectors are stable across runs and
// texts sharing words score above zero, but nothing here is semantic.
type HashProvider struct {
	dims int
}

var _ Provider = (*HashProvider)(nil)

// NewHashProvider creates a hash provider producing dims-length vectors.
func NewHashProvider(dims int) *HashProvider {
	if dims <= 0 {
		dims = DefaultHashDims
	}
	return &HashProvider{dims: dims}
}

func (h *HashProvider) Embed(_ context.Context, text string) (Vector, error) {
	return h.vector(text), nil
}

func (h *HashProvider) EmbedBatch(_ context.Context, texts []string) ([]Vector, error) {
	out := make([]Vector, len(texts))
	for i, t := range texts {
		out[i] = h.vector(t)
	}
	return out, nil
}

func (h *HashProvider) Dims() int      { return h.dims }
func (h *HashProvider) Name() string   { return HashName }
func (h *HashProvider) Semantic() bool { return false }

func (h *HashProvider) vector(text string) Vector {
	tokens := Tokenize(text)
	out := make(Vector, h.dims)
	if len(tokens) == 0 {
		return out
	}

	acc := make([]float64, h.dims)
	tok := make([]float64, h.dims)
	for _, t := range tokens {
		hashToken(t, tok)
		var sum float64
		for _, x := range tok {
			sum += x * x
		}
		if sum == 0 {
			continue
		}
		norm := math.Sqrt(sum)
		for i, x := range tok {
			acc[i] += x / norm
		}
	}

	var sum float64
	for _, x := range acc {
		sum += x * x
	}
	if sum == 0 {
		return out
	}
	norm := math.Sqrt(sum)
	for i, x := range acc {
		out[i] = float32(x / norm)
	}
	return out
}

// hashToken fills dst with digest bytes of "{token}:{offset}" mapped to [-1, 1].
func hashToken(token string, dst []float64) {
	n := 0
	for off := 0; n < len(dst); off += sha256.Size {
		sum := sha256.Sum256([]byte(token + ":" + strconv.Itoa(off)))
		for _, b := range sum {
			if n >= len(dst) {
				break
			}
			dst[n] = float64(b)/127.5 - 1.0
			n++
		}
	}
}

// Tokenize lowercases text and splits it on anything that is not a letter or
// a digit.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
