package embeddings

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"unicode"
)

// Fake is a deterministic in-process Provider. Each text maps to an
// L2-normalized hashed bag of words, so texts sharing words land close
// together. SetError makes subsequent calls fail.
type Fake struct {
	dim int

	mu    sync.Mutex
	err   error
	calls int
}

// NewFake returns a Fake producing dim-dimensional vectors.
func NewFake(dim int) *Fake {
	return &Fake{dim: dim}
}

// SetError makes every later call return err. Pass nil to recover.
func (f *Fake) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Calls returns how many embed calls were made.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *Fake) begin(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	return ctx.Err()
}

// EmbedDocuments embeds each text.
func (f *Fake) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if err := f.begin(ctx); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vector(t)
	}
	return out, nil
}

// EmbedQuery embeds text.
func (f *Fake) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := f.begin(ctx); err != nil {
		return nil, err
	}
	return f.vector(text), nil
}

// Dimension returns the vector dimension.
func (f *Fake) Dimension() int {
	return f.dim
}

// Close is a no-op.
func (f *Fake) Close() error {
	return nil
}

func (f *Fake) vector(text string) []float32 {
	v := make([]float32, f.dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		v[h.Sum32()%uint32(f.dim)]++
	}

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		v[0] = 1
		return v
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= inv
	}
	return v
}
