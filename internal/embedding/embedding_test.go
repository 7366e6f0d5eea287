package embedding

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		a, b     Vector
		expected float64
		delta    float64
	}{
		{"identical", Vector{1, 0, 0}, Vector{1, 0, 0}, 1.0, 0.001},
		{"orthogonal", Vector{1, 0, 0}, Vector{0, 1, 0}, 0.0, 0.001},
		{"opposite", Vector{1, 0, 0}, Vector{-1, 0, 0}, -1.0, 0.001},
		{"similar", Vector{1, 1, 0}, Vector{1, 0, 0}, 0.707, 0.01},
		{"empty", Vector{}, Vector{}, 0.0, 0.001},
		{"different lengths", Vector{1, 0}, Vector{1, 0, 0}, 0.0, 0.001},
		{"zero vector", Vector{0, 0, 0}, Vector{1, 0, 0}, 0.0, 0.001},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Similarity(tt.a, tt.b)
			if math.Abs(got-tt.expected) > tt.delta {
				t.Errorf("Similarity(%v, %v) = %f, want %f (±%f)", tt.a, tt.b, got, tt.expected, tt.delta)
			}
		})
	}
}

func TestHashProvider_Deterministic(t *testing.T) {
	ctx := context.Background()
	h := NewHashProvider(0)
	if h.Dims() != DefaultHashDims {
		t.Fatalf("expected %d dims, got %d", DefaultHashDims, h.Dims())
	}

	a, _ := h.Embed(ctx, "Took Aspirin 100mg")
	b, _ := NewHashProvider(0).Embed(ctx, "Took Aspirin 100mg")
	if len(a) != DefaultHashDims {
		t.Fatalf("expected %d dims, got %d", DefaultHashDims, len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("vectors differ at %d: %f vs %f", i, a[i], b[i])
		}
	}

	var norm float64
	for _, x := range a {
		norm += float64(x) * float64(x)
	}
	if math.Abs(math.Sqrt(norm)-1) > 1e-5 {
		t.Errorf("expected unit vector, got norm %f", math.Sqrt(norm))
	}
}

func TestHashProvider_EmptyTextIsZero(t *testing.T) {
	h := NewHashProvider(16)
	for _, text := range []string{"", "   ", "!!! ---"} {
		v, err := h.Embed(context.Background(), text)
		if err != nil {
			t.Fatalf("Embed(%q): %v", text, err)
		}
		if len(v) != 16 {
			t.Fatalf("Embed(%q): expected 16 dims, got %d", text, len(v))
		}
		for _, x := range v {
			if x != 0 {
				t.Fatalf("Embed(%q): expected zero vector, got %v", text, v)
			}
		}
	}
}

func TestHashProvider_LexicalOverlap(t *testing.T) {
	ctx := context.Background()
	h := NewHashProvider(0)
	doc, _ := h.Embed(ctx, "Took Aspirin 100mg")
	query, _ := h.Embed(ctx, "aspirin dosage")
	other, _ := h.Embed(ctx, "bought groceries at the market")

	if sim := Similarity(doc, query); sim <= 0.3 {
		t.Errorf("expected shared token to score above 0.3, got %f", sim)
	}
	if sim := Similarity(doc, other); sim >= 0.3 {
		t.Errorf("expected unrelated text to score below 0.3, got %f", sim)
	}
}

func TestTokenize(t *testing.T) {
	got := Tokenize("Took Aspirin-100mg, twice!")
	want := []string{"took", "aspirin", "100mg", "twice"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("Tokenize = %v, want %v", got, want)
	}
}

type stubProvider struct {
	dims  int
	err   error
	calls atomic.Int64
}

func (s *stubProvider) Embed(ctx context.Context, text string) (Vector, error) {
	vs, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vs[0], nil
}

func (s *stubProvider) EmbedBatch(_ context.Context, texts []string) ([]Vector, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	out := make([]Vector, len(texts))
	for i, t := range texts {
		v := make(Vector, s.dims)
		v[len(t)%s.dims] = 1
		out[i] = v
	}
	return out, nil
}

func (s *stubProvider) Dims() int      { return s.dims }
func (s *stubProvider) Name() string   { return "stub/test" }
func (s *stubProvider) Semantic() bool { return true }

func TestFallback_UsesHashOnFailure(t *testing.T) {
	f := NewFallback(&stubProvider{dims: 8, err: errors.New("model offline")}, nil)

	vs, name, err := f.EmbedBatchSourced(context.Background(), []string{"hello world"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if name != "hash" {
		t.Errorf("expected hash producer, got %q", name)
	}
	if len(vs) != 1 || len(vs[0]) != 8 {
		t.Fatalf("expected one 8-dim vector, got %v", vs)
	}
	if f.Name() != "stub/test" || !f.Semantic() {
		t.Errorf("fallback should report the primary's identity")
	}
}

func TestFallback_PrimarySuccess(t *testing.T) {
	f := NewFallback(&stubProvider{dims: 4}, nil)
	_, name, err := f.EmbedBatchSourced(context.Background(), []string{"abc"})
	if err != nil {
		t.Fatal(err)
	}
	if name != "stub/test" {
		t.Errorf("expected primary producer, got %q", name)
	}
}

func TestFallback_EmptyTextIsZero(t *testing.T) {
	stub := &stubProvider{dims: 8}
	c, err := NewCached(stub, 10, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	f := NewFallback(c, nil)
	ctx := context.Background()

	for _, text := range []string{"", "   ", "?!"} {
		v, err := f.Embed(ctx, text)
		if err != nil {
			t.Fatal(err)
		}
		if len(v) != 8 {
			t.Fatalf("%q: expected 8 dims, got %d", text, len(v))
		}
		for _, x := range v {
			if x != 0 {
				t.Fatalf("%q: expected zero vector, got %v", text, v)
			}
		}
	}
	if stub.calls.Load() != 0 {
		t.Errorf("token-less text reached the model %d times", stub.calls.Load())
	}

	v, name, err := EmbedDocument(ctx, f, "")
	if err != nil {
		t.Fatal(err)
	}
	if Similarity(v, v) != 0 || name != "stub/test" {
		t.Errorf("expected zero vector from EmbedDocument, got %v (%s)", v, name)
	}

	vs, _, err := f.EmbedBatchSourced(ctx, []string{"", "abc", " "})
	if err != nil {
		t.Fatal(err)
	}
	if stub.calls.Load() != 1 {
		t.Errorf("expected one model call for the mixed batch, got %d", stub.calls.Load())
	}
	if vs[0][0] != 0 || vs[2][0] != 0 || vs[1][3] != 1 {
		t.Errorf("mixed batch out of place: %v", vs)
	}
}

type closingProvider struct {
	stubProvider
	closed bool
}

func (c *closingProvider) Close() { c.closed = true }

func TestFallback_CloseForwards(t *testing.T) {
	p := &closingProvider{stubProvider: stubProvider{dims: 4}}
	NewFallback(p, nil).Close()
	if !p.closed {
		t.Error("expected primary to be closed")
	}
	NewFallback(&stubProvider{dims: 4}, nil).Close()
}

func TestCached_HitsSkipProvider(t *testing.T) {
	stub := &stubProvider{dims: 4}
	c, err := NewCached(stub, 100, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ctx := context.Background()
	first, err := c.Embed(ctx, "coffee")
	if err != nil {
		t.Fatal(err)
	}
	c.Wait()
	second, err := c.Embed(ctx, "coffee")
	if err != nil {
		t.Fatal(err)
	}

	if stub.calls.Load() != 1 {
		t.Errorf("expected 1 provider call, got %d", stub.calls.Load())
	}
	if Similarity(first, second) < 0.999 {
		t.Errorf("cached vector differs from original")
	}

	// Callers may mutate returned vectors without corrupting the cache.
	second[0] = 42
	third, _ := c.Embed(ctx, "coffee")
	if third[0] == 42 {
		t.Errorf("cache returned a shared slice")
	}
}

func TestCached_ErrorsNotCached(t *testing.T) {
	stub := &stubProvider{dims: 4, err: errors.New("down")}
	c, err := NewCached(stub, 10, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if _, err := c.Embed(context.Background(), "x"); err == nil {
		t.Fatal("expected error")
	}
	c.Wait()
	if _, err := c.Embed(context.Background(), "x"); err == nil {
		t.Fatal("expected error on retry")
	}
	if stub.calls.Load() != 2 {
		t.Errorf("expected 2 provider calls, got %d", stub.calls.Load())
	}
}

func TestEmbedDocument_LongText(t *testing.T) {
	h := NewHashProvider(32)
	text := strings.Repeat("Bought milk and bread at the corner store. ", 40)

	v, name, err := EmbedDocument(context.Background(), h, text)
	if err != nil {
		t.Fatal(err)
	}
	if name != "hash" {
		t.Errorf("expected hash producer, got %q", name)
	}
	if len(v) != 32 {
		t.Fatalf("expected 32 dims, got %d", len(v))
	}
	short, _ := h.Embed(context.Background(), "milk bread store")
	if Similarity(v, short) <= 0 {
		t.Errorf("expected chunk mean to stay close to its content")
	}
}

func TestNewProvider_DefaultsToHash(t *testing.T) {
	p := NewProvider(context.Background(), Config{}, nil)
	if p.Name() != "hash" || p.Semantic() {
		t.Errorf("expected hash provider, got %s", p.Name())
	}
	if p.Dims() != DefaultHashDims {
		t.Errorf("expected %d dims, got %d", DefaultHashDims, p.Dims())
	}
}

func TestNewProvider_UnreachableModelFallsBack(t *testing.T) {
	p := NewProvider(context.Background(), Config{
		Provider:     "ollama",
		Model:        "all-minilm",
		BaseURL:      "http://127.0.0.1:1",
		ProbeTimeout: 2 * time.Second,
	}, nil)
	if p.Name() != "hash" {
		t.Errorf("expected hash fallback, got %s", p.Name())
	}
}

func TestNewProvider_UnknownProvider(t *testing.T) {
	p := NewProvider(context.Background(), Config{Provider: "bogus", Dims: 64}, nil)
	if p.Name() != "hash" || p.Dims() != 64 {
		t.Errorf("expected 64-dim hash provider, got %s/%d", p.Name(), p.Dims())
	}
}
