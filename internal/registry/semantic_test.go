package registry

import (
	"context"
	"testing"
)

type stubEmbedder struct {
	vectors map[string][]float64
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	return s.vectors[text], nil
}

func TestSemanticIndexKeywordFallbackWithoutEmbedder(t *testing.T) {
	idx := NewSemanticIndex(nil)
	idx.Index("fetch_page", "fetch a web page by url")
	idx.Index("run_python", "execute a python snippet")

	results := idx.Search(context.Background(), "fetch web page", 5)
	if len(results) == 0 || results[0] != "fetch_page" {
		t.Fatalf("expected fetch_page ranked first, got %v", results)
	}
}

func TestSemanticIndexCosineRank(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float64{
		"fetch a web page by url":    {1, 0, 0},
		"execute a python snippet":   {0, 1, 0},
		"fetch web content":          {1, 0, 0},
	}}
	idx := NewSemanticIndex(embedder)
	idx.Index("fetch_page", "fetch a web page by url")
	idx.Index("run_python", "execute a python snippet")

	results := idx.Search(context.Background(), "fetch web content", 1)
	if len(results) != 1 || results[0] != "fetch_page" {
		t.Fatalf("expected [fetch_page], got %v", results)
	}
}

func TestSemanticIndexFallsBackWhenNothingClearsFloor(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float64{
		"fetch a web page by url": {1, 0, 0},
		"totally unrelated query":  {0, 0, 1},
	}}
	idx := NewSemanticIndex(embedder)
	idx.Index("fetch_page", "fetch a web page by url")

	results := idx.Search(context.Background(), "totally unrelated query", 5)
	if len(results) != 0 {
		t.Fatalf("expected keyword fallback to find nothing, got %v", results)
	}
}

func TestCosineSimilarity(t *testing.T) {
	if sim := cosineSimilarity([]float64{1, 0}, []float64{1, 0}); sim != 1 {
		t.Errorf("expected identical vectors to have similarity 1, got %v", sim)
	}
	if sim := cosineSimilarity([]float64{1, 0}, []float64{0, 1}); sim != 0 {
		t.Errorf("expected orthogonal vectors to have similarity 0, got %v", sim)
	}
	if sim := cosineSimilarity(nil, []float64{1}); sim != 0 {
		t.Errorf("expected mismatched lengths to yield 0, got %v", sim)
	}
}
