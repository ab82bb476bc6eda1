package source

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/swarmrun/contextcache"
)

type stubFetcher struct {
	mu    sync.Mutex
	calls map[string]int
	pages map[string]string
}

func (s *stubFetcher) Fetch(_ context.Context, rawURL string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[rawURL]++
	page, ok := s.pages[rawURL]
	if !ok {
		return nil, errors.New("not found")
	}
	return []byte(page), nil
}

func page(title, body string) string {
	return "<html><head><title>" + title + "</title></head><body><article><h1>" +
		title + "</h1><p>" + body + "</p></article></body></html>"
}

func TestEnrichOrderAndContent(t *testing.T) {
	fetcher := &stubFetcher{pages: map[string]string{
		"https://example.com/a": page("Alpha", "First source document with enough text to extract cleanly from the page."),
		"https://example.com/b": page("Beta", "Second source document with enough text to extract cleanly from the page."),
	}}
	e := NewEnricher(fetcher, contextcache.New(0))

	docs := e.Enrich(context.Background(),
		[]string{"https://example.com/a", "https://example.com/b"})
	require.Len(t, docs, 2)
	assert.Equal(t, "Alpha", docs[0].Title)
	assert.Equal(t, "Beta", docs[1].Title)
	assert.Contains(t, docs[0].Markdown, "First source document")
}

func TestEnrichSkipsFailures(t *testing.T) {
	fetcher := &stubFetcher{pages: map[string]string{
		"https://example.com/ok": page("OK", "The only reachable source keeps the run going without the broken one."),
	}}
	e := NewEnricher(fetcher, contextcache.New(0))

	docs := e.Enrich(context.Background(),
		[]string{"https://example.com/broken", "https://example.com/ok"})
	require.Len(t, docs, 1)
	assert.Equal(t, "OK", docs[0].Title)
}

func TestEnrichCachesFetches(t *testing.T) {
	fetcher := &stubFetcher{pages: map[string]string{
		"https://example.com/a": page("Alpha", "Cached source document fetched once and reused across phases."),
	}}
	e := NewEnricher(fetcher, contextcache.New(0))

	for i := 0; i < 3; i++ {
		docs := e.Enrich(context.Background(), []string{"https://example.com/a"})
		require.Len(t, docs, 1)
	}
	assert.Equal(t, 1, fetcher.calls["https://example.com/a"])
}
