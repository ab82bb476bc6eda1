package source

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360studio/swarmrun/contextcache"
	"github.com/c360studio/swarmrun/ident"
)

// DefaultFetchParallelism bounds concurrent source fetches.
const DefaultFetchParallelism = 4

// Document is one fetched source rendered for agent context.
type Document struct {
	URL       string    `json:"url"`
	Title     string    `json:"title,omitempty"`
	Markdown  string    `json:"markdown"`
	FetchedAt time.Time `json:"fetched_at"`
}

// ContentFetcher retrieves raw page bytes. *Fetcher satisfies it.
type ContentFetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

// Enricher turns intake source URLs into markdown context documents,
// memoized through the context cache so repeated phases reuse fetches.
type Enricher struct {
	fetcher   ContentFetcher
	converter *Converter
	cache     *contextcache.Cache
	parallel  int
	logger    *slog.Logger
}

// EnricherOption configures an Enricher.
type EnricherOption func(*Enricher)

// WithFetchParallelism bounds concurrent fetches.
func WithFetchParallelism(n int) EnricherOption {
	return func(e *Enricher) {
		if n > 0 {
			e.parallel = n
		}
	}
}

// WithEnricherLogger sets the logger.
func WithEnricherLogger(logger *slog.Logger) EnricherOption {
	return func(e *Enricher) { e.logger = logger }
}

// NewEnricher creates an enricher over the given fetcher and cache.
func NewEnricher(fetcher ContentFetcher, cache *contextcache.Cache, opts ...EnricherOption) *Enricher {
	e := &Enricher{
		fetcher:   fetcher,
		converter: NewConverter(),
		cache:     cache,
		parallel:  DefaultFetchParallelism,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enrich fetches each URL and returns the documents in input order.
// Individual fetch failures are logged and skipped; the run proceeds with
// whatever context is available.
func (e *Enricher) Enrich(ctx context.Context, urls []string) []*Document {
	docs := make([]*Document, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallel)

	for i, rawURL := range urls {
		g.Go(func() error {
			doc, err := e.fetchOne(gctx, rawURL)
			if err != nil {
				e.logger.Warn("source fetch failed", "url", rawURL, "error", err)
				return nil
			}
			docs[i] = doc
			return nil
		})
	}
	_ = g.Wait()

	out := make([]*Document, 0, len(urls))
	for _, doc := range docs {
		if doc != nil {
			out = append(out, doc)
		}
	}
	return out
}

func (e *Enricher) fetchOne(ctx context.Context, rawURL string) (*Document, error) {
	key := "source:" + ident.HashBytes([]byte(rawURL))
	value, _, err := e.cache.GetOrCompute(ctx, key, func(ctx context.Context) (any, error) {
		body, err := e.fetcher.Fetch(ctx, rawURL)
		if err != nil {
			return nil, err
		}
		title, markdown, err := e.converter.Convert(body, rawURL)
		if err != nil {
			return nil, err
		}
		return &Document{
			URL:       rawURL,
			Title:     title,
			Markdown:  markdown,
			FetchedAt: time.Now().UTC(),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	doc, ok := value.(*Document)
	if !ok {
		return nil, fmt.Errorf("unexpected cache value for %s", rawURL)
	}
	return doc, nil
}
