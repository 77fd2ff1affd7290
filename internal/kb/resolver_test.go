package kb

import (
	"context"
	"testing"
	"time"

	"github.com/kpalumbo/helpline/internal/config"
	"github.com/kpalumbo/helpline/internal/fault"
	"github.com/kpalumbo/helpline/internal/reliability"
)

type fakeProvider struct {
	calls    int
	articles []Article
	err      error
}

func (f *fakeProvider) Search(_ context.Context, query string, _ int) ([]Article, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]Article, len(f.articles))
	copy(out, f.articles)
	for i := range out {
		out[i].SourceQuery = query
	}
	return out, nil
}

func testInvoker() *reliability.Invoker {
	inv := reliability.NewInvoker(nil)
	inv.Register("kb", config.RetryPolicy{
		MaxAttempts:          3,
		BaseBackoff:          time.Millisecond,
		BackoffMultiplier:    2,
		MaxConcurrent:        4,
		CircuitOpenThreshold: 3,
		CircuitCooldown:      time.Second,
		QueueWait:            10 * time.Millisecond,
	})
	return inv
}

func TestResolveRanksAndMatches(t *testing.T) {
	provider := &fakeProvider{articles: []Article{
		{ID: "1", Title: "long", ContentSnippet: "a much longer article body", RelevanceScore: 0.8},
		{ID: "2", Title: "short", ContentSnippet: "short body", RelevanceScore: 0.8},
		{ID: "3", Title: "top", ContentSnippet: "reset steps", RelevanceScore: 0.95},
	}}
	r := NewResolver(provider, testInvoker(), nil, ResolverConfig{MatchFloor: 0.6, CacheTTL: time.Minute})

	res, err := r.Resolve(context.Background(), "password reset")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !res.Match {
		t.Fatalf("expected a match above the floor")
	}
	if res.Articles[0].ID != "3" {
		t.Fatalf("top article = %s, want highest relevance", res.Articles[0].ID)
	}
	if res.Articles[1].ID != "2" {
		t.Fatalf("tie should break toward shorter content, got %s", res.Articles[1].ID)
	}
}

func TestResolveBelowFloorIsNoMatch(t *testing.T) {
	provider := &fakeProvider{articles: []Article{
		{ID: "1", Title: "weak", ContentSnippet: "weak", RelevanceScore: 0.3},
	}}
	r := NewResolver(provider, testInvoker(), nil, ResolverConfig{MatchFloor: 0.6, CacheTTL: time.Minute})

	res, err := r.Resolve(context.Background(), "obscure issue")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Match {
		t.Fatalf("sub-floor top article must not count as a match")
	}
	if len(res.Articles) != 1 {
		t.Fatalf("articles should still be returned, got %d", len(res.Articles))
	}
}

func TestResolveCachesNormalizedQueries(t *testing.T) {
	provider := &fakeProvider{articles: []Article{
		{ID: "1", Title: "t", ContentSnippet: "c", RelevanceScore: 0.9},
	}}
	r := NewResolver(provider, testInvoker(), nil, ResolverConfig{MatchFloor: 0.6, CacheTTL: time.Minute})

	if _, err := r.Resolve(context.Background(), "Password  Reset"); err != nil {
		t.Fatalf("first Resolve() error = %v", err)
	}
	if _, err := r.Resolve(context.Background(), "password reset "); err != nil {
		t.Fatalf("second Resolve() error = %v", err)
	}
	if provider.calls != 1 {
		t.Fatalf("provider calls = %d, want 1 (second hit served from cache)", provider.calls)
	}
}

func TestResolveCacheExpires(t *testing.T) {
	provider := &fakeProvider{articles: []Article{
		{ID: "1", Title: "t", ContentSnippet: "c", RelevanceScore: 0.9},
	}}
	r := NewResolver(provider, testInvoker(), nil, ResolverConfig{MatchFloor: 0.6, CacheTTL: 20 * time.Millisecond})

	if _, err := r.Resolve(context.Background(), "billing"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if _, err := r.Resolve(context.Background(), "billing"); err != nil {
		t.Fatalf("Resolve() after TTL error = %v", err)
	}
	if provider.calls != 2 {
		t.Fatalf("provider calls = %d, want 2 after TTL expiry", provider.calls)
	}
}

func TestResolveFailureSurfacesKBUnavailable(t *testing.T) {
	provider := &fakeProvider{err: &reliability.StatusError{Provider: "kb", Code: 503}}
	r := NewResolver(provider, testInvoker(), nil, ResolverConfig{MatchFloor: 0.6, CacheTTL: time.Minute})

	res, err := r.Resolve(context.Background(), "anything")
	if fault.KindOf(err) != fault.KindKBUnavailable {
		t.Fatalf("kind = %q, want kb_unavailable", fault.KindOf(err))
	}
	if len(res.Articles) != 0 || res.Match {
		t.Fatalf("failed resolve must return an empty, non-matching result")
	}
	if provider.calls != 3 {
		t.Fatalf("provider calls = %d, want maxAttempts (3)", provider.calls)
	}
}

func TestResolveEmptyQuery(t *testing.T) {
	provider := &fakeProvider{}
	r := NewResolver(provider, testInvoker(), nil, ResolverConfig{MatchFloor: 0.6, CacheTTL: time.Minute})

	res, err := r.Resolve(context.Background(), "   ")
	if err != nil || res.Match || len(res.Articles) != 0 {
		t.Fatalf("blank query should resolve to nothing, got %+v err=%v", res, err)
	}
	if provider.calls != 0 {
		t.Fatalf("blank query must not reach the provider")
	}
}
