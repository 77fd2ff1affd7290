package kb

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/kpalumbo/helpline/internal/fault"
	"github.com/kpalumbo/helpline/internal/observability"
	"github.com/kpalumbo/helpline/internal/reliability"
)

const kbProvider = "kb"

// Resolver issues ranked knowledge base searches with response caching.
// A result only counts as a match when the top article clears the
// configured relevance floor.
type Resolver struct {
	provider   SearchProvider
	invoker    *reliability.Invoker
	cache      *responseCache
	metrics    *observability.Metrics
	matchFloor float64
	pageSize   int
}

type ResolverConfig struct {
	MatchFloor   float64
	PageSize     int
	CacheTTL     time.Duration
	CacheMaxSize int
}

func NewResolver(provider SearchProvider, invoker *reliability.Invoker, metrics *observability.Metrics, cfg ResolverConfig) *Resolver {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 5
	}
	return &Resolver{
		provider:   provider,
		invoker:    invoker,
		cache:      newResponseCache(cfg.CacheTTL, cfg.CacheMaxSize),
		metrics:    metrics,
		matchFloor: cfg.MatchFloor,
		pageSize:   pageSize,
	}
}

// Result is one resolution attempt: the ranked articles and whether the top
// article clears the floor.
type Result struct {
	Articles []Article
	Match    bool
}

// Resolve returns ranked articles for the query, most relevant first.
// Provider failure after exhausted retries is reported as KBUnavailable with
// an empty result; the caller maps that to escalation, not a dropped call.
func (r *Resolver) Resolve(ctx context.Context, queryText string) (Result, error) {
	normalized := normalizeQuery(queryText)
	if normalized == "" {
		return Result{}, nil
	}

	if articles, ok := r.cache.get(normalized); ok {
		r.countCache("hit")
		return r.resultFor(articles), nil
	}
	r.countCache("miss")

	var articles []Article
	err := r.invoker.Do(ctx, kbProvider, true, func(ctx context.Context) error {
		found, err := r.provider.Search(ctx, normalized, r.pageSize)
		if err != nil {
			return err
		}
		articles = found
		return nil
	})
	if err != nil {
		if r.metrics != nil {
			r.metrics.ProviderErrors.WithLabelValues(kbProvider, string(fault.KindOf(err))).Inc()
		}
		return Result{}, fault.New(fault.KindKBUnavailable, err)
	}

	rankArticles(articles)
	r.cache.put(normalized, articles)
	return r.resultFor(articles), nil
}

func (r *Resolver) resultFor(articles []Article) Result {
	res := Result{Articles: articles}
	if len(articles) > 0 && articles[0].RelevanceScore >= r.matchFloor {
		res.Match = true
	}
	return res
}

func (r *Resolver) countCache(event string) {
	if r.metrics != nil {
		r.metrics.KBCacheEvents.WithLabelValues(event).Inc()
	}
}

func normalizeQuery(q string) string {
	return strings.ToLower(strings.Join(strings.Fields(q), " "))
}

// rankArticles sorts by provider relevance, breaking ties toward shorter
// content since concise answers read better over the phone.
func rankArticles(articles []Article) {
	sort.SliceStable(articles, func(i, j int) bool {
		if articles[i].RelevanceScore != articles[j].RelevanceScore {
			return articles[i].RelevanceScore > articles[j].RelevanceScore
		}
		return len(articles[i].ContentSnippet) < len(articles[j].ContentSnippet)
	})
}
