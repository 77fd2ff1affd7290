package kb

// Article is one knowledge base search result. Transient: produced by the
// resolver for a single turn and never persisted.
type Article struct {
	ID             string
	Title          string
	ContentSnippet string
	RelevanceScore float64
	SourceQuery    string
}
