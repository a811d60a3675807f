// Package search provides full-text search over the review queue, backed
// by Meilisearch with a PostgreSQL FTS fallback.
package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	Title     string `json:"title"`
	Snippet   string `json:"snippet"`
	ProjectID string `json:"projectId,omitempty"`
}

// Query describes a search request over the review queue.
type Query struct {
	Text            string
	FilterType      string // empty = all types
	FilterProjectID string
	Limit           int
	Offset          int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// SuggestionRecord is the data we index per suggestion.
type SuggestionRecord struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Reasoning string `json:"reasoning"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	ProjectID string `json:"projectId"`
}
