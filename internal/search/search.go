// Package search provides full-text guide search backed by Meilisearch with a
// Postgres fallback.
package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID          string `json:"id"`
	GuideID     int64  `json:"guide_id"`
	Name        string `json:"name"`
	Snippet     string `json:"snippet"`
	Icon        string `json:"icon,omitempty"`
	StepCount   int    `json:"step_count"`
	Description string `json:"description,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// GuideRecord is the data we index for a guide.
type GuideRecord struct {
	ID          string `json:"id"`
	GuideID     int64  `json:"guide_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Icon        string `json:"icon"`
	StepNames   string `json:"step_names"`
	StepCount   int    `json:"step_count"`
}
