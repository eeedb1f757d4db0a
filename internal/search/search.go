package search

// Result is a single search hit returned to the caller.
type Result struct {
	EntryID       int64   `json:"id"`
	Snippet       string  `json:"snippet"`
	Text          string  `json:"text"`
	CompetencyIDs []int64 `json:"competencies"`
}

// Query describes a search request. OwnerEmail scopes every query to the
// caller's own entries.
type Query struct {
	Text       string
	OwnerEmail string
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over entries.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entries into a search index.
type Indexer interface {
	IndexEntry(record EntryRecord) error
	DeleteEntry(id int64) error
}

// EntryRecord is the data we index for an entry.
type EntryRecord struct {
	ID            string  `json:"id"`
	UserEmail     string  `json:"userEmail"`
	Text          string  `json:"text"`
	CompetencyIDs []int64 `json:"competencyIds"`
	CreatedAt     int64   `json:"createdAt"`
}
