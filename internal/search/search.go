package search

import "context"

// Result is a single comment hit.
type Result struct {
	CommentID     string `json:"commentId"`
	ThreadID      string `json:"threadId"`
	VersionID     string `json:"versionId"`
	DeliverableID string `json:"deliverableId"`
	Snippet       string `json:"snippet"`
	Author        string `json:"author"`
}

// Query is always scoped to one project.
type Query struct {
	ProjectID string
	Text      string
	Limit     int
	Offset    int
}

type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push comments into a search index.
type Indexer interface {
	IndexComments(ctx context.Context, records []CommentRecord) error
}

// CommentRecord is the data indexed for one review comment.
type CommentRecord struct {
	ID            string `json:"id"`
	Body          string `json:"body"`
	Author        string `json:"author"`
	ThreadID      string `json:"threadId"`
	VersionID     string `json:"versionId"`
	DeliverableID string `json:"deliverableId"`
	ProjectID     string `json:"projectId"`
	CreatedAt     int64  `json:"createdAt"`
}

func normalizeQuery(q Query) Query {
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = 20
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}
