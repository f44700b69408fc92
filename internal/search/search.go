package search

// RecordKind identifies the kind of context an indexed record came
// from.
type RecordKind string

const (
	KindDomain  RecordKind = "domain"
	KindGlobal  RecordKind = "global"
	KindInsight RecordKind = "insight"
)

// Record is the flattened context entry we index.
type Record struct {
	ID         string `json:"id"`
	ProjectID  string `json:"projectId"`
	Kind       string `json:"kind"`
	DomainType string `json:"domainType,omitempty"`
	Title      string `json:"title"`
	Body       string `json:"body"`
}

// Query describes a context search request.
type Query struct {
	Text       string
	ProjectID  string
	DomainType string // empty = all domains
	Kind       RecordKind
	Limit      int
}

// Hit is a single search result.
type Hit struct {
	ID         string  `json:"id"`
	ProjectID  string  `json:"projectId"`
	Kind       string  `json:"kind"`
	DomainType string  `json:"domainType,omitempty"`
	Title      string  `json:"title"`
	Snippet    string  `json:"snippet"`
	Score      float64 `json:"score"`
}

// Searcher can execute a context search.
type Searcher interface {
	Search(q Query) ([]Hit, error)
	Healthy() bool
}
