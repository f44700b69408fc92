package search

import (
	"context"
	"fmt"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

const vectorCollection = "ucl_contexts"

// Vector is the semantic search backend, a persistent chromem-go
// collection of embedded context records.
type Vector struct {
	mu         sync.RWMutex
	db         *chromem.DB
	collection *chromem.Collection
	embed      chromem.EmbeddingFunc
}

// NewVector opens (or creates) the persistent vector store at dir.
func NewVector(dir string, embed chromem.EmbeddingFunc) (*Vector, error) {
	db, err := chromem.NewPersistentDB(dir, true)
	if err != nil {
		return nil, fmt.Errorf("open vector store: %w", err)
	}
	collection, err := db.GetOrCreateCollection(vectorCollection, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("open vector collection: %w", err)
	}
	return &Vector{db: db, collection: collection, embed: embed}, nil
}

// IndexRecord embeds and stores one context record.
func (v *Vector) IndexRecord(ctx context.Context, r Record) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.collection.AddDocument(ctx, chromem.Document{
		ID:      r.ID,
		Content: r.Body,
		Metadata: map[string]string{
			"projectId":  r.ProjectID,
			"kind":       r.Kind,
			"domainType": r.DomainType,
			"title":      r.Title,
		},
	})
}

// Search embeds the query text and returns the closest records,
// filtered by project and optionally by domain or kind.
func (v *Vector) Search(ctx context.Context, q Query) ([]Hit, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	limit := q.Limit
	if limit == 0 {
		limit = 20
	}
	if count := v.collection.Count(); count < limit {
		limit = count
	}
	if limit == 0 {
		return nil, nil
	}

	where := map[string]string{}
	if q.ProjectID != "" {
		where["projectId"] = q.ProjectID
	}
	if q.DomainType != "" {
		where["domainType"] = q.DomainType
	}
	if q.Kind != "" {
		where["kind"] = string(q.Kind)
	}

	results, err := v.collection.Query(ctx, q.Text, limit, where, nil)
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, res := range results {
		hits = append(hits, Hit{
			ID:         res.ID,
			ProjectID:  res.Metadata["projectId"],
			Kind:       res.Metadata["kind"],
			DomainType: res.Metadata["domainType"],
			Title:      res.Metadata["title"],
			Snippet:    snippet(res.Content),
			Score:      float64(res.Similarity),
		})
	}
	return hits, nil
}

// Delete removes records by ID.
func (v *Vector) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.collection.Delete(ctx, nil, nil, ids...)
}

// Count reports the number of indexed records.
func (v *Vector) Count() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.collection.Count()
}

const maxSnippetLen = 280

func snippet(content string) string {
	if len(content) <= maxSnippetLen {
		return content
	}
	return content[:maxSnippetLen]
}
