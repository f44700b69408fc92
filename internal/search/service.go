package search

import (
	"context"
	"log"
)

// Service is the facade over the search backends. Meilisearch is
// tried first when healthy; the vector store serves semantic queries
// and acts as the fallback when Meilisearch is down. Either backend
// may be nil.
type Service struct {
	meili  *Meili
	vector *Vector
}

// NewService creates the search facade.
func NewService(meili *Meili, vector *Vector) *Service {
	return &Service{meili: meili, vector: vector}
}

// Enabled reports whether any backend is configured.
func (s *Service) Enabled() bool {
	return s.meili != nil || s.vector != nil
}

// Healthy reports whether at least one backend can serve queries.
func (s *Service) Healthy() bool {
	if s.meili != nil && s.meili.Healthy() {
		return true
	}
	return s.vector != nil
}

// Search runs the query against the best available backend. A failed
// Meilisearch query falls through to the vector store.
func (s *Service) Search(ctx context.Context, q Query) []Hit {
	if s.meili != nil && s.meili.Healthy() {
		hits, err := s.meili.Search(q)
		if err == nil {
			return nonNil(hits)
		}
		log.Printf("search: meilisearch error, falling back to vector store: %v", err)
	}

	if s.vector != nil {
		hits, err := s.vector.Search(ctx, q)
		if err == nil {
			return nonNil(hits)
		}
		log.Printf("search: vector store error: %v", err)
	}
	return []Hit{}
}

// Semantic runs the query against the vector store only.
func (s *Service) Semantic(ctx context.Context, q Query) []Hit {
	if s.vector == nil {
		return []Hit{}
	}
	hits, err := s.vector.Search(ctx, q)
	if err != nil {
		log.Printf("search: vector store error: %v", err)
		return []Hit{}
	}
	return nonNil(hits)
}

// IndexRecord pushes a record to both backends, fire-and-forget.
func (s *Service) IndexRecord(r Record) {
	if s.meili != nil && s.meili.Healthy() {
		go func() {
			if err := s.meili.IndexRecord(r); err != nil {
				log.Printf("search: index record %s: %v", r.ID, err)
			}
		}()
	}
	if s.vector != nil {
		go func() {
			if err := s.vector.IndexRecord(context.Background(), r); err != nil {
				log.Printf("search: embed record %s: %v", r.ID, err)
			}
		}()
	}
}

// DeleteRecord removes a record from both backends, fire-and-forget.
func (s *Service) DeleteRecord(id string) {
	if s.meili != nil && s.meili.Healthy() {
		go func() {
			if err := s.meili.DeleteRecord(id); err != nil {
				log.Printf("search: delete record %s: %v", id, err)
			}
		}()
	}
	if s.vector != nil {
		go func() {
			if err := s.vector.Delete(context.Background(), id); err != nil {
				log.Printf("search: delete embedded record %s: %v", id, err)
			}
		}()
	}
}

// ReindexAll bulk-loads records into Meilisearch, typically at boot.
func (s *Service) ReindexAll(records []Record) {
	if s.meili == nil || !s.meili.Healthy() || len(records) == 0 {
		return
	}
	if err := s.meili.IndexRecords(records); err != nil {
		log.Printf("search: reindex: %v", err)
	}
}

func nonNil(hits []Hit) []Hit {
	if hits == nil {
		return []Hit{}
	}
	return hits
}
