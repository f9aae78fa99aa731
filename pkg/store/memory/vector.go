package memory

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/lattix-ai/lattix/pkg/common"
)

// VectorStore is an in-process vector index using exact cosine similarity.
type VectorStore struct {
	mu         sync.RWMutex
	path       string
	maxRecords int
	records    map[string]common.VectorRecord
}

// VectorParams configures a VectorStore. Path enables JSON persistence;
// MaxRecords caps capacity (zero means unlimited).
type VectorParams struct {
	Path       string
	MaxRecords int
}

// NewVectorStore creates an empty in-memory vector store.
func NewVectorStore(params VectorParams) *VectorStore {
	return &VectorStore{
		path:       params.Path,
		maxRecords: params.MaxRecords,
		records:    make(map[string]common.VectorRecord),
	}
}

// Upsert inserts or replaces records by ID.
func (s *VectorStore) Upsert(ctx context.Context, records []common.VectorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, r := range records {
		if _, ok := s.records[r.ID]; !ok {
			added++
		}
	}
	if s.maxRecords > 0 && len(s.records)+added > s.maxRecords {
		return &common.CapacityExceededError{Store: "memory-vector", Limit: s.maxRecords}
	}

	for _, r := range records {
		s.records[r.ID] = cloneRecord(r)
	}
	return nil
}

// Get returns the record with the given ID, if present.
func (s *VectorStore) Get(ctx context.Context, id string) (common.VectorRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return common.VectorRecord{}, false, nil
	}
	return cloneRecord(r), true, nil
}

// QuerySimilar returns up to k records with cosine similarity >= minScore,
// most similar first. Ties break on ID so results are deterministic.
func (s *VectorStore) QuerySimilar(ctx context.Context, embedding []float32, k int, minScore float64) ([]common.SimilarityMatch, error) {
	if k <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	matches := make([]common.SimilarityMatch, 0, len(s.records))
	for _, r := range s.records {
		score := cosineSimilarity(embedding, r.Embedding)
		if score < minScore {
			continue
		}
		matches = append(matches, common.SimilarityMatch{VectorRecord: cloneRecord(r), Score: score})
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Delete removes the given IDs. Missing IDs are ignored.
func (s *VectorStore) Delete(ctx context.Context, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.records, id)
	}
	return nil
}

// Persist writes the store to its configured file.
func (s *VectorStore) Persist(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return saveJSON(s.path, s.records)
}

// Load replaces the store contents from its configured file.
func (s *VectorStore) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	loaded := make(map[string]common.VectorRecord)
	if err := loadJSON(s.path, &loaded); err != nil {
		return err
	}
	if len(loaded) > 0 {
		s.records = loaded
	}
	return nil
}

func cloneRecord(r common.VectorRecord) common.VectorRecord {
	out := r
	out.Embedding = append([]float32(nil), r.Embedding...)
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
