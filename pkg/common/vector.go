package common

// VectorRecord is an embedded piece of text held by a vector store. Metadata
// carries small string attributes (document ID, kind) used for filtering and
// citation display.
type VectorRecord struct {
	ID        string            `json:"id"`
	Text      string            `json:"text"`
	Embedding []float32         `json:"embedding"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// SimilarityMatch is a vector search hit with its cosine similarity score in
// [-1, 1]; higher is more similar.
type SimilarityMatch struct {
	VectorRecord
	Score float64 `json:"score"`
}
