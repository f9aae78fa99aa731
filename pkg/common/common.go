package common

import (
	"sort"
	"strings"
)

// Graph represents a point-in-time view of the knowledge graph: entities,
// the relationships connecting them, and the chunks that provide provenance.
//
// Snapshots returned by a GraphStore are detached copies; mutating one never
// affects the underlying store.
type Graph struct {
	Entities      []Entity       `json:"entities"`
	Relationships []Relationship `json:"relationships"`
	Chunks        []Chunk        `json:"chunks"`
}

// Chunk is a contiguous segment of document text. Chunks are immutable once
// created; their ID is derived from the content hash and ordinal so that
// re-ingesting identical text produces identical chunks.
type Chunk struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	Ordinal    int    `json:"ordinal"`
	Text       string `json:"text"`
	TokenCount int    `json:"token_count"`
}

// Entity is a node in the knowledge graph. Its identity is the normalized
// (name, type) pair; merges union source chunk IDs and append descriptions,
// they never overwrite destructively.
type Entity struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Description string   `json:"description"`
	ChunkIDs    []string `json:"chunk_ids"`
	Degree      int      `json:"degree"`
}

// Key returns the entity's identity key.
func (e Entity) Key() string {
	return EntityKey(e.Name, e.Type)
}

// EntityKey normalizes a name/type pair into the identity key used for
// merging. Case and surrounding whitespace are not identity-bearing.
func EntityKey(name, typ string) string {
	n := strings.ToUpper(strings.Join(strings.Fields(name), " "))
	t := strings.ToUpper(strings.TrimSpace(typ))
	return n + "\x1f" + t
}

// Relationship is an edge between two entities, identified by its endpoint
// keys. Weight accumulates across merges according to the configured
// WeightMode.
type Relationship struct {
	ID          string   `json:"id"`
	SourceKey   string   `json:"source_key"`
	TargetKey   string   `json:"target_key"`
	Description string   `json:"description"`
	Weight      float64  `json:"weight"`
	ChunkIDs    []string `json:"chunk_ids"`
}

// Key returns the relationship's identity key. Endpoints are ordered so that
// A->B and B->A collapse to the same undirected edge.
func (r Relationship) Key() string {
	a, b := r.SourceKey, r.TargetKey
	if a > b {
		a, b = b, a
	}
	return a + "\x1e" + b
}

// Community is a cluster of entities produced by a detection run. Communities
// are replaced wholesale per run, never partially mutated.
type Community struct {
	ID         string   `json:"id"`
	Level      int      `json:"level"`
	ParentID   string   `json:"parent_id,omitempty"`
	EntityKeys []string `json:"entity_keys"`
	Summary    string   `json:"summary"`
	Rank       float64  `json:"rank"`
}

// WeightMode selects how relationship weights accumulate across merges.
type WeightMode int

const (
	// WeightSum adds the weights of merged relationships.
	WeightSum WeightMode = iota
	// WeightMax keeps the largest weight seen.
	WeightMax
)

// UnionChunkIDs merges two chunk ID sets, preserving set semantics and
// returning a sorted slice so merge order does not affect the result.
func UnionChunkIDs(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, ids := range [][]string{a, b} {
		for _, id := range ids {
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
