package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/lattix-ai/lattix/pkg/common"
)

// GraphStore is an in-process knowledge graph keyed by entity and
// relationship identity keys.
type GraphStore struct {
	mu         sync.RWMutex
	path       string
	weightMode common.WeightMode
	maxRecords int

	entities      map[string]common.Entity       // identity key -> entity
	relationships map[string]common.Relationship // identity key -> relationship
	chunks        map[string]common.Chunk
	communities   []common.Community
}

// GraphParams configures a GraphStore. Path enables JSON persistence.
// MaxRecords caps the total of stored entities, relationships, and chunks
// (zero means unlimited).
type GraphParams struct {
	Path       string
	WeightMode common.WeightMode
	MaxRecords int
}

// NewGraphStore creates an empty in-memory graph store.
func NewGraphStore(params GraphParams) *GraphStore {
	return &GraphStore{
		path:          params.Path,
		weightMode:    params.WeightMode,
		maxRecords:    params.MaxRecords,
		entities:      make(map[string]common.Entity),
		relationships: make(map[string]common.Relationship),
		chunks:        make(map[string]common.Chunk),
	}
}

// checkCapacityLocked fails when adding the given number of new records
// would exceed the configured cap. Merges into existing keys never count.
func (s *GraphStore) checkCapacityLocked(adding int) error {
	if s.maxRecords <= 0 {
		return nil
	}
	total := len(s.entities) + len(s.relationships) + len(s.chunks)
	if total+adding > s.maxRecords {
		return &common.CapacityExceededError{Store: "memory-graph", Limit: s.maxRecords}
	}
	return nil
}

// UpsertEntities merges entities into the graph by identity key.
func (s *GraphStore) UpsertEntities(ctx context.Context, entities []common.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	newKeys := make(map[string]struct{})
	for _, e := range entities {
		if _, ok := s.entities[e.Key()]; !ok {
			newKeys[e.Key()] = struct{}{}
		}
	}
	if err := s.checkCapacityLocked(len(newKeys)); err != nil {
		return err
	}

	for _, e := range entities {
		s.upsertEntityLocked(e)
	}
	return nil
}

func (s *GraphStore) upsertEntityLocked(e common.Entity) {
	key := e.Key()
	if existing, ok := s.entities[key]; ok {
		s.entities[key] = common.MergeEntities(existing, e)
		return
	}
	e.Description = common.MergeDescriptions(e.Description, "")
	e.ChunkIDs = common.UnionChunkIDs(e.ChunkIDs, nil)
	s.entities[key] = e
}

// UpsertRelationships merges relationships into the graph by identity key.
// Missing endpoint entities are created as stubs so edges never dangle.
func (s *GraphStore) UpsertRelationships(ctx context.Context, relationships []common.Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	newEnts := make(map[string]struct{})
	newRels := make(map[string]struct{})
	for _, r := range relationships {
		for _, endpoint := range []string{r.SourceKey, r.TargetKey} {
			if _, ok := s.entities[endpoint]; !ok {
				newEnts[endpoint] = struct{}{}
			}
		}
		if _, ok := s.relationships[r.Key()]; !ok {
			newRels[r.Key()] = struct{}{}
		}
	}
	if err := s.checkCapacityLocked(len(newEnts) + len(newRels)); err != nil {
		return err
	}

	for _, r := range relationships {
		for _, endpoint := range []string{r.SourceKey, r.TargetKey} {
			if _, ok := s.entities[endpoint]; !ok {
				s.upsertEntityLocked(stubEntity(endpoint, r.ChunkIDs))
			}
		}
		key := r.Key()
		if existing, ok := s.relationships[key]; ok {
			s.relationships[key] = common.MergeRelationships(existing, r, s.weightMode)
			continue
		}
		r.Description = common.MergeDescriptions(r.Description, "")
		r.ChunkIDs = common.UnionChunkIDs(r.ChunkIDs, nil)
		s.relationships[key] = r
	}
	return nil
}

// stubEntity reconstructs a minimal entity from an identity key, used when a
// relationship references an entity the extractor never described.
func stubEntity(key string, chunkIDs []string) common.Entity {
	name, typ, _ := strings.Cut(key, "\x1f")
	return common.Entity{Name: name, Type: typ, ChunkIDs: chunkIDs}
}

// GetEntity returns the entity with the given identity key, if present.
func (s *GraphStore) GetEntity(ctx context.Context, key string) (common.Entity, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[key]
	if !ok {
		return common.Entity{}, false, nil
	}
	e.Degree = s.degreeLocked(key)
	return cloneEntity(e), true, nil
}

// GetRelationship returns the relationship with the given identity key, if
// present.
func (s *GraphStore) GetRelationship(ctx context.Context, key string) (common.Relationship, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.relationships[key]
	if !ok {
		return common.Relationship{}, false, nil
	}
	return cloneRelationship(r), true, nil
}

// Neighbors walks the graph breadth-first from key up to hops edges away and
// returns the visited entities and traversed relationships, excluding the
// origin.
func (s *GraphStore) Neighbors(ctx context.Context, key string, hops int) ([]common.Entity, []common.Relationship, error) {
	if hops <= 0 {
		return nil, nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.entities[key]; !ok {
		return nil, nil, nil
	}

	adjacency := make(map[string][]common.Relationship, len(s.entities))
	for _, r := range s.relationships {
		adjacency[r.SourceKey] = append(adjacency[r.SourceKey], r)
		adjacency[r.TargetKey] = append(adjacency[r.TargetKey], r)
	}

	visited := map[string]struct{}{key: {}}
	visitedRels := map[string]struct{}{}
	var entities []common.Entity
	var relationships []common.Relationship

	frontier := []string{key}
	for hop := 0; hop < hops && len(frontier) > 0; hop++ {
		var next []string
		for _, cur := range frontier {
			for _, r := range adjacency[cur] {
				rKey := r.Key()
				if _, seen := visitedRels[rKey]; !seen {
					visitedRels[rKey] = struct{}{}
					relationships = append(relationships, cloneRelationship(r))
				}
				other := r.TargetKey
				if other == cur {
					other = r.SourceKey
				}
				if _, seen := visited[other]; seen {
					continue
				}
				visited[other] = struct{}{}
				if e, ok := s.entities[other]; ok {
					e.Degree = s.degreeLocked(other)
					entities = append(entities, cloneEntity(e))
				}
				next = append(next, other)
			}
		}
		frontier = next
	}

	sort.Slice(entities, func(i, j int) bool { return entities[i].Key() < entities[j].Key() })
	sort.Slice(relationships, func(i, j int) bool { return relationships[i].Key() < relationships[j].Key() })
	return entities, relationships, nil
}

// SetEntityDescription overwrites an entity description in place.
func (s *GraphStore) SetEntityDescription(ctx context.Context, key, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[key]
	if !ok {
		return nil
	}
	e.Description = description
	s.entities[key] = e
	return nil
}

// SetRelationshipDescription overwrites a relationship description in place.
func (s *GraphStore) SetRelationshipDescription(ctx context.Context, key, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.relationships[key]
	if !ok {
		return nil
	}
	r.Description = description
	s.relationships[key] = r
	return nil
}

// Degree returns the number of relationships touching the entity.
func (s *GraphStore) Degree(ctx context.Context, key string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degreeLocked(key), nil
}

func (s *GraphStore) degreeLocked(key string) int {
	n := 0
	for _, r := range s.relationships {
		if r.SourceKey == key || r.TargetKey == key {
			n++
		}
	}
	return n
}

// Snapshot returns a detached copy of the graph, with entity degrees filled
// in and deterministic ordering.
func (s *GraphStore) Snapshot(ctx context.Context) (*common.Graph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g := &common.Graph{
		Entities:      make([]common.Entity, 0, len(s.entities)),
		Relationships: make([]common.Relationship, 0, len(s.relationships)),
		Chunks:        make([]common.Chunk, 0, len(s.chunks)),
	}
	for key, e := range s.entities {
		e.Degree = s.degreeLocked(key)
		g.Entities = append(g.Entities, cloneEntity(e))
	}
	for _, r := range s.relationships {
		g.Relationships = append(g.Relationships, cloneRelationship(r))
	}
	for _, c := range s.chunks {
		g.Chunks = append(g.Chunks, c)
	}

	sort.Slice(g.Entities, func(i, j int) bool { return g.Entities[i].Key() < g.Entities[j].Key() })
	sort.Slice(g.Relationships, func(i, j int) bool { return g.Relationships[i].Key() < g.Relationships[j].Key() })
	sort.Slice(g.Chunks, func(i, j int) bool { return g.Chunks[i].ID < g.Chunks[j].ID })
	return g, nil
}

// UpsertChunks inserts or replaces chunks by ID.
func (s *GraphStore) UpsertChunks(ctx context.Context, chunks []common.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	newIDs := make(map[string]struct{})
	for _, c := range chunks {
		if _, ok := s.chunks[c.ID]; !ok {
			newIDs[c.ID] = struct{}{}
		}
	}
	if err := s.checkCapacityLocked(len(newIDs)); err != nil {
		return err
	}

	for _, c := range chunks {
		s.chunks[c.ID] = c
	}
	return nil
}

// GetChunks returns the chunks with the given IDs, skipping missing ones.
func (s *GraphStore) GetChunks(ctx context.Context, ids []string) ([]common.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]common.Chunk, 0, len(ids))
	for _, id := range ids {
		if c, ok := s.chunks[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// RemoveChunk removes the chunk and strips it from entity and relationship
// provenance. Entities and relationships left without any source chunk are
// deleted.
func (s *GraphStore) RemoveChunk(ctx context.Context, chunkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.chunks, chunkID)

	for key, r := range s.relationships {
		r.ChunkIDs = removeString(r.ChunkIDs, chunkID)
		if len(r.ChunkIDs) == 0 {
			delete(s.relationships, key)
			continue
		}
		s.relationships[key] = r
	}
	for key, e := range s.entities {
		e.ChunkIDs = removeString(e.ChunkIDs, chunkID)
		if len(e.ChunkIDs) == 0 && s.degreeLocked(key) == 0 {
			delete(s.entities, key)
			continue
		}
		s.entities[key] = e
	}
	return nil
}

// ReplaceCommunities swaps the community forest atomically.
func (s *GraphStore) ReplaceCommunities(ctx context.Context, communities []common.Community) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	replacement := make([]common.Community, len(communities))
	for i, c := range communities {
		c.EntityKeys = append([]string(nil), c.EntityKeys...)
		replacement[i] = c
	}
	s.communities = replacement
	return nil
}

// Communities returns the current community forest.
func (s *GraphStore) Communities(ctx context.Context) ([]common.Community, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]common.Community, len(s.communities))
	for i, c := range s.communities {
		c.EntityKeys = append([]string(nil), c.EntityKeys...)
		out[i] = c
	}
	return out, nil
}

type graphFile struct {
	Entities      map[string]common.Entity       `json:"entities"`
	Relationships map[string]common.Relationship `json:"relationships"`
	Chunks        map[string]common.Chunk        `json:"chunks"`
	Communities   []common.Community             `json:"communities"`
}

// Persist writes the store to its configured file.
func (s *GraphStore) Persist(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return saveJSON(s.path, graphFile{
		Entities:      s.entities,
		Relationships: s.relationships,
		Chunks:        s.chunks,
		Communities:   s.communities,
	})
}

// Load replaces the store contents from its configured file.
func (s *GraphStore) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var f graphFile
	if err := loadJSON(s.path, &f); err != nil {
		return err
	}
	if f.Entities != nil {
		s.entities = f.Entities
	}
	if f.Relationships != nil {
		s.relationships = f.Relationships
	}
	if f.Chunks != nil {
		s.chunks = f.Chunks
	}
	if f.Communities != nil {
		s.communities = f.Communities
	}
	return nil
}

func cloneEntity(e common.Entity) common.Entity {
	e.ChunkIDs = append([]string(nil), e.ChunkIDs...)
	return e
}

func cloneRelationship(r common.Relationship) common.Relationship {
	r.ChunkIDs = append([]string(nil), r.ChunkIDs...)
	return r
}

func removeString(in []string, target string) []string {
	out := in[:0]
	for _, v := range in {
		if v != target {
			out = append(out, v)
		}
	}
	return out
}
