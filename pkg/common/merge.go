package common

import (
	"sort"
	"strings"
)

// DescriptionSeparator delimits the description fragments accumulated across
// merges. A fragment is one extraction's description of the entity or
// relationship; summarization later compresses the joined fragments.
const DescriptionSeparator = "<SEP>"

// MergeDescriptions combines two description sets into a sorted, deduplicated
// fragment list. Sorting makes the merge commutative and associative.
func MergeDescriptions(a, b string) string {
	seen := make(map[string]struct{})
	fragments := make([]string, 0, 4)
	for _, joined := range []string{a, b} {
		for _, f := range strings.Split(joined, DescriptionSeparator) {
			f = strings.TrimSpace(f)
			if f == "" {
				continue
			}
			if _, ok := seen[f]; ok {
				continue
			}
			seen[f] = struct{}{}
			fragments = append(fragments, f)
		}
	}
	sort.Strings(fragments)
	return strings.Join(fragments, DescriptionSeparator)
}

// DescriptionFragments splits a merged description back into its fragments.
func DescriptionFragments(desc string) []string {
	parts := strings.Split(desc, DescriptionSeparator)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// MergeEntities merges b into a copy of a. Both must share the same identity
// key. Chunk IDs are unioned, descriptions accumulated, and the earliest
// non-empty ID kept so repeated merges stay stable.
func MergeEntities(a, b Entity) Entity {
	out := a
	if out.ID == "" {
		out.ID = b.ID
	}
	if out.Name == "" {
		out.Name = b.Name
	}
	if out.Type == "" {
		out.Type = b.Type
	}
	out.Description = MergeDescriptions(a.Description, b.Description)
	out.ChunkIDs = UnionChunkIDs(a.ChunkIDs, b.ChunkIDs)
	return out
}

// MergeRelationships merges b into a copy of a. Both must share the same
// identity key. Weight accumulates according to mode.
func MergeRelationships(a, b Relationship, mode WeightMode) Relationship {
	out := a
	if out.ID == "" {
		out.ID = b.ID
	}
	out.Description = MergeDescriptions(a.Description, b.Description)
	out.ChunkIDs = UnionChunkIDs(a.ChunkIDs, b.ChunkIDs)
	switch mode {
	case WeightMax:
		out.Weight = max(a.Weight, b.Weight)
	default:
		out.Weight = a.Weight + b.Weight
	}
	return out
}
