// Package community detects entity communities in the knowledge graph and
// summarizes them into reports used by global queries.
package community

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strconv"

	"github.com/lattix-ai/lattix/internal/util"
	"github.com/lattix-ai/lattix/pkg/ai"
	"github.com/lattix-ai/lattix/pkg/common"
	"github.com/lattix-ai/lattix/pkg/logger"
	"github.com/lattix-ai/lattix/pkg/store"
)

// RebuildLock serializes rebuilds across processes sharing one graph store.
// WithLease runs fn while holding key and releases it afterwards.
type RebuildLock interface {
	WithLease(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Detector builds the community forest from a graph snapshot. Detection is
// seeded label propagation, so the same graph and seed always produce the
// same forest.
//
// A Detector should be created using NewDetector.
type Detector struct {
	graphStore store.GraphStore
	aiClient   ai.Client
	kvStore    store.KVStore
	lock       RebuildLock

	seed            int64
	maxLevels       int
	minSize         int
	maxReportWords  int
	parallelReports int
}

// NewDetectorParams defines the configuration for creating a Detector.
//
// MaxLevels bounds the hierarchy depth. MinSize drops communities smaller
// than the given member count. The KV store, when present, caches reports by
// member set so unchanged communities skip regeneration.
type NewDetectorParams struct {
	GraphStore store.GraphStore
	AIClient   ai.Client
	KVStore    store.KVStore

	// Lock, when set, serializes rebuilds across processes. Embedded
	// backends run without one.
	Lock RebuildLock

	Seed            int64
	MaxLevels       int
	MinSize         int
	MaxReportWords  int
	ParallelReports int
}

// NewDetector creates and returns a new Detector configured with the
// provided parameters.
func NewDetector(params NewDetectorParams) (*Detector, error) {
	if params.GraphStore == nil {
		return nil, fmt.Errorf("detector requires a graph store")
	}
	maxLevels := params.MaxLevels
	if maxLevels <= 0 {
		maxLevels = 3
	}
	minSize := params.MinSize
	if minSize <= 0 {
		minSize = 2
	}
	maxWords := params.MaxReportWords
	if maxWords <= 0 {
		maxWords = 500
	}
	parallel := params.ParallelReports
	if parallel <= 0 {
		parallel = 4
	}
	return &Detector{
		graphStore:      params.GraphStore,
		aiClient:        params.AIClient,
		kvStore:         params.KVStore,
		lock:            params.Lock,
		seed:            params.Seed,
		maxLevels:       maxLevels,
		minSize:         minSize,
		maxReportWords:  maxWords,
		parallelReports: parallel,
	}, nil
}

// Rebuild snapshots the graph, detects communities, summarizes them, and
// atomically replaces the stored forest. An empty or tiny graph yields an
// empty forest without error. With a RebuildLock configured, only one
// process rebuilds at a time.
func (d *Detector) Rebuild(ctx context.Context) ([]common.Community, error) {
	if d.lock != nil {
		var communities []common.Community
		err := d.lock.WithLease(ctx, "community-rebuild", func(ctx context.Context) error {
			var err error
			communities, err = d.rebuild(ctx)
			return err
		})
		return communities, err
	}
	return d.rebuild(ctx)
}

func (d *Detector) rebuild(ctx context.Context) ([]common.Community, error) {
	snapshot, err := d.graphStore.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot graph: %w", err)
	}

	communities := d.detect(snapshot)
	logger.Info("[Community][Rebuild] Detected communities",
		"entities", len(snapshot.Entities),
		"communities", len(communities),
	)

	if d.aiClient != nil {
		if err := d.summarizeAll(ctx, snapshot, communities); err != nil {
			return nil, err
		}
	}

	if err := d.graphStore.ReplaceCommunities(ctx, communities); err != nil {
		return nil, fmt.Errorf("replace communities: %w", err)
	}
	return communities, nil
}

// detect runs seeded label propagation on the snapshot, then agglomerates
// the result level by level until the hierarchy stops shrinking or
// maxLevels is reached.
func (d *Detector) detect(snapshot *common.Graph) []common.Community {
	if len(snapshot.Entities) == 0 {
		return nil
	}

	degrees := make(map[string]float64, len(snapshot.Entities))
	for _, e := range snapshot.Entities {
		degrees[e.Key()] = float64(e.Degree)
	}

	// level 0 nodes are entities
	nodes := make([]string, 0, len(snapshot.Entities))
	for _, e := range snapshot.Entities {
		nodes = append(nodes, e.Key())
	}
	sort.Strings(nodes)

	edges := make(map[[2]string]float64)
	for _, r := range snapshot.Relationships {
		a, b := r.SourceKey, r.TargetKey
		if a == b {
			continue
		}
		if a > b {
			a, b = b, a
		}
		weight := r.Weight
		if weight <= 0 {
			weight = 1
		}
		edges[[2]string{a, b}] += weight
	}

	rng := rand.New(rand.NewSource(d.seed))
	var forest []common.Community
	memberKeys := make(map[string][]string) // node id -> entity keys it represents
	for _, n := range nodes {
		memberKeys[n] = []string{n}
	}

	for level := 0; level < d.maxLevels; level++ {
		groups := propagateLabels(nodes, edges, rng)
		if len(groups) == len(nodes) && level > 0 {
			break
		}

		levelCommunities := make([]common.Community, 0, len(groups))
		nodeToCommunity := make(map[string]string)
		for _, group := range groups {
			var members []string
			for _, node := range group {
				members = append(members, memberKeys[node]...)
			}
			sort.Strings(members)
			if len(members) < d.minSize {
				continue
			}

			rank := 0.0
			for _, key := range members {
				rank += degrees[key]
			}
			id := util.HashID("com", append([]string{strconv.Itoa(level)}, members...)...)
			levelCommunities = append(levelCommunities, common.Community{
				ID:         id,
				Level:      level,
				EntityKeys: members,
				Rank:       rank,
			})
			for _, node := range group {
				nodeToCommunity[node] = id
			}
		}
		if len(levelCommunities) == 0 {
			break
		}

		// link the previous level's communities to their parents
		for i := range forest {
			c := &forest[i]
			if c.Level != level-1 || c.ParentID != "" {
				continue
			}
			if parent, ok := nodeToCommunity[c.ID]; ok {
				c.ParentID = parent
			}
		}
		forest = append(forest, levelCommunities...)

		// stop when agglomeration no longer reduces the graph
		if len(levelCommunities) <= 1 {
			break
		}

		nodes, edges, memberKeys = contractGraph(levelCommunities, nodeToCommunity, edges)
	}

	sort.Slice(forest, func(i, j int) bool {
		if forest[i].Level != forest[j].Level {
			return forest[i].Level < forest[j].Level
		}
		return forest[i].ID < forest[j].ID
	})
	return forest
}

// propagateLabels assigns each node the label carrying the highest total
// edge weight among its neighbors, sweeping until stable. Iteration order is
// drawn from the seeded rng, and ties break on the smaller label, so the
// outcome is a pure function of graph and seed.
func propagateLabels(nodes []string, edges map[[2]string]float64, rng *rand.Rand) [][]string {
	labels := make(map[string]string, len(nodes))
	for _, n := range nodes {
		labels[n] = n
	}

	adjacency := make(map[string]map[string]float64, len(nodes))
	for pair, w := range edges {
		a, b := pair[0], pair[1]
		if adjacency[a] == nil {
			adjacency[a] = map[string]float64{}
		}
		if adjacency[b] == nil {
			adjacency[b] = map[string]float64{}
		}
		adjacency[a][b] += w
		adjacency[b][a] += w
	}

	order := append([]string(nil), nodes...)
	const maxSweeps = 20
	for sweep := 0; sweep < maxSweeps; sweep++ {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		changed := false
		for _, node := range order {
			neighborWeights := map[string]float64{}
			for neighbor, w := range adjacency[node] {
				neighborWeights[labels[neighbor]] += w
			}
			if len(neighborWeights) == 0 {
				continue
			}

			best := labels[node]
			bestWeight := neighborWeights[best]
			for label, w := range neighborWeights {
				if w > bestWeight || (w == bestWeight && label < best) {
					best, bestWeight = label, w
				}
			}
			if best != labels[node] {
				labels[node] = best
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	groups := make(map[string][]string)
	for _, n := range nodes {
		groups[labels[n]] = append(groups[labels[n]], n)
	}
	out := make([][]string, 0, len(groups))
	labelKeys := make([]string, 0, len(groups))
	for label := range groups {
		labelKeys = append(labelKeys, label)
	}
	sort.Strings(labelKeys)
	for _, label := range labelKeys {
		members := groups[label]
		sort.Strings(members)
		out = append(out, members)
	}
	return out
}

// contractGraph collapses each community into a single node for the next
// agglomeration level, summing the edge weights between communities.
func contractGraph(
	communities []common.Community,
	nodeToCommunity map[string]string,
	edges map[[2]string]float64,
) ([]string, map[[2]string]float64, map[string][]string) {
	nodes := make([]string, 0, len(communities))
	nextMembers := make(map[string][]string, len(communities))
	for _, c := range communities {
		nodes = append(nodes, c.ID)
		nextMembers[c.ID] = c.EntityKeys
	}
	sort.Strings(nodes)

	nextEdges := make(map[[2]string]float64)
	for pair, w := range edges {
		ca, okA := nodeToCommunity[pair[0]]
		cb, okB := nodeToCommunity[pair[1]]
		if !okA || !okB || ca == cb {
			continue
		}
		if ca > cb {
			ca, cb = cb, ca
		}
		nextEdges[[2]string{ca, cb}] += w
	}
	return nodes, nextEdges, nextMembers
}
