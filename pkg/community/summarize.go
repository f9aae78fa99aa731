package community

import (
	"context"
	"fmt"
	"strings"

	"github.com/lattix-ai/lattix/internal/util"
	"github.com/lattix-ai/lattix/pkg/ai"
	"github.com/lattix-ai/lattix/pkg/common"
	"github.com/lattix-ai/lattix/pkg/logger"

	"golang.org/x/sync/errgroup"
)

// reportCacheKey derives the KV key for a community report from its member
// set. A community with unchanged members keeps its cached report across
// rebuilds even though its ID may change with the level layout.
func reportCacheKey(c common.Community) string {
	return "community-report:" + util.HashID("rep", c.EntityKeys...)
}

// summarizeAll fills in the Summary of each community, reusing cached
// reports where the member set is unchanged.
func (d *Detector) summarizeAll(ctx context.Context, snapshot *common.Graph, communities []common.Community) error {
	if len(communities) == 0 {
		return nil
	}

	entitiesByKey := make(map[string]common.Entity, len(snapshot.Entities))
	for _, e := range snapshot.Entities {
		entitiesByKey[e.Key()] = e
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(d.parallelReports)
	for i := range communities {
		c := &communities[i]
		g.Go(func() error {
			summary, err := d.summarize(gCtx, entitiesByKey, snapshot.Relationships, *c)
			if err != nil {
				return fmt.Errorf("summarize community %s: %w", c.ID, err)
			}
			c.Summary = summary
			return nil
		})
	}
	return g.Wait()
}

func (d *Detector) summarize(
	ctx context.Context,
	entitiesByKey map[string]common.Entity,
	relationships []common.Relationship,
	c common.Community,
) (string, error) {
	cacheKey := reportCacheKey(c)
	if d.kvStore != nil {
		if cached, ok, err := d.kvStore.Get(ctx, cacheKey); err == nil && ok {
			logger.Debug("[Community][Summarize] Cache hit", "community", c.ID)
			return string(cached), nil
		}
	}

	members := make(map[string]struct{}, len(c.EntityKeys))
	var entityLines []string
	for _, key := range c.EntityKeys {
		members[key] = struct{}{}
		e, ok := entitiesByKey[key]
		if !ok {
			continue
		}
		line := fmt.Sprintf("- %s (%s)", e.Name, e.Type)
		if e.Description != "" {
			line += ": " + strings.Join(common.DescriptionFragments(e.Description), "; ")
		}
		entityLines = append(entityLines, line)
	}

	var relationLines []string
	for _, r := range relationships {
		if _, ok := members[r.SourceKey]; !ok {
			continue
		}
		if _, ok := members[r.TargetKey]; !ok {
			continue
		}
		line := fmt.Sprintf("- %s -> %s (weight %.1f)", keyName(r.SourceKey), keyName(r.TargetKey), r.Weight)
		if r.Description != "" {
			line += ": " + strings.Join(common.DescriptionFragments(r.Description), "; ")
		}
		relationLines = append(relationLines, line)
	}
	if len(relationLines) == 0 {
		relationLines = []string{"- (none)"}
	}

	prompt := fmt.Sprintf(ai.CommunityReportPrompt,
		strings.Join(entityLines, "\n"),
		strings.Join(relationLines, "\n"),
		d.maxReportWords,
	)
	summary, err := d.aiClient.GenerateCompletion(ctx, prompt)
	if err != nil {
		return "", err
	}
	summary = strings.TrimSpace(summary)

	if d.kvStore != nil && summary != "" {
		if err := d.kvStore.Set(ctx, cacheKey, []byte(summary)); err != nil {
			logger.Warn("[Community][Summarize] Failed to cache report", "community", c.ID, "error", err)
		}
	}
	return summary, nil
}

func keyName(key string) string {
	name, _, _ := strings.Cut(key, "\x1f")
	return name
}
