package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/lattix-ai/lattix/pkg/ai"
	"github.com/lattix-ai/lattix/pkg/common"
	"github.com/lattix-ai/lattix/pkg/logger"
)

// mergeEntitiesAndRelations folds new extraction output into the
// accumulating maps keyed by identity key.
func (c *GraphClient) mergeEntitiesAndRelations(
	entities map[string]common.Entity,
	relations map[string]common.Relationship,
	newEntities []common.Entity,
	newRelations []common.Relationship,
) {
	for _, e := range newEntities {
		key := e.Key()
		if existing, ok := entities[key]; ok {
			entities[key] = common.MergeEntities(existing, e)
			continue
		}
		entities[key] = e
	}
	for _, r := range newRelations {
		key := r.Key()
		if existing, ok := relations[key]; ok {
			relations[key] = common.MergeRelationships(existing, r, c.weightMode)
			continue
		}
		relations[key] = r
	}
}

// summarizeDescription compresses an accumulated description once it holds
// at least summaryThreshold fragments. Below the threshold the fragments are
// kept verbatim.
func (c *GraphClient) summarizeDescription(
	ctx context.Context,
	name string,
	description string,
) (string, error) {
	fragments := common.DescriptionFragments(description)
	if len(fragments) < c.summaryThreshold {
		return description, nil
	}

	list := "- " + strings.Join(fragments, "\n- ")
	prompt := fmt.Sprintf(ai.DescSummaryPrompt, name, list, c.summaryMaxWords)
	summary, err := c.aiClient.GenerateCompletion(ctx, prompt)
	if err != nil {
		return "", err
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return description, nil
	}
	logger.Debug("[Graph][Merge] Summarized description", "name", name, "fragments", len(fragments))
	return summary, nil
}

// compressDescriptions rewrites over-long entity and relationship
// descriptions after a batch of merges. Failures are logged and skipped; a
// long description is not worth failing an ingest over.
func (c *GraphClient) compressDescriptions(
	ctx context.Context,
	entityKeys []string,
	relationKeys []string,
) {
	for _, key := range entityKeys {
		entity, ok, err := c.graphStore.GetEntity(ctx, key)
		if err != nil || !ok {
			continue
		}
		summary, err := c.summarizeDescription(ctx, entity.Name, entity.Description)
		if err != nil {
			logger.Warn("[Graph][Merge] Description summary failed", "entity", entity.Name, "error", err)
			continue
		}
		if summary == entity.Description {
			continue
		}
		if err := c.graphStore.SetEntityDescription(ctx, key, summary); err != nil {
			logger.Warn("[Graph][Merge] Failed to store summarized description", "entity", entity.Name, "error", err)
		}
	}

	for _, key := range relationKeys {
		rel, ok, err := c.graphStore.GetRelationship(ctx, key)
		if err != nil || !ok {
			continue
		}
		label := fmt.Sprintf("%s -> %s", displayName(rel.SourceKey), displayName(rel.TargetKey))
		summary, err := c.summarizeDescription(ctx, label, rel.Description)
		if err != nil || summary == rel.Description {
			continue
		}
		if err := c.graphStore.SetRelationshipDescription(ctx, key, summary); err != nil {
			logger.Warn("[Graph][Merge] Failed to store summarized description", "relationship", label, "error", err)
		}
	}
}

// displayName extracts the human-readable name from an identity key.
func displayName(key string) string {
	name, _, _ := strings.Cut(key, "\x1f")
	return name
}
