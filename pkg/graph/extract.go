package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lattix-ai/lattix/internal/util"
	"github.com/lattix-ai/lattix/pkg/ai"
	"github.com/lattix-ai/lattix/pkg/common"
	"github.com/lattix-ai/lattix/pkg/logger"
)

type extractEntity struct {
	EntityName        string `json:"entity_name" jsonschema_description:"Name of the entity, all letters capitalized"`
	EntityType        string `json:"entity_type" jsonschema_description:"One of the provided entity types"`
	EntityDescription string `json:"entity_description" jsonschema_description:"Comprehensive description of the entity's attributes, activities and information provided by the source."`
}

type extractRelationship struct {
	SourceEntity            string  `json:"source_entity" jsonschema_description:"Name of the source entity, as identified above"`
	TargetEntity            string  `json:"target_entity" jsonschema_description:"Name of the target entity, as identified above"`
	RelationshipDescription string  `json:"relationship_description" jsonschema_description:"Explanation as to why you think the source entity and the target entity are related to each other"`
	RelationshipStrength    float64 `json:"relationship_strength" jsonschema_description:"A numeric score indicating strength of the relationship between the source entity and target entity"`
}

type extractResponse struct {
	Entities      []extractEntity       `json:"entities" jsonschema_description:"Entities identified in the text document"`
	Relationships []extractRelationship `json:"relationships" jsonschema_description:"Relationships identified in the text document"`
}

type gleanCheck struct {
	Continue string `json:"continue" jsonschema_description:"YES if entities or relationships are still missing, NO otherwise"`
}

// extractionCacheKey returns the KV key holding the cached extraction for a
// chunk. Chunk IDs are content hashes, so identical text shares the cache.
func extractionCacheKey(chunkID string) string {
	return "extraction:" + chunkID
}

// extractFromChunk runs structured entity and relationship extraction over a
// single chunk, gleaning up to maxGleanings extra passes. Results are cached
// in the KV store so re-ingesting the same content skips the provider.
func (c *GraphClient) extractFromChunk(
	ctx context.Context,
	chunk common.Chunk,
) ([]common.Entity, []common.Relationship, error) {
	if cached, ok := c.cachedExtraction(ctx, chunk.ID); ok {
		logger.Debug("[Graph][Extract] Cache hit", "chunk", chunk.ID)
		return responseToGraph(*cached, chunk)
	}

	types := strings.Join(c.entityTypes, ",")
	systemPrompt := fmt.Sprintf(ai.ExtractPrompt, types, types)

	var accumulated extractResponse
	var res extractResponse
	err := c.aiClient.GenerateCompletionWithFormat(
		ctx,
		"extract_entities_and_relationships",
		"Extract entities and relationships from a provided document.",
		chunk.Text,
		&res,
		ai.WithSystemPrompts(systemPrompt),
	)
	if err != nil {
		return nil, nil, classifyExtractionErr(chunk.ID, err)
	}
	accumulated.Entities = append(accumulated.Entities, res.Entities...)
	accumulated.Relationships = append(accumulated.Relationships, res.Relationships...)

	for glean := 0; glean < c.maxGleanings; glean++ {
		prompt := fmt.Sprintf("%s\n\n# Source Text\n%s\n\n# Previous Extraction\n%s",
			ai.GleanPrompt, chunk.Text, mustJSON(accumulated))

		var more extractResponse
		err := c.aiClient.GenerateCompletionWithFormat(
			ctx,
			"glean_entities_and_relationships",
			"Extract entities and relationships missed by a previous extraction.",
			prompt,
			&more,
			ai.WithSystemPrompts(systemPrompt),
		)
		if err != nil {
			return nil, nil, classifyExtractionErr(chunk.ID, err)
		}
		accumulated.Entities = append(accumulated.Entities, more.Entities...)
		accumulated.Relationships = append(accumulated.Relationships, more.Relationships...)

		// last round never needs the continuation check
		if glean == c.maxGleanings-1 {
			break
		}
		var check gleanCheck
		err = c.aiClient.GenerateCompletionWithFormat(
			ctx,
			"glean_continuation",
			"Decide whether another extraction pass is needed.",
			fmt.Sprintf("%s\n\n# Source Text\n%s\n\n# Extraction So Far\n%s",
				ai.GleanCheckPrompt, chunk.Text, mustJSON(accumulated)),
			&check,
		)
		if err != nil {
			return nil, nil, classifyExtractionErr(chunk.ID, err)
		}
		if !strings.EqualFold(strings.TrimSpace(check.Continue), "YES") {
			break
		}
	}

	c.storeExtraction(ctx, chunk.ID, accumulated)
	return responseToGraph(accumulated, chunk)
}

func (c *GraphClient) cachedExtraction(ctx context.Context, chunkID string) (*extractResponse, bool) {
	if c.kvStore == nil {
		return nil, false
	}
	data, ok, err := c.kvStore.Get(ctx, extractionCacheKey(chunkID))
	if err != nil || !ok {
		return nil, false
	}
	var res extractResponse
	if err := json.Unmarshal(data, &res); err != nil {
		// stale or corrupt cache entry, re-extract
		_ = c.kvStore.Delete(ctx, extractionCacheKey(chunkID))
		return nil, false
	}
	return &res, true
}

func (c *GraphClient) storeExtraction(ctx context.Context, chunkID string, res extractResponse) {
	if c.kvStore == nil {
		return
	}
	data, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := c.kvStore.Set(ctx, extractionCacheKey(chunkID), data); err != nil {
		logger.Warn("[Graph][Extract] Failed to cache extraction", "chunk", chunkID, "error", err)
	}
}

// responseToGraph converts a raw extraction into domain entities and
// relationships sourced from the chunk. Entity and relationship IDs are
// derived from identity keys so repeated extraction yields identical IDs.
func responseToGraph(res extractResponse, chunk common.Chunk) ([]common.Entity, []common.Relationship, error) {
	byKey := make(map[string]common.Entity)
	for _, e := range res.Entities {
		name := strings.TrimSpace(e.EntityName)
		if name == "" {
			continue
		}
		entity := common.Entity{
			ID:          util.HashID("ent", common.EntityKey(name, e.EntityType)),
			Name:        name,
			Type:        strings.TrimSpace(e.EntityType),
			Description: strings.TrimSpace(e.EntityDescription),
			ChunkIDs:    []string{chunk.ID},
		}
		key := entity.Key()
		if existing, ok := byKey[key]; ok {
			byKey[key] = common.MergeEntities(existing, entity)
			continue
		}
		byKey[key] = entity
	}

	nameToKey := make(map[string]string, len(byKey))
	for key, e := range byKey {
		nameToKey[strings.ToUpper(strings.Join(strings.Fields(e.Name), " "))] = key
	}
	resolveKey := func(name string) string {
		normalized := strings.ToUpper(strings.Join(strings.Fields(name), " "))
		if key, ok := nameToKey[normalized]; ok {
			return key
		}
		// referenced but never described, type unknown
		return common.EntityKey(name, "")
	}

	entities := make([]common.Entity, 0, len(byKey))
	for _, e := range byKey {
		entities = append(entities, e)
	}

	byRelKey := make(map[string]common.Relationship)
	for _, r := range res.Relationships {
		src := strings.TrimSpace(r.SourceEntity)
		dst := strings.TrimSpace(r.TargetEntity)
		if src == "" || dst == "" || strings.EqualFold(src, dst) {
			continue
		}
		rel := common.Relationship{
			SourceKey:   resolveKey(src),
			TargetKey:   resolveKey(dst),
			Description: strings.TrimSpace(r.RelationshipDescription),
			Weight:      r.RelationshipStrength,
			ChunkIDs:    []string{chunk.ID},
		}
		rel.ID = util.HashID("rel", rel.Key())
		key := rel.Key()
		if existing, ok := byRelKey[key]; ok {
			// within one extraction the strongest claim wins
			byRelKey[key] = common.MergeRelationships(existing, rel, common.WeightMax)
			continue
		}
		byRelKey[key] = rel
	}

	relationships := make([]common.Relationship, 0, len(byRelKey))
	for _, r := range byRelKey {
		relationships = append(relationships, r)
	}
	return entities, relationships, nil
}

// classifyExtractionErr marks non-transient extraction failures as schema
// violations attributed to the chunk, leaving transient provider errors
// untouched so the retry layer can handle them.
func classifyExtractionErr(chunkID string, err error) error {
	if common.IsTransient(err) {
		return err
	}
	return &common.SchemaViolationError{ChunkID: chunkID, Err: err}
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}
