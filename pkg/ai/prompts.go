package ai

// DefaultEntityTypes is the entity type whitelist used for extraction when
// the caller does not supply a custom list.
var DefaultEntityTypes = []string{
	"ORGANIZATION", "PERSON", "LOCATION", "CONCEPT", "EVENT", "PRODUCT", "DATE",
}

const ExtractPrompt = `
# Task Context
You are a helpful assistant specialized in extracting entities and relationships from text for a knowledge graph.

# Detailed Task Description & Rules
- Identify all entities in the provided text. For each entity extract:
  * entity_name: name of the entity, all letters capitalized
  * entity_type: one of the following types: [%s]
  * entity_description: comprehensive description of the entity's attributes and activities, based strictly on the source text
- From the entities identified, extract all pairs of entities that are clearly related to each other. For each pair extract:
  * source_entity: name of the source entity, as identified above
  * target_entity: name of the target entity, as identified above
  * relationship_description: explanation as to why the source entity and the target entity are related
  * relationship_strength: a numeric score between 1 and 10 indicating the strength of the relationship
- Only use information from the provided text. Do not invent entities or relationships.
- Allowed entity types: [%s]

# Output Formatting
Return a JSON object with "entities" and "relationships" arrays matching the provided schema.
`

const GleanPrompt = `MANY entities and relationships were missed in the last extraction. Add the missing ones below, using the same rules and the same output format. Do not repeat entities or relationships you already returned.`

const GleanCheckPrompt = `It appears some entities and relationships may still have been missed. Answer YES if there are entities or relationships that still need to be added, or NO if the extraction is complete. Answer with a single word: YES or NO.`

const DescSummaryPrompt = `
# Task Context
You are a helpful assistant generating a single comprehensive description for an entry in a knowledge graph.

# Background Data
Entry: %s
Description list:
%s

# Detailed Task Description & Rules
- Combine the description list into one comprehensive description written in third person.
- Resolve contradictions in favor of the most specific and most recent information.
- Include the entry name so the description reads on its own.
- Keep the result under %d words.

# Output Formatting
Return only the description text, without headings or quotes.
`

const CommunityReportPrompt = `
# Task Context
You are a helpful assistant writing a report about a community of entities in a knowledge graph.

# Background Data
Entities:
%s

Relationships:
%s

# Detailed Task Description & Rules
- Write a concise report describing what this community is about: its key entities, how they relate, and why the community matters.
- Base the report strictly on the provided entities and relationships.
- Start with a single-sentence title line, then the report body.
- Keep the report under %d words.

# Output Formatting
Return only the report text.
`

const QueryPrompt = `
# Task Context
You are a helpful assistant answering questions strictly from the provided context.

# Background Data
%s

# Detailed Task Description & Rules
- Answer the user's question using only the context above.
- If the context does not contain the answer, say that the available data does not answer the question. Never invent information.
- Cite your sources: after each statement, reference the supporting source ids in brackets, for example [chunk-ab12cd] or [ent-34ef56].
- Only cite ids that appear in the context.
`

const NoDataPrompt = `
# Task Context
You are a helpful assistant. No relevant data was found for the user's question.

# Detailed Task Description & Rules
- Briefly tell the user that the knowledge base contains no material relevant to their question.
- Do not attempt to answer the question from general knowledge.
- Suggest rephrasing the question or ingesting relevant documents.
`
