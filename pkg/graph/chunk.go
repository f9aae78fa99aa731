package graph

import (
	"strings"

	"github.com/lattix-ai/lattix/internal/util"
	"github.com/lattix-ai/lattix/pkg/common"

	"github.com/pkoukk/tiktoken-go"
)

// ChunkStrategy selects how documents are split into chunks.
type ChunkStrategy int

const (
	// StrategyTokenWindow slides a fixed-size token window with overlap.
	StrategyTokenWindow ChunkStrategy = iota
	// StrategySeparator packs separator-delimited pieces up to the token
	// budget, carrying an overlap tail between chunks.
	StrategySeparator
)

// ChunkConfig controls document splitting. Zero values take defaults.
type ChunkConfig struct {
	Strategy      ChunkStrategy
	Encoder       string
	MaxTokens     int
	OverlapTokens int
	// Separators apply to StrategySeparator, tried in order.
	Separators []string
}

const (
	defaultEncoder   = "o200k_base"
	defaultMaxTokens = 1200
	defaultOverlap   = 100
)

var defaultSeparators = []string{"\n\n", "\n", ". ", " "}

func (c ChunkConfig) withDefaults() ChunkConfig {
	if c.Encoder == "" {
		c.Encoder = defaultEncoder
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaultMaxTokens
	}
	if c.OverlapTokens < 0 || c.OverlapTokens >= c.MaxTokens {
		c.OverlapTokens = defaultOverlap
	}
	if len(c.Separators) == 0 {
		c.Separators = defaultSeparators
	}
	return c
}

// SplitDocument splits text into chunks according to the configured
// strategy. Chunk IDs are content hashes, so the same text under the same
// config always yields the same chunks, and re-ingesting a document is
// idempotent.
func SplitDocument(docID, text string, cfg ChunkConfig) ([]common.Chunk, error) {
	cfg = cfg.withDefaults()
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	enc, err := tiktoken.GetEncoding(cfg.Encoder)
	if err != nil {
		return nil, err
	}

	var pieces []string
	switch cfg.Strategy {
	case StrategySeparator:
		pieces = splitBySeparators(enc, text, cfg)
	default:
		pieces = splitByTokenWindow(enc, text, cfg)
	}

	chunks := make([]common.Chunk, 0, len(pieces))
	for i, piece := range pieces {
		piece = strings.TrimSpace(piece)
		if piece == "" {
			continue
		}
		chunks = append(chunks, common.Chunk{
			ID:         util.HashID("chunk", piece),
			DocumentID: docID,
			Ordinal:    i,
			Text:       piece,
			TokenCount: len(enc.Encode(piece, nil, nil)),
		})
	}
	return chunks, nil
}

// ChunksFromSegments wraps pre-split text segments as chunks, for callers
// whose documents arrive already segmented. Segments are taken as-is, no
// re-splitting; blank segments are dropped. IDs are content hashes, matching
// SplitDocument's idempotence guarantee.
func ChunksFromSegments(docID string, segments []string, cfg ChunkConfig) ([]common.Chunk, error) {
	cfg = cfg.withDefaults()
	enc, err := tiktoken.GetEncoding(cfg.Encoder)
	if err != nil {
		return nil, err
	}

	chunks := make([]common.Chunk, 0, len(segments))
	for i, segment := range segments {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		chunks = append(chunks, common.Chunk{
			ID:         util.HashID("chunk", segment),
			DocumentID: docID,
			Ordinal:    i,
			Text:       segment,
			TokenCount: len(enc.Encode(segment, nil, nil)),
		})
	}
	return chunks, nil
}

func splitByTokenWindow(enc *tiktoken.Tiktoken, text string, cfg ChunkConfig) []string {
	tokens := enc.Encode(text, nil, nil)
	stride := cfg.MaxTokens - cfg.OverlapTokens

	var pieces []string
	for start := 0; start < len(tokens); start += stride {
		end := min(start+cfg.MaxTokens, len(tokens))
		pieces = append(pieces, enc.Decode(tokens[start:end]))
		if end == len(tokens) {
			break
		}
	}
	return pieces
}

// splitBySeparators cuts the text into units on the first separator that
// produces more than one piece, recursing with later separators on units
// that still exceed the budget, then packs units into chunks carrying an
// overlap tail from the previous chunk.
func splitBySeparators(enc *tiktoken.Tiktoken, text string, cfg ChunkConfig) []string {
	units := splitUnits(enc, text, cfg.Separators, cfg.MaxTokens)

	var pieces []string
	var current strings.Builder
	currentTokens := 0

	flush := func() {
		if current.Len() == 0 {
			return
		}
		pieces = append(pieces, current.String())
		if cfg.OverlapTokens > 0 {
			tokens := enc.Encode(current.String(), nil, nil)
			if len(tokens) > cfg.OverlapTokens {
				tokens = tokens[len(tokens)-cfg.OverlapTokens:]
			}
			current.Reset()
			current.WriteString(enc.Decode(tokens))
			currentTokens = len(tokens)
			return
		}
		current.Reset()
		currentTokens = 0
	}

	for _, unit := range units {
		unitTokens := len(enc.Encode(unit, nil, nil))
		if currentTokens+unitTokens > cfg.MaxTokens && current.Len() > 0 {
			flush()
		}
		current.WriteString(unit)
		currentTokens += unitTokens
	}
	if strings.TrimSpace(current.String()) != "" {
		pieces = append(pieces, current.String())
	}
	return pieces
}

func splitUnits(enc *tiktoken.Tiktoken, text string, separators []string, maxTokens int) []string {
	if len(enc.Encode(text, nil, nil)) <= maxTokens {
		return []string{text}
	}
	if len(separators) == 0 {
		// no separator fits, hard-split on the token boundary
		tokens := enc.Encode(text, nil, nil)
		var out []string
		for start := 0; start < len(tokens); start += maxTokens {
			end := min(start+maxTokens, len(tokens))
			out = append(out, enc.Decode(tokens[start:end]))
		}
		return out
	}

	sep := separators[0]
	parts := strings.SplitAfter(text, sep)
	if len(parts) == 1 {
		return splitUnits(enc, text, separators[1:], maxTokens)
	}
	var out []string
	for _, part := range parts {
		if part == "" {
			continue
		}
		out = append(out, splitUnits(enc, part, separators[1:], maxTokens)...)
	}
	return out
}
