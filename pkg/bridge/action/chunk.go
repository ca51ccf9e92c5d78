package action

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const DefaultChunkLimit = 700

const (
	ChunkModeSentence = "sentence"
	ChunkModeLength   = "length"
)

type ChunkConfig struct {
	Limit int
	Mode  string
}

func (c ChunkConfig) normalized() ChunkConfig {
	if c.Limit <= 0 {
		c.Limit = DefaultChunkLimit
	}
	switch c.Mode {
	case ChunkModeSentence, ChunkModeLength:
	default:
		c.Mode = ChunkModeSentence
	}
	return c
}

// ChunkText splits prose into chunks of at most cfg.Limit runes. Sentence mode
// prefers sentence then whitespace cut points; length mode cuts at the limit.
func ChunkText(text string, cfg ChunkConfig) []string {
	cfg = cfg.normalized()

	var chunks []string
	rest := text
	for strings.TrimSpace(rest) != "" {
		if utf8.RuneCountInString(rest) <= cfg.Limit {
			chunks = append(chunks, strings.TrimSpace(rest))
			break
		}

		cut := 0
		if cfg.Mode == ChunkModeSentence {
			cut = bestCutAtOrBefore(rest, cfg.Limit)
		}
		if cut <= 0 {
			cut = byteIndexAtRuneCount(rest, cfg.Limit)
		}
		if cut <= 0 {
			break
		}

		chunk := strings.TrimSpace(rest[:cut])
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		rest = rest[cut:]
	}
	return chunks
}

// SpeakChunks turns prose into one speak action per chunk.
func SpeakChunks(text string, cfg ChunkConfig) []Action {
	chunks := ChunkText(text, cfg)
	actions := make([]Action, 0, len(chunks))
	for _, chunk := range chunks {
		actions = append(actions, Speak(chunk))
	}
	return actions
}

func isSentenceBoundary(r rune) bool {
	return r == '.' || r == '?' || r == '!' || r == '\n'
}

// bestCutAtOrBefore finds the latest sentence boundary within maxChars runes,
// falling back to the latest whitespace, then to a hard rune cut.
func bestCutAtOrBefore(s string, maxChars int) int {
	if maxChars <= 0 {
		return 0
	}
	runes := 0
	lastSpaceCut := 0
	lastBoundaryCut := 0
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if size <= 0 {
			break
		}
		runes++
		if runes > maxChars {
			break
		}
		if isSentenceBoundary(r) {
			lastBoundaryCut = i + size
		}
		if unicode.IsSpace(r) {
			lastSpaceCut = i + size
		}
		i += size
	}
	if lastBoundaryCut > 0 {
		return lastBoundaryCut
	}
	if lastSpaceCut > 0 {
		return lastSpaceCut
	}
	return byteIndexAtRuneCount(s, maxChars)
}

func byteIndexAtRuneCount(s string, runes int) int {
	if runes <= 0 {
		return 0
	}
	i := 0
	for r := 0; r < runes && i < len(s); r++ {
		_, size := utf8.DecodeRuneInString(s[i:])
		if size <= 0 {
			return i
		}
		i += size
	}
	return i
}
