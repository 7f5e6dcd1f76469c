package chat

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/mpetrov/sitechat/internal/domain"
)

// historyCounter estimates prompt tokens for history entries using
// tiktoken, falling back to a bytes/4 heuristic if the codec cannot be
// loaded.
type historyCounter struct {
	once  sync.Once
	codec tokenizer.Codec
}

func (c *historyCounter) count(text string) int {
	c.once.Do(func() {
		codec, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err == nil {
			c.codec = codec
		}
	})
	if c.codec == nil {
		return (len(text) + 3) / 4
	}
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return (len(text) + 3) / 4
	}
	return len(ids)
}

func (c *historyCounter) entryTokens(e domain.HistoryEntry) int {
	return c.count(e.Message) + c.count(e.Answer)
}

// TrimHistory drops the oldest entries until the remaining history fits
// the token budget. A budget of zero or less leaves the history
// unchanged.
func (c *historyCounter) TrimHistory(history []domain.HistoryEntry, budget int) []domain.HistoryEntry {
	if budget <= 0 {
		return history
	}

	total := 0
	// Walk newest-first so the most recent turns survive.
	keepFrom := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		total += c.entryTokens(history[i])
		if total > budget {
			break
		}
		keepFrom = i
	}
	return history[keepFrom:]
}
