// Package tokens counts prompt and response tokens per model. Counts feed
// the per-conversation token caches; approximate counts are marked so the
// UI can qualify them.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// fallbackEncoding is used for models tiktoken does not know.
const fallbackEncoding = "cl100k_base"

// TokenCount is the result of one counting request.
type TokenCount struct {
	Count       int    `json:"count"`
	Model       string `json:"model"`
	Approximate bool   `json:"approximate,omitempty"`
}

// Counter counts tokens for one model. Encodings are cached process-wide;
// initialization is expensive.
type Counter struct {
	model    string
	encoding *tiktoken.Tiktoken
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// NewCounter builds a counter for model, falling back to a generic encoding
// for unknown models. A nil-encoding counter still works approximately.
func NewCounter(model string) *Counter {
	cacheMu.RLock()
	cached, ok := encodingCache[model]
	cacheMu.RUnlock()
	if ok {
		return &Counter{model: model, encoding: cached}
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			encoding = nil
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()
	return &Counter{model: model, encoding: encoding}
}

// Model returns the model this counter is bound to.
func (c *Counter) Model() string { return c.model }

// Count counts tokens in text. Without a usable encoding the count is a
// 4-characters-per-token estimate flagged approximate.
func (c *Counter) Count(text string) TokenCount {
	if c.encoding == nil {
		return TokenCount{Count: len(text) / 4, Model: c.model, Approximate: true}
	}
	return TokenCount{Count: len(c.encoding.Encode(text, nil, nil)), Model: c.model}
}

// CountAll sums counts over several texts, e.g. context messages.
func (c *Counter) CountAll(texts []string) TokenCount {
	total := TokenCount{Model: c.model}
	for _, t := range texts {
		tc := c.Count(t)
		total.Count += tc.Count
		total.Approximate = total.Approximate || tc.Approximate
	}
	return total
}
