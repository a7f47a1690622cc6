// Package token provides the token budgeter: a heuristic token estimator with
// a bounded cache and a history truncator that always keeps a contiguous
// suffix of the conversation.
package token

import (
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkoukk/tiktoken-go"
)

// Estimator estimates the token cost of a piece of text. Estimates are
// heuristics: they are not required to match any real tokenizer exactly, but
// they must be monotonic in text length so truncation behaves predictably.
type Estimator interface {
	Estimate(text string) int
}

// Profile differentiates the fallback heuristic by model family.
type Profile struct {
	Name string
	// CharsPerToken is the divisor for the rune-count heuristic when the
	// tiktoken encoding is unavailable.
	CharsPerToken int
	// PerMessageOverhead is the fixed cost added for each message's framing.
	PerMessageOverhead int
}

// DefaultProfile matches cl100k-family models.
func DefaultProfile() Profile {
	return Profile{Name: "cl100k", CharsPerToken: 4, PerMessageOverhead: 4}
}

const defaultCacheSize = 1024

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// sharedEncoding lazily initializes the cl100k_base encoding. When tiktoken
// cannot load its vocabulary the estimator falls back to the profile
// heuristic.
func sharedEncoding() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	return encoding
}

// CachedEstimator estimates token counts with an exact-text-match bounded
// cache in front of the encoder.
type CachedEstimator struct {
	profile Profile
	enc     *tiktoken.Tiktoken
	cache   *lru.Cache[string, int]
}

// NewEstimator constructs an estimator for the given profile. cacheSize bounds
// the exact-match cache; zero or negative falls back to the default bound.
func NewEstimator(profile Profile, cacheSize int) *CachedEstimator {
	if profile.CharsPerToken <= 0 {
		profile.CharsPerToken = 4
	}
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New[string, int](cacheSize)
	if err != nil {
		// lru.New only errors on non-positive size which is guarded above.
		cache = nil
	}
	return &CachedEstimator{
		profile: profile,
		enc:     sharedEncoding(),
		cache:   cache,
	}
}

// Estimate returns the token estimate for text.
func (e *CachedEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	if e.cache != nil {
		if cached, ok := e.cache.Get(text); ok {
			return cached
		}
	}

	var estimate int
	if e.enc != nil {
		estimate = len(e.enc.Encode(text, nil, nil))
	} else {
		estimate = e.heuristic(text)
	}

	if e.cache != nil {
		e.cache.Add(text, estimate)
	}
	return estimate
}

// heuristic returns max(runes/charsPerToken, word count), never zero for
// non-empty input.
func (e *CachedEstimator) heuristic(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	runes := len([]rune(trimmed))
	words := len(strings.Fields(trimmed))
	estimate := runes / e.profile.CharsPerToken
	if estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}
