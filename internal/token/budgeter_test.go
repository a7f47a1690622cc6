package token

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// wordEstimator is a deterministic estimator for truncation tests: one token
// per whitespace-separated word.
type wordEstimator struct{}

func (wordEstimator) Estimate(text string) int { return len(strings.Fields(text)) }

func TestTruncateKeepsContiguousSuffix(t *testing.T) {
	t.Parallel()

	history := []string{
		"one two three",        // 3 + 1 overhead
		"four five",            // 2 + 1
		"six",                  // 1 + 1
		"seven eight nine ten", // 4 + 1
	}
	b := NewBudgeter(wordEstimator{}, 1)

	// Budget admits the last two entries (5 + 2) but not "four five" (3 more).
	got := b.Truncate(history, 0, 0, 8)
	require.Equal(t, []string{"six", "seven eight nine ten"}, got)
}

func TestTruncateReservesSystemAndNewMessage(t *testing.T) {
	t.Parallel()

	history := []string{"alpha beta", "gamma delta"}
	b := NewBudgeter(wordEstimator{}, 0)

	// Budget 10, minus 4 system and 4 new message, leaves room for only the
	// most recent entry.
	got := b.Truncate(history, 4, 4, 10)
	require.Equal(t, []string{"gamma delta"}, got)

	// Nothing fits when the reservations consume the whole budget.
	require.Empty(t, b.Truncate(history, 6, 4, 10))
}

func TestTruncatePropertyContiguousSuffixUnderBudget(t *testing.T) {
	t.Parallel()

	b := NewBudgeter(wordEstimator{}, 2)

	var history []string
	for i := 0; i < 40; i++ {
		history = append(history, strings.Repeat(fmt.Sprintf("w%d ", i), i%7+1))
	}

	for _, budget := range []int{0, 5, 17, 50, 120, 10000} {
		got := b.Truncate(history, 3, 2, budget)

		// Output is a suffix of the input, in original order.
		require.Equal(t, history[len(history)-len(got):], got)

		// Total estimated cost stays within the remaining budget.
		total := 0
		for _, content := range got {
			total += b.Estimate(content) + 2
		}
		require.LessOrEqual(t, total, max(budget-3-2-2, 0), "budget %d", budget)

		// Maximality: including one more entry would exceed the budget.
		if len(got) < len(history) {
			next := history[len(history)-len(got)-1]
			require.Greater(t, total+b.Estimate(next)+2, max(budget-3-2-2, 0))
		}
	}
}

func TestHeuristicEstimateMonotonicInLength(t *testing.T) {
	t.Parallel()

	est := NewEstimator(DefaultProfile(), 16)
	est.enc = nil // force the profile heuristic

	prev := 0
	text := ""
	for i := 0; i < 50; i++ {
		text += "word "
		got := est.Estimate(text + fmt.Sprint(i))
		require.GreaterOrEqual(t, got, prev)
		prev = got
	}
}

func TestEstimatorCachesExactMatches(t *testing.T) {
	t.Parallel()

	est := NewEstimator(DefaultProfile(), 4)
	est.enc = nil

	first := est.Estimate("hello bounded cache")
	require.Equal(t, first, est.Estimate("hello bounded cache"))
	cached, ok := est.cache.Get("hello bounded cache")
	require.True(t, ok)
	require.Equal(t, first, cached)

	// The cache is bounded: filling past capacity keeps it at the limit.
	for i := 0; i < 32; i++ {
		est.Estimate(fmt.Sprintf("filler %d", i))
	}
	require.LessOrEqual(t, est.cache.Len(), 4)
}

func TestEstimateEmptyText(t *testing.T) {
	t.Parallel()

	est := NewEstimator(Profile{Name: "tiny", CharsPerToken: 2}, 8)
	est.enc = nil
	require.Zero(t, est.Estimate(""))
	require.Equal(t, 1, est.Estimate("a"))
}
