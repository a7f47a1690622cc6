package redaction

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	errs "mira/internal/errors"
)

func TestSanitizeStepsScenario(t *testing.T) {
	t.Parallel()

	result, err := New().Sanitize("I walked 10,000 steps yesterday")
	require.NoError(t, err)

	require.NotContains(t, result.SanitizedText, "10,000")
	require.NotContains(t, result.SanitizedText, "yesterday")
	require.True(t, result.HadRedactions)
	require.Contains(t, result.Categories, CategoryNumeric)
	require.Contains(t, result.Categories, CategoryTemporal)
}

func TestSanitizeTemporalBeforeNumeric(t *testing.T) {
	t.Parallel()

	// The date must be tagged temporal, not shredded into numbers.
	result, err := New().Sanitize("my appointment was on 2026-03-01")
	require.NoError(t, err)

	require.Contains(t, result.SanitizedText, PlaceholderTime)
	require.NotContains(t, result.SanitizedText, "2026")
	require.Equal(t, CategoryTemporal, result.Categories[0])
}

func TestSanitizeIdempotent(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"I walked 10,000 steps yesterday",
		"took 2 pills at 8:30am on March 3rd",
		"messaged my sister on WhatsApp near the pharmacy",
		"nothing sensitive here",
	}

	s := New()
	for _, input := range inputs {
		first, err := s.Sanitize(input)
		require.NoError(t, err)
		second, err := s.Sanitize(first.SanitizedText)
		require.NoError(t, err)
		require.Equal(t, first.SanitizedText, second.SanitizedText)
		require.False(t, second.HadRedactions, "second pass must find nothing for %q", input)
	}
}

func TestSanitizeAppAndLocationLayers(t *testing.T) {
	t.Parallel()

	result, err := New().Sanitize("I told Alexa about it at the gym")
	require.NoError(t, err)

	require.Contains(t, result.SanitizedText, PlaceholderApp)
	require.Contains(t, result.SanitizedText, PlaceholderPlace)
	require.Equal(t, []Category{CategoryApp, CategoryLocation}, result.Categories)
}

func TestStrictModeBlocksHighConfidenceIdentifiers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
	}{
		{"email", "reach me at jane.doe@example.com please"},
		{"national id", "my number is 123-45-6789"},
		{"phone", "call me on +1 (555) 123-4567"},
	}

	s := NewStrict()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := s.Sanitize(tt.input)
			require.Error(t, err)
			require.True(t, errs.IsSensitiveContent(err))
			// The error must not echo the original content.
			require.NotContains(t, err.Error(), "jane.doe")
			require.NotContains(t, err.Error(), "555")
			require.NotContains(t, err.Error(), "6789")
		})
	}
}

func TestNonStrictModeReturnsBestEffort(t *testing.T) {
	t.Parallel()

	result, err := New().Sanitize("reach me at jane.doe@example.com")
	require.NoError(t, err)
	require.Equal(t, "reach me at jane.doe@example.com", result.OriginalText)
}

func TestStrictModePassesCleanTextAfterTransforms(t *testing.T) {
	t.Parallel()

	result, err := NewStrict().Sanitize("I walked 10,000 steps yesterday")
	require.NoError(t, err)
	require.True(t, result.HadRedactions)
	require.False(t, strings.ContainsAny(result.SanitizedText, "0123456789"))
}

func TestSanitizeNoRedactions(t *testing.T) {
	t.Parallel()

	result, err := New().Sanitize("I feel a bit better")
	require.NoError(t, err)
	require.False(t, result.HadRedactions)
	require.Empty(t, result.Categories)
	require.Equal(t, "I feel a bit better", result.SanitizedText)
}
