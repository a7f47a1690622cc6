// Package redaction implements the layered content-redaction gate. Text is
// passed through ordered, idempotent transform layers that replace sensitive
// spans with fixed placeholders; a residual scan then re-checks that nothing
// identifying survived. In strict mode any residual match blocks the text from
// leaving the device.
//
// Nothing in this package logs or embeds original text in errors; failures
// report only lengths and category names.
package redaction

import (
	"regexp"

	errs "mira/internal/errors"
	"mira/internal/logging"
)

// Category identifies a redaction layer.
type Category string

const (
	CategoryTemporal Category = "temporal"
	CategoryNumeric  Category = "numeric"
	CategoryApp      Category = "app"
	CategoryLocation Category = "location"
)

// Placeholders substituted for matched spans. They are chosen so that no
// layer pattern can re-match them, which is what makes Sanitize idempotent.
const (
	PlaceholderTime   = "[TIME]"
	PlaceholderNumber = "[NUMBER]"
	PlaceholderApp    = "[APP]"
	PlaceholderPlace  = "[PLACE]"
)

// Result is the outcome of a sanitize pass.
type Result struct {
	SanitizedText string
	OriginalText  string
	HadRedactions bool
	// Categories lists the layers that fired, in application order.
	Categories []Category
}

type layer struct {
	category    Category
	placeholder string
	patterns    []*regexp.Regexp
}

// Order matters: temporal patterns run before generic numeric patterns since
// dates contain digits that would otherwise be mis-tagged as plain numbers.
var layers = []layer{
	{
		category:    CategoryTemporal,
		placeholder: PlaceholderTime,
		patterns: []*regexp.Regexp{
			// Absolute dates: 2026-03-01, 3/1/26, 01.03.2026
			regexp.MustCompile(`\b\d{1,4}[/.-]\d{1,2}[/.-]\d{1,4}\b`),
			// Month-name dates: March 1st, 1 March, Mar 1
			regexp.MustCompile(`(?i)\b(?:jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|jun(?:e)?|jul(?:y)?|aug(?:ust)?|sep(?:tember)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)\s+\d{1,2}(?:st|nd|rd|th)?\b`),
			regexp.MustCompile(`(?i)\b\d{1,2}(?:st|nd|rd|th)?\s+(?:jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|jun(?:e)?|jul(?:y)?|aug(?:ust)?|sep(?:tember)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)\b`),
			// Clock times: 14:30, 2:30pm
			regexp.MustCompile(`(?i)\b\d{1,2}:\d{2}(?::\d{2})?\s?(?:am|pm)?\b`),
			// Relative references: yesterday, last week, 3 days ago
			regexp.MustCompile(`(?i)\b(?:yesterday|today|tomorrow|tonight|this\s+(?:morning|afternoon|evening))\b`),
			regexp.MustCompile(`(?i)\b(?:last|next)\s+(?:week|month|year|night|monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`),
			regexp.MustCompile(`(?i)\b\d+\s+(?:second|minute|hour|day|week|month|year)s?\s+ago\b`),
			regexp.MustCompile(`(?i)\b(?:monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`),
		},
	},
	{
		category:    CategoryNumeric,
		placeholder: PlaceholderNumber,
		patterns: []*regexp.Regexp{
			// Grouped and plain numbers: 10,000 / 98.6 / 1200
			regexp.MustCompile(`\b\d{1,3}(?:,\d{3})+(?:\.\d+)?\b`),
			regexp.MustCompile(`\b\d+(?:\.\d+)?\b`),
		},
	},
	{
		category:    CategoryApp,
		placeholder: PlaceholderApp,
		patterns: []*regexp.Regexp{
			// Named third-party applications and devices.
			regexp.MustCompile(`(?i)\b(?:whatsapp|facebook|instagram|telegram|signal|tiktok|snapchat|twitter|messenger|wechat)\b`),
			regexp.MustCompile(`(?i)\b(?:fitbit|apple\s+watch|garmin|google\s+fit|samsung\s+health|alexa|siri|google\s+assistant)\b`),
		},
	},
	{
		category:    CategoryLocation,
		placeholder: PlaceholderPlace,
		patterns: []*regexp.Regexp{
			// Coarse location phrases; the noun alone is enough to identify a
			// visit pattern, so the whole phrase is replaced.
			regexp.MustCompile(`(?i)\b(?:at|in|near|to)\s+(?:the\s+|a\s+|my\s+)?(?:hospital|clinic|pharmacy|doctor'?s?\s+office|school|church|mosque|temple|synagogue|gym|park|office|workplace|supermarket)\b`),
		},
	},
}

// High-confidence identifier patterns. In strict mode these block the text
// before any transform runs; after transformation they are part of the
// residual scan.
var precheckPatterns = map[string]*regexp.Regexp{
	"email":       regexp.MustCompile(`\b[\w.+-]+@[\w-]+\.[\w.-]+\b`),
	"phone":       regexp.MustCompile(`(?:\+?\d[\d\s().-]{7,}\d)`),
	"national-id": regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
}

// Residual patterns that must not survive a transform pass.
var residualPatterns = map[string]*regexp.Regexp{
	"bare-number": regexp.MustCompile(`\d{4,}`),
	"date-like":   regexp.MustCompile(`\b\d{1,4}[/.-]\d{1,2}[/.-]\d{1,4}\b`),
	"email":       precheckPatterns["email"],
	"phone":       precheckPatterns["phone"],
	"national-id": precheckPatterns["national-id"],
}

// Sanitizer applies the redaction layers.
type Sanitizer struct {
	strict bool
	logger logging.Logger
}

// New returns a best-effort sanitizer: it always returns sanitized text, even
// when residual matches remain.
func New() *Sanitizer {
	return &Sanitizer{logger: logging.NewComponentLogger("redaction")}
}

// NewStrict returns a sanitizer that refuses to pass text containing
// high-confidence identifiers or residual sensitive patterns.
func NewStrict() *Sanitizer {
	return &Sanitizer{strict: true, logger: logging.NewComponentLogger("redaction")}
}

// Strict reports whether the sanitizer operates in strict mode.
func (s *Sanitizer) Strict() bool { return s.strict }

// Sanitize runs the transform layers over text. In strict mode it returns a
// *errs.SensitiveContentError when the pre-check finds a high-confidence
// identifier or when residual sensitive patterns survive the transforms; the
// caller must not forward the text externally in that case. In non-strict mode
// the best-effort sanitized text is always returned with a nil error.
func (s *Sanitizer) Sanitize(text string) (Result, error) {
	result := Result{OriginalText: text, SanitizedText: text}

	if s.strict {
		if hits := scan(precheckPatterns, text); len(hits) > 0 {
			s.logger.Warn("Strict pre-check blocked input (length=%d, patterns=%d)", len(text), len(hits))
			return result, errs.NewSensitiveContentError(hits, len(text))
		}
	}

	sanitized := text
	for _, l := range layers {
		fired := false
		for _, pattern := range l.patterns {
			replaced := pattern.ReplaceAllString(sanitized, l.placeholder)
			if replaced != sanitized {
				fired = true
				sanitized = replaced
			}
		}
		if fired {
			result.HadRedactions = true
			result.Categories = append(result.Categories, l.category)
		}
	}
	result.SanitizedText = sanitized

	if hits := scan(residualPatterns, sanitized); len(hits) > 0 {
		if s.strict {
			s.logger.Warn("Residual scan blocked output (length=%d, patterns=%d)", len(sanitized), len(hits))
			return result, errs.NewSensitiveContentError(hits, len(sanitized))
		}
		s.logger.Debug("Residual sensitive patterns remain after best-effort pass (patterns=%d)", len(hits))
	}

	return result, nil
}

// scan returns the names of patterns that match text, in stable order.
func scan(patterns map[string]*regexp.Regexp, text string) []string {
	var hits []string
	for _, name := range []string{"email", "phone", "national-id", "bare-number", "date-like"} {
		pattern, ok := patterns[name]
		if !ok {
			continue
		}
		if pattern.MatchString(text) {
			hits = append(hits, name)
		}
	}
	return hits
}
