// Package assistant orchestrates one conversational turn: redaction, session
// locking, history windowing, the breaker-guarded provider call, offline
// queueing, and durable recording. It owns the wiring between the core
// components but none of their policies.
package assistant

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	errs "mira/internal/errors"
	"mira/internal/logging"
	"mira/internal/observability"
	"mira/internal/queue"
	"mira/internal/redaction"
	"mira/internal/session"
	"mira/internal/token"
)

// Provider generates assistant replies. Implementations receive only
// sanitized content.
type Provider interface {
	Generate(ctx context.Context, systemPrompt string, history []session.Message, newMessage string) (string, error)
}

// ConnectivityProbe reports whether the provider is reachable. A nil probe
// means always online.
type ConnectivityProbe interface {
	IsOnline(ctx context.Context) bool
}

// Reply is the outcome of one conversational turn.
type Reply struct {
	SessionID    string `json:"session_id"`
	DisplayText  string `json:"display_text"`
	WasSanitized bool   `json:"was_sanitized"`
	UsedFallback bool   `json:"used_fallback"`
	Queued       bool   `json:"queued"`
	QueuedItemID string `json:"queued_item_id,omitempty"`
}

const (
	fallbackText = "I'm having trouble reaching the assistant service right now. " +
		"Your message was saved; please try again shortly."
	offlineText = "You appear to be offline. Your message was queued and will be " +
		"delivered when the connection returns."
)

// Config carries the per-turn constants.
type Config struct {
	SystemPrompt       string
	SystemPromptTokens int
	TokenBudget        int
}

// Deps are the collaborators the service wires together. Queue, probe, and
// metrics may be nil; the corresponding behavior degrades gracefully.
type Deps struct {
	Gate      *session.Gate
	Sanitizer *redaction.Sanitizer
	Budgeter  *token.Budgeter
	Breaker   *errs.CircuitBreaker
	Queue     *queue.Queue
	Provider  Provider
	Probe     ConnectivityProbe
	Metrics   *observability.Metrics
}

// Service runs conversational turns.
type Service struct {
	gate      *session.Gate
	sanitizer *redaction.Sanitizer
	budgeter  *token.Budgeter
	breaker   *errs.CircuitBreaker
	queue     *queue.Queue
	provider  Provider
	probe     ConnectivityProbe
	metrics   *observability.Metrics
	logger    logging.Logger
	config    Config

	probeGroup singleflight.Group
}

// New constructs the service.
func New(deps Deps, config Config) *Service {
	return &Service{
		gate:      deps.Gate,
		sanitizer: deps.Sanitizer,
		budgeter:  deps.Budgeter,
		breaker:   deps.Breaker,
		queue:     deps.Queue,
		provider:  deps.Provider,
		probe:     deps.Probe,
		metrics:   deps.Metrics,
		logger:    logging.NewComponentLogger("assistant"),
		config:    config,
	}
}

// SendMessage runs one turn for the session. Strict-mode redaction failures
// and queue backpressure surface as errors; provider failures resolve to a
// fallback reply. The only other error returned is the caller's own context
// cancellation.
func (s *Service) SendMessage(ctx context.Context, sessionID, text string) (Reply, error) {
	result, err := s.sanitizer.Sanitize(text)
	if err != nil {
		// Blocked input is never stored or forwarded.
		s.logger.Warn("Turn blocked by redaction (session=%s, length=%d)", sessionID, len(text))
		return Reply{}, err
	}
	if result.HadRedactions {
		s.logger.Debug("Redacted categories %s before storage (session=%s)",
			describeCategories(result.Categories), sessionID)
		if s.metrics != nil {
			s.metrics.SanitizedMessages.Inc()
		}
	}

	handle := s.gate.Acquire(ctx, sessionID)
	defer handle.Release()

	window := s.window(handle.History(), result.SanitizedText)

	metadata := session.Metadata{}
	if result.HadRedactions {
		metadata["sanitized"] = session.MetaFlag(true)
	}

	if !s.online(ctx) {
		return s.sendOffline(ctx, handle, sessionID, result, metadata)
	}

	handle.AddMessage(ctx, session.RoleUser, result.SanitizedText, metadata)

	reply, usedFallback, err := errs.ExecuteFunc(s.breaker, ctx,
		func(ctx context.Context) (string, error) {
			return s.provider.Generate(ctx, s.config.SystemPrompt, window, result.SanitizedText)
		},
		func() string { return fallbackText })
	if err != nil {
		return Reply{}, err
	}
	if usedFallback && s.metrics != nil {
		s.metrics.FallbackReplies.Inc()
	}

	handle.AddMessage(ctx, session.RoleAssistant, reply, nil)

	return Reply{
		SessionID:    sessionID,
		DisplayText:  reply,
		WasSanitized: result.HadRedactions,
		UsedFallback: usedFallback,
	}, nil
}

// sendOffline stores the turn and queues delivery. Queue backpressure is
// surfaced to the caller after the message is already safe in the session.
func (s *Service) sendOffline(ctx context.Context, handle *session.Handle, sessionID string, result redaction.Result, metadata session.Metadata) (Reply, error) {
	handle.AddMessage(ctx, session.RoleUser, result.SanitizedText, metadata)

	if s.queue == nil {
		return Reply{}, &errs.QueueFullError{}
	}
	item, err := s.queue.Enqueue(ctx, sessionID, result.SanitizedText,
		queue.PriorityNormal, s.breaker.State().String())
	if err != nil {
		if errs.IsQueueFull(err) && s.metrics != nil {
			s.metrics.QueueRejections.Inc()
		}
		return Reply{}, err
	}

	handle.AddMessage(ctx, session.RoleAssistant, offlineText, nil)

	return Reply{
		SessionID:    sessionID,
		DisplayText:  offlineText,
		WasSanitized: result.HadRedactions,
		UsedFallback: true,
		Queued:       true,
		QueuedItemID: item.ID,
	}, nil
}

// DrainQueue attempts delivery of pending queued messages, highest priority
// first. It stops at the first delivery failure since further attempts would
// fail the same way, and returns the number delivered.
func (s *Service) DrainQueue(ctx context.Context) (int, error) {
	if s.queue == nil {
		return 0, nil
	}

	sent := 0
	for {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		item, err := s.queue.Dequeue(ctx)
		if err != nil {
			return sent, err
		}
		if item == nil {
			return sent, nil
		}

		history := s.gate.History(ctx, item.SessionID)
		window := s.window(history, item.Text)

		reply, usedFallback, err := errs.ExecuteFunc(s.breaker, ctx,
			func(ctx context.Context) (string, error) {
				return s.provider.Generate(ctx, s.config.SystemPrompt, window, item.Text)
			},
			func() string { return "" })
		if err != nil {
			return sent, err
		}
		if usedFallback {
			if markErr := s.queue.MarkFailure(ctx, item.ID); markErr != nil {
				s.logger.Warn("Failed to record delivery failure for queued item %s", item.ID)
			}
			return sent, nil
		}

		if err := s.queue.MarkSent(ctx, item.ID); err != nil {
			return sent, err
		}
		s.gate.AddMessage(ctx, item.SessionID, session.RoleAssistant, reply, nil)
		sent++
	}
}

// window returns the newest contiguous run of history that fits the token
// budget alongside the system prompt and the new message.
func (s *Service) window(history []session.Message, newMessage string) []session.Message {
	if s.budgeter == nil || s.config.TokenBudget <= 0 {
		return history
	}
	contents := make([]string, len(history))
	for i, msg := range history {
		contents[i] = msg.Content
	}
	idx := s.budgeter.FitIndex(contents, s.config.SystemPromptTokens,
		s.budgeter.Estimate(newMessage), s.config.TokenBudget)
	if idx > 0 {
		s.logger.Debug("History window truncated %d -> %d messages", len(history), len(history)-idx)
	}
	return history[idx:]
}

// online answers the connectivity question, collapsing concurrent probes into
// a single in-flight check.
func (s *Service) online(ctx context.Context) bool {
	if s.probe == nil {
		return true
	}
	online, _, _ := s.probeGroup.Do("probe", func() (any, error) {
		return s.probe.IsOnline(ctx), nil
	})
	return online.(bool)
}

// Stats is the combined operational view across the core's components.
type Stats struct {
	Store        session.StoreStats          `json:"store"`
	Breaker      errs.CircuitBreakerSnapshot `json:"breaker"`
	QueueDepth   int                         `json:"queue_depth"`
	RecentAlerts []session.ThresholdCrossed  `json:"recent_alerts,omitempty"`
	CollectedAt  time.Time                   `json:"collected_at"`
}

// Stats snapshots the core and refreshes the exported gauges.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{
		Store:       s.gate.Stats(),
		Breaker:     s.breaker.Snapshot(),
		CollectedAt: time.Now(),
	}
	if monitor := s.gate.Monitor(); monitor != nil {
		history := monitor.History()
		if len(history) > 10 {
			history = history[len(history)-10:]
		}
		stats.RecentAlerts = history
	}
	if s.queue != nil {
		depth, err := s.queue.Depth(ctx)
		if err != nil {
			return Stats{}, err
		}
		stats.QueueDepth = depth
	}

	if s.metrics != nil {
		s.metrics.ObserveStats(stats.Store)
		s.metrics.ObserveBreaker(stats.Breaker.State)
		s.metrics.ObserveQueueDepth(stats.QueueDepth)
	}
	return stats, nil
}

// ClearSession removes a session from memory and the durable mirror.
func (s *Service) ClearSession(ctx context.Context, sessionID string) {
	s.gate.ClearSession(ctx, sessionID)
}

// Cleanup removes sessions idle longer than maxAge and returns the count.
func (s *Service) Cleanup(ctx context.Context, maxAge time.Duration) int {
	return s.gate.CleanupOlderThan(ctx, time.Now().Add(-maxAge))
}

// History returns the session's messages for display.
func (s *Service) History(ctx context.Context, sessionID string) []session.Message {
	return s.gate.History(ctx, sessionID)
}

// describeCategories renders redaction categories for logs without content.
func describeCategories(categories []redaction.Category) string {
	names := make([]string, len(categories))
	for i, c := range categories {
		names[i] = string(c)
	}
	return strings.Join(names, ",")
}
