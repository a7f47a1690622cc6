package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"mira/internal/config"
	"mira/internal/session"
)

// httpProvider talks to a JSON generation endpoint. It doubles as the
// connectivity probe by issuing a HEAD request against the endpoint host.
type httpProvider struct {
	endpoint string
	model    string
	client   *http.Client
}

func newHTTPProvider(cfg config.ProviderConfig) *httpProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &httpProvider{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		client:   &http.Client{Timeout: timeout},
	}
}

type generateRequest struct {
	Model        string            `json:"model"`
	SystemPrompt string            `json:"system_prompt"`
	History      []generateMessage `json:"history"`
	Message      string            `json:"message"`
}

type generateMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type generateResponse struct {
	Reply string `json:"reply"`
	Error string `json:"error,omitempty"`
}

func (p *httpProvider) Generate(ctx context.Context, systemPrompt string, history []session.Message, newMessage string) (string, error) {
	payload := generateRequest{
		Model:        p.model,
		SystemPrompt: systemPrompt,
		Message:      newMessage,
	}
	for _, msg := range history {
		payload.History = append(payload.History, generateMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("provider returned status %d", resp.StatusCode)
	}

	var decoded generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode provider response: %w", err)
	}
	if decoded.Error != "" {
		return "", fmt.Errorf("provider error: %s", decoded.Error)
	}
	return decoded.Reply, nil
}

// IsOnline reports reachability of the provider host with a short deadline so
// an unplugged network fails fast instead of hanging the turn.
func (p *httpProvider) IsOnline(ctx context.Context) bool {
	parsed, err := url.Parse(p.endpoint)
	if err != nil {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead,
		parsed.Scheme+"://"+parsed.Host+"/", nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return true
}
