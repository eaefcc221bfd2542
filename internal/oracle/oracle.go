// Package oracle implements the LLM oracle bridge (spec.md §4.9, component
// C9): a single chat interface used at three sites — startup grammar
// induction, seed enrichment, and mid-run stall recovery — each resilient
// to oracle failure (spec §4.9 "any null short-circuits gracefully;
// fuzzing never blocks on the oracle").
//
// No LLM client library appears anywhere in the example pack, so the HTTP
// oracle implementation is built on net/http directly (see DESIGN.md).
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dsmmcken/ssfuzz/internal/flog"
)

// Oracle is the single chat interface every call site goes through (spec
// §4.9 "chat(prompt, retries, temperature) -> text or null").
type Oracle interface {
	Chat(ctx context.Context, prompt string, retries int, temperature float64) (string, bool)
}

// StubOracle always returns a canned response, or no response if Canned is
// empty. Used in tests and when no LLM endpoint is configured, so the rest
// of the fuzzer's oracle-dependent logic degrades the same way it would
// against a flaky real endpoint.
type StubOracle struct {
	Canned string
}

func (s *StubOracle) Chat(ctx context.Context, prompt string, retries int, temperature float64) (string, bool) {
	if s.Canned == "" {
		return "", false
	}
	return s.Canned, true
}

// HTTPOracle calls a JSON chat-completion style HTTP endpoint.
type HTTPOracle struct {
	Client   *http.Client
	Endpoint string
	APIKey   string
	Model    string
}

// NewHTTPOracle constructs an HTTPOracle with a bounded-timeout client.
func NewHTTPOracle(endpoint, apiKey, model string) *HTTPOracle {
	return &HTTPOracle{
		Client:   &http.Client{Timeout: 10 * time.Second},
		Endpoint: endpoint,
		APIKey:   apiKey,
		Model:    model,
	}
}

type chatRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	Temperature float64 `json:"temperature"`
}

type chatResponse struct {
	Text string `json:"text"`
}

// Chat posts one completion request, retrying up to `retries` times on
// transport or decode failure. Any exhausted-retry condition returns
// ("", false) rather than an error — per spec, oracle failure is never
// fatal.
func (o *HTTPOracle) Chat(ctx context.Context, prompt string, retries int, temperature float64) (string, bool) {
	if retries < 1 {
		retries = 1
	}
	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		text, err := o.chatOnce(ctx, prompt, temperature)
		if err == nil {
			return text, true
		}
		lastErr = err
	}
	flog.Warnf("oracle chat failed after %d attempts: %v", retries, lastErr)
	return "", false
}

func (o *HTTPOracle) chatOnce(ctx context.Context, prompt string, temperature float64) (string, error) {
	body, err := json.Marshal(chatRequest{Model: o.Model, Prompt: prompt, Temperature: temperature})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if o.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.APIKey)
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("oracle endpoint returned %s", resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	var out chatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", err
	}
	return out.Text, nil
}
