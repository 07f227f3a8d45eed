// Package moderation gates message content on an external classification
// service. The service is a black box that takes text and returns a binary
// flagged verdict; anything else (errors, timeouts, malformed responses) is
// surfaced as an error so that callers fail closed rather than letting
// unclassified content through.
package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/xerrors"

	"github.com/driftboard/driftboard/internal/util/stringutil"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"

	// Bounds the latency any single send request can accrue waiting on the
	// classification service.
	requestTimeout = 5 * time.Second

	retryDelay = 1 * time.Second
)

// Gate is the verdict interface the admission pipeline depends on. Check
// returns whether the given text was flagged as abusive/unsafe.
type Gate interface {
	Check(ctx context.Context, text string) (bool, error)
}

// GateFunc adapts a plain function to the Gate interface. Mostly useful in
// tests.
type GateFunc func(ctx context.Context, text string) (bool, error)

func (f GateFunc) Check(ctx context.Context, text string) (bool, error) {
	return f(ctx, text)
}

// Client is a Gate backed by an OpenAI-compatible `/moderations` endpoint.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	retryDelay time.Duration
}

func NewClient(apiKey, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
		retryDelay: retryDelay,
	}
}

type moderationRequest struct {
	Input string `json:"input"`
}

type moderationResponse struct {
	Results []struct {
		Flagged bool `json:"flagged"`
	} `json:"results"`
}

// Check classifies the given text, retrying once after a short delay if the
// first attempt fails in a way that looks transient.
func (c *Client) Check(ctx context.Context, text string) (bool, error) {
	flagged, err := c.classify(ctx, text)
	if err != nil && isRetriable(err) {
		if err := sleepWithContext(ctx, c.retryDelay); err != nil {
			return false, err
		}
		flagged, err = c.classify(ctx, text)
	}
	if err != nil {
		return false, err
	}

	return flagged, nil
}

func (c *Client) classify(ctx context.Context, text string) (bool, error) {
	body, err := json.Marshal(moderationRequest{Input: text})
	if err != nil {
		return false, xerrors.Errorf("error marshaling moderation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/moderations", bytes.NewReader(body))
	if err != nil {
		return false, xerrors.Errorf("error building moderation request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, xerrors.Errorf("error calling moderation service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return false, &StatusError{
			StatusCode: resp.StatusCode,
			Body:       stringutil.SampleLong(string(respBody)),
		}
	}

	var moderation moderationResponse
	if err := json.NewDecoder(resp.Body).Decode(&moderation); err != nil {
		return false, xerrors.Errorf("error decoding moderation response: %w", err)
	}

	if len(moderation.Results) < 1 {
		return false, xerrors.New("moderation response contained no results")
	}

	return moderation.Results[0].Flagged, nil
}

// StatusError is a non-200 response from the classification service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("moderation service responded %d: %s", e.StatusCode, e.Body)
}

func isRetriable(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500
	}

	return false
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck
	case <-time.After(d):
		return nil
	}
}
