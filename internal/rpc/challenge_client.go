// Package rpc provides challenge-server and wallet communication.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tos-network/tos-miner/internal/util"
)

// Challenge poll codes returned by the server
const (
	CodeBefore = "before"
	CodeAfter  = "after"
	CodeActive = "active"
)

// ChallengeData is the proof-of-work target published by the server
type ChallengeData struct {
	ID               string `json:"id"`
	Difficulty       string `json:"difficulty"`
	NoPreMine        string `json:"no_pre_mine"`
	LatestSubmission string `json:"latest_submission"`
	NoPreMineHour    string `json:"no_pre_mine_hour"`
}

// ChallengeResponse is the GET /challenge payload
type ChallengeResponse struct {
	Code      string         `json:"code"`
	Challenge *ChallengeData `json:"challenge,omitempty"`
	StartsAt  string         `json:"starts_at,omitempty"`
}

// TermsResponse is the GET /TandC payload
type TermsResponse struct {
	Message string `json:"message"`
}

// APIError carries the HTTP status and server message for classification
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("challenge server error %d: %s", e.Status, e.Message)
}

// IsRateLimited reports whether err is an HTTP 429 from the server
func IsRateLimited(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.Status == http.StatusTooManyRequests
}

// IsDuplicate reports whether err means the work was already accepted
// elsewhere (conflict responses are success for our purposes)
func IsDuplicate(err error) bool {
	apiErr, ok := err.(*APIError)
	if !ok {
		return false
	}
	if apiErr.Status == http.StatusConflict {
		return true
	}
	msg := strings.ToLower(apiErr.Message)
	if apiErr.Status >= 400 && apiErr.Status < 500 {
		for _, marker := range []string{"already submitted", "already registered", "duplicate", "conflict"} {
			if strings.Contains(msg, marker) {
				return true
			}
		}
	}
	return false
}

// ChallengeClient talks to the challenge server
type ChallengeClient struct {
	baseURL string
	client  *http.Client

	// Health tracking
	mu           sync.RWMutex
	healthy      bool
	lastCheck    time.Time
	successCount int
	failCount    int
}

// NewChallengeClient creates a client for the challenge server
func NewChallengeClient(baseURL string, timeout time.Duration) *ChallengeClient {
	return &ChallengeClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
		},
		healthy: true,
	}
}

// do runs one HTTP request and classifies non-2xx responses
func (c *ChallengeClient) do(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.recordFailure()
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.recordFailure()
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.recordFailure()
		return &APIError{Status: resp.StatusCode, Message: serverMessage(body)}
	}

	c.recordSuccess()
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// serverMessage extracts a human-readable message from an error body
func serverMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return strings.TrimSpace(string(body))
}

// recordSuccess records a successful call
func (c *ChallengeClient) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successCount++
	c.failCount = 0
	c.healthy = true
	c.lastCheck = time.Now()
}

// recordFailure records a failed call
func (c *ChallengeClient) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failCount++
	if c.failCount >= 3 && c.healthy {
		c.healthy = false
		util.Warnf("Challenge server marked unhealthy after %d failures", c.failCount)
	}
	c.lastCheck = time.Now()
}

// IsHealthy returns whether the server is healthy
func (c *ChallengeClient) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy
}

// GetChallenge fetches the current challenge state
func (c *ChallengeClient) GetChallenge(ctx context.Context) (*ChallengeResponse, error) {
	var resp ChallengeResponse
	if err := c.do(ctx, http.MethodGet, "/challenge", &resp); err != nil {
		return nil, err
	}
	if resp.Code == "" {
		return nil, fmt.Errorf("challenge response missing code")
	}
	return &resp, nil
}

// GetTerms fetches the terms-and-conditions message to sign during
// registration
func (c *ChallengeClient) GetTerms(ctx context.Context) (string, error) {
	var resp TermsResponse
	if err := c.do(ctx, http.MethodGet, "/TandC", &resp); err != nil {
		return "", err
	}
	return resp.Message, nil
}

// Register registers an address with its signed terms message
func (c *ChallengeClient) Register(ctx context.Context, address, signature, pubkeyHex string) error {
	path := fmt.Sprintf("/register/%s/%s/%s", address, signature, pubkeyHex)
	return c.do(ctx, http.MethodPost, path, nil)
}

// SubmitSolution submits a qualifying nonce for an address. A nil
// return means the server accepted it (2xx).
func (c *ChallengeClient) SubmitSolution(ctx context.Context, address, challengeID, nonce string) error {
	path := fmt.Sprintf("/solution/%s/%s/%s", address, challengeID, nonce)
	return c.do(ctx, http.MethodPost, path, nil)
}
