package rpc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGetChallengeActive(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/challenge" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte(`{
			"code": "active",
			"challenge": {
				"id": "ch42",
				"difficulty": "000FFFFF",
				"no_pre_mine": "abc",
				"latest_submission": "def",
				"no_pre_mine_hour": "7"
			}
		}`))
	}))
	defer server.Close()

	client := NewChallengeClient(server.URL, 5*time.Second)
	resp, err := client.GetChallenge(context.Background())
	if err != nil {
		t.Fatalf("GetChallenge() error: %v", err)
	}

	if resp.Code != CodeActive {
		t.Errorf("Code = %s, want active", resp.Code)
	}
	if resp.Challenge == nil {
		t.Fatal("Challenge should not be nil")
	}
	if resp.Challenge.ID != "ch42" {
		t.Errorf("Challenge.ID = %s, want ch42", resp.Challenge.ID)
	}
	if resp.Challenge.Difficulty != "000FFFFF" {
		t.Errorf("Challenge.Difficulty = %s", resp.Challenge.Difficulty)
	}
}

func TestGetChallengeBefore(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code": "before", "starts_at": "2026-01-01T00:00:00Z"}`))
	}))
	defer server.Close()

	client := NewChallengeClient(server.URL, 5*time.Second)
	resp, err := client.GetChallenge(context.Background())
	if err != nil {
		t.Fatalf("GetChallenge() error: %v", err)
	}
	if resp.Code != CodeBefore {
		t.Errorf("Code = %s, want before", resp.Code)
	}
	if resp.Challenge != nil {
		t.Error("Challenge should be nil before the period starts")
	}
}

func TestGetChallengeMissingCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := NewChallengeClient(server.URL, 5*time.Second)
	if _, err := client.GetChallenge(context.Background()); err == nil {
		t.Error("GetChallenge() should fail when code is missing")
	}
}

func TestGetTerms(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/TandC" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte(`{"message": "I agree to mine responsibly"}`))
	}))
	defer server.Close()

	client := NewChallengeClient(server.URL, 5*time.Second)
	msg, err := client.GetTerms(context.Background())
	if err != nil {
		t.Fatalf("GetTerms() error: %v", err)
	}
	if msg != "I agree to mine responsibly" {
		t.Errorf("GetTerms() = %q", msg)
	}
}

func TestRegisterPath(t *testing.T) {
	var gotPath, gotMethod string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewChallengeClient(server.URL, 5*time.Second)
	if err := client.Register(context.Background(), "tos1abc", "sig", "deadbeef"); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if gotPath != "/register/tos1abc/sig/deadbeef" {
		t.Errorf("path = %s", gotPath)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("method = %s, want POST", gotMethod)
	}
}

func TestSubmitSolutionPath(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := NewChallengeClient(server.URL, 5*time.Second)
	err := client.SubmitSolution(context.Background(), "tos1abc", "ch42", "00000000000000ff")
	if err != nil {
		t.Fatalf("SubmitSolution() error: %v", err)
	}
	if gotPath != "/solution/tos1abc/ch42/00000000000000ff" {
		t.Errorf("path = %s", gotPath)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		rateLtd   bool
		duplicate bool
	}{
		{"rate limited", 429, `{"message": "slow down"}`, true, false},
		{"conflict status", 409, `{"message": "nope"}`, false, true},
		{"already submitted message", 400, `{"message": "Already submitted for this challenge"}`, false, true},
		{"duplicate message", 422, `{"error": "duplicate solution"}`, false, true},
		{"plain server error", 500, `boom`, false, false},
		{"generic bad request", 400, `{"message": "malformed nonce"}`, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewChallengeClient(server.URL, 5*time.Second)
			err := client.SubmitSolution(context.Background(), "a", "c", "n")
			if err == nil {
				t.Fatal("expected error")
			}
			if IsRateLimited(err) != tt.rateLtd {
				t.Errorf("IsRateLimited = %v, want %v", IsRateLimited(err), tt.rateLtd)
			}
			if IsDuplicate(err) != tt.duplicate {
				t.Errorf("IsDuplicate = %v, want %v", IsDuplicate(err), tt.duplicate)
			}
		})
	}
}

func TestHealthTracking(t *testing.T) {
	fail := true
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"code": "active", "challenge": {"id": "c1"}}`))
	}))
	defer server.Close()

	client := NewChallengeClient(server.URL, 5*time.Second)
	if !client.IsHealthy() {
		t.Error("client should start healthy")
	}

	for i := 0; i < 3; i++ {
		client.GetChallenge(context.Background())
	}
	if client.IsHealthy() {
		t.Error("client should be unhealthy after 3 failures")
	}

	fail = false
	if _, err := client.GetChallenge(context.Background()); err != nil {
		t.Fatalf("GetChallenge() error: %v", err)
	}
	if !client.IsHealthy() {
		t.Error("client should recover after a success")
	}
}

func TestIsDuplicateNonAPIError(t *testing.T) {
	if IsDuplicate(context.DeadlineExceeded) {
		t.Error("plain errors should not classify as duplicates")
	}
	if IsRateLimited(context.DeadlineExceeded) {
		t.Error("plain errors should not classify as rate limited")
	}
}
