package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(url string, attempts int) *Client {
	c := New(Config{APIKey: "test_api_key", Model: "test_model", Endpoint: url, MaxAttempts: attempts})
	c.initialDelay = time.Millisecond
	return c
}

func TestCompleteRequestShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test_api_key" {
			t.Errorf("Expected bearer auth, got %q", got)
		}
		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("Failed to decode request: %v", err)
			return
		}
		if body.Model != "test_model" || len(body.Messages) != 1 {
			t.Errorf("Unexpected request body %+v", body)
		}
		if body.Messages[0].Role != "user" || body.Messages[0].Content != "Which is it?" {
			t.Errorf("Unexpected message %+v", body.Messages[0])
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"3"}}]}`))
	}))
	defer srv.Close()

	reply, err := newTestClient(srv.URL, 1).Complete(context.Background(), "Which is it?")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if reply != "3" {
		t.Errorf("Expected reply '3', got %q", reply)
	}
}

func TestCompleteFailures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"non-2xx with API error", http.StatusUnauthorized, `{"error":{"message":"invalid key","type":"auth"}}`, "invalid key"},
		{"non-2xx plain body", http.StatusBadGateway, `upstream down`, "status 502"},
		{"malformed JSON", http.StatusOK, `{"choices":`, "failed to decode"},
		{"no choices", http.StatusOK, `{"choices":[]}`, "no choices"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newTestClient(srv.URL, 1).Complete(context.Background(), "q")
			if err == nil {
				t.Fatal("Expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestCompleteValidation(t *testing.T) {
	c := New(Config{APIKey: "", Model: "m", Endpoint: "http://127.0.0.1:1"})
	if _, err := c.Complete(context.Background(), "q"); err == nil {
		t.Error("Expected error with missing API key")
	}
	c = New(Config{APIKey: "k", Model: "", Endpoint: "http://127.0.0.1:1"})
	if _, err := c.Complete(context.Background(), "q"); err == nil {
		t.Error("Expected error with missing model")
	}
}

func TestRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	reply, err := newTestClient(srv.URL, 3).Complete(context.Background(), "q")
	if err != nil {
		t.Fatalf("Expected success on third attempt: %v", err)
	}
	if reply != "ok" || calls.Load() != 3 {
		t.Errorf("Expected 'ok' after 3 calls, got %q after %d", reply, calls.Load())
	}
}

func TestCompleteHonorsContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := newTestClient(srv.URL, 3).Complete(ctx, "q")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestQueryVision(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body ChatRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		parts, _ := body.Messages[0].Content.([]any)
		if len(parts) != 2 {
			t.Errorf("Expected text and image parts, got %v", body.Messages[0].Content)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"Capital of France?\nParis\nRome</image>"}}]}`))
	}))
	defer srv.Close()

	text, err := newTestClient(srv.URL, 1).QueryVision(context.Background(), []byte{0x89, 'P', 'N', 'G'})
	if err != nil {
		t.Fatalf("QueryVision failed: %v", err)
	}
	if text != "Capital of France?\nParis\nRome" {
		t.Errorf("Expected cleaned text, got %q", text)
	}
}

func TestQueryVisionNoText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"NO_TEXT_FOUND"}}]}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 1).QueryVision(context.Background(), []byte{1})
	if !errors.Is(err, ErrNoText) {
		t.Errorf("Expected ErrNoText, got %v", err)
	}
}
