package modelclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func mockSSEServer(tokens []string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)

		for _, token := range tokens {
			chunk := fmt.Sprintf(`{"choices":[{"delta":{"content":%q}}]}`, token)
			fmt.Fprintf(w, "data: %s\n\n", chunk)
			flusher.Flush()
		}
		fmt.Fprintf(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
}

func TestCompleteStream_TokensInOrder(t *testing.T) {
	tokens := []string{"The", " contract", " expires", " in", " 2027"}
	srv := mockSSEServer(tokens)
	defer srv.Close()

	c := New(Config{APIKey: "test-key", BaseURL: srv.URL})
	textCh, errCh := c.CompleteStream(context.Background(), CompleteOpts{Model: "m"})

	var received []string
	for tok := range textCh {
		received = append(received, tok)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Join(received, "") != strings.Join(tokens, "") {
		t.Errorf("got %v, want %v", received, tokens)
	}
}

func TestCompleteStream_AuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(Config{APIKey: "bad", BaseURL: srv.URL})
	textCh, errCh := c.CompleteStream(context.Background(), CompleteOpts{Model: "m"})
	for range textCh {
	}

	err := <-errCh
	if err == nil {
		t.Fatal("expected auth error")
	}
	mte, ok := err.(*ModelTransportError)
	if !ok || mte.Kind != ErrAuth {
		t.Errorf("expected ErrAuth, got %v", err)
	}
}

func TestCompleteStream_MalformedFramesSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"good\"}}]}\n\n")
		flusher.Flush()
		fmt.Fprintf(w, "data: {not valid json}\n\n")
		flusher.Flush()
		fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\" token\"}}]}\n\n")
		flusher.Flush()
		fmt.Fprintf(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	c := New(Config{APIKey: "key", BaseURL: srv.URL})
	textCh, errCh := c.CompleteStream(context.Background(), CompleteOpts{Model: "m"})

	var received []string
	for tok := range textCh {
		received = append(received, tok)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(received) != 2 || received[0] != "good" || received[1] != " token" {
		t.Errorf("unexpected tokens: %v", received)
	}
}

func TestCompleteStream_MidStreamAPIError_PreservesPartial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hello\"}}]}\n\n")
		flusher.Flush()
		fmt.Fprintf(w, "data: {\"error\":{\"message\":\"context length exceeded\"}}\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	c := New(Config{APIKey: "key", BaseURL: srv.URL})
	textCh, errCh := c.CompleteStream(context.Background(), CompleteOpts{Model: "m"})

	var received []string
	for tok := range textCh {
		received = append(received, tok)
	}
	if len(received) != 1 || received[0] != "hello" {
		t.Errorf("expected [hello], got %v", received)
	}

	err := <-errCh
	if err == nil {
		t.Fatal("expected mid-stream error")
	}
	mte, ok := err.(*ModelTransportError)
	if !ok {
		t.Fatalf("expected *ModelTransportError, got %T", err)
	}
	if mte.Partial != "hello" {
		t.Errorf("expected partial %q, got %q", "hello", mte.Partial)
	}
}

func TestCompleteStream_ContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for i := 0; i < 100; i++ {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"t%d \"}}]}\n\n", i)
			flusher.Flush()
			time.Sleep(20 * time.Millisecond)
		}
		fmt.Fprintf(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := New(Config{APIKey: "key", BaseURL: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	textCh, _ := c.CompleteStream(ctx, CompleteOpts{Model: "m"})
	var count int
	for range textCh {
		count++
	}
	if count >= 100 {
		t.Errorf("expected cancellation before all tokens arrived, got %d", count)
	}
}

func TestComplete_AttributionHeaders(t *testing.T) {
	var gotReferer, gotTitle string
	var gotBody chatRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReferer = r.Header.Get("HTTP-Referer")
		gotTitle = r.Header.Get("X-Title")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	c := New(Config{APIKey: "key", BaseURL: srv.URL, RefererURL: "https://veriloop.example", AppTitle: "veriloop"})
	res, err := c.Complete(context.Background(), CompleteOpts{
		Model:    "m",
		Messages: []Message{{Role: "system", Content: "s"}, {Role: "user", Content: "u"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Content != "ok" {
		t.Errorf("expected content ok, got %q", res.Content)
	}
	if gotReferer != "https://veriloop.example" || gotTitle != "veriloop" {
		t.Errorf("missing attribution headers: referer=%q title=%q", gotReferer, gotTitle)
	}
	if len(gotBody.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(gotBody.Messages))
	}
}

func TestComplete_RetriesOn503(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"content":"recovered"}}]}`)
	}))
	defer srv.Close()

	c := New(Config{APIKey: "key", BaseURL: srv.URL})
	res, err := c.Complete(context.Background(), CompleteOpts{Model: "m"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Content != "recovered" {
		t.Errorf("expected recovered content, got %q", res.Content)
	}
	if attempts < 2 {
		t.Errorf("expected at least 2 attempts, got %d", attempts)
	}
}

func TestComplete_DoesNotRetryOnAuthError(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(Config{APIKey: "bad", BaseURL: srv.URL})
	_, err := c.Complete(context.Background(), CompleteOpts{Model: "m"})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("expected exactly 1 attempt for auth error, got %d", attempts)
	}
}
