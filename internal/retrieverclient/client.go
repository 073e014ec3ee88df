// Package retrieverclient is the thin adapter over the external vector
// search collaborator (C2). Vector search itself — ranking, embeddings,
// storage — is out of scope per spec.md §1; this package only turns an
// HTTP call to that external service into the narrow
// service.Retriever.Search contract the Orchestrator depends on.
package retrieverclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/connexus-ai/veriloop/internal/model"
	"github.com/connexus-ai/veriloop/internal/service"
)

// Client calls an external retrieval service's search endpoint over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Config configures a Client.
type Config struct {
	BaseURL string
	Timeout time.Duration // default 10s
}

// New creates a Client. baseURL points at the external retrieval service,
// e.g. "https://retriever.internal".
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

var _ service.Retriever = (*Client)(nil)

type searchRequest struct {
	WorkspaceID string  `json:"workspaceId"`
	Query       string  `json:"query"`
	Threshold   float64 `json:"threshold"`
	Limit       int     `json:"limit"`
}

type searchResponse struct {
	Chunks []struct {
		ChunkID          string  `json:"chunkId"`
		Content          string  `json:"content"`
		DocumentFilename string  `json:"documentFilename"`
		Score            float64 `json:"score"`
	} `json:"chunks"`
}

// Search calls the external retrieval service and normalizes its response
// into Chunks. Chunk ordering is preserved exactly as returned — the
// Orchestrator, not this gateway, assigns context indices (C2).
func (c *Client) Search(ctx context.Context, workspaceID, query string, threshold float64, limit int) ([]model.Chunk, error) {
	body, err := json.Marshal(searchRequest{WorkspaceID: workspaceID, Query: query, Threshold: threshold, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("retrieverclient.Search: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("retrieverclient.Search: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("retrieverclient.Search: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("retrieverclient.Search: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("retrieverclient.Search: status %d: %s", resp.StatusCode, excerpt(string(respBody), 200))
	}

	var parsed searchResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("retrieverclient.Search: decode response: %w", err)
	}

	chunks := make([]model.Chunk, 0, len(parsed.Chunks))
	for _, c := range parsed.Chunks {
		chunks = append(chunks, model.Chunk{
			ChunkID:          c.ChunkID,
			Content:          c.Content,
			DocumentFilename: c.DocumentFilename,
			Score:            c.Score,
		})
	}
	return chunks, nil
}

func excerpt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
