// Package apiclient talks to the proof API on behalf of the reviewer tooling.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"proofmark/api/internal/annostore"
	"proofmark/api/internal/annotation"
	"proofmark/api/internal/store"
)

// Error is a non-2xx response decoded from the API error envelope.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api %d %s: %s", e.Status, e.Code, e.Message)
}

// Proof is the proof document as the API returns it.
type Proof struct {
	ID         string              `json:"id"`
	FileURL    string              `json:"fileUrl"`
	Meta       store.Meta          `json:"meta"`
	Locked     bool                `json:"locked"`
	ApprovedAt *string             `json:"approvedAt"`
	Version    store.VersionRecord `json:"version"`
	Role       string              `json:"role"`
	ReadOnly   bool                `json:"readOnly"`
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New returns a client for baseURL. An empty token calls the operator
// surface; a share token acts as that proof's client.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) GetProof(ctx context.Context, proofID string) (Proof, error) {
	var proof Proof
	err := c.do(ctx, http.MethodGet, "/api/proofs/"+url.PathEscape(proofID), nil, &proof)
	return proof, err
}

// GetPage returns the latest revision's notes on page.
func (c *Client) GetPage(ctx context.Context, proofID string, page int) ([]annotation.Annotation, error) {
	var out struct {
		Annos []annotation.Annotation `json:"annos"`
	}
	path := fmt.Sprintf("/api/proofs/%s/annos/%d", url.PathEscape(proofID), page)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	if out.Annos == nil {
		out.Annos = []annotation.Annotation{}
	}
	return out.Annos, nil
}

// PutPage replaces page's list on the latest revision.
func (c *Client) PutPage(ctx context.Context, proofID string, page int, list []annotation.Annotation) error {
	if list == nil {
		list = []annotation.Annotation{}
	}
	path := fmt.Sprintf("/api/proofs/%s/annos/%d", url.PathEscape(proofID), page)
	return c.do(ctx, http.MethodPut, path, map[string]any{"annos": list}, nil)
}

// Persister binds PutPage to one proof for an annotation cache.
func (c *Client) Persister(proofID string) annostore.Persister {
	return annostore.PersisterFunc(func(ctx context.Context, page int, list []annotation.Annotation) error {
		return c.PutPage(ctx, proofID, page, list)
	})
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var envelope struct {
			Code  string `json:"code"`
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&envelope)
		return &Error{Status: resp.StatusCode, Code: envelope.Code, Message: envelope.Error}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
