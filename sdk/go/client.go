package dossierflowsdk

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
)

// Client is a minimal Dossierflow HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	ActorID     string
	ActorRole   string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Dossier represents the API dossier model (partial).
type Dossier struct {
	ID        string `json:"id"`
	Reference string `json:"reference"`
	Title     string `json:"title,omitempty"`
	Status    string `json:"status"`
}

// TransitionResult is the response of a transition call.
type TransitionResult struct {
	DossierID    string `json:"dossier_id"`
	Status       string `json:"status"`
	AuditEntryID int64  `json:"audit_entry_id"`
	Replayed     bool   `json:"replayed,omitempty"`
}

// Synthesis mirrors the verification synthesis payload.
type Synthesis struct {
	Total       int      `json:"total"`
	Validated   int      `json:"validated"`
	Rejected    int      `json:"rejected"`
	IsComplete  bool     `json:"is_complete"`
	IsReady     bool     `json:"is_ready"`
	Missing     []string `json:"missing,omitempty"`
	RejectedIDs []string `json:"rejected_ids,omitempty"`
}

// APIError is the server's error envelope.
type APIError struct {
	StatusCode int
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	base := strings.TrimSuffix(c.BaseURL, "/")
	u, err := url.Parse(base + path)
	if err != nil {
		return err
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
		req.Header.Set("X-Actor-Role", c.ActorRole)
	}
	res, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	if res.StatusCode >= 300 {
		var envelope struct {
			Error APIError `json:"error"`
		}
		if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error.Code != "" {
			envelope.Error.StatusCode = res.StatusCode
			return &envelope.Error
		}
		return fmt.Errorf("unexpected status %d: %s", res.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// CreateDossier submits a new dossier.
func (c *Client) CreateDossier(ctx context.Context, reference, title string) (Dossier, error) {
	var d Dossier
	err := c.do(ctx, http.MethodPost, "/dossiers", map[string]any{
		"reference": reference,
		"title":     title,
	}, &d)
	return d, err
}

// GetDossier fetches one dossier.
func (c *Client) GetDossier(ctx context.Context, id string) (Dossier, error) {
	var d Dossier
	err := c.do(ctx, http.MethodGet, "/dossiers/"+url.PathEscape(id), nil, &d)
	return d, err
}

// ApplyTransition drives the workflow.
func (c *Client) ApplyTransition(ctx context.Context, dossierID, transition, reason, comment string) (TransitionResult, error) {
	var res TransitionResult
	payload := map[string]any{"transition": transition}
	if reason != "" {
		payload["reason"] = reason
	}
	if comment != "" {
		payload["comment"] = comment
	}
	err := c.do(ctx, http.MethodPost, "/dossiers/"+url.PathEscape(dossierID)+"/transitions", payload, &res)
	return res, err
}

// RecordVerification answers one checklist item.
func (c *Client) RecordVerification(ctx context.Context, dossierID, itemID, outcome, justification string) error {
	payload := map[string]any{"outcome": outcome}
	if justification != "" {
		payload["justification"] = justification
	}
	return c.do(ctx, http.MethodPut,
		"/dossiers/"+url.PathEscape(dossierID)+"/verifications/"+url.PathEscape(itemID), payload, nil)
}

// GetSynthesis fetches the stage synthesis used to enable the
// ordonnancer action.
func (c *Client) GetSynthesis(ctx context.Context, dossierID, stage string) (Synthesis, error) {
	var s Synthesis
	err := c.do(ctx, http.MethodGet,
		"/dossiers/"+url.PathEscape(dossierID)+"/synthesis?stage="+url.QueryEscape(stage), nil, &s)
	return s, err
}
