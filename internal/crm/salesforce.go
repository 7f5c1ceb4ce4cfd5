package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const transcriptSavePath = "/services/apexrest/transcript/save"

// SalesforceConfig holds configuration for the Salesforce persister.
type SalesforceConfig struct {
	InstanceURL string // e.g., https://example.my.salesforce.com
	Tokens      TokenSource
	Timeout     time.Duration // per request, defaults to 15s
	HTTPClient  *http.Client
}

// SalesforceClient saves call transcripts through a custom Apex REST endpoint.
type SalesforceClient struct {
	instanceURL string
	tokens      TokenSource
	timeout     time.Duration
	httpClient  *http.Client
}

func NewSalesforceClient(cfg SalesforceConfig) *SalesforceClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &SalesforceClient{
		instanceURL: strings.TrimRight(cfg.InstanceURL, "/"),
		tokens:      cfg.Tokens,
		timeout:     timeout,
		httpClient:  httpClient,
	}
}

// savePayload mirrors the Apex endpoint's expected body.
type savePayload struct {
	CallSid     string `json:"callSid"`
	Transcript  string `json:"transcript"`
	Suggestions string `json:"suggestions"`
}

// invalidator is implemented by token sources that cache credentials.
type invalidator interface {
	Invalidate()
}

func (c *SalesforceClient) Persist(ctx context.Context, rec Record) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return &PersistError{CallID: rec.CallID, Err: fmt.Errorf("failed to obtain access token: %w", err)}
	}

	body, err := json.Marshal(savePayload{
		CallSid:     rec.CallID,
		Transcript:  rec.Transcript,
		Suggestions: rec.Suggestions,
	})
	if err != nil {
		return &PersistError{CallID: rec.CallID, Err: fmt.Errorf("failed to marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.instanceURL+transcriptSavePath, bytes.NewReader(body))
	if err != nil {
		return &PersistError{CallID: rec.CallID, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &PersistError{CallID: rec.CallID, Err: fmt.Errorf("failed to send request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusUnauthorized {
			// Next call will fetch a fresh token.
			if inv, ok := c.tokens.(invalidator); ok {
				inv.Invalidate()
			}
		}
		return &PersistError{
			CallID:     rec.CallID,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("Salesforce API error: %s - %s", resp.Status, strings.TrimSpace(string(respBody))),
		}
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

var _ Persister = (*SalesforceClient)(nil)
