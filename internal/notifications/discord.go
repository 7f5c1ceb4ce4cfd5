package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Discord is a simple Discord webhook notifier.
type Discord struct {
	webhookURL string
	logger     *log.Logger
	client     *http.Client
	wg         sync.WaitGroup
}

// NewDiscord creates a new Discord notifier. If webhookURL is empty,
// notifications are silently skipped.
func NewDiscord(webhookURL string, logger *log.Logger) *Discord {
	if logger == nil {
		logger = log.Default()
	}
	return &Discord{
		webhookURL: webhookURL,
		logger:     logger,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled returns true if the webhook is configured.
func (d *Discord) Enabled() bool {
	return d.webhookURL != ""
}

// discordMessage is the payload for Discord webhook.
type discordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds,omitempty"`
}

type discordEmbed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []embedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// send posts a message to Discord webhook asynchronously.
// Errors are logged but don't affect caller.
func (d *Discord) send(ctx context.Context, msg discordMessage) {
	if !d.Enabled() {
		return
	}

	// The call that triggered the alert is usually already torn down.
	ctx = context.WithoutCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		body, err := json.Marshal(msg)
		if err != nil {
			d.logger.Printf("discord: failed to marshal message: %v", err)
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
		if err != nil {
			d.logger.Printf("discord: failed to create request: %v", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.client.Do(req)
		if err != nil {
			d.logger.Printf("discord: failed to send webhook: %v", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			d.logger.Printf("discord: webhook returned status %d", resp.StatusCode)
		}
	}()
}

// Wait blocks until queued webhooks have been sent.
func (d *Discord) Wait() {
	d.wg.Wait()
}

// NotifyPersistFailed alerts operators that a call's transcript never reached the CRM.
func (d *Discord) NotifyPersistFailed(ctx context.Context, callID string, status int, cause error) {
	reason := "unknown error"
	if cause != nil {
		reason = truncate(cause.Error(), 1000)
	}
	statusText := "no response"
	if status != 0 {
		statusText = fmt.Sprintf("%d", status)
	}

	msg := discordMessage{
		Content: "@here",
		Embeds: []discordEmbed{{
			Title:       "Transcript not saved",
			Description: "A finished call could not be written to Salesforce. The transcript is lost.",
			Color:       0xFF0000, // Red
			Fields: []embedField{
				{Name: "Call SID", Value: fmt.Sprintf("`%s`", callID), Inline: true},
				{Name: "Status", Value: statusText, Inline: true},
				{Name: "Error", Value: reason},
			},
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}},
	}
	d.send(ctx, msg)
}

// NotifyDraining tells operators that the server stopped accepting calls and
// which calls it is still waiting on.
func (d *Discord) NotifyDraining(ctx context.Context, callIDs []string) {
	sids := make([]string, len(callIDs))
	for i, id := range callIDs {
		sids[i] = "`" + id + "`"
	}
	msg := discordMessage{
		Embeds: []discordEmbed{{
			Title:       "Server draining",
			Description: fmt.Sprintf("Shutdown started with %d active call(s).", len(callIDs)),
			Color:       0xFFA500, // Orange
			Fields: []embedField{
				// Discord caps a field value at 1024 characters.
				{Name: "Open calls", Value: truncate(strings.Join(sids, "\n"), 1000)},
			},
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}},
	}
	d.send(ctx, msg)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
