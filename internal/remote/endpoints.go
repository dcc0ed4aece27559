package remote

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/agentworkforce/relaystatus/internal/schedule"
	"github.com/agentworkforce/relaystatus/internal/usage"
)

var (
	_ schedule.Generator    = (*Client)(nil)
	_ schedule.Summarizer   = (*Client)(nil)
	_ usage.BillingReporter = (*Client)(nil)
)

var ErrEmptySummary = errors.New("remote returned an empty summary")

type generateResponse struct {
	Items []schedule.GeneratedItem `json:"items"`
}

// GenerateStatusUpdate posts the member's activity to /v1/generate. Items
// with blank content are dropped.
func (c *Client) GenerateStatusUpdate(ctx context.Context, req schedule.GenerateRequest) ([]schedule.GeneratedItem, error) {
	var resp generateResponse
	if err := c.postJSON(ctx, "/v1/generate", req, &resp); err != nil {
		return nil, err
	}
	items := make([]schedule.GeneratedItem, 0, len(resp.Items))
	for _, item := range resp.Items {
		item.Content = strings.TrimSpace(item.Content)
		if item.Content == "" {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// SummarizeStatusUpdates posts a target's status updates to /v1/summaries.
func (c *Client) SummarizeStatusUpdates(ctx context.Context, req schedule.SummaryRequest) (schedule.GeneratedSummary, error) {
	var resp schedule.GeneratedSummary
	if err := c.postJSON(ctx, "/v1/summaries", req, &resp); err != nil {
		return schedule.GeneratedSummary{}, err
	}
	resp.Content = strings.TrimSpace(resp.Content)
	if resp.Content == "" {
		return schedule.GeneratedSummary{}, ErrEmptySummary
	}
	return resp, nil
}

// ReportUsage posts one tracked usage to /v1/usage.
func (c *Client) ReportUsage(ctx context.Context, report usage.Report) error {
	return c.postJSON(ctx, "/v1/usage", report, nil)
}

type EmbedRequest struct {
	EventID     string          `json:"eventId"`
	SyntheticID string          `json:"syntheticId"`
	ProjectID   string          `json:"projectId"`
	Type        string          `json:"type"`
	Action      string          `json:"action"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

type Embedding struct {
	Model      string    `json:"model"`
	Dimensions int       `json:"dimensions"`
	Vector     []float64 `json:"vector"`
}

// EmbedEvent posts one event to /v1/events/embed.
func (c *Client) EmbedEvent(ctx context.Context, req EmbedRequest) (Embedding, error) {
	var resp Embedding
	if err := c.postJSON(ctx, "/v1/events/embed", req, &resp); err != nil {
		return Embedding{}, err
	}
	if resp.Dimensions == 0 {
		resp.Dimensions = len(resp.Vector)
	}
	return resp, nil
}
