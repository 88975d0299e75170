package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// CommandRequest is the wire form of a command submitted over REST.
// The ID is stable across retries so the controller can deduplicate
// a command that was already delivered over the live channel.
type CommandRequest struct {
	ID       string         `json:"id"`
	Target   string         `json:"target"`
	Action   string         `json:"action"`
	Params   map[string]any `json:"params,omitempty"`
	IssuedAt int64          `json:"issued_at"` // Unix milliseconds
}

// CommandResponse is the controller's reply to a submitted command.
type CommandResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"` // "ok" or "rejected"
	Detail string `json:"detail,omitempty"`
}

// IssueCommand submits a command over the REST fallback path.
// It performs exactly one attempt; retry policy belongs to the caller.
func (c *Client) IssueCommand(ctx context.Context, req CommandRequest) (*CommandResponse, error) {
	body, err := c.doRequest(ctx, http.MethodPost, "/api/v1/command", req)
	if err != nil {
		return nil, err
	}

	var resp CommandResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal command response: %w", err)
	}
	return &resp, nil
}

// Snapshot is a full authoritative state push fetched over REST.
type Snapshot struct {
	Timestamp int64          `json:"ts"` // Unix milliseconds
	Fields    map[string]any `json:"fields"`
}

// Time returns the snapshot timestamp as a time.Time.
func (s *Snapshot) Time() time.Time {
	return time.UnixMilli(s.Timestamp)
}

// GetSnapshot fetches the controller's full current state.
func (c *Client) GetSnapshot(ctx context.Context) (*Snapshot, error) {
	var snap Snapshot
	if err := c.get(ctx, "/api/v1/snapshot", &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
