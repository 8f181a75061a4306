// Package govsdk is a minimal client for the governance HTTP API.
package govsdk

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

// Client talks to one governance root served over HTTP. The bearer token's
// subject is the acting identity; its role claim bounds the permitted
// actions.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, bearerToken string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "v1",
		BearerToken: bearerToken,
		Timeout:     10 * time.Second,
	}
}

// PacketState is the API packet runtime model (partial).
type PacketState struct {
	PacketID      string   `json:"packet_id"`
	Status        string   `json:"status"`
	AssignedTo    string   `json:"assigned_to,omitempty"`
	Notes         []string `json:"notes,omitempty"`
	StartedAt     string   `json:"started_at,omitempty"`
	CompletedAt   string   `json:"completed_at,omitempty"`
	FailureReason string   `json:"failure_reason,omitempty"`
	BlockedBy     []string `json:"blocked_by,omitempty"`
}

// Result is the mutation envelope.
type Result struct {
	OK      bool        `json:"ok"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
	State   PacketState `json:"state_snapshot"`
}

// ReadyPacket is one claimable packet.
type ReadyPacket struct {
	ID           string   `json:"id"`
	WBSRef       string   `json:"wbs_ref"`
	AreaID       string   `json:"area_id"`
	Title        string   `json:"title"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// StatusReport is the project board.
type StatusReport struct {
	GeneratedAt      string         `json:"generated_at"`
	Counts           map[string]int `json:"counts"`
	Packets          []PacketRow    `json:"packets"`
	LogEntries       int            `json:"log_entries"`
	LogIntegrityMode string         `json:"log_integrity_mode"`
}

// PacketRow is one packet line on the board.
type PacketRow struct {
	ID          string `json:"id"`
	WBSRef      string `json:"wbs_ref"`
	AreaID      string `json:"area_id"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	AssignedTo  string `json:"assigned_to,omitempty"`
	StartedAt   string `json:"started_at,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// Health is the unauthenticated liveness report.
type Health struct {
	Status  string `json:"status"`
	Healthy bool   `json:"healthy"`
}

// Integrity is the startup doctor verdict.
type Integrity struct {
	Healthy bool `json:"healthy"`
	Report  struct {
		OK              bool     `json:"ok"`
		Mode            string   `json:"mode"`
		PacketCount     int      `json:"packet_count"`
		CommitCount     int      `json:"commit_count"`
		CheckpointCount int      `json:"checkpoint_count"`
		Repairs         []string `json:"repairs,omitempty"`
		Failures        []string `json:"failures,omitempty"`
	} `json:"report"`
}

// HeartbeatUpdate is the executor liveness payload.
type HeartbeatUpdate struct {
	Status             string   `json:"status"`
	Decisions          []string `json:"decisions,omitempty"`
	Obstacles          []string `json:"obstacles,omitempty"`
	CompletionEstimate string   `json:"completion_estimate,omitempty"`
}

// APIError wraps non-2xx responses. Code carries the machine code from the
// error envelope when the body parses; NextStates lists the legal statuses
// on governance rejections.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	NextStates []string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Health checks liveness without authentication.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var resp Health
	err := c.do(ctx, http.MethodGet, "health", nil, &resp)
	return resp, err
}

// Integrity returns the startup doctor verdict.
func (c *Client) Integrity(ctx context.Context) (Integrity, error) {
	var resp Integrity
	err := c.do(ctx, http.MethodGet, c.apiPath("integrity"), nil, &resp)
	return resp, err
}

// Status returns the project board.
func (c *Client) Status(ctx context.Context) (StatusReport, error) {
	var resp StatusReport
	err := c.do(ctx, http.MethodGet, c.apiPath("status"), nil, &resp)
	return resp, err
}

// Ready lists claimable packets.
func (c *Client) Ready(ctx context.Context) ([]ReadyPacket, error) {
	var resp []ReadyPacket
	err := c.do(ctx, http.MethodGet, c.apiPath("ready"), nil, &resp)
	return resp, err
}

// Claim claims a pending packet for the token's subject.
func (c *Client) Claim(ctx context.Context, packetID string, contextAttestation []string) (PacketState, error) {
	body := map[string]any{}
	if len(contextAttestation) > 0 {
		body["context_attestation"] = contextAttestation
	}
	return c.packetAction(ctx, packetID, "claim", body)
}

// Done completes a packet with evidence. residualRisk is "none" or a
// declaration map {severity, description, owner?}.
func (c *Client) Done(ctx context.Context, packetID, evidence string, residualRisk any) (PacketState, error) {
	if residualRisk == nil {
		residualRisk = "none"
	}
	return c.packetAction(ctx, packetID, "done", map[string]any{
		"evidence":      evidence,
		"residual_risk": residualRisk,
	})
}

// Note appends evidence narrative to a packet.
func (c *Client) Note(ctx context.Context, packetID, text string) (PacketState, error) {
	return c.packetAction(ctx, packetID, "note", map[string]any{"text": text})
}

// Fail fails a packet; its dependents become blocked.
func (c *Client) Fail(ctx context.Context, packetID, reason string) (PacketState, error) {
	return c.packetAction(ctx, packetID, "fail", map[string]any{"reason": reason})
}

// Heartbeat records executor liveness on an in-flight packet.
func (c *Client) Heartbeat(ctx context.Context, packetID string, update HeartbeatUpdate) (PacketState, error) {
	return c.packetAction(ctx, packetID, "heartbeat", update)
}

func (c *Client) packetAction(ctx context.Context, packetID, action string, body any) (PacketState, error) {
	var resp Result
	endpoint := c.apiPath(fmt.Sprintf("packets/%s/%s", url.PathEscape(packetID), action))
	if err := c.do(ctx, http.MethodPost, endpoint, body, &resp); err != nil {
		return PacketState{}, err
	}
	return resp.State, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return apiErrorFromBody(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func apiErrorFromBody(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var envelope struct {
		Error struct {
			Code       string   `json:"code"`
			Message    string   `json:"message"`
			NextStates []string `json:"next_states"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Code != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.NextStates = envelope.Error.NextStates
	}
	return apiErr
}

func (c *Client) apiPath(p string) string {
	base := strings.Trim(c.BasePath, "/")
	if base == "" {
		base = "v1"
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
