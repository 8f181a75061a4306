package server

import (
	"encoding/json"

	"github.com/daviddfraser-source/control-plane/internal/doctor"
	"github.com/daviddfraser-source/control-plane/internal/domain"
)

// Request payloads

type ClaimRequest struct {
	ContextAttestation []string `json:"context_attestation,omitempty"`
}

type DoneRequest struct {
	Evidence string `json:"evidence"`
	// ResidualRisk is "none" or {severity, description, owner?}; raw so the
	// engine applies the same validation as the CLI.
	ResidualRisk json.RawMessage `json:"residual_risk,omitempty"`
}

type NoteRequest struct {
	Text string `json:"text"`
}

type FailRequest struct {
	Reason string `json:"reason"`
}

type HeartbeatRequest struct {
	Status             string   `json:"status" enum:"in_progress,stalled"`
	Decisions          []string `json:"decisions,omitempty"`
	Obstacles          []string `json:"obstacles,omitempty"`
	CompletionEstimate string   `json:"completion_estimate,omitempty"`
}

// Responses

type HealthResponse struct {
	Status  string `json:"status"`
	Healthy bool   `json:"healthy"`
}

type IntegrityResponse struct {
	Healthy bool          `json:"healthy"`
	Report  doctor.Report `json:"report"`
}

// PacketResult mirrors the CLI result envelope on the success side.
type PacketResult struct {
	OK      bool               `json:"ok"`
	Code    string             `json:"code"`
	Message string             `json:"message"`
	State   domain.PacketState `json:"state_snapshot"`
}
