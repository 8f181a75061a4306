// Package agents manages the optional agent registry consulted at claim time.
//
// The registry lives in agents.json under the governance root. Its
// enforcement_mode decides what a claim-time violation means: "disabled"
// skips the check, "advisory" records it in the lifecycle log, "strict"
// rejects the claim.
package agents

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/daviddfraser-source/control-plane/internal/fsx"
)

// Record describes one registered agent.
type Record struct {
	ID           string   `json:"id"`
	DisplayName  string   `json:"display_name,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	RegisteredAt string   `json:"registered_at" format:"date-time"`
	Status       string   `json:"status" enum:"active,retired"`
}

// Registry is the persisted agents.json document.
type Registry struct {
	Version            string   `json:"version"`
	EnforcementMode    string   `json:"enforcement_mode" enum:"disabled,advisory,strict"`
	CapabilityTaxonomy []string `json:"capability_taxonomy"`
	Agents             []Record `json:"agents"`
}

// Violation is a claim-time registry check failure.
type Violation struct {
	Code   string
	Detail string
}

// DefaultTaxonomy lists the capabilities a fresh registry accepts.
func DefaultTaxonomy() []string {
	return []string{"code", "test", "docs", "review", "research", "deploy"}
}

// New returns an empty registry with enforcement disabled.
func New() *Registry {
	return &Registry{
		Version:            "1.0",
		EnforcementMode:    "disabled",
		CapabilityTaxonomy: DefaultTaxonomy(),
		Agents:             []Record{},
	}
}

// Path returns the registry file location under root.
func Path(root string) string {
	return filepath.Join(root, "agents.json")
}

// Load reads agents.json. A missing file yields a fresh disabled registry so
// governance roots without a registry behave as if enforcement were off.
func Load(root string) (*Registry, error) {
	reg := New()
	if err := fsx.ReadJSON(Path(root), reg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return New(), nil
		}
		return nil, err
	}
	if reg.Agents == nil {
		reg.Agents = []Record{}
	}
	if len(reg.CapabilityTaxonomy) == 0 {
		reg.CapabilityTaxonomy = DefaultTaxonomy()
	}
	return reg, nil
}

// Save writes the registry atomically.
func Save(root string, reg *Registry) error {
	return fsx.WriteJSONAtomic(Path(root), reg, 0o644)
}

// Agent looks up a record by id.
func (r *Registry) Agent(id string) (Record, bool) {
	for _, a := range r.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return Record{}, false
}

// Register adds an agent. Capabilities must come from the taxonomy and the
// id must be new; registeredAt is the caller's clock already formatted.
func (r *Registry) Register(id, displayName string, capabilities []string, registeredAt string) error {
	if id == "" {
		return fmt.Errorf("agent id is required")
	}
	if _, ok := r.Agent(id); ok {
		return fmt.Errorf("agent %s is already registered", id)
	}
	for _, c := range capabilities {
		if !contains(r.CapabilityTaxonomy, c) {
			return fmt.Errorf("unknown capability %s (taxonomy: %v)", c, r.CapabilityTaxonomy)
		}
	}
	r.Agents = append(r.Agents, Record{
		ID:           id,
		DisplayName:  displayName,
		Capabilities: capabilities,
		RegisteredAt: registeredAt,
		Status:       "active",
	})
	return nil
}

// Retire marks an agent retired; retired agents fail strict claim checks.
func (r *Registry) Retire(id string) error {
	for i := range r.Agents {
		if r.Agents[i].ID == id {
			if r.Agents[i].Status == "retired" {
				return fmt.Errorf("agent %s is already retired", id)
			}
			r.Agents[i].Status = "retired"
			return nil
		}
	}
	return fmt.Errorf("agent %s is not registered", id)
}

// SetMode switches the enforcement mode.
func (r *Registry) SetMode(mode string) error {
	switch mode {
	case "disabled", "advisory", "strict":
		r.EnforcementMode = mode
		return nil
	}
	return fmt.Errorf("unknown enforcement mode %s (want disabled, advisory or strict)", mode)
}

// Check evaluates actor against the registry and the packet's required
// capabilities. It returns nil when the registry is disabled or satisfied;
// the caller decides whether a violation blocks (strict) or is only
// recorded (advisory).
func (r *Registry) Check(actor string, required []string) *Violation {
	if r.EnforcementMode == "disabled" {
		return nil
	}
	rec, ok := r.Agent(actor)
	if !ok || rec.Status != "active" {
		return &Violation{
			Code:   "agent_unregistered",
			Detail: fmt.Sprintf("actor %s is not an active registered agent", actor),
		}
	}
	for _, want := range required {
		if !contains(rec.Capabilities, want) {
			return &Violation{
				Code:   "capability_missing",
				Detail: fmt.Sprintf("agent %s lacks required capability %s", actor, want),
			}
		}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
