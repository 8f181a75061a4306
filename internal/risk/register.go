// Package risk persists the project residual-risk register.
//
// The register is a single JSON document under the governance root with its
// own advisory lock so risk operations never contend with packet mutation.
package risk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/daviddfraser-source/control-plane/internal/fsx"
)

// Entry is one residual risk, either declared at packet completion or added
// directly through the register.
type Entry struct {
	ID          string `json:"id"`
	PacketID    string `json:"packet_id"`
	Severity    string `json:"severity" enum:"low,medium,high,critical"`
	Status      string `json:"status" enum:"open,mitigated,accepted"`
	Description string `json:"description"`
	Owner       string `json:"owner,omitempty"`
	OpenedAt    string `json:"opened_at" format:"date-time"`
	ResolvedAt  string `json:"resolved_at,omitempty" format:"date-time"`
}

// Register is the persisted risk-register.json document.
type Register struct {
	Version string  `json:"version"`
	Risks   []Entry `json:"risks"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	PacketID string
	Status   string
}

// Summary aggregates the register for reporting.
type Summary struct {
	Total        int                       `json:"total"`
	Counts       map[string]map[string]int `json:"counts"` // severity -> status -> count
	OpenCritical []string                  `json:"open_critical"`
}

// Severities in ascending order of concern.
func Severities() []string {
	return []string{"low", "medium", "high", "critical"}
}

// New returns an empty register.
func New() *Register {
	return &Register{Version: "1.0", Risks: []Entry{}}
}

// Path returns the register file location under root.
func Path(root string) string {
	return filepath.Join(root, "risk-register.json")
}

// LockPath returns the register's advisory lock location under root.
func LockPath(root string) string {
	return filepath.Join(root, "risk-register.lock")
}

// Load reads the register; a missing file yields an empty one.
func Load(root string) (*Register, error) {
	reg := New()
	if err := fsx.ReadJSON(Path(root), reg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return New(), nil
		}
		return nil, err
	}
	if reg.Risks == nil {
		reg.Risks = []Entry{}
	}
	return reg, nil
}

// Save writes the register atomically.
func Save(root string, reg *Register) error {
	return fsx.WriteJSONAtomic(Path(root), reg, 0o644)
}

// Update runs fn against the register under its advisory lock and persists
// the result when fn succeeds.
func Update(ctx context.Context, root string, fn func(*Register) error) error {
	lock, err := fsx.AcquireLock(ctx, LockPath(root))
	if err != nil {
		return err
	}
	defer lock.Release()

	reg, err := Load(root)
	if err != nil {
		return err
	}
	if err := fn(reg); err != nil {
		return err
	}
	return Save(root, reg)
}

// Add appends a new open risk and returns it.
func (r *Register) Add(packetID, severity, description, owner, openedAt string) (Entry, error) {
	if packetID == "" {
		return Entry{}, fmt.Errorf("risk packet id is required")
	}
	if !validSeverity(severity) {
		return Entry{}, fmt.Errorf("unknown severity %s (want one of %v)", severity, Severities())
	}
	if description == "" {
		return Entry{}, fmt.Errorf("risk description is required")
	}
	e := Entry{
		ID:          fmt.Sprintf("RR-%04d", r.nextSeq()),
		PacketID:    packetID,
		Severity:    severity,
		Status:      "open",
		Description: description,
		Owner:       owner,
		OpenedAt:    openedAt,
	}
	r.Risks = append(r.Risks, e)
	return e, nil
}

// List returns entries matching the filter, in register order.
func (r *Register) List(f Filter) []Entry {
	out := []Entry{}
	for _, e := range r.Risks {
		if f.PacketID != "" && e.PacketID != f.PacketID {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		out = append(out, e)
	}
	return out
}

// UpdateStatus resolves an open risk to mitigated or accepted.
func (r *Register) UpdateStatus(id, status, resolvedAt string) error {
	if status != "mitigated" && status != "accepted" {
		return fmt.Errorf("risk status must move to mitigated or accepted, got %s", status)
	}
	for i := range r.Risks {
		if r.Risks[i].ID != id {
			continue
		}
		if r.Risks[i].Status != "open" {
			return fmt.Errorf("risk %s is already %s", id, r.Risks[i].Status)
		}
		r.Risks[i].Status = status
		r.Risks[i].ResolvedAt = resolvedAt
		return nil
	}
	return fmt.Errorf("risk %s not found", id)
}

// Summarize counts entries by severity and status and lists open criticals.
func (r *Register) Summarize() Summary {
	s := Summary{
		Total:        len(r.Risks),
		Counts:       map[string]map[string]int{},
		OpenCritical: []string{},
	}
	for _, sev := range Severities() {
		s.Counts[sev] = map[string]int{}
	}
	for _, e := range r.Risks {
		if s.Counts[e.Severity] == nil {
			s.Counts[e.Severity] = map[string]int{}
		}
		s.Counts[e.Severity][e.Status]++
		if e.Severity == "critical" && e.Status == "open" {
			s.OpenCritical = append(s.OpenCritical, e.ID)
		}
	}
	return s
}

func (r *Register) nextSeq() int {
	max := 0
	for _, e := range r.Risks {
		n, err := strconv.Atoi(strings.TrimPrefix(e.ID, "RR-"))
		if err == nil && n > max {
			max = n
		}
	}
	return max + 1
}

func validSeverity(s string) bool {
	for _, sev := range Severities() {
		if s == sev {
			return true
		}
	}
	return false
}
