// Package state persists the runtime state document: every packet's mutable
// record, the lifecycle log, area closeouts and handovers. One document, one
// writer at a time, saved in the same critical section as the matching DCL
// commit.
package state

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/daviddfraser-source/control-plane/internal/canonical"
	"github.com/daviddfraser-source/control-plane/internal/domain"
	"github.com/daviddfraser-source/control-plane/internal/events"
)

// ErrNotInitialized is returned when no state document exists yet.
var ErrNotInitialized = errors.New("governance root not initialized")

// LockPath is the global state advisory lock under root. It serializes every
// state-touching mutation and is always taken before any packet lock.
func LockPath(root string) string {
	return filepath.Join(root, "state.lock")
}

// Open selects the persistence backend configured for root.
func Open(root, backend string) (Store, error) {
	switch backend {
	case "", "file":
		return NewFileStore(root), nil
	case "sqlite":
		return OpenSQLite(root)
	default:
		return nil, fmt.Errorf("unknown state backend %q (want file or sqlite)", backend)
	}
}

// Document is the single mutable state artifact.
type Document struct {
	SchemaVersion    string                           `json:"schema_version"`
	CreatedAt        string                           `json:"created_at"`
	UpdatedAt        string                           `json:"updated_at"`
	Packets          map[string]domain.PacketState    `json:"packets"`
	Log              []events.Entry                   `json:"log"`
	LogIntegrityMode string                           `json:"log_integrity_mode" enum:"plain,hash_chain"`
	AreaCloseouts    map[string]domain.AreaCloseout   `json:"area_closeouts"`
	Handovers        map[string]domain.HandoverRecord `json:"handovers"`
	Metadata         map[string]any                   `json:"metadata,omitempty"`
}

// NewDocument builds an empty document stamped at now.
func NewDocument(now string) *Document {
	return &Document{
		SchemaVersion:    "1.0",
		CreatedAt:        now,
		UpdatedAt:        now,
		Packets:          map[string]domain.PacketState{},
		Log:              []events.Entry{},
		LogIntegrityMode: "plain",
		AreaCloseouts:    map[string]domain.AreaCloseout{},
		Handovers:        map[string]domain.HandoverRecord{},
	}
}

func (d *Document) normalize() {
	if d.Packets == nil {
		d.Packets = map[string]domain.PacketState{}
	}
	if d.AreaCloseouts == nil {
		d.AreaCloseouts = map[string]domain.AreaCloseout{}
	}
	if d.Handovers == nil {
		d.Handovers = map[string]domain.HandoverRecord{}
	}
	if d.LogIntegrityMode == "" {
		d.LogIntegrityMode = "plain"
	}
}

// Packet returns the runtime state for id, materializing the implicit
// pending record for packets never touched. The implicit record is also the
// pre-state of every chain's first commit.
func (d *Document) Packet(id string) domain.PacketState {
	if ps, ok := d.Packets[id]; ok {
		return ps
	}
	return domain.PacketState{PacketID: id, Status: "pending"}
}

// SetPacket stores the runtime state for ps.PacketID.
func (d *Document) SetPacket(ps domain.PacketState) {
	d.Packets[ps.PacketID] = ps
}

// GovernedPacket is the slice of a packet's runtime state that DCL commits
// bind. Heartbeat telemetry (last_heartbeat_at, heartbeat_payload) is
// excluded: the transition_only heartbeat policy records it without emitting
// a commit, so it must not disturb Head.post_state_hash.
func GovernedPacket(ps domain.PacketState) domain.PacketState {
	ps.LastHeartbeatAt = ""
	ps.HeartbeatPayload = nil
	return ps
}

// StateHash is the canonical hash of one packet's governed runtime state,
// the value bound into Head.post_state_hash.
func (d *Document) StateHash(id string) (string, error) {
	return canonical.HashValue(GovernedPacket(d.Packet(id)))
}

// Store abstracts the persistence backend. The file backend is the
// deterministic reference; sqlite serializes through the same engine locks
// and produces identical commits.
type Store interface {
	Load() (*Document, error)
	Save(doc *Document) error
	Exists() (bool, error)
	Close() error
}
