package engine

import (
	"context"
	"sort"

	"github.com/daviddfraser-source/control-plane/internal/canonical"
	"github.com/daviddfraser-source/control-plane/internal/domain"
	"github.com/daviddfraser-source/control-plane/internal/events"
	"github.com/daviddfraser-source/control-plane/internal/state"
)

// Read-only reporting surface. Every report works from one Snapshot and
// never takes packet locks or emits commits.

// ReadyPacket is one claimable packet in a report.
type ReadyPacket struct {
	ID           string   `json:"id"`
	WBSRef       string   `json:"wbs_ref"`
	AreaID       string   `json:"area_id"`
	Title        string   `json:"title"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// Ready lists packets that are pending with every dependency done.
func (e Engine) Ready(ctx context.Context) ([]ReadyPacket, error) {
	doc, err := e.Snapshot()
	if err != nil {
		return nil, err
	}
	return e.readyRows(doc), nil
}

func (e Engine) readyRows(doc *state.Document) []ReadyPacket {
	out := []ReadyPacket{}
	for _, def := range e.ReadyPackets(doc) {
		out = append(out, ReadyPacket{
			ID:           def.ID,
			WBSRef:       def.WBSRef,
			AreaID:       def.AreaID,
			Title:        def.Title,
			Dependencies: def.Dependencies,
		})
	}
	return out
}

// PacketStatusRow is one packet line on the status board.
type PacketStatusRow struct {
	ID           string   `json:"id"`
	WBSRef       string   `json:"wbs_ref"`
	AreaID       string   `json:"area_id"`
	Title        string   `json:"title"`
	Status       string   `json:"status"`
	AssignedTo   string   `json:"assigned_to,omitempty"`
	StartedAt    string   `json:"started_at,omitempty"`
	CompletedAt  string   `json:"completed_at,omitempty"`
	BlockedBy    []string `json:"blocked_by,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// StatusReport is the full project board.
type StatusReport struct {
	GeneratedAt      string                         `json:"generated_at"`
	Counts           map[string]int                 `json:"counts"`
	Packets          []PacketStatusRow              `json:"packets"`
	AreaCloseouts    map[string]domain.AreaCloseout `json:"area_closeouts,omitempty"`
	LogEntries       int                            `json:"log_entries"`
	LogIntegrityMode string                         `json:"log_integrity_mode"`
}

// Status reports every packet's runtime state in definition order.
func (e Engine) Status(ctx context.Context) (StatusReport, error) {
	doc, err := e.Snapshot()
	if err != nil {
		return StatusReport{}, err
	}
	report := StatusReport{
		GeneratedAt:      canonical.FormatTime(e.now()),
		Counts:           map[string]int{},
		Packets:          []PacketStatusRow{},
		AreaCloseouts:    doc.AreaCloseouts,
		LogEntries:       len(doc.Log),
		LogIntegrityMode: doc.LogIntegrityMode,
	}
	for _, def := range e.Definition.Ordered() {
		ps := doc.Packet(def.ID)
		report.Counts[ps.Status]++
		report.Packets = append(report.Packets, PacketStatusRow{
			ID:           def.ID,
			WBSRef:       def.WBSRef,
			AreaID:       def.AreaID,
			Title:        def.Title,
			Status:       ps.Status,
			AssignedTo:   ps.AssignedTo,
			StartedAt:    ps.StartedAt,
			CompletedAt:  ps.CompletedAt,
			BlockedBy:    ps.BlockedBy,
			Dependencies: def.Dependencies,
		})
	}
	return report, nil
}

// BlockedPacket is one packet held back by unmet dependencies.
type BlockedPacket struct {
	ID       string      `json:"id"`
	WBSRef   string      `json:"wbs_ref"`
	Title    string      `json:"title"`
	Status   string      `json:"status"`
	Blockers []DepStatus `json:"blockers"`
}

// DepStatus pairs a related packet with its current status.
type DepStatus struct {
	PacketID string `json:"packet_id"`
	Status   string `json:"status"`
}

// ActiveAssignment is one in-flight packet and its executor.
type ActiveAssignment struct {
	PacketID  string `json:"packet_id"`
	Agent     string `json:"agent"`
	StartedAt string `json:"started_at,omitempty"`
}

// Briefing is the session bootstrap summary for operators and agents.
type Briefing struct {
	SchemaID          string             `json:"schema_id"`
	SchemaVersion     string             `json:"schema_version"`
	GeneratedAt       string             `json:"generated_at"`
	Mode              string             `json:"mode"`
	Truncated         bool               `json:"truncated"`
	Limits            map[string]int     `json:"limits"`
	Project           string             `json:"project,omitempty"`
	Counts            map[string]int     `json:"counts"`
	ReadyPackets      []ReadyPacket      `json:"ready_packets"`
	BlockedPackets    []BlockedPacket    `json:"blocked_packets"`
	ActiveAssignments []ActiveAssignment `json:"active_assignments"`
	RecentEvents      []events.Entry     `json:"recent_events"`
}

// BriefingOptions bound the briefing payload. Compact clamps each list to
// ten rows for context-limited consumers.
type BriefingOptions struct {
	RecentEvents int
	Compact      bool
}

// Briefing summarizes the whole board: counts, what is claimable, what is
// held back and by whom, and the most recent log entries, newest first.
func (e Engine) Briefing(ctx context.Context, opts BriefingOptions) (Briefing, error) {
	doc, err := e.Snapshot()
	if err != nil {
		return Briefing{}, err
	}
	recentLimit := clamp(opts.RecentEvents, 1, 200, 10)
	b := Briefing{
		SchemaID:          "wbs.briefing",
		SchemaVersion:     "1.0",
		GeneratedAt:       canonical.FormatTime(e.now()),
		Mode:              "full",
		Limits:            map[string]int{"recent_events": recentLimit},
		Project:           e.Definition.Project,
		Counts:            map[string]int{},
		ReadyPackets:      e.readyRows(doc),
		BlockedPackets:    []BlockedPacket{},
		ActiveAssignments: []ActiveAssignment{},
		RecentEvents:      []events.Entry{},
	}
	for _, def := range e.Definition.Ordered() {
		ps := doc.Packet(def.ID)
		b.Counts[ps.Status]++
		if ps.Status == "in_progress" {
			b.ActiveAssignments = append(b.ActiveAssignments, ActiveAssignment{
				PacketID:  def.ID,
				Agent:     ps.AssignedTo,
				StartedAt: ps.StartedAt,
			})
		}
		if ps.Status != "pending" && ps.Status != "blocked" {
			continue
		}
		var blockers []DepStatus
		for _, dep := range def.Dependencies {
			if ds := doc.Packet(dep); ds.Status != "done" {
				blockers = append(blockers, DepStatus{PacketID: dep, Status: ds.Status})
			}
		}
		if len(blockers) > 0 {
			b.BlockedPackets = append(b.BlockedPackets, BlockedPacket{
				ID:       def.ID,
				WBSRef:   def.WBSRef,
				Title:    def.Title,
				Status:   ps.Status,
				Blockers: blockers,
			})
		}
	}
	for i := len(doc.Log) - 1; i >= 0 && len(b.RecentEvents) < recentLimit; i-- {
		b.RecentEvents = append(b.RecentEvents, doc.Log[i])
	}
	b.Truncated = len(doc.Log) > recentLimit
	if opts.Compact {
		b.Mode = "compact"
		const listLimit = 10
		b.Limits["ready_packets"] = listLimit
		b.Limits["blocked_packets"] = listLimit
		b.Limits["active_assignments"] = listLimit
		if len(b.ReadyPackets) > listLimit {
			b.ReadyPackets = b.ReadyPackets[:listLimit]
			b.Truncated = true
		}
		if len(b.BlockedPackets) > listLimit {
			b.BlockedPackets = b.BlockedPackets[:listLimit]
			b.Truncated = true
		}
		if len(b.ActiveAssignments) > listLimit {
			b.ActiveAssignments = b.ActiveAssignments[:listLimit]
			b.Truncated = true
		}
	}
	return b, nil
}

// ContextBundle is everything an agent needs to pick up one packet.
type ContextBundle struct {
	SchemaID      string                   `json:"schema_id"`
	SchemaVersion string                   `json:"schema_version"`
	GeneratedAt   string                   `json:"generated_at"`
	Mode          string                   `json:"mode"`
	Truncated     bool                     `json:"truncated"`
	Limits        map[string]int           `json:"limits"`
	PacketID      string                   `json:"packet_id"`
	Definition    *domain.PacketDefinition `json:"packet_definition"`
	RuntimeState  domain.PacketState       `json:"runtime_state"`
	Upstream      []DepStatus              `json:"upstream"`
	Downstream    []DepStatus              `json:"downstream"`
	History       []events.Entry           `json:"history"`
	Handovers     []domain.HandoverRecord  `json:"handovers"`
}

// ContextBundleOptions bound the bundle payload.
type ContextBundleOptions struct {
	PacketID     string
	MaxEvents    int
	MaxHandovers int
	Compact      bool
}

// ContextBundle assembles the packet's definition, runtime state, dependency
// neighborhood and history, newest entries first, truncated to the limits.
func (e Engine) ContextBundle(ctx context.Context, opts ContextBundleOptions) (ContextBundle, error) {
	def, err := e.Definition.Packet(opts.PacketID)
	if err != nil {
		return ContextBundle{}, err
	}
	doc, err := e.Snapshot()
	if err != nil {
		return ContextBundle{}, err
	}
	maxEvents := clamp(opts.MaxEvents, 1, 200, 40)
	maxHandovers := clamp(opts.MaxHandovers, 1, 200, 40)
	if opts.Compact {
		maxEvents = clamp(maxEvents, 1, 10, 10)
		maxHandovers = clamp(maxHandovers, 1, 10, 10)
	}
	bundle := ContextBundle{
		SchemaID:      "wbs.context_bundle",
		SchemaVersion: "1.0",
		GeneratedAt:   canonical.FormatTime(e.now()),
		Mode:          "full",
		Limits:        map[string]int{"max_events": maxEvents, "max_handovers": maxHandovers},
		PacketID:      def.ID,
		Definition:    def,
		RuntimeState:  doc.Packet(def.ID),
		Upstream:      []DepStatus{},
		Downstream:    []DepStatus{},
		History:       []events.Entry{},
		Handovers:     []domain.HandoverRecord{},
	}
	if opts.Compact {
		bundle.Mode = "compact"
	}
	for _, dep := range def.Dependencies {
		bundle.Upstream = append(bundle.Upstream, DepStatus{PacketID: dep, Status: doc.Packet(dep).Status})
	}
	for _, dep := range e.Definition.Dependents(def.ID) {
		bundle.Downstream = append(bundle.Downstream, DepStatus{PacketID: dep, Status: doc.Packet(dep).Status})
	}

	var history []events.Entry
	for i := len(doc.Log) - 1; i >= 0; i-- {
		if doc.Log[i].PacketID == def.ID {
			history = append(history, doc.Log[i])
		}
	}
	if len(history) > maxEvents {
		history = history[:maxEvents]
		bundle.Truncated = true
	}
	bundle.History = append(bundle.History, history...)

	var handovers []domain.HandoverRecord
	for _, id := range sortedHandoverIDs(doc) {
		if h := doc.Handovers[id]; h.PacketID == def.ID {
			handovers = append(handovers, h)
		}
	}
	if len(handovers) > maxHandovers {
		handovers = handovers[len(handovers)-maxHandovers:]
		bundle.Truncated = true
	}
	bundle.Handovers = append(bundle.Handovers, handovers...)
	return bundle, nil
}

func sortedHandoverIDs(doc *state.Document) []string {
	ids := make([]string, 0, len(doc.Handovers))
	for id := range doc.Handovers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func clamp(v, min, max, fallback int) int {
	if v == 0 {
		v = fallback
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
