package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/daviddfraser-source/control-plane/internal/canonical"
	"github.com/daviddfraser-source/control-plane/internal/domain"
	"github.com/daviddfraser-source/control-plane/internal/state"
)

// HandoverOptions describe an executor handing an in-flight packet over.
type HandoverOptions struct {
	PacketID string
	Actor    string
	Summary  string
}

// Handover parks an in-flight packet for transfer: the current executor
// records a summary and the packet refuses done/fail until someone resumes
// it. At most one handover per packet may be active.
func (e Engine) Handover(ctx context.Context, opts HandoverOptions) (domain.HandoverRecord, error) {
	if err := requireActor(opts.Actor); err != nil {
		return domain.HandoverRecord{}, err
	}
	if strings.TrimSpace(opts.Summary) == "" {
		return domain.HandoverRecord{}, usagef("handover summary is required")
	}
	if _, err := e.Definition.Packet(opts.PacketID); err != nil {
		return domain.HandoverRecord{}, err
	}
	var rec domain.HandoverRecord
	_, err := e.mutate(ctx, []string{opts.PacketID}, func(doc *state.Document, now time.Time) ([]change, error) {
		ps := doc.Packet(opts.PacketID)
		if ps.Status != "in_progress" && ps.Status != "stalled" {
			return nil, reject("wrong_status", ps, "packet %s is %s, not in_progress or stalled", opts.PacketID, ps.Status)
		}
		if ps.AssignedTo != opts.Actor {
			return nil, reject("identity_conflict", ps, "packet %s is assigned to %s, not %s", opts.PacketID, ps.AssignedTo, opts.Actor)
		}
		if h := activeHandover(doc, opts.PacketID); h != nil {
			return nil, reject("handover_active", ps, "packet %s already has active handover %s", opts.PacketID, h.ID)
		}
		rec = domain.HandoverRecord{
			ID:        nextHandoverID(doc),
			PacketID:  opts.PacketID,
			FromActor: opts.Actor,
			Summary:   opts.Summary,
			CreatedAt: canonical.FormatTime(now),
			Status:    "active",
		}
		doc.Handovers[rec.ID] = rec
		return []change{{
			packetID: opts.PacketID,
			event:    "handover",
			actor:    opts.Actor,
			inputs:   map[string]any{"handover_id": rec.ID, "summary": opts.Summary},
			commit:   true,
			apply: func(ps *domain.PacketState) {
				ps.Notes = append(ps.Notes, fmt.Sprintf("handover %s: %s", rec.ID, opts.Summary))
			},
		}}, nil
	})
	if err != nil {
		return domain.HandoverRecord{}, err
	}
	return rec, nil
}

// Resume takes over a handed-over packet. The new executor must differ from
// the one who handed it over unless a supervisor forces the takeback.
func (e Engine) Resume(ctx context.Context, packetID, actor, role string) (domain.PacketState, error) {
	if err := requireActor(actor); err != nil {
		return domain.PacketState{}, err
	}
	if _, err := e.Definition.Packet(packetID); err != nil {
		return domain.PacketState{}, err
	}
	doc, err := e.mutate(ctx, []string{packetID}, func(doc *state.Document, now time.Time) ([]change, error) {
		ps := doc.Packet(packetID)
		h := activeHandover(doc, packetID)
		if h == nil {
			return nil, reject("wrong_status", ps, "packet %s has no active handover", packetID)
		}
		if h.FromActor == actor && !isSupervisor(role) {
			return nil, reject("identity_conflict", ps, "handover %s was created by %s; a different agent must resume", h.ID, h.FromActor)
		}
		resumed := *h
		resumed.Status = "resumed"
		resumed.ResumedBy = actor
		resumed.ResumedAt = canonical.FormatTime(now)
		doc.Handovers[resumed.ID] = resumed
		return []change{{
			packetID: packetID,
			event:    "resumed",
			actor:    actor,
			inputs:   map[string]any{"handover_id": resumed.ID, "from_actor": resumed.FromActor},
			commit:   true,
			apply:    func(ps *domain.PacketState) { ps.AssignedTo = actor },
		}}, nil
	})
	if err != nil {
		return domain.PacketState{}, err
	}
	return doc.Packet(packetID), nil
}

// nextHandoverID allocates the next h-%04d id over the document's handovers.
func nextHandoverID(doc *state.Document) string {
	max := 0
	for id := range doc.Handovers {
		var n int
		if _, err := fmt.Sscanf(id, "h-%04d", &n); err == nil && n > max {
			max = n
		}
	}
	return fmt.Sprintf("h-%04d", max+1)
}
