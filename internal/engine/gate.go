package engine

import (
	"github.com/daviddfraser-source/control-plane/internal/domain"
	"github.com/daviddfraser-source/control-plane/internal/state"
)

// The dependency gate. A packet is ready when it is pending and every
// dependency is done; it is blocked when any dependency failed or is
// transitively blocked. Blocking only ever touches unclaimed packets: claim
// requires all dependencies done, and done is permanent, so a claimed packet
// can never acquire a failed dependency afterwards.

// unmetDependencies lists def's dependencies that are not done.
func unmetDependencies(doc *state.Document, def *domain.PacketDefinition) []string {
	var unmet []string
	for _, dep := range def.Dependencies {
		if doc.Packet(dep).Status != "done" {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

// ReadyPackets enumerates claimable packets in (area_id, wbs_ref) order.
func (e Engine) ReadyPackets(doc *state.Document) []*domain.PacketDefinition {
	out := []*domain.PacketDefinition{}
	for _, def := range e.Definition.Ordered() {
		if doc.Packet(def.ID).Status != "pending" {
			continue
		}
		if len(unmetDependencies(doc, def)) == 0 {
			out = append(out, def)
		}
	}
	return out
}

// blockers returns def's direct dependencies that are failed or would end up
// blocked themselves. overrides carries statuses the current operation is
// about to write but has not applied yet; memo caches per-packet results
// across the recursion (the DAG is acyclic by load-time validation).
func (e Engine) blockers(doc *state.Document, id string, overrides map[string]string, memo map[string][]string) []string {
	if got, ok := memo[id]; ok {
		return got
	}
	memo[id] = nil
	def, err := e.Definition.Packet(id)
	if err != nil {
		return nil
	}
	statusOf := func(pid string) string {
		if s, ok := overrides[pid]; ok {
			return s
		}
		return doc.Packet(pid).Status
	}
	var out []string
	for _, dep := range def.Dependencies {
		switch st := statusOf(dep); {
		case st == "failed":
			out = append(out, dep)
		case (st == "pending" || st == "blocked") && len(e.blockers(doc, dep, overrides, memo)) > 0:
			out = append(out, dep)
		}
	}
	memo[id] = out
	return out
}

// recomputeBlocked computes the blocked fixpoint over every unclaimed packet
// and returns the transitions needed to reach it. Propagation runs as the
// system actor; operators never issue blocked or unblocked directly.
func (e Engine) recomputeBlocked(doc *state.Document, overrides map[string]string, cause string) []change {
	memo := map[string][]string{}
	var changes []change
	for _, def := range e.Definition.Ordered() {
		status := doc.Packet(def.ID).Status
		if s, ok := overrides[def.ID]; ok {
			status = s
		}
		if status != "pending" && status != "blocked" {
			continue
		}
		ps := doc.Packet(def.ID)
		bs := e.blockers(doc, def.ID, overrides, memo)
		switch {
		case len(bs) > 0:
			if status == "blocked" && equalStrings(ps.BlockedBy, bs) {
				continue
			}
			blockedBy := append([]string(nil), bs...)
			changes = append(changes, change{
				packetID: def.ID,
				event:    "blocked",
				actor:    "system",
				inputs:   map[string]any{"cause": cause, "blocked_by": blockedBy},
				commit:   true,
				apply: func(ps *domain.PacketState) {
					ps.Status = "blocked"
					ps.BlockedBy = blockedBy
				},
			})
		case status == "blocked":
			changes = append(changes, change{
				packetID: def.ID,
				event:    "unblocked",
				actor:    "system",
				inputs:   map[string]any{"cause": cause},
				commit:   true,
				apply: func(ps *domain.PacketState) {
					ps.Status = "pending"
					ps.BlockedBy = nil
				},
			})
		}
	}
	return changes
}

// propagationScope is the lock set for operations that can flip dependents:
// the packet itself plus its transitive dependents.
func (e Engine) propagationScope(id string) []string {
	seen := map[string]bool{id: true}
	queue := []string{id}
	out := []string{id}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		for _, dep := range e.Definition.Dependents(next) {
			if !seen[dep] {
				seen[dep] = true
				out = append(out, dep)
				queue = append(queue, dep)
			}
		}
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
