package risk_test

import (
	"context"
	"testing"

	"github.com/daviddfraser-source/control-plane/internal/risk"
)

const ts = "2026-03-01T10:00:00.000000Z"

func TestAddAssignsSequentialIDs(t *testing.T) {
	reg := risk.New()
	first, err := reg.Add("P-001", "high", "migration may drop legacy rows", "agent-a", ts)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	second, err := reg.Add("P-002", "low", "docs lag behind API", "", ts)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if first.ID != "RR-0001" || second.ID != "RR-0002" {
		t.Fatalf("unexpected ids: %s, %s", first.ID, second.ID)
	}
	if first.Status != "open" {
		t.Fatalf("new risks must open as open, got %s", first.Status)
	}
}

func TestAddValidatesInput(t *testing.T) {
	reg := risk.New()
	if _, err := reg.Add("", "high", "desc", "", ts); err == nil {
		t.Fatalf("expected missing packet id to be rejected")
	}
	if _, err := reg.Add("P-001", "catastrophic", "desc", "", ts); err == nil {
		t.Fatalf("expected unknown severity to be rejected")
	}
	if _, err := reg.Add("P-001", "high", "", "", ts); err == nil {
		t.Fatalf("expected empty description to be rejected")
	}
}

func TestListFilters(t *testing.T) {
	reg := risk.New()
	mustAdd(t, reg, "P-001", "critical")
	mustAdd(t, reg, "P-001", "low")
	mustAdd(t, reg, "P-002", "medium")
	if err := reg.UpdateStatus("RR-0002", "accepted", ts); err != nil {
		t.Fatalf("update: %v", err)
	}

	if got := reg.List(risk.Filter{PacketID: "P-001"}); len(got) != 2 {
		t.Fatalf("packet filter: got %d entries", len(got))
	}
	if got := reg.List(risk.Filter{Status: "open"}); len(got) != 2 {
		t.Fatalf("status filter: got %d entries", len(got))
	}
	if got := reg.List(risk.Filter{PacketID: "P-001", Status: "accepted"}); len(got) != 1 || got[0].ID != "RR-0002" {
		t.Fatalf("combined filter: %+v", got)
	}
}

func TestUpdateStatusGuards(t *testing.T) {
	reg := risk.New()
	mustAdd(t, reg, "P-001", "high")

	if err := reg.UpdateStatus("RR-0001", "closed", ts); err == nil {
		t.Fatalf("expected unknown target status to be rejected")
	}
	if err := reg.UpdateStatus("RR-9999", "mitigated", ts); err == nil {
		t.Fatalf("expected unknown id to be rejected")
	}
	if err := reg.UpdateStatus("RR-0001", "mitigated", ts); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := reg.UpdateStatus("RR-0001", "accepted", ts); err == nil {
		t.Fatalf("expected resolved risk to refuse another transition")
	}
	if got := reg.List(risk.Filter{Status: "mitigated"}); len(got) != 1 || got[0].ResolvedAt != ts {
		t.Fatalf("resolved_at not stamped: %+v", got)
	}
}

func TestSummarizeHighlightsOpenCriticals(t *testing.T) {
	reg := risk.New()
	mustAdd(t, reg, "P-001", "critical")
	mustAdd(t, reg, "P-002", "critical")
	mustAdd(t, reg, "P-003", "low")
	if err := reg.UpdateStatus("RR-0002", "mitigated", ts); err != nil {
		t.Fatalf("update: %v", err)
	}

	s := reg.Summarize()
	if s.Total != 3 {
		t.Fatalf("total = %d", s.Total)
	}
	if s.Counts["critical"]["open"] != 1 || s.Counts["critical"]["mitigated"] != 1 {
		t.Fatalf("critical counts: %+v", s.Counts["critical"])
	}
	if len(s.OpenCritical) != 1 || s.OpenCritical[0] != "RR-0001" {
		t.Fatalf("open criticals: %+v", s.OpenCritical)
	}
}

func TestUpdatePersistsUnderLock(t *testing.T) {
	root := t.TempDir()
	err := risk.Update(context.Background(), root, func(reg *risk.Register) error {
		_, err := reg.Add("P-001", "medium", "cache invalidation untested", "agent-b", ts)
		return err
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	reg, err := risk.Load(root)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(reg.Risks) != 1 || reg.Risks[0].ID != "RR-0001" {
		t.Fatalf("risk not persisted: %+v", reg.Risks)
	}

	// A failing mutation must leave the file untouched.
	err = risk.Update(context.Background(), root, func(reg *risk.Register) error {
		_, err := reg.Add("P-001", "bogus", "x", "", ts)
		return err
	})
	if err == nil {
		t.Fatalf("expected invalid severity to fail the update")
	}
	reg, err = risk.Load(root)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(reg.Risks) != 1 {
		t.Fatalf("failed update must not persist, got %d risks", len(reg.Risks))
	}
}

func mustAdd(t *testing.T, reg *risk.Register, packetID, severity string) {
	t.Helper()
	if _, err := reg.Add(packetID, severity, "residual risk for "+packetID, "", ts); err != nil {
		t.Fatalf("add: %v", err)
	}
}
