package engine_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/daviddfraser-source/control-plane/internal/agents"
	"github.com/daviddfraser-source/control-plane/internal/canonical"
	"github.com/daviddfraser-source/control-plane/internal/config"
	"github.com/daviddfraser-source/control-plane/internal/domain"
	"github.com/daviddfraser-source/control-plane/internal/engine"
	"github.com/daviddfraser-source/control-plane/internal/risk"
	"github.com/daviddfraser-source/control-plane/internal/state"
)

const baseDefinition = `{
  "schema_version": "1.0",
  "project": "demo",
  "areas": [
    {"id": "A1", "title": "Foundations"},
    {"id": "A2", "title": "Delivery"}
  ],
  "packets": [
    {"id": "P-001", "wbs_ref": "1.1", "area_id": "A1", "title": "Base", "scope": "lay base"},
    {"id": "P-002", "wbs_ref": "1.2", "area_id": "A1", "title": "Walls", "scope": "raise walls", "dependencies": ["P-001"]},
    {"id": "P-003", "wbs_ref": "2.1", "area_id": "A2", "title": "Ship", "scope": "ship it", "dependencies": ["P-002"]}
  ]
}`

const governedDefinition = `{
  "schema_version": "1.0",
  "project": "governed",
  "areas": [{"id": "A1", "title": "Governed"}],
  "packets": [
    {"id": "G-001", "wbs_ref": "1.1", "area_id": "A1", "title": "Gated", "scope": "s", "preflight_required": true},
    {"id": "G-002", "wbs_ref": "1.2", "area_id": "A1", "title": "Reviewed", "scope": "s", "review_required": true},
    {"id": "G-003", "wbs_ref": "1.3", "area_id": "A1", "title": "Briefed", "scope": "s",
     "context_manifest": [{"file": "docs/brief.md", "required": true}, {"file": "docs/extra.md"}]},
    {"id": "G-004", "wbs_ref": "1.4", "area_id": "A1", "title": "Skilled", "scope": "s",
     "required_capabilities": ["code"]}
  ]
}`

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type testEnv struct {
	Root  string
	Eng   engine.Engine
	Clock *fakeClock
	Ctx   context.Context
}

func newTestEnv(t *testing.T, definition string) *testEnv {
	t.Helper()
	root := t.TempDir()
	defPath := filepath.Join(root, "def-input.json")
	if err := os.WriteFile(defPath, []byte(definition), 0o644); err != nil {
		t.Fatalf("write definition: %v", err)
	}
	clock := &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	ctx := context.Background()
	if _, err := engine.InitRoot(ctx, engine.InitRootOptions{
		Root:           root,
		DefinitionPath: defPath,
		Now:            clock.Now,
	}); err != nil {
		t.Fatalf("init root: %v", err)
	}
	def, err := domain.LoadDefinition(engine.DefinitionPath(root))
	if err != nil {
		t.Fatalf("load definition: %v", err)
	}
	store, err := state.Open(root, "file")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	hash, err := engine.ConstitutionHash(root)
	if err != nil {
		t.Fatalf("constitution hash: %v", err)
	}
	eng := engine.New(root, def, store, config.Default(), hash)
	eng.Now = clock.Now
	return &testEnv{Root: root, Eng: eng, Clock: clock, Ctx: ctx}
}

func (env *testEnv) claim(t *testing.T, id, actor string) domain.PacketState {
	t.Helper()
	ps, err := env.Eng.Claim(env.Ctx, engine.ClaimOptions{PacketID: id, Actor: actor})
	if err != nil {
		t.Fatalf("claim %s: %v", id, err)
	}
	return ps
}

func (env *testEnv) done(t *testing.T, id, actor, evidence string) domain.PacketState {
	t.Helper()
	ps, err := env.Eng.Done(env.Ctx, engine.DoneOptions{
		PacketID:     id,
		Actor:        actor,
		Evidence:     evidence,
		ResidualRisk: "none",
	})
	if err != nil {
		t.Fatalf("done %s: %v", id, err)
	}
	return ps
}

func (env *testEnv) heartbeat(t *testing.T, id, actor string) domain.PacketState {
	t.Helper()
	ps, err := env.Eng.Heartbeat(env.Ctx, engine.HeartbeatOptions{
		PacketID:           id,
		Actor:              actor,
		Status:             "in_progress",
		CompletionEstimate: "50%",
	})
	if err != nil {
		t.Fatalf("heartbeat %s: %v", id, err)
	}
	return ps
}

func (env *testEnv) snapshot(t *testing.T) *state.Document {
	t.Helper()
	doc, err := env.Eng.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return doc
}

// rejectionCode extracts the machine code from a governance rejection.
func rejectionCode(t *testing.T, err error) string {
	t.Helper()
	var te engine.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransitionError", err)
	}
	return te.Code
}

func hasEvent(doc *state.Document, packetID, event string) bool {
	for _, e := range doc.Log {
		if e.PacketID == packetID && e.Event == event {
			return true
		}
	}
	return false
}

func TestClaimMovesPendingToInProgress(t *testing.T) {
	env := newTestEnv(t, baseDefinition)

	ps := env.claim(t, "P-001", "agent-a")
	if ps.Status != "in_progress" {
		t.Fatalf("status = %s, want in_progress", ps.Status)
	}
	if ps.AssignedTo != "agent-a" {
		t.Fatalf("assigned_to = %s, want agent-a", ps.AssignedTo)
	}
	if ps.StartedAt != canonical.FormatTime(env.Clock.Now()) {
		t.Fatalf("started_at = %q", ps.StartedAt)
	}

	doc := env.snapshot(t)
	if !hasEvent(doc, "P-001", "claimed") || !hasEvent(doc, "P-001", "started") {
		t.Fatalf("log missing claimed/started events")
	}

	commits, err := env.Eng.DCL.History("P-001")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(commits) != 1 || commits[0].ActionEnvelope.Event != "claimed" {
		t.Fatalf("commits = %+v", commits)
	}

	ready, err := env.Eng.Ready(env.Ctx)
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	for _, r := range ready {
		if r.ID == "P-001" {
			t.Fatalf("claimed packet still listed ready")
		}
	}
}

func TestClaimRejectsClaimedAndTerminalPackets(t *testing.T) {
	env := newTestEnv(t, baseDefinition)
	env.claim(t, "P-001", "agent-a")

	_, err := env.Eng.Claim(env.Ctx, engine.ClaimOptions{PacketID: "P-001", Actor: "agent-b"})
	if code := rejectionCode(t, err); code != "wrong_status" {
		t.Fatalf("code = %s, want wrong_status", code)
	}

	env.done(t, "P-001", "agent-a", "built")
	_, err = env.Eng.Claim(env.Ctx, engine.ClaimOptions{PacketID: "P-001", Actor: "agent-b"})
	if code := rejectionCode(t, err); code != "already_terminal" {
		t.Fatalf("code = %s, want already_terminal", code)
	}
}

func TestClaimUnknownPacket(t *testing.T) {
	env := newTestEnv(t, baseDefinition)
	_, err := env.Eng.Claim(env.Ctx, engine.ClaimOptions{PacketID: "P-404", Actor: "agent-a"})
	if !errors.Is(err, domain.ErrPacketNotFound) {
		t.Fatalf("err = %v, want ErrPacketNotFound", err)
	}
}

func TestDependencyGate(t *testing.T) {
	env := newTestEnv(t, baseDefinition)

	_, err := env.Eng.Claim(env.Ctx, engine.ClaimOptions{PacketID: "P-002", Actor: "agent-a"})
	if code := rejectionCode(t, err); code != "dependency_unmet" {
		t.Fatalf("code = %s, want dependency_unmet", code)
	}

	ready, err := env.Eng.Ready(env.Ctx)
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != "P-001" {
		t.Fatalf("ready = %+v, want only P-001", ready)
	}

	env.claim(t, "P-001", "agent-a")
	env.done(t, "P-001", "agent-a", "built")

	ps := env.claim(t, "P-002", "agent-b")
	if ps.Status != "in_progress" {
		t.Fatalf("status = %s after deps done", ps.Status)
	}
}

func TestDoneDemandsEvidenceAndRiskAcknowledgement(t *testing.T) {
	env := newTestEnv(t, baseDefinition)
	env.claim(t, "P-001", "agent-a")

	_, err := env.Eng.Done(env.Ctx, engine.DoneOptions{PacketID: "P-001", Actor: "agent-a", Evidence: "  ", ResidualRisk: "none"})
	if code := rejectionCode(t, err); code != "evidence_missing" {
		t.Fatalf("code = %s, want evidence_missing", code)
	}

	_, err = env.Eng.Done(env.Ctx, engine.DoneOptions{PacketID: "P-001", Actor: "agent-a", Evidence: "built"})
	if code := rejectionCode(t, err); code != "invalid_residual_risk" {
		t.Fatalf("nil risk code = %s, want invalid_residual_risk", code)
	}

	_, err = env.Eng.Done(env.Ctx, engine.DoneOptions{
		PacketID: "P-001", Actor: "agent-a", Evidence: "built",
		ResidualRisk: map[string]any{"severity": "catastrophic", "description": "x"},
	})
	if code := rejectionCode(t, err); code != "invalid_residual_risk" {
		t.Fatalf("bad severity code = %s, want invalid_residual_risk", code)
	}

	ps := env.done(t, "P-001", "agent-a", "built and checked")
	if ps.Status != "done" || ps.CompletedAt == "" {
		t.Fatalf("after done: %+v", ps)
	}
	if len(ps.Notes) != 1 || ps.Notes[0] != "built and checked" {
		t.Fatalf("notes = %v", ps.Notes)
	}
}

func TestDoneWithDeclaredRiskFeedsRegister(t *testing.T) {
	env := newTestEnv(t, baseDefinition)
	env.claim(t, "P-001", "agent-a")

	_, err := env.Eng.Done(env.Ctx, engine.DoneOptions{
		PacketID: "P-001", Actor: "agent-a", Evidence: "built",
		ResidualRisk: map[string]any{"severity": "high", "description": "untested failover", "owner": "agent-a"},
	})
	if err != nil {
		t.Fatalf("done with risk: %v", err)
	}

	doc := env.snapshot(t)
	if !hasEvent(doc, "P-001", "risk_recorded") {
		t.Fatalf("log missing risk_recorded")
	}

	reg, err := risk.Load(env.Root)
	if err != nil {
		t.Fatalf("load register: %v", err)
	}
	entries := reg.List(risk.Filter{PacketID: "P-001"})
	if len(entries) != 1 {
		t.Fatalf("register entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Severity != "high" || e.Status != "open" || e.Owner != "agent-a" {
		t.Fatalf("entry = %+v", e)
	}
}

func TestIdentitySeparationOnDone(t *testing.T) {
	env := newTestEnv(t, baseDefinition)
	env.claim(t, "P-001", "agent-a")

	_, err := env.Eng.Done(env.Ctx, engine.DoneOptions{PacketID: "P-001", Actor: "agent-b", Evidence: "built", ResidualRisk: "none"})
	if code := rejectionCode(t, err); code != "identity_conflict" {
		t.Fatalf("code = %s, want identity_conflict", code)
	}
}

func TestRejectionLeavesDiskUntouched(t *testing.T) {
	env := newTestEnv(t, baseDefinition)
	env.claim(t, "P-001", "agent-a")

	statePath := filepath.Join(env.Root, "state.json")
	before, err := os.ReadFile(statePath)
	if err != nil {
		t.Fatalf("read state: %v", err)
	}

	if _, err := env.Eng.Done(env.Ctx, engine.DoneOptions{PacketID: "P-001", Actor: "agent-b", Evidence: "built", ResidualRisk: "none"}); err == nil {
		t.Fatalf("expected rejection")
	}

	after, err := os.ReadFile(statePath)
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	if string(before) != string(after) {
		t.Fatalf("state document changed on a rejected transition")
	}

	commits, err := env.Eng.DCL.History("P-001")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(commits) != 1 {
		t.Fatalf("rejection emitted a commit: %d", len(commits))
	}
}

func TestPreflightFlow(t *testing.T) {
	env := newTestEnv(t, governedDefinition)

	ps := env.claim(t, "G-001", "agent-a")
	if ps.Status != "preflight" {
		t.Fatalf("status = %s, want preflight", ps.Status)
	}
	doc := env.snapshot(t)
	if hasEvent(doc, "G-001", "started") {
		t.Fatalf("preflight claim must not log started")
	}

	_, err := env.Eng.SubmitPreflight(env.Ctx, engine.PreflightOptions{
		PacketID: "G-001", Actor: "agent-a", ContextConfirmation: "read brief",
	})
	var usage engine.UsageError
	if !errors.As(err, &usage) {
		t.Fatalf("empty execution plan: err = %v, want UsageError", err)
	}

	_, err = env.Eng.SubmitPreflight(env.Ctx, engine.PreflightOptions{
		PacketID: "G-001", Actor: "agent-b",
		ContextConfirmation: "read brief", ExecutionPlan: "steps",
	})
	if code := rejectionCode(t, err); code != "identity_conflict" {
		t.Fatalf("foreign submit code = %s", code)
	}

	ps, err = env.Eng.SubmitPreflight(env.Ctx, engine.PreflightOptions{
		PacketID: "G-001", Actor: "agent-a",
		ContextConfirmation: "read brief",
		AmbiguityRegister:   []string{"naming unclear"},
		ExecutionPlan:       "three steps",
	})
	if err != nil {
		t.Fatalf("submit preflight: %v", err)
	}
	if ps.Preflight == nil || ps.Preflight.SubmittedBy != "agent-a" {
		t.Fatalf("preflight record = %+v", ps.Preflight)
	}

	// The submitting executor cannot approve their own preflight.
	_, err = env.Eng.ResolvePreflight(env.Ctx, "G-001", "agent-a", true)
	if code := rejectionCode(t, err); code != "identity_conflict" {
		t.Fatalf("self approve code = %s", code)
	}

	ps, err = env.Eng.ResolvePreflight(env.Ctx, "G-001", "supervisor-1", true)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if ps.Status != "in_progress" || ps.Preflight.Outcome != "approved" {
		t.Fatalf("after approve: %+v", ps)
	}
	doc = env.snapshot(t)
	if !hasEvent(doc, "G-001", "preflight_approved") || !hasEvent(doc, "G-001", "started") {
		t.Fatalf("log missing preflight_approved/started")
	}
}

func TestPreflightReturnReleasesPacket(t *testing.T) {
	env := newTestEnv(t, governedDefinition)
	env.claim(t, "G-001", "agent-a")
	if _, err := env.Eng.SubmitPreflight(env.Ctx, engine.PreflightOptions{
		PacketID: "G-001", Actor: "agent-a",
		ContextConfirmation: "read", ExecutionPlan: "plan",
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	ps, err := env.Eng.ResolvePreflight(env.Ctx, "G-001", "supervisor-1", false)
	if err != nil {
		t.Fatalf("return: %v", err)
	}
	if ps.Status != "pending" || ps.AssignedTo != "" {
		t.Fatalf("after return: %+v", ps)
	}
	if ps.Preflight == nil || ps.Preflight.Outcome != "returned" {
		t.Fatalf("preflight outcome = %+v", ps.Preflight)
	}

	// The packet is claimable again.
	env.claim(t, "G-001", "agent-b")
}

func TestReviewCycleToEscalation(t *testing.T) {
	env := newTestEnv(t, governedDefinition)
	env.claim(t, "G-002", "agent-a")

	ps := env.done(t, "G-002", "agent-a", "first pass")
	if ps.Status != "review" {
		t.Fatalf("status = %s, want review", ps.Status)
	}
	doc := env.snapshot(t)
	if !hasEvent(doc, "G-002", "review_submitted") {
		t.Fatalf("log missing review_submitted")
	}

	// Reviewer independence.
	_, err := env.Eng.ReviewClaim(env.Ctx, "G-002", "agent-a")
	if code := rejectionCode(t, err); code != "identity_conflict" {
		t.Fatalf("self review code = %s", code)
	}
	if _, err := env.Eng.ReviewClaim(env.Ctx, "G-002", "agent-b"); err != nil {
		t.Fatalf("review claim: %v", err)
	}
	_, err = env.Eng.ReviewClaim(env.Ctx, "G-002", "agent-c")
	if code := rejectionCode(t, err); code != "wrong_status" {
		t.Fatalf("second reviewer code = %s", code)
	}

	_, err = env.Eng.ReviewSubmit(env.Ctx, engine.ReviewSubmitOptions{
		PacketID: "G-002", Reviewer: "agent-c", Verdict: "APPROVE",
		ExitCriteriaAssessment: "n/a",
	})
	if code := rejectionCode(t, err); code != "identity_conflict" {
		t.Fatalf("foreign verdict code = %s", code)
	}

	reject := func(cycle int) domain.PacketState {
		ps, err := env.Eng.ReviewSubmit(env.Ctx, engine.ReviewSubmitOptions{
			PacketID: "G-002", Reviewer: "agent-b", Verdict: "reject",
			ExitCriteriaAssessment: "criteria unmet",
			Findings:               []string{"missing tests"},
		})
		if err != nil {
			t.Fatalf("reject cycle %d: %v", cycle, err)
		}
		return ps
	}

	// Cycles one and two bounce back to the executor; the third exhausts
	// the budget and escalates.
	for cycle := 1; cycle <= 2; cycle++ {
		ps = reject(cycle)
		if ps.Status != "in_progress" || ps.Review.CycleCount != cycle {
			t.Fatalf("cycle %d: %+v", cycle, ps)
		}
		env.done(t, "G-002", "agent-a", "another pass")
	}
	ps = reject(3)
	if ps.Status != "escalated" || ps.Review.CycleCount != 3 {
		t.Fatalf("after third reject: %+v", ps)
	}
	doc = env.snapshot(t)
	if !hasEvent(doc, "G-002", "escalated") {
		t.Fatalf("log missing escalated")
	}

	// Only a supervisor can recover an escalated packet.
	_, err = env.Eng.Reset(env.Ctx, "G-002", "agent-a", "operator")
	if code := rejectionCode(t, err); code != "identity_conflict" {
		t.Fatalf("operator reset code = %s", code)
	}
	ps, err = env.Eng.Reset(env.Ctx, "G-002", "supervisor-1", "supervisor")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if ps.Status != "pending" || ps.Review != nil || ps.AssignedTo != "" {
		t.Fatalf("after reset: %+v", ps)
	}
}

func TestReviewApproveCompletes(t *testing.T) {
	env := newTestEnv(t, governedDefinition)
	env.claim(t, "G-002", "agent-a")
	env.done(t, "G-002", "agent-a", "ready for review")
	if _, err := env.Eng.ReviewClaim(env.Ctx, "G-002", "agent-b"); err != nil {
		t.Fatalf("review claim: %v", err)
	}

	ps, err := env.Eng.ReviewSubmit(env.Ctx, engine.ReviewSubmitOptions{
		PacketID: "G-002", Reviewer: "agent-b", Verdict: "APPROVE",
		ExitCriteriaAssessment: "all criteria met",
	})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if ps.Status != "done" || ps.CompletedAt == "" {
		t.Fatalf("after approve: %+v", ps)
	}
	doc := env.snapshot(t)
	if !hasEvent(doc, "G-002", "completed") {
		t.Fatalf("log missing completed")
	}
}

func TestReviewCycleExhaustedWhenBudgetShrinks(t *testing.T) {
	env := newTestEnv(t, governedDefinition)
	env.claim(t, "G-002", "agent-a")
	env.done(t, "G-002", "agent-a", "pass one")
	if _, err := env.Eng.ReviewClaim(env.Ctx, "G-002", "agent-b"); err != nil {
		t.Fatalf("review claim: %v", err)
	}
	if _, err := env.Eng.ReviewSubmit(env.Ctx, engine.ReviewSubmitOptions{
		PacketID: "G-002", Reviewer: "agent-b", Verdict: "REJECT",
		ExitCriteriaAssessment: "unmet",
	}); err != nil {
		t.Fatalf("first reject: %v", err)
	}
	env.done(t, "G-002", "agent-a", "pass two")

	// A packet already past the configured budget refuses further REJECTs
	// instead of burning more cycles.
	env.Eng.Config.Defaults.MaxReviewCycles = 1
	_, err := env.Eng.ReviewSubmit(env.Ctx, engine.ReviewSubmitOptions{
		PacketID: "G-002", Reviewer: "agent-b", Verdict: "REJECT",
		ExitCriteriaAssessment: "unmet",
	})
	if code := rejectionCode(t, err); code != "review_cycle_exhausted" {
		t.Fatalf("code = %s, want review_cycle_exhausted", code)
	}
}

func TestFailurePropagationAndReset(t *testing.T) {
	env := newTestEnv(t, baseDefinition)
	env.claim(t, "P-001", "agent-a")

	ps, err := env.Eng.Fail(env.Ctx, "P-001", "agent-a", "operator", "toolchain broken")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if ps.Status != "failed" || ps.FailureReason != "toolchain broken" {
		t.Fatalf("after fail: %+v", ps)
	}

	doc := env.snapshot(t)
	p2 := doc.Packet("P-002")
	if p2.Status != "blocked" || len(p2.BlockedBy) != 1 || p2.BlockedBy[0] != "P-001" {
		t.Fatalf("P-002 = %+v, want blocked by P-001", p2)
	}
	if doc.Packet("P-003").Status != "blocked" {
		t.Fatalf("P-003 status = %s, want blocked", doc.Packet("P-003").Status)
	}

	// Blocked packets cannot be claimed.
	_, err = env.Eng.Claim(env.Ctx, engine.ClaimOptions{PacketID: "P-002", Actor: "agent-b"})
	if code := rejectionCode(t, err); code != "wrong_status" {
		t.Fatalf("claim blocked code = %s", code)
	}

	// Supervisor reset recovers the whole chain.
	if _, err := env.Eng.Reset(env.Ctx, "P-001", "supervisor-1", "supervisor"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	doc = env.snapshot(t)
	if doc.Packet("P-001").Status != "pending" {
		t.Fatalf("P-001 not pending after reset")
	}
	if doc.Packet("P-002").Status != "pending" || doc.Packet("P-003").Status != "pending" {
		t.Fatalf("dependents not unblocked: %s %s",
			doc.Packet("P-002").Status, doc.Packet("P-003").Status)
	}
	if !hasEvent(doc, "P-002", "unblocked") {
		t.Fatalf("log missing unblocked for P-002")
	}
}

func TestFailRequiresExecutorOrSupervisor(t *testing.T) {
	env := newTestEnv(t, baseDefinition)
	env.claim(t, "P-001", "agent-a")

	_, err := env.Eng.Fail(env.Ctx, "P-001", "agent-b", "operator", "not mine")
	if code := rejectionCode(t, err); code != "identity_conflict" {
		t.Fatalf("code = %s, want identity_conflict", code)
	}
	if _, err := env.Eng.Fail(env.Ctx, "P-001", "supervisor-1", "supervisor", "halt condition met"); err != nil {
		t.Fatalf("supervisor fail: %v", err)
	}
}

func TestStallSweepAndRecovery(t *testing.T) {
	env := newTestEnv(t, baseDefinition)
	env.claim(t, "P-001", "agent-a")

	// Inside the threshold nothing moves.
	env.Clock.Advance(29 * time.Minute)
	report, err := env.Eng.CheckStalled(env.Ctx, "")
	if err != nil {
		t.Fatalf("check-stalled: %v", err)
	}
	if len(report.Stalled) != 0 {
		t.Fatalf("stalled early: %+v", report)
	}

	// A heartbeat restarts the window.
	env.heartbeat(t, "P-001", "agent-a")
	env.Clock.Advance(29 * time.Minute)
	report, err = env.Eng.CheckStalled(env.Ctx, "")
	if err != nil {
		t.Fatalf("check-stalled: %v", err)
	}
	if len(report.Stalled) != 0 {
		t.Fatalf("stalled despite recent heartbeat: %+v", report)
	}

	env.Clock.Advance(2 * time.Minute)
	report, err = env.Eng.CheckStalled(env.Ctx, "")
	if err != nil {
		t.Fatalf("check-stalled: %v", err)
	}
	if len(report.Stalled) != 1 || report.Stalled[0] != "P-001" {
		t.Fatalf("report = %+v, want P-001 stalled", report)
	}
	doc := env.snapshot(t)
	if doc.Packet("P-001").Status != "stalled" {
		t.Fatalf("status = %s", doc.Packet("P-001").Status)
	}

	// The sweep is idempotent while the packet stays stalled.
	report, err = env.Eng.CheckStalled(env.Ctx, "")
	if err != nil {
		t.Fatalf("check-stalled: %v", err)
	}
	if len(report.Stalled) != 0 {
		t.Fatalf("second sweep re-stalled: %+v", report)
	}

	// A heartbeat from the executor resumes the packet.
	ps := env.heartbeat(t, "P-001", "agent-a")
	if ps.Status != "in_progress" {
		t.Fatalf("status = %s after resume", ps.Status)
	}
	doc = env.snapshot(t)
	if !hasEvent(doc, "P-001", "resumed_from_stalled") {
		t.Fatalf("log missing resumed_from_stalled")
	}
}

func TestHeartbeatIdentityAndStatus(t *testing.T) {
	env := newTestEnv(t, baseDefinition)
	env.claim(t, "P-001", "agent-a")

	_, err := env.Eng.Heartbeat(env.Ctx, engine.HeartbeatOptions{
		PacketID: "P-001", Actor: "agent-b", Status: "in_progress", CompletionEstimate: "10%",
	})
	if code := rejectionCode(t, err); code != "identity_conflict" {
		t.Fatalf("foreign heartbeat code = %s", code)
	}

	_, err = env.Eng.Heartbeat(env.Ctx, engine.HeartbeatOptions{
		PacketID: "P-001", Actor: "agent-a", Status: "in_progress",
	})
	var usage engine.UsageError
	if !errors.As(err, &usage) {
		t.Fatalf("missing estimate err = %v, want UsageError", err)
	}

	env.done(t, "P-001", "agent-a", "built")
	_, err = env.Eng.Heartbeat(env.Ctx, engine.HeartbeatOptions{
		PacketID: "P-001", Actor: "agent-a", Status: "in_progress", CompletionEstimate: "100%",
	})
	if code := rejectionCode(t, err); code != "wrong_status" {
		t.Fatalf("terminal heartbeat code = %s", code)
	}
}

func TestPreflightTimeoutReturnsToPending(t *testing.T) {
	env := newTestEnv(t, governedDefinition)
	env.claim(t, "G-001", "agent-a")

	env.Clock.Advance(61 * time.Minute)
	report, err := env.Eng.CheckStalled(env.Ctx, "")
	if err != nil {
		t.Fatalf("check-stalled: %v", err)
	}
	if len(report.ReturnedToPending) != 1 || report.ReturnedToPending[0] != "G-001" {
		t.Fatalf("report = %+v", report)
	}
	doc := env.snapshot(t)
	ps := doc.Packet("G-001")
	if ps.Status != "pending" || ps.AssignedTo != "" {
		t.Fatalf("after timeout: %+v", ps)
	}
	if !hasEvent(doc, "G-001", "preflight_returned") {
		t.Fatalf("log missing preflight_returned")
	}
}

func TestHandoverAndResume(t *testing.T) {
	env := newTestEnv(t, baseDefinition)
	env.claim(t, "P-001", "agent-a")

	_, err := env.Eng.Handover(env.Ctx, engine.HandoverOptions{PacketID: "P-001", Actor: "agent-a"})
	var usage engine.UsageError
	if !errors.As(err, &usage) {
		t.Fatalf("empty summary err = %v, want UsageError", err)
	}

	rec, err := env.Eng.Handover(env.Ctx, engine.HandoverOptions{
		PacketID: "P-001", Actor: "agent-a",
		Summary: "base half laid; see notes for the remaining checks",
	})
	if err != nil {
		t.Fatalf("handover: %v", err)
	}
	if rec.ID != "h-0001" || rec.Status != "active" || rec.FromActor != "agent-a" {
		t.Fatalf("record = %+v", rec)
	}

	// A parked packet refuses completion and a second handover.
	_, err = env.Eng.Done(env.Ctx, engine.DoneOptions{PacketID: "P-001", Actor: "agent-a", Evidence: "built", ResidualRisk: "none"})
	if code := rejectionCode(t, err); code != "handover_active" {
		t.Fatalf("done during handover code = %s", code)
	}
	_, err = env.Eng.Handover(env.Ctx, engine.HandoverOptions{PacketID: "P-001", Actor: "agent-a", Summary: "again"})
	if code := rejectionCode(t, err); code != "handover_active" {
		t.Fatalf("double handover code = %s", code)
	}

	// The departing agent cannot resume their own handover.
	_, err = env.Eng.Resume(env.Ctx, "P-001", "agent-a", "operator")
	if code := rejectionCode(t, err); code != "identity_conflict" {
		t.Fatalf("self resume code = %s", code)
	}

	ps, err := env.Eng.Resume(env.Ctx, "P-001", "agent-b", "operator")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if ps.AssignedTo != "agent-b" || ps.Status != "in_progress" {
		t.Fatalf("after resume: %+v", ps)
	}
	doc := env.snapshot(t)
	h := doc.Handovers["h-0001"]
	if h.Status != "resumed" || h.ResumedBy != "agent-b" {
		t.Fatalf("handover record = %+v", h)
	}

	_, err = env.Eng.Resume(env.Ctx, "P-001", "agent-c", "operator")
	if code := rejectionCode(t, err); code != "wrong_status" {
		t.Fatalf("resume without handover code = %s", code)
	}

	// Work continues under the new executor.
	env.done(t, "P-001", "agent-b", "finished by agent-b")
}

func TestContextAttestationGate(t *testing.T) {
	env := newTestEnv(t, governedDefinition)

	_, err := env.Eng.Claim(env.Ctx, engine.ClaimOptions{PacketID: "G-003", Actor: "agent-a"})
	if code := rejectionCode(t, err); code != "context_attestation_missing" {
		t.Fatalf("code = %s, want context_attestation_missing", code)
	}

	// Only required manifest entries gate the claim.
	ps, err := env.Eng.Claim(env.Ctx, engine.ClaimOptions{
		PacketID: "G-003", Actor: "agent-a",
		ContextAttestation: []string{"docs/brief.md"},
	})
	if err != nil {
		t.Fatalf("claim with attestation: %v", err)
	}
	if len(ps.ContextAttestation) != 1 {
		t.Fatalf("attestation = %v", ps.ContextAttestation)
	}
}

func TestAgentRegistryEnforcement(t *testing.T) {
	env := newTestEnv(t, governedDefinition)

	reg, err := agents.Load(env.Root)
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	now := canonical.FormatTime(env.Clock.Now())
	if err := reg.Register("agent-a", "Agent A", []string{"code"}, now); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register("agent-b", "Agent B", []string{"docs"}, now); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.SetMode("strict"); err != nil {
		t.Fatalf("set mode: %v", err)
	}
	if err := agents.Save(env.Root, reg); err != nil {
		t.Fatalf("save registry: %v", err)
	}

	_, err = env.Eng.Claim(env.Ctx, engine.ClaimOptions{PacketID: "G-004", Actor: "agent-x"})
	if code := rejectionCode(t, err); code != "agent_unregistered" {
		t.Fatalf("unregistered code = %s", code)
	}
	_, err = env.Eng.Claim(env.Ctx, engine.ClaimOptions{PacketID: "G-004", Actor: "agent-b"})
	if code := rejectionCode(t, err); code != "capability_missing" {
		t.Fatalf("missing capability code = %s", code)
	}
	if _, err := env.Eng.Claim(env.Ctx, engine.ClaimOptions{PacketID: "G-004", Actor: "agent-a"}); err != nil {
		t.Fatalf("capable claim: %v", err)
	}
}

func TestAgentRegistryAdvisoryRecordsWarning(t *testing.T) {
	env := newTestEnv(t, governedDefinition)

	reg, err := agents.Load(env.Root)
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	if err := reg.SetMode("advisory"); err != nil {
		t.Fatalf("set mode: %v", err)
	}
	if err := agents.Save(env.Root, reg); err != nil {
		t.Fatalf("save registry: %v", err)
	}

	if _, err := env.Eng.Claim(env.Ctx, engine.ClaimOptions{PacketID: "G-004", Actor: "agent-x"}); err != nil {
		t.Fatalf("advisory claim: %v", err)
	}
	doc := env.snapshot(t)
	var warned bool
	for _, e := range doc.Log {
		if e.PacketID == "G-004" && e.Event == "claimed" {
			if _, ok := e.Details["capability_warning"]; ok {
				warned = true
			}
		}
	}
	if !warned {
		t.Fatalf("claimed entry missing capability_warning detail")
	}
}

func TestNoteAppendsAtAnyStatus(t *testing.T) {
	env := newTestEnv(t, baseDefinition)

	if _, err := env.Eng.Note(env.Ctx, "P-001", "agent-a", "pre-claim observation"); err != nil {
		t.Fatalf("note pending: %v", err)
	}
	env.claim(t, "P-001", "agent-a")
	env.done(t, "P-001", "agent-a", "built")
	ps, err := env.Eng.Note(env.Ctx, "P-001", "agent-b", "post-completion audit remark")
	if err != nil {
		t.Fatalf("note done: %v", err)
	}
	if len(ps.Notes) != 3 {
		t.Fatalf("notes = %v", ps.Notes)
	}

	_, err = env.Eng.Note(env.Ctx, "P-001", "agent-b", "   ")
	var usage engine.UsageError
	if !errors.As(err, &usage) {
		t.Fatalf("blank note err = %v, want UsageError", err)
	}
}
