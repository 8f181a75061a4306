package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/daviddfraser-source/control-plane/internal/agents"
	"github.com/daviddfraser-source/control-plane/internal/canonical"
	"github.com/daviddfraser-source/control-plane/internal/domain"
	"github.com/daviddfraser-source/control-plane/internal/events"
	"github.com/daviddfraser-source/control-plane/internal/risk"
	"github.com/daviddfraser-source/control-plane/internal/state"
)

// ClaimOptions are parameters for claiming a pending packet.
type ClaimOptions struct {
	PacketID           string
	Actor              string
	ContextAttestation []string
}

// Claim assigns a pending packet to an actor. The packet moves to preflight
// when the definition demands one, otherwise straight to in_progress.
func (e Engine) Claim(ctx context.Context, opts ClaimOptions) (domain.PacketState, error) {
	if err := requireActor(opts.Actor); err != nil {
		return domain.PacketState{}, err
	}
	def, err := e.Definition.Packet(opts.PacketID)
	if err != nil {
		return domain.PacketState{}, err
	}
	reg, err := agents.Load(e.Root)
	if err != nil {
		return domain.PacketState{}, err
	}
	doc, err := e.mutate(ctx, []string{def.ID}, func(doc *state.Document, now time.Time) ([]change, error) {
		ps := doc.Packet(def.ID)
		switch {
		case ps.Status == "done" || ps.Status == "failed":
			return nil, reject("already_terminal", ps, "packet %s is %s", def.ID, ps.Status)
		case ps.Status != "pending":
			if ps.AssignedTo != "" {
				return nil, reject("wrong_status", ps, "packet %s is %s (assigned to %s), not pending", def.ID, ps.Status, ps.AssignedTo)
			}
			return nil, reject("wrong_status", ps, "packet %s is %s, not pending", def.ID, ps.Status)
		}
		if unmet := unmetDependencies(doc, def); len(unmet) > 0 {
			return nil, reject("dependency_unmet", ps, "dependencies not done: %s", strings.Join(unmet, ", "))
		}
		if missing := missingAttestations(def, opts.ContextAttestation); len(missing) > 0 {
			return nil, reject("context_attestation_missing", ps, "required context not attested: %s", strings.Join(missing, ", "))
		}
		details := events.Payload{"assigned_to": opts.Actor}
		if len(opts.ContextAttestation) > 0 {
			details["context_attestation"] = opts.ContextAttestation
		}
		if v := reg.Check(opts.Actor, def.RequiredCapabilities); v != nil {
			if reg.EnforcementMode == "strict" {
				return nil, reject(v.Code, ps, "%s", v.Detail)
			}
			details["capability_warning"] = v.Detail
		}

		target := "in_progress"
		if def.PreflightRequired {
			target = "preflight"
		}
		ch := change{
			packetID: def.ID,
			event:    "claimed",
			actor:    opts.Actor,
			inputs:   map[string]any{"context_attestation": opts.ContextAttestation, "target": target},
			details:  details,
			commit:   true,
			apply: func(ps *domain.PacketState) {
				ps.Status = target
				ps.AssignedTo = opts.Actor
				ps.StartedAt = canonical.FormatTime(now)
				ps.ContextAttestation = append([]string(nil), opts.ContextAttestation...)
				ps.Preflight = nil
				ps.Review = nil
				ps.ResidualRisk = nil
				ps.CompletedAt = ""
				ps.FailureReason = ""
				if def.TemplateRef != "" {
					ps.TemplateLink = def.TemplateRef
				}
			},
		}
		if !def.PreflightRequired {
			ch.extra = append(ch.extra, extraEntry{event: "started", details: events.Payload{"assigned_to": opts.Actor}})
		}
		if def.TemplateRef != "" {
			ch.extra = append(ch.extra, extraEntry{event: "template_event", details: events.Payload{"template_ref": def.TemplateRef}})
		}
		if def.OntologyRequired {
			ch.extra = append(ch.extra, extraEntry{event: "ontology_event", details: events.Payload{"ontology_required": true}})
		}
		return []change{ch}, nil
	})
	if err != nil {
		return domain.PacketState{}, err
	}
	return doc.Packet(def.ID), nil
}

// missingAttestations lists required context_manifest paths absent from the
// attestation. Matching is exact string equality on the manifest file path.
func missingAttestations(def *domain.PacketDefinition, attested []string) []string {
	have := map[string]bool{}
	for _, p := range attested {
		have[p] = true
	}
	var missing []string
	for _, entry := range def.ContextManifest {
		if entry.Required && !have[entry.File] {
			missing = append(missing, entry.File)
		}
	}
	return missing
}

// PreflightOptions carry the executor's pre-execution assessment.
type PreflightOptions struct {
	PacketID            string
	Actor               string
	ContextConfirmation string
	AmbiguityRegister   []string
	RiskFlags           []string
	ExecutionPlan       string
}

// SubmitPreflight records the executor's assessment on a packet awaiting
// preflight. Status does not change; approval is a supervisor action.
func (e Engine) SubmitPreflight(ctx context.Context, opts PreflightOptions) (domain.PacketState, error) {
	if err := requireActor(opts.Actor); err != nil {
		return domain.PacketState{}, err
	}
	if _, err := e.Definition.Packet(opts.PacketID); err != nil {
		return domain.PacketState{}, err
	}
	if strings.TrimSpace(opts.ContextConfirmation) == "" {
		return domain.PacketState{}, usagef("context confirmation is required")
	}
	if strings.TrimSpace(opts.ExecutionPlan) == "" {
		return domain.PacketState{}, usagef("execution plan is required")
	}
	doc, err := e.mutate(ctx, []string{opts.PacketID}, func(doc *state.Document, now time.Time) ([]change, error) {
		ps := doc.Packet(opts.PacketID)
		if ps.Status != "preflight" {
			return nil, reject("wrong_status", ps, "packet %s is %s, not preflight", opts.PacketID, ps.Status)
		}
		if ps.AssignedTo != opts.Actor {
			return nil, reject("identity_conflict", ps, "packet %s is assigned to %s, not %s", opts.PacketID, ps.AssignedTo, opts.Actor)
		}
		rec := &domain.PreflightRecord{
			ContextConfirmation: opts.ContextConfirmation,
			AmbiguityRegister:   emptyNotNil(opts.AmbiguityRegister),
			RiskFlags:           emptyNotNil(opts.RiskFlags),
			ExecutionPlan:       opts.ExecutionPlan,
			SubmittedBy:         opts.Actor,
			SubmittedAt:         canonical.FormatTime(now),
		}
		return []change{{
			packetID: opts.PacketID,
			event:    "preflight_submitted",
			actor:    opts.Actor,
			inputs: map[string]any{
				"context_confirmation": opts.ContextConfirmation,
				"ambiguity_register":   emptyNotNil(opts.AmbiguityRegister),
				"risk_flags":           emptyNotNil(opts.RiskFlags),
				"execution_plan":       opts.ExecutionPlan,
			},
			commit: true,
			apply:  func(ps *domain.PacketState) { ps.Preflight = rec },
		}}, nil
	})
	if err != nil {
		return domain.PacketState{}, err
	}
	return doc.Packet(opts.PacketID), nil
}

// ResolvePreflight approves or returns a submitted preflight. Approval moves
// the packet to in_progress; return sends it back to pending with the
// assignment cleared. The resolver must differ from the executor.
func (e Engine) ResolvePreflight(ctx context.Context, packetID, supervisor string, approve bool) (domain.PacketState, error) {
	if err := requireActor(supervisor); err != nil {
		return domain.PacketState{}, err
	}
	if _, err := e.Definition.Packet(packetID); err != nil {
		return domain.PacketState{}, err
	}
	doc, err := e.mutate(ctx, []string{packetID}, func(doc *state.Document, now time.Time) ([]change, error) {
		ps := doc.Packet(packetID)
		if ps.Status != "preflight" {
			return nil, reject("wrong_status", ps, "packet %s is %s, not preflight", packetID, ps.Status)
		}
		if ps.AssignedTo == supervisor {
			return nil, reject("identity_conflict", ps, "preflight resolver must differ from executor %s", ps.AssignedTo)
		}
		if ps.Preflight == nil {
			return nil, reject("wrong_status", ps, "packet %s has no submitted preflight", packetID)
		}
		event := "preflight_returned"
		outcome := "returned"
		if approve {
			event = "preflight_approved"
			outcome = "approved"
		}
		ch := change{
			packetID: packetID,
			event:    event,
			actor:    supervisor,
			inputs:   map[string]any{"outcome": outcome},
			commit:   true,
			apply: func(ps *domain.PacketState) {
				ps.Preflight.ReviewedBy = supervisor
				ps.Preflight.ReviewedAt = canonical.FormatTime(now)
				ps.Preflight.Outcome = outcome
				if approve {
					ps.Status = "in_progress"
				} else {
					ps.Status = "pending"
					ps.AssignedTo = ""
				}
			},
		}
		if approve {
			ch.extra = append(ch.extra, extraEntry{event: "started", details: events.Payload{"assigned_to": ps.AssignedTo}})
		}
		return []change{ch}, nil
	})
	if err != nil {
		return domain.PacketState{}, err
	}
	return doc.Packet(packetID), nil
}

// HeartbeatOptions carry one liveness report from the executor.
type HeartbeatOptions struct {
	PacketID           string
	Actor              string
	Status             string
	Decisions          []string
	Obstacles          []string
	CompletionEstimate string
}

// Heartbeat records executor liveness. A heartbeat on a stalled packet
// returns it to in_progress and emits a commit; on an in_progress packet it
// is telemetry only and leaves the commit chain untouched.
func (e Engine) Heartbeat(ctx context.Context, opts HeartbeatOptions) (domain.PacketState, error) {
	if err := requireActor(opts.Actor); err != nil {
		return domain.PacketState{}, err
	}
	if _, err := e.Definition.Packet(opts.PacketID); err != nil {
		return domain.PacketState{}, err
	}
	if strings.TrimSpace(opts.Status) == "" {
		return domain.PacketState{}, usagef("heartbeat status is required")
	}
	if strings.TrimSpace(opts.CompletionEstimate) == "" {
		return domain.PacketState{}, usagef("completion estimate is required")
	}
	payload := map[string]any{
		"status":              opts.Status,
		"decisions":           emptyNotNil(opts.Decisions),
		"obstacles":           emptyNotNil(opts.Obstacles),
		"completion_estimate": opts.CompletionEstimate,
	}
	doc, err := e.mutate(ctx, []string{opts.PacketID}, func(doc *state.Document, now time.Time) ([]change, error) {
		ps := doc.Packet(opts.PacketID)
		if ps.Status != "in_progress" && ps.Status != "stalled" {
			return nil, reject("wrong_status", ps, "packet %s is %s, not in_progress or stalled", opts.PacketID, ps.Status)
		}
		if ps.AssignedTo != opts.Actor {
			return nil, reject("identity_conflict", ps, "packet %s is assigned to %s, not %s", opts.PacketID, ps.AssignedTo, opts.Actor)
		}
		resuming := ps.Status == "stalled"
		event := "heartbeat"
		if resuming {
			event = "resumed_from_stalled"
		}
		return []change{{
			packetID: opts.PacketID,
			event:    event,
			actor:    opts.Actor,
			inputs:   payload,
			commit:   resuming,
			apply: func(ps *domain.PacketState) {
				ps.LastHeartbeatAt = canonical.FormatTime(now)
				ps.HeartbeatPayload = payload
				if resuming {
					ps.Status = "in_progress"
				}
			},
		}}, nil
	})
	if err != nil {
		return domain.PacketState{}, err
	}
	return doc.Packet(opts.PacketID), nil
}

// StallReport lists the transitions one check-stalled sweep performed.
type StallReport struct {
	Stalled           []string `json:"stalled"`
	ReturnedToPending []string `json:"returned_to_pending"`
}

// CheckStalled sweeps every packet for missed heartbeats and expired
// preflights. In_progress packets silent past the stall threshold move to
// stalled; preflights older than the timeout return to pending. The sweep is
// idempotent within a stall window.
func (e Engine) CheckStalled(ctx context.Context, actor string) (StallReport, error) {
	if actor == "" {
		actor = "system"
	}
	var report StallReport
	lockIDs := make([]string, 0, len(e.Definition.Packets))
	for _, def := range e.Definition.Ordered() {
		lockIDs = append(lockIDs, def.ID)
	}
	_, err := e.mutate(ctx, lockIDs, func(doc *state.Document, now time.Time) ([]change, error) {
		report = StallReport{}
		var changes []change
		for _, def := range e.Definition.Ordered() {
			ps := doc.Packet(def.ID)
			switch ps.Status {
			case "in_progress":
				threshold := e.Config.StallThresholdSeconds(def.HeartbeatIntervalSeconds)
				since := ps.LastHeartbeatAt
				if since == "" {
					since = ps.StartedAt
				}
				if !olderThan(since, now, threshold) {
					continue
				}
				id := def.ID
				report.Stalled = append(report.Stalled, id)
				changes = append(changes, change{
					packetID: id,
					event:    "stalled",
					actor:    actor,
					inputs:   map[string]any{"threshold_seconds": threshold, "last_heartbeat_at": since},
					commit:   true,
					apply:    func(ps *domain.PacketState) { ps.Status = "stalled" },
				})
			case "preflight":
				since := ps.StartedAt
				if ps.Preflight != nil && ps.Preflight.SubmittedAt != "" {
					since = ps.Preflight.SubmittedAt
				}
				if !olderThan(since, now, e.Config.Defaults.PreflightTimeoutSeconds) {
					continue
				}
				id := def.ID
				report.ReturnedToPending = append(report.ReturnedToPending, id)
				changes = append(changes, change{
					packetID: id,
					event:    "preflight_returned",
					actor:    actor,
					inputs:   map[string]any{"cause": "timeout", "timeout_seconds": e.Config.Defaults.PreflightTimeoutSeconds},
					commit:   true,
					apply: func(ps *domain.PacketState) {
						ps.Status = "pending"
						ps.AssignedTo = ""
						if ps.Preflight != nil {
							ps.Preflight.Outcome = "returned"
						}
					},
				})
			}
		}
		return changes, nil
	})
	if err != nil {
		return StallReport{}, err
	}
	return report, nil
}

// olderThan reports whether the RFC 3339 timestamp ts lies more than
// thresholdSeconds before now. An unparseable or empty ts counts as expired.
func olderThan(ts string, now time.Time, thresholdSeconds int) bool {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return true
	}
	return now.Sub(t) > time.Duration(thresholdSeconds)*time.Second
}

// DoneOptions are parameters for completing a packet.
type DoneOptions struct {
	PacketID     string
	Actor        string
	Evidence     string
	ResidualRisk any
}

// Done completes a packet. Evidence is mandatory and residual risk must be
// explicitly acknowledged, either the literal "none" or a structured
// declaration that also lands in the risk register. With review_required the
// packet parks in review instead of done.
func (e Engine) Done(ctx context.Context, opts DoneOptions) (domain.PacketState, error) {
	if err := requireActor(opts.Actor); err != nil {
		return domain.PacketState{}, err
	}
	def, err := e.Definition.Packet(opts.PacketID)
	if err != nil {
		return domain.PacketState{}, err
	}
	declared, err := parseResidualRisk(opts.ResidualRisk)
	if err != nil {
		return domain.PacketState{}, err
	}
	doc, err := e.mutate(ctx, e.propagationScope(def.ID), func(doc *state.Document, now time.Time) ([]change, error) {
		ps := doc.Packet(def.ID)
		if ps.Status != "in_progress" {
			return nil, reject("wrong_status", ps, "packet %s is %s, not in_progress", def.ID, ps.Status)
		}
		if ps.AssignedTo != opts.Actor {
			return nil, reject("identity_conflict", ps, "packet %s is assigned to %s, not %s", def.ID, ps.AssignedTo, opts.Actor)
		}
		if strings.TrimSpace(opts.Evidence) == "" {
			return nil, reject("evidence_missing", ps, "completion evidence is required")
		}
		if h := activeHandover(doc, def.ID); h != nil {
			return nil, reject("handover_active", ps, "packet %s has active handover %s; resume before done", def.ID, h.ID)
		}

		target := "done"
		event := "completed"
		if def.ReviewRequired {
			target = "review"
			event = "review_submitted"
		}
		ch := change{
			packetID: def.ID,
			event:    event,
			actor:    opts.Actor,
			inputs:   map[string]any{"evidence": opts.Evidence, "residual_risk": opts.ResidualRisk},
			commit:   true,
			apply: func(ps *domain.PacketState) {
				ps.Status = target
				ps.Notes = append(ps.Notes, opts.Evidence)
				ps.ResidualRisk = opts.ResidualRisk
				if target == "done" {
					ps.CompletedAt = canonical.FormatTime(now)
				} else if ps.Review == nil {
					ps.Review = &domain.ReviewRecord{}
				}
			},
		}
		if declared != nil {
			ch.extra = append(ch.extra, extraEntry{event: "risk_recorded", details: events.Payload{
				"severity":    declared.Severity,
				"description": declared.Description,
				"owner":       declared.Owner,
			}})
		}
		changes := []change{ch}
		if target == "done" {
			changes = append(changes, e.recomputeBlocked(doc, map[string]string{def.ID: "done"}, def.ID+" done")...)
		}
		return changes, nil
	})
	if err != nil {
		return domain.PacketState{}, err
	}
	if declared != nil {
		err := risk.Update(ctx, e.Root, func(r *risk.Register) error {
			_, err := r.Add(def.ID, declared.Severity, declared.Description, declared.Owner, canonical.FormatTime(e.now()))
			return err
		})
		if err != nil {
			return domain.PacketState{}, fmt.Errorf("packet %s completed but risk register append failed: %w", def.ID, err)
		}
	}
	return doc.Packet(def.ID), nil
}

// residualRiskDecl is the structured form of a residual risk acknowledgement.
type residualRiskDecl struct {
	Severity    string
	Description string
	Owner       string
}

// parseResidualRisk validates the residual risk acknowledgement: the literal
// "none", or an object with severity and description (owner optional).
func parseResidualRisk(v any) (*residualRiskDecl, error) {
	invalid := func(format string, args ...any) error {
		return TransitionError{Code: "invalid_residual_risk", Message: fmt.Sprintf(format, args...)}
	}
	switch vv := v.(type) {
	case nil:
		return nil, invalid("residual risk must be acknowledged: pass \"none\" or a structured declaration")
	case string:
		if vv == "none" {
			return nil, nil
		}
		return nil, invalid("residual risk string must be \"none\", got %q", vv)
	case map[string]any:
		sev, _ := nonEmptyString(vv["severity"])
		desc, _ := nonEmptyString(vv["description"])
		owner, _ := vv["owner"].(string)
		if sev == "" || desc == "" {
			return nil, invalid("structured residual risk needs severity and description")
		}
		if !validSeverity(sev) {
			return nil, invalid("unknown severity %q (want one of %s)", sev, strings.Join(risk.Severities(), ", "))
		}
		return &residualRiskDecl{Severity: sev, Description: desc, Owner: owner}, nil
	default:
		return nil, invalid("residual risk must be \"none\" or an object, got %T", v)
	}
}

func validSeverity(s string) bool {
	for _, sev := range risk.Severities() {
		if s == sev {
			return true
		}
	}
	return false
}

// ReviewClaim assigns an independent reviewer to a packet in review.
func (e Engine) ReviewClaim(ctx context.Context, packetID, reviewer string) (domain.PacketState, error) {
	if err := requireActor(reviewer); err != nil {
		return domain.PacketState{}, err
	}
	if _, err := e.Definition.Packet(packetID); err != nil {
		return domain.PacketState{}, err
	}
	doc, err := e.mutate(ctx, []string{packetID}, func(doc *state.Document, now time.Time) ([]change, error) {
		ps := doc.Packet(packetID)
		if ps.Status != "review" {
			return nil, reject("wrong_status", ps, "packet %s is %s, not review", packetID, ps.Status)
		}
		if ps.AssignedTo == reviewer {
			return nil, reject("identity_conflict", ps, "reviewer must differ from executor %s", ps.AssignedTo)
		}
		if ps.Review != nil && ps.Review.Reviewer != "" && ps.Review.Reviewer != reviewer {
			return nil, reject("wrong_status", ps, "review already claimed by %s", ps.Review.Reviewer)
		}
		return []change{{
			packetID: packetID,
			event:    "review_claimed",
			actor:    reviewer,
			inputs:   map[string]any{"reviewer": reviewer},
			commit:   true,
			apply: func(ps *domain.PacketState) {
				if ps.Review == nil {
					ps.Review = &domain.ReviewRecord{}
				}
				ps.Review.Reviewer = reviewer
				ps.Review.ClaimedAt = canonical.FormatTime(now)
			},
		}}, nil
	})
	if err != nil {
		return domain.PacketState{}, err
	}
	return doc.Packet(packetID), nil
}

// ReviewSubmitOptions carry a reviewer's verdict and assessment.
type ReviewSubmitOptions struct {
	PacketID               string
	Reviewer               string
	Verdict                string
	ExitCriteriaAssessment string
	Findings               []string
	RiskFlags              []string
}

// ReviewSubmit records the reviewer's verdict. APPROVE completes the packet,
// REJECT sends it back to the executor and burns one review cycle, ESCALATE
// parks it for supervisor intervention. Exhausting the cycle budget
// escalates automatically.
func (e Engine) ReviewSubmit(ctx context.Context, opts ReviewSubmitOptions) (domain.PacketState, error) {
	if err := requireActor(opts.Reviewer); err != nil {
		return domain.PacketState{}, err
	}
	def, err := e.Definition.Packet(opts.PacketID)
	if err != nil {
		return domain.PacketState{}, err
	}
	verdict := strings.ToUpper(strings.TrimSpace(opts.Verdict))
	switch verdict {
	case "APPROVE", "REJECT", "ESCALATE":
	default:
		return domain.PacketState{}, usagef("verdict must be APPROVE, REJECT or ESCALATE, got %q", opts.Verdict)
	}
	if strings.TrimSpace(opts.ExitCriteriaAssessment) == "" {
		return domain.PacketState{}, usagef("exit criteria assessment is required")
	}
	doc, err := e.mutate(ctx, e.propagationScope(def.ID), func(doc *state.Document, now time.Time) ([]change, error) {
		ps := doc.Packet(def.ID)
		if ps.Status != "review" {
			return nil, reject("wrong_status", ps, "packet %s is %s, not review", def.ID, ps.Status)
		}
		if ps.AssignedTo == opts.Reviewer {
			return nil, reject("identity_conflict", ps, "reviewer must differ from executor %s", ps.AssignedTo)
		}
		if ps.Review == nil || ps.Review.Reviewer == "" {
			return nil, reject("wrong_status", ps, "review of %s not claimed; run review-claim first", def.ID)
		}
		if ps.Review.Reviewer != opts.Reviewer {
			return nil, reject("identity_conflict", ps, "review of %s is claimed by %s", def.ID, ps.Review.Reviewer)
		}

		maxCycles := e.Config.Defaults.MaxReviewCycles
		cycles := ps.Review.CycleCount
		target := ""
		switch verdict {
		case "APPROVE":
			target = "done"
		case "ESCALATE":
			target = "escalated"
		case "REJECT":
			if cycles >= maxCycles {
				return nil, reject("review_cycle_exhausted", ps, "packet %s already burned %d review cycles", def.ID, cycles)
			}
			cycles++
			target = "in_progress"
			if cycles >= maxCycles {
				target = "escalated"
			}
		}

		ch := change{
			packetID: def.ID,
			event:    "review_submitted",
			actor:    opts.Reviewer,
			inputs: map[string]any{
				"verdict":                  verdict,
				"exit_criteria_assessment": opts.ExitCriteriaAssessment,
				"findings":                 emptyNotNil(opts.Findings),
				"risk_flags":               emptyNotNil(opts.RiskFlags),
			},
			commit: true,
			apply: func(ps *domain.PacketState) {
				ps.Status = target
				ps.Review.Verdict = verdict
				ps.Review.CycleCount = cycles
				ps.Review.ExitCriteriaAssessment = opts.ExitCriteriaAssessment
				ps.Review.Findings = emptyNotNil(opts.Findings)
				ps.Review.RiskFlags = emptyNotNil(opts.RiskFlags)
				ps.Review.SubmittedAt = canonical.FormatTime(now)
				if target == "done" {
					ps.CompletedAt = canonical.FormatTime(now)
				}
			},
		}
		switch target {
		case "done":
			ch.extra = append(ch.extra, extraEntry{event: "completed", details: events.Payload{"reviewer": opts.Reviewer}})
		case "escalated":
			details := events.Payload{"verdict": verdict}
			if verdict == "REJECT" {
				details["cause"] = "review_cycle_exhausted"
				details["cycle_count"] = cycles
			}
			ch.extra = append(ch.extra, extraEntry{event: "escalated", details: details})
		}
		changes := []change{ch}
		if target == "done" {
			changes = append(changes, e.recomputeBlocked(doc, map[string]string{def.ID: "done"}, def.ID+" done")...)
		}
		return changes, nil
	})
	if err != nil {
		return domain.PacketState{}, err
	}
	return doc.Packet(def.ID), nil
}

// Fail marks a packet failed and blocks its dependents. The executor may
// fail their own packet; a supervisor may fail anyone's.
func (e Engine) Fail(ctx context.Context, packetID, actor, role, reason string) (domain.PacketState, error) {
	if err := requireActor(actor); err != nil {
		return domain.PacketState{}, err
	}
	def, err := e.Definition.Packet(packetID)
	if err != nil {
		return domain.PacketState{}, err
	}
	doc, err := e.mutate(ctx, e.propagationScope(def.ID), func(doc *state.Document, now time.Time) ([]change, error) {
		ps := doc.Packet(def.ID)
		switch ps.Status {
		case "in_progress", "preflight", "review", "stalled":
		case "done", "failed":
			return nil, reject("already_terminal", ps, "packet %s is %s", def.ID, ps.Status)
		default:
			return nil, reject("wrong_status", ps, "packet %s is %s, cannot fail", def.ID, ps.Status)
		}
		if ps.AssignedTo != actor && !isSupervisor(role) {
			return nil, reject("identity_conflict", ps, "packet %s is assigned to %s; only the executor or a supervisor may fail it", def.ID, ps.AssignedTo)
		}
		if h := activeHandover(doc, def.ID); h != nil {
			return nil, reject("handover_active", ps, "packet %s has active handover %s; resume before fail", def.ID, h.ID)
		}
		changes := []change{{
			packetID: def.ID,
			event:    "failed",
			actor:    actor,
			inputs:   map[string]any{"reason": reason},
			commit:   true,
			apply: func(ps *domain.PacketState) {
				ps.Status = "failed"
				ps.FailureReason = reason
				ps.CompletedAt = canonical.FormatTime(now)
			},
		}}
		changes = append(changes, e.recomputeBlocked(doc, map[string]string{def.ID: "failed"}, def.ID+" failed")...)
		return changes, nil
	})
	if err != nil {
		return domain.PacketState{}, err
	}
	return doc.Packet(def.ID), nil
}

// Reset returns a dead-ended packet to pending. Supervisor-only; the reset
// is itself a committed transition, not a history rewrite, and unblocks
// dependents that were blocked on a failure.
func (e Engine) Reset(ctx context.Context, packetID, actor, role string) (domain.PacketState, error) {
	if err := requireActor(actor); err != nil {
		return domain.PacketState{}, err
	}
	if !isSupervisor(role) {
		return domain.PacketState{}, TransitionError{
			Code:     "identity_conflict",
			PacketID: packetID,
			Message:  "reset requires a supervisor identity",
		}
	}
	def, err := e.Definition.Packet(packetID)
	if err != nil {
		return domain.PacketState{}, err
	}
	doc, err := e.mutate(ctx, e.propagationScope(def.ID), func(doc *state.Document, now time.Time) ([]change, error) {
		ps := doc.Packet(def.ID)
		switch ps.Status {
		case "failed", "stalled", "escalated", "preflight":
		default:
			return nil, reject("wrong_status", ps, "packet %s is %s; reset applies to failed, stalled, escalated or preflight", def.ID, ps.Status)
		}
		changes := []change{{
			packetID: def.ID,
			event:    "reset",
			actor:    actor,
			inputs:   map[string]any{"from_status": ps.Status},
			commit:   true,
			apply: func(ps *domain.PacketState) {
				ps.Status = "pending"
				ps.AssignedTo = ""
				ps.StartedAt = ""
				ps.CompletedAt = ""
				ps.LastHeartbeatAt = ""
				ps.ContextAttestation = nil
				ps.Preflight = nil
				ps.Review = nil
				ps.ResidualRisk = nil
				ps.HeartbeatPayload = nil
				ps.FailureReason = ""
			},
		}}
		changes = append(changes, e.recomputeBlocked(doc, map[string]string{def.ID: "pending"}, def.ID+" reset")...)
		return changes, nil
	})
	if err != nil {
		return domain.PacketState{}, err
	}
	return doc.Packet(def.ID), nil
}

// Note appends evidence narrative to a packet without changing status. The
// note is governed state, so a commit captures it.
func (e Engine) Note(ctx context.Context, packetID, actor, note string) (domain.PacketState, error) {
	if err := requireActor(actor); err != nil {
		return domain.PacketState{}, err
	}
	if strings.TrimSpace(note) == "" {
		return domain.PacketState{}, usagef("note text is required")
	}
	if _, err := e.Definition.Packet(packetID); err != nil {
		return domain.PacketState{}, err
	}
	doc, err := e.mutate(ctx, []string{packetID}, func(doc *state.Document, now time.Time) ([]change, error) {
		return []change{{
			packetID: packetID,
			event:    "noted",
			actor:    actor,
			inputs:   map[string]any{"note": note},
			commit:   true,
			apply:    func(ps *domain.PacketState) { ps.Notes = append(ps.Notes, note) },
		}}, nil
	})
	if err != nil {
		return domain.PacketState{}, err
	}
	return doc.Packet(packetID), nil
}

// activeHandover returns the packet's active handover record, if any.
func activeHandover(doc *state.Document, packetID string) *domain.HandoverRecord {
	for id := range doc.Handovers {
		h := doc.Handovers[id]
		if h.PacketID == packetID && h.Status == "active" {
			return &h
		}
	}
	return nil
}

// emptyNotNil keeps list-valued assessment fields as [] rather than null in
// canonical form, so resubmitting the same assessment hashes identically.
func emptyNotNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
