package domain

// WorkArea groups packets under one review and closeout boundary.
type WorkArea struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// PacketDefinition is the immutable description of one unit of work. It is
// never mutated after load; changing a definition means replacing the
// definition document and re-initializing.
type PacketDefinition struct {
	ID                       string                 `json:"id"`
	WBSRef                   string                 `json:"wbs_ref"`
	AreaID                   string                 `json:"area_id"`
	Title                    string                 `json:"title"`
	Scope                    string                 `json:"scope"`
	Preconditions            []string               `json:"preconditions,omitempty"`
	RequiredActions          []string               `json:"required_actions,omitempty"`
	RequiredOutputs          []string               `json:"required_outputs,omitempty"`
	ValidationChecks         []string               `json:"validation_checks,omitempty"`
	ExitCriteria             []string               `json:"exit_criteria,omitempty"`
	HaltConditions           []string               `json:"halt_conditions,omitempty"`
	Dependencies             []string               `json:"dependencies,omitempty"`
	PreflightRequired        bool                   `json:"preflight_required,omitempty"`
	ReviewRequired           bool                   `json:"review_required,omitempty"`
	HeartbeatRequired        bool                   `json:"heartbeat_required,omitempty"`
	HeartbeatIntervalSeconds int                    `json:"heartbeat_interval_seconds,omitempty"`
	ContextManifest          []ContextManifestEntry `json:"context_manifest,omitempty"`
	TemplateRef              string                 `json:"template_ref,omitempty"`
	OntologyRequired         bool                   `json:"ontology_required,omitempty"`
	RequiredCapabilities     []string               `json:"required_capabilities,omitempty"`
}

type ContextManifestEntry struct {
	File     string `json:"file"`
	Priority string `json:"priority,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// PacketState is the mutable runtime record for one packet. Its canonical
// hash is bound into every commit, so fields marshal deterministically and
// timestamps are pre-formatted RFC 3339 UTC strings.
type PacketState struct {
	PacketID           string           `json:"packet_id"`
	Status             string           `json:"status" enum:"pending,preflight,in_progress,stalled,review,escalated,done,failed,blocked"`
	AssignedTo         string           `json:"assigned_to,omitempty"`
	Notes              []string         `json:"notes,omitempty"`
	StartedAt          string           `json:"started_at,omitempty" format:"date-time"`
	CompletedAt        string           `json:"completed_at,omitempty" format:"date-time"`
	LastHeartbeatAt    string           `json:"last_heartbeat_at,omitempty" format:"date-time"`
	ContextAttestation []string         `json:"context_attestation,omitempty"`
	Preflight          *PreflightRecord `json:"preflight,omitempty"`
	Review             *ReviewRecord    `json:"review,omitempty"`
	ResidualRisk       any              `json:"residual_risk,omitempty"`
	HeartbeatPayload   map[string]any   `json:"heartbeat_payload,omitempty"`
	TemplateLink       string           `json:"template_link,omitempty"`
	FailureReason      string           `json:"failure_reason,omitempty"`
	BlockedBy          []string         `json:"blocked_by,omitempty"`
}

// PreflightRecord is the assessment an executor submits before execution is
// approved.
type PreflightRecord struct {
	ContextConfirmation string   `json:"context_confirmation"`
	AmbiguityRegister   []string `json:"ambiguity_register"`
	RiskFlags           []string `json:"risk_flags"`
	ExecutionPlan       string   `json:"execution_plan"`
	SubmittedBy         string   `json:"submitted_by,omitempty"`
	SubmittedAt         string   `json:"submitted_at,omitempty" format:"date-time"`
	ReviewedBy          string   `json:"reviewed_by,omitempty"`
	ReviewedAt          string   `json:"reviewed_at,omitempty" format:"date-time"`
	Outcome             string   `json:"outcome,omitempty" enum:"approved,returned"`
}

// ReviewRecord carries the independent review of a completed packet.
// CycleCount survives rejection cycles; exhausting the budget escalates.
type ReviewRecord struct {
	Reviewer               string   `json:"reviewer,omitempty"`
	CycleCount             int      `json:"cycle_count"`
	Verdict                string   `json:"verdict,omitempty" enum:"APPROVE,REJECT,ESCALATE"`
	ExitCriteriaAssessment string   `json:"exit_criteria_assessment,omitempty"`
	Findings               []string `json:"findings,omitempty"`
	RiskFlags              []string `json:"risk_flags,omitempty"`
	ClaimedAt              string   `json:"claimed_at,omitempty" format:"date-time"`
	SubmittedAt            string   `json:"submitted_at,omitempty" format:"date-time"`
}

// HandoverRecord transfers an in-flight packet between agents without losing
// chain continuity. At most one active handover exists per packet.
type HandoverRecord struct {
	ID        string `json:"id"`
	PacketID  string `json:"packet_id"`
	FromActor string `json:"from_actor"`
	Summary   string `json:"summary"`
	CreatedAt string `json:"created_at" format:"date-time"`
	Status    string `json:"status" enum:"active,resumed"`
	ResumedBy string `json:"resumed_by,omitempty"`
	ResumedAt string `json:"resumed_at,omitempty" format:"date-time"`
}

type AreaCloseout struct {
	AreaID         string `json:"area_id"`
	ClosedAt       string `json:"closed_at" format:"date-time"`
	ClosedBy       string `json:"closed_by"`
	AssessmentPath string `json:"assessment_path"`
	Notes          string `json:"notes,omitempty"`
}
