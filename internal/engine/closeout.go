package engine

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/daviddfraser-source/control-plane/internal/canonical"
	"github.com/daviddfraser-source/control-plane/internal/dcl"
	"github.com/daviddfraser-source/control-plane/internal/domain"
	"github.com/daviddfraser-source/control-plane/internal/events"
)

// driftSections are the headings a closeout assessment document must carry.
// Matching is case-insensitive on the whole heading line.
var driftSections = []string{
	"## Scope Reviewed",
	"## Expected vs Delivered",
	"## Drift Assessment",
	"## Evidence Reviewed",
	"## Residual Risks",
	"## Immediate Next Actions",
}

// CloseoutOptions are parameters for closing out a work area.
type CloseoutOptions struct {
	AreaID         string
	Actor          string
	Role           string
	AssessmentPath string
	Notes          string
}

// CloseoutL2 closes a work area: every packet in the area must be done and
// the assessment document must cover all drift sections. The closeout is
// recorded in the state document and sealed with a project checkpoint over
// every packet's HEAD.
func (e Engine) CloseoutL2(ctx context.Context, opts CloseoutOptions) (domain.AreaCloseout, dcl.Checkpoint, error) {
	var closeout domain.AreaCloseout
	var cp dcl.Checkpoint
	if err := requireActor(opts.Actor); err != nil {
		return closeout, cp, err
	}
	if !isSupervisor(opts.Role) {
		return closeout, cp, TransitionError{
			Code:    "identity_conflict",
			Message: "closeout-l2 requires a supervisor identity",
		}
	}
	area, err := e.Definition.Area(opts.AreaID)
	if err != nil {
		return closeout, cp, err
	}
	content, err := os.ReadFile(opts.AssessmentPath)
	if err != nil {
		return closeout, cp, fmt.Errorf("read assessment document: %w", err)
	}
	if missing := missingDriftSections(string(content)); len(missing) > 0 {
		return closeout, cp, usagef("assessment document missing sections: %s", strings.Join(missing, ", "))
	}

	err = e.withLocks(ctx, nil, func() error {
		doc, err := e.Store.Load()
		if err != nil {
			return err
		}
		if prev, ok := doc.AreaCloseouts[area.ID]; ok {
			return TransitionError{
				Code:    "wrong_status",
				Message: fmt.Sprintf("area %s already closed out at %s by %s", area.ID, prev.ClosedAt, prev.ClosedBy),
			}
		}
		var open []string
		for _, def := range e.Definition.AreaPackets(area.ID) {
			if ps := doc.Packet(def.ID); ps.Status != "done" {
				open = append(open, fmt.Sprintf("%s (%s)", def.ID, ps.Status))
			}
		}
		if len(open) > 0 {
			return TransitionError{
				Code:    "area_incomplete",
				Message: fmt.Sprintf("area %s has packets not done: %s", area.ID, strings.Join(open, ", ")),
			}
		}

		now := e.now()
		closeout = domain.AreaCloseout{
			AreaID:         area.ID,
			ClosedAt:       canonical.FormatTime(now),
			ClosedBy:       opts.Actor,
			AssessmentPath: opts.AssessmentPath,
			Notes:          opts.Notes,
		}
		doc.Log, err = events.Append(doc.Log, doc.LogIntegrityMode, events.New(now, area.ID, "closeout_l2", opts.Actor, events.Payload{
			"area_id":         area.ID,
			"assessment_path": opts.AssessmentPath,
			"notes":           opts.Notes,
		}))
		if err != nil {
			return err
		}
		doc.AreaCloseouts[area.ID] = closeout
		doc.UpdatedAt = canonical.FormatTime(now)
		if err := e.Store.Save(doc); err != nil {
			return err
		}
		cp, err = e.DCL.WriteCheckpoint(now)
		return err
	})
	if err != nil {
		return domain.AreaCloseout{}, dcl.Checkpoint{}, err
	}
	return closeout, cp, nil
}

// missingDriftSections lists required headings absent from the assessment.
func missingDriftSections(content string) []string {
	lower := strings.ToLower(content)
	var missing []string
	for _, section := range driftSections {
		if !strings.Contains(lower, strings.ToLower(section)) {
			missing = append(missing, section)
		}
	}
	return missing
}
