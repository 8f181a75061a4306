// Package doctor is the integrity runtime: it recovers interrupted commit
// writes, repairs state documents that lag their chains, and verifies the
// commit store against the governed runtime state. Serving surfaces run it
// at startup; operators run it as the doctor command.
package doctor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/daviddfraser-source/control-plane/internal/canonical"
	"github.com/daviddfraser-source/control-plane/internal/dcl"
	"github.com/daviddfraser-source/control-plane/internal/domain"
	"github.com/daviddfraser-source/control-plane/internal/fsx"
	"github.com/daviddfraser-source/control-plane/internal/state"
)

// Report is the outcome of one doctor run.
type Report struct {
	OK                bool           `json:"ok"`
	Mode              string         `json:"mode" enum:"fast,full"`
	PacketCount       int            `json:"packet_count"`
	CommitCount       int            `json:"commit_count"`
	CheckpointCount   int            `json:"checkpoint_count"`
	JournalRecoveries []dcl.Recovery `json:"journal_recoveries"`
	Repairs           []string       `json:"repairs"`
	Failures          []string       `json:"failures"`
}

func (r *Report) fail(format string, args ...any) {
	r.OK = false
	r.Failures = append(r.Failures, fmt.Sprintf(format, args...))
}

// Doctor runs integrity checks over one governance root.
type Doctor struct {
	Root  string
	Store state.Store
	DCL   *dcl.Store
	Now   func() time.Time
}

func New(root string, store state.Store) *Doctor {
	return &Doctor{Root: root, Store: store, DCL: dcl.NewStore(root), Now: time.Now}
}

// Run executes one doctor pass. Fast mode recovers journals and checks every
// chain tip against the runtime state, repairing documents that lag their
// chain by exactly one commit. Full mode additionally recomputes every
// commit hash and verifies the latest checkpoint.
//
// Run holds the global state lock throughout: every engine mutation acquires
// it first, so nothing transitions mid-diagnosis.
func (d *Doctor) Run(ctx context.Context, mode string) (Report, error) {
	switch mode {
	case "", "fast":
		mode = "fast"
	case "full":
	default:
		return Report{}, fmt.Errorf("unknown doctor mode %q (want fast or full)", mode)
	}
	report := Report{
		OK:                true,
		Mode:              mode,
		JournalRecoveries: []dcl.Recovery{},
		Repairs:           []string{},
		Failures:          []string{},
	}

	lock, err := fsx.AcquireLock(ctx, state.LockPath(d.Root))
	if err != nil {
		return report, err
	}
	defer lock.Release()

	if err := d.DCL.CheckConfigLock(); err != nil {
		report.fail("config lock: %v", err)
		return report, nil
	}

	recoveries, err := d.DCL.RecoverAll()
	if err != nil {
		report.fail("journal recovery: %v", err)
		return report, nil
	}
	report.JournalRecoveries = append(report.JournalRecoveries, recoveries...)

	doc, err := d.Store.Load()
	if err != nil {
		if errors.Is(err, state.ErrNotInitialized) {
			report.fail("state document: %v", err)
			return report, nil
		}
		return report, err
	}

	ids, err := d.DCL.Packets()
	if err != nil {
		return report, err
	}
	report.PacketCount = len(ids)
	docDirty := false
	for _, id := range ids {
		seqs, err := d.DCL.Seqs(id)
		if err != nil {
			report.fail("packet %s: %v", id, err)
			continue
		}
		report.CommitCount += len(seqs)

		repaired, err := d.checkBinding(doc, id)
		if err != nil {
			report.fail("packet %s: %v", id, err)
			continue
		}
		if repaired {
			docDirty = true
			report.Repairs = append(report.Repairs, fmt.Sprintf("packet %s: state replayed to chain tip", id))
		}
	}
	if docDirty {
		doc.UpdatedAt = canonical.FormatTime(d.Now())
		if err := d.Store.Save(doc); err != nil {
			return report, err
		}
	}

	cps, err := d.DCL.Checkpoints()
	if err != nil {
		return report, err
	}
	report.CheckpointCount = len(cps)

	if mode == "full" {
		states := map[string]any{}
		for id := range doc.Packets {
			states[id] = state.GovernedPacket(doc.Packet(id))
		}
		for _, err := range d.DCL.VerifyAll(states) {
			report.fail("%v", err)
		}
	}
	return report, nil
}

// checkBinding confirms the runtime state hashes to the chain tip. When the
// state instead hashes to the tip's pre-state, the crash hit between the
// commit write and the state save; the tip's diff is replayed onto the
// document. Returns whether a repair was applied.
func (d *Doctor) checkBinding(doc *state.Document, id string) (bool, error) {
	head, ok, err := d.DCL.Head(id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("chain exists but HEAD missing: %w", dcl.ErrHeadDrift)
	}
	current, err := canonical.HashValue(state.GovernedPacket(doc.Packet(id)))
	if err != nil {
		return false, err
	}
	if current == head.PostStateHash {
		return false, nil
	}

	tip, err := d.DCL.ReadCommit(id, head.Seq)
	if err != nil {
		return false, err
	}
	if current != tip.PreStateHash {
		return false, fmt.Errorf("state hash %s matches neither tip post-state nor pre-state: %w", current, dcl.ErrRuntimeBindingMismatch)
	}
	repaired, err := replayDiff(doc.Packet(id), tip.Diff)
	if err != nil {
		return false, err
	}
	replayedHash, err := canonical.HashValue(state.GovernedPacket(repaired))
	if err != nil {
		return false, err
	}
	if replayedHash != head.PostStateHash {
		return false, fmt.Errorf("replayed state hash %s does not reach tip post-state: %w", replayedHash, dcl.ErrRuntimeBindingMismatch)
	}
	doc.SetPacket(repaired)
	return true, nil
}

// replayDiff applies a commit's field-level delta to a packet state. Diffs
// are computed over governed fields only, so heartbeat telemetry on the
// document survives the replay.
func replayDiff(ps domain.PacketState, diff dcl.Diff) (domain.PacketState, error) {
	raw, err := json.Marshal(ps)
	if err != nil {
		return domain.PacketState{}, err
	}
	fields := map[string]any{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return domain.PacketState{}, err
	}
	for field, change := range diff.Changed {
		fields[field] = change.To
	}
	for field, value := range diff.Added {
		fields[field] = value
	}
	for _, field := range diff.Removed {
		delete(fields, field)
	}
	merged, err := json.Marshal(fields)
	if err != nil {
		return domain.PacketState{}, err
	}
	var out domain.PacketState
	dec = json.NewDecoder(bytes.NewReader(merged))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return domain.PacketState{}, err
	}
	return out, nil
}
