// Package engine implements the packet lifecycle: every governed transition,
// the dependency gate, and the protocol binding each state mutation to its
// DCL commit. All mutations run under the global state lock plus the
// affected packet locks and either become fully visible or leave disk
// untouched.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/daviddfraser-source/control-plane/internal/canonical"
	"github.com/daviddfraser-source/control-plane/internal/config"
	"github.com/daviddfraser-source/control-plane/internal/dcl"
	"github.com/daviddfraser-source/control-plane/internal/domain"
	"github.com/daviddfraser-source/control-plane/internal/events"
	"github.com/daviddfraser-source/control-plane/internal/fsx"
	"github.com/daviddfraser-source/control-plane/internal/state"
)

type Engine struct {
	Root             string
	Definition       *domain.Definition
	Store            state.Store
	DCL              *dcl.Store
	Config           *config.Config
	ConstitutionHash string
	Now              func() time.Time
}

func New(root string, def *domain.Definition, store state.Store, cfg *config.Config, constitutionHash string) Engine {
	return Engine{
		Root:             root,
		Definition:       def,
		Store:            store,
		DCL:              dcl.NewStore(root),
		Config:           cfg,
		ConstitutionHash: constitutionHash,
		Now:              time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// --- errors ---

// TransitionError is a governance rejection: the requested transition is not
// legal from the packet's current state or identity configuration. Disk is
// byte-identical to before the call.
type TransitionError struct {
	Code       string   `json:"code"`
	PacketID   string   `json:"packet_id,omitempty"`
	Message    string   `json:"message"`
	NextStates []string `json:"next_states,omitempty"`
}

func (e TransitionError) Error() string {
	if len(e.NextStates) > 0 {
		return fmt.Sprintf("%s: %s (next: %s)", e.Code, e.Message, strings.Join(e.NextStates, ", "))
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// UsageError marks malformed caller input, rejected before any state change.
type UsageError struct {
	Msg string
}

func (e UsageError) Error() string { return e.Msg }

func usagef(format string, args ...any) error {
	return UsageError{Msg: fmt.Sprintf(format, args...)}
}

// nextStates lists the statuses operator actions may move a packet to,
// surfaced on rejections so callers can self-correct.
var nextStates = map[string][]string{
	"pending":     {"preflight", "in_progress"},
	"preflight":   {"in_progress", "pending", "failed"},
	"in_progress": {"review", "done", "stalled", "failed"},
	"stalled":     {"in_progress", "failed", "pending"},
	"review":      {"done", "in_progress", "escalated", "failed"},
	"escalated":   {"pending"},
	"blocked":     {"pending"},
	"done":        {},
	"failed":      {"pending"},
}

func reject(code string, ps domain.PacketState, format string, args ...any) error {
	return TransitionError{
		Code:       code,
		PacketID:   ps.PacketID,
		Message:    fmt.Sprintf(format, args...),
		NextStates: nextStates[ps.Status],
	}
}

func requireActor(actor string) error {
	if strings.TrimSpace(actor) == "" {
		return UsageError{Msg: "actor identity is required"}
	}
	return nil
}

func isSupervisor(role string) bool {
	return role == "supervisor" || role == "admin"
}

// --- mutation protocol ---

// change is one packet transition inside an operation: how the runtime state
// mutates, what gets logged, and whether a DCL commit is emitted. Heartbeat
// telemetry updates are the only non-commit changes.
type change struct {
	packetID string
	event    string
	actor    string
	inputs   map[string]any
	details  events.Payload
	extra    []extraEntry
	commit   bool
	apply    func(ps *domain.PacketState)
}

// extraEntry is a secondary log entry recorded alongside a change, such as
// template_event or risk_recorded.
type extraEntry struct {
	event   string
	details events.Payload
}

// withLocks acquires the global state lock, then the packet locks in
// ascending id order, runs fn, and releases everything in reverse.
func (e Engine) withLocks(ctx context.Context, packetIDs []string, fn func() error) error {
	var locks []*fsx.Lock
	release := func() {
		for i := len(locks) - 1; i >= 0; i-- {
			_ = locks[i].Release()
		}
	}
	st, err := fsx.AcquireLock(ctx, state.LockPath(e.Root))
	if err != nil {
		return err
	}
	locks = append(locks, st)

	ids := append([]string(nil), packetIDs...)
	sort.Strings(ids)
	for _, id := range ids {
		l, err := fsx.AcquireLock(ctx, e.DCL.LockPath(id))
		if err != nil {
			release()
			return err
		}
		locks = append(locks, l)
	}
	defer release()
	return fn()
}

// mutate is the shared write path: lock, recover pending journals, load the
// document, let build compute the changes, apply them, save. A typed
// rejection from build leaves every artifact unchanged.
func (e Engine) mutate(ctx context.Context, lockIDs []string, build func(doc *state.Document, now time.Time) ([]change, error)) (*state.Document, error) {
	var doc *state.Document
	err := e.withLocks(ctx, lockIDs, func() error {
		for _, id := range lockIDs {
			if _, err := e.DCL.Recover(id); err != nil {
				return err
			}
		}
		var err error
		doc, err = e.Store.Load()
		if err != nil {
			return err
		}
		now := e.now()
		changes, err := build(doc, now)
		if err != nil {
			return err
		}
		if err := e.applyChanges(doc, now, changes); err != nil {
			return err
		}
		doc.UpdatedAt = canonical.FormatTime(now)
		return e.Store.Save(doc)
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// applyChanges runs each change against doc: clone the packet state, mutate
// the clone, append the log entries, and emit the commit binding the governed
// pre-state to the governed post-state. The caller persists doc afterwards; a
// crash between a commit and that save is healed by doctor replay.
func (e Engine) applyChanges(doc *state.Document, now time.Time, changes []change) error {
	for _, ch := range changes {
		pre := doc.Packet(ch.packetID)
		post, err := clonePacket(pre)
		if err != nil {
			return err
		}
		ch.apply(&post)

		details := ch.details
		if details == nil && ch.inputs != nil {
			details = events.Payload(ch.inputs)
		}
		doc.Log, err = events.Append(doc.Log, doc.LogIntegrityMode, events.New(now, ch.packetID, ch.event, ch.actor, details))
		if err != nil {
			return err
		}
		for _, ex := range ch.extra {
			doc.Log, err = events.Append(doc.Log, doc.LogIntegrityMode, events.New(now, ch.packetID, ex.event, ch.actor, ex.details))
			if err != nil {
				return err
			}
		}
		if ch.commit {
			_, err := e.DCL.Append(dcl.AppendInput{
				PacketID: ch.packetID,
				Action: dcl.ActionEnvelope{
					Event:     ch.event,
					Actor:     ch.actor,
					Inputs:    ch.inputs,
					Timestamp: canonical.FormatTime(now),
				},
				PreState:         state.GovernedPacket(pre),
				PostState:        state.GovernedPacket(post),
				ConstitutionHash: e.ConstitutionHash,
				CreatedAt:        now,
			})
			if err != nil {
				return err
			}
		}
		doc.SetPacket(post)
	}
	return nil
}

// clonePacket deep-copies a runtime state record via a JSON round trip so a
// change never aliases the pre-state it is hashed against. Numbers decode as
// json.Number to keep re-canonicalization exact.
func clonePacket(ps domain.PacketState) (domain.PacketState, error) {
	b, err := json.Marshal(ps)
	if err != nil {
		return domain.PacketState{}, err
	}
	var out domain.PacketState
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return domain.PacketState{}, err
	}
	return out, nil
}

// Snapshot loads the state document without locks. Both backends write
// atomically, so a plain read is internally consistent.
func (e Engine) Snapshot() (*state.Document, error) {
	return e.Store.Load()
}

// --- helpers ---

func toStringSlice(v any) ([]string, bool) {
	switch vv := v.(type) {
	case nil:
		return nil, false
	case []string:
		return vv, true
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

func nonEmptyString(v any) (string, bool) {
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}
