// Package dcl is the deterministic commitment layer: per-packet hash-linked
// commit chains persisted under <root>/dcl, a journaled write protocol that
// survives crashes at any point, and the verification primitives that bind
// live runtime state to committed history.
package dcl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/daviddfraser-source/control-plane/internal/canonical"
)

// Genesis is the prev-hash marker of the first commit in a chain.
const Genesis = "GENESIS"

// ActionEnvelope is the governed action exactly as submitted. Its canonical
// hash becomes the commit's action_hash.
type ActionEnvelope struct {
	Event     string         `json:"event"`
	Actor     string         `json:"actor"`
	Inputs    map[string]any `json:"inputs"`
	Timestamp string         `json:"timestamp"`
}

// Commit is one immutable link in a packet's chain.
type Commit struct {
	CommitID         string         `json:"commit_id"`
	PacketID         string         `json:"packet_id"`
	Seq              int            `json:"seq"`
	PrevCommitHash   string         `json:"prev_commit_hash"`
	ActionHash       string         `json:"action_hash"`
	PreStateHash     string         `json:"pre_state_hash"`
	PostStateHash    string         `json:"post_state_hash"`
	ConstitutionHash string         `json:"constitution_hash"`
	Diff             Diff           `json:"diff"`
	CreatedAt        string         `json:"created_at"`
	ActionEnvelope   ActionEnvelope `json:"action_envelope"`
	CommitHash       string         `json:"commit_hash,omitempty"`
}

// ComputeHash returns the canonical hash of the commit with its own
// commit_hash field blanked.
func (c Commit) ComputeHash() (string, error) {
	c.CommitHash = ""
	return canonical.HashValue(c)
}

// Head points at the tip of a packet's chain.
type Head struct {
	Seq           int    `json:"seq"`
	CommitHash    string `json:"commit_hash"`
	PostStateHash string `json:"post_state_hash"`
}

// Journal is the transient write-intent record that makes the commit
// protocol recoverable.
type Journal struct {
	Phase       string `json:"phase" enum:"prepare,done"`
	TargetSeq   int    `json:"target_seq"`
	PayloadHash string `json:"payload_hash"`
}

// Diff is the mandatory field-level delta between pre and post state.
type Diff struct {
	Changed map[string]FieldChange `json:"changed"`
	Added   map[string]any         `json:"added"`
	Removed []string               `json:"removed"`
}

type FieldChange struct {
	From any `json:"from"`
	To   any `json:"to"`
}

// ComputeDiff builds the top-level field delta between two state values.
// Values are compared by canonical bytes, so ordering and formatting noise
// never produce phantom changes.
func ComputeDiff(pre, post any) (Diff, error) {
	preMap, err := toFieldMap(pre)
	if err != nil {
		return Diff{}, err
	}
	postMap, err := toFieldMap(post)
	if err != nil {
		return Diff{}, err
	}
	diff := Diff{
		Changed: map[string]FieldChange{},
		Added:   map[string]any{},
		Removed: []string{},
	}
	for field, before := range preMap {
		after, ok := postMap[field]
		if !ok {
			diff.Removed = append(diff.Removed, field)
			continue
		}
		same, err := canonicalEqual(before, after)
		if err != nil {
			return Diff{}, err
		}
		if !same {
			diff.Changed[field] = FieldChange{From: before, To: after}
		}
	}
	for field, after := range postMap {
		if _, ok := preMap[field]; !ok {
			diff.Added[field] = after
		}
	}
	sort.Strings(diff.Removed)
	return diff, nil
}

func toFieldMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("diff field map: %w", err)
	}
	out := map[string]any{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("diff field map: %w", err)
	}
	return out, nil
}

func canonicalEqual(a, b any) (bool, error) {
	ab, err := canonical.Marshal(a)
	if err != nil {
		return false, err
	}
	bb, err := canonical.Marshal(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ab, bb), nil
}
