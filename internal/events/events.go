// Package events holds the lifecycle log: an append-only record of every
// governed transition, embedded in the state document so an entry is visible
// exactly when its transition is. The optional hash_chain mode seals entries
// into a tamper-evident chain.
package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/daviddfraser-source/control-plane/internal/canonical"
)

// ErrLogChainBroken reports a sealed log that no longer verifies.
var ErrLogChainBroken = errors.New("lifecycle log chain broken")

type Payload map[string]any

// Entry is one lifecycle log record. In hash_chain mode it also carries its
// seal: a dense event_id, the previous entry's hash and its own.
type Entry struct {
	EventID   string  `json:"event_id,omitempty"`
	Timestamp string  `json:"timestamp" format:"date-time"`
	PacketID  string  `json:"packet_id,omitempty"`
	Event     string  `json:"event"`
	Actor     string  `json:"actor"`
	Details   Payload `json:"details,omitempty"`
	PrevHash  string  `json:"prev_hash,omitempty"`
	Hash      string  `json:"hash,omitempty"`
}

// New builds an unsealed entry stamped at ts with nanosecond precision.
func New(ts time.Time, packetID, event, actor string, details Payload) Entry {
	return Entry{
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
		PacketID:  packetID,
		Event:     event,
		Actor:     actor,
		Details:   details,
	}
}

// Append adds e to the log, sealing it first when mode is hash_chain.
func Append(log []Entry, mode string, e Entry) ([]Entry, error) {
	if mode == "hash_chain" {
		prev := "GENESIS"
		if n := len(log); n > 0 {
			prev = log[n-1].Hash
		}
		sealed, err := seal(e, len(log)+1, prev)
		if err != nil {
			return log, err
		}
		e = sealed
	}
	return append(log, e), nil
}

// Seal converts a plain log to hash_chain by sealing every entry in order.
// Entry content is preserved; only the seal fields are written.
func Seal(log []Entry) ([]Entry, error) {
	out := make([]Entry, len(log))
	prev := "GENESIS"
	for i, e := range log {
		sealed, err := seal(e, i+1, prev)
		if err != nil {
			return nil, err
		}
		out[i] = sealed
		prev = sealed.Hash
	}
	return out, nil
}

func seal(e Entry, seq int, prev string) (Entry, error) {
	e.EventID = fmt.Sprintf("evt-%08d", seq)
	e.PrevHash = prev
	e.Hash = ""
	h, err := canonical.HashValue(e)
	if err != nil {
		return Entry{}, err
	}
	e.Hash = h
	return e, nil
}

// VerifyChain recomputes every seal and prev_hash link of a hash_chain log.
func VerifyChain(log []Entry) error {
	prev := "GENESIS"
	for i, e := range log {
		wantID := fmt.Sprintf("evt-%08d", i+1)
		if e.EventID != wantID {
			return fmt.Errorf("%w: entry %d has event_id %s, want %s", ErrLogChainBroken, i+1, e.EventID, wantID)
		}
		if e.PrevHash != prev {
			return fmt.Errorf("%w: entry %s prev_hash does not match prior entry", ErrLogChainBroken, e.EventID)
		}
		unsealed := e
		unsealed.Hash = ""
		h, err := canonical.HashValue(unsealed)
		if err != nil {
			return err
		}
		if h != e.Hash {
			return fmt.Errorf("%w: entry %s content does not match its hash", ErrLogChainBroken, e.EventID)
		}
		prev = e.Hash
	}
	return nil
}
