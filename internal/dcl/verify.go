package dcl

import (
	"errors"
	"fmt"

	"github.com/daviddfraser-source/control-plane/internal/canonical"
)

// Verification failure modes. Every one is an integrity failure; none is
// silently recovered.
var (
	ErrSeqDiscontinuity       = errors.New("commit sequence discontinuity")
	ErrPrevHashMismatch       = errors.New("prev commit hash mismatch")
	ErrStateHashMismatch      = errors.New("state hash continuity broken")
	ErrHeadDrift              = errors.New("HEAD does not match last commit")
	ErrCommitHashMismatch     = errors.New("commit hash mismatch")
	ErrRuntimeBindingMismatch = errors.New("runtime state does not match committed post state")
)

// VerifyPacket replays packet id's chain from disk: dense sequence numbers,
// per-commit hash recomputation, prev-hash linkage, pre/post state-hash
// continuity, HEAD binding, and finally the binding of live runtime state to
// the committed tip. runtimeState may be nil to skip the last check.
func (s *Store) VerifyPacket(id string, runtimeState any) error {
	commits, err := s.History(id)
	if err != nil {
		return err
	}
	if len(commits) == 0 {
		return nil
	}
	head, ok, err := s.Head(id)
	if err != nil {
		return err
	}
	var headPtr *Head
	if ok {
		headPtr = &head
	}
	return verifyChain(id, commits, headPtr, runtimeState)
}

// verifyChain checks an in-memory chain. head nil means no HEAD was found,
// which is itself a failure when commits exist.
func verifyChain(id string, commits []Commit, head *Head, runtimeState any) error {
	prevHash := Genesis
	prevPost := ""
	for i, c := range commits {
		want := i + 1
		if c.Seq != want {
			return fmt.Errorf("packet %s commit %d: %w: seq %d", id, want, ErrSeqDiscontinuity, c.Seq)
		}
		hash, err := c.ComputeHash()
		if err != nil {
			return err
		}
		if hash != c.CommitHash {
			return fmt.Errorf("packet %s seq %d: %w", id, c.Seq, ErrCommitHashMismatch)
		}
		actionHash, err := canonical.HashValue(c.ActionEnvelope)
		if err != nil {
			return err
		}
		if actionHash != c.ActionHash {
			return fmt.Errorf("packet %s seq %d: action envelope: %w", id, c.Seq, ErrCommitHashMismatch)
		}
		if c.PrevCommitHash != prevHash {
			return fmt.Errorf("packet %s seq %d: %w", id, c.Seq, ErrPrevHashMismatch)
		}
		if i > 0 && c.PreStateHash != prevPost {
			return fmt.Errorf("packet %s seq %d: %w", id, c.Seq, ErrStateHashMismatch)
		}
		prevHash = c.CommitHash
		prevPost = c.PostStateHash
	}

	last := commits[len(commits)-1]
	if head == nil {
		return fmt.Errorf("packet %s: HEAD missing with %d commits: %w", id, len(commits), ErrHeadDrift)
	}
	if head.Seq != last.Seq || head.CommitHash != last.CommitHash || head.PostStateHash != last.PostStateHash {
		return fmt.Errorf("packet %s: %w", id, ErrHeadDrift)
	}

	if runtimeState != nil {
		stateHash, err := canonical.HashValue(runtimeState)
		if err != nil {
			return err
		}
		if stateHash != head.PostStateHash {
			return fmt.Errorf("packet %s: %w", id, ErrRuntimeBindingMismatch)
		}
	}
	return nil
}

// History returns packet id's commits ordered by seq. Sequence gaps in the
// on-disk file set surface as ErrSeqDiscontinuity.
func (s *Store) History(id string) ([]Commit, error) {
	seqs, err := s.Seqs(id)
	if err != nil {
		return nil, err
	}
	commits := make([]Commit, 0, len(seqs))
	for i, seq := range seqs {
		if seq != i+1 {
			return nil, fmt.Errorf("packet %s: %w: commit file %06d where %06d expected", id, ErrSeqDiscontinuity, seq, i+1)
		}
		c, err := s.ReadCommit(id, seq)
		if err != nil {
			return nil, err
		}
		commits = append(commits, c)
	}
	return commits, nil
}

// VerifyAll verifies every chain in the store plus the latest checkpoint.
// states maps packet id to its live runtime state; packets without an entry
// skip the runtime binding check. It returns one error per failure.
func (s *Store) VerifyAll(states map[string]any) []error {
	ids, err := s.Packets()
	if err != nil {
		return []error{err}
	}
	var failures []error
	for _, id := range ids {
		if err := s.VerifyPacket(id, states[id]); err != nil {
			failures = append(failures, err)
		}
	}
	if cp, ok, err := s.LatestCheckpoint(); err != nil {
		failures = append(failures, err)
	} else if ok {
		if err := s.VerifyCheckpoint(cp); err != nil {
			failures = append(failures, err)
		}
	}
	return failures
}
