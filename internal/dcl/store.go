package dcl

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/daviddfraser-source/control-plane/internal/canonical"
	"github.com/daviddfraser-source/control-plane/internal/fsx"
)

// Store persists commit chains under <root>/dcl. Mutations assume the caller
// holds the packet's advisory lock; reads are lock-free.
type Store struct {
	Root string
}

func NewStore(root string) *Store {
	return &Store{Root: root}
}

func (s *Store) dir() string                { return filepath.Join(s.Root, "dcl") }
func (s *Store) packetsDir() string         { return filepath.Join(s.dir(), "packets") }
func (s *Store) PacketDir(id string) string { return filepath.Join(s.packetsDir(), id) }

// LockPath is the advisory lock file serializing writers of one packet.
func (s *Store) LockPath(id string) string { return filepath.Join(s.PacketDir(id), "lock") }

func (s *Store) headPath(id string) string    { return filepath.Join(s.PacketDir(id), "HEAD") }
func (s *Store) journalPath(id string) string { return filepath.Join(s.PacketDir(id), "journal.json") }

func (s *Store) commitPath(id string, seq int) string {
	return filepath.Join(s.PacketDir(id), "commits", fmt.Sprintf("%06d.json", seq))
}

// Packets lists the ids that have a chain directory, sorted.
func (s *Store) Packets() ([]string, error) {
	entries, err := os.ReadDir(s.packetsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Head reads the chain tip. ok is false when the chain is empty.
func (s *Store) Head(id string) (Head, bool, error) {
	var h Head
	if err := fsx.ReadJSON(s.headPath(id), &h); err != nil {
		if os.IsNotExist(err) {
			return Head{}, false, nil
		}
		return Head{}, false, err
	}
	return h, true, nil
}

// ReadCommit loads one commit. A missing file with a journal present is
// treated as an append in flight: wait briefly and retry once.
func (s *Store) ReadCommit(id string, seq int) (Commit, error) {
	var c Commit
	err := fsx.ReadJSON(s.commitPath(id, seq), &c)
	if err != nil && os.IsNotExist(err) {
		if _, jerr := os.Stat(s.journalPath(id)); jerr == nil {
			time.Sleep(50 * time.Millisecond)
			err = fsx.ReadJSON(s.commitPath(id, seq), &c)
		}
	}
	if err != nil {
		return Commit{}, err
	}
	return c, nil
}

// Seqs lists the commit sequence numbers present on disk, ascending.
func (s *Store) Seqs(id string) ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(s.PacketDir(id), "commits"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var seqs []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".json") || strings.Contains(name, ".tmp.") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		seqs = append(seqs, n)
	}
	sort.Ints(seqs)
	return seqs, nil
}

// AppendInput describes one transition to commit.
type AppendInput struct {
	PacketID         string
	Action           ActionEnvelope
	PreState         any
	PostState        any
	ConstitutionHash string
	CreatedAt        time.Time
}

// Append runs the journaled write protocol: journal(prepare) -> commit file
// -> HEAD -> journal(done) -> unlink. The caller holds the packet lock. A
// crash at any point is repaired by Recover. Each write phase retries
// transient I/O errors before aborting.
func (s *Store) Append(in AppendInput) (Commit, error) {
	id := in.PacketID
	preHash, err := canonical.HashValue(in.PreState)
	if err != nil {
		return Commit{}, fmt.Errorf("hash pre state: %w", err)
	}
	postHash, err := canonical.HashValue(in.PostState)
	if err != nil {
		return Commit{}, fmt.Errorf("hash post state: %w", err)
	}
	actionHash, err := canonical.HashValue(in.Action)
	if err != nil {
		return Commit{}, fmt.Errorf("hash action: %w", err)
	}
	diff, err := ComputeDiff(in.PreState, in.PostState)
	if err != nil {
		return Commit{}, err
	}

	head, ok, err := s.Head(id)
	if err != nil {
		return Commit{}, err
	}
	seq := 1
	prev := Genesis
	if ok {
		if head.PostStateHash != preHash {
			return Commit{}, fmt.Errorf("packet %s: %w", id, ErrRuntimeBindingMismatch)
		}
		seq = head.Seq + 1
		prev = head.CommitHash
	}

	c := Commit{
		CommitID:         fmt.Sprintf("CMT-%s-%06d", id, seq),
		PacketID:         id,
		Seq:              seq,
		PrevCommitHash:   prev,
		ActionHash:       actionHash,
		PreStateHash:     preHash,
		PostStateHash:    postHash,
		ConstitutionHash: in.ConstitutionHash,
		Diff:             diff,
		CreatedAt:        canonical.FormatTime(in.CreatedAt),
		ActionEnvelope:   in.Action,
	}
	hash, err := c.ComputeHash()
	if err != nil {
		return Commit{}, err
	}
	c.CommitHash = hash

	journal := Journal{Phase: "prepare", TargetSeq: seq, PayloadHash: hash}
	if err := fsx.Retry(func() error {
		return fsx.WriteJSONAtomic(s.journalPath(id), journal, 0o644)
	}); err != nil {
		return Commit{}, fmt.Errorf("write journal: %w", err)
	}
	if err := fsx.Retry(func() error {
		return fsx.WriteJSONAtomic(s.commitPath(id, seq), c, 0o644)
	}); err != nil {
		return Commit{}, fmt.Errorf("write commit %06d: %w", seq, err)
	}
	newHead := Head{Seq: seq, CommitHash: hash, PostStateHash: postHash}
	if err := fsx.Retry(func() error {
		return fsx.WriteJSONAtomic(s.headPath(id), newHead, 0o644)
	}); err != nil {
		return Commit{}, fmt.Errorf("advance HEAD: %w", err)
	}
	journal.Phase = "done"
	if err := fsx.Retry(func() error {
		return fsx.WriteJSONAtomic(s.journalPath(id), journal, 0o644)
	}); err != nil {
		return Commit{}, fmt.Errorf("finish journal: %w", err)
	}
	if err := os.Remove(s.journalPath(id)); err != nil && !os.IsNotExist(err) {
		return Commit{}, err
	}
	return c, nil
}

// Recovery reports what Recover did for one packet.
type Recovery struct {
	PacketID string `json:"packet_id"`
	Action   string `json:"action" enum:"none,rolled_back,head_advanced,journal_cleared"`
}

// Recover repairs an interrupted append from its journal. It is idempotent
// and safe to run on every load.
//
// Cases: journal in prepare with no valid commit at target_seq -> roll the
// partial write back; prepare with a valid commit but stale HEAD -> finish
// the HEAD advance; done -> clear the journal; no journal -> nothing.
func (s *Store) Recover(id string) (Recovery, error) {
	rec := Recovery{PacketID: id, Action: "none"}
	var j Journal
	if err := fsx.ReadJSON(s.journalPath(id), &j); err != nil {
		if os.IsNotExist(err) {
			return rec, nil
		}
		return rec, fmt.Errorf("packet %s: unreadable journal: %w", id, err)
	}

	switch j.Phase {
	case "done":
		if err := os.Remove(s.journalPath(id)); err != nil && !os.IsNotExist(err) {
			return rec, err
		}
		rec.Action = "journal_cleared"
		return rec, nil
	case "prepare":
		var c Commit
		err := fsx.ReadJSON(s.commitPath(id, j.TargetSeq), &c)
		valid := err == nil
		if valid {
			hash, herr := c.ComputeHash()
			valid = herr == nil && hash == c.CommitHash && hash == j.PayloadHash && c.Seq == j.TargetSeq
		}
		if !valid {
			if err := os.Remove(s.commitPath(id, j.TargetSeq)); err != nil && !os.IsNotExist(err) {
				return rec, err
			}
			if err := os.Remove(s.journalPath(id)); err != nil && !os.IsNotExist(err) {
				return rec, err
			}
			rec.Action = "rolled_back"
			return rec, nil
		}
		head, ok, err := s.Head(id)
		if err != nil {
			return rec, err
		}
		if !ok || head.Seq < j.TargetSeq {
			newHead := Head{Seq: c.Seq, CommitHash: c.CommitHash, PostStateHash: c.PostStateHash}
			if err := fsx.WriteJSONAtomic(s.headPath(id), newHead, 0o644); err != nil {
				return rec, err
			}
			if err := os.Remove(s.journalPath(id)); err != nil && !os.IsNotExist(err) {
				return rec, err
			}
			rec.Action = "head_advanced"
			return rec, nil
		}
		if err := os.Remove(s.journalPath(id)); err != nil && !os.IsNotExist(err) {
			return rec, err
		}
		rec.Action = "journal_cleared"
		return rec, nil
	default:
		return rec, fmt.Errorf("packet %s: journal has unknown phase %q", id, j.Phase)
	}
}

// RecoverAll runs journal recovery over every chain, returning the repairs
// actually performed.
func (s *Store) RecoverAll() ([]Recovery, error) {
	ids, err := s.Packets()
	if err != nil {
		return nil, err
	}
	var out []Recovery
	for _, id := range ids {
		rec, err := s.Recover(id)
		if err != nil {
			return out, err
		}
		if rec.Action != "none" {
			out = append(out, rec)
		}
	}
	return out, nil
}
