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

// Checkpoint freezes every chain tip into one hashed, merkle-summarized
// project snapshot. Checkpoints are never deleted.
type Checkpoint struct {
	CheckpointID   string          `json:"checkpoint_id"`
	CreatedAt      string          `json:"created_at"`
	HeadTable      map[string]Head `json:"head_table"`
	MerkleRoot     string          `json:"merkle_root"`
	CheckpointHash string          `json:"checkpoint_hash,omitempty"`
}

func (c Checkpoint) computeHash() (string, error) {
	c.CheckpointHash = ""
	return canonical.HashValue(c)
}

func (s *Store) checkpointDir() string {
	return filepath.Join(s.dir(), "project-checkpoints")
}

func (s *Store) checkpointPath(id string) string {
	return filepath.Join(s.checkpointDir(), id+".json")
}

// WriteCheckpoint snapshots all current HEADs into the next CHK-%06d.
func (s *Store) WriteCheckpoint(now time.Time) (Checkpoint, error) {
	ids, err := s.Packets()
	if err != nil {
		return Checkpoint{}, err
	}
	table := map[string]Head{}
	for _, id := range ids {
		head, ok, err := s.Head(id)
		if err != nil {
			return Checkpoint{}, err
		}
		if ok {
			table[id] = head
		}
	}
	root, err := merkleRoot(table)
	if err != nil {
		return Checkpoint{}, err
	}
	next, err := s.nextCheckpointSeq()
	if err != nil {
		return Checkpoint{}, err
	}
	cp := Checkpoint{
		CheckpointID: fmt.Sprintf("CHK-%06d", next),
		CreatedAt:    canonical.FormatTime(now),
		HeadTable:    table,
		MerkleRoot:   root,
	}
	hash, err := cp.computeHash()
	if err != nil {
		return Checkpoint{}, err
	}
	cp.CheckpointHash = hash
	if err := fsx.Retry(func() error {
		return fsx.WriteJSONAtomic(s.checkpointPath(cp.CheckpointID), cp, 0o644)
	}); err != nil {
		return Checkpoint{}, err
	}
	return cp, nil
}

func (s *Store) nextCheckpointSeq() (int, error) {
	ids, err := s.checkpointIDs()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 1, nil
	}
	last := ids[len(ids)-1]
	n, err := strconv.Atoi(strings.TrimPrefix(last, "CHK-"))
	if err != nil {
		return 0, fmt.Errorf("bad checkpoint id %s: %w", last, err)
	}
	return n + 1, nil
}

func (s *Store) checkpointIDs() ([]string, error) {
	entries, err := os.ReadDir(s.checkpointDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "CHK-") && strings.HasSuffix(name, ".json") {
			ids = append(ids, strings.TrimSuffix(name, ".json"))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Checkpoints lists checkpoint ids in ascending order.
func (s *Store) Checkpoints() ([]string, error) {
	return s.checkpointIDs()
}

// LatestCheckpoint loads the newest checkpoint. ok is false when none exist.
func (s *Store) LatestCheckpoint() (Checkpoint, bool, error) {
	ids, err := s.checkpointIDs()
	if err != nil || len(ids) == 0 {
		return Checkpoint{}, false, err
	}
	var cp Checkpoint
	if err := fsx.ReadJSON(s.checkpointPath(ids[len(ids)-1]), &cp); err != nil {
		return Checkpoint{}, false, err
	}
	return cp, true, nil
}

// VerifyCheckpoint recomputes the checkpoint's own hash and merkle root,
// then confirms every recorded head is still present in its chain: the
// commit at the recorded seq must match, and the chain must not have moved
// backwards. Chains may have grown since the snapshot.
func (s *Store) VerifyCheckpoint(cp Checkpoint) error {
	hash, err := cp.computeHash()
	if err != nil {
		return err
	}
	if hash != cp.CheckpointHash {
		return fmt.Errorf("checkpoint %s: %w", cp.CheckpointID, ErrCommitHashMismatch)
	}
	root, err := merkleRoot(cp.HeadTable)
	if err != nil {
		return err
	}
	if root != cp.MerkleRoot {
		return fmt.Errorf("checkpoint %s: merkle_root: %w", cp.CheckpointID, ErrCommitHashMismatch)
	}
	for id, recorded := range cp.HeadTable {
		head, ok, err := s.Head(id)
		if err != nil {
			return err
		}
		if !ok || head.Seq < recorded.Seq {
			return fmt.Errorf("checkpoint %s: packet %s chain behind snapshot: %w", cp.CheckpointID, id, ErrHeadDrift)
		}
		c, err := s.ReadCommit(id, recorded.Seq)
		if err != nil {
			return err
		}
		if c.CommitHash != recorded.CommitHash || c.PostStateHash != recorded.PostStateHash {
			return fmt.Errorf("checkpoint %s: packet %s seq %d: %w", cp.CheckpointID, id, recorded.Seq, ErrHeadDrift)
		}
	}
	return nil
}

// merkleRoot hashes head_table entries ordered by packet id into a binary
// SHA-256 tree, promoting an odd trailing node unchanged.
func merkleRoot(table map[string]Head) (string, error) {
	if len(table) == 0 {
		return Genesis, nil
	}
	ids := make([]string, 0, len(table))
	for id := range table {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	level := make([]string, 0, len(ids))
	for _, id := range ids {
		head := table[id]
		leaf, err := canonical.HashValue(map[string]any{
			"packet_id":       id,
			"seq":             head.Seq,
			"commit_hash":     head.CommitHash,
			"post_state_hash": head.PostStateHash,
		})
		if err != nil {
			return "", err
		}
		level = append(level, leaf)
	}
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, canonical.SumHex([]byte(level[i]+level[i+1])))
		}
		level = next
	}
	return level[0], nil
}
