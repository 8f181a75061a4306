package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/daviddfraser-source/control-plane/internal/canonical"
	"github.com/daviddfraser-source/control-plane/internal/dcl"
	"github.com/daviddfraser-source/control-plane/internal/domain"
	"github.com/daviddfraser-source/control-plane/internal/state"
)

// defaultConstitution is written when init gets no constitution document.
// Replacing it later changes the constitution hash of every subsequent
// commit, which is exactly the visibility the binding is for.
const defaultConstitution = `Governance rules for this root.

1. Work proceeds packet by packet; a packet is claimed before it is worked.
2. Executors and reviewers are different identities.
3. Completion requires evidence; residual risk is declared, never implied.
4. Failed work is reset by a supervisor, not rewritten.
`

// InitRootOptions configure the creation of a governance root.
type InitRootOptions struct {
	Root             string
	DefinitionPath   string
	ConstitutionPath string
	Backend          string
	ForceReinit      bool
	Now              func() time.Time
}

// InitRoot creates a governance root: the definition copy, the constitution,
// an empty state document, and the DCL regime lock. An initialized root is
// only overwritten with ForceReinit, which also discards existing commit
// chains; stale chains would fail runtime binding against a fresh state.
func InitRoot(ctx context.Context, opts InitRootOptions) (*domain.Definition, error) {
	if opts.DefinitionPath == "" {
		return nil, usagef("definition path is required")
	}
	def, err := domain.LoadDefinition(opts.DefinitionPath)
	if err != nil {
		return nil, err
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	store, err := state.Open(opts.Root, opts.Backend)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	exists, err := store.Exists()
	if err != nil {
		return nil, err
	}
	if exists && !opts.ForceReinit {
		return nil, usagef("root %s is already initialized (use --force-reinit to start over)", opts.Root)
	}
	if exists {
		if err := os.RemoveAll(filepath.Join(opts.Root, "dcl")); err != nil {
			return nil, fmt.Errorf("discard commit chains: %w", err)
		}
	}

	defJSON, err := os.ReadFile(opts.DefinitionPath)
	if err != nil {
		return nil, err
	}
	constitution := []byte(defaultConstitution)
	if opts.ConstitutionPath != "" {
		constitution, err = os.ReadFile(opts.ConstitutionPath)
		if err != nil {
			return nil, err
		}
	}

	if err := fsxWriteAll(opts.Root, defJSON, constitution); err != nil {
		return nil, err
	}
	if err := store.Save(state.NewDocument(canonical.FormatTime(now()))); err != nil {
		return nil, err
	}
	if err := dcl.NewStore(opts.Root).WriteConfigLock(); err != nil {
		return nil, err
	}
	return def, nil
}

func fsxWriteAll(root string, defJSON, constitution []byte) error {
	if err := os.MkdirAll(filepath.Join(root, "dcl", "packets"), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(DefinitionPath(root), defJSON, 0o644); err != nil {
		return err
	}
	return os.WriteFile(ConstitutionPath(root), constitution, 0o644)
}

// DefinitionPath is the definition copy inside an initialized root.
func DefinitionPath(root string) string {
	return filepath.Join(root, "definition.json")
}

// ConstitutionPath is the governance rules document inside a root.
func ConstitutionPath(root string) string {
	return filepath.Join(root, "constitution.txt")
}

// ConstitutionHash reads and hashes the root's constitution document. The
// hash is over the raw file bytes; the constitution is prose, not JSON.
func ConstitutionHash(root string) (string, error) {
	b, err := os.ReadFile(ConstitutionPath(root))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return canonical.SumHex(b), nil
}
