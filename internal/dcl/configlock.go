package dcl

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/daviddfraser-source/control-plane/internal/fsx"
)

// ConfigLock pins the hashing and schema regime a DCL tree was created
// under. The runtime refuses to operate on a tree whose lock document is
// missing or disagrees with its own constants.
type ConfigLock struct {
	Mode                    string `json:"mode"`
	HashAlgorithm           string `json:"hash_algorithm"`
	CanonicalizationVersion string `json:"canonicalization_version"`
	DCLVersion              string `json:"dcl_version"`
	StateSchemaVersion      string `json:"state_schema_version"`
}

// DefaultConfigLock is the regime this runtime implements.
func DefaultConfigLock() ConfigLock {
	return ConfigLock{
		Mode:                    "dcl",
		HashAlgorithm:           "sha256",
		CanonicalizationVersion: "1.0",
		DCLVersion:              "1.0",
		StateSchemaVersion:      "1.0",
	}
}

// ConfigLockError reports a missing or incompatible lock document.
type ConfigLockError struct {
	Msg string
}

func (e *ConfigLockError) Error() string { return "dcl config lock: " + e.Msg }

func (s *Store) configLockPath() string { return filepath.Join(s.dir(), "dcl-config.json") }

// WriteConfigLock seals the runtime's regime into the tree. Called at init.
func (s *Store) WriteConfigLock() error {
	return fsx.WriteJSONAtomic(s.configLockPath(), DefaultConfigLock(), 0o644)
}

// CheckConfigLock refuses trees produced under a different regime.
func (s *Store) CheckConfigLock() error {
	var lock ConfigLock
	if err := fsx.ReadJSON(s.configLockPath(), &lock); err != nil {
		if os.IsNotExist(err) {
			return &ConfigLockError{Msg: "missing; initialize the governance root first"}
		}
		return &ConfigLockError{Msg: err.Error()}
	}
	want := DefaultConfigLock()
	if lock != want {
		return &ConfigLockError{Msg: fmt.Sprintf("tree written under %s/%s canonicalization %s, runtime implements %s/%s canonicalization %s",
			lock.Mode, lock.HashAlgorithm, lock.CanonicalizationVersion,
			want.Mode, want.HashAlgorithm, want.CanonicalizationVersion)}
	}
	return nil
}
