package dcl

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/daviddfraser-source/control-plane/internal/canonical"
	"github.com/daviddfraser-source/control-plane/internal/fsx"
)

// decodeJSON mirrors fsx.ReadJSON for in-memory bundle entries: UseNumber so
// re-hashed values keep their original numeric literals.
func decodeJSON(data []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(dst)
}

// ProofManifest seals a proof bundle: a per-file hash table plus a top-level
// hash over the manifest body itself.
type ProofManifest struct {
	BundleID   string            `json:"bundle_id"`
	PacketID   string            `json:"packet_id"`
	CreatedAt  string            `json:"created_at"`
	Files      map[string]string `json:"files"`
	BundleHash string            `json:"bundle_hash,omitempty"`
}

func (m ProofManifest) computeHash() (string, error) {
	m.BundleHash = ""
	return canonical.HashValue(m)
}

// ProofInput is the material sealed into a bundle alongside the chain.
type ProofInput struct {
	PacketID     string
	Definition   any
	RuntimeState any
	Constitution []byte
	CreatedAt    time.Time
}

// ExportProof writes a self-contained zip: the packet's definition excerpt,
// its full commit chain and HEAD as stored on disk, the constitution
// snapshot, the current runtime state, and a sealed manifest.
func (s *Store) ExportProof(in ProofInput, outPath string) (ProofManifest, error) {
	manifest := ProofManifest{
		BundleID:  uuid.NewString(),
		PacketID:  in.PacketID,
		CreatedAt: canonical.FormatTime(in.CreatedAt),
		Files:     map[string]string{},
	}
	files := map[string][]byte{}

	defJSON, err := fsx.MarshalStable(in.Definition)
	if err != nil {
		return ProofManifest{}, err
	}
	files["definition.json"] = defJSON

	stateJSON, err := fsx.MarshalStable(in.RuntimeState)
	if err != nil {
		return ProofManifest{}, err
	}
	files["state.json"] = stateJSON
	files["constitution.txt"] = in.Constitution

	seqs, err := s.Seqs(in.PacketID)
	if err != nil {
		return ProofManifest{}, err
	}
	for _, seq := range seqs {
		data, err := os.ReadFile(s.commitPath(in.PacketID, seq))
		if err != nil {
			return ProofManifest{}, err
		}
		files[fmt.Sprintf("commits/%06d.json", seq)] = data
	}
	headData, err := os.ReadFile(s.headPath(in.PacketID))
	if err != nil && !os.IsNotExist(err) {
		return ProofManifest{}, err
	}
	if err == nil {
		files["HEAD"] = headData
	}

	for name, data := range files {
		manifest.Files[name] = canonical.SumHex(data)
	}
	hash, err := manifest.computeHash()
	if err != nil {
		return ProofManifest{}, err
	}
	manifest.BundleHash = hash
	manifestJSON, err := fsx.MarshalStable(manifest)
	if err != nil {
		return ProofManifest{}, err
	}

	out, err := os.Create(outPath)
	if err != nil {
		return ProofManifest{}, err
	}
	zw := zip.NewWriter(out)
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	names = append(names, "manifest.json")
	files["manifest.json"] = manifestJSON
	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			return ProofManifest{}, closeAll(err, zw, out)
		}
		if _, err := w.Write(files[name]); err != nil {
			return ProofManifest{}, closeAll(err, zw, out)
		}
	}
	if err := zw.Close(); err != nil {
		_ = out.Close()
		return ProofManifest{}, err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return ProofManifest{}, err
	}
	if err := out.Close(); err != nil {
		return ProofManifest{}, err
	}
	return manifest, nil
}

func closeAll(err error, zw *zip.Writer, f *os.File) error {
	_ = zw.Close()
	_ = f.Close()
	return err
}

// VerifyProof checks a bundle without touching the store it came from:
// manifest completeness, per-file hashes, the bundle seal, and a full chain
// verification of the commits it carries bound to the bundled runtime state.
func VerifyProof(path string) (ProofManifest, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return ProofManifest{}, err
	}
	defer zr.Close()

	contents := map[string][]byte{}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return ProofManifest{}, err
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return ProofManifest{}, err
		}
		contents[f.Name] = data
	}

	manifestJSON, ok := contents["manifest.json"]
	if !ok {
		return ProofManifest{}, fmt.Errorf("proof bundle %s: manifest.json missing", path)
	}
	var manifest ProofManifest
	if err := decodeJSON(manifestJSON, &manifest); err != nil {
		return ProofManifest{}, fmt.Errorf("proof bundle %s: manifest: %w", path, err)
	}
	hash, err := manifest.computeHash()
	if err != nil {
		return ProofManifest{}, err
	}
	if hash != manifest.BundleHash {
		return manifest, fmt.Errorf("proof bundle %s: bundle seal: %w", path, ErrCommitHashMismatch)
	}
	for name, want := range manifest.Files {
		data, ok := contents[name]
		if !ok {
			return manifest, fmt.Errorf("proof bundle %s: file %s missing", path, name)
		}
		if canonical.SumHex(data) != want {
			return manifest, fmt.Errorf("proof bundle %s: file %s: %w", path, name, ErrCommitHashMismatch)
		}
	}
	for name := range contents {
		if name == "manifest.json" {
			continue
		}
		if _, ok := manifest.Files[name]; !ok {
			return manifest, fmt.Errorf("proof bundle %s: file %s not in manifest", path, name)
		}
	}

	var commits []Commit
	for seq := 1; ; seq++ {
		data, ok := contents[fmt.Sprintf("commits/%06d.json", seq)]
		if !ok {
			break
		}
		var c Commit
		if err := decodeJSON(data, &c); err != nil {
			return manifest, fmt.Errorf("proof bundle %s: commit %06d: %w", path, seq, err)
		}
		commits = append(commits, c)
	}
	if len(commits) == 0 {
		return manifest, nil
	}
	var head *Head
	if headData, ok := contents["HEAD"]; ok {
		var h Head
		if err := decodeJSON(headData, &h); err != nil {
			return manifest, fmt.Errorf("proof bundle %s: HEAD: %w", path, err)
		}
		head = &h
	}
	var runtimeState any
	if stateData, ok := contents["state.json"]; ok {
		if err := decodeJSON(stateData, &runtimeState); err != nil {
			return manifest, fmt.Errorf("proof bundle %s: state.json: %w", path, err)
		}
	}
	if err := verifyChain(manifest.PacketID, commits, head, runtimeState); err != nil {
		return manifest, fmt.Errorf("proof bundle %s: %w", path, err)
	}
	return manifest, nil
}
