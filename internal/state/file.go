package state

import (
	"os"
	"path/filepath"

	"github.com/daviddfraser-source/control-plane/internal/fsx"
)

// FileStore keeps the document in <root>/state.json, replaced atomically on
// every save. It is the default and authoritative backend.
type FileStore struct {
	path string
}

func NewFileStore(root string) *FileStore {
	return &FileStore{path: filepath.Join(root, "state.json")}
}

func (f *FileStore) Path() string { return f.path }

func (f *FileStore) Load() (*Document, error) {
	var doc Document
	if err := fsx.ReadJSON(f.path, &doc); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotInitialized
		}
		return nil, err
	}
	doc.normalize()
	return &doc, nil
}

func (f *FileStore) Save(doc *Document) error {
	return fsx.Retry(func() error {
		return fsx.WriteJSONAtomic(f.path, doc, 0o644)
	})
}

func (f *FileStore) Exists() (bool, error) {
	_, err := os.Stat(f.path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (f *FileStore) Close() error { return nil }
