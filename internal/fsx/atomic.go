// Package fsx is the persistence substrate: durable atomic file replacement,
// strict JSON reads, advisory locks, and the transient-error retry budget.
package fsx

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// WriteFileAtomic writes data to path via a temp sibling file: write, fsync,
// rename over the target, fsync the parent directory. The target is never
// observable half-written.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, base+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return FsyncDir(dir)
}

// WriteJSONAtomic marshals v with stable two-space indentation and writes it
// atomically.
func WriteJSONAtomic(path string, v any, perm os.FileMode) error {
	data, err := MarshalStable(v)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data, perm)
}

// MarshalStable renders v as indented JSON with a trailing newline.
func MarshalStable(v any) ([]byte, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// ReadJSON decodes the single JSON document at path into dst, rejecting
// trailing content. Unknown fields are tolerated for forward compatibility.
// Numbers land in untyped fields as json.Number so re-canonicalization never
// collapses the int/float distinction.
func ReadJSON(path string, dst any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec := json.NewDecoder(f)
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON: trailing content")
	}
	return nil
}

// EnsureDir creates dir (and parents) and syncs it and its parent.
func EnsureDir(dir string, perm os.FileMode) error {
	if err := os.MkdirAll(dir, perm); err != nil {
		return err
	}
	if err := FsyncDir(dir); err != nil {
		return err
	}
	parent := filepath.Dir(dir)
	if parent != dir {
		return FsyncDir(parent)
	}
	return nil
}

// FsyncDir flushes directory metadata so a rename survives power loss.
func FsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

const retryAttempts = 3

// Retry runs fn up to three times with exponential backoff, retrying only
// errors that look transient at the syscall level. Anything else fails fast.
func Retry(fn func() error) error {
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(25<<(attempt-1)) * time.Millisecond)
		}
		err = fn()
		if err == nil {
			return nil
		}
		if !transient(err) {
			return err
		}
	}
	return err
}

func transient(err error) bool {
	return errors.Is(err, unix.EINTR) ||
		errors.Is(err, unix.EAGAIN) ||
		errors.Is(err, unix.EBUSY)
}
