package fsx_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/daviddfraser-source/control-plane/internal/fsx"
)

func TestWriteFileAtomicReplacesContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	if err := fsx.WriteFileAtomic(path, []byte("first"), 0o644); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	if err := fsx.WriteFileAtomic(path, []byte("second"), 0o644); err != nil {
		t.Fatalf("WriteFileAtomic rewrite: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "second" {
		t.Fatalf("content = %q, want %q", got, "second")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp.") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestWriteJSONAtomicRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	in := map[string]any{"id": "P-001", "seq": float64(3)}

	if err := fsx.WriteJSONAtomic(path, in, 0o644); err != nil {
		t.Fatalf("WriteJSONAtomic: %v", err)
	}

	var out map[string]any
	if err := fsx.ReadJSON(path, &out); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if out["id"] != "P-001" || out["seq"] != float64(3) {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func TestReadJSONRejectsTrailingContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	if err := os.WriteFile(path, []byte(`{"a":1}{"b":2}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	var out map[string]any
	if err := fsx.ReadJSON(path, &out); err == nil {
		t.Fatal("expected error for trailing content")
	}
}

func TestReadJSONToleratesUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	if err := os.WriteFile(path, []byte(`{"known":"x","future_field":true}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	var out struct {
		Known string `json:"known"`
	}
	if err := fsx.ReadJSON(path, &out); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if out.Known != "x" {
		t.Fatalf("known = %q, want %q", out.Known, "x")
	}
}

func TestAcquireLockExcludesSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.lock")

	first, err := fsx.AcquireLock(context.Background(), path)
	if err != nil {
		t.Fatalf("first AcquireLock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if _, err := fsx.AcquireLock(ctx, path); !errors.Is(err, fsx.ErrLockBusy) {
		t.Fatalf("second AcquireLock err = %v, want ErrLockBusy", err)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	second, err := fsx.AcquireLock(context.Background(), path)
	if err != nil {
		t.Fatalf("AcquireLock after release: %v", err)
	}
	if err := second.Release(); err != nil {
		t.Fatalf("Release second: %v", err)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := fsx.Retry(func() error {
		calls++
		return os.ErrNotExist
	})
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want ErrNotExist", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRetryRecoversFromTransientError(t *testing.T) {
	calls := 0
	err := fsx.Retry(func() error {
		calls++
		if calls < 3 {
			return unix.EAGAIN
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}
