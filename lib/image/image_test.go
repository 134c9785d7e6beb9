// Copyright 2026 The DwarFS-Go Authors
// SPDX-License-Identifier: Apache-2.0

//go:build darwin || linux

package image

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempImage(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.dwarfs")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestOpenAndSlice(t *testing.T) {
	content := []byte("hello, dwarfs image contents\n")
	path := writeTempImage(t, content)

	reader, err := Open(path, LockNone, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reader.Close()

	if reader.Size() != int64(len(content)) {
		t.Fatalf("Size() = %d, want %d", reader.Size(), len(content))
	}

	got, err := reader.Slice(7, 6)
	if err != nil {
		t.Fatalf("Slice: %v", err)
	}
	if string(got) != "dwarfs" {
		t.Fatalf("Slice(7,6) = %q, want %q", got, "dwarfs")
	}
}

func TestSliceOutOfRange(t *testing.T) {
	path := writeTempImage(t, []byte("short"))
	reader, err := Open(path, LockNone, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reader.Close()

	if _, err := reader.Slice(0, 100); err == nil {
		t.Fatal("Slice past end should fail")
	}
	if _, err := reader.Slice(-1, 1); err == nil {
		t.Fatal("Slice with negative offset should fail")
	}
}

func TestOpenEmptyImage(t *testing.T) {
	path := writeTempImage(t, nil)
	if _, err := Open(path, LockNone, nil); err == nil {
		t.Fatal("Open of empty image should fail")
	}
}

func TestOpenMissingFile(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "missing"), LockNone, nil); err == nil {
		t.Fatal("Open of missing file should fail")
	}
}

func TestLockModeTry(t *testing.T) {
	content := make([]byte, 8192)
	path := writeTempImage(t, content)

	var warnErr error
	reader, err := Open(path, LockTry, func(e error) { warnErr = e })
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reader.Close()
	_ = warnErr // mlock may legitimately fail in sandboxed test environments
}

func TestParseLockMode(t *testing.T) {
	tests := map[string]LockMode{
		"":     LockNone,
		"none": LockNone,
		"try":  LockTry,
		"must": LockMust,
	}
	for input, want := range tests {
		got, err := ParseLockMode(input)
		if err != nil {
			t.Fatalf("ParseLockMode(%q): %v", input, err)
		}
		if got != want {
			t.Errorf("ParseLockMode(%q) = %v, want %v", input, got, want)
		}
	}
	if _, err := ParseLockMode("bogus"); err == nil {
		t.Fatal("ParseLockMode(bogus) should fail")
	}
}

func TestReaderAt(t *testing.T) {
	content := []byte("0123456789")
	path := writeTempImage(t, content)
	reader, err := Open(path, LockNone, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reader.Close()

	r := reader.ReaderAt(3)
	buf := make([]byte, 4)
	n, err := r.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 4 || string(buf) != "3456" {
		t.Fatalf("Read = %q (n=%d), want 3456", buf, n)
	}
}
