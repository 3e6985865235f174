/*
Copyright (C) 2026 RetroVue Project

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package storage

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestFilesystemRoundTrip(t *testing.T) {
	root := t.TempDir()
	fs := NewFilesystemBackend(root, zerolog.Nop())
	ctx := context.Background()

	if err := fs.Store(ctx, "shows/season1/ep1.ts", strings.NewReader("transport stream")); err != nil {
		t.Fatalf("Store: %v", err)
	}

	r, err := fs.Open(ctx, "shows/season1/ep1.ts")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "transport stream" {
		t.Errorf("read back %q", data)
	}

	if err := fs.Delete(ctx, "shows/season1/ep1.ts"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := fs.Open(ctx, "shows/season1/ep1.ts"); err == nil {
		t.Error("open after delete should fail")
	}

	// Deleting a missing file is not an error.
	if err := fs.Delete(ctx, "shows/season1/ep1.ts"); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

func TestFilesystemRejectsEscapingKeys(t *testing.T) {
	fs := NewFilesystemBackend(t.TempDir(), zerolog.Nop())
	ctx := context.Background()

	for _, key := range []string{"../outside.ts", "a/../../outside.ts", "/etc/passwd"} {
		if err := fs.Store(ctx, key, strings.NewReader("x")); err == nil {
			t.Errorf("Store(%q) should be rejected", key)
		}
		if _, err := fs.Open(ctx, key); err == nil {
			t.Errorf("Open(%q) should be rejected", key)
		}
		if uri := fs.PlaybackURI(key); uri != "" {
			t.Errorf("PlaybackURI(%q) = %q, want empty", key, uri)
		}
	}
}

func TestFilesystemPlaybackURI(t *testing.T) {
	root := t.TempDir()
	fs := NewFilesystemBackend(root, zerolog.Nop())

	want := filepath.Join(root, "shows", "ep1.ts")
	if got := fs.PlaybackURI("shows/ep1.ts"); got != want {
		t.Errorf("PlaybackURI = %q, want %q", got, want)
	}
}

func TestFilesystemCheckAccess(t *testing.T) {
	root := t.TempDir()
	fs := NewFilesystemBackend(root, zerolog.Nop())
	if err := fs.CheckAccess(context.Background()); err != nil {
		t.Errorf("CheckAccess on an existing root: %v", err)
	}

	missing := NewFilesystemBackend(filepath.Join(root, "missing"), zerolog.Nop())
	if err := missing.CheckAccess(context.Background()); err == nil {
		t.Error("CheckAccess on a missing root should fail")
	}
}
