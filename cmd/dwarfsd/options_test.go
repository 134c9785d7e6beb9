// Copyright 2026 The DwarFS-Go Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"log/slog"
	"testing"
	"time"

	"github.com/dwarfs-go/dwarfsd/lib/blockcache"
	"github.com/dwarfs-go/dwarfsd/lib/image"
)

func TestParseArgsDefaults(t *testing.T) {
	opts, showVersion, err := parseArgs([]string{"image.dwarfs", "/mnt/image"})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if showVersion {
		t.Fatal("showVersion = true, want false")
	}
	if opts.ImagePath != "image.dwarfs" || opts.Mountpoint != "/mnt/image" {
		t.Fatalf("positional args = %q, %q", opts.ImagePath, opts.Mountpoint)
	}
	if opts.CacheSize != 512*1024*1024 {
		t.Fatalf("CacheSize = %d, want default 512MiB", opts.CacheSize)
	}
	if opts.Workers != 2 {
		t.Fatalf("Workers = %d, want 2", opts.Workers)
	}
	if opts.SeqDetector != 4 {
		t.Fatalf("SeqDetector = %d, want 4", opts.SeqDetector)
	}
	if opts.DecompressRatio != 0.8 {
		t.Fatalf("DecompressRatio = %v, want 0.8", opts.DecompressRatio)
	}
	if opts.ImageOffset != -1 {
		t.Fatalf("ImageOffset = %d, want -1 (auto)", opts.ImageOffset)
	}
}

func TestParseArgsMissingPositional(t *testing.T) {
	if _, _, err := parseArgs([]string{"only-one-arg"}); err == nil {
		t.Fatal("expected error for missing mountpoint argument")
	}
}

func TestParseArgsVersion(t *testing.T) {
	_, showVersion, err := parseArgs([]string{"--version"})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if !showVersion {
		t.Fatal("showVersion = false, want true")
	}
}

func TestParseArgsOptionString(t *testing.T) {
	opts, _, err := parseArgs([]string{
		"-o", "cachesize=256M,workers=4,mlock=try,tidy_strategy=time,tidy_interval=30s,readonly,enable_nlink",
		"image.dwarfs", "/mnt/image",
	})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if opts.CacheSize != 256*1024*1024 {
		t.Fatalf("CacheSize = %d, want 256MiB", opts.CacheSize)
	}
	if opts.Workers != 4 {
		t.Fatalf("Workers = %d, want 4", opts.Workers)
	}
	if opts.LockMode != image.LockTry {
		t.Fatalf("LockMode = %v, want LockTry", opts.LockMode)
	}
	if opts.TidyStrategy != blockcache.TidyTime {
		t.Fatalf("TidyStrategy = %v, want TidyTime", opts.TidyStrategy)
	}
	if opts.TidyInterval != 30*time.Second {
		t.Fatalf("TidyInterval = %v, want 30s", opts.TidyInterval)
	}
	if !opts.ReadOnly {
		t.Fatal("ReadOnly = false, want true")
	}
	if !opts.EnableNlink {
		t.Fatal("EnableNlink = false, want true")
	}
}

func TestParseArgsUnknownOption(t *testing.T) {
	_, _, err := parseArgs([]string{"-o", "bogus=1", "image.dwarfs", "/mnt/image"})
	if err == nil {
		t.Fatal("expected error for unknown mount option")
	}
}

func TestParseArgsCacheImageToggle(t *testing.T) {
	opts, _, err := parseArgs([]string{"-o", "no_cache_image,no_cache_files", "image.dwarfs", "/mnt/image"})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if opts.CacheImage {
		t.Fatal("CacheImage = true, want false")
	}
	if opts.CacheFiles {
		t.Fatal("CacheFiles = true, want false")
	}
}

func TestParseArgsDebugLevelOverridesForegroundDefault(t *testing.T) {
	opts, _, err := parseArgs([]string{"-o", "debuglevel=error", "image.dwarfs", "/mnt/image"})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if !opts.debugLevelSet {
		t.Fatal("debugLevelSet = false, want true")
	}
	if opts.DebugLevel != slog.LevelError {
		t.Fatalf("DebugLevel = %v, want error", opts.DebugLevel)
	}
}

func TestNewLoggerDefaultsToWarnWhenDaemonized(t *testing.T) {
	opts, _, err := parseArgs([]string{"image.dwarfs", "/mnt/image"})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	logger := newLogger(opts)
	if logger.Enabled(nil, slog.LevelInfo) {
		t.Fatal("info should be disabled by default in daemon mode")
	}
	if !logger.Enabled(nil, slog.LevelWarn) {
		t.Fatal("warn should be enabled by default in daemon mode")
	}
}

func TestNewLoggerDefaultsToInfoInForeground(t *testing.T) {
	opts, _, err := parseArgs([]string{"--foreground", "image.dwarfs", "/mnt/image"})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	logger := newLogger(opts)
	if !logger.Enabled(nil, slog.LevelInfo) {
		t.Fatal("info should be enabled by default in foreground mode")
	}
}
