// Copyright 2026 The DwarFS-Go Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/dwarfs-go/dwarfsd/internal/optparse"
	"github.com/dwarfs-go/dwarfsd/lib/blockcache"
	"github.com/dwarfs-go/dwarfsd/lib/image"
)

// mountOptions is the fully parsed, validated configuration for one
// mount, assembled from the positional image/mountpoint arguments,
// the top-level flags, and the "-o key=value" option string.
type mountOptions struct {
	ImagePath  string
	Mountpoint string

	Foreground bool
	Debug      bool
	HighLevel  bool
	AllowOther bool

	CacheSize       int64
	BlockSize       int64
	Readahead       int64
	Workers         int
	LockMode        image.LockMode
	DecompressRatio float64
	ImageOffset     int64 // -1 means auto
	EnableNlink     bool
	ReadOnly        bool
	CacheImage      bool
	CacheFiles      bool
	DebugLevel      slog.Level
	debugLevelSet   bool
	TidyStrategy    blockcache.TidyStrategy
	TidyInterval    time.Duration
	TidyMaxAge      time.Duration
	SeqDetector     int
	Perfmon         []string
	PerfmonTrace    string
}

// defaultMountOptions returns a mountOptions with every spec-mandated
// default already applied, before "-o" overrides are layered in.
func defaultMountOptions() mountOptions {
	return mountOptions{
		CacheSize:       512 * 1024 * 1024,
		BlockSize:       512 * 1024,
		Readahead:       0,
		Workers:         2,
		LockMode:        image.LockNone,
		DecompressRatio: 0.8,
		ImageOffset:     -1,
		EnableNlink:     false,
		ReadOnly:        true,
		CacheImage:      true,
		CacheFiles:      true,
		DebugLevel:      slog.LevelInfo,
		TidyStrategy:    blockcache.TidyNone,
		TidyInterval:    5 * time.Minute,
		TidyMaxAge:      10 * time.Minute,
		SeqDetector:     4,
	}
}

// parseArgs parses the command line into a mountOptions. It does not
// open anything; callers validate paths separately once a logger
// exists to report warnings through.
func parseArgs(args []string) (opts mountOptions, showVersion bool, err error) {
	opts = defaultMountOptions()

	flagSet := pflag.NewFlagSet("dwarfsd", pflag.ContinueOnError)
	var optionString string
	flagSet.StringVarP(&optionString, "options", "o", "", "comma-separated mount options (key=value,key2,...)")
	flagSet.BoolVarP(&opts.Foreground, "foreground", "f", false, "run in the foreground instead of daemonizing")
	flagSet.BoolVar(&opts.Debug, "debug", false, "enable debug-level logging and libfuse debug output")
	flagSet.BoolVar(&opts.HighLevel, "highlevel", false, "use the high-level, path-keyed FUSE API instead of the raw one")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")

	if err := flagSet.Parse(args); err != nil {
		return opts, false, err
	}
	if showVersion {
		return opts, true, nil
	}

	positional := flagSet.Args()
	if len(positional) != 2 {
		return opts, false, fmt.Errorf("usage: dwarfsd [flags] <image> <mountpoint>")
	}
	opts.ImagePath = positional[0]
	opts.Mountpoint = positional[1]

	if err := applyOptionString(&opts, optionString); err != nil {
		return opts, false, err
	}
	if opts.Debug {
		opts.DebugLevel = slog.LevelDebug
		opts.debugLevelSet = true
	}
	return opts, false, nil
}

// applyOptionString layers the "-o" option map onto opts, which must
// already hold its defaults.
func applyOptionString(opts *mountOptions, raw string) error {
	values := optparse.ParseOptionString(raw)

	for key, value := range values {
		var err error
		switch key {
		case "cachesize":
			opts.CacheSize, err = optparse.ParseSize(value)
		case "blocksize":
			opts.BlockSize, err = optparse.ParseSize(value)
		case "readahead":
			opts.Readahead, err = optparse.ParseSize(value)
		case "workers":
			opts.Workers, err = parseInt(value)
		case "mlock":
			opts.LockMode, err = image.ParseLockMode(value)
		case "decratio":
			opts.DecompressRatio, err = strconv.ParseFloat(value, 64)
		case "offset":
			if value == "auto" {
				opts.ImageOffset = -1
			} else {
				opts.ImageOffset, err = parseInt64(value)
			}
		case "enable_nlink":
			opts.EnableNlink = true
		case "readonly":
			opts.ReadOnly = true
		case "cache_image":
			opts.CacheImage = true
		case "no_cache_image":
			opts.CacheImage = false
		case "cache_files":
			opts.CacheFiles = true
		case "no_cache_files":
			opts.CacheFiles = false
		case "debuglevel":
			opts.DebugLevel, err = parseLevel(value)
			opts.debugLevelSet = true
		case "tidy_strategy":
			opts.TidyStrategy, err = blockcache.ParseTidyStrategy(value)
		case "tidy_interval":
			opts.TidyInterval, err = optparse.ParseDuration(value)
		case "tidy_max_age":
			opts.TidyMaxAge, err = optparse.ParseDuration(value)
		case "seq_detector":
			opts.SeqDetector, err = parseInt(value)
		case "perfmon":
			opts.Perfmon = splitPerfmon(value)
		case "perfmon_trace":
			opts.PerfmonTrace = value
		case "allow_other":
			opts.AllowOther = true
		default:
			err = fmt.Errorf("unknown mount option %q", key)
		}
		if err != nil {
			return fmt.Errorf("option %q: %w", key, err)
		}
	}
	return nil
}

func parseInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q: %w", s, err)
	}
	return n, nil
}

func parseInt64(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q: %w", s, err)
	}
	return n, nil
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown debug level %q", s)
	}
}

// splitPerfmon splits a "+"-joined perfmon scope list, e.g.
// "cache+decompress" -> ["cache", "decompress"].
func splitPerfmon(s string) []string {
	if s == "" {
		return nil
	}
	var scopes []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '+' {
			scopes = append(scopes, s[start:i])
			start = i + 1
		}
	}
	return scopes
}
