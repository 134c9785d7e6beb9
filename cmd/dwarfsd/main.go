// Copyright 2026 The DwarFS-Go Authors
// SPDX-License-Identifier: Apache-2.0

// dwarfsd mounts a dwarfs image as a read-only FUSE filesystem.
//
// Usage: dwarfsd [flags] <image> <mountpoint>
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/dwarfs-go/dwarfsd/internal/version"
	"github.com/dwarfs-go/dwarfsd/lib/blockcache"
	"github.com/dwarfs-go/dwarfsd/lib/blocksource"
	"github.com/dwarfs-go/dwarfsd/lib/clock"
	"github.com/dwarfs-go/dwarfsd/lib/compressor"
	driverfuse "github.com/dwarfs-go/dwarfsd/lib/driver/fuse"
	"github.com/dwarfs-go/dwarfsd/lib/facade"
	"github.com/dwarfs-go/dwarfsd/lib/image"
	"github.com/dwarfs-go/dwarfsd/lib/inodereader"
	"github.com/dwarfs-go/dwarfsd/lib/metadata"
	"github.com/dwarfs-go/dwarfsd/lib/section"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "dwarfsd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	opts, showVersion, err := parseArgs(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	if showVersion {
		fmt.Println(version.Info())
		return nil
	}

	if !opts.Foreground {
		isParent, err := daemonize()
		if err != nil {
			return fmt.Errorf("daemonizing: %w", err)
		}
		if isParent {
			return nil
		}
	}

	logger := newLogger(opts)

	img, err := image.Open(opts.ImagePath, opts.LockMode, func(warning error) {
		logger.Warn("mlock", "error", warning)
	})
	if err != nil {
		return fmt.Errorf("opening image: %w", err)
	}
	defer img.Close()

	index, err := section.Build(img, opts.ImageOffset, opts.BlockSize)
	if err != nil {
		return fmt.Errorf("indexing image sections: %w", err)
	}

	view, err := loadMetadataView(img, index, opts)
	if err != nil {
		return err
	}

	pool := compressor.NewPool(opts.Workers)
	defer pool.Shutdown()

	source := blocksource.New(img, index)
	cache := blockcache.New(blockcache.Options{
		Budget:       opts.CacheSize,
		Pool:         pool,
		Source:       source,
		Clock:        clock.Real(),
		Strategy:     opts.TidyStrategy,
		TidyInterval: opts.TidyInterval,
		TidyMaxAge:   opts.TidyMaxAge,
	})
	defer cache.Close()

	reader := inodereader.New(view, cache, inodereader.Options{
		SeqThreshold: opts.SeqDetector,
		Readahead:    opts.Readahead,
	})

	fac := facade.New(view, cache, reader, index, os.Getpid(), logger)

	server, err := mount(fac, opts, logger)
	if err != nil {
		return fmt.Errorf("mounting: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("dwarfsd running", "image", opts.ImagePath, "mountpoint", opts.Mountpoint)
	<-ctx.Done()

	logger.Info("shutting down")
	if err := server.Unmount(); err != nil {
		logger.Error("unmount failed", "error", err)
	}
	return nil
}

// loadMetadataView decompresses the metadata section and parses it
// into a metadata.View. The schema section's presence was already
// validated by section.Build; this build does not interpret its
// contents, since there is only one wire version to interpret it
// against.
func loadMetadataView(img *image.Reader, index *section.Index, opts mountOptions) (*metadata.View, error) {
	sec, ok := index.Lookup(section.KindMetadata)
	if !ok {
		return nil, fmt.Errorf("image has no metadata section")
	}
	raw, err := img.Slice(sec.Offset, sec.Length)
	if err != nil {
		return nil, fmt.Errorf("reading metadata section: %w", err)
	}
	plain, err := compressor.Decompress(raw, sec.Codec, int(sec.Size))
	if err != nil {
		return nil, fmt.Errorf("decompressing metadata section: %w", err)
	}
	return metadata.Parse(plain, metadata.Options{
		EnableNlink: opts.EnableNlink,
		ReadOnly:    opts.ReadOnly,
	})
}

// mount registers the filesystem's FUSE glue and mounts it, using the
// raw low-level API unless --highlevel was requested.
func mount(fac *facade.Facade, opts mountOptions, logger *slog.Logger) (unmounter, error) {
	if opts.HighLevel {
		return driverfuse.MountHighLevel(driverfuse.HighLevelOptions{
			Mountpoint: opts.Mountpoint,
			Facade:     fac,
			AllowOther: opts.AllowOther,
			Logger:     logger,
		})
	}
	return driverfuse.MountLowLevel(driverfuse.LowLevelOptions{
		Mountpoint: opts.Mountpoint,
		Facade:     fac,
		AllowOther: opts.AllowOther,
		Debug:      opts.Debug,
		Logger:     logger,
	})
}

// unmounter is the subset of *fuse.Server both mount paths return.
type unmounter interface {
	Unmount() error
}

func newLogger(opts mountOptions) *slog.Logger {
	level := opts.DebugLevel
	if !opts.debugLevelSet {
		level = slog.LevelInfo
		if !opts.Foreground {
			level = slog.LevelWarn
		}
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
