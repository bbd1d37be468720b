package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cubeworld.ai/internal/persistence/cubestore"
	"cubeworld.ai/internal/persistence/snapshot"
	"cubeworld.ai/internal/sim/world/cube"
)

// cubeSource is a store that can be walked. Both on-disk stores qualify.
type cubeSource interface {
	Each(ctx context.Context, fn func(*cube.Serialized) error) error
	Close() error
}

func exportCmd(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id")
	kind := fs.String("store", "sqlite", "store to read: sqlite|leveldb")
	outPath := fs.String("out", "", "output snapshot path (default: <world>/world.snap.zst)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*worldID) == "" {
		fmt.Fprintln(os.Stderr, "missing -world")
		os.Exit(2)
	}
	worldDir := filepath.Join(*dataDir, "worlds", *worldID)
	src, err := openSource(*kind, worldDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open store:", err)
		os.Exit(1)
	}
	defer src.Close()

	snap, err := exportSnapshot(context.Background(), src, *worldID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "export:", err)
		os.Exit(1)
	}
	out := strings.TrimSpace(*outPath)
	if out == "" {
		out = filepath.Join(worldDir, "world.snap.zst")
	}
	if err := snapshot.WriteSnapshot(out, snap); err != nil {
		fmt.Fprintln(os.Stderr, "write snapshot:", err)
		os.Exit(1)
	}
	fmt.Printf("export ok: store=%s cubes=%d out=%s\n", *kind, len(snap.Cubes), out)
}

func openSource(kind, worldDir string) (cubeSource, error) {
	switch kind {
	case "sqlite":
		return cubestore.OpenSQLite(filepath.Join(worldDir, "cubes.sqlite"))
	case "leveldb":
		return cubestore.OpenLevelDB(filepath.Join(worldDir, "cubes.ldb"))
	}
	return nil, fmt.Errorf("unknown store %q", kind)
}

func exportSnapshot(ctx context.Context, src cubeSource, worldID string) (snapshot.SnapshotV1, error) {
	snap := snapshot.SnapshotV1{Header: snapshot.Header{Version: snapshot.Version, WorldID: worldID}}
	err := src.Each(ctx, func(c *cube.Serialized) error {
		snap.Cubes = append(snap.Cubes, snapshot.FromCube(c))
		return nil
	})
	snap.Header.Cubes = len(snap.Cubes)
	return snap, err
}
