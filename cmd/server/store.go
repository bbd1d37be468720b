package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"cubeworld.ai/internal/persistence/cubestore"
	"cubeworld.ai/internal/persistence/snapshot"
	"cubeworld.ai/internal/sim/blocks"
	"cubeworld.ai/internal/sim/tuning"
	"cubeworld.ai/internal/sim/world/cache"
	"cubeworld.ai/internal/sim/world/terrain/gen"
)

// storeRuntime is the cube store chosen by -store. A memory store is
// restored from and written back to a snapshot file in the world dir.
type storeRuntime struct {
	store cache.Store

	mem      *cubestore.MemoryStore
	snapPath string
	worldID  string
	tune     tuning.Tuning
	digest   string
	log      *log.Logger
}

func openStore(kind, worldDir, worldID string, tune tuning.Tuning, reg *blocks.Registry, logger *log.Logger) (*storeRuntime, error) {
	rt := &storeRuntime{worldID: worldID, tune: tune, digest: reg.PaletteDigest, log: logger}
	switch kind {
	case "sqlite":
		s, err := cubestore.OpenSQLite(filepath.Join(worldDir, "cubes.sqlite"))
		if err != nil {
			return nil, err
		}
		rt.store = s
	case "leveldb":
		s, err := cubestore.OpenLevelDB(filepath.Join(worldDir, "cubes.ldb"))
		if err != nil {
			return nil, err
		}
		rt.store = s
	case "memory":
		rt.mem = cubestore.NewMemory()
		rt.store = rt.mem
		rt.snapPath = filepath.Join(worldDir, "world.snap.zst")
		if err := rt.restore(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown store %q", kind)
	}
	return rt, nil
}

func (rt *storeRuntime) restore() error {
	snap, err := snapshot.ReadSnapshot(rt.snapPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	if snap.Header.WorldID != "" && snap.Header.WorldID != rt.worldID {
		return fmt.Errorf("snapshot world id mismatch: flag=%s snap=%s", rt.worldID, snap.Header.WorldID)
	}
	if snap.PaletteDigest != "" && snap.PaletteDigest != rt.digest {
		return fmt.Errorf("snapshot palette digest %s does not match blocks.json (%s)", snap.PaletteDigest, rt.digest)
	}
	if err := rt.mem.Import(snap); err != nil {
		return fmt.Errorf("import snapshot: %w", err)
	}
	rt.log.Printf("restored %d cubes from %s (tick %d)", len(snap.Cubes), filepath.Base(rt.snapPath), snap.Header.Tick)
	return nil
}

// Close writes the memory store out (if any) and closes the store.
func (rt *storeRuntime) Close(tick uint64) error {
	if rt.mem != nil {
		snap := snapshot.SnapshotV1{
			Header:        snapshot.Header{Version: snapshot.Version, WorldID: rt.worldID, Tick: tick},
			Seed:          rt.tune.Terrain.Seed,
			MinY:          rt.tune.World.MinY,
			MaxY:          rt.tune.World.MaxY,
			BorderR:       rt.tune.World.BorderR,
			PaletteDigest: rt.digest,
		}
		if err := rt.mem.Export(&snap); err != nil {
			return err
		}
		snap.Header.Cubes = len(snap.Cubes)
		if err := snapshot.WriteSnapshot(rt.snapPath, snap); err != nil {
			return err
		}
		rt.log.Printf("wrote %d cubes to %s", len(snap.Cubes), filepath.Base(rt.snapPath))
	}
	return rt.store.Close()
}

func newGenerator(t tuning.Tuning, reg *blocks.Registry) (*gen.Generator, error) {
	tc := t.Terrain
	cfg := gen.Config{
		Seed:                            tc.Seed,
		BaseHeight:                      tc.BaseHeight,
		HeightVariation:                 tc.HeightVariation,
		SeaLevel:                        tc.SeaLevel,
		SnowLine:                        tc.SnowLine,
		BiomeRegionSize:                 tc.BiomeRegionSize,
		SpawnClearRadius:                tc.SpawnClearRadius,
		OreClusterProbScalePermille:     tc.OreClusterProbScalePermille,
		TerrainClusterProbScalePermille: tc.TerrainClusterProbScalePermille,
		TreePermille:                    tc.TreePermille,
		TallGrassPermille:               tc.TallGrassPermille,
		LavaLevel:                       tc.LavaLevel,
	}
	if tc.BedrockY != nil {
		cfg.BedrockY, cfg.HasBedrock = *tc.BedrockY, true
	}
	return gen.New(cfg, reg)
}
