package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	persistlog "cubeworld.ai/internal/persistence/log"
	"cubeworld.ai/internal/persistence/snapshot"
	simenc "cubeworld.ai/internal/sim/encoding"
	"cubeworld.ai/internal/sim/world"
	"cubeworld.ai/internal/sim/world/coords"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "rollback":
			rollbackCmd(os.Args[2:])
			return
		case "export":
			exportCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id (optional)")
	_ = fs.Parse(args)

	base := filepath.Join(*dataDir, "worlds")
	if *worldID != "" {
		base = filepath.Join(base, *worldID)
	}

	entries, err := os.ReadDir(base)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		fmt.Println(e.Name())
	}
}

func rollbackCmd(args []string) {
	fs := flag.NewFlagSet("rollback", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id")
	snapPath := fs.String("snapshot", "", "snapshot to roll back (default: <world>/world.snap.zst)")
	aabb := fs.String("aabb", "", "block AABB filter: x1,y1,z1:x2,y2,z2 (required)")
	sinceTick := fs.Uint64("since_tick", 0, "rollback edits since tick (inclusive)")
	toTick := fs.Uint64("to_tick", 0, "rollback edits up to tick (inclusive, optional; defaults to snapshot tick)")
	outPath := fs.String("out", "", "output snapshot path (default: overwrite input)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*worldID) == "" {
		fmt.Fprintln(os.Stderr, "missing -world")
		os.Exit(2)
	}
	if strings.TrimSpace(*aabb) == "" {
		fmt.Fprintln(os.Stderr, "missing -aabb")
		os.Exit(2)
	}
	min, max, err := parseAABB(*aabb)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad -aabb:", err)
		os.Exit(2)
	}

	worldDir := filepath.Join(*dataDir, "worlds", *worldID)
	in := strings.TrimSpace(*snapPath)
	if in == "" {
		in = filepath.Join(worldDir, "world.snap.zst")
	}
	snap, err := snapshot.ReadSnapshot(in)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}

	endTick := *toTick
	if endTick == 0 || endTick > snap.Header.Tick {
		endTick = snap.Header.Tick
	}
	recs, err := readAudit(filepath.Join(worldDir, "audit"), *sinceTick, endTick, min, max)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read audit:", err)
		os.Exit(1)
	}
	if len(recs) == 0 {
		fmt.Println("no matching audit entries; nothing to rollback")
		return
	}

	applied, skipped, err := applyRollback(&snap, recs)
	if err != nil {
		fmt.Fprintln(os.Stderr, "rollback:", err)
		os.Exit(1)
	}
	out := strings.TrimSpace(*outPath)
	if out == "" {
		out = in
	}
	if err := snapshot.WriteSnapshot(out, snap); err != nil {
		fmt.Fprintln(os.Stderr, "write snapshot:", err)
		os.Exit(1)
	}
	fmt.Printf("rollback ok: snapshot=%s tick=%d aabb=%s since=%d to=%d entries=%d applied=%d skipped=%d out=%s\n",
		filepath.Base(in), snap.Header.Tick, *aabb, *sinceTick, endTick, len(recs), applied, skipped, out)
}

type auditRec struct {
	Seq   uint64
	Entry world.AuditEntry
}

// readAudit returns the SET_VOXEL entries in range, newest first.
func readAudit(dir string, sinceTick, toTick uint64, min, max [3]int) ([]auditRec, error) {
	segs, err := persistlog.Segments(dir, "audit")
	if err != nil {
		return nil, err
	}
	out := make([]auditRec, 0, 1024)
	var seq uint64
	for _, path := range segs {
		err := persistlog.Scan(path, func(line []byte) error {
			var e world.AuditEntry
			if err := json.Unmarshal(line, &e); err != nil {
				return fmt.Errorf("unmarshal: %w", err)
			}
			seq++
			if e.Action != "SET_VOXEL" || e.Tick < sinceTick || e.Tick > toTick || !withinAABB(e.Pos, min, max) {
				return nil
			}
			out = append(out, auditRec{Seq: seq, Entry: e})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	// Highest tick first; same tick in reverse read order.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Entry.Tick != out[j].Entry.Tick {
			return out[i].Entry.Tick > out[j].Entry.Tick
		}
		return out[i].Seq > out[j].Seq
	})
	return out, nil
}

// applyRollback restores each entry's From block. Entries whose cube is not
// in the snapshot are skipped. Light in touched cubes is dropped so the
// server recomputes it on load.
func applyRollback(snap *snapshot.SnapshotV1, recs []auditRec) (applied, skipped int, err error) {
	if snap == nil || len(recs) == 0 {
		return 0, 0, nil
	}
	index := map[coords.CubePos]int{}
	for i := range snap.Cubes {
		p := snap.Cubes[i].Pos
		index[coords.CubePos{X: p[0], Y: p[1], Z: p[2]}] = i
	}
	decoded := map[int][]uint16{}
	for _, r := range recs {
		b := coords.BlockPos{X: r.Entry.Pos[0], Y: r.Entry.Pos[1], Z: r.Entry.Pos[2]}
		i, ok := index[b.Cube()]
		if !ok {
			skipped++
			continue
		}
		ids, ok := decoded[i]
		if !ok {
			ids, err = simenc.DecodeRLEExact(snap.Cubes[i].Voxels, coords.Volume)
			if err != nil {
				return applied, skipped, fmt.Errorf("cube %v: %w", snap.Cubes[i].Pos, err)
			}
			decoded[i] = ids
		}
		lx, ly, lz := b.Local()
		ids[coords.LocalIndex(lx, ly, lz)] = r.Entry.From
		applied++
	}
	for i, ids := range decoded {
		snap.Cubes[i].Voxels = simenc.EncodeRLE(ids)
		snap.Cubes[i].Sky = nil
		snap.Cubes[i].Block = nil
	}
	return applied, skipped, nil
}

func withinAABB(pos [3]int, min, max [3]int) bool {
	return pos[0] >= min[0] && pos[0] <= max[0] &&
		pos[1] >= min[1] && pos[1] <= max[1] &&
		pos[2] >= min[2] && pos[2] <= max[2]
}

func parseAABB(s string) (min, max [3]int, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return min, max, fmt.Errorf("expected x1,y1,z1:x2,y2,z2")
	}
	a, err := parseVec3(parts[0])
	if err != nil {
		return min, max, err
	}
	b, err := parseVec3(parts[1])
	if err != nil {
		return min, max, err
	}
	for i := 0; i < 3; i++ {
		if a[i] <= b[i] {
			min[i], max[i] = a[i], b[i]
		} else {
			min[i], max[i] = b[i], a[i]
		}
	}
	return min, max, nil
}

func parseVec3(s string) ([3]int, error) {
	var v [3]int
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 3 {
		return v, fmt.Errorf("expected x,y,z")
	}
	for i := 0; i < 3; i++ {
		n, err := strconv.Atoi(strings.TrimSpace(parts[i]))
		if err != nil {
			return v, err
		}
		v[i] = n
	}
	return v, nil
}
