package log

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cubeworld.ai/internal/sim/world"
	"cubeworld.ai/internal/sim/world/cache"
)

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	var out []map[string]any
	err := Scan(path, func(line []byte) error {
		var m map[string]any
		if err := json.Unmarshal(line, &m); err != nil {
			return err
		}
		out = append(out, m)
		return nil
	})
	if err != nil {
		t.Fatalf("scan %s: %v", path, err)
	}
	return out
}

func TestWriter_RotatesHourly(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, "x", Options{})
	now := time.Date(2024, 5, 1, 10, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	for n := 1; n <= 2; n++ {
		if err := w.Write(map[string]int{"n": n}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	now = now.Add(2 * time.Minute)
	if err := w.Write(map[string]int{"n": 3}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	segs, err := Segments(dir, "x")
	if err != nil {
		t.Fatalf("segments: %v", err)
	}
	if len(segs) != 2 || filepath.Base(segs[0]) != "x-2024-05-01-10-000.jsonl.zst" || filepath.Base(segs[1]) != "x-2024-05-01-11-000.jsonl.zst" {
		t.Fatalf("segments %v", segs)
	}
	first, second := readLines(t, segs[0]), readLines(t, segs[1])
	if len(first) != 2 || len(second) != 1 || second[0]["n"].(float64) != 3 {
		t.Fatalf("lines %v / %v", first, second)
	}
	if w.Lines() != 3 {
		t.Fatalf("lines counter %d", w.Lines())
	}
}

func TestWriter_SplitsOversizedSegments(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, "x", Options{MaxSegmentBytes: 40})
	w.now = func() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) }

	// Each line is 21 bytes, so every segment holds one line.
	for n := 0; n < 3; n++ {
		if err := w.Write(map[string]string{"pad": "0123456789"}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	segs, _ := Segments(dir, "x")
	if len(segs) != 3 || filepath.Base(segs[2]) != "x-2024-05-01-10-002.jsonl.zst" {
		t.Fatalf("segments %v", segs)
	}
	for _, s := range segs {
		if n := len(readLines(t, s)); n != 1 {
			t.Fatalf("%s has %d lines", s, n)
		}
	}
}

func TestWriter_FlushAndReopen(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, "x", Options{})
	if err := w.Write(map[string]int{"n": 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	segs, _ := Segments(dir, "x")
	if len(segs) != 1 {
		t.Fatalf("segments %v", segs)
	}
	if st, err := os.Stat(segs[0]); err != nil || st.Size() == 0 {
		t.Fatalf("flush left nothing on disk: %v", err)
	}

	// Writing after Close reopens the hour's segment.
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := w.Write(map[string]int{"n": 2}); err != nil {
		t.Fatalf("write after close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	segs, _ = Segments(dir, "x")
	if len(segs) != 1 {
		t.Fatalf("reopen created a new segment: %v", segs)
	}
	if n := len(readLines(t, segs[0])); n != 2 {
		t.Fatalf("%d lines after reopen, want 2", n)
	}
}

func TestCacheEventLogger(t *testing.T) {
	dir := t.TempDir()
	l := NewCacheEventLogger(dir)
	ev := cache.Event{Tick: 5, Kind: "faulted", Pos: [3]int{1, -2, 3}, Stage: "POPULATED", Error: "boom"}
	if err := l.WriteCacheEvent(ev); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	segs, err := Segments(filepath.Join(dir, "events"), "cache")
	if err != nil || len(segs) != 1 {
		t.Fatalf("segments %v err=%v", segs, err)
	}
	lines := readLines(t, segs[0])
	if len(lines) != 1 || lines[0]["kind"] != "faulted" || lines[0]["error"] != "boom" {
		t.Fatalf("lines %v", lines)
	}
}

func TestAuditLogger(t *testing.T) {
	dir := t.TempDir()
	l := NewAuditLogger(dir)
	if err := l.WriteAudit(world.AuditEntry{Tick: 1, Actor: "p1", Action: "SET_VOXEL", Pos: [3]int{4, 5, 6}, From: 0, To: 2}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	segs, _ := Segments(filepath.Join(dir, "audit"), "audit")
	if len(segs) != 1 {
		t.Fatalf("segments %v", segs)
	}
	if lines := readLines(t, segs[0]); len(lines) != 1 || lines[0]["action"] != "SET_VOXEL" {
		t.Fatalf("lines %v", lines)
	}
}
