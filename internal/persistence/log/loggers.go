package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"cubeworld.ai/internal/sim/world"
	"cubeworld.ai/internal/sim/world/cache"
)

const segmentSuffix = ".jsonl.zst"

// Options tune a Writer. The zero value rotates hourly only.
type Options struct {
	// MaxSegmentBytes starts a new segment within the hour once this many
	// uncompressed bytes were written to the current one. 0 disables it.
	MaxSegmentBytes int64
	Level           zstd.EncoderLevel
}

// Writer appends JSON lines to zstd segments named
// <prefix>-YYYY-MM-DD-HH-NNN.jsonl.zst, so a lexical sort is write order.
type Writer struct {
	dir    string
	prefix string
	opts   Options
	now    func() time.Time

	mu    sync.Mutex
	hour  string
	seg   int
	size  int64
	lines uint64
	f     *os.File
	enc   *zstd.Encoder
	buf   *bufio.Writer
}

func NewWriter(dir, prefix string, opts Options) *Writer {
	if opts.Level == 0 {
		opts.Level = zstd.SpeedFastest
	}
	return &Writer{dir: dir, prefix: prefix, opts: opts, now: time.Now}
}

func (w *Writer) Write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%s log: %w", w.prefix, err)
	}
	b = append(b, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	hour := w.now().UTC().Format("2006-01-02-15")
	switch {
	case hour != w.hour:
		if err := w.openLocked(hour, 0); err != nil {
			return err
		}
	case w.opts.MaxSegmentBytes > 0 && w.size+int64(len(b)) > w.opts.MaxSegmentBytes && w.size > 0:
		if err := w.openLocked(hour, w.seg+1); err != nil {
			return err
		}
	}
	if _, err := w.buf.Write(b); err != nil {
		return err
	}
	w.size += int64(len(b))
	w.lines++
	return w.buf.Flush()
}

// Flush ends the current zstd block so readers see every written line.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.enc == nil {
		return nil
	}
	if err := w.buf.Flush(); err != nil {
		return err
	}
	return w.enc.Flush()
}

// Lines is the number of lines written since NewWriter.
func (w *Writer) Lines() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lines
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *Writer) openLocked(hour string, seg int) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	name := filepath.Join(w.dir, fmt.Sprintf("%s-%s-%03d%s", w.prefix, hour, seg, segmentSuffix))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(w.opts.Level))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f, w.enc, w.buf = f, enc, bufio.NewWriterSize(enc, 64*1024)
	w.hour, w.seg, w.size = hour, seg, 0
	return nil
}

func (w *Writer) closeLocked() error {
	if w.f == nil {
		return nil
	}
	err := w.buf.Flush()
	if cerr := w.enc.Close(); err == nil {
		err = cerr
	}
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	w.f, w.enc, w.buf = nil, nil, nil
	w.hour = ""
	return err
}

// Segments lists prefix's segment files under dir in write order.
func Segments(dir, prefix string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range ents {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, prefix+"-") && strings.HasSuffix(name, segmentSuffix) {
			out = append(out, filepath.Join(dir, name))
		}
	}
	sort.Strings(out)
	return out, nil
}

// Scan calls fn with every line of one segment. fn must not keep the slice.
func Scan(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		if err := fn(sc.Bytes()); err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
	return sc.Err()
}

// CacheEventLogger records cube pipeline events under <world>/events.
type CacheEventLogger struct{ *Writer }

func NewCacheEventLogger(worldDir string) *CacheEventLogger {
	return &CacheEventLogger{NewWriter(filepath.Join(worldDir, "events"), "cache", Options{MaxSegmentBytes: 64 << 20})}
}

func (l *CacheEventLogger) WriteCacheEvent(ev cache.Event) error { return l.Write(ev) }

// AuditLogger records voxel edits under <world>/audit.
type AuditLogger struct{ *Writer }

func NewAuditLogger(worldDir string) *AuditLogger {
	return &AuditLogger{NewWriter(filepath.Join(worldDir, "audit"), "audit", Options{})}
}

func (l *AuditLogger) WriteAudit(e world.AuditEntry) error { return l.Write(e) }
