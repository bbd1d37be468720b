package cubestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"cubeworld.ai/internal/persistence/snapshot"
	"cubeworld.ai/internal/sim/world/cache"
	"cubeworld.ai/internal/sim/world/coords"
	"cubeworld.ai/internal/sim/world/cube"
)

// SQLiteStore keeps one row per cube. Reads go straight to the pool; writes
// are serialized through a single writer goroutine.
type SQLiteStore struct {
	db *sql.DB

	mu     sync.RWMutex // guards sends on ch against Close
	ch     chan saveReq
	wg     sync.WaitGroup
	once   sync.Once
	closed atomic.Bool
}

type saveReq struct {
	pos   coords.CubePos
	stage cube.Stage
	data  []byte
	done  chan error
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteStore{
		db: db,
		ch: make(chan saveReq, 4096),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA busy_timeout=5000;`,
		`PRAGMA temp_store=MEMORY;`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS cubes (
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			z INTEGER NOT NULL,
			stage INTEGER NOT NULL,
			data BLOB NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (x, y, z)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_cubes_column ON cubes(x, z);`,
		`INSERT OR IGNORE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, pos coords.CubePos) (*cube.Serialized, bool, error) {
	if s.closed.Load() {
		return nil, false, cache.ErrStoreClosed
	}
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM cubes WHERE x=? AND y=? AND z=?`, pos.X, pos.Y, pos.Z).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load cube %v: %w", pos, err)
	}
	c, err := snapshot.DecodeCube(data)
	if err != nil {
		return nil, false, fmt.Errorf("load cube %v: %w", pos, err)
	}
	if c.Pos != pos {
		return nil, false, fmt.Errorf("load cube %v: row holds %v", pos, c.Pos)
	}
	return c, true, nil
}

// Save blocks until the writer has committed the row or ctx is done.
func (s *SQLiteStore) Save(ctx context.Context, pos coords.CubePos, c *cube.Serialized) error {
	if s.closed.Load() {
		return cache.ErrStoreClosed
	}
	data, err := snapshot.EncodeCube(c)
	if err != nil {
		return fmt.Errorf("save cube %v: %w", pos, err)
	}
	r := saveReq{pos: pos, stage: c.Stage, data: data, done: make(chan error, 1)}
	if err := s.enqueue(ctx, r); err != nil {
		return err
	}
	select {
	case err := <-r.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteStore) enqueue(ctx context.Context, r saveReq) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		return cache.ErrStoreClosed
	}
	select {
	case s.ch <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Count reports how many cubes are stored.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cubes`).Scan(&n)
	return n, err
}

// Each calls fn for every stored cube in (x, y, z) order. Saves still queued
// are not visible.
func (s *SQLiteStore) Each(ctx context.Context, fn func(*cube.Serialized) error) error {
	if s.closed.Load() {
		return cache.ErrStoreClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM cubes ORDER BY x, y, z`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return err
		}
		c, err := snapshot.DecodeCube(data)
		if err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Close drains pending saves before closing the database.
func (s *SQLiteStore) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed.Store(true)
		close(s.ch)
		s.mu.Unlock()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteStore) loop() {
	upsert, perr := s.db.Prepare(`INSERT OR REPLACE INTO cubes(x,y,z,stage,data,updated_at) VALUES(?,?,?,?,?,?)`)
	if upsert != nil {
		defer upsert.Close()
	}
	for r := range s.ch {
		if perr != nil {
			r.done <- fmt.Errorf("save cube %v: %w", r.pos, perr)
			continue
		}
		now := time.Now().UTC().Format(time.RFC3339Nano)
		if _, err := upsert.Exec(r.pos.X, r.pos.Y, r.pos.Z, int(r.stage), r.data, now); err != nil {
			r.done <- fmt.Errorf("save cube %v: %w", r.pos, err)
			continue
		}
		r.done <- nil
	}
}
