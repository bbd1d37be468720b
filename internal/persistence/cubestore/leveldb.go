package cubestore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/df-mc/goleveldb/leveldb"
	"github.com/df-mc/goleveldb/leveldb/util"

	"cubeworld.ai/internal/persistence/snapshot"
	"cubeworld.ai/internal/sim/world/cache"
	"cubeworld.ai/internal/sim/world/coords"
	"cubeworld.ai/internal/sim/world/cube"
)

// LevelStore keeps cubes in a LevelDB directory keyed by position.
type LevelStore struct {
	mu     sync.RWMutex
	db     *leveldb.DB
	closed bool
}

func OpenLevelDB(dir string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", dir, err)
	}
	return &LevelStore{db: db}, nil
}

// cubeKey is 'c' followed by the three coordinates as big-endian int32.
func cubeKey(pos coords.CubePos) []byte {
	k := make([]byte, 13)
	k[0] = 'c'
	binary.BigEndian.PutUint32(k[1:], uint32(int32(pos.X)))
	binary.BigEndian.PutUint32(k[5:], uint32(int32(pos.Y)))
	binary.BigEndian.PutUint32(k[9:], uint32(int32(pos.Z)))
	return k
}

func (s *LevelStore) Load(_ context.Context, pos coords.CubePos) (*cube.Serialized, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, cache.ErrStoreClosed
	}
	data, err := s.db.Get(cubeKey(pos), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("load cube %v: %w", pos, err)
	}
	c, err := snapshot.DecodeCube(data)
	if err != nil {
		return nil, false, fmt.Errorf("load cube %v: %w", pos, err)
	}
	return c, true, nil
}

func (s *LevelStore) Save(_ context.Context, pos coords.CubePos, c *cube.Serialized) error {
	data, err := snapshot.EncodeCube(c)
	if err != nil {
		return fmt.Errorf("save cube %v: %w", pos, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return cache.ErrStoreClosed
	}
	if err := s.db.Put(cubeKey(pos), data, nil); err != nil {
		return fmt.Errorf("save cube %v: %w", pos, err)
	}
	return nil
}

// Each calls fn for every stored cube in key order.
func (s *LevelStore) Each(ctx context.Context, fn func(*cube.Serialized) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return cache.ErrStoreClosed
	}
	it := s.db.NewIterator(util.BytesPrefix([]byte{'c'}), nil)
	defer it.Release()
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		c, err := snapshot.DecodeCube(it.Value())
		if err != nil {
			return fmt.Errorf("cube key %x: %w", it.Key(), err)
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	return it.Error()
}

func (s *LevelStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
