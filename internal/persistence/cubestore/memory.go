package cubestore

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"cubeworld.ai/internal/persistence/snapshot"
	"cubeworld.ai/internal/sim/world/cache"
	"cubeworld.ai/internal/sim/world/coords"
	"cubeworld.ai/internal/sim/world/cube"
)

// MemoryStore holds encoded cubes in a map. It can be dumped to and restored
// from a world snapshot file.
type MemoryStore struct {
	mu     sync.RWMutex
	cubes  map[coords.CubePos][]byte
	closed bool
}

func NewMemory() *MemoryStore {
	return &MemoryStore{cubes: map[coords.CubePos][]byte{}}
}

func (s *MemoryStore) Load(_ context.Context, pos coords.CubePos) (*cube.Serialized, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, cache.ErrStoreClosed
	}
	b, ok := s.cubes[pos]
	if !ok {
		return nil, false, nil
	}
	c, err := snapshot.DecodeCube(b)
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

func (s *MemoryStore) Save(_ context.Context, pos coords.CubePos, c *cube.Serialized) error {
	b, err := snapshot.EncodeCube(c)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return cache.ErrStoreClosed
	}
	s.cubes[pos] = b
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cubes)
}

// Export appends every stored cube to snap in position order.
func (s *MemoryStore) Export(snap *snapshot.SnapshotV1) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := maps.Keys(s.cubes)
	slices.SortFunc(keys, func(a, b coords.CubePos) bool {
		if a.X != b.X {
			return a.X < b.X
		}
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.Z < b.Z
	})
	for _, k := range keys {
		c, err := snapshot.DecodeCube(s.cubes[k])
		if err != nil {
			return fmt.Errorf("export %v: %w", k, err)
		}
		snap.Cubes = append(snap.Cubes, snapshot.FromCube(c))
	}
	return nil
}

// Import adds the cubes in snap, overwriting any stored at the same position.
func (s *MemoryStore) Import(snap snapshot.SnapshotV1) error {
	decoded := make(map[coords.CubePos][]byte, len(snap.Cubes))
	for i := range snap.Cubes {
		c, err := snap.Cubes[i].ToCube()
		if err != nil {
			return err
		}
		b, err := snapshot.EncodeCube(c)
		if err != nil {
			return err
		}
		decoded[c.Pos] = b
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return cache.ErrStoreClosed
	}
	for k, v := range decoded {
		s.cubes[k] = v
	}
	return nil
}
