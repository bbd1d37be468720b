package snapshot

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"cubeworld.ai/internal/sim/encoding"
	"cubeworld.ai/internal/sim/world/coords"
	"cubeworld.ai/internal/sim/world/cube"
)

const Version = 1

type Header struct {
	Version int    `json:"version"`
	WorldID string `json:"world_id"`
	Tick    uint64 `json:"tick"`
	Cubes   int    `json:"cubes"`
}

// SnapshotV1 is a whole-world dump: every cube a store holds plus the
// parameters needed to keep generating consistently.
type SnapshotV1 struct {
	Header Header `json:"header"`

	Seed          int64  `json:"seed"`
	MinY          int    `json:"min_y"`
	MaxY          int    `json:"max_y"`
	BorderR       int    `json:"border_r"`
	PaletteDigest string `json:"palette_digest"`

	Cubes []CubeV1 `json:"cubes"`
}

// CubeV1 is the stored form of one cube. Voxels are run-length encoded;
// light is kept raw.
type CubeV1 struct {
	Pos    [3]int `json:"pos"`
	Stage  uint8  `json:"stage"`
	Tier   uint8  `json:"tier"`
	Voxels string `json:"voxels"`
	Sky    []byte `json:"sky,omitempty"`
	Block  []byte `json:"block,omitempty"`
}

func FromCube(s *cube.Serialized) CubeV1 {
	return CubeV1{
		Pos:    [3]int{s.Pos.X, s.Pos.Y, s.Pos.Z},
		Stage:  uint8(s.Stage),
		Tier:   uint8(s.Tier),
		Voxels: encoding.EncodeRLE(s.Voxels[:]),
		Sky:    append([]byte(nil), s.Sky[:]...),
		Block:  append([]byte(nil), s.Block[:]...),
	}
}

func (c CubeV1) ToCube() (*cube.Serialized, error) {
	s := &cube.Serialized{
		Pos:   coords.CubePos{X: c.Pos[0], Y: c.Pos[1], Z: c.Pos[2]},
		Stage: cube.Stage(c.Stage),
		Tier:  cube.Tier(c.Tier),
	}
	if !s.Stage.Valid() {
		return nil, fmt.Errorf("cube %v: bad stage %d", s.Pos, c.Stage)
	}
	ids, err := encoding.DecodeRLEExact(c.Voxels, coords.Volume)
	if err != nil {
		return nil, fmt.Errorf("cube %v voxels: %w", s.Pos, err)
	}
	copy(s.Voxels[:], ids)
	if len(c.Sky) > 0 {
		if len(c.Sky) != len(s.Sky) {
			return nil, fmt.Errorf("cube %v: sky light is %d bytes", s.Pos, len(c.Sky))
		}
		copy(s.Sky[:], c.Sky)
	}
	if len(c.Block) > 0 {
		if len(c.Block) != len(s.Block) {
			return nil, fmt.Errorf("cube %v: block light is %d bytes", s.Pos, len(c.Block))
		}
		copy(s.Block[:], c.Block)
	}
	return s, nil
}

var (
	sharedEncoder = mustEncoder()
	sharedDecoder = mustDecoder()
)

func mustEncoder() *zstd.Encoder {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic(err)
	}
	return enc
}

func mustDecoder() *zstd.Decoder {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic(err)
	}
	return dec
}

// EncodeCube produces a zstd-compressed gob record. EncodeAll and DecodeAll
// are safe for concurrent use, so store workers share one codec.
func EncodeCube(s *cube.Serialized) ([]byte, error) {
	var buf bytes.Buffer
	rec := FromCube(s)
	if err := gob.NewEncoder(&buf).Encode(&rec); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}
	return sharedEncoder.EncodeAll(buf.Bytes(), nil), nil
}

func DecodeCube(b []byte) (*cube.Serialized, error) {
	raw, err := sharedDecoder.DecodeAll(b, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	var rec CubeV1
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&rec); err != nil {
		return nil, fmt.Errorf("gob decode: %w", err)
	}
	return rec.ToCube()
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := writeTo(f, snap); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func writeTo(w io.Writer, snap SnapshotV1) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	snap.Header.Version = Version
	snap.Header.Cubes = len(snap.Cubes)
	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return enc.Close()
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	line, err := br.ReadBytes('\n')
	if err != nil {
		return snap, fmt.Errorf("header: %w", err)
	}
	var h Header
	if err := json.Unmarshal(line, &h); err != nil {
		return snap, fmt.Errorf("header: %w", err)
	}
	if h.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", h.Version)
	}

	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	return snap, nil
}
