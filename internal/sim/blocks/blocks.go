package blocks

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

const MaxLight = 15

//go:embed blocks.json
var defaultDefs []byte

type Def struct {
	ID       string `json:"id"`
	Opacity  int    `json:"opacity"`
	Emission int    `json:"emission,omitempty"`
	Solid    bool   `json:"solid,omitempty"`
}

// Registry maps palette ids to block properties. Palette id 0 is always AIR.
type Registry struct {
	Palette       []string
	Index         map[string]uint16
	Defs          map[string]Def
	PaletteDigest string
	DefsDigest    string

	opacity  []uint8
	emission []uint8
}

// Default returns the built-in registry.
func Default() *Registry {
	r, err := Parse(defaultDefs)
	if err != nil {
		panic(fmt.Sprintf("blocks: embedded defs: %v", err))
	}
	return r
}

func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Registry, error) {
	var defs []Def
	if err := json.Unmarshal(raw, &defs); err != nil {
		return nil, fmt.Errorf("blocks.json: %w", err)
	}
	r := &Registry{Defs: map[string]Def{}, DefsDigest: sha256Hex(raw)}
	for _, d := range defs {
		if d.ID == "" {
			return nil, fmt.Errorf("blocks.json: empty id")
		}
		if d.Opacity < 0 || d.Opacity > MaxLight || d.Emission < 0 || d.Emission > MaxLight {
			return nil, fmt.Errorf("blocks.json: %s: opacity/emission out of [0,%d]", d.ID, MaxLight)
		}
		r.Defs[d.ID] = d
	}
	if _, ok := r.Defs["AIR"]; !ok {
		return nil, fmt.Errorf("blocks.json: missing AIR")
	}
	if r.Defs["AIR"].Opacity != 0 || r.Defs["AIR"].Emission != 0 {
		return nil, fmt.Errorf("blocks.json: AIR must be transparent and dark")
	}

	ids := make([]string, 0, len(r.Defs))
	for id := range r.Defs {
		if id != "AIR" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	ids = append([]string{"AIR"}, ids...)
	if len(ids) > 1<<16 {
		return nil, fmt.Errorf("blocks.json: %d defs exceed palette", len(ids))
	}

	r.Palette = ids
	r.Index = make(map[string]uint16, len(ids))
	r.opacity = make([]uint8, len(ids))
	r.emission = make([]uint8, len(ids))
	for i, id := range ids {
		r.Index[id] = uint16(i)
		r.opacity[i] = uint8(r.Defs[id].Opacity)
		r.emission[i] = uint8(r.Defs[id].Emission)
	}
	palJSON, _ := json.Marshal(ids)
	r.PaletteDigest = sha256Hex(palJSON)
	return r, nil
}

func (r *Registry) Lookup(id string) (uint16, bool) {
	v, ok := r.Index[id]
	return v, ok
}

// ID is Lookup for names known to exist; it panics otherwise.
func (r *Registry) ID(id string) uint16 {
	v, ok := r.Index[id]
	if !ok {
		panic("blocks: unknown block " + id)
	}
	return v
}

func (r *Registry) Name(v uint16) string {
	if int(v) >= len(r.Palette) {
		return fmt.Sprintf("UNKNOWN_%d", v)
	}
	return r.Palette[v]
}

// Opacity of a palette id. Unknown ids are treated as fully opaque.
func (r *Registry) Opacity(v uint16) int {
	if int(v) >= len(r.opacity) {
		return MaxLight
	}
	return int(r.opacity[v])
}

func (r *Registry) Emission(v uint16) int {
	if int(v) >= len(r.emission) {
		return 0
	}
	return int(r.emission[v])
}

// Attenuation is the light lost entering a voxel of this type, never less than one.
func (r *Registry) Attenuation(v uint16) int {
	return max(1, r.Opacity(v))
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
