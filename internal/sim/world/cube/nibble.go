package cube

import "cubeworld.ai/internal/sim/world/coords"

// Nibbles packs one 4-bit light level per voxel, two per byte.
type Nibbles [coords.Volume / 2]uint8

func (n *Nibbles) Get(i int) uint8 {
	if i&1 == 1 {
		return n[i>>1] >> 4
	}
	return n[i>>1] & 0xF
}

func (n *Nibbles) Set(i int, v uint8) {
	v &= 0xF
	if i&1 == 1 {
		n[i>>1] = n[i>>1]&0xF | v<<4
	} else {
		n[i>>1] = n[i>>1]&0xF0 | v
	}
}

func (n *Nibbles) Fill(v uint8) {
	b := v&0xF | (v&0xF)<<4
	for i := range n {
		n[i] = b
	}
}
