package coords

import "testing"

func TestBlockToCube_RoundTrip(t *testing.T) {
	vals := []int{0, 1, 15, 16, 17, -1, -15, -16, -17, -32, 1 << 24, -(1 << 24), 1<<30 - 1, -(1 << 30)}
	for _, x := range vals {
		for _, y := range vals {
			for _, z := range vals {
				p := BlockToCube(x, y, z)
				m := p.MinBlock()
				got := BlockPos{X: m.X + Local(x), Y: m.Y + Local(y), Z: m.Z + Local(z)}
				if got != (BlockPos{X: x, Y: y, Z: z}) {
					t.Fatalf("round trip (%d,%d,%d): got %v via %v", x, y, z, got, p)
				}
			}
		}
	}
}

func TestLocal_Range(t *testing.T) {
	for v := -100; v <= 100; v++ {
		l := Local(v)
		if l < 0 || l >= Edge {
			t.Fatalf("Local(%d)=%d out of range", v, l)
		}
	}
	if got := BlockToCube(-1, -16, -17); got != (CubePos{X: -1, Y: -1, Z: -2}) {
		t.Fatalf("negative floor: got %v", got)
	}
}

func TestLocalIndex_RoundTrip(t *testing.T) {
	seen := make(map[int]bool, Volume)
	for ly := 0; ly < Edge; ly++ {
		for lz := 0; lz < Edge; lz++ {
			for lx := 0; lx < Edge; lx++ {
				i := LocalIndex(lx, ly, lz)
				if i < 0 || i >= Volume || seen[i] {
					t.Fatalf("bad index %d for (%d,%d,%d)", i, lx, ly, lz)
				}
				seen[i] = true
				x, y, z := FromLocalIndex(i)
				if x != lx || y != ly || z != lz {
					t.Fatalf("FromLocalIndex(%d)=(%d,%d,%d) want (%d,%d,%d)", i, x, y, z, lx, ly, lz)
				}
			}
		}
	}
}

func TestNeighbours26(t *testing.T) {
	p := CubePos{X: -3, Y: 2, Z: 7}
	ns := Neighbours26(p)
	if len(ns) != 26 {
		t.Fatalf("len=%d", len(ns))
	}
	seen := map[CubePos]bool{}
	for _, n := range ns {
		if n == p || seen[n] || n.Chebyshev(p) != 1 {
			t.Fatalf("bad neighbour %v", n)
		}
		seen[n] = true
	}
}

func TestBox_StopsEarly(t *testing.T) {
	n := 0
	Box(CubePos{X: 1, Y: 1, Z: 1}, CubePos{}, func(CubePos) bool {
		n++
		return true
	})
	if n != 8 {
		t.Fatalf("visited %d want 8", n)
	}
	n = 0
	Box(CubePos{}, CubePos{X: 3, Y: 3, Z: 3}, func(CubePos) bool {
		n++
		return n < 5
	})
	if n != 5 {
		t.Fatalf("early stop visited %d", n)
	}
}
