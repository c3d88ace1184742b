package world

import "math"

// Grid is a uniform cell index over the x/z plane mapping cell → agent ids.
// Radius queries visit only the cells overlapping the query circle and then
// filter by exact distance, so cost tracks the agents in range rather than
// the population.
// Mutated only from the tick goroutine; no locks.
type Grid struct {
	cellSize float64
	cells    map[cellKey]map[string]struct{}
	pos      map[string]Vec3
}

type cellKey struct {
	cx int32
	cz int32
}

func NewGrid(cellSize float64) *Grid {
	if cellSize <= 0 {
		cellSize = 10
	}
	return &Grid{
		cellSize: cellSize,
		cells:    make(map[cellKey]map[string]struct{}),
		pos:      make(map[string]Vec3),
	}
}

func (g *Grid) CellSize() float64 { return g.cellSize }

func (g *Grid) Len() int { return len(g.pos) }

func (g *Grid) toCell(v float64) int32 {
	return int32(math.Floor(v / g.cellSize))
}

func (g *Grid) key(p Vec3) cellKey {
	return cellKey{cx: g.toCell(p.X), cz: g.toCell(p.Z)}
}

// Insert places an agent; inserting an existing id moves it.
func (g *Grid) Insert(id string, p Vec3) {
	if _, ok := g.pos[id]; ok {
		g.Move(id, p)
		return
	}
	g.add(id, g.key(p))
	g.pos[id] = p
}

// Remove takes an agent out of the grid. Unknown ids are ignored.
func (g *Grid) Remove(id string) {
	p, ok := g.pos[id]
	if !ok {
		return
	}
	g.del(id, g.key(p))
	delete(g.pos, id)
}

// Move updates an agent's position, touching cell sets only when the cell changes.
// It reports whether the cell changed.
func (g *Grid) Move(id string, p Vec3) bool {
	old, ok := g.pos[id]
	if !ok {
		g.Insert(id, p)
		return true
	}
	g.pos[id] = p
	oldK, newK := g.key(old), g.key(p)
	if oldK == newK {
		return false
	}
	g.del(id, oldK)
	g.add(id, newK)
	return true
}

func (g *Grid) Position(id string) (Vec3, bool) {
	p, ok := g.pos[id]
	return p, ok
}

func (g *Grid) add(id string, k cellKey) {
	cell := g.cells[k]
	if cell == nil {
		cell = make(map[string]struct{})
		g.cells[k] = cell
	}
	cell[id] = struct{}{}
}

func (g *Grid) del(id string, k cellKey) {
	cell := g.cells[k]
	if cell != nil {
		delete(cell, id)
		if len(cell) == 0 {
			delete(g.cells, k)
		}
	}
}

// QueryRadius appends to dst the ids whose planar distance to center is <= r.
// r <= 0 means unbounded. Order is unspecified.
func (g *Grid) QueryRadius(center Vec3, r float64, dst []string) []string {
	if r <= 0 || math.IsInf(r, 1) {
		for id := range g.pos {
			dst = append(dst, id)
		}
		return dst
	}
	minX, maxX := g.toCell(center.X-r), g.toCell(center.X+r)
	minZ, maxZ := g.toCell(center.Z-r), g.toCell(center.Z+r)

	// Sparse worlds: walking occupied cells beats walking a huge empty window.
	span := int64(maxX-minX+1) * int64(maxZ-minZ+1)
	if span > int64(len(g.cells)) {
		for k, cell := range g.cells {
			if k.cx < minX || k.cx > maxX || k.cz < minZ || k.cz > maxZ {
				continue
			}
			dst = g.collect(cell, center, r, dst)
		}
		return dst
	}
	for cx := minX; cx <= maxX; cx++ {
		for cz := minZ; cz <= maxZ; cz++ {
			if cell, ok := g.cells[cellKey{cx: cx, cz: cz}]; ok {
				dst = g.collect(cell, center, r, dst)
			}
		}
	}
	return dst
}

func (g *Grid) collect(cell map[string]struct{}, center Vec3, r float64, dst []string) []string {
	for id := range cell {
		if g.pos[id].DistXZ(center) <= r {
			dst = append(dst, id)
		}
	}
	return dst
}

// Rebuild discards all cells and re-indexes from positions. Idempotent.
func (g *Grid) Rebuild(positions map[string]Vec3) {
	g.cells = make(map[cellKey]map[string]struct{}, len(g.cells))
	g.pos = make(map[string]Vec3, len(positions))
	for id, p := range positions {
		g.add(id, g.key(p))
		g.pos[id] = p
	}
}

// Resize changes the cell size and rebuilds the index.
func (g *Grid) Resize(cellSize float64) {
	if cellSize <= 0 || cellSize == g.cellSize {
		return
	}
	g.cellSize = cellSize
	g.Rebuild(g.pos)
}
