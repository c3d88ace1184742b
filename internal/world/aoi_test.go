package world

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"
)

func sorted(ids []string) []string {
	sort.Strings(ids)
	return ids
}

func bruteForce(pos map[string]Vec3, c Vec3, r float64) []string {
	var out []string
	for id, p := range pos {
		if r <= 0 || p.DistXZ(c) <= r {
			out = append(out, id)
		}
	}
	return sorted(out)
}

func TestGridQueryMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	g := NewGrid(10)
	pos := make(map[string]Vec3)
	for i := 0; i < 400; i++ {
		id := fmt.Sprintf("a%d", i)
		p := Vec3{X: rng.Float64()*200 - 100, Y: rng.Float64() * 5, Z: rng.Float64()*200 - 100}
		pos[id] = p
		g.Insert(id, p)
	}
	// move half of them
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("a%d", i*2)
		p := Vec3{X: rng.Float64()*200 - 100, Z: rng.Float64()*200 - 100}
		pos[id] = p
		g.Move(id, p)
	}
	// remove a few
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("a%d", i*7)
		delete(pos, id)
		g.Remove(id)
	}

	for q := 0; q < 50; q++ {
		c := Vec3{X: rng.Float64()*240 - 120, Z: rng.Float64()*240 - 120}
		r := rng.Float64() * 60
		got := sorted(g.QueryRadius(c, r, nil))
		want := bruteForce(pos, c, r)
		if fmt.Sprint(got) != fmt.Sprint(want) {
			t.Fatalf("query %v r=%.2f: got %d ids, want %d", c, r, len(got), len(want))
		}
	}
	if g.Len() != len(pos) {
		t.Fatalf("len = %d, want %d", g.Len(), len(pos))
	}
}

func TestGridBoundaryAndNegativeCells(t *testing.T) {
	g := NewGrid(10)
	g.Insert("edge", Vec3{X: 5})
	g.Insert("neg", Vec3{X: -0.5, Z: -0.5})
	got := sorted(g.QueryRadius(Vec3{}, 5, nil))
	if fmt.Sprint(got) != "[edge neg]" {
		t.Fatalf("got %v", got)
	}
	if got := g.QueryRadius(Vec3{}, 4.99, nil); len(got) != 1 || got[0] != "neg" {
		t.Fatalf("got %v", got)
	}
}

func TestGridMoveReportsCellChange(t *testing.T) {
	g := NewGrid(10)
	g.Insert("a", Vec3{X: 1, Z: 1})
	if g.Move("a", Vec3{X: 9, Z: 9}) {
		t.Fatalf("same cell reported as changed")
	}
	if !g.Move("a", Vec3{X: 11, Z: 9}) {
		t.Fatalf("cell change not reported")
	}
	if n := len(g.cells); n != 1 {
		t.Fatalf("stale cells left: %d", n)
	}
}

func TestGridRebuildIsIdempotent(t *testing.T) {
	g := NewGrid(10)
	pos := map[string]Vec3{"a": {X: 1}, "b": {X: 25, Z: -3}, "c": {X: -40, Z: 40}}
	g.Rebuild(pos)
	first := sorted(g.QueryRadius(Vec3{}, 30, nil))
	g.Rebuild(pos)
	second := sorted(g.QueryRadius(Vec3{}, 30, nil))
	if fmt.Sprint(first) != fmt.Sprint(second) || fmt.Sprint(first) != "[a b]" {
		t.Fatalf("first %v second %v", first, second)
	}

	g.Resize(4)
	if got := sorted(g.QueryRadius(Vec3{}, 30, nil)); fmt.Sprint(got) != "[a b]" {
		t.Fatalf("after resize %v", got)
	}
	if g.CellSize() != 4 {
		t.Fatalf("cell size = %v", g.CellSize())
	}
}

func TestGridUnboundedQuery(t *testing.T) {
	g := NewGrid(10)
	g.Insert("far", Vec3{X: 1e6})
	g.Insert("near", Vec3{})
	if got := g.QueryRadius(Vec3{}, 0, nil); len(got) != 2 {
		t.Fatalf("unbounded got %v", got)
	}
}

func BenchmarkGridQuery(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	g := NewGrid(10)
	for i := 0; i < 5000; i++ {
		g.Insert(fmt.Sprintf("a%d", i), Vec3{X: rng.Float64()*1000 - 500, Z: rng.Float64()*1000 - 500})
	}
	buf := make([]string, 0, 64)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf = g.QueryRadius(Vec3{X: 10, Z: 10}, 30, buf[:0])
	}
}
