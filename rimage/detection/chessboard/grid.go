package chessboard

import (
	"image"
	"math"
	"sort"

	"github.com/golang/geo/r2"
	"github.com/montanaflynn/stats"
)

// gridNode is a corner placed on the board lattice along with the local lattice vectors there.
type gridNode struct {
	coord image.Point
	idx   int
	a, b  r2.Point
}

// nearest returns the index of the unused point closest to target within radius, or -1.
func nearest(pts []r2.Point, used map[int]bool, target r2.Point, radius float64) int {
	best, bestDist := -1, radius
	for i, p := range pts {
		if used[i] {
			continue
		}
		if d := p.Sub(target).Norm(); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

// growGrid places corners on a lattice starting from seed, walking one step at a time along the
// two local lattice vectors.
func growGrid(pts []r2.Point, seed int, tolerance float64) map[image.Point]int {
	order := make([]int, 0, len(pts)-1)
	for i := range pts {
		if i != seed {
			order = append(order, i)
		}
	}
	origin := pts[seed]
	sort.Slice(order, func(i, j int) bool {
		return pts[order[i]].Sub(origin).Norm() < pts[order[j]].Sub(origin).Norm()
	})
	if len(order) < 2 {
		return nil
	}
	a := pts[order[0]].Sub(origin)
	var b r2.Point
	found := false
	for _, n := range order[1:min(len(order), 5)] {
		v := pts[n].Sub(origin)
		if math.Abs(a.Dot(v))/(a.Norm()*v.Norm()) < 0.5 {
			b, found = v, true
			break
		}
	}
	if !found || a.Norm() == 0 {
		return nil
	}

	grid := map[image.Point]int{{}: seed}
	used := map[int]bool{seed: true}
	queue := []gridNode{{idx: seed, a: a, b: b}}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		radius := tolerance * math.Min(n.a.Norm(), n.b.Norm())
		for _, step := range []struct {
			d      image.Point
			alongA bool
			sign   float64
		}{
			{image.Point{1, 0}, true, 1},
			{image.Point{-1, 0}, true, -1},
			{image.Point{0, 1}, false, 1},
			{image.Point{0, -1}, false, -1},
		} {
			target := n.coord.Add(step.d)
			if _, ok := grid[target]; ok {
				continue
			}
			v := n.b
			if step.alongA {
				v = n.a
			}
			best := nearest(pts, used, pts[n.idx].Add(v.Mul(step.sign)), radius)
			if best < 0 {
				continue
			}
			grid[target] = best
			used[best] = true
			next := gridNode{coord: target, idx: best, a: n.a, b: n.b}
			delta := pts[best].Sub(pts[n.idx]).Mul(step.sign)
			if step.alongA {
				next.a = delta
			} else {
				next.b = delta
			}
			queue = append(queue, next)
		}
	}
	return grid
}

// orderGrid turns a complete lattice into cols x rows corners in row-major order. The first
// corner and the direction of the rows are chosen from the image geometry so that the same board
// seen by two cameras of a rig gets the same ordering.
func orderGrid(pts []r2.Point, grid map[image.Point]int, cols, rows int) ([]r2.Point, bool) {
	lo := image.Point{math.MaxInt, math.MaxInt}
	hi := image.Point{math.MinInt, math.MinInt}
	for c := range grid {
		lo.X, lo.Y = min(lo.X, c.X), min(lo.Y, c.Y)
		hi.X, hi.Y = max(hi.X, c.X), max(hi.Y, c.Y)
	}
	w, h := hi.X-lo.X+1, hi.Y-lo.Y+1
	if len(grid) != w*h || len(grid) != cols*rows {
		return nil, false
	}
	if !(w == cols && h == rows) && !(w == rows && h == cols) {
		return nil, false
	}

	at := func(i, j int) r2.Point { return pts[grid[lo.Add(image.Point{i, j})]] }
	colsAlongA := w == cols
	if cols == rows {
		// square boards: columns run along the more horizontal lattice axis
		da := at(w-1, 0).Sub(at(0, 0))
		db := at(0, h-1).Sub(at(0, 0))
		colsAlongA = math.Abs(da.X)/da.Norm() >= math.Abs(db.X)/db.Norm()
	}
	flipC, flipR := false, false
	get := func(c, r int) r2.Point {
		if flipC {
			c = cols - 1 - c
		}
		if flipR {
			r = rows - 1 - r
		}
		if colsAlongA {
			return at(c, r)
		}
		return at(r, c)
	}

	colDir := get(cols-1, 0).Sub(get(0, 0))
	if math.Abs(colDir.X) >= math.Abs(colDir.Y) {
		flipC = colDir.X < 0
	} else {
		flipC = colDir.Y < 0
	}
	colDir = get(cols-1, 0).Sub(get(0, 0))
	rowDir := get(0, rows-1).Sub(get(0, 0))
	flipR = colDir.Cross(rowDir) < 0

	out := make([]r2.Point, 0, cols*rows)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out = append(out, get(c, r))
		}
	}
	return out, true
}

// seedOrder ranks points by distance to the median point so that seeds near the middle of the
// board are tried first.
func seedOrder(pts []r2.Point) []int {
	xs := make([]float64, len(pts))
	ys := make([]float64, len(pts))
	for i, p := range pts {
		xs[i], ys[i] = p.X, p.Y
	}
	mx, _ := stats.Median(xs)
	my, _ := stats.Median(ys)
	center := r2.Point{X: mx, Y: my}
	order := make([]int, len(pts))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return pts[order[i]].Sub(center).Norm() < pts[order[j]].Sub(center).Norm()
	})
	return order
}

// assembleGrid finds a cols x rows lattice among pts.
func assembleGrid(pts []r2.Point, cols, rows int, tolerance float64, maxSeeds int) ([]r2.Point, bool) {
	if len(pts) < cols*rows {
		return nil, false
	}
	for k, seed := range seedOrder(pts) {
		if k >= maxSeeds {
			break
		}
		grid := growGrid(pts, seed, tolerance)
		if corners, ok := orderGrid(pts, grid, cols, rows); ok {
			return corners, true
		}
	}
	return nil, false
}
