package stereo

import (
	"context"
	"math"

	"github.com/pkg/errors"

	"go.viam.com/stereocam/rimage"
	"go.viam.com/stereocam/utils"
)

const maxCost = math.MaxUint16

// volume is a per pixel, per disparity cost array laid out as ((y*width)+x)*ndisp+k.
type volume struct {
	width, height, ndisp int
	data                 []uint16
}

func newVolume(width, height, ndisp int) *volume {
	return &volume{width: width, height: height, ndisp: ndisp, data: make([]uint16, width*height*ndisp)}
}

func (v *volume) row(y int) []uint16 {
	n := v.width * v.ndisp
	return v.data[y*n : (y+1)*n]
}

func (v *volume) at(x, y int) []uint16 {
	i := (y*v.width + x) * v.ndisp
	return v.data[i : i+v.ndisp]
}

func addSat(a uint16, b int32) uint16 {
	s := int32(a) + b
	if s > maxCost {
		return maxCost
	}
	return uint16(s)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Compute matches a rectified pair and returns the disparity of every left pixel. Color frames are
// converted to gray; both frames must have the same size.
func Compute(ctx context.Context, left, right *rimage.Frame, cfg Config) (*Disparity, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if left.Empty() || right.Empty() {
		return nil, errors.New("cannot match empty frames")
	}
	if left.Size() != right.Size() {
		return nil, errors.Errorf("left frame is %v but right frame is %v", left.Size(), right.Size())
	}
	left, right = rimage.ToGray(left), rimage.ToGray(right)

	m := &matcher{cfg: cfg, width: left.Width, height: left.Height}
	cost := m.blockCosts(left, right)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sum := cost
	if cfg.Mode != ModeBM {
		var err error
		if sum, err = m.aggregate(ctx, cost); err != nil {
			return nil, err
		}
	}
	disp := m.selectDisparities(sum)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.SpeckleWindowSize > 0 {
		FilterSpeckles(disp, cfg.SpeckleWindowSize, cfg.SpeckleRange*DisparityScale)
	}
	return disp, nil
}

type matcher struct {
	cfg           Config
	width, height int
}

// prefilter is a horizontal Sobel response clipped to [-limit, limit] and shifted by limit.
func prefilter(f *rimage.Frame, limit int) []int32 {
	w, h := f.Width, f.Height
	out := make([]int32, w*h)
	utils.ParallelForEachRow(h, func(from, to int) {
		for y := from; y < to; y++ {
			up, mid, down := f.Row(max(y-1, 0)), f.Row(y), f.Row(min(y+1, h-1))
			for x := 0; x < w; x++ {
				xl, xr := max(x-1, 0), min(x+1, w-1)
				d := int(up[xr]) - int(up[xl]) + 2*(int(mid[xr])-int(mid[xl])) + int(down[xr]) - int(down[xl])
				out[y*w+x] = int32(clampInt(d, -limit, limit) + limit)
			}
		}
	})
	return out
}

// btRange holds, per pixel, the extremes of the linear interpolation between a pixel and its
// half-way neighbors.
type btRange struct {
	val, lo, hi []int32
}

func newBTRange(row []int32) btRange {
	w := len(row)
	r := btRange{val: row, lo: make([]int32, w), hi: make([]int32, w)}
	for x := 0; x < w; x++ {
		v := row[x]
		a := (v + row[max(x-1, 0)]) >> 1
		b := (v + row[min(x+1, w-1)]) >> 1
		r.lo[x] = min(v, a, b)
		r.hi[x] = max(v, a, b)
	}
	return r
}

// birchfieldTomasi is the sampling-insensitive dissimilarity between left pixel xl and right pixel xr.
func birchfieldTomasi(l, r btRange, xl, xr int) int32 {
	il, ir := l.val[xl], r.val[xr]
	d1 := max(0, il-r.hi[xr], r.lo[xr]-il)
	d2 := max(0, ir-l.hi[xl], l.lo[xl]-ir)
	return min(d1, d2)
}

// blockCosts computes the pixel costs and sums them over the block window. Borders replicate.
func (m *matcher) blockCosts(left, right *rimage.Frame) *volume {
	w, h, nd := m.width, m.height, m.cfg.NumDisparities
	minD := m.cfg.MinDisparity
	half := m.cfg.BlockSize / 2
	pl, pr := prefilter(left, m.cfg.PreFilterCap), prefilter(right, m.cfg.PreFilterCap)

	horiz := newVolume(w, h, nd)
	utils.ParallelForEachRow(h, func(from, to int) {
		pixel := make([]int32, w*nd)
		rawL, rawR := make([]int32, w), make([]int32, w)
		for y := from; y < to; y++ {
			fl := newBTRange(pl[y*w : (y+1)*w])
			fr := newBTRange(pr[y*w : (y+1)*w])
			for x, v := range left.Row(y) {
				rawL[x] = int32(v)
			}
			for x, v := range right.Row(y) {
				rawR[x] = int32(v)
			}
			gl, gr := newBTRange(rawL), newBTRange(rawR)
			for x := 0; x < w; x++ {
				c := pixel[x*nd : (x+1)*nd]
				for k := range c {
					xr := clampInt(x-minD-k, 0, w-1)
					c[k] = birchfieldTomasi(fl, fr, x, xr) + birchfieldTomasi(gl, gr, x, xr)>>2
				}
			}
			out := horiz.row(y)
			for x := 0; x < w; x++ {
				dst := out[x*nd : (x+1)*nd]
				for dx := -half; dx <= half; dx++ {
					src := pixel[clampInt(x+dx, 0, w-1)*nd:]
					for k := range dst {
						dst[k] = addSat(dst[k], src[k])
					}
				}
			}
		}
	})
	if half == 0 {
		return horiz
	}

	cost := newVolume(w, h, nd)
	utils.ParallelForEachRow(h, func(from, to int) {
		acc := make([]int32, w*nd)
		for y := from; y < to; y++ {
			for i := range acc {
				acc[i] = 0
			}
			for dy := -half; dy <= half; dy++ {
				for i, v := range horiz.row(clampInt(y+dy, 0, h-1)) {
					acc[i] += int32(v)
				}
			}
			out := cost.row(y)
			for i, v := range acc {
				out[i] = uint16(min(v, maxCost))
			}
		}
	})
	return cost
}

// pathStep computes the path cost of one pixel from the path cost of its predecessor. prev is nil
// at the start of a path. It returns the smallest cost written.
func pathStep(cost []uint16, prev []int32, prevMin int32, out []int32, p1, p2 int32) int32 {
	best := int32(math.MaxInt32)
	if prev == nil {
		for k, c := range cost {
			out[k] = int32(c)
			best = min(best, out[k])
		}
		return best
	}
	n := len(cost)
	jump := prevMin + p2
	for k, c := range cost {
		l := min(prev[k], jump)
		if k > 0 {
			l = min(l, prev[k-1]+p1)
		}
		if k < n-1 {
			l = min(l, prev[k+1]+p1)
		}
		out[k] = int32(c) + l - prevMin
		best = min(best, out[k])
	}
	return best
}

// aggregate sums the path costs of every direction into a new volume. Horizontal paths and the
// three top-down paths are always used; ModeHH adds the three bottom-up paths.
func (m *matcher) aggregate(ctx context.Context, cost *volume) (*volume, error) {
	w, h, nd := m.width, m.height, m.cfg.NumDisparities
	p1, p2 := int32(m.cfg.P1), int32(m.cfg.P2)
	sum := newVolume(w, h, nd)

	utils.ParallelForEachRow(h, func(from, to int) {
		bufA, bufB := make([]int32, nd), make([]int32, nd)
		for y := from; y < to; y++ {
			for _, step := range []int{1, -1} {
				start, end := 0, w
				if step < 0 {
					start, end = w-1, -1
				}
				var prev []int32
				var prevMin int32
				cur, spare := bufA, bufB
				for x := start; x != end; x += step {
					prevMin = pathStep(cost.at(x, y), prev, prevMin, cur, p1, p2)
					s := sum.at(x, y)
					for k, v := range cur {
						s[k] = addSat(s[k], v)
					}
					prev = cur
					cur, spare = spare, cur
				}
			}
		}
	})

	passes := []int{1}
	if m.cfg.Mode == ModeHH {
		passes = append(passes, -1)
	}
	for _, dir := range passes {
		if err := m.verticalPass(ctx, cost, sum, dir); err != nil {
			return nil, err
		}
	}
	return sum, nil
}

// verticalPass sweeps the rows in direction dy (1 top-down, -1 bottom-up) and accumulates the
// vertical and both diagonal paths.
func (m *matcher) verticalPass(ctx context.Context, cost, sum *volume, dy int) error {
	w, h, nd := m.width, m.height, m.cfg.NumDisparities
	p1, p2 := int32(m.cfg.P1), int32(m.cfg.P2)
	dxs := [3]int{-1, 0, 1}
	var prev, cur [3][]int32
	var prevMin, curMin [3][]int32
	for i := range dxs {
		prev[i], cur[i] = make([]int32, w*nd), make([]int32, w*nd)
		prevMin[i], curMin[i] = make([]int32, w), make([]int32, w)
	}

	startY, endY := 0, h
	if dy < 0 {
		startY, endY = h-1, -1
	}
	first := true
	for y := startY; y != endY; y += dy {
		if (y & 15) == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		utils.ParallelForEachRow(w, func(from, to int) {
			for x := from; x < to; x++ {
				s := sum.at(x, y)
				for i, dx := range dxs {
					out := cur[i][x*nd : (x+1)*nd]
					px := x - dx
					var p []int32
					var pm int32
					if !first && px >= 0 && px < w {
						p, pm = prev[i][px*nd:(px+1)*nd], prevMin[i][px]
					}
					curMin[i][x] = pathStep(cost.at(x, y), p, pm, out, p1, p2)
					for k, v := range out {
						s[k] = addSat(s[k], v)
					}
				}
			}
		})
		prev, cur = cur, prev
		prevMin, curMin = curMin, prevMin
		first = false
	}
	return nil
}

// selectDisparities picks the cheapest disparity per pixel with sub-pixel refinement, then applies
// the uniqueness and left-right consistency checks.
func (m *matcher) selectDisparities(sum *volume) *Disparity {
	w, nd := m.width, m.cfg.NumDisparities
	minD := m.cfg.MinDisparity
	disp := NewDisparity(w, m.height, minD)
	inv := disp.Invalid()
	minX, maxX := max(m.cfg.maxDisparity(), 0), w+min(minD, 0)
	uniq := int64(m.cfg.UniquenessRatio)

	utils.ParallelForEachRow(m.height, func(from, to int) {
		rightDisp := make([]int, w)
		rightCost := make([]uint16, w)
		for y := from; y < to; y++ {
			for i := range rightDisp {
				rightDisp[i], rightCost[i] = minD-1, maxCost
			}
			row := disp.Data[y*w : (y+1)*w]
			for x := minX; x < maxX; x++ {
				s := sum.at(x, y)
				best, bestCost := 0, s[0]
				for k, c := range s {
					if c < bestCost {
						best, bestCost = k, c
					}
					if xr := x - minD - k; xr >= 0 && xr < w && c < rightCost[xr] {
						rightCost[xr], rightDisp[xr] = c, minD+k
					}
				}
				unique := true
				for k, c := range s {
					if int64(c)*(100-uniq) < int64(bestCost)*100 && abs(k-best) > 1 {
						unique = false
						break
					}
				}
				if !unique {
					continue
				}
				d16 := best * DisparityScale
				if best > 0 && best < nd-1 {
					lo, hi := int(s[best-1]), int(s[best+1])
					denom := max(lo+hi-2*int(bestCost), 1)
					d16 += ((lo-hi)*DisparityScale + denom) / (denom * 2)
				}
				row[x] = int16(minD*DisparityScale + d16)
			}

			if m.cfg.Disp12MaxDiff < 0 {
				continue
			}
			for x := minX; x < maxX; x++ {
				d := row[x]
				if d == inv {
					continue
				}
				lo := int(d) >> 4
				hi := (int(d) + DisparityScale - 1) >> 4
				if m.inconsistent(rightDisp, x-lo, lo) && m.inconsistent(rightDisp, x-hi, hi) {
					row[x] = inv
				}
			}
		}
	})
	return disp
}

// inconsistent reports whether the right image match at xr disagrees with disparity d.
func (m *matcher) inconsistent(rightDisp []int, xr, d int) bool {
	if xr < 0 || xr >= len(rightDisp) {
		return false
	}
	rd := rightDisp[xr]
	return rd >= m.cfg.MinDisparity && abs(rd-d) > m.cfg.Disp12MaxDiff
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// FilterSpeckles invalidates connected regions of at most maxSize pixels. Neighbors belong to the
// same region when their raw values differ by at most maxDiff.
func FilterSpeckles(d *Disparity, maxSize, maxDiff int) {
	w, h := d.Width, d.Height
	inv := d.Invalid()
	labels := make([]int32, w*h)
	small := []bool{false}
	var stack []int
	for start := range d.Data {
		if d.Data[start] == inv || labels[start] != 0 {
			continue
		}
		label := int32(len(small))
		labels[start] = label
		stack = append(stack[:0], start)
		count := 0
		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			count++
			x, y := p%w, p/w
			v := int(d.Data[p])
			for _, n := range [4]int{p - 1, p + 1, p - w, p + w} {
				switch {
				case n == p-1 && x == 0, n == p+1 && x == w-1, n == p-w && y == 0, n == p+w && y == h-1:
					continue
				}
				if labels[n] != 0 || d.Data[n] == inv || abs(int(d.Data[n])-v) > maxDiff {
					continue
				}
				labels[n] = label
				stack = append(stack, n)
			}
		}
		small = append(small, count <= maxSize)
	}
	for i, l := range labels {
		if l != 0 && small[l] {
			d.Data[i] = inv
		}
	}
}
