package stereo

import (
	"context"
	"encoding/json"
	"image"
	"sort"
	"testing"

	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/stereocam/rimage"
	"go.viam.com/stereocam/rimage/transform"
	"go.viam.com/stereocam/testutils"
)

func TestConfig(t *testing.T) {
	cfg := DefaultConfig()
	test.That(t, cfg.Validate(), test.ShouldBeNil)
	test.That(t, cfg.P1, test.ShouldEqual, 72)
	test.That(t, cfg.P2, test.ShouldEqual, 288)
	test.That(t, cfg.Mode, test.ShouldEqual, ModeHH)

	for name, mutate := range map[string]func(*Config){
		"num disparities":   func(c *Config) { c.NumDisparities = 40 },
		"even block":        func(c *Config) { c.BlockSize = 4 },
		"p2 below p1":       func(c *Config) { c.P2 = c.P1 },
		"prefilter cap":     func(c *Config) { c.PreFilterCap = 0 },
		"uniqueness":        func(c *Config) { c.UniquenessRatio = 100 },
		"speckle range":     func(c *Config) { c.SpeckleRange = -1 },
		"unknown mode":      func(c *Config) { c.Mode = Mode(9) },
		"negative penalty":  func(c *Config) { c.P1 = -1 },
		"zero disparities":  func(c *Config) { c.NumDisparities = 0 },
		"zero block":        func(c *Config) { c.BlockSize = 0 },
		"negative speckles": func(c *Config) { c.SpeckleWindowSize = -3 },
	} {
		t.Run(name, func(t *testing.T) {
			bad := DefaultConfig()
			mutate(&bad)
			test.That(t, bad.Validate(), test.ShouldNotBeNil)
		})
	}

	bm := DefaultConfig()
	bm.Mode, bm.P1, bm.P2 = ModeBM, 0, 0
	test.That(t, bm.Validate(), test.ShouldBeNil)
}

func TestConfigApply(t *testing.T) {
	cfg := DefaultConfig()
	out, err := cfg.Apply(map[string]interface{}{"num_disparities": 64, "mode": "sgbm", "block_size": "5"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.NumDisparities, test.ShouldEqual, 64)
	test.That(t, out.BlockSize, test.ShouldEqual, 5)
	test.That(t, out.Mode, test.ShouldEqual, ModeSGBM)
	test.That(t, out.P1, test.ShouldEqual, cfg.P1)
	test.That(t, cfg.NumDisparities, test.ShouldEqual, 96)

	_, err = cfg.Apply(map[string]interface{}{"no_such_setting": 1})
	test.That(t, err, test.ShouldNotBeNil)
	kept, err := cfg.Apply(map[string]interface{}{"num_disparities": 17})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, kept, test.ShouldResemble, cfg)
	_, err = cfg.Apply(map[string]interface{}{"mode": "fast"})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestModeJSON(t *testing.T) {
	data, err := json.Marshal(DefaultConfig())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(data), test.ShouldContainSubstring, `"mode":"hh"`)
	var cfg Config
	test.That(t, json.Unmarshal(data, &cfg), test.ShouldBeNil)
	test.That(t, cfg, test.ShouldResemble, DefaultConfig())

	for _, m := range []Mode{ModeSGBM, ModeHH, ModeSGBM3Way, ModeBM} {
		parsed, err := ParseMode(m.String())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, parsed, test.ShouldEqual, m)
	}
	test.That(t, json.Unmarshal([]byte(`{"mode":"nope"}`), &cfg), test.ShouldNotBeNil)
}

func TestValidRect(t *testing.T) {
	cfg := DefaultConfig()
	test.That(t, ValidRect(image.Pt(320, 240), cfg), test.ShouldResemble, image.Rect(96, 1, 319, 239))
	cfg.MinDisparity, cfg.NumDisparities, cfg.BlockSize = 4, 16, 5
	test.That(t, ValidRect(image.Pt(100, 50), cfg), test.ShouldResemble, image.Rect(21, 2, 102, 48))
	test.That(t, ValidRect(image.Pt(90, 50), DefaultConfig()).Empty(), test.ShouldBeTrue)
}

func TestVisualize(t *testing.T) {
	d := NewDisparity(256, 256, 0)
	for i := range d.Data {
		d.Data[i] = int16(i - 32768)
	}
	for _, num := range []int{16, 96, 256} {
		vis, err := Visualize(d, num)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, vis.Channels, test.ShouldEqual, 1)
		prev := byte(0)
		for _, v := range vis.Pix {
			test.That(t, v, test.ShouldBeGreaterThanOrEqualTo, prev)
			prev = v
		}
	}

	small := NewDisparity(3, 1, 0)
	small.Data = []int16{-16, 16 * 48, 16 * 96}
	vis, err := Visualize(small, 96)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, vis.Pix, test.ShouldResemble, []byte{0, 128, 255})

	_, err = Visualize(small, 0)
	test.That(t, err, test.ShouldNotBeNil)

	colored, err := Colorize(small, 96)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, colored.Channels, test.ShouldEqual, 3)
	test.That(t, colored.Pix[:3], test.ShouldResemble, []byte{0, 0, 0})
	r, g, b := colored.RGB(2, 0)
	test.That(t, int(r)+int(g)+int(b), test.ShouldBeGreaterThan, 0)
}

func TestDisparityAccessors(t *testing.T) {
	d := NewDisparity(4, 3, 2)
	test.That(t, d.Invalid(), test.ShouldEqual, int16(16))
	_, ok := d.Pixels(1, 1)
	test.That(t, ok, test.ShouldBeFalse)
	d.Set(1, 1, 40)
	px, ok := d.Pixels(1, 1)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, px, test.ShouldEqual, 2.5)
	c := d.Crop(image.Rect(1, 1, 10, 2))
	test.That(t, c.Size(), test.ShouldResemble, image.Pt(3, 1))
	test.That(t, c.At(0, 0), test.ShouldEqual, int16(40))
}

// texture is a blocky deterministic pattern with enough contrast for matching.
func texture(x, y int) byte {
	h := uint32(x/2)*2654435761 ^ uint32(y/2)*2246822519
	h ^= h >> 15
	h *= 0x2c1b3c6d
	h ^= h >> 12
	return byte(30 + h%200)
}

// shiftedPair renders a right frame that sees the left frame shifted by disp pixels.
func shiftedPair(width, height, disp int) (*rimage.Frame, *rimage.Frame) {
	left := rimage.NewFrame(width, height, 1)
	right := rimage.NewFrame(width, height, 1)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			left.Set(x, y, 0, texture(x, y))
			right.Set(x, y, 0, texture(x+disp, y))
		}
	}
	return left, right
}

func TestComputeConstantShift(t *testing.T) {
	left, right := shiftedPair(160, 100, 12)
	for _, mode := range []Mode{ModeHH, ModeSGBM, ModeSGBM3Way, ModeBM} {
		t.Run(mode.String(), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.NumDisparities, cfg.Mode = 32, mode
			if mode == ModeBM {
				cfg.BlockSize = 7
			}
			disp, err := Compute(context.Background(), left, right, cfg)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, disp.Size(), test.ShouldResemble, image.Pt(160, 100))

			valid := ValidRect(disp.Size(), cfg)
			good, total := 0, 0
			for y := valid.Min.Y; y < valid.Max.Y; y++ {
				for x := valid.Min.X; x < valid.Max.X; x++ {
					total++
					if v := disp.At(x, y); v >= 12*16-8 && v <= 12*16+8 {
						good++
					}
				}
			}
			test.That(t, float64(good)/float64(total), test.ShouldBeGreaterThan, 0.9)
			// nothing to the left of the largest disparity can match
			test.That(t, disp.At(10, 50), test.ShouldEqual, disp.Invalid())
		})
	}
}

func TestComputeErrors(t *testing.T) {
	left, right := shiftedPair(80, 40, 4)
	cfg := DefaultConfig()
	cfg.NumDisparities = 16

	_, err := Compute(context.Background(), left, rimage.NewFrame(40, 40, 1), cfg)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = Compute(context.Background(), left, nil, cfg)
	test.That(t, err, test.ShouldNotBeNil)
	bad := cfg
	bad.BlockSize = 2
	_, err = Compute(context.Background(), left, right, bad)
	test.That(t, err, test.ShouldNotBeNil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Compute(ctx, left, right, cfg)
	test.That(t, err, test.ShouldBeError, context.Canceled)

	// a frame narrower than the disparity range yields no matches rather than an error
	narrowL, narrowR := shiftedPair(12, 10, 2)
	disp, err := Compute(context.Background(), narrowL, narrowR, cfg)
	test.That(t, err, test.ShouldBeNil)
	for _, v := range disp.Data {
		test.That(t, v, test.ShouldEqual, disp.Invalid())
	}
}

func TestFilterSpeckles(t *testing.T) {
	d := NewDisparity(20, 10, 0)
	for y := 0; y < 10; y++ {
		for x := 0; x < 12; x++ {
			d.Set(x, y, int16(160+x))
		}
	}
	// an isolated 2x2 blob and a step too large to join the region
	for _, p := range []image.Point{{15, 2}, {16, 2}, {15, 3}, {16, 3}} {
		d.Set(p.X, p.Y, 400)
	}
	d.Set(5, 5, 900)

	FilterSpeckles(d, 4, 32)
	test.That(t, d.At(0, 0), test.ShouldEqual, int16(160))
	test.That(t, d.At(11, 9), test.ShouldEqual, int16(171))
	test.That(t, d.At(15, 2), test.ShouldEqual, d.Invalid())
	test.That(t, d.At(16, 3), test.ShouldEqual, d.Invalid())
	test.That(t, d.At(5, 5), test.ShouldEqual, d.Invalid())
}

func TestReproject(t *testing.T) {
	d := NewDisparity(8, 6, 0)
	for i := range d.Data {
		d.Data[i] = 0
	}
	color := rimage.NewFrame(8, 6, 3)
	for i := range color.Pix {
		color.Pix[i] = byte(i)
	}

	cloud, err := Reproject(d, mat.NewDiagDense(4, []float64{1, 1, 1, 1}), color, d.Bounds())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cloud.Size(), test.ShouldEqual, 0)

	// with an identity matrix a point is (x, y, disparity)
	d.Set(3, 4, 2*16)  // all coordinates within 10: dropped
	d.Set(5, 2, 11*16) // z beyond 10: kept
	d.Set(6, 5, 16*16) // outside rect
	d.Set(1, 1, -16)   // the invalid marker is non-zero but lands within 10 too
	cloud, err = Reproject(d, mat.NewDiagDense(4, []float64{1, 1, 1, 1}), color, image.Rect(0, 0, 6, 5))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cloud.Size(), test.ShouldEqual, 1)
	p, c := cloud.At(0)
	test.That(t, p.X, test.ShouldEqual, float32(5))
	test.That(t, p.Y, test.ShouldEqual, float32(2))
	test.That(t, p.Z, test.ShouldEqual, float32(11))
	r, g, b := color.RGB(5, 2)
	test.That(t, []byte{c.R, c.G, c.B}, test.ShouldResemble, []byte{r, g, b})

	_, err = Reproject(d, mat.NewDense(3, 3, nil), color, d.Bounds())
	test.That(t, err, test.ShouldNotBeNil)
	_, err = Reproject(d, mat.NewDiagDense(4, []float64{1, 1, 1, 1}), rimage.NewFrame(2, 2, 3), d.Bounds())
	test.That(t, err, test.ShouldNotBeNil)
}

func TestRectifiedPlaneDepth(t *testing.T) {
	params := testutils.TestStereoParameters()
	size := image.Pt(320, 240)
	const depth = 0.6
	left, right := testutils.RenderStereoPlane(params, size, depth, 1)

	rect, err := transform.NewRectification(params, size)
	test.That(t, err, test.ShouldBeNil)
	rl, err := rimage.Remap(left, rect.Left)
	test.That(t, err, test.ShouldBeNil)
	rr, err := rimage.Remap(right, rect.Right)
	test.That(t, err, test.ShouldBeNil)

	cfg := DefaultConfig()
	cfg.NumDisparities, cfg.BlockSize = 48, 5
	cfg.P1, cfg.P2 = 8*25, 32*25
	disp, err := Compute(context.Background(), rl, rr, cfg)
	test.That(t, err, test.ShouldBeNil)

	region := ValidRect(size, cfg).Intersect(rect.CommonROI).Inset(10)
	var values []float64
	for y := region.Min.Y; y < region.Max.Y; y++ {
		for x := region.Min.X; x < region.Max.X; x++ {
			if v, ok := disp.Pixels(x, y); ok {
				values = append(values, v)
			}
		}
	}
	test.That(t, len(values), test.ShouldBeGreaterThan, region.Dx()*region.Dy()/2)
	sort.Float64s(values)
	median := values[len(values)/2]

	// Z = Q[2][3] / (d * Q[3][2]) for zero disparity at infinity
	z := rect.Q.At(2, 3) / (median * rect.Q.At(3, 2))
	test.That(t, z, test.ShouldAlmostEqual, depth, depth*0.05)
}
