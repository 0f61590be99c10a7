package pointcloud

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func testCloud() *Cloud {
	c := New(3)
	c.Append(Point{X: 1.5, Y: -2, Z: 30}, Color{R: 255, G: 10, B: 1})
	c.Append(Point{X: -0.25, Y: 0.125, Z: 12.5}, Color{R: 0, G: 128, B: 64})
	c.Append(Point{X: 100, Y: 4, Z: -11}, Color{})
	return c
}

func TestCloudCopies(t *testing.T) {
	c := testCloud()
	test.That(t, c.Size(), test.ShouldEqual, 3)
	pts := c.Points()
	pts[0].X = 99
	p, col := c.At(0)
	test.That(t, p.X, test.ShouldEqual, float32(1.5))
	test.That(t, col, test.ShouldResemble, Color{R: 255, G: 10, B: 1})
	test.That(t, len(c.Colors()), test.ShouldEqual, 3)

	lo, hi, ok := c.Bounds()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, lo, test.ShouldResemble, r3.Vector{X: -0.25, Y: -2, Z: -11})
	test.That(t, hi, test.ShouldResemble, r3.Vector{X: 100, Y: 4, Z: 30})

	var empty *Cloud
	test.That(t, empty.Size(), test.ShouldEqual, 0)
	test.That(t, empty.Points(), test.ShouldBeNil)
	_, _, ok = New(0).Bounds()
	test.That(t, ok, test.ShouldBeFalse)

	_, err := NewFromSlices([]Point{{}}, nil)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestPCD(t *testing.T) {
	cloud := testCloud()
	for _, typ := range []PCDType{PCDAscii, PCDBinary} {
		var buf bytes.Buffer
		test.That(t, ToPCD(cloud, &buf, typ), test.ShouldBeNil)
		header := buf.String()
		test.That(t, header, test.ShouldStartWith, "VERSION .7\nFIELDS x y z rgb\n")
		test.That(t, header, test.ShouldContainSubstring, "POINTS 3\n")

		read, err := ReadPCD(&buf)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, read.Size(), test.ShouldEqual, 3)
		for i := 0; i < 3; i++ {
			want, wantColor := cloud.At(i)
			got, gotColor := read.At(i)
			test.That(t, got.X, test.ShouldAlmostEqual, want.X, 1e-5)
			test.That(t, got.Y, test.ShouldAlmostEqual, want.Y, 1e-5)
			test.That(t, got.Z, test.ShouldAlmostEqual, want.Z, 1e-5)
			test.That(t, gotColor, test.ShouldResemble, wantColor)
		}
	}

	var buf bytes.Buffer
	test.That(t, ToPCD(New(0), &buf, PCDAscii), test.ShouldBeNil)
	test.That(t, buf.String(), test.ShouldEndWith, "POINTS 0\nDATA ascii\n")
	test.That(t, ToPCD(cloud, &buf, PCDType(7)), test.ShouldNotBeNil)

	_, err := ReadPCD(strings.NewReader("VERSION .7\nFIELDS x y\n"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestWriteToFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cloud.pcd")
	test.That(t, WriteToFile(testCloud(), path), test.ShouldBeNil)
	f, err := os.Open(path)
	test.That(t, err, test.ShouldBeNil)
	defer f.Close()
	read, err := ReadPCD(f)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, read.Points(), test.ShouldResemble, testCloud().Points())

	test.That(t, WriteToFile(testCloud(), filepath.Join(dir, "cloud.las")), test.ShouldBeNil)
	info, err := os.Stat(filepath.Join(dir, "cloud.las"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, info.Size(), test.ShouldBeGreaterThan, 0)

	test.That(t, WriteToFile(testCloud(), filepath.Join(dir, "cloud.xyz")), test.ShouldNotBeNil)
}
