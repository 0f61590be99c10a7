package pointcloud

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/edaniels/lidario"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// PCDType is the format of a pcd file.
type PCDType int

const (
	// PCDAscii ascii format for pcd.
	PCDAscii PCDType = 0
	// PCDBinary binary format for pcd.
	PCDBinary PCDType = 1
)

// WriteToFile writes the cloud in the format named by the extension of fn: .pcd (binary) or .las.
func WriteToFile(cloud *Cloud, fn string) (err error) {
	switch strings.ToLower(filepath.Ext(fn)) {
	case ".pcd":
	case ".las":
		return WriteToLASFile(cloud, fn)
	default:
		return errors.Errorf("do not know how to write file %q", fn)
	}
	//nolint:gosec
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	w := bufio.NewWriter(f)
	if err := ToPCD(cloud, w, PCDBinary); err != nil {
		return err
	}
	return w.Flush()
}

// WriteToLASFile writes the cloud out to a LAS file with RGB point records.
func WriteToLASFile(cloud *Cloud, fn string) (err error) {
	lf, err := lidario.NewLasFile(fn, "w")
	if err != nil {
		return
	}
	defer func() {
		err = multierr.Combine(err, lf.Close())
	}()

	if err = lf.AddHeader(lidario.LasHeader{PointFormatID: 2}); err != nil {
		return
	}
	cloud.Iterate(func(p Point, c Color) bool {
		pr0 := &lidario.PointRecord0{
			X: float64(p.X),
			Y: float64(p.Y),
			Z: float64(p.Z),
			BitField: lidario.PointBitField{
				Value: (1) | (1 << 3),
			},
			PointSourceID: 1,
		}
		err = lf.AddLasPoint(&lidario.PointRecord2{
			PointRecord0: pr0,
			RGB: &lidario.RgbData{
				Red:   uint16(c.R) * 256,
				Green: uint16(c.G) * 256,
				Blue:  uint16(c.B) * 256,
			},
		})
		return err == nil
	})
	return
}

func colorToPCDInt(c Color) int {
	return int(c.R)<<16 | int(c.G)<<8 | int(c.B)
}

func pcdIntToColor(c int) Color {
	return Color{R: uint8(0xFF & (c >> 16)), G: uint8(0xFF & (c >> 8)), B: uint8(0xFF & c)}
}

// ToPCD writes the cloud as an unorganized PCD with packed rgb.
func ToPCD(cloud *Cloud, out io.Writer, outputType PCDType) error {
	var data string
	switch outputType {
	case PCDAscii:
		data = "ascii"
	case PCDBinary:
		data = "binary"
	default:
		return errors.Errorf("unsupported pcd type %d", outputType)
	}
	_, err := fmt.Fprintf(out, "VERSION .7\n"+
		"FIELDS x y z rgb\n"+
		"SIZE 4 4 4 4\n"+
		"TYPE F F F I\n"+
		"COUNT 1 1 1 1\n"+
		"WIDTH %d\n"+
		"HEIGHT %d\n"+
		"VIEWPOINT 0 0 0 1 0 0 0\n"+
		"POINTS %d\n"+
		"DATA %s\n",
		cloud.Size(),
		1,
		cloud.Size(),
		data)
	if err != nil {
		return err
	}
	return writePCDData(cloud, out, outputType)
}

func writePCDData(cloud *Cloud, out io.Writer, pcdtype PCDType) error {
	var err error
	buf := make([]byte, 16)
	cloud.Iterate(func(p Point, col Color) bool {
		c := colorToPCDInt(col)
		switch pcdtype {
		case PCDBinary:
			binary.LittleEndian.PutUint32(buf, math.Float32bits(p.X))
			binary.LittleEndian.PutUint32(buf[4:], math.Float32bits(p.Y))
			binary.LittleEndian.PutUint32(buf[8:], math.Float32bits(p.Z))
			binary.LittleEndian.PutUint32(buf[12:], uint32(c))
			_, err = out.Write(buf)
		case PCDAscii:
			_, err = fmt.Fprintf(out, "%f %f %f %d\n", p.X, p.Y, p.Z, c)
		}
		return err == nil
	})
	return err
}

type pcdHeader struct {
	fields []string
	points uint64
	data   PCDType
}

const pcdCommentChar = "#"

var pcdHeaderFields = []string{"VERSION", "FIELDS", "SIZE", "TYPE", "COUNT", "WIDTH", "HEIGHT", "VIEWPOINT", "POINTS", "DATA"}

func parsePCDHeaderLine(line string, index int, header *pcdHeader) error {
	var err error
	name := pcdHeaderFields[index]
	field, value, _ := strings.Cut(line, " ")
	if field != name {
		return fmt.Errorf("line is supposed to start with %s but is %s", name, line)
	}

	switch name {
	case "VERSION":
		if value != ".7" && value != "0.7" {
			return fmt.Errorf("unsupported pcd version %s", value)
		}
	case "FIELDS":
		header.fields = strings.Fields(value)
		if len(header.fields) < 3 || header.fields[0] != "x" || header.fields[1] != "y" || header.fields[2] != "z" {
			return fmt.Errorf("unsupported pcd fields %s", value)
		}
		if len(header.fields) > 4 || (len(header.fields) == 4 && header.fields[3] != "rgb") {
			return fmt.Errorf("unsupported pcd fields %s", value)
		}
	case "SIZE":
		for _, token := range strings.Fields(value) {
			if token != "4" {
				return fmt.Errorf("unsupported SIZE field %s", token)
			}
		}
	case "POINTS":
		header.points, err = strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid POINTS field %s: %w", value, err)
		}
	case "DATA":
		switch value {
		case "ascii":
			header.data = PCDAscii
		case "binary":
			header.data = PCDBinary
		default:
			return fmt.Errorf("unsupported pcd data type %s", value)
		}
	}
	return nil
}

// ReadPCD reads an unorganized PCD with x y z and optionally rgb fields.
func ReadPCD(inRaw io.Reader) (*Cloud, error) {
	header := pcdHeader{}
	in := bufio.NewReader(inRaw)
	headerLineCount := 0
	for headerLineCount < len(pcdHeaderFields) {
		line, err := in.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("error reading header line %d: %w", headerLineCount, err)
		}
		line, _, _ = strings.Cut(line, pcdCommentChar)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := parsePCDHeaderLine(line, headerLineCount, &header); err != nil {
			return nil, err
		}
		headerLineCount++
	}
	if header.data == PCDBinary {
		return readPCDBinary(in, header)
	}
	return readPCDAscii(in, header)
}

func readPCDAscii(in *bufio.Reader, header pcdHeader) (*Cloud, error) {
	pc := New(int(header.points))
	for i := 0; i < int(header.points); i++ {
		line, err := in.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return nil, err
		}
		tokens := strings.Fields(line)
		if len(tokens) != len(header.fields) {
			return nil, fmt.Errorf("unexpected number of fields in point %d", i)
		}
		var v [4]float64
		for j, token := range tokens {
			v[j], err = strconv.ParseFloat(token, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid point %d field %s: %w", i, token, err)
			}
		}
		var c Color
		if len(tokens) == 4 {
			c = pcdIntToColor(int(v[3]))
		}
		pc.Append(Point{X: float32(v[0]), Y: float32(v[1]), Z: float32(v[2])}, c)
	}
	return pc, nil
}

func readPCDBinary(in *bufio.Reader, header pcdHeader) (*Cloud, error) {
	pc := New(int(header.points))
	buf := make([]byte, 4*len(header.fields))
	for i := 0; i < int(header.points); i++ {
		if _, err := io.ReadFull(in, buf); err != nil {
			return nil, fmt.Errorf("reading point %d: %w", i, err)
		}
		p := Point{
			X: math.Float32frombits(binary.LittleEndian.Uint32(buf)),
			Y: math.Float32frombits(binary.LittleEndian.Uint32(buf[4:])),
			Z: math.Float32frombits(binary.LittleEndian.Uint32(buf[8:])),
		}
		var c Color
		if len(header.fields) == 4 {
			c = pcdIntToColor(int(binary.LittleEndian.Uint32(buf[12:])))
		}
		pc.Append(p, c)
	}
	return pc, nil
}
