package rimage

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"
)

// PixelFormat is a V4L2 style fourcc code.
type PixelFormat uint32

// FourCC builds a PixelFormat from its four character code.
func FourCC(code string) PixelFormat {
	if len(code) != 4 {
		panic(fmt.Sprintf("fourcc %q must be 4 characters", code))
	}
	return PixelFormat(uint32(code[0]) | uint32(code[1])<<8 | uint32(code[2])<<16 | uint32(code[3])<<24)
}

func (p PixelFormat) String() string {
	return string([]byte{byte(p), byte(p >> 8), byte(p >> 16), byte(p >> 24)})
}

// MarshalText implements encoding.TextMarshaler with the four character code.
func (p PixelFormat) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *PixelFormat) UnmarshalText(text []byte) error {
	if len(text) != 4 {
		return errors.Errorf("pixel format %q must be a 4 character code", text)
	}
	*p = FourCC(string(text))
	return nil
}

// Supported raw formats.
var (
	PixelFormatMJPEG = FourCC("MJPG")
	PixelFormatJPEG  = FourCC("JPEG")
	PixelFormatYUYV  = FourCC("YUYV")
	PixelFormatGrey  = FourCC("GREY")
	PixelFormatRGB24 = FourCC("RGB3")
	PixelFormatBGR24 = FourCC("BGR3")
)

// CanDecode reports whether DecodeRaw understands the format.
func CanDecode(format PixelFormat) bool {
	switch format {
	case PixelFormatMJPEG, PixelFormatJPEG, PixelFormatYUYV, PixelFormatGrey, PixelFormatRGB24, PixelFormatBGR24:
		return true
	}
	return false
}

// DecodeRaw turns a device buffer into a frame. The returned frame never aliases data.
func DecodeRaw(format PixelFormat, width, height int, data []byte) (*Frame, error) {
	switch format {
	case PixelFormatMJPEG, PixelFormatJPEG:
		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, errors.Wrap(err, "decoding mjpeg frame")
		}
		if _, ok := img.(*image.Gray); ok {
			return FrameFromImage(img), nil
		}
		rgba := image.NewRGBA(img.Bounds())
		draw.Copy(rgba, image.Point{}, img, img.Bounds(), draw.Src, nil)
		return FrameFromImage(rgba), nil
	case PixelFormatYUYV:
		return decodeYUYV(width, height, data)
	case PixelFormatGrey:
		if len(data) < width*height {
			return nil, errors.Errorf("short GREY buffer: %d < %d", len(data), width*height)
		}
		pix := make([]byte, width*height)
		copy(pix, data)
		return NewFrameFromBytes(width, height, 1, pix)
	case PixelFormatRGB24, PixelFormatBGR24:
		n := width * height * 3
		if len(data) < n {
			return nil, errors.Errorf("short %s buffer: %d < %d", format, len(data), n)
		}
		pix := make([]byte, n)
		copy(pix, data)
		if format == PixelFormatBGR24 {
			for i := 0; i < n; i += 3 {
				pix[i], pix[i+2] = pix[i+2], pix[i]
			}
		}
		return NewFrameFromBytes(width, height, 3, pix)
	}
	return nil, errors.Errorf("unsupported pixel format %s", format)
}

// decodeYUYV unpacks interleaved 4:2:2 (Y0 U Y1 V) into planes and converts to RGB.
func decodeYUYV(width, height int, data []byte) (*Frame, error) {
	if width%2 != 0 {
		return nil, errors.Errorf("YUYV width must be even, got %d", width)
	}
	if len(data) < width*height*2 {
		return nil, errors.Errorf("short YUYV buffer: %d < %d", len(data), width*height*2)
	}
	ycbcr := image.NewYCbCr(image.Rect(0, 0, width, height), image.YCbCrSubsampleRatio422)
	for y := 0; y < height; y++ {
		row := data[y*width*2 : (y+1)*width*2]
		yRow := ycbcr.Y[y*ycbcr.YStride:]
		cRow := y * ycbcr.CStride
		for x := 0; x < width; x += 2 {
			i := x * 2
			yRow[x] = row[i]
			yRow[x+1] = row[i+2]
			ycbcr.Cb[cRow+x/2] = row[i+1]
			ycbcr.Cr[cRow+x/2] = row[i+3]
		}
	}
	rgba := image.NewRGBA(ycbcr.Bounds())
	draw.Copy(rgba, image.Point{}, ycbcr, ycbcr.Bounds(), draw.Src, nil)
	return FrameFromImage(rgba), nil
}

// EncodeJPEG encodes f as a JPEG at the given quality.
func EncodeJPEG(f *Frame, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, f.ToImage(), &jpeg.Options{Quality: quality}); err != nil {
		return nil, errors.Wrap(err, "encoding jpeg")
	}
	return buf.Bytes(), nil
}

// EncodePNG encodes f as a PNG.
func EncodePNG(f *Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, f.ToImage()); err != nil {
		return nil, errors.Wrap(err, "encoding png")
	}
	return buf.Bytes(), nil
}
