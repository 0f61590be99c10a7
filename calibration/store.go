package calibration

import (
	"image"
	"sync"

	"github.com/pkg/errors"

	"go.viam.com/stereocam/rimage"
	"go.viam.com/stereocam/rimage/transform"
)

// sizeCache remembers one value computed for a frame size.
type sizeCache[T any] struct {
	valid    bool
	size     image.Point
	value    T
	computed int
}

func (c *sizeCache[T]) get(size image.Point, compute func() (T, error)) (T, error) {
	if c.valid && c.size == size {
		return c.value, nil
	}
	v, err := compute()
	if err != nil {
		var zero T
		return zero, err
	}
	c.valid, c.size, c.value = true, size, v
	c.computed++
	return v, nil
}

func (c *sizeCache[T]) reset() {
	var zero T
	c.valid, c.value = false, zero
}

// StereoStore holds the stereo calibration in use and the rectification derived from it. The
// rectification is recomputed only when the frame size changes or a new calibration is loaded.
type StereoStore struct {
	mu     sync.Mutex
	stereo *Stereo
	cache  sizeCache[*transform.Rectification]
}

// Load reads path and, only if it is a complete and valid stereo calibration, replaces the one in
// use. On error the store is left untouched.
func (s *StereoStore) Load(path string) error {
	loaded, err := LoadStereo(path)
	if err != nil {
		return err
	}
	s.Set(loaded)
	return nil
}

// Set replaces the calibration in use.
func (s *StereoStore) Set(stereo *Stereo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stereo = stereo.Clone()
	s.cache.reset()
}

// Loaded reports whether a calibration is in use.
func (s *StereoStore) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stereo != nil
}

// Stereo returns a copy of the calibration in use, or nil.
func (s *StereoStore) Stereo() *Stereo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stereo == nil {
		return nil
	}
	return s.stereo.Clone()
}

// Rectification returns the rectification for frames of the given size. The result is shared and
// must not be modified.
func (s *StereoStore) Rectification(size image.Point) (*transform.Rectification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stereo == nil {
		return nil, errors.New("no stereo calibration loaded")
	}
	return s.cache.get(size, func() (*transform.Rectification, error) {
		return transform.NewRectification(s.stereo.Params(), size)
	})
}

// Computations reports how many times a rectification was computed.
func (s *StereoStore) Computations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.computed
}

// MonoStore holds a single camera calibration and the undistortion map derived from it.
type MonoStore struct {
	mu    sync.Mutex
	mono  *Mono
	cache sizeCache[*rimage.RemapTable]
}

// Load reads path and, only if it is a complete and valid calibration, replaces the one in use.
func (s *MonoStore) Load(path string) error {
	loaded, err := LoadMono(path)
	if err != nil {
		return err
	}
	s.Set(loaded)
	return nil
}

// Set replaces the calibration in use.
func (s *MonoStore) Set(mono *Mono) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *mono
	s.mono = &cp
	s.cache.reset()
}

// Mono returns a copy of the calibration in use, or nil.
func (s *MonoStore) Mono() *Mono {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mono == nil {
		return nil
	}
	cp := *s.mono
	return &cp
}

// Undistortion returns the undistortion map for frames of the given size.
func (s *MonoStore) Undistortion(size image.Point) (*rimage.RemapTable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mono == nil {
		return nil, errors.New("no calibration loaded")
	}
	return s.cache.get(size, func() (*rimage.RemapTable, error) {
		return transform.NewUndistortion(s.mono.CameraMatrix, s.mono.DistCoeffs, size)
	})
}

// Computations reports how many times an undistortion map was computed.
func (s *MonoStore) Computations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.computed
}
