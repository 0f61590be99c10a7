// Package stereo computes dense disparity from a rectified image pair with block or semi-global
// matching and turns disparity into visualizations and point clouds.
package stereo

import (
	"image"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
)

// Mode selects the matching algorithm.
type Mode int

const (
	// ModeSGBM aggregates costs along five directions in a single pass.
	ModeSGBM Mode = iota
	// ModeHH aggregates costs along all eight directions in two passes.
	ModeHH
	// ModeSGBM3Way is accepted for compatibility and runs as ModeSGBM.
	ModeSGBM3Way
	// ModeBM is plain block matching without smoothness terms.
	ModeBM
)

var modeNames = map[Mode]string{
	ModeSGBM:     "sgbm",
	ModeHH:       "hh",
	ModeSGBM3Way: "sgbm_3way",
	ModeBM:       "bm",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return "unknown"
}

// ParseMode returns the mode with the given name, ignoring case.
func ParseMode(name string) (Mode, error) {
	for m, n := range modeNames {
		if strings.EqualFold(n, name) {
			return m, nil
		}
	}
	return 0, errors.Errorf("unknown matcher mode %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	if _, ok := modeNames[m]; !ok {
		return nil, errors.Errorf("unknown matcher mode %d", int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Config holds every tunable of the matcher. A Config is a value; callers share it by copying.
type Config struct {
	MinDisparity   int `json:"min_disparity"`
	NumDisparities int `json:"num_disparities"`
	BlockSize      int `json:"block_size"`
	// P1 and P2 penalize disparity changes of one and of more than one between neighbors.
	P1            int `json:"p1"`
	P2            int `json:"p2"`
	Disp12MaxDiff int `json:"disp12_max_diff"`
	PreFilterCap  int `json:"pre_filter_cap"`
	// UniquenessRatio is the margin, in percent, by which the best cost must beat the runner up.
	UniquenessRatio   int  `json:"uniqueness_ratio"`
	SpeckleWindowSize int  `json:"speckle_window_size"`
	SpeckleRange      int  `json:"speckle_range"`
	Mode              Mode `json:"mode"`
}

// DefaultConfig is tuned for single channel 8-bit frames.
func DefaultConfig() Config {
	const (
		blockSize = 3
		channels  = 1
	)
	return Config{
		MinDisparity:      0,
		NumDisparities:    96,
		BlockSize:         blockSize,
		P1:                8 * channels * blockSize * blockSize,
		P2:                32 * channels * blockSize * blockSize,
		Disp12MaxDiff:     1,
		PreFilterCap:      63,
		UniquenessRatio:   10,
		SpeckleWindowSize: 100,
		SpeckleRange:      32,
		Mode:              ModeHH,
	}
}

// Validate ensures all parts of the config are valid.
func (cfg Config) Validate() error {
	switch {
	case cfg.NumDisparities <= 0 || cfg.NumDisparities%16 != 0:
		return errors.Errorf("num_disparities must be a positive multiple of 16, got %d", cfg.NumDisparities)
	case cfg.BlockSize < 1 || cfg.BlockSize%2 == 0:
		return errors.Errorf("block_size must be odd and positive, got %d", cfg.BlockSize)
	case cfg.P1 < 0 || cfg.P2 < 0:
		return errors.New("p1 and p2 must not be negative")
	case cfg.Mode != ModeBM && cfg.P2 <= cfg.P1:
		return errors.Errorf("p2 (%d) must be greater than p1 (%d)", cfg.P2, cfg.P1)
	case cfg.PreFilterCap < 1 || cfg.PreFilterCap > 63:
		return errors.Errorf("pre_filter_cap must be in [1, 63], got %d", cfg.PreFilterCap)
	case cfg.UniquenessRatio < 0 || cfg.UniquenessRatio >= 100:
		return errors.Errorf("uniqueness_ratio must be in [0, 100), got %d", cfg.UniquenessRatio)
	case cfg.SpeckleWindowSize < 0 || cfg.SpeckleRange < 0:
		return errors.New("speckle_window_size and speckle_range must not be negative")
	}
	if _, ok := modeNames[cfg.Mode]; !ok {
		return errors.Errorf("unknown matcher mode %d", int(cfg.Mode))
	}
	return nil
}

// Apply returns a copy of cfg with the fields named in patch (by their json names) replaced. The
// result is validated; cfg itself is never modified.
func (cfg Config) Apply(patch map[string]interface{}) (Config, error) {
	out := cfg
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &out,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.TextUnmarshallerHookFunc(),
	})
	if err != nil {
		return cfg, errors.Wrap(err, "error creating decoder")
	}
	if err := decoder.Decode(patch); err != nil {
		return cfg, errors.Wrap(err, "error decoding matcher settings")
	}
	if err := out.Validate(); err != nil {
		return cfg, err
	}
	return out, nil
}

// maxDisparity is the largest disparity searched.
func (cfg Config) maxDisparity() int {
	return cfg.MinDisparity + cfg.NumDisparities - 1
}

// ValidRect is the part of a disparity map of the given size that the matcher can fill: columns
// left of the largest disparity have no match and the block needs a half window on every side.
func ValidRect(size image.Point, cfg Config) image.Rectangle {
	half := cfg.BlockSize / 2
	// not image.Rect, which would swap inverted bounds
	r := image.Rectangle{
		Min: image.Pt(cfg.maxDisparity()+half, half),
		Max: image.Pt(size.X+cfg.MinDisparity-half, size.Y-half),
	}
	if r.Empty() {
		return image.Rectangle{}
	}
	return r
}
