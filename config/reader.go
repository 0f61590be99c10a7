package config

import (
	"bytes"
	"encoding/json"
	"io"
	"path/filepath"

	"github.com/a8m/envsubst"
	"github.com/pkg/errors"
)

// Read reads a config from the given file. Environment variables in the file are expanded.
func Read(filePath string) (*Config, error) {
	buf, err := envsubst.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return FromReader(filePath, bytes.NewReader(buf))
}

// FromReader reads a config from the given reader and specifies
// where, if applicable, the file the reader originated from. Relative
// paths in the config are resolved against that file's directory.
func FromReader(originalPath string, r io.Reader) (*Config, error) {
	cfg := Config{ConfigFilePath: originalPath}
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode Config from json")
	}
	if originalPath != "" {
		dir := filepath.Dir(originalPath)
		for _, p := range []*string{
			&cfg.Left.Calibration,
			&cfg.Right.Calibration,
			&cfg.Depth.Calibration,
			&cfg.Depth.MatcherFile,
			&cfg.SnapshotDir,
			&cfg.LogFile,
		} {
			*p = resolve(dir, *p)
		}
	}
	if err := cfg.Ensure(); err != nil {
		return nil, errors.Wrap(err, "failed to validate Config")
	}
	return &cfg, nil
}

func resolve(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

// ReadMatcherPatch reads a JSON object of matcher settings keyed by their json names.
func ReadMatcherPatch(path string) (map[string]interface{}, error) {
	buf, err := envsubst.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var patch map[string]interface{}
	if err := json.Unmarshal(buf, &patch); err != nil {
		return nil, errors.Wrapf(err, "decoding matcher settings %q", path)
	}
	return patch, nil
}
