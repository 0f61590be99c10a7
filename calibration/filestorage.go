package calibration

import (
	"bytes"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"
)

const (
	yamlHeader   = "%YAML:1.0\n---\n"
	matrixTag    = "!!opencv-matrix"
	doubleMarker = "d"
)

// fileStorage is an ordered set of named matrices as found in OpenCV FileStorage files.
type fileStorage struct {
	keys     []string
	matrices map[string]*mat.Dense
}

func newFileStorage() *fileStorage {
	return &fileStorage{matrices: map[string]*mat.Dense{}}
}

func (fs *fileStorage) set(key string, m *mat.Dense) {
	if _, ok := fs.matrices[key]; !ok {
		fs.keys = append(fs.keys, key)
	}
	fs.matrices[key] = m
}

// matrix returns the matrix stored under key after checking its shape. Vectors are accepted in
// either orientation and with fewer elements than requested, missing ones being zero.
func (fs *fileStorage) matrix(key string, rows, cols int) (*mat.Dense, error) {
	m, ok := fs.matrices[key]
	if !ok {
		return nil, errors.Errorf("missing %q", key)
	}
	r, c := m.Dims()
	if r == rows && c == cols {
		return m, nil
	}
	if cols == 1 && (r == 1 || c == 1) && r*c <= rows {
		out := mat.NewDense(rows, 1, nil)
		for i := 0; i < r*c; i++ {
			out.Set(i, 0, m.RawMatrix().Data[i])
		}
		return out, nil
	}
	return nil, errors.Errorf("%q must be %dx%d, got %dx%d", key, rows, cols, r, c)
}

func readFileStorage(path string) (*fileStorage, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return decodeJSONStorage(data)
	case ".yml", ".yaml":
		return decodeYAMLStorage(data)
	default:
		return nil, errors.Errorf("unsupported calibration file extension %q", filepath.Ext(path))
	}
}

func (fs *fileStorage) write(path string) error {
	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = fs.encodeJSON()
	case ".yml", ".yaml":
		data, err = fs.encodeYAML()
	default:
		return errors.Errorf("unsupported calibration file extension %q", filepath.Ext(path))
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// decodeYAMLStorage reads the YAML flavour written by OpenCV, which starts with a non standard
// "%YAML:1.0" directive and tags matrices with !!opencv-matrix.
func decodeYAMLStorage(data []byte) (*fileStorage, error) {
	if bytes.HasPrefix(data, []byte("%YAML:")) {
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			data = data[i+1:]
		} else {
			data = nil
		}
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "parsing calibration yaml")
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) != 1 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, errors.New("calibration yaml must be a mapping")
	}
	fs := newFileStorage()
	root := doc.Content[0]
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, value := root.Content[i].Value, root.Content[i+1]
		if value.Kind != yaml.MappingNode {
			continue
		}
		m, err := decodeYAMLMatrix(value)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %q", key)
		}
		fs.set(key, m)
	}
	return fs, nil
}

func decodeYAMLMatrix(n *yaml.Node) (*mat.Dense, error) {
	rows, cols := -1, -1
	var data []float64
	for i := 0; i+1 < len(n.Content); i += 2 {
		key, value := n.Content[i].Value, n.Content[i+1]
		var err error
		switch key {
		case "rows":
			rows, err = strconv.Atoi(value.Value)
		case "cols":
			cols, err = strconv.Atoi(value.Value)
		case "dt":
			if value.Value != doubleMarker && value.Value != "f" {
				return nil, errors.Errorf("unsupported element type %q", value.Value)
			}
		case "data":
			if value.Kind != yaml.SequenceNode {
				return nil, errors.New("matrix data must be a sequence")
			}
			for _, item := range value.Content {
				v, err := parseYAMLFloat(item.Value)
				if err != nil {
					return nil, errors.Wrapf(err, "matrix element %q", item.Value)
				}
				data = append(data, v)
			}
		}
		if err != nil {
			return nil, errors.Wrapf(err, "matrix %s", key)
		}
	}
	if rows <= 0 || cols <= 0 {
		return nil, errors.New("matrix rows and cols must be positive")
	}
	if len(data) != rows*cols {
		return nil, errors.Errorf("matrix is %dx%d but has %d elements", rows, cols, len(data))
	}
	return mat.NewDense(rows, cols, data), nil
}

// parseYAMLFloat also accepts the .nan and .inf spellings OpenCV writes.
func parseYAMLFloat(s string) (float64, error) {
	switch strings.ToLower(s) {
	case ".nan":
		return math.NaN(), nil
	case ".inf", "+.inf":
		return math.Inf(1), nil
	case "-.inf":
		return math.Inf(-1), nil
	}
	return strconv.ParseFloat(s, 64)
}

func scalarNode(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Value: v}
}

func (fs *fileStorage) encodeYAML() ([]byte, error) {
	root := &yaml.Node{Kind: yaml.MappingNode}
	for _, key := range fs.keys {
		m := fs.matrices[key]
		r, c := m.Dims()
		data := &yaml.Node{Kind: yaml.SequenceNode, Style: yaml.FlowStyle}
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				data.Content = append(data.Content, scalarNode(strconv.FormatFloat(m.At(i, j), 'g', -1, 64)))
			}
		}
		value := &yaml.Node{
			Kind: yaml.MappingNode,
			Tag:  matrixTag,
			Content: []*yaml.Node{
				scalarNode("rows"), scalarNode(strconv.Itoa(r)),
				scalarNode("cols"), scalarNode(strconv.Itoa(c)),
				scalarNode("dt"), scalarNode(doubleMarker),
				scalarNode("data"), data,
			},
		}
		root.Content = append(root.Content, scalarNode(key), value)
	}

	var buf bytes.Buffer
	buf.WriteString(yamlHeader)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(3)
	if err := enc.Encode(root); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type jsonMatrix struct {
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float64 `json:"data"`
}

func decodeJSONStorage(data []byte) (*fileStorage, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "parsing calibration json")
	}
	fs := newFileStorage()
	for key, value := range raw {
		var jm jsonMatrix
		if err := json.Unmarshal(value, &jm); err != nil {
			continue
		}
		if jm.Rows <= 0 || jm.Cols <= 0 || len(jm.Data) != jm.Rows*jm.Cols {
			return nil, errors.Errorf("%q is not a valid %dx%d matrix", key, jm.Rows, jm.Cols)
		}
		fs.set(key, mat.NewDense(jm.Rows, jm.Cols, jm.Data))
	}
	return fs, nil
}

func (fs *fileStorage) encodeJSON() ([]byte, error) {
	out := make(map[string]jsonMatrix, len(fs.keys))
	for _, key := range fs.keys {
		m := fs.matrices[key]
		r, c := m.Dims()
		out[key] = jsonMatrix{Rows: r, Cols: c, Data: mat.DenseCopyOf(m).RawMatrix().Data}
	}
	return json.MarshalIndent(out, "", "  ")
}
