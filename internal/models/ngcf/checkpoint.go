package ngcf

import (
	"bytes"
	"encoding/gob"
	"os"
	"path/filepath"
	"slices"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

type layerState struct {
	W1, W2 []float64
	B1, B2 []float64
}

type checkpoint struct {
	NUsers, NItems int
	Dims           []int
	Embedding      []float64
	Layers         []layerState
}

// Save writes the model parameters as a snappy-compressed gob. Optimizer
// state is not kept.
func (e *Engine) Save(path string) error {
	cp := checkpoint{
		NUsers:    e.cfg.NUsers,
		NItems:    e.cfg.NItems,
		Dims:      e.dims,
		Embedding: e.emb.RawMatrix().Data,
	}
	for _, l := range e.layers {
		cp.Layers = append(cp.Layers, layerState{
			W1: l.W1.RawMatrix().Data,
			W2: l.W2.RawMatrix().Data,
			B1: l.B1,
			B2: l.B2,
		})
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&cp); err != nil {
		return errors.Wrap(err, "failed to encode model")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create %s", filepath.Dir(path))
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, snappy.Encode(nil, buf.Bytes()), 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %s", tmp)
	}
	return errors.Wrapf(os.Rename(tmp, path), "failed to move model into %s", path)
}

// Load restores parameters saved by an engine of the same architecture
func (e *Engine) Load(path string) error {
	compressed, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read model %s", path)
	}
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return errors.Wrapf(err, "failed to decompress model %s", path)
	}
	var cp checkpoint
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&cp); err != nil {
		return errors.Wrapf(err, "failed to decode model %s", path)
	}

	if cp.NUsers != e.cfg.NUsers || cp.NItems != e.cfg.NItems || !slices.Equal(cp.Dims, e.dims) {
		return errors.Errorf("model %s has %d users, %d items, dims %v; engine has %d, %d, %v",
			path, cp.NUsers, cp.NItems, cp.Dims, e.cfg.NUsers, e.cfg.NItems, e.dims)
	}
	n := e.numNodes()
	if len(cp.Embedding) != n*e.dims[0] || len(cp.Layers) != len(e.layers) {
		return errors.Errorf("model %s is truncated", path)
	}

	layers := make([]layer, len(cp.Layers))
	for k, ls := range cp.Layers {
		in, out := e.dims[k], e.dims[k+1]
		if len(ls.W1) != in*out || len(ls.W2) != in*out || len(ls.B1) != out || len(ls.B2) != out {
			return errors.Errorf("model %s: layer %d has wrong shape", path, k)
		}
		layers[k] = layer{
			W1: mat.NewDense(in, out, ls.W1),
			W2: mat.NewDense(in, out, ls.W2),
			B1: ls.B1,
			B2: ls.B2,
		}
	}
	e.emb = mat.NewDense(n, e.dims[0], cp.Embedding)
	e.layers = layers
	// moments refer to the old buffers
	if o, ok := e.opt.(*adam); ok {
		o.m, o.v, o.t = nil, nil, 0
	}
	return nil
}
