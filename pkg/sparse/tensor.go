package sparse

import (
	"github.com/pkg/errors"
)

// Tensor is the sparse tensor layout consumed by the model engine: an index
// tensor of shape [2, nnz] (rows then columns), a float32 value tensor of
// length nnz and the dense shape.
type Tensor struct {
	Indices [2][]int64
	Values  []float32
	Shape   [2]int
}

// ToTensor converts a coordinate-format matrix into a sparse tensor.
// Entries keep their order; values are narrowed to float32.
func ToTensor(m *COO) *Tensor {
	nnz := m.NNZ()
	t := &Tensor{
		Indices: [2][]int64{make([]int64, nnz), make([]int64, nnz)},
		Values:  make([]float32, nnz),
		Shape:   [2]int{m.Rows, m.Cols},
	}
	for i := 0; i < nnz; i++ {
		t.Indices[0][i] = int64(m.Row[i])
		t.Indices[1][i] = int64(m.Col[i])
		t.Values[i] = float32(m.Val[i])
	}
	return t
}

// NNZ returns the number of stored entries
func (t *Tensor) NNZ() int {
	return len(t.Values)
}

// Validate checks that the index and value tensors agree and that every
// coordinate lies inside Shape.
func (t *Tensor) Validate() error {
	nnz := len(t.Values)
	if len(t.Indices[0]) != nnz || len(t.Indices[1]) != nnz {
		return errors.Errorf("sparse tensor has %d values but %d row and %d col indices",
			nnz, len(t.Indices[0]), len(t.Indices[1]))
	}
	for i := 0; i < nnz; i++ {
		r, c := t.Indices[0][i], t.Indices[1][i]
		if r < 0 || r >= int64(t.Shape[0]) || c < 0 || c >= int64(t.Shape[1]) {
			return errors.Errorf("sparse tensor index %d = (%d, %d) outside shape %v", i, r, c, t.Shape)
		}
	}
	return nil
}

// ToCOO reads the tensor back into coordinate format
func (t *Tensor) ToCOO() *COO {
	nnz := t.NNZ()
	m := &COO{
		Rows: t.Shape[0],
		Cols: t.Shape[1],
		Row:  make([]int, nnz),
		Col:  make([]int, nnz),
		Val:  make([]float64, nnz),
	}
	for i := 0; i < nnz; i++ {
		m.Row[i] = int(t.Indices[0][i])
		m.Col[i] = int(t.Indices[1][i])
		m.Val[i] = float64(t.Values[i])
	}
	return m
}

// ToCSR builds the compressed form used for propagation
func (t *Tensor) ToCSR() *CSR {
	return t.ToCOO().ToCSR()
}
