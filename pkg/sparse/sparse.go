package sparse

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// COO is a coordinate-format sparse matrix. Entries are kept in insertion
// order; duplicates are allowed and summed when converting to CSR.
type COO struct {
	Rows, Cols int
	Row        []int
	Col        []int
	Val        []float64
}

// NewCOO creates an empty rows x cols matrix
func NewCOO(rows, cols int) *COO {
	return &COO{Rows: rows, Cols: cols}
}

// Add appends an entry. It panics on out-of-range coordinates.
func (m *COO) Add(row, col int, val float64) {
	if row < 0 || row >= m.Rows || col < 0 || col >= m.Cols {
		panic(errors.Errorf("sparse: entry (%d, %d) out of range for %dx%d matrix", row, col, m.Rows, m.Cols))
	}
	m.Row = append(m.Row, row)
	m.Col = append(m.Col, col)
	m.Val = append(m.Val, val)
}

// NNZ returns the number of stored entries
func (m *COO) NNZ() int {
	return len(m.Val)
}

// Dims returns the matrix shape
func (m *COO) Dims() (int, int) {
	return m.Rows, m.Cols
}

// ToCSR compresses the matrix. Duplicate coordinates are summed and column
// indices are sorted within each row.
func (m *COO) ToCSR() *CSR {
	counts := make([]int, m.Rows+1)
	for _, r := range m.Row {
		counts[r+1]++
	}
	for i := 0; i < m.Rows; i++ {
		counts[i+1] += counts[i]
	}

	type entry struct {
		col int
		val float64
	}
	buckets := make([]entry, len(m.Val))
	next := append([]int(nil), counts[:m.Rows]...)
	for i, r := range m.Row {
		buckets[next[r]] = entry{m.Col[i], m.Val[i]}
		next[r]++
	}

	csr := &CSR{Rows: m.Rows, Cols: m.Cols, IndPtr: make([]int, m.Rows+1)}
	csr.Indices = make([]int, 0, len(m.Val))
	csr.Data = make([]float64, 0, len(m.Val))
	for r := 0; r < m.Rows; r++ {
		row := buckets[counts[r]:counts[r+1]]
		sort.SliceStable(row, func(i, j int) bool { return row[i].col < row[j].col })
		for i, e := range row {
			if i > 0 && row[i-1].col == e.col {
				csr.Data[len(csr.Data)-1] += e.val
				continue
			}
			csr.Indices = append(csr.Indices, e.col)
			csr.Data = append(csr.Data, e.val)
		}
		csr.IndPtr[r+1] = len(csr.Data)
	}
	return csr
}

// CSR is a compressed sparse row matrix
type CSR struct {
	Rows, Cols int
	IndPtr     []int
	Indices    []int
	Data       []float64
}

// NNZ returns the number of stored entries
func (m *CSR) NNZ() int {
	return len(m.Data)
}

// ToCOO expands the matrix back into coordinate format in row-major order
func (m *CSR) ToCOO() *COO {
	coo := &COO{
		Rows: m.Rows,
		Cols: m.Cols,
		Row:  make([]int, 0, m.NNZ()),
		Col:  make([]int, 0, m.NNZ()),
		Val:  make([]float64, 0, m.NNZ()),
	}
	for r := 0; r < m.Rows; r++ {
		for p := m.IndPtr[r]; p < m.IndPtr[r+1]; p++ {
			coo.Row = append(coo.Row, r)
			coo.Col = append(coo.Col, m.Indices[p])
			coo.Val = append(coo.Val, m.Data[p])
		}
	}
	return coo
}

// Transpose returns a new CSR holding the transposed matrix
func (m *CSR) Transpose() *CSR {
	coo := NewCOO(m.Cols, m.Rows)
	for r := 0; r < m.Rows; r++ {
		for p := m.IndPtr[r]; p < m.IndPtr[r+1]; p++ {
			coo.Add(m.Indices[p], r, m.Data[p])
		}
	}
	return coo.ToCSR()
}

// RowSums returns the sum of each row
func (m *CSR) RowSums() []float64 {
	sums := make([]float64, m.Rows)
	for r := 0; r < m.Rows; r++ {
		for p := m.IndPtr[r]; p < m.IndPtr[r+1]; p++ {
			sums[r] += m.Data[p]
		}
	}
	return sums
}

// MulDense computes dst = m * src where src and dst are row-major dense
// matrices with dim columns. Rows are split across workers goroutines.
func (m *CSR) MulDense(dst, src []float64, dim, workers int) {
	if len(src) != m.Cols*dim || len(dst) != m.Rows*dim {
		panic(errors.Errorf("sparse: MulDense shape mismatch: matrix %dx%d, src %d, dst %d, dim %d",
			m.Rows, m.Cols, len(src), len(dst), dim))
	}
	parallelRows(m.Rows, workers, func(start, end int) {
		for r := start; r < end; r++ {
			out := dst[r*dim : (r+1)*dim]
			for d := range out {
				out[d] = 0
			}
			for p := m.IndPtr[r]; p < m.IndPtr[r+1]; p++ {
				w := m.Data[p]
				in := src[m.Indices[p]*dim : (m.Indices[p]+1)*dim]
				for d := 0; d < dim; d++ {
					out[d] += w * in[d]
				}
			}
		}
	})
}

// parallelRows splits [0, n) into contiguous chunks, one per worker
func parallelRows(n, workers int, fn func(start, end int)) {
	if workers < 1 {
		workers = 1
	}
	if workers == 1 || n < workers*16 {
		fn(0, n)
		return
	}

	var wg sync.WaitGroup
	chunkSize := (n + workers - 1) / workers
	for w := 0; w < workers; w++ {
		start := w * chunkSize
		end := start + chunkSize
		if end > n {
			end = n
		}
		if start >= end {
			break
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			fn(start, end)
		}(start, end)
	}
	wg.Wait()
}
