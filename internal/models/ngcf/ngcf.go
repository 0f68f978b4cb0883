package ngcf

import (
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/cnclabs/ngcf/internal/data"
	"github.com/cnclabs/ngcf/pkg/sparse"
)

const (
	// LeakySlope is the negative slope of the layer activation
	LeakySlope = 0.2
	// normEps bounds the row norm used for L2 normalisation
	normEps = 1e-12
)

// Config carries everything the engine needs from the training config
type Config struct {
	NUsers      int
	NItems      int
	EmbDim      int
	LayerSize   []int
	MessDropout []float64
	LR          float64
	Reg         float64
	Optimizer   string
	Workers     int
	Seed        int64
	NormAdj     *sparse.Tensor

	// Out receives the model summary, os.Stdout when nil
	Out io.Writer
}

type layer struct {
	W1, W2 *mat.Dense
	B1, B2 []float64
}

// Engine implements Neural Graph Collaborative Filtering
// Based on "Neural Graph Collaborative Filtering" (SIGIR 2019)
type Engine struct {
	cfg    Config
	dims   []int
	emb    *mat.Dense
	layers []layer

	adj  *sparse.CSR
	adjT *sparse.CSR

	opt optimizer
	rng *rand.Rand
}

// New creates an engine with Xavier-initialised parameters
func New(cfg Config) (*Engine, error) {
	if cfg.NUsers <= 0 || cfg.NItems <= 0 {
		return nil, errors.Errorf("ngcf: need users and items, got %d and %d", cfg.NUsers, cfg.NItems)
	}
	if cfg.EmbDim <= 0 {
		return nil, errors.Errorf("ngcf: invalid embedding dimension %d", cfg.EmbDim)
	}
	if len(cfg.MessDropout) != len(cfg.LayerSize) {
		return nil, errors.Errorf("ngcf: %d dropout rates for %d layers", len(cfg.MessDropout), len(cfg.LayerSize))
	}
	if cfg.NormAdj == nil {
		return nil, errors.New("ngcf: missing normalised adjacency")
	}
	if err := cfg.NormAdj.Validate(); err != nil {
		return nil, errors.Wrap(err, "ngcf")
	}
	n := cfg.NUsers + cfg.NItems
	if cfg.NormAdj.Shape != [2]int{n, n} {
		return nil, errors.Errorf("ngcf: adjacency shape %v, want [%d %d]", cfg.NormAdj.Shape, n, n)
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	opt, err := newOptimizer(cfg.Optimizer, cfg.LR)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:  cfg,
		dims: append([]int{cfg.EmbDim}, cfg.LayerSize...),
		opt:  opt,
		rng:  rand.New(rand.NewSource(cfg.Seed)),
	}
	e.adj = cfg.NormAdj.ToCSR()
	e.adjT = e.adj.Transpose()

	e.emb = mat.NewDense(n, cfg.EmbDim, nil)
	xavier(e.emb.RawMatrix().Data, cfg.EmbDim, n, e.rng)
	for k := 1; k < len(e.dims); k++ {
		in, out := e.dims[k-1], e.dims[k]
		l := layer{
			W1: mat.NewDense(in, out, nil),
			W2: mat.NewDense(in, out, nil),
			B1: make([]float64, out),
			B2: make([]float64, out),
		}
		xavier(l.W1.RawMatrix().Data, in, out, e.rng)
		xavier(l.W2.RawMatrix().Data, in, out, e.rng)
		xavier(l.B1, 1, out, e.rng)
		xavier(l.B2, 1, out, e.rng)
		e.layers = append(e.layers, l)
	}

	w := cfg.Out
	if w == nil {
		w = os.Stdout
	}
	fmt.Fprintln(w, "Model Setting:")
	fmt.Fprintf(w, "\tusers:\t\t\t%d\n", cfg.NUsers)
	fmt.Fprintf(w, "\titems:\t\t\t%d\n", cfg.NItems)
	fmt.Fprintf(w, "\tdimension:\t\t%d\n", cfg.EmbDim)
	fmt.Fprintf(w, "\tlayers:\t\t\t%v\n", cfg.LayerSize)
	fmt.Fprintf(w, "\tmess_dropout:\t\t%v\n", cfg.MessDropout)
	fmt.Fprintf(w, "\tadjacency nnz:\t\t%d\n", e.adj.NNZ())
	return e, nil
}

// xavier fills w from U(-a, a) with a = sqrt(6 / (fanIn + fanOut))
func xavier(w []float64, fanIn, fanOut int, rng *rand.Rand) {
	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))
	for i := range w {
		w[i] = (rng.Float64()*2 - 1) * bound
	}
}

// OutputDim is the width of the final concatenated embeddings
func (e *Engine) OutputDim() int {
	total := 0
	for _, d := range e.dims {
		total += d
	}
	return total
}

func (e *Engine) numNodes() int {
	return e.cfg.NUsers + e.cfg.NItems
}

type layerCache struct {
	in, side, prod, pre, ego, norm *mat.Dense
	rowNorm                        []float64
	// mask holds the dropout scale per element, nil without dropout
	mask []float64
}

type forwardCache struct {
	layers []layerCache
	all    *mat.Dense
}

// forward propagates the embeddings through every layer. Dropout is only
// applied when training.
func (e *Engine) forward(training bool) *forwardCache {
	n := e.numNodes()
	fc := &forwardCache{all: mat.NewDense(n, e.OutputDim(), nil)}
	copyBlock(fc.all, e.emb, 0)

	ego := e.emb
	offset := e.dims[0]
	for k, l := range e.layers {
		in, out := e.dims[k], e.dims[k+1]
		lc := layerCache{in: ego}

		lc.side = mat.NewDense(n, in, nil)
		e.adj.MulDense(lc.side.RawMatrix().Data, ego.RawMatrix().Data, in, e.cfg.Workers)

		lc.prod = mat.NewDense(n, in, nil)
		lc.prod.MulElem(ego, lc.side)

		var sum, bi mat.Dense
		sum.Mul(lc.side, l.W1)
		bi.Mul(lc.prod, l.W2)
		lc.pre = mat.NewDense(n, out, nil)
		lc.pre.Add(&sum, &bi)
		pre := lc.pre.RawMatrix().Data

		lc.ego = mat.NewDense(n, out, nil)
		act := lc.ego.RawMatrix().Data
		rate := e.cfg.MessDropout[k]
		if training && rate > 0 {
			lc.mask = make([]float64, len(act))
			keep := 1 / (1 - rate)
			for i := range lc.mask {
				if e.rng.Float64() >= rate {
					lc.mask[i] = keep
				}
			}
		}
		for r := 0; r < n; r++ {
			for d := 0; d < out; d++ {
				i := r*out + d
				v := pre[i] + l.B1[d] + l.B2[d]
				pre[i] = v
				if v < 0 {
					v *= LeakySlope
				}
				if lc.mask != nil {
					v *= lc.mask[i]
				}
				act[i] = v
			}
		}

		lc.norm = mat.NewDense(n, out, nil)
		lc.rowNorm = make([]float64, n)
		normed := lc.norm.RawMatrix().Data
		for r := 0; r < n; r++ {
			row := act[r*out : (r+1)*out]
			nrm := math.Max(floatsNorm(row), normEps)
			lc.rowNorm[r] = nrm
			for d, v := range row {
				normed[r*out+d] = v / nrm
			}
		}

		copyBlock(fc.all, lc.norm, offset)
		offset += out
		fc.layers = append(fc.layers, lc)
		ego = lc.ego
	}
	return fc
}

func floatsNorm(v []float64) float64 {
	s := 0.0
	for _, x := range v {
		s += x * x
	}
	return math.Sqrt(s)
}

// copyBlock writes src into dst starting at column offset
func copyBlock(dst, src *mat.Dense, offset int) {
	rows, cols := src.Dims()
	_, width := dst.Dims()
	d := dst.RawMatrix().Data
	s := src.RawMatrix().Data
	for r := 0; r < rows; r++ {
		copy(d[r*width+offset:r*width+offset+cols], s[r*cols:(r+1)*cols])
	}
}

type gradients struct {
	emb    *mat.Dense
	layers []layer
}

// params lists parameter buffers in optimizer order
func (e *Engine) params() [][]float64 {
	out := [][]float64{e.emb.RawMatrix().Data}
	for _, l := range e.layers {
		out = append(out, l.W1.RawMatrix().Data, l.B1, l.W2.RawMatrix().Data, l.B2)
	}
	return out
}

func (g *gradients) flat() [][]float64 {
	out := [][]float64{g.emb.RawMatrix().Data}
	for _, l := range g.layers {
		out = append(out, l.W1.RawMatrix().Data, l.B1, l.W2.RawMatrix().Data, l.B2)
	}
	return out
}

// backward turns the gradient of the concatenated output into parameter
// gradients.
func (e *Engine) backward(fc *forwardCache, gAll *mat.Dense) *gradients {
	n := e.numNodes()
	width := e.OutputDim()
	gRaw := gAll.RawMatrix().Data
	g := &gradients{layers: make([]layer, len(e.layers))}

	offsets := make([]int, len(e.dims))
	for k := 1; k < len(e.dims); k++ {
		offsets[k] = offsets[k-1] + e.dims[k-1]
	}

	var gNext *mat.Dense
	for k := len(e.layers) - 1; k >= 0; k-- {
		lc := fc.layers[k]
		l := e.layers[k]
		in, out := e.dims[k], e.dims[k+1]

		// through the row L2 normalisation
		gEgo := mat.NewDense(n, out, nil)
		ge := gEgo.RawMatrix().Data
		normed := lc.norm.RawMatrix().Data
		for r := 0; r < n; r++ {
			gn := gRaw[r*width+offsets[k+1] : r*width+offsets[k+1]+out]
			y := normed[r*out : (r+1)*out]
			nrm := lc.rowNorm[r]
			if nrm <= normEps {
				for d := range gn {
					ge[r*out+d] = gn[d] / normEps
				}
				continue
			}
			dot := 0.0
			for d := range gn {
				dot += y[d] * gn[d]
			}
			for d := range gn {
				ge[r*out+d] = (gn[d] - y[d]*dot) / nrm
			}
		}
		if gNext != nil {
			gEgo.Add(gEgo, gNext)
		}

		// through dropout and the activation
		pre := lc.pre.RawMatrix().Data
		for i := range ge {
			if lc.mask != nil {
				ge[i] *= lc.mask[i]
			}
			if pre[i] < 0 {
				ge[i] *= LeakySlope
			}
		}
		gPre := gEgo

		gl := layer{
			W1: mat.NewDense(in, out, nil),
			W2: mat.NewDense(in, out, nil),
			B1: make([]float64, out),
			B2: make([]float64, out),
		}
		gl.W1.Mul(lc.side.T(), gPre)
		gl.W2.Mul(lc.prod.T(), gPre)
		for r := 0; r < n; r++ {
			for d := 0; d < out; d++ {
				gl.B1[d] += ge[r*out+d]
			}
		}
		copy(gl.B2, gl.B1)
		g.layers[k] = gl

		var viaW1, viaW2 mat.Dense
		viaW1.Mul(gPre, l.W1.T())
		viaW2.Mul(gPre, l.W2.T())

		// side feeds both terms; the bi-interaction also reads the input
		gSide := mat.NewDense(n, in, nil)
		gSide.MulElem(&viaW2, lc.in)
		gSide.Add(gSide, &viaW1)

		gIn := mat.NewDense(n, in, nil)
		e.adjT.MulDense(gIn.RawMatrix().Data, gSide.RawMatrix().Data, in, e.cfg.Workers)
		var direct mat.Dense
		direct.MulElem(&viaW2, lc.side)
		gIn.Add(gIn, &direct)
		gNext = gIn
	}

	g.emb = mat.NewDense(n, e.dims[0], nil)
	ge := g.emb.RawMatrix().Data
	for r := 0; r < n; r++ {
		copy(ge[r*e.dims[0]:(r+1)*e.dims[0]], gRaw[r*width:r*width+e.dims[0]])
	}
	if gNext != nil {
		g.emb.Add(g.emb, gNext)
	}
	return g
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	z := math.Exp(x)
	return z / (1 + z)
}

// softplus computes log(1 + e^x) without overflow
func softplus(x float64) float64 {
	if x > 0 {
		return x + math.Log1p(math.Exp(-x))
	}
	return math.Log1p(math.Exp(x))
}

func dot(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// bprLoss is mean(-log sigmoid(u.p - u.n)) plus the L2 penalty on the
// propagated embeddings of the batch. Gradients are accumulated into gAll.
func (e *Engine) bprLoss(all *mat.Dense, b *data.Batch, gAll *mat.Dense) float64 {
	batch := float64(b.Len())
	width := e.OutputDim()
	a := all.RawMatrix().Data
	g := gAll.RawMatrix().Data
	mfLoss, regLoss := 0.0, 0.0

	for i, user := range b.Users {
		ur := user * width
		pr := (e.cfg.NUsers + b.Pos[i]) * width
		nr := (e.cfg.NUsers + b.Neg[i]) * width
		u, p, neg := a[ur:ur+width], a[pr:pr+width], a[nr:nr+width]

		x := dot(u, p) - dot(u, neg)
		mfLoss += softplus(-x)
		regLoss += (dot(u, u) + dot(p, p) + dot(neg, neg)) / 2

		c := -sigmoid(-x) / batch
		r := e.cfg.Reg / batch
		for d := 0; d < width; d++ {
			g[ur+d] += c*(p[d]-neg[d]) + r*u[d]
			g[pr+d] += c*u[d] + r*p[d]
			g[nr+d] += -c*u[d] + r*neg[d]
		}
	}
	return mfLoss/batch + e.cfg.Reg*regLoss/batch
}

// bceLoss is mean binary cross-entropy on the logits u.i plus the L2
// penalty. Gradients are accumulated into gAll.
func (e *Engine) bceLoss(all *mat.Dense, b *data.Batch, gAll *mat.Dense) float64 {
	batch := float64(b.Len())
	width := e.OutputDim()
	a := all.RawMatrix().Data
	g := gAll.RawMatrix().Data
	mfLoss, regLoss := 0.0, 0.0

	for i, user := range b.Users {
		ur := user * width
		ir := (e.cfg.NUsers + b.Items[i]) * width
		u, it := a[ur:ur+width], a[ir:ir+width]
		y := b.Labels[i]

		z := dot(u, it)
		mfLoss += softplus(z) - y*z
		regLoss += (dot(u, u) + dot(it, it)) / 2

		c := (sigmoid(z) - y) / batch
		r := e.cfg.Reg / batch
		for d := 0; d < width; d++ {
			g[ur+d] += c*it[d] + r*u[d]
			g[ir+d] += c*u[d] + r*it[d]
		}
	}
	return mfLoss/batch + e.cfg.Reg*regLoss/batch
}

type lossFunc func(all *mat.Dense, b *data.Batch, gAll *mat.Dense) float64

func (e *Engine) lossAndGrad(b *data.Batch, loss lossFunc) (float64, *gradients) {
	fc := e.forward(true)
	gAll := mat.NewDense(e.numNodes(), e.OutputDim(), nil)
	value := loss(fc.all, b, gAll)
	return value, e.backward(fc, gAll)
}

func (e *Engine) step(b *data.Batch, loss lossFunc) float64 {
	value, g := e.lossAndGrad(b, loss)
	e.opt.step(e.params(), g.flat())
	return value
}

// TrainBPRBatch runs one optimisation step on (user, pos, neg) triples and
// returns the batch loss.
func (e *Engine) TrainBPRBatch(b *data.Batch) float64 {
	return e.step(b, e.bprLoss)
}

// TrainBCEBatch runs one optimisation step on labelled pairs and returns the
// batch loss.
func (e *Engine) TrainBCEBatch(b *data.Batch) float64 {
	return e.step(b, e.bceLoss)
}

// TrainBatch dispatches on the loss type the loader was built for
func (e *Engine) TrainBatch(loss string, b *data.Batch) (float64, error) {
	switch loss {
	case data.LossBPR:
		return e.TrainBPRBatch(b), nil
	case data.LossBCE:
		return e.TrainBCEBatch(b), nil
	}
	return 0, &data.UnsupportedLossError{Loss: loss}
}

// Embeddings returns the final user and item representations without
// dropout, as row-major matrices of width OutputDim.
func (e *Engine) Embeddings() (users, items *mat.Dense) {
	all := e.forward(false).all
	width := e.OutputDim()
	raw := all.RawMatrix().Data
	users = mat.NewDense(e.cfg.NUsers, width, append([]float64(nil), raw[:e.cfg.NUsers*width]...))
	items = mat.NewDense(e.cfg.NItems, width, append([]float64(nil), raw[e.cfg.NUsers*width:]...))
	return users, items
}

// Predict scores every item for each of users; row r holds the scores of
// users[r].
func (e *Engine) Predict(users []int) (*mat.Dense, error) {
	if len(users) == 0 {
		return nil, errors.New("ngcf: predict needs at least one user")
	}
	u, items := e.Embeddings()
	sel := mat.NewDense(len(users), e.OutputDim(), nil)
	for r, id := range users {
		if id < 0 || id >= e.cfg.NUsers {
			return nil, errors.Errorf("ngcf: user %d out of range [0, %d)", id, e.cfg.NUsers)
		}
		sel.SetRow(r, u.RawRowView(id))
	}
	scores := mat.NewDense(len(users), e.cfg.NItems, nil)
	scores.Mul(sel, items.T())
	return scores, nil
}
