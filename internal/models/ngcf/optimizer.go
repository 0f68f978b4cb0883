package ngcf

import (
	"math"

	"github.com/pkg/errors"
)

// optimizer applies one update to every parameter buffer given matching
// gradient buffers.
type optimizer interface {
	step(params, grads [][]float64)
}

func newOptimizer(name string, lr float64) (optimizer, error) {
	switch name {
	case "", "adam":
		return &adam{lr: lr, beta1: 0.9, beta2: 0.999, eps: 1e-8}, nil
	case "sgd":
		return &sgd{lr: lr}, nil
	}
	return nil, errors.Errorf("ngcf: unknown optimizer %q, expected 'adam' or 'sgd'", name)
}

type sgd struct {
	lr float64
}

func (o *sgd) step(params, grads [][]float64) {
	for i, p := range params {
		g := grads[i]
		for j := range p {
			p[j] -= o.lr * g[j]
		}
	}
}

// adam keeps first and second moment estimates per parameter element
type adam struct {
	lr, beta1, beta2, eps float64
	t                     int
	m, v                  [][]float64
}

func (o *adam) step(params, grads [][]float64) {
	if o.m == nil {
		o.m = make([][]float64, len(params))
		o.v = make([][]float64, len(params))
		for i, p := range params {
			o.m[i] = make([]float64, len(p))
			o.v[i] = make([]float64, len(p))
		}
	}
	o.t++
	correction1 := 1 - math.Pow(o.beta1, float64(o.t))
	correction2 := 1 - math.Pow(o.beta2, float64(o.t))
	stepSize := o.lr * math.Sqrt(correction2) / correction1

	for i, p := range params {
		g, m, v := grads[i], o.m[i], o.v[i]
		for j := range p {
			m[j] = o.beta1*m[j] + (1-o.beta1)*g[j]
			v[j] = o.beta2*v[j] + (1-o.beta2)*g[j]*g[j]
			p[j] -= stepSize * m[j] / (math.Sqrt(v[j]) + o.eps*math.Sqrt(correction2))
		}
	}
}
