package data

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/cnclabs/ngcf/pkg/sampler"
)

// Loss types accepted by the training loaders
const (
	LossBPR = "bpr"
	LossBCE = "bce"
)

// maxNegativeTries bounds rejection sampling for users who rated most items
const maxNegativeTries = 100

// ErrUnsupportedLoss matches every UnsupportedLossError
var ErrUnsupportedLoss = errors.New("unsupported loss type")

// UnsupportedLossError names a loss type that has no loader
type UnsupportedLossError struct {
	Loss string
}

func (e *UnsupportedLossError) Error() string {
	return fmt.Sprintf("Unsupported loss type %s, try other options: '%s' or '%s'", e.Loss, LossBPR, LossBCE)
}

// Is makes errors.Is(err, ErrUnsupportedLoss) hold
func (e *UnsupportedLossError) Is(target error) bool {
	return target == ErrUnsupportedLoss
}

// Batch is one training step worth of samples. BPR batches fill Pos and Neg;
// BCE batches fill Items and Labels.
type Batch struct {
	Users  []int
	Pos    []int
	Neg    []int
	Items  []int
	Labels []float64
}

// Len returns the number of samples
func (b *Batch) Len() int {
	return len(b.Users)
}

// Loader produces shuffled training batches, one pass over the training
// interactions per epoch.
type Loader interface {
	Loss() string
	NumBatches() int
	Epoch(rng *rand.Rand) []Batch
}

// NewLoader selects the training loader for a loss type
func NewLoader(ds *Dataset, loss string, batchSize, numNegative int, negPower float64) (Loader, error) {
	switch loss {
	case LossBPR:
		return ds.InstanceBPRLoader(batchSize, negPower), nil
	case LossBCE:
		return ds.InstanceBCELoader(numNegative, batchSize, negPower), nil
	default:
		return nil, &UnsupportedLossError{Loss: loss}
	}
}

type negativeSampler struct {
	ds    *Dataset
	alias *sampler.Alias
}

func newNegativeSampler(ds *Dataset, power float64) *negativeSampler {
	weights := ds.ItemPopularity
	if power == 0 {
		weights = make([]float64, ds.NItems)
		for i := range weights {
			weights[i] = 1
		}
	}
	return &negativeSampler{ds: ds, alias: sampler.NewAlias(weights, power)}
}

// sample draws an item the user has not interacted with in training
func (ns *negativeSampler) sample(user int, rng *rand.Rand) int {
	item := ns.alias.Sample(rng)
	for try := 0; try < maxNegativeTries && ns.ds.TrainPos[user].Has(item); try++ {
		item = ns.alias.Sample(rng)
	}
	return item
}

// BPRLoader yields (user, positive, negative) triples
type BPRLoader struct {
	ds        *Dataset
	batchSize int
	negatives *negativeSampler
}

// InstanceBPRLoader builds a loader with one triple per training interaction
func (ds *Dataset) InstanceBPRLoader(batchSize int, negPower float64) *BPRLoader {
	return &BPRLoader{ds: ds, batchSize: batchSize, negatives: newNegativeSampler(ds, negPower)}
}

func (l *BPRLoader) Loss() string { return LossBPR }

func (l *BPRLoader) NumBatches() int {
	return (len(l.ds.Train) + l.batchSize - 1) / l.batchSize
}

func (l *BPRLoader) Epoch(rng *rand.Rand) []Batch {
	order := rng.Perm(len(l.ds.Train))
	batches := make([]Batch, 0, l.NumBatches())
	for start := 0; start < len(order); start += l.batchSize {
		end := min(start+l.batchSize, len(order))
		b := Batch{
			Users: make([]int, 0, end-start),
			Pos:   make([]int, 0, end-start),
			Neg:   make([]int, 0, end-start),
		}
		for _, idx := range order[start:end] {
			r := l.ds.Train[idx]
			b.Users = append(b.Users, r.UserID)
			b.Pos = append(b.Pos, r.ItemID)
			b.Neg = append(b.Neg, l.negatives.sample(r.UserID, rng))
		}
		batches = append(batches, b)
	}
	return batches
}

// BCELoader yields labelled (user, item) pairs: every training interaction
// as a positive plus numNegative sampled negatives for it.
type BCELoader struct {
	ds          *Dataset
	batchSize   int
	numNegative int
	negatives   *negativeSampler
}

// InstanceBCELoader builds a negative-sampling loader
func (ds *Dataset) InstanceBCELoader(numNegative, batchSize int, negPower float64) *BCELoader {
	return &BCELoader{ds: ds, batchSize: batchSize, numNegative: numNegative, negatives: newNegativeSampler(ds, negPower)}
}

func (l *BCELoader) Loss() string { return LossBCE }

func (l *BCELoader) NumBatches() int {
	total := len(l.ds.Train) * (1 + l.numNegative)
	return (total + l.batchSize - 1) / l.batchSize
}

func (l *BCELoader) Epoch(rng *rand.Rand) []Batch {
	total := len(l.ds.Train) * (1 + l.numNegative)
	users := make([]int, 0, total)
	items := make([]int, 0, total)
	labels := make([]float64, 0, total)
	for _, r := range l.ds.Train {
		users = append(users, r.UserID)
		items = append(items, r.ItemID)
		labels = append(labels, 1)
		for n := 0; n < l.numNegative; n++ {
			users = append(users, r.UserID)
			items = append(items, l.negatives.sample(r.UserID, rng))
			labels = append(labels, 0)
		}
	}

	order := rng.Perm(total)
	batches := make([]Batch, 0, l.NumBatches())
	for start := 0; start < total; start += l.batchSize {
		end := min(start+l.batchSize, total)
		b := Batch{
			Users:  make([]int, 0, end-start),
			Items:  make([]int, 0, end-start),
			Labels: make([]float64, 0, end-start),
		}
		for _, idx := range order[start:end] {
			b.Users = append(b.Users, users[idx])
			b.Items = append(b.Items, items[idx])
			b.Labels = append(b.Labels, labels[idx])
		}
		batches = append(batches, b)
	}
	return batches
}
