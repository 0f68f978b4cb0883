package eval

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/cnclabs/ngcf/internal/data"
)

func set(items ...int) data.ItemSet {
	s := make(data.ItemSet)
	for _, i := range items {
		s[i] = struct{}{}
	}
	return s
}

func TestTopK(t *testing.T) {
	scores := []float64{0.1, 0.9, 0.5, 0.9, 0.3}
	assert.Equal(t, []int{1, 3, 2}, TopK(scores, 3, nil))
	assert.Equal(t, []int{3, 2, 4}, TopK(scores, 3, set(1)))
	assert.Equal(t, []int{1, 3, 2, 4, 0}, TopK(scores, 10, set()))
}

func TestScore(t *testing.T) {
	ranked := []int{4, 2, 7}
	relevant := set(2, 9)

	assert.InDelta(t, 1.0/3, Score(Precision, ranked, 3, relevant), 1e-12)
	assert.InDelta(t, 0.5, Score(Recall, ranked, 3, relevant), 1e-12)

	dcg := 1 / math.Log2(3)
	idcg := 1 + 1/math.Log2(3)
	assert.InDelta(t, dcg/idcg, Score(NDCG, ranked, 3, relevant), 1e-12)
	assert.InDelta(t, 0.5/2, Score(MAP, ranked, 3, relevant), 1e-12)

	assert.Equal(t, 1.0, Score(NDCG, []int{2}, 1, set(2)))
	assert.Zero(t, Score(Recall, ranked, 3, set()))
}

func TestEvaluate(t *testing.T) {
	// user 0 prefers item 1, user 1 prefers item 2
	users := mat.NewDense(2, 2, []float64{
		1, 0,
		0, 1,
	})
	items := mat.NewDense(3, 2, []float64{
		0.5, 0.5,
		1, 0,
		0, 1,
	})
	ds := &data.Dataset{NUsers: 2, NItems: 3, TrainPos: []data.ItemSet{set(), set(2)}}
	truth := map[int]data.ItemSet{0: set(1), 1: set(0)}

	ev, err := NewEvaluator([]string{NDCG, Recall, Precision, MAP}, []int{1, 2}, 2)
	require.NoError(t, err)
	result := ev.Evaluate(users, items, ds, truth)

	// user 0 hits at rank 1; user 1 has item 2 masked so item 0 ranks first
	v, ok := result.Get(Recall, 1)
	require.True(t, ok)
	assert.InDelta(t, 1.0, v, 1e-12)
	v, _ = result.Get(Precision, 2)
	assert.InDelta(t, 0.5, v, 1e-12)
	v, _ = result.Get(NDCG, 1)
	assert.InDelta(t, 1.0, v, 1e-12)
	v, _ = result.Get(MAP, 2)
	assert.InDelta(t, 1.0, v, 1e-12)

	_, ok = result.Get(NDCG, 20)
	assert.False(t, ok)
	assert.Contains(t, result.String(), "ndcg@1=1.0000")

	assert.Empty(t, ev.Evaluate(users, items, ds, nil))
}

func TestNewEvaluatorErrors(t *testing.T) {
	_, err := NewEvaluator([]string{"auc"}, []int{10}, 1)
	assert.ErrorContains(t, err, "unknown metric")
	_, err = NewEvaluator([]string{NDCG}, nil, 1)
	assert.Error(t, err)
}
