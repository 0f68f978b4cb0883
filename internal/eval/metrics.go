package eval

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/cnclabs/ngcf/internal/data"
)

// Supported ranking metrics
const (
	NDCG      = "ndcg"
	Precision = "precision"
	Recall    = "recall"
	MAP       = "map"
)

// Result maps "metric@k" to the value averaged over evaluated users
type Result map[string]float64

// Key formats a result key
func Key(metric string, k int) string {
	return fmt.Sprintf("%s@%d", metric, k)
}

// Get returns a metric value, or false when it was not computed
func (r Result) Get(metric string, k int) (float64, bool) {
	v, ok := r[Key(metric, k)]
	return v, ok
}

// String renders the result sorted by key
func (r Result) String() string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%.4f", k, r[k])
	}
	return strings.Join(parts, " ")
}

// Evaluator ranks every item for each held-out user, skipping the user's
// training items, and scores the top of the list.
type Evaluator struct {
	Metrics []string
	Ks      []int
	Workers int
}

// NewEvaluator checks the metric names
func NewEvaluator(metrics []string, ks []int, workers int) (*Evaluator, error) {
	for _, m := range metrics {
		switch m {
		case NDCG, Precision, Recall, MAP:
		default:
			return nil, errors.Errorf("unknown metric %q", m)
		}
	}
	if len(ks) == 0 {
		return nil, errors.New("no cut-offs given")
	}
	if workers < 1 {
		workers = 1
	}
	return &Evaluator{Metrics: metrics, Ks: ks, Workers: workers}, nil
}

// Evaluate scores users x items embeddings against the ground truth
func (ev *Evaluator) Evaluate(users, items *mat.Dense, ds *data.Dataset, truth map[int]data.ItemSet) Result {
	result := make(Result)
	if len(truth) == 0 {
		return result
	}

	maxK := 0
	for _, k := range ev.Ks {
		maxK = max(maxK, k)
	}

	userIDs := make([]int, 0, len(truth))
	for u := range truth {
		userIDs = append(userIDs, u)
	}
	sort.Ints(userIDs)

	var mu sync.Mutex
	var wg sync.WaitGroup
	chunkSize := (len(userIDs) + ev.Workers - 1) / ev.Workers
	for w := 0; w < ev.Workers; w++ {
		start := w * chunkSize
		end := min(start+chunkSize, len(userIDs))
		if start >= end {
			break
		}
		wg.Add(1)
		go func(batch []int) {
			defer wg.Done()
			local := make(Result)
			numItems, width := items.Dims()
			scores := make([]float64, numItems)
			itemRaw := items.RawMatrix().Data
			for _, u := range batch {
				uRow := users.RawRowView(u)
				for i := 0; i < numItems; i++ {
					s := 0.0
					row := itemRaw[i*width : (i+1)*width]
					for d, x := range uRow {
						s += x * row[d]
					}
					scores[i] = s
				}
				ranked := TopK(scores, maxK, ds.TrainPos[u])
				for _, k := range ev.Ks {
					top := ranked[:min(k, len(ranked))]
					for _, m := range ev.Metrics {
						local[Key(m, k)] += Score(m, top, k, truth[u])
					}
				}
			}
			mu.Lock()
			for key, v := range local {
				result[key] += v
			}
			mu.Unlock()
		}(userIDs[start:end])
	}
	wg.Wait()

	for key := range result {
		result[key] /= float64(len(userIDs))
	}
	return result
}

// TopK returns the indices of the k highest scores not in exclude, best
// first. Ties go to the lower index.
func TopK(scores []float64, k int, exclude data.ItemSet) []int {
	candidates := make([]int, 0, len(scores))
	for i := range scores {
		if !exclude.Has(i) {
			candidates = append(candidates, i)
		}
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		return scores[candidates[a]] > scores[candidates[b]]
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates
}

// Score computes one metric for a ranked list cut at k
func Score(metric string, ranked []int, k int, relevant data.ItemSet) float64 {
	if len(relevant) == 0 {
		return 0
	}
	hits := 0
	dcg, ap := 0.0, 0.0
	for pos, item := range ranked {
		if !relevant.Has(item) {
			continue
		}
		hits++
		dcg += 1 / math.Log2(float64(pos)+2)
		ap += float64(hits) / float64(pos+1)
	}

	switch metric {
	case Precision:
		return float64(hits) / float64(k)
	case Recall:
		return float64(hits) / float64(len(relevant))
	case NDCG:
		idcg := 0.0
		for pos := 0; pos < min(k, len(relevant)); pos++ {
			idcg += 1 / math.Log2(float64(pos)+2)
		}
		return dcg / idcg
	case MAP:
		return ap / float64(min(k, len(relevant)))
	}
	return 0
}
