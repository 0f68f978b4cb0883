package data

import (
	"math"
	"math/rand"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/cnclabs/ngcf/pkg/bipartite"
)

// Split methods
const (
	SplitLeaveOneOut = "leave_one_out"
	SplitRandom      = "random"
)

// ItemSet is a set of item ids
type ItemSet map[int]struct{}

// Has reports membership
func (s ItemSet) Has(item int) bool {
	_, ok := s[item]
	return ok
}

// Dataset is a ratings graph split into train, validation and test parts.
// User and item ids are dense indices shared by all parts.
type Dataset struct {
	Name   string
	NUsers int
	NItems int

	Train []bipartite.Interaction
	Valid []bipartite.Interaction
	Test  []bipartite.Interaction

	// TrainPos[u] holds the training items of user u
	TrainPos []ItemSet
	// ItemPopularity counts training interactions per item
	ItemPopularity []float64

	Graph *bipartite.InteractionGraph
}

// Load reads a ratings file and splits it
func Load(name, path, method string, testRate, validRate float64, seed int64) (*Dataset, error) {
	graph := bipartite.NewInteractionGraph()
	if err := graph.LoadRatings(path); err != nil {
		return nil, errors.Wrapf(err, "failed to load dataset %q", name)
	}
	klog.Infof("Loaded dataset %q: %s", name, graph.Statistics())
	return Split(name, graph, method, testRate, validRate, seed)
}

// Split partitions every user's history. leave_one_out holds out the latest
// interaction for test and the one before it for validation; users with a
// single interaction keep it for training. random holds out round(n*rate)
// interactions per user for each part, always leaving at least one for
// training. A user who rated an item more than once keeps only the latest
// rating, so an item never lands in two parts.
func Split(name string, graph *bipartite.InteractionGraph, method string, testRate, validRate float64, seed int64) (*Dataset, error) {
	ds := &Dataset{
		Name:   name,
		NUsers: graph.NumUsers,
		NItems: graph.NumItems,
		Graph:  graph,
	}
	if ds.NUsers == 0 || ds.NItems == 0 {
		return nil, errors.Errorf("dataset %q has no interactions", name)
	}

	rng := rand.New(rand.NewSource(seed))
	for _, history := range graph.UserInteractions {
		history = latestPerItem(history)
		n := len(history)
		var nTest, nValid int
		switch method {
		case SplitLeaveOneOut:
			if n >= 2 {
				nTest = 1
			}
			if n >= 3 {
				nValid = 1
			}
		case SplitRandom:
			rng.Shuffle(n, func(i, j int) { history[i], history[j] = history[j], history[i] })
			nTest = int(math.Round(float64(n) * testRate))
			nValid = int(math.Round(float64(n) * validRate))
			for nTest+nValid >= n && nTest+nValid > 0 {
				if nValid >= nTest && nValid > 0 {
					nValid--
				} else {
					nTest--
				}
			}
		default:
			return nil, errors.Errorf("unknown data split %q, expected %q or %q", method, SplitLeaveOneOut, SplitRandom)
		}

		nTrain := n - nTest - nValid
		ds.Train = append(ds.Train, history[:nTrain]...)
		ds.Valid = append(ds.Valid, history[nTrain:nTrain+nValid]...)
		ds.Test = append(ds.Test, history[nTrain+nValid:]...)
	}

	ds.TrainPos = make([]ItemSet, ds.NUsers)
	for u := range ds.TrainPos {
		ds.TrainPos[u] = make(ItemSet)
	}
	ds.ItemPopularity = make([]float64, ds.NItems)
	for _, r := range ds.Train {
		ds.TrainPos[r.UserID][r.ItemID] = struct{}{}
		ds.ItemPopularity[r.ItemID]++
	}

	klog.Infof("Split %q by %s: train %s, valid %s, test %s", name, method,
		humanize.Comma(int64(len(ds.Train))), humanize.Comma(int64(len(ds.Valid))), humanize.Comma(int64(len(ds.Test))))
	return ds, nil
}

// latestPerItem drops all but the last interaction with each item from a
// time-ordered history. The input is not modified.
func latestPerItem(history []bipartite.Interaction) []bipartite.Interaction {
	seen := make(map[int]bool, len(history))
	kept := make([]bipartite.Interaction, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		if seen[history[i].ItemID] {
			continue
		}
		seen[history[i].ItemID] = true
		kept = append(kept, history[i])
	}
	slices.Reverse(kept)
	return kept
}

// GroundTruth groups held-out interactions by user
func GroundTruth(interactions []bipartite.Interaction) map[int]ItemSet {
	truth := make(map[int]ItemSet)
	for _, r := range interactions {
		set, ok := truth[r.UserID]
		if !ok {
			set = make(ItemSet)
			truth[r.UserID] = set
		}
		set[r.ItemID] = struct{}{}
	}
	return truth
}
