package data

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cnclabs/ngcf/pkg/bipartite"
)

// toyGraph gives user u interactions with items u..u+n-1 (mod numItems) at
// increasing timestamps.
func toyGraph(numUsers, numItems, perUser int) *bipartite.InteractionGraph {
	g := bipartite.NewInteractionGraph()
	for u := 0; u < numUsers; u++ {
		for k := 0; k < perUser; k++ {
			item := (u + k) % numItems
			g.AddInteraction(fmt.Sprintf("u%d", u), fmt.Sprintf("i%d", item), 1, float64(k))
		}
	}
	g.Finalize()
	return g
}

func TestSplitLeaveOneOut(t *testing.T) {
	ds, err := Split("toy", toyGraph(5, 10, 4), SplitLeaveOneOut, 0, 0, 1)
	require.NoError(t, err)

	assert.Len(t, ds.Train, 10)
	assert.Len(t, ds.Valid, 5)
	assert.Len(t, ds.Test, 5)
	for _, r := range ds.Test {
		assert.Equal(t, 3.0, r.Timestamp)
	}
	for _, r := range ds.Valid {
		assert.Equal(t, 2.0, r.Timestamp)
	}
	for u := 0; u < ds.NUsers; u++ {
		assert.Len(t, ds.TrainPos[u], 2)
	}
}

func TestSplitLeaveOneOutShortHistories(t *testing.T) {
	g := bipartite.NewInteractionGraph()
	g.AddInteraction("a", "x", 1, 0)
	g.AddInteraction("b", "x", 1, 0)
	g.AddInteraction("b", "y", 1, 1)
	g.Finalize()

	ds, err := Split("short", g, SplitLeaveOneOut, 0, 0, 1)
	require.NoError(t, err)
	assert.Len(t, ds.Train, 2)
	assert.Empty(t, ds.Valid)
	require.Len(t, ds.Test, 1)
	assert.Equal(t, g.ItemHash["y"], ds.Test[0].ItemID)
}

func TestSplitDropsRepeatedRatings(t *testing.T) {
	g := bipartite.NewInteractionGraph()
	g.AddInteraction("a", "x", 3, 0)
	g.AddInteraction("a", "y", 4, 1)
	g.AddInteraction("a", "z", 2, 2)
	g.AddInteraction("a", "x", 5, 3)
	g.Finalize()

	ds, err := Split("rerated", g, SplitLeaveOneOut, 0, 0, 1)
	require.NoError(t, err)
	require.Len(t, ds.Test, 1)
	x := g.ItemHash["x"]
	assert.Equal(t, x, ds.Test[0].ItemID)
	assert.Equal(t, 5.0, ds.Test[0].Rating)
	require.Len(t, ds.Valid, 1)
	assert.Equal(t, g.ItemHash["z"], ds.Valid[0].ItemID)
	require.Len(t, ds.Train, 1)
	assert.False(t, ds.TrainPos[0].Has(x))
	assert.Zero(t, ds.ItemPopularity[x])
	// the graph keeps every rating
	assert.Len(t, g.UserInteractions[0], 4)
}

func TestSplitRandom(t *testing.T) {
	ds, err := Split("toy", toyGraph(20, 30, 10), SplitRandom, 0.2, 0.1, 3)
	require.NoError(t, err)
	assert.Len(t, ds.Train, 20*7)
	assert.Len(t, ds.Valid, 20*1)
	assert.Len(t, ds.Test, 20*2)

	again, err := Split("toy", toyGraph(20, 30, 10), SplitRandom, 0.2, 0.1, 3)
	require.NoError(t, err)
	assert.Equal(t, ds.Test, again.Test)
}

func TestSplitErrors(t *testing.T) {
	_, err := Split("toy", toyGraph(2, 2, 2), "temporal", 0, 0, 1)
	assert.ErrorContains(t, err, "unknown data split")

	_, err = Split("empty", bipartite.NewInteractionGraph(), SplitRandom, 0.1, 0.1, 1)
	assert.ErrorContains(t, err, "no interactions")
}

func TestNewLoaderDispatch(t *testing.T) {
	ds, err := Split("toy", toyGraph(5, 10, 4), SplitLeaveOneOut, 0, 0, 1)
	require.NoError(t, err)

	loader, err := NewLoader(ds, "bpr", 4, 3, 0)
	require.NoError(t, err)
	assert.IsType(t, &BPRLoader{}, loader)
	assert.Equal(t, LossBPR, loader.Loss())

	loader, err = NewLoader(ds, "bce", 4, 3, 0)
	require.NoError(t, err)
	assert.IsType(t, &BCELoader{}, loader)
	assert.Equal(t, LossBCE, loader.Loss())

	for _, loss := range []string{"", "BPR", "hinge", "bce "} {
		loader, err = NewLoader(ds, loss, 4, 3, 0)
		assert.Nil(t, loader)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnsupportedLoss))
		assert.Contains(t, err.Error(), "Unsupported loss type "+loss+",")
		assert.Contains(t, err.Error(), "'bpr' or 'bce'")
	}
}

func TestBPRLoaderEpoch(t *testing.T) {
	ds, err := Split("toy", toyGraph(6, 12, 5), SplitLeaveOneOut, 0, 0, 1)
	require.NoError(t, err)

	loader := ds.InstanceBPRLoader(4, 0)
	batches := loader.Epoch(rand.New(rand.NewSource(9)))
	require.Len(t, batches, loader.NumBatches())

	seen := 0
	for _, b := range batches {
		require.Len(t, b.Pos, b.Len())
		require.Len(t, b.Neg, b.Len())
		for i, u := range b.Users {
			assert.True(t, ds.TrainPos[u].Has(b.Pos[i]))
			assert.False(t, ds.TrainPos[u].Has(b.Neg[i]))
		}
		seen += b.Len()
	}
	assert.Equal(t, len(ds.Train), seen)
}

func TestBCELoaderEpoch(t *testing.T) {
	ds, err := Split("toy", toyGraph(6, 12, 5), SplitLeaveOneOut, 0, 0, 1)
	require.NoError(t, err)

	loader := ds.InstanceBCELoader(3, 7, 0.75)
	batches := loader.Epoch(rand.New(rand.NewSource(9)))
	require.Len(t, batches, loader.NumBatches())

	positives, negatives := 0, 0
	for _, b := range batches {
		require.Len(t, b.Items, b.Len())
		require.Len(t, b.Labels, b.Len())
		for i, u := range b.Users {
			if b.Labels[i] == 1 {
				positives++
				assert.True(t, ds.TrainPos[u].Has(b.Items[i]))
			} else {
				negatives++
				assert.False(t, ds.TrainPos[u].Has(b.Items[i]))
			}
		}
	}
	assert.Equal(t, len(ds.Train), positives)
	assert.Equal(t, 3*len(ds.Train), negatives)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ratings.csv")
	content := "col_user,col_item,col_rating,col_timestamp\n" +
		"alice,matrix,5,100\n" +
		"alice,alien,4,200\n" +
		"alice,heat,3,300\n" +
		"bob,matrix,2,50\n" +
		"bob,heat,5,60\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	ds, err := Load("movies", path, SplitLeaveOneOut, 0, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, ds.NUsers)
	assert.Equal(t, 3, ds.NItems)
	assert.Len(t, ds.Train, 2)
	assert.Len(t, ds.Valid, 1)
	assert.Len(t, ds.Test, 2)

	truth := GroundTruth(ds.Test)
	alice := ds.Graph.UserHash["alice"]
	assert.True(t, truth[alice].Has(ds.Graph.ItemHash["heat"]))

	_, err = Load("missing", filepath.Join(t.TempDir(), "nope.csv"), SplitRandom, 0.1, 0.1, 1)
	assert.Error(t, err)
}
