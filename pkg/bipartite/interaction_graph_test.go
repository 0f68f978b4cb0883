package bipartite

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRatings(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadRatingsWithHeader(t *testing.T) {
	path := writeRatings(t, "ratings.csv",
		"col_user,col_item,col_rating,col_timestamp\n"+
			"u1,i1,5,30\n"+
			"u1,i2,3,10\n"+
			"u2,i1,4,20\n")

	ig := NewInteractionGraph()
	require.NoError(t, ig.LoadRatings(path))

	assert.Equal(t, 2, ig.NumUsers)
	assert.Equal(t, 2, ig.NumItems)
	assert.Equal(t, 3, ig.NumInteractions)
	assert.Equal(t, 10.0, ig.MinTime)
	assert.Equal(t, 30.0, ig.MaxTime)
	assert.Equal(t, "u1", ig.GetUserName(0))
	assert.Equal(t, "i2", ig.GetItemName(1))
	assert.Equal(t, "", ig.GetItemName(7))

	// per-user history is ordered by time
	history := ig.UserInteractions[ig.UserHash["u1"]]
	require.Len(t, history, 2)
	assert.Equal(t, ig.ItemHash["i2"], history[0].ItemID)
	assert.Equal(t, 3.0, history[0].Rating)
	assert.Contains(t, ig.Statistics(), "2 users, 2 items, 3 interactions")
}

func TestLoadRatingsPositionalTSV(t *testing.T) {
	path := writeRatings(t, "ratings.tsv", "1\t10\n1\t11\n2\t10\n")

	ig := NewInteractionGraph()
	require.NoError(t, ig.LoadRatings(path))
	assert.Equal(t, 2, ig.NumUsers)
	assert.Equal(t, 2, ig.NumItems)
	for _, r := range ig.Interactions {
		assert.Equal(t, 1.0, r.Rating)
	}
	assert.Equal(t, 2.0, ig.Interactions[2].Timestamp)
}

func TestLoadRatingsHeaderlessNamedIDs(t *testing.T) {
	path := writeRatings(t, "ratings.csv", "user1,item1,5,100\nuser1,item2,4,90\nuser2,item1,3,80\n")

	ig := NewInteractionGraph()
	require.NoError(t, ig.LoadRatings(path))
	assert.Equal(t, 2, ig.NumUsers)
	assert.Equal(t, 2, ig.NumItems)
	assert.Equal(t, 3, ig.NumInteractions)
	assert.Equal(t, "user1", ig.GetUserName(0))
	assert.Equal(t, 5.0, ig.Interactions[0].Rating)
	assert.Equal(t, 80.0, ig.MinTime)
}

func TestLoadRatingsForeignHeader(t *testing.T) {
	path := writeRatings(t, "ratings.csv", "userId,movieId,rating,timestamp\n1,31,2.5,1260759144\n1,1029,3,1260759179\n")

	ig := NewInteractionGraph()
	require.NoError(t, ig.LoadRatings(path))
	assert.Equal(t, 1, ig.NumUsers)
	assert.Equal(t, 2, ig.NumItems)
	assert.Equal(t, "1", ig.GetUserName(0))
	assert.Equal(t, "31", ig.GetItemName(0))
	assert.Equal(t, 2.5, ig.Interactions[0].Rating)
	assert.Equal(t, 1260759179.0, ig.MaxTime)
}

func TestSniffHeader(t *testing.T) {
	for _, tc := range []struct {
		line   string
		layout headerLayout
		cols   int
	}{
		{"col_item,col_user", namedHeader, 2},
		{"user1,item1,5,100", noHeader, 4},
		{"user1,item1", noHeader, 2},
		{"userId,movieId,rating,timestamp", foreignHeader, 4},
		{"u,i,rating", foreignHeader, 3},
	} {
		layout, cols, err := sniffHeader([]byte("\n"+tc.line+"\n"), ',')
		require.NoError(t, err, tc.line)
		assert.Equal(t, tc.layout, layout, tc.line)
		assert.Equal(t, tc.cols, cols, tc.line)
	}
}

func TestLoadRatingsErrors(t *testing.T) {
	ig := NewInteractionGraph()
	assert.Error(t, ig.LoadRatings(filepath.Join(t.TempDir(), "missing.csv")))
	assert.ErrorContains(t, NewInteractionGraph().LoadRatings(writeRatings(t, "empty.csv", "\n")), "empty")
	assert.ErrorContains(t, NewInteractionGraph().LoadRatings(writeRatings(t, "wide.csv", "1,2,3,4,5\n")), "columns")
	assert.ErrorContains(t, NewInteractionGraph().LoadRatings(writeRatings(t, "bad.csv",
		"col_user,col_item,col_rating\nu,i,five\n")), "invalid rating")
}
