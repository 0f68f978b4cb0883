package bipartite

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/pkg/errors"
)

// Column names of a ratings file with a header line
const (
	ColUser      = "col_user"
	ColItem      = "col_item"
	ColRating    = "col_rating"
	ColTimestamp = "col_timestamp"
)

// Interaction represents a user-item rating with its timestamp
type Interaction struct {
	UserID    int
	ItemID    int
	Rating    float64
	Timestamp float64
}

// InteractionGraph represents a bipartite user-item interaction network
type InteractionGraph struct {
	// User and item mappings
	UserHash map[string]int
	UserKeys []string
	ItemHash map[string]int
	ItemKeys []string

	// Interactions in file order
	Interactions []Interaction

	// Interaction history per user, sorted by timestamp
	UserInteractions [][]Interaction

	// Statistics
	NumUsers        int
	NumItems        int
	NumInteractions int

	// Time range
	MinTime float64
	MaxTime float64
}

// NewInteractionGraph creates a new bipartite interaction graph
func NewInteractionGraph() *InteractionGraph {
	return &InteractionGraph{
		UserHash: make(map[string]int),
		ItemHash: make(map[string]int),
	}
}

// LoadRatings loads user-item ratings from a delimited file. Tab is used for
// .tsv/.txt files, comma otherwise. A header line naming col_user, col_item,
// col_rating and col_timestamp is optional. Without one, or with a header
// using other names, the columns are taken positionally as user, item,
// rating, timestamp. Missing ratings default to 1 and missing timestamps to
// the row index.
func (ig *InteractionGraph) LoadRatings(filename string) error {
	contents, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrapf(err, "failed to open file %s", filename)
	}

	delimiter := ','
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".tsv", ".txt":
		delimiter = '\t'
	}

	layout, numCols, err := sniffHeader(contents, delimiter)
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", filename)
	}

	opts := []dataframe.LoadOption{
		dataframe.WithDelimiter(delimiter),
		dataframe.DetectTypes(false),
		dataframe.HasHeader(layout != noHeader),
	}
	if layout != namedHeader {
		names := []string{ColUser, ColItem, ColRating, ColTimestamp}
		if numCols < 2 || numCols > len(names) {
			return errors.Errorf("%s: expected 2 to 4 columns, got %d", filename, numCols)
		}
		opts = append(opts, dataframe.Names(names[:numCols]...))
	}
	df := dataframe.ReadCSV(bytes.NewReader(contents), opts...)
	if df.Err != nil {
		return errors.Wrapf(df.Err, "failed to parse %s", filename)
	}
	return errors.Wrap(ig.LoadDataFrame(df), filename)
}

// LoadDataFrame ingests ratings from an already parsed frame
func (ig *InteractionGraph) LoadDataFrame(df dataframe.DataFrame) error {
	columns := make(map[string]bool)
	for _, name := range df.Names() {
		columns[name] = true
	}
	if !columns[ColUser] || !columns[ColItem] {
		return errors.Errorf("ratings need %s and %s columns, got %v", ColUser, ColItem, df.Names())
	}

	users := df.Col(ColUser).Records()
	items := df.Col(ColItem).Records()
	var ratings, timestamps []string
	if columns[ColRating] {
		ratings = df.Col(ColRating).Records()
	}
	if columns[ColTimestamp] {
		timestamps = df.Col(ColTimestamp).Records()
	}

	for row := range users {
		rating := 1.0
		if ratings != nil {
			v, err := strconv.ParseFloat(strings.TrimSpace(ratings[row]), 64)
			if err != nil {
				return errors.Wrapf(err, "row %d: invalid rating %q", row, ratings[row])
			}
			rating = v
		}
		timestamp := float64(row)
		if timestamps != nil {
			v, err := strconv.ParseFloat(strings.TrimSpace(timestamps[row]), 64)
			if err != nil {
				return errors.Wrapf(err, "row %d: invalid timestamp %q", row, timestamps[row])
			}
			timestamp = v
		}
		ig.AddInteraction(strings.TrimSpace(users[row]), strings.TrimSpace(items[row]), rating, timestamp)
	}
	ig.Finalize()
	return nil
}

// AddInteraction records one rating, creating user and item ids on first sight
func (ig *InteractionGraph) AddInteraction(userName, itemName string, rating, timestamp float64) {
	userID := ig.getOrCreateUser(userName)
	itemID := ig.getOrCreateItem(itemName)

	ig.Interactions = append(ig.Interactions, Interaction{
		UserID:    userID,
		ItemID:    itemID,
		Rating:    rating,
		Timestamp: timestamp,
	})

	if len(ig.Interactions) == 1 || timestamp < ig.MinTime {
		ig.MinTime = timestamp
	}
	if len(ig.Interactions) == 1 || timestamp > ig.MaxTime {
		ig.MaxTime = timestamp
	}
}

// Finalize builds the per-user histories and statistics
func (ig *InteractionGraph) Finalize() {
	ig.NumUsers = len(ig.UserKeys)
	ig.NumItems = len(ig.ItemKeys)
	ig.NumInteractions = len(ig.Interactions)

	ig.UserInteractions = make([][]Interaction, ig.NumUsers)
	for _, interaction := range ig.Interactions {
		ig.UserInteractions[interaction.UserID] = append(ig.UserInteractions[interaction.UserID], interaction)
	}
	for userID := range ig.UserInteractions {
		history := ig.UserInteractions[userID]
		sort.SliceStable(history, func(i, j int) bool {
			return history[i].Timestamp < history[j].Timestamp
		})
	}
}

type headerLayout int

const (
	// noHeader means every line is a rating, columns taken positionally
	noHeader headerLayout = iota
	// namedHeader means the first line names col_user and col_item
	namedHeader
	// foreignHeader means the first line is a header with other names, e.g.
	// userId,movieId,rating,timestamp; it is skipped and columns are positional
	foreignHeader
)

// sniffHeader classifies the first non-empty line. A line is a header when it
// names col_user and col_item, or when a rating/timestamp field is not a
// number. Two-column files therefore need col_* names to carry a header.
func sniffHeader(contents []byte, delimiter rune) (headerLayout, int, error) {
	scanner := bufio.NewScanner(bytes.NewReader(contents))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, string(delimiter))
		names := make(map[string]bool, len(fields))
		for _, f := range fields {
			names[strings.TrimSpace(f)] = true
		}
		if names[ColUser] && names[ColItem] {
			return namedHeader, len(fields), nil
		}
		for _, f := range fields[min(2, len(fields)):] {
			if _, err := strconv.ParseFloat(strings.TrimSpace(f), 64); err != nil {
				return foreignHeader, len(fields), nil
			}
		}
		return noHeader, len(fields), nil
	}
	if err := scanner.Err(); err != nil {
		return noHeader, 0, err
	}
	return noHeader, 0, errors.New("empty ratings file")
}

// getOrCreateUser gets or creates a user
func (ig *InteractionGraph) getOrCreateUser(name string) int {
	if id, exists := ig.UserHash[name]; exists {
		return id
	}

	id := len(ig.UserKeys)
	ig.UserHash[name] = id
	ig.UserKeys = append(ig.UserKeys, name)

	return id
}

// getOrCreateItem gets or creates an item
func (ig *InteractionGraph) getOrCreateItem(name string) int {
	if id, exists := ig.ItemHash[name]; exists {
		return id
	}

	id := len(ig.ItemKeys)
	ig.ItemHash[name] = id
	ig.ItemKeys = append(ig.ItemKeys, name)

	return id
}

// GetUserName returns the name of a user
func (ig *InteractionGraph) GetUserName(id int) string {
	if id < 0 || id >= len(ig.UserKeys) {
		return ""
	}
	return ig.UserKeys[id]
}

// GetItemName returns the name of an item
func (ig *InteractionGraph) GetItemName(id int) string {
	if id < 0 || id >= len(ig.ItemKeys) {
		return ""
	}
	return ig.ItemKeys[id]
}

// Statistics summarises the graph for logging
func (ig *InteractionGraph) Statistics() string {
	maxUser := 0
	for _, history := range ig.UserInteractions {
		if len(history) > maxUser {
			maxUser = len(history)
		}
	}
	avgUser := 0.0
	if ig.NumUsers > 0 {
		avgUser = float64(ig.NumInteractions) / float64(ig.NumUsers)
	}
	density := 0.0
	if ig.NumUsers > 0 && ig.NumItems > 0 {
		density = float64(ig.NumInteractions) / float64(ig.NumUsers) / float64(ig.NumItems)
	}
	return fmt.Sprintf("%d users, %d items, %d interactions, %.2f per user (max %d), density %.5f, time range [%.0f, %.0f]",
		ig.NumUsers, ig.NumItems, ig.NumInteractions, avgUser, maxUser, density, ig.MinTime, ig.MaxTime)
}
