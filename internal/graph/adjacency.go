package graph

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/cnclabs/ngcf/internal/data"
	"github.com/cnclabs/ngcf/pkg/sparse"
)

// Matrices are the three user-item graph operators. All are square over
// n_users + n_items vertices, users first.
type Matrices struct {
	// Adj is the symmetric binary interaction graph [[0, R], [R^T, 0]]
	Adj *sparse.COO
	// NormAdj is D^-1 (A + I)
	NormAdj *sparse.COO
	// MeanAdj is D^-1 A
	MeanAdj *sparse.COO
}

// Build constructs the adjacency matrices from the training split
func Build(ds *data.Dataset) *Matrices {
	n := ds.NUsers + ds.NItems
	start := time.Now()

	adj := sparse.NewCOO(n, n)
	seen := make(map[[2]int]bool, len(ds.Train))
	for _, r := range ds.Train {
		key := [2]int{r.UserID, r.ItemID}
		if seen[key] {
			continue
		}
		seen[key] = true
		adj.Add(r.UserID, ds.NUsers+r.ItemID, 1)
		adj.Add(ds.NUsers+r.ItemID, r.UserID, 1)
	}

	withSelf := sparse.NewCOO(n, n)
	withSelf.Row = append(append([]int(nil), adj.Row...), make([]int, n)...)
	withSelf.Col = append(append([]int(nil), adj.Col...), make([]int, n)...)
	withSelf.Val = append(append([]float64(nil), adj.Val...), make([]float64, n)...)
	for i := 0; i < n; i++ {
		withSelf.Row[adj.NNZ()+i] = i
		withSelf.Col[adj.NNZ()+i] = i
		withSelf.Val[adj.NNZ()+i] = 1
	}

	m := &Matrices{
		Adj:     adj,
		NormAdj: RowNormalize(withSelf),
		MeanAdj: RowNormalize(adj),
	}
	klog.V(1).Infof("Built %dx%d adjacency with %d edges in %s", n, n, adj.NNZ(), time.Since(start))
	return m
}

// RowNormalize returns D^-1 M where D holds the row sums of M. Empty rows
// stay empty.
func RowNormalize(m *sparse.COO) *sparse.COO {
	sums := make([]float64, m.Rows)
	for i, r := range m.Row {
		sums[r] += m.Val[i]
	}
	out := &sparse.COO{
		Rows: m.Rows,
		Cols: m.Cols,
		Row:  append([]int(nil), m.Row...),
		Col:  append([]int(nil), m.Col...),
		Val:  make([]float64, len(m.Val)),
	}
	for i, r := range m.Row {
		if sums[r] != 0 {
			out.Val[i] = m.Val[i] / sums[r]
		}
	}
	return out
}

// cacheKey ties a cache file to the exact training graph it was built from:
// the shape plus a digest of its distinct (user, item) edges
type cacheKey struct {
	NUsers, NItems, NTrain int
	Edges                  uint64
}

type cacheEntry struct {
	Key                   cacheKey
	Adj, NormAdj, MeanAdj *sparse.COO
}

// EdgeDigest hashes the distinct training (user, item) pairs in sorted order,
// so it depends only on the training graph and not on interaction order.
func EdgeDigest(ds *data.Dataset) uint64 {
	pairs := make([][2]int, 0, len(ds.Train))
	for _, r := range ds.Train {
		pairs = append(pairs, [2]int{r.UserID, r.ItemID})
	}
	slices.SortFunc(pairs, func(a, b [2]int) int {
		if a[0] != b[0] {
			return a[0] - b[0]
		}
		return a[1] - b[1]
	})
	pairs = slices.Compact(pairs)

	h := xxhash.New()
	var buf [16]byte
	for _, p := range pairs {
		binary.LittleEndian.PutUint64(buf[:8], uint64(p[0]))
		binary.LittleEndian.PutUint64(buf[8:], uint64(p[1]))
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}

// Load returns the matrices for ds, reading them from dir when a cache built
// from the same training graph exists and writing one otherwise. An empty dir
// disables caching.
func Load(ds *data.Dataset, dir string) (*Matrices, error) {
	if dir == "" {
		return Build(ds), nil
	}
	key := cacheKey{NUsers: ds.NUsers, NItems: ds.NItems, NTrain: len(ds.Train), Edges: EdgeDigest(ds)}
	path := filepath.Join(dir, fmt.Sprintf("%s_adj_%d_%d_%d_%016x.gob.sz", ds.Name, key.NUsers, key.NItems, key.NTrain, key.Edges))

	if m, err := readCache(path, key); err == nil {
		klog.Infof("Loaded adjacency matrices from %s", path)
		return m, nil
	} else if !os.IsNotExist(errors.Cause(err)) {
		klog.Warningf("Ignoring adjacency cache %s: %v", path, err)
	}

	m := Build(ds)
	if err := writeCache(path, key, m); err != nil {
		return nil, err
	}
	klog.Infof("Saved adjacency matrices to %s", path)
	return m, nil
}

func readCache(path string, key cacheKey) (*Matrices, error) {
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decompress")
	}
	var entry cacheEntry
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&entry); err != nil {
		return nil, errors.Wrap(err, "failed to decode")
	}
	if entry.Key != key {
		return nil, errors.Errorf("cache built for %+v, want %+v", entry.Key, key)
	}
	return &Matrices{Adj: entry.Adj, NormAdj: entry.NormAdj, MeanAdj: entry.MeanAdj}, nil
}

func writeCache(path string, key cacheKey, m *Matrices) error {
	var buf bytes.Buffer
	entry := cacheEntry{Key: key, Adj: m.Adj, NormAdj: m.NormAdj, MeanAdj: m.MeanAdj}
	if err := gob.NewEncoder(&buf).Encode(&entry); err != nil {
		return errors.Wrap(err, "failed to encode adjacency matrices")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create %s", filepath.Dir(path))
	}
	// concurrent trials may share the cache, so publish it with a rename
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return errors.Wrapf(err, "failed to create temporary file for %s", path)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(snappy.Encode(nil, buf.Bytes())); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "failed to write %s", tmp.Name())
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "failed to write %s", tmp.Name())
	}
	return errors.Wrapf(os.Rename(tmp.Name(), path), "failed to move cache into %s", path)
}
