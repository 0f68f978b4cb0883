package tune

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/cnclabs/ngcf/internal/config"
	"github.com/cnclabs/ngcf/internal/eval"
)

// TrainFunc trains one trial configuration and returns its best validation
// result.
type TrainFunc func(ctx context.Context, cfg *config.Config) (eval.Result, error)

// Param is one assignment of a tunable parameter
type Param struct {
	Name  string
	Value any
}

// Trial is one point of the search grid
type Trial struct {
	ID     string
	Params []Param
	Config *config.Config
	Result eval.Result
	Err    error
}

// Label renders the parameter assignment, e.g. "lr=0.01 emb_dim=64"
func (t *Trial) Label() string {
	parts := make([]string, len(t.Params))
	for i, p := range t.Params {
		parts[i] = fmt.Sprintf("%s=%v", p.Name, p.Value)
	}
	return strings.Join(parts, " ")
}

// Grid expands the tunable space of cfg into the cross product of its choice
// values. Each trial gets a cloned config with its own config id.
func Grid(cfg *config.Config) ([]*Trial, error) {
	if len(cfg.Tunable) == 0 {
		return nil, errors.New("no tunable parameters in config")
	}

	assignments := [][]Param{nil}
	for _, tunable := range cfg.Tunable {
		if tunable.Type != "choice" {
			return nil, errors.Errorf("tunable %q: unsupported type %q", tunable.Name, tunable.Type)
		}
		if len(tunable.Values) == 0 {
			return nil, errors.Errorf("tunable %q has no values", tunable.Name)
		}
		next := make([][]Param, 0, len(assignments)*len(tunable.Values))
		for _, prefix := range assignments {
			for _, v := range tunable.Values {
				params := append(append([]Param(nil), prefix...), Param{Name: tunable.Name, Value: v})
				next = append(next, params)
			}
		}
		assignments = next
	}

	trials := make([]*Trial, 0, len(assignments))
	for i, params := range assignments {
		trialCfg := cfg.Clone()
		// layer_size resizes mess_dropout, so a tuned mess_dropout goes last
		ordered := slices.Clone(params)
		slices.SortStableFunc(ordered, func(a, b Param) int {
			return cmp.Compare(dropoutLast(a), dropoutLast(b))
		})
		for _, p := range ordered {
			if err := trialCfg.Set(p.Name, p.Value); err != nil {
				return nil, err
			}
		}
		id := fmt.Sprintf("trial%03d_%s", i, uuid.NewString()[:8])
		trialCfg.Model.ConfigID = cfg.Model.ConfigID + "_" + id
		trialCfg.Model.SaveName = ""
		trialCfg.Tunable = nil
		trials = append(trials, &Trial{ID: id, Params: params, Config: trialCfg})
	}
	return trials, nil
}

func dropoutLast(p Param) int {
	if p.Name == "mess_dropout" {
		return 1
	}
	return 0
}

// Run trains every grid trial with at most workers running at once and
// returns the trials sorted best first by metric@k. A failing trial is
// logged and kept with its error; Run only fails when every trial fails or
// ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config, workers int, fn TrainFunc) ([]*Trial, error) {
	trials, err := Grid(cfg)
	if err != nil {
		return nil, err
	}
	if workers < 1 {
		workers = 1
	}
	klog.Infof("Tuning %d trials with %d workers", len(trials), workers)

	queue := make(chan *Trial)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for trial := range queue {
				trial.Result, trial.Err = fn(ctx, trial.Config)
				if trial.Err != nil {
					klog.Errorf("Trial %s (%s) failed: %+v", trial.ID, trial.Label(), trial.Err)
					continue
				}
				klog.Infof("Trial %s (%s): %s", trial.ID, trial.Label(), trial.Result)
			}
		}()
	}

feed:
	for _, trial := range trials {
		select {
		case queue <- trial:
		case <-ctx.Done():
			break feed
		}
	}
	close(queue)
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return trials, errors.Wrap(err, "tuning interrupted")
	}

	metric, k := cfg.System.ValidMetric, cfg.System.ValidK
	sort.SliceStable(trials, func(i, j int) bool {
		return score(trials[i], metric, k) > score(trials[j], metric, k)
	})
	if trials[0].Err != nil {
		return trials, errors.Wrap(trials[0].Err, "every tuning trial failed")
	}
	return trials, nil
}

// score ranks failed trials last
func score(t *Trial, metric string, k int) float64 {
	if t.Err != nil {
		return -2
	}
	v, ok := t.Result.Get(metric, k)
	if !ok {
		return -1
	}
	return v
}
