package engine

import (
	"context"
	"io"

	"github.com/cnclabs/ngcf/internal/config"
	"github.com/cnclabs/ngcf/internal/eval"
	"github.com/cnclabs/ngcf/internal/tune"
)

// Tune runs hyper-parameter search over the config's tunable space, training
// each trial with fn.
func (t *TrainEngine) Tune(ctx context.Context, fn tune.TrainFunc) ([]*tune.Trial, error) {
	return tune.Run(ctx, t.Config, t.Config.System.TuneWorkers, fn)
}

// TrialWriters picks where each trial's summaries and progress bar go.
// Trials running side by side would interleave them, so with more than one
// tune worker both are discarded and each trial is reported through its log
// lines only. A nil writer keeps the engine default.
func (t *TrainEngine) TrialWriters() (out, progress io.Writer) {
	if t.Config.System.TuneWorkers > 1 {
		return io.Discard, io.Discard
	}
	return nil, nil
}

// TuneTrain returns the per-trial training function: a fresh engine is built
// from the trial config, trained, and tested. The validation result is what
// the search ranks by. Nil writers keep the engine defaults.
func TuneTrain(out, progress io.Writer) tune.TrainFunc {
	return func(ctx context.Context, cfg *config.Config) (eval.Result, error) {
		t, err := New(cfg)
		if err != nil {
			return nil, err
		}
		if out != nil {
			t.Out = out
		}
		if progress != nil {
			t.Progress = progress
		}
		best, err := t.Train(ctx)
		if err != nil {
			return nil, err
		}
		if _, err := t.Test(); err != nil {
			return best, err
		}
		return best, nil
	}
}
