package tune

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cnclabs/ngcf/internal/config"
	"github.com/cnclabs/ngcf/internal/eval"
)

func tunableConfig() *config.Config {
	cfg := config.Default()
	cfg.Tunable = []config.Tunable{
		{Name: "lr", Type: "choice", Values: []any{0.001, 0.01, 0.1}},
		{Name: "emb_dim", Type: "choice", Values: []any{16, 32}},
	}
	return cfg
}

func TestGrid(t *testing.T) {
	cfg := tunableConfig()
	trials, err := Grid(cfg)
	require.NoError(t, err)
	require.Len(t, trials, 6)

	seen := map[string]bool{}
	for _, trial := range trials {
		assert.False(t, seen[trial.ID], "duplicate trial id %s", trial.ID)
		seen[trial.ID] = true
		assert.True(t, strings.HasPrefix(trial.Config.Model.ConfigID, "default_trial"))
		assert.Empty(t, trial.Config.Tunable)
		require.Len(t, trial.Params, 2)
		assert.Equal(t, trial.Params[0].Value, trial.Config.Model.LR)
		assert.Equal(t, trial.Params[1].Value, trial.Config.Model.EmbDim)
	}
	assert.Equal(t, "lr=0.001 emb_dim=32", trials[1].Label())
	// the base config is left untouched
	assert.Equal(t, 64, cfg.Model.EmbDim)
	assert.Len(t, cfg.Tunable, 2)
}

func TestGridLayerSize(t *testing.T) {
	cfg := config.Default()
	cfg.Tunable = []config.Tunable{
		{Name: "mess_dropout", Type: "choice", Values: []any{[]any{0.2}, []any{0.0}}},
		{Name: "layer_size", Type: "choice", Values: []any{[]any{32}}},
	}
	trials, err := Grid(cfg)
	require.NoError(t, err)
	require.Len(t, trials, 2)
	assert.Equal(t, []float64{0.2}, trials[0].Config.Model.MessDropout)
	assert.Equal(t, []float64{0}, trials[1].Config.Model.MessDropout)
	for _, trial := range trials {
		assert.Equal(t, []int{32}, trial.Config.Model.LayerSize)
		assert.NoError(t, trial.Config.Validate())
	}

	cfg.Tunable = []config.Tunable{{Name: "layer_size", Type: "choice", Values: []any{[]any{16}, []any{16, 16, 16, 16}}}}
	trials, err = Grid(cfg)
	require.NoError(t, err)
	for _, trial := range trials {
		assert.Len(t, trial.Config.Model.MessDropout, len(trial.Config.Model.LayerSize))
		assert.NoError(t, trial.Config.Validate())
	}
}

func TestGridErrors(t *testing.T) {
	cfg := config.Default()
	_, err := Grid(cfg)
	assert.ErrorContains(t, err, "no tunable")

	cfg.Tunable = []config.Tunable{{Name: "lr", Type: "uniform", Values: []any{0.1}}}
	_, err = Grid(cfg)
	assert.ErrorContains(t, err, "unsupported type")

	cfg.Tunable = []config.Tunable{{Name: "lr", Type: "choice"}}
	_, err = Grid(cfg)
	assert.ErrorContains(t, err, "no values")

	cfg.Tunable = []config.Tunable{{Name: "dropout_rate", Type: "choice", Values: []any{0.1}}}
	_, err = Grid(cfg)
	assert.Error(t, err)
}

func TestRunRanksTrials(t *testing.T) {
	cfg := tunableConfig()
	var calls atomic.Int32
	fn := func(ctx context.Context, c *config.Config) (eval.Result, error) {
		calls.Add(1)
		if c.Model.LR == 0.1 && c.Model.EmbDim == 16 {
			return nil, errors.New("diverged")
		}
		return eval.Result{eval.Key("ndcg", 10): c.Model.LR + float64(c.Model.EmbDim)/1000}, nil
	}

	trials, err := Run(context.Background(), cfg, 3, fn)
	require.NoError(t, err)
	assert.EqualValues(t, 6, calls.Load())
	require.Len(t, trials, 6)

	assert.Equal(t, 0.1, trials[0].Config.Model.LR)
	assert.Equal(t, 32, trials[0].Config.Model.EmbDim)
	last := trials[len(trials)-1]
	assert.EqualError(t, last.Err, "diverged")
	for i := 1; i < len(trials)-1; i++ {
		prev, _ := trials[i-1].Result.Get("ndcg", 10)
		cur, _ := trials[i].Result.Get("ndcg", 10)
		assert.GreaterOrEqual(t, prev, cur)
	}
}

func TestRunAllFail(t *testing.T) {
	fn := func(ctx context.Context, c *config.Config) (eval.Result, error) {
		return nil, errors.New("boom")
	}
	trials, err := Run(context.Background(), tunableConfig(), 0, fn)
	assert.Len(t, trials, 6)
	assert.ErrorContains(t, err, "every tuning trial failed")
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fn := func(ctx context.Context, c *config.Config) (eval.Result, error) {
		return nil, ctx.Err()
	}
	_, err := Run(ctx, tunableConfig(), 2, fn)
	assert.ErrorIs(t, err, context.Canceled)
}
