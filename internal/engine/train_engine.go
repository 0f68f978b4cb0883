package engine

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/cnclabs/ngcf/internal/config"
	"github.com/cnclabs/ngcf/internal/data"
	"github.com/cnclabs/ngcf/internal/eval"
	"github.com/cnclabs/ngcf/internal/graph"
	"github.com/cnclabs/ngcf/internal/models/ngcf"
	"github.com/cnclabs/ngcf/internal/monitor"
	"github.com/cnclabs/ngcf/pkg/sparse"
)

// TrainEngine wires config, dataset, graph operator and model together and
// runs the train / validate / test cycle.
type TrainEngine struct {
	Config *config.Config

	Data    *data.Dataset
	NormAdj *sparse.Tensor

	GPUID     int
	DeviceStr string

	Engine       *ngcf.Engine
	Evaluator    *eval.Evaluator
	Monitor      *monitor.Monitor
	ModelSaveDir string

	BestValid eval.Result
	BestEpoch int
	RunTime   time.Duration

	// Out receives the model and learning-parameter summaries, os.Stdout by
	// default
	Out io.Writer
	// Progress receives the per-epoch progress bar, os.Stderr by default
	Progress io.Writer

	rng *rand.Rand
}

// New validates the config, loads the dataset and builds the normalised
// adjacency the model propagates over.
func New(cfg *config.Config) (*TrainEngine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	klog.V(1).Infof("Config:\n%s", cfg)

	evaluator, err := eval.NewEvaluator(cfg.System.Metrics, cfg.System.K, cfg.System.Threads)
	if err != nil {
		return nil, errors.Wrap(err, "invalid evaluation settings")
	}
	t := &TrainEngine{
		Config:    cfg,
		Evaluator: evaluator,
		Out:       os.Stdout,
		Progress:  os.Stderr,
		rng:       rand.New(rand.NewSource(cfg.System.Seed)),
	}
	if err := t.LoadDataset(); err != nil {
		return nil, err
	}
	if err := t.BuildDataLoader(); err != nil {
		return nil, err
	}
	return t, nil
}

// GetDevice picks the compute device. Only the CPU engine exists, so a GPU
// request falls back to it.
func (t *TrainEngine) GetDevice() (int, string) {
	if t.Config.System.Device == "gpu" {
		klog.Warningf("GPU requested but NGCF runs on the CPU engine; using %d threads", t.Config.System.Threads)
	}
	return -1, "cpu"
}

// LoadDataset reads and splits the ratings named by the config
func (t *TrainEngine) LoadDataset() error {
	d := t.Config.Dataset
	ds, err := data.Load(d.Dataset, t.Config.Resolve(d.Path), d.DataSplit, d.TestRate, d.ValidRate, t.Config.System.Seed)
	if err != nil {
		return err
	}
	t.Data = ds
	return nil
}

// BuildDataLoader selects the device and converts the normalised adjacency
// into the sparse tensor handed to the model.
func (t *TrainEngine) BuildDataLoader() error {
	t.GPUID, t.DeviceStr = t.GetDevice()
	matrices, err := graph.Load(t.Data, t.Config.Resolve(t.Config.Dataset.AdjDir))
	if err != nil {
		return errors.Wrap(err, "failed to build adjacency matrices")
	}
	t.NormAdj = sparse.ToTensor(matrices.NormAdj)
	klog.Infof("Normalised adjacency: %dx%d, %s nonzeros", t.NormAdj.Shape[0], t.NormAdj.Shape[1],
		humanize.Comma(int64(t.NormAdj.NNZ())))
	return nil
}

// SaveName is the checkpoint file name for this config
func (t *TrainEngine) SaveName() string {
	m := t.Config.Model
	if m.SaveName != "" {
		return m.SaveName
	}
	return fmt.Sprintf("%s_%s_%s_%s.model", m.Model, m.ConfigID, t.Config.Dataset.Dataset, m.Loss)
}

// ModelConfig derives the engine settings
func (t *TrainEngine) ModelConfig() ngcf.Config {
	m := t.Config.Model
	return ngcf.Config{
		NUsers:      t.Data.NUsers,
		NItems:      t.Data.NItems,
		EmbDim:      m.EmbDim,
		LayerSize:   m.LayerSize,
		MessDropout: m.MessDropout,
		LR:          m.LR,
		Reg:         m.Reg,
		Optimizer:   m.Optimizer,
		Workers:     t.Config.System.Threads,
		Seed:        t.Config.System.Seed,
		NormAdj:     t.NormAdj,
		Out:         t.Out,
	}
}

// Train selects the loader for the configured loss, builds the model and
// trains it. It returns the best validation result.
func (t *TrainEngine) Train(ctx context.Context) (eval.Result, error) {
	m := t.Config.Model
	loader, err := data.NewLoader(t.Data, m.Loss, m.BatchSize, m.NumNegative, m.NegPower)
	if err != nil {
		return nil, err
	}

	runDir := filepath.Join(t.Config.Resolve(t.Config.System.RunDir), strings.TrimSuffix(t.SaveName(), ".model"))
	t.Monitor, err = monitor.New(runDir, time.Second)
	if err != nil {
		return nil, err
	}
	t.ModelSaveDir = filepath.Join(t.Config.Resolve(t.Config.System.ModelSaveDir), t.SaveName())

	t.Engine, err = ngcf.New(t.ModelConfig())
	if err != nil {
		_, _ = t.Monitor.Stop()
		return nil, err
	}

	trainErr := t.train(ctx, t.Engine, loader, t.ModelSaveDir)
	runTime, stopErr := t.Monitor.Stop()
	t.RunTime = runTime
	if trainErr != nil {
		return nil, trainErr
	}
	if stopErr != nil {
		klog.Warningf("Monitor: %+v", stopErr)
	}
	return t.BestValid, nil
}

// train runs epochs until max_epoch, cancellation, or max_n_update epochs
// without a better validation score. The best model is saved to savePath.
func (t *TrainEngine) train(ctx context.Context, engine *ngcf.Engine, loader data.Loader, savePath string) error {
	m := t.Config.Model
	s := t.Config.System
	validTruth := data.GroundTruth(t.Data.Valid)

	fmt.Fprintln(t.Out, "Learning Parameters:")
	fmt.Fprintf(t.Out, "\tloss:\t\t\t%s\n", loader.Loss())
	fmt.Fprintf(t.Out, "\tlr:\t\t\t%.6f\n", m.LR)
	fmt.Fprintf(t.Out, "\treg:\t\t\t%g\n", m.Reg)
	fmt.Fprintf(t.Out, "\tbatch_size:\t\t%d\n", m.BatchSize)
	fmt.Fprintf(t.Out, "\tmax_epoch:\t\t%d\n", m.MaxEpoch)
	fmt.Fprintf(t.Out, "\tthreads:\t\t%d\n", s.Threads)
	fmt.Fprintln(t.Out, "Start Training:")

	t.BestValid, t.BestEpoch = nil, -1
	bestScore := -1.0
	stale := 0
	for epoch := 0; epoch < m.MaxEpoch; epoch++ {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "training interrupted at epoch %d", epoch)
		}

		start := time.Now()
		batches := loader.Epoch(t.rng)
		bar := progressbar.NewOptions(len(batches),
			progressbar.OptionSetDescription(fmt.Sprintf("epoch %d", epoch)),
			progressbar.OptionSetWriter(t.Progress),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("batches"),
			progressbar.OptionClearOnFinish(),
		)
		total := 0.0
		for i := range batches {
			loss, err := engine.TrainBatch(loader.Loss(), &batches[i])
			if err != nil {
				return err
			}
			total += loss
			t.Monitor.Batch()
			_ = bar.Add(1)
		}
		_ = bar.Finish()
		meanLoss := total / float64(max(len(batches), 1))
		t.Monitor.Epoch(meanLoss, time.Since(start))

		users, items := engine.Embeddings()
		result := t.Evaluator.Evaluate(users, items, t.Data, validTruth)
		t.Monitor.Validation(result)
		score, ok := result.Get(s.ValidMetric, s.ValidK)
		if !ok && len(validTruth) > 0 {
			return errors.Errorf("validation metric %s was not computed; add %d to system.k", eval.Key(s.ValidMetric, s.ValidK), s.ValidK)
		}
		klog.Infof("Epoch %d: loss %.5f, %s=%.4f (%s)", epoch, meanLoss, eval.Key(s.ValidMetric, s.ValidK), score,
			time.Since(start).Round(time.Millisecond))
		klog.V(1).Infof("Epoch %d validation: %s", epoch, result)

		if score > bestScore {
			bestScore = score
			t.BestValid, t.BestEpoch = result, epoch
			stale = 0
			if err := engine.Save(savePath); err != nil {
				return err
			}
			klog.V(1).Infof("Saved best model to %s", savePath)
			continue
		}
		stale++
		if stale >= m.MaxNUpdate {
			klog.Infof("No improvement for %d epochs, stopping at epoch %d", stale, epoch)
			break
		}
	}
	klog.Infof("Best epoch %d: %s", t.BestEpoch, t.BestValid)
	return nil
}

// Test reloads the best checkpoint, evaluates it on the test split and
// appends the outcome to the result file.
func (t *TrainEngine) Test() (eval.Result, error) {
	if t.Engine == nil {
		return nil, errors.New("test called before train")
	}
	if err := t.Engine.Load(t.ModelSaveDir); err != nil {
		return nil, err
	}
	users, items := t.Engine.Embeddings()
	result := t.Evaluator.Evaluate(users, items, t.Data, data.GroundTruth(t.Data.Test))
	klog.Infof("Test: %s", result)

	if err := t.appendResult(result); err != nil {
		return result, err
	}
	return result, nil
}

func (t *TrainEngine) appendResult(result eval.Result) error {
	path := t.Config.Resolve(t.Config.System.ResultFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create %s", filepath.Dir(path))
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "failed to open result file %s", path)
	}
	defer f.Close()

	m := t.Config.Model
	runID := ""
	if t.Monitor != nil {
		runID = t.Monitor.RunID
	}
	_, err = fmt.Fprintf(f, "%s\t%s\t%s\t%s\t%s\temb_dim=%d\tlr=%g\tbatch_size=%d\tbest_epoch=%d\trun_time=%s\t%s\n",
		time.Now().Format(time.RFC3339), runID, m.ConfigID, t.Config.Dataset.Dataset, m.Loss,
		m.EmbDim, m.LR, m.BatchSize, t.BestEpoch, t.RunTime.Round(time.Millisecond), result)
	return errors.Wrapf(err, "failed to write result file %s", path)
}
