package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is used when --config_file is not given
const DefaultConfigFile = "../configs/ngcf_default.json"

var validate = validator.New()

// System holds run-level settings
type System struct {
	RootDir      string   `json:"root_dir" yaml:"root_dir"`
	Device       string   `json:"device" yaml:"device" validate:"omitempty,oneof=cpu gpu"`
	Threads      int      `json:"threads" yaml:"threads" validate:"min=1"`
	Seed         int64    `json:"seed" yaml:"seed"`
	Metrics      []string `json:"metrics" yaml:"metrics" validate:"min=1,dive,oneof=ndcg precision recall map"`
	K            []int    `json:"k" yaml:"k" validate:"min=1,dive,min=1"`
	ValidMetric  string   `json:"valid_metric" yaml:"valid_metric" validate:"oneof=ndcg precision recall map"`
	ValidK       int      `json:"valid_k" yaml:"valid_k" validate:"min=1"`
	RunDir       string   `json:"run_dir" yaml:"run_dir"`
	ModelSaveDir string   `json:"model_save_dir" yaml:"model_save_dir"`
	ResultFile   string   `json:"result_file" yaml:"result_file"`
	TuneWorkers  int      `json:"tune_workers" yaml:"tune_workers" validate:"min=1"`
}

// Dataset describes where ratings come from and how they are split
type Dataset struct {
	Dataset   string  `json:"dataset" yaml:"dataset" validate:"required"`
	Path      string  `json:"path" yaml:"path" validate:"required"`
	DataSplit string  `json:"data_split" yaml:"data_split" validate:"oneof=leave_one_out random"`
	TestRate  float64 `json:"test_rate" yaml:"test_rate" validate:"gte=0,lt=1"`
	ValidRate float64 `json:"valid_rate" yaml:"valid_rate" validate:"gte=0,lt=1"`
	AdjDir    string  `json:"adj_dir" yaml:"adj_dir"`
}

// Model holds NGCF hyper-parameters
type Model struct {
	Model       string    `json:"model" yaml:"model"`
	ConfigID    string    `json:"config_id" yaml:"config_id"`
	EmbDim      int       `json:"emb_dim" yaml:"emb_dim" validate:"min=1"`
	LayerSize   []int     `json:"layer_size" yaml:"layer_size" validate:"dive,min=1"`
	MessDropout []float64 `json:"mess_dropout" yaml:"mess_dropout" validate:"dive,gte=0,lt=1"`
	LR          float64   `json:"lr" yaml:"lr" validate:"gt=0"`
	MaxEpoch    int       `json:"max_epoch" yaml:"max_epoch" validate:"min=1"`
	BatchSize   int       `json:"batch_size" yaml:"batch_size" validate:"min=1"`
	Optimizer   string    `json:"optimizer" yaml:"optimizer" validate:"oneof=adam sgd"`
	Loss        string    `json:"loss" yaml:"loss"`
	NumNegative int       `json:"num_negative" yaml:"num_negative" validate:"min=1"`
	NegPower    float64   `json:"neg_power" yaml:"neg_power" validate:"gte=0"`
	Reg         float64   `json:"reg" yaml:"reg" validate:"gte=0"`
	MaxNUpdate  int       `json:"max_n_update" yaml:"max_n_update" validate:"min=1"`
	SaveName    string    `json:"save_name" yaml:"save_name"`
}

// Tunable is one dimension of the hyper-parameter search space
type Tunable struct {
	Name   string `json:"name" yaml:"name" validate:"required"`
	Type   string `json:"type" yaml:"type" validate:"oneof=choice"`
	Values []any  `json:"values" yaml:"values" validate:"min=1"`
}

// Config is the full training configuration
type Config struct {
	System  System    `json:"system" yaml:"system"`
	Dataset Dataset   `json:"dataset" yaml:"dataset"`
	Model   Model     `json:"model" yaml:"model"`
	Tunable []Tunable `json:"tunable" yaml:"tunable" validate:"dive"`
}

// Default returns a config with every optional field populated
func Default() *Config {
	cfg := &Config{}
	cfg.fillDefaults()
	return cfg
}

// Load reads a JSON or YAML config file and fills in defaults for missing
// fields. The format is chosen by extension.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %q", path)
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse config file %q", path)
	}

	cfg.fillDefaults()
	if cfg.System.RootDir == "" {
		cfg.System.RootDir = filepath.Dir(path)
	}
	return cfg, nil
}

func (c *Config) fillDefaults() {
	s := &c.System
	if s.RootDir == "" {
		s.RootDir = "."
	}
	if s.Device == "" {
		s.Device = "cpu"
	}
	if s.Threads == 0 {
		s.Threads = 1
	}
	if s.Seed == 0 {
		s.Seed = 2020
	}
	if len(s.Metrics) == 0 {
		s.Metrics = []string{"ndcg", "precision", "recall", "map"}
	}
	if len(s.K) == 0 {
		s.K = []int{5, 10, 20}
	}
	if s.ValidMetric == "" {
		s.ValidMetric = "ndcg"
	}
	if s.ValidK == 0 {
		s.ValidK = 10
	}
	if s.RunDir == "" {
		s.RunDir = "runs"
	}
	if s.ModelSaveDir == "" {
		s.ModelSaveDir = "checkpoints"
	}
	if s.ResultFile == "" {
		s.ResultFile = "results/ngcf_result.tsv"
	}
	if s.TuneWorkers == 0 {
		s.TuneWorkers = 1
	}

	d := &c.Dataset
	if d.Dataset == "" {
		d.Dataset = "ml_100k"
	}
	if d.Path == "" {
		d.Path = filepath.Join("datasets", d.Dataset, "ratings.csv")
	}
	if d.DataSplit == "" {
		d.DataSplit = "leave_one_out"
	}
	if d.AdjDir == "" {
		d.AdjDir = filepath.Join("datasets", d.Dataset, "adj")
	}

	m := &c.Model
	if m.Model == "" {
		m.Model = "NGCF"
	}
	if m.ConfigID == "" {
		m.ConfigID = "default"
	}
	if m.EmbDim == 0 {
		m.EmbDim = 64
	}
	if m.LayerSize == nil {
		m.LayerSize = []int{64, 64, 64}
	}
	if m.MessDropout == nil {
		m.MessDropout = make([]float64, len(m.LayerSize))
		for i := range m.MessDropout {
			m.MessDropout[i] = 0.1
		}
	}
	if m.LR == 0 {
		m.LR = 0.001
	}
	if m.MaxEpoch == 0 {
		m.MaxEpoch = 20
	}
	if m.BatchSize == 0 {
		m.BatchSize = 1024
	}
	if m.Optimizer == "" {
		m.Optimizer = "adam"
	}
	if m.Loss == "" {
		m.Loss = "bpr"
	}
	if m.NumNegative == 0 {
		m.NumNegative = 4
	}
	if m.Reg == 0 {
		m.Reg = 1e-5
	}
	if m.MaxNUpdate == 0 {
		m.MaxNUpdate = 20
	}
}

// Validate checks struct constraints and cross-field invariants. The loss
// type is deliberately not checked here: it is rejected when the training
// loader is selected.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	if len(c.Model.MessDropout) != len(c.Model.LayerSize) {
		return errors.Errorf("invalid config: mess_dropout has %d entries, layer_size has %d",
			len(c.Model.MessDropout), len(c.Model.LayerSize))
	}
	if c.Dataset.TestRate+c.Dataset.ValidRate >= 1 {
		return errors.Errorf("invalid config: test_rate + valid_rate must be < 1, got %g",
			c.Dataset.TestRate+c.Dataset.ValidRate)
	}
	return nil
}

// Resolve joins a relative path onto the system root directory
func (c *Config) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.System.RootDir, path)
}

// Clone returns a deep copy
func (c *Config) Clone() *Config {
	out := *c
	out.System.Metrics = append([]string(nil), c.System.Metrics...)
	out.System.K = append([]int(nil), c.System.K...)
	out.Model.LayerSize = append([]int(nil), c.Model.LayerSize...)
	out.Model.MessDropout = append([]float64(nil), c.Model.MessDropout...)
	out.Tunable = make([]Tunable, len(c.Tunable))
	for i, t := range c.Tunable {
		out.Tunable[i] = Tunable{Name: t.Name, Type: t.Type, Values: append([]any(nil), t.Values...)}
	}
	return &out
}

// String renders the config as indented JSON for logging
func (c *Config) String() string {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", *c)
	}
	return string(data)
}
