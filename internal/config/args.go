package config

import (
	"encoding/json"
	"flag"
	"strconv"

	"github.com/pkg/errors"
)

// Args are command-line overrides. A nil field was not given on the command
// line and leaves the config file value untouched.
type Args struct {
	ConfigFile string
	EmbDim     *int
	Tune       string
	LR         *float64
	MaxEpoch   *int
	BatchSize  *int
}

// TuneEnabled reports whether --tune asked for hyper-parameter search.
// Any non-empty value other than an explicit false enables it.
func (a *Args) TuneEnabled() bool {
	if a.Tune == "" {
		return false
	}
	on, err := strconv.ParseBool(a.Tune)
	return err != nil || on
}

// RegisterFlags binds the override flags on fs and returns the Args they
// populate once fs has been parsed.
func RegisterFlags(fs *flag.FlagSet) *Args {
	args := &Args{}
	fs.StringVar(&args.ConfigFile, "config_file", DefaultConfigFile, "Specify the config file name")
	fs.StringVar(&args.Tune, "tune", "", "Run hyper-parameter search over the config's tunable space")
	fs.Func("emb_dim", "Dimension of the embedding", intSetter(&args.EmbDim))
	fs.Func("lr", "Initial learning rate", floatSetter(&args.LR))
	fs.Func("max_epoch", "Number of max epoch", intSetter(&args.MaxEpoch))
	fs.Func("batch_size", "Batch size for training", intSetter(&args.BatchSize))
	return args
}

func intSetter(dst **int) func(string) error {
	return func(s string) error {
		v, err := strconv.Atoi(s)
		if err != nil {
			return errors.Wrapf(err, "invalid integer %q", s)
		}
		*dst = &v
		return nil
	}
}

func floatSetter(dst **float64) func(string) error {
	return func(s string) error {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return errors.Wrapf(err, "invalid float %q", s)
		}
		*dst = &v
		return nil
	}
}

// ApplyArgs overrides config values with every flag that was set
func (c *Config) ApplyArgs(args *Args) {
	if args == nil {
		return
	}
	if args.EmbDim != nil {
		c.Model.EmbDim = *args.EmbDim
	}
	if args.LR != nil {
		c.Model.LR = *args.LR
	}
	if args.MaxEpoch != nil {
		c.Model.MaxEpoch = *args.MaxEpoch
	}
	if args.BatchSize != nil {
		c.Model.BatchSize = *args.BatchSize
	}
}

// Set assigns a model hyper-parameter by its config name. Values come from
// decoded JSON/YAML so numbers may arrive as float64 or int.
func (c *Config) Set(name string, value any) error {
	m := &c.Model
	var err error
	switch name {
	case "emb_dim":
		m.EmbDim, err = toInt(value)
	case "lr":
		m.LR, err = toFloat(value)
	case "max_epoch":
		m.MaxEpoch, err = toInt(value)
	case "batch_size":
		m.BatchSize, err = toInt(value)
	case "num_negative":
		m.NumNegative, err = toInt(value)
	case "reg":
		m.Reg, err = toFloat(value)
	case "neg_power":
		m.NegPower, err = toFloat(value)
	case "loss":
		s, ok := value.(string)
		if !ok {
			return errors.Errorf("tunable %q expects a string, got %T", name, value)
		}
		m.Loss = s
	case "layer_size":
		var sizes []int
		err = remarshal(value, &sizes)
		m.LayerSize = sizes
		m.MessDropout = resizeDropout(m.MessDropout, len(sizes))
	case "mess_dropout":
		var rates []float64
		err = remarshal(value, &rates)
		m.MessDropout = rates
	default:
		return errors.Errorf("unknown tunable parameter %q", name)
	}
	return errors.Wrapf(err, "tunable %q", name)
}

// resizeDropout fits rates to n layers, repeating the first rate (0.1 when
// there is none). Rates that already fit are kept.
func resizeDropout(rates []float64, n int) []float64 {
	if len(rates) == n {
		return rates
	}
	rate := 0.1
	if len(rates) > 0 {
		rate = rates[0]
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = rate
	}
	return out
}

func toInt(v any) (int, error) {
	switch x := v.(type) {
	case int:
		return x, nil
	case int64:
		return int(x), nil
	case float64:
		if x != float64(int(x)) {
			return 0, errors.Errorf("expected an integer, got %g", x)
		}
		return int(x), nil
	case json.Number:
		i, err := x.Int64()
		return int(i), err
	}
	return 0, errors.Errorf("expected an integer, got %T", v)
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	}
	return 0, errors.Errorf("expected a number, got %T", v)
}

func remarshal(in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
