// Package searchcfg holds the tunable parameters of the PUCT search and
// loads them the way the rest of the stack loads configuration: a single
// struct, a package-level default constructor, and a Load that lets an
// operator override fields from a file or the environment.
package searchcfg

import (
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BestMoveSelection picks which root child the driver reports at the end
// of a search.
type BestMoveSelection int

const (
	MaxN BestMoveSelection = iota
	MaxQ
	MaxNWithQTiebreak
)

// Config carries every tunable of the PUCT search. A zero-value Config
// is not usable; use DefaultConfig() and override from there.
type Config struct {
	CpuctBase              float64
	CpuctFactor            float64
	CpuctInit              float64
	CpuctAtRootMultiplier  float64
	FPUReduction           float64
	FPUReductionAtRoot     float64
	PolicySoftmaxTemp      float64
	DirichletNoiseEpsilon  float64
	DirichletNoiseAlpha    float64
	VirtualLossPerVisit    int32
	TranspositionMinVisits uint32
	MaxNodes               uint64
	MaxBatchSize           int
	TargetBatchSize        int
	NumWorkerThreads       int
	TreeReuseEnabled       bool
	BestMoveSelection      BestMoveSelection
}

// DefaultConfig returns the parameter set Ceres ships with;
// deployments are expected to override per network and hardware.
func DefaultConfig() *Config {
	return &Config{
		CpuctBase:              1.745,
		CpuctFactor:            1.1,
		CpuctInit:              19652.0,
		CpuctAtRootMultiplier:  1.0,
		FPUReduction:           0.33,
		FPUReductionAtRoot:     0.33,
		PolicySoftmaxTemp:      1.0,
		DirichletNoiseEpsilon:  0.0,
		DirichletNoiseAlpha:    0.3,
		VirtualLossPerVisit:    1,
		TranspositionMinVisits: 10,
		MaxNodes:               4_000_000,
		MaxBatchSize:           512,
		TargetBatchSize:        256,
		NumWorkerThreads:       4,
		TreeReuseEnabled:       true,
		BestMoveSelection:      MaxNWithQTiebreak,
	}
}

// Load overlays file-based and CERES_*-environment overrides onto c
// using viper.
func (c *Config) Load(path string) error {
	v := viper.New()
	v.SetEnvPrefix("CERES")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	bindDefaults(v, c)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return err
		}
	}

	c.CpuctBase = v.GetFloat64("cpuct_base")
	c.CpuctFactor = v.GetFloat64("cpuct_factor")
	c.CpuctInit = v.GetFloat64("cpuct_init")
	c.CpuctAtRootMultiplier = v.GetFloat64("cpuct_at_root_multiplier")
	c.FPUReduction = v.GetFloat64("fpu_reduction")
	c.FPUReductionAtRoot = v.GetFloat64("fpu_reduction_at_root")
	c.PolicySoftmaxTemp = v.GetFloat64("policy_softmax_temperature")
	c.DirichletNoiseEpsilon = v.GetFloat64("dirichlet_noise_epsilon")
	c.DirichletNoiseAlpha = v.GetFloat64("dirichlet_noise_alpha")
	c.VirtualLossPerVisit = int32(v.GetInt("virtual_loss_per_visit"))
	c.TranspositionMinVisits = uint32(v.GetInt("transposition_min_visits"))
	c.MaxNodes = uint64(v.GetInt64("max_nodes"))
	c.MaxBatchSize = v.GetInt("max_batch_size")
	c.TargetBatchSize = v.GetInt("target_batch_size")
	c.NumWorkerThreads = v.GetInt("num_worker_threads")
	c.TreeReuseEnabled = v.GetBool("tree_reuse_enabled")
	switch strings.ToLower(v.GetString("best_move_selection")) {
	case "maxq":
		c.BestMoveSelection = MaxQ
	case "maxn":
		c.BestMoveSelection = MaxN
	default:
		c.BestMoveSelection = MaxNWithQTiebreak
	}
	return nil
}

// Watch loads path and re-applies it whenever the file changes on disk,
// invoking onChange with the updated Config. Searches already in flight
// keep the snapshot they started with; the next Search picks up the new
// values.
func (c *Config) Watch(path string, onChange func(*Config)) error {
	v := viper.New()
	v.SetEnvPrefix("CERES")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	bindDefaults(v, c)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return err
	}
	if err := c.Load(path); err != nil {
		return err
	}
	v.OnConfigChange(func(fsnotify.Event) {
		if err := c.Load(path); err == nil && onChange != nil {
			onChange(c)
		}
	})
	v.WatchConfig()
	return nil
}

func bindDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("cpuct_base", c.CpuctBase)
	v.SetDefault("cpuct_factor", c.CpuctFactor)
	v.SetDefault("cpuct_init", c.CpuctInit)
	v.SetDefault("cpuct_at_root_multiplier", c.CpuctAtRootMultiplier)
	v.SetDefault("fpu_reduction", c.FPUReduction)
	v.SetDefault("fpu_reduction_at_root", c.FPUReductionAtRoot)
	v.SetDefault("policy_softmax_temperature", c.PolicySoftmaxTemp)
	v.SetDefault("dirichlet_noise_epsilon", c.DirichletNoiseEpsilon)
	v.SetDefault("dirichlet_noise_alpha", c.DirichletNoiseAlpha)
	v.SetDefault("virtual_loss_per_visit", c.VirtualLossPerVisit)
	v.SetDefault("transposition_min_visits", c.TranspositionMinVisits)
	v.SetDefault("max_nodes", c.MaxNodes)
	v.SetDefault("max_batch_size", c.MaxBatchSize)
	v.SetDefault("target_batch_size", c.TargetBatchSize)
	v.SetDefault("num_worker_threads", c.NumWorkerThreads)
	v.SetDefault("tree_reuse_enabled", c.TreeReuseEnabled)
	switch c.BestMoveSelection {
	case MaxN:
		v.SetDefault("best_move_selection", "maxn")
	case MaxQ:
		v.SetDefault("best_move_selection", "maxq")
	default:
		v.SetDefault("best_move_selection", "maxnwithqtiebreak")
	}
}
