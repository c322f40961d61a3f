package main

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/planlens/planlens/pkg/bench"
	"github.com/planlens/planlens/pkg/encode"
	"github.com/planlens/planlens/pkg/predict"
	"github.com/planlens/planlens/pkg/search"
	"github.com/planlens/planlens/pkg/train"
)

// loadConfig reads planlens.yaml (from path when given, else the working
// directory or /etc/planlens/) with PLANLENS_* environment overrides. A
// missing file is fine; the defaults stand.
func loadConfig(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("PLANLENS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.dir", "models")
	v.SetDefault("metrics.addr", "")

	v.SetDefault("mesh.hosts", 2)
	v.SetDefault("mesh.devices_per_host", 2)
	v.SetDefault("mesh.accelerator", "nvidia-a100")

	v.SetDefault("search.workers", 4)
	v.SetDefault("search.budget", 0)
	v.SetDefault("search.seed", 1)
	v.SetDefault("search.max_pipeline", 0)

	v.SetDefault("train.sample_fraction", 0.3)
	v.SetDefault("train.measure_timeout", "10m")
	v.SetDefault("train.measure_retries", 1)
	v.SetDefault("train.seed", 1)

	v.SetDefault("model.hidden_dim", 32)
	v.SetDefault("model.readout_dim", 16)
	v.SetDefault("model.epochs", 300)
	v.SetDefault("model.learning_rate", 3e-3)
	v.SetDefault("model.min_examples", 10)
	v.SetDefault("model.seed", 1)
	v.SetDefault("model.max_nodes", 512)

	v.SetDefault("sim.device_flops", 140e12)
	v.SetDefault("sim.intra_bw", 300e9)
	v.SetDefault("sim.inter_bw", 25e9)
	v.SetDefault("sim.noise", 0.0)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
		return v, nil
	}
	v.SetConfigName("planlens")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/planlens/")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	return v, nil
}

func searchConfig(v *viper.Viper) search.Config {
	return search.Config{
		Workers: v.GetInt("search.workers"),
		Budget:  v.GetInt("search.budget"),
		Seed:    v.GetInt64("search.seed"),
	}
}

func predictorConfig(v *viper.Viper) predict.Config {
	return predict.Config{
		HiddenDim:    v.GetInt("model.hidden_dim"),
		ReadoutDim:   v.GetInt("model.readout_dim"),
		Epochs:       v.GetInt("model.epochs"),
		LearningRate: v.GetFloat64("model.learning_rate"),
		MinExamples:  v.GetInt("model.min_examples"),
		Seed:         v.GetInt64("model.seed"),
	}
}

func trainConfig(v *viper.Viper, overwrite bool) train.Config {
	timeout, err := time.ParseDuration(v.GetString("train.measure_timeout"))
	if err != nil {
		timeout = 10 * time.Minute
	}
	return train.Config{
		MeasureTimeout: timeout,
		MeasureRetries: v.GetInt("train.measure_retries"),
		SampleFraction: v.GetFloat64("train.sample_fraction"),
		Seed:           v.GetInt64("train.seed"),
		Overwrite:      overwrite,
		Predictor:      predictorConfig(v),
		Encoder:        encode.Config{MaxNodes: v.GetInt("model.max_nodes")},
	}
}

func simConfig(v *viper.Viper) bench.SimConfig {
	return bench.SimConfig{
		DeviceFLOPS: v.GetFloat64("sim.device_flops"),
		IntraBW:     v.GetFloat64("sim.intra_bw"),
		InterBW:     v.GetFloat64("sim.inter_bw"),
		Noise:       v.GetFloat64("sim.noise"),
		Seed:        v.GetInt64("train.seed"),
	}
}
