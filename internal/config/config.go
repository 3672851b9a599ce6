// Package config layers defaults, an optional config file, MOSHI_ environment
// variables and command-line flags into one Config.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Paths    PathsConfig   `mapstructure:"paths"`
	Runtime  RuntimeConfig `mapstructure:"runtime"`
	Mimi     MimiConfig    `mapstructure:"mimi"`
	LM       LMConfig      `mapstructure:"lm"`
	Audio    AudioConfig   `mapstructure:"audio"`
	Server   ServerConfig  `mapstructure:"server"`
	LogLevel string        `mapstructure:"log_level"`
}

type PathsConfig struct {
	MimiWeights string `mapstructure:"mimi_weights"`
	LMWeights   string `mapstructure:"lm_weights"`
	Vocab       string `mapstructure:"vocab"`
	ModelDir    string `mapstructure:"model_dir"`
}

type RuntimeConfig struct {
	TensorWorkers int `mapstructure:"tensor_workers"`
	ConvWorkers   int `mapstructure:"conv_workers"`
}

type MimiConfig struct {
	NumCodebooks int `mapstructure:"num_codebooks"`
}

type LMConfig struct {
	Preset           string  `mapstructure:"preset"`
	TextTemperature  float64 `mapstructure:"text_temperature"`
	TextTopP         float64 `mapstructure:"text_top_p"`
	AudioTemperature float64 `mapstructure:"audio_temperature"`
	AudioTopP        float64 `mapstructure:"audio_top_p"`
	Seed             uint64  `mapstructure:"seed"`
	TextDelay        int     `mapstructure:"text_delay"`
	AudioDelay       int     `mapstructure:"audio_delay"`
}

type AudioConfig struct {
	SampleRate  int `mapstructure:"sample_rate"`
	ChunkSize   int `mapstructure:"chunk_size"`
	RingSeconds int `mapstructure:"ring_seconds"`
	Channel     int `mapstructure:"channel"`
}

type ServerConfig struct {
	ListenAddr      string `mapstructure:"listen_addr"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"`
	MaxSessions     int    `mapstructure:"max_sessions"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	return Config{
		Paths: PathsConfig{
			MimiWeights: "models/tokenizer-e351c8d8-checkpoint125.safetensors",
			LMWeights:   "models/model.safetensors",
			Vocab:       "models/tokenizer_spm_32k_3.json",
			ModelDir:    "models",
		},
		Runtime: RuntimeConfig{
			TensorWorkers: 0,
			ConvWorkers:   1,
		},
		Mimi: MimiConfig{
			NumCodebooks: 8,
		},
		LM: LMConfig{
			Preset:           "v0.1",
			TextTemperature:  0.7,
			TextTopP:         0.95,
			AudioTemperature: 0.8,
			AudioTopP:        0.95,
			Seed:             299792458,
			TextDelay:        0,
			AudioDelay:       0,
		},
		Audio: AudioConfig{
			SampleRate:  24000,
			ChunkSize:   1920,
			RingSeconds: 4,
			Channel:     -1,
		},
		Server: ServerConfig{
			ListenAddr:      ":8998",
			ShutdownTimeout: 10,
			MaxSessions:     1,
		},
		LogLevel: "info",
	}
}

// keys maps every flag name to its config key.
var keys = map[string]string{
	"paths-mimi-weights":      "paths.mimi_weights",
	"paths-lm-weights":        "paths.lm_weights",
	"paths-vocab":             "paths.vocab",
	"paths-model-dir":         "paths.model_dir",
	"runtime-tensor-workers":  "runtime.tensor_workers",
	"runtime-conv-workers":    "runtime.conv_workers",
	"mimi-num-codebooks":      "mimi.num_codebooks",
	"lm-preset":               "lm.preset",
	"lm-text-temperature":     "lm.text_temperature",
	"lm-text-top-p":           "lm.text_top_p",
	"lm-audio-temperature":    "lm.audio_temperature",
	"lm-audio-top-p":          "lm.audio_top_p",
	"lm-seed":                 "lm.seed",
	"lm-text-delay":           "lm.text_delay",
	"lm-audio-delay":          "lm.audio_delay",
	"audio-sample-rate":       "audio.sample_rate",
	"audio-chunk-size":        "audio.chunk_size",
	"audio-ring-seconds":      "audio.ring_seconds",
	"audio-channel":           "audio.channel",
	"server-listen-addr":      "server.listen_addr",
	"server-shutdown-timeout": "server.shutdown_timeout",
	"server-max-sessions":     "server.max_sessions",
	"log-level":               "log_level",
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("paths-mimi-weights", defaults.Paths.MimiWeights, "Path to Mimi codec safetensors")
	fs.String("paths-lm-weights", defaults.Paths.LMWeights, "Path to language model safetensors")
	fs.String("paths-vocab", defaults.Paths.Vocab, "Path to the id-to-piece vocabulary json")
	fs.String("paths-model-dir", defaults.Paths.ModelDir, "Directory for downloaded checkpoints")
	fs.Int("runtime-tensor-workers", defaults.Runtime.TensorWorkers, "Goroutines for tensor kernels (0 = GOMAXPROCS)")
	fs.Int("runtime-conv-workers", defaults.Runtime.ConvWorkers, "Goroutines for conv kernels (<=1 sequential)")
	fs.Int("mimi-num-codebooks", defaults.Mimi.NumCodebooks, "Codebooks the codec emits per frame")
	fs.String("lm-preset", defaults.LM.Preset, "Language model preset (v0.1|asr-1b)")
	fs.Float64("lm-text-temperature", defaults.LM.TextTemperature, "Text sampling temperature (<=0 greedy)")
	fs.Float64("lm-text-top-p", defaults.LM.TextTopP, "Text nucleus sampling mass")
	fs.Float64("lm-audio-temperature", defaults.LM.AudioTemperature, "Audio sampling temperature (<=0 greedy)")
	fs.Float64("lm-audio-top-p", defaults.LM.AudioTopP, "Audio nucleus sampling mass")
	fs.Uint64("lm-seed", defaults.LM.Seed, "Sampler seed")
	fs.Int("lm-text-delay", defaults.LM.TextDelay, "Steps before text output is reported (0 = preset default)")
	fs.Int("lm-audio-delay", defaults.LM.AudioDelay, "Delay in steps for the delayed audio codebooks (0 = preset default)")
	fs.Int("audio-sample-rate", defaults.Audio.SampleRate, "Codec sample rate")
	fs.Int("audio-chunk-size", defaults.Audio.ChunkSize, "Capture chunk size in samples")
	fs.Int("audio-ring-seconds", defaults.Audio.RingSeconds, "Playback ring capacity in seconds")
	fs.Int("audio-channel", defaults.Audio.Channel, "Input channel to keep (-1 averages all channels)")
	fs.String("server-listen-addr", defaults.Server.ListenAddr, "HTTP listen address")
	fs.Int("server-shutdown-timeout", defaults.Server.ShutdownTimeout, "Graceful shutdown timeout in seconds")
	fs.Int("server-max-sessions", defaults.Server.MaxSessions, "Concurrent websocket sessions")
	fs.String("log-level", defaults.LogLevel, "Log level (debug|info|warn|error)")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)

	if opts.Cmd != nil {
		if err := bindFlags(v, opts.Cmd.Flags()); err != nil {
			return Config{}, err
		}
	}

	v.SetEnvPrefix("MOSHI")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)

		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("moshi")
		v.AddConfigPath(".")

		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate rejects values no component can run with.
func (c Config) Validate() error {
	switch {
	case c.Audio.SampleRate <= 0:
		return fmt.Errorf("config: audio.sample_rate must be positive, got %d", c.Audio.SampleRate)
	case c.Audio.ChunkSize <= 0:
		return fmt.Errorf("config: audio.chunk_size must be positive, got %d", c.Audio.ChunkSize)
	case c.Audio.RingSeconds <= 0:
		return fmt.Errorf("config: audio.ring_seconds must be positive, got %d", c.Audio.RingSeconds)
	case c.Mimi.NumCodebooks <= 0:
		return fmt.Errorf("config: mimi.num_codebooks must be positive, got %d", c.Mimi.NumCodebooks)
	case c.LM.TextTopP < 0 || c.LM.TextTopP > 1 || c.LM.AudioTopP < 0 || c.LM.AudioTopP > 1:
		return errors.New("config: lm top_p values must be within [0, 1]")
	case c.LM.TextDelay < 0:
		return fmt.Errorf("config: lm.text_delay must not be negative, got %d", c.LM.TextDelay)
	case c.LM.AudioDelay < 0:
		return fmt.Errorf("config: lm.audio_delay must not be negative, got %d", c.LM.AudioDelay)
	case c.Server.MaxSessions < 1:
		return fmt.Errorf("config: server.max_sessions must be at least 1, got %d", c.Server.MaxSessions)
	}

	return nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("paths.mimi_weights", c.Paths.MimiWeights)
	v.SetDefault("paths.lm_weights", c.Paths.LMWeights)
	v.SetDefault("paths.vocab", c.Paths.Vocab)
	v.SetDefault("paths.model_dir", c.Paths.ModelDir)
	v.SetDefault("runtime.tensor_workers", c.Runtime.TensorWorkers)
	v.SetDefault("runtime.conv_workers", c.Runtime.ConvWorkers)
	v.SetDefault("mimi.num_codebooks", c.Mimi.NumCodebooks)
	v.SetDefault("lm.preset", c.LM.Preset)
	v.SetDefault("lm.text_temperature", c.LM.TextTemperature)
	v.SetDefault("lm.text_top_p", c.LM.TextTopP)
	v.SetDefault("lm.audio_temperature", c.LM.AudioTemperature)
	v.SetDefault("lm.audio_top_p", c.LM.AudioTopP)
	v.SetDefault("lm.seed", c.LM.Seed)
	v.SetDefault("lm.text_delay", c.LM.TextDelay)
	v.SetDefault("lm.audio_delay", c.LM.AudioDelay)
	v.SetDefault("audio.sample_rate", c.Audio.SampleRate)
	v.SetDefault("audio.chunk_size", c.Audio.ChunkSize)
	v.SetDefault("audio.ring_seconds", c.Audio.RingSeconds)
	v.SetDefault("audio.channel", c.Audio.Channel)
	v.SetDefault("server.listen_addr", c.Server.ListenAddr)
	v.SetDefault("server.shutdown_timeout", c.Server.ShutdownTimeout)
	v.SetDefault("server.max_sessions", c.Server.MaxSessions)
	v.SetDefault("log_level", c.LogLevel)
}

// bindFlags binds the registered flags under their dotted keys, so a flag
// only overrides the file and environment when it was set.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for flag, key := range keys {
		f := fs.Lookup(flag)
		if f == nil {
			continue
		}

		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}

	return nil
}
