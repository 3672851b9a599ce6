package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/example/go-moshi/internal/config"
	"github.com/example/go-moshi/internal/runtime/ops"
	"github.com/example/go-moshi/internal/runtime/tensor"
	"github.com/example/go-moshi/internal/server"
	"github.com/spf13/cobra"
)

var (
	cfgFile   string
	activeCfg config.Config
)

func NewRootCmd() *cobra.Command {
	defaults := config.DefaultConfig()

	cmd := &cobra.Command{
		Use:           "moshi",
		Short:         "Streaming speech codec and full-duplex speech model",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.Load(config.LoadOptions{
				Cmd:        cmd,
				ConfigFile: cfgFile,
				Defaults:   defaults,
			})
			if err != nil {
				return err
			}
			activeCfg = loaded
			setupLogger(loaded.LogLevel)
			setupRuntime(loaded.Runtime)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Optional config file (yaml|toml|json)")
	config.RegisterFlags(cmd.PersistentFlags(), defaults)

	cmd.AddCommand(newMimiCmd())
	cmd.AddCommand(newASRCmd())
	cmd.AddCommand(newConverseCmd())
	cmd.AddCommand(newBenchCmd())
	cmd.AddCommand(newModelCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newHealthCmd())
	cmd.AddCommand(newDoctorCmd())

	return cmd
}

// setupLogger configures the process-wide slog default logger.
func setupLogger(levelStr string) {
	lvl, err := server.ParseLogLevel(levelStr)
	if err != nil {
		lvl = slog.LevelInfo
	}
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(h))
}

// setupRuntime sizes the kernel worker pools. Zero tensor workers means
// one per CPU.
func setupRuntime(rt config.RuntimeConfig) {
	tensor.SetWorkers(rt.TensorWorkers)
	ops.SetConvWorkers(rt.ConvWorkers)
}

func requireConfig() (config.Config, error) {
	if activeCfg.Audio.SampleRate == 0 {
		return config.Config{}, fmt.Errorf("configuration not loaded")
	}
	return activeCfg, nil
}
