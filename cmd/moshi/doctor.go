package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/example/go-moshi/internal/doctor"
	"github.com/example/go-moshi/internal/model"
	"github.com/example/go-moshi/internal/runtime/tensor"
	"github.com/spf13/cobra"
)

func newDoctorCmd() *cobra.Command {
	var (
		requireFeatures []string
		build           bool
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run local runtime and model checks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			dcfg := doctor.Config{
				GoVersion:        func() (string, error) { return runtime.Version(), nil },
				CPUFeatures:      tensor.CPUFeatures,
				RequiredFeatures: requireFeatures,
				ModelFiles:       []string{cfg.Paths.MimiWeights, cfg.Paths.LMWeights, cfg.Paths.Vocab},
			}

			if _, err := os.Stat(filepath.Join(cfg.Paths.ModelDir, model.LockFileName)); err == nil {
				dcfg.LockDir = cfg.Paths.ModelDir
				dcfg.VerifyLock = model.VerifyLock
			}

			if build {
				opts, err := verifyOptions(cfg)
				if err != nil {
					return err
				}
				dcfg.Checkpoints = func() ([]model.CheckResult, error) { return model.Verify(opts) }
			}

			result := doctor.Run(dcfg, cmd.OutOrStdout())
			if result.Failed() {
				return fmt.Errorf("doctor: %d check(s) failed", len(result.Failures()))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&requireFeatures, "require-cpu", nil, "CPU features that must be present (e.g. avx2,fma)")
	cmd.Flags().BoolVar(&build, "build", false, "Also open the checkpoints and run the model builders")

	return cmd
}
