package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/example/go-moshi/internal/config"
	"github.com/example/go-moshi/internal/lm"
	"github.com/example/go-moshi/internal/model"
	"github.com/spf13/cobra"
)

func newModelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Model acquisition and verification commands",
	}

	cmd.AddCommand(newModelDownloadCmd())
	cmd.AddCommand(newModelVerifyCmd())
	return cmd
}

func newModelDownloadCmd() *cobra.Command {
	var (
		repos   []string
		outDir  string
		hfToken string
		hubURL  string
	)

	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download pinned checkpoints from Hugging Face",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			if hfToken == "" {
				hfToken = os.Getenv("HF_TOKEN")
			}
			if outDir == "" {
				outDir = cfg.Paths.ModelDir
			}

			for _, repo := range repos {
				err := model.Download(cmd.Context(), model.DownloadOptions{
					Repo:    repo,
					OutDir:  outDir,
					HFToken: hfToken,
					HubURL:  hubURL,
					Logger:  slog.Default(),
				})

				var denied *model.ErrAccessDenied
				if errors.As(err, &denied) && hfToken == "" {
					return fmt.Errorf("model download failed: %w (set --hf-token or HF_TOKEN)", err)
				}
				if err != nil {
					return fmt.Errorf("model download failed: %w", err)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&repos, "hf-repo", []string{model.RepoMoshiko, model.RepoVocab},
		"Hugging Face repositories to fetch ("+strings.Join(model.KnownRepos(), ", ")+")")
	cmd.Flags().StringVar(&outDir, "out-dir", "", "Directory where model files are stored (default paths.model_dir)")
	cmd.Flags().StringVar(&hfToken, "hf-token", "", "Hugging Face token (falls back to HF_TOKEN env var)")
	cmd.Flags().StringVar(&hubURL, "hub-url", model.DefaultHubURL, "Hugging Face hub base URL")

	return cmd
}

func newModelVerifyCmd() *cobra.Command {
	var lock bool

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Open the configured checkpoints and run the model builders",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if lock {
				if err := model.VerifyLock(cfg.Paths.ModelDir); err != nil {
					return err
				}
				if _, err := fmt.Fprintf(cmd.OutOrStdout(), "lock manifest ok: %s\n", cfg.Paths.ModelDir); err != nil {
					return err
				}
			}

			opts, err := verifyOptions(cfg)
			if err != nil {
				return err
			}
			results, err := model.Verify(opts)
			for _, r := range results {
				status := "ok"
				if r.Err != nil {
					status = r.Err.Error()
				}
				if _, werr := fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%s)\n", r.Name, status, r.Path); werr != nil {
					return werr
				}
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&lock, "lock", false, "Also recompute checksums recorded in the lock manifest")

	return cmd
}

func verifyOptions(cfg config.Config) (model.VerifyOptions, error) {
	lmCfg, err := lm.Preset(cfg.LM.Preset)
	if err != nil {
		return model.VerifyOptions{}, err
	}
	return model.VerifyOptions{
		MimiPath:  cfg.Paths.MimiWeights,
		LMPath:    cfg.Paths.LMWeights,
		VocabPath: cfg.Paths.Vocab,
		Mimi:      mimiConfig(cfg),
		LM:        lmCfg,
		Logger:    slog.Default(),
	}, nil
}
