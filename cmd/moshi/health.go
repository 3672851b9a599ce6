package main

import (
	"context"
	"fmt"
	"time"

	"github.com/example/go-moshi/internal/runtime/tensor"
	"github.com/example/go-moshi/internal/server"
	"github.com/spf13/cobra"
)

func newHealthCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check server health endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.ListenAddr
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if err := server.CheckHealth(ctx, addr); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "ok (client cpu %s)\n", tensor.CPUSummary())
			return err
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "HTTP server address to check")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Health check timeout")

	return cmd
}
