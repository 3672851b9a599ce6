package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/example/go-moshi/internal/audio"
	"github.com/example/go-moshi/internal/config"
	"github.com/example/go-moshi/internal/server"
	"github.com/example/go-moshi/internal/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket session server",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			// One model instance backs every session.
			if cfg.Server.MaxSessions != 1 {
				return fmt.Errorf("serve: server.max_sessions must be 1 with a single loaded model, got %d", cfg.Server.MaxSessions)
			}

			s, err := loadStack(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			srv := server.New(cfg,
				server.WithLogger(slog.Default()),
				server.WithRegistry(reg),
				server.WithSessionFactory(sessionFactory(cfg, s)),
			)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			slog.Info("serving", "addr", cfg.Server.ListenAddr, "preset", cfg.LM.Preset)
			return srv.Start(ctx)
		},
	}

	return cmd
}

// sessionFactory builds sessions over the shared stack. The server admits
// one session at a time and Start resets all model state.
func sessionFactory(cfg config.Config, s *stack) server.SessionFactory {
	ring := cfg.Audio.RingSeconds * audio.ExpectedSampleRate

	return func(opts ...session.Option) (*session.Session, error) {
		all := append([]session.Option{
			session.WithVocab(s.vocab),
			session.WithRingCapacity(ring),
		}, opts...)

		return session.New(s.codec, s.newGenerator(), all...), nil
	}
}
