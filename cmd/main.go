// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/absmach/mrelay"
	"github.com/absmach/mrelay/examples/simple"
	"github.com/absmach/mrelay/pkg/health"
	"github.com/absmach/mrelay/pkg/link"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"
)

type options struct {
	envPrefix string
	envFiles  []string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "mrelay",
		Short:         "WebSocket tunnel relay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.envPrefix, "env-prefix", mrelay.DefaultEnvPrefix, "prefix of configuration variables")
	root.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", nil, "env files to load (default .env)")

	root.AddCommand(newServeCmd(opts), newLinkCmd(opts), newHashCmd())
	return root
}

func (o *options) load() (mrelay.Config, error) {
	// A missing .env file is fine, configuration may come from the environment.
	if err := godotenv.Load(o.envFiles...); err != nil && len(o.envFiles) > 0 {
		return mrelay.Config{}, err
	}
	return mrelay.NewConfig(env.Options{Prefix: o.envPrefix})
}

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger := cfg.Logger()

			checker := health.NewChecker(0, logger)
			r, err := mrelay.New(cfg, simple.New(logger), checker, logger)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			g, ctx := errgroup.WithContext(ctx)

			r.Run(ctx, g)
			g.Go(func() error {
				return StopSignalHandler(ctx, cancel, logger)
			})

			if err := g.Wait(); err != nil {
				logger.Error(fmt.Sprintf("mRelay service terminated with error: %s", err))
				return err
			}
			logger.Info("mRelay service stopped")
			return nil
		},
	}
}

func newLinkCmd(opts *options) *cobra.Command {
	var (
		host string
		port int
		tls  bool
	)

	cmd := &cobra.Command{
		Use:   "link",
		Short: "Print the share links of the configured inbounds",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			router, err := cfg.Router()
			if err != nil {
				return err
			}

			if host == "" {
				host = cfg.LinkHost
			}
			if host == "" {
				return fmt.Errorf("link host is not configured")
			}
			if port == 0 {
				port = cfg.LinkPort
			}
			if port == 0 {
				port = 80
				if tls {
					port = 443
				}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(link.Build(router, host, port, tls))
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "public host name")
	cmd.Flags().IntVar(&port, "port", 0, "public port")
	cmd.Flags().BoolVar(&tls, "tls", true, "advertise TLS")
	return cmd
}

func newHashCmd() *cobra.Command {
	var cost int

	cmd := &cobra.Command{
		Use:   "hash <password>",
		Short: "Print a bcrypt hash for MRELAY_PASSWORD_HASH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := bcrypt.GenerateFromPassword([]byte(args[0]), cost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(hash))
			return nil
		},
	}
	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	return cmd
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
