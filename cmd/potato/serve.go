// Copyright 2026 Harald Albrecht.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/thediveo/potato"
	"github.com/thediveo/potato/config"
	"github.com/thediveo/potato/internal/logger"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

func newServeCmd() *cobra.Command {
	var cfgFile, listen string
	var noIsolation bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve HTTP requests",
		Long: `Serve HTTP requests, handling each request in a new process tree
with its own set of Linux kernel namespaces and its own root filesystem.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if cfgFile != "" {
				var err error
				if cfg, err = config.Load(cfgFile); err != nil {
					return err
				}
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if noIsolation {
				cfg.Isolation.Enabled = false
			}
			if err := logger.Init(cfg.Logger()); err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&cfgFile, "config", "", "configuration file")
	cmd.Flags().StringVar(&listen, "listen", "", "address to listen on (overrides configuration)")
	cmd.Flags().BoolVar(&noIsolation, "no-isolation", false, "serve requests without isolation")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logger.L()
	c, err := potato.NewContext(cfg)
	if err != nil {
		return err
	}
	if cfg.Isolation.Enabled {
		if err := c.SetupBridge(); err != nil {
			log.Warn("bridge unavailable, isolated workers get no network",
				zap.String("bridge", c.Bridge), zap.Error(err))
		}
	}
	setting := potato.Setting{
		RootFS: cfg.Isolation.RootFS,
		Mounts: cfg.Isolation.Mounts,
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Listen, err)
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	log.Info("serving",
		zap.String("listen", ln.Addr().String()),
		zap.Bool("isolated", cfg.Isolation.Enabled),
		zap.Strings("handlers", potato.Handlers()))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				log.Info("shutting down")
				return nil
			}
			log.Warn("accept failed", zap.Error(err))
			continue
		}
		go c.ServeConn(ctx, conn.(*net.TCPConn), cfg.Isolation.Enabled, setting)
	}
}
