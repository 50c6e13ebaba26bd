//
// SPDX-License-Identifier: GPL-3.0-or-later
//

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruci-project/ruci/chainconfig"
	"github.com/ruci-project/ruci/engine"
	"github.com/ruci-project/ruci/obs"
	"github.com/ruci-project/ruci/resolver"
	"github.com/ruci-project/ruci/traffic"
)

// runChain implements `ruci chain`: it loads a declarative listen/dial
// config, builds and runs the engine, and blocks until SIGINT/SIGTERM (or
// the optional admin endpoint's /stop_core) requests a graceful shutdown.
func runChain(args []string) error {
	fs := flag.NewFlagSet("chain", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the listen/dial YAML config")
	adminAddr := fs.String("admin-addr", "127.0.0.1:40681", "admin HTTP endpoint address (empty disables it)")
	resolverAddr := fs.String("resolver", "8.8.8.8:53", "DNS-over-UDP server used to resolve unresolved dial targets")
	verbose := fs.Bool("v", false, "enable info-level structured logging to stderr")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		return errors.New("chain: -config is required")
	}

	data, err := os.ReadFile(*configPath)
	if err != nil {
		return fmt.Errorf("chain: reading config: %w", err)
	}
	cfgDoc, err := chainconfig.Parse(data)
	if err != nil {
		return fmt.Errorf("chain: parsing config: %w", err)
	}

	cfg := obs.NewConfig()
	logger := obs.SLogger(obs.DefaultSLogger())
	if *verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	server, err := netip.ParseAddrPort(*resolverAddr)
	if err != nil {
		return fmt.Errorf("chain: parsing -resolver: %w", err)
	}
	res := resolver.NewUDPResolver(cfg, logger, server)

	bc := chainconfig.BuildContext{Config: cfg, Logger: logger, Resolver: res, Recorder: traffic.NewRecorder()}
	reg := chainconfig.DefaultRegistry()

	listenChains, err := chainconfig.Build(bc, reg, cfgDoc.Listen)
	if err != nil {
		return fmt.Errorf("chain: building listen chains: %w", err)
	}
	dialChains, err := chainconfig.Build(bc, reg, cfgDoc.Dial)
	if err != nil {
		return fmt.Errorf("chain: building dial chains: %w", err)
	}

	eng := engine.New(cfg, logger, bc.Recorder, listenChains, dialChains, engine.Config{})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Run(ctx); err != nil {
		return fmt.Errorf("chain: starting engine: %w", err)
	}

	var srv *adminServer
	if *adminAddr != "" {
		srv = newAdminServer(*adminAddr, bc.Recorder, stop)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("chain: starting admin endpoint: %w", err)
		}
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	stopErr := eng.Stop(shutdownCtx)

	if srv != nil {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer closeCancel()
		srv.Shutdown(closeCtx)
	}

	if stopErr != nil {
		return fmt.Errorf("chain: stopping engine: %w", stopErr)
	}
	return nil
}
