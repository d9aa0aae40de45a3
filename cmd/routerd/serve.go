package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/danmuck/routerd/internal/config"
	"github.com/danmuck/routerd/internal/logging"
	"github.com/danmuck/routerd/internal/router"
	"github.com/danmuck/routerd/internal/transport"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownGrace = 5 * time.Second

func newServeCommand() *cobra.Command {
	var (
		configPath  string
		listen      []string
		realms      []string
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the router on the configured listeners",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := config.DefaultRouterSettings()
			if configPath != "" {
				loaded, err := config.LoadRouter(configPath)
				if err != nil {
					return err
				}
				settings = loaded
			}
			if cmd.Flags().Changed("listen") {
				settings.Listen = listen
			}
			if cmd.Flags().Changed("realm") {
				settings.Router.Realms = realms
			}
			if cmd.Flags().Changed("metrics-addr") {
				settings.MetricsAddr = metricsAddr
			}
			if err := settings.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), settings)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "router TOML config file")
	cmd.Flags().StringSliceVar(&listen, "listen", nil, "listen address (tcp://, tls://, ws://, wss://); repeatable")
	cmd.Flags().StringSliceVar(&realms, "realm", nil, "realm to create at startup; repeatable")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

// serve runs every listener and the metrics endpoint until ctx ends, then
// closes the router.
func serve(ctx context.Context, settings config.RouterSettings) error {
	log := logging.For("routerd.serve")
	tcfg, err := settings.TransportConfig()
	if err != nil {
		return err
	}
	rt, err := router.New(settings.Router)
	if err != nil {
		return err
	}

	listeners := make([]transport.Listener, 0, len(settings.Listen))
	for _, addr := range settings.Listen {
		ln, err := transport.Listen(addr, tcfg)
		if err != nil {
			for _, open := range listeners {
				_ = open.Close()
			}
			return err
		}
		listeners = append(listeners, ln)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, ln := range listeners {
		ln := ln
		g.Go(func() error {
			return rt.Serve(gctx, ln)
		})
	}
	if settings.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              settings.MetricsAddr,
			Handler:           metricsMux(),
			ReadHeaderTimeout: 5 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return gctx },
		}
		g.Go(func() error {
			log.Info().Str("addr", settings.MetricsAddr).Msg("metrics endpoint listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	log.Info().Strs("realms", rt.Realms()).Int("listeners", len(listeners)).Msg("router started")

	serveErr := g.Wait()
	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	closeErr := rt.Close(closeCtx)
	log.Info().Msg("router stopped")
	if serveErr != nil {
		return serveErr
	}
	return closeErr
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
