package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/alxayo/streamcore/internal/logger"
	"github.com/alxayo/streamcore/internal/metrics"
	"github.com/alxayo/streamcore/internal/streaming/chain"
	"github.com/alxayo/streamcore/internal/streaming/connector"
	"github.com/alxayo/streamcore/internal/streaming/formatter"
	"github.com/alxayo/streamcore/internal/streaming/ids"
	"github.com/alxayo/streamcore/internal/streaming/unit"
)

func newRunCmd() *cobra.Command {
	var metricsAddr string
	var chainTopology string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a chain and serve its metrics until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if chainTopology != "passthrough" {
				return errors.New("unsupported --chain topology: only \"passthrough\" is built in")
			}
			return runPassthroughChain(context.Background(), metricsAddr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address to serve Prometheus metrics on")
	cmd.Flags().StringVar(&chainTopology, "chain", "passthrough", "demo chain topology to run")
	return cmd
}

// runPassthroughChain wires one chain with a single unit whose handler is a
// formatter receiving directly from a parser (the round-trip shape of spec
// §8), serves its metrics, and issues begin before blocking on a shutdown
// signal.
func runPassthroughChain(ctx context.Context, metricsAddr string) error {
	log := logger.Logger().With("component", "graphctl")
	reg := metrics.New()

	out := connector.NewOutput(0, 8, nil)
	in := connector.NewInput(0, 8, 1, nil)
	in.Plug(out)

	fm := formatter.New(out, out)
	u := unit.New(ids.NewUnitID(), "passthrough", fm, log)

	proxy := chain.New(ids.NewChainID(), log)
	proxy.AddUnit(u)
	proxy.SetMetrics(reg)
	proxy.OnCommandCompleted(func(res chain.CommandResult) {
		log.Info("chain command completed", "command", res.Command.Kind, "error", res.Err)
	})

	srv := &http.Server{Addr: metricsAddr, Handler: promMux(reg)}
	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.ListenAndServe() }()
	log.Info("metrics server listening", "addr", metricsAddr)

	res := proxy.Issue(unit.Command{Kind: unit.CmdBegin, Dir: unit.Forward})
	if res.Err != nil {
		_ = srv.Close()
		return res.Err
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("metrics server shutdown error", "error", err)
	}
	return nil
}

func promMux(reg *metrics.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{}))
	return mux
}
