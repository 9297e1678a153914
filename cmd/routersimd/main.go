// Command routersimd runs one simulated router: it loads a YAML
// configuration, builds the full stack via internal/router, and serves
// gNMI telemetry over gRPC until SIGINT/SIGTERM, mirroring the teacher's
// cmd/daemon/main.go task wiring (errgroup.WithContext,
// signal.NotifyContext, one g.Go per component) generalized onto
// internal/router.Router.Start and internal/telemetry.Server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/routersim/routersim/internal/clock"
	"github.com/routersim/routersim/internal/config"
	"github.com/routersim/routersim/internal/events"
	"github.com/routersim/routersim/internal/router"
	"github.com/routersim/routersim/internal/telemetry"
	gnmipb "github.com/openconfig/gnmi/proto/gnmi"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"
)

var configFile = flag.String("config", "config.yaml", "Path to configuration file")

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Warn("failed to load config, using defaults", "path", *configFile, "error", err)
		cfg = config.Default()
	}
	if violations := cfg.Validate(); len(violations) > 0 {
		for _, v := range violations {
			slog.Error("configuration error", "field", v.Field, "reason", v.Reason)
		}
		return 3
	}

	sigCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bus := events.New()
	clk := clock.NewWheel(sigCtx)

	rtr, err := router.New(cfg, bus, clk)
	if err != nil {
		slog.Error("failed to build router", "error", err)
		return 4
	}

	telemetryServer := telemetry.New(bus, 256)
	defer telemetryServer.Close()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GNMIPort))
	if err != nil {
		slog.Error("failed to listen", "error", err)
		return 4
	}
	grpcServer := grpc.NewServer()
	gnmipb.RegisterGNMIServer(grpcServer, telemetryServer)
	reflection.Register(grpcServer)

	g, ctx := errgroup.WithContext(sigCtx)

	g.Go(func() error {
		return rtr.Start(ctx)
	})

	g.Go(func() error {
		slog.Info("gnmi server listening", "addr", lis.Addr())
		errChan := make(chan error, 1)
		go func() { errChan <- grpcServer.Serve(lis) }()

		select {
		case <-ctx.Done():
			grpcServer.GracefulStop()
			return <-errChan
		case err := <-errChan:
			return err
		}
	})

	slog.Info("routersimd running")
	err = g.Wait()
	if err != nil && sigCtx.Err() == nil {
		slog.Error("daemon exited with error", "error", err)
		return 1
	}
	slog.Info("routersimd stopped")
	return 0
}
