// Command ringkeeper launches a single ring node. Usage, per spec.md §6
// ("Launch"): ringkeeper <ip> <rpc_port> <resource_name>
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mcastellin/ringkeeper/internal/control"
	"github.com/mcastellin/ringkeeper/internal/node"
	"github.com/mcastellin/ringkeeper/internal/peer"
	"github.com/mcastellin/ringkeeper/internal/rpcwire"
)

func main() {
	logger := zap.Must(zap.NewProduction())
	defer logger.Sync()

	self, resourceName, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, "usage: ringkeeper <ip> <rpc_port> <resource_name>")
		os.Exit(2)
	}

	if err := run(self, resourceName, logger); err != nil {
		logger.Fatal("ringkeeper exited with error", zap.Error(err))
	}
}

func parseArgs(args []string) (peer.Addr, string, error) {
	if len(args) != 3 {
		return peer.Zero, "", fmt.Errorf("expected 3 arguments, got %d", len(args))
	}
	port, err := strconv.Atoi(args[1])
	if err != nil {
		return peer.Zero, "", fmt.Errorf("invalid rpc_port %q: %w", args[1], err)
	}
	return peer.Addr{IP: args[0], Port: port}, args[2], nil
}

func run(self peer.Addr, resourceName string, logger *zap.Logger) error {
	logger = logger.With(zap.String("self", self.String()), zap.String("resource", resourceName))
	logger.Info("ringkeeper starting")

	client := rpcwire.NewClient(self, logger)
	n := node.New(self, resourceName, client, logger)

	svc := rpcwire.NewService(n, n.RecordArrival)
	rpcServer, err := rpcwire.NewServer(svc, logger)
	if err != nil {
		return fmt.Errorf("building rpc server: %w", err)
	}
	if err := rpcServer.Listen(self.String()); err != nil {
		return fmt.Errorf("listening on rpc port: %w", err)
	}

	controlAddr := self.ControlAddr()
	controlServer := control.NewServer(controlAddr.String(), logger)
	control.Register(controlServer, n, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	serveErr := controlServer.Serve(ctx, nil)

	n.Shutdown()
	shutdownErr := rpcServer.Shutdown()

	return multierr.Combine(serveErr, shutdownErr)
}
