package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/GriffinCanCode/AgentOS/gateway/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/infrastructure/server"
	"go.uber.org/zap"
)

func main() {
	// Flags override the environment
	port := flag.String("port", "", "HTTP port (overrides PORT)")
	grpcAddr := flag.String("grpc", "", "gRPC health listener address (overrides GRPC_ADDR)")
	dev := flag.Bool("dev", false, "Development logging")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port != "" {
		cfg.Server.Port = *port
	}
	if *grpcAddr != "" {
		cfg.GRPC.Address = *grpcAddr
	}
	if *dev {
		cfg.Logging.Development = true
		cfg.Logging.Level = "debug"
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.NewServer(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create server", zap.Error(err))
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("Server stopped with error", zap.Error(err))
		os.Exit(1)
	}
}
