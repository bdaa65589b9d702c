package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/collabedit/internal/config"
	"github.com/Tyrowin/collabedit/internal/logger"
	"github.com/Tyrowin/collabedit/internal/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("COLLAB_CONFIG"), "path to a YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "collabedit: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "collabedit: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server stopped", zap.Error(err))
		os.Exit(1)
	}
	log.Info("server stopped")
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	log.Info("Starting collabedit server",
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("tcp_addr", cfg.TCPAddr),
		zap.Strings("allowed_origins", cfg.AllowedOrigins))

	svc := server.NewServices(cfg, log)
	handler := server.NewDocumentHandler(cfg, svc)
	httpServer := server.CreateServer(cfg.HTTPAddr, server.SetupRoutes(handler))
	tcpServer := server.NewTCPServer(cfg, svc)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.StartServer(httpServer, log)
	})
	g.Go(func() error {
		if err := tcpServer.ListenAndServe(); !errors.Is(err, server.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down", zap.Duration("timeout", cfg.ShutdownTimeout))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		return errors.Join(
			server.ShutdownServer(shutdownCtx, httpServer, handler),
			tcpServer.Shutdown(shutdownCtx),
		)
	})

	return g.Wait()
}
