// Command requestserver - сервис запросов: выполняет HTTP запросы и держит
// websocket соединения по командам клиентов.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/LLIEPJIOK/service-mesh/requests/internal/config"
	"github.com/LLIEPJIOK/service-mesh/requests/internal/logger"
	"github.com/LLIEPJIOK/service-mesh/requests/pkg/protocol"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc := newService(serviceConfig{
		UpstreamTimeout: cfg.Server.UpstreamTimeout,
		Logger:          log,
	})
	defer svc.close()

	endpointCfg := protocol.DefaultEndpointConfig()
	endpointCfg.Logger = log

	endpoint := protocol.NewEndpoint(endpointCfg)
	svc.register(endpoint)

	return serve(ctx, cfg.Server, endpoint, log)
}

func serve(ctx context.Context, cfg config.ServerConfig, endpoint *protocol.Endpoint, log *slog.Logger) error {
	var (
		tcpLn  net.Listener
		unixLn *net.UnixListener
	)

	if cfg.ListenAddr != "" {
		ln, err := net.Listen("tcp", cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
		}

		tcpLn = ln
	}

	if cfg.SocketPath != "" {
		_ = os.Remove(cfg.SocketPath)

		ln, err := protocol.ListenUnix(cfg.SocketPath)
		if err != nil {
			if tcpLn != nil {
				tcpLn.Close()
			}

			return fmt.Errorf("listen %s: %w", cfg.SocketPath, err)
		}

		unixLn = ln
	}

	g, gctx := errgroup.WithContext(ctx)

	if tcpLn != nil {
		mux := http.NewServeMux()
		mux.Handle(cfg.Path, endpoint)

		srv := &http.Server{
			Addr:    cfg.ListenAddr,
			Handler: mux,
			// Контекст соединений отменяется вместе с gctx, иначе Shutdown не
			// закроет hijacked websocket соединения
			BaseContext: func(net.Listener) context.Context { return gctx },
		}

		log.Info("listening", "addr", tcpLn.Addr().String(), "path", cfg.Path)

		g.Go(func() error {
			if err := srv.Serve(tcpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}

			return nil
		})

		g.Go(func() error {
			<-gctx.Done()

			shutdownCtx, done := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer done()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn("http shutdown", "error", err)
			}

			return nil
		})
	}

	if unixLn != nil {
		log.Info("listening", "socket", cfg.SocketPath)

		g.Go(func() error {
			if err := endpoint.ServeListener(gctx, unixLn); err != nil {
				return fmt.Errorf("unix server: %w", err)
			}

			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		return nil
	})

	return g.Wait()
}
