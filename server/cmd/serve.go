package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/ponyo877/chatrelay/server/adaptor"
	"github.com/ponyo877/chatrelay/server/config"
	"github.com/ponyo877/chatrelay/server/domain"
	"github.com/ponyo877/chatrelay/server/repository"
	"github.com/ponyo877/chatrelay/server/usecase"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve chat rooms over WebSocket and gRPC",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		code, err := serve(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		if code != 0 {
			os.Exit(code)
		}
		return nil
	},
}

func serve(ctx context.Context, cfg config.Config) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	log := config.NewLogger(cfg.Log, os.Stderr)

	store, err := repository.Open(ctx, cfg.Store, log)
	if err != nil {
		return 1, err
	}

	registry := domain.NewPresenceRegistry()
	router := domain.NewRoomRouter(registry, log)
	uc := usecase.NewSessionUsecase(registry, router, store, log, usecase.WithHistoryLimit(cfg.HistoryLimit))

	ws := adaptor.NewWebSocketHandler(uc, router, adaptor.NewOriginPolicy(cfg.AllowedOrigins, log), cfg.MaxMessageSize, log)
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: adaptor.NewHTTPHandler(ws, uc)}
	httpLis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		store.Close()
		return 1, fmt.Errorf("failed to listen on %s: %w", cfg.HTTPAddr, err)
	}

	grpcServer := grpc.NewServer()
	adaptor.RegisterRelayServer(grpcServer, adaptor.NewAdaptor(uc, router, log))
	reflection.Register(grpcServer)
	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		httpLis.Close()
		store.Close()
		return 1, fmt.Errorf("failed to listen on %s: %w", cfg.GRPCAddr, err)
	}

	go func() {
		log.Info("http server is running", "addr", httpLis.Addr().String(), "store", cfg.Store.Driver)
		if err := httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "error", err)
		}
	}()
	go func() {
		log.Info("grpc server is running", "addr", grpcLis.Addr().String())
		if err := grpcServer.Serve(grpcLis); err != nil {
			log.Error("grpc server failed", "error", err)
		}
	}()

	wait := gfshutdown.GracefulShutdown(ctx, cfg.ShutdownTimeout, map[string]gfshutdown.Operation{
		"http": func(ctx context.Context) error {
			ws.Shutdown()
			return httpServer.Shutdown(ctx)
		},
		"grpc": func(ctx context.Context) error {
			stopped := make(chan struct{})
			go func() {
				grpcServer.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
				return nil
			case <-ctx.Done():
				grpcServer.Stop()
				return ctx.Err()
			}
		},
		"history": uc.Shutdown,
	})

	code := <-wait
	if err := store.Close(); err != nil {
		log.Error("failed to close store", "error", err)
		code = 1
	}
	log.Info("server exited", "code", code)
	return code, nil
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("http-addr", ":4000", "WebSocket and HTTP listen address")
	serveCmd.Flags().String("grpc-addr", ":50051", "gRPC listen address")
	serveCmd.Flags().StringSlice("allowed-origins", []string{"http://localhost:3000"}, "origins allowed to open a WebSocket (* for any)")
	serveCmd.Flags().Int("history-limit", 100, "records sent to a joiner")

	viper.BindPFlag(config.HTTPAddrKey, serveCmd.Flags().Lookup("http-addr"))
	viper.BindPFlag(config.GRPCAddrKey, serveCmd.Flags().Lookup("grpc-addr"))
	viper.BindPFlag(config.AllowedOriginsKey, serveCmd.Flags().Lookup("allowed-origins"))
	viper.BindPFlag(config.HistoryLimitKey, serveCmd.Flags().Lookup("history-limit"))
}
