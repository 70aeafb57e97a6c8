// Command pingserver is a sample backend. It serves /http-server/ping and
// registers itself under backend-http-server so a gateway can route to it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/wudi/tollgate/internal/config"
	"github.com/wudi/tollgate/internal/engine"
	"github.com/wudi/tollgate/internal/gwcontext"
	"github.com/wudi/tollgate/internal/logging"
	"github.com/wudi/tollgate/internal/registry"
)

func main() {
	configPath := flag.String("config", "", "Gateway configuration file providing the registry section")
	ip := flag.String("ip", "127.0.0.1", "Address advertised to the registry")
	port := flag.Int("port", 8083, "Listen port")
	delay := flag.Duration("delay", 0, "Delay before answering a ping")
	gray := flag.Bool("gray", false, "Register as a gray instance")
	flag.Parse()

	cfg, err := config.NewLoader().Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger, sink, err := logging.New(cfg.Logging.Logger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	if sink != nil {
		defer sink.Close()
	}
	defer logger.Sync()

	if err := run(cfg, logger, *ip, *port, *delay, *gray); err != nil {
		logger.Error("pingserver failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger, ip string, port int, delay time.Duration, gray bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	router := httprouter.New()
	router.GET("/http-server/ping", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		logger.Info("ping",
			zap.String("user_id", r.Header.Get(gwcontext.HeaderUserID)),
			zap.String("remote_addr", r.RemoteAddr))
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
		io.WriteString(w, "pong")
	})
	router.GET("/http-demo/ping", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		io.WriteString(w, "pong")
	})

	server := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: router}
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	reg, err := engine.NewRegistry(cfg)
	if err != nil {
		return err
	}
	defer reg.Close()

	def := &registry.ServiceDefinition{
		ServiceID:   "backend-http-server",
		Version:     "1.0.0",
		Protocol:    "http",
		PatternPath: "/http-server/**",
	}
	inst := &registry.ServiceInstance{IP: ip, Port: port, Weight: 100, Gray: gray}
	if err := reg.Register(ctx, def, inst); err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}
	logger.Info("pingserver registered",
		zap.String("unique_id", def.UniqueID),
		zap.String("instance_id", inst.InstanceID))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := reg.Deregister(shutdownCtx, def, inst); err != nil {
		logger.Warn("failed to deregister", zap.Error(err))
	}
	return server.Shutdown(shutdownCtx)
}
