package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"tunnel-rpc/broker"
	"tunnel-rpc/config"
	"tunnel-rpc/demo"
	"tunnel-rpc/logging"
	"tunnel-rpc/message"
	"tunnel-rpc/metrics"
	"tunnel-rpc/middleware"
	"tunnel-rpc/registry"
	"tunnel-rpc/server"
	"tunnel-rpc/transport"
)

func serveCmd() *cobra.Command {
	var (
		addr          string
		path          string
		advertise     string
		logLevel      string
		etcdEndpoints []string
		redisSessions []string
		tick          time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the tunnel-rpc server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("path") {
				cfg.Server.Path = path
			}
			if cmd.Flags().Changed("advertise") {
				cfg.Server.AdvertiseURL = advertise
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Log.Level = logLevel
			}
			if cmd.Flags().Changed("etcd") {
				cfg.Etcd.Endpoints = etcdEndpoints
			}
			if cmd.Flags().Changed("redis-session") {
				cfg.Redis.Sessions = redisSessions
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, tick)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":7070", "HTTP listen address")
	cmd.Flags().StringVar(&path, "path", "/rpc", "Path the long-poll endpoint is mounted at")
	cmd.Flags().StringVar(&advertise, "advertise", "", "Endpoint URL registered in etcd (default http://localhost<addr><path>)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().StringSliceVar(&etcdEndpoints, "etcd", nil, "etcd endpoints to register the service with")
	cmd.Flags().StringSliceVar(&redisSessions, "redis-session", nil, "Redis session ids to serve")
	cmd.Flags().DurationVar(&tick, "countdown-tick", demo.DefaultTick, "Pace of the Countdown method")

	return cmd
}

func serve(ctx context.Context, cfg *config.Config, tick time.Duration) error {
	logger := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	m := metrics.New(cfg.Metrics.Namespace)

	svc, err := demo.NewService(tick)
	if err != nil {
		return err
	}
	services := server.NewRegistry()
	services.Register(svc)

	d := server.NewDispatcher(services, server.Options{
		ProgressDelay: cfg.Server.ProgressDelay,
		Logger:        logger,
		Metrics:       m,
		CancelHook: func(id message.InvocationID) {
			logger.Debug("cancel requested", "invocation", id)
		},
	})
	d.Use(middleware.Recover())
	d.Use(middleware.Tracing())
	d.Use(middleware.Logging(logger))
	d.Use(middleware.Metrics(m))
	if cfg.Server.RateLimit > 0 {
		d.Use(middleware.RateLimit(cfg.Server.RateLimit, cfg.Server.RateBurst))
	}

	lp := transport.NewLongPollHandler(d.Receive, transport.LongPollOptions{
		PollTimeout: cfg.Server.PollTimeout,
		SessionTTL:  cfg.Server.SessionTTL,
		Logger:      logger,
	})
	go lp.RunReaper(ctx, cfg.Server.ReapInterval)

	mux := http.NewServeMux()
	prefix := strings.TrimSuffix(cfg.Server.Path, "/")
	mux.Handle(prefix+"/", http.StripPrefix(prefix, lp))
	mux.Handle(cfg.Metrics.Path, m.Handler())

	brokers := serveRedis(cfg, d, logger, m)

	if len(cfg.Etcd.Endpoints) > 0 {
		deregister, err := register(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer deregister()
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr, "path", prefix, "services", services.Services())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down", "active", d.Active())
	if err := d.Shutdown(cfg.Server.ShutdownTimeout); err != nil {
		logger.Warn("dispatcher shutdown", "error", err)
	}
	for _, b := range brokers {
		if !b.Shutdown(cfg.Server.ShutdownTimeout) {
			logger.Warn("redis session did not stop in time")
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		srv.Close()
	}
	return nil
}

// serveRedis starts one server-side broker per configured Redis session.
func serveRedis(cfg *config.Config, d *server.Dispatcher, logger *slog.Logger, m *metrics.Metrics) []*broker.Broker {
	var brokers []*broker.Broker
	for _, session := range cfg.Redis.Sessions {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ch := transport.NewRedisChannel(rdb, session, transport.ServerSide)
		b := broker.NewBroker(ch, broker.Options{
			Logger:  logger.With("session", session),
			Metrics: m,
		})
		b.SetReceiver(d.Receive)
		b.Start()
		brokers = append(brokers, b)
		logger.Info("serving redis session", "addr", cfg.Redis.Addr, "session", session)
	}
	return brokers
}

// register publishes this endpoint in etcd under a keep-alive lease and returns the
// cleanup.
func register(ctx context.Context, cfg *config.Config, logger *slog.Logger) (func(), error) {
	reg, err := registry.NewEtcdRegistry(cfg.Etcd.Endpoints)
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}
	url := cfg.Server.AdvertiseURL
	if url == "" {
		url = "http://localhost" + cfg.Server.Addr + strings.TrimSuffix(cfg.Server.Path, "/")
	}
	ep := registry.Endpoint{URL: url, Weight: 1, Version: "v1"}
	if err := reg.Register(ctx, demo.ServiceID, ep, cfg.Etcd.TTL); err != nil {
		reg.Close()
		return nil, fmt.Errorf("register %s: %w", demo.ServiceID, err)
	}
	logger.Info("registered", "service", demo.ServiceID, "url", url)

	return func() {
		dctx, cancel := context.WithTimeout(context.Background(), cfg.Etcd.DialTimeout)
		defer cancel()
		if err := reg.Deregister(dctx, demo.ServiceID, url); err != nil {
			logger.Warn("deregister", "error", err)
		}
		reg.Close()
	}, nil
}
