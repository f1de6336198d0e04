package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/go-tickserver/admission"
	"github.com/cyberinferno/go-tickserver/config"
	"github.com/cyberinferno/go-tickserver/idgenerator"
	"github.com/cyberinferno/go-tickserver/logger"
	"github.com/cyberinferno/go-tickserver/metrics"
	"github.com/cyberinferno/go-tickserver/server"
	"github.com/cyberinferno/go-tickserver/session"
	"github.com/cyberinferno/go-tickserver/transport"
)

const httpShutdownTimeout = 5 * time.Second

func serveCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the lobby server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.viper, opts.configFile)
			if err != nil {
				return err
			}

			return serve(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("listen", "", "Primary TCP listen address")
	flags.String("http", "", "HTTP address for /metrics and the WebSocket endpoint")
	flags.String("auth-listen", "", "TLS listen address for authentication; enables split authentication")
	flags.Int("tick-rate", 0, "Ticks per second")
	flags.String("secret", "", "Password clients must send; empty disables the check")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")

	for key, flag := range map[string]string{
		"listen_addr":      "listen",
		"http_addr":        "http",
		"auth.listen_addr": "auth-listen",
		"tick_rate":        "tick-rate",
		"secret":           "secret",
		"log_level":        "log-level",
	} {
		_ = opts.viper.BindPFlag(key, flags.Lookup(flag))
	}

	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logger.NewConsoleLogger(cfg.Name, logger.ParseLevel(cfg.LogLevel))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(metrics.WithRegistry(reg), metrics.WithConstLabels(prometheus.Labels{"server": cfg.Name}))

	policy, closeAdmission := newAdmission(cfg, log)
	defer func() {
		if err := closeAdmission(); err != nil {
			log.Warn("closing admission backend failed", logger.Err(err))
		}
	}()

	hooks := newLobby(cfg.Secret, cfg.TickRate, log)
	srv := server.New(server.Config{
		Name:               cfg.Name,
		TickBudget:         cfg.TickBudget,
		ReconnectTimeLimit: cfg.ReconnectTimeLimit,
		MaxFrameSize:       cfg.MaxFrameSize,
		SplitAuth:          cfg.SplitAuth(),
	}, hooks,
		server.WithLogger(log),
		server.WithMetrics(m),
		server.WithAdmission(policy),
		server.WithIdGenerator(idgenerator.NewRandomGenerator(time.Now().UnixNano())),
	)
	hooks.srv = srv

	stream := transport.StreamConfig{
		ReadBufferSize: cfg.ReadBufferSize,
		MaxBuffered:    4 * (cfg.MaxFrameSize + 4),
		WriteTimeout:   cfg.WriteTimeout,
	}

	primary := transport.NewListener("primary", cfg.ListenAddr, nil, stream, log)
	if err := primary.Start(srv.Handler(session.ChannelPrimary)); err != nil {
		return err
	}
	defer primary.Stop()

	if cfg.SplitAuth() {
		cert, err := tls.LoadX509KeyPair(cfg.Auth.CertFile, cfg.Auth.KeyFile)
		if err != nil {
			return fmt.Errorf("load auth certificate: %w", err)
		}

		auth := transport.NewListener("auth", cfg.Auth.ListenAddr, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}, stream, log)
		if err := auth.Start(srv.Handler(session.ChannelAuth)); err != nil {
			return err
		}
		defer auth.Stop()
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	if cfg.WebSocket.Path != "" {
		ws := transport.NewWebSocketHandler(srv.Handler(session.ChannelPrimary), stream, nil, log)
		router.Handle(cfg.WebSocket.Path, ws)
		defer ws.Close()
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx, cfg.TickRate)
	})
	g.Go(func() error {
		return policy.RunRefresher(gctx, cfg.Admission.RefreshInterval)
	})
	g.Go(func() error {
		log.Info("http listening", logger.Field{Key: "addr", Value: cfg.HTTPAddr})
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}

		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})

	return g.Wait()
}

// newAdmission builds the admission policy on the configured counter
// backend. The returned func releases the backend.
func newAdmission(cfg *config.Config, log logger.Logger) (*admission.Policy, func() error) {
	acfg := admission.Config{
		Blocklist:   cfg.Admission.Blocklist,
		Window:      cfg.Admission.Window,
		MaxAttempts: cfg.Admission.MaxAttempts,
	}

	if cfg.Admission.Backend == config.BackendRedis {
		client := redis.NewClient(&redis.Options{Addr: cfg.Admission.RedisAddr})
		policy := admission.NewPolicy(acfg, admission.NewRedisCounter(client, cfg.Name+":admission:"), log)
		policy.SetSource(admission.RedisBlocklist{Client: client, Key: cfg.Admission.RedisBlocklistKey})
		return policy, client.Close
	}

	counter := admission.NewMemoryCounter(cfg.Admission.Window)
	return admission.NewPolicy(acfg, counter, log), func() error { return nil }
}
