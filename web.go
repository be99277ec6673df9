/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Seednode/dynamicboard/board"
	"github.com/Seednode/dynamicboard/identity"
)

const (
	logDate string        = `2006-01-02T15:04:05.000-07:00`
	timeout time.Duration = 10 * time.Second
)

func securityHeaders(cfg *Config, w http.ResponseWriter) {
	w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
	w.Header().Set("Permissions-Policy", "geolocation=(), midi=(), sync-xhr=(), microphone=(), camera=(), magnetometer=(), gyroscope=(), fullscreen=(), payment=()")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", "default-src 'self'")

	if cfg.scheme() == "https" {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
	}
}

// originAllowed reports whether a browser origin may use the api.
func originAllowed(cfg *Config, origin string) bool {
	if origin == "" {
		return false
	}
	return slices.Contains(cfg.allowedOrigins, "*") || slices.Contains(cfg.allowedOrigins, origin)
}

func corsHeaders(cfg *Config, w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if !originAllowed(cfg, origin) {
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Add("Vary", "Origin")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, game-code")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Max-Age", "600")
}

func realIP(r *http.Request) string {
	host, port, _ := net.SplitHostPort(r.RemoteAddr)
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		if net.ParseIP(ip) != nil {
			host = ip
		}
	} else if ip := r.Header.Get("X-Real-IP"); ip != "" {
		if net.ParseIP(ip) != nil {
			host = ip
		}
	}
	if net.ParseIP(host) != nil && strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		return host + ":" + port
	}
	return host
}

func humanReadableSize(bytes int64) string {
	const unit int64 = 1000
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := unit, 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB",
		float64(bytes)/float64(div),
		"kMGTPE"[exp])
}

func serveVersion(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		startTime := time.Now()

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		securityHeaders(cfg, w)
		w.WriteHeader(http.StatusOK)

		written, err := w.Write([]byte("dynamicboard v" + releaseVersion + "\n"))
		if err != nil {
			report(errs, err)

			return
		}

		logf(cfg, "SERVE: Version page (%s) to %s in %s",
			humanReadableSize(int64(written)),
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

// server holds the board components behind the HTTP routes.
type server struct {
	cfg       *Config
	registry  *board.Registry
	gateway   *board.Gateway
	lifecycle *board.Lifecycle
	promReg   *prometheus.Registry
	errs      chan error
	closers   []func() error
}

func newServer(ctx context.Context, cfg *Config) (*server, error) {
	cfg.prefix = strings.TrimSuffix(cfg.prefix, "/")

	s := &server{
		cfg:  cfg,
		errs: make(chan error, 64),
	}

	var metrics *board.Metrics
	if cfg.metrics {
		s.promReg = prometheus.NewRegistry()
		s.promReg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = board.NewMetrics(s.promReg)
	}

	var store board.StrokeStore
	switch cfg.store {
	case "redis":
		client, err := board.DialRedis(ctx, board.RedisConfig{
			Addr:     cfg.redisAddr,
			Password: cfg.redisPassword,
			DB:       cfg.redisDB,
		})
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, client.Close)
		store = board.NewRedisStore(client, cfg.redisPrefix, cfg.redisTTL, cfg.log())
		logf(cfg, "STORE: Using redis at %s", cfg.redisAddr)
	default:
		store = board.NewMemoryStore()
	}

	auth, err := cfg.authenticator()
	if err != nil {
		s.close()
		return nil, err
	}

	s.registry = board.NewRegistry(board.RegistryConfig{
		Store:      store,
		CodeLength: cfg.codeLength,
		Metrics:    metrics,
		Logger:     cfg.log(),
	})

	s.gateway = board.NewGateway(board.GatewayConfig{
		Registry:      s.registry,
		Authenticator: auth,
		AuthTimeout:   cfg.authTimeout,
		SendBuffer:    cfg.sendBuffer,
		MaxBatch:      cfg.maxBatch,
		Echo:          cfg.echo,
		Metrics:       metrics,
		Logger:        cfg.log(),
	})

	s.lifecycle = board.NewLifecycle(s.registry, cfg.log())

	return s, nil
}

func (s *server) close() {
	for _, c := range s.closers {
		if err := c(); err != nil {
			s.cfg.log().Warn("failed to release resource", "error", err)
		}
	}
}

// authorize checks the bearer credential of a mutating api call.
func (s *server) authorize(r *http.Request) (identity.Identity, error) {
	if !s.cfg.protectAPI {
		return identity.Identity{Anonymous: true}, nil
	}
	return s.gateway.Authenticate(r.Context(), credentialFrom(r))
}

func (s *server) routes(ctx context.Context) *httprouter.Router {
	cfg := s.cfg
	mux := httprouter.New()

	mux.PanicHandler = func(w http.ResponseWriter, r *http.Request, i any) {
		cfg.log().Error("panic while serving request", "path", r.URL.Path, "panic", i)

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)
		w.WriteHeader(http.StatusInternalServerError)

		io.WriteString(w, newPage("Server Error", "An error has occurred. Please try again."))
	}

	mux.GlobalOPTIONS = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corsHeaders(cfg, w, r)
		w.WriteHeader(http.StatusNoContent)
	})

	mux.GET(cfg.prefix+"/", serveHomePage(cfg, s.errs))

	mux.GET(cfg.prefix+"/healthz", serveHealthCheck(cfg, s.errs))

	mux.GET(cfg.prefix+"/robots.txt", serveRobots(cfg, s.errs))

	mux.GET(cfg.prefix+"/version", serveVersion(cfg, s.errs))

	registerGameHandlers(s, mux)

	registerStrokeHandlers(s, mux)

	mux.GET(cfg.prefix+"/ws", s.serveWS(ctx))

	if cfg.metrics {
		registerMetricsHandler(cfg, s.promReg, mux)
	}

	if cfg.profile {
		registerProfileHandlers(cfg, mux)
	}

	return mux
}

func ServePage(ctx context.Context, cfg *Config, args []string) error {
	var err error

	timeZone := os.Getenv("TZ")
	if timeZone != "" {
		time.Local, err = time.LoadLocation(timeZone)
		if err != nil {
			return err
		}
	}

	if cfg.logger == nil {
		cfg.logger = newLogger(cfg, os.Stderr)
	}

	logf(cfg, "START: dynamicboard v%s", releaseVersion)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s, err := newServer(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.close()

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.bind, strconv.Itoa(cfg.port)),
		Handler:           s.routes(ctx),
		IdleTimeout:       10 * time.Minute,
		ReadTimeout:       timeout,
		ReadHeaderTimeout: timeout,
		WriteTimeout:      timeout,
	}

	go drainErrors(ctx, cfg, s.errs)

	if cfg.sessionTimeout > 0 {
		go s.registry.Run(ctx, cfg.sessionTimeout/2, cfg.sessionTimeout)
	}

	serveErr := make(chan error, 1)

	go func() {
		var err error
		logf(cfg, "SERVE: Listening on %s://%s%s/", cfg.scheme(), srv.Addr, cfg.prefix)
		if cfg.tlsKey != "" && cfg.tlsCert != "" {
			err = srv.ListenAndServeTLS(cfg.tlsCert, cfg.tlsKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		cfg.log().Error("server stopped", "error", err)
		return err
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = srv.Shutdown(shutdownCtx)

	logf(cfg, "STOP: dynamicboard v%s", releaseVersion)

	return nil
}
