// Package server wires riskcheck's components together and runs the public
// API server, the admin server and the optional gRPC health endpoint.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/riskcheck/riskcheck/internal/admission"
	"github.com/riskcheck/riskcheck/internal/api"
	"github.com/riskcheck/riskcheck/internal/blocklist"
	"github.com/riskcheck/riskcheck/internal/breaker"
	"github.com/riskcheck/riskcheck/internal/config"
	"github.com/riskcheck/riskcheck/internal/middleware"
	"github.com/riskcheck/riskcheck/internal/observability"
	"github.com/riskcheck/riskcheck/internal/ratelimit"
	"github.com/riskcheck/riskcheck/internal/riskcheck"
	"github.com/riskcheck/riskcheck/internal/store"
	"github.com/riskcheck/riskcheck/internal/warmup"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCServiceName is the service reported by the gRPC health endpoint in
// addition to the overall "" service.
const GRPCServiceName = "riskcheck"

// Option customizes a Server.
type Option func(*Server)

// WithLogLevel lets Reload apply logging.level changes to loggers already
// handed out.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(s *Server) { s.level = lv }
}

// WithFetcher replaces the HTTP list fetcher.
func WithFetcher(f blocklist.Fetcher) Option {
	return func(s *Server) { s.fetcher = f }
}

// WithAdmissionOptions passes options to the admission controller.
func WithAdmissionOptions(opts ...admission.Option) Option {
	return func(s *Server) { s.admissionOpts = append(s.admissionOpts, opts...) }
}

// Server is the riskcheck process: its components and its listeners.
type Server struct {
	cfg     atomic.Pointer[config.Config]
	logger  *slog.Logger
	level   *slog.LevelVar
	version string

	mainServer  *http.Server
	http3Server *http3.Server // nil when HTTP/3 is disabled.
	adminServer *http.Server
	grpcServer  *grpc.Server   // nil when grpc.health_address is empty.
	grpcHealth  *health.Server // nil when grpc.health_address is empty.
	certs       *certHolder    // non-nil when TLS is enabled; supports hot-reload.

	store     *store.Store
	limiter   *ratelimit.Limiter
	breaker   *breaker.Breaker
	admission *admission.Controller
	fetcher   blocklist.Fetcher
	refresher *blocklist.Refresher
	warmup    *warmup.Scheduler // nil when warmup is disabled.
	chain     *middleware.Chain
	health    *observability.HealthChecker
	metrics   *observability.Metrics

	admissionOpts []admission.Option

	tracingShutdown func(context.Context) error
}

// New builds every component from cfg.
func New(cfg *config.Config, logger *slog.Logger, version string, opts ...Option) (*Server, error) {
	s := &Server{logger: logger, version: version}
	for _, opt := range opts {
		opt(s)
	}
	s.cfg.Store(cfg)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	s.metrics = observability.NewMetrics(reg)
	s.health = observability.NewHealthChecker()

	// Cached lists plus the rate-limit and breaker keys of active clients.
	st, err := store.New(
		store.WithMaxCost(cfg.Store.MaxCostBytes),
		store.WithExpectedItems(int64(cfg.Admission.MaxCacheEntries)+store.DefaultExpectedItems),
	)
	if err != nil {
		return nil, fmt.Errorf("create store: %w", err)
	}
	s.store = st

	s.limiter = ratelimit.NewLimiter(st, ratelimit.SettingsFromConfig(cfg.RateLimit), logger)
	s.breaker = breaker.New(st, breaker.SettingsFromConfig(cfg.CircuitBreaker), logger)
	s.breaker.OnStateChange(s.metrics.ObserveCircuitTransition)
	s.admission = admission.New(st, admission.SettingsFromConfig(cfg.Admission), logger, s.admissionOpts...)
	if err := s.metrics.RegisterAdmission(s.admission.Stats); err != nil {
		st.Close()
		return nil, fmt.Errorf("register admission metrics: %w", err)
	}
	s.health.SetSaturationProbe(s.admission)

	fallback, err := blocklist.NewFallbackSet(cfg.Fallback)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("load fallback list: %w", err)
	}
	if s.fetcher == nil {
		s.fetcher = blocklist.NewHTTPFetcher(cfg.Fetch, logger)
	}
	s.refresher = blocklist.NewRefresher(blocklist.Params{
		Sources:   blocklist.SourcesFromConfig(cfg.Sources),
		Fallback:  fallback,
		Store:     st,
		Admission: s.admission,
		Breaker:   s.breaker,
		Fetcher:   s.fetcher,
		Settings:  blocklist.SettingsFromConfig(cfg),
		Logger:    logger,
		Recorder:  s.metrics,
	})

	if cfg.Warmup.Enabled {
		// A pass refreshes sources one after another.
		passTimeout := time.Duration(len(cfg.Sources)+1) * blocklist.SettingsFromConfig(cfg).FetchTimeout
		s.warmup, err = warmup.New(cfg.Warmup, s.refresher, passTimeout, logger)
		if err != nil {
			st.Close()
			return nil, err
		}
	}

	handler := api.New(api.Deps{
		Checker:   riskcheck.NewChecker(s.refresher, s.metrics, logger),
		Refresher: s.refresher,
		Admission: s.admission,
		Breaker:   s.breaker,
		Limiter:   s.limiter,
		Metrics:   s.metrics,
		Logger:    logger,
	})
	s.chain = middleware.NewChain(handler.Routes(), cfg, s.limiter, logger, s.metrics)

	s.mainServer, s.http3Server = buildMainServer(cfg, s.chain, logger)
	s.adminServer = buildAdminServer(cfg, s.health, reg, logger)
	if cfg.GRPC.HealthAddress != "" {
		s.grpcServer, s.grpcHealth = buildGRPCHealthServer()
	}

	logger.Info("riskcheck configured",
		"sources", len(cfg.Sources), "fallback_hosts", fallback.Len(),
		"rate_limit", cfg.RateLimit.Enabled, "warmup", cfg.Warmup.Enabled)

	return s, nil
}

func buildMainServer(cfg *config.Config, handler http.Handler, logger *slog.Logger) (*http.Server, *http3.Server) {
	readTimeout, _ := config.ParseDuration(cfg.Server.ReadTimeout, 30*time.Second)
	writeTimeout, _ := config.ParseDuration(cfg.Server.WriteTimeout, 60*time.Second)
	idleTimeout, _ := config.ParseDuration(cfg.Server.IdleTimeout, 120*time.Second)

	mainHandler := h2c.NewHandler(handler, &http2.Server{})

	var h3srv *http3.Server
	if cfg.Server.TLS.HTTP3Enabled {
		h3srv = &http3.Server{
			Addr:           cfg.Server.Address,
			Handler:        handler,
			MaxHeaderBytes: 1 << 20,
			IdleTimeout:    idleTimeout,
			QUICConfig: &quic.Config{
				MaxIdleTimeout: idleTimeout,
				Allow0RTT:      false, // 0-RTT requests are replayable.
			},
		}

		tcpHandler := mainHandler
		mainHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ProtoMajor < 3 {
				if err := h3srv.SetQUICHeaders(w.Header()); err != nil {
					logger.Debug("failed to set Alt-Svc header", "error", err)
				}
			}
			tcpHandler.ServeHTTP(w, r)
		})
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           mainHandler,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	return srv, h3srv
}

func buildAdminServer(cfg *config.Config, hc *observability.HealthChecker, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	readTimeout, _ := config.ParseDuration(cfg.Admin.ReadTimeout, 5*time.Second)
	writeTimeout, _ := config.ParseDuration(cfg.Admin.WriteTimeout, 10*time.Second)
	idleTimeout, _ := config.ParseDuration(cfg.Admin.IdleTimeout, 30*time.Second)

	mux := http.NewServeMux()
	mux.Handle("/startz", hc.StartzHandler())
	mux.Handle("/healthz", hc.HealthzHandler())
	mux.Handle("/readyz", hc.ReadyzHandler())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	return &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           mux,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
}

func buildGRPCHealthServer() (*grpc.Server, *health.Server) {
	gs := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(GRPCServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return gs, hs
}

// certHolder provides atomic TLS certificate hot-reload via GetCertificate.
type certHolder struct {
	cert atomic.Pointer[tls.Certificate]
}

func newCertHolder(certFile, keyFile string) (*certHolder, error) {
	ch := &certHolder{}
	if err := ch.Reload(certFile, keyFile); err != nil {
		return nil, err
	}
	return ch, nil
}

// Reload loads a new certificate from disk and atomically swaps it.
func (ch *certHolder) Reload(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("load TLS certificate: %w", err)
	}
	ch.cert.Store(&cert)
	return nil
}

// GetCertificate implements the tls.Config.GetCertificate callback.
func (ch *certHolder) GetCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return ch.cert.Load(), nil
}

// tlsMinVersion returns the tls.Config MinVersion from config, defaulting to TLS 1.2.
func tlsMinVersion(cfg *config.Config) uint16 {
	if cfg.Server.TLS.MinVersion == config.TLSVersion13 {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// Run starts every listener and blocks until ctx is canceled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.cfg.Load()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(_ context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	if cfg.Server.TLS.Enabled {
		ch, certErr := newCertHolder(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		if certErr != nil {
			return certErr
		}
		s.certs = ch
		tlsCfg := &tls.Config{
			MinVersion:     tlsMinVersion(cfg),
			GetCertificate: ch.GetCertificate,
			NextProtos:     []string{"h2", "http/1.1"},
		}
		s.mainServer.TLSConfig = tlsCfg
		if s.http3Server != nil {
			s.http3Server.TLSConfig = http3.ConfigureTLSConfig(tlsCfg.Clone())
		}
	}

	errCh := make(chan error, 4)
	readyCh := make(chan struct{})

	go s.startAdminServer(cfg, errCh)
	go s.startMainServer(cfg, errCh, readyCh)
	if s.http3Server != nil {
		go s.startHTTP3Server(errCh)
	}
	if s.grpcServer != nil {
		go s.startGRPCServer(cfg, errCh)
	}

	s.health.SetStarted()

	select {
	case <-readyCh:
	case srvErr := <-errCh:
		_ = s.shutdown()
		return srvErr
	}

	if s.warmup != nil {
		s.warmup.Start(ctx)
	}
	s.health.SetReady()
	if s.grpcHealth != nil {
		s.grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		s.grpcHealth.SetServingStatus(GRPCServiceName, healthpb.HealthCheckResponse_SERVING)
	}
	s.logger.Info("riskcheck is ready", "version", s.version, "address", cfg.Server.Address)

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining...")
	case srvErr := <-errCh:
		_ = s.shutdown()
		return srvErr
	}

	return s.shutdown()
}

func (s *Server) startAdminServer(cfg *config.Config, errCh chan<- error) {
	s.logger.Info("admin server starting", "address", cfg.Admin.Address)
	if err := s.adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("admin server: %w", err)
	}
}

func (s *Server) startMainServer(cfg *config.Config, errCh chan<- error, readyCh chan struct{}) {
	s.logger.Info("api server starting",
		"address", cfg.Server.Address,
		"tls", cfg.Server.TLS.Enabled,
		"http3", cfg.Server.TLS.HTTP3Enabled)

	// Listen separately from Serve so readiness follows the bind.
	ln, err := net.Listen("tcp", cfg.Server.Address)
	if err != nil {
		errCh <- fmt.Errorf("api server listen: %w", err)
		return
	}
	close(readyCh)

	if s.mainServer.TLSConfig != nil {
		err = s.mainServer.Serve(tls.NewListener(ln, s.mainServer.TLSConfig))
	} else {
		err = s.mainServer.Serve(ln)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("api server: %w", err)
	}
}

func (s *Server) startHTTP3Server(errCh chan<- error) {
	s.logger.Info("HTTP/3 (QUIC) server starting", "address", s.http3Server.Addr)
	if err := s.http3Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("HTTP/3 server: %w", err)
	}
}

func (s *Server) startGRPCServer(cfg *config.Config, errCh chan<- error) {
	ln, err := net.Listen("tcp", cfg.GRPC.HealthAddress)
	if err != nil {
		errCh <- fmt.Errorf("grpc health listen: %w", err)
		return
	}
	s.logger.Info("gRPC health server starting", "address", ln.Addr().String())
	if err := s.grpcServer.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		errCh <- fmt.Errorf("grpc health server: %w", err)
	}
}

// Reload applies a new configuration. Rate limits, breaker thresholds, the
// logging level, the fallback list and rotated TLS certificates take effect
// immediately. Other changes are reported and wait for a restart.
func (s *Server) Reload(newCfg *config.Config) {
	old := s.cfg.Load()

	s.chain.Reload(newCfg)
	s.breaker.Reload(breaker.SettingsFromConfig(newCfg.CircuitBreaker))
	if s.level != nil {
		s.level.Set(observability.ParseLevel(newCfg.Logging.Level))
	}

	if fallback, err := blocklist.NewFallbackSet(newCfg.Fallback); err != nil {
		s.logger.Error("fallback list reload failed, keeping old list", "error", err)
	} else {
		s.refresher.SetFallback(fallback)
	}

	if s.certs != nil && newCfg.Server.TLS.CertFile != "" && newCfg.Server.TLS.KeyFile != "" {
		if err := s.certs.Reload(newCfg.Server.TLS.CertFile, newCfg.Server.TLS.KeyFile); err != nil {
			s.logger.Error("TLS certificate reload failed, keeping old certificate", "error", err)
		} else {
			s.logger.Info("TLS certificates reloaded")
		}
	}

	if fields := newCfg.RequiresRestart(old); len(fields) > 0 {
		s.logger.Warn("config changes require a restart to take effect", "fields", fields)
	}

	s.cfg.Store(newCfg)
	s.logger.Info("configuration reloaded")
}

func (s *Server) shutdown() error {
	s.health.SetNotReady()
	if s.grpcHealth != nil {
		s.grpcHealth.Shutdown()
	}

	cfg := s.cfg.Load()
	drainTimeout, _ := config.ParseDuration(cfg.Server.DrainTimeout, 30*time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if s.http3Server != nil {
		if err := s.http3Server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP/3 server shutdown error", "error", err)
		}
	}

	if err := s.mainServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("api server shutdown error", "error", err)
	}

	if err := s.adminServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("admin server shutdown error", "error", err)
	}

	if s.grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			s.grpcServer.Stop()
		}
	}

	if s.warmup != nil {
		select {
		case <-s.warmup.Stop().Done():
		case <-shutdownCtx.Done():
			s.logger.Warn("warmup pass still running at shutdown")
		}
	}

	s.closeComponents()

	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(shutdownCtx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}

func (s *Server) closeComponents() {
	if c, ok := s.fetcher.(interface{ Close() }); ok {
		c.Close()
	}
	s.store.Close()
}
