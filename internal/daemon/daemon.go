// Package daemon assembles the HTTP server, middleware chain, and graceful
// shutdown sequence for the agent-managed-browser daemon.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/agentmb/agentmb-daemon/internal/config"
	"github.com/agentmb/agentmb-daemon/internal/httpapi"
	"github.com/agentmb/agentmb-daemon/internal/metrics"
	"github.com/agentmb/agentmb-daemon/internal/middleware"
	"github.com/agentmb/agentmb-daemon/pkg/version"
)

// Supervisor owns the daemon's HTTP server and every component that needs
// an orderly shutdown: the rate limiter's cleanup goroutine, the session
// manager's browser processes, and the sqlite-backed stores behind the
// server itself.
type Supervisor struct {
	cfg         *config.Config
	server      *httpapi.Server
	httpServer  *http.Server
	rateLimiter *middleware.RateLimiterMiddleware
}

// New builds a Supervisor from configuration, wiring the full middleware
// chain around the server's router.
func New(cfg *config.Config) (*Supervisor, error) {
	server, err := httpapi.NewServer(cfg)
	if err != nil {
		return nil, fmt.Errorf("build server: %w", err)
	}

	// Outermost first: Recovery catches panics from everything below it,
	// Logging records every request, Timeout enforces the per-action
	// deadline, then the optional rate limiter and token auth, then
	// security headers, then CORS (innermost, right before the router).
	chain := []func(http.Handler) http.Handler{
		middleware.Recovery,
		middleware.Logging,
		middleware.Timeout(cfg.MaxTimeout),
	}

	var rateLimiter *middleware.RateLimiterMiddleware
	if cfg.RateLimitEnabled {
		log.Info().
			Int("requests_per_minute", cfg.RateLimitRPM).
			Bool("trust_proxy", cfg.TrustProxy).
			Msg("Rate limiting enabled")
		rateLimiter = middleware.NewRateLimitMiddleware(cfg.RateLimitRPM, cfg.TrustProxy)
		chain = append(chain, rateLimiter.Handler())
	}

	if cfg.APIToken != "" {
		log.Info().Msg("API token authentication enabled")
		chain = append(chain, middleware.APIToken(cfg))
	}

	chain = append(chain,
		middleware.SecurityHeaders,
		middleware.CORS(middleware.CORSConfig{AllowedOrigins: cfg.CORSAllowedOrigins}),
	)

	finalHandler := middleware.Chain(chain...)(server.Router())

	addr := fmt.Sprintf("%s:%d", cfg.Bind, cfg.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           finalHandler,
		ReadTimeout:       cfg.MaxTimeout + 10*time.Second,
		WriteTimeout:      cfg.MaxTimeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Supervisor{
		cfg:         cfg,
		server:      server,
		httpServer:  httpServer,
		rateLimiter: rateLimiter,
	}, nil
}

// Run starts the HTTP server and blocks until SIGINT/SIGTERM, then drains
// in-flight sessions and shuts every owned component down in order.
func (s *Supervisor) Run(ctx context.Context) error {
	printBanner()
	metrics.SetBuildInfo(version.Full(), version.GoVersion())

	stopMetrics := make(chan struct{})
	go metrics.StartMemoryCollector(15*time.Second, stopMetrics)
	go s.gaugeLoop(stopMetrics)
	defer close(stopMetrics)

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("address", s.httpServer.Addr).
			Str("data_dir", s.cfg.DataDir).
			Bool("rate_limit_enabled", s.cfg.RateLimitEnabled).
			Msg("agentmb-daemon is ready to accept requests")

		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-quit:
		signal.Stop(quit)
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	return s.shutdown()
}

// gaugeLoop periodically refreshes the session-count and snapshot-element
// Prometheus gauges until stopCh is closed.
func (s *Supervisor) gaugeLoop(stopCh <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.server.RefreshGauges()
		case <-stopCh:
			return
		}
	}
}

// shutdown drains new session creation, gives in-flight actions up to
// ShutdownGraceTimeout to finish, then force-closes sessions and the
// server's own sqlite stores.
func (s *Supervisor) shutdown() error {
	s.server.Drain()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGraceTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Close()
	}

	if err := s.server.Manager().Close(); err != nil {
		log.Error().Err(err).Msg("session manager close error")
	}

	if err := s.server.Close(); err != nil {
		log.Error().Err(err).Msg("server store close error")
		return err
	}

	log.Info().Msg("shutdown complete")
	return nil
}

// SetupLogging configures zerolog's global level and console writer.
func SetupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})

	switch level {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func printBanner() {
	banner := `
  __ _  __ _  ___ _ __ | |_ _ __ ___ | |__
 / _' |/ _' |/ _ \ '_ \| __| '_ ' _ \| '_ \
| (_| | (_| |  __/ | | | |_| | | | | | |_) |
 \__,_|\__, |\___|_| |_|\__|_| |_| |_|_.__/
       |___/           managed-browser daemon
`
	fmt.Println(banner)
	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Msg("starting agentmb-daemon")
}
