package api

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/opentracing/opentracing-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"swarmd/internal/api/handlers"
	"swarmd/internal/api/middleware"
	"swarmd/internal/config"
	"swarmd/internal/torrent"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewTracer returns a Jaeger tracer when tracing is enabled and a no-op
// tracer otherwise. The closer flushes pending spans.
func NewTracer(cfg *config.Config) (opentracing.Tracer, io.Closer, error) {
	if !cfg.TracingEnabled {
		return opentracing.NoopTracer{}, nopCloser{}, nil
	}
	tracer, closer, err := middleware.InitTracer(cfg.ServiceName)
	if err != nil {
		return nil, nil, err
	}
	opentracing.SetGlobalTracer(tracer)
	return tracer, closer, nil
}

func NewRouter(cfg *config.Config, log zerolog.Logger, client *torrent.Client, tracer opentracing.Tracer) (*chi.Mux, error) {
	r := chi.NewRouter()

	cache, err := handlers.NewTorrentInfoCache(cfg.CacheTTL, cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create info cache: %w", err)
	}

	// Middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(log))
	r.Use(middleware.Recoverer(log))
	r.Use(middleware.CorsMiddleware(cfg))
	r.Use(middleware.RateLimiter(cfg))
	r.Use(middleware.SecurityHeadersMiddleware)
	r.Use(middleware.TracingMiddleware(tracer))

	// JSON routes
	r.Group(func(r chi.Router) {
		r.Use(chimw.Timeout(cfg.HTTPRequestTimeout))
		r.Use(middleware.CircuitBreakerMiddleware(cfg, log))
		r.Use(middleware.CompressMiddleware)

		r.Get("/torrents", handlers.ListTorrents(client, log))
		r.Get("/torrent/{infoHash}", handlers.GetTorrentInfo(client, cache, log))
		r.Delete("/torrent/{infoHash}", handlers.RemoveTorrent(client, cache))
	})

	// Streams wait on the swarm and run as long as the client reads.
	r.Get("/stream/{infoHash}/{fileID}", handlers.StreamFile(client, log))
	r.Head("/stream/{infoHash}/{fileID}", handlers.StreamFile(client, log))

	r.Handle("/metrics", promhttp.Handler())

	return r, nil
}

func NewServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ServerReadTimeout,
		ReadTimeout:       cfg.ServerReadTimeout,
		WriteTimeout:      cfg.ServerWriteTimeout,
		IdleTimeout:       cfg.ServerIdleTimeout,
	}
}

// Listen binds the server address and returns the URL it is reachable at.
func Listen(srv *http.Server) (net.Listener, string, error) {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return nil, "", fmt.Errorf("failed to listen on %s: %w", srv.Addr, err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	return ln, fmt.Sprintf("http://localhost:%d", port), nil
}

// RunServer serves on ln until ctx is cancelled, then shuts down
// gracefully.
func RunServer(ctx context.Context, srv *http.Server, ln net.Listener, shutdownTimeout time.Duration) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	return g.Wait()
}
