// Package server assembles the relay: shared session registry, dispatch pool,
// metrics and the HTTP routes and middleware chain in front of them.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/vango-go/vai-signal/pkg/core/inference"
	"github.com/vango-go/vai-signal/pkg/core/inference/gemini"
	"github.com/vango-go/vai-signal/pkg/core/signal"
	"github.com/vango-go/vai-signal/pkg/gateway/config"
	"github.com/vango-go/vai-signal/pkg/gateway/handlers"
	"github.com/vango-go/vai-signal/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-signal/pkg/gateway/metrics"
	"github.com/vango-go/vai-signal/pkg/gateway/mw"
	"github.com/vango-go/vai-signal/pkg/gateway/ratelimit"
	"github.com/vango-go/vai-signal/pkg/gateway/signal/dispatch"
	"github.com/vango-go/vai-signal/pkg/gateway/signal/sessions"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	client     inference.Client
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	metrics    *metrics.Metrics
	lifecycle  *lifecycle.Lifecycle
	sessions   *sessions.Registry
	dispatcher *dispatch.Dispatcher
}

type Option func(*Server)

// WithInferenceClient replaces the Gemini client built from cfg.
func WithInferenceClient(c inference.Client) Option {
	return func(s *Server) { s.client = c }
}

// WithMetrics replaces the default metrics instance.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...Option) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: 10 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		mux:        http.NewServeMux(),
		httpClient: httpClient,
		lifecycle:  lifecycle.New(time.Now()),
		sessions:   sessions.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New("signal")
	}

	limits := ratelimit.Config{
		RPS:                  cfg.RateLimitRPS,
		Burst:                cfg.RateLimitBurst,
		MaxSessionsPerClient: cfg.MaxSessionsPerClient,
	}
	if limits.Enabled() {
		s.limiter = ratelimit.New(limits)
	}

	if s.client == nil {
		c, err := gemini.New(ctx, gemini.Config{
			APIKey:     cfg.GoogleAPIKey,
			Project:    cfg.GoogleProject,
			Location:   cfg.GoogleLocation,
			VertexAI:   cfg.UseVertexAI,
			Model:      cfg.Model,
			HTTPClient: httpClient,
		})
		if err != nil {
			return nil, err
		}
		s.client = c
	}

	d, err := dispatch.New(dispatch.Dependencies{
		Client:  s.client,
		Pusher:  s.sessions,
		Logger:  logger,
		Metrics: s.metrics,
		Config: dispatch.Config{
			MaxInFlight:         cfg.MaxInFlightDispatches,
			InferenceTimeout:    cfg.InferenceTimeout,
			AudioMIMEType:       cfg.AudioMIMEType,
			ClassifyTemperature: cfg.ClassifyTemperature,
			CodeTemperature:     cfg.CodeTemperature,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dispatcher: %w", err)
	}
	s.dispatcher = d

	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Lifecycle: s.lifecycle,
		Sessions:  s.sessions,
	})
	s.mux.Handle("/metrics", s.metrics.Handler())

	s.mux.Handle(s.cfg.WSPath, handlers.SignalHandler{
		Config:    s.cfg,
		Logger:    s.logger,
		Metrics:   s.metrics,
		Lifecycle: s.lifecycle,
		Limiter:   s.limiter,
		Sessions:  s.sessions,
		Audio:     s.dispatcher,
	})
	s.mux.Handle("/v1/sessions/{id}/code", handlers.CodeHandler{
		Config:     s.cfg,
		Logger:     s.logger,
		Sessions:   s.sessions,
		Dispatcher: s.dispatcher,
	})
	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.RateLimit(s.cfg, s.limiter, h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

func (s *Server) SetDraining(draining bool) {
	if s == nil || s.lifecycle == nil {
		return
	}
	s.lifecycle.SetDraining(draining)
}

// WarnSessionsDraining tells every open session the relay is going away.
// It returns how many sessions accepted the signal.
func (s *Server) WarnSessionsDraining() int {
	if s == nil || s.sessions == nil {
		return 0
	}
	return s.sessions.Broadcast(signal.Draining(time.Now()))
}

// WaitSessions blocks until every session has deregistered or ctx is done.
func (s *Server) WaitSessions(ctx context.Context) bool {
	if s == nil || s.sessions == nil {
		return true
	}
	return s.sessions.Wait(ctx)
}

// CancelSessions closes every open session. Each session gets a short window
// to flush queued signals before its close frame.
func (s *Server) CancelSessions() int {
	if s == nil || s.sessions == nil {
		return 0
	}
	return s.sessions.CancelAll()
}

// WaitDispatches stops accepting new inference jobs and waits for in-flight
// ones to finish or ctx to end.
func (s *Server) WaitDispatches(ctx context.Context) bool {
	if s == nil || s.dispatcher == nil {
		return true
	}
	return s.dispatcher.Wait(ctx)
}

func (s *Server) CancelDispatches() {
	if s == nil || s.dispatcher == nil {
		return
	}
	s.dispatcher.Cancel()
}

// SessionCount reports registered sessions.
func (s *Server) SessionCount() int {
	if s == nil || s.sessions == nil {
		return 0
	}
	return s.sessions.Count()
}

func (s *Server) Metrics() *metrics.Metrics {
	if s == nil {
		return nil
	}
	return s.metrics
}
