// Package api serves the accounting engine over HTTP as JSON.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/pario-ai/tokenmeter/pkg/billing"
	"github.com/pario-ai/tokenmeter/pkg/metrics"
)

// Server is the tokenmeter HTTP API.
type Server struct {
	engine  *billing.Engine
	metrics *metrics.Metrics
	log     zerolog.Logger
	mux     *http.ServeMux
	handler http.Handler
}

// New creates a Server backed by engine. m may be nil.
func New(engine *billing.Engine, m *metrics.Metrics, logger zerolog.Logger) *Server {
	s := &Server{
		engine:  engine,
		metrics: m,
		log:     logger.With().Str("component", "api").Logger(),
		mux:     http.NewServeMux(),
	}

	s.handle("POST /v1/subscriptions", s.handleCreateSubscription)
	s.handle("GET /v1/subscriptions", s.handleListSubscriptions)
	s.handle("GET /v1/subscriptions/{id}", s.handleGetSubscription)
	s.handle("GET /v1/subscriptions/{id}/entitlement", s.handleEntitlement)
	s.handle("POST /v1/subscriptions/{id}/charges", s.handleCharge)
	s.handle("POST /v1/charges", s.handleCharge)
	s.handle("POST /v1/subscriptions/{id}/plan", s.handlePlanChange)
	s.handle("POST /v1/subscriptions/{id}/purchases", s.handlePurchase)
	s.handle("GET /v1/subscriptions/{id}/purchases", s.handleListPurchases)
	s.handle("POST /v1/subscriptions/{id}/cancel", s.handleCancel)
	s.handle("GET /v1/subscriptions/{id}/consumption", s.handleConsumption)
	s.handle("GET /v1/subscriptions/{id}/verify", s.handleVerify)
	s.handle("GET /v1/plans", s.handlePlans)
	s.handle("GET /v1/packages", s.handlePackages)
	s.handle("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", metrics.Handler())

	s.handler = requestID(s.mux)
	return s
}

// handle registers h under pattern, instrumented with the pattern as its
// route label.
func (s *Server) handle(pattern string, h http.HandlerFunc) {
	s.mux.Handle(pattern, s.instrument(pattern, h))
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("tokenmeter api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
