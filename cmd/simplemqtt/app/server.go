package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Dev-CorliJoni/simple-mqtt/pkg/log"
	"github.com/Dev-CorliJoni/simple-mqtt/pkg/mqtt"
	"github.com/Dev-CorliJoni/simple-mqtt/pkg/options"
)

// server exposes prometheus metrics and the connection health.
type server struct {
	opts *options.HttpOptions
	http *http.Server
}

func newServer(opts *options.HttpOptions, conn *mqtt.Connection) *server {
	r := mux.NewRouter()
	r.Handle(opts.MetricsPath, promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", healthHandler(conn)).Methods(http.MethodGet)

	return &server{
		opts: opts,
		http: &http.Server{
			Addr:              opts.Addr,
			Handler:           r,
			ReadHeaderTimeout: opts.ReadHeaderTimeout,
		},
	}
}

type health struct {
	ClientID       string `json:"clientID"`
	State          string `json:"state"`
	SessionResumed bool   `json:"sessionResumed"`
	InFlight       int    `json:"inFlight"`
}

func healthHandler(conn *mqtt.Connection) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !conn.IsConnected() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(health{
			ClientID:       conn.ClientID(),
			State:          string(conn.State()),
			SessionResumed: conn.SessionResumed(),
			InFlight:       conn.InFlight(),
		})
	}
}

// Run serves until ctx ends and then shuts down gracefully.
func (s *server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		log.Info("Starting HTTP server", "addr", s.opts.Addr, "metrics", s.opts.MetricsPath)
		errc <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
