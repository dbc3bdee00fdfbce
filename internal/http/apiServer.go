package http

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"palsrelay/internal/api"
	"palsrelay/internal/gateway"

	"go.uber.org/zap"
)

type APIServer struct {
	server *http.Server
	log    *zap.Logger
	wg     sync.WaitGroup
}

// NewAPIServer serves the WebSocket endpoint. Sessions inherit baseCtx so
// they end when the process shuts down.
func NewAPIServer(baseCtx context.Context, gw *gateway.Gateway, verifier gateway.TokenVerifier, addr string, log *zap.Logger) *APIServer {
	server := gateway.NewServer(gw, verifier, log)
	apiHandlers := api.New(gw, log)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", server.HandleConnections)
	mux.HandleFunc("GET /healthz", apiHandlers.HealthHandler)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext: func(net.Listener) context.Context {
				return baseCtx
			},
		},
		log: log,
	}
}

func (s *APIServer) Start() error {
	s.log.Info("API server started", zap.String("addr", s.server.Addr))
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
