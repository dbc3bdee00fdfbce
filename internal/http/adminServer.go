package http

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"palsrelay/internal/api"

	"go.uber.org/zap"
)

type AdminServer struct {
	server *http.Server
	log    *zap.Logger
	wg     sync.WaitGroup
}

func NewAdminServer(adminHandler *api.AdminHandler, addr string, log *zap.Logger) *AdminServer {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/users/{id}/disconnect", adminHandler.DisconnectUserHandler)
	mux.HandleFunc("GET /admin/users/{id}/presence", adminHandler.PresenceHandler)
	mux.HandleFunc("POST /admin/conversations", adminHandler.CreateConversationHandler)
	mux.HandleFunc("POST /admin/conversations/{id}/members/{user}", adminHandler.AddMemberHandler)
	mux.HandleFunc("DELETE /admin/conversations/{id}/members/{user}", adminHandler.RemoveMemberHandler)
	mux.HandleFunc("GET /admin/conversations/{id}/messages", adminHandler.MessagesHandler)

	if addr == "" {
		addr = "localhost:8081"
	}

	return &AdminServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: log,
	}
}

func (s *AdminServer) Start() error {
	s.log.Info("admin API started", zap.String("addr", s.server.Addr))
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
