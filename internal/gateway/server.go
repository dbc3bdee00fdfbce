package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	maxFrameSize = 64 << 10
	closeTimeout = time.Second
)

// TokenVerifier resolves a bearer token to a user id.
type TokenVerifier interface {
	Verify(token string) (int64, error)
}

// Server upgrades HTTP requests to WebSocket sessions on a Gateway.
type Server struct {
	gateway  *Gateway
	verifier TokenVerifier
	upgrader *websocket.Upgrader
	log      *zap.Logger
}

func NewServer(gw *Gateway, verifier TokenVerifier, log *zap.Logger) *Server {
	return &Server{
		gateway:  gw,
		verifier: verifier,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients are native apps authenticated by token, not browsers
			// relying on cookies.
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: log,
	}
}

// tokenFromRequest looks at the token query parameter first, then the
// Authorization bearer header and finally a plain token header.
func tokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.Header.Get("token")
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("error upgrading to websocket", zap.Error(err))
		return
	}

	userID, err := s.verifier.Verify(tokenFromRequest(r))
	if err != nil {
		s.log.Info("rejected connection", zap.String("remote", r.RemoteAddr), zap.Error(err))
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeTimeout))
		_ = ws.Close()
		return
	}

	ws.SetReadLimit(maxFrameSize)
	if err := s.gateway.Serve(r.Context(), ws, userID); err != nil {
		s.log.Debug("connection ended", zap.Int64("user_id", userID), zap.Error(err))
	}
}
